package manager

import (
	"errors"
	"fmt"
)

// ErrorType categorizes command failures
type ErrorType int

const (
	ErrorTypeUnknown             ErrorType = iota
	ErrorTypeArgument                      // malformed command or arguments
	ErrorTypePrecondition                  // state does not allow the command
	ErrorTypeAuthorization                 // dry run refused the detonation action
	ErrorTypeTransientController           // controller call failed, worth retrying
	ErrorTypeProcessTermination            // watchdog did not exit in time
	ErrorTypeRareCondition                 // watchdog gave up after repeated oddities
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeArgument:
		return "argument"
	case ErrorTypePrecondition:
		return "precondition"
	case ErrorTypeAuthorization:
		return "authorization"
	case ErrorTypeTransientController:
		return "transient_controller"
	case ErrorTypeProcessTermination:
		return "process_termination"
	case ErrorTypeRareCondition:
		return "rare_condition"
	default:
		return "unknown"
	}
}

// Error wraps a command failure with its category
type Error struct {
	Type    ErrorType
	Op      string // "arm", "reset", "defuse", ...
	Key     string
	Message string
	Err     error
}

func (e *Error) Error() string {
	prefix := e.Op
	if e.Key != "" {
		prefix = fmt.Sprintf("%s %s", e.Op, e.Key)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new command error
func NewError(errType ErrorType, op, key, message string, err error) *Error {
	return &Error{Type: errType, Op: op, Key: key, Message: message, Err: err}
}

// TypeOf returns the category of err, or ErrorTypeUnknown.
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeUnknown
}

// ExitStatus carries a specific exit code without an error message, for
// commands that completed but must report a non-zero status.
type ExitStatus struct {
	Code int
}

func (e *ExitStatus) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// ExitCode maps err to a process exit code: 0 on success, the code of an
// ExitStatus, and 1 for everything else.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var status *ExitStatus
	if errors.As(err, &status) {
		return status.Code
	}
	return 1
}
