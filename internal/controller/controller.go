// Package controller defines the capability the watchdog uses to act on the
// protected resource: query its state, stop it, terminate it, and check
// authorization for those actions without performing them.
package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// State is the lifecycle state reported for a resource.
type State string

const (
	StatePending      State = "pending"
	StateRunning      State = "running"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
	StateShuttingDown State = "shutting-down"
	StateTerminated   State = "terminated"
	StateUnknown      State = "unknown" // query failed or state unrecognized
)

// ParseState maps a provider string onto a State. Unrecognized values map to StateUnknown.
func ParseState(s string) State {
	switch st := State(strings.ToLower(strings.TrimSpace(s))); st {
	case StatePending, StateRunning, StateStopping, StateStopped, StateShuttingDown, StateTerminated:
		return st
	default:
		return StateUnknown
	}
}

// IsUp reports whether the resource is (or is about to be) running.
func (s State) IsUp() bool {
	return s == StatePending || s == StateRunning
}

// Action is a detonation action.
type Action string

const (
	ActionStop      Action = "stop"
	ActionTerminate Action = "terminate"
)

// Satisfied reports whether state is an acceptable result of performing a.
func (a Action) Satisfied(state State) bool {
	switch a {
	case ActionStop:
		return state == StateStopped || state == StateStopping
	case ActionTerminate:
		return state == StateTerminated || state == StateShuttingDown
	default:
		return false
	}
}

var (
	// ErrUnauthorized is returned by DryRun when the caller may not perform the action.
	ErrUnauthorized = errors.New("not authorized")
	// ErrUnknownAction is returned for actions other than stop and terminate.
	ErrUnknownAction = errors.New("unknown action")
)

// Controller is the resource-control capability. Implementations must be safe
// to call repeatedly: stopping a stopped resource is a successful no-op.
type Controller interface {
	Describe(ctx context.Context, resourceID string) (State, error)
	Stop(ctx context.Context, resourceID string) (State, error)
	Terminate(ctx context.Context, resourceID string) (State, error)
	// DryRun returns nil if action would be permitted, an error wrapping
	// ErrUnauthorized if not, or another error if the check itself failed.
	DryRun(ctx context.Context, action Action, resourceID string) error
}

// Perform invokes the controller method matching action.
func Perform(ctx context.Context, c Controller, action Action, resourceID string) (State, error) {
	switch action {
	case ActionStop:
		return c.Stop(ctx, resourceID)
	case ActionTerminate:
		return c.Terminate(ctx, resourceID)
	default:
		return StateUnknown, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
}
