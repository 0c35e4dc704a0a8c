package watchdog

import (
	"fmt"

	"github.com/psantana5/timebomb/internal/controller"
)

// Mode is fixed when a watchdog is armed.
type Mode string

const (
	// ModeOneShot terminates the resource on detonation and exits.
	ModeOneShot Mode = "own"
	// ModeContinuous stops the resource on detonation and keeps watching.
	ModeContinuous Mode = "control"
)

// ParseMode accepts the command names own and control.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeOneShot, ModeContinuous:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown mode %q (want own or control)", s)
	}
}

// Action is the detonation action of the mode.
func (m Mode) Action() controller.Action {
	if m == ModeOneShot {
		return controller.ActionTerminate
	}
	return controller.ActionStop
}

// Phase is a state of the watchdog state machine.
type Phase string

const (
	PhaseWaitingForArm Phase = "waiting_for_arm" // spawned, record not written yet
	PhaseMonitoring    Phase = "monitoring"      // timer running
	PhaseDetonating    Phase = "detonating"      // calling the controller
	PhaseWatching      Phase = "stopped_watching"
	PhaseTerminated    Phase = "terminated"
)

// validTransitions maps from-phase to allowed to-phases
var validTransitions = map[Phase]map[Phase]bool{
	PhaseWaitingForArm: {
		PhaseMonitoring: true, // record appeared with our pid
		PhaseTerminated: true, // never armed, or cancelled first
	},
	PhaseMonitoring: {
		PhaseDetonating: true, // timer expired or record removed
		PhaseTerminated: true, // defused
	},
	PhaseDetonating: {
		PhaseMonitoring: true, // action failed, retry after delay
		PhaseWatching:   true, // continuous mode, resource stopped
		PhaseTerminated: true, // one-shot done, disarmed or defused
	},
	PhaseWatching: {
		PhaseMonitoring: true,
		PhaseTerminated: true,
	},
	PhaseTerminated: {},
}

// ValidateTransition checks if a phase transition is allowed.
func ValidateTransition(from, to Phase) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("unknown phase: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}
