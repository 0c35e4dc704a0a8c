// Package controllertest provides an in-memory controller for tests.
package controllertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/psantana5/timebomb/internal/controller"
)

// Call is one recorded controller invocation.
type Call struct {
	Op         string
	ResourceID string
	At         time.Time
}

// Fake is a thread-safe controller keeping resource states in memory.
// Unknown resources start out running.
type Fake struct {
	mu           sync.Mutex
	states       map[string]controller.State
	calls        []Call
	failActions  int
	actionErr    error
	describeErr  error
	unauthorized map[controller.Action]bool
	wrongState   controller.State
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		states:       make(map[string]controller.State),
		unauthorized: make(map[controller.Action]bool),
	}
}

// SetState sets the current state of a resource, e.g. to simulate an external restart.
func (f *Fake) SetState(resourceID string, state controller.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[resourceID] = state
}

// State returns the current state of a resource.
func (f *Fake) State(resourceID string) controller.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stateLocked(resourceID)
}

// FailActions makes the next n stop/terminate calls return err.
func (f *Fake) FailActions(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failActions = n
	f.actionErr = err
}

// ReportState makes stop/terminate report state without changing anything,
// simulating a provider that does not honour the request. Pass "" to reset.
func (f *Fake) ReportState(state controller.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wrongState = state
}

// FailDescribe makes Describe return err. Pass nil to reset.
func (f *Fake) FailDescribe(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.describeErr = err
}

// Deny makes DryRun for action report ErrUnauthorized.
func (f *Fake) Deny(action controller.Action) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unauthorized[action] = true
}

// Calls returns a copy of the recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Count returns how many calls of op were made.
func (f *Fake) Count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

func (f *Fake) record(op, id string) {
	f.calls = append(f.calls, Call{Op: op, ResourceID: id, At: time.Now()})
}

func (f *Fake) stateLocked(id string) controller.State {
	if st, ok := f.states[id]; ok {
		return st
	}
	return controller.StateRunning
}

func (f *Fake) Describe(ctx context.Context, resourceID string) (controller.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("describe", resourceID)
	if f.describeErr != nil {
		return controller.StateUnknown, f.describeErr
	}
	return f.stateLocked(resourceID), nil
}

func (f *Fake) act(op, id string, next controller.State) (controller.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(op, id)
	if f.failActions > 0 {
		f.failActions--
		return controller.StateUnknown, f.actionErr
	}
	if f.wrongState != "" {
		return f.wrongState, nil
	}
	if f.stateLocked(id) == controller.StateTerminated {
		return controller.StateTerminated, nil
	}
	f.states[id] = next
	return next, nil
}

func (f *Fake) Stop(ctx context.Context, resourceID string) (controller.State, error) {
	return f.act("stop", resourceID, controller.StateStopped)
}

func (f *Fake) Terminate(ctx context.Context, resourceID string) (controller.State, error) {
	return f.act("terminate", resourceID, controller.StateTerminated)
}

func (f *Fake) DryRun(ctx context.Context, action controller.Action, resourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("dry-run-"+string(action), resourceID)
	if f.unauthorized[action] {
		return fmt.Errorf("%s %s: %w", action, resourceID, controller.ErrUnauthorized)
	}
	return nil
}
