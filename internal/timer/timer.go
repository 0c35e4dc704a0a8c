// Package timer decides whether a watchdog's timer is still running and
// implements the bounded wait between checks.
package timer

import (
	"context"
	"time"

	"github.com/psantana5/timebomb/internal/record"
)

// PollInterval is the longest a watchdog sleeps between checks while its timer
// runs: ceil((timeout+2)/3) whole seconds, giving about three looks per
// timeout window. Sub-second timeouts count as one second.
func PollInterval(resetTimeout time.Duration) time.Duration {
	secs := int64((resetTimeout + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return time.Duration((secs+4)/3) * time.Second
}

// IsRunning reports whether rec was reset less than resetTimeout before now.
func IsRunning(rec *record.Record, resetTimeout time.Duration, now time.Time) bool {
	return now.Sub(rec.LastReset) < resetTimeout
}

// Remaining returns the time left before rec detonates, or zero if it already
// has.
func Remaining(rec *record.Record, resetTimeout time.Duration, now time.Time) time.Duration {
	left := resetTimeout - now.Sub(rec.LastReset)
	if left < 0 {
		return 0
	}
	return left
}

// WakeReason says why Wait returned.
type WakeReason string

const (
	WakeEvent     WakeReason = "event"
	WakeTimeout   WakeReason = "timeout"
	WakeError     WakeReason = "error"
	WakeCancelled WakeReason = "cancelled"
)

// Wait blocks until the record changes, bound elapses or ctx is done. A
// watcher error is returned with WakeError; the caller decides whether it is
// worth counting.
func Wait(ctx context.Context, w record.Watcher, bound time.Duration) (WakeReason, error) {
	t := time.NewTimer(bound)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return WakeCancelled, ctx.Err()
	case <-w.Events():
		return WakeEvent, nil
	case err := <-w.Errors():
		return WakeError, err
	case <-t.C:
		return WakeTimeout, nil
	}
}

// Sleep waits for d or until ctx is done, ignoring record changes.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
