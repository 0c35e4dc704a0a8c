// Package record is the liveness signal store. A record's presence means its
// watchdog is armed; its last-reset time is the liveness clock.
package record

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

var (
	ErrInvalidKey = errors.New("invalid record key")
	ErrExists     = errors.New("record already exists")
	ErrNotFound   = errors.New("record not found")
	ErrCorrupt    = errors.New("not a watchdog record")
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)

// ValidateKey reports whether key can name a record. Keys are resource ids,
// so path separators and leading dots are rejected.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// Record is an armed watchdog's liveness signal.
type Record struct {
	Key       string    `json:"key"`
	OwnerPID  int       `json:"owner_pid"`
	LastReset time.Time `json:"last_reset"`
}

// Age returns how long ago the record was last reset.
func (r *Record) Age(now time.Time) time.Duration {
	return now.Sub(r.LastReset)
}

// Store holds records. Every mutation is atomic with respect to concurrent
// readers; writers only ever create, advance (or rewind) the reset time, or delete.
type Store interface {
	// Create adds a record owned by ownerPID. It fails with ErrExists rather
	// than overwrite.
	Create(key string, ownerPID int) error
	// Get returns the record, or ErrNotFound if it is absent.
	Get(key string) (*Record, error)
	// SetLastReset sets the reset time; ErrNotFound if absent.
	SetLastReset(key string, t time.Time) error
	// Remove deletes the record; ErrNotFound if absent.
	Remove(key string) error
	// List returns all records.
	List() ([]*Record, error)
	// Watch notifies about any change to key, including its creation and deletion.
	Watch(key string) (Watcher, error)
}

// Watcher delivers change notifications for one key. Notifications are
// coalesced: a pending notification is never lost, but several changes may
// produce a single notification.
type Watcher interface {
	Events() <-chan struct{}
	Errors() <-chan error
	Close() error
}

// notify performs a non-blocking send on a 1-buffered channel.
func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
