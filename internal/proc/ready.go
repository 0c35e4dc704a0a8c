package proc

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"syscall"
)

// ReadyEnv names the descriptor a child spawned with Ready reports on.
const ReadyEnv = "TIMEBOMB_READY_FD"

const (
	readyFD      = 3 // first of cmd.ExtraFiles
	readyMessage = "ready"
)

// Notifier reports readiness to the process that spawned this one. A nil
// Notifier does nothing.
type Notifier struct {
	once sync.Once
	f    *os.File
	err  error
}

// OpenNotifier takes over the ready descriptor passed by Spawn. It returns
// nil when this process was not spawned with Ready.
func OpenNotifier() *Notifier {
	v, ok := os.LookupEnv(ReadyEnv)
	if !ok {
		return nil
	}
	os.Unsetenv(ReadyEnv)

	fd, err := strconv.Atoi(v)
	if err != nil || fd < 0 {
		return nil
	}
	// Keep it out of anything this process runs.
	syscall.CloseOnExec(fd)
	return &Notifier{f: os.NewFile(uintptr(fd), "ready")}
}

// Ready reports ready once and releases the descriptor.
func (n *Notifier) Ready() error {
	if n == nil {
		return nil
	}
	n.once.Do(func() {
		if _, err := fmt.Fprintln(n.f, readyMessage); err != nil {
			n.err = fmt.Errorf("reporting ready: %w", err)
		}
		n.f.Close()
	})
	return n.err
}

// Close releases the descriptor without reporting ready.
func (n *Notifier) Close() {
	if n == nil {
		return
	}
	n.once.Do(func() { n.f.Close() })
}
