// Package proc starts, inspects and stops watchdog processes.
package proc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

var (
	ErrKillTimeout = errors.New("process did not exit in time")
	ErrNotRunning  = errors.New("process is not running")
	ErrNotReady    = errors.New("process did not report ready")
	ErrExitedEarly = errors.New("process exited before it was ready")
)

const pollInterval = 50 * time.Millisecond

// SpawnOptions describes a detached child.
type SpawnOptions struct {
	Path    string   // executable; default: this binary
	Args    []string // arguments after argv[0]
	LogPath string   // stdout and stderr are appended here; empty discards
	Env     []string // default: this process's environment
	Ready   bool     // pass a ready pipe; see WaitReady and OpenNotifier
}

// Child is a process started by Spawn. It runs in its own session, so it
// outlives the caller and never receives the caller's terminal signals.
type Child struct {
	PID    int
	exited chan struct{}
	err    error

	ready    chan struct{} // nil unless spawned with Ready
	readyErr error
}

// Spawn starts a detached child.
func Spawn(opts SpawnOptions) (*Child, error) {
	path := opts.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locating executable: %w", err)
		}
		path = exe
	}

	cmd := exec.Command(path, opts.Args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // new session, no controlling terminal
	}
	cmd.Env = opts.Env

	var readyR, readyW *os.File
	if opts.Ready {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("creating ready pipe: %w", err)
		}
		readyR, readyW = r, w
		// Only the child may hold the write end, so EOF means it has gone.
		defer readyW.Close()
		cmd.ExtraFiles = []*os.File{readyW}
		if cmd.Env == nil {
			cmd.Env = os.Environ()
		}
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%d", ReadyEnv, readyFD))
	}

	var logFile *os.File
	if opts.LogPath != "" {
		f, err := os.OpenFile(opts.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			if readyR != nil {
				readyR.Close()
			}
			return nil, fmt.Errorf("opening child log: %w", err)
		}
		logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		if readyR != nil {
			readyR.Close()
		}
		return nil, fmt.Errorf("failed to start: %w", err)
	}
	if logFile != nil {
		// The child holds its own descriptor.
		logFile.Close()
	}

	c := &Child{PID: cmd.Process.Pid, exited: make(chan struct{})}
	go func() {
		c.err = cmd.Wait()
		close(c.exited)
	}()
	if readyR != nil {
		c.ready = make(chan struct{})
		go c.awaitReady(readyR)
	}
	return c, nil
}

func (c *Child) awaitReady(r *os.File) {
	defer close(c.ready)
	defer r.Close()

	line, _ := bufio.NewReader(r).ReadString('\n')
	if strings.TrimSpace(line) == readyMessage {
		return
	}
	<-c.exited
	status := "exit status 0"
	if c.err != nil {
		status = c.err.Error()
	}
	c.readyErr = fmt.Errorf("%w: %s", ErrExitedEarly, status)
}

// WaitReady blocks until a child spawned with Ready reports ready, exits, or
// ctx is done. It returns nil at once for a child spawned without Ready.
func (c *Child) WaitReady(ctx context.Context) error {
	if c.ready == nil {
		return nil
	}
	select {
	case <-c.ready:
		return c.readyErr
	case <-ctx.Done():
		return fmt.Errorf("%w: pid %d: %v", ErrNotReady, c.PID, ctx.Err())
	}
}

// Exited is closed once the child has exited and been reaped.
func (c *Child) Exited() <-chan struct{} {
	return c.exited
}

// Err returns the child's exit error after Exited is closed.
func (c *Child) Err() error {
	<-c.exited
	return c.err
}

// Stop asks the child to exit and waits up to timeout before killing it.
func (c *Child) Stop(timeout time.Duration) error {
	select {
	case <-c.exited:
		return nil
	default:
	}

	_ = syscall.Kill(c.PID, syscall.SIGTERM)
	select {
	case <-c.exited:
		return nil
	case <-time.After(timeout):
	}

	_ = syscall.Kill(c.PID, syscall.SIGKILL)
	<-c.exited
	return fmt.Errorf("%w: pid %d killed after %v", ErrKillTimeout, c.PID, timeout)
}

// Alive reports whether pid is a running (non-zombie) process.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	exists, err := process.PidExists(int32(pid))
	if err != nil || !exists {
		return false
	}

	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	status, err := p.Status()
	if err != nil {
		return true
	}
	for _, s := range status {
		if s == process.Zombie {
			return false
		}
	}
	return true
}

// Terminate sends SIGTERM to pid. It returns ErrNotRunning if there is no
// such process.
func Terminate(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("%w: invalid pid %d", ErrNotRunning, pid)
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("%w: pid %d", ErrNotRunning, pid)
		}
		return fmt.Errorf("signalling pid %d: %w", pid, err)
	}
	return nil
}

// WaitExit polls until pid is gone or timeout elapses.
func WaitExit(ctx context.Context, pid int, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if !Alive(pid) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w: pid %d still running after %v", ErrKillTimeout, pid, timeout)
		case <-ticker.C:
		}
	}
}
