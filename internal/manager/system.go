package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/psantana5/timebomb/internal/proc"
)

// SystemProcesses launches watchdogs as detached copies of this binary.
type SystemProcesses struct {
	Path        string   // executable; default: this binary
	LogDir      string   // child stdout/stderr go to <LogDir>/<key>.out
	ExtraArgs   []string // flag/value pairs passed to every watchdog
	KillTimeout time.Duration
}

// NewSystemProcesses resolves the running executable.
func NewSystemProcesses(logDir string, killTimeout time.Duration, extraArgs ...string) (*SystemProcesses, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locating executable: %w", err)
	}
	return &SystemProcesses{Path: exe, LogDir: logDir, ExtraArgs: extraArgs, KillTimeout: killTimeout}, nil
}

// Launch starts a watchdog with a ready pipe; it reports ready once it has
// found its record.
func (s *SystemProcesses) Launch(req ArmRequest) (*Launched, error) {
	if err := os.MkdirAll(s.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	logPath := filepath.Join(s.LogDir, req.Key+".out")
	child, err := proc.Spawn(proc.SpawnOptions{
		Path:    s.Path,
		Args:    proc.WatchdogArgs(req.Key, string(req.Mode), req.TimeoutSeconds, req.Profile, s.ExtraArgs...),
		LogPath: logPath,
		Ready:   true,
	})
	if err != nil {
		return nil, err
	}
	return &Launched{
		PID: child.PID,
		Ready: func(ctx context.Context) error {
			if err := child.WaitReady(ctx); err != nil {
				return fmt.Errorf("%w (output in %s)", err, logPath)
			}
			return nil
		},
		Abort: func() error { return child.Stop(s.KillTimeout) },
	}, nil
}

func (s *SystemProcesses) Terminate(pid int) error {
	return proc.Terminate(pid)
}

func (s *SystemProcesses) WaitExit(ctx context.Context, pid int, timeout time.Duration) error {
	return proc.WaitExit(ctx, pid, timeout)
}

func (s *SystemProcesses) Find() ([]proc.Watchdog, error) {
	return proc.FindWatchdogs(filepath.Base(s.Path))
}
