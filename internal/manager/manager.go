// Package manager implements the watchdog commands: arm, reset, detonate,
// done, defuse and status. Commands are short and synchronous; the long-lived
// work happens in the watchdog process that arm launches.
package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/psantana5/timebomb/internal/controller"
	"github.com/psantana5/timebomb/internal/proc"
	"github.com/psantana5/timebomb/internal/record"
	"github.com/psantana5/timebomb/internal/timer"
	"github.com/psantana5/timebomb/internal/watchdog"
	"github.com/psantana5/timebomb/pkg/logging"
)

// Processes starts and inspects watchdog processes.
type Processes interface {
	Launch(req ArmRequest) (*Launched, error)
	Terminate(pid int) error
	WaitExit(ctx context.Context, pid int, timeout time.Duration) error
	// Find lists live watchdog processes. A pid only counts as a watchdog
	// for a key when Find reports it with that key; pids are reused.
	Find() ([]proc.Watchdog, error)
}

// Launched is a watchdog started by Processes.Launch.
type Launched struct {
	PID int
	// Ready returns once the watchdog has adopted its record, or with an
	// error if it exits first. Nil means no such report is available.
	Ready func(ctx context.Context) error
	// Abort stops the watchdog if arming cannot be completed.
	Abort func() error
}

// ArmRequest describes a watchdog to arm.
type ArmRequest struct {
	Mode           watchdog.Mode
	Key            string
	TimeoutSeconds int
	Profile        string
}

// ArmResult describes an armed watchdog.
type ArmResult struct {
	Key          string        `json:"key"`
	PID          int           `json:"pid"`
	Mode         watchdog.Mode `json:"mode"`
	Timeout      time.Duration `json:"timeout"`
	PollInterval time.Duration `json:"poll_interval"`
	State        string        `json:"state"`
}

// DefuseResult describes a defused watchdog.
type DefuseResult struct {
	Key           string `json:"key"`
	PID           int    `json:"pid"`
	WasRunning    bool   `json:"was_running"`
	OrphanRemoved bool   `json:"orphan_removed"`
}

// Status describes one watchdog.
type Status struct {
	Key          string        `json:"key"`
	PID          int           `json:"pid"`
	Alive        bool          `json:"alive"`
	Mode         string        `json:"mode,omitempty"`
	Timeout      time.Duration `json:"timeout,omitempty"`
	Armed        bool          `json:"armed"`
	LastReset    time.Time     `json:"last_reset,omitempty"`
	Age          time.Duration `json:"age,omitempty"`
	Remaining    time.Duration `json:"remaining,omitempty"`
	TimerRunning bool          `json:"timer_running"`
	Orphan       bool          `json:"orphan"`
}

// Options configures a Manager.
type Options struct {
	LockDir      string        // arm locks live here
	KillTimeout  time.Duration // default 15s
	StartTimeout time.Duration // wait for a new watchdog to adopt its record; default 30s
	Logger       *logging.Logger
}

// Manager runs commands against a record store.
type Manager struct {
	store       record.Store
	ctl         controller.Controller
	procs        Processes
	lockDir      string
	killTimeout  time.Duration
	startTimeout time.Duration
	log          *logging.Logger
	now          func() time.Time
}

// New creates a Manager. ctl may be nil for commands that never touch the
// resource.
func New(store record.Store, ctl controller.Controller, procs Processes, opts Options) *Manager {
	if opts.KillTimeout <= 0 {
		opts.KillTimeout = 15 * time.Second
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Manager{
		store:        store,
		ctl:          ctl,
		procs:        procs,
		lockDir:      opts.LockDir,
		killTimeout:  opts.KillTimeout,
		startTimeout: opts.StartTimeout,
		log:          opts.Logger,
		now:          time.Now,
	}
}

// ParseTimeout parses a reset timeout given in whole seconds.
func ParseTimeout(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return 0, NewError(ErrorTypeArgument, "arm", "", fmt.Sprintf("reset timeout must be a positive number of seconds, got %q", s), nil)
	}
	return n, nil
}

func validKey(op, key string, errType ErrorType) error {
	if err := record.ValidateKey(key); err != nil {
		return NewError(errType, op, key, "not a valid record key", err)
	}
	return nil
}

// Arm validates the resource, launches a watchdog, writes its record and
// waits for the watchdog to adopt it. Nothing is left behind when any step
// fails.
func (m *Manager) Arm(ctx context.Context, req ArmRequest) (*ArmResult, error) {
	const op = "arm"

	if err := validKey(op, req.Key, ErrorTypeArgument); err != nil {
		return nil, err
	}
	if _, err := watchdog.ParseMode(string(req.Mode)); err != nil {
		return nil, NewError(ErrorTypeArgument, op, req.Key, "invalid mode", err)
	}
	if req.TimeoutSeconds <= 0 {
		return nil, NewError(ErrorTypeArgument, op, req.Key, fmt.Sprintf("reset timeout must be positive, got %d", req.TimeoutSeconds), nil)
	}

	unlock, err := m.lock(req.Key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := m.store.Get(req.Key); err == nil {
		return nil, NewError(ErrorTypePrecondition, op, req.Key, "already armed", record.ErrExists)
	} else if !errors.Is(err, record.ErrNotFound) {
		return nil, NewError(ErrorTypePrecondition, op, req.Key, "cannot read record", err)
	}

	state, err := m.ctl.Describe(ctx, req.Key)
	if err != nil {
		return nil, NewError(ErrorTypePrecondition, op, req.Key, "cannot query resource", err)
	}
	if state == controller.StateUnknown {
		return nil, NewError(ErrorTypePrecondition, op, req.Key, "resource state is unknown", nil)
	}

	action := req.Mode.Action()
	if err := m.ctl.DryRun(ctx, action, req.Key); err != nil {
		if errors.Is(err, controller.ErrUnauthorized) {
			return nil, NewError(ErrorTypeAuthorization, op, req.Key, fmt.Sprintf("not allowed to %s the resource", action), err)
		}
		return nil, NewError(ErrorTypePrecondition, op, req.Key, fmt.Sprintf("cannot validate %s permission", action), err)
	}

	child, err := m.procs.Launch(req)
	if err != nil {
		return nil, NewError(ErrorTypeUnknown, op, req.Key, "failed to launch watchdog", err)
	}
	pid := child.PID

	if err := m.store.Create(req.Key, pid); err != nil {
		m.abort(req.Key, child)
		if errors.Is(err, record.ErrExists) {
			return nil, NewError(ErrorTypePrecondition, op, req.Key, "armed concurrently", err)
		}
		return nil, NewError(ErrorTypeUnknown, op, req.Key, "failed to write record", err)
	}

	if child.Ready != nil {
		rctx, cancel := context.WithTimeout(ctx, m.startTimeout)
		err := child.Ready(rctx)
		cancel()
		if err != nil {
			m.abort(req.Key, child)
			m.removeIfOwnedBy(req.Key, pid)
			return nil, NewError(ErrorTypeUnknown, op, req.Key, fmt.Sprintf("watchdog pid %d did not start", pid), err)
		}
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	m.log.Info("Armed", map[string]interface{}{
		"key": req.Key, "pid": pid, "mode": string(req.Mode), "timeout": timeout.String(),
	})
	return &ArmResult{
		Key:          req.Key,
		PID:          pid,
		Mode:         req.Mode,
		Timeout:      timeout,
		PollInterval: timer.PollInterval(timeout),
		State:        string(state),
	}, nil
}

func (m *Manager) abort(key string, child *Launched) {
	if child.Abort == nil {
		return
	}
	if err := child.Abort(); err != nil {
		m.log.Warn("Failed to stop watchdog after arm failure", map[string]interface{}{
			"key": key, "pid": child.PID, "error": err.Error(),
		})
	}
}

// lockAttempts bounds retries when the lock file is replaced under us.
const lockAttempts = 3

// lock serializes arms of one key across processes. The lock file is
// removed on unlock, so a lock only counts if the file we hold is still the
// one at the path.
func (m *Manager) lock(key string) (func(), error) {
	if m.lockDir == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(m.lockDir, 0755); err != nil {
		return nil, NewError(ErrorTypeUnknown, "arm", key, "cannot create lock directory", err)
	}

	path := filepath.Join(m.lockDir, "."+key+".lock")
	for i := 0; i < lockAttempts; i++ {
		fl := flock.New(path)
		locked, err := fl.TryLock()
		if err != nil {
			return nil, NewError(ErrorTypeUnknown, "arm", key, "cannot take arm lock", err)
		}
		if !locked {
			break
		}

		held, herr := fl.Stat()
		cur, cerr := os.Stat(path)
		if herr == nil && cerr == nil && os.SameFile(held, cur) {
			return func() {
				// Remove before unlocking so nobody locks a file that is
				// about to disappear.
				_ = os.Remove(path)
				_ = fl.Unlock()
			}, nil
		}
		_ = fl.Unlock()
	}
	return nil, NewError(ErrorTypePrecondition, "arm", key, "another arm of this key is in progress", nil)
}

// Reset marks the record as live now. A missing record is not an error:
// resets may race arm.
func (m *Manager) Reset(key string) error {
	if err := validKey("reset", key, ErrorTypeArgument); err != nil {
		return err
	}
	err := m.store.SetLastReset(key, m.now())
	if errors.Is(err, record.ErrNotFound) {
		m.log.Debug("Reset of unarmed key ignored", map[string]interface{}{"key": key})
		return nil
	}
	if err != nil {
		return NewError(ErrorTypeUnknown, "reset", key, "failed to reset", err)
	}
	return nil
}

// existing returns the record for a command that needs one.
func (m *Manager) existing(op, key string) (*record.Record, error) {
	if err := validKey(op, key, ErrorTypePrecondition); err != nil {
		return nil, err
	}
	rec, err := m.store.Get(key)
	if err != nil {
		return nil, NewError(ErrorTypePrecondition, op, key, "no armed watchdog record", err)
	}
	return rec, nil
}

// Detonate moves the last reset to the epoch so the next check detonates.
func (m *Manager) Detonate(key string) error {
	if _, err := m.existing("detonate", key); err != nil {
		return err
	}
	if err := m.store.SetLastReset(key, time.Unix(0, 0)); err != nil {
		return NewError(ErrorTypePrecondition, "detonate", key, "failed to rewind record", err)
	}
	m.log.Info("Detonation forced", map[string]interface{}{"key": key})
	return nil
}

// Done deletes the record. Its watchdog performs the detonation action and
// exits; with wait set, Done waits for that.
func (m *Manager) Done(ctx context.Context, key string, wait bool) error {
	rec, err := m.existing("done", key)
	if err != nil {
		return err
	}
	var owned bool
	if wait {
		if _, owned, err = m.watchdogFor(rec); err != nil {
			return NewError(ErrorTypeUnknown, "done", key, "cannot list processes", err)
		}
	}
	if err := m.store.Remove(key); err != nil {
		return NewError(ErrorTypePrecondition, "done", key, "failed to remove record", err)
	}
	m.log.Info("Disarmed", map[string]interface{}{"key": key, "pid": rec.OwnerPID})

	if !wait {
		return nil
	}
	if !owned {
		m.log.Warn("No watchdog process to wait for", map[string]interface{}{"key": key, "pid": rec.OwnerPID})
		return nil
	}
	if err := m.procs.WaitExit(ctx, rec.OwnerPID, m.killTimeout); err != nil {
		return NewError(ErrorTypeProcessTermination, "done", key, fmt.Sprintf("watchdog pid %d did not exit", rec.OwnerPID), err)
	}
	return nil
}

// Defuse stops the watchdog without acting on the resource, which may stay
// running. The watchdog removes its own record; an orphaned record is removed
// here.
func (m *Manager) Defuse(ctx context.Context, key string) (*DefuseResult, error) {
	const op = "defuse"

	rec, err := m.existing(op, key)
	if err != nil {
		return nil, err
	}
	res := &DefuseResult{Key: key, PID: rec.OwnerPID}

	_, owned, err := m.watchdogFor(rec)
	if err != nil {
		return nil, NewError(ErrorTypeUnknown, op, key, "cannot list processes", err)
	}

	m.log.Warn("Defusing; the resource is left as it is", map[string]interface{}{"key": key, "pid": rec.OwnerPID})

	if owned {
		err := m.procs.Terminate(rec.OwnerPID)
		switch {
		case err == nil:
			res.WasRunning = true
			if err := m.procs.WaitExit(ctx, rec.OwnerPID, m.killTimeout); err != nil {
				return res, NewError(ErrorTypeProcessTermination, op, key, fmt.Sprintf("watchdog pid %d did not exit", rec.OwnerPID), err)
			}
		case errors.Is(err, proc.ErrNotRunning):
		default:
			return res, NewError(ErrorTypeProcessTermination, op, key, fmt.Sprintf("cannot signal watchdog pid %d", rec.OwnerPID), err)
		}
	}

	res.OrphanRemoved = m.removeIfOwnedBy(key, rec.OwnerPID)
	return res, nil
}

// watchdogFor finds the watchdog process that owns rec.
func (m *Manager) watchdogFor(rec *record.Record) (proc.Watchdog, bool, error) {
	procs, err := m.procs.Find()
	if err != nil {
		return proc.Watchdog{}, false, err
	}
	for _, p := range procs {
		if p.PID == rec.OwnerPID && p.Key == rec.Key {
			return p, true, nil
		}
	}
	return proc.Watchdog{}, false, nil
}

// removeIfOwnedBy removes key if pid still owns it.
func (m *Manager) removeIfOwnedBy(key string, pid int) bool {
	rec, err := m.store.Get(key)
	if err != nil || rec.OwnerPID != pid {
		return false
	}
	if err := m.store.Remove(key); err != nil {
		m.log.Warn("Failed to remove orphaned record", map[string]interface{}{"key": key, "error": err.Error()})
		return false
	}
	m.log.Info("Removed orphaned record", map[string]interface{}{"key": key, "pid": pid})
	return true
}

// Status reports on one watchdog. If the owner process is gone the status is
// returned together with a precondition error.
func (m *Manager) Status(key string) (*Status, error) {
	rec, err := m.existing("status", key)
	if err != nil {
		return nil, err
	}

	p, owned, err := m.watchdogFor(rec)
	if err != nil {
		return nil, NewError(ErrorTypeUnknown, "status", key, "cannot list processes", err)
	}

	now := m.now()
	st := statusOf(rec, owned, now)
	if owned {
		describeProcess(st, p, rec, now)
	}

	if !st.Alive {
		return st, NewError(ErrorTypePrecondition, "status", key, fmt.Sprintf("no live watchdog process for this key (pid %d)", rec.OwnerPID), nil)
	}
	return st, nil
}

// List reports every live watchdog process and every record, flagging
// records whose owner is gone.
func (m *Manager) List() ([]*Status, error) {
	records, err := m.store.List()
	if err != nil {
		return nil, NewError(ErrorTypeUnknown, "status", "", "cannot list records", err)
	}
	procs, err := m.procs.Find()
	if err != nil {
		return nil, NewError(ErrorTypeUnknown, "status", "", "cannot list processes", err)
	}

	byPID := make(map[int]proc.Watchdog, len(procs))
	for _, p := range procs {
		byPID[p.PID] = p
	}

	now := m.now()
	seen := make(map[int]bool)
	var out []*Status
	for _, rec := range records {
		p, found := byPID[rec.OwnerPID]
		found = found && p.Key == rec.Key
		st := statusOf(rec, found, now)
		if found {
			describeProcess(st, p, rec, now)
			seen[p.PID] = true
		}
		out = append(out, st)
	}

	// Live watchdogs without a record: waiting for arm, or finishing up.
	for _, p := range procs {
		if seen[p.PID] {
			continue
		}
		st := &Status{Key: p.Key, PID: p.PID, Alive: true}
		describeProcess(st, p, nil, now)
		out = append(out, st)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].PID < out[j].PID
	})
	return out, nil
}

func statusOf(rec *record.Record, alive bool, now time.Time) *Status {
	return &Status{
		Key:       rec.Key,
		PID:       rec.OwnerPID,
		Alive:     alive,
		Armed:     true,
		LastReset: rec.LastReset,
		Age:       rec.Age(now),
		Orphan:    !alive,
	}
}

// describeProcess fills in what only the process command line knows. rec is
// nil for a watchdog without a record.
func describeProcess(st *Status, p proc.Watchdog, rec *record.Record, now time.Time) {
	st.Mode = p.Mode
	if p.Timeout <= 0 {
		return
	}
	st.Timeout = time.Duration(p.Timeout) * time.Second
	if rec != nil {
		st.TimerRunning = timer.IsRunning(rec, st.Timeout, now)
		st.Remaining = timer.Remaining(rec, st.Timeout, now)
	}
}
