package manager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/timebomb/internal/controller"
	"github.com/psantana5/timebomb/internal/controller/controllertest"
	"github.com/psantana5/timebomb/internal/proc"
	"github.com/psantana5/timebomb/internal/record"
	"github.com/psantana5/timebomb/internal/watchdog"
)

// fakeProcs pretends to launch processes. A pid in alive but not in
// watchdogs is some other process.
type fakeProcs struct {
	mu         sync.Mutex
	nextPID    int
	alive      map[int]bool
	launched   []ArmRequest
	aborted    []int
	terminated []int
	watchdogs  []proc.Watchdog
	stubborn   bool
	startErr   error // returned by Ready; the watchdog is gone
	hang       bool  // Ready blocks until its context is done
	onLaunch   func(pid int)
	onTerm     func(pid int)
}

func newFakeProcs() *fakeProcs {
	return &fakeProcs{nextPID: 1000, alive: make(map[int]bool)}
}

// start registers a running watchdog for key.
func (f *fakeProcs) start(pid int, key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive[pid] = true
	f.watchdogs = append(f.watchdogs, proc.Watchdog{PID: pid, Key: key, Mode: "own", Timeout: 60})
}

func (f *fakeProcs) Launch(req ArmRequest) (*Launched, error) {
	f.mu.Lock()
	f.nextPID++
	pid := f.nextPID
	f.launched = append(f.launched, req)
	hook := f.onLaunch
	f.mu.Unlock()
	f.start(pid, req.Key)

	if hook != nil {
		hook(pid)
	}
	return &Launched{
		PID: pid,
		Ready: func(ctx context.Context) error {
			f.mu.Lock()
			startErr, hang := f.startErr, f.hang
			if startErr != nil {
				delete(f.alive, pid)
			}
			f.mu.Unlock()
			if hang {
				<-ctx.Done()
				return ctx.Err()
			}
			return startErr
		},
		Abort: func() error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.aborted = append(f.aborted, pid)
			delete(f.alive, pid)
			return nil
		},
	}, nil
}

func (f *fakeProcs) isAlive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid]
}

func (f *fakeProcs) Terminate(pid int) error {
	f.mu.Lock()
	f.terminated = append(f.terminated, pid)
	if !f.alive[pid] {
		f.mu.Unlock()
		return proc.ErrNotRunning
	}
	if !f.stubborn {
		delete(f.alive, pid)
	}
	hook := f.onTerm
	f.mu.Unlock()

	if hook != nil && !f.stubborn {
		hook(pid)
	}
	return nil
}

func (f *fakeProcs) WaitExit(ctx context.Context, pid int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for f.isAlive(pid) {
		if time.Now().After(deadline) {
			return proc.ErrKillTimeout
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}

func (f *fakeProcs) Find() ([]proc.Watchdog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []proc.Watchdog
	for _, w := range f.watchdogs {
		if f.alive[w.PID] {
			out = append(out, w)
		}
	}
	return out, nil
}

type fixture struct {
	store *record.MemStore
	ctl   *controllertest.Fake
	procs *fakeProcs
	mgr   *Manager
	locks string
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		store: record.NewMemStore(),
		ctl:   controllertest.New(),
		procs: newFakeProcs(),
		locks: t.TempDir(),
	}
	f.mgr = New(f.store, f.ctl, f.procs, Options{
		LockDir:      f.locks,
		KillTimeout:  100 * time.Millisecond,
		StartTimeout: 100 * time.Millisecond,
	})
	return f
}

func TestParseTimeout(t *testing.T) {
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{"120", 120, true},
		{" 90 ", 90, true},
		{"0", 0, false},
		{"-5", 0, false},
		{"1.5", 0, false},
		{"ten", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTimeout(tt.in)
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			} else {
				assert.Equal(t, ErrorTypeArgument, TypeOf(err))
			}
		})
	}
}

func TestArm(t *testing.T) {
	f := newFixture(t)

	res, err := f.mgr.Arm(context.Background(), ArmRequest{Mode: watchdog.ModeOneShot, Key: "i-1234", TimeoutSeconds: 120})
	require.NoError(t, err)
	assert.Equal(t, 1001, res.PID)
	assert.Equal(t, 41*time.Second, res.PollInterval)
	assert.Equal(t, "running", res.State)

	rec, err := f.store.Get("i-1234")
	require.NoError(t, err)
	assert.Equal(t, 1001, rec.OwnerPID)

	assert.Equal(t, 1, f.ctl.Count("describe"))
	assert.Equal(t, 1, f.ctl.Count("dry-run-terminate"))
	assert.Equal(t, 0, f.ctl.Count("dry-run-stop"))
}

func TestArmArguments(t *testing.T) {
	tests := []struct {
		name string
		req  ArmRequest
	}{
		{"bad key", ArmRequest{Mode: watchdog.ModeOneShot, Key: "a/b", TimeoutSeconds: 60}},
		{"bad mode", ArmRequest{Mode: "both", Key: "vm", TimeoutSeconds: 60}},
		{"zero timeout", ArmRequest{Mode: watchdog.ModeContinuous, Key: "vm", TimeoutSeconds: 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.mgr.Arm(context.Background(), tt.req)
			assert.Equal(t, ErrorTypeArgument, TypeOf(err))
			assert.Empty(t, f.ctl.Calls())
			assert.Empty(t, f.procs.launched)
		})
	}
}

func TestArmExistingRecordIsUntouched(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Create("i-1234", 77))
	require.NoError(t, f.store.SetLastReset("i-1234", time.Unix(1000, 0)))

	_, err := f.mgr.Arm(context.Background(), ArmRequest{Mode: watchdog.ModeContinuous, Key: "i-1234", TimeoutSeconds: 60})
	assert.Equal(t, ErrorTypePrecondition, TypeOf(err))
	assert.ErrorIs(t, err, record.ErrExists)

	rec, err := f.store.Get("i-1234")
	require.NoError(t, err)
	assert.Equal(t, 77, rec.OwnerPID)
	assert.True(t, rec.LastReset.Equal(time.Unix(1000, 0)))
	assert.Empty(t, f.procs.launched)
}

func TestArmValidatesResource(t *testing.T) {
	t.Run("describe fails", func(t *testing.T) {
		f := newFixture(t)
		f.ctl.FailDescribe(errors.New("InvalidInstanceID.NotFound"))

		_, err := f.mgr.Arm(context.Background(), ArmRequest{Mode: watchdog.ModeOneShot, Key: "vm", TimeoutSeconds: 60})
		assert.Equal(t, ErrorTypePrecondition, TypeOf(err))
		assert.Empty(t, f.procs.launched)
		_, err = f.store.Get("vm")
		assert.ErrorIs(t, err, record.ErrNotFound)
	})

	t.Run("unknown state", func(t *testing.T) {
		f := newFixture(t)
		f.ctl.SetState("vm", controller.StateUnknown)

		_, err := f.mgr.Arm(context.Background(), ArmRequest{Mode: watchdog.ModeOneShot, Key: "vm", TimeoutSeconds: 60})
		assert.Equal(t, ErrorTypePrecondition, TypeOf(err))
		assert.Empty(t, f.procs.launched)
	})

	t.Run("unauthorized", func(t *testing.T) {
		f := newFixture(t)
		f.ctl.Deny(controller.ActionTerminate)

		_, err := f.mgr.Arm(context.Background(), ArmRequest{Mode: watchdog.ModeOneShot, Key: "vm", TimeoutSeconds: 60})
		assert.Equal(t, ErrorTypeAuthorization, TypeOf(err))
		assert.ErrorIs(t, err, controller.ErrUnauthorized)
		assert.Empty(t, f.procs.launched)
		_, err = f.store.Get("vm")
		assert.ErrorIs(t, err, record.ErrNotFound)

		// Continuous mode only needs stop.
		_, err = f.mgr.Arm(context.Background(), ArmRequest{Mode: watchdog.ModeContinuous, Key: "vm", TimeoutSeconds: 60})
		assert.NoError(t, err)
	})
}

func TestArmRace(t *testing.T) {
	f := newFixture(t)
	f.procs.onLaunch = func(pid int) {
		// Someone else wins between the check and the write.
		_ = f.store.Create("vm", 5)
	}

	_, err := f.mgr.Arm(context.Background(), ArmRequest{Mode: watchdog.ModeOneShot, Key: "vm", TimeoutSeconds: 60})
	assert.Equal(t, ErrorTypePrecondition, TypeOf(err))
	assert.Equal(t, []int{1001}, f.procs.aborted)

	rec, err := f.store.Get("vm")
	require.NoError(t, err)
	assert.Equal(t, 5, rec.OwnerPID)
}

func TestArmLock(t *testing.T) {
	f := newFixture(t)
	other := flock.New(filepath.Join(f.locks, ".vm.lock"))
	locked, err := other.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer other.Unlock()

	_, err = f.mgr.Arm(context.Background(), ArmRequest{Mode: watchdog.ModeOneShot, Key: "vm", TimeoutSeconds: 60})
	assert.Equal(t, ErrorTypePrecondition, TypeOf(err))
	assert.Empty(t, f.ctl.Calls())
	// Only the holder removes the lock file.
	assert.FileExists(t, filepath.Join(f.locks, ".vm.lock"))
}

func TestArmRemovesLockFile(t *testing.T) {
	tests := []struct {
		name  string
		stale bool // left behind by an earlier run
		fail  bool
	}{
		{name: "armed"},
		{name: "stale lock file", stale: true},
		{name: "arm fails", fail: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			path := filepath.Join(f.locks, ".vm.lock")
			if tt.stale {
				require.NoError(t, os.WriteFile(path, nil, 0644))
			}
			if tt.fail {
				f.ctl.FailDescribe(errors.New("throttled"))
			}

			_, err := f.mgr.Arm(context.Background(), ArmRequest{Mode: watchdog.ModeOneShot, Key: "vm", TimeoutSeconds: 60})
			assert.Equal(t, tt.fail, err != nil)
			assert.NoFileExists(t, path)
		})
	}
}

func TestArmWatchdogMustStart(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(p *fakeProcs)
		wantErr error
	}{
		{
			name:    "exits during startup",
			setup:   func(p *fakeProcs) { p.startErr = proc.ErrExitedEarly },
			wantErr: proc.ErrExitedEarly,
		},
		{
			name:    "never adopts the record",
			setup:   func(p *fakeProcs) { p.hang = true },
			wantErr: context.DeadlineExceeded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f.procs)

			res, err := f.mgr.Arm(context.Background(), ArmRequest{Mode: watchdog.ModeOneShot, Key: "vm", TimeoutSeconds: 60})
			assert.Nil(t, res)
			assert.Equal(t, ErrorTypeUnknown, TypeOf(err))
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, []int{1001}, f.procs.aborted)

			_, err = f.store.Get("vm")
			assert.ErrorIs(t, err, record.ErrNotFound)
		})
	}
}

func TestReset(t *testing.T) {
	f := newFixture(t)

	// Before arm: silently ignored.
	require.NoError(t, f.mgr.Reset("vm"))
	_, err := f.store.Get("vm")
	assert.ErrorIs(t, err, record.ErrNotFound)

	require.NoError(t, f.store.Create("vm", 1))
	require.NoError(t, f.store.SetLastReset("vm", time.Unix(0, 0)))
	require.NoError(t, f.mgr.Reset("vm"))
	rec, err := f.store.Get("vm")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), rec.LastReset, time.Second)

	assert.Equal(t, ErrorTypeArgument, TypeOf(f.mgr.Reset("../x")))
}

func TestDetonate(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, ErrorTypePrecondition, TypeOf(f.mgr.Detonate("vm")))
	assert.Equal(t, ErrorTypePrecondition, TypeOf(f.mgr.Detonate("not/a/key")))

	require.NoError(t, f.store.Create("vm", 1))
	require.NoError(t, f.mgr.Detonate("vm"))
	rec, err := f.store.Get("vm")
	require.NoError(t, err)
	assert.True(t, rec.LastReset.Equal(time.Unix(0, 0)))
}

func TestDone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	assert.Equal(t, ErrorTypePrecondition, TypeOf(f.mgr.Done(ctx, "vm", false)))

	require.NoError(t, f.store.Create("vm", 1))
	require.NoError(t, f.mgr.Done(ctx, "vm", false))
	_, err := f.store.Get("vm")
	assert.ErrorIs(t, err, record.ErrNotFound)

	// Waiting on a watchdog that never exits.
	f.procs.start(2, "vm")
	require.NoError(t, f.store.Create("vm", 2))
	err = f.mgr.Done(ctx, "vm", true)
	assert.Equal(t, ErrorTypeProcessTermination, TypeOf(err))

	// The pid now belongs to something else: nothing to wait for.
	f.procs.alive[3] = true
	require.NoError(t, f.store.Create("other", 3))
	require.NoError(t, f.mgr.Done(ctx, "other", true))
}

func TestDefuse(t *testing.T) {
	ctx := context.Background()

	t.Run("live watchdog cleans up", func(t *testing.T) {
		f := newFixture(t)
		f.procs.start(10, "vm")
		require.NoError(t, f.store.Create("vm", 10))
		f.procs.onTerm = func(pid int) { _ = f.store.Remove("vm") }

		res, err := f.mgr.Defuse(ctx, "vm")
		require.NoError(t, err)
		assert.True(t, res.WasRunning)
		assert.False(t, res.OrphanRemoved)
		assert.Equal(t, []int{10}, f.procs.terminated)
	})

	t.Run("dead owner", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.store.Create("vm", 11))

		res, err := f.mgr.Defuse(ctx, "vm")
		require.NoError(t, err)
		assert.False(t, res.WasRunning)
		assert.True(t, res.OrphanRemoved)
		assert.Empty(t, f.procs.terminated)
		_, err = f.store.Get("vm")
		assert.ErrorIs(t, err, record.ErrNotFound)
	})

	t.Run("watchdog ignores the request", func(t *testing.T) {
		f := newFixture(t)
		f.procs.stubborn = true
		f.procs.start(12, "vm")
		require.NoError(t, f.store.Create("vm", 12))

		_, err := f.mgr.Defuse(ctx, "vm")
		assert.Equal(t, ErrorTypeProcessTermination, TypeOf(err))
		assert.ErrorIs(t, err, proc.ErrKillTimeout)
		assert.Equal(t, 1, ExitCode(err))

		// The record stays with its live owner.
		_, err = f.store.Get("vm")
		assert.NoError(t, err)
	})

	t.Run("no record", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.mgr.Defuse(ctx, "vm")
		assert.Equal(t, ErrorTypePrecondition, TypeOf(err))
	})
}

func TestDefuseReusedPID(t *testing.T) {
	tests := []struct {
		name  string
		setup func(p *fakeProcs)
	}{
		{"unrelated process", func(p *fakeProcs) { p.alive[13] = true }},
		{"watchdog for another key", func(p *fakeProcs) { p.start(13, "other") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f.procs)
			require.NoError(t, f.store.Create("vm", 13))

			res, err := f.mgr.Defuse(context.Background(), "vm")
			require.NoError(t, err)
			assert.False(t, res.WasRunning)
			assert.True(t, res.OrphanRemoved)
			assert.Empty(t, f.procs.terminated)
			assert.True(t, f.procs.isAlive(13))

			_, err = f.store.Get("vm")
			assert.ErrorIs(t, err, record.ErrNotFound)
		})
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	f.procs.alive[20] = true
	f.procs.watchdogs = []proc.Watchdog{{PID: 20, Key: "vm", Mode: "control", Timeout: 120}}
	require.NoError(t, f.store.Create("vm", 20))
	require.NoError(t, f.store.SetLastReset("vm", time.Now().Add(-30*time.Second)))

	st, err := f.mgr.Status("vm")
	require.NoError(t, err)
	assert.True(t, st.Alive)
	assert.False(t, st.Orphan)
	assert.Equal(t, "control", st.Mode)
	assert.Equal(t, 2*time.Minute, st.Timeout)
	assert.True(t, st.TimerRunning)
	assert.InDelta(t, float64(90*time.Second), float64(st.Remaining), float64(2*time.Second))
	assert.InDelta(t, float64(30*time.Second), float64(st.Age), float64(2*time.Second))

	// Owner gone: the status is still reported, with an error.
	require.NoError(t, f.store.Create("old", 21))
	st, err = f.mgr.Status("old")
	assert.Equal(t, ErrorTypePrecondition, TypeOf(err))
	require.NotNil(t, st)
	assert.True(t, st.Orphan)

	// Owner pid reused by an unrelated process.
	f.procs.alive[22] = true
	require.NoError(t, f.store.Create("reused", 22))
	st, err = f.mgr.Status("reused")
	assert.Equal(t, ErrorTypePrecondition, TypeOf(err))
	require.NotNil(t, st)
	assert.False(t, st.Alive)
	assert.True(t, st.Orphan)

	_, err = f.mgr.Status("missing")
	assert.Equal(t, ErrorTypePrecondition, TypeOf(err))
}

func TestList(t *testing.T) {
	f := newFixture(t)
	f.procs.alive[30] = true
	f.procs.alive[31] = true
	f.procs.watchdogs = []proc.Watchdog{
		{PID: 30, Key: "b", Mode: "own", Timeout: 60},
		{PID: 31, Key: "c", Mode: "control", Timeout: 60}, // not armed yet
	}
	f.procs.alive[28] = true // not a watchdog
	require.NoError(t, f.store.Create("b", 30))
	require.NoError(t, f.store.Create("a", 29))
	require.NoError(t, f.store.Create("d", 31)) // pid of c's watchdog
	require.NoError(t, f.store.Create("e", 28))

	list, err := f.mgr.List()
	require.NoError(t, err)
	require.Len(t, list, 5)

	assert.Equal(t, "a", list[0].Key)
	assert.True(t, list[0].Orphan)
	assert.False(t, list[0].Alive)

	assert.Equal(t, "b", list[1].Key)
	assert.True(t, list[1].Alive)
	assert.True(t, list[1].Armed)
	assert.Equal(t, "own", list[1].Mode)

	assert.Equal(t, "c", list[2].Key)
	assert.True(t, list[2].Alive)
	assert.False(t, list[2].Armed)

	for _, st := range list[3:] {
		assert.True(t, st.Orphan, st.Key)
		assert.False(t, st.Alive, st.Key)
		assert.Empty(t, st.Mode, st.Key)
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(errors.New("boom")))
	assert.Equal(t, 1, ExitCode(NewError(ErrorTypeArgument, "arm", "", "bad", nil)))
	assert.Equal(t, 2, ExitCode(&ExitStatus{Code: 2}))

	err := NewError(ErrorTypePrecondition, "done", "vm", "no armed watchdog record", record.ErrNotFound)
	assert.Equal(t, "done vm: no armed watchdog record: record not found", err.Error())
	assert.ErrorIs(t, err, record.ErrNotFound)
	assert.Equal(t, "precondition", TypeOf(err).String())
}

// liveProcs runs real watchdogs in goroutines, one fake pid each.
type liveProcs struct {
	t     *testing.T
	store record.Store
	ctl   controller.Controller

	mu      sync.Mutex
	nextPID int
	runs    map[int]*liveRun
}

type liveRun struct {
	req    ArmRequest
	wd     *watchdog.Watchdog
	cancel context.CancelFunc
	done   chan struct{}
	result *watchdog.Result
	err    error
}

func (l *liveProcs) Launch(req ArmRequest) (*Launched, error) {
	l.mu.Lock()
	l.nextPID++
	pid := 50000 + l.nextPID
	l.mu.Unlock()

	armed := make(chan struct{})
	wd, err := watchdog.New(watchdog.Config{
		Key:             req.Key,
		Mode:            req.Mode,
		ResetTimeout:    time.Duration(req.TimeoutSeconds) * time.Second,
		PollInterval:    20 * time.Millisecond,
		WatchTimeout:    50 * time.Millisecond,
		ArmPollInterval: 10 * time.Millisecond,
		FailureDelay:    10 * time.Millisecond,
		PID:             pid,
	}, l.store, l.ctl, watchdog.WithOnArmed(func() { close(armed) }))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	run := &liveRun{req: req, wd: wd, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(run.done)
		run.result, run.err = wd.Run(ctx)
	}()

	l.mu.Lock()
	l.runs[pid] = run
	l.mu.Unlock()
	l.t.Cleanup(func() {
		cancel()
		<-run.done
	})

	return &Launched{
		PID: pid,
		Ready: func(ctx context.Context) error {
			select {
			case <-armed:
				return nil
			case <-run.done:
				return errors.New("watchdog exited")
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		Abort: func() error {
			cancel()
			<-run.done
			return nil
		},
	}, nil
}

func (l *liveProcs) run(pid int) *liveRun {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runs[pid]
}

func (l *liveProcs) Terminate(pid int) error {
	r := l.run(pid)
	if r == nil {
		return proc.ErrNotRunning
	}
	r.cancel()
	return nil
}

func (l *liveProcs) WaitExit(ctx context.Context, pid int, timeout time.Duration) error {
	r := l.run(pid)
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-time.After(timeout):
		return proc.ErrKillTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *liveProcs) Find() ([]proc.Watchdog, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []proc.Watchdog
	for pid, r := range l.runs {
		select {
		case <-r.done:
			continue
		default:
		}
		out = append(out, proc.Watchdog{PID: pid, Key: r.req.Key, Mode: string(r.req.Mode), Timeout: r.req.TimeoutSeconds})
	}
	return out, nil
}

// monitoring waits until the watchdog behind pid has seen its record.
func (l *liveProcs) monitoring(t *testing.T, pid int) {
	t.Helper()
	require.Eventually(t, func() bool {
		r := l.run(pid)
		return r != nil && r.wd.Phase() == watchdog.PhaseMonitoring
	}, 2*time.Second, 5*time.Millisecond)
}

func newLive(t *testing.T) (*Manager, *liveProcs, *controllertest.Fake, *record.MemStore) {
	store := record.NewMemStore()
	ctl := controllertest.New()
	procs := &liveProcs{t: t, store: store, ctl: ctl, runs: make(map[int]*liveRun)}
	mgr := New(store, ctl, procs, Options{LockDir: t.TempDir(), KillTimeout: 2 * time.Second})
	return mgr, procs, ctl, store
}

func TestLifecycleDoneTerminates(t *testing.T) {
	mgr, procs, ctl, store := newLive(t)
	ctx := context.Background()

	res, err := mgr.Arm(ctx, ArmRequest{Mode: watchdog.ModeOneShot, Key: "i-5678", TimeoutSeconds: 60})
	require.NoError(t, err)
	procs.monitoring(t, res.PID)

	require.NoError(t, mgr.Reset("i-5678"))
	assert.Equal(t, 0, ctl.Count("terminate"))

	require.NoError(t, mgr.Done(ctx, "i-5678", true))
	assert.Equal(t, 1, ctl.Count("terminate"))
	assert.Equal(t, controller.StateTerminated, ctl.State("i-5678"))

	run := procs.run(res.PID)
	require.NoError(t, run.err)
	assert.Equal(t, watchdog.ReasonDisarmed, run.result.Reason)
	assert.Equal(t, 0, run.result.ExitCode)

	_, err = store.Get("i-5678")
	assert.ErrorIs(t, err, record.ErrNotFound)
}

func TestLifecycleDefuseLeavesResourceRunning(t *testing.T) {
	mgr, procs, ctl, store := newLive(t)
	ctx := context.Background()

	res, err := mgr.Arm(ctx, ArmRequest{Mode: watchdog.ModeContinuous, Key: "i-1234", TimeoutSeconds: 120})
	require.NoError(t, err)
	procs.monitoring(t, res.PID)

	out, err := mgr.Defuse(ctx, "i-1234")
	require.NoError(t, err)
	assert.True(t, out.WasRunning)

	run := procs.run(res.PID)
	require.NoError(t, run.err)
	assert.Equal(t, watchdog.ReasonDefused, run.result.Reason)
	assert.Equal(t, 2, run.result.ExitCode)
	assert.Equal(t, 0, ctl.Count("stop"))
	assert.Equal(t, controller.StateRunning, ctl.State("i-1234"))

	_, err = store.Get("i-1234")
	assert.ErrorIs(t, err, record.ErrNotFound)
}
