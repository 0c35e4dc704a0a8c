// Package watchdog implements the monitoring process behind one armed record.
//
// A watchdog waits for its record to appear, then sleeps until the record is
// reset, deleted or the poll interval elapses, and checks the timer. Once the
// timer expires, or the record is deleted, it stops or terminates the resource.
// In one-shot mode it then deletes the record and returns. In continuous mode
// it keeps watching and stops the resource again for as long as the timer
// stays expired. Cancelling the context defuses the watchdog: the record is
// removed and the resource is left as it is.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/psantana5/timebomb/internal/controller"
	"github.com/psantana5/timebomb/internal/history"
	"github.com/psantana5/timebomb/internal/metrics"
	"github.com/psantana5/timebomb/internal/record"
	"github.com/psantana5/timebomb/internal/timer"
	"github.com/psantana5/timebomb/pkg/logging"
	"github.com/psantana5/timebomb/pkg/retry"
)

var (
	ErrRareConditions  = errors.New("too many rare conditions")
	ErrArmTimeout      = errors.New("record was not armed in time")
	ErrNotOwner        = errors.New("record is owned by another process")
	ErrUnexpectedState = errors.New("unexpected resource state")
)

const cleanupTimeout = 30 * time.Second

// Config holds watchdog settings. Zero durations take defaults.
type Config struct {
	Key          string
	Mode         Mode
	ResetTimeout time.Duration

	PollInterval    time.Duration // default: timer.PollInterval(ResetTimeout)
	WatchTimeout    time.Duration // default: 5m
	ArmWaitTimeout  time.Duration // default: 30s
	ArmPollInterval time.Duration // default: 1s
	FailureDelay    time.Duration // default: 30s
	FailureMaxDelay time.Duration // default: 5m
	RareThreshold   int           // default: 100

	// PID identifies this watchdog in its record. Default: os.Getpid().
	PID int
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = timer.PollInterval(c.ResetTimeout)
	}
	if c.WatchTimeout <= 0 {
		c.WatchTimeout = 5 * time.Minute
	}
	if c.ArmWaitTimeout <= 0 {
		c.ArmWaitTimeout = 30 * time.Second
	}
	if c.ArmPollInterval <= 0 {
		c.ArmPollInterval = time.Second
	}
	if c.FailureDelay <= 0 {
		c.FailureDelay = 30 * time.Second
	}
	if c.FailureMaxDelay <= 0 {
		c.FailureMaxDelay = 5 * time.Minute
	}
	if c.FailureMaxDelay < c.FailureDelay {
		c.FailureMaxDelay = c.FailureDelay
	}
	if c.RareThreshold <= 0 {
		c.RareThreshold = 100
	}
	if c.PID <= 0 {
		c.PID = os.Getpid()
	}
}

// Validate checks the settings that have no default.
func (c *Config) Validate() error {
	if err := record.ValidateKey(c.Key); err != nil {
		return err
	}
	if _, err := ParseMode(string(c.Mode)); err != nil {
		return err
	}
	if c.ResetTimeout <= 0 {
		return fmt.Errorf("reset timeout must be positive, got %v", c.ResetTimeout)
	}
	return nil
}

// HistoryRecorder receives lifecycle events. *history.Store implements it.
type HistoryRecorder interface {
	Record(ctx context.Context, e history.Entry) error
}

// Option configures optional collaborators.
type Option func(*Watchdog)

func WithLogger(l *logging.Logger) Option {
	return func(w *Watchdog) { w.log = l }
}

func WithHistory(h HistoryRecorder) Option {
	return func(w *Watchdog) { w.history = h }
}

// WithMetrics records into m and, if textfile is set, rewrites that file on
// every phase change.
func WithMetrics(m *metrics.Metrics, textfile string) Option {
	return func(w *Watchdog) {
		w.metrics = m
		w.textfile = textfile
	}
}

func WithRunID(id string) Option {
	return func(w *Watchdog) { w.runID = id }
}

// WithOnArmed calls fn once, when the watchdog has found its record.
func WithOnArmed(fn func()) Option {
	return func(w *Watchdog) { w.onArmed = fn }
}

// Reason says how a watchdog ended.
type Reason string

const (
	ReasonDetonated Reason = "detonated" // one-shot detonation completed
	ReasonDisarmed  Reason = "disarmed"  // record deleted; action taken
	ReasonDefused   Reason = "defused"   // context cancelled after arming
	ReasonCancelled Reason = "cancelled" // context cancelled before arming
)

// Result describes a watchdog that ended without error.
type Result struct {
	RunID    string
	Reason   Reason
	State    controller.State // last known resource state
	ExitCode int              // 2 if defused while the resource may still be up
}

// Watchdog monitors one record. Run must be called at most once.
type Watchdog struct {
	cfg      Config
	store    record.Store
	ctl      controller.Controller
	log      *logging.Logger
	history  HistoryRecorder
	metrics  *metrics.Metrics
	textfile string
	runID    string
	onArmed  func()
	limiter  *rate.Limiter
	backoff  retry.Backoff
	now      func() time.Time

	mu    sync.Mutex
	phase Phase

	rare     int
	failures int
}

// New validates cfg and builds a watchdog.
func New(cfg Config, store record.Store, ctl controller.Controller, opts ...Option) (*Watchdog, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.setDefaults()

	pace := cfg.PollInterval
	if cfg.WatchTimeout < pace {
		pace = cfg.WatchTimeout
	}

	w := &Watchdog{
		cfg:     cfg,
		store:   store,
		ctl:     ctl,
		log:     logging.Discard(),
		limiter: rate.NewLimiter(rate.Every(pace), 1),
		backoff: retry.Backoff{
			InitialDelay: cfg.FailureDelay,
			MaxDelay:     cfg.FailureMaxDelay,
			Multiplier:   2.0,
		},
		now:   time.Now,
		phase: PhaseWaitingForArm,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.WithFields(map[string]interface{}{
		"key":    cfg.Key,
		"mode":   string(cfg.Mode),
		"run_id": w.runID,
	})
	return w, nil
}

// Config returns the effective configuration.
func (w *Watchdog) Config() Config {
	return w.cfg
}

// Phase returns the current phase. Safe to call while Run is in progress.
func (w *Watchdog) Phase() Phase {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.phase
}

// Run monitors the record until the watchdog ends. A non-nil error means the
// watchdog gave up: it was never armed, or rare conditions piled up.
func (w *Watchdog) Run(ctx context.Context) (*Result, error) {
	watcher, err := w.store.Watch(w.cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("watching record: %w", err)
	}
	defer watcher.Close()

	w.log.Info("Watchdog started", map[string]interface{}{
		"pid":           w.cfg.PID,
		"reset_timeout": w.cfg.ResetTimeout.String(),
		"poll_interval": w.cfg.PollInterval.String(),
	})
	w.metrics.SetPhase(string(PhaseWaitingForArm))
	w.writeMetrics()

	if err := w.waitForArm(ctx, watcher); err != nil {
		w.setPhase(PhaseTerminated)
		if ctx.Err() != nil {
			w.log.Info("Cancelled before the record was armed")
			return w.result(ReasonCancelled, controller.StateUnknown, 0), nil
		}
		return nil, err
	}
	w.event(history.EventArmed, "", "")
	if w.onArmed != nil {
		w.onArmed()
	}

	for {
		w.setPhase(PhaseMonitoring)
		disarmed, err := w.monitor(ctx, watcher)
		if err != nil {
			if ctx.Err() != nil {
				return w.defuse(), nil
			}
			w.setPhase(PhaseTerminated)
			return nil, err
		}

		w.setPhase(PhaseDetonating)
		state, err := w.detonate(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return w.defuse(), nil
			}
			if err := w.afterFailure(ctx, watcher); err != nil {
				if ctx.Err() != nil {
					return w.defuse(), nil
				}
				w.setPhase(PhaseTerminated)
				return nil, err
			}
			continue
		}
		w.failures = 0

		if !disarmed && w.cfg.Mode == ModeContinuous {
			// The record may have been deleted while the controller was busy.
			if _, present, err := w.lookup(); err == nil && !present {
				disarmed = true
			}
		}

		if disarmed || w.cfg.Mode == ModeOneShot {
			w.removeOwned()
			w.setPhase(PhaseTerminated)
			if disarmed {
				w.event(history.EventDisarmed, state, "")
				w.log.Info("Watchdog disarmed", map[string]interface{}{"state": string(state)})
				return w.result(ReasonDisarmed, state, 0), nil
			}
			w.log.Info("Watchdog finished", map[string]interface{}{"state": string(state)})
			return w.result(ReasonDetonated, state, 0), nil
		}

		w.setPhase(PhaseWatching)
		reason, err := timer.Wait(ctx, watcher, w.cfg.WatchTimeout)
		w.metrics.Wakeup(string(reason))
		switch reason {
		case timer.WakeCancelled:
			return w.defuse(), nil
		case timer.WakeError:
			if err := w.rareCondition("waiting for record change", err); err != nil {
				w.setPhase(PhaseTerminated)
				return nil, err
			}
		}
	}
}

// lookup reports whether the record exists and is still ours. A record
// recreated by another watchdog counts as absent.
func (w *Watchdog) lookup() (*record.Record, bool, error) {
	rec, err := w.store.Get(w.cfg.Key)
	if err != nil {
		if errors.Is(err, record.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if rec.OwnerPID != w.cfg.PID {
		return rec, false, nil
	}
	return rec, true, nil
}

func (w *Watchdog) waitForArm(ctx context.Context, watcher record.Watcher) error {
	deadline := w.now().Add(w.cfg.ArmWaitTimeout)
	for {
		rec, err := w.store.Get(w.cfg.Key)
		switch {
		case err == nil && rec.OwnerPID == w.cfg.PID:
			return nil
		case err == nil:
			return fmt.Errorf("%w: %s belongs to pid %d", ErrNotOwner, w.cfg.Key, rec.OwnerPID)
		case !errors.Is(err, record.ErrNotFound):
			if rerr := w.rareCondition("reading record", err); rerr != nil {
				return rerr
			}
		}

		if !w.now().Before(deadline) {
			return fmt.Errorf("%w: no record for %s after %v", ErrArmTimeout, w.cfg.Key, w.cfg.ArmWaitTimeout)
		}

		reason, err := timer.Wait(ctx, watcher, w.cfg.ArmPollInterval)
		switch reason {
		case timer.WakeCancelled:
			return err
		case timer.WakeError:
			if rerr := w.rareCondition("waiting for record", err); rerr != nil {
				return rerr
			}
		}
	}
}

// monitor returns when the timer has expired (false) or the record is gone
// (true).
func (w *Watchdog) monitor(ctx context.Context, watcher record.Watcher) (bool, error) {
	for {
		rec, present, err := w.lookup()
		switch {
		case err != nil:
			if rerr := w.rareCondition("reading record", err); rerr != nil {
				return false, rerr
			}
		case !present:
			w.log.Info("Record removed")
			return true, nil
		default:
			now := w.now()
			w.metrics.SetLastResetAge(rec.Age(now))
			if !timer.IsRunning(rec, w.cfg.ResetTimeout, now) {
				w.log.Warn("Timer expired", map[string]interface{}{
					"last_reset": rec.LastReset.Format(time.RFC3339),
					"age":        rec.Age(now).Round(time.Second).String(),
				})
				return false, nil
			}
		}

		reason, err := timer.Wait(ctx, watcher, w.cfg.PollInterval)
		w.metrics.Wakeup(string(reason))
		switch reason {
		case timer.WakeCancelled:
			return false, err
		case timer.WakeError:
			if rerr := w.rareCondition("waiting for record change", err); rerr != nil {
				return false, rerr
			}
		}
	}
}

func (w *Watchdog) detonate(ctx context.Context) (controller.State, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return controller.StateUnknown, err
	}

	action := w.cfg.Mode.Action()
	w.log.Warn("Detonating", map[string]interface{}{"action": string(action)})

	state, err := controller.Perform(ctx, w.ctl, action, w.cfg.Key)
	if err == nil && !action.Satisfied(state) {
		err = fmt.Errorf("%w: %s left %s %s", ErrUnexpectedState, action, w.cfg.Key, state)
	}
	if err != nil {
		if ctx.Err() != nil {
			return state, err
		}
		w.metrics.Detonation(string(action), "failure")
		w.log.Error("Detonation failed", map[string]interface{}{
			"action":   string(action),
			"state":    string(state),
			"failures": w.failures + 1,
			"error":    err.Error(),
		})
		w.event(history.EventDetonationFailed, state, err.Error())
		return state, err
	}

	w.metrics.Detonation(string(action), "success")
	w.log.Info("Detonated", map[string]interface{}{"action": string(action), "state": string(state)})
	w.event(history.EventDetonated, state, "")
	return state, nil
}

// afterFailure delays the next detonation attempt: one poll interval (cut
// short by a record change) while the record exists, otherwise a growing
// fixed delay.
func (w *Watchdog) afterFailure(ctx context.Context, watcher record.Watcher) error {
	w.failures++

	if _, present, err := w.lookup(); err == nil && present {
		reason, err := timer.Wait(ctx, watcher, w.cfg.PollInterval)
		w.metrics.Wakeup(string(reason))
		switch reason {
		case timer.WakeCancelled:
			return err
		case timer.WakeError:
			return w.rareCondition("waiting after failed detonation", err)
		}
		return nil
	}

	delay := w.backoff.Delay(w.failures - 1)
	w.log.Info("Retrying detonation", map[string]interface{}{"delay": delay.String()})
	return timer.Sleep(ctx, delay)
}

// defuse runs after cancellation: remove our record, report the resource
// state and leave the resource alone.
func (w *Watchdog) defuse() *Result {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	w.log.Warn("Defused; the resource is left as it is")
	w.removeOwned()

	state, err := w.ctl.Describe(ctx, w.cfg.Key)
	if err != nil {
		w.log.Error("Failed to describe resource", map[string]interface{}{"error": err.Error()})
		state = controller.StateUnknown
	}
	w.setPhase(PhaseTerminated)
	w.event(history.EventDefused, state, "")

	code := 0
	if state.IsUp() || state == controller.StateUnknown {
		code = 2
		w.log.Warn("Resource may still be running", map[string]interface{}{"state": string(state)})
	}
	return w.result(ReasonDefused, state, code)
}

func (w *Watchdog) removeOwned() {
	rec, present, err := w.lookup()
	if err != nil {
		w.log.Warn("Failed to read record before removal", map[string]interface{}{"error": err.Error()})
		return
	}
	if !present {
		if rec != nil {
			w.log.Info("Record now belongs to another watchdog", map[string]interface{}{"owner_pid": rec.OwnerPID})
		}
		return
	}
	if err := w.store.Remove(w.cfg.Key); err != nil && !errors.Is(err, record.ErrNotFound) {
		w.log.Error("Failed to remove record", map[string]interface{}{"error": err.Error()})
	}
}

// rareCondition counts an unexpected but survivable condition and fails once
// the count passes the threshold.
func (w *Watchdog) rareCondition(what string, err error) error {
	w.rare++
	w.metrics.RareCondition()
	w.log.Warn("Rare condition", map[string]interface{}{
		"what":  what,
		"count": w.rare,
		"error": fmt.Sprint(err),
	})
	w.event(history.EventRareCondition, "", fmt.Sprintf("%s: %v", what, err))

	if w.rare > w.cfg.RareThreshold {
		return fmt.Errorf("%w: %d, last while %s: %v", ErrRareConditions, w.rare, what, err)
	}
	return nil
}

func (w *Watchdog) setPhase(p Phase) {
	w.mu.Lock()
	from := w.phase
	w.phase = p
	w.mu.Unlock()

	if from == p {
		return
	}
	if err := ValidateTransition(from, p); err != nil {
		w.log.Error("Unexpected phase transition", map[string]interface{}{"error": err.Error()})
	}
	w.log.Debug("Phase change", map[string]interface{}{"from": string(from), "to": string(p)})
	w.metrics.SetPhase(string(p))
	w.writeMetrics()
}

func (w *Watchdog) writeMetrics() {
	if w.textfile == "" {
		return
	}
	if err := w.metrics.WriteTextfile(w.textfile); err != nil {
		w.log.Debug("Failed to write metrics", map[string]interface{}{"error": err.Error()})
	}
}

// event appends to history. History is best effort.
func (w *Watchdog) event(ev history.Event, state controller.State, detail string) {
	if w.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := w.history.Record(ctx, history.Entry{
		Key:    w.cfg.Key,
		RunID:  w.runID,
		Event:  ev,
		Mode:   string(w.cfg.Mode),
		Action: string(w.cfg.Mode.Action()),
		State:  string(state),
		Detail: detail,
	})
	if err != nil {
		w.log.Warn("Failed to record history", map[string]interface{}{"event": string(ev), "error": err.Error()})
	}
}

func (w *Watchdog) result(reason Reason, state controller.State, code int) *Result {
	return &Result{RunID: w.runID, Reason: reason, State: state, ExitCode: code}
}
