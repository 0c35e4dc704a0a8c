package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/psantana5/timebomb/internal/history"
	"github.com/psantana5/timebomb/internal/manager"
	"github.com/psantana5/timebomb/internal/metrics"
	"github.com/psantana5/timebomb/internal/proc"
	"github.com/psantana5/timebomb/internal/watchdog"
	"github.com/psantana5/timebomb/pkg/logging"
	"github.com/psantana5/timebomb/pkg/shutdown"
)

const cleanupTimeout = 10 * time.Second

var (
	runMode    string
	runTimeout int
	runProfile string
)

// runCmd is the watchdog process started by arm. It is hidden because it
// must be started before the record that it waits for is written.
var runCmd = &cobra.Command{
	Use:    proc.RunCommand + " <instance>",
	Short:  "Run a watchdog in the foreground",
	Hidden: true,
	Args:   exactArgs(1),
	RunE:   runWatchdog,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runMode, "mode", "", "own or control")
	runCmd.Flags().IntVar(&runTimeout, "timeout", 0, "reset timeout in seconds")
	runCmd.Flags().StringVar(&runProfile, "profile", "", "AWS profile")
	runCmd.MarkFlagRequired("mode")
	runCmd.MarkFlagRequired("timeout")
}

func runWatchdog(c *cobra.Command, args []string) error {
	// Closing without reporting ready tells arm that startup failed.
	notifier := proc.OpenNotifier()
	defer notifier.Close()

	key := args[0]
	mode, err := watchdog.ParseMode(runMode)
	if err != nil {
		return manager.NewError(manager.ErrorTypeArgument, proc.RunCommand, key, "invalid mode", err)
	}
	if runTimeout <= 0 {
		return manager.NewError(manager.ErrorTypeArgument, proc.RunCommand, key, "--timeout must be positive", nil)
	}

	logger, err := logging.NewFileLogger(cfg.LogDir(), key, logging.ParseLevel(cfg.LogLevel), cfg.LogJSON)
	if err != nil {
		return err
	}
	defer logger.Close()

	sm := shutdown.New(cleanupTimeout)
	// Runs the cleanups on early returns; a no-op after the call below.
	defer sm.Shutdown()
	ctx, stop := sm.NotifyContext(c.Context())
	defer stop()

	runID := uuid.NewString()
	runLog := logger.WithFields(map[string]interface{}{"key": key, "run_id": runID})

	provider, err := newTracer(runID)
	if err != nil {
		return err
	}
	sm.Register(provider.Shutdown)

	ctl, err := newController(ctx, runProfile, provider)
	if err != nil {
		runLog.Error("Cannot create controller", map[string]interface{}{"error": err.Error()})
		return err
	}
	store, err := newStore()
	if err != nil {
		return err
	}

	opts := []watchdog.Option{
		watchdog.WithLogger(logger),
		watchdog.WithRunID(runID),
		watchdog.WithOnArmed(func() {
			if err := notifier.Ready(); err != nil {
				runLog.Warn("Cannot report ready", map[string]interface{}{"error": err.Error()})
			}
		}),
	}

	// History is best effort.
	if hist, err := history.Open(cfg.HistoryPath()); err != nil {
		runLog.Warn("History disabled", map[string]interface{}{"error": err.Error()})
	} else {
		sm.Register(shutdown.CloseResource(hist, "history"))
		opts = append(opts, watchdog.WithHistory(hist))
	}

	m := metrics.New(key)
	textfile := metrics.TextfilePath(cfg.StateDir, key)
	opts = append(opts, watchdog.WithMetrics(m, textfile))
	sm.Register(func(context.Context) error {
		if err := os.Remove(textfile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing metrics file: %w", err)
		}
		return nil
	})
	if cfg.Metrics.Addr != "" {
		srv, err := metrics.Listen(cfg.Metrics.Addr, m.Registry())
		if err != nil {
			runLog.Warn("Metrics endpoint disabled", map[string]interface{}{"addr": cfg.Metrics.Addr, "error": err.Error()})
		} else {
			runLog.Info("Serving metrics", map[string]interface{}{"addr": srv.Addr()})
			sm.Register(srv.Shutdown)
		}
	}

	wd, err := watchdog.New(watchdog.Config{
		Key:             key,
		Mode:            mode,
		ResetTimeout:    time.Duration(runTimeout) * time.Second,
		WatchTimeout:    cfg.WatchTimeout,
		ArmWaitTimeout:  cfg.ArmWaitTimeout,
		FailureDelay:    cfg.FailureDelay,
		FailureMaxDelay: cfg.FailureMaxDelay,
		RareThreshold:   cfg.RareThreshold,
	}, store, ctl, opts...)
	if err != nil {
		return manager.NewError(manager.ErrorTypeArgument, proc.RunCommand, key, "invalid watchdog settings", err)
	}

	res, runErr := wd.Run(ctx)
	if sig, ok := shutdown.Signalled(ctx); ok {
		runLog.Info("Stopped by signal", map[string]interface{}{"signal": sig.String()})
	}
	if err := sm.Shutdown(); err != nil {
		runLog.Warn("Cleanup failed", map[string]interface{}{"error": err.Error()})
	}

	if runErr != nil {
		runLog.Error("Watchdog failed", map[string]interface{}{"error": runErr.Error()})
		if errors.Is(runErr, watchdog.ErrRareConditions) {
			return manager.NewError(manager.ErrorTypeRareCondition, proc.RunCommand, key, "giving up", runErr)
		}
		return runErr
	}

	runLog.Info("Watchdog exited", map[string]interface{}{
		"reason":    string(res.Reason),
		"state":     string(res.State),
		"exit_code": res.ExitCode,
	})
	if res.ExitCode != 0 {
		return &manager.ExitStatus{Code: res.ExitCode}
	}
	return nil
}
