package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/timebomb/internal/config"
	"github.com/psantana5/timebomb/internal/controller"
	"github.com/psantana5/timebomb/internal/controller/ec2"
	"github.com/psantana5/timebomb/internal/controller/execctl"
	"github.com/psantana5/timebomb/internal/manager"
	"github.com/psantana5/timebomb/internal/record"
	"github.com/psantana5/timebomb/pkg/logging"
	"github.com/psantana5/timebomb/pkg/tracing"
)

// Version is set at build time with -ldflags.
var Version = "dev"

var (
	cfgFile      string
	outputFormat string

	cfg *config.Config
	log *logging.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "timebomb",
	Short: "Dead man's switch for cloud instances",
	Long: `timebomb arms a watchdog that stops or terminates a cloud instance unless
it is reset before a timeout expires.

  timebomb own <instance> <seconds>       terminate when the timer runs out
  timebomb control <instance> <seconds>   stop when the timer runs out, keep watching
  timebomb reset <instance>               push the deadline back
  timebomb done <instance>                act now and disarm`,
	Version:           Version,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initConfig,
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	rootCmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return manager.NewError(manager.ErrorTypeArgument, c.Name(), "", "invalid flags", err)
	})

	c, err := rootCmd.ExecuteC()
	if err == nil {
		return 0
	}

	var status *manager.ExitStatus
	if !errors.As(err, &status) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	if manager.TypeOf(err) == manager.ErrorTypeArgument && c != nil {
		fmt.Fprintln(os.Stderr)
		_ = c.Usage()
	}
	return manager.ExitCode(err)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.timebomb/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
	rootCmd.SetErr(os.Stderr)
}

// initConfig reads the config file and TIMEBOMB_* environment variables
func initConfig(c *cobra.Command, args []string) error {
	if outputFormat != "table" && outputFormat != "json" {
		return manager.NewError(manager.ErrorTypeArgument, c.Name(), "", fmt.Sprintf("unknown output format %q", outputFormat), nil)
	}

	v, err := config.NewViper(cfgFile)
	if err != nil {
		return err
	}
	cfg, err = config.Load(v)
	if err != nil {
		return err
	}
	log = logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogJSON)
	return nil
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// exactArgs is cobra.ExactArgs reporting an argument error.
func exactArgs(n int) cobra.PositionalArgs {
	return func(c *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(c, args); err != nil {
			return manager.NewError(manager.ErrorTypeArgument, c.Name(), "", "wrong number of arguments", err)
		}
		return nil
	}
}

func maxArgs(n int) cobra.PositionalArgs {
	return func(c *cobra.Command, args []string) error {
		if err := cobra.MaximumNArgs(n)(c, args); err != nil {
			return manager.NewError(manager.ErrorTypeArgument, c.Name(), "", "too many arguments", err)
		}
		return nil
	}
}

// newStore opens the record directory, creating it if needed.
func newStore() (*record.FileStore, error) {
	return record.NewFileStore(cfg.RecordDir())
}

// newController builds the configured resource controller, wrapped in spans.
func newController(ctx context.Context, profile string, provider *tracing.Provider) (controller.Controller, error) {
	if profile == "" {
		profile = cfg.AWS.Profile
	}

	var ctl controller.Controller
	switch cfg.Controller {
	case config.ControllerExec:
		c, err := execctl.New(cfg.ExecCommand)
		if err != nil {
			return nil, err
		}
		ctl = c
	default:
		c, err := ec2.New(ctx, profile, cfg.AWS.Region)
		if err != nil {
			return nil, err
		}
		ctl = c
	}

	if provider == nil {
		return ctl, nil
	}
	return controller.NewTraced(ctl, provider), nil
}

func newTracer(instanceID string) (*tracing.Provider, error) {
	return tracing.InitTracer(tracing.Config{
		ServiceName:    "timebomb",
		ServiceVersion: Version,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		Enabled:        cfg.Tracing.Enabled,
		InstanceID:     instanceID,
	})
}

// shutdownTracer flushes spans; failures only matter for debugging.
func shutdownTracer(p *tracing.Provider) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		log.Debug("Tracer shutdown failed", map[string]interface{}{"error": err.Error()})
	}
}

// newManager wires a Manager for the CLI. ctl may be nil for commands that
// never talk to the controller.
func newManager(ctl controller.Controller) (*manager.Manager, error) {
	store, err := newStore()
	if err != nil {
		return nil, err
	}

	var extra []string
	if cfgFile != "" {
		path, err := filepath.Abs(cfgFile)
		if err != nil {
			return nil, err
		}
		extra = append(extra, "--config", path)
	}
	procs, err := manager.NewSystemProcesses(cfg.LogDir(), cfg.KillTimeout, extra...)
	if err != nil {
		return nil, err
	}

	return manager.New(store, ctl, procs, manager.Options{
		LockDir:      cfg.LockDir(),
		KillTimeout:  cfg.KillTimeout,
		StartTimeout: cfg.ArmWaitTimeout,
		Logger:       log,
	}), nil
}
