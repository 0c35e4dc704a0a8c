package cmd

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/timebomb/internal/manager"
	"github.com/psantana5/timebomb/internal/watchdog"
	"github.com/psantana5/timebomb/pkg/tracing"
)

var armProfile string

// armCmd represents the arm command
var armCmd = &cobra.Command{
	Use:   "arm <own|control> <instance> <seconds> [profile]",
	Short: "Arm a watchdog for an instance",
	Long: `Arm a watchdog that acts on the instance unless it is reset at least once
every <seconds>.

  own      terminate the instance when the timer runs out, then exit
  control  stop the instance when the timer runs out, and stop it again if it
           is restarted without a reset

The instance state and the permission to stop or terminate it are checked
before anything is started.`,
	Args: func(c *cobra.Command, args []string) error {
		if len(args) < 3 || len(args) > 4 {
			return manager.NewError(manager.ErrorTypeArgument, c.Name(), "", fmt.Sprintf("expected 3 or 4 arguments, got %d", len(args)), nil)
		}
		return nil
	},
	RunE: func(c *cobra.Command, args []string) error {
		mode, err := watchdog.ParseMode(args[0])
		if err != nil {
			return manager.NewError(manager.ErrorTypeArgument, "arm", "", "invalid mode", err)
		}
		return runArm(c, mode, args[1:])
	},
}

var ownCmd = &cobra.Command{
	Use:   "own <instance> <seconds> [profile]",
	Short: "Arm a watchdog that terminates the instance",
	Args:  armArgs,
	RunE: func(c *cobra.Command, args []string) error {
		return runArm(c, watchdog.ModeOneShot, args)
	},
}

var controlCmd = &cobra.Command{
	Use:   "control <instance> <seconds> [profile]",
	Short: "Arm a watchdog that stops the instance",
	Args:  armArgs,
	RunE: func(c *cobra.Command, args []string) error {
		return runArm(c, watchdog.ModeContinuous, args)
	},
}

func init() {
	rootCmd.AddCommand(armCmd)
	rootCmd.AddCommand(ownCmd)
	rootCmd.AddCommand(controlCmd)

	for _, c := range []*cobra.Command{armCmd, ownCmd, controlCmd} {
		c.Flags().StringVar(&armProfile, "profile", "", "AWS profile used by the watchdog (default from config)")
	}
}

func armArgs(c *cobra.Command, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return manager.NewError(manager.ErrorTypeArgument, c.Name(), "", fmt.Sprintf("expected 2 or 3 arguments, got %d", len(args)), nil)
	}
	return nil
}

// runArm arms key with args = <instance> <seconds> [profile].
func runArm(c *cobra.Command, mode watchdog.Mode, args []string) error {
	key := args[0]
	secs, err := manager.ParseTimeout(args[1])
	if err != nil {
		return err
	}
	profile := armProfile
	if len(args) == 3 {
		profile = args[2]
	}
	if profile == "" {
		profile = cfg.AWS.Profile
	}

	provider, err := newTracer("")
	if err != nil {
		return err
	}
	defer shutdownTracer(provider)

	ctx, span := provider.StartSpan(c.Context(), "arm")
	ctl, err := newController(ctx, profile, provider)
	if err != nil {
		err = manager.NewError(manager.ErrorTypePrecondition, "arm", key, "cannot create controller", err)
		tracing.EndSpan(span, err)
		return err
	}
	mgr, err := newManager(ctl)
	if err != nil {
		tracing.EndSpan(span, err)
		return err
	}

	res, err := mgr.Arm(ctx, manager.ArmRequest{
		Mode:           mode,
		Key:            key,
		TimeoutSeconds: secs,
		Profile:        profile,
	})
	tracing.EndSpan(span, err)
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(res)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Instance", res.Key)
	table.Append("Mode", string(res.Mode))
	table.Append("Action", string(res.Mode.Action()))
	table.Append("Timeout", res.Timeout.String())
	table.Append("Poll Interval", res.PollInterval.String())
	table.Append("State", res.State)
	table.Append("Watchdog PID", fmt.Sprintf("%d", res.PID))
	table.Render()
	return nil
}
