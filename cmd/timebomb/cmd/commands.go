package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var doneWait bool

var resetCmd = &cobra.Command{
	Use:   "reset <instance>",
	Short: "Reset the watchdog timer",
	Long:  `Mark the instance as alive now. Resetting a key that is not armed is not an error.`,
	Args:  exactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		mgr, err := newManager(nil)
		if err != nil {
			return err
		}
		return mgr.Reset(args[0])
	},
}

var detonateCmd = &cobra.Command{
	Use:   "detonate <instance>",
	Short: "Expire the timer now",
	Long: `Move the last reset into the past so the watchdog acts at its next check,
within one poll interval. The record is kept.`,
	Args: exactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		mgr, err := newManager(nil)
		if err != nil {
			return err
		}
		return mgr.Detonate(args[0])
	},
}

var doneCmd = &cobra.Command{
	Use:   "done <instance>",
	Short: "Act on the instance now and disarm",
	Long: `Delete the record. The watchdog wakes up immediately, stops or terminates
the instance and exits.`,
	Args: exactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		mgr, err := newManager(nil)
		if err != nil {
			return err
		}
		return mgr.Done(c.Context(), args[0], doneWait)
	},
}

var defuseCmd = &cobra.Command{
	Use:   "defuse <instance>",
	Short: "Stop the watchdog without touching the instance",
	Long: `Ask the watchdog to exit without stopping or terminating the instance.
The instance may be left running. Use done to shut it down instead.`,
	Args: exactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		mgr, err := newManager(nil)
		if err != nil {
			return err
		}

		fmt.Fprintf(os.Stderr, "Warning: %s is left in its current state and may keep running\n", args[0])
		res, err := mgr.Defuse(c.Context(), args[0])
		if err != nil {
			return err
		}

		if IsJSONOutput() {
			return printJSON(res)
		}
		switch {
		case res.WasRunning:
			fmt.Printf("Watchdog %d for %s stopped\n", res.PID, res.Key)
		case res.OrphanRemoved:
			fmt.Printf("Watchdog %d for %s was not running; record removed\n", res.PID, res.Key)
		default:
			fmt.Printf("Watchdog %d for %s was not running\n", res.PID, res.Key)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(detonateCmd)
	rootCmd.AddCommand(doneCmd)
	rootCmd.AddCommand(defuseCmd)

	doneCmd.Flags().BoolVar(&doneWait, "wait", false, "wait for the watchdog to act and exit (up to kill_timeout)")
}
