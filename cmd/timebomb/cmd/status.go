package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/timebomb/internal/history"
	"github.com/psantana5/timebomb/internal/manager"
)

var historyLimit int

var statusCmd = &cobra.Command{
	Use:   "status [instance]",
	Short: "Show watchdog status",
	Long: `Show whether the watchdog for an instance is alive and how long ago it was
last reset. Without an instance, list every running watchdog and every record,
flagging records whose watchdog is gone.`,
	Args: maxArgs(1),
	RunE: runStatus,
}

var historyCmd = &cobra.Command{
	Use:   "history [instance]",
	Short: "Show watchdog events",
	Long:  `List arm, detonation, disarm and defuse events recorded by watchdogs, newest first.`,
	Args:  maxArgs(1),
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "maximum number of events to show")
}

func runStatus(c *cobra.Command, args []string) error {
	mgr, err := newManager(nil)
	if err != nil {
		return err
	}

	if len(args) == 0 {
		list, err := mgr.List()
		if err != nil {
			return err
		}
		if IsJSONOutput() {
			if list == nil {
				list = []*manager.Status{}
			}
			return printJSON(list)
		}
		if len(list) == 0 {
			fmt.Println("No watchdogs")
			return nil
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Instance", "PID", "Mode", "Timeout", "Last Reset", "Remaining", "State")
		for _, st := range list {
			table.Append(st.Key, fmt.Sprintf("%d", st.PID), orDash(st.Mode), formatTimeout(st),
				formatAge(st), formatRemaining(st), stateOf(st))
		}
		table.Render()
		return nil
	}

	// A dead owner still prints its status before the error.
	st, statusErr := mgr.Status(args[0])
	if st == nil {
		return statusErr
	}
	if IsJSONOutput() {
		if err := printJSON(st); err != nil {
			return err
		}
		return statusErr
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Instance", st.Key)
	table.Append("Watchdog PID", fmt.Sprintf("%d", st.PID))
	table.Append("Alive", boolToYesNo(st.Alive))
	table.Append("Mode", orDash(st.Mode))
	table.Append("Timeout", formatTimeout(st))
	table.Append("Last Reset", formatAge(st))
	table.Append("Remaining", formatRemaining(st))
	table.Append("State", stateOf(st))
	table.Render()
	return statusErr
}

func runHistory(c *cobra.Command, args []string) error {
	key := ""
	if len(args) == 1 {
		key = args[0]
	}
	if historyLimit <= 0 {
		return manager.NewError(manager.ErrorTypeArgument, "history", key, "--limit must be positive", nil)
	}

	if _, err := os.Stat(cfg.HistoryPath()); os.IsNotExist(err) {
		if IsJSONOutput() {
			return printJSON([]history.Entry{})
		}
		fmt.Println("No history")
		return nil
	}

	store, err := history.Open(cfg.HistoryPath())
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.List(c.Context(), key, historyLimit)
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		if entries == nil {
			entries = []history.Entry{}
		}
		return printJSON(entries)
	}
	if len(entries) == 0 {
		fmt.Println("No history")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Time", "Instance", "Event", "Mode", "Action", "State", "Detail")
	for _, e := range entries {
		table.Append(e.At.Local().Format(time.RFC3339), e.Key, string(e.Event),
			orDash(e.Mode), orDash(e.Action), orDash(e.State), e.Detail)
	}
	table.Render()
	return nil
}

func stateOf(st *manager.Status) string {
	switch {
	case st.Orphan:
		return "orphan"
	case !st.Armed:
		return "waiting for arm"
	case st.Timeout == 0:
		return "armed"
	case st.TimerRunning:
		return "running"
	default:
		return "expired"
	}
}

func formatTimeout(st *manager.Status) string {
	if st.Timeout == 0 {
		return "-"
	}
	return st.Timeout.String()
}

func formatAge(st *manager.Status) string {
	if !st.Armed {
		return "-"
	}
	return fmt.Sprintf("%s ago", st.Age.Truncate(time.Second))
}

func formatRemaining(st *manager.Status) string {
	if !st.Armed || st.Timeout == 0 {
		return "-"
	}
	return st.Remaining.Truncate(time.Second).String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func boolToYesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}
