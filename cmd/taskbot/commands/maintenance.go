package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Mark tasks past their deadline overdue",
	Long: `Run one overdue sweep: every todo or in_progress task whose deadline has
passed becomes overdue and its assignee is notified. The daemon runs this
on the maintenance schedule; running it twice changes nothing.`,
	RunE: runSweep,
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Re-arm missing reminders and drop stale ones",
	RunE:  runReconcile,
}

var timersCmd = &cobra.Command{
	Use:   "timers",
	Short: "List armed reminder timers",
	RunE:  runTimers,
}

func init() {
	for _, c := range []*cobra.Command{sweepCmd, reconcileCmd, timersCmd} {
		c.Flags().Bool("json", false, "Output as JSON")
		rootCmd.AddCommand(c)
	}
}

func runSweep(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.svc.Engine.Sweep(cmd.Context())
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(stats)
	}
	fmt.Printf("Checked %d, marked overdue %d, failed %d\n", stats.Checked, stats.Marked, stats.Failed)
	return nil
}

func runReconcile(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.svc.Engine.Reconcile(cmd.Context())
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(stats)
	}
	fmt.Printf("Checked %d, rescheduled %d, cancelled %d, orphans %d, failed %d\n",
		stats.Checked, stats.Rescheduled, stats.Cancelled, stats.Orphans, stats.Failed)
	return nil
}

func runTimers(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	pending, err := a.svc.Timers.Pending(cmd.Context())
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(pending)
	}
	if len(pending) == 0 {
		fmt.Println("No armed timers.")
		return nil
	}
	loc := a.svc.Location()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTASK\tKIND\tRUN AT")
	for _, t := range pending {
		_, _ = fmt.Fprintf(w, "%s\t#%d\t%s\t%s\n", t.ID, t.Payload.TaskID, t.Payload.Kind, formatTime(&t.RunAt, loc))
	}
	_ = w.Flush()
	return nil
}
