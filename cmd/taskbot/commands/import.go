package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/taskbot/internal/db"
	"github.com/marcus/taskbot/internal/logging"
)

var importCmd = &cobra.Command{
	Use:   "import [legacy-db]",
	Short: "Import users and tasks from the legacy taskmanager database",
	Long: `Copy users and tasks from the earlier bot's SQLite database.

Naive deadlines in the legacy data are read in the configured timezone.
Nothing is imported when the target database already has users or tasks.
Reminders are re-armed by a reconcile pass after the copy.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	path := db.LegacyPath()
	if len(args) == 1 {
		path = args[0]
	}
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.db.ImportLegacy(path, a.svc.Location())
	if err != nil {
		return err
	}
	if res.Users == 0 && res.Tasks == 0 {
		fmt.Println("Nothing imported (target not empty or legacy database empty).")
		return nil
	}
	logging.Component("import").InfoCtx("legacy import", logging.Fields{"path": path, "users": res.Users, "tasks": res.Tasks})

	stats, err := a.svc.Engine.Reconcile(cmd.Context())
	if err != nil {
		return fmt.Errorf("re-arm reminders: %w", err)
	}
	fmt.Printf("Imported %d user(s) and %d task(s) from %s\n", res.Users, res.Tasks, path)
	fmt.Printf("Re-armed reminders for %d task(s)\n", stats.Rescheduled)
	return nil
}
