package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/taskbot/internal/service"
	"github.com/marcus/taskbot/internal/tasks"
	"github.com/marcus/taskbot/internal/ui"
)

var boardCmd = &cobra.Command{
	Use:   "board",
	Short: "Interactive task board for a chat",
	Long: `Open a terminal board listing a chat's tasks by status.

Keys: tab switches panels, j/k moves, s starts, d completes, x cancels,
r refreshes, q quits.`,
	RunE: runBoard,
}

func init() {
	addChatFlag(boardCmd)
	boardCmd.Flags().Duration("refresh", 5*time.Second, "Reload interval")
	rootCmd.AddCommand(boardCmd)
}

// chatBoard feeds the board from one chat.
type chatBoard struct {
	svc    *service.Service
	chatID int64
}

func (b chatBoard) Load(ctx context.Context) ([]tasks.Task, error) {
	return b.svc.Tasks.List(ctx, tasks.Filter{ChatID: b.chatID})
}

func (b chatBoard) Transition(ctx context.Context, id int64, to tasks.Status) (*tasks.Task, error) {
	return b.svc.Engine.Transition(ctx, id, to)
}

func runBoard(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	refresh, _ := cmd.Flags().GetDuration("refresh")
	return ui.New(chatBoard{svc: a.svc, chatID: chatFlag(cmd)}, refresh, a.svc.Location()).Run()
}
