package commands

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/taskbot/internal/lifecycle"
	"github.com/marcus/taskbot/internal/resolve"
	"github.com/marcus/taskbot/internal/service"
	"github.com/marcus/taskbot/internal/tasks"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create, query and update tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add <description>",
	Short: "Create a task",
	Long: `Create a task in a chat.

The assignee is resolved from --assignee (an @handle or a name), else the
author of the replied-to message (--reply-to), else the creator. When a name
matches more than one user nothing is created and the candidates are listed.

Deadlines accept YYYY-MM-DD (23:59 that day), YYYY-MM-DD HH:MM, RFC3339,
today, tomorrow or +<duration>, in the configured timezone.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTaskAdd,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks in a chat",
	Long: `List tasks ordered by priority (high first), then deadline (none last),
then newest first. By default only todo, in_progress and overdue tasks are
shown.`,
	RunE: runTaskList,
}

var taskGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskGet,
}

var taskSearchCmd = &cobra.Command{
	Use:   "search <text>",
	Short: "Search description, title and tags",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runTaskSearch,
}

var taskOverdueCmd = &cobra.Command{
	Use:   "overdue",
	Short: "List overdue tasks with hours overdue",
	RunE:  runTaskOverdue,
}

var taskUpcomingCmd = &cobra.Command{
	Use:   "upcoming",
	Short: "List active tasks due within the next hours",
	RunE:  runTaskUpcoming,
}

var taskTagsCmd = &cobra.Command{
	Use:   "tags",
	Short: "List tags with task counts",
	RunE:  runTaskTags,
}

var taskExtendCmd = &cobra.Command{
	Use:   "extend <id> <deadline|none>",
	Short: "Change or remove a task's deadline",
	Long: `Change a task's deadline and re-arm its reminders. An overdue task with
a new future deadline goes back to todo; a deadline in the past marks the
task overdue. "none" removes the deadline.`,
	Args: cobra.ExactArgs(2),
	RunE: runTaskExtend,
}

var taskEditCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Edit task fields",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskEdit,
}

func newTransitionCmd(use, short string, to tasks.Status) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			t, err := a.svc.Engine.Transition(cmd.Context(), id, to)
			if err != nil {
				return err
			}
			return printTask(cmd, a, t)
		},
	}
}

func init() {
	taskAddCmd.Flags().Int64("creator", 0, "Telegram id of the creator")
	taskAddCmd.Flags().String("creator-username", "", "Creator handle")
	taskAddCmd.Flags().String("title", "", "Short title")
	taskAddCmd.Flags().String("assignee", "", "Assignee mention: @handle or a name")
	taskAddCmd.Flags().Int64("reply-to", 0, "Telegram id of the replied-to message author")
	taskAddCmd.Flags().String("deadline", "", "Deadline")
	taskAddCmd.Flags().String("priority", "", "low, medium or high")
	taskAddCmd.Flags().StringSlice("tag", nil, "Tag (repeatable)")
	_ = taskAddCmd.MarkFlagRequired("creator")

	taskListCmd.Flags().StringSlice("status", nil, "Status filter (repeatable); 'all' for every status")
	taskListCmd.Flags().Int64("assignee", 0, "Only tasks assigned to this telegram id")
	taskListCmd.Flags().Int64("creator", 0, "Only tasks created by this telegram id")
	taskListCmd.Flags().String("tag", "", "Only tasks with this tag")
	taskListCmd.Flags().Int("limit", 0, "Maximum rows")

	taskSearchCmd.Flags().Int("limit", 20, "Maximum rows")
	taskUpcomingCmd.Flags().Int("hours", 24, "Window in hours")

	taskEditCmd.Flags().String("description", "", "New description")
	taskEditCmd.Flags().String("title", "", "New title")
	taskEditCmd.Flags().String("priority", "", "New priority")
	taskEditCmd.Flags().String("assignee", "", "New assignee mention")
	taskEditCmd.Flags().Int64("author", 0, "Telegram id of the editor, for self-assignment")
	taskEditCmd.Flags().String("deadline", "", "New deadline, or none")
	taskEditCmd.Flags().StringSlice("tag", nil, "Replace tags")
	taskEditCmd.Flags().Bool("clear-tags", false, "Remove all tags")

	for _, c := range []*cobra.Command{taskAddCmd, taskListCmd, taskSearchCmd, taskOverdueCmd, taskUpcomingCmd, taskTagsCmd} {
		addChatFlag(c)
	}

	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskGetCmd, taskSearchCmd, taskOverdueCmd,
		taskUpcomingCmd, taskTagsCmd, taskExtendCmd, taskEditCmd,
		newTransitionCmd("start", "Move a task to in_progress", tasks.StatusInProgress),
		newTransitionCmd("done", "Complete a task", tasks.StatusDone),
		newTransitionCmd("cancel", "Cancel a task", tasks.StatusCancelled),
	)
	for _, c := range taskCmd.Commands() {
		c.Flags().Bool("json", false, "Output as JSON")
	}
	rootCmd.AddCommand(taskCmd)
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	deadlineRaw, _ := cmd.Flags().GetString("deadline")
	deadline, err := a.svc.ParseDeadline(deadlineRaw)
	if err != nil {
		return err
	}
	creator, _ := cmd.Flags().GetInt64("creator")
	creatorName, _ := cmd.Flags().GetString("creator-username")
	title, _ := cmd.Flags().GetString("title")
	mention, _ := cmd.Flags().GetString("assignee")
	replyTo, _ := cmd.Flags().GetInt64("reply-to")
	priority, _ := cmd.Flags().GetString("priority")
	tags, _ := cmd.Flags().GetStringSlice("tag")

	res, err := a.svc.CreateTask(cmd.Context(), service.CreateRequest{
		ChatID:          chatFlag(cmd),
		CreatorID:       creator,
		CreatorUsername: strings.TrimPrefix(creatorName, "@"),
		Description:     strings.Join(args, " "),
		Title:           title,
		Mention:         mention,
		ReplyToUserID:   replyTo,
		Deadline:        deadline,
		Priority:        priority,
		Tags:            tags,
	})
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(res)
	}
	if !res.Created() {
		printResolution(res.Resolution)
		return nil
	}
	return printTask(cmd, a, res.Task)
}

func runTaskList(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	f := tasks.Filter{ChatID: chatFlag(cmd), Statuses: tasks.ActiveStatuses}
	statuses, _ := cmd.Flags().GetStringSlice("status")
	if len(statuses) == 1 && statuses[0] == "all" {
		f.Statuses = nil
	} else if len(statuses) > 0 {
		f.Statuses = nil
		for _, raw := range statuses {
			s, err := tasks.ParseStatus(raw)
			if err != nil {
				return err
			}
			f.Statuses = append(f.Statuses, s)
		}
	}
	f.AssigneeID, _ = cmd.Flags().GetInt64("assignee")
	f.CreatorID, _ = cmd.Flags().GetInt64("creator")
	f.Tag, _ = cmd.Flags().GetString("tag")
	f.Limit, _ = cmd.Flags().GetInt("limit")

	list, err := a.svc.Tasks.List(cmd.Context(), f)
	if err != nil {
		return err
	}
	return printTasks(cmd, a, list)
}

func runTaskGet(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	t, err := a.svc.Engine.Get(cmd.Context(), id)
	if err != nil {
		return err
	}
	return printTask(cmd, a, t)
}

func runTaskSearch(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	list, err := a.svc.Tasks.Search(cmd.Context(), chatFlag(cmd), strings.Join(args, " "), limit)
	if err != nil {
		return err
	}
	return printTasks(cmd, a, list)
}

func runTaskOverdue(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	list, err := a.svc.Tasks.Overdue(cmd.Context(), chatFlag(cmd))
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(list)
	}
	if len(list) == 0 {
		fmt.Println("No overdue tasks.")
		return nil
	}
	loc := a.svc.Location()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tOVERDUE\tDEADLINE\tASSIGNEE\tDESCRIPTION")
	for _, o := range list {
		_, _ = fmt.Fprintf(w, "%d\t%.1fh\t%s\t%s\t%s\n", o.ID, o.HoursOverdue, formatTime(o.Deadline, loc), assigneeLabel(&o.Task), o.Label())
	}
	_ = w.Flush()
	return nil
}

func runTaskUpcoming(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	hours, _ := cmd.Flags().GetInt("hours")
	if hours <= 0 {
		return fmt.Errorf("--hours must be positive")
	}
	list, err := a.svc.Tasks.Upcoming(cmd.Context(), chatFlag(cmd), time.Duration(hours)*time.Hour)
	if err != nil {
		return err
	}
	return printTasks(cmd, a, list)
}

func runTaskTags(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	counts, err := a.svc.Tasks.TagCounts(cmd.Context(), chatFlag(cmd))
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(counts)
	}
	if len(counts) == 0 {
		fmt.Println("No tags.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TAG\tTASKS")
	for _, c := range counts {
		_, _ = fmt.Fprintf(w, "#%s\t%d\n", c.Tag, c.Count)
	}
	_ = w.Flush()
	return nil
}

func runTaskExtend(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	deadline, err := a.svc.ParseDeadline(args[1])
	if err != nil {
		return err
	}
	t, err := a.svc.Engine.ExtendDeadline(cmd.Context(), id, deadline)
	if err != nil {
		return err
	}
	return printTask(cmd, a, t)
}

func runTaskEdit(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()
	flags := cmd.Flags()

	var p lifecycle.Patch
	if flags.Changed("description") {
		v, _ := flags.GetString("description")
		p.Description = &v
	}
	if flags.Changed("title") {
		v, _ := flags.GetString("title")
		p.Title = &v
	}
	if flags.Changed("priority") {
		raw, _ := flags.GetString("priority")
		prio, err := tasks.ParsePriority(raw)
		if err != nil {
			return err
		}
		p.Priority = &prio
	}
	if flags.Changed("deadline") {
		raw, _ := flags.GetString("deadline")
		at, err := a.svc.ParseDeadline(raw)
		if err != nil {
			return err
		}
		p.Deadline = &lifecycle.DeadlineChange{At: at}
	}
	if clearTags, _ := flags.GetBool("clear-tags"); clearTags {
		empty := []string{}
		p.Tags = &empty
	} else if flags.Changed("tag") {
		v, _ := flags.GetStringSlice("tag")
		p.Tags = &v
	}

	var t *tasks.Task
	if !p.Empty() {
		if t, err = a.svc.Engine.Edit(ctx, id, p); err != nil {
			return err
		}
	}
	if flags.Changed("assignee") {
		mention, _ := flags.GetString("assignee")
		author, _ := flags.GetInt64("author")
		res, err := a.svc.Reassign(ctx, service.ReassignRequest{TaskID: id, Mention: mention, AuthorID: author})
		if err != nil {
			return err
		}
		if !res.Created() {
			printResolution(res.Resolution)
			return nil
		}
		t = res.Task
	}
	if t == nil {
		return fmt.Errorf("nothing to edit")
	}
	return printTask(cmd, a, t)
}

func assigneeLabel(t *tasks.Task) string {
	switch {
	case t.AssigneeUsername != "":
		return "@" + t.AssigneeUsername
	case t.AssigneeID != 0:
		return fmt.Sprintf("id:%d", t.AssigneeID)
	default:
		return "-"
	}
}

func printTasks(cmd *cobra.Command, a *app, list []tasks.Task) error {
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(list)
	}
	if len(list) == 0 {
		fmt.Println("No tasks.")
		return nil
	}
	loc := a.svc.Location()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tPRIO\tDEADLINE\tASSIGNEE\tDESCRIPTION")
	for i := range list {
		t := &list[i]
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Status, t.Priority, formatTime(t.Deadline, loc), assigneeLabel(t), t.Label())
	}
	_ = w.Flush()
	fmt.Printf("\n%d task(s)\n", len(list))
	return nil
}

func printTask(cmd *cobra.Command, a *app, t *tasks.Task) error {
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(t)
	}
	loc := a.svc.Location()
	fmt.Printf("Task:        #%d\n", t.ID)
	if t.Title != "" {
		fmt.Printf("Title:       %s\n", t.Title)
	}
	fmt.Printf("Description: %s\n", t.Description)
	fmt.Printf("Status:      %s\n", t.Status)
	fmt.Printf("Priority:    %s\n", t.Priority)
	fmt.Printf("Assignee:    %s\n", assigneeLabel(t))
	fmt.Printf("Deadline:    %s\n", formatTime(t.Deadline, loc))
	if len(t.Tags) > 0 {
		fmt.Printf("Tags:        #%s\n", strings.Join(t.Tags, " #"))
	}
	fmt.Printf("Reminders:   %d armed\n", len(t.CronJobIDs))
	fmt.Printf("Created:     %s\n", formatTime(&t.CreatedAt, loc))
	if t.CompletedAt != nil {
		fmt.Printf("Completed:   %s\n", formatTime(t.CompletedAt, loc))
	}
	if next := lifecycle.Allowed(t.Status); len(next) > 0 {
		names := make([]string, len(next))
		for i, s := range next {
			names[i] = string(s)
		}
		fmt.Printf("Next:        %s\n", strings.Join(names, ", "))
	}
	return nil
}

func printResolution(res resolve.Result) {
	switch res.Kind {
	case resolve.Suggestions:
		fmt.Printf("Assignee %q is ambiguous; no task created. Did you mean:\n", res.Query)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, c := range res.Candidates {
			handle := ""
			if c.User.Username != "" {
				handle = "@" + c.User.Username
			}
			_, _ = fmt.Fprintf(w, "  %d\t%s\t%s\t%.2f\n", c.User.TelegramID, c.User.Label(), handle, c.Score)
		}
		_ = w.Flush()
	default:
		fmt.Printf("No chat member matches %q; no task created.\n", res.Query)
	}
}
