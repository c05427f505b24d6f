package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/text/message"

	"github.com/marcus/taskbot/internal/reports"
	"github.com/marcus/taskbot/internal/tasks"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Chat statistics, standups and weekly reviews",
}

var reportStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Task counts by status and top assignees",
	RunE:  runReportStats,
}

var reportStandupCmd = &cobra.Command{
	Use:   "standup",
	Short: "Daily standup: overdue, due today, in progress, recently done",
	RunE:  runReportStandup,
}

var reportReviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Weekly review against the previous week",
	RunE:  runReportReview,
}

func init() {
	reportStatsCmd.Flags().StringP("period", "p", "all", "Time period: week, month, all")
	for _, c := range []*cobra.Command{reportStatsCmd, reportStandupCmd, reportReviewCmd} {
		addChatFlag(c)
		c.Flags().Bool("json", false, "Output as JSON")
		reportCmd.AddCommand(c)
	}
	rootCmd.AddCommand(reportCmd)
}

type reportStyles struct {
	Title   lipgloss.Style
	Section lipgloss.Style
	Label   lipgloss.Style
	Muted   lipgloss.Style
	Warn    lipgloss.Style
	Good    lipgloss.Style
}

func newReportStyles() reportStyles {
	return reportStyles{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("69")),
		Section: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("81")),
		Label:   lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		Muted:   lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		Warn:    lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		Good:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
	}
}

func runReportStats(cmd *cobra.Command, args []string) error {
	raw, _ := cmd.Flags().GetString("period")
	period, err := reports.ParsePeriod(raw)
	if err != nil {
		return err
	}
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.svc.Reports.Stats(cmd.Context(), chatFlag(cmd), period)
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(res)
	}

	st := newReportStyles()
	p := message.NewPrinter(a.cfg.LanguageTag())
	var b strings.Builder
	b.WriteString(st.Title.Render(fmt.Sprintf("Chat %d stats (%s)", res.ChatID, res.Period)))
	b.WriteString("\n\n")
	b.WriteString(p.Sprintf("%s %d\n", st.Label.Render("Total:"), res.Total))
	for _, s := range tasks.AllStatuses {
		b.WriteString(p.Sprintf("  %-12s %d\n", s, res.ByStatus[s]))
	}
	if len(res.TopAssignees) > 0 {
		b.WriteString("\n" + st.Section.Render("Top assignees") + "\n")
		for _, ac := range res.TopAssignees {
			b.WriteString(p.Sprintf("  %-20s %d\n", assigneeName(ac), ac.Count))
		}
	}
	fmt.Print(b.String())
	return nil
}

func runReportStandup(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	s, err := a.svc.Reports.Standup(cmd.Context(), chatFlag(cmd))
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(s)
	}

	st := newReportStyles()
	loc := a.svc.Location()
	var b strings.Builder
	b.WriteString(st.Title.Render("Standup " + s.Date))
	b.WriteString("\n")
	if s.Empty() {
		b.WriteString(st.Muted.Render("Nothing to report.") + "\n")
		fmt.Print(b.String())
		return nil
	}

	if len(s.Overdue) > 0 {
		b.WriteString("\n" + st.Warn.Render(fmt.Sprintf("Overdue (%d)", len(s.Overdue))) + "\n")
		for _, o := range s.Overdue {
			fmt.Fprintf(&b, "  #%d %s %s %s\n", o.ID, o.Label(), assigneeLabel(&o.Task), st.Warn.Render(o.Overdue.String()+" late"))
		}
	}
	writeTaskSection(&b, st, "Due today", s.DueToday, loc)
	writeTaskSection(&b, st, "In progress", s.InProgress, loc)
	writeTaskSection(&b, st, "Done since yesterday", s.DoneRecent, loc)
	fmt.Print(b.String())
	return nil
}

func runReportReview(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	r, err := a.svc.Reports.WeeklyReview(cmd.Context(), chatFlag(cmd))
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(r)
	}

	st := newReportStyles()
	loc := a.svc.Location()
	p := message.NewPrinter(a.cfg.LanguageTag())
	var b strings.Builder
	b.WriteString(st.Title.Render(fmt.Sprintf("Weekly review %s - %s",
		r.From.In(loc).Format("2006-01-02"), r.To.In(loc).Format("2006-01-02"))))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "%s %s\n", st.Label.Render("Created:  "), trendText(st, r.Created))
	fmt.Fprintf(&b, "%s %s\n", st.Label.Render("Done:     "), trendText(st, r.Done))
	fmt.Fprintf(&b, "%s %d\n", st.Label.Render("Cancelled:"), r.Cancelled)
	fmt.Fprintf(&b, "%s %d\n", st.Label.Render("Active:   "), r.Active)
	fmt.Fprintf(&b, "%s %d\n", st.Label.Render("Overdue:  "), r.Overdue)
	b.WriteString(p.Sprintf("%s %.1f%%\n", st.Label.Render("Completion:"), r.CompletionRate))

	if len(r.TopPerformers) > 0 {
		b.WriteString("\n" + st.Section.Render("Top performers") + "\n")
		for i, ac := range r.TopPerformers {
			fmt.Fprintf(&b, "  %d. %s %d\n", i+1, assigneeName(ac), ac.Count)
		}
	}
	writeTaskSection(&b, st, "Completed", r.Completed, loc)
	fmt.Print(b.String())
	return nil
}

func trendText(st reportStyles, t reports.Trend) string {
	switch t.Direction {
	case reports.Up:
		return st.Good.Render(t.String())
	case reports.Down:
		return st.Warn.Render(t.String())
	default:
		return t.String()
	}
}

func assigneeName(ac reports.AssigneeCount) string {
	switch {
	case ac.ID == 0:
		return "(unassigned)"
	case ac.Username != "":
		return "@" + ac.Username
	default:
		return fmt.Sprintf("id:%d", ac.ID)
	}
}

func writeTaskSection(b *strings.Builder, st reportStyles, title string, list []tasks.Task, loc *time.Location) {
	if len(list) == 0 {
		return
	}
	b.WriteString("\n" + st.Section.Render(fmt.Sprintf("%s (%d)", title, len(list))) + "\n")
	for i := range list {
		t := &list[i]
		due := ""
		if t.Deadline != nil {
			due = st.Muted.Render(" due " + formatTime(t.Deadline, loc))
		}
		fmt.Fprintf(b, "  #%d %s %s%s\n", t.ID, t.Label(), assigneeLabel(t), due)
	}
}
