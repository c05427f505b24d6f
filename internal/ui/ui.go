// Package ui provides an interactive task board for one chat.
// Uses Bubbletea for the event loop and Lipgloss for layout.
package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/marcus/taskbot/internal/tasks"
)

// Panel represents which panel is currently focused.
type Panel int

const (
	PanelStatus Panel = iota
	PanelTasks
	PanelDetail
)

const panelCount = 3

// Source loads board data and applies status changes.
type Source interface {
	Load(ctx context.Context) ([]tasks.Task, error)
	Transition(ctx context.Context, id int64, to tasks.Status) (*tasks.Task, error)
}

// Model holds the TUI state.
type Model struct {
	// Display state
	width       int
	height      int
	activePanel Panel
	quitting    bool

	source  Source
	refresh time.Duration
	loc     *time.Location
	now     func() time.Time

	all      []tasks.Task
	counts   map[tasks.Status]int
	loadedAt time.Time
	message  string
	failed   bool

	// Status column selection
	statusIdx int

	// Task list
	visible      []tasks.Task
	selectedTask int

	styles *Styles
}

// Styles holds lipgloss styles for the UI.
type Styles struct {
	ActiveBorder   lipgloss.Style
	InactiveBorder lipgloss.Style

	Title     lipgloss.Style
	Label     lipgloss.Style
	Value     lipgloss.Style
	Highlight lipgloss.Style
	Muted     lipgloss.Style

	StatusOK      lipgloss.Style
	StatusWarn    lipgloss.Style
	StatusError   lipgloss.Style
	StatusRunning lipgloss.Style

	TaskSelected lipgloss.Style

	HelpKey  lipgloss.Style
	HelpText lipgloss.Style
}

func newStyles() *Styles {
	subtle := lipgloss.AdaptiveColor{Light: "#666", Dark: "#888"}
	highlight := lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	green := lipgloss.AdaptiveColor{Light: "#22863a", Dark: "#3fb950"}
	yellow := lipgloss.AdaptiveColor{Light: "#b08800", Dark: "#d29922"}
	red := lipgloss.AdaptiveColor{Light: "#cb2431", Dark: "#f85149"}
	blue := lipgloss.AdaptiveColor{Light: "#0366d6", Dark: "#58a6ff"}

	return &Styles{
		ActiveBorder:   lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(highlight),
		InactiveBorder: lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(subtle),

		Title:     lipgloss.NewStyle().Bold(true).Foreground(highlight).MarginBottom(1),
		Label:     lipgloss.NewStyle().Foreground(subtle),
		Value:     lipgloss.NewStyle().Bold(true),
		Highlight: lipgloss.NewStyle().Foreground(highlight).Bold(true),
		Muted:     lipgloss.NewStyle().Foreground(subtle),

		StatusOK:      lipgloss.NewStyle().Foreground(green).Bold(true),
		StatusWarn:    lipgloss.NewStyle().Foreground(yellow).Bold(true),
		StatusError:   lipgloss.NewStyle().Foreground(red).Bold(true),
		StatusRunning: lipgloss.NewStyle().Foreground(blue).Bold(true),

		TaskSelected: lipgloss.NewStyle().Background(highlight).Foreground(lipgloss.Color("#fff")).Bold(true),

		HelpKey:  lipgloss.NewStyle().Foreground(highlight).Bold(true),
		HelpText: lipgloss.NewStyle().Foreground(subtle),
	}
}

// Messages driving the update loop.
type (
	tickMsg   time.Time
	loadedMsg struct {
		tasks []tasks.Task
		err   error
	}
	actionMsg struct {
		id  int64
		to  tasks.Status
		err error
	}
)

// New creates a board over source, reloading every refresh. Deadlines are
// shown in loc.
func New(source Source, refresh time.Duration, loc *time.Location) *Model {
	if refresh <= 0 {
		refresh = 5 * time.Second
	}
	if loc == nil {
		loc = time.Local
	}
	return &Model{
		width:       80,
		height:      24,
		activePanel: PanelTasks,
		source:      source,
		refresh:     refresh,
		loc:         loc,
		now:         time.Now,
		counts:      make(map[tasks.Status]int),
		styles:      newStyles(),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.loadCmd(), m.tickCmd())
}

func (m Model) tickCmd() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) loadCmd() tea.Cmd {
	src := m.source
	return func() tea.Msg {
		list, err := src.Load(context.Background())
		return loadedMsg{tasks: list, err: err}
	}
}

func (m Model) transitionCmd(id int64, to tasks.Status) tea.Cmd {
	src := m.source
	return func() tea.Msg {
		_, err := src.Transition(context.Background(), id, to)
		return actionMsg{id: id, to: to, err: err}
	}
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.loadCmd(), m.tickCmd())

	case loadedMsg:
		if msg.err != nil {
			m.setMessage(fmt.Sprintf("load failed: %v", msg.err), true)
			return m, nil
		}
		m.SetTasks(msg.tasks)
		return m, nil

	case actionMsg:
		if msg.err != nil {
			m.setMessage(fmt.Sprintf("#%d: %v", msg.id, msg.err), true)
			return m, nil
		}
		m.setMessage(fmt.Sprintf("#%d → %s", msg.id, msg.to), false)
		return m, m.loadCmd()
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "tab", "right", "l":
		m.activePanel = (m.activePanel + 1) % panelCount
		return m, nil

	case "shift+tab", "left", "h":
		m.activePanel = (m.activePanel + panelCount - 1) % panelCount
		return m, nil

	case "up", "k":
		return m.handleUp(), nil

	case "down", "j":
		return m.handleDown(), nil

	case "home", "g":
		m.selectedTask = 0
		return m, nil

	case "end", "G":
		if len(m.visible) > 0 {
			m.selectedTask = len(m.visible) - 1
		}
		return m, nil

	case "r":
		return m, m.loadCmd()

	case "s":
		return m.act(tasks.StatusInProgress)
	case "d":
		return m.act(tasks.StatusDone)
	case "x":
		return m.act(tasks.StatusCancelled)
	}

	return m, nil
}

func (m Model) act(to tasks.Status) (tea.Model, tea.Cmd) {
	t := m.Selected()
	if t == nil {
		return m, nil
	}
	return m, m.transitionCmd(t.ID, to)
}

func (m Model) handleUp() Model {
	switch m.activePanel {
	case PanelStatus:
		if m.statusIdx > 0 {
			m.statusIdx--
			m.applyFilter()
		}
	case PanelTasks:
		if m.selectedTask > 0 {
			m.selectedTask--
		}
	}
	return m
}

func (m Model) handleDown() Model {
	switch m.activePanel {
	case PanelStatus:
		if m.statusIdx < len(tasks.AllStatuses) {
			m.statusIdx++
			m.applyFilter()
		}
	case PanelTasks:
		if m.selectedTask < len(m.visible)-1 {
			m.selectedTask++
		}
	}
	return m
}

// filter returns the selected status, empty for "all active".
func (m *Model) filter() tasks.Status {
	if m.statusIdx == 0 {
		return ""
	}
	return tasks.AllStatuses[m.statusIdx-1]
}

func (m *Model) applyFilter() {
	want := m.filter()
	visible := make([]tasks.Task, 0, len(m.all))
	for _, t := range m.all {
		if (want == "" && !t.Status.Terminal()) || t.Status == want {
			visible = append(visible, t)
		}
	}
	m.visible = visible
	if m.selectedTask >= len(m.visible) {
		m.selectedTask = len(m.visible) - 1
	}
	if m.selectedTask < 0 {
		m.selectedTask = 0
	}
}

func (m *Model) setMessage(text string, failed bool) {
	m.message = text
	m.failed = failed
}

// SetTasks replaces the board contents.
func (m *Model) SetTasks(list []tasks.Task) {
	m.all = list
	m.counts = make(map[tasks.Status]int, len(tasks.AllStatuses))
	for _, t := range list {
		m.counts[t.Status]++
	}
	m.loadedAt = m.now()
	m.applyFilter()
}

// Selected returns the highlighted task, nil when the list is empty.
func (m Model) Selected() *tasks.Task {
	if m.selectedTask < 0 || m.selectedTask >= len(m.visible) {
		return nil
	}
	t := m.visible[m.selectedTask]
	return &t
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	topHeight := m.height / 2
	bottomHeight := m.height - topHeight - 3
	leftWidth := m.width / 3
	rightWidth := m.width - leftWidth

	statusBorder := m.getBorder(PanelStatus).Width(leftWidth - 2).Height(topHeight - 2)
	taskBorder := m.getBorder(PanelTasks).Width(rightWidth - 2).Height(topHeight - 2)
	detailBorder := m.getBorder(PanelDetail).Width(m.width - 2).Height(bottomHeight - 2)

	topRow := lipgloss.JoinHorizontal(
		lipgloss.Top,
		statusBorder.Render(m.renderStatusPanel()),
		taskBorder.Render(m.renderTaskPanel(rightWidth-2, topHeight-2)),
	)

	return lipgloss.JoinVertical(
		lipgloss.Left,
		topRow,
		detailBorder.Render(m.renderDetailPanel()),
		m.renderHelpBar(),
	)
}

func (m Model) getBorder(panel Panel) lipgloss.Style {
	if m.activePanel == panel {
		return m.styles.ActiveBorder
	}
	return m.styles.InactiveBorder
}

func (m Model) statusStyle(s tasks.Status) lipgloss.Style {
	switch s {
	case tasks.StatusInProgress:
		return m.styles.StatusRunning
	case tasks.StatusDone:
		return m.styles.StatusOK
	case tasks.StatusOverdue:
		return m.styles.StatusError
	case tasks.StatusCancelled:
		return m.styles.Muted
	default:
		return m.styles.StatusWarn
	}
}

func (m Model) renderStatusPanel() string {
	var b strings.Builder
	b.WriteString(m.styles.Title.Render("Status"))
	b.WriteString("\n\n")

	active := 0
	for _, s := range tasks.ActiveStatuses {
		active += m.counts[s]
	}
	rows := []struct {
		label string
		n     int
		style lipgloss.Style
	}{{"active", active, m.styles.Value}}
	for _, s := range tasks.AllStatuses {
		rows = append(rows, struct {
			label string
			n     int
			style lipgloss.Style
		}{string(s), m.counts[s], m.statusStyle(s)})
	}

	for i, r := range rows {
		line := fmt.Sprintf(" %-12s %s", r.label, r.style.Render(fmt.Sprintf("%3d", r.n)))
		if i == m.statusIdx {
			line = m.styles.Highlight.Render(">") + line
		} else {
			line = " " + line
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.styles.Label.Render("Updated: "))
	if m.loadedAt.IsZero() {
		b.WriteString(m.styles.Muted.Render("never"))
	} else {
		b.WriteString(m.styles.Value.Render(m.loadedAt.Format("15:04:05")))
	}
	return b.String()
}

func (m Model) renderTaskPanel(width, height int) string {
	var b strings.Builder
	title := "Active tasks"
	if f := m.filter(); f != "" {
		title = "Tasks: " + string(f)
	}
	b.WriteString(m.styles.Title.Render(title))
	b.WriteString("\n\n")

	if len(m.visible) == 0 {
		b.WriteString(m.styles.Muted.Render("No tasks"))
		return b.String()
	}

	visibleRows := height - 4
	if visibleRows < 1 {
		visibleRows = 1
	}
	scroll := 0
	if m.selectedTask >= visibleRows {
		scroll = m.selectedTask - visibleRows + 1
	}

	now := m.now()
	for i := scroll; i < len(m.visible) && i < scroll+visibleRows; i++ {
		t := m.visible[i]
		label := truncate(t.Label(), width-30)
		due := ""
		if t.Deadline != nil {
			due = m.styles.Muted.Render(" " + formatDue(t.Deadline.Sub(now)))
		}
		line := fmt.Sprintf(" %s #%d %s%s", m.statusStyle(t.Status).Render(statusIcon(t.Status)), t.ID, label, due)
		if i == m.selectedTask && m.activePanel == PanelTasks {
			line = m.styles.TaskSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	if len(m.visible) > visibleRows {
		b.WriteString(m.styles.Muted.Render(fmt.Sprintf(" [%d/%d]", m.selectedTask+1, len(m.visible))))
	}
	return b.String()
}

func (m Model) renderDetailPanel() string {
	var b strings.Builder
	b.WriteString(m.styles.Title.Render("Details"))
	b.WriteString("\n\n")

	t := m.Selected()
	if t == nil {
		b.WriteString(m.styles.Muted.Render("Nothing selected"))
	} else {
		field := func(label, value string) {
			b.WriteString(m.styles.Label.Render(fmt.Sprintf("%-10s", label)))
			b.WriteString(m.styles.Value.Render(value))
			b.WriteString("\n")
		}
		field("Task", fmt.Sprintf("#%d %s", t.ID, t.Description))
		field("Status", string(t.Status))
		field("Priority", string(t.Priority))
		assignee := "-"
		if t.AssigneeUsername != "" {
			assignee = "@" + t.AssigneeUsername
		} else if t.AssigneeID != 0 {
			assignee = fmt.Sprintf("id:%d", t.AssigneeID)
		}
		field("Assignee", assignee)
		if t.Deadline != nil {
			field("Deadline", t.Deadline.In(m.loc).Format("2006-01-02 15:04"))
		}
		if len(t.Tags) > 0 {
			field("Tags", "#"+strings.Join(t.Tags, " #"))
		}
		field("Reminders", fmt.Sprintf("%d armed", len(t.CronJobIDs)))
	}

	if m.message != "" {
		b.WriteString("\n")
		style := m.styles.StatusOK
		if m.failed {
			style = m.styles.StatusError
		}
		b.WriteString(style.Render(m.message))
	}
	return b.String()
}

func (m Model) renderHelpBar() string {
	helpItems := []struct {
		key  string
		desc string
	}{
		{"tab", "switch panel"},
		{"j/k", "up/down"},
		{"s", "start"},
		{"d", "done"},
		{"x", "cancel"},
		{"r", "refresh"},
		{"q", "quit"},
	}

	var parts []string
	for _, item := range helpItems {
		parts = append(parts, fmt.Sprintf("%s %s",
			m.styles.HelpKey.Render(item.key),
			m.styles.HelpText.Render(item.desc),
		))
	}
	return "  " + strings.Join(parts, "  |  ")
}

func statusIcon(s tasks.Status) string {
	switch s {
	case tasks.StatusInProgress:
		return ">"
	case tasks.StatusDone:
		return "*"
	case tasks.StatusCancelled:
		return "x"
	case tasks.StatusOverdue:
		return "!"
	default:
		return "o"
	}
}

// formatDue renders time left until a deadline, or time since it passed.
func formatDue(d time.Duration) string {
	if d < 0 {
		return formatDuration(-d) + " late"
	}
	return "in " + formatDuration(d)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	} else if d < 24*time.Hour {
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if n < 4 || len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// Run starts the TUI.
func (m *Model) Run() error {
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}
