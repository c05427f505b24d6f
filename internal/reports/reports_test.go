package reports

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/marcus/taskbot/internal/db"
	"github.com/marcus/taskbot/internal/tasks"
)

const chat = int64(-1001)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

type fixture struct {
	store   *tasks.Store
	reports *Reports
	clock   *clock
}

func newFixture(t *testing.T, loc *time.Location) *fixture {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "taskbot.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	c := &clock{t: time.Date(2026, 2, 20, 9, 0, 0, 0, time.UTC)}
	return &fixture{
		store:   tasks.NewStore(database, tasks.WithClock(c.now)),
		reports: New(database, WithClock(c.now), WithLocation(loc)),
		clock:   c,
	}
}

// insertAt creates a task as if it were written at the given time.
func (f *fixture) insertAt(t *testing.T, when time.Time, task tasks.Task) *tasks.Task {
	t.Helper()
	saved := f.clock.t
	f.clock.t = when
	defer func() { f.clock.t = saved }()

	if task.ChatID == 0 {
		task.ChatID = chat
	}
	if task.CreatorID == 0 {
		task.CreatorID = 1
	}
	if err := f.store.Insert(context.Background(), &task); err != nil {
		t.Fatalf("Insert(%q): %v", task.Description, err)
	}
	return &task
}

func ptr(t time.Time) *time.Time { return &t }

func TestParsePeriod(t *testing.T) {
	tests := []struct {
		in      string
		want    Period
		wantErr bool
	}{
		{"", PeriodAll, false},
		{"week", PeriodWeek, false},
		{" Month ", PeriodMonth, false},
		{"all", PeriodAll, false},
		{"year", "", true},
	}
	for _, tt := range tests {
		got, err := ParsePeriod(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePeriod(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParsePeriod(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDurationString(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{45 * time.Minute, "45m"},
		{3 * time.Hour, "3h"},
		{90 * time.Minute, "2h"},
		{50 * time.Hour, "2d"},
	}
	for _, tt := range tests {
		if got := (Duration{tt.d}).String(); got != tt.want {
			t.Errorf("Duration(%v).String() = %q, want %q", tt.d, got, tt.want)
		}
	}

	b, err := json.Marshal(Duration{90 * time.Second})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != "90" {
		t.Errorf("marshal = %s, want 90", b)
	}
}

func TestStats(t *testing.T) {
	f := newFixture(t, time.UTC)
	now := f.clock.t
	ctx := context.Background()

	f.insertAt(t, now.Add(-2*time.Hour), tasks.Task{Description: "a", AssigneeID: 7, AssigneeUsername: "ivan"})
	f.insertAt(t, now.Add(-3*24*time.Hour), tasks.Task{Description: "b", AssigneeID: 7, AssigneeUsername: "ivan", Status: tasks.StatusDone})
	f.insertAt(t, now.Add(-5*24*time.Hour), tasks.Task{Description: "c", AssigneeID: 8, AssigneeUsername: "olga", Status: tasks.StatusInProgress})
	f.insertAt(t, now.Add(-20*24*time.Hour), tasks.Task{Description: "d", Status: tasks.StatusCancelled})
	f.insertAt(t, now.Add(-60*24*time.Hour), tasks.Task{Description: "e", AssigneeID: 8, AssigneeUsername: "olga"})
	f.insertAt(t, now.Add(-time.Hour), tasks.Task{Description: "other chat", ChatID: 55})

	tests := []struct {
		period Period
		total  int
		todo   int
		top    []AssigneeCount
	}{
		{PeriodWeek, 3, 1, []AssigneeCount{{ID: 7, Username: "ivan", Count: 2}, {ID: 8, Username: "olga", Count: 1}}},
		{PeriodMonth, 4, 1, []AssigneeCount{{ID: 7, Username: "ivan", Count: 2}, {ID: 0, Count: 1}, {ID: 8, Username: "olga", Count: 1}}},
		{PeriodAll, 5, 2, []AssigneeCount{{ID: 7, Username: "ivan", Count: 2}, {ID: 8, Username: "olga", Count: 2}, {ID: 0, Count: 1}}},
	}
	for _, tt := range tests {
		t.Run(string(tt.period), func(t *testing.T) {
			res, err := f.reports.Stats(ctx, chat, tt.period)
			if err != nil {
				t.Fatalf("Stats: %v", err)
			}
			if res.Total != tt.total {
				t.Errorf("Total = %d, want %d", res.Total, tt.total)
			}
			if res.ByStatus[tasks.StatusTodo] != tt.todo {
				t.Errorf("todo = %d, want %d", res.ByStatus[tasks.StatusTodo], tt.todo)
			}
			if _, ok := res.ByStatus[tasks.StatusOverdue]; !ok {
				t.Error("ByStatus missing zero entry for overdue")
			}
			if len(res.TopAssignees) != len(tt.top) {
				t.Fatalf("TopAssignees = %+v, want %+v", res.TopAssignees, tt.top)
			}
			for i := range tt.top {
				if res.TopAssignees[i] != tt.top[i] {
					t.Errorf("TopAssignees[%d] = %+v, want %+v", i, res.TopAssignees[i], tt.top[i])
				}
			}
			if (tt.period == PeriodAll) != (res.Since == nil) {
				t.Errorf("Since = %v for period %s", res.Since, tt.period)
			}
		})
	}
}

func TestStandup(t *testing.T) {
	moscow := time.FixedZone("MSK", 3*3600)
	f := newFixture(t, moscow)
	ctx := context.Background()
	// 09:00 UTC is 12:00 in Moscow; today is 2026-02-20 local.
	now := f.clock.t

	late := f.insertAt(t, now.Add(-48*time.Hour), tasks.Task{Description: "late", Deadline: ptr(now.Add(-3 * time.Hour))})
	later := f.insertAt(t, now.Add(-48*time.Hour), tasks.Task{Description: "very late", Deadline: ptr(now.Add(-30 * time.Hour)), Status: tasks.StatusOverdue})
	dueToday := f.insertAt(t, now.Add(-time.Hour), tasks.Task{Description: "tonight", Deadline: ptr(time.Date(2026, 2, 20, 23, 59, 0, 0, moscow))})
	f.insertAt(t, now.Add(-time.Hour), tasks.Task{Description: "tomorrow", Deadline: ptr(time.Date(2026, 2, 21, 0, 30, 0, 0, moscow))})
	wip := f.insertAt(t, now.Add(-time.Hour), tasks.Task{Description: "wip", Status: tasks.StatusInProgress})
	doneRecent := f.insertAt(t, time.Date(2026, 2, 19, 0, 10, 0, 0, moscow), tasks.Task{Description: "done yesterday", Status: tasks.StatusDone})
	f.insertAt(t, time.Date(2026, 2, 18, 23, 50, 0, 0, moscow), tasks.Task{Description: "done earlier", Status: tasks.StatusDone})

	s, err := f.reports.Standup(ctx, chat)
	if err != nil {
		t.Fatalf("Standup: %v", err)
	}
	if s.Date != "2026-02-20" {
		t.Errorf("Date = %q", s.Date)
	}
	if len(s.Overdue) != 2 || s.Overdue[0].ID != later.ID || s.Overdue[1].ID != late.ID {
		t.Fatalf("Overdue = %+v, want [%d %d]", s.Overdue, later.ID, late.ID)
	}
	if got := s.Overdue[1].Overdue.String(); got != "3h" {
		t.Errorf("overdue age = %q, want 3h", got)
	}
	if len(s.DueToday) != 1 || s.DueToday[0].ID != dueToday.ID {
		t.Errorf("DueToday = %+v, want [%d]", s.DueToday, dueToday.ID)
	}
	if len(s.InProgress) != 1 || s.InProgress[0].ID != wip.ID {
		t.Errorf("InProgress = %+v, want [%d]", s.InProgress, wip.ID)
	}
	if len(s.DoneRecent) != 1 || s.DoneRecent[0].ID != doneRecent.ID {
		t.Errorf("DoneRecent = %+v, want [%d]", s.DoneRecent, doneRecent.ID)
	}
	if s.Empty() {
		t.Error("Empty() = true")
	}

	other, err := f.reports.Standup(ctx, 99)
	if err != nil {
		t.Fatalf("Standup(other): %v", err)
	}
	if !other.Empty() {
		t.Errorf("standup for empty chat = %+v", other)
	}
}

func TestWeeklyReview(t *testing.T) {
	f := newFixture(t, time.UTC)
	ctx := context.Background()
	now := f.clock.t
	day := 24 * time.Hour

	// this week: 4 created, 2 done, 1 cancelled
	f.insertAt(t, now.Add(-1*day), tasks.Task{Description: "a", AssigneeID: 7, AssigneeUsername: "ivan", Status: tasks.StatusDone})
	f.insertAt(t, now.Add(-2*day), tasks.Task{Description: "b", AssigneeID: 7, AssigneeUsername: "ivan", Status: tasks.StatusDone})
	f.insertAt(t, now.Add(-3*day), tasks.Task{Description: "c", Status: tasks.StatusCancelled})
	f.insertAt(t, now.Add(-4*day), tasks.Task{Description: "d", Status: tasks.StatusInProgress})
	// previous week: 2 created, 1 done
	f.insertAt(t, now.Add(-9*day), tasks.Task{Description: "e", AssigneeID: 8, AssigneeUsername: "olga", Status: tasks.StatusDone})
	f.insertAt(t, now.Add(-10*day), tasks.Task{Description: "f", Status: tasks.StatusOverdue, Deadline: ptr(now.Add(-day))})

	r, err := f.reports.WeeklyReview(ctx, chat)
	if err != nil {
		t.Fatalf("WeeklyReview: %v", err)
	}
	if r.Created != (Trend{Current: 4, Previous: 2, Delta: 2, Direction: Up}) {
		t.Errorf("Created = %+v", r.Created)
	}
	if r.Done != (Trend{Current: 2, Previous: 1, Delta: 1, Direction: Up}) {
		t.Errorf("Done = %+v", r.Done)
	}
	if r.Cancelled != 1 || r.Active != 1 || r.Overdue != 1 {
		t.Errorf("Cancelled/Active/Overdue = %d/%d/%d, want 1/1/1", r.Cancelled, r.Active, r.Overdue)
	}
	if r.CompletionRate != 50 {
		t.Errorf("CompletionRate = %v, want 50", r.CompletionRate)
	}
	if len(r.TopPerformers) != 1 || r.TopPerformers[0] != (AssigneeCount{ID: 7, Username: "ivan", Count: 2}) {
		t.Errorf("TopPerformers = %+v", r.TopPerformers)
	}
	if len(r.Completed) != 2 {
		t.Errorf("Completed = %d tasks, want 2", len(r.Completed))
	}
	if got := r.Done.String(); got != "2 (+1)" {
		t.Errorf("Done.String() = %q", got)
	}
}

func TestWeeklyReviewEmptyChat(t *testing.T) {
	f := newFixture(t, time.UTC)
	r, err := f.reports.WeeklyReview(context.Background(), chat)
	if err != nil {
		t.Fatalf("WeeklyReview: %v", err)
	}
	if r.CompletionRate != 0 || r.Created.Direction != Flat || len(r.TopPerformers) != 0 {
		t.Errorf("empty review = %+v", r)
	}
}

func TestNewTrend(t *testing.T) {
	tests := []struct {
		cur, prev int
		want      Direction
	}{
		{3, 1, Up},
		{1, 3, Down},
		{2, 2, Flat},
	}
	for _, tt := range tests {
		if got := NewTrend(tt.cur, tt.prev).Direction; got != tt.want {
			t.Errorf("NewTrend(%d, %d) = %s, want %s", tt.cur, tt.prev, got, tt.want)
		}
	}
}
