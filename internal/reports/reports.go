// Package reports computes per-chat task aggregates: status totals over a
// period, the daily standup and the weekly review. Every report is a pure
// query over a bounded window; nothing is cached between calls.
package reports

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/marcus/taskbot/internal/db"
	"github.com/marcus/taskbot/internal/errs"
	"github.com/marcus/taskbot/internal/tasks"
)

// Duration wraps time.Duration for JSON as whole seconds.
type Duration struct {
	time.Duration
}

// MarshalJSON serializes Duration as integer seconds.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(d.Seconds()))
}

// UnmarshalJSON reads integer seconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var secs int64
	if err := json.Unmarshal(b, &secs); err != nil {
		return err
	}
	d.Duration = time.Duration(secs) * time.Second
	return nil
}

// String renders the coarsest sensible unit: minutes, hours or days.
func (d Duration) String() string {
	dur := d.Duration
	switch {
	case dur < time.Hour:
		return fmt.Sprintf("%dm", int(dur.Minutes()))
	case dur < 24*time.Hour:
		return fmt.Sprintf("%dh", int(dur.Hours()+0.5))
	default:
		return fmt.Sprintf("%dd", int(dur.Hours()/24+0.5))
	}
}

// Period bounds the stats window by task creation time.
type Period string

const (
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
	PeriodAll   Period = "all"
)

// ParsePeriod accepts week, month or all; empty means all.
func ParsePeriod(s string) (Period, error) {
	switch p := Period(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PeriodAll, nil
	case PeriodWeek, PeriodMonth, PeriodAll:
		return p, nil
	default:
		return "", errs.Validation("unknown period %q: want week, month or all", s)
	}
}

// Since returns the start of the window ending at now, zero for all.
func (p Period) Since(now time.Time) time.Time {
	switch p {
	case PeriodWeek:
		return now.AddDate(0, 0, -7)
	case PeriodMonth:
		return now.AddDate(0, 0, -30)
	default:
		return time.Time{}
	}
}

// AssigneeCount is a per-assignee task count. ID 0 collects unassigned tasks.
type AssigneeCount struct {
	ID       int64  `json:"assignee_id"`
	Username string `json:"username,omitempty"`
	Count    int    `json:"count"`
}

// StatsResult holds status totals for a chat and period.
type StatsResult struct {
	ChatID       int64                `json:"chat_id"`
	Period       Period               `json:"period"`
	Since        *time.Time           `json:"since,omitempty"`
	Total        int                  `json:"total"`
	ByStatus     map[tasks.Status]int `json:"by_status"`
	TopAssignees []AssigneeCount      `json:"top_assignees,omitempty"`
}

// Reports runs aggregate queries against the task table.
type Reports struct {
	db      *sql.DB
	store   *tasks.Store
	loc     *time.Location
	nowFunc func() time.Time
}

// Option configures Reports.
type Option func(*Reports)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reports) { r.nowFunc = now }
}

// WithLocation sets the timezone that defines "today".
func WithLocation(loc *time.Location) Option {
	return func(r *Reports) {
		if loc != nil {
			r.loc = loc
		}
	}
}

// New creates Reports over database.
func New(database *db.DB, opts ...Option) *Reports {
	r := &Reports{
		db:      database.SQL(),
		loc:     time.UTC,
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.store = tasks.NewStore(database, tasks.WithClock(r.nowFunc))
	return r
}

const topAssigneeLimit = 10

// Stats counts tasks created in period, per status, with the busiest
// assignees.
func (r *Reports) Stats(ctx context.Context, chatID int64, period Period) (*StatsResult, error) {
	res := &StatsResult{
		ChatID:   chatID,
		Period:   period,
		ByStatus: make(map[tasks.Status]int, len(tasks.AllStatuses)),
	}
	for _, s := range tasks.AllStatuses {
		res.ByStatus[s] = 0
	}

	where := "chat_id = ?"
	args := []any{chatID}
	if since := period.Since(r.nowFunc()); !since.IsZero() {
		where += " AND created_at >= ?"
		args = append(args, db.FormatTime(since))
		s := since.UTC().Truncate(time.Second)
		res.Since = &s
	}

	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks WHERE `+where+` GROUP BY status`, args...)
	if err != nil {
		return nil, fmt.Errorf("stats by status: %w", err)
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		res.ByStatus[tasks.Status(status)] = n
		res.Total += n
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	res.TopAssignees, err = r.assigneeCounts(ctx, where, args, topAssigneeLimit)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r *Reports) assigneeCounts(ctx context.Context, where string, args []any, limit int) ([]AssigneeCount, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT COALESCE(assignee_id, 0), COALESCE(MAX(assignee_username), ''), COUNT(*) AS n
		FROM tasks WHERE `+where+`
		GROUP BY COALESCE(assignee_id, 0)
		ORDER BY n DESC, 1
		LIMIT ?`, append(append([]any(nil), args...), limit)...)
	if err != nil {
		return nil, fmt.Errorf("assignee counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []AssigneeCount
	for rows.Next() {
		var a AssigneeCount
		if err := rows.Scan(&a.ID, &a.Username, &a.Count); err != nil {
			return nil, fmt.Errorf("scan assignee count: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *Reports) count(ctx context.Context, where string, args ...any) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

func (r *Reports) now() time.Time {
	return r.nowFunc().In(r.loc)
}
