package reports

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/marcus/taskbot/internal/db"
	"github.com/marcus/taskbot/internal/tasks"
)

// Direction is the sign of a week-over-week change.
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
	Flat Direction = "flat"
)

// Trend compares this week's count with the previous week's.
type Trend struct {
	Current   int       `json:"current"`
	Previous  int       `json:"previous"`
	Delta     int       `json:"delta"`
	Direction Direction `json:"direction"`
}

// NewTrend builds a Trend from two counts.
func NewTrend(current, previous int) Trend {
	t := Trend{Current: current, Previous: previous, Delta: current - previous, Direction: Flat}
	switch {
	case t.Delta > 0:
		t.Direction = Up
	case t.Delta < 0:
		t.Direction = Down
	}
	return t
}

// String renders e.g. "5 (+2)".
func (t Trend) String() string {
	return fmt.Sprintf("%d (%+d)", t.Current, t.Delta)
}

// WeeklyReview summarizes the last seven days of a chat against the seven
// days before.
type WeeklyReview struct {
	ChatID         int64           `json:"chat_id"`
	From           time.Time       `json:"from"`
	To             time.Time       `json:"to"`
	Created        Trend           `json:"created"`
	Done           Trend           `json:"done"`
	Cancelled      int             `json:"cancelled"`
	Active         int             `json:"active"`
	Overdue        int             `json:"overdue"`
	TopPerformers  []AssigneeCount `json:"top_performers,omitempty"`
	CompletionRate float64         `json:"completion_rate"`
	Completed      []tasks.Task    `json:"completed"`
}

const topPerformerLimit = 5

// WeeklyReview computes the review for chatID ending now.
func (r *Reports) WeeklyReview(ctx context.Context, chatID int64) (*WeeklyReview, error) {
	now := r.nowFunc().UTC().Truncate(time.Second)
	weekAgo := now.AddDate(0, 0, -7)
	twoWeeksAgo := now.AddDate(0, 0, -14)
	nowS, weekS, twoS := db.FormatTime(now), db.FormatTime(weekAgo), db.FormatTime(twoWeeksAgo)

	out := &WeeklyReview{ChatID: chatID, From: weekAgo, To: now}

	counts := []struct {
		dst   *int
		where string
		args  []any
	}{
		{&out.Created.Current, "chat_id = ? AND created_at >= ? AND created_at <= ?", []any{chatID, weekS, nowS}},
		{&out.Created.Previous, "chat_id = ? AND created_at >= ? AND created_at < ?", []any{chatID, twoS, weekS}},
		{&out.Done.Current, "chat_id = ? AND status = 'done' AND completed_at >= ?", []any{chatID, weekS}},
		{&out.Done.Previous, "chat_id = ? AND status = 'done' AND completed_at >= ? AND completed_at < ?", []any{chatID, twoS, weekS}},
		{&out.Cancelled, "chat_id = ? AND status = 'cancelled' AND updated_at >= ?", []any{chatID, weekS}},
		{&out.Active, "chat_id = ? AND status IN ('todo', 'in_progress')", []any{chatID}},
		{&out.Overdue, "chat_id = ? AND status = 'overdue'", []any{chatID}},
	}
	for _, c := range counts {
		n, err := r.count(ctx, c.where, c.args...)
		if err != nil {
			return nil, err
		}
		*c.dst = n
	}
	out.Created = NewTrend(out.Created.Current, out.Created.Previous)
	out.Done = NewTrend(out.Done.Current, out.Done.Previous)

	var err error
	out.TopPerformers, err = r.assigneeCounts(ctx,
		"chat_id = ? AND status = 'done' AND completed_at >= ? AND assignee_id IS NOT NULL",
		[]any{chatID, weekS}, topPerformerLimit)
	if err != nil {
		return nil, err
	}

	if out.Created.Current > 0 {
		out.CompletionRate = math.Round(float64(out.Done.Current)/float64(out.Created.Current)*1000) / 10
	}

	done, err := r.store.List(ctx, tasks.Filter{ChatID: chatID, Statuses: []tasks.Status{tasks.StatusDone}})
	if err != nil {
		return nil, err
	}
	for _, t := range done {
		if t.CompletedAt != nil && !t.CompletedAt.Before(weekAgo) {
			out.Completed = append(out.Completed, t)
		}
	}
	return out, nil
}
