package reports

import (
	"context"
	"sort"
	"time"

	"github.com/marcus/taskbot/internal/tasks"
)

// OverdueItem is a task past its deadline with its overdue age.
type OverdueItem struct {
	tasks.Task
	Overdue Duration `json:"overdue_for"`
}

// Standup is the daily snapshot of a chat.
type Standup struct {
	ChatID     int64         `json:"chat_id"`
	Date       string        `json:"date"`
	Overdue    []OverdueItem `json:"overdue"`
	DueToday   []tasks.Task  `json:"due_today"`
	InProgress []tasks.Task  `json:"in_progress"`
	DoneRecent []tasks.Task  `json:"done_since_yesterday"`
}

// Empty reports whether the standup has nothing to show.
func (s *Standup) Empty() bool {
	return len(s.Overdue) == 0 && len(s.DueToday) == 0 && len(s.InProgress) == 0 && len(s.DoneRecent) == 0
}

// Standup collects, for chatID: active tasks whose deadline passed, tasks
// due later today, tasks in progress and tasks completed since the start of
// yesterday. Day boundaries follow the configured location.
func (r *Reports) Standup(ctx context.Context, chatID int64) (*Standup, error) {
	now := r.now()
	todayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, r.loc)
	tomorrow := todayStart.AddDate(0, 0, 1)
	yesterday := todayStart.AddDate(0, 0, -1)

	out := &Standup{ChatID: chatID, Date: todayStart.Format("2006-01-02")}

	late, err := r.store.List(ctx, tasks.Filter{
		ChatID:         chatID,
		Statuses:       tasks.ActiveStatuses,
		DeadlineBefore: tasks.PastDueBound(now),
	})
	if err != nil {
		return nil, err
	}
	for _, t := range late {
		if !t.IsPastDue(now) {
			continue
		}
		out.Overdue = append(out.Overdue, OverdueItem{Task: t, Overdue: Duration{now.Sub(*t.Deadline)}})
	}
	sort.SliceStable(out.Overdue, func(i, j int) bool {
		return out.Overdue[i].Deadline.Before(*out.Overdue[j].Deadline)
	})

	if out.DueToday, err = r.store.List(ctx, tasks.Filter{
		ChatID:         chatID,
		Statuses:       []tasks.Status{tasks.StatusTodo, tasks.StatusInProgress},
		DeadlineAfter:  now,
		DeadlineBefore: tomorrow,
	}); err != nil {
		return nil, err
	}

	if out.InProgress, err = r.store.List(ctx, tasks.Filter{
		ChatID:   chatID,
		Statuses: []tasks.Status{tasks.StatusInProgress},
	}); err != nil {
		return nil, err
	}

	done, err := r.store.List(ctx, tasks.Filter{ChatID: chatID, Statuses: []tasks.Status{tasks.StatusDone}})
	if err != nil {
		return nil, err
	}
	for _, t := range done {
		if t.CompletedAt != nil && !t.CompletedAt.Before(yesterday) {
			out.DoneRecent = append(out.DoneRecent, t)
		}
	}
	sort.SliceStable(out.DoneRecent, func(i, j int) bool {
		return out.DoneRecent[i].CompletedAt.After(*out.DoneRecent[j].CompletedAt)
	})
	return out, nil
}
