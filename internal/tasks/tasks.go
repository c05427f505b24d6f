// Package tasks defines the chat task model and its SQLite store.
package tasks

import (
	"strings"
	"time"

	"github.com/marcus/taskbot/internal/errs"
)

// Status is a task lifecycle state.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusCancelled  Status = "cancelled"
	StatusOverdue    Status = "overdue"
)

// AllStatuses lists statuses in display order.
var AllStatuses = []Status{StatusTodo, StatusInProgress, StatusOverdue, StatusDone, StatusCancelled}

// ActiveStatuses are the non-terminal statuses.
var ActiveStatuses = []Status{StatusTodo, StatusInProgress, StatusOverdue}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone, StatusCancelled, StatusOverdue:
		return true
	}
	return false
}

// Terminal reports whether no user transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusCancelled
}

// ParseStatus accepts a status name, case-insensitively.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", errs.Validation("unknown status %q", s)
	}
	return st, nil
}

// Priority orders tasks within a listing.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityMedium || p == PriorityHigh
}

// ParsePriority accepts a priority name; empty yields medium.
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PriorityMedium, nil
	}
	p := Priority(s)
	if !p.Valid() {
		return "", errs.Validation("unknown priority %q", s)
	}
	return p, nil
}

// Task is one tracked task in a chat.
type Task struct {
	ID               int64      `json:"id"`
	ChatID           int64      `json:"chat_id"`
	Description      string     `json:"description"`
	Title            string     `json:"title,omitempty"`
	CreatorID        int64      `json:"creator_id"`
	CreatorUsername  string     `json:"creator_username,omitempty"`
	AssigneeID       int64      `json:"assignee_id,omitempty"`
	AssigneeUsername string     `json:"assignee_username,omitempty"`
	Deadline         *time.Time `json:"deadline,omitempty"`
	Priority         Priority   `json:"priority"`
	Status           Status     `json:"status"`
	CronJobIDs       []string   `json:"cron_job_ids"`
	Tags             []string   `json:"tags"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	Version          int64      `json:"version"`
}

// HasDeadline reports whether a deadline is set.
func (t *Task) HasDeadline() bool {
	return t.Deadline != nil && !t.Deadline.IsZero()
}

// IsPastDue reports whether an active task's deadline is strictly before now.
func (t *Task) IsPastDue(now time.Time) bool {
	return t.HasDeadline() && !t.Status.Terminal() && t.Deadline.Before(now)
}

// PastDueBound is the Filter.DeadlineBefore value selecting every deadline
// at or before now. Stored deadlines have whole-second precision, so a bare
// now would miss a deadline passed less than a second ago. Callers still
// check IsPastDue on the rows they get back.
func PastDueBound(now time.Time) time.Time {
	return now.UTC().Truncate(time.Second).Add(time.Second)
}

// Label returns the title, or the description when there is none.
func (t *Task) Label() string {
	if t.Title != "" {
		return t.Title
	}
	return t.Description
}

// Clone returns a deep copy of t.
func (t *Task) Clone() *Task {
	c := *t
	c.CronJobIDs = append([]string(nil), t.CronJobIDs...)
	c.Tags = append([]string(nil), t.Tags...)
	if t.Deadline != nil {
		d := *t.Deadline
		c.Deadline = &d
	}
	if t.CompletedAt != nil {
		d := *t.CompletedAt
		c.CompletedAt = &d
	}
	return &c
}

// Validate checks the fields required before persistence.
func (t *Task) Validate() error {
	t.Description = strings.TrimSpace(t.Description)
	t.Title = strings.TrimSpace(t.Title)
	switch {
	case t.Description == "":
		return errs.Validation("description is required")
	case t.CreatorID == 0:
		return errs.Validation("creator is required")
	case t.ChatID == 0:
		return errs.Validation("chat is required")
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if !t.Priority.Valid() {
		return errs.Validation("unknown priority %q", t.Priority)
	}
	if t.Status == "" {
		t.Status = StatusTodo
	}
	if !t.Status.Valid() {
		return errs.Validation("unknown status %q", t.Status)
	}
	return nil
}

// NormalizeTags lower-cases, strips a leading '#', trims and de-duplicates
// tags, keeping first-seen order.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(tag), "#")))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}
