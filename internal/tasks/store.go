package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/marcus/taskbot/internal/db"
	"github.com/marcus/taskbot/internal/errs"
)

// Store persists tasks in the tasks table.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a Store over database.
func NewStore(database *db.DB, opts ...Option) *Store {
	s := &Store{db: database.SQL(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

const taskColumns = `id, chat_id, description, title, creator_id, creator_username, assignee_id,
	assignee_username, deadline, priority, status, cron_job_ids, tags, created_at, updated_at,
	completed_at, version`

// priority high first, then earliest deadline with no-deadline last, newest id first
const taskOrder = ` ORDER BY CASE priority WHEN 'high' THEN 0 WHEN 'medium' THEN 1 ELSE 2 END,
	deadline IS NULL, deadline, id DESC`

// Insert validates t and stores it as a new task. ID, timestamps and
// version are assigned on t.
func (s *Store) Insert(ctx context.Context, t *Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	t.Tags = NormalizeTags(t.Tags)
	if t.CronJobIDs == nil {
		t.CronJobIDs = []string{}
	}
	now := s.now().UTC().Truncate(time.Second)
	t.CreatedAt, t.UpdatedAt, t.Version = now, now, 1
	if t.Status == StatusDone && t.CompletedAt == nil {
		t.CompletedAt = &now
	}

	jobs, tags, err := encodeSets(t)
	if err != nil {
		return err
	}

	return db.Retry(ctx, "insert task", func() error {
		res, err := s.db.ExecContext(ctx, `INSERT INTO tasks (chat_id, description, title, creator_id,
			creator_username, assignee_id, assignee_username, deadline, priority, status, cron_job_ids,
			tags, created_at, updated_at, completed_at, version)
			VALUES (?, ?, NULLIF(?, ''), ?, NULLIF(?, ''), ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			t.ChatID, t.Description, t.Title, t.CreatorID, t.CreatorUsername, nullID(t.AssigneeID),
			t.AssigneeUsername, db.NullTime(t.Deadline), string(t.Priority), string(t.Status), jobs, tags,
			db.FormatTime(now), db.FormatTime(now), db.NullTime(t.CompletedAt))
		if err != nil {
			return err
		}
		t.ID, err = res.LastInsertId()
		return err
	})
}

// Get returns the task with id.
func (s *Store) Get(ctx context.Context, id int64) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("task %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %d: %w", id, err)
	}
	return t, nil
}

// Update writes every mutable field of t if the stored version still equals
// t.Version. On success t.Version and t.UpdatedAt advance. A stale version
// fails with errs.ErrConflict.
func (s *Store) Update(ctx context.Context, t *Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	t.Tags = NormalizeTags(t.Tags)
	if t.CronJobIDs == nil {
		t.CronJobIDs = []string{}
	}
	jobs, tags, err := encodeSets(t)
	if err != nil {
		return err
	}
	now := s.now().UTC().Truncate(time.Second)

	var n int64
	err = db.Retry(ctx, "update task", func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE tasks SET description = ?, title = NULLIF(?, ''),
			assignee_id = ?, assignee_username = NULLIF(?, ''), deadline = ?, priority = ?, status = ?,
			cron_job_ids = ?, tags = ?, updated_at = ?, completed_at = ?, version = version + 1
			WHERE id = ? AND version = ?`,
			t.Description, t.Title, nullID(t.AssigneeID), t.AssigneeUsername, db.NullTime(t.Deadline),
			string(t.Priority), string(t.Status), jobs, tags, db.FormatTime(now), db.NullTime(t.CompletedAt),
			t.ID, t.Version)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("update task %d: %w", t.ID, err)
	}
	if n == 0 {
		var version int64
		err := s.db.QueryRowContext(ctx, `SELECT version FROM tasks WHERE id = ?`, t.ID).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) {
			return errs.NotFound("task %d not found", t.ID)
		}
		if err != nil {
			return fmt.Errorf("update task %d: %w", t.ID, err)
		}
		return errs.New(errs.CodeConflict, fmt.Sprintf("task %d was modified concurrently", t.ID),
			errs.WithMetadata("expected_version", fmt.Sprint(t.Version)),
			errs.WithMetadata("stored_version", fmt.Sprint(version)),
		)
	}
	t.Version++
	t.UpdatedAt = now
	return nil
}

// Filter narrows List. Zero fields do not filter.
type Filter struct {
	ChatID         int64
	Statuses       []Status
	AssigneeID     int64
	CreatorID      int64
	Tag            string
	HasDeadline    bool
	DeadlineBefore time.Time // strict
	DeadlineAfter  time.Time // inclusive
	CreatedSince   time.Time
	Text           string // case-insensitive substring of description, title or a tag
	Limit          int
}

// List returns tasks matching f, high priority first, then by deadline
// (tasks without one last), newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Task, error) {
	var (
		where []string
		args  []any
	)
	if f.ChatID != 0 {
		where = append(where, "chat_id = ?")
		args = append(args, f.ChatID)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.AssigneeID != 0 {
		where = append(where, "assignee_id = ?")
		args = append(args, f.AssigneeID)
	}
	if f.CreatorID != 0 {
		where = append(where, "creator_id = ?")
		args = append(args, f.CreatorID)
	}
	if tag := NormalizeTags([]string{f.Tag}); len(tag) == 1 {
		where = append(where, "EXISTS (SELECT 1 FROM json_each(tasks.tags) WHERE value = ?)")
		args = append(args, tag[0])
	}
	if f.HasDeadline || !f.DeadlineBefore.IsZero() || !f.DeadlineAfter.IsZero() {
		where = append(where, "deadline IS NOT NULL")
	}
	if !f.DeadlineBefore.IsZero() {
		where = append(where, "deadline < ?")
		args = append(args, db.FormatTime(f.DeadlineBefore))
	}
	if !f.DeadlineAfter.IsZero() {
		where = append(where, "deadline >= ?")
		args = append(args, db.FormatTime(f.DeadlineAfter))
	}
	if !f.CreatedSince.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, db.FormatTime(f.CreatedSince))
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += taskOrder
	// SQLite LIKE only folds ASCII, so text matching happens after the scan.
	if f.Limit > 0 && f.Text == "" {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var needle string
	if f.Text != "" {
		needle = cases.Fold().String(strings.TrimSpace(f.Text))
	}

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		if needle != "" && !t.matches(needle) {
			continue
		}
		out = append(out, *t)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, rows.Err()
}

func (t *Task) matches(needle string) bool {
	fold := cases.Fold()
	if strings.Contains(fold.String(t.Description), needle) || strings.Contains(fold.String(t.Title), needle) {
		return true
	}
	for _, tag := range t.Tags {
		if strings.Contains(fold.String(tag), needle) {
			return true
		}
	}
	return false
}

// Search lists tasks in chatID whose text contains query.
func (s *Store) Search(ctx context.Context, chatID int64, query string, limit int) ([]Task, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errs.Validation("search query is empty")
	}
	return s.List(ctx, Filter{ChatID: chatID, Text: query, Limit: limit})
}

// Upcoming lists active tasks in chatID due within the next window.
func (s *Store) Upcoming(ctx context.Context, chatID int64, window time.Duration) ([]Task, error) {
	now := s.now()
	return s.List(ctx, Filter{
		ChatID:         chatID,
		Statuses:       []Status{StatusTodo, StatusInProgress},
		DeadlineAfter:  now,
		DeadlineBefore: now.Add(window),
	})
}

// OverdueTask is an overdue task with how long it has been past due.
type OverdueTask struct {
	Task
	HoursOverdue float64 `json:"hours_overdue"`
}

// Overdue lists active tasks in chatID whose deadline has passed, most
// overdue first. Tasks the sweep has not marked yet are included.
func (s *Store) Overdue(ctx context.Context, chatID int64) ([]OverdueTask, error) {
	now := s.now()
	list, err := s.List(ctx, Filter{
		ChatID:         chatID,
		Statuses:       ActiveStatuses,
		DeadlineBefore: PastDueBound(now),
	})
	if err != nil {
		return nil, err
	}
	out := make([]OverdueTask, 0, len(list))
	for _, t := range list {
		if !t.IsPastDue(now) {
			continue
		}
		out = append(out, OverdueTask{Task: t, HoursOverdue: now.Sub(*t.Deadline).Hours()})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].HoursOverdue > out[j].HoursOverdue })
	return out, nil
}

// TagCount is a tag with the number of tasks carrying it.
type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

// TagCounts returns tags used in chatID, most used first.
func (s *Store) TagCounts(ctx context.Context, chatID int64) ([]TagCount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT j.value, COUNT(*) AS n
		FROM tasks, json_each(tasks.tags) AS j
		WHERE tasks.chat_id = ?
		GROUP BY j.value ORDER BY n DESC, j.value`, chatID)
	if err != nil {
		return nil, fmt.Errorf("tag counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TagCount
	for rows.Next() {
		var tc TagCount
		if err := rows.Scan(&tc.Tag, &tc.Count); err != nil {
			return nil, err
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

func nullID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}

func encodeSets(t *Task) (string, string, error) {
	jobs, err := json.Marshal(t.CronJobIDs)
	if err != nil {
		return "", "", fmt.Errorf("encode cron_job_ids: %w", err)
	}
	tags, err := json.Marshal(t.Tags)
	if err != nil {
		return "", "", fmt.Errorf("encode tags: %w", err)
	}
	return string(jobs), string(tags), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*Task, error) {
	var (
		t                                      Task
		title, creatorName, assigneeName       sql.NullString
		assigneeID                             sql.NullInt64
		deadline, completed                    sql.NullString
		priority, status, jobs, tags, crt, upd string
	)
	if err := s.Scan(&t.ID, &t.ChatID, &t.Description, &title, &t.CreatorID, &creatorName, &assigneeID,
		&assigneeName, &deadline, &priority, &status, &jobs, &tags, &crt, &upd, &completed, &t.Version); err != nil {
		return nil, err
	}
	t.Title = title.String
	t.CreatorUsername = creatorName.String
	t.AssigneeID = assigneeID.Int64
	t.AssigneeUsername = assigneeName.String
	t.Priority = Priority(priority)
	t.Status = Status(status)

	if err := json.Unmarshal([]byte(jobs), &t.CronJobIDs); err != nil {
		return nil, fmt.Errorf("decode cron_job_ids for task %d: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(tags), &t.Tags); err != nil {
		return nil, fmt.Errorf("decode tags for task %d: %w", t.ID, err)
	}

	var err error
	if t.Deadline, err = db.ParseNullTime(deadline); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = db.ParseNullTime(completed); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = db.ParseTime(crt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = db.ParseTime(upd); err != nil {
		return nil, err
	}
	return &t, nil
}
