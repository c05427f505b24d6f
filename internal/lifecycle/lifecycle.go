// Package lifecycle owns task status. It validates user transitions, moves
// tasks past their deadline to overdue, applies deadline edits and keeps
// each task's reminders in step after every committed change.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marcus/taskbot/internal/db"
	"github.com/marcus/taskbot/internal/errs"
	"github.com/marcus/taskbot/internal/keylock"
	"github.com/marcus/taskbot/internal/logging"
	"github.com/marcus/taskbot/internal/reminders"
	"github.com/marcus/taskbot/internal/tasks"
	"github.com/marcus/taskbot/internal/timer"
)

var transitions = map[tasks.Status][]tasks.Status{
	tasks.StatusTodo:       {tasks.StatusInProgress, tasks.StatusDone, tasks.StatusCancelled},
	tasks.StatusInProgress: {tasks.StatusDone, tasks.StatusCancelled},
	tasks.StatusOverdue:    {tasks.StatusInProgress, tasks.StatusDone, tasks.StatusCancelled},
}

// CanTransition reports whether a user may move a task from one status to
// another. Requesting the current status is not a transition.
func CanTransition(from, to tasks.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Allowed lists the statuses a user may move a task in from to.
func Allowed(from tasks.Status) []tasks.Status {
	return append([]tasks.Status(nil), transitions[from]...)
}

// TaskStore is the persistence the engine needs.
type TaskStore interface {
	Insert(ctx context.Context, t *tasks.Task) error
	Get(ctx context.Context, id int64) (*tasks.Task, error)
	Update(ctx context.Context, t *tasks.Task) error
	List(ctx context.Context, f tasks.Filter) ([]tasks.Task, error)
}

// Reminders keeps a task's reminder timers.
type Reminders interface {
	Schedule(ctx context.Context, t *tasks.Task) error
	Cancel(ctx context.Context, t *tasks.Task) error
	Claim(ctx context.Context, jobID string) (bool, error)
	Fired(ctx context.Context, t *tasks.Task, jobID string) (bool, error)
	Reconcile(ctx context.Context) (reminders.ReconcileStats, error)
}

// Notifier delivers reminder and overdue notices.
type Notifier interface {
	Remind(ctx context.Context, n reminders.Notice) error
	Overdue(ctx context.Context, t tasks.Task) error
}

// Engine applies lifecycle rules to stored tasks.
type Engine struct {
	store       TaskStore
	reminders   Reminders
	notifier    Notifier
	locks       *keylock.Locker
	now         func() time.Time
	concurrency int
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithNotifier sets where reminders and overdue notices go.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithLocker shares per-task locks with the reminder scheduler.
func WithLocker(l *keylock.Locker) Option {
	return func(e *Engine) { e.locks = l }
}

// WithConcurrency bounds the Sweep fan-out.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// New creates an Engine.
func New(store TaskStore, rem Reminders, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		reminders:   rem,
		notifier:    LogNotifier{},
		locks:       keylock.New(),
		now:         time.Now,
		concurrency: 4,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var errUnchanged = errors.New("unchanged")

// mutate runs fn against a fresh copy of task id and persists the result,
// retrying the whole read-modify-write on a version conflict. The caller
// holds the task's lock.
func (e *Engine) mutate(ctx context.Context, id int64, op string, fn func(t *tasks.Task) error) (*tasks.Task, bool, error) {
	var (
		out     *tasks.Task
		changed bool
	)
	err := db.Retry(ctx, op, func() error {
		t, err := e.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(t); err != nil {
			if errors.Is(err, errUnchanged) {
				out, changed = t, false
				return nil
			}
			return err
		}
		if err := e.store.Update(ctx, t); err != nil {
			return err
		}
		out, changed = t, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, changed, nil
}

// Create stores a new todo task and arms its reminders. A deadline already
// in the past creates the task as overdue.
func (e *Engine) Create(ctx context.Context, t *tasks.Task) (*tasks.Task, error) {
	t.Status = tasks.StatusTodo
	t.CompletedAt = nil
	t.CronJobIDs = nil
	if t.IsPastDue(e.now()) {
		t.Status = tasks.StatusOverdue
	}
	if err := e.store.Insert(ctx, t); err != nil {
		return nil, err
	}

	log := logging.Component("lifecycle").WithTask(t.ID)
	log.InfoCtx("task created", logging.Fields{
		"chat_id":  t.ChatID,
		"assignee": t.AssigneeID,
		"status":   string(t.Status),
	})

	unlock := e.locks.Lock(t.ID)
	defer unlock()
	if t.HasDeadline() {
		e.afterCommit(ctx, t, true)
	}
	return t, nil
}

// Get returns task id, first moving it to overdue if its deadline passed.
func (e *Engine) Get(ctx context.Context, id int64) (*tasks.Task, error) {
	t, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !needsOverdue(t, e.now()) {
		return t, nil
	}
	unlock := e.locks.Lock(id)
	defer unlock()
	t, _, err = e.markOverdue(ctx, id)
	return t, err
}

// Start moves a task to in_progress.
func (e *Engine) Start(ctx context.Context, id int64) (*tasks.Task, error) {
	return e.Transition(ctx, id, tasks.StatusInProgress)
}

// Complete moves a task to done.
func (e *Engine) Complete(ctx context.Context, id int64) (*tasks.Task, error) {
	return e.Transition(ctx, id, tasks.StatusDone)
}

// Cancel moves a task to cancelled.
func (e *Engine) Cancel(ctx context.Context, id int64) (*tasks.Task, error) {
	return e.Transition(ctx, id, tasks.StatusCancelled)
}

// Transition applies a user-requested status change. Undefined transitions
// fail with errs.ErrInvalidTransition and leave the task untouched.
func (e *Engine) Transition(ctx context.Context, id int64, to tasks.Status) (*tasks.Task, error) {
	if !to.Valid() {
		return nil, errs.Validation("unknown status %q", to)
	}
	unlock := e.locks.Lock(id)
	defer unlock()

	// A past-due task headed for done or cancelled goes there directly
	// without an overdue notice first.
	if !to.Terminal() {
		if _, _, err := e.markOverdue(ctx, id); err != nil {
			return nil, err
		}
	}

	t, _, err := e.mutate(ctx, id, "transition task", func(t *tasks.Task) error {
		if !CanTransition(t.Status, to) {
			return errs.New(errs.CodeInvalidTransition,
				fmt.Sprintf("task %d cannot move from %s to %s", t.ID, t.Status, to),
				errs.WithMetadata("from", string(t.Status)),
				errs.WithMetadata("to", string(to)),
			)
		}
		t.Status = to
		if to == tasks.StatusDone {
			now := e.now().UTC().Truncate(time.Second)
			t.CompletedAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.Component("lifecycle").WithTask(id).InfoCtx("task transitioned", logging.Fields{"status": string(to)})
	if to.Terminal() {
		e.afterCommit(ctx, t, false)
	}
	return t, nil
}

// ExtendDeadline sets a new deadline, or removes it when deadline is nil,
// and re-arms reminders. An overdue task returns to todo; a deadline
// already past makes the task overdue at once.
func (e *Engine) ExtendDeadline(ctx context.Context, id int64, deadline *time.Time) (*tasks.Task, error) {
	return e.Edit(ctx, id, Patch{Deadline: &DeadlineChange{At: deadline}})
}

// Assignee identifies who a task is assigned to. A zero ID unassigns.
type Assignee struct {
	ID       int64
	Username string
}

// DeadlineChange sets At as the new deadline; nil removes it.
type DeadlineChange struct {
	At *time.Time
}

// Patch lists the fields Edit changes. Nil fields are left alone.
type Patch struct {
	Description *string
	Title       *string
	Priority    *tasks.Priority
	Assignee    *Assignee
	Deadline    *DeadlineChange
	Tags        *[]string
}

// Empty reports whether p changes nothing.
func (p Patch) Empty() bool {
	return p.Description == nil && p.Title == nil && p.Priority == nil &&
		p.Assignee == nil && p.Deadline == nil && p.Tags == nil
}

// Edit applies p to task id. Deadline changes on a done or cancelled task
// are rejected.
func (e *Engine) Edit(ctx context.Context, id int64, p Patch) (*tasks.Task, error) {
	if p.Empty() {
		return nil, errs.Validation("nothing to change")
	}
	if p.Priority != nil && !p.Priority.Valid() {
		return nil, errs.Validation("unknown priority %q", *p.Priority)
	}

	unlock := e.locks.Lock(id)
	defer unlock()

	t, _, err := e.mutate(ctx, id, "edit task", func(t *tasks.Task) error {
		if p.Description != nil {
			t.Description = *p.Description
		}
		if p.Title != nil {
			t.Title = *p.Title
		}
		if p.Priority != nil {
			t.Priority = *p.Priority
		}
		if p.Assignee != nil {
			t.AssigneeID, t.AssigneeUsername = p.Assignee.ID, p.Assignee.Username
		}
		if p.Tags != nil {
			t.Tags = tasks.NormalizeTags(*p.Tags)
		}
		if p.Deadline != nil {
			if t.Status.Terminal() {
				return errs.New(errs.CodeInvalidTransition,
					fmt.Sprintf("task %d is %s, its deadline cannot change", t.ID, t.Status),
					errs.WithMetadata("from", string(t.Status)),
				)
			}
			e.applyDeadline(t, p.Deadline.At)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if p.Deadline != nil {
		logging.Component("lifecycle").WithTask(id).InfoCtx("deadline changed", logging.Fields{
			"deadline": db.NullTime(t.Deadline).String,
			"status":   string(t.Status),
		})
		e.afterCommit(ctx, t, true)
	}
	return t, nil
}

func (e *Engine) applyDeadline(t *tasks.Task, deadline *time.Time) {
	if deadline == nil || deadline.IsZero() {
		t.Deadline = nil
		if t.Status == tasks.StatusOverdue {
			t.Status = tasks.StatusTodo
		}
		return
	}
	d := deadline.UTC().Truncate(time.Second)
	t.Deadline = &d
	switch {
	case d.Before(e.now()):
		t.Status = tasks.StatusOverdue
	case t.Status == tasks.StatusOverdue:
		t.Status = tasks.StatusTodo
	}
}

// afterCommit brings reminders in line with t. Failures are logged and left
// for the reconcile pass: the task change itself is already committed.
func (e *Engine) afterCommit(ctx context.Context, t *tasks.Task, reschedule bool) {
	var err error
	if reschedule {
		err = e.reminders.Schedule(ctx, t)
	} else {
		err = e.reminders.Cancel(ctx, t)
	}
	if err != nil {
		logging.Component("lifecycle").WithTask(t.ID).Err(err).Bool("reschedule", reschedule).Msg("update reminders")
	}
}

func needsOverdue(t *tasks.Task, now time.Time) bool {
	return (t.Status == tasks.StatusTodo || t.Status == tasks.StatusInProgress) && t.IsPastDue(now)
}

// markOverdue moves task id to overdue when its deadline has passed. The
// caller holds the task's lock.
func (e *Engine) markOverdue(ctx context.Context, id int64) (*tasks.Task, bool, error) {
	t, changed, err := e.mutate(ctx, id, "mark overdue", func(t *tasks.Task) error {
		if !needsOverdue(t, e.now()) {
			return errUnchanged
		}
		t.Status = tasks.StatusOverdue
		return nil
	})
	if err != nil || !changed {
		return t, false, err
	}

	logging.Component("lifecycle").WithTask(id).InfoCtx("task overdue", logging.Fields{
		"deadline": db.NullTime(t.Deadline).String,
	})
	if err := e.notifier.Overdue(ctx, *t); err != nil {
		logging.Component("lifecycle").WithTask(id).Err(err).Msg("overdue notice")
	}
	return t, true, nil
}

// SweepStats summarizes a Sweep pass.
type SweepStats struct {
	Checked int `json:"checked"`
	Marked  int `json:"marked"`
	Failed  int `json:"failed"`
}

// Sweep moves every todo or in_progress task whose deadline is strictly
// before now to overdue. Running it again changes nothing.
func (e *Engine) Sweep(ctx context.Context) (SweepStats, error) {
	due, err := e.store.List(ctx, tasks.Filter{
		Statuses:       []tasks.Status{tasks.StatusTodo, tasks.StatusInProgress},
		DeadlineBefore: tasks.PastDueBound(e.now()),
	})
	if err != nil {
		return SweepStats{}, err
	}

	var marked, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, t := range due {
		id := t.ID
		g.Go(func() error {
			unlock := e.locks.Lock(id)
			defer unlock()
			_, changed, err := e.markOverdue(gctx, id)
			switch {
			case err != nil:
				failed.Add(1)
				logging.Component("lifecycle").WithTask(id).Err(err).Msg("sweep task")
			case changed:
				marked.Add(1)
			}
			return gctx.Err()
		})
	}
	err = g.Wait()

	stats := SweepStats{Checked: len(due), Marked: int(marked.Load()), Failed: int(failed.Load())}
	if stats.Checked > 0 {
		logging.Component("lifecycle").InfoCtx("overdue sweep", logging.Fields{
			"checked": stats.Checked,
			"marked":  stats.Marked,
			"failed":  stats.Failed,
		})
	}
	return stats, err
}

// Reconcile repairs reminder sets across all tasks.
func (e *Engine) Reconcile(ctx context.Context) (reminders.ReconcileStats, error) {
	return e.reminders.Reconcile(ctx)
}

// HandleReminder claims and processes a due reminder timer. A timer already
// claimed or disarmed, one no longer recorded on its task, or one for a done
// or cancelled task is dropped.
func (e *Engine) HandleReminder(ctx context.Context, tm timer.Timer) error {
	id := tm.Payload.TaskID
	unlock := e.locks.Lock(id)
	defer unlock()

	log := logging.Component("lifecycle").WithTask(id)
	claimed, err := e.reminders.Claim(ctx, tm.ID)
	if err != nil {
		return err
	}
	if !claimed {
		log.DebugCtx("reminder already claimed", logging.Fields{"timer": tm.ID})
		return nil
	}

	var (
		t     *tasks.Task
		found bool
	)
	err = db.Retry(ctx, "handle reminder", func() error {
		var err error
		if t, err = e.store.Get(ctx, id); err != nil {
			return err
		}
		found, err = e.reminders.Fired(ctx, t, tm.ID)
		return err
	})
	if errors.Is(err, errs.ErrNotFound) {
		log.WarnCtx("reminder for unknown task", logging.Fields{"timer": tm.ID})
		return nil
	}
	if err != nil {
		return err
	}
	if !found || t.Status.Terminal() {
		log.DebugCtx("stale reminder dropped", logging.Fields{"timer": tm.ID, "status": string(t.Status)})
		return nil
	}

	return e.notifier.Remind(ctx, reminders.NewNotice(t, reminders.Kind(tm.Payload.Kind), e.now()))
}

// LogNotifier writes notices to the log. It is used when no bus is
// configured.
type LogNotifier struct{}

// Remind logs n.
func (LogNotifier) Remind(_ context.Context, n reminders.Notice) error {
	logging.Component("notify").WithTask(n.TaskID).InfoCtx("reminder", logging.Fields{
		"chat_id":  n.ChatID,
		"kind":     string(n.Kind),
		"assignee": n.AssigneeUsername,
		"deadline": db.FormatTime(n.Deadline),
	})
	return nil
}

// Overdue logs t.
func (LogNotifier) Overdue(_ context.Context, t tasks.Task) error {
	logging.Component("notify").WithTask(t.ID).InfoCtx("overdue", logging.Fields{
		"chat_id":  t.ChatID,
		"assignee": t.AssigneeUsername,
	})
	return nil
}
