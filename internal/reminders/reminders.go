// Package reminders keeps each active task's set of armed reminder timers
// in step with its deadline: one at deadline-24h, one at deadline-1h and one
// at the deadline itself, each only while still in the future.
package reminders

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marcus/taskbot/internal/db"
	"github.com/marcus/taskbot/internal/keylock"
	"github.com/marcus/taskbot/internal/logging"
	"github.com/marcus/taskbot/internal/tasks"
	"github.com/marcus/taskbot/internal/timer"
)

// Kind names a reminder slot.
type Kind string

const (
	Kind24h      Kind = "24h_before"
	Kind1h       Kind = "1h_before"
	KindDeadline Kind = "deadline"
)

var offsets = []struct {
	kind   Kind
	before time.Duration
}{
	{Kind24h, 24 * time.Hour},
	{Kind1h, time.Hour},
	{KindDeadline, 0},
}

// Slot is one planned reminder.
type Slot struct {
	Kind Kind      `json:"kind"`
	At   time.Time `json:"at"`
}

// Plan returns the reminder slots for deadline that are strictly after now.
func Plan(deadline, now time.Time) []Slot {
	var out []Slot
	for _, o := range offsets {
		at := deadline.Add(-o.before).UTC().Truncate(time.Second)
		if at.After(now) {
			out = append(out, Slot{Kind: o.kind, At: at})
		}
	}
	return out
}

// Timers is the one-shot timer facility.
type Timers interface {
	Arm(ctx context.Context, runAt time.Time, p timer.Payload) (string, error)
	Disarm(ctx context.Context, id string) error
	Claim(ctx context.Context, id string) (bool, error)
	ForTask(ctx context.Context, taskID int64) ([]timer.Timer, error)
}

// TaskStore is the subset of the task store the scheduler needs.
type TaskStore interface {
	Get(ctx context.Context, id int64) (*tasks.Task, error)
	Update(ctx context.Context, t *tasks.Task) error
	List(ctx context.Context, f tasks.Filter) ([]tasks.Task, error)
}

// Scheduler arms and disarms reminder timers and records their ids on the
// task. It is the only writer of a task's CronJobIDs.
type Scheduler struct {
	timers      Timers
	store       TaskStore
	locks       *keylock.Locker
	now         func() time.Time
	concurrency int
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLocker shares per-task locks with other writers.
func WithLocker(l *keylock.Locker) Option {
	return func(s *Scheduler) { s.locks = l }
}

// WithConcurrency bounds the Reconcile fan-out.
func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// New creates a Scheduler.
func New(timers Timers, store TaskStore, opts ...Option) *Scheduler {
	s := &Scheduler{
		timers:      timers,
		store:       store,
		locks:       keylock.New(),
		now:         time.Now,
		concurrency: 4,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule replaces t's reminders with a fresh set derived from its
// deadline and persists the new id set. The caller holds t's lock. A task
// without a deadline or in a terminal state ends up with no reminders.
func (s *Scheduler) Schedule(ctx context.Context, t *tasks.Task) error {
	if !t.HasDeadline() || t.Status.Terminal() {
		return s.Cancel(ctx, t)
	}

	log := logging.Component("reminders").WithTask(t.ID)
	var armed []string
	for _, slot := range Plan(*t.Deadline, s.now()) {
		id, err := s.timers.Arm(ctx, slot.At, timer.Payload{TaskID: t.ID, Kind: string(slot.Kind)})
		if err != nil {
			s.disarmAll(ctx, t.ID, armed)
			return err
		}
		armed = append(armed, id)
	}
	if len(armed) == 0 && len(t.CronJobIDs) == 0 {
		return nil
	}

	old := t.CronJobIDs
	t.CronJobIDs = nonNil(armed)
	if err := s.store.Update(ctx, t); err != nil {
		t.CronJobIDs = old
		s.disarmAll(ctx, t.ID, armed)
		return err
	}
	s.disarmAll(ctx, t.ID, old)

	log.DebugCtx("reminders scheduled", logging.Fields{"jobs": len(armed), "replaced": len(old)})
	return nil
}

// Cancel disarms every recorded reminder of t and clears the set. An empty
// set is a no-op. The caller holds t's lock.
func (s *Scheduler) Cancel(ctx context.Context, t *tasks.Task) error {
	if len(t.CronJobIDs) == 0 {
		return nil
	}
	old := t.CronJobIDs
	t.CronJobIDs = []string{}
	if err := s.store.Update(ctx, t); err != nil {
		t.CronJobIDs = old
		return err
	}
	s.disarmAll(ctx, t.ID, old)
	logging.Component("reminders").WithTask(t.ID).DebugCtx("reminders cancelled", logging.Fields{"jobs": len(old)})
	return nil
}

// Claim takes ownership of a due timer. Only the caller that gets true
// may deliver the reminder. The caller holds the task's lock, so a
// concurrent Reconcile never sees a claimed id as missing.
func (s *Scheduler) Claim(ctx context.Context, jobID string) (bool, error) {
	return s.timers.Claim(ctx, jobID)
}

// Fired drops jobID from t's set after its timer went off and reports
// whether it was recorded there. The caller holds t's lock.
func (s *Scheduler) Fired(ctx context.Context, t *tasks.Task, jobID string) (bool, error) {
	keep := make([]string, 0, len(t.CronJobIDs))
	found := false
	for _, id := range t.CronJobIDs {
		if id == jobID {
			found = true
			continue
		}
		keep = append(keep, id)
	}
	if !found {
		return false, nil
	}
	old := t.CronJobIDs
	t.CronJobIDs = keep
	if err := s.store.Update(ctx, t); err != nil {
		t.CronJobIDs = old
		return false, err
	}
	return true, nil
}

// ReconcileStats summarizes a Reconcile pass.
type ReconcileStats struct {
	Checked     int `json:"checked"`
	Rescheduled int `json:"rescheduled"`
	Cancelled   int `json:"cancelled"`
	Orphans     int `json:"orphans"`
	Failed      int `json:"failed"`
}

// Reconcile re-arms active tasks whose reminder set is empty or stale and
// cancels reminders held by terminal or deadline-less tasks.
func (s *Scheduler) Reconcile(ctx context.Context) (ReconcileStats, error) {
	list, err := s.store.List(ctx, tasks.Filter{})
	if err != nil {
		return ReconcileStats{}, err
	}

	var rescheduled, cancelled, orphans, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, t := range list {
		id := t.ID
		g.Go(func() error {
			unlock := s.locks.Lock(id)
			defer unlock()

			err := db.Retry(gctx, "reconcile reminders", func() error {
				fresh, err := s.store.Get(gctx, id)
				if err != nil {
					return err
				}
				act, n, err := s.reconcileTask(gctx, fresh)
				if err != nil {
					return err
				}
				orphans.Add(int64(n))
				switch act {
				case actionRescheduled:
					rescheduled.Add(1)
				case actionCancelled:
					cancelled.Add(1)
				}
				return nil
			})
			if err != nil {
				failed.Add(1)
				logging.Component("reminders").WithTask(id).Err(err).Msg("reconcile task")
			}
			return gctx.Err()
		})
	}
	err = g.Wait()

	stats := ReconcileStats{
		Checked:     len(list),
		Rescheduled: int(rescheduled.Load()),
		Cancelled:   int(cancelled.Load()),
		Orphans:     int(orphans.Load()),
		Failed:      int(failed.Load()),
	}
	logging.Component("reminders").InfoCtx("reconcile finished", logging.Fields{
		"checked":     stats.Checked,
		"rescheduled": stats.Rescheduled,
		"cancelled":   stats.Cancelled,
		"orphans":     stats.Orphans,
		"failed":      stats.Failed,
	})
	return stats, err
}

type action int

const (
	actionNone action = iota
	actionRescheduled
	actionCancelled
)

func (s *Scheduler) reconcileTask(ctx context.Context, t *tasks.Task) (action, int, error) {
	pending, err := s.timers.ForTask(ctx, t.ID)
	if err != nil {
		return actionNone, 0, err
	}
	recorded := make(map[string]bool, len(t.CronJobIDs))
	for _, id := range t.CronJobIDs {
		recorded[id] = true
	}

	// timers armed for the task but missing from its set
	orphans := 0
	var mine []timer.Timer
	for _, tm := range pending {
		if recorded[tm.ID] {
			mine = append(mine, tm)
			continue
		}
		if err := s.timers.Disarm(ctx, tm.ID); err != nil {
			return actionNone, orphans, err
		}
		orphans++
	}

	if !t.HasDeadline() || t.Status.Terminal() {
		if len(t.CronJobIDs) == 0 {
			return actionNone, orphans, nil
		}
		return actionCancelled, orphans, s.Cancel(ctx, t)
	}

	if !s.stale(t, mine) {
		return actionNone, orphans, nil
	}
	return actionRescheduled, orphans, s.Schedule(ctx, t)
}

// stale reports whether the recorded set disagrees with what the deadline
// implies: a recorded id is no longer armed, or the armed future slots
// differ from the plan. Timers already due but not yet fired are ignored.
func (s *Scheduler) stale(t *tasks.Task, armed []timer.Timer) bool {
	if len(armed) != len(t.CronJobIDs) {
		return true
	}
	now := s.now()
	var have []Slot
	for _, tm := range armed {
		if tm.RunAt.After(now) {
			have = append(have, Slot{Kind: Kind(tm.Payload.Kind), At: tm.RunAt})
		}
	}
	want := Plan(*t.Deadline, now)
	if len(have) != len(want) {
		return true
	}
	sort.Slice(have, func(i, j int) bool { return have[i].At.Before(have[j].At) })
	for i := range want {
		if have[i].Kind != want[i].Kind || !have[i].At.Equal(want[i].At) {
			return true
		}
	}
	return false
}

func (s *Scheduler) disarmAll(ctx context.Context, taskID int64, ids []string) {
	for _, id := range ids {
		if err := s.timers.Disarm(ctx, id); err != nil {
			logging.Component("reminders").WithTask(taskID).Err(err).Str("timer", id).Msg("disarm reminder")
		}
	}
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
