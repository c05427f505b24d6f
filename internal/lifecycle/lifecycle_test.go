package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/marcus/taskbot/internal/db"
	"github.com/marcus/taskbot/internal/errs"
	"github.com/marcus/taskbot/internal/keylock"
	"github.com/marcus/taskbot/internal/reminders"
	"github.com/marcus/taskbot/internal/tasks"
	"github.com/marcus/taskbot/internal/timer"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recorder struct {
	mu       sync.Mutex
	notices  []reminders.Notice
	overdues []tasks.Task
}

func (r *recorder) Remind(_ context.Context, n reminders.Notice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
	return nil
}

func (r *recorder) Overdue(_ context.Context, t tasks.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overdues = append(r.overdues, t)
	return nil
}

type fixture struct {
	engine *Engine
	store  *tasks.Store
	timers *timer.Store
	clock  *clock
	notes  *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "taskbot.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	c := &clock{t: time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)}
	store := tasks.NewStore(database, tasks.WithClock(c.now))
	timers := timer.NewStore(database, timer.WithClock(c.now))
	locks := keylock.New()
	rem := reminders.New(timers, store, reminders.WithClock(c.now), reminders.WithLocker(locks))
	notes := &recorder{}
	return &fixture{
		engine: New(store, rem, WithClock(c.now), WithLocker(locks), WithNotifier(notes)),
		store:  store,
		timers: timers,
		clock:  c,
		notes:  notes,
	}
}

func (f *fixture) create(t *testing.T, deadline *time.Time) *tasks.Task {
	t.Helper()
	task, err := f.engine.Create(context.Background(), &tasks.Task{
		ChatID:      -1001,
		CreatorID:   1,
		Description: "ship release",
		Deadline:    deadline,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return task
}

func (f *fixture) armed(t *testing.T, id int64) []timer.Timer {
	t.Helper()
	list, err := f.timers.ForTask(context.Background(), id)
	if err != nil {
		t.Fatalf("ForTask: %v", err)
	}
	return list
}

func ptr(t time.Time) *time.Time { return &t }

func TestCanTransition(t *testing.T) {
	all := tasks.AllStatuses
	allowed := map[[2]tasks.Status]bool{
		{tasks.StatusTodo, tasks.StatusInProgress}:      true,
		{tasks.StatusTodo, tasks.StatusDone}:            true,
		{tasks.StatusTodo, tasks.StatusCancelled}:       true,
		{tasks.StatusInProgress, tasks.StatusDone}:      true,
		{tasks.StatusInProgress, tasks.StatusCancelled}: true,
		{tasks.StatusOverdue, tasks.StatusInProgress}:   true,
		{tasks.StatusOverdue, tasks.StatusDone}:         true,
		{tasks.StatusOverdue, tasks.StatusCancelled}:    true,
	}
	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]tasks.Status{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestCreateArmsReminders(t *testing.T) {
	f := newFixture(t)
	task := f.create(t, ptr(time.Date(2026, 2, 15, 15, 0, 0, 0, time.UTC)))

	if task.Status != tasks.StatusTodo {
		t.Errorf("Status = %s, want todo", task.Status)
	}
	if len(task.CronJobIDs) != 3 || len(f.armed(t, task.ID)) != 3 {
		t.Errorf("jobs = %v", task.CronJobIDs)
	}
}

func TestCreateWithPastDeadlineIsOverdue(t *testing.T) {
	f := newFixture(t)
	task := f.create(t, ptr(f.clock.now().Add(-time.Hour)))
	if task.Status != tasks.StatusOverdue {
		t.Errorf("Status = %s, want overdue", task.Status)
	}
	if len(task.CronJobIDs) != 0 {
		t.Errorf("past deadline armed jobs: %v", task.CronJobIDs)
	}
}

func TestInvalidTransitionLeavesTaskUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.create(t, nil)

	done, err := f.engine.Complete(ctx, task.ID)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if done.CompletedAt == nil || !done.CompletedAt.Equal(f.clock.now()) {
		t.Fatalf("CompletedAt = %v", done.CompletedAt)
	}

	f.clock.advance(time.Hour)
	_, err = f.engine.Start(ctx, task.ID)
	if !errors.Is(err, errs.ErrInvalidTransition) {
		t.Fatalf("Start(done) error = %v, want invalid transition", err)
	}

	got, _ := f.store.Get(ctx, task.ID)
	if got.Status != tasks.StatusDone || !got.CompletedAt.Equal(*done.CompletedAt) || got.Version != done.Version {
		t.Errorf("task changed: %s completed=%v v%d", got.Status, got.CompletedAt, got.Version)
	}
}

func TestSelfTransitionRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.create(t, nil)
	if _, err := f.engine.Start(ctx, task.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := f.engine.Start(ctx, task.ID); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Errorf("second Start error = %v", err)
	}
}

func TestTerminalTransitionCancelsReminders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.create(t, ptr(time.Date(2026, 2, 15, 15, 0, 0, 0, time.UTC)))

	got, err := f.engine.Cancel(ctx, task.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != tasks.StatusCancelled || got.CompletedAt != nil {
		t.Errorf("after cancel: %s completed=%v", got.Status, got.CompletedAt)
	}
	if len(got.CronJobIDs) != 0 || len(f.armed(t, task.ID)) != 0 {
		t.Errorf("cancelled task still holds jobs %v", got.CronJobIDs)
	}
}

func TestSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	soon := f.create(t, ptr(f.clock.now().Add(time.Hour)))
	later := f.create(t, ptr(f.clock.now().Add(48*time.Hour)))
	started := f.create(t, ptr(f.clock.now().Add(30*time.Minute)))
	if _, err := f.engine.Start(ctx, started.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.create(t, nil)

	f.clock.advance(2 * time.Hour)
	stats, err := f.engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if stats.Marked != 2 || stats.Failed != 0 {
		t.Errorf("stats = %+v, want 2 marked", stats)
	}

	for id, want := range map[int64]tasks.Status{
		soon.ID:    tasks.StatusOverdue,
		started.ID: tasks.StatusOverdue,
		later.ID:   tasks.StatusTodo,
	} {
		got, _ := f.store.Get(ctx, id)
		if got.Status != want {
			t.Errorf("task %d status = %s, want %s", id, got.Status, want)
		}
	}
	if len(f.notes.overdues) != 2 {
		t.Errorf("overdue notices = %d, want 2", len(f.notes.overdues))
	}

	again, _ := f.engine.Sweep(ctx)
	if again.Marked != 0 {
		t.Errorf("second sweep marked %d", again.Marked)
	}
}

func TestSweepDeadlineEqualToNow(t *testing.T) {
	f := newFixture(t)
	task := f.create(t, ptr(f.clock.now().Add(time.Hour)))
	f.clock.advance(time.Hour)

	if _, err := f.engine.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	got, _ := f.store.Get(context.Background(), task.ID)
	if got.Status != tasks.StatusTodo {
		t.Errorf("deadline == now must not be overdue, got %s", got.Status)
	}
}

func TestSweepSubSecondPastDeadline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.create(t, ptr(f.clock.now().Add(time.Hour)))
	f.clock.advance(time.Hour + 500*time.Millisecond)

	stats, err := f.engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if stats.Marked != 1 {
		t.Errorf("stats = %+v, want 1 marked", stats)
	}
	got, _ := f.store.Get(ctx, task.ID)
	if got.Status != tasks.StatusOverdue {
		t.Errorf("status = %s, want overdue", got.Status)
	}
}

func TestTerminalTransitionOfPastDueTaskSkipsOverdueNotice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	done := f.create(t, ptr(f.clock.now().Add(time.Hour)))
	cancelled := f.create(t, ptr(f.clock.now().Add(time.Hour)))
	started := f.create(t, ptr(f.clock.now().Add(time.Hour)))
	f.clock.advance(2 * time.Hour)

	if got, err := f.engine.Complete(ctx, done.ID); err != nil || got.Status != tasks.StatusDone {
		t.Fatalf("Complete = %v, %v", got, err)
	}
	if got, err := f.engine.Cancel(ctx, cancelled.ID); err != nil || got.Status != tasks.StatusCancelled {
		t.Fatalf("Cancel = %v, %v", got, err)
	}
	if len(f.notes.overdues) != 0 {
		t.Errorf("overdue notices = %d for tasks moved to a terminal status", len(f.notes.overdues))
	}

	// starting a past-due todo task still passes through overdue
	got, err := f.engine.Start(ctx, started.ID)
	if err != nil || got.Status != tasks.StatusInProgress {
		t.Fatalf("Start = %v, %v", got, err)
	}
	if len(f.notes.overdues) != 1 || f.notes.overdues[0].ID != started.ID {
		t.Errorf("overdue notices = %+v, want one for task %d", f.notes.overdues, started.ID)
	}
}

func TestGetMarksOverdueLazily(t *testing.T) {
	f := newFixture(t)
	task := f.create(t, ptr(f.clock.now().Add(time.Hour)))
	f.clock.advance(90 * time.Minute)

	got, err := f.engine.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != tasks.StatusOverdue {
		t.Errorf("Status = %s, want overdue", got.Status)
	}
}

func TestExtendDeadline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.create(t, ptr(f.clock.now().Add(time.Hour)))
	f.clock.advance(2 * time.Hour)
	if _, err := f.engine.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	// overdue -> todo with a future deadline; the 24h slot is already past
	newDeadline := f.clock.now().Add(3 * time.Hour)
	got, err := f.engine.ExtendDeadline(ctx, task.ID, &newDeadline)
	if err != nil {
		t.Fatalf("ExtendDeadline: %v", err)
	}
	if got.Status != tasks.StatusTodo {
		t.Errorf("Status = %s, want todo", got.Status)
	}
	armed := f.armed(t, task.ID)
	if len(got.CronJobIDs) != 2 || len(armed) != 2 {
		t.Fatalf("jobs = %v armed = %d, want 2", got.CronJobIDs, len(armed))
	}
	for _, tm := range armed {
		if !tm.RunAt.After(f.clock.now()) {
			t.Errorf("armed a passed offset: %v", tm.RunAt)
		}
	}

	// a deadline already past makes the task overdue at once
	past := f.clock.now().Add(-time.Minute)
	got, err = f.engine.ExtendDeadline(ctx, task.ID, &past)
	if err != nil {
		t.Fatalf("ExtendDeadline(past): %v", err)
	}
	if got.Status != tasks.StatusOverdue || len(got.CronJobIDs) != 0 || len(f.armed(t, task.ID)) != 0 {
		t.Errorf("past deadline: %s jobs=%v", got.Status, got.CronJobIDs)
	}

	// removing the deadline brings it back to todo without jobs
	got, err = f.engine.ExtendDeadline(ctx, task.ID, nil)
	if err != nil {
		t.Fatalf("ExtendDeadline(nil): %v", err)
	}
	if got.Status != tasks.StatusTodo || got.Deadline != nil || len(got.CronJobIDs) != 0 {
		t.Errorf("removed deadline: %s deadline=%v jobs=%v", got.Status, got.Deadline, got.CronJobIDs)
	}
}

func TestExtendDeadlineInProgressKeepsStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.create(t, ptr(f.clock.now().Add(time.Hour)))
	if _, err := f.engine.Start(ctx, task.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	got, err := f.engine.ExtendDeadline(ctx, task.ID, ptr(f.clock.now().Add(72*time.Hour)))
	if err != nil {
		t.Fatalf("ExtendDeadline: %v", err)
	}
	if got.Status != tasks.StatusInProgress || len(got.CronJobIDs) != 3 {
		t.Errorf("got %s with %d jobs", got.Status, len(got.CronJobIDs))
	}
}

func TestEditRejectsDeadlineOnTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.create(t, nil)
	if _, err := f.engine.Complete(ctx, task.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	_, err := f.engine.ExtendDeadline(ctx, task.ID, ptr(f.clock.now().Add(time.Hour)))
	if !errors.Is(err, errs.ErrInvalidTransition) {
		t.Errorf("error = %v, want invalid transition", err)
	}

	title := "Release 1.2"
	got, err := f.engine.Edit(ctx, task.ID, Patch{Title: &title})
	if err != nil {
		t.Fatalf("Edit(title): %v", err)
	}
	if got.Title != title || got.Status != tasks.StatusDone {
		t.Errorf("got %q %s", got.Title, got.Status)
	}
}

func TestEditFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.create(t, nil)

	high := tasks.PriorityHigh
	tags := []string{"#Release", "release", "ops"}
	got, err := f.engine.Edit(ctx, task.ID, Patch{
		Priority: &high,
		Assignee: &Assignee{ID: 42, Username: "ivan"},
		Tags:     &tags,
	})
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if got.Priority != high || got.AssigneeID != 42 || len(got.Tags) != 2 {
		t.Errorf("got %+v", got)
	}

	if _, err := f.engine.Edit(ctx, task.ID, Patch{}); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("empty patch error = %v", err)
	}
	bad := tasks.Priority("urgent")
	if _, err := f.engine.Edit(ctx, task.ID, Patch{Priority: &bad}); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("bad priority error = %v", err)
	}
	empty := "  "
	if _, err := f.engine.Edit(ctx, task.ID, Patch{Description: &empty}); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("empty description error = %v", err)
	}
}

func TestHandleReminder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.create(t, ptr(time.Date(2026, 2, 15, 15, 0, 0, 0, time.UTC)))
	armed := f.armed(t, task.ID)

	first := armed[0]
	if err := f.engine.HandleReminder(ctx, first); err != nil {
		t.Fatalf("HandleReminder: %v", err)
	}
	if len(f.notes.notices) != 1 {
		t.Fatalf("notices = %d, want 1", len(f.notes.notices))
	}
	n := f.notes.notices[0]
	if n.TaskID != task.ID || n.Kind != reminders.Kind24h || n.ChatID != -1001 {
		t.Errorf("notice = %+v", n)
	}
	got, _ := f.store.Get(ctx, task.ID)
	if len(got.CronJobIDs) != 2 {
		t.Errorf("fired id not removed: %v", got.CronJobIDs)
	}
	if still, _ := f.timers.Armed(ctx, first.ID); still {
		t.Error("handled timer is still armed")
	}

	// firing the same timer again is dropped
	if err := f.engine.HandleReminder(ctx, first); err != nil {
		t.Fatalf("repeat HandleReminder: %v", err)
	}
	if len(f.notes.notices) != 1 {
		t.Errorf("repeat fire delivered a notice")
	}
}

func TestReconcileBeforeHandleReminder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.create(t, ptr(f.clock.now().Add(2*time.Hour)))
	armed := f.armed(t, task.ID)
	if len(armed) != 2 || reminders.Kind(armed[0].Payload.Kind) != reminders.Kind1h {
		t.Fatalf("armed = %+v", armed)
	}

	// the 1h reminder is due and picked up by the dispatcher, but a
	// reconcile pass reaches the task first
	f.clock.advance(time.Hour)
	stats, err := f.engine.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if stats.Rescheduled != 0 {
		t.Errorf("Reconcile rescheduled %d tasks with a due reminder in flight", stats.Rescheduled)
	}

	if err := f.engine.HandleReminder(ctx, armed[0]); err != nil {
		t.Fatalf("HandleReminder: %v", err)
	}
	if len(f.notes.notices) != 1 || f.notes.notices[0].Kind != reminders.Kind1h {
		t.Fatalf("notices = %+v, want one 1h reminder", f.notes.notices)
	}
	got, _ := f.store.Get(ctx, task.ID)
	if len(got.CronJobIDs) != 1 || got.CronJobIDs[0] != armed[1].ID {
		t.Errorf("CronJobIDs = %v, want [%s]", got.CronJobIDs, armed[1].ID)
	}
}

func TestHandleReminderConcurrentWithReconcile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.create(t, ptr(f.clock.now().Add(2*time.Hour)))
	armed := f.armed(t, task.ID)
	f.clock.advance(time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := f.engine.Reconcile(ctx); err != nil {
				t.Errorf("Reconcile: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if err := f.engine.HandleReminder(ctx, armed[0]); err != nil {
				t.Errorf("HandleReminder: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(f.notes.notices) != 1 {
		t.Errorf("delivered %d notices, want exactly 1", len(f.notes.notices))
	}
}

func TestHandleReminderForTerminalTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.create(t, ptr(time.Date(2026, 2, 15, 15, 0, 0, 0, time.UTC)))
	armed := f.armed(t, task.ID)
	if _, err := f.engine.Complete(ctx, task.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if err := f.engine.HandleReminder(ctx, armed[0]); err != nil {
		t.Fatalf("HandleReminder: %v", err)
	}
	if len(f.notes.notices) != 0 {
		t.Error("reminder delivered for a done task")
	}

	unknown := timer.Timer{ID: "x", Payload: timer.Payload{TaskID: 999, Kind: "deadline"}}
	if err := f.engine.HandleReminder(ctx, unknown); err != nil {
		t.Errorf("HandleReminder(unknown task) = %v", err)
	}
}

func TestConcurrentTransitionsSerialize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.create(t, nil)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, to := range []tasks.Status{tasks.StatusDone, tasks.StatusCancelled} {
		wg.Add(1)
		go func(i int, to tasks.Status) {
			defer wg.Done()
			_, results[i] = f.engine.Transition(ctx, task.ID, to)
		}(i, to)
	}
	wg.Wait()

	ok, invalid := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, errs.ErrInvalidTransition):
			invalid++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || invalid != 1 {
		t.Errorf("ok=%d invalid=%d, want exactly one winner", ok, invalid)
	}
}

// racingStore simulates another process writing the task between this
// engine's read and its write.
type racingStore struct {
	*tasks.Store
	once sync.Once
}

func (r *racingStore) Update(ctx context.Context, t *tasks.Task) error {
	r.once.Do(func() {
		other, err := r.Store.Get(ctx, t.ID)
		if err != nil {
			panic(err)
		}
		other.Title = "edited elsewhere"
		if err := r.Store.Update(ctx, other); err != nil {
			panic(err)
		}
	})
	return r.Store.Update(ctx, t)
}

func TestConflictIsRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.create(t, nil)

	racing := &racingStore{Store: f.store}
	engine := New(racing, reminders.New(f.timers, racing, reminders.WithClock(f.clock.now)), WithClock(f.clock.now))

	got, err := engine.Start(ctx, task.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got.Status != tasks.StatusInProgress || got.Title != "edited elsewhere" {
		t.Errorf("got %s %q, want retried write on top of the other change", got.Status, got.Title)
	}
}

func TestInvalidStatus(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.Transition(context.Background(), 1, "blocked"); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("error = %v, want validation", err)
	}
}

func TestTransitionNotFound(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.Start(context.Background(), 404); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("error = %v, want not found", err)
	}
}
