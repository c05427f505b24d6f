package timer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/marcus/taskbot/internal/logging"
	"github.com/marcus/taskbot/internal/scheduler"
)

// ErrDispatcherRunning is returned by Start on a running Dispatcher.
var ErrDispatcherRunning = errors.New("timer: dispatcher already running")

// Handler is invoked when a timer comes due. It must Claim the timer before
// acting on it; a timer left armed is fired again after the next Sync.
type Handler func(ctx context.Context, t Timer) error

// onceSchedule is a cron.Schedule that fires a single time at at. A run_at
// already in the past fires as soon as the entry is added.
type onceSchedule struct {
	mu       sync.Mutex
	at       time.Time
	returned bool
}

func (s *onceSchedule) Next(t time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.returned && !t.Before(s.at) {
		return time.Time{}
	}
	s.returned = true
	return s.at
}

// Dispatcher mirrors the timers table into an in-process cron runner and
// invokes the handler as each timer comes due. The table is re-read every
// poll interval so timers armed by other processes are picked up.
type Dispatcher struct {
	store   *Store
	handler Handler
	poll    time.Duration

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
	syncer  *scheduler.Scheduler
	ctx     context.Context
}

// NewDispatcher creates a Dispatcher. poll <= 0 defaults to 30s.
func NewDispatcher(store *Store, handler Handler, poll time.Duration) *Dispatcher {
	if poll <= 0 {
		poll = 30 * time.Second
	}
	return &Dispatcher{
		store:   store,
		handler: handler,
		poll:    poll,
		entries: make(map[string]cron.EntryID),
	}
}

// Start loads pending timers and begins dispatching until ctx is cancelled
// or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.cron != nil {
		d.mu.Unlock()
		return ErrDispatcherRunning
	}
	d.cron = cron.New(cron.WithLocation(time.UTC))
	d.ctx = ctx
	d.mu.Unlock()

	if err := d.Sync(ctx); err != nil {
		d.mu.Lock()
		d.cron = nil
		d.mu.Unlock()
		return err
	}
	d.cron.Start()

	s, err := scheduler.NewFromSpec(scheduler.Spec{Name: "timer-sync", Interval: d.poll})
	if err != nil {
		return err
	}
	s.AddJob(d.Sync)
	if err := s.Start(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	d.syncer = s
	d.mu.Unlock()

	logging.Component("timer").InfoCtx("dispatcher started", logging.Fields{
		"poll":    d.poll.String(),
		"pending": d.Scheduled(),
	})
	return nil
}

// Stop halts dispatching and waits for running handlers.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	c, s := d.cron, d.syncer
	d.cron, d.syncer = nil, nil
	d.entries = make(map[string]cron.EntryID)
	d.mu.Unlock()

	if s != nil {
		_ = s.Stop()
	}
	if c != nil {
		<-c.Stop().Done()
	}
}

// Sync schedules newly armed timers and drops entries whose rows were
// disarmed elsewhere.
func (d *Dispatcher) Sync(ctx context.Context) error {
	pending, err := d.store.Pending(ctx)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cron == nil {
		return nil
	}

	live := make(map[string]bool, len(pending))
	for _, t := range pending {
		live[t.ID] = true
		if _, ok := d.entries[t.ID]; ok {
			continue
		}
		t := t
		d.entries[t.ID] = d.cron.Schedule(&onceSchedule{at: t.RunAt}, cron.FuncJob(func() { d.fire(t) }))
	}
	for id, entry := range d.entries {
		if !live[id] {
			d.cron.Remove(entry)
			delete(d.entries, id)
		}
	}
	return nil
}

// Scheduled returns the number of timers waiting in the runner.
func (d *Dispatcher) Scheduled() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

func (d *Dispatcher) fire(t Timer) {
	d.mu.Lock()
	ctx := d.ctx
	if entry, ok := d.entries[t.ID]; ok && d.cron != nil {
		d.cron.Remove(entry)
		delete(d.entries, t.ID)
	}
	d.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	log := logging.Component("timer").WithTask(t.Payload.TaskID)
	armed, err := d.store.Armed(ctx, t.ID)
	if err != nil {
		log.Err(err).Str("timer", t.ID).Msg("check timer")
		return
	}
	if !armed {
		log.DebugCtx("timer already disarmed", logging.Fields{"timer": t.ID})
		return
	}
	if err := d.handler(ctx, t); err != nil {
		log.Err(err).Str("timer", t.ID).Str("kind", t.Payload.Kind).Msg("timer handler failed")
	}
}
