// Package scheduler runs periodic maintenance jobs (overdue sweep, reminder
// reconcile) on a cron expression or a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/marcus/taskbot/internal/logging"
)

var (
	ErrNoSchedule     = errors.New("scheduler: no cron expression or interval set")
	ErrAlreadyRunning = errors.New("scheduler: already running")
	ErrNotRunning     = errors.New("scheduler: not running")
	ErrInvalidCron    = errors.New("scheduler: invalid cron expression")
)

// Job is one unit of periodic work.
type Job func(ctx context.Context) error

// Spec describes a schedule: either Cron or Interval.
type Spec struct {
	Name     string
	Cron     string
	Interval time.Duration
	Location *time.Location
}

// Scheduler fires its jobs on a cron expression or an interval. A tick that
// arrives while the previous run is still in progress is skipped.
type Scheduler struct {
	name     string
	cronExpr string
	schedule cron.Schedule
	interval time.Duration
	loc      *time.Location
	jobs     []Job

	mu       sync.Mutex
	running  bool
	busy     sync.Mutex
	cron     *cron.Cron
	cancel   context.CancelFunc
	done     chan struct{}
	nextRun  time.Time
	lastRun  time.Time
	lastErrs int
}

// New creates an unscheduled Scheduler.
func New() *Scheduler {
	return &Scheduler{name: "scheduler", loc: time.Local}
}

// NewFromSpec creates a Scheduler from spec.
func NewFromSpec(spec Spec) (*Scheduler, error) {
	s := New()
	if spec.Name != "" {
		s.name = spec.Name
	}
	if spec.Location != nil {
		s.loc = spec.Location
	}
	switch {
	case spec.Cron != "" && spec.Interval > 0:
		return nil, fmt.Errorf("scheduler %s: cron and interval are mutually exclusive", s.name)
	case spec.Cron != "":
		if err := s.SetCron(spec.Cron); err != nil {
			return nil, err
		}
	case spec.Interval > 0:
		if err := s.SetInterval(spec.Interval); err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoSchedule
	}
	return s, nil
}

// SetCron schedules by a standard five-field cron expression.
func (s *Scheduler) SetCron(expr string) error {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidCron, expr, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cronExpr = expr
	s.schedule = sched
	s.interval = 0
	return nil
}

// SetInterval schedules by a fixed positive interval.
func (s *Scheduler) SetInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("scheduler: interval must be positive, got %v", d)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = d
	s.cronExpr = ""
	s.schedule = nil
	return nil
}

// AddJob appends a job. Jobs run sequentially in the order added.
func (s *Scheduler) AddJob(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
}

// Start begins firing jobs until Stop or ctx cancellation.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}
	if s.schedule == nil && s.interval <= 0 {
		return ErrNoSchedule
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	if s.schedule != nil {
		c := cron.New(cron.WithLocation(s.loc))
		c.Schedule(s.schedule, cron.FuncJob(func() { s.runJobs(runCtx) }))
		c.Start()
		s.cron = c
		s.nextRun = s.schedule.Next(time.Now().In(s.loc))
		go func() {
			<-runCtx.Done()
			<-c.Stop().Done()
			close(s.done)
		}()
	} else {
		s.nextRun = time.Now().Add(s.interval)
		go s.intervalLoop(runCtx)
	}

	logging.Component("scheduler").InfoCtx("scheduler started", logging.Fields{
		"name":     s.name,
		"cron":     s.cronExpr,
		"interval": s.interval.String(),
	})
	return nil
}

func (s *Scheduler) intervalLoop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			s.nextRun = time.Now().Add(s.interval)
			s.mu.Unlock()
			s.runJobs(ctx)
		}
	}
}

// RunNow runs every job once, synchronously, outside the schedule.
func (s *Scheduler) RunNow(ctx context.Context) int {
	s.busy.Lock()
	defer s.busy.Unlock()
	return s.execute(ctx)
}

func (s *Scheduler) runJobs(ctx context.Context) {
	if !s.busy.TryLock() {
		logging.Component("scheduler").WarnCtx("previous run still in progress, skipping tick", logging.Fields{"name": s.name})
		return
	}
	defer s.busy.Unlock()

	s.execute(ctx)

	s.mu.Lock()
	if s.schedule != nil {
		s.nextRun = s.schedule.Next(time.Now().In(s.loc))
	}
	s.mu.Unlock()
}

func (s *Scheduler) execute(ctx context.Context) int {
	s.mu.Lock()
	jobs := make([]Job, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.Unlock()

	log := logging.Component("scheduler")
	failed := 0
	for i, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		if err := job(ctx); err != nil {
			failed++
			log.Err(err).Str("name", s.name).Int("job", i).Msg("scheduled job failed")
		}
	}

	s.mu.Lock()
	s.lastRun = time.Now()
	s.lastErrs = failed
	s.mu.Unlock()
	return failed
}

// Stop halts the scheduler and waits for an in-flight run to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.cron = nil
	s.mu.Unlock()

	cancel()
	<-done
	return nil
}

// IsRunning reports whether Start has been called without Stop.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next planned run, zero when stopped.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return time.Time{}
	}
	return s.nextRun
}

// LastRun returns when jobs last ran and how many failed.
func (s *Scheduler) LastRun() (time.Time, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastErrs
}

// Name returns the scheduler's label.
func (s *Scheduler) Name() string {
	return s.name
}
