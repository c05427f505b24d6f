package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewFromSpec(t *testing.T) {
	tests := []struct {
		name    string
		spec    Spec
		wantErr error
	}{
		{"cron", Spec{Name: "sweep", Cron: "*/5 * * * *"}, nil},
		{"interval", Spec{Name: "reconcile", Interval: 10 * time.Minute}, nil},
		{"none", Spec{Name: "idle"}, ErrNoSchedule},
		{"bad cron", Spec{Cron: "every tuesday"}, ErrInvalidCron},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewFromSpec(tt.spec)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("NewFromSpec() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewFromSpec() error = %v", err)
			}
			if s.Name() != tt.spec.Name {
				t.Errorf("Name() = %q, want %q", s.Name(), tt.spec.Name)
			}
		})
	}

	if _, err := NewFromSpec(Spec{Cron: "* * * * *", Interval: time.Minute}); err == nil {
		t.Error("expected error when both cron and interval are set")
	}
}

func TestSetCron(t *testing.T) {
	s := New()
	if err := s.SetCron("0 9 * * 1-5"); err != nil {
		t.Errorf("SetCron() error = %v", err)
	}
	if s.cronExpr != "0 9 * * 1-5" {
		t.Errorf("cronExpr = %q", s.cronExpr)
	}
	if err := s.SetCron("invalid"); !errors.Is(err, ErrInvalidCron) {
		t.Errorf("SetCron(invalid) error = %v", err)
	}
}

func TestSetInterval(t *testing.T) {
	s := New()
	if err := s.SetInterval(time.Hour); err != nil {
		t.Errorf("SetInterval() error = %v", err)
	}
	if s.interval != time.Hour {
		t.Errorf("interval = %v, want %v", s.interval, time.Hour)
	}
	if err := s.SetInterval(0); err == nil {
		t.Error("SetInterval(0) expected error")
	}
	if err := s.SetInterval(-time.Hour); err == nil {
		t.Error("SetInterval(-1h) expected error")
	}
}

func TestScheduler_StartStop_Cron(t *testing.T) {
	s := New()
	_ = s.SetCron("* * * * *")

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !s.IsRunning() {
		t.Error("IsRunning() = false, want true")
	}
	if err := s.Start(ctx); err != ErrAlreadyRunning {
		t.Errorf("Start() twice error = %v, want %v", err, ErrAlreadyRunning)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if s.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
	if err := s.Stop(); err != ErrNotRunning {
		t.Errorf("Stop() twice error = %v, want %v", err, ErrNotRunning)
	}
}

func TestScheduler_StartNoSchedule(t *testing.T) {
	if err := New().Start(context.Background()); err != ErrNoSchedule {
		t.Errorf("Start() error = %v, want %v", err, ErrNoSchedule)
	}
}

func TestScheduler_NextRun_Cron(t *testing.T) {
	s := New()
	_ = s.SetCron("* * * * *")

	if !s.NextRun().IsZero() {
		t.Error("NextRun() should be zero before Start")
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() { _ = s.Stop() }()

	nextRun := s.NextRun()
	now := time.Now()
	if nextRun.Before(now) {
		t.Errorf("NextRun() = %v, should be after now (%v)", nextRun, now)
	}
	if nextRun.After(now.Add(time.Minute + time.Second)) {
		t.Errorf("NextRun() = %v, should be within next minute", nextRun)
	}
}

func TestScheduler_NextRun_Interval(t *testing.T) {
	s := New()
	_ = s.SetInterval(time.Hour)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() { _ = s.Stop() }()

	expected := time.Now().Add(time.Hour)
	delta := s.NextRun().Sub(expected)
	if delta < -time.Second || delta > time.Second {
		t.Errorf("NextRun() = %v, expected ~%v", s.NextRun(), expected)
	}
}

func TestScheduler_JobExecution_Interval(t *testing.T) {
	s := New()
	_ = s.SetInterval(20 * time.Millisecond)

	var count atomic.Int32
	s.AddJob(func(ctx context.Context) error {
		count.Add(1)
		return nil
	})
	s.AddJob(func(ctx context.Context) error {
		return errors.New("sweep failed")
	})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	if err := s.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}

	if count.Load() < 1 {
		t.Errorf("job executed %d times, want at least 1", count.Load())
	}
	last, failed := s.LastRun()
	if last.IsZero() || failed != 1 {
		t.Errorf("LastRun() = %v, %d; want a run with 1 failure", last, failed)
	}
}

func TestScheduler_SkipsOverlappingTicks(t *testing.T) {
	s := New()
	_ = s.SetInterval(10 * time.Millisecond)

	var running, maxRunning atomic.Int32
	s.AddJob(func(ctx context.Context) error {
		n := running.Add(1)
		if n > maxRunning.Load() {
			maxRunning.Store(n)
		}
		time.Sleep(40 * time.Millisecond)
		running.Add(-1)
		return nil
	})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(120 * time.Millisecond)
	_ = s.Stop()

	if maxRunning.Load() > 1 {
		t.Errorf("jobs overlapped: %d concurrent runs", maxRunning.Load())
	}
}

func TestScheduler_RunNow(t *testing.T) {
	s := New()
	var count atomic.Int32
	s.AddJob(func(ctx context.Context) error {
		count.Add(1)
		return nil
	})

	if failed := s.RunNow(context.Background()); failed != 0 {
		t.Errorf("RunNow() failed = %d", failed)
	}
	if count.Load() != 1 {
		t.Errorf("count = %d, want 1", count.Load())
	}
}

func TestScheduler_ContextCancellation(t *testing.T) {
	s := New()
	_ = s.SetInterval(10 * time.Millisecond)

	var count atomic.Int32
	s.AddJob(func(ctx context.Context) error {
		count.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	cancel()
	time.Sleep(50 * time.Millisecond)
	seen := count.Load()
	time.Sleep(50 * time.Millisecond)

	if count.Load() != seen {
		t.Errorf("jobs kept running after context cancellation")
	}
	_ = s.Stop()
}
