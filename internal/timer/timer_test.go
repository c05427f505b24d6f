package timer

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marcus/taskbot/internal/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "taskbot.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	return NewStore(database)
}

func TestArmDisarm(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	runAt := time.Date(2026, 2, 15, 17, 0, 0, 0, time.UTC)

	id, err := s.Arm(ctx, runAt, Payload{TaskID: 7, Kind: "1h_before"})
	if err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if armed, _ := s.Armed(ctx, id); !armed {
		t.Fatal("Armed() = false after Arm")
	}

	list, err := s.ForTask(ctx, 7)
	if err != nil {
		t.Fatalf("ForTask: %v", err)
	}
	if len(list) != 1 || !list[0].RunAt.Equal(runAt) || list[0].Payload.Kind != "1h_before" {
		t.Errorf("ForTask = %+v", list)
	}

	if err := s.Disarm(ctx, id); err != nil {
		t.Fatalf("Disarm: %v", err)
	}
	if armed, _ := s.Armed(ctx, id); armed {
		t.Error("Armed() = true after Disarm")
	}
	if err := s.Disarm(ctx, id); err != nil {
		t.Errorf("second Disarm: %v", err)
	}
	if err := s.Disarm(ctx, "never-armed"); err != nil {
		t.Errorf("Disarm(unknown): %v", err)
	}
}

func TestClaimOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id, _ := s.Arm(ctx, time.Now(), Payload{TaskID: 1, Kind: "deadline"})

	first, err := s.Claim(ctx, id)
	if err != nil || !first {
		t.Fatalf("first Claim = %v, %v", first, err)
	}
	second, err := s.Claim(ctx, id)
	if err != nil || second {
		t.Errorf("second Claim = %v, %v; want false", second, err)
	}
}

func TestPendingOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)
	late, _ := s.Arm(ctx, base.Add(2*time.Hour), Payload{TaskID: 1, Kind: "deadline"})
	early, _ := s.Arm(ctx, base, Payload{TaskID: 2, Kind: "24h_before"})

	got, err := s.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(got) != 2 || got[0].ID != early || got[1].ID != late {
		t.Errorf("Pending = %+v", got)
	}
}

func TestOnceSchedule(t *testing.T) {
	at := time.Date(2026, 2, 15, 18, 0, 0, 0, time.UTC)

	s := &onceSchedule{at: at}
	if got := s.Next(at.Add(-time.Hour)); !got.Equal(at) {
		t.Errorf("first Next = %v, want %v", got, at)
	}
	if got := s.Next(at.Add(-time.Minute)); !got.Equal(at) {
		t.Errorf("Next before due = %v, want %v", got, at)
	}
	if got := s.Next(at); !got.IsZero() {
		t.Errorf("Next after firing = %v, want zero", got)
	}

	past := &onceSchedule{at: at}
	if got := past.Next(at.Add(time.Hour)); !got.Equal(at) {
		t.Errorf("missed timer first Next = %v, want %v", got, at)
	}
	if got := past.Next(at.Add(time.Hour)); !got.IsZero() {
		t.Errorf("missed timer second Next = %v, want zero", got)
	}
}

func TestDispatcherFiresDueTimers(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fired := make(chan Timer, 4)
	d := NewDispatcher(s, func(ctx context.Context, tm Timer) error {
		if ok, err := s.Claim(ctx, tm.ID); err != nil || !ok {
			return err
		}
		fired <- tm
		return nil
	}, 20*time.Millisecond)

	missed, _ := s.Arm(ctx, time.Now().Add(-time.Hour), Payload{TaskID: 1, Kind: "24h_before"})
	future, _ := s.Arm(ctx, time.Now().Add(time.Hour), Payload{TaskID: 1, Kind: "deadline"})

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()
	if err := d.Start(ctx); err != ErrDispatcherRunning {
		t.Errorf("second Start = %v", err)
	}

	select {
	case tm := <-fired:
		if tm.ID != missed {
			t.Errorf("fired %s, want %s", tm.ID, missed)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("missed timer did not fire")
	}
	if armed, _ := s.Armed(ctx, missed); armed {
		t.Error("fired timer is still armed")
	}

	// armed after Start, as another process would
	late, _ := s.Arm(ctx, time.Now().Add(-time.Second), Payload{TaskID: 2, Kind: "deadline"})
	select {
	case tm := <-fired:
		if tm.ID != late {
			t.Errorf("fired %s, want %s", tm.ID, late)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timer armed after start did not fire")
	}

	if armed, _ := s.Armed(ctx, future); !armed {
		t.Error("future timer should still be armed")
	}
}

func TestDispatcherDropsDisarmed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := NewDispatcher(s, func(context.Context, Timer) error {
		t.Error("handler must not run for a disarmed timer")
		return nil
	}, time.Hour)

	id, _ := s.Arm(ctx, time.Now().Add(time.Hour), Payload{TaskID: 3, Kind: "deadline"})
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()
	if d.Scheduled() != 1 {
		t.Fatalf("Scheduled() = %d, want 1", d.Scheduled())
	}

	if err := s.Disarm(ctx, id); err != nil {
		t.Fatalf("Disarm: %v", err)
	}
	if err := d.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if d.Scheduled() != 0 {
		t.Errorf("Scheduled() = %d after disarm, want 0", d.Scheduled())
	}
}

func TestDispatcherRefiresUnclaimed(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var n atomic.Int32
	calls := make(chan Timer, 8)
	d := NewDispatcher(s, func(ctx context.Context, tm Timer) error {
		calls <- tm
		if n.Add(1) == 1 {
			return errors.New("busy")
		}
		_, err := s.Claim(ctx, tm.ID)
		return err
	}, 20*time.Millisecond)

	id, _ := s.Arm(ctx, time.Now().Add(-time.Minute), Payload{TaskID: 4, Kind: "deadline"})
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	for i := 0; i < 2; i++ {
		select {
		case tm := <-calls:
			if tm.ID != id {
				t.Fatalf("fired %s, want %s", tm.ID, id)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("fire %d did not happen", i+1)
		}
	}
}
