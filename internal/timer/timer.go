// Package timer provides durable one-shot timers. Armed timers are rows in
// the timers table, so any process sharing the database can arm or disarm
// them; the daemon's Dispatcher fires them.
package timer

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/marcus/taskbot/internal/db"
)

// Payload is what a timer carries back to its handler.
type Payload struct {
	TaskID int64  `json:"task_id"`
	Kind   string `json:"kind"`
}

// Timer is one armed timer.
type Timer struct {
	ID        string    `json:"id"`
	RunAt     time.Time `json:"run_at"`
	Payload   Payload   `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// Store arms and disarms timers.
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

// Arm registers a timer firing at runAt and returns its id.
func (s *Store) Arm(ctx context.Context, runAt time.Time, p Payload) (string, error) {
	id := uuid.NewString()
	err := db.Retry(ctx, "arm timer", func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO timers (id, run_at, task_id, kind, created_at) VALUES (?, ?, ?, ?, ?)`,
			id, db.FormatTime(runAt), p.TaskID, p.Kind, db.FormatTime(s.now()))
		return err
	})
	if err != nil {
		return "", fmt.Errorf("arm timer for task %d: %w", p.TaskID, err)
	}
	return id, nil
}

// Disarm removes a timer. Unknown or already fired ids are ignored.
func (s *Store) Disarm(ctx context.Context, id string) error {
	_, err := s.claim(ctx, id)
	return err
}

// Claim removes a timer and reports whether this caller removed it. Only
// the claimant of a timer may act on it.
func (s *Store) Claim(ctx context.Context, id string) (bool, error) {
	return s.claim(ctx, id)
}

func (s *Store) claim(ctx context.Context, id string) (bool, error) {
	var n int64
	err := db.Retry(ctx, "disarm timer", func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM timers WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("disarm timer %s: %w", id, err)
	}
	return n == 1, nil
}

// Armed reports whether id is still pending.
func (s *Store) Armed(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM timers WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check timer %s: %w", id, err)
	}
	return true, nil
}

// Pending lists every armed timer, earliest first.
func (s *Store) Pending(ctx context.Context) ([]Timer, error) {
	return s.query(ctx, `SELECT id, run_at, task_id, kind, created_at FROM timers ORDER BY run_at, id`)
}

// ForTask lists the armed timers of one task, earliest first.
func (s *Store) ForTask(ctx context.Context, taskID int64) ([]Timer, error) {
	return s.query(ctx, `SELECT id, run_at, task_id, kind, created_at FROM timers WHERE task_id = ? ORDER BY run_at, id`, taskID)
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]Timer, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list timers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Timer
	for rows.Next() {
		var (
			t            Timer
			runAt, crtAt string
		)
		if err := rows.Scan(&t.ID, &runAt, &t.Payload.TaskID, &t.Payload.Kind, &crtAt); err != nil {
			return nil, fmt.Errorf("scan timer: %w", err)
		}
		if t.RunAt, err = db.ParseTime(runAt); err != nil {
			return nil, err
		}
		if t.CreatedAt, err = db.ParseTime(crtAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
