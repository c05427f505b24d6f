// Package users is the registry of chat members seen by the bot. Rows are
// keyed by Telegram id and never deleted.
package users

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/marcus/taskbot/internal/db"
	"github.com/marcus/taskbot/internal/errs"
)

// User is a registered chat member.
type User struct {
	TelegramID  int64     `json:"telegram_id"`
	Username    string    `json:"username,omitempty"`
	FirstName   string    `json:"first_name,omitempty"`
	LastName    string    `json:"last_name,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	ChatIDs     []int64   `json:"chat_ids"`
	FirstSeen   time.Time `json:"first_seen_at"`
	LastSeen    time.Time `json:"last_seen_at"`
}

// FullName joins first and last name.
func (u User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Label is the best human-readable name for u.
func (u User) Label() string {
	switch {
	case u.DisplayName != "":
		return u.DisplayName
	case u.FullName() != "":
		return u.FullName()
	case u.Username != "":
		return "@" + u.Username
	default:
		return fmt.Sprintf("id:%d", u.TelegramID)
	}
}

// InChat reports whether u has been observed in chatID.
func (u User) InChat(chatID int64) bool {
	for _, id := range u.ChatIDs {
		if id == chatID {
			return true
		}
	}
	return false
}

// Observation is one sighting of a user in a chat. Empty strings leave the
// stored attribute unchanged.
type Observation struct {
	TelegramID    int64  `json:"telegram_id"`
	Username      string `json:"username,omitempty"`
	FirstName     string `json:"first_name,omitempty"`
	LastName      string `json:"last_name,omitempty"`
	ChatID        int64  `json:"chat_id"`
	ReplyToUserID int64  `json:"reply_to_user_id,omitempty"`
}

// Registry persists users in the users table.
type Registry struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a Registry over database.
func New(database *db.DB, opts ...Option) *Registry {
	r := &Registry{db: database.SQL(), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

const userColumns = `telegram_id, username, first_name, last_name, display_name, chat_ids, first_seen_at, last_seen_at`

// Upsert records obs: inserts a new user or refreshes the mutable fields,
// adds the chat to the membership set and bumps last_seen.
func (r *Registry) Upsert(ctx context.Context, obs Observation) (*User, error) {
	if obs.TelegramID == 0 {
		return nil, errs.Validation("observation: telegram_id is required")
	}
	if obs.ChatID == 0 {
		return nil, errs.Validation("observation: chat_id is required")
	}

	now := db.FormatTime(r.now())
	username := strings.TrimPrefix(strings.TrimSpace(obs.Username), "@")

	err := db.Retry(ctx, "upsert user", func() error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO users (telegram_id, username, first_name, last_name, chat_ids, first_seen_at, last_seen_at)
			VALUES (?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), json_array(?), ?, ?)
			ON CONFLICT(telegram_id) DO UPDATE SET
				username     = COALESCE(excluded.username, users.username),
				first_name   = COALESCE(excluded.first_name, users.first_name),
				last_name    = COALESCE(excluded.last_name, users.last_name),
				chat_ids     = CASE
					WHEN EXISTS (SELECT 1 FROM json_each(users.chat_ids) WHERE value = ?) THEN users.chat_ids
					ELSE json_insert(users.chat_ids, '$[#]', ?)
				END,
				last_seen_at = excluded.last_seen_at`,
			obs.TelegramID, username, strings.TrimSpace(obs.FirstName), strings.TrimSpace(obs.LastName),
			obs.ChatID, now, now, obs.ChatID, obs.ChatID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("upsert user %d: %w", obs.TelegramID, err)
	}
	return r.Get(ctx, obs.TelegramID)
}

// Get returns the user with telegramID.
func (r *Registry) Get(ctx context.Context, telegramID int64) (*User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE telegram_id = ?`, telegramID)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("user %d not found", telegramID)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %d: %w", telegramID, err)
	}
	return u, nil
}

// List returns the members of chatID, most recently seen first.
func (r *Registry) List(ctx context.Context, chatID int64) ([]User, error) {
	return r.query(ctx, `SELECT `+userColumns+` FROM users
		WHERE EXISTS (SELECT 1 FROM json_each(users.chat_ids) WHERE value = ?)
		ORDER BY last_seen_at DESC, telegram_id`, chatID)
}

// ListAll returns every registered user, most recently seen first.
func (r *Registry) ListAll(ctx context.Context) ([]User, error) {
	return r.query(ctx, `SELECT `+userColumns+` FROM users ORDER BY last_seen_at DESC, telegram_id`)
}

// SetDisplayName stores a custom display name; an empty name clears it.
func (r *Registry) SetDisplayName(ctx context.Context, telegramID int64, name string) (*User, error) {
	name = strings.TrimSpace(name)
	err := db.Retry(ctx, "set display name", func() error {
		res, err := r.db.ExecContext(ctx, `UPDATE users SET display_name = NULLIF(?, '') WHERE telegram_id = ?`, name, telegramID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return errs.NotFound("user %d not found", telegramID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, telegramID)
}

func (r *Registry) query(ctx context.Context, query string, args ...any) ([]User, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(s scanner) (*User, error) {
	var (
		u                              User
		username, first, last, display sql.NullString
		chatIDs, firstSeen, lastSeen   string
	)
	if err := s.Scan(&u.TelegramID, &username, &first, &last, &display, &chatIDs, &firstSeen, &lastSeen); err != nil {
		return nil, err
	}
	u.Username = username.String
	u.FirstName = first.String
	u.LastName = last.String
	u.DisplayName = display.String

	if err := json.Unmarshal([]byte(chatIDs), &u.ChatIDs); err != nil {
		return nil, fmt.Errorf("decode chat_ids for user %d: %w", u.TelegramID, err)
	}
	var err error
	if u.FirstSeen, err = db.ParseTime(firstSeen); err != nil {
		return nil, err
	}
	if u.LastSeen, err = db.ParseTime(lastSeen); err != nil {
		return nil, err
	}
	return &u, nil
}
