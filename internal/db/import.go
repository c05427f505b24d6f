package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/marcus/taskbot/internal/logging"
)

// LegacyPath is where the earlier script-based bot kept its database.
func LegacyPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".openclaw", "workspace", "data", "taskmanager.db")
}

// ImportResult counts rows copied by ImportLegacy.
type ImportResult struct {
	Users int
	Tasks int
}

// legacy time layouts: sqlite datetime('now') and naive ISO timestamps.
var legacyLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// ImportLegacy copies users and tasks from a legacy taskmanager database
// into d. Naive deadlines are read in loc; bookkeeping timestamps are UTC.
// Reminder job ids are not carried over: the reconcile pass re-arms them.
// The import is skipped when d already holds users or tasks.
func (d *DB) ImportLegacy(path string, loc *time.Location) (ImportResult, error) {
	var res ImportResult
	if d == nil || d.sql == nil {
		return res, errors.New("db is nil")
	}
	if loc == nil {
		loc = time.UTC
	}

	info, err := os.Stat(path)
	if err != nil {
		return res, fmt.Errorf("stat legacy db: %w", err)
	}
	if info.IsDir() {
		return res, fmt.Errorf("legacy db path is directory: %s", path)
	}

	hasRows, err := hasDomainRows(d.sql)
	if err != nil {
		return res, err
	}
	if hasRows {
		return res, nil
	}

	src, err := sql.Open("sqlite", path)
	if err != nil {
		return res, fmt.Errorf("open legacy db: %w", err)
	}
	defer func() { _ = src.Close() }()

	tx, err := d.sql.Begin()
	if err != nil {
		return res, fmt.Errorf("begin legacy import: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if res.Users, err = importLegacyUsers(src, tx); err != nil {
		return res, err
	}
	if res.Tasks, err = importLegacyTasks(src, tx, loc); err != nil {
		return res, err
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit legacy import: %w", err)
	}

	logging.Component("db").InfoCtx("imported legacy database", logging.Fields{
		"path":  path,
		"users": res.Users,
		"tasks": res.Tasks,
	})
	return res, nil
}

func importLegacyUsers(src *sql.DB, tx *sql.Tx) (int, error) {
	rows, err := src.Query(`SELECT telegram_id, username, first_name, last_name, display_name,
		chat_ids, first_seen_at, last_seen_at FROM users`)
	if err != nil {
		return 0, fmt.Errorf("read legacy users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stmt, err := tx.Prepare(`INSERT INTO users (telegram_id, username, first_name, last_name, display_name,
		chat_ids, first_seen_at, last_seen_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare users insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	count := 0
	for rows.Next() {
		var (
			id                           int64
			username, first, last, dname sql.NullString
			chatIDs, firstSeen, lastSeen sql.NullString
		)
		if err := rows.Scan(&id, &username, &first, &last, &dname, &chatIDs, &firstSeen, &lastSeen); err != nil {
			return 0, fmt.Errorf("scan legacy user: %w", err)
		}

		var chats []int64
		if chatIDs.Valid && chatIDs.String != "" {
			if err := json.Unmarshal([]byte(chatIDs.String), &chats); err != nil {
				return 0, fmt.Errorf("legacy user %d chat_ids: %w", id, err)
			}
		}
		if chats == nil {
			chats = []int64{}
		}
		chatsJSON, _ := json.Marshal(chats)

		fs := legacyTimeOr(firstSeen, time.UTC, time.Now())
		ls := legacyTimeOr(lastSeen, time.UTC, fs)

		if _, err := stmt.Exec(id, username, first, last, dname, string(chatsJSON), FormatTime(fs), FormatTime(ls)); err != nil {
			return 0, fmt.Errorf("insert user %d: %w", id, err)
		}
		count++
	}
	return count, rows.Err()
}

func importLegacyTasks(src *sql.DB, tx *sql.Tx, loc *time.Location) (int, error) {
	tagsExpr := "'[]'"
	hasTags, err := legacyColumnExists(src, "tasks", "tags")
	if err != nil {
		return 0, err
	}
	if hasTags {
		tagsExpr = "COALESCE(tags, '[]')"
	}

	rows, err := src.Query(`SELECT id, description, title, creator_id, creator_username, assignee_id,
		assignee_username, chat_id, deadline, COALESCE(priority, 'medium'), COALESCE(status, 'todo'),
		` + tagsExpr + `, created_at, updated_at, completed_at FROM tasks ORDER BY id`)
	if err != nil {
		return 0, fmt.Errorf("read legacy tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stmt, err := tx.Prepare(`INSERT INTO tasks (id, chat_id, description, title, creator_id, creator_username,
		assignee_id, assignee_username, deadline, priority, status, cron_job_ids, tags,
		created_at, updated_at, completed_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '[]', ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare tasks insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	count := 0
	for rows.Next() {
		var (
			id, creatorID, chatID              int64
			description, priority, status, tag string
			title, creatorName, assigneeName   sql.NullString
			assigneeID                         sql.NullInt64
			deadline, created, updated, done   sql.NullString
		)
		if err := rows.Scan(&id, &description, &title, &creatorID, &creatorName, &assigneeID,
			&assigneeName, &chatID, &deadline, &priority, &status, &tag, &created, &updated, &done); err != nil {
			return 0, fmt.Errorf("scan legacy task: %w", err)
		}

		var tags []string
		if err := json.Unmarshal([]byte(tag), &tags); err != nil {
			tags = []string{}
		}
		tagsJSON, _ := json.Marshal(tags)

		var dl sql.NullString
		if deadline.Valid && deadline.String != "" {
			t, err := parseLegacyTime(deadline.String, loc)
			if err != nil {
				return 0, fmt.Errorf("legacy task %d deadline: %w", id, err)
			}
			dl = sql.NullString{String: FormatTime(t), Valid: true}
		}

		createdAt := legacyTimeOr(created, time.UTC, time.Now())
		updatedAt := legacyTimeOr(updated, time.UTC, createdAt)

		// completed_at is kept only for done tasks.
		var completedAt sql.NullString
		if status == "done" {
			completedAt = sql.NullString{String: FormatTime(legacyTimeOr(done, time.UTC, updatedAt)), Valid: true}
		}

		if _, err := stmt.Exec(id, chatID, description, title, creatorID, creatorName, assigneeID,
			assigneeName, dl, priority, status, string(tagsJSON),
			FormatTime(createdAt), FormatTime(updatedAt), completedAt); err != nil {
			return 0, fmt.Errorf("insert task %d: %w", id, err)
		}
		count++
	}
	return count, rows.Err()
}

func parseLegacyTime(s string, loc *time.Location) (time.Time, error) {
	for _, layout := range legacyLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	if t, err := time.ParseInLocation("2006-01-02", s, loc); err == nil {
		return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 0, 0, loc), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

func legacyTimeOr(ns sql.NullString, loc *time.Location, fallback time.Time) time.Time {
	if !ns.Valid || ns.String == "" {
		return fallback
	}
	t, err := parseLegacyTime(ns.String, loc)
	if err != nil {
		return fallback
	}
	return t
}

func legacyColumnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(`PRAGMA table_info(` + table + `)`)
	if err != nil {
		return false, fmt.Errorf("table_info(%s): %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			cid, notNull, pk int
			name, colType    string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return false, fmt.Errorf("scan table_info(%s): %w", table, err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

func hasDomainRows(db *sql.DB) (bool, error) {
	for _, table := range []string{"users", "tasks"} {
		var one int
		err := db.QueryRow(fmt.Sprintf("SELECT 1 FROM %s LIMIT 1", table)).Scan(&one)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("check %s rows: %w", table, err)
		}
	}
	return false, nil
}
