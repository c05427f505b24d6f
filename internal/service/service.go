// Package service wires the stores, resolver, lifecycle engine and reminder
// scheduler into request-level operations shared by the CLI and the daemon.
package service

import (
	"context"
	"strings"
	"time"

	"github.com/marcus/taskbot/internal/config"
	"github.com/marcus/taskbot/internal/db"
	"github.com/marcus/taskbot/internal/errs"
	"github.com/marcus/taskbot/internal/keylock"
	"github.com/marcus/taskbot/internal/lifecycle"
	"github.com/marcus/taskbot/internal/logging"
	"github.com/marcus/taskbot/internal/reminders"
	"github.com/marcus/taskbot/internal/reports"
	"github.com/marcus/taskbot/internal/resolve"
	"github.com/marcus/taskbot/internal/tasks"
	"github.com/marcus/taskbot/internal/timer"
	"github.com/marcus/taskbot/internal/users"
)

// Options configures a Service. Zero values take defaults.
type Options struct {
	Location    *time.Location
	Resolver    resolve.Config
	Notifier    lifecycle.Notifier
	Clock       func() time.Time
	Concurrency int
}

// OptionsFromConfig derives Options from loaded configuration.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	loc, err := cfg.Location()
	if err != nil {
		return Options{}, err
	}
	return Options{
		Location: loc,
		Resolver: resolve.Config{Threshold: cfg.Threshold(), MaxSuggestions: cfg.Suggestions()},
	}, nil
}

// Service holds every component over one database. All task writers share
// a single per-task lock table.
type Service struct {
	DB        *db.DB
	Users     *users.Registry
	Tasks     *tasks.Store
	Timers    *timer.Store
	Reminders *reminders.Scheduler
	Engine    *lifecycle.Engine
	Resolver  *resolve.Resolver
	Reports   *reports.Reports

	loc *time.Location
	now func() time.Time
}

// New builds a Service over database.
func New(database *db.DB, opts Options) *Service {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	locks := keylock.New()

	s := &Service{
		DB:     database,
		Users:  users.New(database, users.WithClock(opts.Clock)),
		Tasks:  tasks.NewStore(database, tasks.WithClock(opts.Clock)),
		Timers: timer.NewStore(database, timer.WithClock(opts.Clock)),
		loc:    opts.Location,
		now:    opts.Clock,
	}
	s.Reminders = reminders.New(s.Timers, s.Tasks,
		reminders.WithClock(opts.Clock),
		reminders.WithLocker(locks),
		reminders.WithConcurrency(opts.Concurrency),
	)
	engineOpts := []lifecycle.Option{
		lifecycle.WithClock(opts.Clock),
		lifecycle.WithLocker(locks),
		lifecycle.WithConcurrency(opts.Concurrency),
	}
	if opts.Notifier != nil {
		engineOpts = append(engineOpts, lifecycle.WithNotifier(opts.Notifier))
	}
	s.Engine = lifecycle.New(s.Tasks, s.Reminders, engineOpts...)
	s.Resolver = resolve.New(s.Users, opts.Resolver)
	s.Reports = reports.New(database, reports.WithClock(opts.Clock), reports.WithLocation(opts.Location))
	return s
}

// Location is the timezone used for date-only input and day boundaries.
func (s *Service) Location() *time.Location {
	return s.loc
}

// Dispatcher returns a timer dispatcher that delivers reminders through
// the engine.
func (s *Service) Dispatcher(poll time.Duration) *timer.Dispatcher {
	return timer.NewDispatcher(s.Timers, s.Engine.HandleReminder, poll)
}

// Observe records a user sighting.
func (s *Service) Observe(ctx context.Context, obs users.Observation) (*users.User, error) {
	return s.Users.Upsert(ctx, obs)
}

// CreateRequest is a pre-parsed task creation message.
type CreateRequest struct {
	ChatID          int64
	CreatorID       int64
	CreatorUsername string
	Description     string
	Title           string
	// Mention is the assignee text as written; empty assigns by reply
	// target or to the creator.
	Mention       string
	ReplyToUserID int64
	Deadline      *time.Time
	Priority      string
	Tags          []string
}

// CreateResult carries the created task, or no task when the assignee
// could not be pinned down.
type CreateResult struct {
	Task       *tasks.Task    `json:"task,omitempty"`
	Resolution resolve.Result `json:"resolution"`
}

// Created reports whether a task was stored.
func (r *CreateResult) Created() bool {
	return r.Task != nil
}

// CreateTask resolves the assignee and, on an exact match, creates the task
// and arms its reminders. Suggestions or not-found come back without a task
// so the caller can ask the user to pick.
func (s *Service) CreateTask(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if strings.TrimSpace(req.Description) == "" {
		return nil, errs.Validation("description is required")
	}
	prio, err := tasks.ParsePriority(req.Priority)
	if err != nil {
		return nil, err
	}

	res, err := s.Resolver.Resolve(ctx, resolve.Request{
		Mention:       req.Mention,
		ChatID:        req.ChatID,
		ReplyToUserID: req.ReplyToUserID,
		AuthorID:      req.CreatorID,
	})
	if err != nil {
		return nil, err
	}
	out := &CreateResult{Resolution: res}
	if res.Kind != resolve.Exact {
		logging.Component("service").DebugCtx("assignee unresolved", logging.Fields{
			"chat_id": req.ChatID,
			"kind":    res.Kind.String(),
			"query":   res.Query,
		})
		return out, nil
	}

	t := &tasks.Task{
		ChatID:           req.ChatID,
		Description:      req.Description,
		Title:            req.Title,
		CreatorID:        req.CreatorID,
		CreatorUsername:  req.CreatorUsername,
		AssigneeID:       res.User.TelegramID,
		AssigneeUsername: res.User.Username,
		Deadline:         req.Deadline,
		Priority:         prio,
		Tags:             req.Tags,
	}
	if out.Task, err = s.Engine.Create(ctx, t); err != nil {
		return nil, err
	}
	return out, nil
}

// ReassignRequest names a new assignee for an existing task.
type ReassignRequest struct {
	TaskID        int64
	Mention       string
	ReplyToUserID int64
	AuthorID      int64
}

// Reassign resolves a new assignee in the task's chat and applies it when
// the match is exact.
func (s *Service) Reassign(ctx context.Context, req ReassignRequest) (*CreateResult, error) {
	t, err := s.Engine.Get(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	res, err := s.Resolver.Resolve(ctx, resolve.Request{
		Mention:       req.Mention,
		ChatID:        t.ChatID,
		ReplyToUserID: req.ReplyToUserID,
		AuthorID:      req.AuthorID,
	})
	if err != nil {
		return nil, err
	}
	out := &CreateResult{Resolution: res}
	if res.Kind != resolve.Exact {
		return out, nil
	}
	out.Task, err = s.Engine.Edit(ctx, req.TaskID, lifecycle.Patch{
		Assignee: &lifecycle.Assignee{ID: res.User.TelegramID, Username: res.User.Username},
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ParseDeadline interprets input in the service's timezone at the service's
// clock. See ParseDeadline.
func (s *Service) ParseDeadline(input string) (*time.Time, error) {
	return ParseDeadline(input, s.loc, s.now())
}
