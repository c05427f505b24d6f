// Package bus connects taskbot to the chat gateway over a message bus.
// Inbound: user observations. Outbound: reminder and overdue notifications.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/marcus/taskbot/internal/logging"
	"github.com/marcus/taskbot/internal/reminders"
	"github.com/marcus/taskbot/internal/tasks"
	"github.com/marcus/taskbot/internal/users"
)

// Subject suffixes under the configured prefix.
const (
	SubjectObserve   = "observe"
	SubjectReminders = "reminders"
	SubjectOverdue   = "overdue"
)

var (
	// ErrClosed is returned when using a closed transport.
	ErrClosed = errors.New("bus: closed")
	// ErrInvalidSubject is returned for empty or malformed subjects.
	ErrInvalidSubject = errors.New("bus: invalid subject")
)

// ValidateSubject rejects empty subjects and empty tokens.
func ValidateSubject(subject string) error {
	if subject == "" {
		return ErrInvalidSubject
	}
	for _, tok := range strings.Split(subject, ".") {
		if tok == "" || strings.ContainsAny(tok, " \t\r\n") {
			return ErrInvalidSubject
		}
	}
	return nil
}

// Message is one delivery.
type Message struct {
	Subject string
	Data    []byte
}

// Transport is a subject-based pub/sub connection.
type Transport interface {
	Publish(subject string, data []byte) error
	// Subscribe calls fn for each message on subject until the returned
	// function is called.
	Subscribe(subject string, fn func(Message)) (unsubscribe func() error, err error)
	Close() error
}

// Observer records user sightings.
type Observer interface {
	Upsert(ctx context.Context, obs users.Observation) (*users.User, error)
}

// OverdueEvent is published when a task first becomes overdue.
type OverdueEvent struct {
	TaskID           int64      `json:"task_id"`
	ChatID           int64      `json:"chat_id"`
	Description      string     `json:"description"`
	AssigneeID       int64      `json:"assignee_id,omitempty"`
	AssigneeUsername string     `json:"assignee_username,omitempty"`
	Deadline         *time.Time `json:"deadline,omitempty"`
}

// Bus publishes notifications and serves inbound events. It implements the
// lifecycle notifier.
type Bus struct {
	transport Transport
	prefix    string
}

// New wraps transport. An empty prefix defaults to "taskbot".
func New(transport Transport, prefix string) *Bus {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = "taskbot"
	}
	return &Bus{transport: transport, prefix: prefix}
}

// Subject returns the full subject for suffix.
func (b *Bus) Subject(suffix string) string {
	return b.prefix + "." + suffix
}

// Remind publishes a reminder notice.
func (b *Bus) Remind(_ context.Context, n reminders.Notice) error {
	return b.publish(SubjectReminders, n)
}

// Overdue publishes an overdue notification for t.
func (b *Bus) Overdue(_ context.Context, t tasks.Task) error {
	return b.publish(SubjectOverdue, OverdueEvent{
		TaskID:           t.ID,
		ChatID:           t.ChatID,
		Description:      t.Label(),
		AssigneeID:       t.AssigneeID,
		AssigneeUsername: t.AssigneeUsername,
		Deadline:         t.Deadline,
	})
}

func (b *Bus) publish(suffix string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", suffix, err)
	}
	if err := b.transport.Publish(b.Subject(suffix), data); err != nil {
		return fmt.Errorf("publish %s: %w", suffix, err)
	}
	return nil
}

// ServeObservations feeds observation events into obs until ctx is done.
// Malformed or rejected events are logged and skipped.
func (b *Bus) ServeObservations(ctx context.Context, obs Observer) error {
	log := logging.Component("bus")
	subject := b.Subject(SubjectObserve)

	unsubscribe, err := b.transport.Subscribe(subject, func(m Message) {
		var o users.Observation
		if err := json.Unmarshal(m.Data, &o); err != nil {
			log.WarnCtx("malformed observation", logging.Fields{"error": err.Error()})
			return
		}
		if _, err := obs.Upsert(ctx, o); err != nil {
			log.Err(err).Int64("telegram_id", o.TelegramID).Msg("record observation")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	log.InfoCtx("serving observations", logging.Fields{"subject": subject})

	<-ctx.Done()
	return unsubscribe()
}

// Close closes the transport.
func (b *Bus) Close() error {
	return b.transport.Close()
}

// Memory is an in-process Transport. Delivery is synchronous.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string]map[int]func(Message)
	nextID int
	closed bool
}

// NewMemory creates an empty in-process transport.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[int]func(Message))}
}

// Publish delivers data to current subscribers of subject.
func (m *Memory) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	fns := make([]func(Message), 0, len(m.subs[subject]))
	for _, fn := range m.subs[subject] {
		fns = append(fns, fn)
	}
	m.mu.RUnlock()

	msg := Message{Subject: subject, Data: append([]byte(nil), data...)}
	for _, fn := range fns {
		fn(msg)
	}
	return nil
}

// Subscribe registers fn for subject.
func (m *Memory) Subscribe(subject string, fn func(Message)) (func() error, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.subs[subject] == nil {
		m.subs[subject] = make(map[int]func(Message))
	}
	id := m.nextID
	m.nextID++
	m.subs[subject][id] = fn

	return func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs[subject], id)
		return nil
	}, nil
}

// Close drops all subscriptions.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.subs = make(map[string]map[int]func(Message))
	return nil
}
