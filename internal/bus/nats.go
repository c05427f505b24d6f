package bus

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/marcus/taskbot/internal/logging"
)

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int // -1 = unlimited
	ConnectTimeout time.Duration
}

// DefaultNATSConfig returns reconnect-forever settings against the default
// local server.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            nats.DefaultURL,
		Name:           "taskbot",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
	}
}

// NATS is a Transport over a NATS connection.
type NATS struct {
	conn *nats.Conn
}

// DialNATS connects to cfg.URL.
func DialNATS(cfg NATSConfig) (*NATS, error) {
	def := DefaultNATSConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = def.ReconnectWait
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = def.MaxReconnects
	}

	conn, err := nats.Connect(cfg.URL, natsOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATS{conn: conn}, nil
}

func natsOptions(cfg NATSConfig) []nats.Option {
	log := logging.Component("bus")
	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.InfoCtx("nats reconnected", logging.Fields{"url": c.ConnectedUrl()})
		}),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	return opts
}

// Publish sends data on subject.
func (n *NATS) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if n.conn.IsClosed() {
		return ErrClosed
	}
	if err := n.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

// Subscribe calls fn from the connection's delivery goroutine.
func (n *NATS) Subscribe(subject string, fn func(Message)) (func() error, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if n.conn.IsClosed() {
		return nil, ErrClosed
	}
	sub, err := n.conn.Subscribe(subject, func(m *nats.Msg) {
		fn(Message{Subject: m.Subject, Data: m.Data})
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}
	return sub.Unsubscribe, nil
}

// Close drains pending messages and closes the connection.
func (n *NATS) Close() error {
	if n.conn.IsClosed() {
		return nil
	}
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}
