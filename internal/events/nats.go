package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NatsPublisher publishes events on core NATS subjects of the form
// <prefix>.<event type>.
type NatsPublisher struct {
	conn   *nats.Conn
	prefix string
}

// NatsConfig holds NATS connection settings.
type NatsConfig struct {
	URL           string
	SubjectPrefix string
	Timeout       time.Duration
}

// NewNatsPublisher connects to NATS.
func NewNatsPublisher(cfg NatsConfig, logger *slog.Logger) (*NatsPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "arbiter.events"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("arbiter"),
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	logger.Info("Connected to NATS", "url", cfg.URL, "subject_prefix", cfg.SubjectPrefix)
	return &NatsPublisher{conn: nc, prefix: cfg.SubjectPrefix}, nil
}

// Subject returns the subject an event of type typ is published on.
func (p *NatsPublisher) Subject(typ string) string {
	return p.prefix + "." + typ
}

// Publish implements Publisher.
func (p *NatsPublisher) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.conn.Publish(p.Subject(ev.Type), data); err != nil {
		return fmt.Errorf("publish event to NATS: %w", err)
	}
	return nil
}

// Close drains the connection.
func (p *NatsPublisher) Close() error {
	return p.conn.Drain()
}
