// Package events publishes conversation-state transitions to external sinks.
package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cheatcode/arbiter/internal/metrics"
	"github.com/google/uuid"
)

// Event types.
const (
	TypeAgentAssigned     = "agent_assigned"
	TypeAgentActivated    = "agent_activated"
	TypeAgentDequeued     = "agent_dequeued"
	TypeAgentCleared      = "agent_cleared"
	TypeHelpModeActivated = "help_mode_activated"
)

// Event describes one state transition of a contact's conversation.
type Event struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	ContactID   string     `json:"contact_id"`
	AgentID     string     `json:"agent_id,omitempty"`
	AgentType   string     `json:"agent_type,omitempty"`
	Priority    *int       `json:"priority,omitempty"`
	MessageType string     `json:"message_type,omitempty"`
	Until       *time.Time `json:"until,omitempty"`
	OccurredAt  time.Time  `json:"occurred_at"`
}

// New returns an event with a fresh id.
func New(typ, contactID string, at time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		ContactID:  contactID,
		OccurredAt: at.UTC(),
	}
}

// Publisher delivers events to a sink.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Noop discards every event.
type Noop struct{}

// Publish implements Publisher.
func (Noop) Publish(context.Context, Event) error { return nil }

type namedPublisher struct {
	name string
	pub  Publisher
}

// Multi fans an event out to every registered sink. A failing sink is
// logged and does not stop delivery to the others.
type Multi struct {
	sinks   []namedPublisher
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewMulti creates an empty fan-out publisher.
func NewMulti(m *metrics.Metrics, logger *slog.Logger) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multi{metrics: m, logger: logger}
}

// Add registers a named sink.
func (m *Multi) Add(name string, p Publisher) {
	m.sinks = append(m.sinks, namedPublisher{name: name, pub: p})
}

// Len returns the number of sinks.
func (m *Multi) Len() int { return len(m.sinks) }

// Publish implements Publisher. The joined error of all failing sinks is returned.
func (m *Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m.sinks {
		err := s.pub.Publish(ctx, ev)
		result := "success"
		if err != nil {
			result = "failure"
			errs = append(errs, err)
			m.logger.Warn("Failed to publish event", "sink", s.name, "event_type", ev.Type, "contact_id", ev.ContactID, "error", err)
		}
		if m.metrics != nil {
			m.metrics.EventsPublished.WithLabelValues(s.name, result).Inc()
		}
	}
	return errors.Join(errs...)
}
