// Package arbiter decides which product agent may message a contact and owns
// every write to conversation state.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cheatcode/arbiter/internal/dispatch"
	"github.com/cheatcode/arbiter/internal/domain"
	"github.com/cheatcode/arbiter/internal/events"
	"github.com/cheatcode/arbiter/internal/metrics"
	"github.com/cheatcode/arbiter/internal/registry"
	"github.com/cheatcode/arbiter/internal/shared"
	"github.com/cheatcode/arbiter/internal/store"
)

const (
	// DefaultHelpModeWindow is how long help mode keeps customer_service on top.
	DefaultHelpModeWindow = 4 * time.Hour
	// DefaultDispatchTimeout bounds a single message generator call.
	DefaultDispatchTimeout = 30 * time.Second
)

// Reasons attached to dispatch trigger context.
const (
	ReasonRecalculation  = "recalculation"
	ReasonAssignment     = "assignment"
	ReasonHelpMode       = "help_mode"
	ReasonStatusChange   = "status_change"
	ReasonQueuePromotion = "queue_promotion"
)

// Engine runs arbitration for contacts.
type Engine struct {
	repo      store.Repository
	registry  *registry.Registry
	trigger   dispatch.Trigger
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	locks     *ContactLocks

	retry           shared.RetryPolicy
	helpModeWindow  time.Duration
	dispatchTimeout time.Duration
	now             func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithPublisher sets the event sink.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithMetrics sets the metrics instance.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithRetryPolicy sets the compare-and-set retry policy.
func WithRetryPolicy(p shared.RetryPolicy) Option {
	return func(e *Engine) { e.retry = p }
}

// WithHelpModeWindow sets the help mode duration.
func WithHelpModeWindow(d time.Duration) Option {
	return func(e *Engine) { e.helpModeWindow = d }
}

// WithDispatchTimeout sets the per-call dispatch timeout.
func WithDispatchTimeout(d time.Duration) Option {
	return func(e *Engine) { e.dispatchTimeout = d }
}

// New creates an Engine. trigger may be nil, in which case every operation
// that can dispatch fails with dispatch.ErrNotConfigured before writing.
func New(repo store.Repository, reg *registry.Registry, trigger dispatch.Trigger, opts ...Option) *Engine {
	e := &Engine{
		repo:            repo,
		registry:        reg,
		trigger:         trigger,
		publisher:       events.Noop{},
		logger:          slog.Default(),
		locks:           NewContactLocks(),
		retry:           shared.DefaultRetryPolicy(),
		helpModeWindow:  DefaultHelpModeWindow,
		dispatchTimeout: DefaultDispatchTimeout,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = registry.Default()
	}
	return e
}

// Outcome reports what a recalculation did.
type Outcome struct {
	State       *domain.ConversationState
	ActiveAgent *domain.ProductAgent
	// Preempted is true when the active agent changed.
	Preempted  bool
	Dispatched bool
	// DispatchError is set when the new active agent's first message failed.
	// The state change stays committed.
	DispatchError error
}

// Recalculate re-runs arbitration for a contact.
func (e *Engine) Recalculate(ctx context.Context, contactID string) (*Outcome, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if _, err := e.repo.GetContact(ctx, contactID); err != nil {
		return nil, fmt.Errorf("get contact %s: %w", contactID, err)
	}

	release, err := e.locks.Acquire(ctx, contactID)
	if err != nil {
		return nil, err
	}
	defer release()

	return e.recalculateLocked(ctx, contactID, ReasonRecalculation, nil)
}

// recalculateLocked must run under the contact lock. requested maps freshly
// assigned agent ids to the message type they should open with.
func (e *Engine) recalculateLocked(ctx context.Context, contactID, reason string, requested map[string]string) (*Outcome, error) {
	now := e.now()
	if _, err := e.repo.EnsureConversationState(ctx, contactID, now); err != nil {
		return nil, err
	}

	var (
		prior     *domain.ConversationState
		selection Selection
	)
	st, err := e.mutateState(ctx, "recalculate", contactID, func(st *domain.ConversationState) (bool, error) {
		agents, err := e.repo.ListProductAgents(ctx, contactID)
		if err != nil {
			return false, err
		}
		prior = st.Clone()
		selection = Select(agents, st, e.registry, requested, now)
		applySelection(st, selection)
		return !sameArbitration(prior, st), nil
	})
	if err != nil {
		e.countRecalc("error")
		return nil, err
	}

	out := &Outcome{State: st}
	if selection.Winner == nil {
		e.countRecalc("empty")
		if prior.ActiveAgentID != nil {
			e.logger.Info("Active agent cleared", "contact_id", contactID, "previous_agent_id", *prior.ActiveAgentID)
			ev := events.New(events.TypeAgentCleared, contactID, now)
			ev.AgentID = *prior.ActiveAgentID
			e.publish(ctx, ev)
		}
		return out, nil
	}

	winner := selection.Winner
	out.ActiveAgent = winner.Agent
	if prior.IsActive(winner.Agent.ID) {
		e.countRecalc("unchanged")
		return out, nil
	}

	e.countRecalc("preempted")
	if e.metrics != nil {
		e.metrics.Preemptions.Inc()
	}
	out.Preempted = true

	messageType := activationMessageType(prior, requested, winner.Agent.ID)
	e.logger.Info("Active agent changed",
		"contact_id", contactID,
		"agent_id", winner.Agent.ID,
		"product_type", winner.Agent.ProductType,
		"priority", winner.Priority,
		"previous_agent_id", derefString(prior.ActiveAgentID),
		"reason", reason,
	)

	ev := events.New(events.TypeAgentActivated, contactID, now)
	ev.AgentID = winner.Agent.ID
	ev.AgentType = string(winner.Agent.ProductType)
	ev.Priority = &winner.Priority
	ev.MessageType = messageType
	e.publish(ctx, ev)

	triggerContext := map[string]any{
		"reason":            reason,
		"dequeued":          false,
		"priority":          winner.Priority,
		"product_type":      string(winner.Agent.ProductType),
		"previous_agent_id": derefString(prior.ActiveAgentID),
		"help_mode":         st.InHelpMode(now),
	}
	out.DispatchError = e.dispatch(ctx, reason, winner.Agent, messageType, triggerContext)
	out.Dispatched = out.DispatchError == nil

	if fresh, err := e.repo.GetConversationState(ctx, contactID); err == nil {
		out.State = fresh
	}
	return out, nil
}

func applySelection(st *domain.ConversationState, sel Selection) {
	if sel.Winner == nil {
		st.ActiveAgentID = nil
		st.AgentPriority = nil
		st.AgentQueue = []domain.QueueEntry{}
		return
	}
	id := sel.Winner.Agent.ID
	priority := sel.Winner.Priority
	st.ActiveAgentID = &id
	st.AgentPriority = &priority
	st.AgentQueue = sel.Queue
}

func sameArbitration(a, b *domain.ConversationState) bool {
	if derefString(a.ActiveAgentID) != derefString(b.ActiveAgentID) {
		return false
	}
	if (a.AgentPriority == nil) != (b.AgentPriority == nil) {
		return false
	}
	if a.AgentPriority != nil && *a.AgentPriority != *b.AgentPriority {
		return false
	}
	if len(a.AgentQueue) != len(b.AgentQueue) {
		return false
	}
	for i := range a.AgentQueue {
		if a.AgentQueue[i] != b.AgentQueue[i] {
			return false
		}
	}
	return true
}

// mutateState re-reads the state row, lets fn modify it and writes it back
// with compare-and-set, retrying with backoff when a concurrent writer wins.
// fn reports whether anything changed; unchanged state is not written.
func (e *Engine) mutateState(ctx context.Context, op, contactID string, fn func(st *domain.ConversationState) (bool, error)) (*domain.ConversationState, error) {
	var result *domain.ConversationState
	err := shared.Retry(ctx, e.retry, isRetryable, func(attempt int) error {
		st, err := e.repo.GetConversationState(ctx, contactID)
		if err != nil {
			return err
		}
		changed, err := fn(st)
		if err != nil {
			return err
		}
		if changed {
			if err := e.repo.UpdateConversationState(ctx, st); err != nil {
				if errors.Is(err, store.ErrConflict) {
					e.logger.Debug("Conversation state conflict, retrying", "operation", op, "contact_id", contactID, "attempt", attempt)
					if e.metrics != nil {
						e.metrics.CASConflicts.WithLabelValues(op).Inc()
					}
				}
				return err
			}
		}
		result = st
		return nil
	})
	if err != nil {
		if isRetryable(err) {
			return nil, fmt.Errorf("%w: %s %s: %w", ErrRetriesExhausted, op, contactID, err)
		}
		return nil, fmt.Errorf("%s %s: %w", op, contactID, err)
	}
	return result, nil
}

func isRetryable(err error) bool {
	return errors.Is(err, store.ErrConflict) || shared.IsTransientDBError(err)
}

// dispatch asks the generator for the next message of agent and records the
// send on success. Failures are logged and returned, never rolled back.
func (e *Engine) dispatch(ctx context.Context, source string, agent *domain.ProductAgent, messageType string, triggerContext map[string]any) error {
	if len(agent.AgentContext) > 0 {
		triggerContext["agent_context"] = agent.AgentContext
	}
	if agent.ProductID != nil {
		triggerContext["product_id"] = *agent.ProductID
	}

	// A caller hanging up must not abort a send that is already underway.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.dispatchTimeout)
	defer cancel()

	start := time.Now()
	_, err := e.trigger.GenerateAndSendMessage(dctx, dispatch.Request{
		ContactID:      agent.ContactID,
		AgentID:        agent.ID,
		MessageType:    messageType,
		TriggerContext: triggerContext,
	})
	e.metrics.ObserveDispatch(source, time.Since(start).Seconds(), err)
	if err != nil {
		e.logger.Error("Message dispatch failed",
			"contact_id", agent.ContactID,
			"agent_id", agent.ID,
			"message_type", messageType,
			"source", source,
			"error", err,
		)
		return fmt.Errorf("dispatch %s message for agent %s: %w", messageType, agent.ID, err)
	}

	if err := e.repo.RecordMessageSent(dctx, agent.ContactID, e.now()); err != nil {
		e.logger.Error("Failed to record sent message", "contact_id", agent.ContactID, "agent_id", agent.ID, "error", err)
		return fmt.Errorf("record message sent: %w", err)
	}
	return nil
}

func (e *Engine) publish(ctx context.Context, ev events.Event) {
	if err := e.publisher.Publish(ctx, ev); err != nil {
		e.logger.Warn("Event publish failed", "event_type", ev.Type, "contact_id", ev.ContactID, "error", err)
	}
}

func (e *Engine) countRecalc(outcome string) {
	if e.metrics != nil {
		e.metrics.Recalculations.WithLabelValues(outcome).Inc()
	}
}

func (e *Engine) ready() error {
	if e.trigger == nil {
		return dispatch.ErrNotConfigured
	}
	return nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
