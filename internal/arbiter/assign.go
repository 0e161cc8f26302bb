package arbiter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cheatcode/arbiter/internal/domain"
	"github.com/cheatcode/arbiter/internal/events"
	"github.com/cheatcode/arbiter/internal/registry"
	"github.com/cheatcode/arbiter/internal/store"
	"github.com/google/uuid"
)

// AssignRequest describes a new product agent.
type AssignRequest struct {
	ContactID    string
	ProductType  domain.AgentTypeID
	ProductID    *string
	AgentContext map[string]any
	// DaysActive overrides the registry expiration policy when positive.
	DaysActive int
}

// AssignResult is returned by AssignAgent.
type AssignResult struct {
	Agent   *domain.ProductAgent
	Outcome *Outcome
}

// AssignAgent creates a product agent and runs arbitration before any
// message goes out. The new agent only speaks now if it wins; otherwise it
// waits in the queue with an introduction pending.
func (e *Engine) AssignAgent(ctx context.Context, req AssignRequest) (*AssignResult, error) {
	req.ContactID = strings.TrimSpace(req.ContactID)
	if req.ContactID == "" {
		return nil, fmt.Errorf("%w: contact_id is required", ErrInvalidInput)
	}
	if req.DaysActive < 0 {
		return nil, fmt.Errorf("%w: days_active must be positive", ErrInvalidInput)
	}
	if req.DaysActive > registry.IndefiniteDays {
		return nil, fmt.Errorf("%w: days_active must be at most %d", ErrInvalidInput, registry.IndefiniteDays)
	}
	typ, ok := e.registry.Lookup(req.ProductType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgentType, req.ProductType)
	}
	days := req.DaysActive
	if days == 0 {
		days = typ.ExpirationDays
	}

	if err := e.ready(); err != nil {
		return nil, err
	}
	if _, err := e.repo.GetContact(ctx, req.ContactID); err != nil {
		return nil, fmt.Errorf("get contact %s: %w", req.ContactID, err)
	}

	release, err := e.locks.Acquire(ctx, req.ContactID)
	if err != nil {
		return nil, err
	}
	defer release()

	now := e.now()
	if err := e.retireStaleDuplicates(ctx, req.ContactID, req.ProductType, now); err != nil {
		return nil, err
	}

	agentContext := req.AgentContext
	if agentContext == nil {
		agentContext = map[string]any{}
	}
	agent := &domain.ProductAgent{
		ID:             uuid.NewString(),
		ContactID:      req.ContactID,
		ProductType:    req.ProductType,
		ProductID:      req.ProductID,
		AgentContext:   agentContext,
		AssignedDate:   now,
		ExpirationDate: now.AddDate(0, 0, days),
		Status:         domain.AgentStatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.repo.CreateProductAgent(ctx, agent); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAgent, req.ProductType)
		}
		return nil, err
	}

	e.logger.Info("Agent assigned",
		"contact_id", agent.ContactID,
		"agent_id", agent.ID,
		"product_type", agent.ProductType,
		"expiration_date", agent.ExpirationDate,
	)
	if e.metrics != nil {
		e.metrics.Assignments.WithLabelValues(string(agent.ProductType)).Inc()
	}
	ev := events.New(events.TypeAgentAssigned, agent.ContactID, now)
	ev.AgentID = agent.ID
	ev.AgentType = string(agent.ProductType)
	e.publish(ctx, ev)

	out, err := e.recalculateLocked(ctx, agent.ContactID, ReasonAssignment, map[string]string{
		agent.ID: domain.MessageTypeIntroduction,
	})
	if err != nil {
		return nil, err
	}
	return &AssignResult{Agent: agent, Outcome: out}, nil
}

// retireStaleDuplicates marks same-type agents whose expiration passed while
// their status still read active as expired, so the replacement can be
// inserted. An eligible duplicate is rejected.
func (e *Engine) retireStaleDuplicates(ctx context.Context, contactID string, typ domain.AgentTypeID, now time.Time) error {
	agents, err := e.repo.ListProductAgents(ctx, contactID)
	if err != nil {
		return err
	}
	for _, a := range agents {
		if a.ProductType != typ || a.Status != domain.AgentStatusActive {
			continue
		}
		if a.IsEligible(now) {
			return fmt.Errorf("%w: %s (agent %s)", ErrDuplicateAgent, typ, a.ID)
		}
		if err := e.repo.UpdateProductAgentStatus(ctx, a.ID, domain.AgentStatusExpired, now); err != nil {
			return err
		}
		e.logger.Info("Expired agent retired before reassignment", "contact_id", contactID, "agent_id", a.ID, "product_type", typ)
	}
	return nil
}
