package arbiter

import (
	"context"
	"errors"
	"fmt"

	"github.com/cheatcode/arbiter/internal/domain"
	"github.com/cheatcode/arbiter/internal/store"
)

// StatusResult is returned by UpdateAgentStatus.
type StatusResult struct {
	Agent   *domain.ProductAgent
	Outcome *Outcome
}

// UpdateAgentStatus applies a lifecycle transition coming from a business
// event and re-runs arbitration for the owning contact.
func (e *Engine) UpdateAgentStatus(ctx context.Context, agentID string, status domain.AgentStatus) (*StatusResult, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: status %q", ErrInvalidInput, status)
	}
	if err := e.ready(); err != nil {
		return nil, err
	}

	agent, err := e.repo.GetProductAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", agentID, err)
	}

	release, err := e.locks.Acquire(ctx, agent.ContactID)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := e.repo.UpdateProductAgentStatus(ctx, agentID, status, e.now()); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAgent, agent.ProductType)
		}
		return nil, err
	}
	e.logger.Info("Agent status updated", "contact_id", agent.ContactID, "agent_id", agentID, "from", agent.Status, "to", status)

	agent, err = e.repo.GetProductAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	out, err := e.recalculateLocked(ctx, agent.ContactID, ReasonStatusChange, nil)
	if err != nil {
		return nil, err
	}
	return &StatusResult{Agent: agent, Outcome: out}, nil
}

// RecordReply marks an inbound reply from the contact.
func (e *Engine) RecordReply(ctx context.Context, contactID string) (*domain.ConversationState, error) {
	if _, err := e.repo.GetContact(ctx, contactID); err != nil {
		return nil, fmt.Errorf("get contact %s: %w", contactID, err)
	}
	if err := e.repo.RecordReply(ctx, contactID, e.now()); err != nil {
		return nil, err
	}
	return e.repo.GetConversationState(ctx, contactID)
}

// ConversationState returns the stored state of a contact.
func (e *Engine) ConversationState(ctx context.Context, contactID string) (*domain.ConversationState, error) {
	if _, err := e.repo.GetContact(ctx, contactID); err != nil {
		return nil, fmt.Errorf("get contact %s: %w", contactID, err)
	}
	return e.repo.GetConversationState(ctx, contactID)
}

// ListAgents returns every agent of a contact in assignment order.
func (e *Engine) ListAgents(ctx context.Context, contactID string) ([]*domain.ProductAgent, error) {
	if _, err := e.repo.GetContact(ctx, contactID); err != nil {
		return nil, fmt.Errorf("get contact %s: %w", contactID, err)
	}
	return e.repo.ListProductAgents(ctx, contactID)
}

// UpsertContact stores a contact synced from the CRM.
func (e *Engine) UpsertContact(ctx context.Context, c *domain.Contact) (*domain.Contact, error) {
	if c.ContactID == "" {
		return nil, fmt.Errorf("%w: contact_id is required", ErrInvalidInput)
	}
	now := e.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if err := e.repo.UpsertContact(ctx, c); err != nil {
		return nil, err
	}
	return e.repo.GetContact(ctx, c.ContactID)
}
