package arbiter

import (
	"context"
	"errors"
	"time"

	"github.com/cheatcode/arbiter/internal/domain"
	"github.com/cheatcode/arbiter/internal/events"
	"github.com/cheatcode/arbiter/internal/store"
)

// Promotion reports what PromoteQueueHead did for one contact.
type Promotion struct {
	// Stale is true when the active agent had gone silent or was dangling.
	Stale bool
	// Agent is the promoted agent, nil when nothing was promoted.
	Agent       *domain.ProductAgent
	MessageType string
	// Dropped counts queue entries discarded because their agent was gone
	// or no longer eligible.
	Dropped       int
	DispatchError error
}

// Promoted reports whether a queued agent became active.
func (p *Promotion) Promoted() bool { return p != nil && p.Agent != nil }

// PromoteQueueHead replaces a stale active agent with the head of the queue.
// The active agent is stale when nothing was sent for staleAfter, nothing was
// ever sent, or it no longer refers to an eligible agent. Contacts with an
// empty queue are left untouched. The dispatch call is bounded by the
// engine's dispatch timeout and never retried here.
func (e *Engine) PromoteQueueHead(ctx context.Context, contactID string, staleAfter time.Duration) (*Promotion, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	release, err := e.locks.Acquire(ctx, contactID)
	if err != nil {
		return nil, err
	}
	defer release()

	now := e.now()
	var (
		res      *Promotion
		entry    domain.QueueEntry
		priority int
		cleared  string
	)
	_, err = e.mutateState(ctx, "promote", contactID, func(st *domain.ConversationState) (bool, error) {
		res = &Promotion{}
		cleared = ""
		if len(st.AgentQueue) == 0 {
			return false, nil
		}

		activeValid, err := e.activeAgentValid(ctx, st, now)
		if err != nil {
			return false, err
		}
		silent, sent := st.SilentFor(now)
		res.Stale = !activeValid || !sent || silent >= staleAfter
		if !res.Stale {
			return false, nil
		}

		queue := st.AgentQueue
		for len(queue) > 0 {
			head := queue[0]
			queue = queue[1:]
			agent, err := e.repo.GetProductAgent(ctx, head.AgentID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return false, err
			}
			if agent == nil || agent.ContactID != contactID || !agent.IsEligible(now) {
				res.Dropped++
				continue
			}
			res.Agent = agent
			entry = head
			break
		}
		st.AgentQueue = append([]domain.QueueEntry{}, queue...)

		if res.Agent != nil {
			id := res.Agent.ID
			priority = EffectivePriority(res.Agent, e.registry, st.InHelpMode(now))
			st.ActiveAgentID = &id
			st.AgentPriority = &priority
			res.MessageType = entry.MessageType
			if res.MessageType == "" {
				res.MessageType = domain.MessageTypeQueued
			}
		} else if !activeValid && st.ActiveAgentID != nil {
			cleared = *st.ActiveAgentID
			st.ActiveAgentID = nil
			st.AgentPriority = nil
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	if cleared != "" {
		ev := events.New(events.TypeAgentCleared, contactID, now)
		ev.AgentID = cleared
		e.publish(ctx, ev)
	}
	if !res.Promoted() {
		return res, nil
	}

	agent := res.Agent
	e.logger.Info("Queued agent promoted",
		"contact_id", contactID,
		"agent_id", agent.ID,
		"product_type", agent.ProductType,
		"message_type", res.MessageType,
		"dropped", res.Dropped,
	)
	ev := events.New(events.TypeAgentDequeued, contactID, now)
	ev.AgentID = agent.ID
	ev.AgentType = string(agent.ProductType)
	ev.Priority = &priority
	ev.MessageType = res.MessageType
	e.publish(ctx, ev)

	res.DispatchError = e.dispatch(ctx, ReasonQueuePromotion, agent, res.MessageType, map[string]any{
		"reason":       ReasonQueuePromotion,
		"dequeued":     true,
		"priority":     priority,
		"product_type": string(agent.ProductType),
	})
	return res, nil
}

// activeAgentValid reports whether the state's active agent exists, belongs
// to the contact and is still eligible.
func (e *Engine) activeAgentValid(ctx context.Context, st *domain.ConversationState, now time.Time) (bool, error) {
	if st.ActiveAgentID == nil {
		return false, nil
	}
	agent, err := e.repo.GetProductAgent(ctx, *st.ActiveAgentID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return agent.ContactID == st.ContactID && agent.IsEligible(now), nil
}
