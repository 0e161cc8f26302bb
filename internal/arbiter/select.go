package arbiter

import (
	"sort"
	"time"

	"github.com/cheatcode/arbiter/internal/domain"
	"github.com/cheatcode/arbiter/internal/registry"
)

// Ranked is an eligible agent with its effective priority.
type Ranked struct {
	Agent    *domain.ProductAgent
	Priority int
}

// Selection is the outcome of arbitration for one contact.
type Selection struct {
	// Winner is nil when no agent is eligible.
	Winner *Ranked
	Queue  []domain.QueueEntry
}

// EffectivePriority returns the priority an agent competes with. While help
// mode is open customer_service is lifted above every other type.
func EffectivePriority(a *domain.ProductAgent, reg *registry.Registry, helpMode bool) int {
	if helpMode && a.ProductType == domain.AgentTypeCustomerService {
		return reg.HelpModePriority()
	}
	return reg.BasePriority(a.ProductType)
}

// Rank filters agents down to the eligible ones and orders them by
// descending priority, then earliest assignment, then id.
func Rank(agents []*domain.ProductAgent, reg *registry.Registry, helpMode bool, now time.Time) []Ranked {
	ranked := make([]Ranked, 0, len(agents))
	for _, a := range agents {
		if !a.IsEligible(now) {
			continue
		}
		ranked = append(ranked, Ranked{Agent: a, Priority: EffectivePriority(a, reg, helpMode)})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return rankedBefore(ranked[i], ranked[j])
	})
	return ranked
}

func rankedBefore(a, b Ranked) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.Agent.AssignedDate.Equal(b.Agent.AssignedDate) {
		return a.Agent.AssignedDate.Before(b.Agent.AssignedDate)
	}
	return a.Agent.ID < b.Agent.ID
}

// Select picks the active agent and builds the queue from everything else
// that is eligible. Queue entries keep the message type they already carried
// in state, fall back to requested, and otherwise read "queued". state may be
// nil for a contact that was never arbitrated.
func Select(agents []*domain.ProductAgent, state *domain.ConversationState, reg *registry.Registry, requested map[string]string, now time.Time) Selection {
	helpMode := state != nil && state.InHelpMode(now)
	ranked := Rank(agents, reg, helpMode, now)
	if len(ranked) == 0 {
		return Selection{Queue: []domain.QueueEntry{}}
	}

	winner := ranked[0]
	queue := make([]domain.QueueEntry, 0, len(ranked)-1)
	for _, r := range ranked[1:] {
		queue = append(queue, domain.QueueEntry{
			AgentID:     r.Agent.ID,
			MessageType: queuedMessageType(state, requested, r.Agent.ID),
		})
	}
	return Selection{Winner: &winner, Queue: queue}
}

func queuedMessageType(state *domain.ConversationState, requested map[string]string, agentID string) string {
	if state != nil {
		if mt, ok := state.QueuedMessageType(agentID); ok && mt != "" {
			return mt
		}
	}
	if mt, ok := requested[agentID]; ok && mt != "" {
		return mt
	}
	return domain.MessageTypeQueued
}

// activationMessageType is the message type sent when agentID takes over.
// An agent coming off the queue keeps its queued type; an agent that was
// never queued introduces itself.
func activationMessageType(prior *domain.ConversationState, requested map[string]string, agentID string) string {
	if prior != nil {
		if mt, ok := prior.QueuedMessageType(agentID); ok && mt != "" {
			return mt
		}
	}
	if mt, ok := requested[agentID]; ok && mt != "" {
		return mt
	}
	return domain.MessageTypeIntroduction
}
