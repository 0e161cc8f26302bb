package arbiter

import (
	"testing"
	"time"

	"github.com/cheatcode/arbiter/internal/domain"
	"github.com/cheatcode/arbiter/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func agentAt(id string, typ domain.AgentTypeID, assignedDay int) *domain.ProductAgent {
	assigned := day0.Add(time.Duration(assignedDay) * 24 * time.Hour)
	return &domain.ProductAgent{
		ID:             id,
		ContactID:      "c1",
		ProductType:    typ,
		AssignedDate:   assigned,
		ExpirationDate: assigned.Add(60 * 24 * time.Hour),
		Status:         domain.AgentStatusActive,
	}
}

func queueIDs(q []domain.QueueEntry) []string {
	ids := make([]string, 0, len(q))
	for _, e := range q {
		ids = append(ids, e.AgentID)
	}
	return ids
}

func TestSelect_EqualPriorityEarliestAssignmentWins(t *testing.T) {
	now := day0.Add(5 * 24 * time.Hour)
	agents := []*domain.ProductAgent{
		agentAt("b", domain.AgentTypeWebinar, 2),
		agentAt("a", domain.AgentTypeTextbook, 1),
	}

	sel := Select(agents, nil, registry.Default(), nil, now)

	require.NotNil(t, sel.Winner)
	assert.Equal(t, "a", sel.Winner.Agent.ID)
	assert.Equal(t, 3, sel.Winner.Priority)
	assert.Equal(t, []string{"b"}, queueIDs(sel.Queue))
}

func TestSelect_QueueOrderedByPriorityThenAssignment(t *testing.T) {
	now := day0.Add(10 * 24 * time.Hour)
	agents := []*domain.ProductAgent{
		agentAt("nurture", domain.AgentTypeLeadNurture, 0),
		agentAt("webinar", domain.AgentTypeWebinar, 4),
		agentAt("sales", domain.AgentTypeSales, 5),
		agentAt("flash", domain.AgentTypeFlashcards, 2),
		agentAt("cs", domain.AgentTypeCustomerService, 3),
	}

	sel := Select(agents, nil, registry.Default(), nil, now)

	require.NotNil(t, sel.Winner)
	assert.Equal(t, "cs", sel.Winner.Agent.ID)
	assert.Equal(t, []string{"sales", "flash", "webinar", "nurture"}, queueIDs(sel.Queue))
	for _, e := range sel.Queue {
		assert.Equal(t, domain.MessageTypeQueued, e.MessageType)
	}

	// Re-running against the resulting state keeps the same order.
	st := domain.NewConversationState("c1", now)
	applySelection(st, sel)
	again := Select(agents, st, registry.Default(), nil, now)
	assert.Equal(t, sel.Queue, again.Queue)
}

func TestSelect_HelpModeBeatsReconfiguredPriority(t *testing.T) {
	reg, err := registry.New([]domain.AgentType{
		{ID: domain.AgentTypeCustomerService, BasePriority: 10, ExpirationDays: registry.IndefiniteDays},
		{ID: domain.AgentTypeSales, BasePriority: 15, ExpirationDays: 60},
	})
	require.NoError(t, err)

	now := day0.Add(24 * time.Hour)
	agents := []*domain.ProductAgent{
		agentAt("sales", domain.AgentTypeSales, 0),
		agentAt("cs", domain.AgentTypeCustomerService, 0),
	}

	st := domain.NewConversationState("c1", now)
	sel := Select(agents, st, reg, nil, now)
	assert.Equal(t, "sales", sel.Winner.Agent.ID)

	until := now.Add(time.Hour)
	st.HelpModeUntil = &until
	sel = Select(agents, st, reg, nil, now)
	require.NotNil(t, sel.Winner)
	assert.Equal(t, "cs", sel.Winner.Agent.ID)
	assert.Equal(t, 16, sel.Winner.Priority)

	// Window boundary is exclusive.
	sel = Select(agents, st, reg, nil, until)
	assert.Equal(t, "sales", sel.Winner.Agent.ID)
}

func TestSelect_ExcludesIneligible(t *testing.T) {
	now := day0.Add(61 * 24 * time.Hour)
	expired := agentAt("expired-but-active", domain.AgentTypeSales, 0)
	paused := agentAt("paused", domain.AgentTypeWebinar, 30)
	paused.Status = domain.AgentStatusPaused
	live := agentAt("live", domain.AgentTypeLeadNurture, 30)

	sel := Select([]*domain.ProductAgent{expired, paused, live}, nil, registry.Default(), nil, now)

	require.NotNil(t, sel.Winner)
	assert.Equal(t, "live", sel.Winner.Agent.ID)
	assert.Empty(t, sel.Queue)
}

func TestSelect_NoEligibleAgents(t *testing.T) {
	sel := Select(nil, nil, registry.Default(), nil, day0)
	assert.Nil(t, sel.Winner)
	assert.NotNil(t, sel.Queue)
	assert.Empty(t, sel.Queue)
}

func TestSelect_QueueMessageTypes(t *testing.T) {
	now := day0.Add(10 * 24 * time.Hour)
	agents := []*domain.ProductAgent{
		agentAt("sales", domain.AgentTypeSales, 0),
		agentAt("webinar", domain.AgentTypeWebinar, 1),
		agentAt("textbook", domain.AgentTypeTextbook, 2),
		agentAt("nurture", domain.AgentTypeLeadNurture, 3),
	}
	st := domain.NewConversationState("c1", now)
	st.AgentQueue = []domain.QueueEntry{{AgentID: "webinar", MessageType: domain.MessageTypeIntroduction}}

	sel := Select(agents, st, registry.Default(), map[string]string{"nurture": domain.MessageTypeIntroduction}, now)

	assert.Equal(t, []domain.QueueEntry{
		{AgentID: "webinar", MessageType: domain.MessageTypeIntroduction},
		{AgentID: "textbook", MessageType: domain.MessageTypeQueued},
		{AgentID: "nurture", MessageType: domain.MessageTypeIntroduction},
	}, sel.Queue)
}

func TestActivationMessageType(t *testing.T) {
	st := domain.NewConversationState("c1", day0)
	st.AgentQueue = []domain.QueueEntry{{AgentID: "q", MessageType: domain.MessageTypeQueued}}

	assert.Equal(t, domain.MessageTypeQueued, activationMessageType(st, nil, "q"))
	assert.Equal(t, "custom", activationMessageType(st, map[string]string{"n": "custom"}, "n"))
	assert.Equal(t, domain.MessageTypeIntroduction, activationMessageType(st, nil, "fresh"))
}
