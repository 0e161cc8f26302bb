package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cheatcode/arbiter/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "arbiter.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedContact(t *testing.T, s *SQLiteStore, id string) {
	t.Helper()
	now := time.Now()
	require.NoError(t, s.UpsertContact(context.Background(), &domain.Contact{
		ContactID: id, Name: "Test " + id, CreatedAt: now, UpdatedAt: now,
	}))
}

func newAgent(id, contactID string, typ domain.AgentTypeID, assigned time.Time) *domain.ProductAgent {
	return &domain.ProductAgent{
		ID:             id,
		ContactID:      contactID,
		ProductType:    typ,
		AgentContext:   map[string]any{"goal": "convert"},
		AssignedDate:   assigned,
		ExpirationDate: assigned.Add(60 * 24 * time.Hour),
		Status:         domain.AgentStatusActive,
		CreatedAt:      assigned,
		UpdatedAt:      assigned,
	}
}

func TestSQLite_ContactNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetContact(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_ProductAgentRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedContact(t, s, "c1")

	assigned := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	productID := "prod-42"
	a := newAgent("a1", "c1", domain.AgentTypeWebinar, assigned)
	a.ProductID = &productID
	require.NoError(t, s.CreateProductAgent(ctx, a))

	got, err := s.GetProductAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentTypeWebinar, got.ProductType)
	assert.Equal(t, "prod-42", *got.ProductID)
	assert.Equal(t, "convert", got.AgentContext["goal"])
	assert.True(t, got.AssignedDate.Equal(assigned))
	assert.Equal(t, domain.AgentStatusActive, got.Status)

	_, err = s.GetProductAgent(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_OneActiveAgentPerType(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedContact(t, s, "c1")
	now := time.Now()

	require.NoError(t, s.CreateProductAgent(ctx, newAgent("a1", "c1", domain.AgentTypeSales, now)))
	err := s.CreateProductAgent(ctx, newAgent("a2", "c1", domain.AgentTypeSales, now))
	assert.ErrorIs(t, err, ErrConflict)

	require.NoError(t, s.UpdateProductAgentStatus(ctx, "a1", domain.AgentStatusExpired, now))
	require.NoError(t, s.CreateProductAgent(ctx, newAgent("a2", "c1", domain.AgentTypeSales, now)))

	agents, err := s.ListProductAgents(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, agents, 2)
}

func TestSQLite_ListProductAgentsOrdered(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedContact(t, s, "c1")
	base := time.Now()

	require.NoError(t, s.CreateProductAgent(ctx, newAgent("late", "c1", domain.AgentTypeSales, base.Add(time.Hour))))
	require.NoError(t, s.CreateProductAgent(ctx, newAgent("early", "c1", domain.AgentTypeWebinar, base)))

	agents, err := s.ListProductAgents(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, "early", agents[0].ID)
	assert.Equal(t, "late", agents[1].ID)
}

func TestSQLite_EnsureConversationStateKeepsExisting(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedContact(t, s, "c1")
	now := time.Now()

	st, err := s.EnsureConversationState(ctx, "c1", now)
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultConversationPhase, st.CurrentConversationPhase)
	assert.Empty(t, st.AgentQueue)
	assert.Nil(t, st.ActiveAgentID)

	require.NoError(t, s.RecordMessageSent(ctx, "c1", now))

	again, err := s.EnsureConversationState(ctx, "c1", now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, again.MessagesSentToday)
	assert.Equal(t, 1, again.MessagesSentThisWeek)
	assert.True(t, again.WaitingForReply)
}

func TestSQLite_UpdateConversationStateCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedContact(t, s, "c1")

	st, err := s.EnsureConversationState(ctx, "c1", time.Now())
	require.NoError(t, err)
	stale := st.Clone()

	active := "a1"
	prio := 5
	st.ActiveAgentID = &active
	st.AgentPriority = &prio
	st.AgentQueue = []domain.QueueEntry{{AgentID: "a2", MessageType: domain.MessageTypeQueued}}
	require.NoError(t, s.UpdateConversationState(ctx, st))
	assert.Equal(t, stale.Version+1, st.Version)

	stale.AgentQueue = nil
	err = s.UpdateConversationState(ctx, stale)
	assert.ErrorIs(t, err, ErrConflict)

	got, err := s.GetConversationState(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, got.ActiveAgentID)
	assert.Equal(t, "a1", *got.ActiveAgentID)
	assert.Equal(t, 5, *got.AgentPriority)
	assert.Equal(t, []domain.QueueEntry{{AgentID: "a2", MessageType: domain.MessageTypeQueued}}, got.AgentQueue)
}

func TestSQLite_UpdateMissingStateIsNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateConversationState(context.Background(), domain.NewConversationState("ghost", time.Now()))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_RecordMessageBumpsVersion(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedContact(t, s, "c1")

	st, err := s.EnsureConversationState(ctx, "c1", time.Now())
	require.NoError(t, err)

	sentAt := time.Now().Add(-49 * time.Hour).Truncate(time.Millisecond)
	require.NoError(t, s.RecordMessageSent(ctx, "c1", sentAt))

	// A writer holding the pre-send version must lose.
	assert.ErrorIs(t, s.UpdateConversationState(ctx, st), ErrConflict)

	got, err := s.GetConversationState(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, got.LastMessageSentAt)
	assert.True(t, got.LastMessageSentAt.Equal(sentAt))

	require.NoError(t, s.RecordReply(ctx, "c1", time.Now()))
	got, err = s.GetConversationState(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, got.WaitingForReply)

	assert.ErrorIs(t, s.RecordReply(ctx, "ghost", time.Now()), ErrNotFound)
}

func TestSQLite_ListQueuedConversationStates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedContact(t, s, "idle")
	seedContact(t, s, "busy")

	_, err := s.EnsureConversationState(ctx, "idle", time.Now())
	require.NoError(t, err)
	busy, err := s.EnsureConversationState(ctx, "busy", time.Now())
	require.NoError(t, err)
	busy.AgentQueue = []domain.QueueEntry{{AgentID: "a9", MessageType: domain.MessageTypeIntroduction}}
	require.NoError(t, s.UpdateConversationState(ctx, busy))

	states, err := s.ListQueuedConversationStates(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "busy", states[0].ContactID)
}
