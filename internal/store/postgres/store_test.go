package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/cheatcode/arbiter/internal/domain"
	"github.com/cheatcode/arbiter/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping postgres test")
	}
	s, err := Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgres_ConversationStateCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	contactID := "pg-" + uuid.NewString()
	now := time.Now().UTC()
	require.NoError(t, s.UpsertContact(ctx, &domain.Contact{ContactID: contactID, Name: "pg", CreatedAt: now, UpdatedAt: now}))

	st, err := s.EnsureConversationState(ctx, contactID, now)
	require.NoError(t, err)
	stale := st.Clone()

	active := uuid.NewString()
	prio := 3
	st.ActiveAgentID = &active
	st.AgentPriority = &prio
	st.AgentQueue = []domain.QueueEntry{{AgentID: "queued", MessageType: domain.MessageTypeQueued}}
	require.NoError(t, s.UpdateConversationState(ctx, st))
	assert.ErrorIs(t, s.UpdateConversationState(ctx, stale), store.ErrConflict)

	queued, err := s.ListQueuedConversationStates(ctx)
	require.NoError(t, err)
	found := false
	for _, q := range queued {
		if q.ContactID == contactID {
			found = true
			assert.Equal(t, active, *q.ActiveAgentID)
		}
	}
	assert.True(t, found)
}

func TestPostgres_OneActiveAgentPerType(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	contactID := "pg-" + uuid.NewString()
	now := time.Now().UTC()
	require.NoError(t, s.UpsertContact(ctx, &domain.Contact{ContactID: contactID, CreatedAt: now, UpdatedAt: now}))

	mk := func() *domain.ProductAgent {
		return &domain.ProductAgent{
			ID: uuid.NewString(), ContactID: contactID, ProductType: domain.AgentTypeSales,
			AssignedDate: now, ExpirationDate: now.Add(time.Hour), Status: domain.AgentStatusActive,
			CreatedAt: now, UpdatedAt: now,
		}
	}
	require.NoError(t, s.CreateProductAgent(ctx, mk()))
	assert.ErrorIs(t, s.CreateProductAgent(ctx, mk()), store.ErrConflict)
}
