// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/cheatcode/arbiter/internal/domain"
)

var (
	// ErrNotFound is returned when a contact, agent or conversation state row is missing.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a conditional write loses against a concurrent one.
	ErrConflict = errors.New("conflict")
)

// Repository defines the interface for persisting contacts, product agents
// and conversation state.
type Repository interface {
	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error

	// GetContact retrieves a contact by id. Returns ErrNotFound if absent.
	GetContact(ctx context.Context, contactID string) (*domain.Contact, error)

	// UpsertContact creates or updates a contact synced from the CRM.
	UpsertContact(ctx context.Context, contact *domain.Contact) error

	// CreateProductAgent inserts a new product agent. Returns ErrConflict if
	// the contact already has an active agent of the same product type.
	CreateProductAgent(ctx context.Context, agent *domain.ProductAgent) error

	// GetProductAgent retrieves a product agent by id. Returns ErrNotFound if absent.
	GetProductAgent(ctx context.Context, agentID string) (*domain.ProductAgent, error)

	// ListProductAgents returns every agent of a contact ordered by assigned date.
	ListProductAgents(ctx context.Context, contactID string) ([]*domain.ProductAgent, error)

	// UpdateProductAgentStatus sets the lifecycle status of an agent.
	UpdateProductAgentStatus(ctx context.Context, agentID string, status domain.AgentStatus, at time.Time) error

	// GetConversationState retrieves the state row of a contact. Returns ErrNotFound if absent.
	GetConversationState(ctx context.Context, contactID string) (*domain.ConversationState, error)

	// EnsureConversationState creates the state row if absent and returns the
	// current row. Existing counters and phase are never overwritten.
	EnsureConversationState(ctx context.Context, contactID string, now time.Time) (*domain.ConversationState, error)

	// UpdateConversationState writes the arbitration fields of state if the
	// stored version still equals state.Version (compare-and-set). On success
	// state.Version is advanced. Returns ErrConflict when the version moved.
	UpdateConversationState(ctx context.Context, state *domain.ConversationState) error

	// RecordMessageSent marks an outbound message at the given time.
	RecordMessageSent(ctx context.Context, contactID string, at time.Time) error

	// RecordReply marks an inbound reply, clearing waiting_for_reply.
	RecordReply(ctx context.Context, contactID string, at time.Time) error

	// ListQueuedConversationStates returns every state whose agent queue is non-empty.
	ListQueuedConversationStates(ctx context.Context) ([]*domain.ConversationState, error)
}
