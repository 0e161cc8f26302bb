// Package postgres is the PostgreSQL implementation of store.Repository.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cheatcode/arbiter/internal/domain"
	"github.com/cheatcode/arbiter/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the PostgreSQL implementation of store.Repository.
type Store struct {
	Pool *pgxpool.Pool
}

var _ store.Repository = (*Store)(nil)

// Open opens a PostgreSQL connection pool and creates the schema. dsn may be
// empty to use DATABASE_URL.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		return nil, errors.New("postgres DSN or DATABASE_URL required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 20
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{Pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS contacts (
	contact_id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	phone TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS product_agents (
	agent_id TEXT PRIMARY KEY,
	contact_id TEXT NOT NULL REFERENCES contacts(contact_id) ON DELETE CASCADE,
	product_type TEXT NOT NULL,
	product_id TEXT,
	agent_context JSONB NOT NULL DEFAULT '{}'::jsonb,
	assigned_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_product_agents_contact ON product_agents(contact_id, assigned_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_product_agents_one_active
	ON product_agents(contact_id, product_type) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS conversation_states (
	contact_id TEXT PRIMARY KEY REFERENCES contacts(contact_id) ON DELETE CASCADE,
	active_agent_id TEXT,
	agent_priority INTEGER,
	agent_queue JSONB NOT NULL DEFAULT '[]'::jsonb,
	last_message_sent_at TIMESTAMPTZ,
	messages_sent_today INTEGER NOT NULL DEFAULT 0,
	messages_sent_this_week INTEGER NOT NULL DEFAULT 0,
	current_conversation_phase TEXT NOT NULL DEFAULT '',
	waiting_for_reply BOOLEAN NOT NULL DEFAULT FALSE,
	help_mode_until TIMESTAMPTZ,
	version BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversation_states_queued
	ON conversation_states(contact_id) WHERE jsonb_array_length(agent_queue) > 0;
`

// Migrate creates the tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	if s == nil || s.Pool == nil {
		return nil
	}
	s.Pool.Close()
	return nil
}

// GetContact retrieves a contact by id.
func (s *Store) GetContact(ctx context.Context, contactID string) (*domain.Contact, error) {
	var c domain.Contact
	err := s.Pool.QueryRow(ctx,
		`SELECT contact_id, name, email, phone, created_at, updated_at FROM contacts WHERE contact_id = $1`,
		contactID,
	).Scan(&c.ContactID, &c.Name, &c.Email, &c.Phone, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("contact %s: %w", contactID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan contact row: %w", err)
	}
	return &c, nil
}

// UpsertContact creates or updates a contact record.
func (s *Store) UpsertContact(ctx context.Context, c *domain.Contact) error {
	_, err := s.Pool.Exec(ctx, `
INSERT INTO contacts (contact_id, name, email, phone, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (contact_id) DO UPDATE SET
	name = EXCLUDED.name,
	email = EXCLUDED.email,
	phone = EXCLUDED.phone,
	updated_at = EXCLUDED.updated_at`,
		c.ContactID, c.Name, c.Email, c.Phone, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert contact: %w", err)
	}
	return nil
}

const agentColumns = `agent_id, contact_id, product_type, product_id, agent_context,
	assigned_at, expires_at, status, created_at, updated_at`

// CreateProductAgent inserts a new product agent.
func (s *Store) CreateProductAgent(ctx context.Context, a *domain.ProductAgent) error {
	agentContext := a.AgentContext
	if agentContext == nil {
		agentContext = map[string]any{}
	}
	ctxJSON, err := json.Marshal(agentContext)
	if err != nil {
		return fmt.Errorf("encode agent context: %w", err)
	}

	_, err = s.Pool.Exec(ctx,
		`INSERT INTO product_agents (`+agentColumns+`) VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9, $10)`,
		a.ID, a.ContactID, string(a.ProductType), a.ProductID, string(ctxJSON),
		a.AssignedDate, a.ExpirationDate, string(a.Status), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("active %s agent for contact %s: %w", a.ProductType, a.ContactID, store.ErrConflict)
		}
		return fmt.Errorf("insert product agent: %w", err)
	}
	return nil
}

// GetProductAgent retrieves a product agent by id.
func (s *Store) GetProductAgent(ctx context.Context, agentID string) (*domain.ProductAgent, error) {
	a, err := scanAgent(s.Pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM product_agents WHERE agent_id = $1`, agentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("product agent %s: %w", agentID, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ListProductAgents returns every agent of a contact ordered by assigned date.
func (s *Store) ListProductAgents(ctx context.Context, contactID string) ([]*domain.ProductAgent, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT `+agentColumns+` FROM product_agents WHERE contact_id = $1 ORDER BY assigned_at ASC, agent_id ASC`,
		contactID)
	if err != nil {
		return nil, fmt.Errorf("query product agents: %w", err)
	}
	defer rows.Close()

	var agents []*domain.ProductAgent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate product agents: %w", err)
	}
	return agents, nil
}

// UpdateProductAgentStatus sets the lifecycle status of an agent.
func (s *Store) UpdateProductAgentStatus(ctx context.Context, agentID string, status domain.AgentStatus, at time.Time) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE product_agents SET status = $1, updated_at = $2 WHERE agent_id = $3`,
		string(status), at, agentID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("reactivate agent %s: %w", agentID, store.ErrConflict)
		}
		return fmt.Errorf("update agent status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("product agent %s: %w", agentID, store.ErrNotFound)
	}
	return nil
}

const stateColumns = `contact_id, active_agent_id, agent_priority, agent_queue, last_message_sent_at,
	messages_sent_today, messages_sent_this_week, current_conversation_phase, waiting_for_reply,
	help_mode_until, version, created_at, updated_at`

// GetConversationState retrieves the state row of a contact.
func (s *Store) GetConversationState(ctx context.Context, contactID string) (*domain.ConversationState, error) {
	st, err := scanState(s.Pool.QueryRow(ctx, `SELECT `+stateColumns+` FROM conversation_states WHERE contact_id = $1`, contactID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("conversation state %s: %w", contactID, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

// EnsureConversationState creates the state row if absent and returns it.
func (s *Store) EnsureConversationState(ctx context.Context, contactID string, now time.Time) (*domain.ConversationState, error) {
	_, err := s.Pool.Exec(ctx, `
INSERT INTO conversation_states (contact_id, agent_queue, current_conversation_phase, created_at, updated_at)
VALUES ($1, '[]'::jsonb, $2, $3, $3)
ON CONFLICT (contact_id) DO NOTHING`,
		contactID, domain.DefaultConversationPhase, now)
	if err != nil {
		return nil, fmt.Errorf("ensure conversation state: %w", err)
	}
	return s.GetConversationState(ctx, contactID)
}

// UpdateConversationState performs a compare-and-set write on the version column.
func (s *Store) UpdateConversationState(ctx context.Context, st *domain.ConversationState) error {
	queue, err := store.EncodeQueue(st.AgentQueue)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	tag, err := s.Pool.Exec(ctx, `
UPDATE conversation_states SET
	active_agent_id = $1,
	agent_priority = $2,
	agent_queue = $3::jsonb,
	current_conversation_phase = $4,
	help_mode_until = $5,
	version = version + 1,
	updated_at = $6
WHERE contact_id = $7 AND version = $8`,
		st.ActiveAgentID, st.AgentPriority, string(queue), st.CurrentConversationPhase,
		st.HelpModeUntil, now, st.ContactID, st.Version)
	if err != nil {
		return fmt.Errorf("update conversation state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetConversationState(ctx, st.ContactID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("conversation state %s version %d: %w", st.ContactID, st.Version, store.ErrConflict)
	}

	st.Version++
	st.UpdatedAt = now
	return nil
}

// RecordMessageSent marks an outbound message and bumps the cadence counters.
func (s *Store) RecordMessageSent(ctx context.Context, contactID string, at time.Time) error {
	return s.execStateUpdate(ctx, "record message sent", contactID, `
UPDATE conversation_states SET
	last_message_sent_at = $1,
	messages_sent_today = messages_sent_today + 1,
	messages_sent_this_week = messages_sent_this_week + 1,
	waiting_for_reply = TRUE,
	version = version + 1,
	updated_at = now()
WHERE contact_id = $2`, at, contactID)
}

// RecordReply clears the waiting-for-reply flag.
func (s *Store) RecordReply(ctx context.Context, contactID string, at time.Time) error {
	return s.execStateUpdate(ctx, "record reply", contactID, `
UPDATE conversation_states SET
	waiting_for_reply = FALSE,
	version = version + 1,
	updated_at = $1
WHERE contact_id = $2`, at, contactID)
}

func (s *Store) execStateUpdate(ctx context.Context, op, contactID, query string, args ...any) error {
	tag, err := s.Pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation state %s: %w", contactID, store.ErrNotFound)
	}
	return nil
}

// ListQueuedConversationStates returns every state with a non-empty queue.
func (s *Store) ListQueuedConversationStates(ctx context.Context) ([]*domain.ConversationState, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT `+stateColumns+` FROM conversation_states WHERE jsonb_array_length(agent_queue) > 0 ORDER BY contact_id`)
	if err != nil {
		return nil, fmt.Errorf("query queued states: %w", err)
	}
	defer rows.Close()

	var states []*domain.ConversationState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queued states: %w", err)
	}
	return states, nil
}

func scanAgent(row pgx.Row) (*domain.ProductAgent, error) {
	var a domain.ProductAgent
	var productType, status string
	var ctxJSON []byte

	err := row.Scan(
		&a.ID, &a.ContactID, &productType, &a.ProductID, &ctxJSON,
		&a.AssignedDate, &a.ExpirationDate, &status, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan product agent: %w", err)
	}
	a.ProductType = domain.AgentTypeID(productType)
	a.Status = domain.AgentStatus(status)
	a.AgentContext = map[string]any{}
	if len(ctxJSON) > 0 {
		if err := json.Unmarshal(ctxJSON, &a.AgentContext); err != nil {
			return nil, fmt.Errorf("decode agent context: %w", err)
		}
	}
	return &a, nil
}

func scanState(row pgx.Row) (*domain.ConversationState, error) {
	var st domain.ConversationState
	var queue []byte

	err := row.Scan(
		&st.ContactID, &st.ActiveAgentID, &st.AgentPriority, &queue, &st.LastMessageSentAt,
		&st.MessagesSentToday, &st.MessagesSentThisWeek, &st.CurrentConversationPhase, &st.WaitingForReply,
		&st.HelpModeUntil, &st.Version, &st.CreatedAt, &st.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan conversation state: %w", err)
	}
	if st.AgentQueue, err = store.DecodeQueue(queue); err != nil {
		return nil, err
	}
	return &st, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
