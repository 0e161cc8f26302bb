package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cheatcode/arbiter/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := "file:" + dbPath +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS contacts (
		contact_id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS product_agents (
		agent_id TEXT PRIMARY KEY,
		contact_id TEXT NOT NULL REFERENCES contacts(contact_id) ON DELETE CASCADE,
		product_type TEXT NOT NULL,
		product_id TEXT,
		agent_context TEXT NOT NULL DEFAULT '{}',
		assigned_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_product_agents_contact ON product_agents(contact_id, assigned_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_product_agents_one_active
		ON product_agents(contact_id, product_type) WHERE status = 'active';

	CREATE TABLE IF NOT EXISTS conversation_states (
		contact_id TEXT PRIMARY KEY REFERENCES contacts(contact_id) ON DELETE CASCADE,
		active_agent_id TEXT,
		agent_priority INTEGER,
		agent_queue TEXT NOT NULL DEFAULT '[]',
		last_message_sent_at INTEGER,
		messages_sent_today INTEGER NOT NULL DEFAULT 0,
		messages_sent_this_week INTEGER NOT NULL DEFAULT 0,
		current_conversation_phase TEXT NOT NULL DEFAULT '',
		waiting_for_reply INTEGER NOT NULL DEFAULT 0,
		help_mode_until INTEGER,
		version INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversation_states_queued
		ON conversation_states(contact_id) WHERE agent_queue != '[]';
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetContact retrieves a contact by id.
func (s *SQLiteStore) GetContact(ctx context.Context, contactID string) (*domain.Contact, error) {
	query := `SELECT contact_id, name, email, phone, created_at, updated_at FROM contacts WHERE contact_id = ?`

	var c domain.Contact
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, contactID).Scan(
		&c.ContactID, &c.Name, &c.Email, &c.Phone, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("contact %s: %w", contactID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan contact row: %w", err)
	}
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	return &c, nil
}

// UpsertContact creates or updates a contact record.
func (s *SQLiteStore) UpsertContact(ctx context.Context, c *domain.Contact) error {
	query := `
	INSERT INTO contacts (contact_id, name, email, phone, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(contact_id) DO UPDATE SET
		name = excluded.name,
		email = excluded.email,
		phone = excluded.phone,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		c.ContactID, c.Name, c.Email, c.Phone,
		c.CreatedAt.UnixMilli(), c.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert contact: %w", err)
	}
	return nil
}

const agentColumns = `agent_id, contact_id, product_type, product_id, agent_context,
	assigned_at, expires_at, status, created_at, updated_at`

// CreateProductAgent inserts a new product agent.
func (s *SQLiteStore) CreateProductAgent(ctx context.Context, a *domain.ProductAgent) error {
	agentContext, err := encodeContext(a.AgentContext)
	if err != nil {
		return err
	}

	query := `INSERT INTO product_agents (` + agentColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		a.ID, a.ContactID, string(a.ProductType), nullString(a.ProductID), agentContext,
		a.AssignedDate.UnixMilli(), a.ExpirationDate.UnixMilli(), string(a.Status),
		a.CreatedAt.UnixMilli(), a.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("active %s agent for contact %s: %w", a.ProductType, a.ContactID, ErrConflict)
		}
		return fmt.Errorf("insert product agent: %w", err)
	}
	return nil
}

// GetProductAgent retrieves a product agent by id.
func (s *SQLiteStore) GetProductAgent(ctx context.Context, agentID string) (*domain.ProductAgent, error) {
	query := `SELECT ` + agentColumns + ` FROM product_agents WHERE agent_id = ?`
	a, err := scanAgent(s.db.QueryRowContext(ctx, query, agentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("product agent %s: %w", agentID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ListProductAgents returns every agent of a contact ordered by assigned date.
func (s *SQLiteStore) ListProductAgents(ctx context.Context, contactID string) ([]*domain.ProductAgent, error) {
	query := `SELECT ` + agentColumns + ` FROM product_agents WHERE contact_id = ? ORDER BY assigned_at ASC, agent_id ASC`

	rows, err := s.db.QueryContext(ctx, query, contactID)
	if err != nil {
		return nil, fmt.Errorf("query product agents: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close product agent rows", "error", closeErr)
		}
	}()

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
func (s *SQLiteStore) UpdateProductAgentStatus(ctx context.Context, agentID string, status domain.AgentStatus, at time.Time) error {
	query := `UPDATE product_agents SET status = ?, updated_at = ? WHERE agent_id = ?`
	result, err := s.db.ExecContext(ctx, query, string(status), at.UnixMilli(), agentID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("reactivate agent %s: %w", agentID, ErrConflict)
		}
		return fmt.Errorf("update agent status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("product agent %s: %w", agentID, ErrNotFound)
	}
	return nil
}

const stateColumns = `contact_id, active_agent_id, agent_priority, agent_queue, last_message_sent_at,
	messages_sent_today, messages_sent_this_week, current_conversation_phase, waiting_for_reply,
	help_mode_until, version, created_at, updated_at`

// GetConversationState retrieves the state row of a contact.
func (s *SQLiteStore) GetConversationState(ctx context.Context, contactID string) (*domain.ConversationState, error) {
	query := `SELECT ` + stateColumns + ` FROM conversation_states WHERE contact_id = ?`
	st, err := scanState(s.db.QueryRowContext(ctx, query, contactID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation state %s: %w", contactID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

// EnsureConversationState creates the state row if absent and returns it.
func (s *SQLiteStore) EnsureConversationState(ctx context.Context, contactID string, now time.Time) (*domain.ConversationState, error) {
	query := `
	INSERT INTO conversation_states (contact_id, agent_queue, current_conversation_phase, created_at, updated_at)
	VALUES (?, '[]', ?, ?, ?)
	ON CONFLICT(contact_id) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query, contactID, domain.DefaultConversationPhase, now.UnixMilli(), now.UnixMilli()); err != nil {
		return nil, fmt.Errorf("ensure conversation state: %w", err)
	}
	return s.GetConversationState(ctx, contactID)
}

// UpdateConversationState performs a compare-and-set write on the version column.
func (s *SQLiteStore) UpdateConversationState(ctx context.Context, st *domain.ConversationState) error {
	queue, err := encodeQueue(st.AgentQueue)
	if err != nil {
		return err
	}

	now := time.Now()
	query := `
	UPDATE conversation_states SET
		active_agent_id = ?,
		agent_priority = ?,
		agent_queue = ?,
		current_conversation_phase = ?,
		help_mode_until = ?,
		version = version + 1,
		updated_at = ?
	WHERE contact_id = ? AND version = ?`

	result, err := s.db.ExecContext(ctx, query,
		nullString(st.ActiveAgentID), nullInt(st.AgentPriority), queue,
		st.CurrentConversationPhase, nullMillis(st.HelpModeUntil),
		now.UnixMilli(), st.ContactID, st.Version,
	)
	if err != nil {
		return fmt.Errorf("update conversation state: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		if _, getErr := s.GetConversationState(ctx, st.ContactID); getErr != nil {
			return getErr
		}
		slog.Debug("UpdateConversationState lost compare-and-set", "contact_id", st.ContactID, "expected_version", st.Version)
		return fmt.Errorf("conversation state %s version %d: %w", st.ContactID, st.Version, ErrConflict)
	}

	st.Version++
	st.UpdatedAt = fromMillis(now.UnixMilli())
	return nil
}

// RecordMessageSent marks an outbound message and bumps the cadence counters.
func (s *SQLiteStore) RecordMessageSent(ctx context.Context, contactID string, at time.Time) error {
	query := `
	UPDATE conversation_states SET
		last_message_sent_at = ?,
		messages_sent_today = messages_sent_today + 1,
		messages_sent_this_week = messages_sent_this_week + 1,
		waiting_for_reply = 1,
		version = version + 1,
		updated_at = ?
	WHERE contact_id = ?`
	return s.execStateUpdate(ctx, "record message sent", contactID, query, at.UnixMilli(), time.Now().UnixMilli(), contactID)
}

// RecordReply clears the waiting-for-reply flag.
func (s *SQLiteStore) RecordReply(ctx context.Context, contactID string, at time.Time) error {
	query := `
	UPDATE conversation_states SET
		waiting_for_reply = 0,
		version = version + 1,
		updated_at = ?
	WHERE contact_id = ?`
	return s.execStateUpdate(ctx, "record reply", contactID, query, at.UnixMilli(), contactID)
}

func (s *SQLiteStore) execStateUpdate(ctx context.Context, op, contactID, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("conversation state %s: %w", contactID, ErrNotFound)
	}
	return nil
}

// ListQueuedConversationStates returns every state with a non-empty queue.
func (s *SQLiteStore) ListQueuedConversationStates(ctx context.Context) ([]*domain.ConversationState, error) {
	query := `SELECT ` + stateColumns + ` FROM conversation_states WHERE agent_queue != '[]' ORDER BY contact_id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query queued states: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close queued state rows", "error", closeErr)
		}
	}()

	var states []*domain.ConversationState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		if len(st.AgentQueue) > 0 {
			states = append(states, st)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queued states: %w", err)
	}
	return states, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*domain.ProductAgent, error) {
	var a domain.ProductAgent
	var productType, status, agentContext string
	var productID sql.NullString
	var assignedAt, expiresAt, createdAt, updatedAt int64

	err := row.Scan(
		&a.ID, &a.ContactID, &productType, &productID, &agentContext,
		&assignedAt, &expiresAt, &status, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan product agent: %w", err)
	}

	a.ProductType = domain.AgentTypeID(productType)
	a.Status = domain.AgentStatus(status)
	if productID.Valid {
		a.ProductID = &productID.String
	}
	if a.AgentContext, err = decodeContext(agentContext); err != nil {
		return nil, err
	}
	a.AssignedDate = fromMillis(assignedAt)
	a.ExpirationDate = fromMillis(expiresAt)
	a.CreatedAt = fromMillis(createdAt)
	a.UpdatedAt = fromMillis(updatedAt)
	return &a, nil
}

func scanState(row rowScanner) (*domain.ConversationState, error) {
	var st domain.ConversationState
	var activeAgentID sql.NullString
	var agentPriority, lastSent, helpUntil sql.NullInt64
	var queue string
	var createdAt, updatedAt int64

	err := row.Scan(
		&st.ContactID, &activeAgentID, &agentPriority, &queue, &lastSent,
		&st.MessagesSentToday, &st.MessagesSentThisWeek, &st.CurrentConversationPhase, &st.WaitingForReply,
		&helpUntil, &st.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan conversation state: %w", err)
	}

	if activeAgentID.Valid {
		st.ActiveAgentID = &activeAgentID.String
	}
	if agentPriority.Valid {
		p := int(agentPriority.Int64)
		st.AgentPriority = &p
	}
	if lastSent.Valid {
		ts := fromMillis(lastSent.Int64)
		st.LastMessageSentAt = &ts
	}
	if helpUntil.Valid {
		ts := fromMillis(helpUntil.Int64)
		st.HelpModeUntil = &ts
	}
	if st.AgentQueue, err = DecodeQueue([]byte(queue)); err != nil {
		return nil, err
	}
	st.CreatedAt = fromMillis(createdAt)
	st.UpdatedAt = fromMillis(updatedAt)
	return &st, nil
}

func encodeQueue(q []domain.QueueEntry) (string, error) {
	b, err := EncodeQueue(q)
	return string(b), err
}

// EncodeQueue serializes an agent queue; a nil queue encodes as an empty array.
func EncodeQueue(q []domain.QueueEntry) ([]byte, error) {
	if q == nil {
		q = []domain.QueueEntry{}
	}
	b, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("encode agent queue: %w", err)
	}
	return b, nil
}

// DecodeQueue parses a serialized agent queue.
func DecodeQueue(b []byte) ([]domain.QueueEntry, error) {
	q := []domain.QueueEntry{}
	if len(b) == 0 {
		return q, nil
	}
	if err := json.Unmarshal(b, &q); err != nil {
		return nil, fmt.Errorf("decode agent queue: %w", err)
	}
	return q, nil
}

func encodeContext(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode agent context: %w", err)
	}
	return string(b), nil
}

func decodeContext(s string) (map[string]any, error) {
	m := map[string]any{}
	if s == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("decode agent context: %w", err)
	}
	return m, nil
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullInt(i *int) any {
	if i == nil {
		return nil
	}
	return int64(*i)
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
