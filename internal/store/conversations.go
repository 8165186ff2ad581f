// ABOUTME: Conversation persistence for the SQLite store
// ABOUTME: Creation runs the routing decision and cursor update inside the insert transaction

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const conversationColumns = `id, customer_id, assigned_agent_id, status, unread_count, unread_owner, created_at, updated_at`

// txRoutingState exposes the agent directory and routing cursor through an open transaction.
type txRoutingState struct {
	tx *sql.Tx
}

func (r txRoutingState) ListAgents(ctx context.Context, onlineOnly bool) ([]*Agent, error) {
	return listAgents(ctx, r.tx, onlineOnly)
}

func (r txRoutingState) Cursor(ctx context.Context) (int, error) {
	var last int
	err := r.tx.QueryRowContext(ctx, `SELECT last_index FROM routing_cursor WHERE id = 1`).Scan(&last)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading routing cursor: %w", err)
	}
	return last, nil
}

func (r txRoutingState) SetCursor(ctx context.Context, lastIndex int) error {
	_, err := r.tx.ExecContext(ctx, `
		INSERT INTO routing_cursor (id, last_index) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET last_index = excluded.last_index
	`, lastIndex)
	if err != nil {
		return fmt.Errorf("writing routing cursor: %w", err)
	}
	return nil
}

// CreateConversation inserts a conversation for customerID. assign (which may be nil) runs inside
// the same transaction so a failed insert never leaves the routing cursor advanced.
func (s *SQLiteStore) CreateConversation(ctx context.Context, customerID string, assign AssignFunc) (*Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var existing string
	err = tx.QueryRowContext(ctx, `SELECT id FROM conversations WHERE customer_id = ?`, customerID).Scan(&existing)
	if err == nil {
		return nil, ErrDuplicateConversation
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("checking existing conversation: %w", err)
	}

	var agentID string
	if assign != nil {
		agentID, err = assign(ctx, txRoutingState{tx: tx})
		if err != nil {
			return nil, fmt.Errorf("assigning agent: %w", err)
		}
	}

	now := time.Now()
	conv := &Conversation{
		ID:              uuid.New().String(),
		CustomerID:      customerID,
		AssignedAgentID: agentID,
		Status:          StatusOpen,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, customer_id, assigned_agent_id, status, unread_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
	`,
		conv.ID,
		conv.CustomerID,
		nullString(conv.AssignedAgentID),
		conv.Status,
		formatTime(conv.CreatedAt),
		formatTime(conv.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateConversation
		}
		if isForeignKeyViolation(err) {
			return nil, fmt.Errorf("assigning agent %s: %w", agentID, ErrUnknownAgent)
		}
		return nil, fmt.Errorf("inserting conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "customer", customerID, "agent", agentID)
	return conv, nil
}

// GetConversation retrieves a conversation by ID.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// GetConversationByCustomer retrieves the conversation bound to a customer identity.
func (s *SQLiteStore) GetConversationByCustomer(ctx context.Context, customerID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE customer_id = ?`, customerID)
	return scanConversation(row)
}

// ListConversations returns conversations most recently updated first.
func (s *SQLiteStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations`
	var args []any
	if filter.AssignedAgentID != "" {
		query += ` WHERE assigned_agent_id = ?`
		args = append(args, filter.AssignedAgentID)
	}
	query += ` ORDER BY updated_at DESC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}
	return convs, nil
}

// TouchConversation bumps updated_at and adds unreadDelta to the unread counter.
// A non-empty unreadOwner replaces the owner; assigned_agent_id is never written here.
func (s *SQLiteStore) TouchConversation(ctx context.Context, id string, unreadDelta int, unreadOwner string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET unread_count = MAX(unread_count + ?, 0),
		    unread_owner = COALESCE(?, unread_owner),
		    updated_at = ?
		WHERE id = ?
	`, unreadDelta, nullString(unreadOwner), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}
	return requireAffected(result)
}

// ResetUnread zeroes the unread counter.
func (s *SQLiteStore) ResetUnread(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE conversations SET unread_count = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("resetting unread: %w", err)
	}
	return requireAffected(result)
}

// CountConversationsByAgent returns the number of open conversations per assigned agent.
func (s *SQLiteStore) CountConversationsByAgent(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT assigned_agent_id, COUNT(*)
		FROM conversations
		WHERE assigned_agent_id IS NOT NULL AND status = 'open'
		GROUP BY assigned_agent_id
	`)
	if err != nil {
		return nil, fmt.Errorf("counting conversations: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var agentID string
		var n int
		if err := rows.Scan(&agentID, &n); err != nil {
			return nil, fmt.Errorf("scanning count: %w", err)
		}
		counts[agentID] = n
	}
	return counts, rows.Err()
}

func requireAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var agentID, unreadOwner sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&conv.ID,
		&conv.CustomerID,
		&agentID,
		&conv.Status,
		&conv.UnreadCount,
		&unreadOwner,
		&createdAt,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	conv.AssignedAgentID = agentID.String
	conv.UnreadOwner = unreadOwner.String

	if conv.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if conv.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &conv, nil
}
