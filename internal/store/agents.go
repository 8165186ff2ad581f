// ABOUTME: Agent and admin account persistence for the SQLite store
// ABOUTME: Agents are listed in insertion (seq) order, the stable order routing relies on

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const agentColumns = `id, seq, username, display_name, password_hash, online, last_seen, created_at`

// CreateAgent inserts a new agent. Returns ErrDuplicateUsername if the username is taken.
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *Agent) error {
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, username, display_name, password_hash, online, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		agent.ID,
		agent.Username,
		agent.DisplayName,
		agent.PasswordHash,
		agent.Online,
		formatTime(agent.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateUsername
		}
		return fmt.Errorf("inserting agent: %w", err)
	}

	if seq, err := result.LastInsertId(); err == nil {
		agent.Seq = seq
	}

	s.logger.Debug("created agent", "id", agent.ID, "username", agent.Username)
	return nil
}

// GetAgent retrieves an agent by ID.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	return scanAgent(row)
}

// GetAgentByUsername retrieves an agent by its login name.
func (s *SQLiteStore) GetAgentByUsername(ctx context.Context, username string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE username = ?`, username)
	return scanAgent(row)
}

// ListAgents returns agents ordered by seq.
func (s *SQLiteStore) ListAgents(ctx context.Context, onlineOnly bool) ([]*Agent, error) {
	return listAgents(ctx, s.db, onlineOnly)
}

func listAgents(ctx context.Context, q queryer, onlineOnly bool) ([]*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	if onlineOnly {
		query += ` WHERE online = 1`
	}
	query += ` ORDER BY seq ASC`

	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent rows: %w", err)
	}
	return agents, nil
}

// SetAgentOnline flips the online flag and stamps last_seen.
func (s *SQLiteStore) SetAgentOnline(ctx context.Context, id string, online bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE agents SET online = ?, last_seen = ? WHERE id = ?`,
		online, formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("updating agent online: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var agent Agent
	var lastSeen sql.NullString
	var createdAt string

	err := row.Scan(
		&agent.ID,
		&agent.Seq,
		&agent.Username,
		&agent.DisplayName,
		&agent.PasswordHash,
		&agent.Online,
		&lastSeen,
		&createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning agent: %w", err)
	}

	agent.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if lastSeen.Valid {
		t, err := parseTime(lastSeen.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_seen: %w", err)
		}
		agent.LastSeen = &t
	}
	return &agent, nil
}

// CreateAdmin inserts a new admin account.
func (s *SQLiteStore) CreateAdmin(ctx context.Context, admin *Admin) error {
	if admin.CreatedAt.IsZero() {
		admin.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO admins (id, username, display_name, password_hash, created_at)
		VALUES (?, ?, ?, ?, ?)
	`,
		admin.ID,
		admin.Username,
		admin.DisplayName,
		admin.PasswordHash,
		formatTime(admin.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateUsername
		}
		return fmt.Errorf("inserting admin: %w", err)
	}
	return nil
}

// GetAdminByUsername retrieves an admin by login name.
func (s *SQLiteStore) GetAdminByUsername(ctx context.Context, username string) (*Admin, error) {
	var admin Admin
	var createdAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, display_name, password_hash, created_at
		FROM admins WHERE username = ?
	`, username).Scan(&admin.ID, &admin.Username, &admin.DisplayName, &admin.PasswordHash, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying admin: %w", err)
	}

	admin.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &admin, nil
}
