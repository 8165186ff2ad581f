// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite while keeping the same uniqueness and atomicity rules

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	agents        []*Agent                 // seq order
	admins        map[string]*Admin        // keyed by username
	conversations map[string]*Conversation // keyed by conversation ID
	byCustomer    map[string]string        // customer ID -> conversation ID
	messages      map[string][]*Message    // keyed by conversation ID
	byProviderID  map[string]*Message      // provider message ID -> message
	cursor        int
	nextSeq       int64

	// FailNextConversationInsert makes the next CreateConversation fail after assignment ran.
	FailNextConversationInsert error
}

// Ensure MockStore implements Store.
var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		admins:        make(map[string]*Admin),
		conversations: make(map[string]*Conversation),
		byCustomer:    make(map[string]string),
		messages:      make(map[string][]*Message),
		byProviderID:  make(map[string]*Message),
	}
}

// CreateAgent stores a new agent.
func (m *MockStore) CreateAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.agents {
		if a.Username == agent.Username || a.ID == agent.ID {
			return ErrDuplicateUsername
		}
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now()
	}
	m.nextSeq++
	agent.Seq = m.nextSeq

	a := *agent
	m.agents = append(m.agents, &a)
	return nil
}

// GetAgent retrieves an agent by ID.
func (m *MockStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, a := range m.agents {
		if a.ID == id {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// GetAgentByUsername retrieves an agent by login name.
func (m *MockStore) GetAgentByUsername(ctx context.Context, username string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, a := range m.agents {
		if a.Username == username {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// ListAgents returns agents in seq order.
func (m *MockStore) ListAgents(ctx context.Context, onlineOnly bool) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listAgentsLocked(onlineOnly), nil
}

func (m *MockStore) listAgentsLocked(onlineOnly bool) []*Agent {
	var result []*Agent
	for _, a := range m.agents {
		if onlineOnly && !a.Online {
			continue
		}
		cp := *a
		result = append(result, &cp)
	}
	return result
}

// SetAgentOnline updates the online flag.
func (m *MockStore) SetAgentOnline(ctx context.Context, id string, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.agents {
		if a.ID == id {
			now := time.Now()
			a.Online = online
			a.LastSeen = &now
			return nil
		}
	}
	return ErrNotFound
}

// CreateAdmin stores a new admin.
func (m *MockStore) CreateAdmin(ctx context.Context, admin *Admin) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.admins[admin.Username]; ok {
		return ErrDuplicateUsername
	}
	if admin.CreatedAt.IsZero() {
		admin.CreatedAt = time.Now()
	}
	a := *admin
	m.admins[a.Username] = &a
	return nil
}

// GetAdminByUsername retrieves an admin by login name.
func (m *MockStore) GetAdminByUsername(ctx context.Context, username string) (*Admin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.admins[username]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// mockRoutingState stages cursor writes until the conversation insert succeeds.
// It is only used while MockStore.mu is held.
type mockRoutingState struct {
	m      *MockStore
	cursor int
}

func (r *mockRoutingState) ListAgents(ctx context.Context, onlineOnly bool) ([]*Agent, error) {
	return r.m.listAgentsLocked(onlineOnly), nil
}

func (r *mockRoutingState) Cursor(ctx context.Context) (int, error) {
	return r.cursor, nil
}

func (r *mockRoutingState) SetCursor(ctx context.Context, lastIndex int) error {
	r.cursor = lastIndex
	return nil
}

// CreateConversation inserts a conversation, running assign under the store lock.
func (m *MockStore) CreateConversation(ctx context.Context, customerID string, assign AssignFunc) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byCustomer[customerID]; ok {
		return nil, ErrDuplicateConversation
	}

	rs := &mockRoutingState{m: m, cursor: m.cursor}
	var agentID string
	if assign != nil {
		var err error
		agentID, err = assign(ctx, rs)
		if err != nil {
			return nil, fmt.Errorf("assigning agent: %w", err)
		}
	}

	if agentID != "" && !m.hasAgent(agentID) {
		return nil, fmt.Errorf("assigning agent %s: %w", agentID, ErrUnknownAgent)
	}

	if err := m.FailNextConversationInsert; err != nil {
		m.FailNextConversationInsert = nil
		return nil, fmt.Errorf("inserting conversation: %w", err)
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
	m.conversations[conv.ID] = conv
	m.byCustomer[customerID] = conv.ID
	m.cursor = rs.cursor

	cp := *conv
	return &cp, nil
}

// hasAgent reports whether id is a known agent. Callers hold m.mu.
func (m *MockStore) hasAgent(id string) bool {
	for _, a := range m.agents {
		if a.ID == id {
			return true
		}
	}
	return false
}

// Cursor returns the committed routing cursor.
func (m *MockStore) Cursor() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cursor
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// GetConversationByCustomer retrieves a conversation by customer identity.
func (m *MockStore) GetConversationByCustomer(ctx context.Context, customerID string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byCustomer[customerID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.conversations[id]
	return &cp, nil
}

// ListConversations returns conversations most recently updated first.
func (m *MockStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Conversation
	for _, c := range m.conversations {
		if filter.AssignedAgentID != "" && c.AssignedAgentID != filter.AssignedAgentID {
			continue
		}
		cp := *c
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// TouchConversation updates counters and the update timestamp.
func (m *MockStore) TouchConversation(ctx context.Context, id string, unreadDelta int, unreadOwner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c.UnreadCount = max(c.UnreadCount+unreadDelta, 0)
	if unreadOwner != "" {
		c.UnreadOwner = unreadOwner
	}
	c.UpdatedAt = time.Now()
	return nil
}

// ResetUnread zeroes the unread counter.
func (m *MockStore) ResetUnread(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c.UnreadCount = 0
	return nil
}

// CountConversationsByAgent returns open conversation counts per agent.
func (m *MockStore) CountConversationsByAgent(ctx context.Context) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[string]int)
	for _, c := range m.conversations {
		if c.AssignedAgentID != "" && c.Status == StatusOpen {
			counts[c.AssignedAgentID]++
		}
	}
	return counts, nil
}

// AppendMessage stores msg unless its provider id was already recorded.
func (m *MockStore) AppendMessage(ctx context.Context, msg *Message) (*Message, bool, error) {
	if _, err := toRow(msg.Content); err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.ProviderMessageID != "" {
		if existing, ok := m.byProviderID[msg.ProviderMessageID]; ok {
			cp := *existing
			return &cp, false, nil
		}
	}
	if _, ok := m.conversations[msg.ConversationID]; !ok {
		return nil, false, fmt.Errorf("inserting message: conversation %s: %w", msg.ConversationID, ErrNotFound)
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	stored := *msg
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], &stored)
	if msg.ProviderMessageID != "" {
		m.byProviderID[msg.ProviderMessageID] = &stored
	}
	return msg, true, nil
}

// MessageExistsByProviderID reports whether a provider message id is recorded.
func (m *MockStore) MessageExistsByProviderID(ctx context.Context, providerMessageID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.byProviderID[providerMessageID]
	return ok && providerMessageID != "", nil
}

// ListMessages returns a conversation's messages oldest first.
func (m *MockStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[conversationID]
	result := make([]*Message, 0, len(msgs))
	for _, msg := range msgs {
		cp := *msg
		result = append(result, &cp)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// ListUnmaterializedMedia returns handle-only media messages.
func (m *MockStore) ListUnmaterializedMedia(ctx context.Context, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	var result []*Message
	ids := make([]string, 0, len(m.messages))
	for id := range m.messages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		for _, msg := range m.messages[id] {
			media, ok := MediaOf(msg.Content)
			if !ok || media.Handle == "" || media.Materialized() {
				continue
			}
			cp := *msg
			result = append(result, &cp)
			if len(result) == limit {
				return result, nil
			}
		}
	}
	return result, nil
}

// MaterializeMedia attaches binary data to a handle-only media message.
func (m *MockStore) MaterializeMedia(ctx context.Context, id string, data []byte, mimeType string) error {
	if len(data) == 0 {
		return fmt.Errorf("materialize %s: empty media data", id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msgs := range m.messages {
		for _, msg := range msgs {
			if msg.ID != id {
				continue
			}
			row, err := toRow(msg.Content)
			if err != nil {
				return err
			}
			if row.kind == KindText || len(row.data) > 0 {
				return ErrNotFound
			}
			row.data = data
			if mimeType != "" {
				row.mimeType = mimeType
			}
			content, err := row.content()
			if err != nil {
				return err
			}
			msg.Content = content
			return nil
		}
	}
	return ErrNotFound
}

// Ping always succeeds.
func (m *MockStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}
