// ABOUTME: Store interfaces and data types for coven-desk persistence
// ABOUTME: Defines Agent, Conversation, Message (tagged content) and the routing cursor contract

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when a conversation for the customer already exists
var ErrDuplicateConversation = errors.New("conversation already exists")

// ErrDuplicateUsername is returned when creating an agent or admin whose username is taken
var ErrDuplicateUsername = errors.New("username already exists")

// ErrUnknownAgent is returned when a conversation would be assigned to an agent that does not exist.
var ErrUnknownAgent = errors.New("unknown agent")

// Agent is a human operator that conversations are routed to.
// Seq is the stable total order used for round-robin pools.
type Agent struct {
	ID           string
	Seq          int64
	Username     string
	DisplayName  string
	PasswordHash string
	Online       bool
	LastSeen     *time.Time
	CreatedAt    time.Time
}

// Admin is a supervisor account that receives the admin broadcast topic.
type Admin struct {
	ID           string
	Username     string
	DisplayName  string
	PasswordHash string
	CreatedAt    time.Time
}

// Conversation status values
const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

// Conversation is the durable thread between one customer identity and the desk.
// AssignedAgentID is fixed at creation; empty means unassigned.
type Conversation struct {
	ID              string
	CustomerID      string
	AssignedAgentID string
	Status          string
	UnreadCount     int
	UnreadOwner     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Sender roles
const (
	SenderCustomer = "customer"
	SenderAgent    = "agent"
	SenderAdmin    = "admin"
)

// Message is one immutable entry in a conversation's log.
type Message struct {
	ID                string
	ConversationID    string
	Sender            string
	SenderID          string // agent/admin id for non-customer senders
	Content           Content
	ProviderMessageID string // dedup key, empty when the provider assigned none
	CreatedAt         time.Time
}

// AgentDirectory is the read-only view of agents used by routing.
type AgentDirectory interface {
	// ListAgents returns agents in their stable order. onlineOnly restricts to online agents.
	ListAgents(ctx context.Context, onlineOnly bool) ([]*Agent, error)
}

// RoutingState is the routing view available while a conversation is being created.
// Everything read or written through it commits or rolls back with the conversation insert.
type RoutingState interface {
	AgentDirectory
	Cursor(ctx context.Context) (int, error)
	SetCursor(ctx context.Context, lastIndex int) error
}

// AssignFunc picks the agent for a new conversation. An empty id stores the conversation unassigned.
type AssignFunc func(ctx context.Context, rs RoutingState) (agentID string, err error)

// ConversationFilter narrows ListConversations.
type ConversationFilter struct {
	AssignedAgentID string
	Limit           int
}

// Store defines the persistence capability used by the dispatch core.
type Store interface {
	AgentDirectory

	// Agents
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	GetAgentByUsername(ctx context.Context, username string) (*Agent, error)
	SetAgentOnline(ctx context.Context, id string, online bool) error

	// Admins
	CreateAdmin(ctx context.Context, admin *Admin) error
	GetAdminByUsername(ctx context.Context, username string) (*Admin, error)

	// Conversations
	// CreateConversation inserts a conversation for customerID, calling assign inside the same
	// atomic unit as the insert. Returns ErrDuplicateConversation if one already exists.
	CreateConversation(ctx context.Context, customerID string, assign AssignFunc) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetConversationByCustomer(ctx context.Context, customerID string) (*Conversation, error)
	ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error)
	TouchConversation(ctx context.Context, id string, unreadDelta int, unreadOwner string) error
	ResetUnread(ctx context.Context, id string) error
	CountConversationsByAgent(ctx context.Context) (map[string]int, error)

	// Messages
	// AppendMessage stores msg. When msg.ProviderMessageID is already recorded it stores nothing
	// and returns the existing message with created=false.
	AppendMessage(ctx context.Context, msg *Message) (stored *Message, created bool, err error)
	MessageExistsByProviderID(ctx context.Context, providerMessageID string) (bool, error)
	ListMessages(ctx context.Context, conversationID string) ([]*Message, error)
	// ListUnmaterializedMedia returns media messages that only carry a provider handle.
	ListUnmaterializedMedia(ctx context.Context, limit int) ([]*Message, error)
	// MaterializeMedia attaches the binary for a handle-only media message. No other field changes.
	MaterializeMedia(ctx context.Context, id string, data []byte, mimeType string) error

	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
