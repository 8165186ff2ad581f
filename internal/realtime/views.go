// ABOUTME: Admin dashboard views: agent status with active chat counts and chat summaries
// ABOUTME: Shared by the admin_register reply and the admin HTTP routes

package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/2389/coven-desk/internal/presence"
	"github.com/2389/coven-desk/internal/store"
)

// ViewStore is the read access the admin views need.
type ViewStore interface {
	ListAgents(ctx context.Context, onlineOnly bool) ([]*store.Agent, error)
	CountConversationsByAgent(ctx context.Context) (map[string]int, error)
	ListConversations(ctx context.Context, filter store.ConversationFilter) ([]*store.Conversation, error)
}

// AgentStatus is one row of agents_status.
type AgentStatus struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	DisplayName string     `json:"name,omitempty"`
	Online      bool       `json:"online"`
	Connected   bool       `json:"connected"`
	ActiveChats int        `json:"activeChats"`
	LastSeen    *time.Time `json:"lastSeen,omitempty"`
}

// ChatSummary is one row of active_chats and admin_all_chats.
type ChatSummary struct {
	Customer       string    `json:"customer"`
	ConversationID string    `json:"conversationId"`
	AgentID        string    `json:"agentId,omitempty"`
	Agent          string    `json:"agent,omitempty"` // assigned agent username
	Status         string    `json:"status"`
	UnreadCount    int       `json:"unreadCount"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Views builds admin views from the store and the presence registry.
type Views struct {
	store    ViewStore
	registry *presence.Registry
}

// NewViews creates Views. registry may be nil, in which case Connected is always false.
func NewViews(s ViewStore, registry *presence.Registry) *Views {
	return &Views{store: s, registry: registry}
}

// AgentsStatus lists every agent with its online flag and open conversation count.
func (v *Views) AgentsStatus(ctx context.Context) ([]AgentStatus, error) {
	agents, err := v.store.ListAgents(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	counts, err := v.store.CountConversationsByAgent(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]AgentStatus, 0, len(agents))
	for _, a := range agents {
		out = append(out, AgentStatus{
			ID:          a.ID,
			Username:    a.Username,
			DisplayName: a.DisplayName,
			Online:      a.Online,
			Connected:   v.registry != nil && v.registry.IsPresent(a.ID),
			ActiveChats: counts[a.ID],
			LastSeen:    a.LastSeen,
		})
	}
	return out, nil
}

// AllChats lists conversations most recently updated first with the assigned agent's username.
func (v *Views) AllChats(ctx context.Context) ([]ChatSummary, error) {
	agents, err := v.store.ListAgents(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	names := make(map[string]string, len(agents))
	for _, a := range agents {
		names[a.ID] = a.Username
	}

	convs, err := v.store.ListConversations(ctx, store.ConversationFilter{})
	if err != nil {
		return nil, err
	}
	out := make([]ChatSummary, 0, len(convs))
	for _, c := range convs {
		out = append(out, ChatSummary{
			Customer:       c.CustomerID,
			ConversationID: c.ID,
			AgentID:        c.AssignedAgentID,
			Agent:          names[c.AssignedAgentID],
			Status:         c.Status,
			UnreadCount:    c.UnreadCount,
			UpdatedAt:      c.UpdatedAt,
		})
	}
	return out, nil
}
