// ABOUTME: Conversation service: find-or-create with sticky assignment, touch, append and history
// ABOUTME: Record first: every inbound or outbound message is persisted before anything is pushed

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/coven-desk/internal/dedupe"
	"github.com/2389/coven-desk/internal/store"
)

// ErrMissingCustomer is returned when a customer identity is empty.
var ErrMissingCustomer = errors.New("customer id is required")

// Service is the conversation and message layer on top of the store.
type Service struct {
	store  store.Store
	assign store.AssignFunc
	seen   *dedupe.Cache
	logger *slog.Logger
}

// New creates a new conversation Service. assign is used only when a conversation is created;
// seen may be nil to rely on the store alone for duplicate detection.
func New(s store.Store, assign store.AssignFunc, seen *dedupe.Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  s,
		assign: assign,
		seen:   seen,
		logger: logger.With("component", "conversation"),
	}
}

type createOptions struct {
	agentID string
}

// CreateOption adjusts how a missing conversation is created.
type CreateOption func(*createOptions)

// WithAgent binds a newly created conversation to agentID instead of running the assigner.
// It has no effect on existing conversations.
func WithAgent(agentID string) CreateOption {
	return func(o *createOptions) { o.agentID = agentID }
}

// FindOrCreate returns the conversation for customerID, creating it on first contact.
// created is true only for the call that inserted the row. Concurrent callers for the same
// new customer all receive the single winning conversation.
func (s *Service) FindOrCreate(ctx context.Context, customerID string, opts ...CreateOption) (*store.Conversation, bool, error) {
	if customerID == "" {
		return nil, false, ErrMissingCustomer
	}

	conv, err := s.store.GetConversationByCustomer(ctx, customerID)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("looking up conversation: %w", err)
	}

	var o createOptions
	for _, opt := range opts {
		opt(&o)
	}
	assign := s.assign
	if o.agentID != "" {
		agentID := o.agentID
		assign = func(context.Context, store.RoutingState) (string, error) { return agentID, nil }
	}

	conv, err = s.store.CreateConversation(ctx, customerID, assign)
	if err == nil {
		s.logger.Info("conversation created",
			"conversation_id", conv.ID,
			"customer", customerID,
			"agent_id", conv.AssignedAgentID)
		return conv, true, nil
	}

	// Another request created the conversation between our lookup and insert.
	if errors.Is(err, store.ErrDuplicateConversation) {
		existing, lookupErr := s.store.GetConversationByCustomer(ctx, customerID)
		if lookupErr == nil {
			s.logger.Debug("found existing conversation after race", "conversation_id", existing.ID)
			return existing, false, nil
		}
		s.logger.Error("retry lookup failed after duplicate error",
			"customer", customerID,
			"lookup_error", lookupErr)
		return nil, false, fmt.Errorf("re-reading conversation: %w", lookupErr)
	}
	return nil, false, fmt.Errorf("creating conversation: %w", err)
}

// Get returns a conversation by ID.
func (s *Service) Get(ctx context.Context, id string) (*store.Conversation, error) {
	return s.store.GetConversation(ctx, id)
}

// GetByCustomer returns the conversation for customerID.
func (s *Service) GetByCustomer(ctx context.Context, customerID string) (*store.Conversation, error) {
	return s.store.GetConversationByCustomer(ctx, customerID)
}

// Touch records activity on a conversation: updated_at and the unread counter.
// The assignment is never changed.
func (s *Service) Touch(ctx context.Context, id string, unreadDelta int, unreadOwner string) error {
	if err := s.store.TouchConversation(ctx, id, unreadDelta, unreadOwner); err != nil {
		return fmt.Errorf("touching conversation %s: %w", id, err)
	}
	return nil
}

// MarkRead zeroes the unread counter.
func (s *Service) MarkRead(ctx context.Context, id string) error {
	if err := s.store.ResetUnread(ctx, id); err != nil {
		return fmt.Errorf("marking conversation %s read: %w", id, err)
	}
	return nil
}

// Seen reports whether a provider message id has already been persisted.
func (s *Service) Seen(ctx context.Context, providerMessageID string) (bool, error) {
	if providerMessageID == "" {
		return false, nil
	}
	if s.seen != nil && s.seen.Check(providerMessageID) {
		return true, nil
	}
	exists, err := s.store.MessageExistsByProviderID(ctx, providerMessageID)
	if err != nil {
		return false, fmt.Errorf("checking provider id: %w", err)
	}
	if exists && s.seen != nil {
		s.seen.Mark(providerMessageID)
	}
	return exists, nil
}

// Append persists msg. A message whose provider id is already recorded is not stored again;
// the existing record is returned with created=false.
func (s *Service) Append(ctx context.Context, msg *store.Message) (*store.Message, bool, error) {
	stored, created, err := s.store.AppendMessage(ctx, msg)
	if err != nil {
		return nil, false, fmt.Errorf("appending message: %w", err)
	}
	if s.seen != nil && stored.ProviderMessageID != "" {
		s.seen.Mark(stored.ProviderMessageID)
	}
	if !created {
		s.logger.Debug("duplicate provider message ignored",
			"provider_message_id", stored.ProviderMessageID,
			"message_id", stored.ID)
	}
	return stored, created, nil
}

// History returns a conversation's messages oldest first.
func (s *Service) History(ctx context.Context, conversationID string) ([]*store.Message, error) {
	return s.store.ListMessages(ctx, conversationID)
}

// List returns conversations most recently updated first, optionally for one agent.
func (s *Service) List(ctx context.Context, agentID string) ([]*store.Conversation, error) {
	return s.store.ListConversations(ctx, store.ConversationFilter{AssignedAgentID: agentID})
}

// UnreadCounts maps customer IDs to unread counts for an agent's conversations.
func (s *Service) UnreadCounts(ctx context.Context, agentID string) (map[string]int, error) {
	convs, err := s.List(ctx, agentID)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(convs))
	for _, c := range convs {
		if c.UnreadCount > 0 {
			counts[c.CustomerID] = c.UnreadCount
		}
	}
	return counts, nil
}
