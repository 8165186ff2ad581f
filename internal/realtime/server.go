// ABOUTME: WebSocket endpoint for agent and admin sessions
// ABOUTME: Handles register_agent, admin_register, load_messages and agent_message frames

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-desk/internal/auth"
	"github.com/2389/coven-desk/internal/conversation"
	"github.com/2389/coven-desk/internal/dispatch"
	"github.com/2389/coven-desk/internal/presence"
	"github.com/2389/coven-desk/internal/store"
)

// Client to server events.
const (
	EventRegisterAgent = "register_agent"
	EventAdminRegister = "admin_register"
	EventLoadMessages  = "load_messages"
	EventAgentMessage  = "agent_message"
)

// Server to client events.
const (
	EventRegistered    = "registered"
	EventAgentsStatus  = "agents_status"
	EventActiveChats   = "active_chats"
	EventAdminAllChats = "admin_all_chats"
	EventChatHistory   = "chat_history"
	EventMessageSaved  = "message_saved"
	EventSendFailed    = "send_failed"
	EventError         = "error"
)

const handlerTimeout = 10 * time.Second

var errNotRegistered = errors.New("register before loading or sending messages")

// Frame is the JSON envelope of every realtime message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Agents is the agent directory access the server needs.
type Agents interface {
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
	SetAgentOnline(ctx context.Context, id string, online bool) error
}

// Conversations is the conversation access the server needs.
type Conversations interface {
	GetByCustomer(ctx context.Context, customerID string) (*store.Conversation, error)
	History(ctx context.Context, conversationID string) ([]*store.Message, error)
	MarkRead(ctx context.Context, id string) error
	FindOrCreate(ctx context.Context, customerID string, opts ...conversation.CreateOption) (*store.Conversation, bool, error)
	Append(ctx context.Context, msg *store.Message) (*store.Message, bool, error)
	Touch(ctx context.Context, id string, unreadDelta int, unreadOwner string) error
}

// Config holds websocket settings.
type Config struct {
	AllowedOrigins  []string
	SendBuffer      int
	PingInterval    time.Duration
	MaxMessageBytes int64
}

// Deps are the collaborators of a Server. Verifier may be nil to accept registrations
// without tokens.
type Deps struct {
	Registry      *presence.Registry
	Topics        *Topics
	Agents        Agents
	Conversations Conversations
	Views         *Views
	Verifier      auth.TokenVerifier
}

// Server upgrades HTTP requests to websocket sessions.
type Server struct {
	cfg      Config
	deps     Deps
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu     sync.Mutex
	conns  map[string]*Conn
	closed bool
	wg     sync.WaitGroup
}

// NewServer creates a Server.
func NewServer(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 32 << 20
	}
	return &Server{
		cfg:      cfg,
		deps:     deps,
		upgrader: makeUpgrader(cfg.AllowedOrigins),
		logger:   logger.With("component", "realtime"),
		conns:    make(map[string]*Conn),
	}
}

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// ServeHTTP runs one websocket session until the client disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	c := newConn(ws, s.cfg.SendBuffer, s.logger)
	if !s.track(c) {
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		_ = ws.Close()
		return
	}
	defer s.untrack(c)

	go c.writePump(s.cfg.PingInterval)
	defer s.cleanup(c)

	pongWait := 2 * s.cfg.PingInterval
	ws.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.logger.Info("realtime connection opened", "remote", r.RemoteAddr)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read error", "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.logger.Warn("invalid frame", "error", err)
			s.replyError(c, "invalid frame")
			continue
		}
		s.handle(r.Context(), c, f)
	}
}

func (s *Server) handle(parent context.Context, c *Conn, f Frame) {
	ctx, cancel := context.WithTimeout(parent, handlerTimeout)
	defer cancel()

	var err error
	switch f.Event {
	case EventRegisterAgent:
		err = s.handleRegisterAgent(ctx, c, f.Data)
	case EventAdminRegister:
		err = s.handleAdminRegister(ctx, c, f.Data)
	case EventLoadMessages:
		if err = s.requireRegistered(c); err == nil {
			err = s.handleLoadMessages(ctx, c, f.Data)
		}
	case EventAgentMessage:
		if err = s.requireRegistered(c); err == nil {
			err = s.handleAgentMessage(ctx, c, f.Data)
		}
	default:
		err = fmt.Errorf("unknown event %q", f.Event)
	}
	if err != nil {
		c.logger.Warn("realtime event failed", "event", f.Event, "agent_id", c.Agent(), "error", err)
		s.replyError(c, err.Error())
	}
}

// registration is the payload of register_agent and admin_register. A bare JSON string is
// accepted as the id.
type registration struct {
	AgentID string `json:"agentId"`
	AdminID string `json:"adminId"`
	Token   string `json:"token"`
}

func parseRegistration(raw json.RawMessage) (registration, string, error) {
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return registration{}, id, nil
	}
	var reg registration
	if err := json.Unmarshal(raw, &reg); err != nil {
		return registration{}, "", fmt.Errorf("invalid registration: %w", err)
	}
	return reg, "", nil
}

// requireRegistered rejects conversation events from connections that have not
// registered as an agent or admin while token auth is on.
func (s *Server) requireRegistered(c *Conn) error {
	if s.deps.Verifier == nil || c.Agent() != "" || c.Admin() != "" {
		return nil
	}
	return errNotRegistered
}

func (s *Server) authorize(token, role, principalID string) error {
	if s.deps.Verifier == nil {
		return nil
	}
	if token == "" {
		return errors.New("token required")
	}
	id, err := s.deps.Verifier.Verify(token)
	if err != nil {
		return err
	}
	if id.Role != role || id.PrincipalID != principalID {
		return errors.New("token does not match registration")
	}
	return nil
}

func (s *Server) handleRegisterAgent(ctx context.Context, c *Conn, raw json.RawMessage) error {
	reg, agentID, err := parseRegistration(raw)
	if err != nil {
		return err
	}
	if agentID == "" {
		agentID = reg.AgentID
	}
	if agentID == "" {
		return errors.New("agentId is required")
	}
	if err := s.authorize(reg.Token, auth.RoleAgent, agentID); err != nil {
		return err
	}
	if _, err := s.deps.Agents.GetAgent(ctx, agentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("unknown agent %s", agentID)
		}
		return err
	}

	s.deps.Registry.Register(agentID, c)
	c.setAgent(agentID)

	if err := s.deps.Agents.SetAgentOnline(ctx, agentID, true); err != nil {
		c.logger.Warn("failed to mark agent online", "agent_id", agentID, "error", err)
	}

	_ = c.Send(presence.Event{Name: EventRegistered, Data: map[string]string{"agentId": agentID}})
	s.BroadcastAgentsStatus(ctx)
	return nil
}

func (s *Server) handleAdminRegister(ctx context.Context, c *Conn, raw json.RawMessage) error {
	reg, adminID, err := parseRegistration(raw)
	if err != nil {
		return err
	}
	if adminID == "" {
		adminID = reg.AdminID
	}
	if adminID == "" {
		return errors.New("adminId is required")
	}
	if err := s.authorize(reg.Token, auth.RoleAdmin, adminID); err != nil {
		return err
	}

	s.deps.Topics.Join(TopicAdmins, c)
	c.setAdmin(adminID)
	c.logger.Info("admin connected", "admin_id", adminID)

	agents, err := s.deps.Views.AgentsStatus(ctx)
	if err != nil {
		return err
	}
	_ = c.Send(presence.Event{Name: EventAgentsStatus, Data: agents})

	chats, err := s.deps.Views.AllChats(ctx)
	if err != nil {
		return err
	}
	_ = c.Send(presence.Event{Name: EventActiveChats, Data: chats})
	return nil
}

func (s *Server) handleLoadMessages(ctx context.Context, c *Conn, raw json.RawMessage) error {
	var customerID string
	if err := json.Unmarshal(raw, &customerID); err != nil {
		var req struct {
			Customer string `json:"customer"`
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			return fmt.Errorf("invalid load_messages: %w", err)
		}
		customerID = req.Customer
	}

	history := []conversation.MessageView{}
	if customerID == "" {
		return c.Send(presence.Event{Name: EventChatHistory, Data: history})
	}

	conv, err := s.deps.Conversations.GetByCustomer(ctx, customerID)
	if errors.Is(err, store.ErrNotFound) {
		return c.Send(presence.Event{Name: EventChatHistory, Data: history})
	}
	if err != nil {
		_ = c.Send(presence.Event{Name: EventChatHistory, Data: history})
		return err
	}

	msgs, err := s.deps.Conversations.History(ctx, conv.ID)
	if err != nil {
		_ = c.Send(presence.Event{Name: EventChatHistory, Data: history})
		return err
	}
	for _, m := range msgs {
		history = append(history, conversation.NewMessageView(customerID, m))
	}

	if agentID := c.Agent(); agentID != "" && agentID == conv.AssignedAgentID && conv.UnreadCount > 0 {
		if err := s.deps.Conversations.MarkRead(ctx, conv.ID); err != nil {
			c.logger.Warn("failed to mark conversation read", "conversation_id", conv.ID, "error", err)
		}
	}

	return c.Send(presence.Event{Name: EventChatHistory, Data: history})
}

// handleAgentMessage records an agent-authored message without sending it to the provider.
func (s *Server) handleAgentMessage(ctx context.Context, c *Conn, raw json.RawMessage) error {
	var req dispatch.SendRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("invalid agent_message: %w", err)
	}
	if agentID := c.Agent(); agentID != "" {
		if req.AgentID != "" && req.AgentID != agentID {
			return errors.New("agentId does not match registration")
		}
		req.AgentID = agentID
	} else if req.AgentID != "" {
		if _, err := s.deps.Agents.GetAgent(ctx, req.AgentID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("unknown agent %s", req.AgentID)
			}
			return err
		}
	}
	content, err := req.Content()
	if err != nil {
		return err
	}

	var opts []conversation.CreateOption
	if req.AgentID != "" {
		opts = append(opts, conversation.WithAgent(req.AgentID))
	}
	conv, _, err := s.deps.Conversations.FindOrCreate(ctx, req.To, opts...)
	if err != nil {
		return err
	}

	msg, _, err := s.deps.Conversations.Append(ctx, &store.Message{
		ConversationID: conv.ID,
		Sender:         store.SenderAgent,
		SenderID:       req.AgentID,
		Content:        content,
	})
	if err != nil {
		return err
	}
	if err := s.deps.Conversations.Touch(ctx, conv.ID, 0, ""); err != nil {
		c.logger.Warn("failed to touch conversation", "conversation_id", conv.ID, "error", err)
	}

	return c.Send(presence.Event{Name: EventMessageSaved, Data: conversation.NewMessageView(conv.CustomerID, msg)})
}

// DisconnectAgent drops agentID's presence and closes its live session, if any.
func (s *Server) DisconnectAgent(agentID string) bool {
	h, ok := s.deps.Registry.Unregister(agentID)
	if !ok {
		return false
	}
	if c, ok := h.(*Conn); ok {
		c.Close()
	}
	return true
}

// BroadcastAllChats pushes admin_all_chats to every admin connection.
func (s *Server) BroadcastAllChats(ctx context.Context) (int, error) {
	chats, err := s.deps.Views.AllChats(ctx)
	if err != nil {
		return 0, err
	}
	return s.deps.Topics.Publish(TopicAdmins, presence.Event{Name: EventAdminAllChats, Data: chats}, ""), nil
}

// BroadcastAgentsStatus pushes agents_status to admins when any are connected.
func (s *Server) BroadcastAgentsStatus(ctx context.Context) {
	if s.deps.Topics.Members(TopicAdmins) == 0 {
		return
	}
	agents, err := s.deps.Views.AgentsStatus(ctx)
	if err != nil {
		s.logger.Warn("failed to build agents status", "error", err)
		return
	}
	s.deps.Topics.Publish(TopicAdmins, presence.Event{Name: EventAgentsStatus, Data: agents}, "")
}

// cleanup removes every trace of a closed connection and marks its agent offline.
func (s *Server) cleanup(c *Conn) {
	c.Close()
	s.deps.Topics.LeaveAll(c)

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	agents := s.deps.Registry.UnregisterHandle(c)
	for _, agentID := range agents {
		if err := s.deps.Agents.SetAgentOnline(ctx, agentID, false); err != nil {
			s.logger.Warn("failed to mark agent offline", "agent_id", agentID, "error", err)
		}
	}
	if len(agents) > 0 {
		s.BroadcastAgentsStatus(ctx)
	}
	c.logger.Info("realtime connection closed", "agents", agents)
}

func (s *Server) replyError(c *Conn, msg string) {
	_ = c.Send(presence.Event{Name: EventError, Data: map[string]string{"message": msg}})
}

func (s *Server) track(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c.ID()] = c
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c.ID())
	s.mu.Unlock()
	s.wg.Done()
}

// ConnCount returns the number of open sessions.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown closes every session and waits for their handlers to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
