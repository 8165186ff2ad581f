// ABOUTME: HTTP API handlers for outbound sends, logins and the agent/admin read views
// ABOUTME: POST /send acknowledges with a job id before the provider is contacted

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/2389/coven-desk/internal/auth"
	"github.com/2389/coven-desk/internal/dispatch"
	"github.com/2389/coven-desk/internal/store"
)

// SendResponse is the JSON response for POST /send.
type SendResponse struct {
	Success bool   `json:"success"`
	JobID   string `json:"jobId"`
}

// LoginRequest is the JSON request body for POST /agent/login and /admin/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is the JSON response for a successful login.
type LoginResponse struct {
	AgentID  string `json:"agentId,omitempty"`
	AdminID  string `json:"adminId,omitempty"`
	Username string `json:"username"`
	Name     string `json:"name,omitempty"`
	Token    string `json:"token,omitempty"`
}

// LogoutRequest is the JSON request body for POST /agent/logout.
type LogoutRequest struct {
	AgentID string `json:"agentId"`
}

// ConversationResponse is one entry of GET /agent/conversations.
type ConversationResponse struct {
	Customer       string    `json:"customer"`
	ConversationID string    `json:"conversationId"`
	Status         string    `json:"status"`
	UnreadCount    int       `json:"unreadCount"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// handleSend handles POST /send. The job runs in the background; its outcome is
// available from GET /send/{jobID} and the send_failed push.
func (g *Gateway) handleSend(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxSendBytes)
	var req dispatch.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	// An agent token sends as that agent.
	if id := auth.FromContext(r.Context()); id != nil && !id.IsAdmin() {
		if req.AgentID != "" && req.AgentID != id.PrincipalID {
			g.sendJSONError(w, http.StatusForbidden, "agentId does not match token")
			return
		}
		req.AgentID = id.PrincipalID
	}

	if req.AgentID != "" {
		if _, err := g.store.GetAgent(r.Context(), req.AgentID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				g.sendJSONError(w, http.StatusBadRequest, "unknown agent")
				return
			}
			g.logger.Error("failed to look up agent", "agent_id", req.AgentID, "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
	}

	job, err := req.Job()
	if err != nil {
		if errors.Is(err, dispatch.ErrMissingRecipient) || errors.Is(err, dispatch.ErrInvalidJob) {
			g.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		g.logger.Error("failed to build send job", "to", req.To, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	jobID, err := g.queue.Enqueue(job)
	if err != nil {
		if errors.Is(err, dispatch.ErrQueueClosed) {
			g.sendJSONError(w, http.StatusServiceUnavailable, "shutting down")
			return
		}
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	g.writeJSON(w, http.StatusAccepted, SendResponse{Success: true, JobID: jobID})
}

// handleSendStatus handles GET /send/{jobID}.
func (g *Gateway) handleSendStatus(w http.ResponseWriter, r *http.Request) {
	status, ok := g.queue.Status(r.PathValue("jobID"))
	if !ok {
		g.sendJSONError(w, http.StatusNotFound, "job not found")
		return
	}
	g.writeJSON(w, http.StatusOK, status)
}

// handleAgentLogin handles POST /agent/login and marks the agent online.
func (g *Gateway) handleAgentLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		g.sendJSONError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	agent, sess, err := g.authenticator.LoginAgent(r.Context(), req.Username, req.Password)
	if err != nil {
		g.writeLoginError(w, "agent", req.Username, err)
		return
	}
	if err := g.store.SetAgentOnline(r.Context(), agent.ID, true); err != nil {
		g.logger.Error("failed to mark agent online", "agent_id", agent.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.realtime.BroadcastAgentsStatus(r.Context())
	g.logger.Info("agent logged in", "agent_id", agent.ID, "username", agent.Username)

	g.writeJSON(w, http.StatusOK, LoginResponse{
		AgentID:  agent.ID,
		Username: agent.Username,
		Name:     agent.DisplayName,
		Token:    sess.Token,
	})
}

// handleAgentLogout handles POST /agent/logout, marks the agent offline and closes its realtime session.
func (g *Gateway) handleAgentLogout(w http.ResponseWriter, r *http.Request) {
	var req LogoutRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	agentID, ok := g.agentScope(w, r, req.AgentID)
	if !ok {
		return
	}
	if agentID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "agentId is required")
		return
	}

	if err := g.store.SetAgentOnline(r.Context(), agentID, false); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "agent not found")
			return
		}
		g.logger.Error("failed to mark agent offline", "agent_id", agentID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	disconnected := g.realtime.DisconnectAgent(agentID)
	g.realtime.BroadcastAgentsStatus(r.Context())
	g.logger.Info("agent logged out", "agent_id", agentID, "session_closed", disconnected)

	g.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleAdminLogin handles POST /admin/login.
func (g *Gateway) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		g.sendJSONError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	admin, sess, err := g.authenticator.LoginAdmin(r.Context(), req.Username, req.Password)
	if err != nil {
		g.writeLoginError(w, "admin", req.Username, err)
		return
	}
	g.logger.Info("admin logged in", "admin_id", admin.ID, "username", admin.Username)

	g.writeJSON(w, http.StatusOK, LoginResponse{
		AdminID:  admin.ID,
		Username: admin.Username,
		Name:     admin.DisplayName,
		Token:    sess.Token,
	})
}

func (g *Gateway) writeLoginError(w http.ResponseWriter, role, username string, err error) {
	if errors.Is(err, auth.ErrInvalidCredentials) {
		g.logger.Warn("login rejected", "role", role, "username", username)
		g.sendJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	g.logger.Error("login failed", "role", role, "username", username, "error", err)
	g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
}

// handleAgentConversations handles GET /agent/conversations?agentId=.
func (g *Gateway) handleAgentConversations(w http.ResponseWriter, r *http.Request) {
	agentID, ok := g.requiredAgentScope(w, r)
	if !ok {
		return
	}

	convs, err := g.conversations.List(r.Context(), agentID)
	if err != nil {
		g.logger.Error("failed to list conversations", "agent_id", agentID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]ConversationResponse, 0, len(convs))
	for _, c := range convs {
		resp = append(resp, ConversationResponse{
			Customer:       c.CustomerID,
			ConversationID: c.ID,
			Status:         c.Status,
			UnreadCount:    c.UnreadCount,
			UpdatedAt:      c.UpdatedAt,
		})
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleUnreadCounts handles GET /agent/unread-counts?agentId=.
func (g *Gateway) handleUnreadCounts(w http.ResponseWriter, r *http.Request) {
	agentID, ok := g.requiredAgentScope(w, r)
	if !ok {
		return
	}

	counts, err := g.conversations.UnreadCounts(r.Context(), agentID)
	if err != nil {
		g.logger.Error("failed to count unread", "agent_id", agentID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.writeJSON(w, http.StatusOK, counts)
}

// handleAllChats handles GET /admin/all-chats.
func (g *Gateway) handleAllChats(w http.ResponseWriter, r *http.Request) {
	chats, err := g.views.AllChats(r.Context())
	if err != nil {
		g.logger.Error("failed to build chat list", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.writeJSON(w, http.StatusOK, chats)
}

// handleEmitAllChats handles POST /admin/emit-all-chats.
func (g *Gateway) handleEmitAllChats(w http.ResponseWriter, r *http.Request) {
	n, err := g.realtime.BroadcastAllChats(r.Context())
	if err != nil {
		g.logger.Error("failed to broadcast chat list", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"success": true, "delivered": n})
}

// handleListAgents handles GET /admin/agents.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := g.views.AgentsStatus(r.Context())
	if err != nil {
		g.logger.Error("failed to build agent list", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.writeJSON(w, http.StatusOK, agents)
}

// agentScope resolves which agent a request acts on. Agent tokens are pinned to their
// own id; admins and unauthenticated deployments use the requested id.
func (g *Gateway) agentScope(w http.ResponseWriter, r *http.Request, requested string) (string, bool) {
	id := auth.FromContext(r.Context())
	if id == nil || id.IsAdmin() {
		return requested, true
	}
	if requested != "" && requested != id.PrincipalID {
		g.sendJSONError(w, http.StatusForbidden, "agentId does not match token")
		return "", false
	}
	return id.PrincipalID, true
}

func (g *Gateway) requiredAgentScope(w http.ResponseWriter, r *http.Request) (string, bool) {
	agentID, ok := g.agentScope(w, r, r.URL.Query().Get("agentId"))
	if !ok {
		return "", false
	}
	if agentID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "agentId is required")
		return "", false
	}
	return agentID, true
}

// writeJSON writes v as a JSON response.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}

// detach keeps request values but survives the client disconnecting.
func detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
