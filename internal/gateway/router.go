// ABOUTME: HTTP route table for the desk: webhook, send API, agent/admin endpoints, websocket, health
// ABOUTME: Token checks apply only when auth.jwt_secret is configured

package gateway

import (
	"net/http"

	"github.com/2389/coven-desk/internal/auth"
)

// maxWebhookBytes bounds a single webhook delivery body.
const maxWebhookBytes = 4 << 20

// maxSendBytes bounds a POST /send body, which may carry base64 media.
const maxSendBytes = 32 << 20

// routes builds the HTTP handler.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	if g.config.Metrics.Enabled {
		mux.Handle("GET "+g.config.Metrics.Path, g.metrics.Handler())
	}

	// Provider webhook - authenticated by the verify token handshake
	mux.HandleFunc("GET /webhook", g.handleWebhookVerify)
	mux.HandleFunc("POST /webhook", g.handleWebhook)

	// Logins issue tokens
	mux.HandleFunc("POST /agent/login", g.handleAgentLogin)
	mux.HandleFunc("POST /admin/login", g.handleAdminLogin)

	// Realtime sessions authenticate per registration frame
	mux.Handle("GET /ws", g.realtime)

	anyPrincipal := auth.RequireRole(g.verifier, auth.RoleAgent, auth.RoleAdmin)
	agentOnly := auth.RequireRole(g.verifier, auth.RoleAgent)
	adminOnly := auth.RequireRole(g.verifier, auth.RoleAdmin)

	mux.Handle("POST /send", anyPrincipal(http.HandlerFunc(g.handleSend)))
	mux.Handle("GET /send/{jobID}", anyPrincipal(http.HandlerFunc(g.handleSendStatus)))
	mux.Handle("GET /media-proxy", anyPrincipal(http.HandlerFunc(g.handleMediaProxy)))

	mux.Handle("POST /agent/logout", agentOnly(http.HandlerFunc(g.handleAgentLogout)))
	mux.Handle("GET /agent/conversations", anyPrincipal(http.HandlerFunc(g.handleAgentConversations)))
	mux.Handle("GET /agent/unread-counts", anyPrincipal(http.HandlerFunc(g.handleUnreadCounts)))

	mux.Handle("GET /admin/all-chats", adminOnly(http.HandlerFunc(g.handleAllChats)))
	mux.Handle("POST /admin/emit-all-chats", adminOnly(http.HandlerFunc(g.handleEmitAllChats)))
	mux.Handle("GET /admin/agents", adminOnly(http.HandlerFunc(g.handleListAgents)))

	return mux
}
