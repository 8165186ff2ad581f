// Package gateway orchestrates the coven-desk server components.
//
// # Overview
//
// Gateway owns the store, the dispatch queue, the realtime websocket server
// and the provider client, and exposes them over one HTTP server plus an
// optional gRPC health server. Listeners are plain TCP or, with tailscale
// enabled, a tsnet node whose Funnel gives the provider a public webhook URL.
//
// # HTTP API
//
//	GET  /webhook                 provider subscription handshake (hub.*)
//	POST /webhook                 inbound messages and delivery statuses
//	POST /send                    enqueue an outbound message, 202 with jobId
//	GET  /send/{jobID}            queued | running | sent | failed
//	POST /agent/login             credentials -> token, marks the agent online
//	POST /agent/logout            marks the agent offline
//	GET  /agent/conversations     an agent's customers
//	GET  /agent/unread-counts     customer -> unread count for an agent
//	POST /admin/login             credentials -> token
//	GET  /admin/all-chats         every conversation, newest first
//	POST /admin/emit-all-chats    push admin_all_chats to admin sessions
//	GET  /admin/agents            agents with online flag and chat counts
//	GET  /media-proxy?url=        stream provider media with the bearer token
//	GET  /ws                      realtime agent and admin sessions
//	GET  /health, /health/ready   liveness and readiness
//
// When auth.jwt_secret is set, the send, agent and admin routes require a
// bearer token of the matching role. Agent tokens are pinned to their own
// agent id.
//
// # Lifecycle
//
// New builds every component and starts the dispatch workers. Run opens the
// listeners and blocks until its context ends. Shutdown stops HTTP intake,
// closes realtime sessions, lets in-flight sends finish, drains domain events
// and closes the store.
package gateway
