// Package realtime carries events between the desk and connected agent and admin browsers.
//
// # Transport
//
// Server upgrades /ws requests to websocket sessions. Every frame in both directions is
// JSON {"event": name, "data": payload}. Each Conn has a bounded send queue drained by a
// single writer goroutine that also sends keepalive pings; Send never blocks and reports
// ErrSlowConsumer when the queue is full.
//
// # Sessions
//
//   - register_agent binds the connection to an agent in the presence registry and marks
//     the agent online. A later registration for the same agent supersedes the earlier one.
//   - admin_register joins the admins topic and replies with agents_status and active_chats.
//   - load_messages replies with chat_history and clears the unread counter when the
//     requesting agent owns the conversation.
//   - agent_message stores an agent-authored message without sending it to the provider.
//
// When a connection closes, every presence entry pointing at it is removed and the agents
// it carried are marked offline.
//
// # Fan-out
//
// Fanout is the push side used by inbound processing and the outbound queue. A push to an
// agent without a live connection returns false and is not an error; admin broadcasts go
// to every member of the admins topic.
package realtime
