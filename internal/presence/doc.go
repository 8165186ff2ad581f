// Package presence tracks live agent connections.
//
// The Registry is the only source of truth for whether an event can be pushed
// to an agent right now. It is in-memory and connection scoped: nothing is
// persisted, and after a restart every agent is absent until it reconnects.
//
// Key operations:
//
//   - Register(agentID, h): bind an agent to a handle, superseding any prior one
//   - Unregister(agentID): explicit "agent unreachable"
//   - UnregisterHandle(h): transport close, removes whatever still points at h
//   - Lookup(agentID): the current handle, or false
//
// A lookup miss is never an error; callers deliver through persistence only.
package presence
