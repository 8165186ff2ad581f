// ABOUTME: Tracks which agents currently have a live realtime connection.
// ABOUTME: One handle per agent; a new registration supersedes the previous one.

package presence

import (
	"log/slog"
	"sort"
	"sync"
)

// Event is a named realtime payload delivered to a connection.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

// Handle is a live connection that can accept events.
// Send must not block; it returns an error when the event cannot be queued.
type Handle interface {
	ID() string
	Send(Event) error
}

// Registry maps agent IDs to their live handle.
type Registry struct {
	agents map[string]Handle
	mu     sync.RWMutex
	logger *slog.Logger
}

// NewRegistry creates a new Registry instance.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		agents: make(map[string]Handle),
		logger: logger.With("component", "presence"),
	}
}

// Register binds agentID to h and returns the handle it replaced, if any.
func (r *Registry) Register(agentID string, h Handle) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.agents[agentID]
	r.agents[agentID] = h

	if prev != nil && prev.ID() != h.ID() {
		r.logger.Info("agent connection superseded",
			"agent_id", agentID,
			"old_conn", prev.ID(),
			"new_conn", h.ID(),
		)
	} else {
		r.logger.Info("agent present",
			"agent_id", agentID,
			"conn", h.ID(),
			"total_agents", len(r.agents),
		)
	}
	return prev
}

// Unregister removes the agent's entry and returns the handle it was bound to.
func (r *Registry) Unregister(agentID string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, exists := r.agents[agentID]
	if !exists {
		return nil, false
	}
	delete(r.agents, agentID)
	r.logger.Info("agent absent",
		"agent_id", agentID,
		"conn", h.ID(),
		"total_agents", len(r.agents),
	)
	return h, true
}

// UnregisterHandle removes every entry bound to the given handle and returns the
// affected agent IDs. Called on transport close so a missed explicit unregister
// cannot leave a dead handle behind.
func (r *Registry) UnregisterHandle(h Handle) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for agentID, current := range r.agents {
		if current.ID() == h.ID() {
			delete(r.agents, agentID)
			removed = append(removed, agentID)
		}
	}
	if len(removed) > 0 {
		sort.Strings(removed)
		r.logger.Info("connection closed, agents absent",
			"conn", h.ID(),
			"agents", removed,
			"total_agents", len(r.agents),
		)
	}
	return removed
}

// Lookup returns the live handle for agentID.
func (r *Registry) Lookup(agentID string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.agents[agentID]
	return h, ok
}

// IsPresent reports whether agentID has a live handle.
func (r *Registry) IsPresent(agentID string) bool {
	_, ok := r.Lookup(agentID)
	return ok
}

// Count returns the number of present agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
