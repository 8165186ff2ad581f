// ABOUTME: In-memory topic membership for broadcasting events to groups of connections
// ABOUTME: Publishes to every member of a topic without blocking on slow connections

package realtime

import (
	"log/slog"
	"sync"

	"github.com/2389/coven-desk/internal/presence"
)

// TopicAdmins is the broadcast topic every registered admin connection joins.
const TopicAdmins = "admins"

// Topics provides in-memory pub/sub over live connections. Members register for a
// topic name and receive every event published to it.
type Topics struct {
	mu      sync.RWMutex
	members map[string]map[string]presence.Handle // topic -> connID -> handle
	logger  *slog.Logger
}

// NewTopics creates a Topics. Pass nil logger for default.
func NewTopics(logger *slog.Logger) *Topics {
	if logger == nil {
		logger = slog.Default()
	}
	return &Topics{
		members: make(map[string]map[string]presence.Handle),
		logger:  logger.With("component", "topics"),
	}
}

// Join adds h to topic. Joining twice is a no-op.
func (t *Topics) Join(topic string, h presence.Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.members[topic]; !ok {
		t.members[topic] = make(map[string]presence.Handle)
	}
	t.members[topic][h.ID()] = h

	t.logger.Debug("member joined", "topic", topic, "conn", h.ID())
}

// LeaveAll removes h from every topic and returns the topics it left.
func (t *Topics) LeaveAll(h presence.Handle) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var left []string
	for topic, subs := range t.members {
		if _, ok := subs[h.ID()]; ok {
			t.leaveLocked(topic, h.ID())
			left = append(left, topic)
		}
	}
	return left
}

func (t *Topics) leaveLocked(topic, connID string) {
	subs, ok := t.members[topic]
	if !ok {
		return
	}
	if _, exists := subs[connID]; !exists {
		return
	}
	delete(subs, connID)

	// Clean up empty topic entries
	if len(subs) == 0 {
		delete(t.members, topic)
	}

	t.logger.Debug("member left", "topic", topic, "conn", connID)
}

// Publish sends ev to all members of topic and returns how many accepted it.
// If excludeConnID is non-empty, that member is skipped.
// Members whose send buffer is full miss the event.
func (t *Topics) Publish(topic string, ev presence.Event, excludeConnID string) int {
	t.mu.RLock()
	subs, ok := t.members[topic]
	if !ok || len(subs) == 0 {
		t.mu.RUnlock()
		return 0
	}

	// Copy handles under read lock to avoid holding lock during sends
	targets := make([]presence.Handle, 0, len(subs))
	for id, h := range subs {
		if excludeConnID != "" && id == excludeConnID {
			continue
		}
		targets = append(targets, h)
	}
	t.mu.RUnlock()

	delivered := 0
	for _, h := range targets {
		if err := h.Send(ev); err != nil {
			t.logger.Debug("dropped event for member",
				"topic", topic,
				"event", ev.Name,
				"conn", h.ID(),
				"error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// Members returns the number of connections in topic.
func (t *Topics) Members(topic string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.members[topic])
}

// Close drops every membership.
func (t *Topics) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for topic := range t.members {
		delete(t.members, topic)
	}

	t.logger.Debug("topics closed")
}
