// ABOUTME: Pushes events to a single agent via presence or to the admin topic
// ABOUTME: A missing or failing agent connection is never an error

package realtime

import (
	"log/slog"

	"github.com/2389/coven-desk/internal/presence"
)

// Target labels reported to fan-out observers.
const (
	TargetAgent  = "agent"
	TargetAdmins = "admins"
)

// Fanout delivers realtime events.
type Fanout struct {
	registry *presence.Registry
	topics   *Topics
	observe  func(target string, delivered int)
	logger   *slog.Logger
}

// FanoutOption configures a Fanout.
type FanoutOption func(*Fanout)

// WithFanoutObserver registers a callback invoked after every push with the number of
// connections that accepted the event.
func WithFanoutObserver(fn func(target string, delivered int)) FanoutOption {
	return func(f *Fanout) { f.observe = fn }
}

// NewFanout creates a Fanout.
func NewFanout(registry *presence.Registry, topics *Topics, logger *slog.Logger, opts ...FanoutOption) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fanout{
		registry: registry,
		topics:   topics,
		logger:   logger.With("component", "fanout"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// PushToAgent sends ev to the agent's live connection. It returns false when the agent has
// no connection or the connection refused the event; the caller falls back to persistence.
func (f *Fanout) PushToAgent(agentID string, ev presence.Event) bool {
	delivered := 0
	defer func() { f.report(TargetAgent, delivered) }()

	h, ok := f.registry.Lookup(agentID)
	if !ok {
		return false
	}
	if err := h.Send(ev); err != nil {
		f.logger.Warn("push to agent failed", "agent_id", agentID, "event", ev.Name, "conn", h.ID(), "error", err)
		return false
	}
	delivered = 1
	return true
}

// PushToAdmins broadcasts ev to every admin connection.
func (f *Fanout) PushToAdmins(ev presence.Event) {
	f.report(TargetAdmins, f.topics.Publish(TopicAdmins, ev, ""))
}

func (f *Fanout) report(target string, delivered int) {
	if f.observe != nil {
		f.observe(target, delivered)
	}
}
