// ABOUTME: Asynchronous domain event emitter in front of a Publisher
// ABOUTME: Never blocks callers; a full buffer or publish failure is logged and dropped

package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-desk/internal/dispatch"
	"github.com/2389/coven-desk/internal/inbound"
	"github.com/2389/coven-desk/internal/store"
)

const (
	defaultBuffer  = 256
	publishTimeout = 5 * time.Second
)

type pending struct {
	key string
	env Envelope
}

// Emitter converts desk activity into envelopes and publishes them in the background.
// A nil *Emitter is valid and drops everything.
type Emitter struct {
	publisher Publisher
	queue     chan pending
	logger    *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewEmitter starts the background publisher loop.
func NewEmitter(publisher Publisher, buffer int, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	e := &Emitter{
		publisher: publisher,
		queue:     make(chan pending, buffer),
		logger:    logger.With("component", "events"),
		done:      make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *Emitter) run() {
	defer close(e.done)
	for p := range e.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := e.publisher.Publish(ctx, p.key, p.env); err != nil {
			e.logger.Warn("event publish failed", "type", p.env.Meta.Type, "event_id", p.env.Meta.ID, "error", err)
		}
		cancel()
	}
}

// Emit queues an event. It never blocks.
func (e *Emitter) Emit(eventType string, data any) {
	if e == nil {
		return
	}
	env := NewEnvelope(eventType, data)

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.logger.Debug("event dropped after close", "type", eventType)
		return
	}
	select {
	case e.queue <- pending{key: eventType, env: env}:
	default:
		e.logger.Warn("event buffer full, dropping", "type", eventType, "event_id", env.Meta.ID)
	}
}

// InboundObserved is an inbound.WithObserver callback.
func (e *Emitter) InboundObserved(o inbound.Outcome) {
	if o.ConversationCreated {
		e.Emit(TypeConversationAssigned, ConversationAssigned{
			ConversationID: o.ConversationID,
			CustomerID:     o.CustomerID,
			AgentID:        o.AgentID,
		})
	}
	if o.State == inbound.StateFannedOut {
		e.Emit(TypeMessageInbound, MessageInbound{
			ConversationID:    o.ConversationID,
			MessageID:         o.MessageID,
			CustomerID:        o.CustomerID,
			AgentID:           o.AgentID,
			Kind:              o.Kind,
			ProviderMessageID: o.ProviderMessageID,
			PushedToAgent:     o.PushedToAgent,
		})
	}
}

// JobSent records a delivered outbound message.
func (e *Emitter) JobSent(job *dispatch.Job, msg *store.Message) {
	e.Emit(TypeMessageOutbound, MessageOutbound{
		JobID:             job.ID,
		ConversationID:    job.ConversationID,
		MessageID:         msg.ID,
		CustomerID:        job.Recipient,
		AgentID:           job.AgentID,
		Kind:              job.Kind(),
		ProviderMessageID: msg.ProviderMessageID,
	})
}

// JobFailed records a terminally failed outbound job.
func (e *Emitter) JobFailed(job *dispatch.Job, err error) {
	e.Emit(TypeSendFailed, SendFailed{
		JobID:      job.ID,
		CustomerID: job.Recipient,
		AgentID:    job.AgentID,
		Kind:       job.Kind(),
		Attempt:    job.Attempt,
		Error:      err.Error(),
	})
}

// Close drains queued events, waiting up to ctx's deadline, then closes the publisher.
func (e *Emitter) Close(ctx context.Context) error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()

	select {
	case <-e.done:
	case <-ctx.Done():
		e.logger.Warn("event drain interrupted", "pending", len(e.queue))
	}
	return e.publisher.Close()
}
