// ABOUTME: Tests for the event emitter and envelope construction
// ABOUTME: Uses an in-memory publisher; no broker is required

package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-desk/internal/dispatch"
	"github.com/2389/coven-desk/internal/inbound"
	"github.com/2389/coven-desk/internal/store"
)

type memPublisher struct {
	mu     sync.Mutex
	events []Envelope
	keys   []string
	err    error
	block  chan struct{}
	closed bool
}

func (m *memPublisher) Publish(ctx context.Context, key string, env Envelope) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.keys = append(m.keys, key)
	m.events = append(m.events, env)
	return nil
}

func (m *memPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func TestNewEnvelope(t *testing.T) {
	env := NewEnvelope(TypeSendFailed, SendFailed{JobID: "j1"})
	assert.NotEmpty(t, env.Meta.ID)
	assert.Equal(t, TypeSendFailed, env.Meta.Type)
	assert.Equal(t, Producer, env.Meta.Producer)
	assert.WithinDuration(t, time.Now(), env.Meta.Time, time.Minute)
}

func TestEmitter_InboundObserved(t *testing.T) {
	pub := &memPublisher{}
	e := NewEmitter(pub, 0, nil)

	e.InboundObserved(inbound.Outcome{
		State: inbound.StateFannedOut, ConversationCreated: true,
		ConversationID: "c1", CustomerID: "+1555", AgentID: "a1", MessageID: "m1", Kind: "text",
	})
	e.InboundObserved(inbound.Outcome{State: inbound.StateDedupedOut, CustomerID: "+1555"})
	require.NoError(t, e.Close(context.Background()))

	assert.Equal(t, []string{TypeConversationAssigned, TypeMessageInbound}, pub.keys)
	assert.Equal(t, ConversationAssigned{ConversationID: "c1", CustomerID: "+1555", AgentID: "a1"}, pub.events[0].Data)
	assert.True(t, pub.closed)
}

func TestEmitter_JobHooks(t *testing.T) {
	pub := &memPublisher{}
	e := NewEmitter(pub, 0, nil)

	job := &dispatch.Job{ID: "j1", Recipient: "+1555", AgentID: "a1", ConversationID: "c1", Content: store.Text{Body: "hi"}}
	e.JobSent(job, &store.Message{ID: "m1", ProviderMessageID: "wamid.x"})
	e.JobFailed(job, errors.New("upstream 500"))
	require.NoError(t, e.Close(context.Background()))

	require.Len(t, pub.events, 2)
	assert.Equal(t, MessageOutbound{
		JobID: "j1", ConversationID: "c1", MessageID: "m1", CustomerID: "+1555",
		AgentID: "a1", Kind: "text", ProviderMessageID: "wamid.x",
	}, pub.events[0].Data)
	assert.Equal(t, "upstream 500", pub.events[1].Data.(SendFailed).Error)
}

func TestEmitter_NeverBlocks(t *testing.T) {
	pub := &memPublisher{block: make(chan struct{})}
	e := NewEmitter(pub, 1, nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			e.Emit(TypeSendFailed, SendFailed{JobID: "j"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a stuck publisher")
	}

	close(pub.block)
	require.NoError(t, e.Close(context.Background()))
	assert.LessOrEqual(t, len(pub.events), 2, "one in flight plus one buffered")

	e.Emit(TypeSendFailed, SendFailed{JobID: "late"})
}

func TestEmitter_PublishErrorsAreSwallowed(t *testing.T) {
	pub := &memPublisher{err: errors.New("channel closed")}
	e := NewEmitter(pub, 0, nil)
	e.Emit(TypeMessageInbound, MessageInbound{})
	require.NoError(t, e.Close(context.Background()))
	assert.Empty(t, pub.events)
}

func TestEmitter_NilIsSafe(t *testing.T) {
	var e *Emitter
	e.Emit(TypeSendFailed, nil)
	e.InboundObserved(inbound.Outcome{ConversationCreated: true})
	assert.NoError(t, e.Close(context.Background()))
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Second, backoff(time.Second, 1))
	assert.Equal(t, 4*time.Second, backoff(time.Second, 3))
	assert.Equal(t, MaxDelay, backoff(time.Second, 20))
}
