// ABOUTME: Tests for the presence registry.
// ABOUTME: Covers supersede-on-register, explicit and handle-based unregister, concurrency.

package presence

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	id     string
	mu     sync.Mutex
	events []Event
}

func (f *fakeHandle) ID() string { return f.id }

func (f *fakeHandle) Send(e Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry(nil)
	h := &fakeHandle{id: "conn-1"}

	prev := r.Register("agent-1", h)
	assert.Nil(t, prev)

	got, ok := r.Lookup("agent-1")
	require.True(t, ok)
	assert.Equal(t, "conn-1", got.ID())
	assert.True(t, r.IsPresent("agent-1"))
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_SecondRegisterSupersedes(t *testing.T) {
	r := NewRegistry(nil)
	old := &fakeHandle{id: "conn-1"}
	newer := &fakeHandle{id: "conn-2"}

	r.Register("agent-1", old)
	prev := r.Register("agent-1", newer)
	require.NotNil(t, prev)
	assert.Equal(t, "conn-1", prev.ID())

	got, ok := r.Lookup("agent-1")
	require.True(t, ok)
	assert.Equal(t, "conn-2", got.ID())

	// closing the superseded connection must not evict the live one
	assert.Empty(t, r.UnregisterHandle(old))
	assert.True(t, r.IsPresent("agent-1"))
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("agent-1", &fakeHandle{id: "conn-1"})

	h, ok := r.Unregister("agent-1")
	require.True(t, ok)
	assert.Equal(t, "conn-1", h.ID())
	_, ok = r.Unregister("agent-1")
	assert.False(t, ok)

	_, ok := r.Lookup("agent-1")
	assert.False(t, ok)
}

func TestRegistry_UnregisterHandle(t *testing.T) {
	r := NewRegistry(nil)
	shared := &fakeHandle{id: "conn-1"}
	other := &fakeHandle{id: "conn-2"}

	r.Register("agent-b", shared)
	r.Register("agent-a", shared)
	r.Register("agent-c", other)

	removed := r.UnregisterHandle(shared)
	assert.Equal(t, []string{"agent-a", "agent-b"}, removed)
	assert.False(t, r.IsPresent("agent-a"))
	assert.True(t, r.IsPresent("agent-c"))
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_LookupMissIsNotAnError(t *testing.T) {
	r := NewRegistry(nil)
	h, ok := r.Lookup("nobody")
	assert.False(t, ok)
	assert.Nil(t, h)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry(nil)
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			agentID := fmt.Sprintf("agent-%d", i%5)
			h := &fakeHandle{id: fmt.Sprintf("conn-%d", i)}
			r.Register(agentID, h)
			r.Lookup(agentID)
			if i%3 == 0 {
				r.UnregisterHandle(h)
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, r.Count(), 5)
}
