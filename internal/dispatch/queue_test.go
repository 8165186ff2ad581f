// ABOUTME: Tests for the dispatch queue.
// ABOUTME: Bounded concurrency, non-blocking enqueue, status tracking, log-and-drop and shutdown.

package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-desk/internal/store"
)

// gaugeRunner tracks how many jobs run at once.
type gaugeRunner struct {
	active  atomic.Int32
	peak    atomic.Int32
	hold    time.Duration
	release chan struct{}
	fail    func(*Job) error
	done    sync.WaitGroup
}

func (g *gaugeRunner) Run(ctx context.Context, job *Job) (*store.Message, error) {
	defer g.done.Done()
	n := g.active.Add(1)
	defer g.active.Add(-1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if g.release != nil {
		<-g.release
	}
	time.Sleep(g.hold)
	if g.fail != nil {
		if err := g.fail(job); err != nil {
			return nil, err
		}
	}
	return &store.Message{ID: "msg-" + job.ID, ProviderMessageID: "wamid." + job.ID}, nil
}

func textJob(to string) *Job {
	return &Job{Recipient: to, Content: store.Text{Body: "hi"}}
}

func waitForState(t *testing.T, q *Queue, id string, want State) Status {
	t.Helper()
	var st Status
	require.Eventually(t, func() bool {
		var ok bool
		st, ok = q.Status(id)
		return ok && st.State == want
	}, 2*time.Second, 5*time.Millisecond)
	return st
}

func TestQueue_BoundedConcurrency(t *testing.T) {
	runner := &gaugeRunner{hold: 20 * time.Millisecond}
	q := NewQueue(Config{MaxConcurrent: 2}, runner, nil)
	q.Start(t.Context())
	defer q.Shutdown(context.Background())

	const jobs = 10
	runner.done.Add(jobs)
	for i := 0; i < jobs; i++ {
		_, err := q.Enqueue(textJob("+1555"))
		require.NoError(t, err)
	}
	runner.done.Wait()

	assert.LessOrEqual(t, runner.peak.Load(), int32(2))
	assert.Equal(t, int32(2), runner.peak.Load(), "both workers should have been busy")
}

func TestQueue_EnqueueReturnsBeforeJobRuns(t *testing.T) {
	runner := &gaugeRunner{release: make(chan struct{})}
	q := NewQueue(Config{MaxConcurrent: 1}, runner, nil)
	q.Start(t.Context())
	defer q.Shutdown(context.Background())

	runner.done.Add(1)
	id, err := q.Enqueue(textJob("+1555"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	st, ok := q.Status(id)
	require.True(t, ok)
	assert.Contains(t, []State{StateQueued, StateRunning}, st.State)

	close(runner.release)
	runner.done.Wait()
	st = waitForState(t, q, id, StateSent)
	assert.Equal(t, "wamid."+id, st.ProviderMessageID)
	assert.Equal(t, "text", st.Kind)
	assert.Equal(t, 1, st.Attempt)
}

func TestQueue_ConcurrentEnqueueEndsSent(t *testing.T) {
	runner := &gaugeRunner{}
	q := NewQueue(Config{MaxConcurrent: 4, StatusHistory: 10000}, runner, nil)
	q.Start(t.Context())

	const producers, perProducer = 8, 500
	runner.done.Add(producers * perProducer)

	ids := make(chan string, producers*perProducer)
	var wg sync.WaitGroup
	for range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perProducer {
				id, err := q.Enqueue(textJob("+1555"))
				if !assert.NoError(t, err) {
					runner.done.Done()
					continue
				}
				ids <- id
			}
		}()
	}
	wg.Wait()
	close(ids)
	runner.done.Wait()
	require.NoError(t, q.Shutdown(context.Background()))

	stale := 0
	for id := range ids {
		st, ok := q.Status(id)
		if !ok || st.State != StateSent {
			stale++
		}
	}
	assert.Zero(t, stale, "every delivered job must report sent")
}

func TestQueue_FailureIsLoggedAndDropped(t *testing.T) {
	boom := errors.New("graph api 500")
	runner := &gaugeRunner{fail: func(j *Job) error {
		if j.Recipient == "+bad" {
			return boom
		}
		return nil
	}}

	var mu sync.Mutex
	var failed []string
	var sent []string
	q := NewQueue(Config{MaxConcurrent: 2}, runner, nil, WithHooks(Hooks{
		OnFailed: func(job *Job, err error) {
			mu.Lock()
			defer mu.Unlock()
			assert.ErrorIs(t, err, boom)
			failed = append(failed, job.ID)
		},
		OnSent: func(job *Job, msg *store.Message) {
			mu.Lock()
			defer mu.Unlock()
			sent = append(sent, job.ID)
		},
	}))
	q.Start(t.Context())
	defer q.Shutdown(context.Background())

	runner.done.Add(2)
	badID, err := q.Enqueue(textJob("+bad"))
	require.NoError(t, err)
	goodID, err := q.Enqueue(textJob("+good"))
	require.NoError(t, err)
	runner.done.Wait()

	st := waitForState(t, q, badID, StateFailed)
	assert.Contains(t, st.Error, "graph api 500")
	waitForState(t, q, goodID, StateSent)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failed) == 1 && len(sent) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, q.Depth())
}

type panicRunner struct{}

func (panicRunner) Run(ctx context.Context, job *Job) (*store.Message, error) {
	panic("nil map")
}

func TestQueue_PanicFailsJobOnly(t *testing.T) {
	q := NewQueue(Config{MaxConcurrent: 1}, panicRunner{}, nil)
	q.Start(t.Context())
	defer q.Shutdown(context.Background())

	id, err := q.Enqueue(textJob("+1"))
	require.NoError(t, err)
	st := waitForState(t, q, id, StateFailed)
	assert.Contains(t, st.Error, "panicked")

	// the worker survived
	id, err = q.Enqueue(textJob("+2"))
	require.NoError(t, err)
	waitForState(t, q, id, StateFailed)
}

func TestQueue_InvalidJob(t *testing.T) {
	q := NewQueue(Config{}, &gaugeRunner{}, nil)

	_, err := q.Enqueue(&Job{Content: store.Text{Body: "x"}})
	assert.ErrorIs(t, err, ErrInvalidJob)

	_, err = q.Enqueue(&Job{Recipient: "+1"})
	assert.ErrorIs(t, err, ErrInvalidJob)
}

func TestQueue_ShutdownDropsPendingAndRejects(t *testing.T) {
	runner := &gaugeRunner{release: make(chan struct{})}
	q := NewQueue(Config{MaxConcurrent: 1}, runner, nil)
	q.Start(t.Context())
	assert.True(t, q.Running())

	runner.done.Add(1)
	first, err := q.Enqueue(textJob("+1"))
	require.NoError(t, err)
	waitForState(t, q, first, StateRunning)

	second, err := q.Enqueue(textJob("+2"))
	require.NoError(t, err)

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- q.Shutdown(context.Background()) }()

	waitForState(t, q, second, StateFailed)
	close(runner.release)
	require.NoError(t, <-shutdownDone)

	waitForState(t, q, first, StateSent)
	assert.False(t, q.Running())

	_, err = q.Enqueue(textJob("+3"))
	assert.ErrorIs(t, err, ErrQueueClosed)
}

type recordingObserver struct {
	mu       sync.Mutex
	started  int
	finished map[State]int
}

func (o *recordingObserver) QueueDepth(n int) {}
func (o *recordingObserver) JobStarted() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}
func (o *recordingObserver) JobFinished(kind string, state State, elapsed time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished[state]++
}

func TestQueue_Observer(t *testing.T) {
	obs := &recordingObserver{finished: map[State]int{}}
	runner := &gaugeRunner{}
	q := NewQueue(Config{MaxConcurrent: 1}, runner, nil, WithObserver(obs))
	q.Start(t.Context())
	defer q.Shutdown(context.Background())

	runner.done.Add(3)
	var last string
	for i := 0; i < 3; i++ {
		id, err := q.Enqueue(textJob("+1"))
		require.NoError(t, err)
		last = id
	}
	runner.done.Wait()
	waitForState(t, q, last, StateSent)

	require.Eventually(t, func() bool {
		obs.mu.Lock()
		defer obs.mu.Unlock()
		return obs.finished[StateSent] == 3
	}, time.Second, 5*time.Millisecond)
	obs.mu.Lock()
	assert.Equal(t, 3, obs.started)
	obs.mu.Unlock()
}

func TestJob_Kind(t *testing.T) {
	assert.Equal(t, "text", (&Job{Content: store.Text{}}).Kind())
	assert.Equal(t, "voice", (&Job{Content: store.Audio{VoiceNote: true}}).Kind())
	assert.Equal(t, "audio", (&Job{Content: store.Audio{}}).Kind())
	assert.Equal(t, "image", (&Job{Content: store.Image{}}).Kind())
	assert.Equal(t, "document", (&Job{Content: store.Document{}}).Kind())
}
