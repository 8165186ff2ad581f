// ABOUTME: Outbound dispatch queue: unbounded FIFO drained by a fixed pool of workers
// ABOUTME: Enqueue never blocks; failures are logged, recorded in job status and dropped

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/2389/coven-desk/internal/store"
)

// ErrQueueClosed is returned by Enqueue after Shutdown.
var ErrQueueClosed = errors.New("dispatch queue closed")

// ErrInvalidJob is returned for jobs without a recipient or content.
var ErrInvalidJob = errors.New("invalid job")

// State is the lifecycle position of a job.
type State string

const (
	StateQueued  State = "queued"
	StateRunning State = "running"
	StateSent    State = "sent"
	StateFailed  State = "failed"
)

// Job is one outbound send.
type Job struct {
	ID             string
	Attempt        int
	Recipient      string
	Content        store.Content
	ConversationID string // empty: resolved (or created) from Recipient after a successful send
	AgentID        string
	EnqueuedAt     time.Time
}

// Kind names the job for logs and metrics.
func (j *Job) Kind() string {
	switch c := j.Content.(type) {
	case store.Audio:
		if c.VoiceNote {
			return "voice"
		}
		return "audio"
	case nil:
		return "unknown"
	default:
		return string(c.Kind())
	}
}

// Status is the externally visible state of a job.
type Status struct {
	JobID             string    `json:"jobId"`
	State             State     `json:"state"`
	Kind              string    `json:"kind"`
	Recipient         string    `json:"to"`
	Attempt           int       `json:"attempt"`
	Error             string    `json:"error,omitempty"`
	ProviderMessageID string    `json:"providerMessageId,omitempty"`
	MessageID         string    `json:"messageId,omitempty"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Runner executes a job. It returns the stored agent message on success.
type Runner interface {
	Run(ctx context.Context, job *Job) (*store.Message, error)
}

// Observer receives queue metrics.
type Observer interface {
	QueueDepth(n int)
	JobStarted()
	JobFinished(kind string, state State, elapsed time.Duration)
}

// Hooks are called after a job reaches a terminal state.
type Hooks struct {
	OnSent   func(job *Job, msg *store.Message)
	OnFailed func(job *Job, err error)
}

// Config holds queue settings.
type Config struct {
	MaxConcurrent int
	StatusHistory int
}

// Queue runs jobs in the background with at most MaxConcurrent in flight.
type Queue struct {
	runner   Runner
	hooks    Hooks
	observer Observer
	logger   *slog.Logger
	workers  int

	mu      sync.Mutex
	pending []*Job
	closed  bool
	notify  chan struct{}
	stop    chan struct{}
	started bool
	wg      sync.WaitGroup

	statuses *lru.Cache[string, Status]
}

// Option configures a Queue.
type Option func(*Queue)

// WithHooks sets terminal-state callbacks.
func WithHooks(h Hooks) Option {
	return func(q *Queue) { q.hooks = h }
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(q *Queue) { q.observer = o }
}

// NewQueue creates a queue. Call Start to launch workers.
func NewQueue(cfg Config, runner Runner, logger *slog.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.StatusHistory <= 0 {
		cfg.StatusHistory = 10000
	}
	statuses, _ := lru.New[string, Status](cfg.StatusHistory)

	q := &Queue{
		runner:   runner,
		logger:   logger.With("component", "dispatch"),
		workers:  cfg.MaxConcurrent,
		notify:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
		statuses: statuses,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start launches the worker pool. Workers run until Shutdown or ctx is cancelled.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
	q.logger.Info("dispatch queue started", "workers", q.workers)
}

// Enqueue accepts a job and returns its ID without waiting for it to run.
func (q *Queue) Enqueue(job *Job) (string, error) {
	if job.Recipient == "" || job.Content == nil {
		return "", fmt.Errorf("%w: recipient and content are required", ErrInvalidJob)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrQueueClosed
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Attempt == 0 {
		job.Attempt = 1
	}
	job.EnqueuedAt = time.Now()
	// Recorded before a worker can see the job so it never overwrites running/sent.
	q.setStatus(job, StateQueued, nil, nil)
	q.pending = append(q.pending, job)
	depth := len(q.pending)
	q.mu.Unlock()

	q.observeDepth(depth)
	q.signal()

	q.logger.Debug("job enqueued",
		"job_id", job.ID,
		"kind", job.Kind(),
		"to", job.Recipient,
		"depth", depth)
	return job.ID, nil
}

// Status returns the tracked status of a job.
func (q *Queue) Status(jobID string) (Status, bool) {
	return q.statuses.Get(jobID)
}

// Depth returns the number of jobs waiting for a worker.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Running reports whether workers are active and the queue accepts jobs.
func (q *Queue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.started && !q.closed
}

// Shutdown stops accepting jobs, lets in-flight jobs finish and drops the rest.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	dropped := q.pending
	q.pending = nil
	close(q.stop)
	q.mu.Unlock()

	for _, job := range dropped {
		err := fmt.Errorf("dropped at shutdown: %w", ErrQueueClosed)
		q.logger.Warn("job dropped at shutdown", "job_id", job.ID, "kind", job.Kind(), "to", job.Recipient)
		q.setStatus(job, StateFailed, nil, err)
	}
	q.observeDepth(0)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.logger.Info("dispatch queue stopped", "dropped", len(dropped))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	for {
		job := q.next()
		if job == nil {
			select {
			case <-q.notify:
				continue
			case <-q.stop:
				return
			case <-ctx.Done():
				return
			}
		}
		q.execute(ctx, job)
	}
}

// next pops the oldest job, passing the wakeup on if more remain.
func (q *Queue) next() *Job {
	q.mu.Lock()
	if len(q.pending) == 0 || q.closed {
		q.mu.Unlock()
		return nil
	}
	job := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	depth := len(q.pending)
	q.mu.Unlock()

	q.observeDepth(depth)
	if depth > 0 {
		q.signal()
	}
	return job
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) execute(ctx context.Context, job *Job) {
	start := time.Now()
	q.setStatus(job, StateRunning, nil, nil)
	if q.observer != nil {
		q.observer.JobStarted()
	}

	msg, err := q.safeRun(ctx, job)
	elapsed := time.Since(start)

	if err != nil {
		// No retry and no dead letter: the failure is terminal for this job.
		q.logger.Error("outbound job failed",
			"job_id", job.ID,
			"kind", job.Kind(),
			"to", job.Recipient,
			"agent_id", job.AgentID,
			"attempt", job.Attempt,
			"elapsed", elapsed,
			"error", err)
		q.setStatus(job, StateFailed, nil, err)
		if q.observer != nil {
			q.observer.JobFinished(job.Kind(), StateFailed, elapsed)
		}
		if q.hooks.OnFailed != nil {
			q.hooks.OnFailed(job, err)
		}
		return
	}

	q.logger.Info("outbound job sent",
		"job_id", job.ID,
		"kind", job.Kind(),
		"to", job.Recipient,
		"elapsed", elapsed)
	q.setStatus(job, StateSent, msg, nil)
	if q.observer != nil {
		q.observer.JobFinished(job.Kind(), StateSent, elapsed)
	}
	if q.hooks.OnSent != nil {
		q.hooks.OnSent(job, msg)
	}
}

// safeRun keeps a panicking job from taking its worker down.
func (q *Queue) safeRun(ctx context.Context, job *Job) (msg *store.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return q.runner.Run(ctx, job)
}

func (q *Queue) setStatus(job *Job, state State, msg *store.Message, err error) {
	st := Status{
		JobID:     job.ID,
		State:     state,
		Kind:      job.Kind(),
		Recipient: job.Recipient,
		Attempt:   job.Attempt,
		UpdatedAt: time.Now(),
	}
	if err != nil {
		st.Error = err.Error()
	}
	if msg != nil {
		st.MessageID = msg.ID
		st.ProviderMessageID = msg.ProviderMessageID
	}
	q.statuses.Add(job.ID, st)
}

func (q *Queue) observeDepth(n int) {
	if q.observer != nil {
		q.observer.QueueDepth(n)
	}
}
