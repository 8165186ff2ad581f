// ABOUTME: Round-robin assigner that picks the agent for a new conversation.
// ABOUTME: Online agents first, falling back to all agents; cursor persisted by the store.

package routing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/coven-desk/internal/store"
)

// Pool names which candidate set an assignment was drawn from.
type Pool string

const (
	PoolOnline Pool = "online"
	PoolAll    Pool = "all"
	PoolEmpty  Pool = "empty"
)

// Decision records the outcome of one assignment.
type Decision struct {
	AgentID  string
	Pool     Pool
	PoolSize int
	Index    int
}

// Assigner selects agents using a persistent round-robin cursor.
type Assigner struct {
	logger  *slog.Logger
	observe func(Decision)
}

// Option configures an Assigner.
type Option func(*Assigner)

// WithObserver registers a callback invoked after every decision (metrics hook).
func WithObserver(fn func(Decision)) Option {
	return func(a *Assigner) { a.observe = fn }
}

// NewAssigner creates a new Assigner.
func NewAssigner(logger *slog.Logger, opts ...Option) *Assigner {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Assigner{logger: logger.With("component", "routing")}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assign picks the agent for a new conversation and advances the cursor.
// An empty pool is not an error: it returns "" and leaves the cursor untouched.
// It has the store.AssignFunc signature.
func (a *Assigner) Assign(ctx context.Context, rs store.RoutingState) (string, error) {
	d, err := a.decide(ctx, rs)
	if err != nil {
		return "", err
	}
	if a.observe != nil {
		a.observe(d)
	}
	if d.Pool == PoolEmpty {
		a.logger.Warn("no agents available, conversation stays unassigned")
		return "", nil
	}
	a.logger.Debug("agent assigned",
		"agent_id", d.AgentID,
		"pool", d.Pool,
		"pool_size", d.PoolSize,
		"index", d.Index,
	)
	return d.AgentID, nil
}

func (a *Assigner) decide(ctx context.Context, rs store.RoutingState) (Decision, error) {
	pool, err := rs.ListAgents(ctx, true)
	if err != nil {
		return Decision{}, fmt.Errorf("listing online agents: %w", err)
	}
	kind := PoolOnline
	if len(pool) == 0 {
		pool, err = rs.ListAgents(ctx, false)
		if err != nil {
			return Decision{}, fmt.Errorf("listing agents: %w", err)
		}
		kind = PoolAll
	}
	if len(pool) == 0 {
		return Decision{Pool: PoolEmpty}, nil
	}

	last, err := rs.Cursor(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("reading cursor: %w", err)
	}

	n := len(pool)
	idx := mod(last, n)
	if err := rs.SetCursor(ctx, (idx+1)%n); err != nil {
		return Decision{}, fmt.Errorf("advancing cursor: %w", err)
	}

	return Decision{
		AgentID:  pool[idx].ID,
		Pool:     kind,
		PoolSize: n,
		Index:    idx,
	}, nil
}

// mod is a non-negative modulo; a corrupted negative cursor still yields a valid index.
func mod(a, n int) int {
	r := a % n
	if r < 0 {
		r += n
	}
	return r
}
