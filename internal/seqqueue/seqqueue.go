// Package seqqueue serializes requests to providers that cannot handle
// concurrency. Each gated provider admits one request at a time; waiters
// queue by priority, then arrival order.
package seqqueue

import (
	"context"
	"sync"

	prism "github.com/prismproxy/prism/internal"
)

// DefaultMaxDepth bounds the waiters per provider when no limit is given.
const DefaultMaxDepth = 64

type waiter struct {
	ch       chan struct{}
	priority prism.Priority
	seq      uint64
	granted  bool
}

type gate struct {
	enabled bool
	busy    bool
	waiters []*waiter
}

// Queue is the per-provider admission gate.
type Queue struct {
	mu       sync.Mutex
	gates    map[string]*gate
	maxDepth int
	seq      uint64
}

// New creates a Queue with sequential mode pre-enabled for the named
// providers.
func New(maxDepth int, sequential []string) *Queue {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	q := &Queue{gates: make(map[string]*gate), maxDepth: maxDepth}
	for _, p := range sequential {
		q.gates[p] = &gate{enabled: true}
	}
	return q
}

// Enter admits the request, waiting behind earlier ones when the provider is
// gated. The returned release must be called exactly once when the request
// leaves the provider; it is a no-op for ungated providers. Cancelled or
// expired contexts fail with queue_timeout, as does a full queue.
func (q *Queue) Enter(ctx context.Context, provider string, priority prism.Priority) (func(), error) {
	q.mu.Lock()
	g := q.gates[provider]
	if g == nil || !g.enabled {
		q.mu.Unlock()
		return func() {}, nil
	}

	if !g.busy {
		g.busy = true
		q.mu.Unlock()
		return q.releaseFunc(g), nil
	}

	if len(g.waiters) >= q.maxDepth {
		q.mu.Unlock()
		return nil, prism.E(prism.KindQueueTimeout, "sequential queue for "+provider+" is full")
	}

	w := &waiter{ch: make(chan struct{}), priority: priority, seq: q.seq}
	q.seq++
	q.insert(g, w)
	q.mu.Unlock()

	select {
	case <-w.ch:
		return q.releaseFunc(g), nil
	case <-ctx.Done():
	}

	q.mu.Lock()
	if w.granted {
		// The grant raced the timeout; pass the turn on.
		q.exitLocked(g)
		q.mu.Unlock()
		return nil, prism.E(prism.KindQueueTimeout, "timed out waiting for "+provider)
	}
	q.remove(g, w)
	q.mu.Unlock()
	return nil, prism.E(prism.KindQueueTimeout, "timed out waiting for "+provider)
}

// insert keeps waiters ordered by priority (highest first), then arrival.
func (q *Queue) insert(g *gate, w *waiter) {
	pos := len(g.waiters)
	for i, other := range g.waiters {
		if w.priority > other.priority {
			pos = i
			break
		}
	}
	g.waiters = append(g.waiters, nil)
	copy(g.waiters[pos+1:], g.waiters[pos:])
	g.waiters[pos] = w
}

func (q *Queue) remove(g *gate, w *waiter) {
	for i, other := range g.waiters {
		if other == w {
			g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
			return
		}
	}
}

func (q *Queue) releaseFunc(g *gate) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			q.exitLocked(g)
			q.mu.Unlock()
		})
	}
}

// exitLocked hands the slot to the next waiter or frees it.
func (q *Queue) exitLocked(g *gate) {
	if !g.enabled || len(g.waiters) == 0 {
		g.busy = false
		return
	}
	w := g.waiters[0]
	g.waiters = g.waiters[1:]
	w.granted = true
	close(w.ch)
}

// SetSequential toggles the gate. Disabling drains the queue: every waiter
// is admitted immediately and new requests pass through.
func (q *Queue) SetSequential(provider string, enabled bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	g := q.gates[provider]
	if g == nil {
		g = &gate{}
		q.gates[provider] = g
	}
	if g.enabled == enabled {
		return
	}
	g.enabled = enabled
	if !enabled {
		for _, w := range g.waiters {
			w.granted = true
			close(w.ch)
		}
		g.waiters = nil
	}
}

// Sequential reports whether the provider is gated.
func (q *Queue) Sequential(provider string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	g := q.gates[provider]
	return g != nil && g.enabled
}

// Depth returns the number of waiters queued for the provider.
func (q *Queue) Depth(provider string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if g := q.gates[provider]; g != nil {
		return len(g.waiters)
	}
	return 0
}

// State lists every known gate for the management API.
func (q *Queue) State() map[string]GateState {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]GateState, len(q.gates))
	for name, g := range q.gates {
		out[name] = GateState{Enabled: g.enabled, Busy: g.busy, Depth: len(g.waiters)}
	}
	return out
}

// GateState is one provider's gate view.
type GateState struct {
	Enabled bool `json:"enabled"`
	Busy    bool `json:"busy"`
	Depth   int  `json:"depth"`
}
