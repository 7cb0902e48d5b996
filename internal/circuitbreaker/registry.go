package circuitbreaker

import (
	"sync"
	"time"

	prism "github.com/prismproxy/prism/internal"
)

// Registry manages per provider/model Breaker instances.
type Registry struct {
	mu       sync.RWMutex
	breakers map[prism.ProviderModel]*Breaker
	config   Config
}

// NewRegistry creates a circuit breaker registry with the given config.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		breakers: make(map[prism.ProviderModel]*Breaker),
		config:   cfg.withDefaults(),
	}
}

// Get returns the breaker for the pair, or nil if none exists.
func (r *Registry) Get(pm prism.ProviderModel) *Breaker {
	r.mu.RLock()
	b := r.breakers[pm]
	r.mu.RUnlock()
	return b
}

// GetOrCreate returns the breaker for the pair, creating one if needed.
// Uses double-check locking to minimize write-lock contention.
func (r *Registry) GetOrCreate(pm prism.ProviderModel) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[pm]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[pm]; ok {
		return b
	}
	b = NewBreaker(r.config)
	r.breakers[pm] = b
	return b
}

// Snapshots returns a state snapshot per known pair.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Snapshot, len(r.breakers))
	for pm, b := range r.breakers {
		out[pm.String()] = b.Snapshot()
	}
	return out
}

// EvictStale removes breakers not used since cutoff.
// Phase 1: RLock to snapshot stale keys. Phase 2: Lock to delete them.
func (r *Registry) EvictStale(cutoff time.Time) int {
	r.mu.RLock()
	var stale []prism.ProviderModel
	for k, b := range r.breakers {
		if b.LastUsed().Before(cutoff) {
			stale = append(stale, k)
		}
	}
	r.mu.RUnlock()

	if len(stale) == 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for _, k := range stale {
		if b, ok := r.breakers[k]; ok && b.LastUsed().Before(cutoff) {
			delete(r.breakers, k)
			evicted++
		}
	}
	return evicted
}
