// Package keypool manages upstream API keys: multi-strategy selection,
// health states with cooldown, and lease accounting.
package keypool

import (
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	prism "github.com/prismproxy/prism/internal"
)

// KeyState is the health of one key.
type KeyState int

const (
	StateHealthy KeyState = iota
	StateDegraded
	StateCooling
	StateDisabled
)

// String returns the state name.
func (s KeyState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateCooling:
		return "cooling"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Strategy selects the next key among the available candidates.
type Strategy int

const (
	StrategyRoundRobin Strategy = iota
	StrategyWeightedRoundRobin
	StrategyLeastUsed
	StrategyPriority
)

// ParseStrategy maps a config name to a Strategy. "least-loaded" is an
// accepted alias for "least-used".
func ParseStrategy(s string) Strategy {
	switch s {
	case "weighted-round-robin", "weighted":
		return StrategyWeightedRoundRobin
	case "least-used", "least-loaded":
		return StrategyLeastUsed
	case "priority":
		return StrategyPriority
	default:
		return StrategyRoundRobin
	}
}

// Key is one managed API key.
type Key struct {
	ID            string
	Provider      string
	Secret        string
	Weight        int
	MaxConcurrent int
	Priority      int

	state         KeyState
	cooldownUntil time.Time
	cooldownStep  int // exponent for the cooldown backoff
	inFlight      int
	successes     int64
	failures      int64
	consecFails   int
	lastUsed      time.Time
}

// KeyInfo is a read-only view of a key for the management API. The secret is
// never exposed.
type KeyInfo struct {
	ID            string    `json:"id"`
	Provider      string    `json:"provider"`
	State         string    `json:"state"`
	InFlight      int       `json:"in_flight"`
	Successes     int64     `json:"successes"`
	Failures      int64     `json:"failures"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
	LastUsed      time.Time `json:"last_used,omitempty"`
}

// Lease is a borrowed key. Release exactly once.
type Lease struct {
	key      *Key
	pool     *Pool
	released bool
}

// Secret returns the key material for the outbound request.
func (l *Lease) Secret() string { return l.key.Secret }

// KeyID returns the leased key's identifier.
func (l *Lease) KeyID() string { return l.key.ID }

// Config tunes health transitions.
type Config struct {
	Strategy     Strategy
	CooldownBase time.Duration // first cooldown period
	CooldownMax  time.Duration
	DisableAfter int // consecutive failures before disabling, 0 = never
	DegradeAfter int // consecutive failures before degrading
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Strategy:     StrategyRoundRobin,
		CooldownBase: 10 * time.Second,
		CooldownMax:  10 * time.Minute,
		DisableAfter: 10,
		DegradeAfter: 2,
	}
}

// Pool holds the keys for all providers.
type Pool struct {
	mu   sync.Mutex
	cfg  Config
	keys map[string][]*Key // provider -> keys, config order
	rr   map[string]int    // provider -> round-robin cursor
	wrr  map[string][]int  // provider -> weighted expansion (key indices)

	now    func() time.Time
	jitter func() float64 // [0,1) jitter factor for cooldowns
}

// New creates a Pool from config entries.
func New(cfg Config, entries []Entry) *Pool {
	p := &Pool{
		cfg:    cfg,
		keys:   make(map[string][]*Key),
		rr:     make(map[string]int),
		wrr:    make(map[string][]int),
		now:    time.Now,
		jitter: rand.Float64,
	}
	for _, e := range entries {
		k := &Key{
			ID:            e.ID,
			Provider:      e.Provider,
			Secret:        e.Secret,
			Weight:        max(e.Weight, 1),
			MaxConcurrent: e.MaxConcurrent,
			Priority:      e.Priority,
			state:         StateHealthy,
		}
		if k.MaxConcurrent <= 0 {
			k.MaxConcurrent = 64
		}
		p.keys[e.Provider] = append(p.keys[e.Provider], k)
	}
	// Deterministic weighted expansion, computed once.
	for provider, keys := range p.keys {
		var exp []int
		for i, k := range keys {
			for range k.Weight {
				exp = append(exp, i)
			}
		}
		p.wrr[provider] = exp
	}
	return p
}

// Entry is one configured key.
type Entry struct {
	ID            string
	Provider      string
	Secret        string
	Weight        int
	MaxConcurrent int
	Priority      int
}

// available reports whether the key may be offered for lease now.
func (p *Pool) available(k *Key, now time.Time) bool {
	if k.state == StateCooling && !now.Before(k.cooldownUntil) {
		// Lazy promotion; the reaper also does this periodically. The
		// consecutive-failure count survives so a key that keeps failing
		// across cooldowns still reaches DisableAfter.
		k.state = StateHealthy
	}
	if k.state != StateHealthy && k.state != StateDegraded {
		return false
	}
	return k.inFlight < k.MaxConcurrent
}

// Lease borrows a key for the provider, or fails with no_key_available.
func (p *Pool) Lease(provider string) (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys := p.keys[provider]
	if len(keys) == 0 {
		return nil, prism.E(prism.KindNoKeyAvailable, "no keys configured for provider "+provider)
	}
	now := p.now()

	var k *Key
	switch p.cfg.Strategy {
	case StrategyWeightedRoundRobin:
		k = p.pickRing(provider, p.wrr[provider], keys, now)
	case StrategyLeastUsed:
		k = p.pickLeastUsed(keys, now)
	case StrategyPriority:
		k = p.pickPriority(keys, now)
	default:
		k = p.pickRoundRobin(provider, keys, now)
	}
	if k == nil {
		return nil, prism.E(prism.KindNoKeyAvailable, "all keys for "+provider+" are cooling, disabled, or saturated")
	}

	k.inFlight++
	k.lastUsed = now
	return &Lease{key: k, pool: p}, nil
}

// pickRoundRobin advances the cursor past unavailable keys. No healthy key
// is skipped indefinitely: the cursor always moves one past the chosen key.
func (p *Pool) pickRoundRobin(provider string, keys []*Key, now time.Time) *Key {
	start := p.rr[provider]
	for i := range keys {
		idx := (start + i) % len(keys)
		if p.available(keys[idx], now) {
			p.rr[provider] = idx + 1
			return keys[idx]
		}
	}
	return nil
}

// pickRing walks a precomputed expansion ring (weighted round-robin).
func (p *Pool) pickRing(provider string, ring []int, keys []*Key, now time.Time) *Key {
	if len(ring) == 0 {
		return nil
	}
	start := p.rr[provider]
	for i := range ring {
		pos := (start + i) % len(ring)
		k := keys[ring[pos]]
		if p.available(k, now) {
			p.rr[provider] = pos + 1
			return k
		}
	}
	return nil
}

// pickLeastUsed picks the available key with the fewest in-flight requests;
// ties break by success ratio, then by older lastUsed.
func (p *Pool) pickLeastUsed(keys []*Key, now time.Time) *Key {
	var best *Key
	for _, k := range keys {
		if !p.available(k, now) {
			continue
		}
		if best == nil || lessLoaded(k, best) {
			best = k
		}
	}
	return best
}

func lessLoaded(a, b *Key) bool {
	if a.inFlight != b.inFlight {
		return a.inFlight < b.inFlight
	}
	ar, br := successRatio(a), successRatio(b)
	if ar != br {
		return ar > br
	}
	return a.lastUsed.Before(b.lastUsed)
}

func successRatio(k *Key) float64 {
	total := k.successes + k.failures
	if total == 0 {
		return 1
	}
	return float64(k.successes) / float64(total)
}

// pickPriority picks strictly by configured priority (lower first), falling
// through only when the better key is unavailable.
func (p *Pool) pickPriority(keys []*Key, now time.Time) *Key {
	ordered := make([]*Key, len(keys))
	copy(ordered, keys)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })
	for _, k := range ordered {
		if p.available(k, now) {
			return k
		}
	}
	return nil
}

// ReleaseOutcome describes how the upstream call ended for health tracking.
type ReleaseOutcome struct {
	Success    bool
	StatusCode int // 0 when no HTTP exchange happened
}

// Release returns the lease and updates key health. A 401/403/429 outcome
// cools the key immediately; repeated failures degrade, then disable.
func (p *Pool) Release(l *Lease, outcome ReleaseOutcome) {
	if l == nil || l.released {
		return
	}
	l.released = true

	p.mu.Lock()
	defer p.mu.Unlock()
	k := l.key
	now := p.now()

	if k.inFlight > 0 {
		k.inFlight--
	}

	if outcome.Success {
		k.successes++
		k.consecFails = 0
		k.cooldownStep = 0
		if k.state == StateDegraded {
			k.state = StateHealthy
		}
		return
	}

	k.failures++
	k.consecFails++

	authClass := outcome.StatusCode == 401 || outcome.StatusCode == 403 || outcome.StatusCode == 429
	switch {
	case p.cfg.DisableAfter > 0 && k.consecFails >= p.cfg.DisableAfter:
		k.state = StateDisabled
	case authClass || k.consecFails >= p.cfg.DegradeAfter:
		p.cool(k, now)
	case k.state == StateHealthy:
		k.state = StateDegraded
	}
}

// cool puts the key in cooling with exponential, jittered backoff.
func (p *Pool) cool(k *Key, now time.Time) {
	d := p.cfg.CooldownBase << k.cooldownStep
	if d > p.cfg.CooldownMax || d <= 0 {
		d = p.cfg.CooldownMax
	}
	// Up to +50% jitter so cooled keys do not thunder back together.
	d += time.Duration(float64(d) * 0.5 * p.jitter())
	k.state = StateCooling
	k.cooldownUntil = now.Add(d)
	k.cooldownStep++
}

// Reap promotes cooled keys whose cooldown has elapsed. Run periodically.
func (p *Pool) Reap() (promoted int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for _, keys := range p.keys {
		for _, k := range keys {
			if k.state == StateCooling && !now.Before(k.cooldownUntil) {
				k.state = StateHealthy
				promoted++
			}
		}
	}
	return promoted
}

// Reactivate force-resets a disabled or cooling key to healthy.
func (p *Pool) Reactivate(keyID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, keys := range p.keys {
		for _, k := range keys {
			if k.ID == keyID {
				k.state = StateHealthy
				k.consecFails = 0
				k.cooldownStep = 0
				return true
			}
		}
	}
	return false
}

// Info returns the state of every key, config order within provider.
func (p *Pool) Info() []KeyInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []KeyInfo
	for _, keys := range p.keys {
		for _, k := range keys {
			out = append(out, KeyInfo{
				ID:            k.ID,
				Provider:      k.Provider,
				State:         k.state.String(),
				InFlight:      k.inFlight,
				Successes:     k.successes,
				Failures:      k.failures,
				CooldownUntil: k.cooldownUntil,
				LastUsed:      k.lastUsed,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].ID < out[j].ID
	})
	return out
}
