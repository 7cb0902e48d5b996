// Package circuitbreaker implements per provider/model fault isolation. It
// short-circuits requests to known-bad upstreams, reducing failover latency
// from seconds (timeout + network) to nanoseconds (state check).
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed allows all requests through.
	StateClosed State = iota
	// StateOpen rejects all requests until the next probe time.
	StateOpen
	// StateHalfOpen allows a bounded number of concurrent probes.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker parameters.
type Config struct {
	FailureThreshold   int           // consecutive failures to trip
	RatioThreshold     float64       // error ratio over the outcome window to trip
	WindowSize         int           // rolling outcome count for the ratio
	OpenDuration       time.Duration // base time in OPEN before probing
	MaxOpenDuration    time.Duration // cap for the exponential reopen backoff
	HalfOpenProbeCount int           // concurrent probes admitted in HALF_OPEN
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:   5,
		RatioThreshold:     0.5,
		WindowSize:         20,
		OpenDuration:       30 * time.Second,
		MaxOpenDuration:    5 * time.Minute,
		HalfOpenProbeCount: 1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.RatioThreshold <= 0 {
		c.RatioThreshold = d.RatioThreshold
	}
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = d.OpenDuration
	}
	if c.MaxOpenDuration < c.OpenDuration {
		c.MaxOpenDuration = d.MaxOpenDuration
	}
	if c.HalfOpenProbeCount <= 0 {
		c.HalfOpenProbeCount = d.HalfOpenProbeCount
	}
	return c
}

// outcomeWindow is a fixed-size ring of the most recent outcomes.
type outcomeWindow struct {
	outcomes []bool // true = failure
	head     int
	filled   int
}

func newOutcomeWindow(size int) outcomeWindow {
	return outcomeWindow{outcomes: make([]bool, size)}
}

func (w *outcomeWindow) record(failure bool) {
	w.outcomes[w.head] = failure
	w.head = (w.head + 1) % len(w.outcomes)
	if w.filled < len(w.outcomes) {
		w.filled++
	}
}

// errorRate returns the failure ratio and whether the window is full. The
// ratio only trips the breaker on a full window so a single early failure
// cannot read as 100%.
func (w *outcomeWindow) errorRate() (rate float64, full bool) {
	if w.filled == 0 {
		return 0, false
	}
	failures := 0
	for i := 0; i < w.filled; i++ {
		if w.outcomes[i] {
			failures++
		}
	}
	return float64(failures) / float64(w.filled), w.filled == len(w.outcomes)
}

func (w *outcomeWindow) reset() {
	w.head = 0
	w.filled = 0
}

// Snapshot is a consistent view of breaker state for management endpoints.
type Snapshot struct {
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	RollingErrorRate    float64   `json:"rolling_error_rate"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
	NextProbeAt         time.Time `json:"next_probe_at,omitempty"`
}

// Breaker is one provider/model state machine. All transitions happen under
// a single mutex so concurrent readers always observe a consistent
// (state, counters) tuple.
type Breaker struct {
	mu sync.Mutex

	cfg    Config
	state  State
	window outcomeWindow

	consecutiveFailures int
	openedAt            time.Time
	nextProbeAt         time.Time
	reopenCount         int // exponential backoff exponent
	probesInFlight      int
	probeSuccesses      int
	lastUsed            time.Time

	now func() time.Time // injectable for tests
}

// NewBreaker creates a breaker with the given config.
func NewBreaker(cfg Config) *Breaker {
	cfg = cfg.withDefaults()
	return &Breaker{
		cfg:      cfg,
		state:    StateClosed,
		window:   newOutcomeWindow(cfg.WindowSize),
		lastUsed: time.Now(),
		now:      time.Now,
	}
}

// Allow reports whether a request may proceed. In OPEN it transitions to
// HALF_OPEN once the probe time is reached; in HALF_OPEN it admits up to
// HalfOpenProbeCount concurrent probes.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.lastUsed = now

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Before(b.nextProbeAt) {
			return false
		}
		b.state = StateHalfOpen
		b.probesInFlight = 1
		b.probeSuccesses = 0
		return true
	case StateHalfOpen:
		if b.probesInFlight < b.cfg.HalfOpenProbeCount {
			b.probesInFlight++
			return true
		}
		return false
	}
	return false
}

// RecordSuccess records a successful outcome. In HALF_OPEN the breaker
// closes once every admitted probe has succeeded.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = b.now()
	b.consecutiveFailures = 0
	b.window.record(false)

	if b.state == StateHalfOpen {
		b.probeSuccesses++
		if b.probesInFlight > 0 {
			b.probesInFlight--
		}
		if b.probesInFlight == 0 {
			b.state = StateClosed
			b.reopenCount = 0
			b.window.reset()
		}
	}
}

// RecordFailure records a failed outcome. CLOSED trips on either the
// consecutive-failure count reaching FailureThreshold or the full-window
// error ratio reaching RatioThreshold. A failed HALF_OPEN probe reopens with
// exponentially increased, capped probe delay.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.lastUsed = now
	b.consecutiveFailures++
	b.window.record(true)

	switch b.state {
	case StateClosed:
		rate, full := b.window.errorRate()
		if b.consecutiveFailures >= b.cfg.FailureThreshold || (full && rate >= b.cfg.RatioThreshold) {
			b.open(now)
		}
	case StateHalfOpen:
		b.reopenCount++
		b.probesInFlight = 0
		b.open(now)
	}
}

// open transitions to OPEN and schedules the next probe. Callers hold b.mu.
func (b *Breaker) open(now time.Time) {
	delay := b.cfg.OpenDuration << b.reopenCount
	if delay > b.cfg.MaxOpenDuration || delay <= 0 {
		delay = b.cfg.MaxOpenDuration
	}
	b.state = StateOpen
	b.openedAt = now
	b.nextProbeAt = now.Add(delay)
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a consistent view of the breaker.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	rate, _ := b.window.errorRate()
	return Snapshot{
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		RollingErrorRate:    rate,
		OpenedAt:            b.openedAt,
		NextProbeAt:         b.nextProbeAt,
	}
}

// Reset forces the breaker back to CLOSED. Management use only.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.reopenCount = 0
	b.probesInFlight = 0
	b.window.reset()
}

// LastUsed returns the time of last activity (for stale eviction).
func (b *Breaker) LastUsed() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUsed
}
