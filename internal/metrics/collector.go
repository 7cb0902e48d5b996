// Package metrics collects per-request metrics: rolling in-memory aggregates
// for live views, batched persistence to the durable store, and a snapshot
// feed for streaming subscribers.
package metrics

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	prism "github.com/prismproxy/prism/internal"
)

// Store is the persistence interface consumed by the collector.
type Store interface {
	InsertMetrics(ctx context.Context, records []prism.RequestMetric) error
}

// Config tunes buffering and publication.
type Config struct {
	BatchSize       int
	FlushInterval   time.Duration
	Window          time.Duration // rolling aggregate horizon
	ChanSize        int
	PendingMax      int // retained records across failed flushes
	PublishInterval time.Duration
	DrainTimeout    time.Duration
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:       100,
		FlushInterval:   5 * time.Second,
		Window:          time.Minute,
		ChanSize:        1000,
		PendingMax:      1000,
		PublishInterval: time.Second,
		DrainTimeout:    30 * time.Second,
	}
}

// Percentiles are latency quantiles over the rolling window, in ms.
type Percentiles struct {
	P50  float64 `json:"p50"`
	P90  float64 `json:"p90"`
	P95  float64 `json:"p95"`
	P99  float64 `json:"p99"`
	P999 float64 `json:"p99_9"`
}

// Snapshot is the live aggregate view. All rates are computed over the
// rolling window; counters are since process start.
type Snapshot struct {
	Timestamp         time.Time     `json:"timestamp"`
	RequestsPerMinute float64       `json:"requests_per_minute"`
	TokensPerSecond   float64       `json:"tokens_per_second"`
	ActiveSessions    int           `json:"active_sessions"`
	ErrorRate         float64       `json:"error_rate"`
	AvgLatencyMS      float64       `json:"avg_latency_ms"`
	Latency           Percentiles   `json:"latency"`
	StatusCounts      map[int]int64 `json:"status_counts"`
	TotalRequests     int64         `json:"total_requests"`
	CacheHits         int64         `json:"cache_hits"`
	Dropped           int64         `json:"dropped"`
}

type sample struct {
	at       time.Time
	duration int64
	tokens   int
	session  string
	success  bool
}

// Collector ingests request metrics. Record never blocks the request path:
// persistence overflow drops the record with a warning and the rolling
// window is guarded by a short critical section.
type Collector struct {
	cfg   Config
	store Store
	log   *slog.Logger

	ch chan prism.RequestMetric

	mu           sync.Mutex
	samples      []sample
	statusCounts map[int]int64
	total        int64
	cacheHits    int64
	dropped      int64
	subs         map[chan Snapshot]struct{}

	now func() time.Time
}

// New creates a collector writing to store.
func New(cfg Config, store Store, log *slog.Logger) *Collector {
	if cfg.BatchSize <= 0 {
		cfg = DefaultConfig()
	}
	return &Collector{
		cfg:          cfg,
		store:        store,
		log:          log,
		ch:           make(chan prism.RequestMetric, cfg.ChanSize),
		statusCounts: make(map[int]int64),
		subs:         make(map[chan Snapshot]struct{}),
		now:          time.Now,
	}
}

// Name returns the worker identifier.
func (c *Collector) Name() string { return "metrics_collector" }

// Record ingests one metric. Invalid metrics are dropped with a warning and
// never fail the caller.
func (c *Collector) Record(m prism.RequestMetric) {
	if !m.Valid() {
		c.log.LogAttrs(context.Background(), slog.LevelWarn, "invalid metric dropped",
			slog.String("provider", m.Provider),
			slog.String("model", m.Model),
			slog.Int("status", m.StatusCode))
		return
	}
	if m.ID == "" {
		m.ID = uuid.Must(uuid.NewV7()).String()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = c.now()
	}

	now := c.now()
	c.mu.Lock()
	c.pruneLocked(now)
	c.samples = append(c.samples, sample{
		at:       now,
		duration: m.DurationMS,
		tokens:   m.InputTokens + m.OutputTokens,
		session:  m.SessionID,
		success:  m.Success,
	})
	c.statusCounts[m.StatusCode]++
	c.total++
	if m.CacheHit {
		c.cacheHits++
	}
	c.mu.Unlock()

	select {
	case c.ch <- m:
	default:
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
		c.log.Warn("metric dropped, persistence channel full")
	}
}

func (c *Collector) pruneLocked(now time.Time) {
	cutoff := now.Add(-c.cfg.Window)
	i := 0
	for i < len(c.samples) && c.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		c.samples = append(c.samples[:0], c.samples[i:]...)
	}
}

// Snapshot computes the live view. Empty windows yield zeros, never NaN.
func (c *Collector) Snapshot() Snapshot {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(now)

	s := Snapshot{
		Timestamp:     now,
		StatusCounts:  make(map[int]int64, len(c.statusCounts)),
		TotalRequests: c.total,
		CacheHits:     c.cacheHits,
		Dropped:       c.dropped,
	}
	for code, n := range c.statusCounts {
		s.StatusCounts[code] = n
	}

	n := len(c.samples)
	if n == 0 {
		return s
	}

	windowMinutes := c.cfg.Window.Minutes()
	windowSeconds := c.cfg.Window.Seconds()

	var totalTokens, totalMS int64
	var failures int
	durations := make([]int64, n)
	sessions := make(map[string]struct{})
	for i, smp := range c.samples {
		durations[i] = smp.duration
		totalMS += smp.duration
		totalTokens += int64(smp.tokens)
		if !smp.success {
			failures++
		}
		if smp.session != "" {
			sessions[smp.session] = struct{}{}
		}
	}

	if windowMinutes > 0 {
		s.RequestsPerMinute = float64(n) / windowMinutes
	}
	if windowSeconds > 0 {
		s.TokensPerSecond = float64(totalTokens) / windowSeconds
	}
	s.ActiveSessions = len(sessions)
	s.ErrorRate = float64(failures) / float64(n)
	s.AvgLatencyMS = float64(totalMS) / float64(n)

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	s.Latency = Percentiles{
		P50:  percentile(durations, 0.50),
		P90:  percentile(durations, 0.90),
		P95:  percentile(durations, 0.95),
		P99:  percentile(durations, 0.99),
		P999: percentile(durations, 0.999),
	}
	return s
}

// percentile reads the nearest-rank quantile from sorted data.
func percentile(sorted []int64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return float64(sorted[idx])
}

// Subscribe returns a snapshot feed. Slow subscribers miss updates rather
// than block the publisher. The returned cancel must be called when done.
func (c *Collector) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	c.mu.Lock()
	c.subs[ch] = struct{}{}
	c.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, ch)
			c.mu.Unlock()
		})
	}
	return ch, cancel
}

func (c *Collector) publish() {
	snap := c.Snapshot()
	c.mu.Lock()
	for ch := range c.subs {
		select {
		case ch <- snap:
		default:
		}
	}
	c.mu.Unlock()
}

// Run batches persistence and publishes snapshots until ctx is cancelled,
// then drains the channel with a bounded timeout.
func (c *Collector) Run(ctx context.Context) error {
	flushTicker := time.NewTicker(c.cfg.FlushInterval)
	defer flushTicker.Stop()
	publishTicker := time.NewTicker(c.cfg.PublishInterval)
	defer publishTicker.Stop()

	var pending []prism.RequestMetric

	for {
		select {
		case m := <-c.ch:
			pending = append(pending, m)
			if len(pending) >= c.cfg.BatchSize {
				pending = c.flush(ctx, pending)
			}

		case <-flushTicker.C:
			if len(pending) > 0 {
				pending = c.flush(ctx, pending)
			}

		case <-publishTicker.C:
			c.publish()

		case <-ctx.Done():
			c.drain(pending)
			return nil
		}
	}
}

// flush writes the batch. On failure the records are kept for the next
// attempt; when the backlog exceeds PendingMax the oldest are dropped so
// recent data survives a long store outage.
func (c *Collector) flush(ctx context.Context, pending []prism.RequestMetric) []prism.RequestMetric {
	if err := c.store.InsertMetrics(ctx, pending); err != nil {
		c.log.LogAttrs(ctx, slog.LevelError, "metric flush failed",
			slog.Int("count", len(pending)),
			slog.String("error", err.Error()))
		if over := len(pending) - c.cfg.PendingMax; over > 0 {
			c.mu.Lock()
			c.dropped += int64(over)
			c.mu.Unlock()
			pending = append(pending[:0:0], pending[over:]...)
		}
		return pending
	}
	return pending[:0]
}

func (c *Collector) drain(pending []prism.RequestMetric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DrainTimeout)
	defer cancel()

	for {
		select {
		case m := <-c.ch:
			pending = append(pending, m)
			if len(pending) >= c.cfg.BatchSize {
				pending = c.flush(ctx, pending)
			}
		default:
			if len(pending) > 0 {
				c.flush(ctx, pending)
			}
			return
		}
	}
}
