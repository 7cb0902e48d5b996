package metrics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	prism "github.com/prismproxy/prism/internal"
)

type fakeStore struct {
	mu      sync.Mutex
	batches [][]prism.RequestMetric
	fail    bool
}

func (f *fakeStore) InsertMetrics(_ context.Context, records []prism.RequestMetric) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("store down")
	}
	batch := make([]prism.RequestMetric, len(records))
	copy(batch, records)
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeStore) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *fakeStore) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMetric(provider string, status int, durMS int64) prism.RequestMetric {
	return prism.RequestMetric{
		Provider:     provider,
		Model:        "m",
		StatusCode:   status,
		Success:      status < 400,
		DurationMS:   durMS,
		InputTokens:  60,
		OutputTokens: 60,
	}
}

func newTestCollector(store Store) *Collector {
	cfg := DefaultConfig()
	cfg.FlushInterval = 20 * time.Millisecond
	cfg.PublishInterval = 10 * time.Millisecond
	return New(cfg, store, discard())
}

func TestSnapshotEmptyIsZero(t *testing.T) {
	t.Parallel()

	c := newTestCollector(&fakeStore{})
	s := c.Snapshot()
	if s.RequestsPerMinute != 0 || s.ErrorRate != 0 || s.AvgLatencyMS != 0 {
		t.Fatalf("empty snapshot = %+v, want zeros", s)
	}
	if s.Latency.P99 != 0 {
		t.Fatalf("empty percentiles = %+v, want zeros", s.Latency)
	}
}

func TestSnapshotAggregates(t *testing.T) {
	t.Parallel()

	c := newTestCollector(&fakeStore{})
	c.Record(func() prism.RequestMetric {
		m := testMetric("openai", 200, 100)
		m.SessionID = "s1"
		m.CacheHit = true
		return m
	}())
	c.Record(func() prism.RequestMetric {
		m := testMetric("openai", 200, 300)
		m.SessionID = "s2"
		return m
	}())
	c.Record(testMetric("openai", 502, 200))

	s := c.Snapshot()
	if s.TotalRequests != 3 {
		t.Fatalf("total = %d, want 3", s.TotalRequests)
	}
	if s.ActiveSessions != 2 {
		t.Fatalf("active sessions = %d, want 2", s.ActiveSessions)
	}
	if want := 1.0 / 3.0; s.ErrorRate != want {
		t.Fatalf("error rate = %v, want %v", s.ErrorRate, want)
	}
	if s.AvgLatencyMS != 200 {
		t.Fatalf("avg latency = %v, want 200", s.AvgLatencyMS)
	}
	if s.StatusCounts[200] != 2 || s.StatusCounts[502] != 1 {
		t.Fatalf("status counts = %v", s.StatusCounts)
	}
	if s.CacheHits != 1 {
		t.Fatalf("cache hits = %d, want 1", s.CacheHits)
	}
	// 3 requests over a 1-minute window.
	if s.RequestsPerMinute != 3 {
		t.Fatalf("rpm = %v, want 3", s.RequestsPerMinute)
	}
	// 360 tokens over 60 seconds.
	if s.TokensPerSecond != 6 {
		t.Fatalf("tokens/sec = %v, want 6", s.TokensPerSecond)
	}
}

func TestSnapshotPercentiles(t *testing.T) {
	t.Parallel()

	c := newTestCollector(&fakeStore{})
	for i := int64(1); i <= 100; i++ {
		c.Record(testMetric("p", 200, i))
	}
	s := c.Snapshot()
	if s.Latency.P50 != 51 {
		t.Fatalf("p50 = %v, want 51", s.Latency.P50)
	}
	if s.Latency.P99 != 100 {
		t.Fatalf("p99 = %v, want 100", s.Latency.P99)
	}
	if s.Latency.P999 != 100 {
		t.Fatalf("p99.9 = %v, want 100", s.Latency.P999)
	}
}

func TestRollingWindowPrunes(t *testing.T) {
	t.Parallel()

	c := newTestCollector(&fakeStore{})
	c.Record(testMetric("p", 200, 100))

	clock := time.Now()
	c.now = func() time.Time { return clock.Add(2 * time.Minute) }

	s := c.Snapshot()
	if s.RequestsPerMinute != 0 {
		t.Fatalf("rpm = %v, want 0 after window passes", s.RequestsPerMinute)
	}
	// Cumulative counters survive the window.
	if s.TotalRequests != 1 {
		t.Fatalf("total = %d, want 1", s.TotalRequests)
	}
}

func TestInvalidMetricDropped(t *testing.T) {
	t.Parallel()

	c := newTestCollector(&fakeStore{})
	c.Record(prism.RequestMetric{Provider: "", Model: "m", StatusCode: 200})
	c.Record(prism.RequestMetric{Provider: "p", Model: "m", StatusCode: 42})
	c.Record(prism.RequestMetric{Provider: "p", Model: "m", StatusCode: 200, DurationMS: -1})

	if s := c.Snapshot(); s.TotalRequests != 0 {
		t.Fatalf("total = %d, invalid metrics must be dropped", s.TotalRequests)
	}
}

func TestBatchPersistence(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	c := newTestCollector(store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx) //nolint:errcheck
	}()

	for range 7 {
		c.Record(testMetric("p", 200, 10))
	}
	// Wait for the flush ticker.
	deadline := time.Now().Add(2 * time.Second)
	for store.total() != 7 {
		if time.Now().After(deadline) {
			t.Fatalf("persisted %d, want 7", store.total())
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	<-done

	// IDs were assigned before persistence.
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, b := range store.batches {
		for _, m := range b {
			if m.ID == "" {
				t.Fatal("persisted metric without ID")
			}
		}
	}
}

func TestDrainOnShutdown(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	cfg := DefaultConfig()
	cfg.FlushInterval = time.Hour // only the drain can flush
	cfg.PublishInterval = time.Hour
	c := New(cfg, store, discard())

	for range 5 {
		c.Record(testMetric("p", 200, 10))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if store.total() != 5 {
		t.Fatalf("persisted %d on drain, want 5", store.total())
	}
}

func TestFlushFailureKeepsNewest(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	store.setFail(true)
	cfg := DefaultConfig()
	cfg.FlushInterval = time.Hour
	cfg.PublishInterval = time.Hour
	cfg.PendingMax = 3
	c := New(cfg, store, discard())

	for i := range 5 {
		m := testMetric("p", 200, int64(i+1))
		c.Record(m)
	}

	// Drain attempts one failing flush; the backlog trims to the newest 3,
	// counting the 2 oldest as dropped.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.Run(ctx) //nolint:errcheck

	if got := c.Snapshot().Dropped; got != 2 {
		t.Fatalf("dropped = %d, want 2", got)
	}
	if store.total() != 0 {
		t.Fatalf("store persisted %d records while failing", store.total())
	}
}

func TestSubscribePublishAndDropSlow(t *testing.T) {
	t.Parallel()

	c := newTestCollector(&fakeStore{})
	ch, cancelSub := c.Subscribe()
	defer cancelSub()

	c.Record(testMetric("p", 200, 10))
	c.publish()

	select {
	case s := <-ch:
		if s.TotalRequests != 1 {
			t.Fatalf("snapshot total = %d, want 1", s.TotalRequests)
		}
	default:
		t.Fatal("subscriber did not receive snapshot")
	}

	// A full subscriber channel never blocks the publisher.
	c.publish()
	c.publish()

	cancelSub()
	cancelSub() // idempotent
	c.publish() // no send to removed subscriber
}
