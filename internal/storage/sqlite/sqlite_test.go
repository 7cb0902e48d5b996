package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	prism "github.com/prismproxy/prism/internal"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	// A file-backed database per test: shared-cache :memory: databases are
	// process-global and would leak between parallel tests.
	s, err := Open(filepath.Join(t.TempDir(), "metrics.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func metric(ts time.Time, provider, model, session string, success bool) prism.RequestMetric {
	m := prism.RequestMetric{
		ID:           uuid.NewString(),
		Timestamp:    ts,
		RequestID:    uuid.NewString(),
		SessionID:    session,
		Provider:     provider,
		Model:        model,
		InputTokens:  100,
		OutputTokens: 50,
		DurationMS:   200,
		StatusCode:   200,
		Success:      success,
	}
	if !success {
		m.StatusCode = 502
		m.ErrorKind = "upstream_error"
	}
	return m
}

func TestInsertAndQueryMetrics(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	records := []prism.RequestMetric{
		metric(base, "openai", "gpt-4o", "s1", true),
		metric(base.Add(time.Minute), "openai", "gpt-4o", "s1", false),
		metric(base.Add(2*time.Minute), "anthropic", "claude", "s2", true),
	}
	if err := s.InsertMetrics(ctx, records); err != nil {
		t.Fatalf("InsertMetrics: %v", err)
	}

	got, err := s.QueryMetrics(ctx, prism.MetricFilter{Since: base})
	if err != nil {
		t.Fatalf("QueryMetrics: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d records, want 3", len(got))
	}
	// Newest first.
	if got[0].Provider != "anthropic" {
		t.Fatalf("first record = %+v, want newest", got[0])
	}
	if got[0].Timestamp != base.Add(2*time.Minute) {
		t.Fatalf("timestamp round trip = %v", got[0].Timestamp)
	}

	byProvider, err := s.QueryMetrics(ctx, prism.MetricFilter{Provider: "openai"})
	if err != nil {
		t.Fatalf("QueryMetrics: %v", err)
	}
	if len(byProvider) != 2 {
		t.Fatalf("provider filter: got %d, want 2", len(byProvider))
	}

	bySession, _ := s.QueryMetrics(ctx, prism.MetricFilter{SessionID: "s2"})
	if len(bySession) != 1 || bySession[0].SessionID != "s2" {
		t.Fatalf("session filter: %+v", bySession)
	}

	limited, _ := s.QueryMetrics(ctx, prism.MetricFilter{Limit: 1})
	if len(limited) != 1 {
		t.Fatalf("limit: got %d, want 1", len(limited))
	}
}

func TestInsertMetricsEmptyBatch(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	if err := s.InsertMetrics(context.Background(), nil); err != nil {
		t.Fatalf("empty batch must be a no-op: %v", err)
	}
}

func TestProviderRollups(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	s.InsertMetrics(ctx, []prism.RequestMetric{
		metric(base, "openai", "gpt-4o", "", true),
		metric(base, "openai", "gpt-4o", "", true),
		metric(base, "openai", "gpt-4o", "", false),
		metric(base, "anthropic", "claude", "", true),
	})

	rollups, err := s.ProviderRollups(ctx, base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("ProviderRollups: %v", err)
	}
	if len(rollups) != 2 {
		t.Fatalf("got %d rollups, want 2", len(rollups))
	}
	top := rollups[0]
	if top.Provider != "openai" || top.Requests != 3 || top.Successes != 2 {
		t.Fatalf("top rollup = %+v", top)
	}
	if want := 1.0 / 3.0; top.ErrorRate != want {
		t.Fatalf("error rate = %v, want %v", top.ErrorRate, want)
	}
	if top.InputTokens != 300 || top.OutputTokens != 150 {
		t.Fatalf("token sums = %+v", top)
	}
}

func TestTopModels(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	s.InsertMetrics(ctx, []prism.RequestMetric{
		metric(base, "openai", "gpt-4o", "", true),
		metric(base, "openai", "gpt-4o", "", true),
		metric(base, "openai", "gpt-4o-mini", "", true),
	})

	top, err := s.TopModels(ctx, base, base.Add(time.Hour), 1)
	if err != nil {
		t.Fatalf("TopModels: %v", err)
	}
	if len(top) != 1 || top[0].Model != "gpt-4o" || top[0].Requests != 2 {
		t.Fatalf("top models = %+v", top)
	}
	if top[0].TotalTokens != 300 {
		t.Fatalf("total tokens = %d, want 300", top[0].TotalTokens)
	}
}

func TestSessionSummaries(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	s.InsertMetrics(ctx, []prism.RequestMetric{
		metric(base, "openai", "gpt-4o", "s1", true),
		metric(base.Add(10*time.Minute), "openai", "gpt-4o", "s1", true),
		metric(base.Add(20*time.Minute), "openai", "gpt-4o", "s2", true),
		metric(base, "openai", "gpt-4o", "", true), // sessionless, excluded
	})

	sums, err := s.SessionSummaries(ctx, base, 10)
	if err != nil {
		t.Fatalf("SessionSummaries: %v", err)
	}
	if len(sums) != 2 {
		t.Fatalf("got %d summaries, want 2", len(sums))
	}
	// Most recently active first.
	if sums[0].SessionID != "s2" {
		t.Fatalf("first summary = %+v, want s2", sums[0])
	}
	s1 := sums[1]
	if s1.Requests != 2 || s1.TotalTokens != 300 {
		t.Fatalf("s1 summary = %+v", s1)
	}
	if !s1.FirstSeen.Equal(base) || !s1.LastSeen.Equal(base.Add(10*time.Minute)) {
		t.Fatalf("s1 seen range = %v..%v", s1.FirstSeen, s1.LastSeen)
	}
}

func TestRollupHoursIdempotent(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	s.InsertMetrics(ctx, []prism.RequestMetric{
		metric(base.Add(5*time.Minute), "openai", "gpt-4o", "", true),
		metric(base.Add(15*time.Minute), "openai", "gpt-4o", "", false),
		metric(base.Add(65*time.Minute), "openai", "gpt-4o", "", true), // next hour
	})

	window := func() error { return s.RollupHours(ctx, base, base.Add(2*time.Hour)) }
	if err := window(); err != nil {
		t.Fatalf("RollupHours: %v", err)
	}
	// Re-running the same window must replace, not double.
	if err := window(); err != nil {
		t.Fatalf("RollupHours rerun: %v", err)
	}

	hours, err := s.QueryHourly(ctx, base, base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("QueryHourly: %v", err)
	}
	if len(hours) != 2 {
		t.Fatalf("got %d hourly rows, want 2", len(hours))
	}
	first := hours[0]
	if first.Bucket != "2026-08-24T10:00:00Z" {
		t.Fatalf("bucket = %q", first.Bucket)
	}
	if first.RequestCount != 2 || first.SuccessCount != 1 {
		t.Fatalf("first hour = %+v", first)
	}
	if first.ErrorRate != 0.5 {
		t.Fatalf("error rate = %v, want 0.5", first.ErrorRate)
	}
	if hours[1].RequestCount != 1 {
		t.Fatalf("second hour = %+v", hours[1])
	}
}

func TestQueryDaily(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	s.InsertMetrics(ctx, []prism.RequestMetric{
		metric(base, "openai", "gpt-4o", "", true),
		metric(base.Add(3*time.Hour), "openai", "gpt-4o", "", false),
		metric(base.Add(26*time.Hour), "openai", "gpt-4o", "", true), // next day
	})
	if err := s.RollupHours(ctx, base, base.Add(48*time.Hour)); err != nil {
		t.Fatalf("RollupHours: %v", err)
	}

	days, err := s.QueryDaily(ctx, base.Add(-time.Hour), base.Add(48*time.Hour))
	if err != nil {
		t.Fatalf("QueryDaily: %v", err)
	}
	if len(days) != 2 {
		t.Fatalf("got %d daily rows, want 2", len(days))
	}
	first := days[0]
	if first.Bucket != "2026-08-24T00:00:00Z" {
		t.Fatalf("bucket = %q", first.Bucket)
	}
	if first.RequestCount != 2 || first.SuccessCount != 1 {
		t.Fatalf("first day = %+v", first)
	}
	if days[1].RequestCount != 1 {
		t.Fatalf("second day = %+v", days[1])
	}
}

func TestPurgeBefore(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	s.InsertMetrics(ctx, []prism.RequestMetric{
		metric(base.Add(-48*time.Hour), "openai", "gpt-4o", "", true),
		metric(base, "openai", "gpt-4o", "", true),
	})
	if err := s.RollupHours(ctx, base.Add(-72*time.Hour), base.Add(time.Hour)); err != nil {
		t.Fatalf("RollupHours: %v", err)
	}

	n, err := s.PurgeBefore(ctx, base.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeBefore: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d rows, want 1", n)
	}

	left, _ := s.QueryMetrics(ctx, prism.MetricFilter{})
	if len(left) != 1 {
		t.Fatalf("remaining = %d, want 1", len(left))
	}
	hours, _ := s.QueryHourly(ctx, base.Add(-72*time.Hour), base.Add(time.Hour))
	for _, h := range hours {
		if h.Bucket < "2026-08-23T10:00:00Z" {
			t.Fatalf("stale rollup survived purge: %+v", h)
		}
	}
}

func TestPing(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
