package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewMetricsRegistersAllCollectors(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics(reg)

	collectors := map[string]any{
		"RequestsTotal":    m.RequestsTotal,
		"RequestDuration":  m.RequestDuration,
		"ActiveRequests":   m.ActiveRequests,
		"UpstreamDuration": m.UpstreamDuration,
		"UpstreamErrors":   m.UpstreamErrors,
		"CacheHits":        m.CacheHits,
		"CacheSimilarHits": m.CacheSimilarHits,
		"CacheMisses":      m.CacheMisses,
		"RateLimitRejects": m.RateLimitRejects,
		"BreakerRejects":   m.BreakerRejects,
		"QueueDepth":       m.QueueDepth,
		"RetriesTotal":     m.RetriesTotal,
		"TokensProcessed":  m.TokensProcessed,
		"MetricsDropped":   m.MetricsDropped,
	}
	for name, c := range collectors {
		if c == nil {
			t.Errorf("%s is nil", name)
		}
	}

	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather on fresh registry: %v", err)
	}
}

func TestMetricsFamilies(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics(reg)

	m.RequestsTotal.WithLabelValues("anthropic", "claude", "200").Inc()
	m.RequestDuration.WithLabelValues("anthropic", "claude").Observe(0.25)
	m.UpstreamDuration.WithLabelValues("anthropic", "claude").Observe(0.2)
	m.UpstreamErrors.WithLabelValues("anthropic", "upstream_error").Inc()
	m.ActiveRequests.Inc()
	m.CacheHits.Inc()
	m.CacheSimilarHits.Inc()
	m.CacheMisses.Inc()
	m.RateLimitRejects.WithLabelValues("global").Inc()
	m.BreakerRejects.WithLabelValues("anthropic", "claude").Inc()
	m.QueueDepth.WithLabelValues("anthropic").Set(3)
	m.RetriesTotal.WithLabelValues("anthropic").Inc()
	m.TokensProcessed.WithLabelValues("claude", "output").Add(128)
	m.MetricsDropped.Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	got := make(map[string]bool, len(families))
	for _, f := range families {
		got[f.GetName()] = true
	}

	for _, name := range []string{
		"prism_requests_total",
		"prism_request_duration_seconds",
		"prism_active_requests",
		"prism_upstream_duration_seconds",
		"prism_upstream_errors_total",
		"prism_cache_hits_total",
		"prism_cache_similar_hits_total",
		"prism_cache_misses_total",
		"prism_ratelimit_rejects_total",
		"prism_breaker_rejects_total",
		"prism_sequential_queue_depth",
		"prism_retries_total",
		"prism_tokens_processed_total",
		"prism_metrics_dropped_total",
	} {
		if !got[name] {
			t.Errorf("family %q not gathered", name)
		}
	}
}

// SetupTracing needs a live OTLP collector and is covered by integration
// environments, not unit tests.
