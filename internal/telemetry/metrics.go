// Package telemetry provides observability primitives for the Prism proxy.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the proxy.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	CacheHits        prometheus.Counter
	CacheSimilarHits prometheus.Counter
	CacheMisses      prometheus.Counter
	RateLimitRejects *prometheus.CounterVec
	BreakerRejects   *prometheus.CounterVec
	QueueDepth       *prometheus.GaugeVec
	RetriesTotal     *prometheus.CounterVec
	TokensProcessed  *prometheus.CounterVec
	MetricsDropped   prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prism",
			Name:      "requests_total",
			Help:      "Total number of proxied requests.",
		}, []string{"provider", "model", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "prism",
			Name:                            "request_duration_seconds",
			Help:                            "End-to-end request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider", "model"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "prism",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "prism",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream provider call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider", "model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prism",
			Name:      "upstream_errors_total",
			Help:      "Total upstream provider errors.",
		}, []string{"provider", "kind"}),

		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "prism",
			Name:      "cache_hits_total",
			Help:      "Total exact response cache hits.",
		}),

		CacheSimilarHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "prism",
			Name:      "cache_similar_hits_total",
			Help:      "Total similarity-matched response cache hits.",
		}),

		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "prism",
			Name:      "cache_misses_total",
			Help:      "Total response cache misses.",
		}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prism",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections.",
		}, []string{"scope"}),

		BreakerRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prism",
			Name:      "breaker_rejects_total",
			Help:      "Total requests rejected by an open circuit breaker.",
		}, []string{"provider", "model"}),

		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "prism",
			Name:      "sequential_queue_depth",
			Help:      "Current sequential queue depth per provider.",
		}, []string{"provider"}),

		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prism",
			Name:      "retries_total",
			Help:      "Total in-request upstream retries.",
		}, []string{"provider"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prism",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),

		MetricsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "prism",
			Name:      "metrics_dropped_total",
			Help:      "Request metrics dropped before durable persistence.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.CacheHits,
		m.CacheSimilarHits,
		m.CacheMisses,
		m.RateLimitRejects,
		m.BreakerRejects,
		m.QueueDepth,
		m.RetriesTotal,
		m.TokensProcessed,
		m.MetricsDropped,
	)

	return m
}
