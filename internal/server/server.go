// Package server implements the HTTP transport layer for the Prism proxy:
// the client-facing messages API and the management API.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	prism "github.com/prismproxy/prism/internal"
	"github.com/prismproxy/prism/internal/cache"
	"github.com/prismproxy/prism/internal/circuitbreaker"
	"github.com/prismproxy/prism/internal/httppool"
	"github.com/prismproxy/prism/internal/keypool"
	"github.com/prismproxy/prism/internal/metrics"
	"github.com/prismproxy/prism/internal/seqqueue"
	"github.com/prismproxy/prism/internal/storage"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// MessagesHandler serves the proxied messages API.
type MessagesHandler interface {
	HandleMessages(w http.ResponseWriter, r *http.Request)
	HandleCountTokens(w http.ResponseWriter, r *http.Request)
}

// CacheAdmin is the cache surface of the management API.
type CacheAdmin interface {
	Stats() cache.Stats
	Invalidate(ctx context.Context, pattern string) int
	Flush(ctx context.Context)
}

// PoolAdmin exposes connection pool counters.
type PoolAdmin interface {
	Stats() httppool.Stats
	OriginStats(name string) httppool.Stats
}

// KeyAdmin exposes key pool state and manual reactivation.
type KeyAdmin interface {
	Info() []keypool.KeyInfo
	Reactivate(keyID string) bool
}

// QueueAdmin exposes sequential-mode state and toggling.
type QueueAdmin interface {
	State() map[string]seqqueue.GateState
	Sequential(provider string) bool
	SetSequential(provider string, enabled bool)
}

// BreakerAdmin exposes circuit breaker state and manual reset.
type BreakerAdmin interface {
	Snapshots() map[string]circuitbreaker.Snapshot
	Get(pm prism.ProviderModel) *circuitbreaker.Breaker
}

// MetricsSource exposes live aggregates and the snapshot stream.
type MetricsSource interface {
	Snapshot() metrics.Snapshot
	Subscribe() (<-chan metrics.Snapshot, func())
}

// Deps holds all dependencies for the HTTP server. Nil optional fields
// disable the corresponding endpoints.
type Deps struct {
	Auth       prism.Authenticator
	Messages   MessagesHandler
	Cache      CacheAdmin    // nil = caching disabled
	Pool       PoolAdmin
	Keys       KeyAdmin
	Queue      QueueAdmin
	Breakers   BreakerAdmin
	Collector  MetricsSource
	Store      storage.MetricStore // nil = no durable metric queries
	ReadyCheck ReadyChecker        // nil = always ready
	Prometheus http.Handler        // nil = /metrics disabled
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)

	// System endpoints, no auth.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.Prometheus != nil {
		r.Method(http.MethodGet, "/metrics", deps.Prometheus)
	}

	// Client-facing API.
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/v1/messages", deps.Messages.HandleMessages)
		r.Post("/v1/messages/count_tokens", deps.Messages.HandleCountTokens)
	})

	// Management API.
	r.Route("/api", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get("/cache/stats", s.handleCacheStats)
		r.Post("/cache/invalidate", s.handleCacheInvalidate)
		r.Post("/cache/flush", s.handleCacheFlush)

		r.Get("/pool/stats", s.handlePoolStats)

		r.Get("/keys", s.handleKeyList)
		r.Post("/keys/{id}/reactivate", s.handleKeyReactivate)

		r.Get("/sequential", s.handleSequentialState)
		r.Put("/sequential/{provider}", s.handleSequentialSet)

		r.Get("/breakers", s.handleBreakerState)
		r.Post("/breakers/{provider}/{model}/reset", s.handleBreakerReset)

		r.Get("/metrics", s.handleMetricsSnapshot)
		r.Get("/metrics/stream", s.handleMetricsStream)
		r.Get("/metrics/requests", s.handleMetricsRequests)
		r.Get("/metrics/providers", s.handleMetricsProviders)
		r.Get("/metrics/models", s.handleMetricsModels)
		r.Get("/metrics/sessions", s.handleMetricsSessions)
		r.Get("/metrics/hourly", s.handleMetricsHourly)
		r.Get("/metrics/daily", s.handleMetricsDaily)
	})

	return r
}

type server struct {
	deps Deps
}
