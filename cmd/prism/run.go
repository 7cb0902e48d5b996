package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	"github.com/prismproxy/prism/internal/auth"
	"github.com/prismproxy/prism/internal/cache"
	"github.com/prismproxy/prism/internal/circuitbreaker"
	"github.com/prismproxy/prism/internal/cloudauth"
	"github.com/prismproxy/prism/internal/config"
	"github.com/prismproxy/prism/internal/httppool"
	"github.com/prismproxy/prism/internal/keypool"
	"github.com/prismproxy/prism/internal/metrics"
	"github.com/prismproxy/prism/internal/pipeline"
	"github.com/prismproxy/prism/internal/ratelimit"
	"github.com/prismproxy/prism/internal/router"
	"github.com/prismproxy/prism/internal/seqqueue"
	"github.com/prismproxy/prism/internal/server"
	"github.com/prismproxy/prism/internal/storage/sqlite"
	"github.com/prismproxy/prism/internal/telemetry"
	"github.com/prismproxy/prism/internal/upstream"
	"github.com/prismproxy/prism/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	slog.Info("starting prism", "version", version, "addr", cfg.Server.Addr)

	ctx := context.Background()

	// Tracing.
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				slog.Warn("tracer shutdown failed", "error", err)
			}
		}()
	}

	// Durable metric store.
	store, err := sqlite.Open(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	// Inbound auth.
	authn, err := auth.New(auth.Config{
		Scheme:        cfg.Auth.Scheme,
		StaticKeys:    cfg.Auth.StaticKeys,
		JWTSecret:     cfg.Auth.JWTSecret,
		AllowLoopback: cfg.Auth.AllowLoopback,
	})
	if err != nil {
		return err
	}

	// Routing table.
	routes, err := router.New(router.Config{
		Default:              cfg.Router.Default,
		Background:           cfg.Router.Background,
		LongContext:          cfg.Router.LongContext,
		Reasoning:            cfg.Router.Reasoning,
		WebSearch:            cfg.Router.WebSearch,
		Image:                cfg.Router.Image,
		Subagent:             cfg.Router.Subagent,
		LongContextThreshold: cfg.Router.LongContextThreshold,
	})
	if err != nil {
		return err
	}

	// Upstream key pool.
	keyCfg := keypool.DefaultConfig()
	keyCfg.Strategy = keypool.ParseStrategy(cfg.Keys.Strategy)
	entries := make([]keypool.Entry, 0, len(cfg.Keys.Keys))
	for _, k := range cfg.Keys.Keys {
		entries = append(entries, keypool.Entry{
			ID:            k.ID,
			Provider:      k.Provider,
			Secret:        k.Secret,
			Weight:        k.Weight,
			MaxConcurrent: k.MaxConcurrent,
			Priority:      k.Priority,
		})
	}
	keys := keypool.New(keyCfg, entries)

	// Rate limiter.
	limiter := ratelimit.New(ratelimit.Config{
		Global:      toLimit(cfg.RateLimits.Global),
		PerProvider: toLimit(cfg.RateLimits.PerProvider),
		PerKey:      toLimit(cfg.RateLimits.PerKey),
		PerSession:  toLimit(cfg.RateLimits.PerSession),
	})

	// Outbound connection pool.
	resolver := &dnscache.Resolver{}
	pool := httppool.New(httppool.Config{
		MaxPerOrigin:       cfg.Pool.MaxPerOrigin,
		WaitTimeout:        cfg.Pool.WaitTimeout,
		MaxRequestsPerConn: cfg.Pool.MaxRequestsPerConn,
		MaxLifetime:        cfg.Pool.MaxLifetime,
		FreeSocketTimeout:  cfg.Pool.FreeSocketTimeout,
		AffinityIdle:       cfg.Pool.AffinityIdle,
		MaxAffineSessions:  cfg.Pool.MaxAffineSessions,
	}, resolver)
	for _, p := range cfg.Providers {
		if p.InsecureTLS {
			pool.AllowInsecureTLS(p.BaseURL)
		}
	}

	// Cloud bearer tokens, only when a provider needs them.
	var bearer upstream.BearerSource
	for _, p := range cfg.Providers {
		if p.Auth.Type == "gcp_oauth" {
			src, err := cloudauth.NewGCPTokenSource(ctx)
			if err != nil {
				return err
			}
			bearer = src
			break
		}
	}

	// Dispatcher.
	providers := make([]upstream.ProviderConfig, 0, len(cfg.Providers))
	sequential := make([]string, 0)
	retryBudgets := make(map[string]int)
	for _, p := range cfg.Providers {
		providers = append(providers, upstream.ProviderConfig{
			Name:        p.Name,
			BaseURL:     p.BaseURL,
			Transformer: p.Transformer,
			AuthType:    authType(p.Auth.Type),
			AuthHeader:  p.Auth.Header,
			Timeout:     p.Timeout,
		})
		if p.Sequential {
			sequential = append(sequential, p.Name)
		}
		if p.RetryBudget > 0 {
			retryBudgets[p.Name] = p.RetryBudget
		}
	}
	dispatcher := upstream.NewDispatcher(pool, upstream.NewRegistry(), providers, bearer, log)

	queue := seqqueue.New(0, sequential)

	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold:   cfg.Breaker.FailureThreshold,
		RatioThreshold:     cfg.Breaker.FailureRatioThreshold,
		WindowSize:         cfg.Breaker.WindowSize,
		OpenDuration:       cfg.Breaker.OpenDuration,
		MaxOpenDuration:    cfg.Breaker.MaxOpenDuration,
		HalfOpenProbeCount: cfg.Breaker.HalfOpenProbeCount,
	})

	// Response cache.
	var respCache *cache.Cache
	if cfg.Cache.Enabled {
		var l2 cache.Tier
		switch cfg.Cache.L2.Type {
		case "redis":
			l2, err = cache.NewRedis(ctx, cfg.Cache.L2.RedisURL, log)
		case "disk":
			l2, err = cache.NewDisk(cfg.Cache.L2.Dir, log)
		}
		if err != nil {
			return err
		}
		respCache, err = cache.New(cache.Config{
			MaxEntries:          cfg.Cache.MaxEntries,
			MaxBytes:            cfg.Cache.MaxBytes,
			TTL:                 cfg.Cache.TTL,
			TTLVariancePct:      cfg.Cache.TTLVariancePct,
			TempCeiling:         cfg.Cache.TempCeiling,
			IncludeFields:       cfg.Cache.IncludeFields,
			ExcludeFields:       cfg.Cache.ExcludeFields,
			SimilarityThreshold: similarityThreshold(cfg.Cache),
			Coalesce:            cfg.Cache.CoalesceEnabled(),
		}, l2, log)
		if err != nil {
			return err
		}
		defer respCache.Close()
	}

	// Metric collection.
	collectorCfg := metrics.DefaultConfig()
	collectorCfg.BatchSize = cfg.Metrics.BatchSize
	collectorCfg.FlushInterval = cfg.Metrics.FlushInterval
	collector := metrics.New(collectorCfg, store, log)

	// Prometheus.
	var promMetrics *telemetry.Metrics
	var promHandler http.Handler
	if cfg.Telemetry.Prometheus {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		promMetrics = telemetry.NewMetrics(reg)
		promHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	// Request pipeline.
	pipe := pipeline.New(pipeline.Config{
		RequestTimeout: cfg.Server.RequestTimeout,
		RetryBudgets:   retryBudgets,
	}, pipeline.Components{
		Router:     routes,
		Breakers:   breakers,
		Queue:      queue,
		Keys:       keys,
		Limiter:    limiter,
		Cache:      respCache,
		Dispatcher: dispatcher,
		Collector:  collector,
		Prom:       promMetrics,
	}, log)

	deps := server.Deps{
		Auth:       authn,
		Messages:   pipe,
		Pool:       pool,
		Keys:       keys,
		Queue:      queue,
		Breakers:   breakers,
		Collector:  collector,
		Store:      store,
		ReadyCheck: store.Ping,
		Prometheus: promHandler,
	}
	if respCache != nil {
		deps.Cache = respCache
	}
	handler := server.New(deps)

	// Background workers.
	retention := time.Duration(cfg.Metrics.RetentionDays) * 24 * time.Hour
	janitor := &worker.Janitor{
		Keys:     keys,
		Conns:    pool,
		Breakers: breakers,
		Limiter:  limiter,
	}
	if respCache != nil {
		janitor.Cache = respCache
	}
	runner := worker.NewRunner(
		collector,
		worker.NewRollupWorker(store, 0),
		worker.NewRetentionWorker(store, retention, 0),
		janitor,
	)
	workerCtx, stopWorkers := context.WithCancel(ctx)
	workerDone := make(chan error, 1)
	go func() { workerDone <- runner.Run(workerCtx) }()

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("prism ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		stopWorkers()
		return err
	case err := <-workerDone:
		stopWorkers()
		return err
	}

	// Stop accepting traffic, then drain workers (the collector flushes
	// pending metrics on cancel), then close the connection pool.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		stopWorkers()
		return err
	}

	stopWorkers()
	if err := <-workerDone; err != nil {
		slog.Warn("worker shutdown error", "error", err)
	}
	pool.Shutdown(shutdownCtx, cfg.Pool.ShutdownGrace)

	slog.Info("prism stopped")
	return nil
}

func toLimit(s config.ScopeLimit) ratelimit.Limit {
	return ratelimit.Limit{
		Capacity:        s.Capacity,
		RefillPerSecond: s.RefillPerSecond,
		WindowSeconds:   s.WindowSeconds,
		MaxInWindow:     s.MaxInWindow,
	}
}

// authType maps config auth types onto dispatcher auth modes.
func authType(t string) string {
	switch t {
	case "", "api_key":
		return "header"
	default:
		return t
	}
}

func similarityThreshold(c config.CacheConfig) float64 {
	if !c.SimilarityEnabled {
		return 0
	}
	return c.SimilarityThreshold
}
