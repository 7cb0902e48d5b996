package worker

import (
	"context"
	"log/slog"
	"time"
)

const (
	defaultSweepInterval = time.Minute
	defaultStaleAfter    = time.Hour
)

// Reaper releases expired resources and reports how many were affected.
// Satisfied by the key pool (cooldown promotion) and the connection pool
// (idle connection close).
type Reaper interface {
	Reap() int
}

// Sweeper removes expired cache entries.
type Sweeper interface {
	Sweep() int
}

// StaleEvictor drops per-target state not used since the cutoff. Satisfied
// by the breaker registry and the rate limiter.
type StaleEvictor interface {
	EvictStale(cutoff time.Time) int
}

// Janitor periodically sweeps in-memory state: promotes cooled keys, closes
// idle connections, evicts expired cache entries, and drops stale breaker
// and limiter buckets. Nil fields are skipped.
type Janitor struct {
	Keys     Reaper
	Conns    Reaper
	Cache    Sweeper
	Breakers StaleEvictor
	Limiter  StaleEvictor

	Interval   time.Duration // default 1m
	StaleAfter time.Duration // default 1h

	now func() time.Time
}

// Name returns the worker identifier.
func (j *Janitor) Name() string { return "janitor" }

// Run sweeps on a periodic schedule until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	interval := j.Interval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	staleAfter := j.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	nowFn := j.now
	if nowFn == nil {
		nowFn = time.Now
	}
	cutoff := nowFn().Add(-staleAfter)

	var promoted, closed, swept, breakers, buckets int
	if j.Keys != nil {
		promoted = j.Keys.Reap()
	}
	if j.Conns != nil {
		closed = j.Conns.Reap()
	}
	if j.Cache != nil {
		swept = j.Cache.Sweep()
	}
	if j.Breakers != nil {
		breakers = j.Breakers.EvictStale(cutoff)
	}
	if j.Limiter != nil {
		buckets = j.Limiter.EvictStale(cutoff)
	}

	if promoted+closed+swept+breakers+buckets > 0 {
		slog.LogAttrs(ctx, slog.LevelDebug, "janitor sweep",
			slog.Int("keys_promoted", promoted),
			slog.Int("conns_closed", closed),
			slog.Int("cache_swept", swept),
			slog.Int("breakers_evicted", breakers),
			slog.Int("limiter_evicted", buckets),
		)
	}
}
