package worker

import (
	"context"
	"log/slog"
	"time"
)

const defaultRollupInterval = 5 * time.Minute

// RollupStore is the persistence surface consumed by RollupWorker.
type RollupStore interface {
	RollupHours(ctx context.Context, since, until time.Time) error
}

// RollupWorker periodically folds raw request metrics into hourly aggregates.
type RollupWorker struct {
	store    RollupStore
	interval time.Duration
	now      func() time.Time
}

// NewRollupWorker creates a rollup worker. A non-positive interval uses the
// default of five minutes.
func NewRollupWorker(store RollupStore, interval time.Duration) *RollupWorker {
	if interval <= 0 {
		interval = defaultRollupInterval
	}
	return &RollupWorker{store: store, interval: interval, now: time.Now}
}

// Name returns the worker identifier.
func (w *RollupWorker) Name() string { return "metric_rollup" }

// Run folds metrics into hourly aggregates on a periodic schedule.
func (w *RollupWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.rollup(ctx)
		}
	}
}

func (w *RollupWorker) rollup(ctx context.Context) {
	// Fold the last 2 hours to cover late-arriving records. RollupHours
	// upserts, so re-folding an hour is idempotent.
	now := w.now().UTC()
	since := now.Add(-2 * time.Hour).Truncate(time.Hour)
	until := now.Truncate(time.Hour).Add(time.Hour)

	if err := w.store.RollupHours(ctx, since, until); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "metric rollup failed",
			slog.String("error", err.Error()),
		)
		return
	}
	slog.LogAttrs(ctx, slog.LevelDebug, "metric rollup completed",
		slog.Time("since", since),
		slog.Time("until", until),
	)
}
