package worker

import (
	"context"
	"log/slog"
	"time"
)

const (
	defaultRetention     = 90 * 24 * time.Hour
	defaultPurgeInterval = time.Hour
)

// PurgeStore is the persistence surface consumed by RetentionWorker.
type PurgeStore interface {
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionWorker deletes metrics older than the retention window.
type RetentionWorker struct {
	store     PurgeStore
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
}

// NewRetentionWorker creates a retention worker. Non-positive retention
// defaults to 90 days, non-positive interval to one hour.
func NewRetentionWorker(store PurgeStore, retention, interval time.Duration) *RetentionWorker {
	if retention <= 0 {
		retention = defaultRetention
	}
	if interval <= 0 {
		interval = defaultPurgeInterval
	}
	return &RetentionWorker{store: store, retention: retention, interval: interval, now: time.Now}
}

// Name returns the worker identifier.
func (w *RetentionWorker) Name() string { return "metric_retention" }

// Run purges expired metrics on a periodic schedule.
func (w *RetentionWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.purge(ctx)
		}
	}
}

func (w *RetentionWorker) purge(ctx context.Context) {
	cutoff := w.now().UTC().Add(-w.retention)
	purged, err := w.store.PurgeBefore(ctx, cutoff)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "metric purge failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if purged > 0 {
		slog.LogAttrs(ctx, slog.LevelInfo, "expired metrics purged",
			slog.Int64("rows", purged),
			slog.Time("cutoff", cutoff),
		)
	}
}
