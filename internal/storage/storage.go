// Package storage defines the persistence interface for request metrics.
package storage

import (
	"context"
	"time"

	prism "github.com/prismproxy/prism/internal"
)

// ProviderRollup aggregates metrics for one provider over a window.
type ProviderRollup struct {
	Provider      string  `json:"provider"`
	Requests      int64   `json:"requests"`
	Successes     int64   `json:"successes"`
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
	ErrorRate     float64 `json:"error_rate"`
}

// ModelCount ranks one provider/model pair by traffic.
type ModelCount struct {
	Provider    string `json:"provider"`
	Model       string `json:"model"`
	Requests    int64  `json:"requests"`
	TotalTokens int64  `json:"total_tokens"`
}

// SessionSummary aggregates one session's activity.
type SessionSummary struct {
	SessionID   string    `json:"session_id"`
	Requests    int64     `json:"requests"`
	TotalTokens int64     `json:"total_tokens"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

// MetricStore persists and queries request metrics.
type MetricStore interface {
	// InsertMetrics batch-inserts records in one statement.
	InsertMetrics(ctx context.Context, records []prism.RequestMetric) error
	// QueryMetrics returns raw records matching the filter, newest first.
	QueryMetrics(ctx context.Context, f prism.MetricFilter) ([]prism.RequestMetric, error)
	// ProviderRollups aggregates per provider inside [since, until).
	ProviderRollups(ctx context.Context, since, until time.Time) ([]ProviderRollup, error)
	// TopModels ranks provider/model pairs by request count inside [since, until).
	TopModels(ctx context.Context, since, until time.Time, limit int) ([]ModelCount, error)
	// SessionSummaries lists the most recently active sessions since the cutoff.
	SessionSummaries(ctx context.Context, since time.Time, limit int) ([]SessionSummary, error)
	// RollupHours folds raw metrics inside [since, until) into hourly_aggregates.
	RollupHours(ctx context.Context, since, until time.Time) error
	// QueryHourly returns hourly rollups inside [since, until), oldest first.
	QueryHourly(ctx context.Context, since, until time.Time) ([]prism.HourlyAggregate, error)
	// QueryDaily folds hourly rollups into day buckets inside [since, until).
	QueryDaily(ctx context.Context, since, until time.Time) ([]prism.HourlyAggregate, error)
	// PurgeBefore deletes raw metrics and rollups older than the cutoff and
	// returns the number of raw rows removed.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}
