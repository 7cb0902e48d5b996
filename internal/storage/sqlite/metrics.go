package sqlite

import (
	"context"
	"strings"
	"time"

	prism "github.com/prismproxy/prism/internal"
	"github.com/prismproxy/prism/internal/storage"
)

const tsFormat = time.RFC3339

// InsertMetrics batch-inserts records as a single multi-row INSERT so a full
// flush costs one round-trip.
func (s *Store) InsertMetrics(ctx context.Context, records []prism.RequestMetric) error {
	if len(records) == 0 {
		return nil
	}

	// cols must match the column list in the INSERT below.
	const cols = 14
	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*cols)

	for i, r := range records {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.ID, r.Timestamp.UTC().Format(tsFormat), r.RequestID, r.SessionID,
			r.Provider, r.Model,
			r.InputTokens, r.OutputTokens, r.DurationMS,
			r.StatusCode, boolToInt(r.Success), r.ErrorKind,
			boolToInt(r.CacheHit), r.Retries,
		)
	}

	query := `INSERT INTO request_metrics
		(id, ts, request_id, session_id, provider, model,
		 input_tokens, output_tokens, duration_ms,
		 status_code, success, error_kind, cache_hit, retries)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// QueryMetrics returns raw records matching the filter, newest first.
func (s *Store) QueryMetrics(ctx context.Context, f prism.MetricFilter) ([]prism.RequestMetric, error) {
	var clauses []string
	var args []any
	if !f.Since.IsZero() {
		clauses = append(clauses, "ts >= ?")
		args = append(args, f.Since.UTC().Format(tsFormat))
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "ts < ?")
		args = append(args, f.Until.UTC().Format(tsFormat))
	}
	if f.Provider != "" {
		clauses = append(clauses, "provider = ?")
		args = append(args, f.Provider)
	}
	if f.Model != "" {
		clauses = append(clauses, "model = ?")
		args = append(args, f.Model)
	}
	if f.SessionID != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, f.SessionID)
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.read.QueryContext(ctx,
		`SELECT id, ts, request_id, session_id, provider, model,
		 input_tokens, output_tokens, duration_ms,
		 status_code, success, error_kind, cache_hit, retries
		 FROM request_metrics`+where+` ORDER BY ts DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []prism.RequestMetric
	for rows.Next() {
		var r prism.RequestMetric
		var ts string
		var success, cacheHit int
		if err := rows.Scan(
			&r.ID, &ts, &r.RequestID, &r.SessionID, &r.Provider, &r.Model,
			&r.InputTokens, &r.OutputTokens, &r.DurationMS,
			&r.StatusCode, &success, &r.ErrorKind, &cacheHit, &r.Retries,
		); err != nil {
			return nil, err
		}
		r.Success = success != 0
		r.CacheHit = cacheHit != 0
		if t, e := time.Parse(tsFormat, ts); e == nil {
			r.Timestamp = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ProviderRollups aggregates per provider inside [since, until).
func (s *Store) ProviderRollups(ctx context.Context, since, until time.Time) ([]storage.ProviderRollup, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT provider, COUNT(*), SUM(success),
		 SUM(input_tokens), SUM(output_tokens), AVG(duration_ms)
		 FROM request_metrics WHERE ts >= ? AND ts < ?
		 GROUP BY provider ORDER BY COUNT(*) DESC`,
		since.UTC().Format(tsFormat), until.UTC().Format(tsFormat))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.ProviderRollup
	for rows.Next() {
		var r storage.ProviderRollup
		if err := rows.Scan(&r.Provider, &r.Requests, &r.Successes,
			&r.InputTokens, &r.OutputTokens, &r.AvgDurationMS); err != nil {
			return nil, err
		}
		if r.Requests > 0 {
			r.ErrorRate = float64(r.Requests-r.Successes) / float64(r.Requests)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TopModels ranks provider/model pairs by request count inside [since, until).
func (s *Store) TopModels(ctx context.Context, since, until time.Time, limit int) ([]storage.ModelCount, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.read.QueryContext(ctx,
		`SELECT provider, model, COUNT(*), SUM(input_tokens + output_tokens)
		 FROM request_metrics WHERE ts >= ? AND ts < ?
		 GROUP BY provider, model ORDER BY COUNT(*) DESC LIMIT ?`,
		since.UTC().Format(tsFormat), until.UTC().Format(tsFormat), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.ModelCount
	for rows.Next() {
		var m storage.ModelCount
		if err := rows.Scan(&m.Provider, &m.Model, &m.Requests, &m.TotalTokens); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SessionSummaries lists the most recently active sessions since the cutoff.
func (s *Store) SessionSummaries(ctx context.Context, since time.Time, limit int) ([]storage.SessionSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.read.QueryContext(ctx,
		`SELECT session_id, COUNT(*), SUM(input_tokens + output_tokens),
		 MIN(ts), MAX(ts)
		 FROM request_metrics WHERE ts >= ? AND session_id != ''
		 GROUP BY session_id ORDER BY MAX(ts) DESC LIMIT ?`,
		since.UTC().Format(tsFormat), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.SessionSummary
	for rows.Next() {
		var sum storage.SessionSummary
		var first, last string
		if err := rows.Scan(&sum.SessionID, &sum.Requests, &sum.TotalTokens, &first, &last); err != nil {
			return nil, err
		}
		if t, e := time.Parse(tsFormat, first); e == nil {
			sum.FirstSeen = t
		}
		if t, e := time.Parse(tsFormat, last); e == nil {
			sum.LastSeen = t
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// RollupHours folds raw metrics inside [since, until) into hourly_aggregates.
// Re-running the same window replaces the rows, so the rollup worker can
// safely overlap windows.
func (s *Store) RollupHours(ctx context.Context, since, until time.Time) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO hourly_aggregates
		 (bucket, provider, model, request_count, success_count,
		  input_tokens, output_tokens, total_ms, cache_hits)
		 SELECT strftime('%Y-%m-%dT%H:00:00Z', ts), provider, model,
		        COUNT(*), SUM(success), SUM(input_tokens), SUM(output_tokens),
		        SUM(duration_ms), SUM(cache_hit)
		 FROM request_metrics WHERE ts >= ? AND ts < ?
		 GROUP BY 1, provider, model
		 ON CONFLICT (bucket, provider, model) DO UPDATE SET
		  request_count = excluded.request_count,
		  success_count = excluded.success_count,
		  input_tokens = excluded.input_tokens,
		  output_tokens = excluded.output_tokens,
		  total_ms = excluded.total_ms,
		  cache_hits = excluded.cache_hits`,
		since.UTC().Format(tsFormat), until.UTC().Format(tsFormat))
	return err
}

// QueryHourly returns hourly rollups inside [since, until), oldest first.
func (s *Store) QueryHourly(ctx context.Context, since, until time.Time) ([]prism.HourlyAggregate, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT bucket, provider, model, request_count, success_count,
		 input_tokens, output_tokens, total_ms, cache_hits
		 FROM hourly_aggregates WHERE bucket >= ? AND bucket < ?
		 ORDER BY bucket ASC`,
		since.UTC().Format(tsFormat), until.UTC().Format(tsFormat))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []prism.HourlyAggregate
	for rows.Next() {
		var h prism.HourlyAggregate
		if err := rows.Scan(&h.Bucket, &h.Provider, &h.Model, &h.RequestCount,
			&h.SuccessCount, &h.InputTokens, &h.OutputTokens, &h.TotalMS, &h.CacheHits); err != nil {
			return nil, err
		}
		if h.RequestCount > 0 {
			h.ErrorRate = float64(h.RequestCount-h.SuccessCount) / float64(h.RequestCount)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// QueryDaily folds hourly rollups into day buckets inside [since, until),
// oldest first. Buckets are midnight-UTC RFC3339 boundaries.
func (s *Store) QueryDaily(ctx context.Context, since, until time.Time) ([]prism.HourlyAggregate, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT substr(bucket, 1, 10) || 'T00:00:00Z', provider, model,
		 SUM(request_count), SUM(success_count),
		 SUM(input_tokens), SUM(output_tokens), SUM(total_ms), SUM(cache_hits)
		 FROM hourly_aggregates WHERE bucket >= ? AND bucket < ?
		 GROUP BY 1, provider, model ORDER BY 1 ASC`,
		since.UTC().Format(tsFormat), until.UTC().Format(tsFormat))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []prism.HourlyAggregate
	for rows.Next() {
		var h prism.HourlyAggregate
		if err := rows.Scan(&h.Bucket, &h.Provider, &h.Model, &h.RequestCount,
			&h.SuccessCount, &h.InputTokens, &h.OutputTokens, &h.TotalMS, &h.CacheHits); err != nil {
			return nil, err
		}
		if h.RequestCount > 0 {
			h.ErrorRate = float64(h.RequestCount-h.SuccessCount) / float64(h.RequestCount)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// PurgeBefore deletes raw metrics and rollups older than the cutoff and
// returns the number of raw rows removed.
func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ts := cutoff.UTC().Format(tsFormat)
	res, err := s.write.ExecContext(ctx, `DELETE FROM request_metrics WHERE ts < ?`, ts)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if _, err := s.write.ExecContext(ctx, `DELETE FROM hourly_aggregates WHERE bucket < ?`, ts); err != nil {
		return n, err
	}
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
