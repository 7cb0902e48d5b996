package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	prism "github.com/prismproxy/prism/internal"
)

// writeAdminError logs the full error server-side and returns a sanitized
// message to the client to avoid leaking internal details.
func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	slog.LogAttrs(r.Context(), slog.LevelError, "management API error",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	writeJSON(w, http.StatusInternalServerError, errorResponse(prism.KindInternal, "internal error"))
}

// parseWindow reads optional since/until RFC3339 query params, defaulting to
// the last 24 hours. Writes 400 and returns false on a malformed timestamp.
func parseWindow(w http.ResponseWriter, r *http.Request) (since, until time.Time, ok bool) {
	q := r.URL.Query()
	until = time.Now().UTC()
	since = until.Add(-24 * time.Hour)
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse(prism.KindBadRequest, "invalid since format, use RFC3339"))
			return time.Time{}, time.Time{}, false
		}
		since = t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse(prism.KindBadRequest, "invalid until format, use RFC3339"))
			return time.Time{}, time.Time{}, false
		}
		until = t
	}
	return since, until, true
}

func parseLimit(r *http.Request, def, max int) int {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if n <= 0 || n > max {
		return def
	}
	return n
}

// --- Cache ---

func (s *server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Cache.Stats())
}

func (s *server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		writeJSON(w, http.StatusConflict, errorResponse(prism.KindBadRequest, "cache is disabled"))
		return
	}
	var req struct {
		Pattern string `json:"pattern"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Pattern == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse(prism.KindBadRequest, "pattern is required"))
		return
	}
	n := s.deps.Cache.Invalidate(r.Context(), req.Pattern)
	writeJSON(w, http.StatusOK, map[string]int{"invalidated": n})
}

func (s *server) handleCacheFlush(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		writeJSON(w, http.StatusConflict, errorResponse(prism.KindBadRequest, "cache is disabled"))
		return
	}
	s.deps.Cache.Flush(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "flushed"})
}

// --- Connection pool ---

func (s *server) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	if origin := r.URL.Query().Get("origin"); origin != "" {
		writeJSON(w, http.StatusOK, s.deps.Pool.OriginStats(origin))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Pool.Stats())
}

// --- Key pool ---

func (s *server) handleKeyList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"keys": s.deps.Keys.Info()})
}

func (s *server) handleKeyReactivate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.deps.Keys.Reactivate(id) {
		writeJSON(w, http.StatusNotFound, errorResponse(prism.KindBadRequest, "unknown key "+id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reactivated", "id": id})
}

// --- Sequential mode ---

func (s *server) handleSequentialState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"providers": s.deps.Queue.State()})
}

func (s *server) handleSequentialSet(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	s.deps.Queue.SetSequential(provider, req.Enabled)
	writeJSON(w, http.StatusOK, map[string]any{"provider": provider, "enabled": req.Enabled})
}

// --- Circuit breakers ---

func (s *server) handleBreakerState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"breakers": s.deps.Breakers.Snapshots()})
}

func (s *server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	pm := prism.ProviderModel{
		Provider: chi.URLParam(r, "provider"),
		Model:    chi.URLParam(r, "model"),
	}
	b := s.deps.Breakers.Get(pm)
	if b == nil {
		writeJSON(w, http.StatusNotFound, errorResponse(prism.KindBadRequest, "no breaker for "+pm.String()))
		return
	}
	b.Reset()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "target": pm.String()})
}

// --- Metrics ---

func (s *server) handleMetricsSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Collector.Snapshot())
}

// handleMetricsStream pushes aggregate snapshots over SSE until the client
// disconnects.
func (s *server) handleMetricsStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse(prism.KindInternal, "streaming unsupported"))
		return
	}

	ch, cancel := s.deps.Collector.Subscribe()
	defer cancel()

	writeSSEHeaders(w)
	flusher.Flush()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			writeSSEKeepAlive(w)
			flusher.Flush()
		case snap, open := <-ch:
			if !open {
				return
			}
			if err := writeSSEJSON(w, snap); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *server) handleMetricsRequests(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeJSON(w, http.StatusConflict, errorResponse(prism.KindBadRequest, "metric store is disabled"))
		return
	}
	since, until, ok := parseWindow(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := prism.MetricFilter{
		Since:     since,
		Until:     until,
		Provider:  q.Get("provider"),
		Model:     q.Get("model"),
		SessionID: q.Get("session_id"),
		Limit:     parseLimit(r, 100, 1000),
	}
	records, err := s.deps.Store.QueryMetrics(r.Context(), f)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": records})
}

func (s *server) handleMetricsProviders(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeJSON(w, http.StatusConflict, errorResponse(prism.KindBadRequest, "metric store is disabled"))
		return
	}
	since, until, ok := parseWindow(w, r)
	if !ok {
		return
	}
	rollups, err := s.deps.Store.ProviderRollups(r.Context(), since, until)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": rollups})
}

func (s *server) handleMetricsModels(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeJSON(w, http.StatusConflict, errorResponse(prism.KindBadRequest, "metric store is disabled"))
		return
	}
	since, until, ok := parseWindow(w, r)
	if !ok {
		return
	}
	models, err := s.deps.Store.TopModels(r.Context(), since, until, parseLimit(r, 10, 100))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *server) handleMetricsSessions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeJSON(w, http.StatusConflict, errorResponse(prism.KindBadRequest, "metric store is disabled"))
		return
	}
	since, _, ok := parseWindow(w, r)
	if !ok {
		return
	}
	sessions, err := s.deps.Store.SessionSummaries(r.Context(), since, parseLimit(r, 50, 500))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *server) handleMetricsHourly(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeJSON(w, http.StatusConflict, errorResponse(prism.KindBadRequest, "metric store is disabled"))
		return
	}
	since, until, ok := parseWindow(w, r)
	if !ok {
		return
	}
	rows, err := s.deps.Store.QueryHourly(r.Context(), since, until)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hourly": rows})
}

func (s *server) handleMetricsDaily(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeJSON(w, http.StatusConflict, errorResponse(prism.KindBadRequest, "metric store is disabled"))
		return
	}
	since, until, ok := parseWindow(w, r)
	if !ok {
		return
	}
	rows, err := s.deps.Store.QueryDaily(r.Context(), since, until)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"daily": rows})
}
