package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	prism "github.com/prismproxy/prism/internal"
)

// requestIDHeader is kept in canonical MIME form so direct map access on
// r.Header and w.Header() skips textproto canonicalization.
const requestIDHeader = "X-Request-Id"

// statusWriters are pooled; &statusWriter{} would otherwise escape to the
// heap on every request. ResponseWriter is nilled on Put so pooled entries
// do not retain the connection.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// recovery turns panics into 500 responses instead of torn connections.
func (s *server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.LogAttrs(r.Context(), slog.LevelError, "panic recovered",
					slog.Any("error", rec),
					slog.String("path", r.URL.Path),
					slog.String("request_id", prism.RequestIDFromContext(r.Context())),
				)
				writeJSON(w, http.StatusInternalServerError, errorResponse(prism.KindInternal, "internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestID propagates an inbound X-Request-Id or mints a UUID v7, echoing
// it on the response and storing it in the request context.
func (s *server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := ""
		if vals := r.Header[requestIDHeader]; len(vals) > 0 {
			id = vals[0]
		}
		if id == "" {
			id = uuid.Must(uuid.NewV7()).String()
		}
		w.Header()[requestIDHeader] = []string{id}
		next.ServeHTTP(w, r.WithContext(prism.ContextWithRequestID(r.Context(), id)))
	})
}

// logging emits one access log line per request. LogAttrs with typed attrs
// keeps the values off the heap on this per-request path.
func (s *server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		sw := statusWriterPool.Get().(*statusWriter)
		sw.reset(w)
		next.ServeHTTP(sw, r)

		slog.LogAttrs(r.Context(), slog.LevelInfo, "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Int64("bytes", sw.bytes),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("request_id", prism.RequestIDFromContext(r.Context())),
		)

		sw.ResponseWriter = nil
		statusWriterPool.Put(sw)
	})
}

// authenticate rejects the request unless credentials validate, then places
// the identity in context. ContextWithIdentity mutates the meta struct the
// requestID middleware already allocated, so no Request copy is made here.
func (s *server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.deps.Auth.Authenticate(r.Context(), r)
		if err != nil {
			kind := prism.KindOf(err)
			writeJSON(w, kind.Status(), errorResponse(kind, err.Error()))
			return
		}
		ctx := prism.ContextWithIdentity(r.Context(), identity)
		if ctx != r.Context() {
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
	})
}

// statusWriter records the status code and body size of a response. Only the
// first WriteHeader is captured, matching net/http, where later calls are
// no-ops on the wire.
type statusWriter struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (sw *statusWriter) reset(w http.ResponseWriter) {
	sw.ResponseWriter = w
	sw.status = http.StatusOK
	sw.bytes = 0
	sw.wroteHeader = false
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	sw.wroteHeader = true
	n, err := sw.ResponseWriter.Write(b)
	sw.bytes += int64(n)
	return n, err
}

// Flush forwards to the wrapped writer so SSE streams keep flushing through
// the middleware chain.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}
