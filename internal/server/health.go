package server

import "net/http"

// Probe responses are static; pre-allocating the bodies and the header value
// slice keeps both endpoints alloc-free.
var (
	okBody       = []byte("ok")
	notReadyBody = []byte("not ready")
	plainCT      = []string{"text/plain"}
)

func writePlain(w http.ResponseWriter, code int, body []byte) {
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(code)
	w.Write(body)
}

// handleHealthz reports liveness: the process is up and serving.
func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writePlain(w, http.StatusOK, okBody)
}

// handleReadyz reports readiness via the configured check, typically a
// metric store ping. No check configured means always ready.
func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.ReadyCheck != nil {
		if err := s.deps.ReadyCheck(r.Context()); err != nil {
			writePlain(w, http.StatusServiceUnavailable, notReadyBody)
			return
		}
	}
	writePlain(w, http.StatusOK, okBody)
}
