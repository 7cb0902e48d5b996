package server

import (
	"encoding/json"
	"net/http"
)

// SSE frame fragments, allocated once. The stream handler writes one frame
// per snapshot so these sit on the hot path.
var (
	ssePrefix  = []byte("data: ")
	sseSuffix  = []byte("\n\n")
	sseComment = []byte(": keep-alive\n\n")
)

// Header value slices assigned directly into the header map, skipping the
// []string alloc Header.Set makes per call.
var (
	hdrEventStream = []string{"text/event-stream"}
	hdrNoCache     = []string{"no-cache"}
	hdrKeepAlive   = []string{"keep-alive"}
	hdrNoBuffering = []string{"no"}
)

// writeSSEHeaders commits the response as an event stream. X-Accel-Buffering
// tells nginx-style proxies not to buffer it.
func writeSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h["Content-Type"] = hdrEventStream
	h["Cache-Control"] = hdrNoCache
	h["Connection"] = hdrKeepAlive
	h["X-Accel-Buffering"] = hdrNoBuffering
	w.WriteHeader(http.StatusOK)
}

// writeSSEJSON marshals v into a single "data: <json>\n\n" frame.
func writeSSEJSON(w http.ResponseWriter, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.Write(ssePrefix)
	w.Write(data)
	w.Write(sseSuffix)
	return nil
}

// writeSSEKeepAlive emits a comment frame so idle connections stay open
// through intermediaries.
func writeSSEKeepAlive(w http.ResponseWriter) {
	w.Write(sseComment)
}
