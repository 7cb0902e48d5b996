package server

import (
	"encoding/json"
	"net/http"

	prism "github.com/prismproxy/prism/internal"
)

// maxAdminBody is the maximum allowed management request body size (1 MB).
const maxAdminBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse builds the Anthropic-style error envelope.
func errorResponse(kind prism.ErrorKind, msg string) map[string]any {
	return map[string]any{
		"type": "error",
		"error": map[string]string{
			"type":    string(kind),
			"message": msg,
		},
	}
}

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on
// error. Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(prism.KindBadRequest, "invalid request body"))
		return false
	}
	return true
}
