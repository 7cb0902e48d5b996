package pipeline

import (
	"encoding/json"
	"net/http"

	prism "github.com/prismproxy/prism/internal"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErrorBody renders the Anthropic-style error envelope. The status line
// is already written by the caller.
func writeErrorBody(w http.ResponseWriter, kind prism.ErrorKind, msg string) {
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type": "error",
		"error": map[string]string{
			"type":    string(kind),
			"message": msg,
		},
	})
}
