package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Fields that vary between otherwise identical requests and must never feed
// the fingerprint.
var defaultExcluded = []string{"metadata", "stream", "user", "request_id", "timestamp"}

// Fingerprint hashes a canonical projection of the request body. When
// include is non-empty only those top-level fields participate; otherwise
// every field except the default and configured exclusions does. The
// projection marshals through a map so key order is canonical.
func Fingerprint(raw []byte, include, exclude []string) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}

	if len(include) > 0 {
		kept := make(map[string]any, len(include))
		for _, f := range include {
			if v, ok := m[f]; ok {
				kept[f] = v
			}
		}
		m = kept
	} else {
		for _, f := range defaultExcluded {
			delete(m, f)
		}
		for _, f := range exclude {
			delete(m, f)
		}
	}

	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
