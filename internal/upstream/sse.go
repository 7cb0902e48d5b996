package upstream

import (
	"bufio"
	"io"
	"net/http"
	"strings"
)

const maxSSELine = 64 * 1024

// newScanner returns a bufio.Scanner sized for SSE lines.
func newScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxSSELine)
	return s
}

// parseSSELine splits one SSE line into its field and value. It returns
// ok=false for blank lines, comments, and malformed lines.
func parseSSELine(line string) (field, value string, ok bool) {
	if line == "" || line[0] == ':' {
		return "", "", false
	}
	field, value, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	return field, strings.TrimPrefix(value, " "), true
}

// StreamObserver watches a relayed SSE stream. OnChunk sees each data
// payload as it passes through; OnEnd fires once with the terminal error,
// nil on a clean end of stream.
type StreamObserver interface {
	OnChunk(data []byte)
	OnEnd(err error)
}

// nopObserver stands in when the caller does not need stream events.
type nopObserver struct{}

func (nopObserver) OnChunk([]byte) {}
func (nopObserver) OnEnd(error)    {}

// Relay copies an SSE body to the client verbatim, flushing at every event
// boundary, and feeds each data payload to the observer. The upstream frame
// structure is preserved byte for byte; only observation is added.
func Relay(w http.ResponseWriter, body io.Reader, obs StreamObserver) error {
	if obs == nil {
		obs = nopObserver{}
	}
	flusher, canFlush := w.(http.Flusher)

	scanner := newScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			obs.OnEnd(err)
			return err
		}
		if line == "" {
			// Event boundary.
			if canFlush {
				flusher.Flush()
			}
			continue
		}
		if field, value, ok := parseSSELine(line); ok && field == "data" && value != "[DONE]" {
			obs.OnChunk([]byte(value))
		}
	}
	if err := scanner.Err(); err != nil {
		obs.OnEnd(err)
		return err
	}
	if canFlush {
		flusher.Flush()
	}
	obs.OnEnd(nil)
	return nil
}
