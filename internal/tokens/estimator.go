package tokens

import (
	prism "github.com/prismproxy/prism/internal"
)

// Estimator estimates token counts for inbound requests. Uses a
// character-based heuristic which is sufficient for rate limiting and
// long-context routing decisions.
type Estimator struct{}

// NewEstimator creates a new Estimator.
func NewEstimator() *Estimator {
	return &Estimator{}
}

// messageOverhead is the per-message framing cost applied by chat templates.
const messageOverhead = 4

// EstimateRequest estimates the prompt token count of a messages request,
// including the system prompt and per-message overhead.
func (e *Estimator) EstimateRequest(req *prism.MessagesRequest) int {
	total := estimateTokens(len(req.System))
	for _, m := range req.Messages {
		total += messageOverhead
		total += estimateTokens(len(m.Role))
		total += estimateTokens(len(m.Content))
	}
	total += 3 // reply priming
	return max(total, 1)
}

// PromptChars returns the raw character count of the request text, used to
// seed the stream tracker's estimate fallback.
func (e *Estimator) PromptChars(req *prism.MessagesRequest) int {
	n := len(req.System)
	for _, m := range req.Messages {
		n += len(m.Content)
	}
	return n
}
