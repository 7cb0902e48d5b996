// Package tokens extracts and estimates token usage from heterogeneous
// provider replies. Extraction never fails a request: absence is reported in
// the result, and a character-ratio estimate is the last resort.
package tokens

import (
	"net/http"
	"strconv"

	"github.com/tidwall/gjson"

	prism "github.com/prismproxy/prism/internal"
)

// Confidence grades how the counts were obtained.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"   // exact fields from the reply
	ConfidenceMedium Confidence = "medium" // one half derived by subtraction
	ConfidenceLow    Confidence = "low"    // estimated from text length
)

// Result is the outcome of an extraction attempt.
type Result struct {
	Usage      prism.Usage
	Confidence Confidence
	Source     string // field path or "estimate"
	OK         bool   // false = usage unavailable
}

// fieldSet names one provider dialect's usage fields.
type fieldSet struct {
	in, out, total string
}

// Dialects tried in priority order against each candidate object.
var fieldSets = []fieldSet{
	{in: "prompt_tokens", out: "completion_tokens", total: "total_tokens"},       // OpenAI
	{in: "input_tokens", out: "output_tokens", total: "total_tokens"},            // Anthropic
	{in: "promptTokenCount", out: "candidatesTokenCount", total: "totalTokenCount"}, // Google
}

// Candidate objects holding the usage fields, tried in order. The empty path
// is the payload root. NVIDIA-style replies nest usage under metadata;
// Anthropic message_start stream events nest it under message.
var usagePaths = []string{"usage", "message.usage", "usageMetadata", "metadata.usage", "response.usage", ""}

// Extract parses token usage out of a reply payload.
func Extract(body []byte) Result {
	if !gjson.ValidBytes(body) {
		return Result{}
	}
	root := gjson.ParseBytes(body)
	for _, path := range usagePaths {
		obj := root
		if path != "" {
			obj = root.Get(path)
			if !obj.Exists() || !obj.IsObject() {
				continue
			}
		}
		if res, ok := extractFrom(obj, path); ok {
			return res
		}
	}
	return Result{}
}

func extractFrom(obj gjson.Result, path string) (Result, bool) {
	for _, fs := range fieldSets {
		in := obj.Get(fs.in)
		out := obj.Get(fs.out)
		total := obj.Get(fs.total)

		switch {
		case in.Exists() && out.Exists():
			return Result{
				Usage:      prism.Usage{InputTokens: int(in.Int()), OutputTokens: int(out.Int())},
				Confidence: ConfidenceHigh,
				Source:     join(path, fs.in),
				OK:         true,
			}, true
		case in.Exists() && total.Exists():
			return Result{
				Usage:      prism.Usage{InputTokens: int(in.Int()), OutputTokens: int(total.Int() - in.Int())},
				Confidence: ConfidenceMedium,
				Source:     join(path, fs.total),
				OK:         true,
			}, true
		case out.Exists() && total.Exists():
			return Result{
				Usage:      prism.Usage{InputTokens: int(total.Int() - out.Int()), OutputTokens: int(out.Int())},
				Confidence: ConfidenceMedium,
				Source:     join(path, fs.total),
				OK:         true,
			}, true
		}
	}
	return Result{}, false
}

func join(path, field string) string {
	if path == "" {
		return field
	}
	return path + "." + field
}

// ExtractHeaders reads usage from response headers, the NVIDIA-style
// fallback for providers that do not echo usage in the body.
func ExtractHeaders(h http.Header) Result {
	in, inOK := headerInt(h, "X-Input-Tokens")
	out, outOK := headerInt(h, "X-Output-Tokens")
	if inOK && outOK {
		return Result{
			Usage:      prism.Usage{InputTokens: in, OutputTokens: out},
			Confidence: ConfidenceHigh,
			Source:     "headers",
			OK:         true,
		}
	}
	return Result{}
}

func headerInt(h http.Header, key string) (int, bool) {
	v := h.Get(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Estimate produces a low-confidence usage guess from prompt and completion
// text lengths.
func Estimate(promptChars, completionChars int) Result {
	return Result{
		Usage: prism.Usage{
			InputTokens:  estimateTokens(promptChars),
			OutputTokens: estimateTokens(completionChars),
		},
		Confidence: ConfidenceLow,
		Source:     "estimate",
		OK:         true,
	}
}

// StreamTracker accumulates usage across SSE events. Providers split usage
// over the stream: Anthropic reports input_tokens on message_start and the
// final output_tokens on the terminal message_delta, so each half merges
// independently and the last value seen wins.
type StreamTracker struct {
	in, out     int
	haveIn      bool
	haveOut     bool
	source      string
	promptChars int
	outputChars int
}

// NewStreamTracker creates a tracker seeded with the prompt size for the
// estimate fallback.
func NewStreamTracker(promptChars int) *StreamTracker {
	return &StreamTracker{promptChars: promptChars}
}

// Observe feeds one event payload to the tracker.
func (st *StreamTracker) Observe(data []byte) {
	st.outputChars += len(data)
	if res := Extract(data); res.OK {
		st.in, st.out = res.Usage.InputTokens, res.Usage.OutputTokens
		st.haveIn, st.haveOut = true, true
		st.source = res.Source
		return
	}
	st.observePartial(data)
}

// observePartial picks up half a usage record when no dialect matches in
// full, such as a terminal event carrying only output_tokens.
func (st *StreamTracker) observePartial(data []byte) {
	if !gjson.ValidBytes(data) {
		return
	}
	root := gjson.ParseBytes(data)
	for _, path := range usagePaths {
		obj := root
		if path != "" {
			obj = root.Get(path)
			if !obj.Exists() || !obj.IsObject() {
				continue
			}
		}
		for _, fs := range fieldSets {
			in, out := obj.Get(fs.in), obj.Get(fs.out)
			if !in.Exists() && !out.Exists() {
				continue
			}
			if in.Exists() {
				st.in = int(in.Int())
				st.haveIn = true
				st.source = join(path, fs.in)
			}
			if out.Exists() {
				st.out = int(out.Int())
				st.haveOut = true
				st.source = join(path, fs.out)
			}
			return
		}
	}
}

// Final returns the merged usage. A missing half is derived from the
// estimate; no usage at all falls back to the full estimate.
func (st *StreamTracker) Final() Result {
	switch {
	case st.haveIn && st.haveOut:
		return Result{
			Usage:      prism.Usage{InputTokens: st.in, OutputTokens: st.out},
			Confidence: ConfidenceHigh,
			Source:     st.source,
			OK:         true,
		}
	case st.haveIn, st.haveOut:
		u := prism.Usage{InputTokens: st.in, OutputTokens: st.out}
		if !st.haveIn {
			u.InputTokens = estimateTokens(st.promptChars)
		}
		if !st.haveOut {
			u.OutputTokens = estimateTokens(st.outputChars)
		}
		return Result{Usage: u, Confidence: ConfidenceMedium, Source: st.source, OK: true}
	}
	return Estimate(st.promptChars, st.outputChars)
}

// estimateTokens uses the ~4 characters per token heuristic, reasonable for
// English text with GPT-family tokenizers.
func estimateTokens(chars int) int {
	if chars <= 0 {
		return 0
	}
	return (chars + 3) / 4
}
