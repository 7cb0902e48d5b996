// Package prism defines domain types and interfaces for the Prism LLM proxy.
// This package has no project imports -- it is the dependency root.
package prism

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// --- Provider identity ---

// ProviderModel identifies a concrete upstream (provider, model) pair.
// It keys circuit breakers, sequential queues, and connection origins.
type ProviderModel struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// String returns "provider/model" for logging and map keys.
func (pm ProviderModel) String() string {
	return pm.Provider + "/" + pm.Model
}

// IsZero reports whether the pair is unset.
func (pm ProviderModel) IsZero() bool {
	return pm.Provider == "" && pm.Model == ""
}

// --- Priority ---

// Priority orders requests inside a sequential queue tier.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the canonical priority name.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// ParsePriority maps a priority name to its tier. Unknown names map to normal.
func ParsePriority(s string) Priority {
	switch strings.ToLower(s) {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// --- Request surface ---

// MessagesRequest is the slice of the Anthropic-style messages body the core
// inspects. The body itself stays opaque: transformers own its shape, the
// core only reads routing and cache-eligibility fields. Raw carries the
// bytes as received so dispatch can forward them verbatim.
type MessagesRequest struct {
	Model       string          `json:"model"`
	Messages    []Message       `json:"messages"`
	System      json.RawMessage `json:"system,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Message is a single chat turn. Content stays raw: it may be a string or a
// block array depending on the client.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ParseMessagesRequest decodes the inspected fields and retains the raw body.
func ParseMessagesRequest(body []byte) (*MessagesRequest, error) {
	var req MessagesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, &Error{Kind: KindBadRequest, Message: "invalid request body: " + err.Error()}
	}
	if req.Model == "" {
		return nil, &Error{Kind: KindBadRequest, Message: "model is required"}
	}
	req.Raw = body
	return &req, nil
}

// MetaString returns a string metadata field, or "".
func (r *MessagesRequest) MetaString(key string) string {
	if r.Metadata == nil {
		return ""
	}
	s, _ := r.Metadata[key].(string)
	return s
}

// MetaBool returns a boolean metadata field, treating "true" strings as true.
func (r *MessagesRequest) MetaBool(key string) bool {
	if r.Metadata == nil {
		return false
	}
	switch v := r.Metadata[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1"
	}
	return false
}

// Intent carries the recognized routing hints of a request.
type Intent struct {
	Background  bool
	LongContext bool
	Reasoning   bool
	WebSearch   bool
	Image       bool
	Subagent    bool
}

// IntentOf derives routing hints from request metadata.
func IntentOf(r *MessagesRequest) Intent {
	return Intent{
		Background:  r.MetaBool("background"),
		LongContext: r.MetaBool("longContext") || r.MetaBool("long_context"),
		Reasoning:   r.MetaBool("reasoning") || r.MetaBool("thinking"),
		WebSearch:   r.MetaBool("webSearch") || r.MetaBool("web_search"),
		Image:       r.MetaBool("image"),
		Subagent:    r.MetaBool("subagent"),
	}
}

// --- Usage ---

// Usage is a provider-agnostic token count for one exchange.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns input + output tokens.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// --- Request lifecycle ---

// Outcome is the terminal disposition of a request.
type Outcome struct {
	Success    bool
	StatusCode int
	Kind       ErrorKind // empty on success
}

// RequestContext is the per-call record owned by the pipeline for the
// lifetime of one request. Finish marks it complete so the final metric is
// emitted exactly once regardless of exit path; resource releases happen at
// attempt scope inside the pipeline.
type RequestContext struct {
	RequestID    string
	SessionID    string
	Arrival      time.Time
	LogicalModel string
	Resolved     ProviderModel
	Priority     Priority
	Stream       bool
	Fingerprint  string
	TokenEstimate int
	Usage        *Usage
	Outcome      Outcome
	Deadline     time.Time
	Retries      int
	CacheHit     bool

	finished bool
}

// Finish marks the request complete. Idempotent.
func (rc *RequestContext) Finish() {
	rc.finished = true
}

// Finished reports whether Finish has run.
func (rc *RequestContext) Finished() bool { return rc.finished }

// DurationMS returns elapsed milliseconds since arrival, never negative.
func (rc *RequestContext) DurationMS(now time.Time) int64 {
	d := now.Sub(rc.Arrival).Milliseconds()
	if d < 0 {
		return 0
	}
	return d
}

// --- Metrics ---

// RequestMetric is the durable per-request record written through the
// metrics collector.
type RequestMetric struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	RequestID    string    `json:"request_id"`
	SessionID    string    `json:"session_id"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	DurationMS   int64     `json:"duration_ms"`
	StatusCode   int       `json:"status_code"`
	Success      bool      `json:"success"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	CacheHit     bool      `json:"cache_hit"`
	Retries      int       `json:"retries"`
}

// Valid reports whether the metric passes the collector's admission checks.
// Bad metrics are dropped with a warning, never fail a batch.
func (m *RequestMetric) Valid() bool {
	if m.DurationMS < 0 {
		return false
	}
	if m.StatusCode < 100 || m.StatusCode > 599 {
		return false
	}
	if m.Provider == "" || m.Model == "" {
		return false
	}
	return true
}

// HourlyAggregate is one rollup row per (provider, model, hour).
type HourlyAggregate struct {
	Bucket       string  `json:"bucket"` // RFC3339 hour boundary, UTC
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	RequestCount int64   `json:"request_count"`
	SuccessCount int64   `json:"success_count"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalMS      int64   `json:"total_ms"`
	CacheHits    int64   `json:"cache_hits"`
	ErrorRate    float64 `json:"error_rate"`
}

// MetricFilter bounds durable metric queries.
type MetricFilter struct {
	Since     time.Time
	Until     time.Time
	Provider  string
	Model     string
	SessionID string
	Limit     int
}

// --- Identity and auth ---

// Identity is the authenticated caller attached to request context.
type Identity struct {
	Subject    string // key name, JWT sub, or "loopback"
	AuthMethod string // "static", "jwt", "none"
}

// Authenticator validates request credentials and returns the caller identity.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// Identity is set later by the authenticate middleware via mutation of the
// same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Identity  *Identity
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// IdentityFromContext extracts the authenticated identity from context.
func IdentityFromContext(ctx context.Context) *Identity {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// ContextWithIdentity stores the identity in the existing requestMeta if
// present, avoiding a new context.WithValue allocation.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Identity: id})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}
