package upstream

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	prism "github.com/prismproxy/prism/internal"
	"github.com/prismproxy/prism/internal/httppool"
)

// BearerSource mints bearer tokens for providers authenticated through a
// cloud identity instead of a static key.
type BearerSource interface {
	Token(ctx context.Context) (string, error)
}

// ProviderConfig is the dispatch-relevant slice of one provider's config.
type ProviderConfig struct {
	Name        string
	BaseURL     string
	Path        string // defaults to /v1/messages
	Transformer string
	AuthType    string // "header", "bearer", "gcp_oauth"
	AuthHeader  string // defaults to x-api-key
	Timeout     time.Duration
}

// Dispatcher sends prepared requests to providers over pooled connections.
type Dispatcher struct {
	pool         *httppool.Pool
	transformers *Registry
	providers    map[string]ProviderConfig
	bearer       BearerSource
	log          *slog.Logger
	tracer       trace.Tracer
}

// NewDispatcher builds a Dispatcher. bearer may be nil when no provider uses
// cloud OAuth.
func NewDispatcher(pool *httppool.Pool, transformers *Registry, providers []ProviderConfig, bearer BearerSource, log *slog.Logger) *Dispatcher {
	byName := make(map[string]ProviderConfig, len(providers))
	for _, p := range providers {
		if p.Path == "" {
			p.Path = "/v1/messages"
		}
		if p.AuthHeader == "" {
			p.AuthHeader = "x-api-key"
		}
		byName[p.Name] = p
	}
	return &Dispatcher{
		pool:         pool,
		transformers: transformers,
		providers:    byName,
		bearer:       bearer,
		log:          log,
		tracer:       otel.Tracer("prism/upstream"),
	}
}

// Provider returns the config for a provider name.
func (d *Dispatcher) Provider(name string) (ProviderConfig, bool) {
	p, ok := d.providers[name]
	return p, ok
}

// Transformer resolves the transformer for a provider.
func (d *Dispatcher) Transformer(provider string) (Transformer, error) {
	p, ok := d.providers[provider]
	if !ok {
		return nil, prism.E(prism.KindInternal, "unknown provider "+provider)
	}
	return d.transformers.Get(p.Transformer)
}

// Request is one prepared upstream call.
type Request struct {
	Target    prism.ProviderModel
	Body      []byte
	Stream    bool
	KeySecret string
	SessionID string
	RequestID string
}

// Response is the upstream reply. Release must be called exactly once after
// the body is consumed; failed discards the pooled connection.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	RetryAfter time.Duration

	release func(failed bool)
}

// Release closes the body and returns the connection to the pool.
func (r *Response) Release(failed bool) {
	if r.Body != nil {
		_ = r.Body.Close()
	}
	if r.release != nil {
		r.release(failed)
		r.release = nil
	}
}

// ClassifyStatus maps an upstream status code to an error kind; "" means the
// status relays to the client as-is.
func ClassifyStatus(code int) prism.ErrorKind {
	switch {
	case code == http.StatusTooManyRequests:
		return prism.KindUpstreamRateLimited
	case code >= 500:
		return prism.KindUpstreamError
	default:
		return ""
	}
}

// Do sends the request to its provider. Transport failures release the
// connection as failed and map to upstream_error (or deadline_exceeded when
// the context expired). Non-2xx statuses are returned, not errors: the
// caller classifies and relays them.
func (d *Dispatcher) Do(ctx context.Context, req *Request) (*Response, error) {
	p, ok := d.providers[req.Target.Provider]
	if !ok {
		return nil, prism.E(prism.KindInternal, "unknown provider "+req.Target.Provider)
	}

	ctx, span := d.tracer.Start(ctx, "upstream.dispatch", trace.WithAttributes(
		attribute.String("provider", req.Target.Provider),
		attribute.String("model", req.Target.Model),
		attribute.Bool("stream", req.Stream),
	))
	defer span.End()

	conn, err := d.pool.Acquire(ctx, p.BaseURL, req.SessionID)
	if err != nil {
		return nil, err
	}

	cancel := func() {}
	if p.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
	}

	out, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+p.Path, bytes.NewReader(req.Body))
	if err != nil {
		cancel()
		d.pool.Release(conn, false)
		return nil, prism.E(prism.KindInternal, "build upstream request: "+err.Error())
	}
	out.Header.Set("Content-Type", "application/json")
	if req.Stream {
		out.Header.Set("Accept", "text/event-stream")
	}
	if err := d.setAuth(ctx, out.Header, p, req.KeySecret); err != nil {
		cancel()
		d.pool.Release(conn, false)
		return nil, err
	}

	resp, err := conn.Client().Do(out)
	if err != nil {
		cancel()
		d.pool.Release(conn, true)
		if kind := prism.KindOf(err); kind == prism.KindDeadlineExceeded {
			return nil, &prism.Error{Kind: kind, Message: "upstream timeout", Err: err}
		}
		return nil, &prism.Error{Kind: prism.KindUpstreamError, Message: "upstream request failed", Err: err}
	}

	span.SetAttributes(attribute.Int("status", resp.StatusCode))
	r := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
		release: func(failed bool) {
			cancel()
			d.pool.Release(conn, failed)
		},
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		r.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return r, nil
}

func (d *Dispatcher) setAuth(ctx context.Context, h http.Header, p ProviderConfig, secret string) error {
	switch p.AuthType {
	case "", "header":
		if secret != "" {
			h.Set(p.AuthHeader, secret)
		}
	case "bearer":
		if secret != "" {
			h.Set("Authorization", "Bearer "+secret)
		}
	case "gcp_oauth":
		if d.bearer == nil {
			return prism.E(prism.KindInternal, "provider "+p.Name+" requires cloud auth, none configured")
		}
		tok, err := d.bearer.Token(ctx)
		if err != nil {
			return &prism.Error{Kind: prism.KindUpstreamError, Message: "obtain cloud token", Err: err}
		}
		h.Set("Authorization", "Bearer "+tok)
	default:
		return prism.E(prism.KindInternal, "unknown auth type "+p.AuthType)
	}
	return nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
