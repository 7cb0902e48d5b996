// Package pipeline composes the proxy components into the per-request
// lifecycle: cache, rate limits, routing, circuit breaking, sequential
// gating, key leasing, dispatch, token extraction, and metric emission.
// Every exit path releases held resources exactly once and records a metric.
package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	prism "github.com/prismproxy/prism/internal"
	"github.com/prismproxy/prism/internal/cache"
	"github.com/prismproxy/prism/internal/circuitbreaker"
	"github.com/prismproxy/prism/internal/keypool"
	"github.com/prismproxy/prism/internal/ratelimit"
	"github.com/prismproxy/prism/internal/router"
	"github.com/prismproxy/prism/internal/seqqueue"
	"github.com/prismproxy/prism/internal/telemetry"
	"github.com/prismproxy/prism/internal/tokens"
	"github.com/prismproxy/prism/internal/upstream"
)

// DefaultMaxBodyBytes bounds inbound request bodies.
const DefaultMaxBodyBytes = 10 << 20

// Recorder receives the per-request metric. Satisfied by metrics.Collector.
type Recorder interface {
	Record(m prism.RequestMetric)
}

// Config tunes the orchestrator.
type Config struct {
	RequestTimeout     time.Duration
	RetryBackoff       time.Duration  // pause before the single in-request retry
	DefaultRetryBudget int            // retries per provider per minute
	RetryBudgets       map[string]int // per-provider overrides
	MaxBodyBytes       int64
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 120 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	if c.DefaultRetryBudget <= 0 {
		c.DefaultRetryBudget = 10
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return c
}

// Components are the shared singletons the pipeline composes. Cache and Prom
// may be nil; everything else is required.
type Components struct {
	Router     *router.Router
	Breakers   *circuitbreaker.Registry
	Queue      *seqqueue.Queue
	Keys       *keypool.Pool
	Limiter    *ratelimit.Limiter
	Cache      *cache.Cache
	Dispatcher *upstream.Dispatcher
	Collector  Recorder
	Prom       *telemetry.Metrics
}

// Pipeline drives one request through the component chain.
type Pipeline struct {
	cfg       Config
	router    *router.Router
	breakers  *circuitbreaker.Registry
	queue     *seqqueue.Queue
	keys      *keypool.Pool
	limiter   *ratelimit.Limiter
	cache     *cache.Cache
	dispatch  *upstream.Dispatcher
	collector Recorder
	prom      *telemetry.Metrics
	estimator *tokens.Estimator
	log       *slog.Logger
	tracer    trace.Tracer

	budgetMu sync.Mutex
	budgets  map[string]*retryBudget

	now   func() time.Time
	newID func() string
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates the Pipeline.
func New(cfg Config, c Components, log *slog.Logger) *Pipeline {
	return &Pipeline{
		cfg:       cfg.withDefaults(),
		router:    c.Router,
		breakers:  c.Breakers,
		queue:     c.Queue,
		keys:      c.Keys,
		limiter:   c.Limiter,
		cache:     c.Cache,
		dispatch:  c.Dispatcher,
		collector: c.Collector,
		prom:      c.Prom,
		estimator: tokens.NewEstimator(),
		log:       log,
		tracer:    otel.Tracer("prism/pipeline"),
		budgets:   make(map[string]*retryBudget),
		now:       time.Now,
		newID: func() string {
			id, err := uuid.NewV7()
			if err != nil {
				return uuid.NewString()
			}
			return id.String()
		},
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}

// retryBudget is a per-provider retries-per-minute allowance.
type retryBudget struct {
	mu        sync.Mutex
	capacity  int
	remaining int
	resetAt   time.Time
}

func (b *retryBudget) take(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !now.Before(b.resetAt) {
		b.remaining = b.capacity
		b.resetAt = now.Add(time.Minute)
	}
	if b.remaining <= 0 {
		return false
	}
	b.remaining--
	return true
}

func (p *Pipeline) budgetFor(provider string) *retryBudget {
	p.budgetMu.Lock()
	defer p.budgetMu.Unlock()
	if b, ok := p.budgets[provider]; ok {
		return b
	}
	capacity := p.cfg.DefaultRetryBudget
	if v, ok := p.cfg.RetryBudgets[provider]; ok && v > 0 {
		capacity = v
	}
	b := &retryBudget{capacity: capacity}
	p.budgets[provider] = b
	return b
}

// HandleMessages serves POST /v1/messages.
func (p *Pipeline) HandleMessages(w http.ResponseWriter, r *http.Request) {
	arrival := p.now()
	rc := &prism.RequestContext{
		RequestID: p.requestID(r),
		Arrival:   arrival,
		Deadline:  arrival.Add(p.cfg.RequestTimeout),
	}

	if p.prom != nil {
		p.prom.ActiveRequests.Inc()
		defer p.prom.ActiveRequests.Dec()
	}
	defer p.finish(rc)

	body, err := io.ReadAll(io.LimitReader(r.Body, p.cfg.MaxBodyBytes+1))
	if err != nil {
		p.writeError(w, rc, prism.E(prism.KindBadRequest, "read request body: "+err.Error()))
		return
	}
	if int64(len(body)) > p.cfg.MaxBodyBytes {
		p.writeError(w, rc, prism.E(prism.KindBadRequest, "request body exceeds limit"))
		return
	}
	req, err := prism.ParseMessagesRequest(body)
	if err != nil {
		p.writeError(w, rc, err)
		return
	}
	rc.SessionID = p.sessionID(req, r)
	rc.LogicalModel = req.Model
	rc.Priority = priorityOf(req, r)
	rc.Stream = req.Stream

	ctx, cancel := context.WithDeadline(r.Context(), rc.Deadline)
	defer cancel()
	ctx, span := p.tracer.Start(ctx, "pipeline.request", trace.WithAttributes(
		attribute.String("request_id", rc.RequestID),
		attribute.String("session_id", rc.SessionID),
		attribute.String("logical_model", rc.LogicalModel),
		attribute.Bool("stream", rc.Stream),
	))
	defer span.End()

	if err := p.serve(ctx, w, rc, req); err != nil {
		p.writeError(w, rc, err)
	}
}

// HandleCountTokens serves POST /v1/messages/count_tokens: a local estimate,
// no upstream involved.
func (p *Pipeline) HandleCountTokens(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, p.cfg.MaxBodyBytes+1))
	if err != nil {
		p.writeEarlyError(w, prism.E(prism.KindBadRequest, "read request body: "+err.Error()))
		return
	}
	req, err := prism.ParseMessagesRequest(body)
	if err != nil {
		p.writeEarlyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"input_tokens": p.estimator.EstimateRequest(req),
	})
}

// serve runs the lifecycle after parsing. A returned error has not yet been
// written to the client.
func (p *Pipeline) serve(ctx context.Context, w http.ResponseWriter, rc *prism.RequestContext, req *prism.MessagesRequest) error {
	// Cache read.
	useCache := p.cache != nil && p.cache.Cacheable(req)
	var cacheKey, prompt string
	if useCache {
		key, err := p.cache.Key(req)
		if err != nil {
			p.log.LogAttrs(ctx, slog.LevelWarn, "cache fingerprint failed",
				slog.String("request_id", rc.RequestID), slog.String("error", err.Error()))
			useCache = false
		} else {
			cacheKey = key
			rc.Fingerprint = key
			prompt = promptText(req)
			if lk, ok := p.cache.Get(ctx, cacheKey, prompt); ok {
				return p.serveCached(w, rc, lk)
			}
			if p.prom != nil {
				p.prom.CacheMisses.Inc()
			}
		}
	}

	// Rate limit, global and session scopes. Provider and key scopes are
	// checked once those identities are known.
	if err := p.allow(ratelimit.Scope{Class: ratelimit.ClassGlobal}, ratelimit.Scope{Class: ratelimit.ClassSession, ID: rc.SessionID}); err != nil {
		return err
	}

	// Route.
	rc.TokenEstimate = p.estimator.EstimateRequest(req)
	target, _ := p.router.Resolve(req, rc.TokenEstimate)
	rc.Resolved = target
	if _, ok := p.dispatch.Provider(target.Provider); !ok {
		return prism.E(prism.KindBadRequest, "unknown provider "+target.Provider)
	}

	if err := p.allow(ratelimit.Scope{Class: ratelimit.ClassProvider, ID: target.Provider}); err != nil {
		return err
	}

	if rc.Stream {
		return p.serveStream(ctx, w, rc, req)
	}

	res, err := p.fetchCoalesced(ctx, rc, req, useCache, cacheKey, prompt)
	if err != nil {
		return err
	}
	return p.respond(w, rc, req, res, useCache)
}

// serveCached short-circuits with a stored payload and zero upstream latency.
func (p *Pipeline) serveCached(w http.ResponseWriter, rc *prism.RequestContext, lk cache.Lookup) error {
	rc.CacheHit = true
	if ext := tokens.Extract(lk.Value); ext.OK {
		rc.Usage = &ext.Usage
	}
	if p.prom != nil {
		if lk.Similar {
			p.prom.CacheSimilarHits.Inc()
		} else {
			p.prom.CacheHits.Inc()
		}
	}
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("X-Request-Id", rc.RequestID)
	if lk.Similar {
		h.Set("X-Prism-Cache", "similar")
		h.Set("X-Prism-Cache-Score", strconv.FormatFloat(lk.Score, 'f', 3, 64))
	} else {
		h.Set("X-Prism-Cache", "hit")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(lk.Value)
	rc.Outcome = prism.Outcome{Success: true, StatusCode: http.StatusOK}
	return nil
}

func (p *Pipeline) allow(scopes ...ratelimit.Scope) error {
	dec := p.limiter.Allow(1, scopes...)
	if dec.Allowed {
		return nil
	}
	if p.prom != nil {
		p.prom.RateLimitRejects.WithLabelValues(dec.Scope).Inc()
	}
	return &prism.Error{
		Kind:       prism.KindRateLimited,
		Message:    "rate limit exceeded for scope " + dec.Scope,
		RetryAfter: dec.RetryAfter,
	}
}

// upstreamResult is the buffered outcome of a non-streaming dispatch.
type upstreamResult struct {
	status      int
	contentType string
	payload     []byte
	header      http.Header
}

// relayError carries a non-2xx upstream reply through the single-flight
// group so coalesced followers relay the identical status and body.
type relayError struct {
	res *upstreamResult
}

func (e *relayError) Error() string { return "upstream status " + strconv.Itoa(e.res.status) }

// fetchCoalesced runs the upstream fetch, deduplicating concurrent identical
// requests through the cache's single-flight group when enabled.
func (p *Pipeline) fetchCoalesced(ctx context.Context, rc *prism.RequestContext, req *prism.MessagesRequest, useCache bool, cacheKey, prompt string) (*upstreamResult, error) {
	if !useCache {
		return p.fetch(ctx, rc, req)
	}
	var leader *upstreamResult
	payload, err, shared := p.cache.Do(cacheKey, func() ([]byte, error) {
		res, err := p.fetch(ctx, rc, req)
		if err != nil {
			return nil, err
		}
		if res.status != http.StatusOK {
			return nil, &relayError{res: res}
		}
		leader = res
		if p.cache != nil {
			p.cache.Set(ctx, cacheKey, prompt, res.payload)
		}
		return res.payload, nil
	})
	if err != nil {
		var re *relayError
		if errors.As(err, &re) {
			return re.res, nil
		}
		return nil, err
	}
	if !shared && leader != nil {
		return leader, nil
	}
	return &upstreamResult{status: http.StatusOK, contentType: "application/json", payload: payload}, nil
}

// fetch performs the dispatch with the single-retry policy for idempotent
// requests.
func (p *Pipeline) fetch(ctx context.Context, rc *prism.RequestContext, req *prism.MessagesRequest) (*upstreamResult, error) {
	res, err := p.attempt(ctx, rc, req, false, nil)
	if err == nil {
		return res, nil
	}
	if !p.shouldRetry(ctx, rc, err) {
		return nil, err
	}

	rc.Retries++
	if p.prom != nil {
		p.prom.RetriesTotal.WithLabelValues(rc.Resolved.Provider).Inc()
	}
	p.log.LogAttrs(ctx, slog.LevelInfo, "retrying upstream request",
		slog.String("request_id", rc.RequestID),
		slog.String("provider", rc.Resolved.Provider),
		slog.String("error", err.Error()))
	if serr := p.sleep(ctx, p.cfg.RetryBackoff); serr != nil {
		return nil, err
	}
	return p.attempt(ctx, rc, req, false, nil)
}

// shouldRetry permits exactly one retry for retryable kinds on idempotent
// requests, bounded by the provider's retry budget and the deadline.
func (p *Pipeline) shouldRetry(ctx context.Context, rc *prism.RequestContext, err error) bool {
	if rc.Stream || rc.Retries > 0 {
		return false
	}
	if !prism.KindOf(err).Retryable() {
		return false
	}
	now := p.now()
	if !rc.Deadline.IsZero() && now.Add(p.cfg.RetryBackoff).After(rc.Deadline) {
		return false
	}
	if ctx.Err() != nil {
		return false
	}
	return p.budgetFor(rc.Resolved.Provider).take(now)
}

// attempt runs breaker admission, sequential gating, key leasing, and one
// dispatch. Exactly one breaker outcome is recorded per admission. When
// stream is true the response body is relayed through relayTo instead of
// buffered.
func (p *Pipeline) attempt(ctx context.Context, rc *prism.RequestContext, req *prism.MessagesRequest, stream bool, relayTo http.ResponseWriter) (res *upstreamResult, err error) {
	target := rc.Resolved
	b := p.breakers.GetOrCreate(target)
	if !b.Allow() {
		if p.prom != nil {
			p.prom.BreakerRejects.WithLabelValues(target.Provider, target.Model).Inc()
		}
		return nil, prism.E(prism.KindCircuitOpen, "circuit open for "+target.String())
	}
	defer func() {
		// Breaker accounting per admitted attempt. Upstream throttling does
		// not count against the breaker; the key pool cools the key instead.
		switch {
		case err == nil:
			b.RecordSuccess()
		case prism.KindOf(err) == prism.KindUpstreamRateLimited:
			b.RecordSuccess()
		default:
			b.RecordFailure()
		}
	}()

	release, err := p.queue.Enter(ctx, target.Provider, rc.Priority)
	if err != nil {
		return nil, err
	}
	defer release()

	lease, err := p.keys.Lease(target.Provider)
	if err != nil {
		return nil, err
	}
	if derr := p.allow(ratelimit.Scope{Class: ratelimit.ClassKey, ID: lease.KeyID()}); derr != nil {
		p.keys.Release(lease, keypool.ReleaseOutcome{Success: true})
		return nil, derr
	}

	tr, err := p.dispatch.Transformer(target.Provider)
	if err != nil {
		p.keys.Release(lease, keypool.ReleaseOutcome{Success: true})
		return nil, err
	}
	body, err := tr.TransformRequest(req, target)
	if err != nil {
		p.keys.Release(lease, keypool.ReleaseOutcome{Success: true})
		return nil, err
	}

	start := p.now()
	resp, err := p.dispatch.Do(ctx, &upstream.Request{
		Target:    target,
		Body:      body,
		Stream:    stream,
		KeySecret: lease.Secret(),
		SessionID: rc.SessionID,
		RequestID: rc.RequestID,
	})
	if err != nil {
		p.keys.Release(lease, keypool.ReleaseOutcome{Success: false})
		p.observeUpstream(target, start, prism.KindOf(err))
		return nil, err
	}

	if stream && resp.StatusCode == http.StatusOK {
		err = p.relayStream(ctx, rc, req, resp, relayTo)
		resp.Release(err != nil)
		p.keys.Release(lease, keypool.ReleaseOutcome{Success: err == nil, StatusCode: resp.StatusCode})
		p.observeUpstream(target, start, prism.KindOf(err))
		if err != nil {
			return nil, err
		}
		return &upstreamResult{status: http.StatusOK}, nil
	}

	payload, rerr := io.ReadAll(resp.Body)
	status := resp.StatusCode
	retryAfter := resp.RetryAfter
	contentType := resp.Header.Get("Content-Type")
	header := resp.Header
	resp.Release(rerr != nil)
	p.keys.Release(lease, keypool.ReleaseOutcome{Success: rerr == nil && keyOutcomeOK(status), StatusCode: status})

	if rerr != nil {
		p.observeUpstream(target, start, prism.KindUpstreamError)
		return nil, &prism.Error{Kind: prism.KindUpstreamError, Message: "read upstream response", Err: rerr}
	}

	kind := upstream.ClassifyStatus(status)
	p.observeUpstream(target, start, kind)
	switch kind {
	case prism.KindUpstreamError:
		return nil, prism.E(prism.KindUpstreamError, "upstream returned status "+strconv.Itoa(status))
	case prism.KindUpstreamRateLimited:
		return nil, &prism.Error{
			Kind:       prism.KindUpstreamRateLimited,
			Message:    "upstream rate limited",
			RetryAfter: retryAfter,
		}
	}

	out := payload
	if status == http.StatusOK {
		if out, err = tr.TransformResponse(payload); err != nil {
			return nil, err
		}
	}
	return &upstreamResult{status: status, contentType: contentType, payload: out, header: header}, nil
}

// keyOutcomeOK reports whether the status reflects on request validity
// rather than key health. Client-side 4xx keeps the key healthy; auth and
// throttling statuses cool it.
func keyOutcomeOK(status int) bool {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden, status == http.StatusTooManyRequests:
		return false
	case status >= 500:
		return false
	}
	return true
}

func (p *Pipeline) observeUpstream(target prism.ProviderModel, start time.Time, kind prism.ErrorKind) {
	if p.prom == nil {
		return
	}
	p.prom.UpstreamDuration.WithLabelValues(target.Provider, target.Model).Observe(p.now().Sub(start).Seconds())
	if kind != "" {
		p.prom.UpstreamErrors.WithLabelValues(target.Provider, string(kind)).Inc()
	}
}

// serveStream dispatches with stream=true and relays SSE frames as they
// arrive. No caching, no coalescing, no retry: bytes already sent cannot be
// unsent.
func (p *Pipeline) serveStream(ctx context.Context, w http.ResponseWriter, rc *prism.RequestContext, req *prism.MessagesRequest) error {
	res, err := p.attempt(ctx, rc, req, true, w)
	if err != nil {
		if rc.Outcome.StatusCode != 0 {
			// Headers already sent; the stream just ends. The metric keeps
			// the real error kind.
			return nil
		}
		return err
	}
	if res.status != http.StatusOK {
		// Upstream refused the stream with a client error; relay it.
		return p.respond(w, rc, req, res, false)
	}
	return nil
}

// relayStream writes the SSE response and tracks usage across events.
func (p *Pipeline) relayStream(ctx context.Context, rc *prism.RequestContext, req *prism.MessagesRequest, resp *upstream.Response, w http.ResponseWriter) error {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Request-Id", rc.RequestID)
	h.Set("X-Prism-Cache", "bypass")
	w.WriteHeader(http.StatusOK)
	rc.Outcome = prism.Outcome{Success: true, StatusCode: http.StatusOK}

	tracker := tokens.NewStreamTracker(p.estimator.PromptChars(req))
	err := upstream.Relay(w, resp.Body, &trackerObserver{tracker: tracker})
	final := tracker.Final()
	rc.Usage = &final.Usage
	if err != nil {
		rc.Outcome = prism.Outcome{Success: false, StatusCode: http.StatusOK, Kind: prism.KindUpstreamError}
		p.log.LogAttrs(ctx, slog.LevelWarn, "stream relay interrupted",
			slog.String("request_id", rc.RequestID),
			slog.String("error", err.Error()))
		return &prism.Error{Kind: prism.KindUpstreamError, Message: "stream interrupted", Err: err}
	}
	return nil
}

// trackerObserver adapts a StreamTracker to the relay observer contract.
type trackerObserver struct {
	tracker *tokens.StreamTracker
}

func (o *trackerObserver) OnChunk(data []byte) { o.tracker.Observe(data) }
func (o *trackerObserver) OnEnd(error)         {}

// respond writes a buffered upstream result to the client.
func (p *Pipeline) respond(w http.ResponseWriter, rc *prism.RequestContext, req *prism.MessagesRequest, res *upstreamResult, cacheConsidered bool) error {
	usage := tokens.Extract(res.payload)
	if !usage.OK && res.header != nil {
		usage = tokens.ExtractHeaders(res.header)
	}
	if !usage.OK {
		usage = tokens.Estimate(p.estimator.PromptChars(req), len(res.payload))
	}
	rc.Usage = &usage.Usage

	h := w.Header()
	ct := res.contentType
	if ct == "" {
		ct = "application/json"
	}
	h.Set("Content-Type", ct)
	h.Set("X-Request-Id", rc.RequestID)
	if cacheConsidered {
		h.Set("X-Prism-Cache", "miss")
	} else {
		h.Set("X-Prism-Cache", "bypass")
	}
	w.WriteHeader(res.status)
	_, _ = w.Write(res.payload)
	// 4xx replies relay as-is: the upstream is healthy, the request was not.
	rc.Outcome = prism.Outcome{Success: res.status < 400, StatusCode: res.status}
	return nil
}

// writeError renders a failure that has not touched the response yet.
func (p *Pipeline) writeError(w http.ResponseWriter, rc *prism.RequestContext, err error) {
	kind := prism.KindOf(err)
	status := kind.Status()
	msg := err.Error()
	if kind == prism.KindInternal {
		msg = "internal error"
		p.log.LogAttrs(context.Background(), slog.LevelError, "internal pipeline error",
			slog.String("request_id", rc.RequestID),
			slog.String("error", err.Error()))
	}

	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("X-Request-Id", rc.RequestID)
	var pe *prism.Error
	if errors.As(err, &pe) && pe.RetryAfter > 0 {
		h.Set("Retry-After", strconv.Itoa(int(math.Ceil(pe.RetryAfter.Seconds()))))
	}
	w.WriteHeader(status)
	writeErrorBody(w, kind, msg)
	rc.Outcome = prism.Outcome{Success: false, StatusCode: status, Kind: kind}
}

// writeEarlyError handles failures before a RequestContext exists.
func (p *Pipeline) writeEarlyError(w http.ResponseWriter, err error) {
	kind := prism.KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kind.Status())
	writeErrorBody(w, kind, err.Error())
}

// finish emits the per-request metric exactly once. Called on every exit
// path.
func (p *Pipeline) finish(rc *prism.RequestContext) {
	if rc.Finished() {
		return
	}
	rc.Finish()
	now := p.now()

	m := prism.RequestMetric{
		Timestamp:  now,
		RequestID:  rc.RequestID,
		SessionID:  rc.SessionID,
		Provider:   rc.Resolved.Provider,
		Model:      rc.Resolved.Model,
		DurationMS: rc.DurationMS(now),
		StatusCode: rc.Outcome.StatusCode,
		Success:    rc.Outcome.Success,
		ErrorKind:  string(rc.Outcome.Kind),
		CacheHit:   rc.CacheHit,
		Retries:    rc.Retries,
	}
	if rc.Usage != nil {
		m.InputTokens = rc.Usage.InputTokens
		m.OutputTokens = rc.Usage.OutputTokens
	}
	// Failures before routing still produce a durable record.
	if m.Provider == "" {
		m.Provider = "unrouted"
	}
	if m.Model == "" {
		if rc.LogicalModel != "" {
			m.Model = rc.LogicalModel
		} else {
			m.Model = "unknown"
		}
	}
	if m.StatusCode == 0 {
		m.StatusCode = http.StatusInternalServerError
	}
	p.collector.Record(m)

	if p.prom != nil {
		p.prom.RequestsTotal.WithLabelValues(m.Provider, m.Model, strconv.Itoa(m.StatusCode)).Inc()
		p.prom.RequestDuration.WithLabelValues(m.Provider, m.Model).Observe(float64(m.DurationMS) / 1000)
		if rc.Usage != nil {
			p.prom.TokensProcessed.WithLabelValues(m.Model, "input").Add(float64(m.InputTokens))
			p.prom.TokensProcessed.WithLabelValues(m.Model, "output").Add(float64(m.OutputTokens))
		}
	}
}

// requestID reuses the middleware-stamped ID when present.
func (p *Pipeline) requestID(r *http.Request) string {
	if id := prism.RequestIDFromContext(r.Context()); id != "" {
		return id
	}
	return p.newID()
}

// sessionID derives the session: body metadata, then header, then a fresh ID.
func (p *Pipeline) sessionID(req *prism.MessagesRequest, r *http.Request) string {
	if s := req.MetaString("session_id"); s != "" {
		return s
	}
	if s := req.MetaString("user_id"); s != "" {
		return s
	}
	if s := r.Header.Get("X-Session-Id"); s != "" {
		return s
	}
	return p.newID()
}

func priorityOf(req *prism.MessagesRequest, r *http.Request) prism.Priority {
	if s := req.MetaString("priority"); s != "" {
		return prism.ParsePriority(s)
	}
	if s := r.Header.Get("X-Priority"); s != "" {
		return prism.ParsePriority(s)
	}
	return prism.PriorityNormal
}

// promptText joins message contents for similarity matching.
func promptText(req *prism.MessagesRequest) string {
	var b []byte
	for _, m := range req.Messages {
		if m.Role != "user" {
			continue
		}
		b = append(b, m.Content...)
		b = append(b, ' ')
	}
	return string(b)
}
