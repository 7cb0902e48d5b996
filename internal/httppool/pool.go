// Package httppool manages per-origin keep-alive HTTP clients with logical
// connection leases, session affinity, and reuse accounting. The underlying
// sockets live in net/http transports; the pool bounds and tracks the
// logical in-flight handles handed to the pipeline.
package httppool

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/dnscache"

	prism "github.com/prismproxy/prism/internal"
)

// Config holds pool limits.
type Config struct {
	MaxPerOrigin       int
	WaitTimeout        time.Duration
	MaxRequestsPerConn int64
	MaxLifetime        time.Duration
	FreeSocketTimeout  time.Duration
	AffinityIdle       time.Duration
	MaxAffineSessions  int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxPerOrigin:       32,
		WaitTimeout:        5 * time.Second,
		MaxRequestsPerConn: 1000,
		MaxLifetime:        10 * time.Minute,
		FreeSocketTimeout:  90 * time.Second,
		AffinityIdle:       60 * time.Second,
		MaxAffineSessions:  1024,
	}
}

// Conn is a borrowed handle over an origin's keep-alive client. A handle is
// never handed out twice before being released.
type Conn struct {
	origin *origin

	Origin         string
	CreatedAt      time.Time
	LastUsed       time.Time
	RequestsServed int64
	SessionID      string // affinity binding, "" if unbound

	closed bool
}

// Client returns the shared keep-alive client for the connection's origin.
func (c *Conn) Client() *http.Client { return c.origin.client }

// Stats are the pool counters surfaced on the management API.
type Stats struct {
	Active       int     `json:"active"`
	Idle         int     `json:"idle"`
	CreatedTotal int64   `json:"created_total"`
	ReuseTotal   int64   `json:"reuse_total"`
	ReuseRate    float64 `json:"reuse_rate"`
	AffineBound  int     `json:"affine_bound"`
}

type waiter struct {
	ch        chan *Conn
	sessionID string
}

// origin is the per-origin state. Each origin has its own lock so origins
// never contend with each other.
type origin struct {
	mu sync.Mutex

	name      string
	client    *http.Client
	idle      []*Conn
	active    int
	created   int64
	reused    int64
	affinity  map[string]*Conn // sessionID -> last released conn
	affineAge map[string]time.Time
	waiters   []*waiter
}

// Pool is the process-wide connection pool.
type Pool struct {
	mu       sync.RWMutex
	cfg      Config
	resolver *dnscache.Resolver
	origins  map[string]*origin
	insecure map[string]bool // per-origin TLS override
	closed   bool

	now func() time.Time
}

// New creates a Pool. The resolver may be nil to use the system resolver.
func New(cfg Config, resolver *dnscache.Resolver) *Pool {
	if cfg.MaxPerOrigin <= 0 {
		cfg.MaxPerOrigin = DefaultConfig().MaxPerOrigin
	}
	return &Pool{
		cfg:      cfg,
		resolver: resolver,
		origins:  make(map[string]*origin),
		insecure: make(map[string]bool),
		now:      time.Now,
	}
}

// AllowInsecureTLS marks an origin as accepting self-signed certificates.
// Must be called before the first Acquire for that origin.
func (p *Pool) AllowInsecureTLS(originName string) {
	p.mu.Lock()
	p.insecure[originName] = true
	p.mu.Unlock()
}

func (p *Pool) getOrigin(name string) *origin {
	p.mu.RLock()
	o, ok := p.origins[name]
	p.mu.RUnlock()
	if ok {
		return o
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if o, ok := p.origins[name]; ok {
		return o
	}
	o = &origin{
		name:      name,
		client:    &http.Client{Transport: newTransport(p.resolver, p.cfg.MaxPerOrigin, p.insecure[name])},
		affinity:  make(map[string]*Conn),
		affineAge: make(map[string]time.Time),
	}
	p.origins[name] = o
	return o
}

// Acquire returns a connection for the origin, honoring session affinity.
// It blocks up to WaitTimeout (bounded further by ctx) when the origin is at
// MaxPerOrigin, then fails with pool_exhausted.
func (p *Pool) Acquire(ctx context.Context, originName, sessionID string) (*Conn, error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, prism.E(prism.KindPoolExhausted, "connection pool is shut down")
	}

	o := p.getOrigin(originName)
	now := p.now()

	o.mu.Lock()
	// Affinity: a session goes back to its previous connection when that
	// connection is idle.
	if sessionID != "" {
		if c, ok := o.affinity[sessionID]; ok {
			if i := indexOf(o.idle, c); i >= 0 {
				o.idle = append(o.idle[:i], o.idle[i+1:]...)
				o.active++
				o.reused++
				c.LastUsed = now
				c.SessionID = sessionID
				o.mu.Unlock()
				return c, nil
			}
		}
	}

	if n := len(o.idle); n > 0 {
		c := o.idle[n-1]
		o.idle = o.idle[:n-1]
		o.active++
		o.reused++
		c.LastUsed = now
		c.SessionID = sessionID
		o.mu.Unlock()
		return c, nil
	}

	if o.active+len(o.idle) < p.cfg.MaxPerOrigin {
		o.active++
		o.created++
		c := &Conn{origin: o, Origin: originName, CreatedAt: now, LastUsed: now, SessionID: sessionID}
		o.mu.Unlock()
		return c, nil
	}

	// At capacity: park until a release hands a connection over.
	w := &waiter{ch: make(chan *Conn, 1), sessionID: sessionID}
	o.waiters = append(o.waiters, w)
	o.mu.Unlock()

	timeout := p.cfg.WaitTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().WaitTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c := <-w.ch:
		if c == nil { // channel closed by Shutdown
			return nil, prism.E(prism.KindPoolExhausted, "connection pool is shut down")
		}
		return c, nil
	case <-timer.C:
	case <-ctx.Done():
	}

	// Timed out or cancelled: withdraw, but a handoff may have raced us.
	o.mu.Lock()
	for i, q := range o.waiters {
		if q == w {
			o.waiters = append(o.waiters[:i], o.waiters[i+1:]...)
			break
		}
	}
	o.mu.Unlock()
	select {
	case c := <-w.ch:
		p.Release(c, false)
	default:
	}
	if ctx.Err() != nil {
		return nil, prism.E(prism.KindDeadlineExceeded, "request deadline expired waiting for a connection")
	}
	return nil, prism.E(prism.KindPoolExhausted, "no connection available for "+originName+" within wait timeout")
}

// Release returns a connection to the pool. Failed, worn-out, or expired
// connections are discarded instead of going idle.
func (p *Pool) Release(c *Conn, failed bool) {
	if c == nil || c.closed {
		return
	}
	o := c.origin
	now := p.now()

	o.mu.Lock()
	defer o.mu.Unlock()

	c.RequestsServed++
	c.LastUsed = now

	discard := failed ||
		(p.cfg.MaxRequestsPerConn > 0 && c.RequestsServed >= p.cfg.MaxRequestsPerConn) ||
		(p.cfg.MaxLifetime > 0 && now.Sub(c.CreatedAt) >= p.cfg.MaxLifetime)

	if discard {
		c.closed = true
		o.active--
		p.unbindLocked(o, c)
		// A parked waiter gets a fresh handle: capacity just freed up.
		if len(o.waiters) > 0 {
			w := o.waiters[0]
			o.waiters = o.waiters[1:]
			o.active++
			o.created++
			nc := &Conn{origin: o, Origin: o.name, CreatedAt: now, LastUsed: now, SessionID: w.sessionID}
			w.ch <- nc
		}
		return
	}

	if c.SessionID != "" {
		p.bindLocked(o, c, now)
	}

	if len(o.waiters) > 0 {
		w := o.waiters[0]
		o.waiters = o.waiters[1:]
		o.reused++
		c.SessionID = w.sessionID
		w.ch <- c
		return
	}

	o.active--
	o.idle = append(o.idle, c)
}

// bindLocked records the session -> conn affinity, evicting the
// least-recently-used binding past MaxAffineSessions. Only the binding is
// evicted, never the connection.
func (p *Pool) bindLocked(o *origin, c *Conn, now time.Time) {
	o.affinity[c.SessionID] = c
	o.affineAge[c.SessionID] = now
	limit := p.cfg.MaxAffineSessions
	if limit <= 0 || len(o.affinity) <= limit {
		return
	}
	oldest, oldestAt := "", now
	for sid, at := range o.affineAge {
		if at.Before(oldestAt) {
			oldest, oldestAt = sid, at
		}
	}
	if oldest != "" {
		delete(o.affinity, oldest)
		delete(o.affineAge, oldest)
	}
}

func (p *Pool) unbindLocked(o *origin, c *Conn) {
	for sid, bound := range o.affinity {
		if bound == c {
			delete(o.affinity, sid)
			delete(o.affineAge, sid)
		}
	}
}

// Reap closes idle connections past FreeSocketTimeout and drops affinity
// bindings idle past AffinityIdle. Run periodically by the maintenance
// worker.
func (p *Pool) Reap() (closed int) {
	now := p.now()
	p.mu.RLock()
	origins := make([]*origin, 0, len(p.origins))
	for _, o := range p.origins {
		origins = append(origins, o)
	}
	p.mu.RUnlock()

	for _, o := range origins {
		o.mu.Lock()
		kept := o.idle[:0]
		for _, c := range o.idle {
			if p.cfg.FreeSocketTimeout > 0 && now.Sub(c.LastUsed) >= p.cfg.FreeSocketTimeout {
				c.closed = true
				p.unbindLocked(o, c)
				closed++
				continue
			}
			kept = append(kept, c)
		}
		o.idle = kept
		if p.cfg.AffinityIdle > 0 {
			for sid, at := range o.affineAge {
				if now.Sub(at) >= p.cfg.AffinityIdle {
					delete(o.affinity, sid)
					delete(o.affineAge, sid)
				}
			}
		}
		if len(o.idle) == 0 && o.active == 0 {
			o.client.CloseIdleConnections()
		}
		o.mu.Unlock()
	}
	return closed
}

// Stats aggregates counters across all origins.
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var s Stats
	for _, o := range p.origins {
		o.mu.Lock()
		s.Active += o.active
		s.Idle += len(o.idle)
		s.CreatedTotal += o.created
		s.ReuseTotal += o.reused
		s.AffineBound += len(o.affinity)
		o.mu.Unlock()
	}
	if total := s.ReuseTotal + s.CreatedTotal; total > 0 {
		s.ReuseRate = float64(s.ReuseTotal) / float64(total)
	}
	return s
}

// OriginStats returns counters for one origin.
func (p *Pool) OriginStats(name string) Stats {
	p.mu.RLock()
	o, ok := p.origins[name]
	p.mu.RUnlock()
	if !ok {
		return Stats{}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	s := Stats{
		Active:       o.active,
		Idle:         len(o.idle),
		CreatedTotal: o.created,
		ReuseTotal:   o.reused,
		AffineBound:  len(o.affinity),
	}
	if total := s.ReuseTotal + s.CreatedTotal; total > 0 {
		s.ReuseRate = float64(s.ReuseTotal) / float64(total)
	}
	return s
}

// Shutdown stops admissions, closes idle connections, and waits up to grace
// for in-flight handles to drain.
func (p *Pool) Shutdown(ctx context.Context, grace time.Duration) {
	p.mu.Lock()
	p.closed = true
	origins := make([]*origin, 0, len(p.origins))
	for _, o := range p.origins {
		origins = append(origins, o)
	}
	p.mu.Unlock()

	for _, o := range origins {
		o.mu.Lock()
		for _, c := range o.idle {
			c.closed = true
		}
		o.idle = nil
		for _, w := range o.waiters {
			close(w.ch)
		}
		o.waiters = nil
		o.mu.Unlock()
	}

	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		if p.Stats().Active == 0 {
			break
		}
		select {
		case <-deadline.C:
			goto done
		case <-ctx.Done():
			goto done
		case <-tick.C:
		}
	}
done:
	for _, o := range origins {
		o.client.CloseIdleConnections()
	}
}

func indexOf(conns []*Conn, c *Conn) int {
	for i, x := range conns {
		if x == c {
			return i
		}
	}
	return -1
}
