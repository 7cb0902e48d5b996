package ratelimit

import (
	"sync"
	"time"
)

// Limiter composes all scope checks behind one lock. Admission is two-phase:
// every applicable scope is checked first and tokens are consumed only when
// all of them admit, so a denied request never drains the passing scopes.
type Limiter struct {
	mu     sync.Mutex
	cfg    Config
	scopes map[string]*scopeLimiter

	now func() time.Time
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:    cfg,
		scopes: make(map[string]*scopeLimiter),
		now:    time.Now,
	}
}

func (l *Limiter) limitFor(c Class) Limit {
	switch c {
	case ClassGlobal:
		return l.cfg.Global
	case ClassProvider:
		return l.cfg.PerProvider
	case ClassKey:
		return l.cfg.PerKey
	case ClassSession:
		return l.cfg.PerSession
	default:
		return Limit{}
	}
}

// Allow checks the given scopes and, when all admit, consumes cost from each.
// Scopes whose class has no configured limit are skipped. On denial the
// decision names the first denying scope and carries the longest wait among
// the denying scopes.
func (l *Limiter) Allow(cost int64, scopes ...Scope) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()

	type checked struct {
		s    *scopeLimiter
		name string
	}
	var active []checked
	deny := Decision{Allowed: true}

	for _, sc := range scopes {
		limit := l.limitFor(sc.Class)
		if !limit.enabled() {
			continue
		}
		key := sc.key()
		s, ok := l.scopes[key]
		if !ok {
			s = newScopeLimiter(limit, now)
			l.scopes[key] = s
		}
		s.lastUsed = now
		if !s.has(float64(cost), now) {
			wait := s.retryAfter(float64(cost), now)
			if deny.Allowed {
				deny = Decision{Allowed: false, Scope: key, RetryAfter: wait}
			} else {
				deny.RetryAfter = max(deny.RetryAfter, wait)
			}
			continue
		}
		active = append(active, checked{s: s, name: key})
	}

	if !deny.Allowed {
		return deny
	}
	for _, c := range active {
		c.s.consume(float64(cost), now)
	}
	return Decision{Allowed: true}
}

// EvictStale drops scope state untouched since cutoff. Run periodically so
// per-session and per-key entries do not accumulate forever.
func (l *Limiter) EvictStale(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for k, s := range l.scopes {
		if s.lastUsed.Before(cutoff) {
			delete(l.scopes, k)
			evicted++
		}
	}
	return evicted
}

// Scopes returns the number of tracked scope instances.
func (l *Limiter) Scopes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.scopes)
}

// RequestScopes builds the scope list for one proxied request. Empty IDs
// drop their scope from the check.
func RequestScopes(provider, keyID, sessionID string) []Scope {
	scopes := []Scope{{Class: ClassGlobal}}
	if provider != "" {
		scopes = append(scopes, Scope{Class: ClassProvider, ID: provider})
	}
	if keyID != "" {
		scopes = append(scopes, Scope{Class: ClassKey, ID: keyID})
	}
	if sessionID != "" {
		scopes = append(scopes, Scope{Class: ClassSession, ID: sessionID})
	}
	return scopes
}
