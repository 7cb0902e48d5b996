package ratelimit

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	l := New(cfg)
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l.now = clk.now
	return l, clk
}

func TestBucketDeniesAtCapacityAndRefills(t *testing.T) {
	t.Parallel()

	l, clk := newTestLimiter(Config{
		Global: Limit{Capacity: 2, RefillPerSecond: 1},
	})
	global := Scope{Class: ClassGlobal}

	if d := l.Allow(1, global); !d.Allowed {
		t.Fatalf("first request denied: %+v", d)
	}
	if d := l.Allow(1, global); !d.Allowed {
		t.Fatalf("second request denied: %+v", d)
	}

	d := l.Allow(1, global)
	if d.Allowed {
		t.Fatal("third request must be denied at capacity 2")
	}
	if d.Scope != "global" {
		t.Fatalf("denying scope = %q, want global", d.Scope)
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Second {
		t.Fatalf("retryAfter = %v, want (0, 1s] at refill 1/s", d.RetryAfter)
	}

	// One refill interval later the request passes.
	clk.advance(time.Second)
	if d := l.Allow(1, global); !d.Allowed {
		t.Fatalf("request after refill denied: %+v", d)
	}
}

func TestSlidingWindowDenies(t *testing.T) {
	t.Parallel()

	l, clk := newTestLimiter(Config{
		PerSession: Limit{WindowSeconds: 10, MaxInWindow: 3},
	})
	sess := Scope{Class: ClassSession, ID: "s1"}

	for i := range 3 {
		if d := l.Allow(1, sess); !d.Allowed {
			t.Fatalf("request %d denied: %+v", i, d)
		}
		clk.advance(time.Second)
	}

	d := l.Allow(1, sess)
	if d.Allowed {
		t.Fatal("4th request inside window must be denied")
	}
	// Oldest event was 3s ago in a 10s window.
	if want := 7 * time.Second; d.RetryAfter != want {
		t.Fatalf("retryAfter = %v, want %v", d.RetryAfter, want)
	}

	// After the oldest event leaves the window, admission resumes.
	clk.advance(7 * time.Second)
	if d := l.Allow(1, sess); !d.Allowed {
		t.Fatalf("request after window slide denied: %+v", d)
	}
}

func TestScopesComposeWithAnd(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(Config{
		Global:      Limit{Capacity: 100, RefillPerSecond: 10},
		PerProvider: Limit{Capacity: 1, RefillPerSecond: 0.1},
	})
	scopes := RequestScopes("openai", "", "")

	if d := l.Allow(1, scopes...); !d.Allowed {
		t.Fatalf("first request denied: %+v", d)
	}
	d := l.Allow(1, scopes...)
	if d.Allowed {
		t.Fatal("provider scope must deny even when global allows")
	}
	if d.Scope != "provider:openai" {
		t.Fatalf("denying scope = %q, want provider:openai", d.Scope)
	}
}

func TestDenialDoesNotConsumePassingScopes(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(Config{
		Global:      Limit{Capacity: 2, RefillPerSecond: 0},
		PerProvider: Limit{Capacity: 1, RefillPerSecond: 0},
	})
	a := RequestScopes("a", "", "")
	b := RequestScopes("b", "", "")

	if d := l.Allow(1, a...); !d.Allowed {
		t.Fatalf("setup request denied: %+v", d)
	}
	// Denied by provider a; global must keep its remaining token.
	if d := l.Allow(1, a...); d.Allowed {
		t.Fatal("provider a must be exhausted")
	}
	if d := l.Allow(1, b...); !d.Allowed {
		t.Fatalf("global token was consumed by a denied request: %+v", d)
	}
}

func TestScopesAreIndependent(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(Config{
		PerSession: Limit{Capacity: 1, RefillPerSecond: 0},
	})

	if d := l.Allow(1, Scope{Class: ClassSession, ID: "s1"}); !d.Allowed {
		t.Fatalf("s1 denied: %+v", d)
	}
	if d := l.Allow(1, Scope{Class: ClassSession, ID: "s1"}); d.Allowed {
		t.Fatal("s1 must be exhausted")
	}
	if d := l.Allow(1, Scope{Class: ClassSession, ID: "s2"}); !d.Allowed {
		t.Fatalf("s2 must have its own bucket: %+v", d)
	}
}

func TestUnconfiguredClassIsUnlimited(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(Config{
		Global: Limit{Capacity: 1000, RefillPerSecond: 100},
	})
	for range 50 {
		if d := l.Allow(1, RequestScopes("p", "k", "s")...); !d.Allowed {
			t.Fatalf("denied with only a loose global limit: %+v", d)
		}
	}
}

func TestCostConsumesMultipleTokens(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(Config{
		Global: Limit{Capacity: 10, RefillPerSecond: 0},
	})
	global := Scope{Class: ClassGlobal}

	if d := l.Allow(8, global); !d.Allowed {
		t.Fatalf("cost 8 denied: %+v", d)
	}
	if d := l.Allow(3, global); d.Allowed {
		t.Fatal("cost 3 must be denied with 2 tokens left")
	}
	if d := l.Allow(2, global); !d.Allowed {
		t.Fatalf("cost 2 denied: %+v", d)
	}
}

func TestRetryAfterNeverNegative(t *testing.T) {
	t.Parallel()

	l, clk := newTestLimiter(Config{
		PerSession: Limit{WindowSeconds: 1, MaxInWindow: 1},
	})
	sess := Scope{Class: ClassSession, ID: "s"}

	l.Allow(1, sess)
	// The event is about to expire; a denial right at the edge must not
	// report a negative wait.
	clk.advance(time.Second - time.Nanosecond)
	d := l.Allow(1, sess)
	if d.Allowed {
		t.Fatal("expected denial inside window")
	}
	if d.RetryAfter < 0 {
		t.Fatalf("retryAfter = %v, want >= 0", d.RetryAfter)
	}
}

func TestEvictStale(t *testing.T) {
	t.Parallel()

	l, clk := newTestLimiter(Config{
		PerSession: Limit{Capacity: 10, RefillPerSecond: 1},
	})
	l.Allow(1, Scope{Class: ClassSession, ID: "old"})
	clk.advance(time.Hour)
	l.Allow(1, Scope{Class: ClassSession, ID: "fresh"})

	if n := l.EvictStale(clk.t.Add(-time.Minute)); n != 1 {
		t.Fatalf("EvictStale = %d, want 1", n)
	}
	if got := l.Scopes(); got != 1 {
		t.Fatalf("scopes = %d, want 1", got)
	}
}
