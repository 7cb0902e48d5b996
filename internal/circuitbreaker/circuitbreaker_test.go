package circuitbreaker

import (
	"testing"
	"time"

	prism "github.com/prismproxy/prism/internal"
)

func testConfig() Config {
	return Config{
		FailureThreshold:   3,
		RatioThreshold:     0.5,
		WindowSize:         10,
		OpenDuration:       5 * time.Second,
		MaxOpenDuration:    40 * time.Second,
		HalfOpenProbeCount: 1,
	}
}

// fakeClock pins the breaker's time source.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time            { return c.t }
func (c *fakeClock) advance(d time.Duration)   { c.t = c.t.Add(d) }

func newTestBreaker(cfg Config) (*Breaker, *fakeClock) {
	b := NewBreaker(cfg)
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b.now = clk.now
	return b, clk
}

func TestBreaker_OpensAtExactThreshold(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(testConfig())

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatal("2 failures must not trip a threshold of 3")
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatal("3rd consecutive failure must open the breaker")
	}
	if b.Allow() {
		t.Fatal("open breaker must reject before next probe time")
	}
}

func TestBreaker_SuccessResetsConsecutive(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(testConfig())
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatal("interleaved success must reset the consecutive count")
	}
}

func TestBreaker_RatioTripsOnFullWindow(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(testConfig())
	// Alternate so the consecutive counter never reaches 3, but the window
	// fills to a 50% error rate.
	for range 5 {
		b.RecordSuccess()
		b.RecordFailure()
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open at ratio >= 0.5 on full window", b.State())
	}
}

func TestBreaker_HalfOpenProbeAndClose(t *testing.T) {
	t.Parallel()

	b, clk := newTestBreaker(testConfig())
	for range 3 {
		b.RecordFailure()
	}

	// Still inside the open window.
	clk.advance(4 * time.Second)
	if b.Allow() {
		t.Fatal("must reject before openDuration elapses")
	}

	// At the boundary, a single probe is admitted.
	clk.advance(time.Second + time.Millisecond)
	if !b.Allow() {
		t.Fatal("probe must be admitted at nextProbeAt")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half_open", b.State())
	}
	if b.Allow() {
		t.Fatal("second concurrent probe must be rejected with probe count 1")
	}

	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed after successful probe", b.State())
	}
	if !b.Allow() {
		t.Fatal("closed breaker must allow")
	}
}

func TestBreaker_FailedProbeBacksOffExponentially(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	b, clk := newTestBreaker(cfg)
	for range 3 {
		b.RecordFailure()
	}

	clk.advance(cfg.OpenDuration)
	if !b.Allow() {
		t.Fatal("probe expected")
	}
	b.RecordFailure()

	snap := b.Snapshot()
	if snap.State != StateOpen {
		t.Fatalf("state = %v, want open after failed probe", snap.State)
	}
	wantProbe := clk.t.Add(10 * time.Second) // 5s * 2^1
	if !snap.NextProbeAt.Equal(wantProbe) {
		t.Errorf("nextProbeAt = %v, want %v", snap.NextProbeAt, wantProbe)
	}

	// Second failed probe doubles again.
	clk.advance(10 * time.Second)
	if !b.Allow() {
		t.Fatal("second probe expected")
	}
	b.RecordFailure()
	snap = b.Snapshot()
	if want := clk.t.Add(20 * time.Second); !snap.NextProbeAt.Equal(want) {
		t.Errorf("nextProbeAt = %v, want %v", snap.NextProbeAt, want)
	}
}

func TestBreaker_BackoffCapped(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	b, clk := newTestBreaker(cfg)
	for range 3 {
		b.RecordFailure()
	}
	// Fail enough probes that uncapped backoff would exceed MaxOpenDuration.
	for range 5 {
		clk.advance(cfg.MaxOpenDuration)
		if !b.Allow() {
			t.Fatal("probe expected")
		}
		b.RecordFailure()
	}
	snap := b.Snapshot()
	if got := snap.NextProbeAt.Sub(clk.t); got > cfg.MaxOpenDuration {
		t.Errorf("probe delay = %v, want <= %v", got, cfg.MaxOpenDuration)
	}
}

func TestBreaker_MultiProbeHalfOpen(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.HalfOpenProbeCount = 3
	b, clk := newTestBreaker(cfg)
	for range 3 {
		b.RecordFailure()
	}
	clk.advance(cfg.OpenDuration)

	for i := range 3 {
		if !b.Allow() {
			t.Fatalf("probe %d must be admitted", i)
		}
	}
	if b.Allow() {
		t.Fatal("4th concurrent probe must be rejected")
	}

	b.RecordSuccess()
	b.RecordSuccess()
	if b.State() != StateHalfOpen {
		t.Fatal("breaker must stay half_open until all probes succeed")
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatal("breaker must close after all probes succeed")
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testConfig())
	pm := prism.ProviderModel{Provider: "openai", Model: "gpt-x"}

	b1 := r.GetOrCreate(pm)
	b2 := r.GetOrCreate(pm)
	if b1 != b2 {
		t.Fatal("GetOrCreate must return the same breaker per pair")
	}
	if r.Get(prism.ProviderModel{Provider: "other", Model: "m"}) != nil {
		t.Fatal("Get must return nil for unknown pair")
	}

	snaps := r.Snapshots()
	if _, ok := snaps["openai/gpt-x"]; !ok {
		t.Fatalf("Snapshots missing pair: %v", snaps)
	}

	if n := r.EvictStale(time.Now().Add(time.Minute)); n != 1 {
		t.Fatalf("EvictStale = %d, want 1", n)
	}
	if r.Get(pm) != nil {
		t.Fatal("breaker should be evicted")
	}
}
