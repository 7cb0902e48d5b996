// Package cache provides two-tier response caching: an in-memory W-TinyLFU
// first tier backed by otter, and an optional Redis or disk second tier.
// Identical requests are deduplicated by fingerprint and near-identical
// prompts can be served through Jaccard similarity matching.
package cache

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"
	"golang.org/x/sync/singleflight"

	prism "github.com/prismproxy/prism/internal"
)

// Tier is a secondary cache layer behind the in-memory tier.
type Tier interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration)
	Delete(ctx context.Context, key string)
	Purge(ctx context.Context)
	Close() error
}

// Config tunes the cache.
type Config struct {
	MaxEntries          int
	MaxBytes            int64         // 0 = entry-count bound only
	TTL                 time.Duration // base TTL before jitter
	TTLVariancePct      int           // +/- percent applied per entry
	TempCeiling         float64       // requests above this temperature skip the cache
	IncludeFields       []string
	ExcludeFields       []string
	SimilarityThreshold float64 // 0 disables similarity matching
	Coalesce            bool
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		MaxEntries:     10_000,
		TTL:            5 * time.Minute,
		TTLVariancePct: 10,
		TempCeiling:    0.7,
		Coalesce:       true,
	}
}

// entry wraps a cached response with its expiry.
type entry struct {
	data      []byte
	expiresAt time.Time
}

// KeyStats is hit accounting for one key, for the top-N stats view.
type KeyStats struct {
	Key  string `json:"key"`
	Hits int64  `json:"hits"`
}

// Stats is the cache-wide view for the management API.
type Stats struct {
	Hits        int64      `json:"hits"`
	Misses      int64      `json:"misses"`
	SimilarHits int64      `json:"similar_hits"`
	HitRate     float64    `json:"hit_rate"`
	Entries     int        `json:"entries"`
	SizeBytes   int64      `json:"size_bytes"`
	TopKeys     []KeyStats `json:"top_keys"`
}

// Cache is the two-tier response cache.
type Cache struct {
	cfg Config
	l1  *otter.Cache[string, entry]
	l2  Tier // nil when no second tier is configured
	log *slog.Logger

	group singleflight.Group

	mu        sync.Mutex
	sim       *similarityIndex
	keyHits   map[string]int64
	sizeBytes map[string]int64
	hits      int64
	misses    int64
	simHits   int64

	now    func() time.Time
	jitter func() float64 // [0,1)
}

// New creates the cache. l2 may be nil.
func New(cfg Config, l2 Tier, log *slog.Logger) (*Cache, error) {
	opts := &otter.Options[string, entry]{
		ExpiryCalculator: otter.ExpiryWriting[string, entry](cfg.TTL * 2),
	}
	if cfg.MaxBytes > 0 {
		opts.MaximumWeight = uint64(cfg.MaxBytes)
		opts.Weigher = func(key string, e entry) uint32 {
			return uint32(len(key) + len(e.data))
		}
	} else {
		opts.MaximumSize = cfg.MaxEntries
	}
	l1, err := otter.New(opts)
	if err != nil {
		return nil, err
	}
	return &Cache{
		cfg:       cfg,
		l1:        l1,
		l2:        l2,
		log:       log,
		sim:       newSimilarityIndex(cfg.SimilarityThreshold),
		keyHits:   make(map[string]int64),
		sizeBytes: make(map[string]int64),
		now:       time.Now,
		jitter:    rand.Float64,
	}, nil
}

// Cacheable reports whether the request may be served from or written to the
// cache: non-streaming, temperature at or below the ceiling, and not opted
// out through metadata.
func (c *Cache) Cacheable(req *prism.MessagesRequest) bool {
	if req.Stream {
		return false
	}
	if req.Temperature != nil && *req.Temperature > c.cfg.TempCeiling {
		return false
	}
	if req.MetaBool("no_cache") || req.MetaBool("noCache") {
		return false
	}
	return true
}

// Key fingerprints the request body under the configured field projection.
func (c *Cache) Key(req *prism.MessagesRequest) (string, error) {
	return Fingerprint(req.Raw, c.cfg.IncludeFields, c.cfg.ExcludeFields)
}

// Lookup is the result of a cache read.
type Lookup struct {
	Value   []byte
	Key     string  // the key that served the hit; differs on similar hits
	Similar bool
	Score   float64
}

// Get reads through both tiers. prompt feeds similarity matching and may be
// empty to skip it. A second-tier hit is promoted into the first tier.
func (c *Cache) Get(ctx context.Context, key, prompt string) (Lookup, bool) {
	if v, ok := c.getTiered(ctx, key); ok {
		c.recordHit(key, false)
		return Lookup{Value: v, Key: key}, true
	}

	if c.cfg.SimilarityThreshold > 0 && prompt != "" {
		c.mu.Lock()
		nearKey, score := c.sim.nearest(prompt)
		c.mu.Unlock()
		if nearKey != "" && nearKey != key {
			if v, ok := c.getTiered(ctx, nearKey); ok {
				c.recordHit(nearKey, true)
				return Lookup{Value: v, Key: nearKey, Similar: true, Score: score}, true
			}
		}
	}

	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
	return Lookup{}, false
}

func (c *Cache) getTiered(ctx context.Context, key string) ([]byte, bool) {
	if e, ok := c.l1.GetIfPresent(key); ok {
		if c.now().After(e.expiresAt) {
			c.l1.Invalidate(key)
			c.forget(key)
		} else {
			return e.data, true
		}
	}
	if c.l2 != nil {
		if v, ok := c.l2.Get(ctx, key); ok {
			c.l1.Set(key, entry{data: v, expiresAt: c.now().Add(c.entryTTL())})
			return v, true
		}
	}
	return nil, false
}

// Set writes through both tiers with a jittered TTL.
func (c *Cache) Set(ctx context.Context, key, prompt string, val []byte) {
	ttl := c.entryTTL()
	c.l1.Set(key, entry{data: val, expiresAt: c.now().Add(ttl)})
	if c.l2 != nil {
		c.l2.Set(ctx, key, val, ttl)
	}

	c.mu.Lock()
	c.sizeBytes[key] = int64(len(val))
	if c.cfg.SimilarityThreshold > 0 && prompt != "" {
		c.sim.add(key, prompt)
	}
	c.mu.Unlock()
}

// entryTTL applies +/- TTLVariancePct so cohorts of entries written together
// do not all expire together.
func (c *Cache) entryTTL() time.Duration {
	ttl := c.cfg.TTL
	if c.cfg.TTLVariancePct <= 0 {
		return ttl
	}
	spread := float64(ttl) * float64(c.cfg.TTLVariancePct) / 100
	return ttl + time.Duration((c.jitter()*2-1)*spread)
}

// Do runs fn once per key across concurrent callers when coalescing is on.
// The third result reports whether this caller shared another's flight.
func (c *Cache) Do(key string, fn func() ([]byte, error)) ([]byte, error, bool) {
	if !c.cfg.Coalesce {
		v, err := fn()
		return v, err, false
	}
	v, err, shared := c.group.Do(key, func() (any, error) {
		return fn()
	})
	if v == nil {
		return nil, err, shared
	}
	return v.([]byte), err, shared
}

// Invalidate removes every key matching the glob pattern from both tiers
// and returns the count removed.
func (c *Cache) Invalidate(ctx context.Context, pattern string) int {
	c.mu.Lock()
	var matched []string
	for key := range c.sizeBytes {
		if ok, _ := path.Match(pattern, key); ok {
			matched = append(matched, key)
		}
	}
	c.mu.Unlock()

	for _, key := range matched {
		c.l1.Invalidate(key)
		if c.l2 != nil {
			c.l2.Delete(ctx, key)
		}
		c.forget(key)
	}
	return len(matched)
}

// Flush empties both tiers and resets per-key accounting. Cumulative hit and
// miss counters survive.
func (c *Cache) Flush(ctx context.Context) {
	c.l1.InvalidateAll()
	if c.l2 != nil {
		c.l2.Purge(ctx)
	}
	c.mu.Lock()
	c.sim = newSimilarityIndex(c.cfg.SimilarityThreshold)
	c.keyHits = make(map[string]int64)
	c.sizeBytes = make(map[string]int64)
	c.mu.Unlock()
}

// Sweep drops bookkeeping for keys the first tier has evicted or expired.
// Run periodically.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key := range c.sizeBytes {
		if _, ok := c.l1.GetIfPresent(key); !ok {
			delete(c.sizeBytes, key)
			delete(c.keyHits, key)
			c.sim.remove(key)
			removed++
		}
	}
	return removed
}

// Stats returns the aggregate view with the top 10 keys by hits.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Hits:        c.hits,
		Misses:      c.misses,
		SimilarHits: c.simHits,
		Entries:     len(c.sizeBytes),
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	for key, size := range c.sizeBytes {
		s.SizeBytes += size
		s.TopKeys = append(s.TopKeys, KeyStats{Key: key, Hits: c.keyHits[key]})
	}
	sort.Slice(s.TopKeys, func(i, j int) bool {
		if s.TopKeys[i].Hits != s.TopKeys[j].Hits {
			return s.TopKeys[i].Hits > s.TopKeys[j].Hits
		}
		return s.TopKeys[i].Key < s.TopKeys[j].Key
	})
	if len(s.TopKeys) > 10 {
		s.TopKeys = s.TopKeys[:10]
	}
	return s
}

// Close releases the second tier, if any.
func (c *Cache) Close() error {
	if c.l2 != nil {
		return c.l2.Close()
	}
	return nil
}

func (c *Cache) recordHit(key string, similar bool) {
	c.mu.Lock()
	c.hits++
	if similar {
		c.simHits++
	}
	c.keyHits[key]++
	c.mu.Unlock()
}

func (c *Cache) forget(key string) {
	c.mu.Lock()
	delete(c.sizeBytes, key)
	delete(c.keyHits, key)
	c.sim.remove(key)
	c.mu.Unlock()
}
