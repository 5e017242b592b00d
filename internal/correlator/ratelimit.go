package correlator

import (
	"sync"
	"time"
)

// tokenBucket is a classic token-bucket limiter: tokens refill continuously
// at rate per second, capped at capacity, and each Allow call consumes one
// token if available.
type tokenBucket struct {
	tokens     float64
	lastUpdate time.Time
	rate       float64
	capacity   float64
}

func newTokenBucket(rate, capacity float64) *tokenBucket {
	return &tokenBucket{tokens: capacity, lastUpdate: time.Now(), rate: rate, capacity: capacity}
}

func (b *tokenBucket) allow() bool {
	now := time.Now()
	elapsed := now.Sub(b.lastUpdate).Seconds()
	b.lastUpdate = now

	b.tokens += elapsed * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// RateLimiterConfig tunes per-key token buckets.
type RateLimiterConfig struct {
	DefaultRate  float64 // tokens/sec
	DefaultBurst float64 // bucket capacity
}

// DefaultRateLimiterConfig matches the original correlator's defaults.
var DefaultRateLimiterConfig = RateLimiterConfig{DefaultRate: 100, DefaultBurst: 200}

// RateLimiter holds one token bucket per correlation key (typically
// "<pid>:<event kind>"), so a single noisy process cannot flood the
// correlator's rule evaluation with duplicate events.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	cfg     RateLimiterConfig
}

// NewRateLimiter creates a RateLimiter with the given config. A zero-value
// cfg is replaced with DefaultRateLimiterConfig.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.DefaultRate <= 0 {
		cfg = DefaultRateLimiterConfig
	}
	return &RateLimiter{buckets: make(map[string]*tokenBucket), cfg: cfg}
}

// Allow reports whether an event keyed by key is within rate limits. If key
// has not been seen before, a fresh bucket is created and the call succeeds.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.buckets[key]
	if !ok {
		b = newTokenBucket(r.cfg.DefaultRate, r.cfg.DefaultBurst)
		r.buckets[key] = b
	}
	return b.allow()
}

// Cleanup removes buckets that have been at full capacity (i.e. idle) for
// longer than idleFor, bounding unbounded growth of the bucket map across
// long-lived pids.
func (r *RateLimiter) Cleanup(idleFor time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for k, b := range r.buckets {
		idle := now.Sub(b.lastUpdate)
		if b.tokens+idle.Seconds()*b.rate >= b.capacity && idle > idleFor {
			delete(r.buckets, k)
		}
	}
}
