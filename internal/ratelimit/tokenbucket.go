package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/dealstack/resilience-core/internal/metrics"
)

// TokenBucket allows bursts up to the bucket capacity and refills
// continuously at a fixed rate. Fractional tokens accumulate between
// requests; capacity is never exceeded.
type TokenBucket struct {
	name   string
	max    int
	window time.Duration
	rate   float64 // tokens per second

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// NewTokenBucket creates a full bucket.
func NewTokenBucket(cfg Config) *TokenBucket {
	cfg = cfg.withDefaults()
	return &TokenBucket{
		name:       cfg.Name,
		max:        cfg.MaxRequests,
		window:     cfg.Window,
		rate:       cfg.RefillRate,
		tokens:     float64(cfg.MaxRequests),
		lastRefill: time.Now(),
	}
}

func (tb *TokenBucket) Name() string { return tb.name }
func (tb *TokenBucket) Limit() int   { return tb.max }

// refill credits tokens for the elapsed time. Must be called with tb.mu held.
func (tb *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.rate
	if tb.tokens > float64(tb.max) {
		tb.tokens = float64(tb.max)
	}
	tb.lastRefill = now
}

// Consume takes n tokens if available. A denial leaves the bucket
// untouched and reports how long until the deficit refills.
func (tb *TokenBucket) Consume(n int) Result {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.refill(now)

	if tb.tokens >= float64(n) {
		tb.tokens -= float64(n)
		res := Result{
			Allowed:   true,
			Remaining: int(tb.tokens),
			ResetTime: now.Add(tb.window),
			Limit:     tb.max,
		}
		metrics.LimiterDecisions.WithLabelValues(tb.name, "allowed").Inc()
		metrics.LimiterRemaining.WithLabelValues(tb.name).Set(tb.tokens)
		return res
	}

	deficit := float64(n) - tb.tokens
	retry := time.Duration(math.Ceil(deficit/tb.rate)) * time.Second
	metrics.LimiterDecisions.WithLabelValues(tb.name, "denied").Inc()
	return Result{
		Allowed:    false,
		Remaining:  int(tb.tokens),
		ResetTime:  now.Add(tb.window),
		Limit:      tb.max,
		RetryAfter: retry,
	}
}

// Status refills and reports the bucket without consuming.
func (tb *TokenBucket) Status() Result {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.refill(now)

	res := Result{
		Allowed:   tb.tokens >= 1,
		Remaining: int(tb.tokens),
		ResetTime: now.Add(tb.window),
		Limit:     tb.max,
	}
	if !res.Allowed {
		res.RetryAfter = time.Duration(math.Ceil((1-tb.tokens)/tb.rate)) * time.Second
	}
	return res
}

// Reset refills the bucket to capacity.
func (tb *TokenBucket) Reset() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.tokens = float64(tb.max)
	tb.lastRefill = time.Now()
}
