package ratelimit

import (
	"sync"
	"time"

	"github.com/dealstack/resilience-core/internal/metrics"
)

// SlidingWindow counts events within a trailing interval, giving hard,
// exact limits. Appropriate for externally-imposed daily or periodic
// quotas where bursting past the cap is never acceptable.
type SlidingWindow struct {
	name   string
	max    int
	window time.Duration

	mu         sync.Mutex
	timestamps []time.Time
}

// NewSlidingWindow creates an empty window.
func NewSlidingWindow(cfg Config) *SlidingWindow {
	cfg = cfg.withDefaults()
	return &SlidingWindow{
		name:   cfg.Name,
		max:    cfg.MaxRequests,
		window: cfg.Window,
	}
}

func (sw *SlidingWindow) Name() string { return sw.name }
func (sw *SlidingWindow) Limit() int   { return sw.max }

// prune drops timestamps that have left the window. Must be called with
// sw.mu held.
func (sw *SlidingWindow) prune(now time.Time) {
	cutoff := now.Add(-sw.window)
	i := 0
	for i < len(sw.timestamps) && !sw.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		sw.timestamps = append(sw.timestamps[:0], sw.timestamps[i:]...)
	}
}

// resetTime is the expiry of the oldest retained timestamp. Must be called
// with sw.mu held.
func (sw *SlidingWindow) resetTime(now time.Time) time.Time {
	if len(sw.timestamps) == 0 {
		return now.Add(sw.window)
	}
	return sw.timestamps[0].Add(sw.window)
}

// Consume records n events if the window has room for them.
func (sw *SlidingWindow) Consume(n int) Result {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := time.Now()
	sw.prune(now)

	if len(sw.timestamps)+n <= sw.max {
		for i := 0; i < n; i++ {
			sw.timestamps = append(sw.timestamps, now)
		}
		res := Result{
			Allowed:   true,
			Remaining: sw.max - len(sw.timestamps),
			ResetTime: sw.resetTime(now),
			Limit:     sw.max,
		}
		metrics.LimiterDecisions.WithLabelValues(sw.name, "allowed").Inc()
		metrics.LimiterRemaining.WithLabelValues(sw.name).Set(float64(res.Remaining))
		return res
	}

	res := Result{
		Allowed:   false,
		Remaining: max(0, sw.max-len(sw.timestamps)),
		ResetTime: sw.resetTime(now),
		Limit:     sw.max,
	}
	if len(sw.timestamps) > 0 {
		// Retry once the oldest event exits the window.
		res.RetryAfter = sw.timestamps[0].Add(sw.window).Sub(now)
	}
	metrics.LimiterDecisions.WithLabelValues(sw.name, "denied").Inc()
	return res
}

// Status reports the window without recording anything.
func (sw *SlidingWindow) Status() Result {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := time.Now()
	sw.prune(now)

	res := Result{
		Allowed:   len(sw.timestamps) < sw.max,
		Remaining: max(0, sw.max-len(sw.timestamps)),
		ResetTime: sw.resetTime(now),
		Limit:     sw.max,
	}
	if !res.Allowed && len(sw.timestamps) > 0 {
		res.RetryAfter = sw.timestamps[0].Add(sw.window).Sub(now)
	}
	return res
}

// Reset empties the window.
func (sw *SlidingWindow) Reset() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.timestamps = nil
}
