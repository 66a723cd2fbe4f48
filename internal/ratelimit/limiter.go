// Package ratelimit provides per-dependency request budgets with two
// interchangeable strategies: a token bucket for burst-tolerant
// per-minute budgets and a sliding window for hard externally-imposed
// quotas.
package ratelimit

import (
	"time"
)

// Result is the outcome of a limiter decision or status probe.
type Result struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	ResetTime  time.Time     `json:"reset_time"`
	Limit      int           `json:"limit"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Limiter is the shared contract of both strategies. Implementations are
// safe for concurrent use; budget state is derived only from wall-clock
// time plus recorded events.
type Limiter interface {
	// Consume tries to take n units from the budget. A denial never
	// mutates state and carries a RetryAfter hint.
	Consume(n int) Result

	// Status reports the current budget without consuming anything.
	Status() Result

	// Reset restores the full budget.
	Reset()

	// Name returns the budget identifier.
	Name() string

	// Limit returns the configured maximum.
	Limit() int
}

// Config describes one budget. Zero values fall back to the conservative
// default of 60 requests per minute.
type Config struct {
	Name        string
	MaxRequests int
	Window      time.Duration

	// RefillRate is tokens per second, token bucket only. When zero the
	// budget is spread evenly across the window.
	RefillRate float64

	// SlidingWindow selects the exact-counting strategy instead of the
	// token bucket.
	SlidingWindow bool
}

func (c Config) withDefaults() Config {
	if c.MaxRequests <= 0 {
		c.MaxRequests = 60
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.RefillRate <= 0 {
		c.RefillRate = float64(c.MaxRequests) / c.Window.Seconds()
	}
	return c
}

// build constructs the limiter flavor the config selects.
func build(cfg Config) Limiter {
	cfg = cfg.withDefaults()
	if cfg.SlidingWindow {
		return NewSlidingWindow(cfg)
	}
	return NewTokenBucket(cfg)
}
