// Package breaker provides per-dependency circuit breakers that wrap
// outbound calls with a timeout race, failure accounting, and
// open/half-open/closed gating.
package breaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dealstack/resilience-core/internal/metrics"
)

// Defaults used for zero-valued Config fields.
const (
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 60 * time.Second
	DefaultMonitoringPeriod = 5 * time.Minute
	DefaultTimeoutThreshold = 5 * time.Second
)

// Latency history bounds: the sample buffer grows to sampleCap and is then
// trimmed to the most recent sampleKeep entries.
const (
	sampleCap  = 100
	sampleKeep = 50
)

// Config holds the tunables for one circuit breaker. Zero values are
// replaced with the package defaults.
type Config struct {
	// FailureThreshold is the decayed failure count at which a closed
	// circuit opens.
	FailureThreshold int

	// ResetTimeout is how long an open circuit waits before allowing a
	// half-open trial call.
	ResetTimeout time.Duration

	// MonitoringPeriod is the quiet time after the last failure before
	// successes begin to decay the failure count.
	MonitoringPeriod time.Duration

	// TimeoutThreshold is the per-call budget. Calls that have not settled
	// within it count as failures.
	TimeoutThreshold time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	if c.MonitoringPeriod <= 0 {
		c.MonitoringPeriod = DefaultMonitoringPeriod
	}
	if c.TimeoutThreshold <= 0 {
		c.TimeoutThreshold = DefaultTimeoutThreshold
	}
	return c
}

// merge overlays the non-zero fields of over onto c.
func (c Config) merge(over Config) Config {
	if over.FailureThreshold > 0 {
		c.FailureThreshold = over.FailureThreshold
	}
	if over.ResetTimeout > 0 {
		c.ResetTimeout = over.ResetTimeout
	}
	if over.MonitoringPeriod > 0 {
		c.MonitoringPeriod = over.MonitoringPeriod
	}
	if over.TimeoutThreshold > 0 {
		c.TimeoutThreshold = over.TimeoutThreshold
	}
	return c
}

// CircuitBreaker guards one dependency. All state is behind a single mutex;
// the mutex is never held while the wrapped call is in flight.
type CircuitBreaker struct {
	name   string
	cfg    Config
	logger *slog.Logger

	mu              sync.Mutex
	state           State
	failureCount    int // decays, see recordSuccess
	successCount    int64
	totalRequests   int64
	totalFailures   int64
	lastFailureTime time.Time
	lastSuccessTime time.Time
	lastStateChange time.Time
	responseTimes   []time.Duration
}

// New creates a closed circuit breaker for the named dependency.
func New(name string, cfg Config, logger *slog.Logger) *CircuitBreaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &CircuitBreaker{
		name:            name,
		cfg:             cfg.withDefaults(),
		logger:          logger,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Name returns the breaker's dependency name.
func (b *CircuitBreaker) Name() string {
	return b.name
}

// State returns the current recorded state. An open breaker stays open
// until the next Execute call observes the elapsed reset timeout.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// IsAvailable reports whether a call made now would be allowed through.
// It never changes state.
func (b *CircuitBreaker) IsAvailable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen {
		return time.Since(b.lastStateChange) >= b.cfg.ResetTimeout
	}
	return true
}

// Execute runs fn under the breaker's gating and timeout budget.
//
// When the circuit is open and the reset timeout has not elapsed, fn is not
// invoked and a gated *Error is returned. When fn does not settle within the
// timeout threshold the breaker stops waiting and returns a timeout *Error;
// fn keeps running with its context intact and its eventual result is
// discarded. Any other error is fn's own, returned unchanged.
func (b *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.gate(); err != nil {
		return err
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()

	timer := time.NewTimer(b.cfg.TimeoutThreshold)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			b.recordFailure(time.Since(start))
			return err
		}
		b.recordSuccess(time.Since(start))
		return nil
	case <-timer.C:
		b.recordFailure(b.cfg.TimeoutThreshold)
		metrics.BreakerTimeouts.WithLabelValues(b.name).Inc()
		return &Error{Kind: KindTimedOut, Name: b.name, Timeout: b.cfg.TimeoutThreshold}
	}
}

// Do runs fn under b and returns its value. On any breaker or upstream
// error the zero value is returned alongside the error.
func Do[T any](ctx context.Context, b *CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := b.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// gate decides whether a call may proceed, transitioning an open circuit to
// half-open once the reset timeout has elapsed.
func (b *CircuitBreaker) gate() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return nil
	}
	if time.Since(b.lastStateChange) >= b.cfg.ResetTimeout {
		b.transitionTo(StateHalfOpen)
		return nil
	}
	metrics.BreakerGated.WithLabelValues(b.name).Inc()
	return &Error{Kind: KindGated, Name: b.name}
}

func (b *CircuitBreaker) recordSuccess(latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successCount++
	b.totalRequests++
	b.lastSuccessTime = time.Now()
	b.addSample(latency)

	switch b.state {
	case StateHalfOpen:
		// The trial call succeeded, the circuit heals.
		b.failureCount = 0
		b.transitionTo(StateClosed)
	case StateClosed:
		// Gradual cooldown: each success after a quiet monitoring period
		// takes one failure off the count. Not a hard reset.
		if b.failureCount > 0 && time.Since(b.lastFailureTime) > b.cfg.MonitoringPeriod {
			b.failureCount--
		}
	}
}

func (b *CircuitBreaker) recordFailure(latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.totalFailures++
	b.totalRequests++
	b.lastFailureTime = time.Now()
	b.addSample(latency)

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.cfg.FailureThreshold {
			b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		// Any failure during a trial reopens the circuit.
		b.transitionTo(StateOpen)
	}
}

// addSample appends a latency sample, trimming the buffer once it exceeds
// sampleCap. Must be called with b.mu held.
func (b *CircuitBreaker) addSample(latency time.Duration) {
	b.responseTimes = append(b.responseTimes, latency)
	if len(b.responseTimes) > sampleCap {
		b.responseTimes = append(b.responseTimes[:0], b.responseTimes[len(b.responseTimes)-sampleKeep:]...)
	}
}

// transitionTo changes state, stamps the change time, and emits metrics and
// a log line. Counters are left untouched. Must be called with b.mu held.
func (b *CircuitBreaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}

	from := b.state
	b.state = newState
	b.lastStateChange = time.Now()

	metrics.BreakerStateChanges.WithLabelValues(b.name, from.String(), newState.String()).Inc()
	metrics.BreakerState.WithLabelValues(b.name).Set(float64(newState))

	b.logger.Info("circuit breaker state change",
		"service", b.name,
		"from", from.String(),
		"to", newState.String(),
	)
}

// ForceOpen forces the circuit open regardless of recent outcomes.
func (b *CircuitBreaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionTo(StateOpen)
}

// ForceClosed forces the circuit closed and clears the failure count so it
// does not immediately re-trip.
func (b *CircuitBreaker) ForceClosed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	b.transitionTo(StateClosed)
}

// Reset returns the breaker to its initial state, clearing all counters,
// timestamps, and latency history.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.transitionTo(StateClosed)
	b.failureCount = 0
	b.successCount = 0
	b.totalRequests = 0
	b.totalFailures = 0
	b.lastFailureTime = time.Time{}
	b.lastSuccessTime = time.Time{}
	b.responseTimes = nil
}

// Stats is a point-in-time view of a breaker's counters.
type Stats struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int64     `json:"success_count"`
	TotalRequests   int64     `json:"total_requests"`
	TotalFailures   int64     `json:"total_failures"`
	UptimePercent   float64   `json:"uptime_percent"`
	AvgResponseMs   float64   `json:"avg_response_time_ms"`
	LastFailureTime time.Time `json:"last_failure_time,omitempty"`
	LastSuccessTime time.Time `json:"last_success_time,omitempty"`
	LastStateChange time.Time `json:"last_state_change"`
}

// Stats returns the breaker's current counters. Uptime is the percentage of
// recorded calls that succeeded, 100 when nothing has been recorded yet.
func (b *CircuitBreaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	uptime := 100.0
	if b.totalRequests > 0 {
		uptime = float64(b.totalRequests-b.totalFailures) / float64(b.totalRequests) * 100
	}

	var avg float64
	if len(b.responseTimes) > 0 {
		var sum time.Duration
		for _, d := range b.responseTimes {
			sum += d
		}
		avg = float64(sum) / float64(time.Millisecond) / float64(len(b.responseTimes))
	}

	return Stats{
		Name:            b.name,
		State:           b.state.String(),
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		TotalRequests:   b.totalRequests,
		TotalFailures:   b.totalFailures,
		UptimePercent:   uptime,
		AvgResponseMs:   avg,
		LastFailureTime: b.lastFailureTime,
		LastSuccessTime: b.lastSuccessTime,
		LastStateChange: b.lastStateChange,
	}
}
