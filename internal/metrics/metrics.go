// Package metrics holds the shield's Prometheus collectors. Init registers
// everything once at startup; Handler serves the scrape endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts handled requests per route, method, and status.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shield_requests_total",
			Help: "Requests handled, by route, method, and HTTP status",
		},
		[]string{"route", "method", "status"},
	)

	// RequestDuration is the end-to-end latency histogram per route and method.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shield_request_duration_seconds",
			Help:    "End-to-end request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	// ActiveConnections gauges requests currently inside the shield.
	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shield_active_connections",
			Help: "Requests currently in flight",
		},
	)

	// BreakerState reports each breaker's current state (0 closed, 1 open,
	// 2 half-open).
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shield_breaker_state",
			Help: "Circuit breaker state per service (0=closed, 1=open, 2=half-open)",
		},
		[]string{"service"},
	)

	// BreakerStateChanges counts state transitions by service and edge.
	BreakerStateChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shield_breaker_state_changes_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"service", "from", "to"},
	)

	// BreakerGated counts calls rejected without reaching the dependency.
	BreakerGated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shield_breaker_gated_total",
			Help: "Total calls failed fast by an open circuit",
		},
		[]string{"service"},
	)

	// BreakerTimeouts counts calls abandoned at the timeout threshold.
	BreakerTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shield_breaker_timeouts_total",
			Help: "Total calls that exceeded the breaker timeout budget",
		},
		[]string{"service"},
	)

	// LimiterDecisions counts limiter outcomes by limiter name.
	LimiterDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shield_limiter_decisions_total",
			Help: "Total rate limiter decisions",
		},
		[]string{"limiter", "outcome"},
	)

	// LimiterRemaining reports the last observed remaining budget per limiter.
	LimiterRemaining = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shield_limiter_remaining",
			Help: "Remaining request budget per limiter",
		},
		[]string{"limiter"},
	)

	// IdempotencyHits counts requests replayed from the idempotency store.
	IdempotencyHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shield_idempotency_hits_total",
			Help: "Total requests served from the idempotency store",
		},
	)

	// IdempotencyStores counts responses recorded into the idempotency store.
	IdempotencyStores = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shield_idempotency_stores_total",
			Help: "Total responses recorded into the idempotency store",
		},
	)

	// IdempotencyRejections counts requests rejected for key problems.
	IdempotencyRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shield_idempotency_rejections_total",
			Help: "Total requests rejected before the handler for key problems",
		},
		[]string{"reason"},
	)

	// IdempotencyExpired counts entries removed by the expiry sweep.
	IdempotencyExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shield_idempotency_expired_total",
			Help: "Total idempotency entries removed by the expiry sweep",
		},
	)

	// ClientLimitHits counts inbound requests rejected by the per-client limiter.
	ClientLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shield_client_limit_hits_total",
			Help: "Total inbound rejections by the per-client rate limiter",
		},
		[]string{"route"},
	)

	// UpstreamErrors counts upstream error responses by route, service, and status.
	UpstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shield_upstream_errors_total",
			Help: "Total upstream error responses (5xx)",
		},
		[]string{"route", "service", "status"},
	)
)

// Init registers every collector with the default registry. Call it once,
// before the first request is served.
func Init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		ActiveConnections,
		BreakerState,
		BreakerStateChanges,
		BreakerGated,
		BreakerTimeouts,
		LimiterDecisions,
		LimiterRemaining,
		IdempotencyHits,
		IdempotencyStores,
		IdempotencyRejections,
		IdempotencyExpired,
		ClientLimitHits,
		UpstreamErrors,
	)
}

// Handler serves the scrape endpoint in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
