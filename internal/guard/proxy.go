package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dealstack/resilience-core/internal/apierror"
	"github.com/dealstack/resilience-core/internal/breaker"
	"github.com/dealstack/resilience-core/internal/config"
	"github.com/dealstack/resilience-core/internal/metrics"
	"github.com/dealstack/resilience-core/internal/routing"
)

// statusClientClosedRequest is the nginx convention for a client that
// disconnected before the response was written.
const statusClientClosedRequest = 499

// Router is the shield data plane. It matches incoming requests to
// configured routes and reverse-proxies them to the route's upstream, with
// every round trip running inside the service's guard envelope.
type Router struct {
	routes   []config.RouteConfig
	proxies  map[string]*httputil.ReverseProxy
	registry *Registry
	logger   *slog.Logger
}

// NewRouter creates a Router from the given route configurations. Routes
// are sorted by path prefix length (longest first) for correct matching.
func NewRouter(routes []config.RouteConfig, registry *Registry, logger *slog.Logger) (*Router, error) {
	sorted := make([]config.RouteConfig, len(routes))
	copy(sorted, routes)
	sort.Slice(sorted, func(i, j int) bool {
		return len(sorted[i].PathPrefix) > len(sorted[j].PathPrefix)
	})

	rt := &Router{
		routes:   sorted,
		proxies:  make(map[string]*httputil.ReverseProxy, len(sorted)),
		registry: registry,
		logger:   logger,
	}

	for _, route := range sorted {
		target, err := url.Parse(route.Upstream)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream URL %q for route %q: %w", route.Upstream, route.PathPrefix, err)
		}
		rte := route // capture for closure
		proxy := httputil.NewSingleHostReverseProxy(target)
		proxy.Transport = &envelopeTransport{
			registry: registry,
			route:    rte.PathPrefix,
			service:  rte.Service,
			next:     http.DefaultTransport,
		}
		proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
			rt.writeEnvelopeError(w, r, rte, err)
		}
		rt.proxies[route.PathPrefix] = proxy
	}

	return rt, nil
}

// ServeHTTP implements http.Handler. It matches the request to a route,
// validates the HTTP method, injects headers, and proxies through the
// guard envelope.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	route, ok := rt.matchRoute(r.URL.Path)
	if !ok {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.RouteNotFound, "no matching route")
		return
	}

	if len(route.Methods) > 0 && !methodAllowed(r.Method, route.Methods) {
		apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed,
			fmt.Sprintf("method %s not allowed for %s", r.Method, route.PathPrefix))
		return
	}

	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	proxy := rt.proxies[route.PathPrefix]

	for k, v := range route.Headers {
		r.Header.Set(k, v)
	}

	if route.StripPrefix {
		r.URL.Path = strings.TrimPrefix(r.URL.Path, route.PathPrefix)
		if r.URL.Path == "" {
			r.URL.Path = "/"
		}
	}

	// The route deadline bounds the round trip and, via the deferred
	// cancel, tears down any call the breaker abandoned at its own
	// timeout.
	ctx, cancel := context.WithTimeout(r.Context(), route.Timeout())
	defer cancel()

	// Wrap the response writer to capture the status code for metrics.
	recorder := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
	lw := &latencyWriter{ResponseWriter: recorder, start: start}
	proxy.ServeHTTP(lw, r.WithContext(ctx))

	latency := time.Since(start)

	statusStr := strconv.Itoa(recorder.statusCode)
	metrics.RequestsTotal.WithLabelValues(route.PathPrefix, r.Method, statusStr).Inc()
	metrics.RequestDuration.WithLabelValues(route.PathPrefix, r.Method).Observe(latency.Seconds())
}

func (rt *Router) matchRoute(path string) (config.RouteConfig, bool) {
	for _, route := range rt.routes {
		if routing.MatchesPrefix(path, route.PathPrefix) {
			return route, true
		}
	}
	return config.RouteConfig{}, false
}

// MatchRoute exposes route matching for use by other layers (idempotency
// policy mounting, per-route log levels).
func (rt *Router) MatchRoute(path string) (config.RouteConfig, bool) {
	return rt.matchRoute(path)
}

func methodAllowed(method string, allowed []string) bool {
	for _, m := range allowed {
		if strings.EqualFold(method, m) {
			return true
		}
	}
	return false
}

// writeEnvelopeError maps a round-trip error from the guard envelope onto
// the shield's error surface.
func (rt *Router) writeEnvelopeError(w http.ResponseWriter, r *http.Request, route config.RouteConfig, err error) {
	var throttled *ThrottledError
	switch {
	case errors.As(err, &throttled):
		rt.logger.Warn("service rate limit exceeded",
			"service", route.Service,
			"path", r.URL.Path,
			"retry_after", throttled.Result.RetryAfter,
		)
		w.Header().Set("Retry-After", strconv.Itoa(throttled.RetryAfterSeconds()))
		apierror.WriteJSON(w, r, http.StatusTooManyRequests, apierror.RateLimited, "rate limit exceeded, retry later")

	case errors.Is(err, breaker.ErrGated):
		rt.logger.Warn("circuit open, failing fast", "service", route.Service, "path", r.URL.Path)
		apierror.WriteJSON(w, r, http.StatusServiceUnavailable, apierror.CircuitOpen, "service temporarily degraded")

	case errors.Is(err, breaker.ErrTimedOut), errors.Is(err, context.DeadlineExceeded):
		rt.logger.Warn("upstream timed out", "service", route.Service, "path", r.URL.Path, "error", err)
		apierror.WriteJSON(w, r, http.StatusGatewayTimeout, apierror.UpstreamTimeout, "upstream timed out")

	case errors.Is(err, context.Canceled):
		rt.logger.Debug("client closed request", "path", r.URL.Path)
		apierror.WriteJSON(w, r, statusClientClosedRequest, apierror.RequestCancelled, "client closed request")

	default:
		rt.logger.Error("proxy error", "error", err, "upstream", route.Upstream, "path", r.URL.Path)
		metrics.UpstreamErrors.WithLabelValues(route.PathPrefix, route.Service, strconv.Itoa(http.StatusBadGateway)).Inc()
		apierror.WriteJSON(w, r, http.StatusBadGateway, apierror.UpstreamUnavailable, "upstream service unavailable")
	}
}

// envelopeTransport runs each round trip through the service's guard
// envelope. Responses with 5xx status count against the breaker but are
// still delivered to the client; gating, throttling, timeouts, and
// transport errors surface as errors for the ErrorHandler to classify.
type envelopeTransport struct {
	registry *Registry
	route    string
	service  string
	next     http.RoundTripper
}

func (t *envelopeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	respCh := make(chan *http.Response, 1)

	err := t.registry.Run(req.Context(), t.service, func(ctx context.Context) error {
		resp, rtErr := t.next.RoundTrip(req.WithContext(ctx))
		if rtErr != nil {
			return rtErr
		}
		respCh <- resp
		if resp.StatusCode >= http.StatusInternalServerError {
			return &UpstreamStatusError{Service: t.service, StatusCode: resp.StatusCode}
		}
		return nil
	})

	var statusErr *UpstreamStatusError
	switch {
	case err == nil:
		return <-respCh, nil
	case errors.As(err, &statusErr):
		// The breaker recorded the failure; the client still gets the
		// upstream's actual response.
		metrics.UpstreamErrors.WithLabelValues(t.route, t.service, strconv.Itoa(statusErr.StatusCode)).Inc()
		return <-respCh, nil
	default:
		return nil, err
	}
}

// latencyWriter wraps an http.ResponseWriter and injects the
// X-Shield-Latency header just before the first WriteHeader call.
// This ensures the header is set before the response is committed.
type latencyWriter struct {
	http.ResponseWriter
	start   time.Time
	written bool
}

func (lw *latencyWriter) WriteHeader(code int) {
	if !lw.written {
		lw.written = true
		lw.ResponseWriter.Header().Set("X-Shield-Latency", time.Since(lw.start).String())
	}
	lw.ResponseWriter.WriteHeader(code)
}

func (lw *latencyWriter) Write(b []byte) (int, error) {
	if !lw.written {
		lw.written = true
		lw.ResponseWriter.Header().Set("X-Shield-Latency", time.Since(lw.start).String())
	}
	return lw.ResponseWriter.Write(b)
}

// responseRecorder wraps http.ResponseWriter to capture the status code
// while still writing to the real client. Used for metrics reporting.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rr *responseRecorder) WriteHeader(code int) {
	if !rr.written {
		rr.statusCode = code
		rr.written = true
	}
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if !rr.written {
		rr.statusCode = http.StatusOK
		rr.written = true
	}
	return rr.ResponseWriter.Write(b)
}
