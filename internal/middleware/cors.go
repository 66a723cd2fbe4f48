package middleware

import (
	"net/http"
	"strings"
)

// CORSConfig holds Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	ExposedHeaders []string
	MaxAge         string
}

// DefaultCORSConfig returns the CORS policy browser clients need to talk to
// the shield: Idempotency-Key must be sendable on mutating requests, and the
// replay, throttle, and tracing response headers must be readable by scripts.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "Idempotency-Key"},
		ExposedHeaders: []string{"Idempotent-Replay", "Retry-After", "X-Request-ID", "X-Shield-Latency"},
		MaxAge:         "86400",
	}
}

// corsHeaders is the precomputed header set for a CORSConfig. Joining once
// at construction keeps the per-request path to a few map writes.
type corsHeaders struct {
	origins string
	methods string
	allowed string
	exposed string
	maxAge  string
}

func precomputeCORS(cfg CORSConfig) corsHeaders {
	return corsHeaders{
		origins: strings.Join(cfg.AllowedOrigins, ", "),
		methods: strings.Join(cfg.AllowedMethods, ", "),
		allowed: strings.Join(cfg.AllowedHeaders, ", "),
		exposed: strings.Join(cfg.ExposedHeaders, ", "),
		maxAge:  cfg.MaxAge,
	}
}

func (c corsHeaders) apply(h http.Header) {
	h.Set("Access-Control-Allow-Origin", c.origins)
	h.Set("Access-Control-Allow-Methods", c.methods)
	h.Set("Access-Control-Allow-Headers", c.allowed)
	if c.exposed != "" {
		h.Set("Access-Control-Expose-Headers", c.exposed)
	}
	h.Set("Access-Control-Max-Age", c.maxAge)
}

// CORS answers preflight requests and decorates cross-origin responses.
// Requests without an Origin header (curl, service-to-service calls) pass
// through untouched.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	hdrs := precomputeCORS(cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Origin") != "" {
				hdrs.apply(w.Header())
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
