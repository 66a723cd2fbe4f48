// Package ops provides the operator API for runtime inspection and control
// of the shield: breaker and limiter state, idempotency store occupancy, and
// the active config. All endpoints sit behind an IP allowlist; mutating
// endpoints additionally require a bearer token when one is configured.
package ops

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dealstack/resilience-core/internal/apierror"
	"github.com/dealstack/resilience-core/internal/auth"
	"github.com/dealstack/resilience-core/internal/config"
	"github.com/dealstack/resilience-core/internal/guard"
)

// WriteScope is the token scope required for mutating ops endpoints.
const WriteScope = "ops:write"

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// Handler provides the ops API endpoints.
type Handler struct {
	registry        *guard.Registry
	provider        ConfigProvider
	verifier        *auth.Verifier
	tokenConfigured bool
	allowedNets     []*net.IPNet
	logger          *slog.Logger
}

// New creates an ops Handler. The allowlist CIDRs must be pre-validated
// (config validation ensures this).
func New(registry *guard.Registry, provider ConfigProvider, cfg config.OpsConfig, logger *slog.Logger) *Handler {
	nets := make([]*net.IPNet, 0, len(cfg.IPAllowlist))
	for _, cidr := range cfg.IPAllowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // already validated by config
		}
		nets = append(nets, ipNet)
	}

	h := &Handler{
		registry:    registry,
		provider:    provider,
		allowedNets: nets,
		logger:      logger,
	}

	if cfg.TokenSecret != "" {
		h.tokenConfigured = true
		if strings.Contains(cfg.TokenSecret, "${") {
			// The secret never resolved from the environment. Leaving the
			// literal in place would let anyone sign with a known string,
			// so mutations stay locked instead.
			logger.Error("ops token secret unresolved, mutating endpoints are disabled")
		} else {
			h.verifier = auth.NewVerifier(cfg.TokenSecret, cfg.TokenIssuer, cfg.TokenAudience)
		}
	}

	return h
}

// Routes returns the ops router, intended to be mounted under /ops.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.RouteNotFound, "no matching route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed, "method not allowed")
	})

	r.Use(h.allow)

	r.Get("/breakers", h.listBreakers)
	r.Get("/breakers/degraded", h.degradedBreakers)
	r.Get("/limiters", h.listLimiters)
	r.Get("/idempotency", h.idempotencyStatus)
	r.Get("/config", h.activeConfig)

	r.Group(func(r chi.Router) {
		r.Use(h.requireToken)
		r.Post("/breakers/reset-all", h.resetAllBreakers)
		r.Post("/breakers/close-all", h.closeAllBreakers)
		r.Post("/breakers/{name}/force-open", h.forceOpen)
		r.Post("/breakers/{name}/force-close", h.forceClose)
		r.Post("/breakers/{name}/reset", h.resetBreaker)
		r.Post("/limiters/reset-all", h.resetAllLimiters)
		r.Post("/limiters/{name}/reset", h.resetLimiter)
	})

	return r
}

// allow wraps handlers with IP allowlist checking.
func (h *Handler) allow(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r.RemoteAddr)
		if !h.ipAllowed(ip) {
			h.logger.Warn("ops access denied", "client_ip", ip, "path", r.URL.Path)
			apierror.WriteJSON(w, r, http.StatusForbidden, apierror.Forbidden, "client address not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireToken gates mutating endpoints behind the ops bearer token. When
// no token is configured the allowlist alone governs access.
func (h *Handler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.tokenConfigured {
			next.ServeHTTP(w, r)
			return
		}
		if h.verifier == nil {
			apierror.WriteJSON(w, r, http.StatusUnauthorized, apierror.AuthInvalidToken, "ops token verification unavailable")
			return
		}

		tokenStr, ok := auth.ExtractBearerToken(r)
		if !ok {
			apierror.WriteJSON(w, r, http.StatusUnauthorized, apierror.AuthMissingToken, "missing or malformed Authorization header")
			return
		}

		claims, err := h.verifier.Verify(tokenStr, WriteScope)
		if err != nil {
			h.logger.Warn("ops token rejected", "error", err, "path", r.URL.Path)
			if auth.IsScopeError(err) {
				apierror.WriteJSON(w, r, http.StatusForbidden, apierror.AuthInsufficientScope, err.Error())
			} else {
				apierror.WriteJSON(w, r, http.StatusUnauthorized, apierror.AuthInvalidToken, "token validation failed")
			}
			return
		}

		h.logger.Info("ops action authorized", "actor", claims.Subject, "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) ipAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func (h *Handler) listBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    map[string]interface{}{"breakers": h.registry.Breakers.AllStats()},
	})
}

func (h *Handler) degradedBreakers(w http.ResponseWriter, r *http.Request) {
	degraded := h.registry.Breakers.Degraded()
	if degraded == nil {
		degraded = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data": map[string]interface{}{
			"degraded": degraded,
			"count":    len(degraded),
		},
	})
}

func (h *Handler) listLimiters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    map[string]interface{}{"limiters": h.registry.Limiters.AllStatus()},
	})
}

func (h *Handler) idempotencyStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data": map[string]interface{}{
			"entries": h.registry.Idempotency.Len(),
			"ttl":     h.registry.Idempotency.TTL().String(),
		},
	})
}

// activeConfig reports the live config. The ops token secret is excluded
// from serialization at the type level.
func (h *Handler) activeConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    h.provider.Current(),
	})
}

func (h *Handler) forceOpen(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	b, ok := h.registry.Breakers.Lookup(name)
	if !ok {
		writeBreakerNotFound(w, name)
		return
	}
	b.ForceOpen()
	h.logger.Info("breaker forced open", "service", name)
	writeMutation(w, "circuit breaker forced open", name, b.State().String())
}

func (h *Handler) forceClose(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	b, ok := h.registry.Breakers.Lookup(name)
	if !ok {
		writeBreakerNotFound(w, name)
		return
	}
	b.ForceClosed()
	h.logger.Info("breaker forced closed", "service", name)
	writeMutation(w, "circuit breaker forced closed", name, b.State().String())
}

func (h *Handler) resetBreaker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	b, ok := h.registry.Breakers.Lookup(name)
	if !ok {
		writeBreakerNotFound(w, name)
		return
	}
	b.Reset()
	h.logger.Info("breaker reset", "service", name)
	writeMutation(w, "circuit breaker reset", name, b.State().String())
}

func (h *Handler) resetAllBreakers(w http.ResponseWriter, r *http.Request) {
	count := h.registry.Breakers.Count()
	h.registry.Breakers.ResetAll()
	h.logger.Info("all breakers reset", "count", count)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"message":   "all circuit breakers reset",
		"count":     count,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) closeAllBreakers(w http.ResponseWriter, r *http.Request) {
	count := h.registry.Breakers.Count()
	h.registry.Breakers.ForceAllClosed()
	h.logger.Info("all breakers forced closed", "count", count)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"message":   "all circuit breakers forced closed",
		"count":     count,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) resetLimiter(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	l, ok := h.registry.Limiters.Lookup(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"success": false,
			"error":   "rate limiter not found: " + name,
		})
		return
	}
	l.Reset()
	h.logger.Info("limiter reset", "limiter", name)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"message":   "rate limiter reset",
		"name":      name,
		"status":    l.Status(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) resetAllLimiters(w http.ResponseWriter, r *http.Request) {
	count := h.registry.Limiters.Count()
	h.registry.Limiters.ResetAll()
	h.logger.Info("all limiters reset", "count", count)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"message":   "all rate limiters reset",
		"count":     count,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func writeBreakerNotFound(w http.ResponseWriter, name string) {
	writeJSON(w, http.StatusNotFound, map[string]interface{}{
		"success": false,
		"error":   "circuit breaker not found: " + name,
	})
}

func writeMutation(w http.ResponseWriter, message, name, newState string) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"message":   message,
		"name":      name,
		"new_state": newState,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
