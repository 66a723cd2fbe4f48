// Package health provides the liveness and readiness probe HTTP handlers.
package health

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync/atomic"
	"time"

	"github.com/dealstack/resilience-core/internal/breaker"
)

var livenessBody = []byte(`{"status":"ok"}` + "\n")

// Readiness answers are cached briefly so aggressive orchestrator polling
// does not hammer the breaker manager.
const readinessCacheTTL = 5 * time.Second

// probeResult is one computed readiness answer plus its build time.
type probeResult struct {
	body   []byte
	status int
	at     time.Time
}

// readinessReport is the wire shape of a /ready response.
type readinessReport struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
}

// Handler provides the /health and /ready endpoints. Readiness is derived
// entirely from circuit breaker state: the breakers already embody the
// shield's live view of every upstream, and probing upstreams again here
// would create a second health opinion that can disagree with the one
// gating real traffic.
type Handler struct {
	services []string
	breakers *breaker.Manager
	logger   *slog.Logger

	cached atomic.Pointer[probeResult]
}

// New creates a health Handler for the given service names. Duplicate
// names are collapsed; order in the response is alphabetical.
func New(services []string, breakers *breaker.Manager, logger *slog.Logger) *Handler {
	seen := make(map[string]bool, len(services))
	uniq := make([]string, 0, len(services))
	for _, s := range services {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		uniq = append(uniq, s)
	}
	slices.Sort(uniq)
	return &Handler{services: uniq, breakers: breakers, logger: logger}
}

// RegisterRoutes adds the probe routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.liveness)
	mux.HandleFunc("GET /ready", h.readiness)
}

func writeProbe(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body) //nolint:errcheck
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	writeProbe(w, http.StatusOK, livenessBody)
}

func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	if res := h.cached.Load(); res != nil && time.Since(res.at) < readinessCacheTTL {
		writeProbe(w, res.status, res.body)
		return
	}

	res := h.buildReadiness()
	h.cached.Store(res)
	writeProbe(w, res.status, res.body)
}

func (h *Handler) buildReadiness() *probeResult {
	report := readinessReport{
		Status:   "ready",
		Services: make(map[string]string, len(h.services)),
	}

	openCount := 0
	for _, name := range h.services {
		b, ok := h.breakers.Lookup(name)
		if !ok {
			// No traffic has reached this service yet; nothing is wrong.
			report.Services[name] = "idle"
			continue
		}
		st := b.State()
		report.Services[name] = st.String()
		if st == breaker.StateOpen {
			openCount++
		}
	}

	// The shield stays ready while any upstream is servable. Only a full
	// outage, every configured service's breaker open at once, flips the
	// probe so orchestrators stop routing to this instance.
	status := http.StatusOK
	if len(h.services) > 0 && openCount == len(h.services) {
		status = http.StatusServiceUnavailable
		report.Status = "not ready"
		h.logger.Warn("readiness degraded, all service breakers open", "services", len(h.services))
	}

	body, _ := json.Marshal(report)
	return &probeResult{
		body:   append(body, '\n'),
		status: status,
		at:     time.Now(),
	}
}
