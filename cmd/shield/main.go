// Package main is the entry point for the shield. It loads configuration,
// assembles the fault-tolerance registry and middleware stack, starts the
// HTTP server, and handles graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dealstack/resilience-core/internal/breaker"
	"github.com/dealstack/resilience-core/internal/config"
	"github.com/dealstack/resilience-core/internal/guard"
	"github.com/dealstack/resilience-core/internal/health"
	"github.com/dealstack/resilience-core/internal/idempotency"
	"github.com/dealstack/resilience-core/internal/logging"
	"github.com/dealstack/resilience-core/internal/metrics"
	"github.com/dealstack/resilience-core/internal/middleware"
	"github.com/dealstack/resilience-core/internal/ops"
	"github.com/dealstack/resilience-core/internal/ratelimit"
	"github.com/dealstack/resilience-core/internal/tlsutil"
)

func main() {
	configPath := flag.String("config", "configs/shield.yaml", "path to configuration file")
	flag.Parse()

	// Bootstrap logger until the configured one is built.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	appLogger, closeLog, err := logging.Setup(cfg.Logging)
	if err != nil {
		logger.Error("failed to set up logging", "error", err)
		os.Exit(1)
	}
	defer closeLog() //nolint:errcheck
	logger = appLogger

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"routes", len(cfg.Routes),
		"services", len(cfg.Services),
		"ops_enabled", cfg.Ops.Enabled,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
		"tls_enabled", cfg.Server.TLS.Enabled,
		"max_body_bytes", cfg.Server.MaxBodyBytes,
	)

	// Initialize Prometheus metrics
	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	// Build the fault-tolerance registry and the data plane around it.
	registry := buildRegistry(cfg, logger)

	router, err := guard.NewRouter(cfg.Routes, registry, logger)
	if err != nil {
		logger.Error("failed to build router", "error", err)
		os.Exit(1)
	}

	clientLimiter := middleware.NewClientLimiter(cfg.ClientLimit, cfg.Routes, cfg.Server.TrustedProxies, logger)
	defer clientLimiter.Stop()

	routeLogLevel := func(path string) slog.Level {
		route, ok := router.MatchRoute(path)
		if !ok {
			return slog.LevelInfo
		}
		return middleware.ParseLogLevel(route.LogLevel)
	}

	// Assemble middleware stack:
	// Recovery → RequestID → SecurityHeaders → Logging → CORS → BodyLimit →
	// ClientLimit → Deadline → Idempotency → Proxy
	handler := idempotencyDispatch(router, registry.Idempotency, logger)
	handler = middleware.Deadline(cfg.Server.GlobalTimeout())(handler)
	handler = clientLimiter.Middleware()(handler)
	handler = middleware.BodyLimit(cfg.Server.MaxBodyBytes)(handler)
	handler = middleware.CORS(middleware.DefaultCORSConfig())(handler)
	handler = middleware.Logging(logger, routeLogLevel, nil)(handler)
	handler = middleware.SecurityHeaders()(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	// Config reloader doubles as the live-config view for /ops/config.
	reloader := config.NewReloader(*configPath, cfg, logger)

	// Probe, metrics, and ops endpoints bypass the data-plane stack.
	mux := http.NewServeMux()
	healthHandler := health.New(serviceNames(cfg.Routes), registry.Breakers, logger)
	healthHandler.RegisterRoutes(mux)

	metricsPath := cfg.Metrics.Path
	if cfg.Metrics.IsEnabled() {
		mux.Handle(metricsPath, metrics.Handler())
		logger.Info("metrics endpoint registered", "path", metricsPath)
	}

	if cfg.Ops.Enabled {
		opsHandler := ops.New(registry, reloader, cfg.Ops, logger)
		mux.Handle("/ops/", http.StripPrefix("/ops", opsHandler.Routes()))
		logger.Info("ops endpoints registered",
			"allowlist_entries", len(cfg.Ops.IPAllowlist),
			"token_auth", cfg.Ops.TokenSecret != "",
		)
	}

	combined := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/health" || r.URL.Path == "/ready":
			mux.ServeHTTP(w, r)
		case cfg.Metrics.IsEnabled() && r.URL.Path == metricsPath:
			mux.ServeHTTP(w, r)
		case cfg.Ops.Enabled && (r.URL.Path == "/ops" || strings.HasPrefix(r.URL.Path, "/ops/")):
			mux.ServeHTTP(w, r)
		default:
			handler.ServeHTTP(w, r)
		}
	})

	reloader.Start()
	defer reloader.Stop()

	// Hot-reload swaps limiter budgets and client throttle settings in
	// place; breaker defaults apply to breakers created after the reload.
	reloader.OnReload(func(newCfg *config.Config) {
		registry.Limiters.SetBudgets(serviceBudgets(newCfg.Services))
		registry.Breakers.SetDefaults(breakerConfig(newCfg.Breaker))
		clientLimiter.UpdateConfig(newCfg.ClientLimit, newCfg.Routes)
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      combined,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	if cfg.Server.TLS.Enabled {
		certLoader, err := tlsutil.New(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile, logger)
		if err != nil {
			logger.Error("failed to load TLS certificate", "error", err)
			os.Exit(1)
		}
		defer certLoader.Stop()
		srv.TLSConfig = tlsutil.ServerConfig(cfg.Server.TLS, certLoader)
	}

	// Start server in a goroutine
	go func() {
		logger.Info("starting shield", "addr", srv.Addr, "tls", cfg.Server.TLS.Enabled)
		var serveErr error
		if cfg.Server.TLS.Enabled {
			serveErr = srv.ListenAndServeTLS("", "")
		} else {
			serveErr = srv.ListenAndServe()
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			logger.Error("server error", "error", serveErr)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight requests", "timeout", cfg.Server.ShutdownTimeout)
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("shield stopped gracefully")
}

// buildRegistry assembles the breaker manager, limiter budgets, and
// idempotency store described by cfg.
func buildRegistry(cfg *config.Config, logger *slog.Logger) *guard.Registry {
	breakers := breaker.NewManager(breakerConfig(cfg.Breaker), logger)
	limiters := ratelimit.NewManager(logger)

	if budgets := serviceBudgets(cfg.Services); len(budgets) > 0 {
		limiters.SetBudgets(budgets)
	}

	// Per-service breaker overrides bind at creation, so create those
	// breakers now rather than on first request.
	for _, svc := range cfg.Services {
		if svc.Breaker != nil {
			breakers.Get(svc.Name, breakerConfig(*svc.Breaker))
		}
	}

	store := idempotency.NewStore(idempotency.DefaultTTL)
	return guard.NewRegistry(breakers, limiters, store)
}

func breakerConfig(bc config.BreakerConfig) breaker.Config {
	return breaker.Config{
		FailureThreshold: bc.FailureThreshold,
		ResetTimeout:     bc.ResetTimeout,
		MonitoringPeriod: bc.MonitoringPeriod,
		TimeoutThreshold: bc.TimeoutThreshold,
	}
}

func serviceBudgets(services []config.ServiceConfig) []ratelimit.Config {
	budgets := make([]ratelimit.Config, 0, len(services))
	for _, svc := range services {
		budgets = append(budgets, ratelimit.Config{
			Name:          svc.Name,
			MaxRequests:   svc.MaxRequests,
			Window:        svc.Window,
			RefillRate:    svc.RefillRate,
			SlidingWindow: svc.Limiter == "sliding_window",
		})
	}
	return budgets
}

func serviceNames(routes []config.RouteConfig) []string {
	names := make([]string, 0, len(routes))
	for _, rt := range routes {
		names = append(names, rt.Service)
	}
	return names
}

// idempotencyDispatch mounts the idempotency middleware per route policy.
// Routes declare off, lenient, or strict; each mode shares one middleware
// instance over the common store.
func idempotencyDispatch(router *guard.Router, store *idempotency.Store, logger *slog.Logger) http.Handler {
	strict := idempotency.Middleware(store, idempotency.Strict, logger)(router)
	lenient := idempotency.Middleware(store, idempotency.Lenient, logger)(router)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, ok := router.MatchRoute(r.URL.Path)
		if !ok {
			router.ServeHTTP(w, r)
			return
		}
		switch route.Idempotency {
		case "strict":
			strict.ServeHTTP(w, r)
		case "lenient":
			lenient.ServeHTTP(w, r)
		default:
			router.ServeHTTP(w, r)
		}
	})
}
