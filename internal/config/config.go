// Package config loads, validates, and hot-reloads the shield's YAML
// configuration, with environment variable substitution for secrets.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level shield configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server" json:"server"`
	Metrics     MetricsConfig     `yaml:"metrics" json:"metrics"`
	Logging     LoggingConfig     `yaml:"logging" json:"logging"`
	ClientLimit ClientLimitConfig `yaml:"client_limit" json:"client_limit"`
	Ops         OpsConfig         `yaml:"ops" json:"ops"`
	Breaker     BreakerConfig     `yaml:"breaker" json:"breaker"`
	Services    []ServiceConfig   `yaml:"services" json:"services"`
	Routes      []RouteConfig     `yaml:"routes" json:"routes"`

	// Warnings accumulates non-fatal issues found while loading. Each
	// Config carries its own slice, so concurrent Loads from the reload
	// path never share state.
	Warnings []string `yaml:"-" json:"-"`
}

// MetricsConfig controls the Prometheus scrape endpoint. Enabled is a
// *bool so an absent key reads as on while an explicit false turns it off.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled resolves the tri-state Enabled field, treating nil as true.
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// ServerConfig holds the listener and request envelope settings.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	TrustedProxies  []string      `yaml:"trusted_proxies" json:"trusted_proxies"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
	GlobalTimeoutMs int           `yaml:"global_timeout_ms" json:"global_timeout_ms"`
	TLS             TLSConfig     `yaml:"tls" json:"tls"`
}

// TLSConfig enables TLS termination at the shield.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	CertFile   string `yaml:"cert_file" json:"cert_file"`
	KeyFile    string `yaml:"key_file" json:"key_file"`
	MinVersion string `yaml:"min_version" json:"min_version"` // "1.2" (default) or "1.3"
}

// LoggingConfig holds log output, format, and rotation settings.
type LoggingConfig struct {
	Format     string `yaml:"format" json:"format"`             // "json" or "text"; default: "json"
	Level      string `yaml:"level" json:"level"`               // "debug", "info", "warn", "error"; default: "info"
	Output     string `yaml:"output" json:"output"`             // "stdout", "stderr", or file path; default: "stdout"
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`   // max log file size before rotation; default: 100
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`   // number of rotated files to keep; default: 3
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"` // max days to retain rotated files; default: 30
}

// OpsConfig holds operational API settings.
type OpsConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`           // default: false
	IPAllowlist []string `yaml:"ip_allowlist" json:"ip_allowlist"` // CIDR notation

	// TokenSecret enables bearer-token auth for mutating ops endpoints
	// when set. Read-only endpoints need only the allowlist.
	TokenSecret   string `yaml:"token_secret" json:"-"`
	TokenIssuer   string `yaml:"token_issuer" json:"token_issuer"`
	TokenAudience string `yaml:"token_audience" json:"token_audience"`
}

// GlobalTimeout converts the configured request deadline to a Duration,
// with 0 meaning the cap is off.
func (s ServerConfig) GlobalTimeout() time.Duration {
	if s.GlobalTimeoutMs <= 0 {
		return 0
	}
	return time.Duration(s.GlobalTimeoutMs) * time.Millisecond
}

// ClientLimitConfig holds the inbound per-client rate limiter settings.
type ClientLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size" json:"burst_size"`
}

// BreakerConfig holds circuit breaker settings. The top-level block sets
// the defaults for every service; a service entry may override them.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" json:"reset_timeout"`
	MonitoringPeriod time.Duration `yaml:"monitoring_period" json:"monitoring_period"`
	TimeoutThreshold time.Duration `yaml:"timeout_threshold" json:"timeout_threshold"`
}

// ServiceConfig declares a protected dependency: its rate limiter budget
// and optional breaker overrides. Dependencies not listed here run with
// the shipped budget set or the conservative fallback.
type ServiceConfig struct {
	Name        string         `yaml:"name" json:"name"`
	Limiter     string         `yaml:"limiter" json:"limiter"` // "token_bucket" (default) or "sliding_window"
	MaxRequests int            `yaml:"max_requests" json:"max_requests"`
	Window      time.Duration  `yaml:"window" json:"window"`
	RefillRate  float64        `yaml:"refill_rate" json:"refill_rate"`
	Breaker     *BreakerConfig `yaml:"breaker" json:"breaker,omitempty"`
}

// ValidLimiterKinds are the accepted limiter strategy names for services.
var ValidLimiterKinds = map[string]bool{
	"":               true, // empty means default ("token_bucket")
	"token_bucket":   true,
	"sliding_window": true,
}

// RouteConfig defines a single protected route.
type RouteConfig struct {
	PathPrefix   string             `yaml:"path_prefix" json:"path_prefix"`
	Upstream     string             `yaml:"upstream" json:"upstream"`
	Service      string             `yaml:"service" json:"service"`
	StripPrefix  bool               `yaml:"strip_prefix" json:"strip_prefix"`
	Methods      []string           `yaml:"methods" json:"methods"`
	TimeoutMs    int                `yaml:"timeout_ms" json:"timeout_ms"`
	Headers      map[string]string  `yaml:"headers" json:"headers,omitempty"`
	RateOverride *ClientLimitConfig `yaml:"rate_override" json:"rate_override,omitempty"`
	Idempotency  string             `yaml:"idempotency" json:"idempotency"` // "off", "lenient", "strict"; default: "off"
	LogLevel     string             `yaml:"log_level" json:"log_level"`     // "debug", "info", "warn", "error", "none"; default: "info"
}

// ValidLogLevels enumerates the per-route log_level values; empty falls
// back to "info".
var ValidLogLevels = map[string]bool{
	"":      true,
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
	"none":  true,
}

// ValidIdempotencyModes are the accepted idempotency policy names for routes.
var ValidIdempotencyModes = map[string]bool{
	"":        true, // empty means default ("off")
	"off":     true,
	"lenient": true,
	"strict":  true,
}

// Timeout converts the route's per-request budget to a Duration, falling
// back to 30s when unset.
func (r RouteConfig) Timeout() time.Duration {
	if r.TimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-[^}]*)?\}`)

// expandEnvVars substitutes ${VAR} and ${VAR:-fallback} patterns with
// environment values. A plain ${VAR} with nothing set is left in place so
// collectWarnings can flag it.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		inner := match[2 : len(match)-1]
		name, fallback, hasFallback := strings.Cut(inner, ":-")
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		if hasFallback {
			return fallback
		}
		return match
	})
}

// Load reads the YAML file at path and runs it through env substitution,
// defaulting, and validation. Non-fatal findings land on cfg.Warnings.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg, err := LoadFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromBytes is Load for in-memory YAML.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	defaultServer(&cfg.Server)
	defaultLogging(&cfg.Logging)
	defaultBreaker(&cfg.Breaker)

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.ClientLimit.RequestsPerSecond == 0 {
		cfg.ClientLimit.RequestsPerSecond = 100
	}
	if cfg.ClientLimit.BurstSize == 0 {
		cfg.ClientLimit.BurstSize = 50
	}

	for i := range cfg.Services {
		if cfg.Services[i].Window == 0 {
			cfg.Services[i].Window = time.Minute
		}
	}
	for i := range cfg.Routes {
		if cfg.Routes[i].TimeoutMs == 0 {
			cfg.Routes[i].TimeoutMs = 30000
		}
		if cfg.Routes[i].Idempotency == "" {
			cfg.Routes[i].Idempotency = "off"
		}
	}
}

func defaultServer(s *ServerConfig) {
	if s.Port == 0 {
		s.Port = 8080
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = 15 * time.Second
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = 15 * time.Second
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = 10 * time.Second
	}
	if s.MaxBodyBytes == 0 {
		s.MaxBodyBytes = 1048576 // 1 MB
	}
	if s.TLS.Enabled && s.TLS.MinVersion == "" {
		s.TLS.MinVersion = "1.2"
	}
}

func defaultLogging(l *LoggingConfig) {
	if l.Format == "" {
		l.Format = "json"
	}
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Output == "" {
		l.Output = "stdout"
	}
	if l.MaxSizeMB == 0 {
		l.MaxSizeMB = 100
	}
	if l.MaxBackups == 0 {
		l.MaxBackups = 3
	}
	if l.MaxAgeDays == 0 {
		l.MaxAgeDays = 30
	}
}

func defaultBreaker(b *BreakerConfig) {
	if b.FailureThreshold == 0 {
		b.FailureThreshold = 5
	}
	if b.ResetTimeout == 0 {
		b.ResetTimeout = 60 * time.Second
	}
	if b.MonitoringPeriod == 0 {
		b.MonitoringPeriod = 5 * time.Minute
	}
	if b.TimeoutThreshold == 0 {
		b.TimeoutThreshold = 5 * time.Second
	}
}

func validate(cfg *Config) error {
	if err := validateServer(cfg.Server); err != nil {
		return err
	}
	if cfg.ClientLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("client_limit.requests_per_second must be positive")
	}
	if cfg.ClientLimit.BurstSize <= 0 {
		return fmt.Errorf("client_limit.burst_size must be positive")
	}
	if err := validateBreaker(cfg.Breaker); err != nil {
		return err
	}
	if err := validateLogging(cfg.Logging); err != nil {
		return err
	}
	if err := validateOps(cfg.Ops); err != nil {
		return err
	}
	if err := validateServices(cfg.Services); err != nil {
		return err
	}
	return validateRoutes(cfg.Routes)
}

func validateServer(s ServerConfig) error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", s.Port)
	}
	if s.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes cannot be negative")
	}
	if s.GlobalTimeoutMs < 0 {
		return fmt.Errorf("server.global_timeout_ms cannot be negative")
	}
	if s.TLS.Enabled {
		if s.TLS.CertFile == "" {
			return fmt.Errorf("server.tls: enabled without cert_file")
		}
		if s.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls: enabled without key_file")
		}
		if s.TLS.MinVersion != "1.2" && s.TLS.MinVersion != "1.3" {
			return fmt.Errorf("server.tls.min_version must be \"1.2\" or \"1.3\", got %q", s.TLS.MinVersion)
		}
	}
	return nil
}

func validateBreaker(b BreakerConfig) error {
	if b.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be positive")
	}
	if b.ResetTimeout <= 0 {
		return fmt.Errorf("breaker.reset_timeout must be positive")
	}
	if b.MonitoringPeriod <= 0 {
		return fmt.Errorf("breaker.monitoring_period must be positive")
	}
	if b.TimeoutThreshold <= 0 {
		return fmt.Errorf("breaker.timeout_threshold must be positive")
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	if l.Format != "json" && l.Format != "text" {
		return fmt.Errorf("logging.format must be \"json\" or \"text\", got %q", l.Format)
	}
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", l.Level)
	}
	if l.Output != "stdout" && l.Output != "stderr" && l.MaxSizeMB < 1 {
		return fmt.Errorf("logging.max_size_mb must be positive when output is a file path")
	}
	return nil
}

func validateOps(o OpsConfig) error {
	if !o.Enabled {
		return nil
	}
	if len(o.IPAllowlist) == 0 {
		return fmt.Errorf("ops.ip_allowlist is required when ops is enabled")
	}
	for i, cidr := range o.IPAllowlist {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("ops.ip_allowlist[%d]: invalid CIDR %q: %w", i, cidr, err)
		}
	}
	if o.TokenSecret != "" {
		if o.TokenIssuer == "" {
			return fmt.Errorf("ops.token_issuer is required when ops.token_secret is set")
		}
		if o.TokenAudience == "" {
			return fmt.Errorf("ops.token_audience is required when ops.token_secret is set")
		}
	}
	return nil
}

func validateServices(services []ServiceConfig) error {
	seen := make(map[string]bool, len(services))
	for i, s := range services {
		if s.Name == "" {
			return fmt.Errorf("services[%d].name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate service name: %s", s.Name)
		}
		seen[s.Name] = true

		if !ValidLimiterKinds[s.Limiter] {
			return fmt.Errorf("services[%d].limiter must be token_bucket or sliding_window, got %q", i, s.Limiter)
		}
		if s.MaxRequests < 1 {
			return fmt.Errorf("services[%d].max_requests must be positive", i)
		}
		if s.Window <= 0 {
			return fmt.Errorf("services[%d].window must be positive", i)
		}
		if s.RefillRate < 0 {
			return fmt.Errorf("services[%d].refill_rate must be non-negative", i)
		}
		if b := s.Breaker; b != nil {
			if b.FailureThreshold < 0 {
				return fmt.Errorf("services[%d].breaker.failure_threshold must be non-negative", i)
			}
			if b.ResetTimeout < 0 || b.MonitoringPeriod < 0 || b.TimeoutThreshold < 0 {
				return fmt.Errorf("services[%d].breaker durations must be non-negative", i)
			}
		}
	}
	return nil
}

func validateRoutes(routes []RouteConfig) error {
	if len(routes) == 0 {
		return fmt.Errorf("no routes configured, nothing to protect")
	}

	seen := make(map[string]bool, len(routes))
	for i, r := range routes {
		if r.PathPrefix == "" {
			return fmt.Errorf("routes[%d]: path_prefix is required", i)
		}
		if !strings.HasPrefix(r.PathPrefix, "/") {
			return fmt.Errorf("routes[%d]: path_prefix %q must start with /", i, r.PathPrefix)
		}
		if seen[r.PathPrefix] {
			return fmt.Errorf("routes[%d]: path_prefix %s already declared", i, r.PathPrefix)
		}
		seen[r.PathPrefix] = true

		if err := validateUpstream(i, r.Upstream); err != nil {
			return err
		}
		if r.Service == "" {
			return fmt.Errorf("routes[%d].service is required", i)
		}
		if !ValidLogLevels[r.LogLevel] {
			return fmt.Errorf("routes[%d]: unknown log_level %q", i, r.LogLevel)
		}
		if !ValidIdempotencyModes[r.Idempotency] {
			return fmt.Errorf("routes[%d].idempotency must be off, lenient, or strict; got %q", i, r.Idempotency)
		}
		if ro := r.RateOverride; ro != nil {
			if ro.RequestsPerSecond <= 0 {
				return fmt.Errorf("routes[%d].rate_override.requests_per_second must be positive", i)
			}
			if ro.BurstSize <= 0 {
				return fmt.Errorf("routes[%d].rate_override.burst_size must be positive", i)
			}
		}
	}
	return nil
}

func validateUpstream(i int, upstream string) error {
	if upstream == "" {
		return fmt.Errorf("routes[%d].upstream is required", i)
	}
	u, err := url.Parse(upstream)
	if err != nil {
		return fmt.Errorf("routes[%d].upstream: invalid URL: %w", i, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("routes[%d].upstream: scheme must be http or https, got %q", i, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("routes[%d].upstream: host is required", i)
	}
	return nil
}

// mutatingMethods are the methods the idempotency layer protects.
var mutatingMethods = map[string]bool{
	"POST":   true,
	"PUT":    true,
	"PATCH":  true,
	"DELETE": true,
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if cfg.Ops.Enabled && strings.Contains(cfg.Ops.TokenSecret, "${") {
		warnings = append(warnings, "ops.token_secret contains unresolved environment variable")
	}
	for _, r := range cfg.Routes {
		if r.Idempotency == "off" || len(r.Methods) == 0 {
			continue
		}
		mutating := false
		for _, m := range r.Methods {
			if mutatingMethods[strings.ToUpper(m)] {
				mutating = true
				break
			}
		}
		if !mutating {
			warnings = append(warnings, fmt.Sprintf("route %s: idempotency %q has no effect, no mutating methods allowed", r.PathPrefix, r.Idempotency))
		}
	}
	return warnings
}
