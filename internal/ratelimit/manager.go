package ratelimit

import (
	"log/slog"
	"sync"
	"time"
)

// Budgets for the dependencies the product calls, tuned to each provider's
// published quota. Anything unlisted gets the conservative fallback.
var defaultBudgets = []Config{
	{Name: "sports-stats", MaxRequests: 100, Window: time.Minute, RefillRate: 1.5},
	{Name: "league-api", MaxRequests: 200, Window: time.Minute, RefillRate: 3.0},
	{Name: "deal-search", MaxRequests: 100, Window: 24 * time.Hour, SlidingWindow: true},
	{Name: "social-feed", MaxRequests: 300, Window: 15 * time.Minute},
}

// fallbackBudget is applied to any dependency without a configured budget.
var fallbackBudget = Config{MaxRequests: 60, Window: time.Minute, RefillRate: 1}

// DefaultBudgets returns a copy of the pre-tuned budget set.
func DefaultBudgets() []Config {
	out := make([]Config, len(defaultBudgets))
	copy(out, defaultBudgets)
	return out
}

// Manager is a name-keyed registry of limiters with lazy creation. Known
// budgets come pre-registered; unknown names are created from the fallback
// on first use.
type Manager struct {
	logger *slog.Logger

	mu       sync.RWMutex
	limiters map[string]Limiter
	budgets  map[string]Config // configured budgets for lazy creation
}

// NewManager creates a registry with the default budget set installed.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		logger:   logger,
		limiters: make(map[string]Limiter),
		budgets:  make(map[string]Config),
	}
	for _, cfg := range defaultBudgets {
		m.budgets[cfg.Name] = cfg
		m.limiters[cfg.Name] = build(cfg)
	}
	return m
}

// Get returns the limiter for name, creating it on first use. Config
// overrides apply only at creation; an existing limiter is returned
// unchanged.
func (m *Manager) Get(name string, overrides ...Config) Limiter {
	m.mu.RLock()
	l, ok := m.limiters[name]
	m.mu.RUnlock()
	if ok {
		return l
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.limiters[name]; ok {
		return l
	}

	cfg, ok := m.budgets[name]
	if !ok {
		cfg = fallbackBudget
	}
	if len(overrides) > 0 {
		cfg = overrides[len(overrides)-1]
	}
	cfg.Name = name
	l = build(cfg)
	m.limiters[name] = l
	m.logger.Debug("rate limiter created", "limiter", name, "max", cfg.MaxRequests, "window", cfg.Window)
	return l
}

// Lookup returns the limiter for name without creating one.
func (m *Manager) Lookup(name string) (Limiter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.limiters[name]
	return l, ok
}

// Consume is Get followed by Consume on the named limiter.
func (m *Manager) Consume(name string, n int) Result {
	return m.Get(name).Consume(n)
}

// Status reports the named limiter's budget without consuming.
func (m *Manager) Status(name string) Result {
	return m.Get(name).Status()
}

// Reset restores the named limiter's full budget.
func (m *Manager) Reset(name string) {
	m.Get(name).Reset()
}

// ResetAll restores every registered limiter's full budget.
func (m *Manager) ResetAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, l := range m.limiters {
		l.Reset()
	}
}

// AllStatus returns a status snapshot of every registered limiter keyed by
// name.
func (m *Manager) AllStatus() map[string]Result {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Result, len(m.limiters))
	for name, l := range m.limiters {
		out[name] = l.Status()
	}
	return out
}

// SetBudgets installs or replaces named budgets, rebuilding their limiters
// with fresh state. Used by config hot reload.
func (m *Manager) SetBudgets(cfgs []Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cfg := range cfgs {
		if cfg.Name == "" {
			continue
		}
		m.budgets[cfg.Name] = cfg
		m.limiters[cfg.Name] = build(cfg)
		m.logger.Info("rate limiter budget updated", "limiter", cfg.Name, "max", cfg.MaxRequests, "window", cfg.Window)
	}
}

// Count returns the number of registered limiters.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.limiters)
}
