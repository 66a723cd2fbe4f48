package breaker

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Manager is a name-keyed registry of circuit breakers with lazy creation.
// One Manager is built at startup and passed to everything that makes
// protected outbound calls; there is no package-level instance.
type Manager struct {
	defaults Config
	logger   *slog.Logger

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewManager creates an empty registry. Breakers created through Get use
// defaults for any Config field the caller leaves zero.
func NewManager(defaults Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		defaults: defaults.withDefaults(),
		logger:   logger,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for name, creating it on first use. Config
// overrides apply only at creation; later calls return the existing
// instance unchanged.
func (m *Manager) Get(name string, overrides ...Config) *CircuitBreaker {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[name]; ok {
		return b
	}

	cfg := m.defaults
	for _, o := range overrides {
		cfg = cfg.merge(o)
	}
	b = New(name, cfg, m.logger)
	m.breakers[name] = b
	return b
}

// Lookup returns the breaker for name without creating one.
func (m *Manager) Lookup(name string) (*CircuitBreaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.breakers[name]
	return b, ok
}

// SetDefaults replaces the defaults used for breakers created after this
// call. Existing breakers keep the config they were built with; swapping
// thresholds under a live failure window would corrupt its accounting.
func (m *Manager) SetDefaults(defaults Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaults = defaults.withDefaults()
}

// Execute is Get followed by Execute on the named breaker.
func (m *Manager) Execute(ctx context.Context, name string, fn func(context.Context) error, overrides ...Config) error {
	return m.Get(name, overrides...).Execute(ctx, fn)
}

// AllStats returns a snapshot of every registered breaker's stats keyed by
// name.
func (m *Manager) AllStats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]Stats, len(m.breakers))
	for name, b := range m.breakers {
		stats[name] = b.Stats()
	}
	return stats
}

// Degraded returns the sorted names of every breaker not currently closed.
func (m *Manager) Degraded() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var names []string
	for name, b := range m.breakers {
		if b.State() != StateClosed {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ForceAllClosed force-closes every registered breaker.
func (m *Manager) ForceAllClosed() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, b := range m.breakers {
		b.ForceClosed()
	}
}

// ResetAll resets every registered breaker to its initial state.
func (m *Manager) ResetAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, b := range m.breakers {
		b.Reset()
	}
}

// Count returns the number of registered breakers.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.breakers)
}
