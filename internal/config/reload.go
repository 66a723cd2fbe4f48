package config

import (
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce absorbs the multi-event bursts editors and deploy tools
// produce for a single save.
const reloadDebounce = 300 * time.Millisecond

// Reloader hot-swaps the active Config when the file changes on disk or a
// SIGHUP arrives (Unix, registered in reload_unix.go). The parent directory
// is watched instead of the file itself: save-by-rename (vim, Kubernetes
// configmap updates) would orphan a watch held on the old inode.
type Reloader struct {
	current atomic.Pointer[Config]
	path    string
	logger  *slog.Logger

	mu        sync.Mutex
	callbacks []func(*Config)

	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
}

// NewReloader creates a Reloader seeded with the already-loaded config.
func NewReloader(path string, initial *Config, logger *slog.Logger) *Reloader {
	r := &Reloader{
		path:   filepath.Clean(path),
		logger: logger,
		done:   make(chan struct{}),
	}
	r.current.Store(initial)
	return r
}

// Current returns the active configuration. Safe for concurrent use from
// the request path.
func (r *Reloader) Current() *Config {
	return r.current.Load()
}

// OnReload registers a callback invoked with the new config after every
// successful reload.
func (r *Reloader) OnReload(fn func(*Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, fn)
}

// Start begins watching for changes. Must be called once after NewReloader.
func (r *Reloader) Start() {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Error("fsnotify watcher unavailable, config changes need SIGHUP", "error", err)
		return
	}
	if err := w.Add(filepath.Dir(r.path)); err != nil {
		r.logger.Error("cannot watch config directory", "path", r.path, "error", err)
		w.Close() //nolint:errcheck
		return
	}
	r.watcher = w

	r.logger.Info("config file watcher started", "path", r.path)
	go r.watchLoop()

	r.registerSignalHandler()
}

// Stop terminates the file watcher and signal handler. Safe to call more
// than once.
func (r *Reloader) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		if r.watcher != nil {
			r.watcher.Close() //nolint:errcheck
		}
	})
}

// Reload loads and validates the file, swaps it in, and notifies the
// callbacks. A file that fails validation leaves the running config alone.
// Reports whether the swap happened.
func (r *Reloader) Reload() bool {
	next, err := Load(r.path)
	if err != nil {
		r.logger.Error("config reload failed, keeping the running config",
			"path", r.path, "error", err)
		return false
	}

	prev := r.current.Swap(next)

	r.mu.Lock()
	callbacks := slices.Clone(r.callbacks)
	r.mu.Unlock()

	r.logChanges(prev, next)
	for _, cb := range callbacks {
		cb(next)
	}

	r.logger.Info("config reloaded", "path", r.path)
	return true
}

func (r *Reloader) watchLoop() {
	var pending *time.Timer

	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Clean(event.Name) != r.path {
				continue
			}
			if pending == nil {
				pending = time.AfterFunc(reloadDebounce, func() { r.Reload() })
			} else {
				pending.Reset(reloadDebounce)
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error("config watcher reported an error", "error", err)
		case <-r.done:
			if pending != nil {
				pending.Stop()
			}
			return
		}
	}
}

// logChanges gives operators a short diff of what the reload touched.
func (r *Reloader) logChanges(prev, next *Config) {
	if prev.ClientLimit != next.ClientLimit {
		r.logger.Info("client limit config changed",
			"old_rps", prev.ClientLimit.RequestsPerSecond,
			"new_rps", next.ClientLimit.RequestsPerSecond,
			"old_burst", prev.ClientLimit.BurstSize,
			"new_burst", next.ClientLimit.BurstSize,
		)
	}
	if prev.Breaker != next.Breaker {
		r.logger.Info("breaker defaults changed",
			"old_threshold", prev.Breaker.FailureThreshold,
			"new_threshold", next.Breaker.FailureThreshold,
			"old_reset", prev.Breaker.ResetTimeout,
			"new_reset", next.Breaker.ResetTimeout,
		)
	}
	if len(prev.Services) != len(next.Services) {
		r.logger.Info("service list resized",
			"old", len(prev.Services), "new", len(next.Services))
	}
	if len(prev.Routes) != len(next.Routes) {
		r.logger.Info("route table resized",
			"old", len(prev.Routes), "new", len(next.Routes))
	}
	if prev.Ops.Enabled != next.Ops.Enabled {
		r.logger.Info("ops enabled changed",
			"old", prev.Ops.Enabled, "new", next.Ops.Enabled)
	}
}
