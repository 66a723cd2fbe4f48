//go:build windows

package config

// registerSignalHandler is a no-op: Windows has no SIGHUP. The fsnotify
// watcher remains the only reload trigger on this platform.
func (r *Reloader) registerSignalHandler() {
	r.logger.Info("signal-based config reload unavailable on this platform, using file watcher only")
}
