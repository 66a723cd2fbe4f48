//go:build !windows

package config

import (
	"os"
	"os/signal"
	"syscall"
)

// registerSignalHandler wires SIGHUP to Reload, giving operators a manual
// reload path that does not depend on the file watcher noticing anything.
func (r *Reloader) registerSignalHandler() {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	go func() {
		defer signal.Stop(hup)
		for {
			select {
			case <-hup:
				r.logger.Info("caught SIGHUP, reloading config")
				r.Reload()
			case <-r.done:
				return
			}
		}
	}()

	r.logger.Info("SIGHUP reload handler armed")
}
