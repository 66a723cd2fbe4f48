// Package tlsutil provides TLS certificate loading with automatic reload
// via filesystem notifications for zero-downtime certificate rotation.
package tlsutil

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dealstack/resilience-core/internal/config"
)

// reloadDebounce coalesces the burst of fs events a certificate rotation
// produces into a single reload.
const reloadDebounce = 300 * time.Millisecond

// CertLoader serves the current TLS certificate to handshakes and swaps it
// when the files on disk change. The parent directories are watched rather
// than the files themselves: rotation tooling and Kubernetes secret mounts
// replace files by rename, which silently drops a watch held on the old
// inode.
type CertLoader struct {
	current  atomic.Pointer[tls.Certificate]
	certPath string
	keyPath  string
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
}

// New loads the certificate pair and begins watching for rotation. The
// initial load must succeed; later reload failures keep the last good
// certificate in service.
func New(certFile, keyFile string, logger *slog.Logger) (*CertLoader, error) {
	cl := &CertLoader{
		certPath: filepath.Clean(certFile),
		keyPath:  filepath.Clean(keyFile),
		logger:   logger,
		done:     make(chan struct{}),
	}

	if err := cl.load(); err != nil {
		return nil, fmt.Errorf("initial certificate load: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	for _, dir := range watchDirs(cl.certPath, cl.keyPath) {
		if err := w.Add(dir); err != nil {
			w.Close() //nolint:errcheck
			return nil, fmt.Errorf("watching %s: %w", dir, err)
		}
	}

	cl.watcher = w
	go cl.watchLoop()

	logger.Info("TLS certificate loaded, watching for changes",
		"cert_file", certFile, "key_file", keyFile)

	return cl, nil
}

// watchDirs returns the deduplicated parent directories of the given paths.
// Cert and key usually share one.
func watchDirs(paths ...string) []string {
	seen := make(map[string]bool, len(paths))
	var dirs []string
	for _, p := range paths {
		if d := filepath.Dir(p); !seen[d] {
			seen[d] = true
			dirs = append(dirs, d)
		}
	}
	return dirs
}

// ServerConfig builds the server-side tls.Config for the shield listener,
// backed by the loader's hot-reloading certificate.
func ServerConfig(cfg config.TLSConfig, loader *CertLoader) *tls.Config {
	minVersion := uint16(tls.VersionTLS12)
	if cfg.MinVersion == "1.3" {
		minVersion = tls.VersionTLS13
	}
	return &tls.Config{
		GetCertificate: loader.GetCertificate,
		MinVersion:     minVersion,
	}
}

// GetCertificate is the tls.Config.GetCertificate callback. It runs on
// every handshake, so the certificate swap is a single atomic load.
func (cl *CertLoader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return cl.current.Load(), nil
}

// Reload swaps in the certificate pair currently on disk. On failure the
// previous certificate stays in service.
func (cl *CertLoader) Reload() error {
	if err := cl.load(); err != nil {
		cl.logger.Error("TLS certificate reload failed, keeping current",
			"error", err, "cert_file", cl.certPath, "key_file", cl.keyPath)
		return err
	}
	cl.logger.Info("TLS certificate reloaded", "cert_file", cl.certPath, "key_file", cl.keyPath)
	return nil
}

// Stop terminates the file watcher. Safe to call more than once.
func (cl *CertLoader) Stop() {
	cl.stopOnce.Do(func() {
		close(cl.done)
		if cl.watcher != nil {
			cl.watcher.Close() //nolint:errcheck
		}
	})
}

func (cl *CertLoader) load() error {
	cert, err := tls.LoadX509KeyPair(cl.certPath, cl.keyPath)
	if err != nil {
		return err
	}
	cl.current.Store(&cert)
	return nil
}

func (cl *CertLoader) watchLoop() {
	var pending *time.Timer

	for {
		select {
		case event, ok := <-cl.watcher.Events:
			if !ok {
				return
			}
			if !cl.relevant(event) {
				continue
			}
			if pending == nil {
				pending = time.AfterFunc(reloadDebounce, func() {
					cl.Reload() //nolint:errcheck
				})
			} else {
				pending.Reset(reloadDebounce)
			}
		case err, ok := <-cl.watcher.Errors:
			if !ok {
				return
			}
			cl.logger.Error("TLS cert file watcher error", "error", err)
		case <-cl.done:
			if pending != nil {
				pending.Stop()
			}
			return
		}
	}
}

// relevant filters directory noise down to changes of the two watched files.
func (cl *CertLoader) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	name := filepath.Clean(event.Name)
	return name == cl.certPath || name == cl.keyPath
}
