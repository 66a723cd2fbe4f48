// Package logging builds the process logger from configuration and provides
// the rotating file writer backing file output.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"

	"github.com/dealstack/resilience-core/internal/config"
)

// Setup builds the logger described by cfg. The returned close function
// releases the underlying writer and must be called on shutdown; it is a
// no-op for stdout and stderr.
func Setup(cfg config.LoggingConfig) (*slog.Logger, func() error, error) {
	var (
		w       io.Writer
		toFile  bool
		closeFn = func() error { return nil }
	)

	switch cfg.Output {
	case "", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		rw, err := NewRotatingWriter(cfg.Output, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
		if err != nil {
			return nil, nil, err
		}
		w = rw
		toFile = true
		closeFn = rw.Close
	}

	level := parseLevel(cfg.Level)

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
			NoColor:    toFile,
		})
	} else {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}

	return slog.New(handler), closeFn, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
