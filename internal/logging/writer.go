package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

// backupTimeLayout has nanosecond precision so rotations landing in the
// same second never collide on the backup name.
const backupTimeLayout = "20060102-150405.000000000"

// RotatingWriter is an io.WriteCloser that rotates the log file by size.
// Backups are named <stem>-<timestamp><ext>; at most maxBackups are kept
// and backups past the age limit are removed.
type RotatingWriter struct {
	mu   sync.Mutex
	file *os.File
	size int64

	path       string // live log file as configured
	stem       string // path minus extension, prefix for backup names
	ext        string // backup extension, ".log" when path has none
	maxBytes   int64
	maxBackups int
	maxAge     time.Duration
}

// NewRotatingWriter opens filePath for appending, creating parent
// directories as needed.
func NewRotatingWriter(filePath string, maxSizeMB, maxBackups, maxAgeDays int) (*RotatingWriter, error) {
	ext := filepath.Ext(filePath)
	stem := strings.TrimSuffix(filePath, ext)
	if ext == "" {
		ext = ".log"
	}

	rw := &RotatingWriter{
		path:       filePath,
		stem:       stem,
		ext:        ext,
		maxBytes:   int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		maxAge:     time.Duration(maxAgeDays) * 24 * time.Hour,
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	if err := rw.open(); err != nil {
		return nil, err
	}
	return rw, nil
}

func (rw *RotatingWriter) open() error {
	f, err := os.OpenFile(rw.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("stat log file: %w", err)
	}

	rw.file = f
	rw.size = info.Size()
	return nil
}

// Write rotates first when the incoming record would push the file past the
// size limit, so a single log record never straddles two files.
func (rw *RotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.size+int64(len(p)) > rw.maxBytes {
		if err := rw.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := rw.file.Write(p)
	rw.size += int64(n)
	return n, err
}

// Close closes the underlying file.
func (rw *RotatingWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.file == nil {
		return nil
	}
	return rw.file.Close()
}

func (rw *RotatingWriter) rotate() error {
	if rw.file != nil {
		rw.file.Close() //nolint:errcheck
	}

	backup := fmt.Sprintf("%s-%s%s", rw.stem, time.Now().Format(backupTimeLayout), rw.ext)
	os.Rename(rw.path, backup) //nolint:errcheck

	if err := rw.open(); err != nil {
		return err
	}

	// Retention runs off the write path; rotation never waits on
	// directory scans.
	go rw.prune()
	return nil
}

// prune applies both retention policies: keep the newest maxBackups, and of
// those drop any older than maxAge.
func (rw *RotatingWriter) prune() {
	dir := filepath.Dir(rw.path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	live := filepath.Base(rw.path)
	prefix := strings.TrimSuffix(live, filepath.Ext(rw.path)) + "-"

	var backups []string
	for _, e := range entries {
		name := e.Name()
		if name != live && strings.HasPrefix(name, prefix) && strings.HasSuffix(name, rw.ext) {
			backups = append(backups, name)
		}
	}

	// Fixed-width timestamps sort lexically, so after reversing the newest
	// backup comes first.
	slices.Sort(backups)
	slices.Reverse(backups)

	for i, name := range backups {
		full := filepath.Join(dir, name)
		if i >= rw.maxBackups {
			os.Remove(full) //nolint:errcheck
			continue
		}
		if info, err := os.Stat(full); err == nil && rw.maxAge > 0 && time.Since(info.ModTime()) > rw.maxAge {
			os.Remove(full) //nolint:errcheck
		}
	}
}
