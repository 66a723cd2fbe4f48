package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/dealstack/resilience-core/internal/metrics"
	"github.com/dealstack/resilience-core/internal/middleware"
)

// keyRe is the accepted Idempotency-Key format.
var keyRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,255}$`)

// ValidKey reports whether key is an acceptable Idempotency-Key value.
func ValidKey(key string) bool {
	return keyRe.MatchString(key)
}

// mutatingMethods are the methods the middleware protects. Safe methods
// pass through untouched.
var mutatingMethods = map[string]bool{
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// Pre-serialized 400 bodies. The error strings are a wire contract;
// clients match on them.
var (
	errBodyInvalidKey = []byte(`{"success":false,"error":"Invalid Idempotency-Key format. Use 1-255 characters: letters, numbers, hyphens or underscores"}` + "\n")
	errBodyMissingKey = []byte(`{"success":false,"error":"Idempotency-Key header is required for this endpoint"}` + "\n")
	errBodyUnreadable = []byte(`{"success":false,"error":"unable to read request body"}` + "\n")
)

func writeKeyError(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	w.Write(body) //nolint:errcheck
}

// Middleware returns an HTTP middleware that deduplicates mutating requests
// per the given policy. A recorded response is replayed verbatim with
// Idempotent-Replay: true and the handler never runs; a first execution is
// captured and recorded when its status is below 500.
func Middleware(store *Store, pol Policy, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !mutatingMethods[r.Method] {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get("Idempotency-Key")
			switch {
			case key != "":
				if !ValidKey(key) {
					metrics.IdempotencyRejections.WithLabelValues("invalid_format").Inc()
					logger.Warn("invalid idempotency key", "path", r.URL.Path, "key_length", len(key))
					writeKeyError(w, errBodyInvalidKey)
					return
				}
			case pol.RequireKey:
				metrics.IdempotencyRejections.WithLabelValues("missing_key").Inc()
				logger.Warn("missing required idempotency key", "path", r.URL.Path)
				writeKeyError(w, errBodyMissingKey)
				return
			case pol.AutoGenerate:
				derived, restored, err := deriveKey(r)
				if err != nil {
					if middleware.IsBodyLimitError(err) {
						metrics.IdempotencyRejections.WithLabelValues("body_too_large").Inc()
						middleware.WriteBodyLimitError(w, r)
						return
					}
					metrics.IdempotencyRejections.WithLabelValues("unreadable_body").Inc()
					logger.Warn("failed to read body for key derivation", "path", r.URL.Path, "error", err)
					writeKeyError(w, errBodyUnreadable)
					return
				}
				key = derived
				r.Body = restored
			default:
				// No key, none required, no derivation: unprotected.
				next.ServeHTTP(w, r)
				return
			}

			if rec, ok := store.Get(key); ok {
				metrics.IdempotencyHits.Inc()
				logger.Debug("replaying recorded response",
					"key", key,
					"path", r.URL.Path,
					"status", rec.StatusCode,
				)
				w.Header().Set("Idempotency-Key", key)
				w.Header().Set("Idempotent-Replay", "true")
				if rec.ContentType != "" {
					w.Header().Set("Content-Type", rec.ContentType)
				}
				w.WriteHeader(rec.StatusCode)
				w.Write(rec.Body) //nolint:errcheck
				return
			}

			w.Header().Set("Idempotency-Key", key)

			cw := &captureWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(cw, r)

			// Server errors stay retryable: only completed decisions
			// (2xx-4xx) are recorded.
			if cw.statusCode < 500 {
				store.Put(key, cw.statusCode, cw.body.Bytes(), cw.Header().Get("Content-Type"))
			}
		})
	}
}

// deriveKey hashes method, path, query, and body into a deterministic key.
// The consumed body is returned for reinstallation on the request.
func deriveKey(r *http.Request) (string, io.ReadCloser, error) {
	var bodyBytes []byte
	if r.Body != nil {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return "", nil, err
		}
		r.Body.Close() //nolint:errcheck
		bodyBytes = b
	}

	h := sha256.New()
	io.WriteString(h, r.Method) //nolint:errcheck
	h.Write([]byte{'|'})
	io.WriteString(h, r.URL.Path) //nolint:errcheck
	h.Write([]byte{'|'})
	io.WriteString(h, r.URL.RawQuery) //nolint:errcheck
	h.Write([]byte{'|'})
	h.Write(bodyBytes)

	return hex.EncodeToString(h.Sum(nil)), io.NopCloser(bytes.NewReader(bodyBytes)), nil
}

// captureWriter streams the response through to the client while keeping a
// copy of the status and body for the store.
type captureWriter struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
	written    bool
}

func (cw *captureWriter) WriteHeader(code int) {
	if !cw.written {
		cw.statusCode = code
		cw.written = true
	}
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *captureWriter) Write(b []byte) (int, error) {
	if !cw.written {
		cw.statusCode = http.StatusOK
		cw.written = true
	}
	cw.body.Write(b)
	return cw.ResponseWriter.Write(b)
}
