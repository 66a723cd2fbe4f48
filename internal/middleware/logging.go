// Package middleware provides common HTTP middleware for the shield
// including structured logging, per-client throttling, CORS, and panic
// recovery.
package middleware

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"
)

// LogLevelNone silences a route entirely. It sits far above slog.LevelError
// so no handler threshold can admit it.
const LogLevelNone slog.Level = slog.LevelError + 100

var logLevelNames = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
	"none":  LogLevelNone,
}

// ParseLogLevel maps a route's log_level string onto a slog.Level, falling
// back to Info for anything unrecognized.
func ParseLogLevel(level string) slog.Level {
	if lvl, ok := logLevelNames[strings.ToLower(level)]; ok {
		return lvl
	}
	return slog.LevelInfo
}

// LoggingConfig carries the opt-in body logging knobs.
type LoggingConfig struct {
	BodyLogging     bool
	MaxBodyLogBytes int
}

// responseTap wraps http.ResponseWriter to record the status code and,
// when body logging is on, a bounded copy of the response body.
type responseTap struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	contentType string
	capture     *bytes.Buffer
	captureMax  int
}

func (t *responseTap) WriteHeader(code int) {
	if !t.wroteHeader {
		t.wroteHeader = true
		t.status = code
		t.contentType = t.Header().Get("Content-Type")
	}
	t.ResponseWriter.WriteHeader(code)
}

func (t *responseTap) Write(b []byte) (int, error) {
	if !t.wroteHeader {
		t.WriteHeader(http.StatusOK)
	}
	if t.capture != nil {
		if room := t.captureMax - t.capture.Len(); room > 0 {
			if len(b) > room {
				t.capture.Write(b[:room])
			} else {
				t.capture.Write(b)
			}
		}
	}
	return t.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach Flusher and friends on the
// underlying writer, which the reverse proxy needs for streamed responses.
func (t *responseTap) Unwrap() http.ResponseWriter {
	return t.ResponseWriter
}

var captureBufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Logging emits one structured record per request: method, path, status,
// latency, client address, and request ID. routeLogLevel picks the record's
// level from the request path (nil means Info everywhere); a non-nil
// bodyConfig additionally captures redacted request and response bodies.
func Logging(logger *slog.Logger, routeLogLevel func(string) slog.Level, bodyConfig *LoggingConfig) func(http.Handler) http.Handler {
	if routeLogLevel == nil {
		routeLogLevel = func(string) slog.Level { return slog.LevelInfo }
	}

	logBodies := bodyConfig != nil && bodyConfig.BodyLogging
	maxBody := 4096
	if bodyConfig != nil && bodyConfig.MaxBodyLogBytes > 0 {
		maxBody = bodyConfig.MaxBodyLogBytes
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			level := routeLogLevel(r.URL.Path)
			if level == LogLevelNone {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()

			var reqBody string
			if logBodies && r.Body != nil && loggableContentType(r.Header.Get("Content-Type")) {
				reqBody = captureRequestBody(r, maxBody)
			}

			tap := &responseTap{ResponseWriter: w, status: http.StatusOK}
			if logBodies {
				tap.capture = captureBufPool.Get().(*bytes.Buffer)
				tap.capture.Reset()
				tap.captureMax = maxBody
			}

			next.ServeHTTP(tap, r)

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", tap.status,
				"latency_ms", time.Since(start).Milliseconds(),
				"client_ip", r.RemoteAddr,
				"request_id", GetRequestID(r.Context()),
			}

			if tap.Header().Get("Idempotent-Replay") == "true" {
				attrs = append(attrs, "idempotent_replay", true)
			}
			if reqBody != "" {
				attrs = append(attrs, "request_body", reqBody)
			}
			if tap.capture != nil {
				if tap.capture.Len() > 0 && loggableContentType(tap.contentType) {
					attrs = append(attrs, "response_body", redactSensitive(tap.capture.String()))
				}
				captureBufPool.Put(tap.capture)
			}

			logger.Log(r.Context(), level, "request", attrs...)
		})
	}
}

// loggableContentType reports whether a body of the given type is text
// enough to put on a log line. Empty means the type is not known yet, so
// capture and decide later.
func loggableContentType(ct string) bool {
	if ct == "" {
		return true
	}
	ct = strings.ToLower(ct)
	switch {
	case strings.Contains(ct, "json"),
		strings.HasPrefix(ct, "text/"),
		strings.Contains(ct, "xml"),
		strings.Contains(ct, "form-urlencoded"):
		return true
	}
	return false
}

// captureRequestBody reads up to maxBytes from r.Body for logging and
// splices the consumed bytes back so downstream handlers see the full body.
// The original Close is preserved.
func captureRequestBody(r *http.Request, maxBytes int) string {
	peek, _ := io.ReadAll(io.LimitReader(r.Body, int64(maxBytes)+1))
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(peek), r.Body), r.Body}

	if len(peek) > maxBytes {
		return redactSensitive(string(peek[:maxBytes])) + "...[truncated]"
	}
	return redactSensitive(string(peek))
}

// sensitiveFieldRe matches JSON fields whose values must never reach logs.
var sensitiveFieldRe = regexp.MustCompile(
	`(?i)("(?:password|secret|token|key|authorization)"\s*:\s*)"[^"]*"`,
)

func redactSensitive(s string) string {
	return sensitiveFieldRe.ReplaceAllString(s, `${1}"***"`)
}
