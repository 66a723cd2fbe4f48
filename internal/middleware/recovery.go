package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/dealstack/resilience-core/internal/apierror"
)

// Recovery converts handler panics into 500 responses so a single bad
// request cannot take down the listener. http.ErrAbortHandler is re-raised
// untouched: the reverse proxy aborts mid-stream with it when an upstream
// body copy fails, and the HTTP server already knows how to handle it
// without a stack dump.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rv := recover()
				if rv == nil {
					return
				}
				if rv == http.ErrAbortHandler {
					panic(rv)
				}

				logger.Error("panic recovered",
					"error", rv,
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", GetRequestID(r.Context()),
					"stack", string(debug.Stack()),
				)
				apierror.WriteJSON(w, r, http.StatusInternalServerError, apierror.InternalError, "an unexpected error occurred")
			}()

			next.ServeHTTP(w, r)
		})
	}
}
