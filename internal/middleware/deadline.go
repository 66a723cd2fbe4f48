package middleware

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/dealstack/resilience-core/internal/apierror"
)

// Deadline caps how long any request may occupy the chain beneath it. When
// the budget elapses first the client gets a 504, and the handler goroutine
// is left to wind down against its cancelled context. Zero disables the cap.
func Deadline(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			ow := &ownedWriter{ResponseWriter: w}
			done := make(chan struct{})
			go func() {
				defer close(done)
				next.ServeHTTP(ow, r.WithContext(ctx))
			}()

			select {
			case <-done:
			case <-ctx.Done():
				// Race the handler for the response. Losing means bytes
				// are already on the wire and the 504 must be suppressed.
				if ow.claimTimeout() {
					apierror.WriteJSON(w, r, http.StatusGatewayTimeout, apierror.DeadlineExceeded, "global request deadline exceeded")
				}
				<-done
			}
		})
	}
}

const (
	respUnclaimed = iota
	respHandler
	respTimeout
)

// ownedWriter arbitrates the response between the handler and the deadline
// watchdog. Whichever side writes first owns it; the other side's writes
// are dropped, following http.TimeoutHandler's contract.
type ownedWriter struct {
	http.ResponseWriter
	owner atomic.Int32
}

func (ow *ownedWriter) claimTimeout() bool {
	return ow.owner.CompareAndSwap(respUnclaimed, respTimeout)
}

func (ow *ownedWriter) handlerOwns() bool {
	ow.owner.CompareAndSwap(respUnclaimed, respHandler)
	return ow.owner.Load() == respHandler
}

func (ow *ownedWriter) WriteHeader(code int) {
	if ow.handlerOwns() {
		ow.ResponseWriter.WriteHeader(code)
	}
}

func (ow *ownedWriter) Write(b []byte) (int, error) {
	if ow.handlerOwns() {
		return ow.ResponseWriter.Write(b)
	}
	return 0, http.ErrHandlerTimeout
}

func (ow *ownedWriter) Unwrap() http.ResponseWriter {
	return ow.ResponseWriter
}
