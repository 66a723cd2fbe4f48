package middleware

import (
	"errors"
	"net/http"

	"github.com/dealstack/resilience-core/internal/apierror"
)

// BodyLimit rejects oversized request bodies. A declared Content-Length over
// the cap is refused before the handler runs; chunked uploads are capped by
// http.MaxBytesReader, which surfaces the overflow as a *http.MaxBytesError
// from the first Read past the limit.
func BodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				WriteBodyLimitError(w, r)
				return
			}
			if r.Body != nil && r.ContentLength != 0 {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}

			next.ServeHTTP(w, r)
		})
	}
}

// IsBodyLimitError reports whether err came from a body capped by BodyLimit.
// Handlers that read bodies use it to answer 413 instead of a generic read
// failure.
func IsBodyLimitError(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

// WriteBodyLimitError writes the 413 response for a request whose body blew
// the cap mid-read.
func WriteBodyLimitError(w http.ResponseWriter, r *http.Request) {
	apierror.WriteJSON(w, r, http.StatusRequestEntityTooLarge, apierror.BodyTooLarge, "request body exceeds maximum allowed size")
}
