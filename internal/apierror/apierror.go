// Package apierror provides a centralized error response format for the
// shield. All components use WriteJSON to produce consistent, machine-readable
// error responses with stable error codes.
package apierror

import (
	"encoding/json"
	"net/http"
)

// ErrorCode is a machine-readable error classification string.
type ErrorCode string

// Shield error codes. These form a public API contract — clients can program
// against these stable codes. Do not rename or remove existing codes.
const (
	RouteNotFound         ErrorCode = "SHIELD_ROUTE_NOT_FOUND"
	MethodNotAllowed      ErrorCode = "SHIELD_METHOD_NOT_ALLOWED"
	UpstreamUnavailable   ErrorCode = "SHIELD_UPSTREAM_UNAVAILABLE"
	CircuitOpen           ErrorCode = "SHIELD_CIRCUIT_OPEN"
	UpstreamTimeout       ErrorCode = "SHIELD_UPSTREAM_TIMEOUT"
	RateLimited           ErrorCode = "SHIELD_RATE_LIMITED"
	ClientLimited         ErrorCode = "SHIELD_CLIENT_LIMITED"
	RequestCancelled      ErrorCode = "SHIELD_REQUEST_CANCELLED"
	AuthMissingToken      ErrorCode = "SHIELD_AUTH_MISSING_TOKEN"
	AuthInvalidToken      ErrorCode = "SHIELD_AUTH_INVALID_TOKEN"
	AuthInsufficientScope ErrorCode = "SHIELD_AUTH_INSUFFICIENT_SCOPE"
	Forbidden             ErrorCode = "SHIELD_FORBIDDEN"
	InternalError         ErrorCode = "SHIELD_INTERNAL_ERROR"
	BodyTooLarge          ErrorCode = "SHIELD_BODY_TOO_LARGE"
	DeadlineExceeded      ErrorCode = "SHIELD_DEADLINE_EXCEEDED"
)

// ErrorResponse is the standardized shield error body.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Pre-serialized JSON bodies for the most common error responses.
// Avoids json.Encoder allocation on every error in the hot path.
// These do NOT include request_id since it varies per request.
var (
	preRouteNotFound       = mustMarshal(http.StatusNotFound, RouteNotFound, "no matching route")
	preUpstreamUnavailable = mustMarshal(http.StatusBadGateway, UpstreamUnavailable, "upstream service unavailable")
	preCircuitOpen         = mustMarshal(http.StatusServiceUnavailable, CircuitOpen, "service temporarily degraded")
	preUpstreamTimeout     = mustMarshal(http.StatusGatewayTimeout, UpstreamTimeout, "upstream timed out")
	preAuthMissingToken    = mustMarshal(http.StatusUnauthorized, AuthMissingToken, "missing or malformed Authorization header")
	preRateLimited         = mustMarshal(http.StatusTooManyRequests, RateLimited, "rate limit exceeded, retry later")
	preClientLimited       = mustMarshal(http.StatusTooManyRequests, ClientLimited, "too many requests, slow down")
)

func mustMarshal(status int, code ErrorCode, message string) []byte {
	b, _ := json.Marshal(ErrorResponse{
		Error:     statusText(status),
		ErrorCode: string(code),
		Message:   message,
	})
	return append(b, '\n')
}

// statusText is http.StatusText plus the nginx 499 convention used when a
// client disconnects before the response is written.
func statusText(status int) string {
	if status == 499 {
		return "Client Closed Request"
	}
	return http.StatusText(status)
}

// WriteJSON writes a structured JSON error response. For common error
// code+message combinations, pre-serialized bodies are used (no allocation).
// When request_id is available (from X-Request-ID header), it is included in
// the response. The request parameter may be nil for contexts where the
// request is not available.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, code ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	// Fast path: use pre-serialized body for common errors when there is
	// no request ID to include (avoids allocation).
	requestID := ""
	if r != nil {
		requestID = r.Header.Get("X-Request-ID")
	}

	if requestID == "" {
		if body := preSerialized(status, code, message); body != nil {
			w.Write(body) //nolint:errcheck
			return
		}
	}

	json.NewEncoder(w).Encode(ErrorResponse{
		Error:     statusText(status),
		ErrorCode: string(code),
		Message:   message,
		RequestID: requestID,
	})
}

// preSerialized returns a pre-built response body for common error
// combinations, or nil if no match.
func preSerialized(status int, code ErrorCode, message string) []byte {
	switch {
	case code == RouteNotFound && status == http.StatusNotFound && message == "no matching route":
		return preRouteNotFound
	case code == UpstreamUnavailable && status == http.StatusBadGateway && message == "upstream service unavailable":
		return preUpstreamUnavailable
	case code == CircuitOpen && status == http.StatusServiceUnavailable && message == "service temporarily degraded":
		return preCircuitOpen
	case code == UpstreamTimeout && status == http.StatusGatewayTimeout && message == "upstream timed out":
		return preUpstreamTimeout
	case code == AuthMissingToken && status == http.StatusUnauthorized && message == "missing or malformed Authorization header":
		return preAuthMissingToken
	case code == RateLimited && status == http.StatusTooManyRequests && message == "rate limit exceeded, retry later":
		return preRateLimited
	case code == ClientLimited && status == http.StatusTooManyRequests && message == "too many requests, slow down":
		return preClientLimited
	}
	return nil
}
