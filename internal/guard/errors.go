package guard

import (
	"errors"
	"fmt"
	"math"
	"net/http"

	"github.com/dealstack/resilience-core/internal/ratelimit"
)

// ErrThrottled matches any throttle denial with errors.Is.
var ErrThrottled = errors.New("guard: rate limit exceeded")

// ThrottledError is returned when a service's rate budget denies a call.
// The dependency was never invoked; the embedded Result carries the
// remaining budget and the retry hint.
type ThrottledError struct {
	Service string
	Result  ratelimit.Result
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Service, e.Result.RetryAfter)
}

func (e *ThrottledError) Is(target error) bool {
	return target == ErrThrottled
}

// RetryAfterSeconds converts the limiter's retry hint into whole seconds
// for the Retry-After header, rounding up so clients never retry early.
func (e *ThrottledError) RetryAfterSeconds() int {
	secs := int(math.Ceil(e.Result.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// UpstreamStatusError marks a completed round trip whose status counted
// against the breaker. The response itself is still delivered to the
// client; only the breaker's failure accounting sees this error.
type UpstreamStatusError struct {
	Service    string
	StatusCode int
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream %s returned %d %s", e.Service, e.StatusCode, http.StatusText(e.StatusCode))
}
