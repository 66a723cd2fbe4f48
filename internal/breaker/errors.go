package breaker

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies how a protected call failed.
type Kind int

const (
	// KindUpstream is a failure produced by the dependency itself. The
	// original error is propagated unchanged.
	KindUpstream Kind = iota

	// KindGated means the circuit was open and the dependency was never
	// called. Retryable once the reset timeout elapses.
	KindGated

	// KindTimedOut means the call did not settle within the breaker's
	// timeout budget. The call may still have completed on the far side.
	KindTimedOut
)

func (k Kind) String() string {
	switch k {
	case KindGated:
		return "gated"
	case KindTimedOut:
		return "timed_out"
	default:
		return "upstream"
	}
}

// Sentinel errors for matching with errors.Is.
var (
	// ErrGated matches any gated (circuit open) breaker error.
	ErrGated = errors.New("breaker: circuit open")

	// ErrTimedOut matches any breaker timeout error.
	ErrTimedOut = errors.New("breaker: timeout")
)

// Error is returned by Execute when the breaker itself refuses or stops
// waiting for a call. Upstream failures are never wrapped in an Error.
type Error struct {
	Kind    Kind
	Name    string        // breaker name
	Timeout time.Duration // expired budget, set for KindTimedOut
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindGated:
		return fmt.Sprintf("Circuit breaker %s is OPEN - failing fast", e.Name)
	case KindTimedOut:
		return fmt.Sprintf("Timeout after %dms", e.Timeout.Milliseconds())
	default:
		return fmt.Sprintf("circuit breaker %s error", e.Name)
	}
}

// Is matches the sentinel corresponding to the error's Kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrGated:
		return e.Kind == KindGated
	case ErrTimedOut:
		return e.Kind == KindTimedOut
	}
	return false
}

// KindOf classifies a non-nil error returned by Execute. Anything that is
// not a breaker error, including context and network errors from the
// wrapped call, is upstream.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindUpstream
}
