// Package guard composes the shield's fault-tolerance primitives into one
// call envelope: a rate limiter gate in front of a circuit breaker in front
// of the dependency call. Outbound work goes through Run or Do; the HTTP
// data plane in proxy.go routes reverse-proxied round trips through the
// same envelope.
package guard

import (
	"context"

	"github.com/dealstack/resilience-core/internal/breaker"
	"github.com/dealstack/resilience-core/internal/idempotency"
	"github.com/dealstack/resilience-core/internal/ratelimit"
)

// Registry holds the shield's shared fault-tolerance state. One Registry is
// built in main and injected everywhere; there are no package-level
// singletons.
type Registry struct {
	Breakers    *breaker.Manager
	Limiters    *ratelimit.Manager
	Idempotency *idempotency.Store
}

// NewRegistry bundles the managers into a Registry.
func NewRegistry(breakers *breaker.Manager, limiters *ratelimit.Manager, store *idempotency.Store) *Registry {
	return &Registry{
		Breakers:    breakers,
		Limiters:    limiters,
		Idempotency: store,
	}
}

// Run executes fn under the named service's rate budget and circuit
// breaker. The limiter is consulted first: on denial fn is never invoked
// and a *ThrottledError carrying the limiter decision is returned. On an
// allowed call the breaker takes over; its gating, timeout, and failure
// accounting apply unchanged.
func (reg *Registry) Run(ctx context.Context, service string, fn func(context.Context) error) error {
	res := reg.Limiters.Consume(service, 1)
	if !res.Allowed {
		return &ThrottledError{Service: service, Result: res}
	}
	return reg.Breakers.Execute(ctx, service, fn)
}

// Do is the value-returning form of Run. On a throttle denial or breaker
// error the zero value is returned alongside the error.
func Do[T any](ctx context.Context, reg *Registry, service string, fn func(context.Context) (T, error)) (T, error) {
	res := reg.Limiters.Consume(service, 1)
	if !res.Allowed {
		var zero T
		return zero, &ThrottledError{Service: service, Result: res}
	}
	return breaker.Do(ctx, reg.Breakers.Get(service), fn)
}
