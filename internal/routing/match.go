// Package routing provides shared route-matching helpers used by multiple
// shield packages (guard, middleware, idempotency).
package routing

import "strings"

// MatchesPrefix reports whether path falls under the route prefix, with
// segment-boundary enforcement: "/api" covers "/api" and "/api/deals" but
// not "/api.evil.com" or "/apiary". A prefix ending in "/" covers every
// continuation.
func MatchesPrefix(path, prefix string) bool {
	if prefix == "" {
		return false
	}
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok {
		return false
	}
	return rest == "" || strings.HasSuffix(prefix, "/") || rest[0] == '/'
}
