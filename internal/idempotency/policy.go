package idempotency

// Policy controls how the middleware treats requests without a caller-supplied
// Idempotency-Key.
type Policy struct {
	// RequireKey rejects mutating requests that carry no Idempotency-Key
	// with a 400 before the handler runs.
	RequireKey bool

	// AutoGenerate derives a key from the request itself (method, path,
	// query, body) when the caller supplied none. Ignored when RequireKey
	// is set.
	AutoGenerate bool
}

// Strict requires the caller to supply a key. Meant for endpoints whose side
// effects must never run twice on an ambiguous retry.
var Strict = Policy{RequireKey: true}

// Lenient accepts caller keys and derives one when absent, so back-to-back
// identical requests are still deduplicated.
var Lenient = Policy{AutoGenerate: true}

// FromMode maps a route config idempotency mode to its policy.
// Returns false for "off", "", or an unknown mode.
func FromMode(mode string) (Policy, bool) {
	switch mode {
	case "strict":
		return Strict, true
	case "lenient":
		return Lenient, true
	default:
		return Policy{}, false
	}
}
