package middleware

import "net/http"

// baseSecurityHeaders go on every response regardless of transport.
var baseSecurityHeaders = [...][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"X-XSS-Protection", "0"},
}

const hstsPolicy = "max-age=31536000; includeSubDomains"

// SecurityHeaders stamps conservative browser-protection headers on every
// response. Strict-Transport-Security is added only when the request came
// in over TLS, or when a trusted proxy terminated TLS and says so via
// X-Forwarded-Proto, so plain-HTTP dev setups never pin HSTS in a browser.
func SecurityHeaders() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			for _, kv := range baseSecurityHeaders {
				h.Set(kv[0], kv[1])
			}
			if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
				h.Set("Strict-Transport-Security", hstsPolicy)
			}

			next.ServeHTTP(w, r)
		})
	}
}
