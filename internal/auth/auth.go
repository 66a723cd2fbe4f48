// Package auth validates the bearer tokens that protect mutating ops
// endpoints.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims represents the validated claims of an accepted ops token.
type Claims struct {
	Subject  string   `json:"sub"`
	Issuer   string   `json:"iss"`
	Audience string   `json:"aud"`
	Scopes   []string `json:"scopes"`
}

// HasScope reports whether the token carries the named scope.
func (c *Claims) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// opsClaims is the wire shape of an ops token. The scope claim uses the
// OAuth2 space-separated convention; everything else is standard JWT.
type opsClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 ops tokens against a shared secret, issuer, and
// audience.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
}

// NewVerifier creates a Verifier for the given secret and expected
// issuer/audience claims.
func NewVerifier(secret, issuer, audience string) *Verifier {
	return &Verifier{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
	}
}

// Verify parses and validates a token, then checks that every required
// scope is present. A valid token missing a scope returns a *ScopeError so
// callers can answer 403 instead of 401.
func (v *Verifier) Verify(tokenStr string, requiredScopes ...string) (*Claims, error) {
	var raw opsClaims
	_, err := jwt.ParseWithClaims(tokenStr, &raw,
		func(*jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verifying ops token: %w", err)
	}

	claims := &Claims{
		Subject: raw.Subject,
		Issuer:  raw.Issuer,
		Scopes:  strings.Fields(raw.Scope),
	}
	// jwt.ClaimStrings absorbs both the single-string and array forms of aud.
	if len(raw.Audience) > 0 {
		claims.Audience = raw.Audience[0]
	}

	for _, required := range requiredScopes {
		if !claims.HasScope(required) {
			return nil, &ScopeError{MissingScope: required}
		}
	}

	return claims, nil
}

// ScopeError indicates the token is valid but lacks a required scope.
type ScopeError struct {
	MissingScope string
}

func (e *ScopeError) Error() string {
	return "missing required scope: " + e.MissingScope
}

// IsScopeError reports whether err is a scope rejection rather than an
// invalid token.
func IsScopeError(err error) bool {
	var se *ScopeError
	return errors.As(err, &se)
}

const bearerPrefix = "Bearer "

// ExtractBearerToken pulls the token out of an Authorization: Bearer
// header. The bool is false when the header is absent or malformed.
func ExtractBearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if len(h) < len(bearerPrefix) || !strings.EqualFold(h[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(h[len(bearerPrefix):])
	return token, token != ""
}
