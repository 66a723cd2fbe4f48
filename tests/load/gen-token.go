//go:build ignore

// gen-token mints an HS256 ops token for load and smoke testing:
//
//	go run gen-token.go -scope "ops:read ops:write" | pbcopy
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func main() {
	var (
		secret   = flag.String("secret", os.Getenv("OPS_TOKEN_SECRET"), "HS256 signing secret (defaults to $OPS_TOKEN_SECRET)")
		issuer   = flag.String("issuer", "https://auth.dealstack.dev", "iss claim")
		audience = flag.String("audience", "resilience-ops", "aud claim")
		subject  = flag.String("sub", "loadtest-operator", "sub claim")
		scope    = flag.String("scope", "ops:read ops:write", "space-separated scope claim")
		expiry   = flag.Duration("expiry", 2*time.Hour, "token lifetime")
	)
	flag.Parse()

	if *secret == "" {
		fmt.Fprintln(os.Stderr, "error: no signing secret (set -secret or $OPS_TOKEN_SECRET)")
		os.Exit(1)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   *subject,
		"iss":   *issuer,
		"aud":   *audience,
		"exp":   time.Now().Add(*expiry).Unix(),
		"scope": *scope,
	})
	s, err := token.SignedString([]byte(*secret))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(s)
}
