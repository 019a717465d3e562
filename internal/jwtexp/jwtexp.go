// Package jwtexp reads the expiry of JWT-formatted access tokens without
// verifying them. The client is not the audience of its access tokens and
// never validates their signature; it only needs to know when to stop using
// them.
package jwtexp

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Expiry returns the "exp" claim of tok. ok is false when tok is not a JWT or
// carries no expiry.
func Expiry(tok string) (exp time.Time, ok bool) {
	if tok == "" {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		return time.Time{}, false
	}
	nd, err := claims.GetExpirationTime()
	if err != nil || nd == nil {
		return time.Time{}, false
	}
	return nd.Time, true
}

// ExpiryOr returns explicit when it is non-zero, otherwise the token's own
// expiry claim, otherwise the zero time.
func ExpiryOr(explicit time.Time, tok string) time.Time {
	if !explicit.IsZero() {
		return explicit
	}
	if exp, ok := Expiry(tok); ok {
		return exp
	}
	return time.Time{}
}
