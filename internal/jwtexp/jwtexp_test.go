package jwtexp

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	tok := sign(t, jwt.MapClaims{"sub": "user", "exp": exp.Unix()})

	got, ok := Expiry(tok)
	if !ok {
		t.Fatalf("expected expiry")
	}
	if !got.Equal(exp) {
		t.Fatalf("expiry = %v, want %v", got, exp)
	}
}

func TestExpiry_ExpiredTokenStillParses(t *testing.T) {
	exp := time.Now().Add(-time.Hour).Truncate(time.Second)
	tok := sign(t, jwt.MapClaims{"exp": exp.Unix()})
	got, ok := Expiry(tok)
	if !ok || !got.Equal(exp) {
		t.Fatalf("Expiry = %v, %v; want %v", got, ok, exp)
	}
}

func TestExpiry_NotAJWT(t *testing.T) {
	for _, tok := range []string{"", "opaque-token", "a.b.c"} {
		if _, ok := Expiry(tok); ok {
			t.Fatalf("Expiry(%q) reported ok", tok)
		}
	}
	if _, ok := Expiry(sign(t, jwt.MapClaims{"sub": "no-exp"})); ok {
		t.Fatalf("token without exp reported ok")
	}
}

func TestExpiryOr(t *testing.T) {
	explicit := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	tok := sign(t, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
	if got := ExpiryOr(explicit, tok); !got.Equal(explicit) {
		t.Fatalf("explicit expiry ignored: %v", got)
	}
	if got := ExpiryOr(time.Time{}, tok); got.IsZero() {
		t.Fatalf("token expiry not used")
	}
	if got := ExpiryOr(time.Time{}, "opaque"); !got.IsZero() {
		t.Fatalf("opaque token produced expiry %v", got)
	}
}
