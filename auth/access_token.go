package auth

import (
	"strings"
	"time"
)

// TokenInfo describes an access token obtained from an identity provider.
// Values are never mutated; a refreshed token replaces the old one wholesale.
type TokenInfo struct {
	AccessToken string
	// Expiry is the instant the token stops being accepted. The zero value
	// means no expiry is known and the token is never considered expired
	// locally.
	Expiry time.Time
	Valid  bool
}

// Expired reports whether the token has a known expiry at or before now.
func (t TokenInfo) Expired(now time.Time) bool {
	return !t.Expiry.IsZero() && !t.Expiry.After(now)
}

// Usable reports whether the token may be attached to a request at now.
func (t TokenInfo) Usable(now time.Time) bool {
	return t.Valid && t.AccessToken != "" && !t.Expired(now)
}

const bearerScheme = "Bearer"

// Header is an Authorization header value.
type Header struct {
	Scheme string
	Token  string
}

// BearerHeader wraps an access token as a Bearer header.
func BearerHeader(token string) Header {
	return Header{Scheme: bearerScheme, Token: token}
}

// ParseHeader parses an Authorization header value of the form
// "<scheme> <token>". The scheme is matched case-insensitively.
func ParseHeader(v string) (Header, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(v), " ")
	token = strings.TrimSpace(token)
	if !ok || scheme == "" || token == "" {
		return Header{}, false
	}
	if strings.EqualFold(scheme, bearerScheme) {
		scheme = bearerScheme
	}
	return Header{Scheme: scheme, Token: token}, true
}

// IsZero reports whether h carries no credential.
func (h Header) IsZero() bool { return h.Token == "" }

// String renders the header value, e.g. "Bearer abc".
func (h Header) String() string {
	if h.IsZero() {
		return ""
	}
	scheme := h.Scheme
	if scheme == "" {
		scheme = bearerScheme
	}
	return scheme + " " + h.Token
}

// SameToken reports whether h and other carry the same credential.
func (h Header) SameToken(other Header) bool {
	return !h.IsZero() && h.Token == other.Token
}
