// Package provider defines the contract between the authflight core and an
// identity provider integration. A Factory builds a Manager for one provider
// configuration; the Manager owns all protocol detail (discovery, refresh,
// interactive login) and token persistence.
package provider

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ggoodman/authflight/auth"
)

// Status is the login status a Manager reports for its provider.
type Status int

const (
	// StatusUnknown means no login has been recorded.
	StatusUnknown Status = iota
	// StatusLoggedIn means credentials are stored for the provider.
	StatusLoggedIn
	// StatusLoggedOut means the user explicitly logged out; no silent refresh
	// may be attempted.
	StatusLoggedOut
)

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusLoggedIn:
		return "logged_in"
	case StatusLoggedOut:
		return "logged_out"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Config describes a single identity provider instance.
type Config struct {
	// Name scopes stored credentials. See NameFor.
	Name        string
	DisplayName string
	// ServerURL is the identity provider's issuer URL.
	ServerURL   string
	ClientID    string
	RedirectURL string
	ProfileName string
}

// Manager acquires tokens for one provider.
type Manager interface {
	// Status reports the recorded login status.
	Status(ctx context.Context) (Status, error)

	// Refresh returns a token without user interaction. ok is false when no
	// token can be obtained silently.
	Refresh(ctx context.Context) (tok auth.TokenInfo, ok bool, err error)

	// Login runs the interactive login flow. It may block until the user
	// completes or abandons it; implementations must honor ctx.
	Login(ctx context.Context) (auth.TokenInfo, error)
}

// Factory returns the Manager for cfg.
type Factory interface {
	Manager(ctx context.Context, cfg Config) (Manager, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(ctx context.Context, cfg Config) (Manager, error)

func (f FactoryFunc) Manager(ctx context.Context, cfg Config) (Manager, error) { return f(ctx, cfg) }

// NameFor derives a provider name from an optional profile name and the
// provider server URL. The profile name wins; otherwise the lower-cased
// server host is used.
func NameFor(profileName, serverURL string) string {
	if p := sanitize(profileName); p != "" {
		return p
	}
	if u, err := url.Parse(serverURL); err == nil && u.Host != "" {
		return sanitize(strings.ToLower(u.Hostname()))
	}
	return sanitize(serverURL)
}

func sanitize(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}
