// Package credential resolves statically configured credentials: an explicit
// access token option, or a server URL and token pair taken from the
// environment. Resolution is synchronous, performs no network I/O and is
// repeated on every call so that environment changes are picked up.
package credential

import (
	"errors"
	"net/url"
	"strings"

	"github.com/joeshaw/envdecode"

	"github.com/ggoodman/authflight/auth"
)

// Env is the environment-sourced credential. ENV: AUTHFLIGHT_SERVER_URL,
// AUTHFLIGHT_TOKEN.
type Env struct {
	ServerURL string `env:"AUTHFLIGHT_SERVER_URL"`
	Token     string `env:"AUTHFLIGHT_TOKEN"`
}

// Resolver implements the static fast path consulted before any dynamic
// acquisition.
type Resolver struct {
	accessToken string
	serverURL   string
	decodeEnv   func(*Env) error
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithAccessToken configures an explicit access token that bypasses every
// other source.
func WithAccessToken(token string) Option {
	return func(r *Resolver) { r.accessToken = strings.TrimSpace(token) }
}

// WithServerURL sets the server the caller talks to. When set, environment
// credentials are only honored if AUTHFLIGHT_SERVER_URL names the same host.
func WithServerURL(u string) Option {
	return func(r *Resolver) { r.serverURL = strings.TrimSpace(u) }
}

// WithEnvDecoder replaces the environment lookup. Intended for tests.
func WithEnvDecoder(decode func(*Env) error) Option {
	return func(r *Resolver) { r.decodeEnv = decode }
}

// NewResolver returns a Resolver configured by opts.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{decodeEnv: decodeEnv}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func decodeEnv(e *Env) error {
	err := envdecode.Decode(e)
	if errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil
	}
	return err
}

// TryResolve returns a Bearer header from static configuration, if any.
func (r *Resolver) TryResolve() (auth.Header, bool) {
	if r == nil {
		return auth.Header{}, false
	}
	if r.accessToken != "" {
		return auth.BearerHeader(r.accessToken), true
	}

	var env Env
	if err := r.decodeEnv(&env); err != nil {
		return auth.Header{}, false
	}
	env.ServerURL = strings.TrimSpace(env.ServerURL)
	env.Token = strings.TrimSpace(env.Token)
	if env.ServerURL == "" || env.Token == "" {
		return auth.Header{}, false
	}
	if r.serverURL != "" && !sameHost(r.serverURL, env.ServerURL) {
		return auth.Header{}, false
	}
	return auth.BearerHeader(env.Token), true
}

func sameHost(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil || ua.Host == "" {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil || ub.Host == "" {
		return false
	}
	return strings.EqualFold(ua.Hostname(), ub.Hostname())
}
