// Package oidc implements provider.Factory for OpenID Connect identity
// providers. Silent refresh uses the stored refresh token; interactive login
// runs the authorization code flow with PKCE (S256) and receives the code on
// a loopback listener bound to the configured local redirect URL.
package oidc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/ggoodman/authflight/auth"
	"github.com/ggoodman/authflight/internal/jwtexp"
	"github.com/ggoodman/authflight/provider"
	"github.com/ggoodman/authflight/storage"
)

// expiryBuffer is the time before actual expiry when a stored token is
// considered expired, so that in-flight requests do not race its expiry.
const expiryBuffer = 30 * time.Second

// DefaultScopes are requested when no scopes are configured.
var DefaultScopes = []string{oidc.ScopeOpenID, "profile", "email", oidc.ScopeOfflineAccess}

// ErrLoginFailed indicates the interactive login did not produce a code.
var ErrLoginFailed = errors.New("oidc: login failed")

// BrowserFunc presents the authorization URL to the user.
type BrowserFunc func(ctx context.Context, authURL string) error

// Factory builds Managers backed by a shared TokenStore.
type Factory struct {
	store   storage.TokenStore
	http    *http.Client
	scopes  []string
	browser BrowserFunc
	log     *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	managers map[provider.Config]*Manager
}

var _ provider.Factory = (*Factory)(nil)

// Option configures a Factory.
type Option func(*Factory)

// WithHTTPClient sets the client used for discovery and token requests.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Factory) {
		if c != nil {
			f.http = c
		}
	}
}

// WithScopes overrides DefaultScopes.
func WithScopes(scopes ...string) Option {
	return func(f *Factory) { f.scopes = append([]string(nil), scopes...) }
}

// WithBrowser sets how the authorization URL is presented. The default
// prints it to standard error.
func WithBrowser(b BrowserFunc) Option {
	return func(f *Factory) {
		if b != nil {
			f.browser = b
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(f *Factory) {
		if l != nil {
			f.log = l
		}
	}
}

// NewFactory returns a Factory persisting tokens in store.
func NewFactory(store storage.TokenStore, opts ...Option) (*Factory, error) {
	if store == nil {
		return nil, errors.New("oidc: token store is required")
	}
	f := &Factory{
		store:    store,
		http:     &http.Client{Timeout: 30 * time.Second},
		scopes:   DefaultScopes,
		browser:  printURL,
		log:      slog.Default(),
		now:      time.Now,
		managers: make(map[provider.Config]*Manager),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

func printURL(_ context.Context, authURL string) error {
	_, err := fmt.Fprintf(os.Stderr, "Visit this link to complete the login flow in the browser:\n\n%s\n\n", authURL)
	return err
}

// Manager returns the Manager for cfg, reusing a previous instance for an
// identical configuration.
func (f *Factory) Manager(ctx context.Context, cfg provider.Config) (provider.Manager, error) {
	return f.manager(cfg)
}

func (f *Factory) manager(cfg provider.Config) (*Manager, error) {
	if err := storage.ValidateProvider(cfg.Name); err != nil {
		return nil, fmt.Errorf("%w: provider name %q", auth.ErrConfiguration, cfg.Name)
	}
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("%w: provider server URL is required", auth.ErrConfiguration)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.managers[cfg]; ok {
		return m, nil
	}
	m := &Manager{f: f, cfg: cfg}
	f.managers[cfg] = m
	return m, nil
}

// Manager acquires tokens for a single OIDC provider.
type Manager struct {
	f   *Factory
	cfg provider.Config
}

var _ provider.Manager = (*Manager)(nil)

func (m *Manager) clientContext(ctx context.Context) context.Context {
	return oidc.ClientContext(ctx, m.f.http)
}

// discover fetches the provider metadata. The result is not kept: the key set
// it carries is bound to ctx.
func (m *Manager) discover(ctx context.Context) (*oidc.Provider, error) {
	p, err := oidc.NewProvider(m.clientContext(ctx), m.cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	return p, nil
}

func (m *Manager) oauthConfig(p *oidc.Provider) *oauth2.Config {
	return &oauth2.Config{
		ClientID:    m.cfg.ClientID,
		Endpoint:    p.Endpoint(),
		RedirectURL: m.cfg.RedirectURL,
		Scopes:      m.f.scopes,
	}
}

// Status reports the login status recorded in the token store.
func (m *Manager) Status(ctx context.Context) (provider.Status, error) {
	rec, err := m.f.store.Load(ctx, m.cfg.Name)
	if err != nil {
		return provider.StatusUnknown, err
	}
	switch {
	case rec == nil:
		return provider.StatusUnknown, nil
	case rec.LoggedOut:
		return provider.StatusLoggedOut, nil
	default:
		return provider.StatusLoggedIn, nil
	}
}

// Refresh returns the stored access token while it is fresh, otherwise
// exchanges the stored refresh token for a new one.
func (m *Manager) Refresh(ctx context.Context) (auth.TokenInfo, bool, error) {
	rec, err := m.f.store.Load(ctx, m.cfg.Name)
	if err != nil {
		return auth.TokenInfo{}, false, err
	}
	if rec == nil || rec.LoggedOut {
		return auth.TokenInfo{}, false, nil
	}
	if rec.AccessToken != "" && m.fresh(rec.Expiry) {
		return auth.TokenInfo{AccessToken: rec.AccessToken, Expiry: rec.Expiry, Valid: true}, true, nil
	}
	if rec.RefreshToken == "" {
		return auth.TokenInfo{}, false, nil
	}

	p, err := m.discover(ctx)
	if err != nil {
		return auth.TokenInfo{}, false, err
	}
	tok, err := m.oauthConfig(p).TokenSource(m.clientContext(ctx), &oauth2.Token{RefreshToken: rec.RefreshToken}).Token()
	if err != nil {
		return auth.TokenInfo{}, false, fmt.Errorf("oidc refresh: %w", err)
	}
	info, err := m.persist(ctx, tok)
	if err != nil {
		return auth.TokenInfo{}, false, err
	}
	m.f.log.DebugContext(ctx, "oidc.refresh.ok", slog.String("provider", m.cfg.Name))
	return info, true, nil
}

// Login runs the authorization code flow with PKCE.
func (m *Manager) Login(ctx context.Context) (auth.TokenInfo, error) {
	if m.cfg.RedirectURL == "" {
		return auth.TokenInfo{}, fmt.Errorf("%w: redirect URL is required", auth.ErrConfiguration)
	}
	redirect, err := url.Parse(m.cfg.RedirectURL)
	if err != nil || redirect.Host == "" {
		return auth.TokenInfo{}, fmt.Errorf("%w: invalid redirect URL %q", auth.ErrConfiguration, m.cfg.RedirectURL)
	}

	p, err := m.discover(ctx)
	if err != nil {
		return auth.TokenInfo{}, err
	}
	conf := m.oauthConfig(p)

	// Only we know the verifier, so only we can exchange the code.
	verifier := oauth2.GenerateVerifier()
	state := uuid.NewString()
	authURL := conf.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))

	name := m.cfg.DisplayName
	if name == "" {
		name = m.cfg.Name
	}
	m.f.log.InfoContext(ctx, "oidc.login.start", slog.String("provider", name))

	code, err := awaitCode(ctx, redirect, state, func() error { return m.f.browser(ctx, authURL) })
	if err != nil {
		return auth.TokenInfo{}, err
	}

	tok, err := conf.Exchange(m.clientContext(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return auth.TokenInfo{}, fmt.Errorf("oidc code exchange: %w", err)
	}
	if raw, ok := tok.Extra("id_token").(string); ok && raw != "" {
		if _, err := p.Verifier(&oidc.Config{ClientID: m.cfg.ClientID}).Verify(m.clientContext(ctx), raw); err != nil {
			return auth.TokenInfo{}, fmt.Errorf("oidc id token: %w", err)
		}
	}
	info, err := m.persist(ctx, tok)
	if err != nil {
		return auth.TokenInfo{}, err
	}
	m.f.log.InfoContext(ctx, "oidc.login.ok", slog.String("provider", name))
	return info, nil
}

// Logout records an explicit logout, discarding stored tokens.
func (m *Manager) Logout(ctx context.Context) error {
	return m.f.store.Save(ctx, m.cfg.Name, &storage.Record{LoggedOut: true})
}

func (m *Manager) fresh(exp time.Time) bool {
	return exp.IsZero() || m.f.now().Add(expiryBuffer).Before(exp)
}

func (m *Manager) persist(ctx context.Context, tok *oauth2.Token) (auth.TokenInfo, error) {
	rec := &storage.Record{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.Type(),
		Expiry:       jwtexp.ExpiryOr(tok.Expiry, tok.AccessToken),
	}
	if raw, ok := tok.Extra("id_token").(string); ok {
		rec.IDToken = raw
	}
	if err := m.f.store.Save(ctx, m.cfg.Name, rec); err != nil {
		return auth.TokenInfo{}, fmt.Errorf("oidc: save token: %w", err)
	}
	return auth.TokenInfo{AccessToken: rec.AccessToken, Expiry: rec.Expiry, Valid: rec.AccessToken != ""}, nil
}

// awaitCode serves the redirect URL on the loopback interface, presents the
// authorization URL and waits for the provider to redirect back with a code.
func awaitCode(ctx context.Context, redirect *url.URL, state string, present func() error) (string, error) {
	ln, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return "", fmt.Errorf("oidc: listen on %s: %w", redirect.Host, err)
	}

	type result struct {
		code string
		err  error
	}
	results := make(chan result, 1)
	deliver := func(r result) {
		select {
		case results <- r:
		default:
		}
	}

	path := redirect.Path
	if path == "" {
		path = "/"
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case q.Get("error") != "":
			http.Error(w, "Login failed. You may close this window.", http.StatusBadRequest)
			deliver(result{err: fmt.Errorf("%w: %s: %s", ErrLoginFailed, q.Get("error"), q.Get("error_description"))})
		case q.Get("state") != state:
			http.Error(w, "Invalid login state.", http.StatusBadRequest)
			deliver(result{err: fmt.Errorf("%w: state mismatch", ErrLoginFailed)})
		case q.Get("code") == "":
			http.Error(w, "Missing authorization code.", http.StatusBadRequest)
			deliver(result{err: fmt.Errorf("%w: missing code", ErrLoginFailed)})
		default:
			_, _ = fmt.Fprintln(w, "Login complete. You may close this window.")
			deliver(result{code: q.Get("code")})
		}
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() { _ = srv.Serve(ln) }()
	defer func() { _ = srv.Close() }()

	if err := present(); err != nil {
		return "", fmt.Errorf("oidc: present login URL: %w", err)
	}

	select {
	case r := <-results:
		return r.code, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
