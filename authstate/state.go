// Package authstate holds the credential state shared by every request sent
// to one server. Concurrent callers that need a credential share a single
// acquisition (auth-config fetch, silent refresh, interactive login) and its
// cached outcome until it is invalidated.
//
// A State is explicitly constructed and owned by the caller. Close tears down
// any acquisition in flight; the State remains usable afterwards.
package authstate

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ggoodman/authflight/auth"
	"github.com/ggoodman/authflight/authconfig"
	"github.com/ggoodman/authflight/credential"
	"github.com/ggoodman/authflight/internal/flight"
	"github.com/ggoodman/authflight/internal/logctx"
	"github.com/ggoodman/authflight/provider"
	"github.com/ggoodman/authflight/provider/oidc"
	"github.com/ggoodman/authflight/storage/memory"
)

// State is the single-flight credential cache for one server.
type State struct {
	serverURL  string
	httpClient *http.Client
	configPath string
	resolver   *credential.Resolver
	factory    provider.Factory
	log        *slog.Logger
	now        func() time.Time

	config    *authconfig.Client
	configErr error

	slot flight.Slot[auth.State]

	mu       sync.Mutex
	lifetime context.Context
	cancel   context.CancelCauseFunc
}

// Option configures a State.
type Option func(*State)

// WithHTTPClient sets the client used to fetch the auth configuration and,
// for the default provider factory, to talk to the identity provider.
func WithHTTPClient(c *http.Client) Option {
	return func(s *State) { s.httpClient = c }
}

// WithResolver replaces the static credential resolver. The default resolver
// honors AUTHFLIGHT_SERVER_URL and AUTHFLIGHT_TOKEN for the State's server.
func WithResolver(r *credential.Resolver) Option {
	return func(s *State) { s.resolver = r }
}

// WithProviderFactory sets the identity provider integration. The default is
// an OIDC factory keeping tokens in memory.
func WithProviderFactory(f provider.Factory) Option {
	return func(s *State) { s.factory = f }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *State) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock overrides time.Now for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *State) {
		if now != nil {
			s.now = now
		}
	}
}

// WithAuthConfigPath overrides authconfig.DefaultPath.
func WithAuthConfigPath(p string) Option {
	return func(s *State) { s.configPath = p }
}

// New returns a State for the server at serverURL. An unusable server URL is
// not reported here: static credentials still work, and acquisition fails
// with auth.ErrConfiguration.
func New(serverURL string, opts ...Option) (*State, error) {
	s := &State{
		serverURL: serverURL,
		log:       slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logctx.Wrap(s.log)
	if s.resolver == nil {
		s.resolver = credential.NewResolver(credential.WithServerURL(serverURL))
	}

	cfgOpts := []authconfig.Option{authconfig.WithLogger(s.log), authconfig.WithHTTPClient(s.httpClient)}
	if s.configPath != "" {
		cfgOpts = append(cfgOpts, authconfig.WithPath(s.configPath))
	}
	s.config, s.configErr = authconfig.New(serverURL, cfgOpts...)

	if s.factory == nil {
		f, err := oidc.NewFactory(memory.New(), oidc.WithHTTPClient(s.httpClient), oidc.WithLogger(s.log))
		if err != nil {
			return nil, fmt.Errorf("authstate: default provider factory: %w", err)
		}
		s.factory = f
	}

	s.lifetime, s.cancel = context.WithCancelCause(context.Background())
	return s, nil
}

// ServerURL returns the server this State acquires credentials for.
func (s *State) ServerURL() string { return s.serverURL }

// IsAuthenticated reports, without blocking or acquiring, whether a static
// credential is configured or the cached state is authorized.
func (s *State) IsAuthenticated() bool {
	if _, ok := s.resolver.TryResolve(); ok {
		return true
	}
	st, ok := s.slot.Peek()
	return ok && auth.IsAuthorized(st, s.now())
}

// Method returns the authentication method of the cached state, if any.
func (s *State) Method() (auth.Method, bool) {
	st, ok := s.slot.Peek()
	if !ok {
		return 0, false
	}
	return st.Method(), true
}

// StaticHeader returns the statically configured credential, if any.
func (s *State) StaticHeader() (auth.Header, bool) {
	return s.resolver.TryResolve()
}

// CachedHeader returns the header of the cached state without blocking. A
// static credential takes precedence.
func (s *State) CachedHeader() (auth.Header, bool) {
	if h, ok := s.resolver.TryResolve(); ok {
		return h, true
	}
	st, ok := s.slot.Peek()
	if !ok {
		return auth.Header{}, false
	}
	return auth.HeaderOf(st)
}

// Invalidate discards the cached state. An acquisition in progress is left
// running and its result is cached when it completes.
func (s *State) Invalidate() {
	if s.slot.Reset() {
		s.log.Debug("authstate.invalidate")
	}
}

// InvalidateHeader discards the cached state only if it carries the same
// token as h, and reports whether it did. A state refreshed by another caller
// since h was observed is kept.
func (s *State) InvalidateHeader(h auth.Header) bool {
	cleared := s.slot.ResetIf(func(st auth.State) bool {
		cur, ok := auth.HeaderOf(st)
		return ok && cur.SameToken(h)
	})
	if cleared {
		s.log.Debug("authstate.invalidate.header")
	}
	return cleared
}

// TryGetHeader returns the header to attach to a request. Static credentials
// are returned without touching the shared state. Otherwise the caller joins
// the acquisition in progress, or starts one, and waits for it; ctx bounds
// only this caller's wait. ok is false for anonymous servers and when no
// token could be obtained without a login that allowLogin forbids.
func (s *State) TryGetHeader(ctx context.Context, allowLogin bool) (auth.Header, bool, error) {
	if h, ok := s.resolver.TryResolve(); ok {
		return h, true, nil
	}
	st, err := s.Current(ctx, allowLogin)
	if err != nil {
		return auth.Header{}, false, err
	}
	h, ok := auth.HeaderOf(st)
	return h, ok, nil
}

// Refresh discards the cached state and acquires a new one.
func (s *State) Refresh(ctx context.Context, allowLogin bool) (auth.Header, bool, error) {
	s.Invalidate()
	return s.TryGetHeader(ctx, allowLogin)
}

// Current returns the shared acquisition outcome, acquiring it if needed.
// Static credentials are not consulted.
//
// A cached Authorized state whose token has expired is discarded first, as
// is a cached Unauthorized state when the caller allows a login.
func (s *State) Current(ctx context.Context, allowLogin bool) (auth.State, error) {
	now := s.now()
	s.slot.ResetIf(func(st auth.State) bool {
		switch v := st.(type) {
		case auth.Authorized:
			return v.Token.Expired(now)
		case auth.Unauthorized:
			return allowLogin
		default:
			return false
		}
	})

	return s.slot.Do(ctx, s.lifetimeContext(), func(ctx context.Context) (auth.State, error) {
		return s.acquire(ctx, allowLogin)
	})
}

func (s *State) lifetimeContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lifetime
}

// Close cancels any acquisition in progress, waits for it to unwind and
// clears the cache. Callers waiting on the cancelled acquisition receive an
// error wrapping auth.ErrClosed. Subsequent calls start a fresh acquisition.
func (s *State) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	cancel(auth.ErrClosed)
	s.slot.Wait()
	s.slot.Reset()

	s.mu.Lock()
	s.lifetime, s.cancel = context.WithCancelCause(context.Background())
	s.mu.Unlock()

	s.log.Debug("authstate.close")
	return nil
}
