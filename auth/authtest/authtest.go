// Package authtest provides test doubles for the authflight packages: an
// identity provider Manager with scripted behavior and an HTTP server that
// serves an auth configuration document.
package authtest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ggoodman/authflight/auth"
	"github.com/ggoodman/authflight/authconfig"
	"github.com/ggoodman/authflight/provider"
)

// Manager is a scripted provider.Manager. Nil funcs report no token.
type Manager struct {
	StatusValue provider.Status
	StatusErr   error
	RefreshFunc func(ctx context.Context) (auth.TokenInfo, bool, error)
	LoginFunc   func(ctx context.Context) (auth.TokenInfo, error)

	Refreshes atomic.Int32
	Logins    atomic.Int32
}

var _ provider.Manager = (*Manager)(nil)

func (m *Manager) Status(ctx context.Context) (provider.Status, error) {
	return m.StatusValue, m.StatusErr
}

func (m *Manager) Refresh(ctx context.Context) (auth.TokenInfo, bool, error) {
	m.Refreshes.Add(1)
	if m.RefreshFunc == nil {
		return auth.TokenInfo{}, false, nil
	}
	return m.RefreshFunc(ctx)
}

func (m *Manager) Login(ctx context.Context) (auth.TokenInfo, error) {
	m.Logins.Add(1)
	if m.LoginFunc == nil {
		return auth.TokenInfo{}, nil
	}
	return m.LoginFunc(ctx)
}

// Factory returns a provider.Factory handing out m and recording every
// configuration it was asked for.
func (m *Manager) Factory() *Factory {
	return &Factory{manager: m}
}

// Factory is a provider.Factory backed by a single Manager.
type Factory struct {
	manager provider.Manager

	mu      sync.Mutex
	configs []provider.Config
}

var _ provider.Factory = (*Factory)(nil)

func (f *Factory) Manager(ctx context.Context, cfg provider.Config) (provider.Manager, error) {
	f.mu.Lock()
	f.configs = append(f.configs, cfg)
	f.mu.Unlock()
	return f.manager, nil
}

// Configs returns the configurations requested so far.
func (f *Factory) Configs() []provider.Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.Config(nil), f.configs...)
}

// Token returns a valid TokenInfo for access.
func Token(access string) auth.TokenInfo {
	return auth.TokenInfo{AccessToken: access, Valid: true}
}

// ConfigServer serves an authconfig.Config at authconfig.DefaultPath and
// counts the requests for it. Other paths return 404.
type ConfigServer struct {
	*httptest.Server

	hits atomic.Int32
	mu   sync.Mutex
	cfg  authconfig.Config
}

// NewConfigServer starts a ConfigServer serving cfg. It is closed when the
// test ends.
func NewConfigServer(t testing.TB, cfg authconfig.Config) *ConfigServer {
	t.Helper()
	cs := &ConfigServer{cfg: cfg}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimPrefix(r.URL.Path, "/") != authconfig.DefaultPath {
			http.NotFound(w, r)
			return
		}
		cs.hits.Add(1)
		cs.mu.Lock()
		body := cs.cfg
		cs.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(cs.Close)
	return cs
}

// SetConfig replaces the served configuration.
func (cs *ConfigServer) SetConfig(cfg authconfig.Config) {
	cs.mu.Lock()
	cs.cfg = cfg
	cs.mu.Unlock()
}

// Hits reports how many times the configuration was fetched.
func (cs *ConfigServer) Hits() int { return int(cs.hits.Load()) }

// Interactive returns a configuration for an identity-provider backed server.
func Interactive(providerURL string) authconfig.Config {
	return authconfig.Config{
		Method:            auth.MethodInteractive,
		ServerURL:         providerURL,
		ClientID:          "test-client",
		LocalRedirectURLs: []string{"http://127.0.0.1:8749/callback"},
	}
}
