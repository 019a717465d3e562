package oidc

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ggoodman/authflight/provider"
	"github.com/ggoodman/authflight/storage"
	"github.com/ggoodman/authflight/storage/memory"
)

const testClientID = "cli-client"

type mockIssuer struct {
	t      *testing.T
	srv    *httptest.Server
	issuer string
	pk     *rsa.PrivateKey
	kid    string
	jwks   []byte

	mu         sync.Mutex
	challenges map[string]string // code -> code_challenge
	refreshes  atomic.Int32
	exchanges  atomic.Int32
	badIDToken bool
}

func newMockIssuer(t *testing.T) *mockIssuer {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	m := &mockIssuer{t: t, pk: pk, kid: "test-key", challenges: make(map[string]string)}
	set := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{{Key: &pk.PublicKey, KeyID: m.kid, Algorithm: "RS256", Use: "sig"}}}
	if m.jwks, err = json.Marshal(set); err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                                m.issuer,
			"jwks_uri":                              m.issuer + "/keys",
			"authorization_endpoint":                m.issuer + "/oauth2/auth",
			"token_endpoint":                        m.issuer + "/oauth2/token",
			"response_types_supported":              []string{"code"},
			"code_challenge_methods_supported":      []string{"S256"},
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(m.jwks)
	})
	mux.HandleFunc("/oauth2/token", m.token)
	m.srv = httptest.NewServer(mux)
	m.issuer = m.srv.URL
	t.Cleanup(m.srv.Close)
	return m
}

func (m *mockIssuer) sign(claims jwt.MapClaims) string {
	m.t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = m.kid
	s, err := tok.SignedString(m.pk)
	if err != nil {
		m.t.Fatalf("sign: %v", err)
	}
	return s
}

// authorize stands in for the user approving the login in a browser.
func (m *mockIssuer) authorize(ctx context.Context, authURL string) error {
	u, err := url.Parse(authURL)
	if err != nil {
		return err
	}
	q := u.Query()
	if q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "" {
		return fmt.Errorf("missing PKCE challenge in %s", authURL)
	}
	if q.Get("client_id") != testClientID {
		return fmt.Errorf("unexpected client_id %q", q.Get("client_id"))
	}
	code := fmt.Sprintf("code-%d", time.Now().UnixNano())
	m.mu.Lock()
	m.challenges[code] = q.Get("code_challenge")
	m.mu.Unlock()

	redirect, err := url.Parse(q.Get("redirect_uri"))
	if err != nil {
		return err
	}
	rq := redirect.Query()
	rq.Set("code", code)
	rq.Set("state", q.Get("state"))
	redirect.RawQuery = rq.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, redirect.String(), nil)
	if err != nil {
		return err
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	_ = res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("callback status %d", res.StatusCode)
	}
	return nil
}

func (m *mockIssuer) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	now := time.Now()
	resp := map[string]any{"token_type": "Bearer", "expires_in": 3600}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		code := r.PostForm.Get("code")
		m.mu.Lock()
		challenge, ok := m.challenges[code]
		delete(m.challenges, code)
		m.mu.Unlock()
		sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
		if !ok || base64.RawURLEncoding.EncodeToString(sum[:]) != challenge {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		m.exchanges.Add(1)
		aud := testClientID
		if m.badIDToken {
			aud = "someone-else"
		}
		resp["access_token"] = m.sign(jwt.MapClaims{"sub": "user-1", "exp": now.Add(time.Hour).Unix()})
		resp["refresh_token"] = "refresh-1"
		resp["id_token"] = m.sign(jwt.MapClaims{
			"iss": m.issuer,
			"sub": "user-1",
			"aud": aud,
			"exp": now.Add(time.Hour).Unix(),
			"iat": now.Unix(),
		})
	case "refresh_token":
		if r.PostForm.Get("refresh_token") != "refresh-1" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		n := m.refreshes.Add(1)
		resp["access_token"] = fmt.Sprintf("refreshed-%d", n)
	default:
		http.Error(w, "unsupported grant", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func freeRedirect(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return "http://" + addr + "/callback"
}

func newManager(t *testing.T, m *mockIssuer, store storage.TokenStore, opts ...Option) *Manager {
	t.Helper()
	f, err := NewFactory(store, append([]Option{WithBrowser(m.authorize)}, opts...)...)
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	mgr, err := f.Manager(context.Background(), provider.Config{
		Name:        "corp",
		ServerURL:   m.issuer,
		ClientID:    testClientID,
		RedirectURL: freeRedirect(t),
	})
	if err != nil {
		t.Fatalf("Manager: %v", err)
	}
	return mgr.(*Manager)
}

func TestLogin_PKCEFlow(t *testing.T) {
	iss := newMockIssuer(t)
	store := memory.New()
	mgr := newManager(t, iss, store)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if st, err := mgr.Status(ctx); err != nil || st != provider.StatusUnknown {
		t.Fatalf("Status before login = %v, %v", st, err)
	}

	info, err := mgr.Login(ctx)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !info.Valid || info.AccessToken == "" {
		t.Fatalf("unexpected token info %+v", info)
	}
	if info.Expiry.IsZero() || info.Expiry.Before(time.Now()) {
		t.Fatalf("expected future expiry, got %v", info.Expiry)
	}
	if iss.exchanges.Load() != 1 {
		t.Fatalf("expected one code exchange, got %d", iss.exchanges.Load())
	}

	rec, err := store.Load(ctx, "corp")
	if err != nil || rec == nil {
		t.Fatalf("Load: %v %v", rec, err)
	}
	if rec.RefreshToken != "refresh-1" || rec.IDToken == "" {
		t.Fatalf("unexpected stored record %+v", rec)
	}
	if st, _ := mgr.Status(ctx); st != provider.StatusLoggedIn {
		t.Fatalf("Status after login = %v", st)
	}
}

func TestLogin_RejectsIDTokenForOtherAudience(t *testing.T) {
	iss := newMockIssuer(t)
	iss.badIDToken = true
	store := memory.New()
	mgr := newManager(t, iss, store)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := mgr.Login(ctx); err == nil {
		t.Fatalf("expected id token verification failure")
	}
	if rec, _ := store.Load(ctx, "corp"); rec != nil {
		t.Fatalf("nothing should be stored after a failed login, got %+v", rec)
	}
}

func TestLogin_CancelledWhileWaiting(t *testing.T) {
	iss := newMockIssuer(t)
	presented := make(chan struct{})
	mgr := newManager(t, iss, memory.New(), WithBrowser(func(ctx context.Context, authURL string) error {
		close(presented)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := mgr.Login(ctx)
		errCh <- err
	}()
	<-presented
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Login did not return after cancellation")
	}
}

func TestRefresh(t *testing.T) {
	iss := newMockIssuer(t)
	store := memory.New()
	mgr := newManager(t, iss, store)
	ctx := context.Background()

	if _, ok, err := mgr.Refresh(ctx); ok || err != nil {
		t.Fatalf("Refresh with empty store = %v, %v", ok, err)
	}

	// A fresh stored token is returned without contacting the issuer.
	_ = store.Save(ctx, "corp", &storage.Record{AccessToken: "stored", Expiry: time.Now().Add(time.Hour)})
	info, ok, err := mgr.Refresh(ctx)
	if err != nil || !ok || info.AccessToken != "stored" {
		t.Fatalf("Refresh fresh = %+v %v %v", info, ok, err)
	}
	if iss.refreshes.Load() != 0 {
		t.Fatalf("unexpected refresh grant")
	}

	// An expired token is renewed with the refresh token and persisted.
	_ = store.Save(ctx, "corp", &storage.Record{AccessToken: "stale", RefreshToken: "refresh-1", Expiry: time.Now().Add(-time.Minute)})
	info, ok, err = mgr.Refresh(ctx)
	if err != nil || !ok || info.AccessToken != "refreshed-1" {
		t.Fatalf("Refresh expired = %+v %v %v", info, ok, err)
	}
	rec, _ := store.Load(ctx, "corp")
	if rec.AccessToken != "refreshed-1" || rec.RefreshToken != "refresh-1" {
		t.Fatalf("refreshed record not persisted: %+v", rec)
	}

	// Expired without a refresh token cannot be renewed silently.
	_ = store.Save(ctx, "corp", &storage.Record{AccessToken: "stale", Expiry: time.Now().Add(-time.Minute)})
	if _, ok, err := mgr.Refresh(ctx); ok || err != nil {
		t.Fatalf("Refresh without refresh token = %v, %v", ok, err)
	}

	// A rejected refresh token is an error.
	_ = store.Save(ctx, "corp", &storage.Record{RefreshToken: "revoked"})
	if _, _, err := mgr.Refresh(ctx); err == nil {
		t.Fatalf("expected error for rejected refresh token")
	}
}

func TestLogoutMarksStatus(t *testing.T) {
	iss := newMockIssuer(t)
	store := memory.New()
	mgr := newManager(t, iss, store)
	ctx := context.Background()

	_ = store.Save(ctx, "corp", &storage.Record{AccessToken: "stored", RefreshToken: "refresh-1"})
	if err := mgr.Logout(ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if st, _ := mgr.Status(ctx); st != provider.StatusLoggedOut {
		t.Fatalf("Status = %v, want logged out", st)
	}
	if _, ok, err := mgr.Refresh(ctx); ok || err != nil {
		t.Fatalf("Refresh after logout = %v, %v", ok, err)
	}
}

func TestFactory_ReusesManagers(t *testing.T) {
	f, err := NewFactory(memory.New())
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	cfg := provider.Config{Name: "corp", ServerURL: "https://id.example.com", ClientID: "x"}
	a, err := f.Manager(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Manager: %v", err)
	}
	b, _ := f.Manager(context.Background(), cfg)
	if a != b {
		t.Fatalf("expected identical configuration to reuse the manager")
	}
	if _, err := f.Manager(context.Background(), provider.Config{Name: "../bad", ServerURL: "https://id.example.com"}); err == nil {
		t.Fatalf("expected invalid provider name to be rejected")
	}
}

func TestNewFactory_RequiresStore(t *testing.T) {
	if _, err := NewFactory(nil); err == nil {
		t.Fatalf("expected error for nil store")
	}
}
