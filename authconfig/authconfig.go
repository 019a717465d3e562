// Package authconfig fetches the authentication configuration a server
// advertises to its clients: the method it expects and, for identity-provider
// backed methods, the provider details a client needs to log in.
package authconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elnormous/contenttype"

	"github.com/ggoodman/authflight/auth"
	"github.com/ggoodman/authflight/provider"
)

// DefaultPath is the server-relative location of the auth configuration.
const DefaultPath = "api/v1/server/auth"

// maxBodyBytes bounds the configuration payload read from the server.
const maxBodyBytes = 1 << 20

var jsonMediaType = contenttype.NewMediaType("application/json")

// Config is the server's advertised authentication configuration.
type Config struct {
	Method            auth.Method `json:"method"`
	ServerURL         string      `json:"serverUrl,omitempty"`
	ClientID          string      `json:"clientId,omitempty"`
	LocalRedirectURLs []string    `json:"localRedirectUrls,omitempty"`
	ProfileName       string      `json:"profileName,omitempty"`
}

// wireConfig distinguishes a missing method from the zero Method.
type wireConfig struct {
	Method            *auth.Method `json:"method"`
	ServerURL         string       `json:"serverUrl"`
	ClientID          string       `json:"clientId"`
	LocalRedirectURLs []string     `json:"localRedirectUrls"`
	ProfileName       string       `json:"profileName"`
}

// Client retrieves Config documents from a server.
type Client struct {
	base *url.URL
	path string
	http *http.Client
	log  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for the request. Defaults to a
// client with a 30 second timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithPath overrides DefaultPath.
func WithPath(p string) Option {
	return func(cl *Client) { cl.path = strings.TrimPrefix(p, "/") }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) {
		if l != nil {
			cl.log = l
		}
	}
}

// New returns a Client for the server at baseURL. An empty or relative base
// address is a configuration error.
func New(baseURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("%w: server base address is required", auth.ErrConfiguration)
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid server base address %q: %v", auth.ErrConfiguration, baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: server base address must use http or https, got %q", auth.ErrConfiguration, baseURL)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	cl := &Client{
		base: u,
		path: DefaultPath,
		http: &http.Client{Timeout: 30 * time.Second},
		log:  slog.Default(),
	}
	for _, opt := range opts {
		opt(cl)
	}
	return cl, nil
}

// Endpoint returns the absolute URL of the configuration document.
func (c *Client) Endpoint() string {
	return c.base.ResolveReference(&url.URL{Path: c.path}).String()
}

// Fetch retrieves and validates the server's auth configuration. Any failure
// is reported as auth.ErrServerResponse (or the context's error when ctx is
// done) and is not retried.
func (c *Client) Fetch(ctx context.Context) (*Config, error) {
	endpoint := c.Endpoint()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", auth.ErrConfiguration, err)
	}
	req.Header.Set("Accept", jsonMediaType.String())

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: GET %s: %v", auth.ErrServerResponse, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil, fmt.Errorf("%w: GET %s: unexpected status %d", auth.ErrServerResponse, endpoint, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if mt := contenttype.NewMediaType(ct); !mt.Matches(jsonMediaType) {
			return nil, fmt.Errorf("%w: GET %s: unexpected content type %q", auth.ErrServerResponse, endpoint, ct)
		}
	}

	var wire wireConfig
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&wire); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: decode auth config: %v", auth.ErrServerResponse, err)
	}
	if wire.Method == nil {
		return nil, fmt.Errorf("%w: auth config is missing method", auth.ErrServerResponse)
	}

	cfg := &Config{
		Method:            *wire.Method,
		ServerURL:         strings.TrimSpace(wire.ServerURL),
		ClientID:          strings.TrimSpace(wire.ClientID),
		LocalRedirectURLs: nonEmpty(wire.LocalRedirectURLs),
		ProfileName:       strings.TrimSpace(wire.ProfileName),
	}
	c.log.DebugContext(ctx, "authconfig.fetch.ok",
		slog.String("endpoint", endpoint),
		slog.String("method", cfg.Method.String()),
		slog.Duration("dur", time.Since(start)),
	)
	return cfg, nil
}

// Validate checks the fields required by identity-provider backed methods.
// Anonymous configurations are always valid.
func (c *Config) Validate() error {
	if c.Method == auth.MethodAnonymous {
		return nil
	}
	var missing []string
	if c.ServerURL == "" {
		missing = append(missing, "serverUrl")
	}
	if len(c.LocalRedirectURLs) == 0 {
		missing = append(missing, "localRedirectUrls")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: auth config missing %s", auth.ErrConfiguration, strings.Join(missing, ", "))
	}
	return nil
}

// ProviderConfig describes the identity provider of a validated Config. The
// first local redirect URL is used.
func (c *Config) ProviderConfig() provider.Config {
	display := c.ProfileName
	if display == "" {
		display = c.ServerURL
		if u, err := url.Parse(c.ServerURL); err == nil && u.Host != "" {
			display = u.Hostname()
		}
	}
	var redirect string
	if len(c.LocalRedirectURLs) > 0 {
		redirect = c.LocalRedirectURLs[0]
	}
	return provider.Config{
		Name:        provider.NameFor(c.ProfileName, c.ServerURL),
		DisplayName: display,
		ServerURL:   c.ServerURL,
		ClientID:    c.ClientID,
		RedirectURL: redirect,
		ProfileName: c.ProfileName,
	}
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
