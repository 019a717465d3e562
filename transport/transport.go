// Package transport attaches credentials from an authstate.State to outgoing
// HTTP requests. An Interceptor keeps its own copy of the last header it
// obtained so that requests only reach the shared state when they need a new
// credential, and retries a request exactly once when the server rejects a
// cached credential.
package transport

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/ggoodman/authflight/auth"
	"github.com/ggoodman/authflight/authstate"
	"github.com/ggoodman/authflight/internal/logctx"
)

// Credentials is the part of authstate.State an Interceptor relies on.
type Credentials interface {
	StaticHeader() (auth.Header, bool)
	CachedHeader() (auth.Header, bool)
	TryGetHeader(ctx context.Context, allowLogin bool) (auth.Header, bool, error)
	InvalidateHeader(h auth.Header) bool
}

var _ Credentials = (*authstate.State)(nil)

// maxDrainBytes bounds how much of a rejected response is read so the
// connection can be reused for the retry.
const maxDrainBytes = 64 << 10

// Interceptor is an http.RoundTripper that authenticates requests.
type Interceptor struct {
	creds       Credentials
	base        http.RoundTripper
	allowPrompt bool
	log         *slog.Logger

	cached atomic.Pointer[auth.Header]
}

var _ http.RoundTripper = (*Interceptor)(nil)

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithBase sets the transport requests are sent with. Defaults to
// http.DefaultTransport.
func WithBase(rt http.RoundTripper) Option {
	return func(i *Interceptor) {
		if rt != nil {
			i.base = rt
		}
	}
}

// WithAllowPrompt controls whether requests may trigger an interactive
// login. When disabled, requests carry whatever header is already cached, if
// any, and are never retried. Defaults to true.
func WithAllowPrompt(allow bool) Option {
	return func(i *Interceptor) { i.allowPrompt = allow }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(i *Interceptor) {
		if l != nil {
			i.log = l
		}
	}
}

// New returns an Interceptor drawing credentials from creds.
func New(creds Credentials, opts ...Option) *Interceptor {
	i := &Interceptor{
		creds:       creds,
		base:        http.DefaultTransport,
		allowPrompt: true,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.log = logctx.Wrap(i.log)
	return i
}

// NewClient returns an http.Client whose requests go through a new
// Interceptor.
func NewClient(creds Credentials, opts ...Option) *http.Client {
	return &http.Client{Transport: New(creds, opts...)}
}

// RoundTrip implements http.RoundTripper.
func (i *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Authorization") != "" {
		return i.base.RoundTrip(req)
	}
	rd := &logctx.RequestData{Method: req.Method, Host: req.URL.Host, Attempt: 1}
	ctx := logctx.WithRequestData(req.Context(), rd)

	if h, ok := i.creds.StaticHeader(); ok {
		return i.send(req, h)
	}

	if !i.allowPrompt {
		h, ok := i.local()
		if !ok {
			if h, ok = i.creds.CachedHeader(); ok {
				i.cached.Store(&h)
			}
		}
		return i.send(req, h)
	}

	held := i.cached.Load()
	if held == nil {
		h, ok, err := i.creds.TryGetHeader(ctx, true)
		if err != nil {
			closeBody(req)
			return nil, err
		}
		if ok {
			i.cached.Store(&h)
		}
		return i.send(req, h)
	}

	resp, err := i.send(req, *held)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	retry, replayable := rewind(req)
	if !replayable {
		i.log.DebugContext(ctx, "interceptor.retry.skip", slog.String("reason", "body not replayable"))
		return resp, nil
	}

	i.cached.CompareAndSwap(held, nil)
	i.creds.InvalidateHeader(*held)
	drain(resp)

	rd.Attempt = 2
	h, ok, err := i.creds.TryGetHeader(ctx, true)
	if err != nil {
		closeBody(retry)
		i.log.WarnContext(ctx, "interceptor.retry.fail", slog.String("err", err.Error()))
		return nil, err
	}
	if ok {
		i.cached.Store(&h)
	}
	i.log.DebugContext(ctx, "interceptor.retry")
	return i.send(retry, h)
}

func (i *Interceptor) local() (auth.Header, bool) {
	if h := i.cached.Load(); h != nil {
		return *h, true
	}
	return auth.Header{}, false
}

// send transmits req with h attached to a clone; the caller's request is
// never modified.
func (i *Interceptor) send(req *http.Request, h auth.Header) (*http.Response, error) {
	if h.IsZero() {
		return i.base.RoundTrip(req)
	}
	out := req.Clone(req.Context())
	out.Header.Set("Authorization", h.String())
	return i.base.RoundTrip(out)
}

// rewind prepares a copy of req to send after req itself was sent, or
// reports false when the body cannot be produced a second time.
func rewind(req *http.Request) (*http.Request, bool) {
	out := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return out, true
	}
	if req.GetBody == nil {
		return nil, false
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, false
	}
	out.Body = body
	return out, true
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
	_ = resp.Body.Close()
}

func closeBody(req *http.Request) {
	if req != nil && req.Body != nil {
		_ = req.Body.Close()
	}
}
