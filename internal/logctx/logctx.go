package logctx

import (
	"context"
	"log/slog"
)

// Handler adds the request and provider data carried by the context to every
// record as the "req" and "provider" groups.
type Handler struct {
	slog.Handler
}

// Wrap returns l with its handler wrapped in a Handler. Already wrapped
// loggers are returned unchanged.
func Wrap(l *slog.Logger) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	if _, ok := l.Handler().(Handler); ok {
		return l
	}
	return slog.New(Handler{Handler: l.Handler()})
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("method", rd.Method),
			slog.String("host", rd.Host),
			slog.Int("attempt", rd.Attempt),
		))
	}

	if pd, ok := ctx.Value(providerDataKey{}).(*ProviderData); ok {
		r.AddAttrs(slog.Group("provider",
			slog.String("name", pd.Name),
			slog.String("server", pd.ServerURL),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type requestDataKey struct{}

// RequestData describes an outgoing request.
type RequestData struct {
	Method  string
	Host    string
	Attempt int
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type providerDataKey struct{}

// ProviderData describes the identity provider an acquisition talks to.
type ProviderData struct {
	Name      string
	ServerURL string
}

func WithProviderData(ctx context.Context, data *ProviderData) context.Context {
	return context.WithValue(ctx, providerDataKey{}, data)
}
