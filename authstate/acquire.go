package authstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/authflight/auth"
	"github.com/ggoodman/authflight/internal/logctx"
	"github.com/ggoodman/authflight/provider"
)

// acquire is the body of the shared computation. ctx is derived from the
// State lifetime, never from a caller.
func (s *State) acquire(ctx context.Context, allowLogin bool) (st auth.State, err error) {
	start := time.Now()
	defer func() {
		if err != nil && errors.Is(context.Cause(ctx), auth.ErrClosed) {
			err = fmt.Errorf("%w: %w", auth.ErrClosed, err)
		}
	}()

	if s.configErr != nil {
		return nil, s.configErr
	}
	cfg, err := s.config.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	if cfg.Method == auth.MethodAnonymous {
		s.log.DebugContext(ctx, "acquire.anonymous", slog.Duration("dur", time.Since(start)))
		return auth.Anonymous{}, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	pcfg := cfg.ProviderConfig()
	ctx = logctx.WithProviderData(ctx, &logctx.ProviderData{Name: pcfg.Name, ServerURL: pcfg.ServerURL})

	mgr, err := s.factory.Manager(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("authstate: provider manager: %w", err)
	}

	tok, ok, err := s.trySilent(ctx, mgr)
	if err != nil {
		return nil, err
	}
	if !ok {
		if !allowLogin {
			s.log.DebugContext(ctx, "acquire.unauthorized", slog.Duration("dur", time.Since(start)))
			return auth.Unauthorized{AuthMethod: cfg.Method}, nil
		}
		tok, err = mgr.Login(ctx)
		if err != nil {
			s.log.ErrorContext(ctx, "acquire.login.fail",
				slog.String("server", s.serverURL),
				slog.String("err", err.Error()),
			)
			return nil, err
		}
	}

	s.log.DebugContext(ctx, "acquire.ok",
		slog.String("method", cfg.Method.String()),
		slog.Duration("dur", time.Since(start)),
	)
	return auth.Authorized{AuthMethod: cfg.Method, Token: tok}, nil
}

// trySilent obtains a token without user interaction unless the provider
// records an explicit logout. Provider failures are logged and treated as no
// token; only cancellation is returned.
func (s *State) trySilent(ctx context.Context, mgr provider.Manager) (auth.TokenInfo, bool, error) {
	status, err := mgr.Status(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return auth.TokenInfo{}, false, ctxErr
		}
		s.log.WarnContext(ctx, "acquire.status.fail", slog.String("err", err.Error()))
	}
	if status == provider.StatusLoggedOut {
		return auth.TokenInfo{}, false, nil
	}

	tok, ok, err := mgr.Refresh(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return auth.TokenInfo{}, false, ctxErr
		}
		s.log.WarnContext(ctx, "acquire.refresh.fail", slog.String("err", err.Error()))
		return auth.TokenInfo{}, false, nil
	}
	if !ok || tok.AccessToken == "" {
		return auth.TokenInfo{}, false, nil
	}
	return tok, true, nil
}
