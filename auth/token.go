package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ggoodman/screenshots-server/identity"
)

// TokenAuthenticator authenticates "Token <key>" static API tokens.
type TokenAuthenticator struct {
	tokens identity.TokenStore
	log    *slog.Logger
}

// NewTokenAuthenticator returns an authenticator backed by tokens.
// logHandler may be nil to discard logs.
func NewTokenAuthenticator(tokens identity.TokenStore, logHandler slog.Handler) *TokenAuthenticator {
	if logHandler == nil {
		logHandler = slog.DiscardHandler
	}
	return &TokenAuthenticator{tokens: tokens, log: slog.New(logHandler)}
}

func (a *TokenAuthenticator) Authenticate(ctx context.Context, r *http.Request) (*Result, error) {
	key, ok := credentials(r.Header.Get("Authorization"), "Token")
	if !ok {
		return nil, nil
	}
	user, err := a.tokens.UserForToken(ctx, key)
	if err != nil {
		if errors.Is(err, identity.ErrTokenNotFound) {
			err = fmt.Errorf("%w: unknown token", ErrInvalidCredentials)
		} else {
			err = fmt.Errorf("%w: %w", ErrInternal, err)
		}
		f := newFailure(err)
		a.log.WarnContext(ctx, "api token rejected", slog.String("err", err.Error()))
		return nil, f
	}
	return &Result{User: user, Method: MethodToken}, nil
}

// CreateToken returns username's API token, creating one if none exists.
// The user must already exist.
func CreateToken(ctx context.Context, tokens identity.TokenStore, username string) (*identity.Token, bool, error) {
	key, err := identity.NewTokenKey()
	if err != nil {
		return nil, false, fmt.Errorf("auth: failed to generate token key: %w", err)
	}
	return tokens.GetOrCreateToken(ctx, username, key)
}
