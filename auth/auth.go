package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/ggoodman/screenshots-server/claims"
	"github.com/ggoodman/screenshots-server/identity"
)

// Authentication methods reported in Result.Method.
const (
	MethodOIDC  = "oidc"
	MethodToken = "token"
)

// Result is a successful authentication.
type Result struct {
	User *identity.User
	// Claims holds the verified token claims. Empty for static tokens.
	Claims claims.Set
	Method string
}

// Authenticator authenticates a request. It returns (nil, nil) when the
// request presents no credential it handles, and an error matching
// ErrAuthenticationFailed when a credential is presented but rejected.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*Result, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, r *http.Request) (*Result, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, r *http.Request) (*Result, error) {
	return f(ctx, r)
}

// Chain tries each authenticator in order. The first non-nil result wins and
// the first error ends the chain: a rejected credential is never retried
// with another scheme.
func Chain(authenticators ...Authenticator) Authenticator {
	return AuthenticatorFunc(func(ctx context.Context, r *http.Request) (*Result, error) {
		for _, a := range authenticators {
			res, err := a.Authenticate(ctx, r)
			if err != nil {
				return nil, err
			}
			if res != nil {
				return res, nil
			}
		}
		return nil, nil
	})
}

// credentials returns the credential of an Authorization header using
// scheme. The scheme comparison is case-insensitive.
func credentials(header, scheme string) (string, bool) {
	prefix, rest, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(prefix, scheme) {
		return "", false
	}
	cred := strings.TrimSpace(rest)
	return cred, cred != ""
}
