// Package authtest provides test doubles for the auth package: an
// authenticator that accepts every request and a TestIssuer that serves a
// JWK Set and signs tokens the way a CI identity provider would.
package authtest

import (
	"context"
	"net/http"

	"github.com/ggoodman/screenshots-server/auth"
	"github.com/ggoodman/screenshots-server/identity"
)

// Static is an authenticator that authenticates every request as User.
// Used in tests and development where verifying credentials is not the
// point.
type Static struct {
	User *identity.User
}

// NewStatic returns a Static authenticator for username. If username is
// empty, it defaults to "test-user".
func NewStatic(username string) *Static {
	if username == "" {
		username = "test-user"
	}
	return &Static{User: &identity.User{ID: 1, Username: username}}
}

// Authenticate always returns an authenticated result.
func (s *Static) Authenticate(ctx context.Context, r *http.Request) (*auth.Result, error) {
	u := *s.User
	return &auth.Result{User: &u, Method: "static"}, nil
}

// Deny is an authenticator that rejects every request with err, which is
// wrapped so that it matches auth.ErrAuthenticationFailed.
type Deny struct {
	Err error
}

// Authenticate always fails.
func (d Deny) Authenticate(ctx context.Context, r *http.Request) (*auth.Result, error) {
	err := d.Err
	if err == nil {
		err = auth.ErrInvalidCredentials
	}
	return nil, &auth.AuthenticationFailedError{Kind: err, Err: err}
}
