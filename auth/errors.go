package auth

import (
	"errors"

	"github.com/ggoodman/screenshots-server/internal/jwtauth"
)

// Failure kinds. They are for diagnostics: callers normally only need
// ErrAuthenticationFailed.
var (
	ErrMalformedToken   = jwtauth.ErrMalformedToken
	ErrMissingIssuer    = jwtauth.ErrMissingIssuer
	ErrUnknownIssuer    = jwtauth.ErrUnknownIssuer
	ErrKeyFetch         = jwtauth.ErrKeyFetch
	ErrKeyNotFound      = jwtauth.ErrKeyNotFound
	ErrInvalidSignature = jwtauth.ErrInvalidSignature
	ErrTokenExpired     = jwtauth.ErrTokenExpired
	ErrInvalidToken     = jwtauth.ErrInvalidToken

	// ErrNotAuthorized is reported for a verified token the policy denies.
	ErrNotAuthorized = errors.New("not authorized")
	// ErrInvalidCredentials is reported for an unknown static API token.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInternal covers unexpected conditions, including panics.
	ErrInternal = errors.New("internal authentication error")
)

// ErrAuthenticationFailed matches every rejected credential.
var ErrAuthenticationFailed = errors.New("authentication failed")

var kinds = []error{
	ErrMalformedToken,
	ErrMissingIssuer,
	ErrUnknownIssuer,
	ErrKeyFetch,
	ErrKeyNotFound,
	ErrInvalidSignature,
	ErrTokenExpired,
	ErrInvalidToken,
	ErrNotAuthorized,
	ErrInvalidCredentials,
	ErrInternal,
}

// AuthenticationFailedError reports a rejected credential. Kind is one of the
// failure kinds above; Err carries the detail.
type AuthenticationFailedError struct {
	Kind error
	Err  error
}

func (e *AuthenticationFailedError) Error() string {
	return ErrAuthenticationFailed.Error() + ": " + e.Err.Error()
}

func (e *AuthenticationFailedError) Unwrap() []error {
	return []error{ErrAuthenticationFailed, e.Err}
}

// newFailure classifies err. Errors matching no known kind are reported as
// ErrInternal.
func newFailure(err error) *AuthenticationFailedError {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return &AuthenticationFailedError{Kind: k, Err: err}
		}
	}
	return &AuthenticationFailedError{Kind: ErrInternal, Err: errors.Join(ErrInternal, err)}
}
