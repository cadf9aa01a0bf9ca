package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Challenge describes an HTTP challenge (status + WWW-Authenticate header)
// for a failed authentication.
type Challenge struct {
	Status          int
	WWWAuthenticate string
}

// NewChallenge builds the challenge for err. A nil err means no credential
// was presented.
func NewChallenge(realm string, err error) Challenge {
	if err == nil {
		return Challenge{
			Status:          http.StatusUnauthorized,
			WWWAuthenticate: fmt.Sprintf(`Bearer realm=%s`, quote(realm)),
		}
	}
	code := "invalid_token"
	if errors.Is(err, ErrNotAuthorized) {
		code = "insufficient_scope"
	}
	if errors.Is(err, ErrInternal) {
		// Details of internal failures stay in the logs.
		return Challenge{
			Status:          http.StatusUnauthorized,
			WWWAuthenticate: fmt.Sprintf(`Bearer realm=%s, error="invalid_token"`, quote(realm)),
		}
	}
	return Challenge{
		Status:          http.StatusUnauthorized,
		WWWAuthenticate: fmt.Sprintf(`Bearer realm=%s, error=%q, error_description=%s`, quote(realm), code, quote(describe(err))),
	}
}

// describe returns the failure kind's message without token detail.
func describe(err error) string {
	var afe *AuthenticationFailedError
	if errors.As(err, &afe) && afe.Kind != nil {
		return afe.Kind.Error()
	}
	return ErrAuthenticationFailed.Error()
}

func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}
