package jwtauth

import "errors"

// Verification failures. Each is wrapped with detail by the component that
// detects it; callers match with errors.Is.
var (
	ErrMalformedToken   = errors.New("malformed token")
	ErrMissingIssuer    = errors.New("token missing issuer claim")
	ErrUnknownIssuer    = errors.New("unknown token issuer")
	ErrKeyFetch         = errors.New("signing key fetch failed")
	ErrKeyNotFound      = errors.New("signing key not found")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrTokenExpired     = errors.New("token expired")
	ErrInvalidToken     = errors.New("invalid token")
)
