// Package jwtauth verifies bearer JWTs minted by any of several issuers.
//
// Verification runs in a fixed order: decode without verification to read
// "iss", resolve the issuer's JWK Set endpoint, fetch the key named by the
// header "kid", then decode again enforcing signature, algorithm and time
// claims. Only the output of the second decode is trusted.
package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ggoodman/screenshots-server/claims"
	"github.com/golang-jwt/jwt/v5"
)

// DefaultAllowedAlgs are accepted when VerifierConfig.AllowedAlgs is empty.
var DefaultAllowedAlgs = []string{"RS256", "RS384", "RS512"}

// asymmetricAlgs may appear in an allow-list. "none" and HMAC are excluded:
// with a public JWK Set anyone could mint an HMAC token keyed by the public
// key.
var asymmetricAlgs = []string{
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"ES256", "ES384", "ES512",
	"EdDSA",
}

// VerifierConfig controls validation of the verified decode.
type VerifierConfig struct {
	AllowedAlgs []string
	// Audiences, when non-empty, requires "aud" to contain one of them.
	Audiences []string
	Leeway    time.Duration
}

// Verifier runs the verification sequence for a single token. It holds no
// per-token state and is safe for concurrent use.
type Verifier struct {
	issuers *IssuerRegistry
	keys    *KeyResolver
	cfg     VerifierConfig
}

// NewVerifier validates cfg and returns a Verifier.
func NewVerifier(issuers *IssuerRegistry, keys *KeyResolver, cfg VerifierConfig) (*Verifier, error) {
	if issuers == nil {
		return nil, errors.New("jwtauth: issuer registry is required")
	}
	if keys == nil {
		return nil, errors.New("jwtauth: key resolver is required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = DefaultAllowedAlgs
	}
	for _, alg := range cfg.AllowedAlgs {
		if !slices.Contains(asymmetricAlgs, alg) {
			return nil, fmt.Errorf("jwtauth: algorithm %q is not an accepted asymmetric algorithm", alg)
		}
	}
	cfg.AllowedAlgs = slices.Clone(cfg.AllowedAlgs)
	cfg.Audiences = slices.Clone(cfg.Audiences)
	return &Verifier{issuers: issuers, keys: keys, cfg: cfg}, nil
}

// Verify returns the verified claims of raw or an error wrapping one of the
// package's sentinel errors.
func (v *Verifier) Verify(ctx context.Context, raw string) (claims.Set, error) {
	unverified := jwt.MapClaims{}
	tok, _, err := jwt.NewParser().ParseUnverified(raw, unverified)
	if err != nil {
		return claims.Set{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	iss, _ := unverified["iss"].(string)
	if iss == "" {
		return claims.Set{}, ErrMissingIssuer
	}

	endpoint, err := v.issuers.ResolveEndpoint(ctx, iss)
	if err != nil {
		return claims.Set{}, err
	}

	kid, _ := tok.Header["kid"].(string)
	key, err := v.keys.SigningKey(ctx, endpoint, kid)
	if err != nil {
		return claims.Set{}, err
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithIssuer(iss),
		jwt.WithLeeway(v.cfg.Leeway),
		jwt.WithIssuedAt(),
	)
	verified := jwt.MapClaims{}
	_, err = parser.ParseWithClaims(raw, verified, func(t *jwt.Token) (any, error) {
		if key.Algorithm != "" && t.Method.Alg() != key.Algorithm {
			return nil, fmt.Errorf("key %q is published for %s, token uses %s", key.KeyID, key.Algorithm, t.Method.Alg())
		}
		return key.Key, nil
	})
	if err != nil {
		return claims.Set{}, classify(err)
	}

	if len(v.cfg.Audiences) > 0 && !audIntersects(verified["aud"], v.cfg.Audiences) {
		return claims.Set{}, fmt.Errorf("%w: audience mismatch", ErrInvalidToken)
	}

	return claims.New(verified), nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrTokenExpired, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	return fmt.Errorf("%w: %v", ErrInvalidToken, err)
}

func audIntersects(aud any, wants []string) bool {
	switch v := aud.(type) {
	case string:
		return slices.Contains(wants, v)
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && slices.Contains(wants, s) {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if slices.Contains(wants, s) {
				return true
			}
		}
	}
	return false
}
