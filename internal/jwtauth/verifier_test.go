package jwtauth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/screenshots-server/config"
	"github.com/golang-jwt/jwt/v5"
)

const testIssuer = "https://ci.example.com"

type verifierFixture struct {
	pk  *rsa.PrivateKey
	kid string
	srv *jwksServer
	v   *Verifier
}

func newVerifierFixture(t *testing.T, cfg VerifierConfig) *verifierFixture {
	t.Helper()
	pk, jwks := genRSA(t, "test-key")
	srv := newJWKSServer(t, jwks)
	registry := NewIssuerRegistry(func() config.Providers {
		return config.Providers{testIssuer: {JWKSEndpoint: srv.URL()}}
	}, nil)
	v, err := NewVerifier(registry, NewKeyResolver(KeyResolverConfig{}), cfg)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return &verifierFixture{pk: pk, kid: "test-key", srv: srv, v: v}
}

func (f *verifierFixture) claims() jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":          testIssuer,
		"sub":          "42",
		"user_login":   "alice",
		"project_path": "group/repo",
		"iat":          now.Unix(),
		"exp":          now.Add(time.Hour).Unix(),
	}
}

func TestVerifier_HappyPath(t *testing.T) {
	f := newVerifierFixture(t, VerifierConfig{})
	tok := signToken(t, jwt.SigningMethodRS256, f.pk, f.kid, f.claims())

	c, err := f.v.Verify(context.Background(), tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if c.String("user_login") != "alice" || c.Issuer() != testIssuer {
		t.Fatalf("unexpected claims: %v", c.Raw())
	}
}

func TestVerifier_RS512Accepted(t *testing.T) {
	f := newVerifierFixture(t, VerifierConfig{})
	// Re-publish the key without an "alg" member so any RS* is usable.
	pub, _ := json.Marshal(map[string]any{"keys": []map[string]any{{
		"kty": "RSA", "kid": f.kid, "use": "sig",
		"n": base64.RawURLEncoding.EncodeToString(f.pk.N.Bytes()),
		"e": "AQAB",
	}}})
	f.srv.set(pub, 200)

	tok := signToken(t, jwt.SigningMethodRS512, f.pk, f.kid, f.claims())
	if _, err := f.v.Verify(context.Background(), tok); err != nil {
		t.Fatalf("verify RS512: %v", err)
	}
}

func TestVerifier_Malformed(t *testing.T) {
	f := newVerifierFixture(t, VerifierConfig{})
	for _, tok := range []string{"", "not-a-jwt", "a.b.c", "a.b"} {
		if _, err := f.v.Verify(context.Background(), tok); !errors.Is(err, ErrMalformedToken) {
			t.Fatalf("%q: want ErrMalformedToken, got %v", tok, err)
		}
	}
	if got := f.srv.hits.Load(); got != 0 {
		t.Fatalf("malformed tokens must not fetch keys, got %d fetches", got)
	}
}

func TestVerifier_MissingIssuer(t *testing.T) {
	f := newVerifierFixture(t, VerifierConfig{})
	c := f.claims()
	delete(c, "iss")
	tok := signToken(t, jwt.SigningMethodRS256, f.pk, f.kid, c)
	if _, err := f.v.Verify(context.Background(), tok); !errors.Is(err, ErrMissingIssuer) {
		t.Fatalf("want ErrMissingIssuer, got %v", err)
	}
}

func TestVerifier_UnknownIssuer(t *testing.T) {
	f := newVerifierFixture(t, VerifierConfig{})
	c := f.claims()
	c["iss"] = "https://example.com"
	tok := signToken(t, jwt.SigningMethodRS256, f.pk, f.kid, c)
	if _, err := f.v.Verify(context.Background(), tok); !errors.Is(err, ErrUnknownIssuer) {
		t.Fatalf("want ErrUnknownIssuer, got %v", err)
	}
	if got := f.srv.hits.Load(); got != 0 {
		t.Fatalf("unknown issuer must not fetch keys, got %d fetches", got)
	}
}

func TestVerifier_Expired(t *testing.T) {
	f := newVerifierFixture(t, VerifierConfig{})
	c := f.claims()
	c["iat"] = time.Now().Add(-2 * time.Hour).Unix()
	c["exp"] = time.Now().Add(-time.Hour).Unix()
	tok := signToken(t, jwt.SigningMethodRS256, f.pk, f.kid, c)
	if _, err := f.v.Verify(context.Background(), tok); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("want ErrTokenExpired, got %v", err)
	}
}

func TestVerifier_WrongKeySignature(t *testing.T) {
	f := newVerifierFixture(t, VerifierConfig{})
	other, _ := genRSA(t, "other")
	tok := signToken(t, jwt.SigningMethodRS256, other, f.kid, f.claims())
	if _, err := f.v.Verify(context.Background(), tok); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("want ErrInvalidSignature, got %v", err)
	}
}

func TestVerifier_TamperedPayload(t *testing.T) {
	f := newVerifierFixture(t, VerifierConfig{})
	tok := signToken(t, jwt.SigningMethodRS256, f.pk, f.kid, f.claims())
	parts := strings.Split(tok, ".")
	c := f.claims()
	c["user_login"] = "mallory"
	payload, _ := json.Marshal(c)
	parts[1] = base64.RawURLEncoding.EncodeToString(payload)
	if _, err := f.v.Verify(context.Background(), strings.Join(parts, ".")); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("want ErrInvalidSignature, got %v", err)
	}
}

func TestVerifier_RejectsNoneAlg(t *testing.T) {
	f := newVerifierFixture(t, VerifierConfig{})
	tok := signToken(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, f.kid, f.claims())
	if _, err := f.v.Verify(context.Background(), tok); err == nil {
		t.Fatalf("alg=none token was accepted")
	}
}

func TestVerifier_RejectsHMACWithPublicKey(t *testing.T) {
	f := newVerifierFixture(t, VerifierConfig{})
	// The classic confusion attack: HMAC keyed with the public key bytes.
	der, err := x509.MarshalPKIXPublicKey(&f.pk.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	tok := signToken(t, jwt.SigningMethodHS256, der, f.kid, f.claims())
	if _, err := f.v.Verify(context.Background(), tok); err == nil {
		t.Fatalf("HS256 token was accepted")
	}
}

func TestVerifier_KeyAlgMismatch(t *testing.T) {
	f := newVerifierFixture(t, VerifierConfig{})
	// The published key is pinned to RS256.
	tok := signToken(t, jwt.SigningMethodRS384, f.pk, f.kid, f.claims())
	if _, err := f.v.Verify(context.Background(), tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("want ErrInvalidToken, got %v", err)
	}
}

func TestVerifier_UnknownKid(t *testing.T) {
	f := newVerifierFixture(t, VerifierConfig{})
	tok := signToken(t, jwt.SigningMethodRS256, f.pk, "rotated-away", f.claims())
	if _, err := f.v.Verify(context.Background(), tok); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("want ErrKeyNotFound, got %v", err)
	}
}

func TestVerifier_Audience(t *testing.T) {
	f := newVerifierFixture(t, VerifierConfig{Audiences: []string{"https://screenshots.example.com"}})

	c := f.claims()
	if _, err := f.v.Verify(context.Background(), signToken(t, jwt.SigningMethodRS256, f.pk, f.kid, c)); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("want ErrInvalidToken without aud, got %v", err)
	}

	c["aud"] = []string{"other", "https://screenshots.example.com"}
	if _, err := f.v.Verify(context.Background(), signToken(t, jwt.SigningMethodRS256, f.pk, f.kid, c)); err != nil {
		t.Fatalf("verify with matching aud: %v", err)
	}
}

func TestVerifier_AudienceIgnoredByDefault(t *testing.T) {
	f := newVerifierFixture(t, VerifierConfig{})
	c := f.claims()
	c["aud"] = "https://somewhere-else.example.com"
	if _, err := f.v.Verify(context.Background(), signToken(t, jwt.SigningMethodRS256, f.pk, f.kid, c)); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestNewVerifier_RejectsSymmetricAlgs(t *testing.T) {
	r := NewIssuerRegistry(nil, nil)
	k := NewKeyResolver(KeyResolverConfig{})
	for _, alg := range []string{"none", "HS256", "HS512"} {
		if _, err := NewVerifier(r, k, VerifierConfig{AllowedAlgs: []string{"RS256", alg}}); err == nil {
			t.Fatalf("%s: expected constructor error", alg)
		}
	}
}
