package authtest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ggoodman/screenshots-server/config"
)

// TestIssuer runs an HTTP server that publishes a JWK Set and an OpenID
// Connect discovery document, and signs RS256 tokens that verify against
// it. Any path other than the discovery document serves the JWK Set, so a
// client from Client can stand in for a well-known issuer such as
// https://gitlab.com.
type TestIssuer struct {
	server *httptest.Server
	hits   atomic.Int32

	mu   sync.Mutex
	key  *rsa.PrivateKey
	kid  string
	gen  int
	down bool
}

// NewTestIssuer starts a TestIssuer that is closed when tb finishes.
func NewTestIssuer(tb testing.TB) *TestIssuer {
	tb.Helper()
	ti := &TestIssuer{}
	ti.rotate(tb)

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", ti.handleDiscovery)
	mux.HandleFunc("/", ti.handleJWKS)
	ti.server = httptest.NewServer(mux)
	tb.Cleanup(ti.server.Close)
	return ti
}

// URL returns the base URL of the server. Tokens from Token use it as "iss".
func (ti *TestIssuer) URL() string {
	return ti.server.URL
}

// JWKSURL returns the URL of the published JWK Set.
func (ti *TestIssuer) JWKSURL() string {
	return ti.server.URL + "/jwks"
}

// Provider returns a configured-issuer entry for this server.
func (ti *TestIssuer) Provider() config.Provider {
	return config.Provider{JWKSEndpoint: ti.JWKSURL()}
}

// Providers returns a provider table containing this server as its own
// issuer.
func (ti *TestIssuer) Providers() config.Providers {
	return config.Providers{ti.URL(): ti.Provider()}
}

// KeyID returns the key id of the current signing key.
func (ti *TestIssuer) KeyID() string {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	return ti.kid
}

// Hits returns the number of JWK Set requests served.
func (ti *TestIssuer) Hits() int {
	return int(ti.hits.Load())
}

// SetDown makes JWK Set requests fail with 503 while down is true.
func (ti *TestIssuer) SetDown(down bool) {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	ti.down = down
}

// Rotate replaces the signing key. Only the new key is published.
func (ti *TestIssuer) Rotate(tb testing.TB) {
	tb.Helper()
	ti.rotate(tb)
}

func (ti *TestIssuer) rotate(tb testing.TB) {
	tb.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		tb.Fatalf("authtest: generate key: %v", err)
	}
	ti.mu.Lock()
	defer ti.mu.Unlock()
	ti.gen++
	ti.key = key
	ti.kid = "test-key-" + strconv.Itoa(ti.gen)
}

// Client returns an HTTP client that sends every request to this server
// regardless of its host.
func (ti *TestIssuer) Client() *http.Client {
	target, _ := url.Parse(ti.server.URL)
	base := ti.server.Client().Transport
	return &http.Client{
		Timeout: 5 * time.Second,
		Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			r = r.Clone(r.Context())
			r.URL.Scheme = target.Scheme
			r.URL.Host = target.Host
			r.Host = target.Host
			return base.RoundTrip(r)
		}),
	}
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func (ti *TestIssuer) handleJWKS(w http.ResponseWriter, r *http.Request) {
	ti.hits.Add(1)
	ti.mu.Lock()
	down := ti.down
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &ti.key.PublicKey,
		KeyID:     ti.kid,
		Algorithm: "RS256",
		Use:       "sig",
	}}}
	ti.mu.Unlock()

	if down {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(set)
}

func (ti *TestIssuer) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"issuer":                                ti.URL(),
		"jwks_uri":                              ti.JWKSURL(),
		"authorization_endpoint":                ti.URL() + "/authorize",
		"token_endpoint":                        ti.URL() + "/token",
		"response_types_supported":              []string{"id_token"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

// Token signs a token with the current key. It carries iss (URL), sub, iat
// and exp (one hour) unless overridden by claims.
func (ti *TestIssuer) Token(tb testing.TB, claims map[string]any) string {
	tb.Helper()
	now := time.Now()
	c := jwt.MapClaims{
		"iss": ti.URL(),
		"sub": "test-subject",
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
	for k, v := range claims {
		if v == nil {
			delete(c, k)
			continue
		}
		c[k] = v
	}

	ti.mu.Lock()
	key, kid := ti.key, ti.kid
	ti.mu.Unlock()

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, c)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(key)
	if err != nil {
		tb.Fatalf("authtest: sign token: %v", err)
	}
	return s
}

// ExpiredToken signs a token that expired an hour ago.
func (ti *TestIssuer) ExpiredToken(tb testing.TB, claims map[string]any) string {
	tb.Helper()
	merged := map[string]any{
		"iat": time.Now().Add(-2 * time.Hour).Unix(),
		"exp": time.Now().Add(-time.Hour).Unix(),
	}
	for k, v := range claims {
		merged[k] = v
	}
	return ti.Token(tb, merged)
}

// PrivateKey returns the current signing key, for tests that sign tokens
// by hand.
func (ti *TestIssuer) PrivateKey() *rsa.PrivateKey {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	return ti.key
}
