package jwtauth

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/ggoodman/screenshots-server/config"
)

// staticEndpoints are the issuers trusted without configuration.
var staticEndpoints = map[string]string{
	"https://gitlab.com": "https://gitlab.com/oauth/discovery/keys",
	"https://github.com": "https://token.actions.githubusercontent.com/.well-known/jwks",
}

// StaticIssuers returns a copy of the built-in issuer table.
func StaticIssuers() map[string]string { return maps.Clone(staticEndpoints) }

// ProviderSource returns the currently configured providers. It is called
// once per resolution so configuration reloads are observed.
type ProviderSource func() config.Providers

// DiscoverFunc resolves an issuer's jwks_uri.
type DiscoverFunc func(ctx context.Context, issuer string) (string, error)

// IssuerRegistry maps an issuer to its JWK Set endpoint: built-in table
// first, configured providers second. Matching is exact.
type IssuerRegistry struct {
	static    map[string]string
	providers ProviderSource
	discover  DiscoverFunc
	client    *http.Client

	mu         sync.Mutex
	discovered map[string]string
}

// NewIssuerRegistry builds a registry over the built-in table and providers,
// which may be nil. client is used for discovery; nil means
// http.DefaultClient.
func NewIssuerRegistry(providers ProviderSource, client *http.Client) *IssuerRegistry {
	r := &IssuerRegistry{
		static:     staticEndpoints,
		providers:  providers,
		client:     client,
		discovered: map[string]string{},
	}
	r.discover = r.discoverJWKSURI
	return r
}

// WithDiscoverFunc replaces OpenID Connect discovery. Intended for tests.
func (r *IssuerRegistry) WithDiscoverFunc(fn DiscoverFunc) *IssuerRegistry {
	r.discover = fn
	return r
}

// ResolveEndpoint returns the JWK Set URL for issuer or an error wrapping
// ErrUnknownIssuer. It never falls back to a default endpoint.
func (r *IssuerRegistry) ResolveEndpoint(ctx context.Context, issuer string) (string, error) {
	if ep, ok := r.static[issuer]; ok {
		return ep, nil
	}
	if r.providers != nil {
		if p, ok := r.providers()[issuer]; ok {
			if p.JWKSEndpoint != "" {
				return p.JWKSEndpoint, nil
			}
			if p.Discover {
				return r.discoverEndpoint(ctx, issuer)
			}
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownIssuer, issuer)
}

func (r *IssuerRegistry) discoverEndpoint(ctx context.Context, issuer string) (string, error) {
	r.mu.Lock()
	ep, ok := r.discovered[issuer]
	r.mu.Unlock()
	if ok {
		return ep, nil
	}

	ep, err := r.discover(ctx, issuer)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.discovered[issuer] = ep
	r.mu.Unlock()
	return ep, nil
}

func (r *IssuerRegistry) discoverJWKSURI(ctx context.Context, issuer string) (string, error) {
	if r.client != nil {
		ctx = oidc.ClientContext(ctx, r.client)
	}
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return "", fmt.Errorf("%w: oidc discovery for %s: %v", ErrKeyFetch, issuer, err)
	}
	var meta struct {
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return "", fmt.Errorf("%w: invalid discovery metadata for %s: %v", ErrKeyFetch, issuer, err)
	}
	if meta.JwksURI == "" {
		return "", fmt.Errorf("%w: %s publishes no jwks_uri", ErrUnknownIssuer, issuer)
	}
	return meta.JwksURI, nil
}
