package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ggoodman/screenshots-server/config"
)

func TestIssuerRegistry_StaticTable(t *testing.T) {
	r := NewIssuerRegistry(nil, nil)
	ep, err := r.ResolveEndpoint(context.Background(), "https://gitlab.com")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ep != "https://gitlab.com/oauth/discovery/keys" {
		t.Fatalf("unexpected endpoint %q", ep)
	}
	ep, err = r.ResolveEndpoint(context.Background(), "https://github.com")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ep != "https://token.actions.githubusercontent.com/.well-known/jwks" {
		t.Fatalf("unexpected endpoint %q", ep)
	}
}

func TestIssuerRegistry_StaticWinsOverConfig(t *testing.T) {
	r := NewIssuerRegistry(func() config.Providers {
		return config.Providers{"https://gitlab.com": {JWKSEndpoint: "https://evil.example.com/keys"}}
	}, nil)
	ep, err := r.ResolveEndpoint(context.Background(), "https://gitlab.com")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ep != "https://gitlab.com/oauth/discovery/keys" {
		t.Fatalf("configuration overrode static entry: %q", ep)
	}
}

func TestIssuerRegistry_Configured(t *testing.T) {
	providers := config.Providers{"https://gitlab.example.com": {JWKSEndpoint: "https://gitlab.example.com/oauth/discovery/keys"}}
	r := NewIssuerRegistry(func() config.Providers { return providers }, nil)

	ep, err := r.ResolveEndpoint(context.Background(), "https://gitlab.example.com")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ep != "https://gitlab.example.com/oauth/discovery/keys" {
		t.Fatalf("unexpected endpoint %q", ep)
	}

	// Reloaded configuration is observed on the next call.
	providers = config.Providers{}
	if _, err := r.ResolveEndpoint(context.Background(), "https://gitlab.example.com"); !errors.Is(err, ErrUnknownIssuer) {
		t.Fatalf("want ErrUnknownIssuer after reload, got %v", err)
	}
}

func TestIssuerRegistry_ExactMatchOnly(t *testing.T) {
	r := NewIssuerRegistry(nil, nil)
	for _, iss := range []string{"https://gitlab.com/", "https://GITLAB.com", "https://gitlab.com.evil.example", "http://gitlab.com"} {
		if _, err := r.ResolveEndpoint(context.Background(), iss); !errors.Is(err, ErrUnknownIssuer) {
			t.Fatalf("%s: want ErrUnknownIssuer, got %v", iss, err)
		}
	}
}

func TestIssuerRegistry_EntryWithoutEndpoint(t *testing.T) {
	r := NewIssuerRegistry(func() config.Providers {
		return config.Providers{"https://ci.example.com": {}}
	}, nil)
	if _, err := r.ResolveEndpoint(context.Background(), "https://ci.example.com"); !errors.Is(err, ErrUnknownIssuer) {
		t.Fatalf("want ErrUnknownIssuer, got %v", err)
	}
}

func TestIssuerRegistry_DiscoveryMemoized(t *testing.T) {
	calls := 0
	r := NewIssuerRegistry(func() config.Providers {
		return config.Providers{"https://ci.example.com": {Discover: true}}
	}, nil).WithDiscoverFunc(func(ctx context.Context, issuer string) (string, error) {
		calls++
		return issuer + "/jwks", nil
	})

	for i := 0; i < 3; i++ {
		ep, err := r.ResolveEndpoint(context.Background(), "https://ci.example.com")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if ep != "https://ci.example.com/jwks" {
			t.Fatalf("unexpected endpoint %q", ep)
		}
	}
	if calls != 1 {
		t.Fatalf("want 1 discovery call, got %d", calls)
	}
}

func TestIssuerRegistry_DiscoveryFailureNotMemoized(t *testing.T) {
	calls := 0
	r := NewIssuerRegistry(func() config.Providers {
		return config.Providers{"https://ci.example.com": {Discover: true}}
	}, nil).WithDiscoverFunc(func(ctx context.Context, issuer string) (string, error) {
		calls++
		return "", ErrKeyFetch
	})
	for i := 0; i < 2; i++ {
		if _, err := r.ResolveEndpoint(context.Background(), "https://ci.example.com"); !errors.Is(err, ErrKeyFetch) {
			t.Fatalf("want ErrKeyFetch, got %v", err)
		}
	}
	if calls != 2 {
		t.Fatalf("want 2 discovery calls, got %d", calls)
	}
}

func TestIssuerRegistry_OIDCDiscovery(t *testing.T) {
	var issuer string
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                                issuer,
			"jwks_uri":                              issuer + "/oauth/discovery/keys",
			"authorization_endpoint":                issuer + "/oauth/authorize",
			"token_endpoint":                        issuer + "/oauth/token",
			"response_types_supported":              []string{"code"},
			"subject_types_supported":               []string{"public"},
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	issuer = srv.URL

	r := NewIssuerRegistry(func() config.Providers {
		return config.Providers{issuer: {Discover: true}}
	}, srv.Client())
	ep, err := r.ResolveEndpoint(context.Background(), issuer)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ep != issuer+"/oauth/discovery/keys" {
		t.Fatalf("unexpected endpoint %q", ep)
	}
}
