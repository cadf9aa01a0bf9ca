package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MicahParks/jwkset"
	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultKeyCacheTTL     = 5 * time.Minute
	DefaultKeyFetchTimeout = 10 * time.Second
	defaultKeyCacheSize    = 64
)

// SigningKey is a public verification key published by an issuer.
type SigningKey struct {
	KeyID string
	// Algorithm is the JWK "alg" member; empty when the issuer omits it.
	Algorithm string
	Key       any
}

// KeyResolverConfig tunes fetching and caching of JWK Sets.
type KeyResolverConfig struct {
	// CacheTTL bounds how long a fetched set is reused. Zero selects
	// DefaultKeyCacheTTL; a negative value disables caching.
	CacheTTL time.Duration
	// CacheSize caps the number of cached endpoints.
	CacheSize int
	// FetchTimeout bounds a single JWK Set request.
	FetchTimeout time.Duration
	// HTTPClient is used for requests; nil selects a default client.
	HTTPClient *http.Client
}

// KeyResolver fetches JWK Sets and selects keys by key id. Sets are cached
// per endpoint for a bounded time and are never persisted.
type KeyResolver struct {
	client *resty.Client
	cache  *expirable.LRU[string, keyfunc.Keyfunc]
}

// NewKeyResolver returns a resolver configured by cfg.
func NewKeyResolver(cfg KeyResolverConfig) *KeyResolver {
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = DefaultKeyCacheTTL
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultKeyCacheSize
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultKeyFetchTimeout
	}

	client := resty.New()
	if cfg.HTTPClient != nil {
		client = resty.NewWithClient(cfg.HTTPClient)
	}
	client.SetTimeout(cfg.FetchTimeout).
		SetHeader("Accept", "application/json")

	r := &KeyResolver{client: client}
	if cfg.CacheTTL > 0 {
		r.cache = expirable.NewLRU[string, keyfunc.Keyfunc](cfg.CacheSize, nil, cfg.CacheTTL)
	}
	return r
}

// SigningKey returns the key with id kid published at endpoint. A cached set
// that lacks kid is re-fetched once before ErrKeyNotFound is reported, so
// rotated keys are picked up without waiting for the cache to expire.
func (r *KeyResolver) SigningKey(ctx context.Context, endpoint, kid string) (*SigningKey, error) {
	if kid == "" {
		return nil, fmt.Errorf("%w: token header has no kid", ErrKeyNotFound)
	}

	var (
		kf     keyfunc.Keyfunc
		cached bool
	)
	if r.cache != nil {
		kf, cached = r.cache.Get(endpoint)
	}
	if !cached {
		var err error
		if kf, err = r.fetch(ctx, endpoint); err != nil {
			return nil, err
		}
	}

	key, err := readKey(ctx, kf, kid)
	if errors.Is(err, ErrKeyNotFound) && cached {
		if kf, err = r.fetch(ctx, endpoint); err != nil {
			return nil, err
		}
		key, err = readKey(ctx, kf, kid)
	}
	return key, err
}

// Purge drops every cached set.
func (r *KeyResolver) Purge() {
	if r.cache != nil {
		r.cache.Purge()
	}
}

func (r *KeyResolver) fetch(ctx context.Context, endpoint string) (keyfunc.Keyfunc, error) {
	resp, err := r.client.R().SetContext(ctx).Get(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %v", ErrKeyFetch, endpoint, err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("%w: GET %s: unexpected status %d", ErrKeyFetch, endpoint, resp.StatusCode())
	}
	kf, err := keyfunc.NewJWKSetJSON(resp.Body())
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrKeyFetch, endpoint, err)
	}
	if r.cache != nil {
		r.cache.Add(endpoint, kf)
	}
	return kf, nil
}

func readKey(ctx context.Context, kf keyfunc.Keyfunc, kid string) (*SigningKey, error) {
	jwk, err := kf.Storage().KeyRead(ctx, kid)
	if err != nil {
		if errors.Is(err, jwkset.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
		}
		return nil, fmt.Errorf("%w: read kid %q: %v", ErrKeyFetch, kid, err)
	}
	m := jwk.Marshal()
	if string(m.USE) == "enc" {
		return nil, fmt.Errorf("%w: kid %q is an encryption key", ErrKeyNotFound, kid)
	}
	return &SigningKey{KeyID: kid, Algorithm: string(m.ALG), Key: jwk.Key()}, nil
}
