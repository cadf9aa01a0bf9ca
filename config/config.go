// Package config loads server settings from the environment and an optional
// YAML file. Issuer and allow-list settings may be reloaded while the server
// runs; everything else is read once at startup.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Provider describes where to find the signing keys of a configured issuer.
type Provider struct {
	// JWKSEndpoint is the URL of the issuer's published JWK Set.
	JWKSEndpoint string `json:"jwks_endpoint" yaml:"jwks_endpoint"`
	// Discover resolves the JWK Set URL through OpenID Connect discovery when
	// JWKSEndpoint is empty.
	Discover bool `json:"discover,omitempty" yaml:"discover,omitempty"`
}

// Providers maps an issuer ("iss" claim) to its Provider. ENV: OIDC_PROVIDERS
// as a JSON object, e.g. {"https://gitlab.example.com":{"jwks_endpoint":"..."}}.
type Providers map[string]Provider

// Decode implements envdecode.Decoder.
func (p *Providers) Decode(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		*p = nil
		return nil
	}
	var out Providers
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return fmt.Errorf("config: OIDC_PROVIDERS: %w", err)
	}
	*p = out
	return nil
}

// List is an ordered, de-duplicated set of strings decoded from a comma
// separated environment value.
type List []string

// Decode implements envdecode.Decoder.
func (l *List) Decode(s string) error {
	*l = NewList(strings.Split(s, ",")...)
	return nil
}

// NewList trims, drops empty entries and removes duplicates keeping the first
// occurrence.
func NewList(items ...string) List {
	var out List
	seen := map[string]bool{}
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" || seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	return out
}

// Env holds settings read from the process environment.
type Env struct {
	// ListenAddr for the HTTP server. ENV: LISTEN_ADDR
	ListenAddr string `env:"LISTEN_ADDR,default=:8000"`
	// DatabasePath of the SQLite database. ENV: DATABASE_PATH
	DatabasePath string `env:"DATABASE_PATH,default=screenshots.db"`
	// MediaRoot is the directory uploaded images are written under. ENV: MEDIA_ROOT
	MediaRoot string `env:"MEDIA_ROOT,default=media"`
	// RedisAddr, when set, moves users and API tokens to Redis. ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR"`
	// RedisKeyPrefix for all Redis keys. ENV: REDIS_KEY_PREFIX
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX,default=screenshots:"`

	Providers       Providers `env:"OIDC_PROVIDERS"`
	AllowedProjects List      `env:"OIDC_ALLOWED_PROJECTS"`
	// ConfigFile is an optional YAML file with providers and
	// allowed_projects. It is watched for changes. ENV: OIDC_CONFIG_FILE
	ConfigFile string `env:"OIDC_CONFIG_FILE"`
	// Audiences enables "aud" verification when non-empty. ENV: OIDC_AUDIENCE
	Audiences List `env:"OIDC_AUDIENCE"`
	// AllowedAlgs overrides the accepted signing algorithms. ENV: OIDC_ALLOWED_ALGS
	AllowedAlgs List `env:"OIDC_ALLOWED_ALGS"`

	KeyCacheTTL     time.Duration `env:"JWKS_CACHE_TTL,default=5m"`
	KeyFetchTimeout time.Duration `env:"JWKS_FETCH_TIMEOUT,default=10s"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=text"`
}

// FromEnv decodes Env from the process environment, applying tag defaults.
func FromEnv() (Env, error) {
	var env Env
	if err := envdecode.Decode(&env); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Env{}, err
	}
	return env, nil
}
