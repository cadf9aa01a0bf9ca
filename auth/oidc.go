package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/ggoodman/screenshots-server/config"
	"github.com/ggoodman/screenshots-server/identity"
	"github.com/ggoodman/screenshots-server/internal/jwtauth"
	"github.com/ggoodman/screenshots-server/internal/logctx"
)

// Option configures a BearerAuthenticator.
type Option func(*options)

type options struct {
	providers    jwtauth.ProviderSource
	allowed      func() config.List
	policy       Policy
	algs         []string
	audiences    []string
	leeway       time.Duration
	cacheTTL     time.Duration
	fetchTimeout time.Duration
	httpClient   *http.Client
	logHandler   slog.Handler
}

// WithProviders adds a fixed table of issuers to the built-in ones.
func WithProviders(p config.Providers) Option {
	return func(o *options) {
		o.providers = func() config.Providers { return p }
	}
}

// WithProviderSource reads the configured issuers from fn on every
// authentication.
func WithProviderSource(fn func() config.Providers) Option {
	return func(o *options) { o.providers = fn }
}

// WithAllowedProjects restricts the default policy to a fixed set of
// project paths.
func WithAllowedProjects(projects ...string) Option {
	list := config.NewList(projects...)
	return func(o *options) {
		o.allowed = func() config.List { return list }
	}
}

// WithAllowedProjectsSource reads the default policy's allow-list from fn on
// every authentication.
func WithAllowedProjectsSource(fn func() config.List) Option {
	return func(o *options) { o.allowed = fn }
}

// WithPolicy replaces the default allow-list policy.
func WithPolicy(p Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithAllowedAlgs restricts accepted signing algorithms. Only asymmetric
// algorithms may be given. Defaults to RS256, RS384 and RS512.
func WithAllowedAlgs(algs ...string) Option {
	return func(o *options) { o.algs = slices.Clone(algs) }
}

// WithAudience requires the "aud" claim to contain one of audiences. The
// check is off by default.
func WithAudience(audiences ...string) Option {
	return func(o *options) { o.audiences = slices.Clone(audiences) }
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) Option {
	return func(o *options) { o.leeway = d }
}

// WithKeyCacheTTL bounds how long a fetched JWK Set is reused. A negative
// value disables caching.
func WithKeyCacheTTL(d time.Duration) Option {
	return func(o *options) { o.cacheTTL = d }
}

// WithKeyFetchTimeout bounds a single JWK Set or discovery request.
func WithKeyFetchTimeout(d time.Duration) Option {
	return func(o *options) { o.fetchTimeout = d }
}

// WithHTTPClient sets the client used for JWK Set and discovery requests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithLogHandler sets the handler for diagnostic logs. Logs are discarded by
// default.
func WithLogHandler(h slog.Handler) Option {
	return func(o *options) { o.logHandler = h }
}

// BearerAuthenticator authenticates "Bearer" tokens minted by external CI
// identity providers. It is safe for concurrent use.
type BearerAuthenticator struct {
	verifier     *jwtauth.Verifier
	keys         *jwtauth.KeyResolver
	policy       Policy
	materializer *identity.Materializer
	log          *slog.Logger
}

// NewBearerAuthenticator returns an authenticator that materializes users
// in users.
func NewBearerAuthenticator(users identity.Store, opts ...Option) (*BearerAuthenticator, error) {
	if users == nil {
		return nil, errors.New("auth: user store is required")
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logHandler == nil {
		o.logHandler = slog.DiscardHandler
	}
	if o.policy == nil {
		o.policy = NewProjectAllowList(o.allowed)
	}

	client := o.httpClient
	if client == nil {
		client = &http.Client{Timeout: o.fetchTimeout}
		if o.fetchTimeout <= 0 {
			client.Timeout = jwtauth.DefaultKeyFetchTimeout
		}
	}

	issuers := jwtauth.NewIssuerRegistry(o.providers, client)
	keys := jwtauth.NewKeyResolver(jwtauth.KeyResolverConfig{
		CacheTTL:     o.cacheTTL,
		FetchTimeout: o.fetchTimeout,
		HTTPClient:   client,
	})
	verifier, err := jwtauth.NewVerifier(issuers, keys, jwtauth.VerifierConfig{
		AllowedAlgs: o.algs,
		Audiences:   o.audiences,
		Leeway:      o.leeway,
	})
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}

	return &BearerAuthenticator{
		verifier:     verifier,
		keys:         keys,
		policy:       o.policy,
		materializer: identity.NewMaterializer(users, o.logHandler),
		log:          slog.New(o.logHandler),
	}, nil
}

// Authenticate implements Authenticator using the request's Authorization
// header.
func (a *BearerAuthenticator) Authenticate(ctx context.Context, r *http.Request) (*Result, error) {
	return a.AuthenticateHeader(ctx, r.Header.Get("Authorization"), r)
}

// AuthenticateHeader authenticates a raw Authorization header value. It
// returns (nil, nil) when the header is absent or does not carry a bearer
// token. r is passed to the policy and may be nil.
func (a *BearerAuthenticator) AuthenticateHeader(ctx context.Context, header string, r *http.Request) (res *Result, err error) {
	raw, ok := credentials(header, "Bearer")
	if !ok {
		return nil, nil
	}

	defer func() {
		if p := recover(); p != nil {
			res, err = nil, a.reject(ctx, fmt.Errorf("%w: panic: %v", ErrInternal, p))
		}
	}()

	c, err := a.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, a.reject(ctx, err)
	}

	if err := a.policy.Authorize(ctx, c, r); err != nil {
		if !errors.Is(err, ErrNotAuthorized) {
			err = fmt.Errorf("%w: %w", ErrNotAuthorized, err)
		}
		return nil, a.reject(ctx, err)
	}

	user, err := a.materializer.Resolve(ctx, c)
	if err != nil {
		return nil, a.reject(ctx, fmt.Errorf("%w: %w", ErrInternal, err))
	}

	a.log.DebugContext(logctx.WithAuthData(ctx, &logctx.AuthData{Username: user.Username, Method: MethodOIDC, Issuer: c.Issuer()}),
		"bearer token accepted")
	return &Result{User: user, Claims: c, Method: MethodOIDC}, nil
}

// PurgeKeys drops all cached JWK Sets.
func (a *BearerAuthenticator) PurgeKeys() {
	a.keys.Purge()
}

func (a *BearerAuthenticator) reject(ctx context.Context, err error) error {
	f := newFailure(err)
	if f.Kind == ErrInternal {
		a.log.ErrorContext(ctx, "bearer authentication error", slog.String("err", err.Error()))
	} else {
		a.log.WarnContext(ctx, "bearer token rejected", slog.String("kind", f.Kind.Error()), slog.String("err", err.Error()))
	}
	return f
}
