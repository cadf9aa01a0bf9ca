// Package app wires configuration, storage, authentication and the HTTP API
// into a runnable server. It backs the screenshots command.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ggoodman/screenshots-server/api"
	"github.com/ggoodman/screenshots-server/auth"
	"github.com/ggoodman/screenshots-server/blob"
	"github.com/ggoodman/screenshots-server/config"
	"github.com/ggoodman/screenshots-server/identity"
	"github.com/ggoodman/screenshots-server/internal/logctx"
	"github.com/ggoodman/screenshots-server/screenshots"
	"github.com/ggoodman/screenshots-server/storage"
	"github.com/ggoodman/screenshots-server/storage/redis"
	"github.com/ggoodman/screenshots-server/storage/sqlite"
)

// ShutdownTimeout bounds graceful shutdown of the HTTP server.
const ShutdownTimeout = 15 * time.Second

// NewLogHandler builds the process log handler from LOG_LEVEL and
// LOG_FORMAT values. Records are decorated with request context.
func NewLogHandler(w io.Writer, level, format string) (slog.Handler, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch strings.ToLower(format) {
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("invalid log format %q: want text or json", format)
	}
	return logctx.Handler{Handler: h}, nil
}

// splitBackend keeps screenshots in one store and identities in another.
type splitBackend struct {
	screenshots.Store
	storage.Identity

	closers []io.Closer
}

func (b *splitBackend) Close() error {
	var errs []error
	for _, c := range b.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// OpenBackend opens the SQLite database at env.DatabasePath. When
// env.RedisAddr is set, users and API tokens are kept in Redis instead.
func OpenBackend(ctx context.Context, env config.Env) (storage.Backend, error) {
	db, err := sqlite.Open(ctx, sqlite.Config{Path: env.DatabasePath})
	if err != nil {
		return nil, err
	}
	if env.RedisAddr == "" {
		return db, nil
	}

	client := goredis.NewClient(&goredis.Options{Addr: env.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", env.RedisAddr, err)
	}
	ids, err := redis.New(redis.Config{Client: client, KeyPrefix: env.RedisKeyPrefix})
	if err != nil {
		_ = client.Close()
		_ = db.Close()
		return nil, err
	}
	return &splitBackend{Store: db, Identity: ids, closers: []io.Closer{ids, db}}, nil
}

// Server is an assembled screenshots server.
type Server struct {
	Env      config.Env
	Settings *config.Settings
	Backend  storage.Backend
	Handler  http.Handler

	log *slog.Logger
}

// NewServer assembles a server from env. The returned Server owns the
// backend; call Close when done.
func NewServer(ctx context.Context, env config.Env, logHandler slog.Handler) (*Server, error) {
	if logHandler == nil {
		logHandler = slog.DiscardHandler
	}

	settings, err := config.NewSettings(env, logHandler)
	if err != nil {
		return nil, err
	}
	blobs, err := blob.NewFS(env.MediaRoot)
	if err != nil {
		return nil, err
	}
	backend, err := OpenBackend(ctx, env)
	if err != nil {
		return nil, err
	}

	authOpts := []auth.Option{
		auth.WithProviderSource(settings.Providers),
		auth.WithAllowedProjectsSource(settings.AllowedProjects),
		auth.WithKeyCacheTTL(env.KeyCacheTTL),
		auth.WithKeyFetchTimeout(env.KeyFetchTimeout),
		auth.WithLogHandler(logHandler),
	}
	if len(env.Audiences) > 0 {
		authOpts = append(authOpts, auth.WithAudience(env.Audiences...))
	}
	if len(env.AllowedAlgs) > 0 {
		authOpts = append(authOpts, auth.WithAllowedAlgs(env.AllowedAlgs...))
	}
	bearer, err := auth.NewBearerAuthenticator(backend, authOpts...)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	svc := screenshots.NewService(backend, blobs, logHandler)
	h, err := api.New(svc, auth.Chain(bearer, auth.NewTokenAuthenticator(backend, logHandler)), api.WithLogHandler(logHandler))
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	return &Server{
		Env:      env,
		Settings: settings,
		Backend:  backend,
		Handler:  h,
		log:      slog.New(logHandler),
	}, nil
}

// Run serves HTTP on s.Env.ListenAddr and watches the config file until ctx
// is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		if err := s.Settings.Watch(ctx); err != nil {
			s.log.ErrorContext(ctx, "config.watch.fail", slog.String("err", err.Error()))
		}
	}()

	srv := &http.Server{
		Addr:              s.Env.ListenAddr,
		Handler:           s.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.InfoContext(ctx, "http.listen", slog.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer done()
	s.log.Info("http.shutdown")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	return nil
}

// Close releases the server's backend.
func (s *Server) Close() error {
	return s.Backend.Close()
}

// CreateToken ensures username has an API token and reports it on out.
func CreateToken(ctx context.Context, backend storage.Identity, username string, out io.Writer) error {
	if _, err := backend.GetUser(ctx, username); err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			return fmt.Errorf("user %q does not exist", username)
		}
		return err
	}
	tok, created, err := auth.CreateToken(ctx, backend, username)
	if err != nil {
		return err
	}
	if created {
		fmt.Fprintf(out, "Created new token for user %s\n", username)
	} else {
		fmt.Fprintf(out, "Token already exists for user %s\n", username)
	}
	fmt.Fprintf(out, "Token: %s\n", tok.Key)
	return nil
}
