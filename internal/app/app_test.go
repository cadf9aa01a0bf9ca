package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ggoodman/screenshots-server/config"
	"github.com/ggoodman/screenshots-server/identity"
	"github.com/ggoodman/screenshots-server/internal/app"
)

func testEnv(t *testing.T) config.Env {
	t.Helper()
	dir := t.TempDir()
	return config.Env{
		ListenAddr:   "127.0.0.1:0",
		DatabasePath: filepath.Join(dir, "screenshots.db"),
		MediaRoot:    filepath.Join(dir, "media"),
		LogLevel:     "info",
		LogFormat:    "text",
	}
}

func TestNewLogHandler(t *testing.T) {
	var buf bytes.Buffer
	h, err := app.NewLogHandler(&buf, "warn", "json")
	if err != nil {
		t.Fatalf("NewLogHandler: %v", err)
	}
	if h.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatalf("debug should be disabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Fatalf("error should be enabled at warn level")
	}

	if _, err := app.NewLogHandler(&buf, "loud", "text"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
	if _, err := app.NewLogHandler(&buf, "info", "xml"); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

func TestOpenBackendSQLite(t *testing.T) {
	env := testEnv(t)
	backend, err := app.OpenBackend(context.Background(), env)
	if err != nil {
		t.Fatalf("OpenBackend: %v", err)
	}
	defer backend.Close()
	if _, err := os.Stat(env.DatabasePath); err != nil {
		t.Fatalf("database file not created: %v", err)
	}
	if _, _, err := backend.GetOrCreateUser(context.Background(), "alice", identity.Defaults{}); err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}
}

func TestOpenBackendRedisUnavailable(t *testing.T) {
	env := testEnv(t)
	env.RedisAddr = "127.0.0.1:1"
	if _, err := app.OpenBackend(context.Background(), env); err == nil {
		t.Fatalf("expected error when redis is unreachable")
	}
}

func TestNewServerServesAPI(t *testing.T) {
	env := testEnv(t)
	srv, err := app.NewServer(context.Background(), env, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.Close()

	ts := httptest.NewServer(srv.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/projects/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want 200, got %d", resp.StatusCode)
	}
	var projects []any
	if err := json.NewDecoder(resp.Body).Decode(&projects); err != nil {
		t.Fatalf("decode: %v", err)
	}

	// Uploads without credentials are challenged.
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/upload/", strings.NewReader(""))
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("want 401, got %d", resp2.StatusCode)
	}
}

func TestServerRunStopsOnCancel(t *testing.T) {
	env := testEnv(t)
	srv, err := app.NewServer(context.Background(), env, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestCreateToken(t *testing.T) {
	ctx := context.Background()
	backend, err := app.OpenBackend(ctx, testEnv(t))
	if err != nil {
		t.Fatalf("OpenBackend: %v", err)
	}
	defer backend.Close()

	var out bytes.Buffer
	if err := app.CreateToken(ctx, backend, "bob", &out); err == nil {
		t.Fatalf("expected error for missing user")
	}

	if _, _, err := backend.GetOrCreateUser(ctx, "bob", identity.Defaults{}); err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}
	if err := app.CreateToken(ctx, backend, "bob", &out); err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	if !strings.HasPrefix(out.String(), "Created new token for user bob\nToken: ") {
		t.Fatalf("unexpected output %q", out.String())
	}
	out.Reset()
	if err := app.CreateToken(ctx, backend, "bob", &out); err != nil {
		t.Fatalf("CreateToken again: %v", err)
	}
	if !strings.HasPrefix(out.String(), "Token already exists for user bob\n") {
		t.Fatalf("unexpected output %q", out.String())
	}
}
