package identity_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/ggoodman/screenshots-server/claims"
	"github.com/ggoodman/screenshots-server/identity"
	"github.com/ggoodman/screenshots-server/storage/memory"
)

func TestDeriveUsername(t *testing.T) {
	cases := []struct {
		name   string
		claims map[string]any
		want   string
	}{
		{"gitlab login", map[string]any{"user_login": "alice", "actor": "bob", "email": "c@example.com"}, "alice"},
		{"github actor", map[string]any{"actor": "octocat", "email": "c@example.com"}, "octocat"},
		{"email", map[string]any{"email": "ci@example.com", "sub": "7"}, "ci@example.com"},
		{"empty login skipped", map[string]any{"user_login": "", "actor": "octocat"}, "octocat"},
		{"subject fallback", map[string]any{"sub": "project_path:group/repo"}, "ci-user-project_path:group/repo"},
		{"numeric subject", map[string]any{"sub": float64(12345)}, "ci-user-12345"},
		{"nothing", map[string]any{}, "ci-user-unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := identity.DeriveUsername(claims.New(tc.claims)); got != tc.want {
				t.Fatalf("want %q, got %q", tc.want, got)
			}
		})
	}
}

func TestDeriveUsernameTruncates(t *testing.T) {
	long := strings.Repeat("ü", 200)
	got := identity.DeriveUsername(claims.New(map[string]any{"user_login": long}))
	if n := len([]rune(got)); n != identity.MaxUsernameLength {
		t.Fatalf("want %d runes, got %d", identity.MaxUsernameLength, n)
	}
	sub := identity.DeriveUsername(claims.New(map[string]any{"sub": strings.Repeat("x", 300)}))
	if !strings.HasPrefix(sub, "ci-user-x") || len(sub) != identity.MaxUsernameLength {
		t.Fatalf("synthesized username not truncated: %d", len(sub))
	}
}

func TestResolveCreatesThenReuses(t *testing.T) {
	var buf bytes.Buffer
	store := memory.New()
	m := identity.NewMaterializer(store, slog.NewTextHandler(&buf, nil))
	ctx := context.Background()

	u, err := m.Resolve(ctx, claims.New(map[string]any{
		"iss":        "https://gitlab.com",
		"user_login": "alice",
		"user_email": "alice@example.com",
		"email":      "ignored@example.com",
		"name":       "Alice Wonderland With A Remarkably Long Name",
	}))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if u.Email != "alice@example.com" {
		t.Fatalf("user_email should take precedence, got %q", u.Email)
	}
	if n := len([]rune(u.FirstName)); n != identity.MaxFirstNameLength {
		t.Fatalf("first name should be truncated to %d runes, got %d (%q)", identity.MaxFirstNameLength, n, u.FirstName)
	}
	if !strings.Contains(buf.String(), "created user from token") {
		t.Fatalf("creation not logged: %s", buf.String())
	}

	buf.Reset()
	again, err := m.Resolve(ctx, claims.New(map[string]any{"user_login": "alice", "user_email": "new@example.com"}))
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if again.ID != u.ID || again.Email != "alice@example.com" {
		t.Fatalf("existing user changed: %+v", again)
	}
	if buf.Len() != 0 {
		t.Fatalf("reuse should not log creation: %s", buf.String())
	}
}

func TestResolveEmailFallback(t *testing.T) {
	m := identity.NewMaterializer(memory.New(), nil)
	u, err := m.Resolve(context.Background(), claims.New(map[string]any{"actor": "octocat", "email": "octo@example.com"}))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if u.Email != "octo@example.com" || u.FirstName != "" {
		t.Fatalf("unexpected user: %+v", u)
	}
}

func TestNewTokenKey(t *testing.T) {
	a, err := identity.NewTokenKey()
	if err != nil {
		t.Fatalf("NewTokenKey: %v", err)
	}
	b, _ := identity.NewTokenKey()
	if len(a) != 40 || a == b {
		t.Fatalf("unexpected keys %q %q", a, b)
	}
}
