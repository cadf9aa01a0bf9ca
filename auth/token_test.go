package auth_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"github.com/ggoodman/screenshots-server/auth"
	"github.com/ggoodman/screenshots-server/auth/authtest"
	"github.com/ggoodman/screenshots-server/claims"
	"github.com/ggoodman/screenshots-server/config"
	"github.com/ggoodman/screenshots-server/identity"
	"github.com/ggoodman/screenshots-server/storage/memory"
)

func request(header string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/api/upload/", nil)
	if header != "" {
		r.Header.Set("Authorization", header)
	}
	return r
}

func TestCreateTokenAndAuthenticate(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	if _, _, err := auth.CreateToken(ctx, store, "nobody"); !errors.Is(err, identity.ErrUserNotFound) {
		t.Fatalf("want ErrUserNotFound, got %v", err)
	}

	if _, _, err := store.GetOrCreateUser(ctx, "deploy", identity.Defaults{}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	tok, created, err := auth.CreateToken(ctx, store, "deploy")
	if err != nil || !created {
		t.Fatalf("create token: %v created=%v", err, created)
	}
	if !regexp.MustCompile(`^[0-9a-f]{40}$`).MatchString(tok.Key) {
		t.Fatalf("unexpected key format %q", tok.Key)
	}
	again, created, err := auth.CreateToken(ctx, store, "deploy")
	if err != nil || created || again.Key != tok.Key {
		t.Fatalf("second call should return the existing token: %+v created=%v err=%v", again, created, err)
	}

	a := auth.NewTokenAuthenticator(store, nil)
	res, err := a.Authenticate(ctx, request("Token "+tok.Key))
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if res.User.Username != "deploy" || res.Method != auth.MethodToken {
		t.Fatalf("unexpected result: %+v", res)
	}

	_, err = a.Authenticate(ctx, request("Token "+strings.Repeat("0", 40)))
	requireKind(t, err, auth.ErrInvalidCredentials)

	for _, h := range []string{"", "Bearer abc", "Token"} {
		if res, err := a.Authenticate(ctx, request(h)); res != nil || err != nil {
			t.Fatalf("header %q: want (nil, nil), got (%v, %v)", h, res, err)
		}
	}
}

func TestChain(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	if _, _, err := store.GetOrCreateUser(ctx, "deploy", identity.Defaults{}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	tok, _, err := auth.CreateToken(ctx, store, "deploy")
	if err != nil {
		t.Fatalf("create token: %v", err)
	}

	ti := authtest.NewTestIssuer(t)
	bearerAuth := newBearer(t, ti, store)
	var reached bool
	spy := auth.AuthenticatorFunc(func(context.Context, *http.Request) (*auth.Result, error) {
		reached = true
		return nil, nil
	})
	chain := auth.Chain(bearerAuth, auth.NewTokenAuthenticator(store, nil), spy)

	res, err := chain.Authenticate(ctx, request("Token "+tok.Key))
	if err != nil || res == nil || res.Method != auth.MethodToken {
		t.Fatalf("token scheme: %+v, %v", res, err)
	}
	if reached {
		t.Fatalf("chain continued after a result")
	}

	res, err = chain.Authenticate(ctx, request(bearer(ti.Token(t, gitlabClaims(nil)))))
	if err != nil || res == nil || res.Method != auth.MethodOIDC {
		t.Fatalf("bearer scheme: %+v, %v", res, err)
	}

	// A rejected bearer token must not fall through.
	_, err = chain.Authenticate(ctx, request("Bearer garbage"))
	requireKind(t, err, auth.ErrMalformedToken)
	if reached {
		t.Fatalf("rejected credential fell through to the next authenticator")
	}

	res, err = chain.Authenticate(ctx, request(""))
	if res != nil || err != nil || !reached {
		t.Fatalf("anonymous request: want (nil, nil) after trying all, got (%v, %v)", res, err)
	}
}

func TestProjectAllowList(t *testing.T) {
	ctx := context.Background()
	c := func(m map[string]any) claims.Set { return claims.New(m) }

	list := auth.StaticProjectAllowList("group/repo", "octo/app")
	cases := []struct {
		name    string
		claims  claims.Set
		allowed bool
	}{
		{"gitlab listed", c(map[string]any{"project_path": "group/repo"}), true},
		{"github listed", c(map[string]any{"repository": "octo/app"}), true},
		{"project_path preferred", c(map[string]any{"project_path": "group/other", "repository": "octo/app"}), false},
		{"not listed", c(map[string]any{"project_path": "other/repo"}), false},
		{"no project claim", c(map[string]any{"user_login": "alice"}), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := list.Authorize(ctx, tc.claims, nil)
			if tc.allowed && err != nil {
				t.Fatalf("want allowed, got %v", err)
			}
			if !tc.allowed && !errors.Is(err, auth.ErrNotAuthorized) {
				t.Fatalf("want ErrNotAuthorized, got %v", err)
			}
		})
	}

	empty := auth.NewProjectAllowList(func() config.List { return nil })
	if err := empty.Authorize(ctx, c(nil), nil); err != nil {
		t.Fatalf("empty list should allow: %v", err)
	}
	if err := auth.AllowAll.Authorize(ctx, c(nil), nil); err != nil {
		t.Fatalf("AllowAll denied: %v", err)
	}
}

func TestChallenge(t *testing.T) {
	ch := auth.NewChallenge("screenshots", nil)
	if ch.Status != http.StatusUnauthorized || ch.WWWAuthenticate != `Bearer realm="screenshots"` {
		t.Fatalf("unexpected challenge: %+v", ch)
	}

	ti := authtest.NewTestIssuer(t)
	a := newBearer(t, ti, memory.New(), auth.WithAllowedProjects("other/repo"))
	_, err := a.AuthenticateHeader(context.Background(), bearer(ti.Token(t, gitlabClaims(nil))), nil)
	ch = auth.NewChallenge("screenshots", err)
	want := `Bearer realm="screenshots", error="insufficient_scope", error_description="not authorized"`
	if ch.WWWAuthenticate != want {
		t.Fatalf("want %s, got %s", want, ch.WWWAuthenticate)
	}

	_, err = a.AuthenticateHeader(context.Background(), "Bearer nope", nil)
	ch = auth.NewChallenge("screenshots", err)
	if !strings.Contains(ch.WWWAuthenticate, `error="invalid_token", error_description="malformed token"`) {
		t.Fatalf("unexpected challenge: %s", ch.WWWAuthenticate)
	}
}
