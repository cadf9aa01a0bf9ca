// Package storagetest is a conformance suite for storage backends.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/screenshots-server/identity"
	"github.com/ggoodman/screenshots-server/screenshots"
	"github.com/ggoodman/screenshots-server/storage"
)

// IdentityFactory creates an empty identity backend for one test.
type IdentityFactory func(t *testing.T) storage.Identity

// BackendFactory creates an empty backend for one test.
type BackendFactory func(t *testing.T) storage.Backend

// RunIdentityTests runs the user and token tests against factory.
func RunIdentityTests(t *testing.T, factory IdentityFactory) {
	t.Run("Users_CreateThenReuse", func(t *testing.T) { testUsersCreateThenReuse(t, factory) })
	t.Run("Users_FirstWriteWins", func(t *testing.T) { testUsersFirstWriteWins(t, factory) })
	t.Run("Users_ConcurrentGetOrCreate", func(t *testing.T) { testUsersConcurrentGetOrCreate(t, factory) })
	t.Run("Users_GetMissing", func(t *testing.T) { testUsersGetMissing(t, factory) })
	t.Run("Tokens_OnePerUser", func(t *testing.T) { testTokensOnePerUser(t, factory) })
	t.Run("Tokens_UnknownUser", func(t *testing.T) { testTokensUnknownUser(t, factory) })
	t.Run("Tokens_Lookup", func(t *testing.T) { testTokensLookup(t, factory) })
}

// RunBackendTests runs the identity tests and the screenshot store tests.
func RunBackendTests(t *testing.T, factory BackendFactory) {
	RunIdentityTests(t, func(t *testing.T) storage.Identity { return factory(t) })
	t.Run("Projects_GetOrCreate", func(t *testing.T) { testProjectsGetOrCreate(t, factory) })
	t.Run("Projects_ConcurrentGetOrCreate", func(t *testing.T) { testProjectsConcurrentGetOrCreate(t, factory) })
	t.Run("Branches_ScopedToProject", func(t *testing.T) { testBranchesScopedToProject(t, factory) })
	t.Run("Screenshots_OrderingAndFilters", func(t *testing.T) { testScreenshotsOrderingAndFilters(t, factory) })
	t.Run("Screenshots_Latest", func(t *testing.T) { testScreenshotsLatest(t, factory) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, factory) })
}

func testUsersCreateThenReuse(t *testing.T, factory IdentityFactory) {
	s := factory(t)
	ctx := context.Background()

	u, created, err := s.GetOrCreateUser(ctx, "alice", identity.Defaults{Email: "alice@example.com", FirstName: "Alice"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created {
		t.Fatalf("expected created=true on first call")
	}
	if u.Username != "alice" || u.Email != "alice@example.com" || u.FirstName != "Alice" {
		t.Fatalf("unexpected user: %+v", u)
	}

	again, created, err := s.GetOrCreateUser(ctx, "alice", identity.Defaults{})
	if err != nil {
		t.Fatalf("reuse: %v", err)
	}
	if created {
		t.Fatalf("expected created=false on second call")
	}
	if again.ID != u.ID {
		t.Fatalf("want id %d, got %d", u.ID, again.ID)
	}

	got, err := s.GetUser(ctx, "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != u.ID {
		t.Fatalf("GetUser returned id %d, want %d", got.ID, u.ID)
	}
}

func testUsersFirstWriteWins(t *testing.T, factory IdentityFactory) {
	s := factory(t)
	ctx := context.Background()

	if _, _, err := s.GetOrCreateUser(ctx, "ci", identity.Defaults{Email: "first@example.com", FirstName: "First"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	u, _, err := s.GetOrCreateUser(ctx, "ci", identity.Defaults{Email: "second@example.com", FirstName: "Second"})
	if err != nil {
		t.Fatalf("reuse: %v", err)
	}
	if u.Email != "first@example.com" || u.FirstName != "First" {
		t.Fatalf("stored fields were overwritten: %+v", u)
	}
}

func testUsersConcurrentGetOrCreate(t *testing.T, factory IdentityFactory) {
	s := factory(t)
	ctx := context.Background()

	const n = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[int64]bool{}
		created int
		errs    []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u, c, err := s.GetOrCreateUser(ctx, "racer", identity.Defaults{Email: fmt.Sprintf("r%d@example.com", i)})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			ids[u.ID] = true
			if c {
				created++
			}
		}(i)
	}
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("concurrent get-or-create leaked errors: %v", errors.Join(errs...))
	}
	if created != 1 {
		t.Fatalf("want exactly one creation, got %d", created)
	}
	if len(ids) != 1 {
		t.Fatalf("callers observed %d distinct users", len(ids))
	}
}

func testUsersGetMissing(t *testing.T, factory IdentityFactory) {
	s := factory(t)
	if _, err := s.GetUser(context.Background(), "nobody"); !errors.Is(err, identity.ErrUserNotFound) {
		t.Fatalf("want ErrUserNotFound, got %v", err)
	}
}

func testTokensOnePerUser(t *testing.T, factory IdentityFactory) {
	s := factory(t)
	ctx := context.Background()
	if _, _, err := s.GetOrCreateUser(ctx, "bob", identity.Defaults{}); err != nil {
		t.Fatalf("create user: %v", err)
	}

	tok, created, err := s.GetOrCreateToken(ctx, "bob", "key-1")
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	if !created || tok.Key != "key-1" || tok.Username != "bob" {
		t.Fatalf("unexpected token: %+v created=%v", tok, created)
	}

	tok, created, err = s.GetOrCreateToken(ctx, "bob", "key-2")
	if err != nil {
		t.Fatalf("reuse token: %v", err)
	}
	if created || tok.Key != "key-1" {
		t.Fatalf("want existing key-1, got %+v created=%v", tok, created)
	}
	if _, err := s.UserForToken(ctx, "key-2"); !errors.Is(err, identity.ErrTokenNotFound) {
		t.Fatalf("unused key must not resolve, got %v", err)
	}
}

func testTokensUnknownUser(t *testing.T, factory IdentityFactory) {
	s := factory(t)
	if _, _, err := s.GetOrCreateToken(context.Background(), "ghost", "key"); !errors.Is(err, identity.ErrUserNotFound) {
		t.Fatalf("want ErrUserNotFound, got %v", err)
	}
}

func testTokensLookup(t *testing.T, factory IdentityFactory) {
	s := factory(t)
	ctx := context.Background()
	u, _, err := s.GetOrCreateUser(ctx, "carol", identity.Defaults{Email: "carol@example.com"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if _, _, err := s.GetOrCreateToken(ctx, "carol", "carol-key"); err != nil {
		t.Fatalf("create token: %v", err)
	}
	got, err := s.UserForToken(ctx, "carol-key")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.ID != u.ID || got.Email != "carol@example.com" {
		t.Fatalf("unexpected user: %+v", got)
	}
	if _, err := s.UserForToken(ctx, "nope"); !errors.Is(err, identity.ErrTokenNotFound) {
		t.Fatalf("want ErrTokenNotFound, got %v", err)
	}
}

func testProjectsGetOrCreate(t *testing.T, factory BackendFactory) {
	s := factory(t)
	ctx := context.Background()

	p, err := s.GetOrCreateProject(ctx, "web")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if p.DefaultBranch != screenshots.DefaultBranchName {
		t.Fatalf("want default branch %q, got %q", screenshots.DefaultBranchName, p.DefaultBranch)
	}
	again, err := s.GetOrCreateProject(ctx, "web")
	if err != nil {
		t.Fatalf("reuse project: %v", err)
	}
	if again.ID != p.ID {
		t.Fatalf("want id %d, got %d", p.ID, again.ID)
	}
	if _, err := s.GetOrCreateProject(ctx, "api"); err != nil {
		t.Fatalf("create second project: %v", err)
	}

	list, err := s.ListProjects(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Name != "api" || list[1].Name != "web" {
		t.Fatalf("want [api web], got %+v", list)
	}
}

func testProjectsConcurrentGetOrCreate(t *testing.T, factory BackendFactory) {
	s := factory(t)
	ctx := context.Background()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[int64]bool{}
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := s.GetOrCreateProject(ctx, "shared")
			if err != nil {
				t.Errorf("get or create: %v", err)
				return
			}
			mu.Lock()
			ids[p.ID] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(ids) != 1 {
		t.Fatalf("want one project, got %d", len(ids))
	}
}

func testBranchesScopedToProject(t *testing.T, factory BackendFactory) {
	s := factory(t)
	ctx := context.Background()

	web, _ := s.GetOrCreateProject(ctx, "web")
	api, _ := s.GetOrCreateProject(ctx, "api")

	wm, err := s.GetOrCreateBranch(ctx, web.ID, "main")
	if err != nil {
		t.Fatalf("create branch: %v", err)
	}
	am, err := s.GetOrCreateBranch(ctx, api.ID, "main")
	if err != nil {
		t.Fatalf("create branch: %v", err)
	}
	if wm.ID == am.ID {
		t.Fatalf("branches of different projects share id %d", wm.ID)
	}
	if _, err := s.GetOrCreateBranch(ctx, web.ID, "feature"); err != nil {
		t.Fatalf("create branch: %v", err)
	}
	again, err := s.GetOrCreateBranch(ctx, web.ID, "main")
	if err != nil || again.ID != wm.ID {
		t.Fatalf("want branch %d, got %+v (%v)", wm.ID, again, err)
	}
	if !wm.IsDefault(web) {
		t.Fatalf("main should be the default branch of web")
	}

	webBranches, err := s.ListBranches(ctx, web.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(webBranches) != 2 || webBranches[0].Name != "feature" || webBranches[1].Name != "main" {
		t.Fatalf("want [feature main], got %+v", webBranches)
	}

	all, err := s.ListBranches(ctx, 0)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 || all[0].ProjectID != api.ID {
		t.Fatalf("want api branches first, got %+v", all)
	}

	found, err := s.FindBranch(ctx, api.ID, "main")
	if err != nil || found.ID != am.ID {
		t.Fatalf("find branch: %+v %v", found, err)
	}
}

func seed(t *testing.T, s storage.Backend) (*screenshots.Project, *screenshots.Branch, *screenshots.Branch) {
	t.Helper()
	ctx := context.Background()
	p, err := s.GetOrCreateProject(ctx, "web")
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	main, err := s.GetOrCreateBranch(ctx, p.ID, "main")
	if err != nil {
		t.Fatalf("branch: %v", err)
	}
	feat, err := s.GetOrCreateBranch(ctx, p.ID, "feature")
	if err != nil {
		t.Fatalf("branch: %v", err)
	}
	return p, main, feat
}

func create(t *testing.T, s storage.Backend, p *screenshots.Project, b *screenshots.Branch, page string, ts time.Time) *screenshots.Screenshot {
	t.Helper()
	shot, err := s.CreateScreenshot(context.Background(), screenshots.NewScreenshot{
		ProjectID:    p.ID,
		BranchID:     b.ID,
		PageName:     page,
		ViewportSize: "1280x720",
		Image:        "screenshots/2025/01/01/" + page + ".png",
		PipelineURL:  "https://ci.example.com/pipelines/1",
		Metadata:     map[string]any{"browser": "chromium"},
		Timestamp:    ts,
	})
	if err != nil {
		t.Fatalf("create screenshot: %v", err)
	}
	return shot
}

func testScreenshotsOrderingAndFilters(t *testing.T, factory BackendFactory) {
	s := factory(t)
	ctx := context.Background()
	p, main, feat := seed(t, s)

	t1 := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	create(t, s, p, main, "home", t1)
	create(t, s, p, main, "about", t2)
	create(t, s, p, main, "home", t2)
	create(t, s, p, feat, "home", t2)

	shots, err := s.ListScreenshots(ctx, screenshots.Filter{BranchID: main.ID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(shots) != 3 {
		t.Fatalf("want 3 screenshots, got %d", len(shots))
	}
	if !shots[0].Timestamp.Equal(t2) || shots[0].PageName != "about" || shots[1].PageName != "home" || !shots[2].Timestamp.Equal(t1) {
		t.Fatalf("unexpected order: %+v", shots)
	}
	if shots[0].Metadata["browser"] != "chromium" {
		t.Fatalf("metadata not persisted: %+v", shots[0].Metadata)
	}

	home, err := s.ListScreenshots(ctx, screenshots.Filter{ProjectID: p.ID, PageName: "home"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(home) != 3 {
		t.Fatalf("want 3 home screenshots, got %d", len(home))
	}

	got, err := s.GetScreenshot(ctx, shots[0].ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.PipelineURL != "https://ci.example.com/pipelines/1" || got.ViewportSize != "1280x720" {
		t.Fatalf("unexpected screenshot: %+v", got)
	}
}

func testScreenshotsLatest(t *testing.T, factory BackendFactory) {
	s := factory(t)
	ctx := context.Background()
	p, main, feat := seed(t, s)

	t1 := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	create(t, s, p, main, "home", t1)
	newest := create(t, s, p, main, "home", t1.Add(time.Minute))

	got, err := s.LatestScreenshot(ctx, main.ID, "home")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if got.ID != newest.ID {
		t.Fatalf("want %d, got %d", newest.ID, got.ID)
	}
	if _, err := s.LatestScreenshot(ctx, feat.ID, "home"); !errors.Is(err, screenshots.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func testNotFound(t *testing.T, factory BackendFactory) {
	s := factory(t)
	ctx := context.Background()
	if _, err := s.GetProject(ctx, 999); !errors.Is(err, screenshots.ErrNotFound) {
		t.Fatalf("project: want ErrNotFound, got %v", err)
	}
	if _, err := s.GetBranch(ctx, 999); !errors.Is(err, screenshots.ErrNotFound) {
		t.Fatalf("branch: want ErrNotFound, got %v", err)
	}
	if _, err := s.GetScreenshot(ctx, 999); !errors.Is(err, screenshots.ErrNotFound) {
		t.Fatalf("screenshot: want ErrNotFound, got %v", err)
	}
	if _, err := s.FindBranch(ctx, 999, "main"); !errors.Is(err, screenshots.ErrNotFound) {
		t.Fatalf("find branch: want ErrNotFound, got %v", err)
	}
}
