// Package memory provides an in-memory implementation of storage.Backend,
// suitable for tests and single-process development servers.
package memory

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/ggoodman/screenshots-server/identity"
	"github.com/ggoodman/screenshots-server/screenshots"
	"github.com/ggoodman/screenshots-server/storage"
)

var _ storage.Backend = (*Storage)(nil)

// Storage implements storage.Backend with maps guarded by a single lock.
type Storage struct {
	mu  sync.RWMutex
	now func() time.Time

	users       map[string]*identity.User
	tokens      map[string]*identity.Token // by key
	userTokens  map[string]string          // username -> key
	projects    map[int64]*screenshots.Project
	branches    map[int64]*screenshots.Branch
	screenshots map[int64]*screenshots.Screenshot
	seq         int64
}

// New creates an empty Storage.
func New() *Storage {
	return &Storage{
		now:         time.Now,
		users:       map[string]*identity.User{},
		tokens:      map[string]*identity.Token{},
		userTokens:  map[string]string{},
		projects:    map[int64]*screenshots.Project{},
		branches:    map[int64]*screenshots.Branch{},
		screenshots: map[int64]*screenshots.Screenshot{},
	}
}

func (s *Storage) nextID() int64 {
	s.seq++
	return s.seq
}

// GetOrCreateUser implements identity.Store.
func (s *Storage) GetOrCreateUser(ctx context.Context, username string, defaults identity.Defaults) (*identity.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u, ok := s.users[username]; ok {
		dup := *u
		return &dup, false, nil
	}
	u := &identity.User{
		ID:        s.nextID(),
		Username:  username,
		Email:     defaults.Email,
		FirstName: defaults.FirstName,
		CreatedAt: s.now().UTC(),
	}
	s.users[username] = u
	dup := *u
	return &dup, true, nil
}

// GetUser implements identity.Store.
func (s *Storage) GetUser(ctx context.Context, username string) (*identity.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[username]
	if !ok {
		return nil, identity.ErrUserNotFound
	}
	dup := *u
	return &dup, nil
}

// GetOrCreateToken implements identity.TokenStore.
func (s *Storage) GetOrCreateToken(ctx context.Context, username string, newKey string) (*identity.Token, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[username]; !ok {
		return nil, false, identity.ErrUserNotFound
	}
	if key, ok := s.userTokens[username]; ok {
		dup := *s.tokens[key]
		return &dup, false, nil
	}
	t := &identity.Token{Key: newKey, Username: username, CreatedAt: s.now().UTC()}
	s.tokens[newKey] = t
	s.userTokens[username] = newKey
	dup := *t
	return &dup, true, nil
}

// UserForToken implements identity.TokenStore.
func (s *Storage) UserForToken(ctx context.Context, key string) (*identity.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tokens[key]
	if !ok {
		return nil, identity.ErrTokenNotFound
	}
	dup := *s.users[t.Username]
	return &dup, nil
}

// GetOrCreateProject implements screenshots.Store.
func (s *Storage) GetOrCreateProject(ctx context.Context, name string) (*screenshots.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.projects {
		if p.Name == name {
			dup := *p
			return &dup, nil
		}
	}
	now := s.now().UTC()
	p := &screenshots.Project{ID: s.nextID(), Name: name, DefaultBranch: screenshots.DefaultBranchName, CreatedAt: now, UpdatedAt: now}
	s.projects[p.ID] = p
	dup := *p
	return &dup, nil
}

// GetOrCreateBranch implements screenshots.Store.
func (s *Storage) GetOrCreateBranch(ctx context.Context, projectID int64, name string) (*screenshots.Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[projectID]; !ok {
		return nil, screenshots.ErrNotFound
	}
	if b := s.findBranch(projectID, name); b != nil {
		dup := *b
		return &dup, nil
	}
	now := s.now().UTC()
	b := &screenshots.Branch{ID: s.nextID(), ProjectID: projectID, Name: name, CreatedAt: now, UpdatedAt: now}
	s.branches[b.ID] = b
	dup := *b
	return &dup, nil
}

func (s *Storage) findBranch(projectID int64, name string) *screenshots.Branch {
	for _, b := range s.branches {
		if b.ProjectID == projectID && b.Name == name {
			return b
		}
	}
	return nil
}

// CreateScreenshot implements screenshots.Store.
func (s *Storage) CreateScreenshot(ctx context.Context, in screenshots.NewScreenshot) (*screenshots.Screenshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[in.ProjectID]; !ok {
		return nil, screenshots.ErrNotFound
	}
	if b, ok := s.branches[in.BranchID]; !ok || b.ProjectID != in.ProjectID {
		return nil, screenshots.ErrNotFound
	}
	shot := &screenshots.Screenshot{
		ID:           s.nextID(),
		ProjectID:    in.ProjectID,
		BranchID:     in.BranchID,
		PageName:     in.PageName,
		ViewportSize: in.ViewportSize,
		Image:        in.Image,
		PipelineURL:  in.PipelineURL,
		Metadata:     maps.Clone(in.Metadata),
		Timestamp:    in.Timestamp.UTC(),
		CreatedAt:    s.now().UTC(),
	}
	s.screenshots[shot.ID] = shot
	return copyShot(shot), nil
}

// ListProjects implements screenshots.Store.
func (s *Storage) ListProjects(ctx context.Context) ([]screenshots.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]screenshots.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, *p)
	}
	slices.SortFunc(out, func(a, b screenshots.Project) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}

// GetProject implements screenshots.Store.
func (s *Storage) GetProject(ctx context.Context, id int64) (*screenshots.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.projects[id]
	if !ok {
		return nil, screenshots.ErrNotFound
	}
	dup := *p
	return &dup, nil
}

// ListBranches implements screenshots.Store.
func (s *Storage) ListBranches(ctx context.Context, projectID int64) ([]screenshots.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []screenshots.Branch{}
	for _, b := range s.branches {
		if projectID == 0 || b.ProjectID == projectID {
			out = append(out, *b)
		}
	}
	slices.SortFunc(out, func(a, b screenshots.Branch) int {
		return cmp.Or(
			cmp.Compare(s.projects[a.ProjectID].Name, s.projects[b.ProjectID].Name),
			cmp.Compare(a.Name, b.Name),
		)
	})
	return out, nil
}

// GetBranch implements screenshots.Store.
func (s *Storage) GetBranch(ctx context.Context, id int64) (*screenshots.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.branches[id]
	if !ok {
		return nil, screenshots.ErrNotFound
	}
	dup := *b
	return &dup, nil
}

// FindBranch implements screenshots.Store.
func (s *Storage) FindBranch(ctx context.Context, projectID int64, name string) (*screenshots.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b := s.findBranch(projectID, name)
	if b == nil {
		return nil, screenshots.ErrNotFound
	}
	dup := *b
	return &dup, nil
}

// ListScreenshots implements screenshots.Store.
func (s *Storage) ListScreenshots(ctx context.Context, f screenshots.Filter) ([]screenshots.Screenshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []screenshots.Screenshot{}
	for _, shot := range s.screenshots {
		if matches(shot, f) {
			out = append(out, *copyShot(shot))
		}
	}
	slices.SortFunc(out, compareShots)
	return out, nil
}

// GetScreenshot implements screenshots.Store.
func (s *Storage) GetScreenshot(ctx context.Context, id int64) (*screenshots.Screenshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shot, ok := s.screenshots[id]
	if !ok {
		return nil, screenshots.ErrNotFound
	}
	return copyShot(shot), nil
}

// LatestScreenshot implements screenshots.Store.
func (s *Storage) LatestScreenshot(ctx context.Context, branchID int64, page string) (*screenshots.Screenshot, error) {
	shots, err := s.ListScreenshots(ctx, screenshots.Filter{BranchID: branchID, PageName: page})
	if err != nil {
		return nil, err
	}
	if len(shots) == 0 {
		return nil, screenshots.ErrNotFound
	}
	return &shots[0], nil
}

// Close implements storage.Backend.
func (s *Storage) Close() error { return nil }

func matches(shot *screenshots.Screenshot, f screenshots.Filter) bool {
	return (f.ProjectID == 0 || shot.ProjectID == f.ProjectID) &&
		(f.BranchID == 0 || shot.BranchID == f.BranchID) &&
		(f.PageName == "" || shot.PageName == f.PageName)
}

// compareShots orders newest first, then by page name, then by id so that
// equal timestamps list deterministically.
func compareShots(a, b screenshots.Screenshot) int {
	return cmp.Or(
		b.Timestamp.Compare(a.Timestamp),
		cmp.Compare(a.PageName, b.PageName),
		cmp.Compare(a.ID, b.ID),
	)
}

func copyShot(s *screenshots.Screenshot) *screenshots.Screenshot {
	dup := *s
	dup.Metadata = maps.Clone(s.Metadata)
	return &dup
}
