package auth

import (
	"context"
	"fmt"
	"net/http"
	"slices"

	"github.com/ggoodman/screenshots-server/claims"
	"github.com/ggoodman/screenshots-server/config"
)

// Policy authorizes a verified token. It must not perform I/O. A denial is
// returned as an error wrapping ErrNotAuthorized. r may be nil when the
// authenticator is driven from a raw header.
type Policy interface {
	Authorize(ctx context.Context, c claims.Set, r *http.Request) error
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(ctx context.Context, c claims.Set, r *http.Request) error

func (f PolicyFunc) Authorize(ctx context.Context, c claims.Set, r *http.Request) error {
	return f(ctx, c, r)
}

// AllowAll authorizes every verified token.
var AllowAll Policy = PolicyFunc(func(context.Context, claims.Set, *http.Request) error { return nil })

// ProjectPathClaims are consulted in order for a token's project path:
// GitLab's project_path, then GitHub's repository.
var ProjectPathClaims = []string{"project_path", "repository"}

// ProjectAllowList authorizes tokens whose project path is in the list
// returned by its source. An empty list authorizes every token.
type ProjectAllowList struct {
	source func() config.List
}

// NewProjectAllowList reads the allow-list from source on every call.
func NewProjectAllowList(source func() config.List) *ProjectAllowList {
	return &ProjectAllowList{source: source}
}

// StaticProjectAllowList returns an allow-list over a fixed set of paths.
func StaticProjectAllowList(projects ...string) *ProjectAllowList {
	list := config.NewList(projects...)
	return NewProjectAllowList(func() config.List { return list })
}

func (p *ProjectAllowList) Authorize(ctx context.Context, c claims.Set, r *http.Request) error {
	if p.source == nil {
		return nil
	}
	allowed := p.source()
	if len(allowed) == 0 {
		return nil
	}
	path := c.FirstString(ProjectPathClaims...)
	if path == "" {
		return fmt.Errorf("%w: token carries no project path", ErrNotAuthorized)
	}
	if !slices.Contains(allowed, path) {
		return fmt.Errorf("%w: project %q is not allowed", ErrNotAuthorized, path)
	}
	return nil
}
