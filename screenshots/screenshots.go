// Package screenshots models projects, branches and the page screenshots
// uploaded for them.
package screenshots

import (
	"context"
	"errors"
	"time"
)

// DefaultBranchName is assigned to projects created implicitly by uploads.
const DefaultBranchName = "main"

// Field limits enforced on upload.
const (
	MaxProjectNameLength  = 200
	MaxBranchNameLength   = 100
	MaxPageNameLength     = 200
	MaxViewportSizeLength = 50
)

// ErrNotFound is returned for lookups of records that do not exist.
var ErrNotFound = errors.New("screenshots: not found")

type Project struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	DefaultBranch string    `json:"default_branch"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type Branch struct {
	ID        int64     `json:"id"`
	ProjectID int64     `json:"project"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsDefault reports whether b is p's default branch.
func (b *Branch) IsDefault(p *Project) bool {
	return p != nil && b.ProjectID == p.ID && b.Name == p.DefaultBranch
}

type Screenshot struct {
	ID           int64  `json:"id"`
	ProjectID    int64  `json:"project"`
	BranchID     int64  `json:"branch"`
	PageName     string `json:"page_name"`
	ViewportSize string `json:"viewport_size"`
	// Image is the blob path of the stored image.
	Image       string         `json:"image"`
	PipelineURL string         `json:"pipeline_url,omitempty"`
	Metadata    map[string]any `json:"metadata"`
	Timestamp   time.Time      `json:"timestamp"`
	CreatedAt   time.Time      `json:"created_at"`
}

// NewScreenshot carries the fields of a screenshot to be created.
type NewScreenshot struct {
	ProjectID    int64
	BranchID     int64
	PageName     string
	ViewportSize string
	Image        string
	PipelineURL  string
	Metadata     map[string]any
	Timestamp    time.Time
}

// Filter narrows ListScreenshots. Zero fields match everything.
type Filter struct {
	ProjectID int64
	BranchID  int64
	PageName  string
}

// Store persists projects, branches and screenshots.
//
// Listings are ordered: projects by name, branches by project then name,
// screenshots by timestamp descending then page name. The get-or-create
// operations are atomic per name.
type Store interface {
	GetOrCreateProject(ctx context.Context, name string) (*Project, error)
	GetOrCreateBranch(ctx context.Context, projectID int64, name string) (*Branch, error)
	CreateScreenshot(ctx context.Context, s NewScreenshot) (*Screenshot, error)

	ListProjects(ctx context.Context) ([]Project, error)
	GetProject(ctx context.Context, id int64) (*Project, error)
	// ListBranches lists the branches of projectID, or of every project
	// when projectID is zero.
	ListBranches(ctx context.Context, projectID int64) ([]Branch, error)
	GetBranch(ctx context.Context, id int64) (*Branch, error)
	FindBranch(ctx context.Context, projectID int64, name string) (*Branch, error)
	ListScreenshots(ctx context.Context, f Filter) ([]Screenshot, error)
	GetScreenshot(ctx context.Context, id int64) (*Screenshot, error)
	// LatestScreenshot returns the newest screenshot of page on branchID,
	// or ErrNotFound.
	LatestScreenshot(ctx context.Context, branchID int64, page string) (*Screenshot, error)
}
