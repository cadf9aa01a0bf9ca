package screenshots

import (
	"context"
	"errors"
	"time"
)

// Group is a run of screenshots sharing a timestamp.
type Group struct {
	Timestamp   time.Time    `json:"timestamp"`
	Screenshots []Screenshot `json:"screenshots"`
}

// GroupByTimestamp groups consecutive screenshots with equal timestamps,
// preserving input order. Input is expected newest first.
func GroupByTimestamp(shots []Screenshot) []Group {
	var groups []Group
	for _, s := range shots {
		if n := len(groups); n > 0 && groups[n-1].Timestamp.Equal(s.Timestamp) {
			groups[n-1].Screenshots = append(groups[n-1].Screenshots, s)
			continue
		}
		groups = append(groups, Group{Timestamp: s.Timestamp, Screenshots: []Screenshot{s}})
	}
	return groups
}

// BranchDetail is a branch with its screenshots grouped by timestamp.
type BranchDetail struct {
	Project Project `json:"project"`
	Branch  Branch  `json:"branch"`
	Groups  []Group `json:"grouped_screenshots"`
}

// Comparison pairs the newest screenshot of a page on a branch with the
// newest one on the project's default branch. Either side may be nil.
type Comparison struct {
	Project  Project     `json:"project"`
	Branch   Branch      `json:"branch"`
	PageName string      `json:"page_name"`
	Current  *Screenshot `json:"current_screenshot"`
	Default  *Screenshot `json:"default_screenshot"`
}

// BranchDetail loads branchID of projectID with grouped screenshots.
func (s *Service) BranchDetail(ctx context.Context, projectID, branchID int64) (*BranchDetail, error) {
	project, branch, err := s.projectBranch(ctx, projectID, branchID)
	if err != nil {
		return nil, err
	}
	shots, err := s.store.ListScreenshots(ctx, Filter{BranchID: branch.ID})
	if err != nil {
		return nil, err
	}
	return &BranchDetail{Project: *project, Branch: *branch, Groups: GroupByTimestamp(shots)}, nil
}

// Compare builds the Comparison for page on branchID of projectID.
func (s *Service) Compare(ctx context.Context, projectID, branchID int64, page string) (*Comparison, error) {
	project, branch, err := s.projectBranch(ctx, projectID, branchID)
	if err != nil {
		return nil, err
	}
	cmp := &Comparison{Project: *project, Branch: *branch, PageName: page}

	if cmp.Current, err = s.latest(ctx, branch.ID, page); err != nil {
		return nil, err
	}

	def, err := s.store.FindBranch(ctx, project.ID, project.DefaultBranch)
	switch {
	case errors.Is(err, ErrNotFound):
		return cmp, nil
	case err != nil:
		return nil, err
	}
	if cmp.Default, err = s.latest(ctx, def.ID, page); err != nil {
		return nil, err
	}
	return cmp, nil
}

func (s *Service) latest(ctx context.Context, branchID int64, page string) (*Screenshot, error) {
	shot, err := s.store.LatestScreenshot(ctx, branchID, page)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return shot, err
}

func (s *Service) projectBranch(ctx context.Context, projectID, branchID int64) (*Project, *Branch, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, nil, err
	}
	branch, err := s.store.GetBranch(ctx, branchID)
	if err != nil {
		return nil, nil, err
	}
	if branch.ProjectID != project.ID {
		return nil, nil, ErrNotFound
	}
	return project, branch, nil
}
