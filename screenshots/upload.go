package screenshots

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// BlobStore stores image bytes and returns a path usable with Open.
type BlobStore interface {
	Put(ctx context.Context, ext string, at time.Time, data []byte) (string, error)
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	Remove(ctx context.Context, path string) error
}

// UploadRequest is a screenshot upload as received from a client.
type UploadRequest struct {
	Project      string         `json:"project" jsonschema:"required,maxLength=200"`
	Branch       string         `json:"branch" jsonschema:"required,maxLength=100"`
	PageName     string         `json:"page_name" jsonschema:"required,maxLength=200"`
	ViewportSize string         `json:"viewport_size" jsonschema:"required,maxLength=50"`
	Image        []byte         `json:"image" jsonschema:"required,description=PNG JPEG or GIF image sent as a multipart file"`
	PipelineURL  string         `json:"pipeline_url,omitempty" jsonschema:"format=uri"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Timestamp    string         `json:"timestamp" jsonschema:"required,format=date-time"`
}

// ValidationError maps field names to problems, like a form error payload.
type ValidationError map[string][]string

func (e ValidationError) Error() string {
	fields := make([]string, 0, len(e))
	for f := range e {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f+": "+strings.Join(e[f], "; "))
	}
	return "invalid upload: " + strings.Join(parts, ", ")
}

func (e ValidationError) add(field, msg string) { e[field] = append(e[field], msg) }

// Service implements uploads and the grouped and comparison views on top of
// a Store and a BlobStore.
type Service struct {
	store Store
	blobs BlobStore
	log   *slog.Logger
	now   func() time.Time
}

// NewService returns a Service. logHandler may be nil.
func NewService(store Store, blobs BlobStore, logHandler slog.Handler) *Service {
	if logHandler == nil {
		logHandler = slog.DiscardHandler
	}
	return &Service{store: store, blobs: blobs, log: slog.New(logHandler), now: time.Now}
}

// Store returns the underlying record store.
func (s *Service) Store() Store { return s.store }

// Blobs returns the underlying image store.
func (s *Service) Blobs() BlobStore { return s.blobs }

// Upload validates req, stores its image and records the screenshot,
// creating the project and branch when absent.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*Screenshot, error) {
	ts, format, err := validate(req)
	if err != nil {
		return nil, err
	}

	project, err := s.store.GetOrCreateProject(ctx, req.Project)
	if err != nil {
		return nil, fmt.Errorf("get or create project: %w", err)
	}
	branch, err := s.store.GetOrCreateBranch(ctx, project.ID, req.Branch)
	if err != nil {
		return nil, fmt.Errorf("get or create branch: %w", err)
	}

	path, err := s.blobs.Put(ctx, format, s.now(), req.Image)
	if err != nil {
		return nil, fmt.Errorf("store image: %w", err)
	}

	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	shot, err := s.store.CreateScreenshot(ctx, NewScreenshot{
		ProjectID:    project.ID,
		BranchID:     branch.ID,
		PageName:     req.PageName,
		ViewportSize: req.ViewportSize,
		Image:        path,
		PipelineURL:  req.PipelineURL,
		Metadata:     metadata,
		Timestamp:    ts,
	})
	if err != nil {
		if rerr := s.blobs.Remove(context.WithoutCancel(ctx), path); rerr != nil {
			s.log.WarnContext(ctx, "screenshot image orphaned",
				slog.String("image", path),
				slog.String("err", rerr.Error()))
		}
		return nil, fmt.Errorf("create screenshot: %w", err)
	}
	s.log.InfoContext(ctx, "screenshot uploaded",
		slog.String("project", project.Name),
		slog.String("branch", branch.Name),
		slog.String("page", shot.PageName),
		slog.Int64("id", shot.ID))
	return shot, nil
}

func validate(req UploadRequest) (time.Time, string, error) {
	verr := ValidationError{}
	required := func(field, v string, max int) {
		switch {
		case strings.TrimSpace(v) == "":
			verr.add(field, "This field is required.")
		case utf8.RuneCountInString(v) > max:
			verr.add(field, fmt.Sprintf("Ensure this field has no more than %d characters.", max))
		}
	}
	required("project", req.Project, MaxProjectNameLength)
	required("branch", req.Branch, MaxBranchNameLength)
	required("page_name", req.PageName, MaxPageNameLength)
	required("viewport_size", req.ViewportSize, MaxViewportSizeLength)

	var format string
	if len(req.Image) == 0 {
		verr.add("image", "No file was submitted.")
	} else if _, f, err := image.DecodeConfig(bytes.NewReader(req.Image)); err != nil {
		verr.add("image", "Upload a valid image. The file you uploaded was either not an image or a corrupted image.")
	} else {
		format = f
	}

	if req.PipelineURL != "" {
		u, err := url.Parse(req.PipelineURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			verr.add("pipeline_url", "Enter a valid URL.")
		}
	}

	var ts time.Time
	if req.Timestamp == "" {
		verr.add("timestamp", "This field is required.")
	} else if t, err := time.Parse(time.RFC3339, req.Timestamp); err != nil {
		verr.add("timestamp", "Datetime has wrong format. Use RFC 3339.")
	} else {
		ts = t.UTC()
	}

	if len(verr) > 0 {
		return time.Time{}, "", verr
	}
	return ts, format, nil
}
