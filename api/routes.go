package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/elnormous/contenttype"

	"github.com/ggoodman/screenshots-server/internal/logctx"
	"github.com/ggoodman/screenshots-server/screenshots"
)

// Screenshot is the API representation of a screenshot.
type Screenshot struct {
	screenshots.Screenshot
	ImageURL string `json:"image_url"`
}

func present(s screenshots.Screenshot) Screenshot {
	return Screenshot{Screenshot: s, ImageURL: "/media/" + s.Image}
}

func presentPtr(s *screenshots.Screenshot) *Screenshot {
	if s == nil {
		return nil
	}
	p := present(*s)
	return &p
}

func presentAll(shots []screenshots.Screenshot) []Screenshot {
	out := make([]Screenshot, len(shots))
	for i, s := range shots {
		out[i] = present(s)
	}
	return out
}

// Branch is the API representation of a branch.
type Branch struct {
	screenshots.Branch
	IsDefault bool `json:"is_default"`
}

func presentBranch(b screenshots.Branch, p *screenshots.Project) Branch {
	return Branch{Branch: b, IsDefault: b.IsDefault(p)}
}

// presentBranches resolves each branch's project from projects.
func presentBranches(branches []screenshots.Branch, projects map[int64]*screenshots.Project) []Branch {
	out := make([]Branch, len(branches))
	for i, b := range branches {
		out[i] = presentBranch(b, projects[b.ProjectID])
	}
	return out
}

// ProjectDetail is a project with its branches.
type ProjectDetail struct {
	screenshots.Project
	Branches []Branch `json:"branches"`
}

// Group is a timestamp group of screenshots.
type Group struct {
	Timestamp   string       `json:"timestamp"`
	Screenshots []Screenshot `json:"screenshots"`
}

// BranchGroups is the grouped view of a branch.
type BranchGroups struct {
	Project   screenshots.Project `json:"project"`
	Branch    screenshots.Branch  `json:"branch"`
	IsDefault bool                `json:"is_default"`
	Groups    []Group             `json:"grouped_screenshots"`
}

// Comparison is the side-by-side view of a page.
type Comparison struct {
	Project  screenshots.Project `json:"project"`
	Branch   screenshots.Branch  `json:"branch"`
	PageName string              `json:"page_name"`
	Current  *Screenshot         `json:"current_screenshot"`
	Default  *Screenshot         `json:"default_screenshot"`
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	return id, err == nil && id > 0
}

// queryID parses an optional positive integer query parameter. Absent
// parameters yield zero.
func queryID(r *http.Request, name string) (int64, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, true
	}
	id, err := strconv.ParseInt(v, 10, 64)
	return id, err == nil && id > 0
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !h.negotiate(w, r) {
		return
	}
	res := h.checkAuthentication(w, r)
	if res == nil {
		return
	}
	ctx := logctx.WithAuthData(r.Context(), &logctx.AuthData{
		Username: res.User.Username,
		Method:   res.Method,
		Issuer:   res.Claims.Issuer(),
	})
	r = r.WithContext(ctx)

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(multipartMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be multipart/form-data")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		writeJSONError(w, http.StatusBadRequest, "invalid multipart body")
		h.log.InfoContext(ctx, "http.upload.parse.fail", slog.String("err", err.Error()))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	req, verr := readUpload(r)
	ctx = logctx.WithUploadData(ctx, &logctx.UploadData{Project: req.Project, Branch: req.Branch, PageName: req.PageName})
	r = r.WithContext(ctx)
	if verr != nil {
		h.writeError(w, r, verr)
		return
	}

	shot, err := h.svc.Upload(ctx, req)
	if err != nil {
		var ve screenshots.ValidationError
		if errors.As(err, &ve) {
			h.log.InfoContext(ctx, "http.upload.invalid", slog.String("err", err.Error()))
		}
		h.writeError(w, r, err)
		return
	}
	h.log.InfoContext(ctx, "http.upload.ok", slog.Int64("screenshot", shot.ID))
	if err := writeJSON(w, http.StatusCreated, present(*shot)); err != nil {
		h.log.WarnContext(ctx, "http.write.fail", slog.String("err", err.Error()))
	}
}

// readUpload collects the form fields of an upload. Errors that can only be
// detected while reading the form (an unreadable file or metadata that is
// not a JSON object) are returned as a ValidationError.
func readUpload(r *http.Request) (screenshots.UploadRequest, screenshots.ValidationError) {
	req := screenshots.UploadRequest{
		Project:      r.FormValue("project"),
		Branch:       r.FormValue("branch"),
		PageName:     r.FormValue("page_name"),
		ViewportSize: r.FormValue("viewport_size"),
		PipelineURL:  r.FormValue("pipeline_url"),
		Timestamp:    r.FormValue("timestamp"),
	}
	verr := screenshots.ValidationError{}

	if f, _, err := r.FormFile("image"); err == nil {
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			verr["image"] = append(verr["image"], "The submitted file could not be read.")
		}
		req.Image = data
	}

	if raw := r.FormValue("metadata"); raw != "" {
		var meta map[string]any
		if err := json.Unmarshal([]byte(raw), &meta); err != nil || meta == nil {
			verr["metadata"] = append(verr["metadata"], "Value must be a JSON object.")
		}
		req.Metadata = meta
	}

	if len(verr) > 0 {
		return req, verr
	}
	return req, nil
}

func (h *Handler) handleUploadSchema(w http.ResponseWriter, r *http.Request) {
	if !h.negotiate(w, r) {
		return
	}
	w.Header().Set("Content-Type", "application/schema+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.uploadSchema)
}

func (h *Handler) handleListProjects(w http.ResponseWriter, r *http.Request) {
	if !h.negotiate(w, r) {
		return
	}
	projects, err := h.svc.Store().ListProjects(r.Context())
	h.respond(w, r, projects, err)
}

func (h *Handler) handleGetProject(w http.ResponseWriter, r *http.Request) {
	if !h.negotiate(w, r) {
		return
	}
	id, ok := pathID(r, "id")
	if !ok {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	ctx := r.Context()
	p, err := h.svc.Store().GetProject(ctx, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	branches, err := h.svc.Store().ListBranches(ctx, p.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respond(w, r, ProjectDetail{
		Project:  *p,
		Branches: presentBranches(branches, map[int64]*screenshots.Project{p.ID: p}),
	}, nil)
}

func (h *Handler) handleListBranches(w http.ResponseWriter, r *http.Request) {
	if !h.negotiate(w, r) {
		return
	}
	projectID, ok := queryID(r, "project")
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "project must be a positive integer")
		return
	}
	ctx := r.Context()
	branches, err := h.svc.Store().ListBranches(ctx, projectID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	projects, err := h.svc.Store().ListProjects(ctx)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	byID := make(map[int64]*screenshots.Project, len(projects))
	for i := range projects {
		byID[projects[i].ID] = &projects[i]
	}
	h.respond(w, r, presentBranches(branches, byID), nil)
}

func (h *Handler) handleGetBranch(w http.ResponseWriter, r *http.Request) {
	if !h.negotiate(w, r) {
		return
	}
	id, ok := pathID(r, "id")
	if !ok {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	ctx := r.Context()
	b, err := h.svc.Store().GetBranch(ctx, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	p, err := h.svc.Store().GetProject(ctx, b.ProjectID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respond(w, r, presentBranch(*b, p), nil)
}

func (h *Handler) handleListScreenshots(w http.ResponseWriter, r *http.Request) {
	if !h.negotiate(w, r) {
		return
	}
	projectID, ok1 := queryID(r, "project")
	branchID, ok2 := queryID(r, "branch")
	if !ok1 || !ok2 {
		writeJSONError(w, http.StatusBadRequest, "project and branch must be positive integers")
		return
	}
	shots, err := h.svc.Store().ListScreenshots(r.Context(), screenshots.Filter{
		ProjectID: projectID,
		BranchID:  branchID,
		PageName:  r.URL.Query().Get("page_name"),
	})
	h.respond(w, r, presentAll(shots), err)
}

func (h *Handler) handleGetScreenshot(w http.ResponseWriter, r *http.Request) {
	if !h.negotiate(w, r) {
		return
	}
	id, ok := pathID(r, "id")
	if !ok {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	shot, err := h.svc.Store().GetScreenshot(r.Context(), id)
	h.respond(w, r, presentPtr(shot), err)
}

func (h *Handler) handleBranchGroups(w http.ResponseWriter, r *http.Request) {
	if !h.negotiate(w, r) {
		return
	}
	projectID, ok1 := pathID(r, "id")
	branchID, ok2 := pathID(r, "branch")
	if !ok1 || !ok2 {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	detail, err := h.svc.BranchDetail(r.Context(), projectID, branchID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := BranchGroups{
		Project:   detail.Project,
		Branch:    detail.Branch,
		IsDefault: detail.Branch.IsDefault(&detail.Project),
		Groups:    make([]Group, len(detail.Groups)),
	}
	for i, g := range detail.Groups {
		out.Groups[i] = Group{Timestamp: g.Timestamp.Format(time.RFC3339), Screenshots: presentAll(g.Screenshots)}
	}
	h.respond(w, r, out, nil)
}

func (h *Handler) handleCompare(w http.ResponseWriter, r *http.Request) {
	if !h.negotiate(w, r) {
		return
	}
	projectID, ok1 := pathID(r, "id")
	branchID, ok2 := pathID(r, "branch")
	if !ok1 || !ok2 {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	cmp, err := h.svc.Compare(r.Context(), projectID, branchID, r.PathValue("page"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respond(w, r, Comparison{
		Project:  cmp.Project,
		Branch:   cmp.Branch,
		PageName: cmp.PageName,
		Current:  presentPtr(cmp.Current),
		Default:  presentPtr(cmp.Default),
	}, nil)
}

func (h *Handler) handleMedia(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("path")
	rc, err := h.svc.Blobs().Open(r.Context(), name)
	if err != nil {
		if errors.Is(err, screenshots.ErrNotFound) || isNotExist(err) {
			http.NotFound(w, r)
			return
		}
		h.log.ErrorContext(r.Context(), "http.media.fail", slog.String("err", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	defer rc.Close()

	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if _, err := io.Copy(w, rc); err != nil {
		h.log.WarnContext(r.Context(), "http.media.write.fail", slog.String("err", err.Error()))
	}
}
