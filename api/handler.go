// Package api serves the screenshots HTTP API: authenticated uploads, JSON
// read endpoints for projects, branches and screenshots, the grouped and
// comparison views, and the stored images under /media/.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/invopop/jsonschema"

	"github.com/ggoodman/screenshots-server/auth"
	"github.com/ggoodman/screenshots-server/internal/logctx"
	"github.com/ggoodman/screenshots-server/screenshots"
)

var (
	jsonMediaType      = contenttype.NewMediaType("application/json")
	jsonMediaTypes     = []contenttype.MediaType{jsonMediaType}
	multipartMediaType = contenttype.NewMediaType("multipart/form-data")
)

const (
	wwwAuthenticateHeader = "WWW-Authenticate"

	// DefaultMaxUploadBytes bounds an upload request body.
	DefaultMaxUploadBytes = 32 << 20
	// DefaultRealm is advertised in WWW-Authenticate challenges.
	DefaultRealm = "screenshots"
)

// writeJSONError emits {"error":{"code":<status>,"message":"<reason>"}}.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

// Option configures the Handler.
type Option func(*handlerConfig)

type handlerConfig struct {
	logHandler     slog.Handler
	realm          string
	maxUploadBytes int64
}

// WithLogHandler sets the slog handler used for request logs.
func WithLogHandler(h slog.Handler) Option {
	return func(c *handlerConfig) { c.logHandler = h }
}

// WithRealm sets the realm of authentication challenges.
func WithRealm(realm string) Option {
	return func(c *handlerConfig) { c.realm = realm }
}

// WithMaxUploadBytes bounds the size of an upload request body.
func WithMaxUploadBytes(n int64) Option {
	return func(c *handlerConfig) { c.maxUploadBytes = n }
}

// Handler is the HTTP API. It is safe for concurrent use.
type Handler struct {
	svc            *screenshots.Service
	auth           auth.Authenticator
	log            *slog.Logger
	realm          string
	maxUploadBytes int64
	uploadSchema   []byte
	mux            *http.ServeMux
}

// New returns a Handler serving svc. Uploads require a result from authn.
func New(svc *screenshots.Service, authn auth.Authenticator, opts ...Option) (*Handler, error) {
	if svc == nil {
		return nil, fmt.Errorf("screenshot service is required")
	}
	if authn == nil {
		return nil, fmt.Errorf("authenticator is required")
	}

	cfg := &handlerConfig{realm: DefaultRealm, maxUploadBytes: DefaultMaxUploadBytes}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logHandler == nil {
		cfg.logHandler = slog.DiscardHandler
	}

	schema, err := json.Marshal(uploadSchema())
	if err != nil {
		return nil, fmt.Errorf("failed to build upload schema: %w", err)
	}

	h := &Handler{
		svc:            svc,
		auth:           authn,
		log:            slog.New(logctx.Handler{Handler: cfg.logHandler}),
		realm:          cfg.realm,
		maxUploadBytes: cfg.maxUploadBytes,
		uploadSchema:   schema,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/upload/", h.handleUpload)
	mux.HandleFunc("GET /api/schema/upload/", h.handleUploadSchema)
	mux.HandleFunc("GET /api/projects/", h.handleListProjects)
	mux.HandleFunc("GET /api/projects/{id}/", h.handleGetProject)
	mux.HandleFunc("GET /api/projects/{id}/branches/{branch}/groups/", h.handleBranchGroups)
	mux.HandleFunc("GET /api/projects/{id}/branches/{branch}/compare/{page}/", h.handleCompare)
	mux.HandleFunc("GET /api/branches/", h.handleListBranches)
	mux.HandleFunc("GET /api/branches/{id}/", h.handleGetBranch)
	mux.HandleFunc("GET /api/screenshots/", h.handleListScreenshots)
	mux.HandleFunc("GET /api/screenshots/{id}/", h.handleGetScreenshot)
	mux.HandleFunc("GET /media/{path...}", h.handleMedia)
	h.mux = mux
	return h, nil
}

// uploadSchema describes the multipart upload form.
func uploadSchema() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := r.Reflect(new(screenshots.UploadRequest))
	s.Title = "Screenshot upload"
	s.Description = "Fields of the multipart/form-data body accepted by POST /api/upload/. metadata is a JSON object encoded as a string."
	if img, ok := s.Properties.Get("image"); ok {
		img.Type = "string"
		img.Format = "binary"
		img.ContentEncoding = ""
		img.ContentMediaType = "image/*"
	}
	return s
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(p)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rd := logctx.NewRequestData(r)
	ctx := logctx.WithRequestData(r.Context(), rd)
	w.Header().Set(logctx.RequestIDHeader, rd.RequestID)

	rec := &statusRecorder{ResponseWriter: w}
	defer func() {
		if p := recover(); p != nil {
			h.log.ErrorContext(ctx, "http.panic", slog.Any("panic", p), slog.String("stack", string(debug.Stack())))
			if rec.status == 0 {
				writeJSONError(rec, http.StatusInternalServerError, "internal server error")
			}
		}
		h.log.DebugContext(ctx, "http.done", slog.Int("status", rec.status), slog.Duration("elapsed", time.Since(start)))
	}()

	h.mux.ServeHTTP(rec, r.WithContext(ctx))
}

// negotiate reports whether the client accepts JSON, writing 406 if not.
func (h *Handler) negotiate(w http.ResponseWriter, r *http.Request) bool {
	if _, _, err := contenttype.GetAcceptableMediaType(r, jsonMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "only application/json responses are available")
		h.log.InfoContext(r.Context(), "http.accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
		return false
	}
	return true
}

// respond writes v as JSON, or the appropriate error for err.
func (h *Handler) respond(w http.ResponseWriter, r *http.Request, v any, err error) {
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := writeJSON(w, http.StatusOK, v); err != nil {
		h.log.WarnContext(r.Context(), "http.write.fail", slog.String("err", err.Error()))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr screenshots.ValidationError
	switch {
	case errors.As(err, &verr):
		if werr := writeJSON(w, http.StatusBadRequest, verr); werr != nil {
			h.log.WarnContext(r.Context(), "http.write.fail", slog.String("err", werr.Error()))
		}
	case errors.Is(err, screenshots.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "not found")
	default:
		h.log.ErrorContext(r.Context(), "http.request.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// checkAuthentication runs the authenticator and writes a challenge when the
// request is not authenticated.
func (h *Handler) checkAuthentication(w http.ResponseWriter, r *http.Request) *auth.Result {
	ctx := r.Context()
	res, err := h.auth.Authenticate(ctx, r)
	if err != nil || res == nil {
		ch := auth.NewChallenge(h.realm, err)
		w.Header().Add(wwwAuthenticateHeader, ch.WWWAuthenticate)
		msg := "authentication credentials were not provided"
		if err != nil {
			msg = "invalid credentials"
			if errors.Is(err, auth.ErrNotAuthorized) {
				msg = "not authorized for this project"
			}
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		} else {
			h.log.InfoContext(ctx, "auth.check.missing")
		}
		writeJSONError(w, ch.Status, msg)
		return nil
	}
	return res
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
