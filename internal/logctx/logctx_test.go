package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"testing"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log record %q: %v", buf.String(), err)
	}
	return rec
}

func TestHandlerAddsRequestAndAuthGroups(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(Handler{slog.NewJSONHandler(&buf, nil)})

	r := httptest.NewRequest("POST", "/api/upload/", nil)
	r.Header.Set(RequestIDHeader, "req-123")
	ctx := WithRequestData(context.Background(), NewRequestData(r))
	ctx = WithAuthData(ctx, &AuthData{Username: "alice", Method: "oidc", Issuer: "https://gitlab.com"})

	log.InfoContext(ctx, "hello")

	rec := decode(t, &buf)
	req, ok := rec["req"].(map[string]any)
	if !ok {
		t.Fatalf("missing req group: %v", rec)
	}
	if req["id"] != "req-123" || req["method"] != "POST" || req["path"] != "/api/upload/" {
		t.Fatalf("unexpected req group: %v", req)
	}
	auth, ok := rec["auth"].(map[string]any)
	if !ok || auth["user"] != "alice" || auth["issuer"] != "https://gitlab.com" {
		t.Fatalf("unexpected auth group: %v", rec["auth"])
	}
	if _, ok := rec["upload"]; ok {
		t.Fatalf("upload group should be absent")
	}
}

func TestHandlerKeepsDecorationAfterWith(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(Handler{slog.NewJSONHandler(&buf, nil)}).With("component", "api")

	ctx := WithUploadData(context.Background(), &UploadData{Project: "web", Branch: "main", PageName: "home"})
	log.InfoContext(ctx, "stored")

	rec := decode(t, &buf)
	if rec["component"] != "api" {
		t.Fatalf("missing attr: %v", rec)
	}
	up, ok := rec["upload"].(map[string]any)
	if !ok || up["project"] != "web" || up["page"] != "home" {
		t.Fatalf("unexpected upload group: %v", rec["upload"])
	}
}

func TestNewRequestDataGeneratesID(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/projects/", nil)
	a, b := NewRequestData(r), NewRequestData(r)
	if a.RequestID == "" || a.RequestID == b.RequestID {
		t.Fatalf("expected distinct generated ids, got %q and %q", a.RequestID, b.RequestID)
	}
	if _, ok := RequestDataFrom(context.Background()); ok {
		t.Fatalf("empty context should carry no request data")
	}
}
