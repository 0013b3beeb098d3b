package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"coursecore/api/internal/auth"
	"coursecore/api/internal/config"
	"coursecore/api/internal/store"
)

const testSecret = "test-secret"

type fakeRenderer struct{}

func (fakeRenderer) PDF(_ context.Context, html string) ([]byte, error) {
	return []byte("%PDF " + html), nil
}

func (fakeRenderer) DOCX(context.Context, string) ([]byte, error) {
	return []byte("PK"), nil
}

type harness struct {
	t       *testing.T
	service *Service
	handler http.Handler
}

func newHarness(t *testing.T, st store.Store) *harness {
	t.Helper()
	if st == nil {
		st = store.NewMemoryStore()
	}
	cfg := config.Config{
		CORSOrigin:       "*",
		TokenSecret:      testSecret,
		MaxSectionDepth:  6,
		VersionRetention: 50,
	}
	svc := New(cfg, st, Deps{Renderer: fakeRenderer{}}, nil)
	return &harness{
		t:       t,
		service: svc,
		handler: NewHTTPServer(svc, cfg.CORSOrigin, cfg.TokenSecret).Handler(),
	}
}

func (h *harness) do(method, path, user string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			h.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		token, err := auth.IssueUserToken([]byte(testSecret), user, "", time.Hour)
		if err != nil {
			h.t.Fatalf("IssueUserToken() error = %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)
	return rr
}

// call performs a request and fails unless it returns want.
func (h *harness) call(method, path, user string, body any, want int) map[string]any {
	h.t.Helper()
	rr := h.do(method, path, user, body)
	if rr.Code != want {
		h.t.Fatalf("%s %s: expected status %d, got %d body=%s", method, path, want, rr.Code, rr.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		h.t.Fatalf("%s %s: parse response: %v", method, path, err)
	}
	return payload
}

func (h *harness) createCourse(owner, title string, public bool) string {
	h.t.Helper()
	payload := h.call(http.MethodPost, "/api/courses", owner, map[string]any{"title": title, "public": public}, http.StatusCreated)
	return payload["id"].(string)
}

func (h *harness) createSection(owner, courseID string, parentID *string, title, content string) string {
	h.t.Helper()
	body := map[string]any{"courseId": courseID, "title": title}
	if parentID != nil {
		body["parentId"] = *parentID
	}
	if content != "" {
		body["content"] = content
	}
	payload := h.call(http.MethodPost, "/api/sections", owner, body, http.StatusCreated)
	return payload["id"].(string)
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	payload := h.call(http.MethodGet, "/api/health", "", nil, http.StatusOK)
	if payload["ok"] != true {
		t.Fatalf("expected ok=true, got %v", payload)
	}
}

type unreachableStore struct {
	*store.MemoryStore
}

func (unreachableStore) Ping(context.Context) error {
	return errors.New("connection refused")
}

func TestReadyEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	payload := h.call(http.MethodGet, "/api/ready", "", nil, http.StatusOK)
	if payload["status"] != "ready" {
		t.Fatalf("expected ready, got %v", payload)
	}

	h = newHarness(t, unreachableStore{store.NewMemoryStore()})
	payload = h.call(http.MethodGet, "/api/ready", "", nil, http.StatusServiceUnavailable)
	checks := payload["checks"].(map[string]any)
	db := checks["database"].(map[string]any)
	if payload["ok"] != false || db["status"] != "error" || db["error"] != "connection refused" {
		t.Fatalf("unexpected ready payload: %v", payload)
	}
}

func TestMiddlewareSetsHeaders(t *testing.T) {
	h := newHarness(t, nil)
	req := httptest.NewRequest(http.MethodOptions, "/api/courses", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", rr.Code)
	}
	if rr.Header().Get("X-Request-ID") != "req-1" {
		t.Fatalf("expected request id to be echoed, got %q", rr.Header().Get("X-Request-ID"))
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected CORS header, got %q", rr.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestAuthentication(t *testing.T) {
	h := newHarness(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d", rr.Code)
	}

	payload := h.call(http.MethodPost, "/api/courses", "", map[string]any{"title": "Anonymous"}, http.StatusForbidden)
	if payload["code"] != "UNAUTHORIZED" {
		t.Fatalf("expected UNAUTHORIZED code, got %v", payload)
	}
}

func TestRequestValidation(t *testing.T) {
	h := newHarness(t, nil)

	payload := h.call(http.MethodPost, "/api/courses", "alice", `{"title":`, http.StatusBadRequest)
	if payload["code"] != "INVALID_BODY" {
		t.Fatalf("expected INVALID_BODY, got %v", payload)
	}
	payload = h.call(http.MethodPost, "/api/courses", "alice", map[string]any{"title": "  "}, http.StatusUnprocessableEntity)
	if payload["code"] != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", payload)
	}
	h.call(http.MethodGet, "/api/courses/crs_missing", "alice", nil, http.StatusNotFound)
	h.call(http.MethodGet, "/api/nowhere", "", nil, http.StatusNotFound)
}

func TestCourseAndSectionLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	courseID := h.createCourse("alice", "Intro to Go", false)

	intro := h.createSection("alice", courseID, nil, "Introduction", "# Welcome\n\nHello there")
	setup := h.createSection("alice", courseID, nil, "Setup", "")
	editors := h.createSection("alice", courseID, &setup, "Editors", "")

	tree := h.call(http.MethodGet, "/api/courses/"+courseID+"/tree", "alice", nil, http.StatusOK)
	roots := tree["sections"].([]any)
	if len(roots) != 2 {
		t.Fatalf("expected 2 root sections, got %d", len(roots))
	}
	second := roots[1].(map[string]any)
	if second["id"] != setup || len(second["children"].([]any)) != 1 {
		t.Fatalf("unexpected tree shape: %v", roots)
	}

	// Move Editors to the front of the root list.
	moved := h.call(http.MethodPost, "/api/sections/"+editors+"/move", "alice", map[string]any{"parentId": nil, "order": 0}, http.StatusOK)
	if moved["parentId"] != nil || moved["order"] != float64(0) || moved["level"] != float64(0) {
		t.Fatalf("unexpected moved section: %v", moved)
	}

	h.call(http.MethodPut, "/api/courses/"+courseID+"/order", "alice", map[string]any{
		"sectionIds": []string{intro, setup, editors},
	}, http.StatusOK)

	report := h.call(http.MethodGet, "/api/courses/"+courseID+"/validate", "alice", nil, http.StatusOK)
	if report["valid"] != true || report["sectionCount"] != float64(3) {
		t.Fatalf("expected a valid hierarchy, got %v", report)
	}

	course := h.call(http.MethodGet, "/api/courses/"+courseID, "alice", nil, http.StatusOK)
	ids := course["sectionIds"].([]any)
	if len(ids) != 3 || ids[0] != intro || ids[2] != editors {
		t.Fatalf("unexpected section ids: %v", ids)
	}

	deleted := h.call(http.MethodDelete, "/api/sections/"+setup, "alice", nil, http.StatusOK)
	if len(deleted["deleted"].([]any)) != 1 {
		t.Fatalf("unexpected delete result: %v", deleted)
	}
	h.call(http.MethodGet, "/api/sections/"+setup, "alice", nil, http.StatusNotFound)
}

func TestSectionsEnforceCoursePermissions(t *testing.T) {
	h := newHarness(t, nil)
	private := h.createCourse("alice", "Private", false)
	public := h.createCourse("alice", "Public", true)
	secret := h.createSection("alice", private, nil, "Secret", "hidden")
	open := h.createSection("alice", public, nil, "Open", "visible")

	h.call(http.MethodGet, "/api/sections/"+secret, "bob", nil, http.StatusForbidden)
	h.call(http.MethodGet, "/api/courses/"+private+"/tree", "", nil, http.StatusForbidden)
	h.call(http.MethodGet, "/api/sections/"+open+"/content", "bob", nil, http.StatusOK)

	h.call(http.MethodPost, "/api/sections", "bob", map[string]any{"courseId": public, "title": "Mine"}, http.StatusForbidden)
	h.call(http.MethodPatch, "/api/sections/"+open, "bob", map[string]any{"title": "Renamed"}, http.StatusForbidden)
	h.call(http.MethodPut, "/api/sections/"+open+"/content", "bob", map[string]any{"content": "x", "format": "markdown"}, http.StatusForbidden)
	h.call(http.MethodDelete, "/api/courses/"+public, "bob", nil, http.StatusForbidden)

	fork := h.call(http.MethodPost, "/api/courses/"+public+"/fork", "bob", map[string]any{}, http.StatusCreated)
	if fork["ownerId"] != "bob" || fork["forkedFrom"] != public {
		t.Fatalf("unexpected fork: %v", fork)
	}
	h.call(http.MethodPost, "/api/courses/"+private+"/fork", "bob", map[string]any{}, http.StatusForbidden)
}

func TestContentAndVersionRoutes(t *testing.T) {
	h := newHarness(t, nil)
	courseID := h.createCourse("alice", "Writing", false)
	sectionID := h.createSection("alice", courseID, nil, "Draft", "")

	// Snapshotting an empty section is reported, not failed.
	skipped := h.call(http.MethodPost, "/api/sections/"+sectionID+"/versions", "alice", map[string]any{}, http.StatusOK)
	if skipped["code"] != "NO_CONTENT_TO_VERSION" {
		t.Fatalf("expected NO_CONTENT_TO_VERSION, got %v", skipped)
	}

	for i, text := range []string{"First draft", "Second draft"} {
		result := h.call(http.MethodPut, "/api/sections/"+sectionID+"/content", "alice", map[string]any{
			"content":           text,
			"format":            "markdown",
			"saveVersion":       true,
			"changeDescription": fmt.Sprintf("edit %d", i+1),
		}, http.StatusOK)
		if result["version"] == nil {
			t.Fatalf("expected a version for edit %d: %v", i+1, result)
		}
	}

	view := h.call(http.MethodGet, "/api/sections/"+sectionID+"/content?format=html", "alice", nil, http.StatusOK)
	if view["format"] != "html" || !strings.Contains(view["content"].(string), "Second draft") {
		t.Fatalf("unexpected html view: %v", view)
	}
	h.call(http.MethodGet, "/api/sections/"+sectionID+"/content?format=rtf", "alice", nil, http.StatusUnprocessableEntity)

	history := h.call(http.MethodGet, "/api/sections/"+sectionID+"/versions", "alice", nil, http.StatusOK)
	if history["total"] != float64(2) {
		t.Fatalf("expected 2 versions, got %v", history)
	}

	cmp := h.call(http.MethodGet, "/api/sections/"+sectionID+"/versions/compare?from=0&to=1", "alice", nil, http.StatusOK)
	if cmp == nil {
		t.Fatal("expected a comparison")
	}
	h.call(http.MethodGet, "/api/sections/"+sectionID+"/versions/compare?from=1", "alice", nil, http.StatusUnprocessableEntity)

	restored := h.call(http.MethodPost, "/api/sections/"+sectionID+"/versions/0/restore", "alice", map[string]any{}, http.StatusOK)
	if restored["id"] != sectionID {
		t.Fatalf("unexpected restore result: %v", restored)
	}
	view = h.call(http.MethodGet, "/api/sections/"+sectionID+"/content", "alice", nil, http.StatusOK)
	if view["content"] != "First draft" {
		t.Fatalf("expected restored content, got %v", view["content"])
	}
	h.call(http.MethodPost, "/api/sections/"+sectionID+"/versions/99/restore", "alice", map[string]any{}, http.StatusNotFound)

	cleaned := h.call(http.MethodDelete, "/api/sections/"+sectionID+"/versions?keep=1", "alice", nil, http.StatusOK)
	if cleaned["kept"] != float64(1) {
		t.Fatalf("unexpected cleanup result: %v", cleaned)
	}
	history = h.call(http.MethodGet, "/api/sections/"+sectionID+"/versions", "alice", nil, http.StatusOK)
	if history["total"] != float64(1) {
		t.Fatalf("expected 1 version after cleanup, got %v", history)
	}
}

func TestSearchRoute(t *testing.T) {
	h := newHarness(t, nil)
	courseID := h.createCourse("alice", "Searchable", true)
	h.createSection("alice", courseID, nil, "Channels", "Goroutines talk over channels.")
	h.createSection("alice", courseID, nil, "Maps", "Maps are not safe for concurrent writes.")

	resp := h.call(http.MethodGet, "/api/courses/"+courseID+"/search?q=channels", "bob", nil, http.StatusOK)
	hits := resp["results"].([]any)
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %v", resp)
	}
}

func TestExportRoute(t *testing.T) {
	h := newHarness(t, nil)
	courseID := h.createCourse("alice", "Intro to Go", false)
	h.createSection("alice", courseID, nil, "Setup", "Install the toolchain.")

	rr := h.do(http.MethodGet, "/api/courses/"+courseID+"/export?format=html", "alice", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("Content-Type") != "text/html" {
		t.Fatalf("unexpected content type %q", rr.Header().Get("Content-Type"))
	}
	if !strings.Contains(rr.Header().Get("Content-Disposition"), "intro-to-go.html") {
		t.Fatalf("unexpected disposition %q", rr.Header().Get("Content-Disposition"))
	}
	if !strings.Contains(rr.Body.String(), "Install the toolchain.") {
		t.Fatalf("expected section body in export")
	}

	rr = h.do(http.MethodGet, "/api/courses/"+courseID+"/export?format=pdf", "alice", nil)
	if rr.Code != http.StatusOK || !strings.HasPrefix(rr.Body.String(), "%PDF") {
		t.Fatalf("unexpected pdf export: %d", rr.Code)
	}

	// The default format is a bundle that imports as a new course.
	rr = h.do(http.MethodGet, "/api/courses/"+courseID+"/export", "alice", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected bundle export, got %d", rr.Code)
	}
	imported := h.call(http.MethodPost, "/api/courses/import", "bob", rr.Body.String(), http.StatusCreated)
	if imported["courseId"] == courseID || len(imported["sections"].([]any)) != 1 {
		t.Fatalf("unexpected import: %v", imported)
	}

	h.call(http.MethodGet, "/api/courses/"+courseID+"/export?format=pdf", "bob", nil, http.StatusForbidden)
	h.call(http.MethodPost, "/api/courses/"+courseID+"/publish", "alice", nil, http.StatusUnprocessableEntity)
}

func TestLegacyRoutes(t *testing.T) {
	h := newHarness(t, nil)
	created := h.call(http.MethodPost, "/api/legacy/courses", "alice", map[string]any{
		"title":   "Old Course",
		"content": "# Intro\n\nWelcome.\n\n# Next\n\nMore.",
	}, http.StatusCreated)
	courseID := created["id"].(string)
	if created["architecture"] != store.ArchitectureLegacy {
		t.Fatalf("expected a legacy course, got %v", created)
	}

	h.call(http.MethodPost, "/api/legacy/courses/"+courseID+"/convert", "bob", nil, http.StatusForbidden)
	conv := h.call(http.MethodPost, "/api/legacy/courses/"+courseID+"/convert", "alice", nil, http.StatusOK)
	if len(conv["sections"].([]any)) != 2 {
		t.Fatalf("expected 2 sections, got %v", conv)
	}
	h.call(http.MethodPost, "/api/legacy/courses/"+courseID+"/convert", "alice", nil, http.StatusConflict)

	flat := h.call(http.MethodGet, "/api/legacy/courses/"+courseID, "alice", nil, http.StatusOK)
	if !strings.Contains(flat["content"].(string), "# Intro") {
		t.Fatalf("expected flattened content, got %v", flat["content"])
	}
}

func TestContentETag(t *testing.T) {
	h := newHarness(t, nil)
	courseID := h.createCourse("alice", "Cached", false)
	sectionID := h.createSection("alice", courseID, nil, "Page", "Some text")

	first := h.do(http.MethodGet, "/api/sections/"+sectionID+"/content", "alice", nil)
	etag := first.Header().Get("ETag")
	if first.Code != http.StatusOK || etag == "" {
		t.Fatalf("expected an ETag, got %d %q", first.Code, etag)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/sections/"+sectionID+"/content", nil)
	token, _ := auth.IssueUserToken([]byte(testSecret), "alice", "", time.Hour)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("If-None-Match", etag)
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", rr.Code)
	}

	h.call(http.MethodPut, "/api/sections/"+sectionID+"/content", "alice", map[string]any{"content": "Changed", "format": "markdown"}, http.StatusOK)
	after := h.do(http.MethodGet, "/api/sections/"+sectionID+"/content", "alice", nil)
	if after.Header().Get("ETag") == etag {
		t.Fatal("ETag should change with the content")
	}
}
