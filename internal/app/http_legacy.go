package app

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"coursecore/api/internal/legacy"
	"coursecore/api/internal/rbac"
)

// The legacy routes serve clients that still expect one content string per
// course.

func (s *HTTPServer) handleCreateLegacy(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title   string `json:"title"`
		Content string `json:"content"`
		Public  bool   `json:"public"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	created, err := s.service.Legacy.CreateLegacyCourse(r.Context(), legacy.CreateInput{
		Title:   body.Title,
		Content: body.Content,
		Public:  body.Public,
	}, userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleGetLegacy(w http.ResponseWriter, r *http.Request) {
	courseID := chi.URLParam(r, "courseID")
	if _, err := s.service.Courses.Authorize(r.Context(), courseID, userID(r), rbac.ActionRead); err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.service.Legacy.CourseToLegacyFormat(r.Context(), courseID, legacy.ToLegacyOptions{
		IncludeContent: r.URL.Query().Get("content") != "false",
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *HTTPServer) handleUpdateLegacy(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title   *string `json:"title"`
		Content *string `json:"content"`
		Public  *bool   `json:"public"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.service.Legacy.UpdateLegacyCourse(r.Context(), chi.URLParam(r, "courseID"), legacy.UpdateInput{
		Title:   body.Title,
		Content: body.Content,
		Public:  body.Public,
	}, userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *HTTPServer) handleConvertLegacy(w http.ResponseWriter, r *http.Request) {
	conv, err := s.service.Legacy.ConvertLegacyCourse(r.Context(), chi.URLParam(r, "courseID"), userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}
