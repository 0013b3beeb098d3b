package app

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"coursecore/api/internal/apperr"
	"coursecore/api/internal/content"
	"coursecore/api/internal/course"
	"coursecore/api/internal/export"
	"coursecore/api/internal/hierarchy"
	"coursecore/api/internal/rbac"
)

// maxBundleBytes bounds an imported course bundle.
const maxBundleBytes = 32 << 20

func (s *HTTPServer) handleCreateCourse(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title  string `json:"title"`
		Public bool   `json:"public"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	view, err := s.service.Courses.Create(r.Context(), course.CreateInput{Title: body.Title, Public: body.Public}, userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *HTTPServer) handleGetCourse(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.Courses.Get(r.Context(), chi.URLParam(r, "courseID"), userID(r), course.GetOptions{
		IncludeTree:    queryBool(r, "tree"),
		IncludeContent: queryBool(r, "content"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleUpdateCourse(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title  *string `json:"title"`
		Public *bool   `json:"public"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	view, err := s.service.Courses.Update(r.Context(), chi.URLParam(r, "courseID"), course.UpdateInput{
		Title:  body.Title,
		Public: body.Public,
	}, userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleDeleteCourse(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Courses.Delete(r.Context(), chi.URLParam(r, "courseID"), userID(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleForkCourse(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title  string `json:"title"`
		Public bool   `json:"public"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	view, err := s.service.Courses.Fork(r.Context(), chi.URLParam(r, "courseID"), userID(r), course.ForkInput{
		Title:  body.Title,
		Public: body.Public,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *HTTPServer) handleCourseTree(w http.ResponseWriter, r *http.Request) {
	courseID := chi.URLParam(r, "courseID")
	if _, err := s.service.Courses.Authorize(r.Context(), courseID, userID(r), rbac.ActionRead); err != nil {
		s.fail(w, r, err)
		return
	}
	tree, err := s.service.Tree.GetCourseTree(r.Context(), courseID, queryBool(r, "content"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"courseId": courseID, "sections": tree})
}

func (s *HTTPServer) handleValidateCourse(w http.ResponseWriter, r *http.Request) {
	courseID := chi.URLParam(r, "courseID")
	if _, err := s.service.Courses.Authorize(r.Context(), courseID, userID(r), rbac.ActionRead); err != nil {
		s.fail(w, r, err)
		return
	}
	report, err := s.service.Tree.ValidateHierarchy(r.Context(), courseID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *HTTPServer) handleReorder(w http.ResponseWriter, r *http.Request) {
	courseID := chi.URLParam(r, "courseID")
	var body struct {
		ParentID   *string  `json:"parentId"`
		SectionIDs []string `json:"sectionIds"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if _, err := s.service.Courses.Authorize(r.Context(), courseID, userID(r), rbac.ActionWrite); err != nil {
		s.fail(w, r, err)
		return
	}
	sections, err := s.service.Tree.ReorderSections(r.Context(), courseID, body.ParentID, body.SectionIDs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sections": sections})
}

func (s *HTTPServer) handleBulkSections(w http.ResponseWriter, r *http.Request) {
	courseID := chi.URLParam(r, "courseID")
	var body struct {
		Operation       string   `json:"operation"`
		SectionIDs      []string `json:"sectionIds"`
		NewParentID     *string  `json:"newParentId"`
		Order           *int     `json:"order"`
		IncludeChildren bool     `json:"includeChildren"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if _, err := s.service.Courses.Authorize(r.Context(), courseID, userID(r), rbac.ActionWrite); err != nil {
		s.fail(w, r, err)
		return
	}
	// Every listed section must belong to the authorized course.
	for _, id := range body.SectionIDs {
		sec, err := s.service.Store().GetSection(r.Context(), id)
		if err != nil || sec.CourseID != courseID {
			s.fail(w, r, apperr.NotFound("section %s not found in course %s", id, courseID))
			return
		}
	}
	result, err := s.service.Tree.BulkOperation(r.Context(), body.Operation, body.SectionIDs, hierarchy.BulkOptions{
		NewParentID:     body.NewParentID,
		Order:           body.Order,
		IncludeChildren: body.IncludeChildren,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if result.Operation == hierarchy.BulkDelete {
		s.service.syncIndex(r.Context(), result.Affected)
	} else {
		for _, id := range result.Created {
			if sec, err := s.service.Store().GetSection(r.Context(), id); err == nil {
				s.indexSubtree(r, sec)
			}
		}
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	courseID := chi.URLParam(r, "courseID")
	if _, err := s.service.Courses.Authorize(r.Context(), courseID, userID(r), rbac.ActionRead); err != nil {
		s.fail(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp, err := s.service.Content.SearchContent(r.Context(), courseID, r.URL.Query().Get("q"), content.SearchOptions{
		Format: r.URL.Query().Get("format"),
		Limit:  limit,
		Regex:  queryBool(r, "regex"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleExportCourse(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	result, err := s.service.Export.Export(r.Context(), chi.URLParam(r, "courseID"), userID(r), format)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeFile(w, result.Data, result.Filename, result.MimeType)
}

func (s *HTTPServer) handlePublishCourse(w http.ResponseWriter, r *http.Request) {
	pub, err := s.service.Export.PublishBundle(r.Context(), chi.URLParam(r, "courseID"), userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pub)
}

func (s *HTTPServer) handleImportBundle(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(userID(r)) == "" {
		s.fail(w, r, apperr.Unauthorized("sign in to import a course"))
		return
	}
	data, err := readBody(r, maxBundleBytes)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	imported, err := s.service.Export.ImportBundle(r.Context(), data, userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, imported)
}
