package app

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"coursecore/api/internal/codec"
	"coursecore/api/internal/hierarchy"
	"coursecore/api/internal/rbac"
	"coursecore/api/internal/store"
)

func (s *HTTPServer) handleCreateSection(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CourseID string  `json:"courseId"`
		ParentID *string `json:"parentId"`
		Order    *int    `json:"order"`
		Title    string  `json:"title"`
		Content  string  `json:"content"`
		Format   string  `json:"format"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if _, err := s.service.Courses.Authorize(r.Context(), body.CourseID, userID(r), rbac.ActionWrite); err != nil {
		s.fail(w, r, err)
		return
	}
	var initial codec.Content
	if body.Content != "" {
		name := body.Format
		if name == "" {
			name = string(codec.Markdown)
		}
		f, err := codec.ParseStoredFormat(name)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if initial, err = codec.ToMultiFormat(body.Content, f); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	created, err := s.service.Tree.CreateSection(r.Context(), hierarchy.CreateInput{
		CourseID: body.CourseID,
		ParentID: body.ParentID,
		Order:    body.Order,
		Title:    body.Title,
		Content:  initial,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.service.syncIndex(r.Context(), nil, created.ID)
	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleGetSection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sectionID")
	if _, err := s.service.Content.Authorize(r.Context(), id, userID(r), rbac.ActionRead); err != nil {
		s.fail(w, r, err)
		return
	}
	node, err := s.service.Tree.GetSection(r.Context(), id, hierarchy.GetOptions{
		IncludeChildren: queryBool(r, "children"),
		IncludeContent:  queryBool(r, "content"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *HTTPServer) handleUpdateSection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sectionID")
	var body struct {
		Title *string `json:"title"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if _, err := s.service.Content.Authorize(r.Context(), id, userID(r), rbac.ActionWrite); err != nil {
		s.fail(w, r, err)
		return
	}
	updated, err := s.service.Tree.UpdateSection(r.Context(), id, hierarchy.UpdateInput{Title: body.Title})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.service.syncIndex(r.Context(), nil, updated.ID)
	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteSection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sectionID")
	if _, err := s.service.Content.Authorize(r.Context(), id, userID(r), rbac.ActionWrite); err != nil {
		s.fail(w, r, err)
		return
	}
	deleted, err := s.service.Tree.DeleteSection(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.service.syncIndex(r.Context(), deleted)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

func (s *HTTPServer) handleDescendants(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sectionID")
	if _, err := s.service.Content.Authorize(r.Context(), id, userID(r), rbac.ActionRead); err != nil {
		s.fail(w, r, err)
		return
	}
	depth, err := queryInt(r, "maxDepth", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	sections, err := s.service.Tree.GetDescendants(r.Context(), id, hierarchy.DescendantsOptions{MaxDepth: depth})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sections": sections})
}

func (s *HTTPServer) handleMoveSection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sectionID")
	var body struct {
		// A null or absent parent moves the section to the course root.
		ParentID *string `json:"parentId"`
		Order    *int    `json:"order"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if _, err := s.service.Content.Authorize(r.Context(), id, userID(r), rbac.ActionWrite); err != nil {
		s.fail(w, r, err)
		return
	}
	moved, err := s.service.Tree.MoveSection(r.Context(), id, body.ParentID, body.Order)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, moved)
}

func (s *HTTPServer) handleDuplicateSection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sectionID")
	var body struct {
		IncludeChildren bool    `json:"includeChildren"`
		NewParentID     *string `json:"newParentId"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if _, err := s.service.Content.Authorize(r.Context(), id, userID(r), rbac.ActionWrite); err != nil {
		s.fail(w, r, err)
		return
	}
	copied, err := s.service.Tree.DuplicateSection(r.Context(), id, hierarchy.DuplicateOptions{
		IncludeChildren: body.IncludeChildren,
		NewParentID:     body.NewParentID,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.indexSubtree(r, copied)
	writeJSON(w, http.StatusCreated, copied)
}

func (s *HTTPServer) handleMergeSection(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "sectionID")
	var body struct {
		TargetID string `json:"targetId"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if _, err := s.service.Content.Authorize(r.Context(), sourceID, userID(r), rbac.ActionWrite); err != nil {
		s.fail(w, r, err)
		return
	}
	if _, err := s.service.Content.Authorize(r.Context(), body.TargetID, userID(r), rbac.ActionWrite); err != nil {
		s.fail(w, r, err)
		return
	}
	merged, err := s.service.Tree.MergeSections(r.Context(), sourceID, body.TargetID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.service.syncIndex(r.Context(), []string{sourceID}, merged.ID)
	writeJSON(w, http.StatusOK, merged)
}

func (s *HTTPServer) handleSplitSection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sectionID")
	var body struct {
		Points []int `json:"splitPoints"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if _, err := s.service.Content.Authorize(r.Context(), id, userID(r), rbac.ActionWrite); err != nil {
		s.fail(w, r, err)
		return
	}
	parts, err := s.service.Tree.SplitSection(r.Context(), id, body.Points)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		ids = append(ids, p.ID)
	}
	s.service.syncIndex(r.Context(), nil, ids...)
	writeJSON(w, http.StatusOK, map[string]any{"sections": parts})
}

// indexSubtree indexes a freshly copied section and everything below it.
func (s *HTTPServer) indexSubtree(r *http.Request, root store.Section) {
	ids := []string{root.ID}
	below, err := s.service.Tree.GetDescendants(r.Context(), root.ID, hierarchy.DescendantsOptions{})
	if err == nil {
		for _, sec := range below {
			ids = append(ids, sec.ID)
		}
	}
	s.service.syncIndex(r.Context(), nil, ids...)
}
