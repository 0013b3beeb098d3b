package app

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"coursecore/api/internal/apperr"
	"coursecore/api/internal/codec"
	"coursecore/api/internal/content"
	"coursecore/api/internal/ledger"
	"coursecore/api/internal/rbac"
)

type contentBody struct {
	Content           string         `json:"content"`
	Format            string         `json:"format"`
	SaveVersion       bool           `json:"saveVersion"`
	ChangeDescription string         `json:"changeDescription"`
	Metadata          map[string]any `json:"metadata"`
}

func (b contentBody) input() content.UpdateInput {
	return content.UpdateInput{
		Content:           b.Content,
		Format:            b.Format,
		SaveVersion:       b.SaveVersion,
		ChangeDescription: b.ChangeDescription,
		Metadata:          b.Metadata,
	}
}

func (s *HTTPServer) handleGetContent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sectionID")
	if _, err := s.service.Content.Authorize(r.Context(), id, userID(r), rbac.ActionRead); err != nil {
		s.fail(w, r, err)
		return
	}
	view, err := s.service.Content.GetContent(r.Context(), id, r.URL.Query().Get("format"), content.GetOptions{
		IncludeVersions: queryBool(r, "versions"),
		IncludeStats:    queryBool(r, "stats"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	etag := `"` + codec.Fingerprint(string(view.Format)+"\x00"+view.Content) + `"`
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag && !queryBool(r, "versions") {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleUpdateContent(w http.ResponseWriter, r *http.Request) {
	var body contentBody
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	result, err := s.service.Content.UpdateContent(r.Context(), chi.URLParam(r, "sectionID"), body.input(), userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleSwitchPrimary(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Format string `json:"format"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	section, err := s.service.Content.SwitchPrimaryFormat(r.Context(), chi.URLParam(r, "sectionID"), body.Format, userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, section)
}

func (s *HTTPServer) handleBulkContent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Updates []struct {
			SectionID string `json:"sectionId"`
			contentBody
		} `json:"updates"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	items := make([]content.BulkItem, 0, len(body.Updates))
	for _, u := range body.Updates {
		items = append(items, content.BulkItem{SectionID: u.SectionID, UpdateInput: u.input()})
	}
	results, err := s.service.Content.BulkUpdate(r.Context(), items, userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *HTTPServer) handleImportContent(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(r, content.MaxImportBytes)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	result, err := s.service.Content.Import(r.Context(), chi.URLParam(r, "sectionID"), content.ImportInput{
		Format:      r.URL.Query().Get("format"),
		Data:        data,
		SaveVersion: queryBool(r, "saveVersion"),
	}, userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleExportContent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sectionID")
	if _, err := s.service.Content.Authorize(r.Context(), id, userID(r), rbac.ActionRead); err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.service.Content.Export(r.Context(), id, r.URL.Query().Get("format"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeFile(w, []byte(out.Data), out.Filename, out.MimeType)
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sectionID")
	if _, err := s.service.Content.Authorize(r.Context(), id, userID(r), rbac.ActionRead); err != nil {
		s.fail(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	history, err := s.service.Versions.GetHistory(r.Context(), id, ledger.HistoryOptions{
		Limit:          limit,
		Offset:         offset,
		IncludeContent: queryBool(r, "content"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *HTTPServer) handleSaveVersion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sectionID")
	var body struct {
		ChangeDescription string `json:"changeDescription"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if _, err := s.service.Content.Authorize(r.Context(), id, userID(r), rbac.ActionWrite); err != nil {
		s.fail(w, r, err)
		return
	}
	version, err := s.service.Versions.SaveVersion(r.Context(), id, userID(r), body.ChangeDescription)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, version)
}

func (s *HTTPServer) handleCleanupVersions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sectionID")
	if _, err := s.service.Content.Authorize(r.Context(), id, userID(r), rbac.ActionWrite); err != nil {
		s.fail(w, r, err)
		return
	}
	keep, err := queryInt(r, "keep", s.service.Versions.Retention())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	removed, err := s.service.Versions.Cleanup(r.Context(), id, keep)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed, "kept": keep})
}

func (s *HTTPServer) handleCompareVersions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sectionID")
	if _, err := s.service.Content.Authorize(r.Context(), id, userID(r), rbac.ActionRead); err != nil {
		s.fail(w, r, err)
		return
	}
	q := r.URL.Query()
	if q.Get("from") == "" || q.Get("to") == "" {
		s.fail(w, r, apperr.Validation("from and to are required"))
		return
	}
	from, err := queryInt(r, "from", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	to, err := queryInt(r, "to", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	cmp, err := s.service.Versions.CompareVersions(r.Context(), id, from, to)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cmp)
}

func (s *HTTPServer) handleRestoreVersion(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		s.fail(w, r, apperr.Validation("version index must be an integer"))
		return
	}
	var body struct {
		ExpectedVersionID string `json:"expectedVersionId"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	section, err := s.service.Content.RestoreVersion(r.Context(), chi.URLParam(r, "sectionID"), index, userID(r), ledger.RestoreOptions{
		ExpectedVersionID: body.ExpectedVersionID,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, section)
}
