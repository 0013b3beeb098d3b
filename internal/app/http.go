package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"coursecore/api/internal/apperr"
	"coursecore/api/internal/auth"
	"coursecore/api/internal/logger"
)

type HTTPServer struct {
	service     *Service
	corsOrigin  string
	tokenSecret []byte
	log         *logger.Logger
}

func NewHTTPServer(service *Service, corsOrigin, tokenSecret string) *HTTPServer {
	return &HTTPServer{
		service:     service,
		corsOrigin:  corsOrigin,
		tokenSecret: []byte(tokenSecret),
		log:         service.log.With("component", "http"),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware, s.withUser)
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)

	r.Route("/api/courses", func(r chi.Router) {
		r.Post("/", s.handleCreateCourse)
		r.Post("/import", s.handleImportBundle)
		r.Route("/{courseID}", func(r chi.Router) {
			r.Get("/", s.handleGetCourse)
			r.Patch("/", s.handleUpdateCourse)
			r.Delete("/", s.handleDeleteCourse)
			r.Post("/fork", s.handleForkCourse)
			r.Get("/tree", s.handleCourseTree)
			r.Get("/validate", s.handleValidateCourse)
			r.Put("/order", s.handleReorder)
			r.Post("/bulk", s.handleBulkSections)
			r.Get("/search", s.handleSearch)
			r.Get("/export", s.handleExportCourse)
			r.Post("/publish", s.handlePublishCourse)
		})
	})

	r.Route("/api/sections", func(r chi.Router) {
		r.Post("/", s.handleCreateSection)
		r.Route("/{sectionID}", func(r chi.Router) {
			r.Get("/", s.handleGetSection)
			r.Patch("/", s.handleUpdateSection)
			r.Delete("/", s.handleDeleteSection)
			r.Get("/descendants", s.handleDescendants)
			r.Post("/move", s.handleMoveSection)
			r.Post("/duplicate", s.handleDuplicateSection)
			r.Post("/merge", s.handleMergeSection)
			r.Post("/split", s.handleSplitSection)

			r.Get("/content", s.handleGetContent)
			r.Put("/content", s.handleUpdateContent)
			r.Put("/content/primary", s.handleSwitchPrimary)
			r.Post("/content/import", s.handleImportContent)
			r.Get("/content/export", s.handleExportContent)

			r.Get("/versions", s.handleHistory)
			r.Post("/versions", s.handleSaveVersion)
			r.Delete("/versions", s.handleCleanupVersions)
			r.Get("/versions/compare", s.handleCompareVersions)
			r.Post("/versions/{index}/restore", s.handleRestoreVersion)
		})
	})
	r.Post("/api/content/bulk", s.handleBulkContent)

	r.Route("/api/legacy/courses", func(r chi.Router) {
		r.Post("/", s.handleCreateLegacy)
		r.Get("/{courseID}", s.handleGetLegacy)
		r.Put("/{courseID}", s.handleUpdateLegacy)
		r.Post("/{courseID}/convert", s.handleConvertLegacy)
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(writer, r)

		s.log.Info("request",
			"requestId", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"durationMs", time.Since(started).Milliseconds(),
		)
	})
}

// withUser resolves the acting user from the bearer token. Requests without
// a token are anonymous; a bad token is rejected.
func (s *HTTPServer) withUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := auth.ParseToken(s.tokenSecret, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, claims.Sub)))
	})
}

var errInvalidBody = errors.New("invalid JSON body")

type requestIDKey struct{}
type userKey struct{}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(userKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

// writeFile sends a download instead of JSON.
func writeFile(w http.ResponseWriter, data []byte, filename, mimeType string) {
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// fail maps err onto a response. Unexpected errors are logged.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		requestID, _ := r.Context().Value(requestIDKey{}).(string)
		s.log.Error("request failed", "requestId", requestID, "path", r.URL.Path, "error", err)
	}
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return errInvalidBody
	}
	return nil
}

func readBody(r *http.Request, limit int64) ([]byte, error) {
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, apperr.Validation("read request body: %v", err)
	}
	if int64(len(data)) > limit {
		return nil, apperr.Validation("request body exceeds %d bytes", limit)
	}
	return data, nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func queryBool(r *http.Request, key string) bool {
	switch strings.ToLower(r.URL.Query().Get(key)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Validation("%s must be an integer", key)
	}
	return n, nil
}
