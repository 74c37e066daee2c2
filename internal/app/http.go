package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"folio/api/internal/auth"
	"folio/api/internal/authpw"
	"folio/api/internal/rbac"
	"folio/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
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
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signup" {
		var body struct {
			Email       string `json:"email"`
			Password    string `json:"password"`
			DisplayName string `json:"displayName"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.SignUp(r.Context(), authpw.SignUpRequest{
			Email:       body.Email,
			Password:    body.Password,
			DisplayName: body.DisplayName,
		})
		if err != nil {
			if errors.Is(err, store.ErrDuplicateEmail) {
				writeError(w, http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
				return
			}
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		writeJSON(w, http.StatusCreated, sessionPayload(session))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin" {
		var body struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.SignIn(r.Context(), authpw.SignInRequest{
			Email:    body.Email,
			Password: body.Password,
		})
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid email or password", nil)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(session))
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userName":      session.UserName,
			"userId":        session.UserID,
			"role":          session.Role,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(session))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		session := Session{}
		if token := bearerToken(r); token != "" {
			if parsed, err := s.service.SessionFromToken(r.Context(), token); err == nil {
				session = parsed
			}
		}
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		_ = s.service.Logout(r.Context(), session, body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.URL.Path == "/api/articles" {
		switch r.Method {
		case http.MethodGet:
			s.respond(w, session, rbac.ActionRead, func() (map[string]any, error) {
				return s.service.ListArticles(r.Context())
			})
		case http.MethodPost:
			var body CreateArticleInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			s.respondStatus(w, session, rbac.ActionWrite, http.StatusCreated, func() (map[string]any, error) {
				return s.service.CreateArticle(r.Context(), session, body)
			})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if r.URL.Path == "/api/reviews" {
		switch r.Method {
		case http.MethodGet:
			if !s.service.Can(session.Role, rbac.ActionRead) {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
				return
			}
			filter, err := reviewFilterFromQuery(r)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
				return
			}
			payload, err := s.service.ListReviews(r.Context(), session, filter)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodPost:
			var body SubmitReviewInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			s.respondStatus(w, session, rbac.ActionWrite, http.StatusCreated, func() (map[string]any, error) {
				return s.service.SubmitReview(r.Context(), session, body)
			})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/audit" {
		if !s.service.Can(session.Role, rbac.ActionAudit) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		filter := store.AuditFilter{
			ActorID:    strings.TrimSpace(r.URL.Query().Get("actorId")),
			Action:     strings.TrimSpace(r.URL.Query().Get("action")),
			TargetType: strings.TrimSpace(r.URL.Query().Get("targetType")),
			TargetID:   strings.TrimSpace(r.URL.Query().Get("targetId")),
		}
		filter.Limit = queryUint(r, "limit")
		filter.Offset = queryUint(r, "offset")
		payload, err := s.service.AuditLog(r.Context(), filter)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "articles" {
		s.handleArticleRoutes(w, r, session, parts)
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "branches" {
		s.handleBranchRoutes(w, r, session, parts)
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "reviews" {
		s.handleReviewRoutes(w, r, session, parts)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleArticleRoutes(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	articleID := parts[2]

	if len(parts) == 3 && r.Method == http.MethodGet {
		s.respond(w, session, rbac.ActionRead, func() (map[string]any, error) {
			return s.service.GetArticle(r.Context(), articleID)
		})
		return
	}

	if len(parts) == 4 && parts[3] == "branches" {
		switch r.Method {
		case http.MethodGet:
			s.respond(w, session, rbac.ActionRead, func() (map[string]any, error) {
				return s.service.ListBranches(r.Context(), articleID)
			})
		case http.MethodPost:
			var body CreateBranchInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			s.respondStatus(w, session, rbac.ActionWrite, http.StatusCreated, func() (map[string]any, error) {
				return s.service.CreateBranch(r.Context(), session, articleID, body)
			})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) == 4 && parts[3] == "diff" && r.Method == http.MethodGet {
		fromVersion := strings.TrimSpace(r.URL.Query().Get("fromVersion"))
		toVersion := strings.TrimSpace(r.URL.Query().Get("toVersion"))
		s.respond(w, session, rbac.ActionRead, func() (map[string]any, error) {
			return s.service.DiffVersions(r.Context(), articleID, fromVersion, toVersion)
		})
		return
	}

	if len(parts) == 4 && parts[3] == "review-state" && r.Method == http.MethodGet {
		s.respond(w, session, rbac.ActionRead, func() (map[string]any, error) {
			return s.service.ReviewState(r.Context(), articleID)
		})
		return
	}

	if len(parts) == 4 && parts[3] == "workflow" && r.Method == http.MethodGet {
		s.respond(w, session, rbac.ActionRead, func() (map[string]any, error) {
			return s.service.WorkflowHistory(r.Context(), articleID)
		})
		return
	}

	if len(parts) == 4 && parts[3] == "archive" && r.Method == http.MethodGet {
		limit := int(queryUint(r, "limit"))
		s.respond(w, session, rbac.ActionRead, func() (map[string]any, error) {
			return s.service.ArchiveHistory(r.Context(), articleID, limit)
		})
		return
	}

	if len(parts) == 6 && parts[3] == "versions" && parts[5] == "restore" && r.Method == http.MethodPost {
		versionID := parts[4]
		s.respond(w, session, rbac.ActionWrite, func() (map[string]any, error) {
			return s.service.RestoreVersion(r.Context(), session, articleID, versionID)
		})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleBranchRoutes(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	branchID := parts[2]

	if len(parts) == 4 && parts[3] == "versions" {
		switch r.Method {
		case http.MethodGet:
			s.respond(w, session, rbac.ActionRead, func() (map[string]any, error) {
				return s.service.ListVersions(r.Context(), branchID)
			})
		case http.MethodPost:
			var body AppendVersionInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			s.respondStatus(w, session, rbac.ActionWrite, http.StatusCreated, func() (map[string]any, error) {
				return s.service.AppendVersion(r.Context(), session, branchID, body)
			})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) == 4 && parts[3] == "merge" && r.Method == http.MethodPost {
		var body MergeBranchInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		s.respond(w, session, rbac.ActionWrite, func() (map[string]any, error) {
			return s.service.MergeBranch(r.Context(), session, branchID, body)
		})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReviewRoutes(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	reviewID := parts[2]

	if len(parts) == 3 && r.Method == http.MethodGet {
		s.respond(w, session, rbac.ActionRead, func() (map[string]any, error) {
			return s.service.GetReview(r.Context(), reviewID)
		})
		return
	}

	if len(parts) == 4 && parts[3] == "assign" && r.Method == http.MethodPut {
		var body AssignReviewInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		s.respond(w, session, rbac.ActionManageReview, func() (map[string]any, error) {
			return s.service.AssignReview(r.Context(), session, reviewID, body)
		})
		return
	}

	// Fine-grained rules (assignee vs author vs editor) live in the
	// service; the role gate here only requires a writer.
	if len(parts) == 3 && r.Method == http.MethodPut {
		var body UpdateReviewInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		s.respond(w, session, rbac.ActionWrite, func() (map[string]any, error) {
			return s.service.UpdateReview(r.Context(), session, reviewID, body)
		})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// respond runs one service call behind a role check and writes the
// payload or the mapped error.
func (s *HTTPServer) respond(w http.ResponseWriter, session Session, action rbac.Action, fn func() (map[string]any, error)) {
	s.respondStatus(w, session, action, http.StatusOK, fn)
}

func (s *HTTPServer) respondStatus(w http.ResponseWriter, session Session, action rbac.Action, okStatus int, fn func() (map[string]any, error)) {
	if !s.service.Can(session.Role, action) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		return
	}
	payload, err := fn()
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, okStatus, payload)
}

func reviewFilterFromQuery(r *http.Request) (store.ReviewFilter, error) {
	filter := store.ReviewFilter{
		ArticleID:  strings.TrimSpace(r.URL.Query().Get("articleId")),
		Status:     strings.TrimSpace(r.URL.Query().Get("status")),
		Type:       strings.TrimSpace(r.URL.Query().Get("type")),
		Priority:   strings.TrimSpace(r.URL.Query().Get("priority")),
		AssigneeID: strings.TrimSpace(r.URL.Query().Get("assigneeId")),
	}
	for _, key := range []string{"limit", "offset"} {
		raw := strings.TrimSpace(r.URL.Query().Get(key))
		if raw == "" {
			continue
		}
		parsed, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return store.ReviewFilter{}, fmt.Errorf("%s must be a non-negative integer", key)
		}
		if key == "limit" {
			filter.Limit = parsed
		} else {
			filter.Offset = parsed
		}
	}
	return filter, nil
}

func queryUint(r *http.Request, key string) uint64 {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0
	}
	parsed, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0
	}
	return parsed
}

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"token":        session.Token,
		"refreshToken": session.RefreshToken,
		"userId":       session.UserID,
		"userName":     session.UserName,
		"role":         session.Role,
	}
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
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

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

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
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
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

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		// An empty body means "no fields"; only malformed JSON is an error.
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, sql.ErrNoRows), errors.Is(err, store.ErrWrongArticle):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, store.ErrDuplicateBranch):
		return http.StatusConflict, "CONFLICT", "Branch name already exists for this article", nil
	case errors.Is(err, store.ErrBranchMerged):
		return http.StatusConflict, "CONFLICT", "Branch is already merged", nil
	case errors.Is(err, store.ErrActiveReview):
		return http.StatusConflict, "CONFLICT", "An active review of this type already exists", nil
	case errors.Is(err, store.ErrReviewNotPending):
		return http.StatusConflict, "CONFLICT", "Review is not pending", nil
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "CONFLICT", "Invalid review status transition", nil
	case errors.Is(err, store.ErrEmptyBranch):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Branch has no versions to merge", nil
	case errors.Is(err, store.ErrDefaultBranch):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "The default branch cannot be merged", nil
	case errors.Is(err, store.ErrSelfMerge):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "A branch cannot be merged into itself", nil
	case errors.Is(err, store.ErrLowReputation):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Assignee reputation is below the stage minimum", nil
	case errors.Is(err, store.ErrDuplicateEmail):
		return http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Invalid email or password", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
