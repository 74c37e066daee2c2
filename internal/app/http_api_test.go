package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"folio/api/internal/auth"
	"folio/api/internal/store"
)

func issueTestToken(t *testing.T, userID, role string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte("test-secret"), auth.Claims{
		Sub:  userID,
		Role: role,
		JTI:  "jti-" + userID,
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func userStore(role string) *fakeStore {
	return &fakeStore{
		getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
			return store.User{ID: userID, DisplayName: "Test User", Role: role}, nil
		},
	}
}

func doRequest(t *testing.T, server *HTTPServer, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response %q: %v", rr.Body.String(), err)
	}
	return payload
}

func TestArticlesRequireAuth(t *testing.T) {
	server := NewHTTPServer(newTestService(userStore("user")), "*")

	rr := doRequest(t, server, http.MethodGet, "/api/articles", "", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status %d, want 401", rr.Code)
	}

	rr = doRequest(t, server, http.MethodGet, "/api/articles", "garbage.token", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: status %d, want 401", rr.Code)
	}
}

func TestCreateArticleRoundTrip(t *testing.T) {
	fs := userStore("user")
	var created store.CreateArticleInput
	fs.createArticleFn = func(_ context.Context, input store.CreateArticleInput) (store.Article, error) {
		created = input
		return store.Article{ID: "art_1", Title: input.Title, Content: input.Content, Status: "draft", AuthorID: input.AuthorID}, nil
	}
	server := NewHTTPServer(newTestService(fs), "*")
	token := issueTestToken(t, "usr_1", "user")

	rr := doRequest(t, server, http.MethodPost, "/api/articles", token,
		`{"title":"Field Notes","content":"line one\n"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status %d, want 201: %s", rr.Code, rr.Body.String())
	}

	payload := decodeResponse(t, rr)
	if payload["id"] != "art_1" || payload["status"] != "draft" {
		t.Fatalf("unexpected payload: %v", payload)
	}
	if created.AuthorID != "usr_1" {
		t.Fatalf("author = %q, want session user", created.AuthorID)
	}
}

func TestCreateArticleValidationStatus(t *testing.T) {
	server := NewHTTPServer(newTestService(userStore("user")), "*")
	token := issueTestToken(t, "usr_1", "user")

	rr := doRequest(t, server, http.MethodPost, "/api/articles", token, `{"title":"  "}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status %d, want 422: %s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	if payload["code"] != "VALIDATION_ERROR" {
		t.Fatalf("code = %v, want VALIDATION_ERROR", payload["code"])
	}
}

func TestAssignReviewForbiddenForUserRole(t *testing.T) {
	server := NewHTTPServer(newTestService(userStore("user")), "*")
	token := issueTestToken(t, "usr_1", "user")

	rr := doRequest(t, server, http.MethodPut, "/api/reviews/rev_1/assign", token,
		`{"assigneeId":"usr_2"}`)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status %d, want 403: %s", rr.Code, rr.Body.String())
	}
}

func TestAssignReviewAsEditor(t *testing.T) {
	fs := userStore("editor")
	fs.assignReviewFn = func(_ context.Context, input store.AssignReviewInput) (store.Review, error) {
		assignee := input.AssigneeID
		reviewer := input.ActorID
		return store.Review{ID: input.ReviewID, ArticleID: "art_1", Type: "technical",
			Status: "in_progress", Priority: "normal", ReviewerID: &reviewer, AssigneeID: &assignee}, nil
	}
	server := NewHTTPServer(newTestService(fs), "*")
	token := issueTestToken(t, "usr_ed", "editor")

	rr := doRequest(t, server, http.MethodPut, "/api/reviews/rev_1/assign", token,
		`{"assigneeId":"usr_2"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d, want 200: %s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	if payload["status"] != "in_progress" {
		t.Fatalf("status = %v, want in_progress", payload["status"])
	}
	if payload["reviewerId"] != "usr_ed" || payload["assigneeId"] != "usr_2" {
		t.Fatalf("assignment payload: %v", payload)
	}
}

func TestAuditRequiresAuditRole(t *testing.T) {
	fs := userStore("user")
	server := NewHTTPServer(newTestService(fs), "*")

	rr := doRequest(t, server, http.MethodGet, "/api/audit", issueTestToken(t, "usr_1", "user"), "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("user role: status %d, want 403", rr.Code)
	}

	editorStore := userStore("editor")
	var gotFilter store.AuditFilter
	editorStore.listAuditFn = func(_ context.Context, filter store.AuditFilter) ([]store.AuditEntry, error) {
		gotFilter = filter
		return []store.AuditEntry{{ID: 1, Action: "branch.merged", TargetType: "article", TargetID: "art_1"}}, nil
	}
	server = NewHTTPServer(newTestService(editorStore), "*")

	rr = doRequest(t, server, http.MethodGet,
		"/api/audit?targetType=article&targetId=art_1&action=branch.merged&limit=10",
		issueTestToken(t, "usr_ed", "editor"), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("editor role: status %d, want 200: %s", rr.Code, rr.Body.String())
	}
	if gotFilter.TargetID != "art_1" || gotFilter.Action != "branch.merged" || gotFilter.Limit != 10 {
		t.Fatalf("filter did not pass through: %+v", gotFilter)
	}
}

func TestMergeConflictMapsTo409(t *testing.T) {
	fs := userStore("editor")
	fs.getBranchFn = func(context.Context, string) (store.Branch, error) {
		return store.Branch{ID: "br_1", ArticleID: "art_1", Name: "draft-2"}, nil
	}
	fs.getArticleFn = func(context.Context, string) (store.Article, error) {
		return store.Article{ID: "art_1", AuthorID: "usr_ed"}, nil
	}
	fs.mergeBranchFn = func(context.Context, store.MergeBranchInput) (store.Version, error) {
		return store.Version{}, store.ErrBranchMerged
	}
	server := NewHTTPServer(newTestService(fs), "*")

	rr := doRequest(t, server, http.MethodPost, "/api/branches/br_1/merge",
		issueTestToken(t, "usr_ed", "editor"), "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("status %d, want 409: %s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	if payload["code"] != "CONFLICT" {
		t.Fatalf("code = %v, want CONFLICT", payload["code"])
	}
}

func TestDiffEndpoint(t *testing.T) {
	fs := userStore("user")
	fs.getArticleVersionFn = func(_ context.Context, _, versionID string) (store.Version, error) {
		if versionID == "ver_1" {
			return store.Version{ID: "ver_1", Number: 1, Content: "a\nb\n"}, nil
		}
		return store.Version{ID: "ver_2", Number: 2, Content: "a\nc\n"}, nil
	}
	server := NewHTTPServer(newTestService(fs), "*")

	rr := doRequest(t, server, http.MethodGet,
		"/api/articles/art_1/diff?fromVersion=ver_1&toVersion=ver_2",
		issueTestToken(t, "usr_1", "user"), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d, want 200: %s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	if payload["added"] != float64(1) || payload["removed"] != float64(1) {
		t.Fatalf("diff counts: %v", payload)
	}

	rr = doRequest(t, server, http.MethodGet, "/api/articles/art_1/diff?fromVersion=ver_1",
		issueTestToken(t, "usr_1", "user"), "")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("missing toVersion: status %d, want 422", rr.Code)
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	server := NewHTTPServer(newTestService(userStore("user")), "*")
	rr := doRequest(t, server, http.MethodGet, "/api/unknown", issueTestToken(t, "usr_1", "user"), "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", rr.Code)
	}
}

func TestSignupAndSessionFlow(t *testing.T) {
	users := map[string]store.User{}
	fs := &fakeStore{
		createUserFn: func(_ context.Context, user store.User) (store.User, error) {
			if _, ok := users[user.Email]; ok {
				return store.User{}, store.ErrDuplicateEmail
			}
			users[user.Email] = user
			return user, nil
		},
		getUserByEmailFn: func(_ context.Context, email string) (store.User, error) {
			user, ok := users[email]
			if !ok {
				return store.User{}, sql.ErrNoRows
			}
			return user, nil
		},
		getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
			for _, user := range users {
				if user.ID == userID {
					return user, nil
				}
			}
			return store.User{}, sql.ErrNoRows
		},
	}
	server := NewHTTPServer(newTestService(fs), "*")

	rr := doRequest(t, server, http.MethodPost, "/api/auth/signup", "",
		`{"email":"w@example.com","password":"long-enough-pw","displayName":"Writer"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("signup status %d: %s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	token, _ := payload["token"].(string)
	refreshToken, _ := payload["refreshToken"].(string)
	if token == "" || refreshToken == "" {
		t.Fatalf("signup payload missing tokens: %v", payload)
	}

	rr = doRequest(t, server, http.MethodGet, "/api/session", token, "")
	sessionPayload := decodeResponse(t, rr)
	if sessionPayload["authenticated"] != true {
		t.Fatalf("session not authenticated: %v", sessionPayload)
	}

	rr = doRequest(t, server, http.MethodPost, "/api/session/refresh", "",
		`{"refreshToken":"`+refreshToken+`"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh status %d: %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, server, http.MethodPost, "/api/auth/signup", "",
		`{"email":"w@example.com","password":"long-enough-pw","displayName":"Writer"}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("duplicate signup status %d, want 409", rr.Code)
	}

	rr = doRequest(t, server, http.MethodPost, "/api/auth/signin", "",
		`{"email":"w@example.com","password":"wrong"}`)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad signin status %d, want 401", rr.Code)
	}
}
