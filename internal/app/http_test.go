package app

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"paperflow/api/internal/auth"
	"paperflow/api/internal/authpw"
	"paperflow/api/internal/notify"
	"paperflow/api/internal/store"
)

// memStore extensions used only by the HTTP layer.

func (m *memStore) CreateUser(_ context.Context, u store.User) (store.User, error) {
	m.users[u.ID] = u
	return u, nil
}

func (m *memStore) InsertNotification(_ context.Context, n store.Notification) (store.Notification, error) {
	m.notifs = append(m.notifs, n)
	return n, nil
}

func (m *memStore) ListNotifications(_ context.Context, userID string, limit int) ([]store.Notification, error) {
	var out []store.Notification
	for _, n := range m.notifs {
		if n.RecipientUserID == userID {
			out = append(out, n)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) CountUnreadNotifications(_ context.Context, userID string) (int, error) {
	count := 0
	for _, n := range m.notifs {
		if n.RecipientUserID == userID && !n.IsRead {
			count++
		}
	}
	return count, nil
}

func (m *memStore) MarkNotificationRead(_ context.Context, id, userID string) error {
	for i, n := range m.notifs {
		if n.ID == id && n.RecipientUserID == userID {
			m.notifs[i].IsRead = true
		}
	}
	return nil
}

func (m *memStore) MarkAllNotificationsRead(_ context.Context, userID string) error {
	for i, n := range m.notifs {
		if n.RecipientUserID == userID {
			m.notifs[i].IsRead = true
		}
	}
	return nil
}

func (m *memStore) DeleteNotification(_ context.Context, id, userID string) error {
	kept := m.notifs[:0]
	for _, n := range m.notifs {
		if n.ID != id || n.RecipientUserID != userID {
			kept = append(kept, n)
		}
	}
	m.notifs = kept
	return nil
}

func newHTTPTestServer(t *testing.T, ms *memStore) (*HTTPServer, *Service) {
	t.Helper()
	svc := newTestService(ms)
	svc.cfg.JWTSecret = "test-secret"
	svc.cfg.AccessTTL = time.Hour
	svc.cfg.RefreshTTL = 24 * time.Hour
	svc.authSvc = authpw.NewService(ms, svc)

	// The notifier is deliberately not wired into the service here: operation
	// side effects run on their own goroutines, and memStore is not locked.
	hub := notify.NewHub()
	notifications := notify.NewService(ms, hub, nil)
	return NewHTTPServer(svc, notifications, hub, "*", nil), svc
}

func bearerFor(t *testing.T, svc *Service, user store.User) string {
	t.Helper()
	session, err := svc.CreateSession(context.Background(), user)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return "Bearer " + session.Token
}

func doJSON(t *testing.T, server *HTTPServer, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", bearer)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func parseBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
	return payload
}

func TestSignUpSignInFlow(t *testing.T) {
	ms := newMemStore()
	server, _ := newHTTPTestServer(t, ms)

	rr := doJSON(t, server, http.MethodPost, "/api/auth/signup", "", map[string]any{
		"email":    "casey@example.com",
		"password": "hunter2hunter2",
		"name":     "Casey",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("signup: expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := parseBody(t, rr)
	if token, _ := payload["accessToken"].(string); token == "" {
		t.Fatal("signup response missing accessToken")
	}
	if token, _ := payload["refreshToken"].(string); token == "" {
		t.Fatal("signup response missing refreshToken")
	}

	rr = doJSON(t, server, http.MethodPost, "/api/auth/signup", "", map[string]any{
		"email":    "casey@example.com",
		"password": "hunter2hunter2",
		"name":     "Casey Again",
	})
	if rr.Code != http.StatusConflict {
		t.Fatalf("duplicate signup: expected 409, got %d", rr.Code)
	}
	if parseBody(t, rr)["code"] != "EMAIL_EXISTS" {
		t.Fatalf("duplicate signup code = %v", parseBody(t, rr)["code"])
	}

	rr = doJSON(t, server, http.MethodPost, "/api/auth/signin", "", map[string]any{
		"email":    "casey@example.com",
		"password": "hunter2hunter2",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("signin: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, server, http.MethodPost, "/api/auth/signin", "", map[string]any{
		"email":    "casey@example.com",
		"password": "wrong-password",
	})
	if rr.Code != http.StatusUnauthorized || parseBody(t, rr)["code"] != "INVALID_CREDENTIALS" {
		t.Fatalf("bad signin: got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestSignUpLinksPendingAssignments(t *testing.T) {
	ms := newMemStore()
	creator, _, _, _ := seedWorld(t, ms)
	server, svc := newHTTPTestServer(t, ms)

	// A document already waits on this email.
	ctx := context.Background()
	_, err := svc.CreateDocument(ctx, CreateDocumentInput{
		TemplateID:  "tpl_1",
		Title:       "Onboarding Log",
		EditorEmail: "newcomer@example.com",
	}, creator)
	if err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}

	rr := doJSON(t, server, http.MethodPost, "/api/auth/signup", "", map[string]any{
		"email":    "newcomer@example.com",
		"password": "hunter2hunter2",
		"name":     "Noor",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("signup: expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	if linked, _ := parseBody(t, rr)["linkedDocuments"].(float64); linked != 1 {
		t.Fatalf("linkedDocuments = %v, want 1", parseBody(t, rr)["linkedDocuments"])
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	ms := newMemStore()
	creator, _, _, _ := seedWorld(t, ms)
	server, svc := newHTTPTestServer(t, ms)

	session, err := svc.CreateSession(context.Background(), creator)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	rr := doJSON(t, server, http.MethodPost, "/api/auth/refresh", "", map[string]any{
		"refreshToken": session.RefreshToken,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	// The old refresh token was revoked by the rotation.
	rr = doJSON(t, server, http.MethodPost, "/api/auth/refresh", "", map[string]any{
		"refreshToken": session.RefreshToken,
	})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("reused refresh token: expected 401, got %d", rr.Code)
	}
}

func TestProtectedRoutesRejectBadBearers(t *testing.T) {
	ms := newMemStore()
	seedWorld(t, ms)
	server, _ := newHTTPTestServer(t, ms)

	expired, err := auth.IssueToken([]byte("test-secret"), auth.Claims{
		Sub: "usr_creator",
		Exp: time.Now().Add(-time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	cases := []struct {
		name   string
		bearer string
	}{
		{"missing", ""},
		{"garbage", "Bearer definitely-not-a-token"},
		{"expired", "Bearer " + expired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := doJSON(t, server, http.MethodGet, "/api/documents", tc.bearer, nil)
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d body=%s", rr.Code, rr.Body.String())
			}
			if parseBody(t, rr)["code"] != "UNAUTHORIZED" {
				t.Fatalf("code = %v", parseBody(t, rr)["code"])
			}
		})
	}
}

func TestDocumentLifecycleOverHTTP(t *testing.T) {
	ms := newMemStore()
	creator, editor, reviewer, _ := seedWorld(t, ms)
	server, svc := newHTTPTestServer(t, ms)

	creatorBearer := bearerFor(t, svc, creator)
	editorBearer := bearerFor(t, svc, editor)
	reviewerBearer := bearerFor(t, svc, reviewer)

	rr := doJSON(t, server, http.MethodPost, "/api/documents", creatorBearer, map[string]any{
		"templateId":  "tpl_1",
		"title":       "Quarterly Report",
		"editorEmail": editor.Email,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	created := parseBody(t, rr)
	docID, _ := created["id"].(string)
	if created["status"] != store.StatusEditing {
		t.Fatalf("status = %v, want EDITING with an editor assigned", created["status"])
	}

	doc := ms.documents[docID]
	rr = doJSON(t, server, http.MethodPut, "/api/documents/"+docID+"/data", editorBearer, map[string]any{
		"data": fillRequired(doc),
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("update data: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, server, http.MethodPost, "/api/documents/"+docID+"/submit", editorBearer, nil)
	if rr.Code != http.StatusOK || parseBody(t, rr)["status"] != store.StatusReadyForReview {
		t.Fatalf("submit: got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, server, http.MethodPost, "/api/documents/"+docID+"/reviewer", creatorBearer, map[string]any{
		"email": reviewer.Email,
	})
	if rr.Code != http.StatusOK || parseBody(t, rr)["status"] != store.StatusReviewing {
		t.Fatalf("assign reviewer: got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, server, http.MethodPost, "/api/documents/"+docID+"/approve", reviewerBearer, map[string]any{
		"signature": "data:image/png;base64,iVBORw0KGgo=",
	})
	if rr.Code != http.StatusOK || parseBody(t, rr)["status"] != store.StatusCompleted {
		t.Fatalf("approve: got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, server, http.MethodGet, "/api/documents/"+docID+"/status-logs", creatorBearer, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status logs: got %d body=%s", rr.Code, rr.Body.String())
	}
	logs, _ := parseBody(t, rr)["statusLogs"].([]any)
	if len(logs) != 4 {
		t.Fatalf("status log count = %d, want creation, submit, reviewing, completed", len(logs))
	}
}

func TestRejectOverHTTPRequiresReason(t *testing.T) {
	ms := newMemStore()
	_, _, reviewer, _ := seedWorld(t, ms)
	server, svc := newHTTPTestServer(t, ms)
	doc := advance(t, svc, ms, store.StatusReviewing)

	bearer := bearerFor(t, svc, reviewer)
	rr := doJSON(t, server, http.MethodPost, "/api/documents/"+doc.ID+"/reject", bearer, map[string]any{
		"reason": "",
	})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("empty reason: expected 422, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, server, http.MethodPost, "/api/documents/"+doc.ID+"/reject", bearer, map[string]any{
		"reason": "missing receipts",
	})
	if rr.Code != http.StatusOK || parseBody(t, rr)["status"] != store.StatusRejected {
		t.Fatalf("reject: got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestBulkUploadAndCommitOverHTTP(t *testing.T) {
	ms := newMemStore()
	creator, _, _, _ := seedWorld(t, ms)
	server, svc := newHTTPTestServer(t, ms)
	bearer := bearerFor(t, svc, creator)

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile("file", "roster.csv")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write([]byte(rosterCSV)); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := form.WriteField("templateId", "tpl_1"); err != nil {
		t.Fatalf("write field: %v", err)
	}
	form.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/bulk", &buf)
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Authorization", bearer)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("upload: expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := parseBody(t, rr)
	staging, _ := payload["staging"].(map[string]any)
	stagingID, _ := staging["id"].(string)
	if stagingID == "" {
		t.Fatalf("staging id missing: %v", payload)
	}
	if items, _ := payload["items"].([]any); len(items) != 4 {
		t.Fatalf("preview items = %d, want 4", len(payload["items"].([]any)))
	}

	rr = doJSON(t, server, http.MethodPost, "/api/bulk/"+stagingID+"/commit", bearer, map[string]any{
		"onDuplicate": "SKIP",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("commit: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	result := parseBody(t, rr)
	if created, _ := result["created"].(float64); created != 3 {
		t.Fatalf("created = %v, want 3", result["created"])
	}

	rr = doJSON(t, server, http.MethodPost, "/api/bulk/"+stagingID+"/commit", bearer, map[string]any{
		"onDuplicate": "SKIP",
	})
	if rr.Code != http.StatusConflict {
		t.Fatalf("second commit: expected 409, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestNotificationEndpoints(t *testing.T) {
	ms := newMemStore()
	creator, editor, _, _ := seedWorld(t, ms)
	server, svc := newHTTPTestServer(t, ms)

	ms.notifs = append(ms.notifs,
		store.Notification{ID: "ntf_1", RecipientUserID: editor.ID, Title: "Document assigned", Type: notify.TypeAssignment},
		store.Notification{ID: "ntf_2", RecipientUserID: editor.ID, Title: "Document rejected", Type: notify.TypeRejection},
		store.Notification{ID: "ntf_3", RecipientUserID: creator.ID, Title: "Someone else's", Type: notify.TypeStatusChange},
	)

	bearer := bearerFor(t, svc, editor)
	rr := doJSON(t, server, http.MethodGet, "/api/notifications", bearer, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list: got %d body=%s", rr.Code, rr.Body.String())
	}
	if items, _ := parseBody(t, rr)["notifications"].([]any); len(items) != 2 {
		t.Fatalf("listed %d notifications, want only the editor's 2", len(items))
	}

	rr = doJSON(t, server, http.MethodGet, "/api/notifications/unread-count", bearer, nil)
	if count, _ := parseBody(t, rr)["count"].(float64); count != 2 {
		t.Fatalf("unread count = %v, want 2", parseBody(t, rr)["count"])
	}

	rr = doJSON(t, server, http.MethodPost, "/api/notifications/ntf_1/read", bearer, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("mark read: got %d", rr.Code)
	}
	rr = doJSON(t, server, http.MethodGet, "/api/notifications/unread-count", bearer, nil)
	if count, _ := parseBody(t, rr)["count"].(float64); count != 1 {
		t.Fatalf("unread count after read = %v, want 1", parseBody(t, rr)["count"])
	}

	rr = doJSON(t, server, http.MethodPost, "/api/notifications/read-all", bearer, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("read-all: got %d", rr.Code)
	}
	rr = doJSON(t, server, http.MethodGet, "/api/notifications/unread-count", bearer, nil)
	if count, _ := parseBody(t, rr)["count"].(float64); count != 0 {
		t.Fatalf("unread count after read-all = %v, want 0", parseBody(t, rr)["count"])
	}
}

func TestSessionProbe(t *testing.T) {
	ms := newMemStore()
	creator, _, _, _ := seedWorld(t, ms)
	server, svc := newHTTPTestServer(t, ms)

	rr := doJSON(t, server, http.MethodGet, "/api/session", "", nil)
	if parseBody(t, rr)["authenticated"] != false {
		t.Fatal("anonymous probe should report authenticated=false")
	}

	rr = doJSON(t, server, http.MethodGet, "/api/session", bearerFor(t, svc, creator), nil)
	payload := parseBody(t, rr)
	if payload["authenticated"] != true || payload["userId"] != creator.ID {
		t.Fatalf("probe payload = %v", payload)
	}
}

func TestHealthAndReady(t *testing.T) {
	ms := newMemStore()
	server, _ := newHTTPTestServer(t, ms)

	rr := doJSON(t, server, http.MethodGet, "/api/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("health: got %d", rr.Code)
	}

	rr = doJSON(t, server, http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusOK || parseBody(t, rr)["status"] != "ready" {
		t.Fatalf("ready: got %d body=%s", rr.Code, rr.Body.String())
	}
}
