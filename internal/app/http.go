package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"paperflow/api/internal/auth"
	"paperflow/api/internal/authpw"
	"paperflow/api/internal/notify"
	"paperflow/api/internal/search"
	"paperflow/api/internal/store"
)

type HTTPServer struct {
	service       *Service
	notifications *notify.Service
	hub           *notify.Hub
	corsOrigin    string
	logger        *zap.Logger
}

func NewHTTPServer(service *Service, notifications *notify.Service, hub *notify.Hub, corsOrigin string, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{
		service:       service,
		notifications: notifications,
		hub:           hub,
		corsOrigin:    corsOrigin,
		logger:        logger,
	}
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

	// Auth routes, no session required.
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/auth/signup":
		s.handleSignUp(w, r)
		return
	case r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin":
		s.handleSignIn(w, r)
		return
	case r.Method == http.MethodPost && r.URL.Path == "/api/auth/refresh":
		s.handleRefresh(w, r)
		return
	case r.Method == http.MethodPost && r.URL.Path == "/api/auth/logout":
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		_ = s.service.Logout(r.Context(), body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	case r.Method == http.MethodGet && r.URL.Path == "/api/session":
		s.handleSessionProbe(w, r)
		return
	}

	session, user, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "documents":
		s.handleDocuments(w, r, user, parts[2:])
	case "templates":
		s.handleTemplates(w, r, user, parts[2:])
	case "folders":
		s.handleFolders(w, r, user, parts[2:])
	case "bulk":
		s.handleBulk(w, r, user, parts[2:])
	case "notifications":
		s.handleNotifications(w, r, session, parts[2:])
	case "search":
		s.handleSearch(w, r)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// --- auth ---

func (s *HTTPServer) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email      string `json:"email"`
		Password   string `json:"password"`
		Name       string `json:"name"`
		ExternalID string `json:"externalId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	resp, err := s.service.AuthPasswordService().SignUp(r.Context(), authpw.SignUpRequest{
		Email:      body.Email,
		Password:   body.Password,
		Name:       body.Name,
		ExternalID: body.ExternalID,
	})
	if err != nil {
		if err.Error() == "email already registered" {
			writeError(w, http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
			return
		}
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
		return
	}

	session, err := s.service.CreateSession(r.Context(), resp.User)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SESSION_FAILED", "Failed to create session", nil)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"accessToken":     session.Token,
		"refreshToken":    session.RefreshToken,
		"userId":          session.UserID,
		"userName":        session.UserName,
		"role":            session.Role,
		"linkedDocuments": resp.LinkedDocuments,
		"expiresAt":       session.ExpiresAt.Unix(),
	})
}

func (s *HTTPServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	user, err := s.service.AuthPasswordService().SignIn(r.Context(), authpw.SignInRequest{
		Email:    body.Email,
		Password: body.Password,
	})
	if err != nil {
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
		return
	}

	session, err := s.service.CreateSession(r.Context(), user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SESSION_FAILED", "Failed to create session", nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"accessToken":  session.Token,
		"refreshToken": session.RefreshToken,
		"userId":       session.UserID,
		"userName":     session.UserName,
		"role":         session.Role,
		"expiresAt":    session.ExpiresAt.Unix(),
	})
}

func (s *HTTPServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
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
	writeJSON(w, http.StatusOK, map[string]any{
		"accessToken":  session.Token,
		"refreshToken": session.RefreshToken,
		"userId":       session.UserID,
		"userName":     session.UserName,
		"expiresAt":    session.ExpiresAt.Unix(),
	})
}

func (s *HTTPServer) handleSessionProbe(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"userId":        session.UserID,
		"userName":      session.UserName,
		"email":         session.Email,
		"role":          session.Role,
	})
}

// --- documents ---

func (s *HTTPServer) handleDocuments(w http.ResponseWriter, r *http.Request, user store.User, parts []string) {
	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			docs, err := s.service.ListDocumentsForUser(r.Context(), user)
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"documents": documentItems(docs)})
		case http.MethodPost:
			var input CreateDocumentInput
			if err := decodeBody(r, &input); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			doc, err := s.service.CreateDocument(r.Context(), input, user)
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, documentItem(doc))
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if parts[0] == "todo" && r.Method == http.MethodGet {
		docs, err := s.service.ListTodoDocuments(r.Context(), user)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"documents": documentItems(docs)})
		return
	}

	documentID := parts[0]
	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			detail, err := s.service.GetDocumentDetail(r.Context(), documentID)
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, detail)
		case http.MethodDelete:
			if err := s.service.DeleteDocument(r.Context(), documentID, user); err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	action := parts[1]
	switch {
	case action == "data" && r.Method == http.MethodPut:
		var body struct {
			Data map[string]any `json:"data"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		doc, err := s.service.UpdateDocumentData(r.Context(), documentID, body.Data, user)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, documentItem(doc))

	case action == "start-editing" && r.Method == http.MethodPost:
		doc, err := s.service.StartEditing(r.Context(), documentID, user)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, documentItem(doc))

	case action == "submit" && r.Method == http.MethodPost:
		doc, err := s.service.CompleteEditing(r.Context(), documentID, user)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, documentItem(doc))

	case action == "editor" && r.Method == http.MethodPost:
		var body struct {
			Email string `json:"email"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		role, err := s.service.AssignEditor(r.Context(), documentID, body.Email, user)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"taskRole": role.TaskRole,
			"pending":  role.IsPending(),
		})

	case action == "reviewer" && r.Method == http.MethodPost:
		var body struct {
			Email string `json:"email"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		doc, err := s.service.AssignReviewer(r.Context(), documentID, body.Email, user)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, documentItem(doc))

	case action == "complete-signer-assignment" && r.Method == http.MethodPost:
		doc, err := s.service.CompleteSignerAssignment(r.Context(), documentID, user)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, documentItem(doc))

	case action == "approve" && r.Method == http.MethodPost:
		var body struct {
			Signature any `json:"signature"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		doc, err := s.service.ApproveDocument(r.Context(), documentID, user, body.Signature)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, documentItem(doc))

	case action == "reject" && r.Method == http.MethodPost:
		var body struct {
			Reason string `json:"reason"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		doc, err := s.service.RejectDocument(r.Context(), documentID, user, body.Reason)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, documentItem(doc))

	case action == "viewed" && r.Method == http.MethodPost:
		if err := s.service.MarkDocumentViewed(r.Context(), documentID, user); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case action == "status-logs" && r.Method == http.MethodGet:
		logs, err := s.service.ListStatusLogs(r.Context(), documentID)
		if err != nil {
			s.fail(w, err)
			return
		}
		items := make([]map[string]any, 0, len(logs))
		for _, entry := range logs {
			items = append(items, map[string]any{
				"status":    entry.Status,
				"byName":    entry.ChangedByName,
				"byEmail":   entry.ChangedByEmail,
				"comment":   entry.Comment,
				"rejectLog": entry.RejectLog,
				"createdAt": entry.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"statusLogs": items})

	case action == "folder" && r.Method == http.MethodPut:
		var body struct {
			FolderID *string `json:"folderId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.MoveDocument(r.Context(), documentID, body.FolderID, user); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// --- templates ---

func (s *HTTPServer) handleTemplates(w http.ResponseWriter, r *http.Request, user store.User, parts []string) {
	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			templates, err := s.service.ListTemplates(r.Context())
			if err != nil {
				s.fail(w, err)
				return
			}
			items := make([]map[string]any, 0, len(templates))
			for _, tpl := range templates {
				items = append(items, templateItem(tpl))
			}
			writeJSON(w, http.StatusOK, map[string]any{"templates": items})
		case http.MethodPost:
			var input CreateTemplateInput
			if err := decodeBody(r, &input); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			tpl, err := s.service.CreateTemplate(r.Context(), input, user)
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, templateItem(tpl))
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) == 1 && r.Method == http.MethodGet {
		tpl, err := s.service.GetTemplate(r.Context(), parts[0])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, templateItem(tpl))
		return
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// --- folders ---

func (s *HTTPServer) handleFolders(w http.ResponseWriter, r *http.Request, user store.User, parts []string) {
	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			folders, err := s.service.ListFolders(r.Context(), user)
			if err != nil {
				s.fail(w, err)
				return
			}
			items := make([]map[string]any, 0, len(folders))
			for _, folder := range folders {
				items = append(items, map[string]any{
					"id":       folder.ID,
					"name":     folder.Name,
					"parentId": folder.ParentID,
				})
			}
			writeJSON(w, http.StatusOK, map[string]any{"folders": items})
		case http.MethodPost:
			var body struct {
				Name     string  `json:"name"`
				ParentID *string `json:"parentId"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			folder, err := s.service.CreateFolder(r.Context(), body.Name, body.ParentID, user)
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{
				"id":       folder.ID,
				"name":     folder.Name,
				"parentId": folder.ParentID,
			})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	folderID := parts[0]
	switch r.Method {
	case http.MethodPut:
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.RenameFolder(r.Context(), folderID, body.Name, user); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case http.MethodDelete:
		if err := s.service.DeleteFolder(r.Context(), folderID, user); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

// --- bulk ---

func (s *HTTPServer) handleBulk(w http.ResponseWriter, r *http.Request, user store.User, parts []string) {
	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			stagings, err := s.service.ListBulkStagings(r.Context(), user)
			if err != nil {
				s.fail(w, err)
				return
			}
			items := make([]map[string]any, 0, len(stagings))
			for _, staging := range stagings {
				items = append(items, stagingItem(staging))
			}
			writeJSON(w, http.StatusOK, map[string]any{"stagings": items})
		case http.MethodPost:
			s.handleBulkUpload(w, r, user)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	stagingID := parts[0]
	if len(parts) == 1 && r.Method == http.MethodDelete {
		if err := s.service.CancelBulkUpload(r.Context(), stagingID, user); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if len(parts) == 2 && parts[1] == "items" && r.Method == http.MethodGet {
		views, err := s.service.GetStagingItems(r.Context(), stagingID, user)
		if err != nil {
			s.fail(w, err)
			return
		}
		items := make([]map[string]any, 0, len(views))
		for _, view := range views {
			item := stagingItemView(view.BulkStagingItem)
			item["registered"] = view.Registered
			items = append(items, item)
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
		return
	}

	if len(parts) == 2 && parts[1] == "commit" && r.Method == http.MethodPost {
		var body struct {
			OnDuplicate string     `json:"onDuplicate"`
			Deadline    *time.Time `json:"deadline"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.CommitBulkCreation(r.Context(), stagingID, body.OnDuplicate, body.Deadline, user)
		if err != nil {
			s.fail(w, err)
			return
		}
		items := make([]map[string]any, 0, len(result.Items))
		for _, item := range result.Items {
			items = append(items, stagingItemView(item))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"created": result.Created,
			"skipped": result.Skipped,
			"failed":  result.Failed,
			"items":   items,
		})
		return
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleBulkUpload(w http.ResponseWriter, r *http.Request, user store.User) {
	if err := r.ParseMultipartForm(16 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "expected a multipart upload", nil)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "file is required", nil)
		return
	}
	defer file.Close()

	templateID := strings.TrimSpace(r.FormValue("templateId"))
	if templateID == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "templateId is required", nil)
		return
	}

	preview, err := s.service.CreatePreview(r.Context(), header.Filename, file, templateID, user)
	if err != nil {
		s.fail(w, err)
		return
	}
	items := make([]map[string]any, 0, len(preview.Items))
	for _, item := range preview.Items {
		items = append(items, stagingItemView(item))
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"staging": stagingItem(preview.Staging),
		"items":   items,
	})
}

// --- notifications ---

func (s *HTTPServer) handleNotifications(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if s.notifications == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	if len(parts) == 0 && r.Method == http.MethodGet {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		notifications, err := s.notifications.List(r.Context(), session.UserID, limit)
		if err != nil {
			s.fail(w, err)
			return
		}
		items := make([]map[string]any, 0, len(notifications))
		for _, n := range notifications {
			items = append(items, notificationItem(n))
		}
		writeJSON(w, http.StatusOK, map[string]any{"notifications": items})
		return
	}

	if len(parts) == 1 {
		switch {
		case parts[0] == "unread-count" && r.Method == http.MethodGet:
			count, err := s.notifications.UnreadCount(r.Context(), session.UserID)
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"count": count})
			return
		case parts[0] == "read-all" && r.Method == http.MethodPost:
			if err := s.notifications.MarkAllRead(r.Context(), session.UserID); err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		case parts[0] == "stream" && r.Method == http.MethodGet:
			s.handleNotificationStream(w, r, session)
			return
		case r.Method == http.MethodDelete:
			if err := s.notifications.Delete(r.Context(), parts[0], session.UserID); err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
	}

	if len(parts) == 2 && parts[1] == "read" && r.Method == http.MethodPost {
		if err := s.notifications.MarkRead(r.Context(), parts[0], session.UserID); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handleNotificationStream delivers notifications over server-sent events
// until the client disconnects.
func (s *HTTPServer) handleNotificationStream(w http.ResponseWriter, r *http.Request, session Session) {
	if s.hub == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "streaming unsupported", nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ch, cancel := s.hub.Subscribe(session.UserID)
	defer cancel()

	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case n, open := <-ch:
			if !open {
				return
			}
			payload, err := json.Marshal(notificationItem(n))
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

// --- search ---

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	response := s.service.Search(search.Query{
		Text:           query.Get("q"),
		FilterType:     search.ResultType(query.Get("type")),
		FilterStatus:   query.Get("status"),
		FilterFolderID: query.Get("folderId"),
		Limit:          limit,
		Offset:         offset,
	})
	writeJSON(w, http.StatusOK, response)
}

// --- response shaping ---

func documentItem(doc store.Document) map[string]any {
	return map[string]any{
		"id":         doc.ID,
		"templateId": doc.TemplateID,
		"title":      doc.Title,
		"status":     doc.Status,
		"deadline":   doc.Deadline,
		"folderId":   doc.FolderID,
		"updatedAt":  doc.UpdatedAt,
	}
}

func documentItems(docs []store.Document) []map[string]any {
	items := make([]map[string]any, 0, len(docs))
	for _, doc := range docs {
		items = append(items, documentItem(doc))
	}
	return items
}

func templateItem(tpl store.Template) map[string]any {
	return map[string]any{
		"id":               tpl.ID,
		"name":             tpl.Name,
		"description":      tpl.Description,
		"coordinateFields": tpl.CoordinateFields,
		"deadline":         tpl.Deadline,
		"defaultFolderId":  tpl.DefaultFolderID,
	}
}

func stagingItem(staging store.BulkStaging) map[string]any {
	return map[string]any{
		"id":               staging.ID,
		"templateId":       staging.TemplateID,
		"originalFilename": staging.OriginalFilename,
		"totalRows":        staging.TotalRows,
		"validRows":        staging.ValidRows,
		"invalidRows":      staging.InvalidRows,
		"status":           staging.Status,
		"createdAt":        staging.CreatedAt,
	}
}

func stagingItemView(item store.BulkStagingItem) map[string]any {
	return map[string]any{
		"id":                item.ID,
		"rowNumber":         item.RowNumber,
		"externalId":        item.ExternalID,
		"name":              item.Name,
		"email":             item.Email,
		"course":            item.Course,
		"documentTitle":     item.DocumentTitle,
		"isValid":           item.IsValid,
		"validationError":   item.ValidationError,
		"processingStatus":  item.ProcessingStatus,
		"processingReason":  item.ProcessingReason,
		"createdDocumentId": item.CreatedDocumentID,
	}
}

func notificationItem(n store.Notification) map[string]any {
	return map[string]any{
		"id":                n.ID,
		"title":             n.Title,
		"message":           n.Message,
		"type":              n.Type,
		"isRead":            n.IsRead,
		"relatedDocumentId": n.RelatedDocumentID,
		"actionUrl":         n.ActionURL,
		"createdAt":         n.CreatedAt,
	}
}

// --- plumbing ---

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) requireUser(w http.ResponseWriter, r *http.Request) (Session, store.User, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, store.User{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, store.User{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, store.User{}, false
	}
	user, err := s.service.CurrentUser(r.Context(), session)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, store.User{}, false
	}
	return session, user, true
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

		s.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
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

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
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
		if errors.Is(err, http.ErrBodyReadAfterClose) {
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
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
