package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"paperflow/api/internal/auth"
	"paperflow/api/internal/authpw"
	"paperflow/api/internal/config"
	"paperflow/api/internal/docdata"
	"paperflow/api/internal/notify"
	"paperflow/api/internal/rbac"
	"paperflow/api/internal/search"
	"paperflow/api/internal/store"
	"paperflow/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Email        string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

type CreateDocumentInput struct {
	TemplateID  string     `json:"templateId"`
	Title       string     `json:"title"`
	EditorEmail string     `json:"editorEmail"`
	Deadline    *time.Time `json:"deadline"`
	FolderID    *string    `json:"folderId"`
}

type CreateTemplateInput struct {
	Name             string     `json:"name"`
	Description      string     `json:"description"`
	CoordinateFields string     `json:"coordinateFields"`
	Deadline         *time.Time `json:"deadline"`
	DefaultFolderID  *string    `json:"defaultFolderId"`
}

type dataStore interface {
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	FindUserByEmailOrExternalID(context.Context, string, string) (store.User, error)
	CreateTemplate(context.Context, store.Template) (store.Template, error)
	GetTemplate(context.Context, string) (store.Template, error)
	ListTemplates(context.Context) ([]store.Template, error)
	CreateFolder(context.Context, store.Folder) (store.Folder, error)
	GetFolder(context.Context, string) (store.Folder, error)
	ListFolders(context.Context) ([]store.Folder, error)
	RenameFolder(context.Context, string, string) error
	DeleteFolder(context.Context, string) error
	CreateDocument(context.Context, store.Document) (store.Document, error)
	GetDocument(context.Context, string) (store.Document, error)
	GetDocumentByTitle(context.Context, string) (store.Document, error)
	UpdateDocumentData(context.Context, string, map[string]any) error
	UpdateDocumentStatus(context.Context, string, string) error
	UpdateDocumentFolder(context.Context, string, *string) error
	DeleteDocument(context.Context, string) error
	ListDocumentsForUser(context.Context, string) ([]store.Document, error)
	ListTodoDocumentsForUser(context.Context, string) ([]store.Document, error)
	ListDocuments(context.Context) ([]store.Document, error)
	ListDocumentRoles(context.Context, string) ([]store.DocumentRole, error)
	GetDocumentRole(context.Context, string, string) (store.DocumentRole, error)
	ReplaceDocumentRole(context.Context, store.DocumentRole) (store.DocumentRole, error)
	DeleteDocumentRolesForDocument(context.Context, string) error
	ClearRoleLastViewed(context.Context, string, string) error
	TouchDocumentViews(context.Context, string, string, time.Time) error
	ListPendingRoles(context.Context, string, string) ([]store.DocumentRole, error)
	ResolvePendingRole(context.Context, string, string) error
	InsertStatusLog(context.Context, store.DocumentStatusLog) (store.DocumentStatusLog, error)
	ListStatusLogs(context.Context, string) ([]store.DocumentStatusLog, error)
	CreateStaging(context.Context, store.BulkStaging, []store.BulkStagingItem) (store.BulkStaging, error)
	GetStaging(context.Context, string) (store.BulkStaging, error)
	ListStagingsForUser(context.Context, string) ([]store.BulkStaging, error)
	ListStagingItems(context.Context, string) ([]store.BulkStagingItem, error)
	UpdateStagingStatus(context.Context, string, string) error
	UpdateStagingItemResult(context.Context, string, string, string, *string) error
	DeleteStaging(context.Context, string) error
	Ping(ctx context.Context) error
}

type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type notifier interface {
	NotifyAsync(msg notify.Message)
}

type mailer interface {
	IsConfigured() bool
	SendEditorAssignedEmail(to, userName, documentTitle, assignedBy, documentURL string) error
	SendReviewerAssignedEmail(to, userName, documentTitle, assignedBy, documentURL string) error
	SendSigningRequestEmail(to, documentTitle, signingURL, expiresIn string) error
}

type searchService interface {
	Search(q search.Query) search.Response
	IndexDocument(doc search.DocumentRecord)
	IndexTemplate(tpl search.TemplateRecord)
	DeleteDocument(id string)
}

type tokenIssuer interface {
	Issue(ctx context.Context, documentID, signerEmail string) (store.SigningToken, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	authSvc  *authpw.Service
	notifier notifier
	mailer   mailer
	search   searchService
	signer   tokenIssuer
	logger   *zap.Logger
}

// New wires the service. sessions falls back to the primary store when nil;
// notifier, mailer, search, and signer may each be nil and are then skipped.
func New(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, logger *zap.Logger) *Service {
	if sessions == nil {
		sessions = dataStore
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		logger:   logger,
	}
	s.authSvc = authpw.NewService(dataStore, s)
	return s
}

func (s *Service) WithNotifier(n notifier) *Service { s.notifier = n; return s }

func (s *Service) WithMailer(m mailer) *Service { s.mailer = m; return s }

func (s *Service) WithSearch(sr searchService) *Service { s.search = sr; return s }

func (s *Service) WithSigner(signer tokenIssuer) *Service { s.signer = signer; return s }

func (s *Service) AuthPasswordService() *authpw.Service { return s.authSvc }

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// --- sessions ---

func (s *Service) CreateSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   user.ID,
		Name:  user.Name,
		Email: user.Email,
		Role:  user.Role,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.Name,
		Email:        user.Email,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.CreateSession(ctx, user)
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Name,
		Email:     user.Email,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) CurrentUser(ctx context.Context, session Session) (store.User, error) {
	return s.store.GetUserByID(ctx, session.UserID)
}

// ReconcilePendingAssignments claims every role binding held open for the
// user's email or external id and returns how many were linked. Safe to call
// repeatedly; an already-linked binding no longer matches.
func (s *Service) ReconcilePendingAssignments(ctx context.Context, user store.User) (int, error) {
	roles, err := s.store.ListPendingRoles(ctx, user.Email, user.ExternalID)
	if err != nil {
		return 0, err
	}
	linked := 0
	for _, role := range roles {
		if err := s.store.ResolvePendingRole(ctx, role.ID, user.ID); err != nil {
			return linked, fmt.Errorf("resolve pending role %s: %w", role.ID, err)
		}
		linked++
	}
	return linked, nil
}

// --- authorization helpers ---

func (s *Service) userBindings(ctx context.Context, documentID, userID string) ([]rbac.Binding, error) {
	roles, err := s.store.ListDocumentRoles(ctx, documentID)
	if err != nil {
		return nil, err
	}
	var bindings []rbac.Binding
	for _, role := range roles {
		if role.AssignedUserID == nil || *role.AssignedUserID != userID {
			continue
		}
		taskRole, ok := rbac.Normalize(role.TaskRole)
		if !ok {
			continue
		}
		bindings = append(bindings, rbac.Binding{Role: taskRole, CanAssignReviewer: role.CanAssignReviewer})
	}
	return bindings, nil
}

func (s *Service) authorize(ctx context.Context, documentID string, user store.User, op rbac.Op) error {
	bindings, err := s.userBindings(ctx, documentID, user.ID)
	if err != nil {
		return err
	}
	if !rbac.CanPerform(op, bindings) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "you do not hold a role that permits this action", nil)
	}
	return nil
}

func requireStatus(doc store.Document, expected ...string) error {
	for _, status := range expected {
		if doc.Status == status {
			return nil
		}
	}
	return domainError(http.StatusConflict, "STATE_CONFLICT",
		fmt.Sprintf("document is %s, expected %s", doc.Status, strings.Join(expected, " or ")), nil)
}

// changeStatus moves a document to newStatus and appends a status log entry.
// When newStatus equals the current status nothing is written and no log
// entry appears.
func (s *Service) changeStatus(ctx context.Context, doc store.Document, newStatus string, actor store.User, comment string, rejectLog bool) error {
	if doc.Status == newStatus {
		return nil
	}
	if err := s.store.UpdateDocumentStatus(ctx, doc.ID, newStatus); err != nil {
		return err
	}
	_, err := s.store.InsertStatusLog(ctx, store.DocumentStatusLog{
		ID:             util.NewID("slg"),
		DocumentID:     doc.ID,
		Status:         newStatus,
		ChangedByEmail: actor.Email,
		ChangedByName:  actor.Name,
		Comment:        comment,
		RejectLog:      rejectLog,
	})
	if err != nil {
		return err
	}
	if s.search != nil {
		s.search.IndexDocument(searchRecord(doc.ID, doc.Title, newStatus, doc.FolderID))
	}
	return nil
}

func searchRecord(id, title, status string, folderID *string) search.DocumentRecord {
	record := search.DocumentRecord{ID: id, Title: title, Status: status}
	if folderID != nil {
		record.FolderID = *folderID
	}
	return record
}

// --- documents ---

func (s *Service) CreateDocument(ctx context.Context, input CreateDocumentInput, creator store.User) (store.Document, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return store.Document{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	tpl, err := s.store.GetTemplate(ctx, input.TemplateID)
	if err != nil {
		return store.Document{}, err
	}

	data, err := docdata.Seed(tpl.CoordinateFields)
	if err != nil {
		return store.Document{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "template coordinate fields are malformed", nil)
	}

	deadline := input.Deadline
	if deadline == nil {
		deadline = tpl.Deadline
	}
	folderID := input.FolderID
	if folderID == nil {
		folderID = tpl.DefaultFolderID
	}

	doc, err := s.store.CreateDocument(ctx, store.Document{
		ID:         util.NewID("doc"),
		TemplateID: tpl.ID,
		Title:      title,
		Status:     store.StatusDraft,
		Data:       data,
		Deadline:   deadline,
		FolderID:   folderID,
	})
	if err != nil {
		return store.Document{}, err
	}

	if _, err := s.store.ReplaceDocumentRole(ctx, store.DocumentRole{
		ID:             util.NewID("drl"),
		DocumentID:     doc.ID,
		TaskRole:       store.TaskRoleCreator,
		AssignedUserID: &creator.ID,
	}); err != nil {
		return store.Document{}, err
	}

	status := store.StatusDraft
	if email := strings.TrimSpace(input.EditorEmail); email != "" {
		_, editor, err := s.bindEditor(ctx, doc, email, "", "")
		if err != nil {
			return store.Document{}, err
		}
		status = store.StatusEditing
		if err := s.store.UpdateDocumentStatus(ctx, doc.ID, status); err != nil {
			return store.Document{}, err
		}
		if editor != nil && editor.ID != creator.ID {
			s.announceAssignment(doc, *editor, creator, store.TaskRoleEditor)
		}
	}
	doc.Status = status

	if _, err := s.store.InsertStatusLog(ctx, store.DocumentStatusLog{
		ID:             util.NewID("slg"),
		DocumentID:     doc.ID,
		Status:         status,
		ChangedByEmail: creator.Email,
		ChangedByName:  creator.Name,
		Comment:        "document created",
	}); err != nil {
		return store.Document{}, err
	}

	if s.search != nil {
		s.search.IndexDocument(searchRecord(doc.ID, doc.Title, doc.Status, doc.FolderID))
	}
	return doc, nil
}

// bindEditor replaces the EDITOR binding on a document. The holder is the
// registered account matching email or externalID when one exists, otherwise
// a pending placeholder that the signup reconciler will claim later. Returns
// the resolved user, nil when the binding is pending.
func (s *Service) bindEditor(ctx context.Context, doc store.Document, email, externalID, pendingName string) (store.DocumentRole, *store.User, error) {
	role := store.DocumentRole{
		ID:         util.NewID("drl"),
		DocumentID: doc.ID,
		TaskRole:   store.TaskRoleEditor,
	}

	user, err := s.store.FindUserByEmailOrExternalID(ctx, email, externalID)
	switch {
	case err == nil:
		role.AssignedUserID = &user.ID
	case errors.Is(err, sql.ErrNoRows):
		if email != "" {
			role.PendingEmail = &email
		}
		if externalID != "" {
			role.PendingUserID = &externalID
		}
		if pendingName != "" {
			role.PendingName = &pendingName
		}
	default:
		return store.DocumentRole{}, nil, err
	}

	saved, err := s.store.ReplaceDocumentRole(ctx, role)
	if err != nil {
		return store.DocumentRole{}, nil, err
	}
	if role.AssignedUserID != nil {
		return saved, &user, nil
	}
	return saved, nil, nil
}

func (s *Service) StartEditing(ctx context.Context, documentID string, user store.User) (store.Document, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, err
	}
	if err := s.authorize(ctx, documentID, user, rbac.OpStartEditing); err != nil {
		return store.Document{}, err
	}
	if doc.Status != store.StatusDraft {
		return doc, nil
	}
	if err := s.changeStatus(ctx, doc, store.StatusEditing, user, "editing started", false); err != nil {
		return store.Document{}, err
	}
	doc.Status = store.StatusEditing
	return doc, nil
}

func (s *Service) UpdateDocumentData(ctx context.Context, documentID string, data map[string]any, user store.User) (store.Document, error) {
	if data == nil {
		return store.Document{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "data is required", nil)
	}
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, err
	}
	if err := s.authorize(ctx, documentID, user, rbac.OpUpdateData); err != nil {
		return store.Document{}, err
	}
	if err := s.store.UpdateDocumentData(ctx, documentID, data); err != nil {
		return store.Document{}, err
	}
	doc.Data = data
	return doc, nil
}

// CompleteEditing submits a document for review. Every required coordinate
// field must be filled in first.
func (s *Service) CompleteEditing(ctx context.Context, documentID string, user store.User) (store.Document, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, err
	}
	if err := s.authorize(ctx, documentID, user, rbac.OpCompleteEditing); err != nil {
		return store.Document{}, err
	}
	if err := requireStatus(doc, store.StatusEditing, store.StatusRejected); err != nil {
		return store.Document{}, err
	}

	if missing := docdata.MissingRequiredLabels(doc.Data); len(missing) > 0 {
		return store.Document{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			"required fields are not filled in: "+strings.Join(missing, ", "),
			map[string]any{"missingFields": missing})
	}

	if err := s.changeStatus(ctx, doc, store.StatusReadyForReview, user, "submitted for review", false); err != nil {
		return store.Document{}, err
	}
	doc.Status = store.StatusReadyForReview
	return doc, nil
}

func (s *Service) AssignEditor(ctx context.Context, documentID, editorEmail string, assignedBy store.User) (store.DocumentRole, error) {
	email := strings.TrimSpace(editorEmail)
	if email == "" {
		return store.DocumentRole{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "editorEmail is required", nil)
	}
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.DocumentRole{}, err
	}
	if err := s.authorize(ctx, documentID, assignedBy, rbac.OpAssignEditor); err != nil {
		return store.DocumentRole{}, err
	}

	role, editor, err := s.bindEditor(ctx, doc, email, "", "")
	if err != nil {
		return store.DocumentRole{}, err
	}
	if err := s.changeStatus(ctx, doc, store.StatusEditing, assignedBy, "editor assigned", false); err != nil {
		return store.DocumentRole{}, err
	}
	if editor != nil && editor.ID != assignedBy.ID {
		s.announceAssignment(doc, *editor, assignedBy, store.TaskRoleEditor)
	}
	return role, nil
}

// AssignReviewer binds the REVIEWER role. The creator can always do this; an
// editor needs the per-binding assign-reviewer grant. In immediate mode the
// document moves to REVIEWING right away; in two-step mode it stays
// READY_FOR_REVIEW until CompleteSignerAssignment.
func (s *Service) AssignReviewer(ctx context.Context, documentID, reviewerEmail string, assignedBy store.User) (store.Document, error) {
	email := strings.TrimSpace(reviewerEmail)
	if email == "" {
		return store.Document{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "reviewerEmail is required", nil)
	}
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, err
	}
	if err := s.authorize(ctx, documentID, assignedBy, rbac.OpAssignReviewer); err != nil {
		return store.Document{}, err
	}
	if err := requireStatus(doc, store.StatusReadyForReview); err != nil {
		return store.Document{}, err
	}

	role := store.DocumentRole{
		ID:         util.NewID("drl"),
		DocumentID: doc.ID,
		TaskRole:   store.TaskRoleReviewer,
	}
	var reviewer *store.User
	user, err := s.store.GetUserByEmail(ctx, email)
	switch {
	case err == nil:
		role.AssignedUserID = &user.ID
		reviewer = &user
	case errors.Is(err, sql.ErrNoRows):
		role.PendingEmail = &email
	default:
		return store.Document{}, err
	}
	if _, err := s.store.ReplaceDocumentRole(ctx, role); err != nil {
		return store.Document{}, err
	}

	if reviewer != nil && reviewer.ID != assignedBy.ID {
		s.announceAssignment(doc, *reviewer, assignedBy, store.TaskRoleReviewer)
	}
	s.sendSigningRequest(doc, email)

	if s.cfg.ReviewerAssignMode == config.ReviewerAssignImmediate {
		if err := s.changeStatus(ctx, doc, store.StatusReviewing, assignedBy, "reviewer assigned", false); err != nil {
			return store.Document{}, err
		}
		doc.Status = store.StatusReviewing
	}
	return doc, nil
}

// CompleteSignerAssignment finishes two-step reviewer assignment.
func (s *Service) CompleteSignerAssignment(ctx context.Context, documentID string, user store.User) (store.Document, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, err
	}
	if err := s.authorize(ctx, documentID, user, rbac.OpCompleteSignerAssignment); err != nil {
		return store.Document{}, err
	}
	if err := requireStatus(doc, store.StatusReadyForReview); err != nil {
		return store.Document{}, err
	}
	if _, err := s.store.GetDocumentRole(ctx, documentID, store.TaskRoleReviewer); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Document{}, domainError(http.StatusConflict, "STATE_CONFLICT", "no reviewer is assigned", nil)
		}
		return store.Document{}, err
	}
	if err := s.changeStatus(ctx, doc, store.StatusReviewing, user, "signer assignment completed", false); err != nil {
		return store.Document{}, err
	}
	doc.Status = store.StatusReviewing
	return doc, nil
}

func (s *Service) ApproveDocument(ctx context.Context, documentID string, user store.User, signature any) (store.Document, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, err
	}
	if err := s.authorize(ctx, documentID, user, rbac.OpApprove); err != nil {
		return store.Document{}, err
	}
	if err := requireStatus(doc, store.StatusReviewing); err != nil {
		return store.Document{}, err
	}

	doc.Data = docdata.MergeSignature(doc.Data, user.Email, signature)
	if err := s.store.UpdateDocumentData(ctx, documentID, doc.Data); err != nil {
		return store.Document{}, err
	}
	if err := s.changeStatus(ctx, doc, store.StatusCompleted, user, "approved", false); err != nil {
		return store.Document{}, err
	}
	doc.Status = store.StatusCompleted

	s.notifyRole(ctx, doc, store.TaskRoleCreator, notify.Message{
		Title:     "Document approved",
		Message:   fmt.Sprintf("%q was approved by %s", doc.Title, user.Name),
		Type:      notify.TypeStatusChange,
		ActionURL: s.documentURL(doc.ID),
	})
	return doc, nil
}

// RejectDocument sends a document back for another editing round. The REVIEWER
// binding stays in place so the reviewer keeps visibility of what they sent
// back; the editor's last-viewed marker is cleared so the rejection surfaces
// as unseen.
func (s *Service) RejectDocument(ctx context.Context, documentID string, user store.User, reason string) (store.Document, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return store.Document{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "a rejection reason is required", nil)
	}
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, err
	}
	if err := s.authorize(ctx, documentID, user, rbac.OpReject); err != nil {
		return store.Document{}, err
	}
	if err := requireStatus(doc, store.StatusReviewing); err != nil {
		return store.Document{}, err
	}

	if err := s.changeStatus(ctx, doc, store.StatusRejected, user, reason, true); err != nil {
		return store.Document{}, err
	}
	doc.Status = store.StatusRejected

	if err := s.store.ClearRoleLastViewed(ctx, documentID, store.TaskRoleEditor); err != nil && !errors.Is(err, sql.ErrNoRows) {
		s.logger.Warn("clear editor last viewed failed", zap.String("document_id", documentID), zap.Error(err))
	}

	s.notifyRole(ctx, doc, store.TaskRoleEditor, notify.Message{
		Title:     "Document rejected",
		Message:   fmt.Sprintf("%q was rejected: %s", doc.Title, reason),
		Type:      notify.TypeRejection,
		ActionURL: s.documentURL(doc.ID),
	})
	return doc, nil
}

func (s *Service) DeleteDocument(ctx context.Context, documentID string, user store.User) error {
	if _, err := s.store.GetDocument(ctx, documentID); err != nil {
		return err
	}
	bindings, err := s.userBindings(ctx, documentID, user.ID)
	if err != nil {
		return err
	}
	if !rbac.CanPerform(rbac.OpDelete, bindings) && !user.CanAccessFolders {
		return domainError(http.StatusForbidden, "FORBIDDEN", "you do not hold a role that permits this action", nil)
	}
	if err := s.store.DeleteDocumentRolesForDocument(ctx, documentID); err != nil {
		return err
	}
	if err := s.store.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteDocument(documentID)
	}
	return nil
}

func (s *Service) MarkDocumentViewed(ctx context.Context, documentID string, user store.User) error {
	return s.store.TouchDocumentViews(ctx, documentID, user.ID, time.Now().UTC())
}

// --- reads ---

func (s *Service) GetDocumentDetail(ctx context.Context, documentID string) (map[string]any, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	roles, err := s.store.ListDocumentRoles(ctx, documentID)
	if err != nil {
		return nil, err
	}
	logs, err := s.store.ListStatusLogs(ctx, documentID)
	if err != nil {
		return nil, err
	}

	roleItems := make([]map[string]any, 0, len(roles))
	for _, role := range roles {
		item := map[string]any{
			"taskRole":          role.TaskRole,
			"pending":           role.IsPending(),
			"canAssignReviewer": role.CanAssignReviewer,
			"lastViewedAt":      role.LastViewedAt,
		}
		if role.AssignedUserID != nil {
			if holder, err := s.store.GetUserByID(ctx, *role.AssignedUserID); err == nil {
				item["userId"] = holder.ID
				item["userName"] = holder.Name
				item["userEmail"] = holder.Email
			}
		} else {
			item["pendingEmail"] = role.PendingEmail
			item["pendingName"] = role.PendingName
		}
		roleItems = append(roleItems, item)
	}

	logItems := make([]map[string]any, 0, len(logs))
	for _, entry := range logs {
		logItems = append(logItems, map[string]any{
			"status":    entry.Status,
			"byName":    entry.ChangedByName,
			"byEmail":   entry.ChangedByEmail,
			"comment":   entry.Comment,
			"rejectLog": entry.RejectLog,
			"createdAt": entry.CreatedAt,
		})
	}

	return map[string]any{
		"id":         doc.ID,
		"templateId": doc.TemplateID,
		"title":      doc.Title,
		"status":     doc.Status,
		"data":       doc.Data,
		"deadline":   doc.Deadline,
		"folderId":   doc.FolderID,
		"roles":      roleItems,
		"statusLogs": logItems,
		"createdAt":  doc.CreatedAt,
		"updatedAt":  doc.UpdatedAt,
	}, nil
}

func (s *Service) ListDocumentsForUser(ctx context.Context, user store.User) ([]store.Document, error) {
	if user.CanAccessFolders {
		return s.store.ListDocuments(ctx)
	}
	return s.store.ListDocumentsForUser(ctx, user.ID)
}

func (s *Service) ListTodoDocuments(ctx context.Context, user store.User) ([]store.Document, error) {
	return s.store.ListTodoDocumentsForUser(ctx, user.ID)
}

func (s *Service) ListStatusLogs(ctx context.Context, documentID string) ([]store.DocumentStatusLog, error) {
	if _, err := s.store.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}
	return s.store.ListStatusLogs(ctx, documentID)
}

func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}}
	}
	return s.search.Search(q)
}

// --- templates ---

func (s *Service) CreateTemplate(ctx context.Context, input CreateTemplateInput, creator store.User) (store.Template, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return store.Template{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	coordinateFields := strings.TrimSpace(input.CoordinateFields)
	if coordinateFields == "" {
		coordinateFields = "[]"
	}
	if _, err := docdata.Seed(coordinateFields); err != nil {
		return store.Template{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "coordinateFields must be a JSON array of fields", nil)
	}

	tpl, err := s.store.CreateTemplate(ctx, store.Template{
		ID:               util.NewID("tpl"),
		Name:             name,
		Description:      input.Description,
		CoordinateFields: coordinateFields,
		Deadline:         input.Deadline,
		DefaultFolderID:  input.DefaultFolderID,
		CreatedBy:        creator.ID,
	})
	if err != nil {
		return store.Template{}, err
	}
	if s.search != nil {
		s.search.IndexTemplate(search.TemplateRecord{ID: tpl.ID, Name: tpl.Name, Description: tpl.Description})
	}
	return tpl, nil
}

func (s *Service) GetTemplate(ctx context.Context, templateID string) (store.Template, error) {
	return s.store.GetTemplate(ctx, templateID)
}

func (s *Service) ListTemplates(ctx context.Context) ([]store.Template, error) {
	return s.store.ListTemplates(ctx)
}

// --- folders ---

func (s *Service) requireFolderAccess(user store.User) error {
	if !user.CanAccessFolders {
		return domainError(http.StatusForbidden, "FORBIDDEN", "folder management requires the folder-access capability", nil)
	}
	return nil
}

func (s *Service) CreateFolder(ctx context.Context, name string, parentID *string, user store.User) (store.Folder, error) {
	if err := s.requireFolderAccess(user); err != nil {
		return store.Folder{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Folder{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	return s.store.CreateFolder(ctx, store.Folder{
		ID:        util.NewID("fld"),
		Name:      name,
		ParentID:  parentID,
		CreatedBy: user.ID,
	})
}

func (s *Service) ListFolders(ctx context.Context, user store.User) ([]store.Folder, error) {
	if err := s.requireFolderAccess(user); err != nil {
		return nil, err
	}
	return s.store.ListFolders(ctx)
}

func (s *Service) RenameFolder(ctx context.Context, folderID, name string, user store.User) error {
	if err := s.requireFolderAccess(user); err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	return s.store.RenameFolder(ctx, folderID, name)
}

func (s *Service) DeleteFolder(ctx context.Context, folderID string, user store.User) error {
	if err := s.requireFolderAccess(user); err != nil {
		return err
	}
	return s.store.DeleteFolder(ctx, folderID)
}

func (s *Service) MoveDocument(ctx context.Context, documentID string, folderID *string, user store.User) error {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if !user.CanAccessFolders {
		bindings, err := s.userBindings(ctx, documentID, user.ID)
		if err != nil {
			return err
		}
		if !rbac.CanPerform(rbac.OpDelete, bindings) {
			return domainError(http.StatusForbidden, "FORBIDDEN", "you do not hold a role that permits this action", nil)
		}
	}
	if folderID != nil {
		if _, err := s.store.GetFolder(ctx, *folderID); err != nil {
			return err
		}
	}
	if err := s.store.UpdateDocumentFolder(ctx, documentID, folderID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.IndexDocument(searchRecord(doc.ID, doc.Title, doc.Status, folderID))
	}
	return nil
}

// --- outbound side effects, all best effort ---

func (s *Service) documentURL(documentID string) string {
	return fmt.Sprintf("%s/documents/%s", s.cfg.BaseURL, documentID)
}

func (s *Service) announceAssignment(doc store.Document, assignee, assignedBy store.User, taskRole string) {
	if s.notifier != nil {
		docID := doc.ID
		s.notifier.NotifyAsync(notify.Message{
			RecipientUserID:   assignee.ID,
			Title:             "You were assigned a document",
			Message:           fmt.Sprintf("%s assigned you %q as %s", assignedBy.Name, doc.Title, strings.ToLower(taskRole)),
			Type:              notify.TypeAssignment,
			RelatedDocumentID: &docID,
			ActionURL:         s.documentURL(doc.ID),
		})
	}
	if s.mailer == nil || !s.mailer.IsConfigured() {
		return
	}
	go func() {
		var err error
		if taskRole == store.TaskRoleReviewer {
			err = s.mailer.SendReviewerAssignedEmail(assignee.Email, assignee.Name, doc.Title, assignedBy.Name, s.documentURL(doc.ID))
		} else {
			err = s.mailer.SendEditorAssignedEmail(assignee.Email, assignee.Name, doc.Title, assignedBy.Name, s.documentURL(doc.ID))
		}
		if err != nil {
			s.logger.Warn("assignment email failed",
				zap.String("document_id", doc.ID),
				zap.String("to", assignee.Email),
				zap.Error(err))
		}
	}()
}

func (s *Service) sendSigningRequest(doc store.Document, signerEmail string) {
	if s.signer == nil || s.mailer == nil || !s.mailer.IsConfigured() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		token, err := s.signer.Issue(ctx, doc.ID, signerEmail)
		if err != nil {
			s.logger.Warn("signing token issue failed", zap.String("document_id", doc.ID), zap.Error(err))
			return
		}
		signingURL := fmt.Sprintf("%s/sign/%s?token=%s", s.cfg.BaseURL, doc.ID, token.Token)
		expiresIn := fmt.Sprintf("%d days", int(time.Until(token.ExpiresAt).Hours()/24))
		if err := s.mailer.SendSigningRequestEmail(signerEmail, doc.Title, signingURL, expiresIn); err != nil {
			s.logger.Warn("signing request email failed", zap.String("document_id", doc.ID), zap.Error(err))
		}
	}()
}

// notifyRole sends an in-app notification to the resolved holder of one task
// role. Pending or absent bindings are skipped silently.
func (s *Service) notifyRole(ctx context.Context, doc store.Document, taskRole string, msg notify.Message) {
	if s.notifier == nil {
		return
	}
	role, err := s.store.GetDocumentRole(ctx, doc.ID, taskRole)
	if err != nil || role.AssignedUserID == nil {
		return
	}
	docID := doc.ID
	msg.RecipientUserID = *role.AssignedUserID
	msg.RelatedDocumentID = &docID
	s.notifier.NotifyAsync(msg)
}
