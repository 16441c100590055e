package app

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"paperflow/api/internal/config"
	"paperflow/api/internal/store"
)

// memStore is an in-memory dataStore. ReplaceDocumentRole keeps at most one
// binding per (document, task role), mirroring the database constraint.
type memStore struct {
	users     map[string]store.User
	templates map[string]store.Template
	folders   map[string]store.Folder
	documents map[string]store.Document
	roles     map[string]map[string]store.DocumentRole
	logs      []store.DocumentStatusLog
	stagings  map[string]store.BulkStaging
	items     map[string][]store.BulkStagingItem
	notifs    []store.Notification
	sessions  map[string]store.User

	createDocumentErr func(doc store.Document) error
}

func newMemStore() *memStore {
	return &memStore{
		users:     map[string]store.User{},
		templates: map[string]store.Template{},
		folders:   map[string]store.Folder{},
		documents: map[string]store.Document{},
		roles:     map[string]map[string]store.DocumentRole{},
		stagings:  map[string]store.BulkStaging{},
		items:     map[string][]store.BulkStagingItem{},
		sessions:  map[string]store.User{},
	}
}

func (m *memStore) addUser(u store.User) store.User { m.users[u.ID] = u; return u }

func (m *memStore) addTemplate(t store.Template) store.Template {
	m.templates[t.ID] = t
	return t
}

func (m *memStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	u, ok := m.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return u, nil
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (m *memStore) FindUserByEmailOrExternalID(_ context.Context, email, externalID string) (store.User, error) {
	for _, u := range m.users {
		if email != "" && strings.EqualFold(u.Email, email) {
			return u, nil
		}
		if externalID != "" && u.ExternalID == externalID {
			return u, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (m *memStore) CreateTemplate(_ context.Context, t store.Template) (store.Template, error) {
	m.templates[t.ID] = t
	return t, nil
}

func (m *memStore) GetTemplate(_ context.Context, id string) (store.Template, error) {
	t, ok := m.templates[id]
	if !ok {
		return store.Template{}, sql.ErrNoRows
	}
	return t, nil
}

func (m *memStore) ListTemplates(_ context.Context) ([]store.Template, error) { return nil, nil }

func (m *memStore) CreateFolder(_ context.Context, f store.Folder) (store.Folder, error) {
	m.folders[f.ID] = f
	return f, nil
}

func (m *memStore) GetFolder(_ context.Context, id string) (store.Folder, error) {
	f, ok := m.folders[id]
	if !ok {
		return store.Folder{}, sql.ErrNoRows
	}
	return f, nil
}

func (m *memStore) ListFolders(_ context.Context) ([]store.Folder, error) { return nil, nil }

func (m *memStore) RenameFolder(_ context.Context, id, name string) error { return nil }

func (m *memStore) DeleteFolder(_ context.Context, id string) error { return nil }

func (m *memStore) CreateDocument(_ context.Context, doc store.Document) (store.Document, error) {
	if m.createDocumentErr != nil {
		if err := m.createDocumentErr(doc); err != nil {
			return store.Document{}, err
		}
	}
	m.documents[doc.ID] = doc
	return doc, nil
}

func (m *memStore) GetDocument(_ context.Context, id string) (store.Document, error) {
	doc, ok := m.documents[id]
	if !ok {
		return store.Document{}, sql.ErrNoRows
	}
	return doc, nil
}

func (m *memStore) GetDocumentByTitle(_ context.Context, title string) (store.Document, error) {
	for _, doc := range m.documents {
		if doc.Title == title {
			return doc, nil
		}
	}
	return store.Document{}, sql.ErrNoRows
}

func (m *memStore) UpdateDocumentData(_ context.Context, id string, data map[string]any) error {
	doc, ok := m.documents[id]
	if !ok {
		return sql.ErrNoRows
	}
	doc.Data = data
	m.documents[id] = doc
	return nil
}

func (m *memStore) UpdateDocumentStatus(_ context.Context, id, status string) error {
	doc, ok := m.documents[id]
	if !ok {
		return sql.ErrNoRows
	}
	doc.Status = status
	m.documents[id] = doc
	return nil
}

func (m *memStore) UpdateDocumentFolder(_ context.Context, id string, folderID *string) error {
	doc, ok := m.documents[id]
	if !ok {
		return sql.ErrNoRows
	}
	doc.FolderID = folderID
	m.documents[id] = doc
	return nil
}

func (m *memStore) DeleteDocument(_ context.Context, id string) error {
	if _, ok := m.documents[id]; !ok {
		return sql.ErrNoRows
	}
	delete(m.documents, id)
	return nil
}

func (m *memStore) ListDocumentsForUser(_ context.Context, userID string) ([]store.Document, error) {
	var out []store.Document
	for docID, byRole := range m.roles {
		for _, role := range byRole {
			if role.AssignedUserID != nil && *role.AssignedUserID == userID {
				if doc, ok := m.documents[docID]; ok {
					out = append(out, doc)
				}
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) ListTodoDocumentsForUser(_ context.Context, userID string) ([]store.Document, error) {
	return nil, nil
}

func (m *memStore) ListDocuments(_ context.Context) ([]store.Document, error) {
	var out []store.Document
	for _, doc := range m.documents {
		out = append(out, doc)
	}
	return out, nil
}

func (m *memStore) ListDocumentRoles(_ context.Context, documentID string) ([]store.DocumentRole, error) {
	var out []store.DocumentRole
	for _, role := range m.roles[documentID] {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskRole < out[j].TaskRole })
	return out, nil
}

func (m *memStore) GetDocumentRole(_ context.Context, documentID, taskRole string) (store.DocumentRole, error) {
	role, ok := m.roles[documentID][taskRole]
	if !ok {
		return store.DocumentRole{}, sql.ErrNoRows
	}
	return role, nil
}

func (m *memStore) ReplaceDocumentRole(_ context.Context, role store.DocumentRole) (store.DocumentRole, error) {
	if m.roles[role.DocumentID] == nil {
		m.roles[role.DocumentID] = map[string]store.DocumentRole{}
	}
	m.roles[role.DocumentID][role.TaskRole] = role
	return role, nil
}

func (m *memStore) DeleteDocumentRolesForDocument(_ context.Context, documentID string) error {
	delete(m.roles, documentID)
	return nil
}

func (m *memStore) ClearRoleLastViewed(_ context.Context, documentID, taskRole string) error {
	role, ok := m.roles[documentID][taskRole]
	if !ok {
		return sql.ErrNoRows
	}
	role.LastViewedAt = nil
	m.roles[documentID][taskRole] = role
	return nil
}

func (m *memStore) TouchDocumentViews(_ context.Context, documentID, userID string, at time.Time) error {
	for taskRole, role := range m.roles[documentID] {
		if role.AssignedUserID != nil && *role.AssignedUserID == userID {
			role.LastViewedAt = &at
			m.roles[documentID][taskRole] = role
		}
	}
	return nil
}

func (m *memStore) ListPendingRoles(_ context.Context, email, externalID string) ([]store.DocumentRole, error) {
	var out []store.DocumentRole
	for _, byRole := range m.roles {
		for _, role := range byRole {
			if role.AssignedUserID != nil {
				continue
			}
			if (role.PendingEmail != nil && email != "" && strings.EqualFold(*role.PendingEmail, email)) ||
				(role.PendingUserID != nil && externalID != "" && *role.PendingUserID == externalID) {
				out = append(out, role)
			}
		}
	}
	return out, nil
}

func (m *memStore) ResolvePendingRole(_ context.Context, roleID, userID string) error {
	for docID, byRole := range m.roles {
		for taskRole, role := range byRole {
			if role.ID == roleID {
				role.AssignedUserID = &userID
				role.PendingEmail = nil
				role.PendingUserID = nil
				role.PendingName = nil
				m.roles[docID][taskRole] = role
				return nil
			}
		}
	}
	return sql.ErrNoRows
}

func (m *memStore) InsertStatusLog(_ context.Context, entry store.DocumentStatusLog) (store.DocumentStatusLog, error) {
	entry.CreatedAt = time.Now()
	m.logs = append(m.logs, entry)
	return entry, nil
}

func (m *memStore) ListStatusLogs(_ context.Context, documentID string) ([]store.DocumentStatusLog, error) {
	var out []store.DocumentStatusLog
	for _, entry := range m.logs {
		if entry.DocumentID == documentID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (m *memStore) CreateStaging(_ context.Context, staging store.BulkStaging, items []store.BulkStagingItem) (store.BulkStaging, error) {
	m.stagings[staging.ID] = staging
	m.items[staging.ID] = append([]store.BulkStagingItem(nil), items...)
	return staging, nil
}

func (m *memStore) GetStaging(_ context.Context, id string) (store.BulkStaging, error) {
	staging, ok := m.stagings[id]
	if !ok {
		return store.BulkStaging{}, sql.ErrNoRows
	}
	return staging, nil
}

func (m *memStore) ListStagingsForUser(_ context.Context, creatorID string) ([]store.BulkStaging, error) {
	var out []store.BulkStaging
	for _, staging := range m.stagings {
		if staging.CreatorID == creatorID {
			out = append(out, staging)
		}
	}
	return out, nil
}

func (m *memStore) ListStagingItems(_ context.Context, stagingID string) ([]store.BulkStagingItem, error) {
	items := append([]store.BulkStagingItem(nil), m.items[stagingID]...)
	sort.Slice(items, func(i, j int) bool { return items[i].RowNumber < items[j].RowNumber })
	return items, nil
}

func (m *memStore) UpdateStagingStatus(_ context.Context, stagingID, status string) error {
	staging, ok := m.stagings[stagingID]
	if !ok {
		return sql.ErrNoRows
	}
	staging.Status = status
	m.stagings[stagingID] = staging
	return nil
}

func (m *memStore) UpdateStagingItemResult(_ context.Context, itemID, status, reason string, createdDocumentID *string) error {
	for stagingID, items := range m.items {
		for i, item := range items {
			if item.ID == itemID {
				items[i].ProcessingStatus = status
				items[i].ProcessingReason = reason
				items[i].CreatedDocumentID = createdDocumentID
				m.items[stagingID] = items
				return nil
			}
		}
	}
	return sql.ErrNoRows
}

func (m *memStore) DeleteStaging(_ context.Context, stagingID string) error {
	if _, ok := m.stagings[stagingID]; !ok {
		return sql.ErrNoRows
	}
	delete(m.stagings, stagingID)
	delete(m.items, stagingID)
	return nil
}

func (m *memStore) Ping(context.Context) error { return nil }

func (m *memStore) SaveRefreshSession(_ context.Context, tokenHash string, user store.User, _ time.Time) error {
	m.sessions[tokenHash] = user
	return nil
}

func (m *memStore) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	user, ok := m.sessions[tokenHash]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (m *memStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	delete(m.sessions, tokenHash)
	return nil
}

func newTestService(ms *memStore) *Service {
	return &Service{
		cfg: config.Config{
			BaseURL:            "http://localhost:3000",
			BulkRowLimit:       500,
			ReviewerAssignMode: config.ReviewerAssignImmediate,
		},
		store:    ms,
		sessions: ms,
		logger:   zap.NewNop(),
	}
}

const testCoordinateFields = `[
	{"id":"f1","label":"Name","required":true,"value":""},
	{"id":"f2","label":"Summary","required":true,"value":""},
	{"id":"f3","label":"Notes","required":false,"value":""}
]`

func seedWorld(t *testing.T, ms *memStore) (creator, editor, reviewer store.User, tpl store.Template) {
	t.Helper()
	creator = ms.addUser(store.User{ID: "usr_creator", Name: "Casey", Email: "casey@example.com"})
	editor = ms.addUser(store.User{ID: "usr_editor", Name: "Avery", Email: "avery@example.com", ExternalID: "E-100"})
	reviewer = ms.addUser(store.User{ID: "usr_reviewer", Name: "Robin", Email: "robin@example.com"})
	tpl = ms.addTemplate(store.Template{ID: "tpl_1", Name: "Work Log", CoordinateFields: testCoordinateFields})
	return creator, editor, reviewer, tpl
}

func fillRequired(doc store.Document) map[string]any {
	fields := doc.Data["coordinateFields"].([]any)
	for _, raw := range fields {
		field := raw.(map[string]any)
		if req, _ := field["required"].(bool); req {
			field["value"] = "filled"
		}
	}
	return doc.Data
}

func assertDomainCode(t *testing.T, err error, code string) *DomainError {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected a DomainError, got %v", err)
	}
	if domainErr.Code != code {
		t.Fatalf("code = %q, want %q (message: %s)", domainErr.Code, code, domainErr.Message)
	}
	return domainErr
}

// advance walks a fresh document to the requested status through the real
// operations.
func advance(t *testing.T, svc *Service, ms *memStore, target string) store.Document {
	t.Helper()
	ctx := context.Background()
	creator := ms.users["usr_creator"]
	editor := ms.users["usr_editor"]
	reviewer := ms.users["usr_reviewer"]

	doc, err := svc.CreateDocument(ctx, CreateDocumentInput{
		TemplateID:  "tpl_1",
		Title:       "Quarterly Report",
		EditorEmail: editor.Email,
	}, creator)
	if err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	if target == store.StatusEditing {
		return doc
	}

	if _, err := svc.UpdateDocumentData(ctx, doc.ID, fillRequired(doc), editor); err != nil {
		t.Fatalf("UpdateDocumentData: %v", err)
	}
	doc, err = svc.CompleteEditing(ctx, doc.ID, editor)
	if err != nil {
		t.Fatalf("CompleteEditing: %v", err)
	}
	if target == store.StatusReadyForReview {
		return doc
	}

	doc, err = svc.AssignReviewer(ctx, doc.ID, reviewer.Email, creator)
	if err != nil {
		t.Fatalf("AssignReviewer: %v", err)
	}
	if target == store.StatusReviewing {
		return doc
	}
	t.Fatalf("cannot advance to %s", target)
	return store.Document{}
}

func TestCreateDocumentSeedsTemplateData(t *testing.T) {
	ms := newMemStore()
	creator, _, _, tpl := seedWorld(t, ms)
	svc := newTestService(ms)

	doc, err := svc.CreateDocument(context.Background(), CreateDocumentInput{
		TemplateID: tpl.ID,
		Title:      "Quarterly Report",
	}, creator)
	if err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	if doc.Status != store.StatusDraft {
		t.Fatalf("status = %s, want DRAFT", doc.Status)
	}

	fields := doc.Data["coordinateFields"].([]any)
	if len(fields) != 3 {
		t.Fatalf("seeded %d fields, want 3", len(fields))
	}
	for _, raw := range fields {
		field := raw.(map[string]any)
		if field["value"] != "" {
			t.Fatalf("field %v seeded with non-blank value", field["id"])
		}
	}

	role, err := ms.GetDocumentRole(context.Background(), doc.ID, store.TaskRoleCreator)
	if err != nil {
		t.Fatalf("creator binding missing: %v", err)
	}
	if role.AssignedUserID == nil || *role.AssignedUserID != creator.ID {
		t.Fatalf("creator binding holder = %v", role.AssignedUserID)
	}

	logs, _ := ms.ListStatusLogs(context.Background(), doc.ID)
	if len(logs) != 1 || logs[0].Status != store.StatusDraft {
		t.Fatalf("logs = %+v, want one DRAFT entry", logs)
	}
}

func TestCreateDocumentWithEditor(t *testing.T) {
	ms := newMemStore()
	creator, editor, _, tpl := seedWorld(t, ms)
	svc := newTestService(ms)
	ctx := context.Background()

	doc, err := svc.CreateDocument(ctx, CreateDocumentInput{
		TemplateID:  tpl.ID,
		Title:       "Assigned Doc",
		EditorEmail: editor.Email,
	}, creator)
	if err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	if doc.Status != store.StatusEditing {
		t.Fatalf("status = %s, want EDITING", doc.Status)
	}
	role, _ := ms.GetDocumentRole(ctx, doc.ID, store.TaskRoleEditor)
	if role.AssignedUserID == nil || *role.AssignedUserID != editor.ID {
		t.Fatalf("editor binding = %+v, want resolved to %s", role, editor.ID)
	}

	// Unregistered email becomes a pending placeholder.
	doc2, err := svc.CreateDocument(ctx, CreateDocumentInput{
		TemplateID:  tpl.ID,
		Title:       "Pending Doc",
		EditorEmail: "nobody@example.com",
	}, creator)
	if err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	role2, _ := ms.GetDocumentRole(ctx, doc2.ID, store.TaskRoleEditor)
	if !role2.IsPending() || role2.PendingEmail == nil || *role2.PendingEmail != "nobody@example.com" {
		t.Fatalf("expected pending binding, got %+v", role2)
	}
}

func TestStartEditingIsNoOpOutsideDraft(t *testing.T) {
	ms := newMemStore()
	_, editor, _, _ := seedWorld(t, ms)
	svc := newTestService(ms)
	ctx := context.Background()

	doc := advance(t, svc, ms, store.StatusEditing)
	logsBefore, _ := ms.ListStatusLogs(ctx, doc.ID)

	got, err := svc.StartEditing(ctx, doc.ID, editor)
	if err != nil {
		t.Fatalf("StartEditing: %v", err)
	}
	if got.Status != store.StatusEditing {
		t.Fatalf("status = %s, want EDITING", got.Status)
	}
	logsAfter, _ := ms.ListStatusLogs(ctx, doc.ID)
	if len(logsAfter) != len(logsBefore) {
		t.Fatalf("no-op wrote %d extra log entries", len(logsAfter)-len(logsBefore))
	}
}

func TestCompleteEditingRequiredFieldGate(t *testing.T) {
	ms := newMemStore()
	_, editor, _, _ := seedWorld(t, ms)
	svc := newTestService(ms)
	ctx := context.Background()

	doc := advance(t, svc, ms, store.StatusEditing)

	_, err := svc.CompleteEditing(ctx, doc.ID, editor)
	domainErr := assertDomainCode(t, err, "VALIDATION_ERROR")
	if !strings.Contains(domainErr.Message, "Name") || !strings.Contains(domainErr.Message, "Summary") {
		t.Fatalf("message %q does not name the missing fields", domainErr.Message)
	}
	current, _ := ms.GetDocument(ctx, doc.ID)
	if current.Status != store.StatusEditing {
		t.Fatalf("failed gate moved status to %s", current.Status)
	}

	if _, err := svc.UpdateDocumentData(ctx, doc.ID, fillRequired(current), editor); err != nil {
		t.Fatalf("UpdateDocumentData: %v", err)
	}
	got, err := svc.CompleteEditing(ctx, doc.ID, editor)
	if err != nil {
		t.Fatalf("CompleteEditing after filling: %v", err)
	}
	if got.Status != store.StatusReadyForReview {
		t.Fatalf("status = %s, want READY_FOR_REVIEW", got.Status)
	}
}

func TestCompleteEditingAcceptsScalarValues(t *testing.T) {
	ms := newMemStore()
	_, editor, _, _ := seedWorld(t, ms)
	svc := newTestService(ms)
	ctx := context.Background()

	doc := advance(t, svc, ms, store.StatusEditing)

	// Clients send whatever JSON their form produces, so a required field
	// may carry a number or a bool instead of a string.
	data := fillRequired(doc)
	fields := data["coordinateFields"].([]any)
	fields[0].(map[string]any)["value"] = float64(3)
	fields[1].(map[string]any)["value"] = true
	if _, err := svc.UpdateDocumentData(ctx, doc.ID, data, editor); err != nil {
		t.Fatalf("UpdateDocumentData: %v", err)
	}

	got, err := svc.CompleteEditing(ctx, doc.ID, editor)
	if err != nil {
		t.Fatalf("CompleteEditing with scalar values: %v", err)
	}
	if got.Status != store.StatusReadyForReview {
		t.Fatalf("status = %s, want READY_FOR_REVIEW", got.Status)
	}
}

func TestCompleteEditingUnauthorizedRole(t *testing.T) {
	ms := newMemStore()
	_, _, reviewer, _ := seedWorld(t, ms)
	svc := newTestService(ms)

	doc := advance(t, svc, ms, store.StatusEditing)
	_, err := svc.CompleteEditing(context.Background(), doc.ID, reviewer)
	assertDomainCode(t, err, "FORBIDDEN")
}

func TestAssignReviewerImmediateMode(t *testing.T) {
	ms := newMemStore()
	creator, _, reviewer, _ := seedWorld(t, ms)
	svc := newTestService(ms)
	ctx := context.Background()

	doc := advance(t, svc, ms, store.StatusReadyForReview)
	got, err := svc.AssignReviewer(ctx, doc.ID, reviewer.Email, creator)
	if err != nil {
		t.Fatalf("AssignReviewer: %v", err)
	}
	if got.Status != store.StatusReviewing {
		t.Fatalf("status = %s, want REVIEWING in immediate mode", got.Status)
	}
	role, _ := ms.GetDocumentRole(ctx, doc.ID, store.TaskRoleReviewer)
	if role.AssignedUserID == nil || *role.AssignedUserID != reviewer.ID {
		t.Fatalf("reviewer binding = %+v", role)
	}
}

func TestAssignReviewerTwoStepMode(t *testing.T) {
	ms := newMemStore()
	creator, _, reviewer, _ := seedWorld(t, ms)
	svc := newTestService(ms)
	svc.cfg.ReviewerAssignMode = config.ReviewerAssignTwoStep
	ctx := context.Background()

	doc := advance(t, svc, ms, store.StatusReadyForReview)

	// Completing signer assignment before any reviewer exists conflicts.
	_, err := svc.CompleteSignerAssignment(ctx, doc.ID, creator)
	assertDomainCode(t, err, "STATE_CONFLICT")

	got, err := svc.AssignReviewer(ctx, doc.ID, reviewer.Email, creator)
	if err != nil {
		t.Fatalf("AssignReviewer: %v", err)
	}
	if got.Status != store.StatusReadyForReview {
		t.Fatalf("status = %s, want READY_FOR_REVIEW in two-step mode", got.Status)
	}

	got, err = svc.CompleteSignerAssignment(ctx, doc.ID, creator)
	if err != nil {
		t.Fatalf("CompleteSignerAssignment: %v", err)
	}
	if got.Status != store.StatusReviewing {
		t.Fatalf("status = %s, want REVIEWING", got.Status)
	}
}

func TestAssignReviewerEditorNeedsGrant(t *testing.T) {
	ms := newMemStore()
	_, editor, reviewer, _ := seedWorld(t, ms)
	svc := newTestService(ms)
	ctx := context.Background()

	doc := advance(t, svc, ms, store.StatusReadyForReview)

	_, err := svc.AssignReviewer(ctx, doc.ID, reviewer.Email, editor)
	assertDomainCode(t, err, "FORBIDDEN")

	// Grant the editor binding assign-reviewer rights and retry.
	role, _ := ms.GetDocumentRole(ctx, doc.ID, store.TaskRoleEditor)
	role.CanAssignReviewer = true
	ms.roles[doc.ID][store.TaskRoleEditor] = role

	if _, err := svc.AssignReviewer(ctx, doc.ID, reviewer.Email, editor); err != nil {
		t.Fatalf("AssignReviewer with grant: %v", err)
	}
}

func TestAssignEditorReplacesBinding(t *testing.T) {
	ms := newMemStore()
	creator, _, _, _ := seedWorld(t, ms)
	other := ms.addUser(store.User{ID: "usr_other", Name: "Drew", Email: "drew@example.com"})
	svc := newTestService(ms)
	ctx := context.Background()

	doc := advance(t, svc, ms, store.StatusEditing)

	if _, err := svc.AssignEditor(ctx, doc.ID, other.Email, creator); err != nil {
		t.Fatalf("AssignEditor: %v", err)
	}

	roles, _ := ms.ListDocumentRoles(ctx, doc.ID)
	editorBindings := 0
	for _, role := range roles {
		if role.TaskRole == store.TaskRoleEditor {
			editorBindings++
			if role.AssignedUserID == nil || *role.AssignedUserID != other.ID {
				t.Fatalf("editor binding holder = %v, want %s", role.AssignedUserID, other.ID)
			}
		}
	}
	if editorBindings != 1 {
		t.Fatalf("%d editor bindings after reassignment, want 1", editorBindings)
	}
}

func TestApproveMergesSignature(t *testing.T) {
	ms := newMemStore()
	_, _, reviewer, _ := seedWorld(t, ms)
	svc := newTestService(ms)
	ctx := context.Background()

	doc := advance(t, svc, ms, store.StatusReviewing)

	got, err := svc.ApproveDocument(ctx, doc.ID, reviewer, map[string]any{"image": "sig.png"})
	if err != nil {
		t.Fatalf("ApproveDocument: %v", err)
	}
	if got.Status != store.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", got.Status)
	}

	stored, _ := ms.GetDocument(ctx, doc.ID)
	signatures, ok := stored.Data["signatures"].(map[string]any)
	if !ok {
		t.Fatalf("signatures missing from data: %v", stored.Data)
	}
	if _, ok := signatures[reviewer.Email]; !ok {
		t.Fatalf("signature not keyed by reviewer email: %v", signatures)
	}
}

func TestApproveRequiresReviewingState(t *testing.T) {
	ms := newMemStore()
	_, _, reviewer, _ := seedWorld(t, ms)
	svc := newTestService(ms)

	doc := advance(t, svc, ms, store.StatusReadyForReview)
	// Bind the reviewer without moving the status.
	ms.roles[doc.ID][store.TaskRoleReviewer] = store.DocumentRole{
		ID: "drl_r", DocumentID: doc.ID, TaskRole: store.TaskRoleReviewer, AssignedUserID: &reviewer.ID,
	}

	_, err := svc.ApproveDocument(context.Background(), doc.ID, reviewer, nil)
	domainErr := assertDomainCode(t, err, "STATE_CONFLICT")
	if !strings.Contains(domainErr.Message, store.StatusReviewing) {
		t.Fatalf("message %q does not name the expected state", domainErr.Message)
	}
}

func TestRejectRetainsReviewerAndClearsEditorView(t *testing.T) {
	ms := newMemStore()
	_, editor, reviewer, _ := seedWorld(t, ms)
	svc := newTestService(ms)
	ctx := context.Background()

	doc := advance(t, svc, ms, store.StatusReviewing)
	if err := svc.MarkDocumentViewed(ctx, doc.ID, editor); err != nil {
		t.Fatalf("MarkDocumentViewed: %v", err)
	}

	got, err := svc.RejectDocument(ctx, doc.ID, reviewer, "numbers do not add up")
	if err != nil {
		t.Fatalf("RejectDocument: %v", err)
	}
	if got.Status != store.StatusRejected {
		t.Fatalf("status = %s, want REJECTED", got.Status)
	}

	logs, _ := ms.ListStatusLogs(ctx, doc.ID)
	last := logs[len(logs)-1]
	if !last.RejectLog || last.Comment != "numbers do not add up" {
		t.Fatalf("reject log entry = %+v", last)
	}

	reviewerRole, err := ms.GetDocumentRole(ctx, doc.ID, store.TaskRoleReviewer)
	if err != nil || reviewerRole.AssignedUserID == nil || *reviewerRole.AssignedUserID != reviewer.ID {
		t.Fatalf("reviewer binding not retained: %+v %v", reviewerRole, err)
	}

	editorRole, _ := ms.GetDocumentRole(ctx, doc.ID, store.TaskRoleEditor)
	if editorRole.LastViewedAt != nil {
		t.Fatal("editor last_viewed_at not cleared on rejection")
	}

	// The rejected document can be resubmitted.
	resubmitted, err := svc.CompleteEditing(ctx, doc.ID, editor)
	if err != nil {
		t.Fatalf("CompleteEditing after rejection: %v", err)
	}
	if resubmitted.Status != store.StatusReadyForReview {
		t.Fatalf("resubmitted status = %s, want READY_FOR_REVIEW", resubmitted.Status)
	}
}

func TestRejectRequiresReason(t *testing.T) {
	ms := newMemStore()
	_, _, reviewer, _ := seedWorld(t, ms)
	svc := newTestService(ms)

	doc := advance(t, svc, ms, store.StatusReviewing)
	_, err := svc.RejectDocument(context.Background(), doc.ID, reviewer, "   ")
	assertDomainCode(t, err, "VALIDATION_ERROR")
}

func TestDeleteDocumentAuthorization(t *testing.T) {
	ms := newMemStore()
	_, editor, reviewer, _ := seedWorld(t, ms)
	svc := newTestService(ms)
	ctx := context.Background()

	doc := advance(t, svc, ms, store.StatusReviewing)

	if err := svc.DeleteDocument(ctx, doc.ID, reviewer); err == nil {
		t.Fatal("reviewer was allowed to delete")
	} else {
		assertDomainCode(t, err, "FORBIDDEN")
	}

	if err := svc.DeleteDocument(ctx, doc.ID, editor); err != nil {
		t.Fatalf("editor delete: %v", err)
	}
	if _, err := ms.GetDocument(ctx, doc.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatal("document still present after delete")
	}
	if len(ms.roles[doc.ID]) != 0 {
		t.Fatal("role bindings survived document deletion")
	}
}

func TestReconcilePendingAssignments(t *testing.T) {
	ms := newMemStore()
	creator, _, _, tpl := seedWorld(t, ms)
	svc := newTestService(ms)
	ctx := context.Background()

	// One binding pending by email, one by external id.
	byEmail, err := svc.CreateDocument(ctx, CreateDocumentInput{
		TemplateID: tpl.ID, Title: "By Email", EditorEmail: "newcomer@example.com",
	}, creator)
	if err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	externalID := "E-777"
	ms.roles["doc_ext"] = map[string]store.DocumentRole{
		store.TaskRoleEditor: {ID: "drl_ext", DocumentID: "doc_ext", TaskRole: store.TaskRoleEditor, PendingUserID: &externalID},
	}

	newcomer := ms.addUser(store.User{ID: "usr_new", Name: "Nico", Email: "newcomer@example.com", ExternalID: "E-777"})

	linked, err := svc.ReconcilePendingAssignments(ctx, newcomer)
	if err != nil {
		t.Fatalf("ReconcilePendingAssignments: %v", err)
	}
	if linked != 2 {
		t.Fatalf("linked = %d, want 2", linked)
	}

	role, _ := ms.GetDocumentRole(ctx, byEmail.ID, store.TaskRoleEditor)
	if role.AssignedUserID == nil || *role.AssignedUserID != newcomer.ID || role.PendingEmail != nil {
		t.Fatalf("email binding not resolved: %+v", role)
	}

	// Idempotent: a second pass finds nothing left to claim.
	linked, err = svc.ReconcilePendingAssignments(ctx, newcomer)
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if linked != 0 {
		t.Fatalf("second reconcile linked %d, want 0", linked)
	}
}

func TestDocumentNotFound(t *testing.T) {
	ms := newMemStore()
	creator, _, _, _ := seedWorld(t, ms)
	svc := newTestService(ms)

	_, err := svc.StartEditing(context.Background(), "doc_missing", creator)
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("got %v, want sql.ErrNoRows", err)
	}
}
