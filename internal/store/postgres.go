package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const userColumns = `id, external_id, name, email, password_hash, role, can_access_folders, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.ExternalID, &user.Name, &user.Email, &user.PasswordHash,
		&user.Role, &user.CanAccessFolders, &user.CreatedAt, &user.UpdatedAt)
	return user, err
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	query := `
		INSERT INTO users (id, external_id, name, email, password_hash, role, can_access_folders)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + userColumns
	created, err := scanUser(s.db.QueryRowContext(ctx, query,
		user.ID, user.ExternalID, user.Name, user.Email, user.PasswordHash, user.Role, user.CanAccessFolders))
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE LOWER(email)=LOWER($1)`, email))
}

// FindUserByEmailOrExternalID matches by email first, then by external id.
// Either argument may be empty.
func (s *PostgresStore) FindUserByEmailOrExternalID(ctx context.Context, email, externalID string) (User, error) {
	if email != "" {
		user, err := s.GetUserByEmail(ctx, email)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return User{}, fmt.Errorf("lookup user by email: %w", err)
		}
	}
	if externalID == "" {
		return User{}, sql.ErrNoRows
	}
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE external_id=$1`, externalID))
}

const templateColumns = `id, name, description, coordinate_fields, deadline, default_folder_id, created_by, created_at, updated_at`

func scanTemplate(row interface{ Scan(...any) error }) (Template, error) {
	var tpl Template
	err := row.Scan(&tpl.ID, &tpl.Name, &tpl.Description, &tpl.CoordinateFields, &tpl.Deadline,
		&tpl.DefaultFolderID, &tpl.CreatedBy, &tpl.CreatedAt, &tpl.UpdatedAt)
	return tpl, err
}

func (s *PostgresStore) CreateTemplate(ctx context.Context, tpl Template) (Template, error) {
	query := `
		INSERT INTO templates (id, name, description, coordinate_fields, deadline, default_folder_id, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + templateColumns
	created, err := scanTemplate(s.db.QueryRowContext(ctx, query,
		tpl.ID, tpl.Name, tpl.Description, tpl.CoordinateFields, tpl.Deadline, tpl.DefaultFolderID, tpl.CreatedBy))
	if err != nil {
		return Template{}, fmt.Errorf("insert template: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetTemplate(ctx context.Context, templateID string) (Template, error) {
	return scanTemplate(s.db.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM templates WHERE id=$1`, templateID))
}

func (s *PostgresStore) ListTemplates(ctx context.Context) ([]Template, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+templateColumns+` FROM templates ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var templates []Template
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		templates = append(templates, tpl)
	}
	return templates, rows.Err()
}

func (s *PostgresStore) CreateFolder(ctx context.Context, folder Folder) (Folder, error) {
	query := `
		INSERT INTO folders (id, name, parent_id, created_by)
		VALUES ($1, $2, $3, $4)
		RETURNING id, name, parent_id, created_by, created_at
	`
	var created Folder
	err := s.db.QueryRowContext(ctx, query, folder.ID, folder.Name, folder.ParentID, folder.CreatedBy).
		Scan(&created.ID, &created.Name, &created.ParentID, &created.CreatedBy, &created.CreatedAt)
	if err != nil {
		return Folder{}, fmt.Errorf("insert folder: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetFolder(ctx context.Context, folderID string) (Folder, error) {
	var folder Folder
	err := s.db.QueryRowContext(ctx, `SELECT id, name, parent_id, created_by, created_at FROM folders WHERE id=$1`, folderID).
		Scan(&folder.ID, &folder.Name, &folder.ParentID, &folder.CreatedBy, &folder.CreatedAt)
	return folder, err
}

func (s *PostgresStore) ListFolders(ctx context.Context) ([]Folder, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, parent_id, created_by, created_at FROM folders ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	defer rows.Close()

	var folders []Folder
	for rows.Next() {
		var folder Folder
		if err := rows.Scan(&folder.ID, &folder.Name, &folder.ParentID, &folder.CreatedBy, &folder.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan folder: %w", err)
		}
		folders = append(folders, folder)
	}
	return folders, rows.Err()
}

func (s *PostgresStore) RenameFolder(ctx context.Context, folderID, name string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE folders SET name=$2 WHERE id=$1`, folderID, name)
	if err != nil {
		return fmt.Errorf("rename folder: %w", err)
	}
	return ensureAffected(result)
}

func (s *PostgresStore) DeleteFolder(ctx context.Context, folderID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM folders WHERE id=$1`, folderID)
	if err != nil {
		return fmt.Errorf("delete folder: %w", err)
	}
	return ensureAffected(result)
}

const documentColumns = `id, template_id, title, status, data, deadline, folder_id, created_at, updated_at`

func scanDocument(row interface{ Scan(...any) error }) (Document, error) {
	var doc Document
	var data []byte
	err := row.Scan(&doc.ID, &doc.TemplateID, &doc.Title, &doc.Status, &data, &doc.Deadline,
		&doc.FolderID, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return Document{}, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &doc.Data); err != nil {
			return Document{}, fmt.Errorf("decode document data: %w", err)
		}
	}
	if doc.Data == nil {
		doc.Data = map[string]any{}
	}
	return doc, nil
}

func (s *PostgresStore) CreateDocument(ctx context.Context, doc Document) (Document, error) {
	data, err := json.Marshal(doc.Data)
	if err != nil {
		return Document{}, fmt.Errorf("encode document data: %w", err)
	}
	query := `
		INSERT INTO documents (id, template_id, title, status, data, deadline, folder_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + documentColumns
	created, err := scanDocument(s.db.QueryRowContext(ctx, query,
		doc.ID, doc.TemplateID, doc.Title, doc.Status, data, doc.Deadline, doc.FolderID))
	if err != nil {
		return Document{}, fmt.Errorf("insert document: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	return scanDocument(s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1`, documentID))
}

func (s *PostgresStore) GetDocumentByTitle(ctx context.Context, title string) (Document, error) {
	return scanDocument(s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE title=$1 LIMIT 1`, title))
}

func (s *PostgresStore) UpdateDocumentData(ctx context.Context, documentID string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode document data: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `UPDATE documents SET data=$2, updated_at=NOW() WHERE id=$1`, documentID, data)
	if err != nil {
		return fmt.Errorf("update document data: %w", err)
	}
	return ensureAffected(result)
}

func (s *PostgresStore) UpdateDocumentStatus(ctx context.Context, documentID, status string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE documents SET status=$2, updated_at=NOW() WHERE id=$1`, documentID, status)
	if err != nil {
		return fmt.Errorf("update document status: %w", err)
	}
	return ensureAffected(result)
}

func (s *PostgresStore) UpdateDocumentFolder(ctx context.Context, documentID string, folderID *string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE documents SET folder_id=$2, updated_at=NOW() WHERE id=$1`, documentID, folderID)
	if err != nil {
		return fmt.Errorf("update document folder: %w", err)
	}
	return ensureAffected(result)
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id=$1`, documentID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return ensureAffected(result)
}

// ListDocumentsForUser returns every document on which the user holds a task
// role, most recently updated first.
func (s *PostgresStore) ListDocumentsForUser(ctx context.Context, userID string) ([]Document, error) {
	query := `
		SELECT DISTINCT d.id, d.template_id, d.title, d.status, d.data, d.deadline, d.folder_id, d.created_at, d.updated_at
		FROM documents d
		JOIN document_roles r ON r.document_id = d.id
		WHERE r.assigned_user_id = $1
		ORDER BY d.updated_at DESC
	`
	return s.queryDocuments(ctx, query, userID)
}

// ListTodoDocumentsForUser returns documents awaiting action from the user:
// editor-held documents in DRAFT, EDITING or REJECTED, and reviewer-held
// documents in REVIEWING.
func (s *PostgresStore) ListTodoDocumentsForUser(ctx context.Context, userID string) ([]Document, error) {
	query := `
		SELECT DISTINCT d.id, d.template_id, d.title, d.status, d.data, d.deadline, d.folder_id, d.created_at, d.updated_at
		FROM documents d
		JOIN document_roles r ON r.document_id = d.id
		WHERE r.assigned_user_id = $1
		  AND (
			(r.task_role = 'EDITOR' AND d.status IN ('DRAFT', 'EDITING', 'REJECTED'))
			OR (r.task_role = 'REVIEWER' AND d.status = 'REVIEWING')
		  )
		ORDER BY d.updated_at DESC
	`
	return s.queryDocuments(ctx, query, userID)
}

func (s *PostgresStore) ListDocumentsByStatusDueBetween(ctx context.Context, status string, from, to time.Time) ([]Document, error) {
	query := `
		SELECT ` + documentColumns + `
		FROM documents
		WHERE status = $1 AND deadline >= $2 AND deadline < $3
		ORDER BY deadline
	`
	return s.queryDocuments(ctx, query, status, from, to)
}

func (s *PostgresStore) ListDocuments(ctx context.Context) ([]Document, error) {
	return s.queryDocuments(ctx, `SELECT `+documentColumns+` FROM documents ORDER BY updated_at DESC`)
}

// SearchDocumentsByTitle is the Postgres full-text fallback used when the
// search index is unavailable.
func (s *PostgresStore) SearchDocumentsByTitle(ctx context.Context, query string, limit int) ([]Document, error) {
	if limit <= 0 {
		limit = 20
	}
	sqlQuery := `
		SELECT ` + documentColumns + `
		FROM documents
		WHERE to_tsvector('simple', title) @@ plainto_tsquery('simple', $1)
		   OR title ILIKE '%' || $1 || '%'
		ORDER BY updated_at DESC
		LIMIT $2
	`
	return s.queryDocuments(ctx, sqlQuery, query, limit)
}

func (s *PostgresStore) queryDocuments(ctx context.Context, query string, args ...any) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

const roleColumns = `id, document_id, task_role, assigned_user_id, pending_user_id, pending_email, pending_name, can_assign_reviewer, last_viewed_at, created_at, updated_at`

func scanRole(row interface{ Scan(...any) error }) (DocumentRole, error) {
	var role DocumentRole
	err := row.Scan(&role.ID, &role.DocumentID, &role.TaskRole, &role.AssignedUserID, &role.PendingUserID,
		&role.PendingEmail, &role.PendingName, &role.CanAssignReviewer, &role.LastViewedAt,
		&role.CreatedAt, &role.UpdatedAt)
	return role, err
}

func (s *PostgresStore) ListDocumentRoles(ctx context.Context, documentID string) ([]DocumentRole, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+roleColumns+` FROM document_roles WHERE document_id=$1 ORDER BY task_role`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list document roles: %w", err)
	}
	defer rows.Close()

	var roles []DocumentRole
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document role: %w", err)
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (s *PostgresStore) GetDocumentRole(ctx context.Context, documentID, taskRole string) (DocumentRole, error) {
	return scanRole(s.db.QueryRowContext(ctx,
		`SELECT `+roleColumns+` FROM document_roles WHERE document_id=$1 AND task_role=$2`, documentID, taskRole))
}

// ReplaceDocumentRole removes any existing binding for the document's task
// role and inserts the new one in a single transaction, preserving the
// one-binding-per-task invariant under reassignment.
func (s *PostgresStore) ReplaceDocumentRole(ctx context.Context, role DocumentRole) (DocumentRole, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return DocumentRole{}, fmt.Errorf("begin replace role tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM document_roles WHERE document_id=$1 AND task_role=$2`, role.DocumentID, role.TaskRole); err != nil {
		return DocumentRole{}, fmt.Errorf("delete prior role: %w", err)
	}

	query := `
		INSERT INTO document_roles (id, document_id, task_role, assigned_user_id, pending_user_id, pending_email, pending_name, can_assign_reviewer)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + roleColumns
	created, err := scanRole(tx.QueryRowContext(ctx, query,
		role.ID, role.DocumentID, role.TaskRole, role.AssignedUserID, role.PendingUserID,
		role.PendingEmail, role.PendingName, role.CanAssignReviewer))
	if err != nil {
		return DocumentRole{}, fmt.Errorf("insert role: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return DocumentRole{}, fmt.Errorf("commit replace role tx: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) DeleteDocumentRole(ctx context.Context, documentID, taskRole string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM document_roles WHERE document_id=$1 AND task_role=$2`, documentID, taskRole)
	if err != nil {
		return fmt.Errorf("delete document role: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteDocumentRolesForDocument(ctx context.Context, documentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM document_roles WHERE document_id=$1`, documentID)
	if err != nil {
		return fmt.Errorf("delete document roles: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClearRoleLastViewed(ctx context.Context, documentID, taskRole string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE document_roles SET last_viewed_at=NULL, updated_at=NOW() WHERE document_id=$1 AND task_role=$2`,
		documentID, taskRole)
	if err != nil {
		return fmt.Errorf("clear role last viewed: %w", err)
	}
	return nil
}

func (s *PostgresStore) TouchDocumentViews(ctx context.Context, documentID, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE document_roles SET last_viewed_at=$3, updated_at=NOW() WHERE document_id=$1 AND assigned_user_id=$2`,
		documentID, userID, at)
	if err != nil {
		return fmt.Errorf("touch document views: %w", err)
	}
	return nil
}

// ListPendingRoles returns unresolved bindings whose pending email or pending
// external id matches. Either argument may be empty.
func (s *PostgresStore) ListPendingRoles(ctx context.Context, email, externalID string) ([]DocumentRole, error) {
	query := `
		SELECT ` + roleColumns + `
		FROM document_roles
		WHERE assigned_user_id IS NULL
		  AND (
			($1 <> '' AND LOWER(pending_email) = LOWER($1))
			OR ($2 <> '' AND pending_user_id = $2)
		  )
	`
	rows, err := s.db.QueryContext(ctx, query, email, externalID)
	if err != nil {
		return nil, fmt.Errorf("list pending roles: %w", err)
	}
	defer rows.Close()

	var roles []DocumentRole
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending role: %w", err)
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (s *PostgresStore) ResolvePendingRole(ctx context.Context, roleID, userID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE document_roles
		SET assigned_user_id=$2, pending_user_id=NULL, pending_email=NULL, pending_name=NULL, updated_at=NOW()
		WHERE id=$1 AND assigned_user_id IS NULL
	`, roleID, userID)
	if err != nil {
		return fmt.Errorf("resolve pending role: %w", err)
	}
	return ensureAffected(result)
}

func (s *PostgresStore) InsertStatusLog(ctx context.Context, entry DocumentStatusLog) (DocumentStatusLog, error) {
	query := `
		INSERT INTO document_status_logs (id, document_id, status, changed_by_email, changed_by_name, comment, reject_log)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, document_id, status, changed_by_email, changed_by_name, comment, reject_log, created_at
	`
	var created DocumentStatusLog
	err := s.db.QueryRowContext(ctx, query,
		entry.ID, entry.DocumentID, entry.Status, entry.ChangedByEmail, entry.ChangedByName, entry.Comment, entry.RejectLog).
		Scan(&created.ID, &created.DocumentID, &created.Status, &created.ChangedByEmail, &created.ChangedByName,
			&created.Comment, &created.RejectLog, &created.CreatedAt)
	if err != nil {
		return DocumentStatusLog{}, fmt.Errorf("insert status log: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) ListStatusLogs(ctx context.Context, documentID string) ([]DocumentStatusLog, error) {
	query := `
		SELECT id, document_id, status, changed_by_email, changed_by_name, comment, reject_log, created_at
		FROM document_status_logs
		WHERE document_id=$1
		ORDER BY created_at
	`
	rows, err := s.db.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, fmt.Errorf("list status logs: %w", err)
	}
	defer rows.Close()

	var logs []DocumentStatusLog
	for rows.Next() {
		var entry DocumentStatusLog
		if err := rows.Scan(&entry.ID, &entry.DocumentID, &entry.Status, &entry.ChangedByEmail, &entry.ChangedByName,
			&entry.Comment, &entry.RejectLog, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan status log: %w", err)
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

const stagingColumns = `id, creator_id, template_id, original_filename, total_rows, valid_rows, invalid_rows, status, created_at, updated_at`

func scanStaging(row interface{ Scan(...any) error }) (BulkStaging, error) {
	var staging BulkStaging
	err := row.Scan(&staging.ID, &staging.CreatorID, &staging.TemplateID, &staging.OriginalFilename,
		&staging.TotalRows, &staging.ValidRows, &staging.InvalidRows, &staging.Status,
		&staging.CreatedAt, &staging.UpdatedAt)
	return staging, err
}

// CreateStaging persists the staging aggregate and every row item in one
// transaction so a failed preview leaves nothing behind.
func (s *PostgresStore) CreateStaging(ctx context.Context, staging BulkStaging, items []BulkStagingItem) (BulkStaging, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return BulkStaging{}, fmt.Errorf("begin staging tx: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO bulk_stagings (id, creator_id, template_id, original_filename, total_rows, valid_rows, invalid_rows, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + stagingColumns
	created, err := scanStaging(tx.QueryRowContext(ctx, query,
		staging.ID, staging.CreatorID, staging.TemplateID, staging.OriginalFilename,
		staging.TotalRows, staging.ValidRows, staging.InvalidRows, staging.Status))
	if err != nil {
		return BulkStaging{}, fmt.Errorf("insert staging: %w", err)
	}

	const insertItem = `
		INSERT INTO bulk_staging_items (id, staging_id, row_number, external_id, name, email, course, document_title, is_valid, validation_error, processing_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	for _, item := range items {
		if _, err := tx.ExecContext(ctx, insertItem,
			item.ID, created.ID, item.RowNumber, item.ExternalID, item.Name, item.Email, item.Course,
			item.DocumentTitle, item.IsValid, item.ValidationError, item.ProcessingStatus); err != nil {
			return BulkStaging{}, fmt.Errorf("insert staging item row %d: %w", item.RowNumber, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return BulkStaging{}, fmt.Errorf("commit staging tx: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetStaging(ctx context.Context, stagingID string) (BulkStaging, error) {
	return scanStaging(s.db.QueryRowContext(ctx, `SELECT `+stagingColumns+` FROM bulk_stagings WHERE id=$1`, stagingID))
}

func (s *PostgresStore) ListStagingsForUser(ctx context.Context, creatorID string) ([]BulkStaging, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stagingColumns+` FROM bulk_stagings WHERE creator_id=$1 ORDER BY created_at DESC`, creatorID)
	if err != nil {
		return nil, fmt.Errorf("list stagings: %w", err)
	}
	defer rows.Close()

	var stagings []BulkStaging
	for rows.Next() {
		staging, err := scanStaging(rows)
		if err != nil {
			return nil, fmt.Errorf("scan staging: %w", err)
		}
		stagings = append(stagings, staging)
	}
	return stagings, rows.Err()
}

func (s *PostgresStore) ListStagingItems(ctx context.Context, stagingID string) ([]BulkStagingItem, error) {
	query := `
		SELECT id, staging_id, row_number, external_id, name, email, course, document_title, is_valid, validation_error, processing_status, processing_reason, created_document_id
		FROM bulk_staging_items
		WHERE staging_id=$1
		ORDER BY row_number
	`
	rows, err := s.db.QueryContext(ctx, query, stagingID)
	if err != nil {
		return nil, fmt.Errorf("list staging items: %w", err)
	}
	defer rows.Close()

	var items []BulkStagingItem
	for rows.Next() {
		var item BulkStagingItem
		if err := rows.Scan(&item.ID, &item.StagingID, &item.RowNumber, &item.ExternalID, &item.Name, &item.Email,
			&item.Course, &item.DocumentTitle, &item.IsValid, &item.ValidationError,
			&item.ProcessingStatus, &item.ProcessingReason, &item.CreatedDocumentID); err != nil {
			return nil, fmt.Errorf("scan staging item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) UpdateStagingStatus(ctx context.Context, stagingID, status string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE bulk_stagings SET status=$2, updated_at=NOW() WHERE id=$1`, stagingID, status)
	if err != nil {
		return fmt.Errorf("update staging status: %w", err)
	}
	return ensureAffected(result)
}

func (s *PostgresStore) UpdateStagingItemResult(ctx context.Context, itemID, status, reason string, createdDocumentID *string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE bulk_staging_items
		SET processing_status=$2, processing_reason=$3, created_document_id=$4
		WHERE id=$1
	`, itemID, status, reason, createdDocumentID)
	if err != nil {
		return fmt.Errorf("update staging item: %w", err)
	}
	return ensureAffected(result)
}

func (s *PostgresStore) DeleteStaging(ctx context.Context, stagingID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM bulk_stagings WHERE id=$1`, stagingID)
	if err != nil {
		return fmt.Errorf("delete staging: %w", err)
	}
	return ensureAffected(result)
}

const notificationColumns = `id, recipient_user_id, title, message, type, is_read, related_document_id, action_url, read_at, created_at`

func scanNotification(row interface{ Scan(...any) error }) (Notification, error) {
	var n Notification
	err := row.Scan(&n.ID, &n.RecipientUserID, &n.Title, &n.Message, &n.Type, &n.IsRead,
		&n.RelatedDocumentID, &n.ActionURL, &n.ReadAt, &n.CreatedAt)
	return n, err
}

func (s *PostgresStore) InsertNotification(ctx context.Context, n Notification) (Notification, error) {
	query := `
		INSERT INTO notifications (id, recipient_user_id, title, message, type, related_document_id, action_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + notificationColumns
	created, err := scanNotification(s.db.QueryRowContext(ctx, query,
		n.ID, n.RecipientUserID, n.Title, n.Message, n.Type, n.RelatedDocumentID, n.ActionURL))
	if err != nil {
		return Notification{}, fmt.Errorf("insert notification: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, userID string, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE recipient_user_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var notifications []Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

func (s *PostgresStore) CountUnreadNotifications(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE recipient_user_id=$1 AND is_read=FALSE`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) MarkNotificationRead(ctx context.Context, notificationID, userID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET is_read=TRUE, read_at=NOW()
		WHERE id=$1 AND recipient_user_id=$2
	`, notificationID, userID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	return ensureAffected(result)
}

func (s *PostgresStore) MarkAllNotificationsRead(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET is_read=TRUE, read_at=NOW()
		WHERE recipient_user_id=$1 AND is_read=FALSE
	`, userID)
	if err != nil {
		return fmt.Errorf("mark all notifications read: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteNotification(ctx context.Context, notificationID, userID string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM notifications WHERE id=$1 AND recipient_user_id=$2`, notificationID, userID)
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	return ensureAffected(result)
}

const signingTokenColumns = `token, document_id, signer_email, expires_at, used, used_at, access_count, created_at`

func scanSigningToken(row interface{ Scan(...any) error }) (SigningToken, error) {
	var token SigningToken
	err := row.Scan(&token.Token, &token.DocumentID, &token.SignerEmail, &token.ExpiresAt,
		&token.Used, &token.UsedAt, &token.AccessCount, &token.CreatedAt)
	return token, err
}

func (s *PostgresStore) GetValidSigningToken(ctx context.Context, documentID, signerEmail string, now time.Time) (SigningToken, error) {
	query := `
		SELECT ` + signingTokenColumns + `
		FROM signing_tokens
		WHERE document_id=$1 AND LOWER(signer_email)=LOWER($2) AND used=FALSE AND expires_at > $3
		ORDER BY created_at DESC
		LIMIT 1
	`
	return scanSigningToken(s.db.QueryRowContext(ctx, query, documentID, signerEmail, now))
}

func (s *PostgresStore) InsertSigningToken(ctx context.Context, token SigningToken) (SigningToken, error) {
	query := `
		INSERT INTO signing_tokens (token, document_id, signer_email, expires_at)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + signingTokenColumns
	created, err := scanSigningToken(s.db.QueryRowContext(ctx, query,
		token.Token, token.DocumentID, token.SignerEmail, token.ExpiresAt))
	if err != nil {
		return SigningToken{}, fmt.Errorf("insert signing token: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetSigningToken(ctx context.Context, token string) (SigningToken, error) {
	return scanSigningToken(s.db.QueryRowContext(ctx,
		`SELECT `+signingTokenColumns+` FROM signing_tokens WHERE token=$1`, token))
}

func (s *PostgresStore) MarkSigningTokenUsed(ctx context.Context, token string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE signing_tokens SET used=TRUE, used_at=$2 WHERE token=$1`, token, at)
	if err != nil {
		return fmt.Errorf("mark signing token used: %w", err)
	}
	return ensureAffected(result)
}

func (s *PostgresStore) IncrementSigningTokenAccess(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE signing_tokens SET access_count = access_count + 1 WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("increment signing token access: %w", err)
	}
	return nil
}

// DeleteStaleSigningTokens removes used tokens whose expiry is older than the
// cutoff and returns how many were removed.
func (s *PostgresStore) DeleteStaleSigningTokens(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM signing_tokens WHERE used=TRUE AND expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete stale signing tokens: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale signing tokens affected: %w", err)
	}
	return affected, nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash string, user User, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, user.ID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.external_id, u.name, u.email, u.password_hash, u.role, u.can_access_folders, u.created_at, u.updated_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	return scanUser(s.db.QueryRowContext(ctx, query, tokenHash))
}

func ensureAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
