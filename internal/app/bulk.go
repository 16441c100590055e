package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"paperflow/api/internal/bulkfile"
	"paperflow/api/internal/docdata"
	"paperflow/api/internal/store"
	"paperflow/api/internal/util"
)

// Duplicate-title policies accepted by CommitBulkCreation.
const (
	DuplicateSkip        = "SKIP"
	DuplicateUpdateTitle = "UPDATE_TITLE"
	DuplicateError       = "ERROR"
)

type BulkPreview struct {
	Staging store.BulkStaging
	Items   []store.BulkStagingItem
}

// BulkItemView is a staging item decorated with whether its email or
// external id already belongs to a registered account.
type BulkItemView struct {
	store.BulkStagingItem
	Registered bool
}

type BulkCommitResult struct {
	Created int
	Skipped int
	Failed  int
	Items   []store.BulkStagingItem
}

// CreatePreview parses an uploaded roster and persists it as a staging batch
// for later commit. Nothing is persisted when the file itself is unusable:
// unknown format, unparseable, empty, or over the row cap. Individual bad
// rows are kept with their validation error so the caller can show them.
func (s *Service) CreatePreview(ctx context.Context, filename string, file io.Reader, templateID string, creator store.User) (BulkPreview, error) {
	tpl, err := s.store.GetTemplate(ctx, templateID)
	if err != nil {
		return BulkPreview{}, err
	}

	rows, err := bulkfile.Parse(filename, file, s.cfg.BulkRowLimit)
	switch {
	case errors.Is(err, bulkfile.ErrUnsupportedFormat):
		return BulkPreview{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "only .xlsx and .csv files are supported", nil)
	case errors.Is(err, bulkfile.ErrNoRows):
		return BulkPreview{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "the file contains no data rows", nil)
	case errors.Is(err, bulkfile.ErrTooManyRows):
		return BulkPreview{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			fmt.Sprintf("the file exceeds the limit of %d rows", s.cfg.BulkRowLimit), nil)
	case err != nil:
		return BulkPreview{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "the file could not be parsed", nil)
	}

	staging := store.BulkStaging{
		ID:               util.NewID("blk"),
		CreatorID:        creator.ID,
		TemplateID:       tpl.ID,
		OriginalFilename: filename,
		TotalRows:        len(rows),
		Status:           store.StagingReady,
	}

	items := make([]store.BulkStagingItem, 0, len(rows))
	for _, row := range rows {
		valid, validationError := row.Validate()
		if valid {
			staging.ValidRows++
		} else {
			staging.InvalidRows++
		}
		items = append(items, store.BulkStagingItem{
			ID:               util.NewID("bli"),
			StagingID:        staging.ID,
			RowNumber:        row.RowNumber,
			ExternalID:       row.ExternalID,
			Name:             row.Name,
			Email:            row.Email,
			Course:           row.Course,
			DocumentTitle:    bulkDocumentTitle(row.Name, row.Course),
			IsValid:          valid,
			ValidationError:  validationError,
			ProcessingStatus: store.ItemPending,
		})
	}

	created, err := s.store.CreateStaging(ctx, staging, items)
	if err != nil {
		return BulkPreview{}, err
	}
	return BulkPreview{Staging: created, Items: items}, nil
}

func bulkDocumentTitle(name, course string) string {
	return fmt.Sprintf("%s_%s Work Log", strings.TrimSpace(name), strings.TrimSpace(course))
}

func (s *Service) getOwnedStaging(ctx context.Context, stagingID string, creator store.User) (store.BulkStaging, error) {
	staging, err := s.store.GetStaging(ctx, stagingID)
	if err != nil {
		return store.BulkStaging{}, err
	}
	if staging.CreatorID != creator.ID {
		return store.BulkStaging{}, domainError(http.StatusForbidden, "FORBIDDEN", "only the uploader can act on this staging", nil)
	}
	return staging, nil
}

func (s *Service) ListBulkStagings(ctx context.Context, creator store.User) ([]store.BulkStaging, error) {
	return s.store.ListStagingsForUser(ctx, creator.ID)
}

// GetStagingItems returns the staged rows with a registered flag telling the
// caller whether each row's person already has an account.
func (s *Service) GetStagingItems(ctx context.Context, stagingID string, creator store.User) ([]BulkItemView, error) {
	if _, err := s.getOwnedStaging(ctx, stagingID, creator); err != nil {
		return nil, err
	}
	items, err := s.store.ListStagingItems(ctx, stagingID)
	if err != nil {
		return nil, err
	}

	views := make([]BulkItemView, 0, len(items))
	for _, item := range items {
		view := BulkItemView{BulkStagingItem: item}
		if item.IsValid {
			if _, err := s.store.FindUserByEmailOrExternalID(ctx, item.Email, item.ExternalID); err == nil {
				view.Registered = true
			} else if !errors.Is(err, sql.ErrNoRows) {
				return nil, err
			}
		}
		views = append(views, view)
	}
	return views, nil
}

// CommitBulkCreation turns every valid pending row of a READY staging into a
// document in EDITING with the row's person bound as editor. Rows fail or
// are skipped individually; the batch always runs to the end and the staging
// always lands in COMMITTED, which also blocks accidental double commits.
func (s *Service) CommitBulkCreation(ctx context.Context, stagingID, onDuplicate string, deadline *time.Time, creator store.User) (BulkCommitResult, error) {
	staging, err := s.getOwnedStaging(ctx, stagingID, creator)
	if err != nil {
		return BulkCommitResult{}, err
	}
	if staging.Status != store.StagingReady {
		return BulkCommitResult{}, domainError(http.StatusConflict, "STAGING_CONFLICT",
			fmt.Sprintf("staging is %s and can no longer be committed", staging.Status), nil)
	}

	if onDuplicate == "" {
		onDuplicate = DuplicateSkip
	}
	if onDuplicate != DuplicateSkip && onDuplicate != DuplicateUpdateTitle && onDuplicate != DuplicateError {
		return BulkCommitResult{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			"onDuplicate must be SKIP, UPDATE_TITLE, or ERROR", nil)
	}

	tpl, err := s.store.GetTemplate(ctx, staging.TemplateID)
	if err != nil {
		return BulkCommitResult{}, err
	}
	items, err := s.store.ListStagingItems(ctx, stagingID)
	if err != nil {
		return BulkCommitResult{}, err
	}

	var result BulkCommitResult
	for _, item := range items {
		if item.ProcessingStatus != store.ItemPending {
			continue
		}
		if !item.IsValid {
			s.finishItem(ctx, item.ID, store.ItemSkipped, "row failed validation", nil)
			result.Skipped++
			continue
		}
		status, reason, docID := s.commitRow(ctx, tpl, item, onDuplicate, deadline, creator)
		s.finishItem(ctx, item.ID, status, reason, docID)
		switch status {
		case store.ItemCreated:
			result.Created++
		case store.ItemSkipped:
			result.Skipped++
		default:
			result.Failed++
		}
	}

	if err := s.store.UpdateStagingStatus(ctx, stagingID, store.StagingCommitted); err != nil {
		return BulkCommitResult{}, err
	}

	result.Items, err = s.store.ListStagingItems(ctx, stagingID)
	if err != nil {
		return BulkCommitResult{}, err
	}
	return result, nil
}

func (s *Service) finishItem(ctx context.Context, itemID, status, reason string, createdDocumentID *string) {
	if err := s.store.UpdateStagingItemResult(ctx, itemID, status, reason, createdDocumentID); err != nil {
		s.logger.Warn("staging item update failed", zap.String("item_id", itemID), zap.Error(err))
	}
}

// commitRow creates one document for one staged row. A panic or error is
// reported as a FAILED outcome rather than propagated, so one bad row never
// takes the batch down.
func (s *Service) commitRow(ctx context.Context, tpl store.Template, item store.BulkStagingItem, onDuplicate string, deadline *time.Time, creator store.User) (status, reason string, createdDocumentID *string) {
	defer func() {
		if r := recover(); r != nil {
			status = store.ItemFailed
			reason = fmt.Sprintf("row processing panicked: %v", r)
			createdDocumentID = nil
		}
	}()

	title, conflict, err := s.resolveTitle(ctx, item.DocumentTitle, onDuplicate)
	if err != nil {
		return store.ItemFailed, err.Error(), nil
	}
	if conflict == DuplicateSkip {
		return store.ItemSkipped, "a document with this title already exists", nil
	}
	if conflict == DuplicateError {
		return store.ItemFailed, "a document with this title already exists", nil
	}

	data, err := docdata.Seed(tpl.CoordinateFields)
	if err != nil {
		return store.ItemFailed, "template coordinate fields are malformed", nil
	}

	if deadline == nil {
		deadline = tpl.Deadline
	}
	doc, err := s.store.CreateDocument(ctx, store.Document{
		ID:         util.NewID("doc"),
		TemplateID: tpl.ID,
		Title:      title,
		Status:     store.StatusEditing,
		Data:       data,
		Deadline:   deadline,
		FolderID:   tpl.DefaultFolderID,
	})
	if err != nil {
		return store.ItemFailed, fmt.Sprintf("create document: %v", err), nil
	}

	if _, err := s.store.ReplaceDocumentRole(ctx, store.DocumentRole{
		ID:             util.NewID("drl"),
		DocumentID:     doc.ID,
		TaskRole:       store.TaskRoleCreator,
		AssignedUserID: &creator.ID,
	}); err != nil {
		return store.ItemFailed, fmt.Sprintf("bind creator: %v", err), nil
	}

	_, editor, err := s.bindEditor(ctx, doc, item.Email, item.ExternalID, item.Name)
	if err != nil {
		return store.ItemFailed, fmt.Sprintf("bind editor: %v", err), nil
	}

	if _, err := s.store.InsertStatusLog(ctx, store.DocumentStatusLog{
		ID:             util.NewID("slg"),
		DocumentID:     doc.ID,
		Status:         store.StatusEditing,
		ChangedByEmail: creator.Email,
		ChangedByName:  creator.Name,
		Comment:        "created by bulk import",
	}); err != nil {
		return store.ItemFailed, fmt.Sprintf("write status log: %v", err), nil
	}

	if editor != nil && editor.ID != creator.ID {
		s.announceAssignment(doc, *editor, creator, store.TaskRoleEditor)
	}
	if s.search != nil {
		s.search.IndexDocument(searchRecord(doc.ID, doc.Title, doc.Status, doc.FolderID))
	}
	return store.ItemCreated, "", &doc.ID
}

// resolveTitle applies the duplicate policy. For UPDATE_TITLE it probes
// " (2)", " (3)", ... until a free title is found.
func (s *Service) resolveTitle(ctx context.Context, title, onDuplicate string) (resolved, conflict string, err error) {
	_, err = s.store.GetDocumentByTitle(ctx, title)
	if errors.Is(err, sql.ErrNoRows) {
		return title, "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("check title: %w", err)
	}

	if onDuplicate != DuplicateUpdateTitle {
		return "", onDuplicate, nil
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s (%d)", title, n)
		_, err := s.store.GetDocumentByTitle(ctx, candidate)
		if errors.Is(err, sql.ErrNoRows) {
			return candidate, "", nil
		}
		if err != nil {
			return "", "", fmt.Errorf("check title: %w", err)
		}
	}
}

// CancelBulkUpload discards a READY staging and all of its rows.
func (s *Service) CancelBulkUpload(ctx context.Context, stagingID string, creator store.User) error {
	staging, err := s.getOwnedStaging(ctx, stagingID, creator)
	if err != nil {
		return err
	}
	if staging.Status != store.StagingReady {
		return domainError(http.StatusConflict, "STAGING_CONFLICT",
			fmt.Sprintf("staging is %s and can no longer be cancelled", staging.Status), nil)
	}
	return s.store.DeleteStaging(ctx, stagingID)
}
