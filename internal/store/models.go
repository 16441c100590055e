package store

import "time"

// Document lifecycle statuses as stored in documents.status.
const (
	StatusDraft          = "DRAFT"
	StatusEditing        = "EDITING"
	StatusReadyForReview = "READY_FOR_REVIEW"
	StatusReviewing      = "REVIEWING"
	StatusCompleted      = "COMPLETED"
	StatusRejected       = "REJECTED"
)

// Task roles as stored in document_roles.task_role.
const (
	TaskRoleCreator  = "CREATOR"
	TaskRoleEditor   = "EDITOR"
	TaskRoleReviewer = "REVIEWER"
)

// Bulk staging statuses.
const (
	StagingReady     = "READY"
	StagingCommitted = "COMMITTED"
)

// Bulk staging item processing statuses.
const (
	ItemPending = "PENDING"
	ItemCreated = "CREATED"
	ItemSkipped = "SKIPPED"
	ItemFailed  = "FAILED"
)

type User struct {
	ID               string
	ExternalID       string
	Name             string
	Email            string
	PasswordHash     string
	Role             string
	CanAccessFolders bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type Template struct {
	ID               string
	Name             string
	Description      string
	CoordinateFields string
	Deadline         *time.Time
	DefaultFolderID  *string
	CreatedBy        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type Folder struct {
	ID        string
	Name      string
	ParentID  *string
	CreatedBy string
	CreatedAt time.Time
}

type Document struct {
	ID         string
	TemplateID string
	Title      string
	Status     string
	Data       map[string]any
	Deadline   *time.Time
	FolderID   *string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// DocumentRole binds one task role on one document to a holder. The holder is
// either a registered account (AssignedUserID set) or a pending placeholder
// (PendingUserID / PendingEmail / PendingName set) waiting for signup.
type DocumentRole struct {
	ID                string
	DocumentID        string
	TaskRole          string
	AssignedUserID    *string
	PendingUserID     *string
	PendingEmail      *string
	PendingName       *string
	CanAssignReviewer bool
	LastViewedAt      *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (r DocumentRole) IsPending() bool {
	return r.AssignedUserID == nil
}

// DocumentStatusLog is an append-only snapshot of a status change. Actor
// identity is denormalized so the log survives account changes.
type DocumentStatusLog struct {
	ID             string
	DocumentID     string
	Status         string
	ChangedByEmail string
	ChangedByName  string
	Comment        string
	RejectLog      bool
	CreatedAt      time.Time
}

type BulkStaging struct {
	ID               string
	CreatorID        string
	TemplateID       string
	OriginalFilename string
	TotalRows        int
	ValidRows        int
	InvalidRows      int
	Status           string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type BulkStagingItem struct {
	ID                string
	StagingID         string
	RowNumber         int
	ExternalID        string
	Name              string
	Email             string
	Course            string
	DocumentTitle     string
	IsValid           bool
	ValidationError   string
	ProcessingStatus  string
	ProcessingReason  string
	CreatedDocumentID *string
}

type Notification struct {
	ID                string
	RecipientUserID   string
	Title             string
	Message           string
	Type              string
	IsRead            bool
	RelatedDocumentID *string
	ActionURL         string
	ReadAt            *time.Time
	CreatedAt         time.Time
}

type SigningToken struct {
	Token       string
	DocumentID  string
	SignerEmail string
	ExpiresAt   time.Time
	Used        bool
	UsedAt      *time.Time
	AccessCount int
	CreatedAt   time.Time
}
