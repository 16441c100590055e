// Package scheduler runs the periodic background jobs: deadline reminder
// emails for documents still in editing, and cleanup of consumed signing
// tokens.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"paperflow/api/internal/store"
)

type documentStore interface {
	ListDocumentsByStatusDueBetween(ctx context.Context, status string, from, to time.Time) ([]store.Document, error)
	GetDocumentRole(ctx context.Context, documentID, taskRole string) (store.DocumentRole, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
}

type reminderMailer interface {
	IsConfigured() bool
	SendDeadlineReminderEmail(to, userName, documentTitle, deadline, documentURL string) error
}

type tokenPurger interface {
	PurgeStale(ctx context.Context, retention time.Duration) (int64, error)
}

type Scheduler struct {
	store    documentStore
	mailer   reminderMailer
	tokens   tokenPurger
	baseURL  string
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
	done     chan struct{}
}

func New(st documentStore, mailer reminderMailer, tokens tokenPurger, baseURL string, interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:    st,
		mailer:   mailer,
		tokens:   tokens,
		baseURL:  baseURL,
		interval: interval,
		logger:   logger,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Start launches the background loop. Stop shuts it down.
func (s *Scheduler) Start() {
	go s.loop()
}

func (s *Scheduler) Stop() {
	close(s.done)
}

func (s *Scheduler) loop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			s.RunOnce(ctx)
			cancel()
		}
	}
}

// RunOnce executes every job a single time. Exposed so jobs can be driven
// directly in tests and from an operator endpoint.
func (s *Scheduler) RunOnce(ctx context.Context) {
	if sent, err := s.SendDeadlineReminders(ctx); err != nil {
		s.logger.Warn("deadline reminder run failed", zap.Error(err))
	} else if sent > 0 {
		s.logger.Info("deadline reminders sent", zap.Int("count", sent))
	}

	if s.tokens != nil {
		if removed, err := s.tokens.PurgeStale(ctx, 30*24*time.Hour); err != nil {
			s.logger.Warn("signing token cleanup failed", zap.Error(err))
		} else if removed > 0 {
			s.logger.Info("stale signing tokens removed", zap.Int64("count", removed))
		}
	}
}

// SendDeadlineReminders emails the editor of every document still in
// EDITING whose deadline falls within the next 24 hours. A failure on one
// document does not stop the rest.
func (s *Scheduler) SendDeadlineReminders(ctx context.Context) (int, error) {
	if s.mailer == nil || !s.mailer.IsConfigured() {
		return 0, nil
	}

	now := s.now().UTC()
	docs, err := s.store.ListDocumentsByStatusDueBetween(ctx, store.StatusEditing, now, now.Add(24*time.Hour))
	if err != nil {
		return 0, fmt.Errorf("list documents due soon: %w", err)
	}

	sent := 0
	for _, doc := range docs {
		if err := s.remindEditor(ctx, doc); err != nil {
			s.logger.Warn("deadline reminder skipped",
				zap.String("document_id", doc.ID),
				zap.Error(err))
			continue
		}
		sent++
	}
	return sent, nil
}

func (s *Scheduler) remindEditor(ctx context.Context, doc store.Document) error {
	role, err := s.store.GetDocumentRole(ctx, doc.ID, store.TaskRoleEditor)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.New("no editor assigned")
	}
	if err != nil {
		return fmt.Errorf("get editor binding: %w", err)
	}
	if role.AssignedUserID == nil {
		return errors.New("editor binding still pending")
	}

	editor, err := s.store.GetUserByID(ctx, *role.AssignedUserID)
	if err != nil {
		return fmt.Errorf("get editor: %w", err)
	}

	deadline := ""
	if doc.Deadline != nil {
		deadline = doc.Deadline.Format("2006-01-02 15:04 MST")
	}
	url := fmt.Sprintf("%s/documents/%s", s.baseURL, doc.ID)
	return s.mailer.SendDeadlineReminderEmail(editor.Email, editor.Name, doc.Title, deadline, url)
}
