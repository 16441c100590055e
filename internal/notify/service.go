package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"paperflow/api/internal/store"
	"paperflow/api/internal/util"
)

// Notification types surfaced to clients.
const (
	TypeAssignment   = "ASSIGNMENT"
	TypeStatusChange = "STATUS_CHANGE"
	TypeRejection    = "REJECTION"
	TypeReminder     = "REMINDER"
)

type notificationStore interface {
	InsertNotification(ctx context.Context, n store.Notification) (store.Notification, error)
	ListNotifications(ctx context.Context, userID string, limit int) ([]store.Notification, error)
	CountUnreadNotifications(ctx context.Context, userID string) (int, error)
	MarkNotificationRead(ctx context.Context, id, userID string) error
	MarkAllNotificationsRead(ctx context.Context, userID string) error
	DeleteNotification(ctx context.Context, id, userID string) error
}

type Service struct {
	store  notificationStore
	hub    *Hub
	logger *zap.Logger
}

func NewService(st notificationStore, hub *Hub, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: st, hub: hub, logger: logger}
}

// Message describes one notification to deliver.
type Message struct {
	RecipientUserID   string
	Title             string
	Message           string
	Type              string
	RelatedDocumentID *string
	ActionURL         string
}

// Notify persists a notification and pushes it to any live subscribers.
// Persistence failures are returned; push is best effort.
func (s *Service) Notify(ctx context.Context, msg Message) (store.Notification, error) {
	n := store.Notification{
		ID:                util.NewID("ntf"),
		RecipientUserID:   msg.RecipientUserID,
		Title:             msg.Title,
		Message:           msg.Message,
		Type:              msg.Type,
		RelatedDocumentID: msg.RelatedDocumentID,
		ActionURL:         msg.ActionURL,
		CreatedAt:         time.Now().UTC(),
	}
	created, err := s.store.InsertNotification(ctx, n)
	if err != nil {
		return store.Notification{}, fmt.Errorf("insert notification: %w", err)
	}
	if s.hub != nil {
		s.hub.Publish(created)
	}
	return created, nil
}

// NotifyAsync fires Notify in the background and logs failures. Used from
// request paths where notification delivery must not affect the response.
func (s *Service) NotifyAsync(msg Message) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := s.Notify(ctx, msg); err != nil {
			s.logger.Warn("notification delivery failed",
				zap.String("recipient", msg.RecipientUserID),
				zap.String("type", msg.Type),
				zap.Error(err))
		}
	}()
}

func (s *Service) List(ctx context.Context, userID string, limit int) ([]store.Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListNotifications(ctx, userID, limit)
}

func (s *Service) UnreadCount(ctx context.Context, userID string) (int, error) {
	return s.store.CountUnreadNotifications(ctx, userID)
}

func (s *Service) MarkRead(ctx context.Context, id, userID string) error {
	return s.store.MarkNotificationRead(ctx, id, userID)
}

func (s *Service) MarkAllRead(ctx context.Context, userID string) error {
	return s.store.MarkAllNotificationsRead(ctx, userID)
}

func (s *Service) Delete(ctx context.Context, id, userID string) error {
	return s.store.DeleteNotification(ctx, id, userID)
}
