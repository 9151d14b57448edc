// Package notification exposes a user's notifications and their read state.
package notification

import (
	"context"
	"errors"
	"time"

	errordefs "github.com/RegistryAccord/registryaccord-vault-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/model"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/storage"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Service reads and updates notifications for the requesting user only.
type Service struct {
	store storage.Store
	now   func() time.Time
}

// NewService creates a notification Service.
func NewService(store storage.Store, now func() time.Time) *Service {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{store: store, now: now}
}

// List returns the user's notifications, newest first.
func (s *Service) List(ctx context.Context, query model.NotificationQuery) ([]model.Notification, error) {
	if query.UserID == "" {
		return nil, errordefs.New(errordefs.VAULT_VALIDATION, "userId is required", "")
	}
	if query.Offset < 0 {
		return nil, errordefs.New(errordefs.VAULT_VALIDATION, "offset must not be negative", "")
	}
	switch {
	case query.Limit <= 0:
		query.Limit = DefaultLimit
	case query.Limit > MaxLimit:
		query.Limit = MaxLimit
	}

	list, err := s.store.ListNotifications(ctx, query)
	if err != nil {
		return nil, errordefs.Wrap(errordefs.VAULT_INTERNAL, "failed to list notifications", err)
	}
	return list, nil
}

// UnreadCount returns how many unread notifications the user has.
func (s *Service) UnreadCount(ctx context.Context, userID string) (int, error) {
	n, err := s.store.CountUnreadNotifications(ctx, userID)
	if err != nil {
		return 0, errordefs.Wrap(errordefs.VAULT_INTERNAL, "failed to count notifications", err)
	}
	return n, nil
}

// MarkAsRead marks one of the user's notifications read. Marking another
// user's notification is forbidden. Marking twice is a no-op.
func (s *Service) MarkAsRead(ctx context.Context, notificationID, userID string) (*model.Notification, error) {
	n, err := s.store.GetNotification(ctx, notificationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errordefs.New(errordefs.VAULT_NOT_FOUND, "notification not found", "")
		}
		return nil, errordefs.Wrap(errordefs.VAULT_INTERNAL, "failed to load notification", err)
	}
	if n.UserID != userID {
		return nil, errordefs.New(errordefs.VAULT_FORBIDDEN, "notification belongs to another user", "")
	}
	if n.Read {
		return n, nil
	}

	at := s.now()
	if err := s.store.MarkNotificationRead(ctx, notificationID, at); err != nil {
		return nil, errordefs.Wrap(errordefs.VAULT_INTERNAL, "failed to update notification", err)
	}
	n.Read = true
	n.ReadAt = &at
	return n, nil
}

// MarkAllAsRead marks every unread notification of the user and returns how
// many changed.
func (s *Service) MarkAllAsRead(ctx context.Context, userID string) (int, error) {
	n, err := s.store.MarkAllNotificationsRead(ctx, userID, s.now())
	if err != nil {
		return 0, errordefs.Wrap(errordefs.VAULT_INTERNAL, "failed to update notifications", err)
	}
	return n, nil
}
