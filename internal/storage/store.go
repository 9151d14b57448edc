// Package storage provides implementations of the Store interface
// for both in-memory and PostgreSQL storage backends.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/RegistryAccord/registryaccord-vault-go/internal/model"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound        = errors.New("not found")        // Returned when a record is not found
	ErrConflict        = errors.New("conflict")         // Returned when a record already exists or is still referenced
	ErrConditionFailed = errors.New("condition failed") // Returned when a conditional update matched no row
)

// Store interface defines the storage operations required by the vault service.
// This interface is implemented by both in-memory and PostgreSQL storage backends.
type Store interface {
	// Document operations
	CreateDocument(ctx context.Context, doc model.Document, first model.DocumentVersion) error // Create a document and its first version atomically
	GetDocument(ctx context.Context, id string) (*model.Document, error)
	GetDocuments(ctx context.Context, ids []string) ([]model.Document, error) // Missing ids are skipped
	ListVersions(ctx context.Context, documentID string) ([]model.DocumentVersion, error) // Ordered by version number
	WithDocumentLock(ctx context.Context, documentID string, fn func(tx DocumentTx) error) error
	DeleteDocument(ctx context.Context, documentID string, now time.Time) error // ErrConflict while an active link references it
	ListTrackedDocuments(ctx context.Context, ownerID string, horizon time.Time) ([]model.Document, error)

	// Share link operations
	CreateShareLink(ctx context.Context, link model.ShareLink) error // ErrNotFound if a document is missing
	GetShareLink(ctx context.Context, token string) (*model.ShareLink, error)
	IncrementShareDownload(ctx context.Context, token string, now time.Time) (*model.ShareLink, error) // ErrConditionFailed when not active
	ExpireShareLink(ctx context.Context, token string, at time.Time) error

	// Portal operations
	CreatePortal(ctx context.Context, portal model.Portal) error
	GetPortal(ctx context.Context, id string) (*model.Portal, error)
	CreatePortalRequest(ctx context.Context, req model.PortalRequest) error
	GetPortalRequest(ctx context.Context, id string) (*model.PortalRequest, error)
	ListPortalRequests(ctx context.Context, portalID string) ([]model.PortalRequest, error) // Ordered, with submissions attached
	ListDueRequests(ctx context.Context, ownerID string, horizon time.Time) ([]model.DueRequest, error)
	CreateSubmission(ctx context.Context, sub model.PortalSubmission) error // ErrConflict if the request already has one
	GetSubmission(ctx context.Context, id string) (*model.PortalSubmission, error)
	GetSubmissionByRequest(ctx context.Context, requestID string) (*model.PortalSubmission, error)
	UpdateSubmission(ctx context.Context, sub model.PortalSubmission, expectedRevision int) error // ErrConditionFailed on revision mismatch

	// Notification operations
	HasUnreadNotification(ctx context.Context, userID, subjectType, subjectID string, category model.NotificationCategory) (bool, error)
	CreateNotification(ctx context.Context, n model.Notification) error // ErrConflict if an unread duplicate exists
	GetNotification(ctx context.Context, id string) (*model.Notification, error)
	ListNotifications(ctx context.Context, query model.NotificationQuery) ([]model.Notification, error)
	CountUnreadNotifications(ctx context.Context, userID string) (int, error)
	MarkNotificationRead(ctx context.Context, id string, at time.Time) error
	MarkAllNotificationsRead(ctx context.Context, userID string, at time.Time) (int, error)

	// Ping checks connectivity to the backing store.
	Ping(ctx context.Context) error
}

// DocumentTx is the view of one document held under an exclusive lock.
// Writes become visible only if the enclosing WithDocumentLock callback returns nil.
type DocumentTx interface {
	Document() model.Document
	MaxVersionNumber() (int, error)
	GetVersion(versionID string) (*model.DocumentVersion, error)
	ListVersions() ([]model.DocumentVersion, error)
	InsertVersion(v model.DocumentVersion) error
	SetContent(storageKey string, size int64, updatedAt time.Time) error
	SetLifecycle(dueDate, expirationDate *time.Time, trackingEnabled bool, updatedAt time.Time) error
}

// trackedWithin reports whether a tracked document has a date at or before horizon.
func trackedWithin(d model.Document, horizon time.Time) bool {
	if !d.TrackingEnabled {
		return false
	}
	if d.DueDate != nil && !d.DueDate.After(horizon) {
		return true
	}
	return d.ExpirationDate != nil && !d.ExpirationDate.After(horizon)
}
