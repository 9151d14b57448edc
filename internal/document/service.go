// Package document implements the document repository: documents, their
// append-only version history, restores and guarded deletion.
package document

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	errordefs "github.com/RegistryAccord/registryaccord-vault-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/event"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/media"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/model"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/storage"
	"github.com/google/uuid"
)

// Service owns Document and DocumentVersion records.
type Service struct {
	store   storage.Store
	blobs   media.Gateway
	pub     event.Publisher
	metrics *metrics.Metrics
	now     func() time.Time

	downloadTTL      time.Duration
	maxUploadSize    int64
	allowedMimeTypes []string
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithUploadLimits sets the upload size limit and MIME allow-list. An empty list allows any type.
func WithUploadLimits(maxSize int64, mimeTypes []string) Option {
	return func(s *Service) {
		s.maxUploadSize = maxSize
		s.allowedMimeTypes = mimeTypes
	}
}

// WithDownloadTTL sets the lifetime of owner download URLs.
func WithDownloadTTL(ttl time.Duration) Option { return func(s *Service) { s.downloadTTL = ttl } }

// NewService creates a document Service.
func NewService(store storage.Store, blobs media.Gateway, pub event.Publisher, opts ...Option) *Service {
	s := &Service{
		store:       store,
		blobs:       blobs,
		pub:         pub,
		metrics:     metrics.NewMetrics(),
		now:         func() time.Time { return time.Now().UTC() },
		downloadTTL: 15 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// storeError translates storage sentinels into service errors.
func storeError(err error, what string) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return errordefs.New(errordefs.VAULT_NOT_FOUND, what+" not found", "")
	case errors.Is(err, storage.ErrConflict):
		return errordefs.New(errordefs.VAULT_CONFLICT, what+" conflicts with existing state", "")
	default:
		var e *errordefs.Error
		if errors.As(err, &e) {
			return e
		}
		return errordefs.Wrap(errordefs.VAULT_INTERNAL, "failed to access "+what, err)
	}
}

func validateScope(p model.Principal, scope model.Scope) error {
	if !scope.Valid() {
		return errordefs.New(errordefs.VAULT_VALIDATION, "exactly one of personalVaultId and organizationId must be set", "")
	}
	if !p.CanAccess(scope) {
		return errordefs.New(errordefs.VAULT_FORBIDDEN, "no access to scope", "")
	}
	return nil
}

func (s *Service) mimeAllowed(mimeType string) bool {
	if len(s.allowedMimeTypes) == 0 {
		return true
	}
	for _, m := range s.allowedMimeTypes {
		if strings.EqualFold(m, mimeType) {
			return true
		}
	}
	return false
}

// InitUpload mints a storage key under the scope and returns a signed PUT for it.
func (s *Service) InitUpload(ctx context.Context, p model.Principal, req model.UploadInitRequest) (*model.UploadInitData, error) {
	if err := validateScope(p, req.Scope); err != nil {
		return nil, err
	}
	if req.MimeType == "" || !s.mimeAllowed(req.MimeType) {
		return nil, errordefs.NewWithDetails(errordefs.VAULT_MEDIA_TYPE, "MIME type not allowed", "", map[string]interface{}{
			"mimeType": req.MimeType,
			"allowed":  s.allowedMimeTypes,
		})
	}
	if req.Size <= 0 || (s.maxUploadSize > 0 && req.Size > s.maxUploadSize) {
		return nil, errordefs.NewWithDetails(errordefs.VAULT_MEDIA_SIZE, "upload size out of range", "", map[string]interface{}{
			"size":    req.Size,
			"maxSize": s.maxUploadSize,
		})
	}

	key := media.NewStorageKey(req.Scope, req.Filename, s.now())
	signed, err := s.blobs.PresignUpload(ctx, key, req.MimeType)
	if err != nil {
		return nil, errordefs.Wrap(errordefs.VAULT_UNAVAILABLE, "failed to presign upload", err)
	}
	return &model.UploadInitData{
		StorageKey: key,
		UploadURL:  signed.URL,
		Headers:    signed.Headers,
		ExpiresAt:  signed.ExpiresAt,
	}, nil
}

func validateContent(scope model.Scope, storageKey string, size int64) error {
	if storageKey == "" || !media.InScope(scope, storageKey) {
		return errordefs.New(errordefs.VAULT_VALIDATION, "storageKey must come from an upload in the same scope", "")
	}
	if size < 0 {
		return errordefs.New(errordefs.VAULT_VALIDATION, "size must not be negative", "")
	}
	return nil
}

// Create creates a document and its first version atomically.
func (s *Service) Create(ctx context.Context, p model.Principal, req model.CreateDocumentRequest) (*model.Document, error) {
	if err := validateScope(p, req.Scope); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Name) == "" {
		return nil, errordefs.New(errordefs.VAULT_VALIDATION, "name is required", "")
	}
	if err := validateContent(req.Scope, req.StorageKey, req.Size); err != nil {
		return nil, err
	}

	now := s.now()
	doc := model.Document{
		ID:              uuid.New().String(),
		Scope:           req.Scope,
		OwnerID:         p.UserID,
		Name:            strings.TrimSpace(req.Name),
		MimeType:        req.MimeType,
		Size:            req.Size,
		StorageKey:      req.StorageKey,
		DueDate:         req.DueDate,
		ExpirationDate:  req.ExpirationDate,
		TrackingEnabled: req.TrackingEnabled,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	first := model.DocumentVersion{
		ID:            uuid.New().String(),
		DocumentID:    doc.ID,
		VersionNumber: 1,
		Size:          req.Size,
		StorageKey:    req.StorageKey,
		UploaderID:    p.UserID,
		CreatedAt:     now,
	}

	if err := s.store.CreateDocument(ctx, doc, first); err != nil {
		return nil, storeError(err, "document")
	}
	s.metrics.DocumentVersionsTotal.WithLabelValues("create").Inc()
	event.Emit(ctx, s.pub, event.Event{Type: event.DocumentCreated, Key: doc.ID, Payload: doc})
	return &doc, nil
}

// authorize loads a document and checks the caller may act on it.
func (s *Service) authorize(ctx context.Context, p model.Principal, id string) (*model.Document, error) {
	doc, err := s.store.GetDocument(ctx, id)
	if err != nil {
		return nil, storeError(err, "document")
	}
	if !p.CanAccess(doc.Scope) {
		// Hide documents from other scopes entirely
		return nil, errordefs.New(errordefs.VAULT_NOT_FOUND, "document not found", "")
	}
	return doc, nil
}

// lock runs fn under the document lock after checking access inside it.
func (s *Service) lock(ctx context.Context, p model.Principal, id string, fn func(tx storage.DocumentTx) error) error {
	err := s.store.WithDocumentLock(ctx, id, func(tx storage.DocumentTx) error {
		if !p.CanAccess(tx.Document().Scope) {
			return errordefs.New(errordefs.VAULT_NOT_FOUND, "document not found", "")
		}
		return fn(tx)
	})
	if err != nil {
		return storeError(err, "document")
	}
	return nil
}

// AddVersion appends version max+1 and mirrors its content onto the document.
func (s *Service) AddVersion(ctx context.Context, p model.Principal, documentID string, req model.AddVersionRequest) (*model.DocumentVersion, error) {
	var created model.DocumentVersion
	err := s.lock(ctx, p, documentID, func(tx storage.DocumentTx) error {
		doc := tx.Document()
		if err := validateContent(doc.Scope, req.StorageKey, req.Size); err != nil {
			return err
		}
		max, err := tx.MaxVersionNumber()
		if err != nil {
			return err
		}
		now := s.now()
		created = model.DocumentVersion{
			ID:            uuid.New().String(),
			DocumentID:    doc.ID,
			VersionNumber: max + 1,
			Size:          req.Size,
			StorageKey:    req.StorageKey,
			UploaderID:    p.UserID,
			CreatedAt:     now,
		}
		if err := tx.InsertVersion(created); err != nil {
			return err
		}
		return tx.SetContent(req.StorageKey, req.Size, now)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.DocumentVersionsTotal.WithLabelValues("add").Inc()
	event.Emit(ctx, s.pub, event.Event{Type: event.DocumentVersioned, Key: created.ID, Payload: created})
	return &created, nil
}

// RestoreVersion makes versionID's content current again. The pre-restore
// content is first archived as a new highest version, then the target's
// content is copied onto the document, all under one lock.
func (s *Service) RestoreVersion(ctx context.Context, p model.Principal, documentID, versionID string) (*model.Document, error) {
	var (
		restored model.Document
		snapshot model.DocumentVersion
	)
	err := s.lock(ctx, p, documentID, func(tx storage.DocumentTx) error {
		target, err := tx.GetVersion(versionID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return errordefs.New(errordefs.VAULT_NOT_FOUND, "version not found", "")
			}
			return err
		}
		max, err := tx.MaxVersionNumber()
		if err != nil {
			return err
		}

		doc := tx.Document()
		now := s.now()
		snapshot = model.DocumentVersion{
			ID:            uuid.New().String(),
			DocumentID:    doc.ID,
			VersionNumber: max + 1,
			Size:          doc.Size,
			StorageKey:    doc.StorageKey,
			UploaderID:    p.UserID,
			CreatedAt:     now,
		}
		// Snapshot first: a document updated without its snapshot would lose history
		if err := tx.InsertVersion(snapshot); err != nil {
			return err
		}
		if err := tx.SetContent(target.StorageKey, target.Size, now); err != nil {
			return err
		}
		restored = tx.Document()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.DocumentVersionsTotal.WithLabelValues("restore").Inc()
	event.Emit(ctx, s.pub, event.Event{Type: event.DocumentRestored, Key: snapshot.ID, Payload: map[string]interface{}{
		"documentId":        restored.ID,
		"restoredVersionId": versionID,
		"snapshotVersion":   snapshot.VersionNumber,
	}})
	return &restored, nil
}

// Get returns a document after verifying its content matches a stored version.
// A mismatch is flagged for manual reconciliation rather than repaired.
func (s *Service) Get(ctx context.Context, p model.Principal, id string) (*model.Document, error) {
	doc, err := s.authorize(ctx, p, id)
	if err != nil {
		return nil, err
	}
	versions, err := s.store.ListVersions(ctx, id)
	if err != nil {
		return nil, storeError(err, "document")
	}
	if !matchesVersion(*doc, versions) {
		doc.ReconciliationRequired = true
		s.metrics.DocumentInconsistenciesTotal.Inc()
		slog.ErrorContext(ctx, "document content matches no stored version",
			"document_id", doc.ID,
			"storage_key", doc.StorageKey,
			"versions", len(versions))
	}
	return doc, nil
}

func matchesVersion(doc model.Document, versions []model.DocumentVersion) bool {
	for _, v := range versions {
		if v.StorageKey == doc.StorageKey {
			return true
		}
	}
	return false
}

// ListVersions returns a document's version history, oldest first.
func (s *Service) ListVersions(ctx context.Context, p model.Principal, id string) ([]model.DocumentVersion, error) {
	if _, err := s.authorize(ctx, p, id); err != nil {
		return nil, err
	}
	versions, err := s.store.ListVersions(ctx, id)
	if err != nil {
		return nil, storeError(err, "document")
	}
	return versions, nil
}

// UpdateLifecycle replaces the due/expiration tracking metadata.
func (s *Service) UpdateLifecycle(ctx context.Context, p model.Principal, id string, req model.UpdateLifecycleRequest) (*model.Document, error) {
	var updated model.Document
	err := s.lock(ctx, p, id, func(tx storage.DocumentTx) error {
		if err := tx.SetLifecycle(req.DueDate, req.ExpirationDate, req.TrackingEnabled, s.now()); err != nil {
			return err
		}
		updated = tx.Document()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// Delete removes a document. It fails with a conflict while any active share
// link references it; expired and exhausted links merely lose the reference.
func (s *Service) Delete(ctx context.Context, p model.Principal, id string) error {
	if _, err := s.authorize(ctx, p, id); err != nil {
		return err
	}
	if err := s.store.DeleteDocument(ctx, id, s.now()); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return errordefs.New(errordefs.VAULT_CONFLICT, "document is referenced by an active share link; revoke it first", "")
		}
		return storeError(err, "document")
	}
	event.Emit(ctx, s.pub, event.Event{Type: event.DocumentDeleted, Key: id, Payload: map[string]string{"documentId": id}})
	return nil
}

// Download returns a signed GET for the document's current content.
func (s *Service) Download(ctx context.Context, p model.Principal, id string) (*model.DownloadURL, error) {
	doc, err := s.authorize(ctx, p, id)
	if err != nil {
		return nil, err
	}
	signed, err := s.blobs.PresignDownload(ctx, doc.StorageKey, s.downloadTTL)
	if err != nil {
		return nil, errordefs.Wrap(errordefs.VAULT_UNAVAILABLE, "failed to presign download", err)
	}
	return &model.DownloadURL{DocumentID: doc.ID, Name: doc.Name, URL: signed.URL, ExpiresAt: signed.ExpiresAt}, nil
}
