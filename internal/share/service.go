// Package share implements the share link manager: tokenized, optionally
// PIN-gated and quota-limited access to bundles of documents.
package share

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	errordefs "github.com/RegistryAccord/registryaccord-vault-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/event"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/media"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/model"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/storage"
)

// tokenBytes is the entropy of a share token (256 bits).
const tokenBytes = 32

// Service issues, resolves and revokes share links.
type Service struct {
	store       storage.Store
	blobs       media.Gateway
	pub         event.Publisher
	metrics     *metrics.Metrics
	now         func() time.Time
	downloadTTL time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithDownloadTTL sets the lifetime of the signed URLs handed out per download.
func WithDownloadTTL(ttl time.Duration) Option { return func(s *Service) { s.downloadTTL = ttl } }

// NewService creates a share Service.
func NewService(store storage.Store, blobs media.Gateway, pub event.Publisher, opts ...Option) *Service {
	s := &Service{
		store:       store,
		blobs:       blobs,
		pub:         pub,
		metrics:     metrics.NewMetrics(),
		now:         func() time.Time { return time.Now().UTC() },
		downloadTTL: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the link's state at the current time.
func (s *Service) State(link *model.ShareLink) model.ShareLinkState {
	return link.StateAt(s.now())
}

// NewToken returns a URL-safe random token.
func NewToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func notFound() error {
	return errordefs.New(errordefs.VAULT_NOT_FOUND, "share link not found", "")
}

// stateError maps a non-active link state to its error.
func stateError(state model.ShareLinkState) error {
	switch state {
	case model.ShareLinkExpired:
		return errordefs.New(errordefs.VAULT_LINK_EXPIRED, "share link has expired", "")
	case model.ShareLinkExhausted:
		return errordefs.New(errordefs.VAULT_LINK_EXHAUSTED, "share link download limit reached", "")
	}
	return nil
}

func landingOf(link model.ShareLink) model.ShareLanding {
	return model.ShareLanding{ClientName: link.ClientName, PINRequired: link.PINRequired()}
}

// Create shares one or more documents under a new token. All documents must
// belong to the same scope, which the caller must be able to access.
func (s *Service) Create(ctx context.Context, p model.Principal, req model.CreateShareLinkRequest) (*model.ShareLink, error) {
	ids := dedupe(req.DocumentIDs)
	if len(ids) == 0 {
		return nil, errordefs.New(errordefs.VAULT_VALIDATION, "documentIds must not be empty", "")
	}
	if req.MaxDownloads != nil && *req.MaxDownloads < 1 {
		return nil, errordefs.New(errordefs.VAULT_VALIDATION, "maxDownloads must be at least 1", "")
	}
	now := s.now()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, errordefs.New(errordefs.VAULT_VALIDATION, "expiresAt must be in the future", "")
	}

	docs, err := s.store.GetDocuments(ctx, ids)
	if err != nil {
		return nil, errordefs.Wrap(errordefs.VAULT_INTERNAL, "failed to load documents", err)
	}
	if len(docs) != len(ids) {
		return nil, errordefs.New(errordefs.VAULT_NOT_FOUND, "document not found", "")
	}
	scope := docs[0].Scope
	for _, d := range docs {
		if !p.CanAccess(d.Scope) {
			return nil, errordefs.New(errordefs.VAULT_NOT_FOUND, "document not found", "")
		}
		if d.Scope != scope {
			return nil, errordefs.New(errordefs.VAULT_VALIDATION, "shared documents must belong to one scope", "")
		}
	}

	token, err := NewToken()
	if err != nil {
		return nil, errordefs.Wrap(errordefs.VAULT_INTERNAL, "failed to generate token", err)
	}
	link := model.ShareLink{
		Token:        token,
		DocumentIDs:  ids,
		PIN:          strings.TrimSpace(req.PIN),
		ExpiresAt:    req.ExpiresAt,
		MaxDownloads: req.MaxDownloads,
		Scope:        scope,
		ClientName:   strings.TrimSpace(req.ClientName),
		CreatedBy:    p.UserID,
		CreatedAt:    now,
	}
	if err := s.store.CreateShareLink(ctx, link); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// A document was deleted between the check and the insert
			return nil, errordefs.New(errordefs.VAULT_NOT_FOUND, "document not found", "")
		}
		return nil, errordefs.Wrap(errordefs.VAULT_INTERNAL, "failed to create share link", err)
	}

	event.Emit(ctx, s.pub, event.Event{Type: event.ShareCreated, Key: token, Payload: map[string]interface{}{
		"documentIds":  ids,
		"expiresAt":    link.ExpiresAt,
		"maxDownloads": link.MaxDownloads,
		"pinRequired":  link.PINRequired(),
		"createdBy":    p.UserID,
	}})
	return &link, nil
}

// Landing returns the pre-PIN landing information. Every unavailable state
// collapses to one error so tokens can't be probed.
func (s *Service) Landing(ctx context.Context, token string) (*model.ShareLanding, error) {
	link, err := s.store.GetShareLink(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.metrics.ShareResolveTotal.WithLabelValues("unavailable").Inc()
			return nil, errordefs.New(errordefs.VAULT_LINK_UNAVAILABLE, "share link is unavailable", "")
		}
		return nil, errordefs.Wrap(errordefs.VAULT_INTERNAL, "failed to load share link", err)
	}
	if link.StateAt(s.now()) != model.ShareLinkActive {
		s.metrics.ShareResolveTotal.WithLabelValues("unavailable").Inc()
		return nil, errordefs.New(errordefs.VAULT_LINK_UNAVAILABLE, "share link is unavailable", "")
	}
	landing := landingOf(*link)
	return &landing, nil
}

// Resolve validates a token and PIN in order: existence, expiry, quota, PIN.
// It does not consume a download.
func (s *Service) Resolve(ctx context.Context, token, pin string) (*model.ShareResolution, error) {
	link, err := s.store.GetShareLink(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.metrics.ShareResolveTotal.WithLabelValues("not_found").Inc()
			return nil, notFound()
		}
		return nil, errordefs.Wrap(errordefs.VAULT_INTERNAL, "failed to load share link", err)
	}

	if state := link.StateAt(s.now()); state != model.ShareLinkActive {
		s.metrics.ShareResolveTotal.WithLabelValues(string(state)).Inc()
		return nil, stateError(state)
	}

	landing := landingOf(*link)
	if !link.PINMatches(pin) {
		s.metrics.ShareResolveTotal.WithLabelValues("pin_invalid").Inc()
		return nil, errordefs.NewWithDetails(errordefs.VAULT_PIN_INVALID, "PIN is missing or incorrect", "", landing)
	}

	docs, err := s.store.GetDocuments(ctx, link.DocumentIDs)
	if err != nil {
		return nil, errordefs.Wrap(errordefs.VAULT_INTERNAL, "failed to load documents", err)
	}
	s.metrics.ShareResolveTotal.WithLabelValues("ok").Inc()
	return &model.ShareResolution{Landing: landing, Documents: docs, Unlocked: true}, nil
}

// RecordDownload consumes one download slot atomically. Concurrent callers
// racing for the last slot get exactly one success.
func (s *Service) RecordDownload(ctx context.Context, token string) (*model.ShareLink, error) {
	now := s.now()
	link, err := s.store.IncrementShareDownload(ctx, token, now)
	if err == nil {
		s.metrics.ShareDownloadsTotal.WithLabelValues("success").Inc()
		return link, nil
	}

	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, notFound()
	case errors.Is(err, storage.ErrConditionFailed):
		s.metrics.ShareDownloadsTotal.WithLabelValues("rejected").Inc()
		current, getErr := s.store.GetShareLink(ctx, token)
		if getErr != nil {
			return nil, errordefs.Wrap(errordefs.VAULT_INTERNAL, "failed to load share link", getErr)
		}
		if state := current.StateAt(now); state != model.ShareLinkActive {
			return nil, stateError(state)
		}
		return nil, stateError(model.ShareLinkExhausted)
	default:
		return nil, errordefs.Wrap(errordefs.VAULT_INTERNAL, "failed to record download", err)
	}
}

// Download resolves the link, counts one download for the whole bundle and
// returns a signed URL per document.
func (s *Service) Download(ctx context.Context, token, pin string) (*model.ShareDownload, error) {
	res, err := s.Resolve(ctx, token, pin)
	if err != nil {
		return nil, err
	}
	link, err := s.RecordDownload(ctx, token)
	if err != nil {
		return nil, err
	}

	files := make([]model.DownloadURL, 0, len(res.Documents))
	for _, d := range res.Documents {
		signed, err := s.blobs.PresignDownload(ctx, d.StorageKey, s.downloadTTL)
		if err != nil {
			return nil, errordefs.Wrap(errordefs.VAULT_UNAVAILABLE, "failed to presign download", err)
		}
		files = append(files, model.DownloadURL{DocumentID: d.ID, Name: d.Name, URL: signed.URL, ExpiresAt: signed.ExpiresAt})
	}

	out := &model.ShareDownload{Token: token, Files: files, DownloadCount: link.DownloadCount}
	if link.MaxDownloads != nil {
		remaining := *link.MaxDownloads - link.DownloadCount
		out.Remaining = &remaining
	}
	event.Emit(ctx, s.pub, event.Event{
		Type:    event.ShareDownloaded,
		Key:     fmt.Sprintf("%s:%d", token, link.DownloadCount),
		Payload: map[string]interface{}{"token": token, "downloadCount": link.DownloadCount, "documents": len(files)},
	})
	return out, nil
}

// Get returns a link for its owner.
func (s *Service) Get(ctx context.Context, p model.Principal, token string) (*model.ShareLink, error) {
	link, err := s.store.GetShareLink(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, notFound()
		}
		return nil, errordefs.Wrap(errordefs.VAULT_INTERNAL, "failed to load share link", err)
	}
	if !p.CanAccess(link.Scope) {
		return nil, notFound()
	}
	return link, nil
}

// Revoke expires the link now. Revoking an already expired link is a no-op.
func (s *Service) Revoke(ctx context.Context, p model.Principal, token string) error {
	if _, err := s.Get(ctx, p, token); err != nil {
		return err
	}
	if err := s.store.ExpireShareLink(ctx, token, s.now()); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return notFound()
		}
		return errordefs.Wrap(errordefs.VAULT_INTERNAL, "failed to revoke share link", err)
	}
	event.Emit(ctx, s.pub, event.Event{Type: event.ShareRevoked, Key: token, Payload: map[string]string{"token": token, "revokedBy": p.UserID}})
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
