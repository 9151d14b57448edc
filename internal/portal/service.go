// Package portal implements client intake portals: an organization asks a
// client for a list of documents and tracks what has been submitted.
package portal

import (
	"context"
	"errors"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/RegistryAccord/registryaccord-vault-go/internal/directory"
	errordefs "github.com/RegistryAccord/registryaccord-vault-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/event"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/mailer"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/model"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/storage"
)

// Documents stores the files portal clients upload.
type Documents interface {
	InitUpload(ctx context.Context, p model.Principal, req model.UploadInitRequest) (*model.UploadInitData, error)
	Create(ctx context.Context, p model.Principal, req model.CreateDocumentRequest) (*model.Document, error)
}

// Service manages portals, their requests and submissions.
type Service struct {
	store   storage.Store
	pub     event.Publisher
	mail    mailer.Mailer
	orgs    directory.Resolver
	docs    Documents
	metrics *metrics.Metrics
	now     func() time.Time
	baseURL string
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithBaseURL sets the public URL portals are linked under in emails.
func WithBaseURL(base string) Option {
	return func(s *Service) { s.baseURL = strings.TrimRight(base, "/") }
}

// WithDocuments enables client uploads and submissions through the portal PIN.
func WithDocuments(docs Documents) Option { return func(s *Service) { s.docs = docs } }

// NewService creates a portal Service.
func NewService(store storage.Store, pub event.Publisher, mail mailer.Mailer, orgs directory.Resolver, opts ...Option) *Service {
	s := &Service{
		store:   store,
		pub:     pub,
		mail:    mail,
		orgs:    orgs,
		metrics: metrics.NewMetrics(),
		now:     func() time.Time { return time.Now().UTC() },
		baseURL: "http://localhost:3000",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PortalURL returns the client-facing link for a portal.
func (s *Service) PortalURL(portalID string) string {
	return s.baseURL + "/p/" + portalID
}

func storeError(err error, what string) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return errordefs.New(errordefs.VAULT_NOT_FOUND, what+" not found", "")
	case errors.Is(err, storage.ErrConflict):
		return errordefs.New(errordefs.VAULT_CONFLICT, what+" already exists", "")
	default:
		return errordefs.Wrap(errordefs.VAULT_INTERNAL, "failed to access "+what, err)
	}
}

// CreatePortal opens a portal for a client on behalf of an organization the
// caller belongs to.
func (s *Service) CreatePortal(ctx context.Context, p model.Principal, req model.CreatePortalRequest) (*model.Portal, error) {
	if req.OrganizationID == "" {
		return nil, errordefs.New(errordefs.VAULT_VALIDATION, "organizationId is required", "")
	}
	if !p.MemberOf(req.OrganizationID) {
		return nil, errordefs.New(errordefs.VAULT_FORBIDDEN, "not a member of the organization", "")
	}
	name := strings.TrimSpace(req.ClientName)
	if name == "" {
		return nil, errordefs.New(errordefs.VAULT_VALIDATION, "clientName is required", "")
	}
	addr, err := mail.ParseAddress(req.ClientEmail)
	if err != nil {
		return nil, errordefs.New(errordefs.VAULT_VALIDATION, "clientEmail is not a valid address", "")
	}

	portal := model.Portal{
		ID:             uuid.New().String(),
		OrganizationID: req.OrganizationID,
		ClientName:     name,
		ClientEmail:    addr.Address,
		PIN:            strings.TrimSpace(req.PIN),
		CreatedBy:      p.UserID,
		CreatedAt:      s.now(),
	}
	if err := s.store.CreatePortal(ctx, portal); err != nil {
		return nil, storeError(err, "portal")
	}
	return &portal, nil
}

// GetPortal returns a portal to a member of its organization. Other callers
// get not found.
func (s *Service) GetPortal(ctx context.Context, p model.Principal, portalID string) (*model.Portal, error) {
	portal, err := s.store.GetPortal(ctx, portalID)
	if err != nil {
		return nil, storeError(err, "portal")
	}
	if !p.MemberOf(portal.OrganizationID) {
		return nil, errordefs.New(errordefs.VAULT_NOT_FOUND, "portal not found", "")
	}
	return portal, nil
}

// AddRequest appends a requested item to a portal.
func (s *Service) AddRequest(ctx context.Context, p model.Principal, portalID string, req model.AddPortalRequestRequest) (*model.PortalRequest, error) {
	if _, err := s.GetPortal(ctx, p, portalID); err != nil {
		return nil, err
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, errordefs.New(errordefs.VAULT_VALIDATION, "title is required", "")
	}
	if req.Order < 0 {
		return nil, errordefs.New(errordefs.VAULT_VALIDATION, "order must not be negative", "")
	}

	item := model.PortalRequest{
		ID:          uuid.New().String(),
		PortalID:    portalID,
		Title:       title,
		Description: strings.TrimSpace(req.Description),
		Required:    req.Required,
		Order:       req.Order,
		DueDate:     req.DueDate,
		CreatedAt:   s.now(),
	}
	if err := s.store.CreatePortalRequest(ctx, item); err != nil {
		return nil, storeError(err, "portal")
	}
	return &item, nil
}

// ListRequests returns a portal's requests in display order with their submissions.
func (s *Service) ListRequests(ctx context.Context, p model.Principal, portalID string) ([]model.PortalRequest, error) {
	if _, err := s.GetPortal(ctx, p, portalID); err != nil {
		return nil, err
	}
	reqs, err := s.store.ListPortalRequests(ctx, portalID)
	if err != nil {
		return nil, storeError(err, "portal")
	}
	return reqs, nil
}

// GetCompletionState reports how much of the portal has been fulfilled.
func (s *Service) GetCompletionState(ctx context.Context, p model.Principal, portalID string) (*model.CompletionState, error) {
	reqs, err := s.ListRequests(ctx, p, portalID)
	if err != nil {
		return nil, err
	}
	st := model.Completion(reqs)
	return &st, nil
}

// request loads a portal request and checks the caller belongs to its organization.
func (s *Service) request(ctx context.Context, p model.Principal, requestID string) (*model.PortalRequest, *model.Portal, error) {
	item, err := s.store.GetPortalRequest(ctx, requestID)
	if err != nil {
		return nil, nil, storeError(err, "portal request")
	}
	portal, err := s.GetPortal(ctx, p, item.PortalID)
	if err != nil {
		if errordefs.Is(err, errordefs.VAULT_NOT_FOUND) {
			return nil, nil, errordefs.New(errordefs.VAULT_NOT_FOUND, "portal request not found", "")
		}
		return nil, nil, err
	}
	return item, portal, nil
}

// checkDocuments verifies that every id names a document owned by the
// portal's organization.
func (s *Service) checkDocuments(ctx context.Context, portal *model.Portal, ids []string) ([]string, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, errordefs.New(errordefs.VAULT_VALIDATION, "documentIds must not be empty", "")
	}
	docs, err := s.store.GetDocuments(ctx, ids)
	if err != nil {
		return nil, errordefs.Wrap(errordefs.VAULT_INTERNAL, "failed to load documents", err)
	}
	if len(docs) != len(ids) {
		return nil, errordefs.New(errordefs.VAULT_NOT_FOUND, "document not found", "")
	}
	for _, d := range docs {
		if d.OrganizationID != portal.OrganizationID {
			return nil, errordefs.New(errordefs.VAULT_VALIDATION, "documents must belong to the portal's organization", "")
		}
	}
	return ids, nil
}

// Submit records the first fulfillment of a request. A second submission is
// rejected; resubmissions go through ReplaceSubmission.
func (s *Service) Submit(ctx context.Context, p model.Principal, requestID string, req model.SubmitRequest) (*model.PortalSubmission, error) {
	item, portal, err := s.request(ctx, p, requestID)
	if err != nil {
		return nil, err
	}
	ids, err := s.checkDocuments(ctx, portal, req.DocumentIDs)
	if err != nil {
		return nil, err
	}

	sub := model.PortalSubmission{
		ID:          uuid.New().String(),
		RequestID:   item.ID,
		Status:      model.SubmissionSubmitted,
		DocumentIDs: ids,
		Revision:    1,
		SubmittedAt: s.now(),
	}
	if err := s.store.CreateSubmission(ctx, sub); err != nil {
		s.metrics.PortalSubmissionsTotal.WithLabelValues("submit", "error").Inc()
		if errors.Is(err, storage.ErrConflict) {
			return nil, errordefs.New(errordefs.VAULT_CONFLICT, "request already has a submission, replace it instead", "")
		}
		return nil, storeError(err, "portal request")
	}
	s.metrics.PortalSubmissionsTotal.WithLabelValues("submit", "success").Inc()

	event.Emit(ctx, s.pub, event.Event{Type: event.PortalSubmitted, Key: sub.ID, Payload: map[string]interface{}{
		"portalId":    portal.ID,
		"requestId":   item.ID,
		"documentIds": ids,
		"submittedBy": p.UserID,
	}})
	return &sub, nil
}

// ReplaceSubmission swaps the documents of an existing submission and resets
// it to submitted. Approved submissions are final.
func (s *Service) ReplaceSubmission(ctx context.Context, p model.Principal, requestID string, req model.SubmitRequest) (*model.PortalSubmission, error) {
	item, portal, err := s.request(ctx, p, requestID)
	if err != nil {
		return nil, err
	}
	current, err := s.replaceable(ctx, item.ID, req.Revision)
	if err != nil {
		return nil, err
	}
	ids, err := s.checkDocuments(ctx, portal, req.DocumentIDs)
	if err != nil {
		return nil, err
	}

	next := *current
	next.DocumentIDs = ids
	next.Status = model.SubmissionSubmitted
	next.Revision = current.Revision + 1
	next.SubmittedAt = s.now()
	next.ReviewedAt = nil
	if err := s.store.UpdateSubmission(ctx, next, current.Revision); err != nil {
		s.metrics.PortalSubmissionsTotal.WithLabelValues("replace", "error").Inc()
		if errors.Is(err, storage.ErrConditionFailed) {
			return nil, errordefs.New(errordefs.VAULT_CONFLICT, "submission changed concurrently", "")
		}
		return nil, storeError(err, "submission")
	}
	s.metrics.PortalSubmissionsTotal.WithLabelValues("replace", "success").Inc()

	event.Emit(ctx, s.pub, event.Event{Type: event.PortalReplaced, Key: next.ID + ":" + strconv.Itoa(next.Revision), Payload: map[string]interface{}{
		"portalId":            portal.ID,
		"requestId":           item.ID,
		"revision":            next.Revision,
		"documentIds":         ids,
		"previousDocumentIds": current.DocumentIDs,
		"replacedBy":          p.UserID,
	}})
	return &next, nil
}

// replaceable loads the submission of a request and checks it may be
// replaced. A non-zero revision must match the stored one.
func (s *Service) replaceable(ctx context.Context, requestID string, revision int) (*model.PortalSubmission, error) {
	current, err := s.store.GetSubmissionByRequest(ctx, requestID)
	if err != nil {
		return nil, storeError(err, "submission")
	}
	if current.Status == model.SubmissionApproved {
		return nil, errordefs.New(errordefs.VAULT_CONFLICT, "approved submissions cannot be replaced", "")
	}
	if revision != 0 && revision != current.Revision {
		return nil, errordefs.NewWithDetails(errordefs.VAULT_CONFLICT, "submission has changed", "", map[string]interface{}{
			"revision": current.Revision,
		})
	}
	return current, nil
}

// ReviewSubmission approves or rejects a submission.
func (s *Service) ReviewSubmission(ctx context.Context, p model.Principal, submissionID string, status model.SubmissionStatus) (*model.PortalSubmission, error) {
	if status != model.SubmissionApproved && status != model.SubmissionRejected {
		return nil, errordefs.New(errordefs.VAULT_VALIDATION, "status must be approved or rejected", "")
	}
	current, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, storeError(err, "submission")
	}
	if _, _, err := s.request(ctx, p, current.RequestID); err != nil {
		if errordefs.Is(err, errordefs.VAULT_NOT_FOUND) {
			return nil, errordefs.New(errordefs.VAULT_NOT_FOUND, "submission not found", "")
		}
		return nil, err
	}

	reviewed := *current
	reviewed.Status = status
	at := s.now()
	reviewed.ReviewedAt = &at
	if err := s.store.UpdateSubmission(ctx, reviewed, current.Revision); err != nil {
		s.metrics.PortalSubmissionsTotal.WithLabelValues("review", "error").Inc()
		if errors.Is(err, storage.ErrConditionFailed) {
			return nil, errordefs.New(errordefs.VAULT_CONFLICT, "submission was replaced during review", "")
		}
		return nil, storeError(err, "submission")
	}
	s.metrics.PortalSubmissionsTotal.WithLabelValues("review", "success").Inc()

	event.Emit(ctx, s.pub, event.Event{Type: event.PortalReviewed, Key: reviewed.ID + ":" + string(status), Payload: map[string]interface{}{
		"requestId":  reviewed.RequestID,
		"status":     status,
		"revision":   reviewed.Revision,
		"reviewedBy": p.UserID,
	}})
	return &reviewed, nil
}

// Invite sends the client the first email listing every requested item.
func (s *Service) Invite(ctx context.Context, p model.Principal, portalID string) (*model.PortalEmail, error) {
	return s.sendEmail(ctx, p, portalID, false)
}

// Remind emails the client the items that are still outstanding. It never
// changes intake state, so repeating it only repeats the email.
func (s *Service) Remind(ctx context.Context, p model.Principal, portalID string) (*model.PortalEmail, error) {
	return s.sendEmail(ctx, p, portalID, true)
}

func (s *Service) sendEmail(ctx context.Context, p model.Principal, portalID string, reminder bool) (*model.PortalEmail, error) {
	kind := "invite"
	if reminder {
		kind = "reminder"
	}
	portal, err := s.GetPortal(ctx, p, portalID)
	if err != nil {
		return nil, err
	}
	reqs, err := s.store.ListPortalRequests(ctx, portalID)
	if err != nil {
		return nil, storeError(err, "portal")
	}

	items := make([]string, 0, len(reqs))
	for _, r := range reqs {
		if reminder && r.Uploaded() {
			continue
		}
		items = append(items, r.Title)
	}
	if len(items) == 0 {
		return nil, errordefs.New(errordefs.VAULT_VALIDATION, "portal has no outstanding requests", "")
	}

	orgName, err := s.orgs.OrganizationName(ctx, portal.OrganizationID)
	if err != nil {
		return nil, errordefs.Wrap(errordefs.VAULT_UNAVAILABLE, "failed to resolve organization name", err)
	}

	email := model.PortalEmail{
		ClientEmail: portal.ClientEmail,
		ClientName:  portal.ClientName,
		OrgName:     orgName,
		Items:       items,
		PortalURL:   s.PortalURL(portal.ID),
		IsReminder:  reminder,
	}
	if err := s.mail.Send(ctx, email); err != nil {
		s.metrics.PortalEmailsTotal.WithLabelValues(kind, "error").Inc()
		return nil, errordefs.Wrap(errordefs.VAULT_UNAVAILABLE, "failed to send portal email", err)
	}
	s.metrics.PortalEmailsTotal.WithLabelValues(kind, "success").Inc()

	event.Emit(ctx, s.pub, event.Event{
		Type:    event.PortalEmailed,
		Key:     portal.ID + ":" + kind + ":" + s.now().Format(time.RFC3339),
		Payload: map[string]interface{}{"portalId": portal.ID, "kind": kind, "items": len(items), "sentBy": p.UserID},
	})
	return &email, nil
}

// Access opens a portal for the client after checking its PIN. Missing
// portals and wrong PINs are reported separately since the portal id is
// already known to the client.
func (s *Service) Access(ctx context.Context, portalID, pin string) (*model.PortalView, error) {
	portal, err := s.open(ctx, portalID, pin)
	if err != nil {
		return nil, err
	}
	reqs, err := s.store.ListPortalRequests(ctx, portalID)
	if err != nil {
		return nil, storeError(err, "portal")
	}
	// Clients see whether an item is uploaded, not what was uploaded
	view := make([]model.PortalRequest, len(reqs))
	for i, r := range reqs {
		view[i] = r
		if r.Submission != nil {
			sub := *r.Submission
			sub.DocumentIDs = nil
			view[i].Submission = &sub
		}
	}
	return &model.PortalView{
		PortalID:   portal.ID,
		ClientName: portal.ClientName,
		Requests:   view,
		Completion: model.Completion(reqs),
	}, nil
}

func (s *Service) open(ctx context.Context, portalID, pin string) (*model.Portal, error) {
	portal, err := s.store.GetPortal(ctx, portalID)
	if err != nil {
		return nil, storeError(err, "portal")
	}
	if !portal.PINMatches(pin) {
		return nil, errordefs.New(errordefs.VAULT_PIN_INVALID, "PIN is missing or incorrect", "")
	}
	return portal, nil
}

// ClientUserID is the actor recorded for work done through a portal's PIN.
func ClientUserID(portalID string) string { return "portal:" + portalID }

// client opens a portal and returns the principal its client acts as. It
// belongs to the portal's organization and is only used for the client's
// own uploads and submissions.
func (s *Service) client(ctx context.Context, portalID, pin string) (model.Principal, *model.Portal, error) {
	if s.docs == nil {
		return model.Principal{}, nil, errordefs.New(errordefs.VAULT_UNAVAILABLE, "client uploads are not enabled", "")
	}
	portal, err := s.open(ctx, portalID, pin)
	if err != nil {
		return model.Principal{}, nil, err
	}
	return model.Principal{UserID: ClientUserID(portal.ID), OrganizationIDs: []string{portal.OrganizationID}}, portal, nil
}

// clientRequest is client narrowed to one of the portal's own requests.
func (s *Service) clientRequest(ctx context.Context, portalID, pin, requestID string) (model.Principal, *model.Portal, error) {
	p, portal, err := s.client(ctx, portalID, pin)
	if err != nil {
		return model.Principal{}, nil, err
	}
	item, err := s.store.GetPortalRequest(ctx, requestID)
	if err != nil {
		return model.Principal{}, nil, storeError(err, "portal request")
	}
	if item.PortalID != portal.ID {
		return model.Principal{}, nil, errordefs.New(errordefs.VAULT_NOT_FOUND, "portal request not found", "")
	}
	return p, portal, nil
}

// ClientUpload signs an upload for a portal client. The blob lands in the
// portal organization's storage.
func (s *Service) ClientUpload(ctx context.Context, portalID string, req model.ClientUploadRequest) (*model.UploadInitData, error) {
	p, portal, err := s.client(ctx, portalID, req.PIN)
	if err != nil {
		return nil, err
	}
	return s.docs.InitUpload(ctx, p, model.UploadInitRequest{
		Scope:    model.Scope{OrganizationID: portal.OrganizationID},
		MimeType: req.MimeType,
		Size:     req.Size,
		Filename: req.Filename,
	})
}

// ClientSubmit stores a client's uploaded files as documents of the
// portal's organization and submits them for the request.
func (s *Service) ClientSubmit(ctx context.Context, portalID, requestID string, req model.ClientSubmitRequest) (*model.PortalSubmission, error) {
	p, portal, err := s.clientRequest(ctx, portalID, req.PIN, requestID)
	if err != nil {
		return nil, err
	}
	_, err = s.store.GetSubmissionByRequest(ctx, requestID)
	switch {
	case err == nil:
		return nil, errordefs.New(errordefs.VAULT_CONFLICT, "request already has a submission, replace it instead", "")
	case !errors.Is(err, storage.ErrNotFound):
		return nil, storeError(err, "submission")
	}
	ids, err := s.storeFiles(ctx, p, portal, req.Files)
	if err != nil {
		return nil, err
	}
	return s.Submit(ctx, p, requestID, model.SubmitRequest{DocumentIDs: ids})
}

// ClientReplace is ClientSubmit for a request that already has a submission.
func (s *Service) ClientReplace(ctx context.Context, portalID, requestID string, req model.ClientSubmitRequest) (*model.PortalSubmission, error) {
	p, portal, err := s.clientRequest(ctx, portalID, req.PIN, requestID)
	if err != nil {
		return nil, err
	}
	if _, err := s.replaceable(ctx, requestID, req.Revision); err != nil {
		return nil, err
	}
	ids, err := s.storeFiles(ctx, p, portal, req.Files)
	if err != nil {
		return nil, err
	}
	return s.ReplaceSubmission(ctx, p, requestID, model.SubmitRequest{DocumentIDs: ids, Revision: req.Revision})
}

func (s *Service) storeFiles(ctx context.Context, p model.Principal, portal *model.Portal, files []model.ClientFile) ([]string, error) {
	if len(files) == 0 {
		return nil, errordefs.New(errordefs.VAULT_VALIDATION, "files must not be empty", "")
	}
	ids := make([]string, 0, len(files))
	for _, f := range files {
		doc, err := s.docs.Create(ctx, p, model.CreateDocumentRequest{
			Scope:      model.Scope{OrganizationID: portal.OrganizationID},
			Name:       f.Name,
			MimeType:   f.MimeType,
			StorageKey: f.StorageKey,
			Size:       f.Size,
		})
		if err != nil {
			return nil, err
		}
		ids = append(ids, doc.ID)
	}
	return ids, nil
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
