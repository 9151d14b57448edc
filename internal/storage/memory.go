package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/RegistryAccord/registryaccord-vault-go/internal/model"
)

// memory implements the Store interface using in-memory storage.
// It's intended for development and testing purposes.
// A single mutex serializes every write, which gives the same atomicity the
// postgres backend gets from transactions and conditional updates.
type memory struct {
	mu            sync.RWMutex
	documents     map[string]*model.Document
	versions      map[string][]model.DocumentVersion // Keyed by document ID, ordered by version number
	shareLinks    map[string]*model.ShareLink
	portals       map[string]*model.Portal
	requests      map[string]*model.PortalRequest
	submissions   map[string]*model.PortalSubmission
	subByRequest  map[string]string // Request ID to submission ID
	notifications map[string]*model.Notification
}

// NewMemory creates a new in-memory storage implementation.
// Returns a Store interface that can be used for testing or development.
func NewMemory() Store {
	return &memory{
		documents:     make(map[string]*model.Document),
		versions:      make(map[string][]model.DocumentVersion),
		shareLinks:    make(map[string]*model.ShareLink),
		portals:       make(map[string]*model.Portal),
		requests:      make(map[string]*model.PortalRequest),
		submissions:   make(map[string]*model.PortalSubmission),
		subByRequest:  make(map[string]string),
		notifications: make(map[string]*model.Notification),
	}
}

func (m *memory) Ping(ctx context.Context) error { return nil }

func (m *memory) CreateDocument(ctx context.Context, doc model.Document, first model.DocumentVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.documents[doc.ID]; exists {
		return ErrConflict
	}
	docCopy := doc
	m.documents[doc.ID] = &docCopy
	m.versions[doc.ID] = []model.DocumentVersion{first}
	return nil
}

func (m *memory) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, exists := m.documents[id]
	if !exists {
		return nil, ErrNotFound
	}
	docCopy := *doc
	return &docCopy, nil
}

func (m *memory) GetDocuments(ctx context.Context, ids []string) ([]model.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	docs := make([]model.Document, 0, len(ids))
	for _, id := range ids {
		if doc, exists := m.documents[id]; exists {
			docs = append(docs, *doc)
		}
	}
	return docs, nil
}

func (m *memory) ListVersions(ctx context.Context, documentID string) ([]model.DocumentVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, exists := m.documents[documentID]; !exists {
		return nil, ErrNotFound
	}
	return append([]model.DocumentVersion(nil), m.versions[documentID]...), nil
}

// memDocTx stages writes against one document until the callback succeeds.
type memDocTx struct {
	doc      model.Document
	versions []model.DocumentVersion
	inserted []model.DocumentVersion
	dirty    bool
}

func (t *memDocTx) Document() model.Document { return t.doc }

func (t *memDocTx) all() []model.DocumentVersion {
	return append(append([]model.DocumentVersion(nil), t.versions...), t.inserted...)
}

func (t *memDocTx) MaxVersionNumber() (int, error) {
	max := 0
	for _, v := range t.all() {
		if v.VersionNumber > max {
			max = v.VersionNumber
		}
	}
	return max, nil
}

func (t *memDocTx) GetVersion(versionID string) (*model.DocumentVersion, error) {
	for _, v := range t.all() {
		if v.ID == versionID {
			vCopy := v
			return &vCopy, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memDocTx) ListVersions() ([]model.DocumentVersion, error) { return t.all(), nil }

func (t *memDocTx) InsertVersion(v model.DocumentVersion) error {
	for _, existing := range t.all() {
		if existing.VersionNumber == v.VersionNumber || existing.ID == v.ID {
			return ErrConflict
		}
	}
	t.inserted = append(t.inserted, v)
	return nil
}

func (t *memDocTx) SetContent(storageKey string, size int64, updatedAt time.Time) error {
	t.doc.StorageKey = storageKey
	t.doc.Size = size
	t.doc.UpdatedAt = updatedAt
	t.dirty = true
	return nil
}

func (t *memDocTx) SetLifecycle(dueDate, expirationDate *time.Time, trackingEnabled bool, updatedAt time.Time) error {
	t.doc.DueDate = dueDate
	t.doc.ExpirationDate = expirationDate
	t.doc.TrackingEnabled = trackingEnabled
	t.doc.UpdatedAt = updatedAt
	t.dirty = true
	return nil
}

func (m *memory) WithDocumentLock(ctx context.Context, documentID string, fn func(tx DocumentTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, exists := m.documents[documentID]
	if !exists {
		return ErrNotFound
	}
	tx := &memDocTx{doc: *doc, versions: m.versions[documentID]}
	if err := fn(tx); err != nil {
		return err
	}

	// Commit staged writes
	if len(tx.inserted) > 0 {
		m.versions[documentID] = append(append([]model.DocumentVersion(nil), tx.versions...), tx.inserted...)
	}
	if tx.dirty {
		docCopy := tx.doc
		m.documents[documentID] = &docCopy
	}
	return nil
}

func (m *memory) DeleteDocument(ctx context.Context, documentID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.documents[documentID]; !exists {
		return ErrNotFound
	}

	// Active links block deletion; inactive ones only lose the reference
	var referencing []*model.ShareLink
	for _, link := range m.shareLinks {
		if !containsString(link.DocumentIDs, documentID) {
			continue
		}
		if link.StateAt(now) == model.ShareLinkActive {
			return ErrConflict
		}
		referencing = append(referencing, link)
	}
	for _, link := range referencing {
		link.DocumentIDs = removeString(link.DocumentIDs, documentID)
	}

	delete(m.documents, documentID)
	delete(m.versions, documentID)
	return nil
}

func (m *memory) ListTrackedDocuments(ctx context.Context, ownerID string, horizon time.Time) ([]model.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	docs := make([]model.Document, 0)
	for _, doc := range m.documents {
		if ownerID != "" && doc.OwnerID != ownerID {
			continue
		}
		if trackedWithin(*doc, horizon) {
			docs = append(docs, *doc)
		}
	}
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].OwnerID == docs[j].OwnerID {
			return docs[i].ID < docs[j].ID
		}
		return docs[i].OwnerID < docs[j].OwnerID
	})
	return docs, nil
}

func (m *memory) CreateShareLink(ctx context.Context, link model.ShareLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.shareLinks[link.Token]; exists {
		return ErrConflict
	}
	for _, id := range link.DocumentIDs {
		if _, exists := m.documents[id]; !exists {
			return ErrNotFound
		}
	}
	linkCopy := copyLink(link)
	m.shareLinks[link.Token] = &linkCopy
	return nil
}

func (m *memory) GetShareLink(ctx context.Context, token string) (*model.ShareLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	link, exists := m.shareLinks[token]
	if !exists {
		return nil, ErrNotFound
	}
	linkCopy := copyLink(*link)
	return &linkCopy, nil
}

func (m *memory) IncrementShareDownload(ctx context.Context, token string, now time.Time) (*model.ShareLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	link, exists := m.shareLinks[token]
	if !exists {
		return nil, ErrNotFound
	}
	if link.StateAt(now) != model.ShareLinkActive {
		return nil, ErrConditionFailed
	}
	link.DownloadCount++
	linkCopy := copyLink(*link)
	return &linkCopy, nil
}

func (m *memory) ExpireShareLink(ctx context.Context, token string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	link, exists := m.shareLinks[token]
	if !exists {
		return ErrNotFound
	}
	// Never push an earlier expiry later
	if link.ExpiresAt == nil || link.ExpiresAt.After(at) {
		expiry := at
		link.ExpiresAt = &expiry
	}
	return nil
}

func (m *memory) CreatePortal(ctx context.Context, portal model.Portal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.portals[portal.ID]; exists {
		return ErrConflict
	}
	portalCopy := portal
	m.portals[portal.ID] = &portalCopy
	return nil
}

func (m *memory) GetPortal(ctx context.Context, id string) (*model.Portal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	portal, exists := m.portals[id]
	if !exists {
		return nil, ErrNotFound
	}
	portalCopy := *portal
	return &portalCopy, nil
}

func (m *memory) CreatePortalRequest(ctx context.Context, req model.PortalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.portals[req.PortalID]; !exists {
		return ErrNotFound
	}
	if _, exists := m.requests[req.ID]; exists {
		return ErrConflict
	}
	reqCopy := req
	reqCopy.Submission = nil
	m.requests[req.ID] = &reqCopy
	return nil
}

func (m *memory) GetPortalRequest(ctx context.Context, id string) (*model.PortalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	req, exists := m.requests[id]
	if !exists {
		return nil, ErrNotFound
	}
	reqCopy := m.withSubmission(*req)
	return &reqCopy, nil
}

// withSubmission attaches a copy of the request's submission, if any.
// Callers must hold m.mu.
func (m *memory) withSubmission(req model.PortalRequest) model.PortalRequest {
	req.Submission = nil
	if subID, ok := m.subByRequest[req.ID]; ok {
		subCopy := copySubmission(*m.submissions[subID])
		req.Submission = &subCopy
	}
	return req
}

func (m *memory) ListPortalRequests(ctx context.Context, portalID string) ([]model.PortalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, exists := m.portals[portalID]; !exists {
		return nil, ErrNotFound
	}
	reqs := make([]model.PortalRequest, 0)
	for _, req := range m.requests {
		if req.PortalID == portalID {
			reqs = append(reqs, m.withSubmission(*req))
		}
	}
	sortRequests(reqs)
	return reqs, nil
}

func (m *memory) ListDueRequests(ctx context.Context, ownerID string, horizon time.Time) ([]model.DueRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	due := make([]model.DueRequest, 0)
	for _, req := range m.requests {
		if req.DueDate == nil || req.DueDate.After(horizon) {
			continue
		}
		if _, submitted := m.subByRequest[req.ID]; submitted {
			continue
		}
		portal := m.portals[req.PortalID]
		if portal == nil || (ownerID != "" && portal.CreatedBy != ownerID) {
			continue
		}
		due = append(due, model.DueRequest{Request: *req, OwnerID: portal.CreatedBy})
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Request.ID < due[j].Request.ID })
	return due, nil
}

func (m *memory) CreateSubmission(ctx context.Context, sub model.PortalSubmission) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.requests[sub.RequestID]; !exists {
		return ErrNotFound
	}
	if _, exists := m.subByRequest[sub.RequestID]; exists {
		return ErrConflict
	}
	subCopy := copySubmission(sub)
	m.submissions[sub.ID] = &subCopy
	m.subByRequest[sub.RequestID] = sub.ID
	return nil
}

func (m *memory) GetSubmission(ctx context.Context, id string) (*model.PortalSubmission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sub, exists := m.submissions[id]
	if !exists {
		return nil, ErrNotFound
	}
	subCopy := copySubmission(*sub)
	return &subCopy, nil
}

func (m *memory) GetSubmissionByRequest(ctx context.Context, requestID string) (*model.PortalSubmission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	subID, exists := m.subByRequest[requestID]
	if !exists {
		return nil, ErrNotFound
	}
	subCopy := copySubmission(*m.submissions[subID])
	return &subCopy, nil
}

func (m *memory) UpdateSubmission(ctx context.Context, sub model.PortalSubmission, expectedRevision int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.submissions[sub.ID]
	if !exists {
		return ErrNotFound
	}
	if current.Revision != expectedRevision {
		return ErrConditionFailed
	}
	subCopy := copySubmission(sub)
	subCopy.RequestID = current.RequestID
	m.submissions[sub.ID] = &subCopy
	return nil
}

func (m *memory) HasUnreadNotification(ctx context.Context, userID, subjectType, subjectID string, category model.NotificationCategory) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.findUnread(userID, subjectType, subjectID, category) != nil, nil
}

// findUnread returns the unread notification for the key, if any.
// Callers must hold m.mu.
func (m *memory) findUnread(userID, subjectType, subjectID string, category model.NotificationCategory) *model.Notification {
	for _, n := range m.notifications {
		if !n.Read && n.UserID == userID && n.SubjectType == subjectType && n.SubjectID == subjectID && n.Category == category {
			return n
		}
	}
	return nil
}

func (m *memory) CreateNotification(ctx context.Context, n model.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.notifications[n.ID]; exists {
		return ErrConflict
	}
	// Mirrors the partial unique index on unread notifications
	if !n.Read && m.findUnread(n.UserID, n.SubjectType, n.SubjectID, n.Category) != nil {
		return ErrConflict
	}
	nCopy := n
	m.notifications[n.ID] = &nCopy
	return nil
}

func (m *memory) GetNotification(ctx context.Context, id string) (*model.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, exists := m.notifications[id]
	if !exists {
		return nil, ErrNotFound
	}
	nCopy := *n
	return &nCopy, nil
}

func (m *memory) ListNotifications(ctx context.Context, query model.NotificationQuery) ([]model.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]model.Notification, 0)
	for _, n := range m.notifications {
		if n.UserID != query.UserID || (query.UnreadOnly && n.Read) {
			continue
		}
		list = append(list, *n)
	}
	// Newest first, ID as tie breaker for stable paging
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID > list[j].ID
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})

	if query.Offset >= len(list) {
		return []model.Notification{}, nil
	}
	list = list[query.Offset:]
	if query.Limit > 0 && query.Limit < len(list) {
		list = list[:query.Limit]
	}
	return list, nil
}

func (m *memory) CountUnreadNotifications(ctx context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, n := range m.notifications {
		if n.UserID == userID && !n.Read {
			count++
		}
	}
	return count, nil
}

func (m *memory) MarkNotificationRead(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, exists := m.notifications[id]
	if !exists {
		return ErrNotFound
	}
	if !n.Read {
		readAt := at
		n.Read = true
		n.ReadAt = &readAt
	}
	return nil
}

func (m *memory) MarkAllNotificationsRead(ctx context.Context, userID string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, n := range m.notifications {
		if n.UserID == userID && !n.Read {
			readAt := at
			n.Read = true
			n.ReadAt = &readAt
			count++
		}
	}
	return count, nil
}

// sortRequests orders requests by their explicit ordering key, then creation time.
func sortRequests(reqs []model.PortalRequest) {
	sort.SliceStable(reqs, func(i, j int) bool {
		if reqs[i].Order == reqs[j].Order {
			if reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
				return reqs[i].ID < reqs[j].ID
			}
			return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
		}
		return reqs[i].Order < reqs[j].Order
	})
}

func copyLink(l model.ShareLink) model.ShareLink {
	l.DocumentIDs = append([]string(nil), l.DocumentIDs...)
	return l
}

func copySubmission(s model.PortalSubmission) model.PortalSubmission {
	s.DocumentIDs = append([]string(nil), s.DocumentIDs...)
	return s
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func removeString(list []string, v string) []string {
	out := list[:0:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
