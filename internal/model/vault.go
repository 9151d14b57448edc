// Package model defines the data structures used throughout the vault service.
// These structures represent documents and their versions, share links,
// client portals and the notifications derived from them.
package model

import (
	"crypto/sha256"
	"crypto/subtle"
	"strings"
	"time"
)

// Scope identifies the owner of a document or share link.
// Exactly one of PersonalVaultID and OrganizationID must be set.
type Scope struct {
	PersonalVaultID string `json:"personalVaultId,omitempty" db:"personal_vault_id"`
	OrganizationID  string `json:"organizationId,omitempty" db:"organization_id"`
}

// Valid reports whether exactly one side of the scope is set. Scope ids name
// a single storage key segment, so they may not contain a slash.
func (s Scope) Valid() bool {
	if strings.Contains(s.PersonalVaultID, "/") || strings.Contains(s.OrganizationID, "/") {
		return false
	}
	return (s.PersonalVaultID == "") != (s.OrganizationID == "")
}

// Key returns a stable path prefix for the scope, used in blob storage keys.
func (s Scope) Key() string {
	if s.OrganizationID != "" {
		return "org/" + s.OrganizationID
	}
	return "personal/" + s.PersonalVaultID
}

// Document represents a stored document.
// StorageKey and Size mirror the content of the version that was last applied.
// This corresponds to the documents table in storage.
type Document struct {
	ID              string     `json:"id" db:"id"`
	Scope                      // Owning personal vault or organization
	OwnerID         string     `json:"ownerId" db:"owner_id"` // User who created the document and receives its alerts
	Name            string     `json:"name" db:"name"`
	MimeType        string     `json:"mimeType" db:"mime_type"`
	Size            int64      `json:"size" db:"size"`
	StorageKey      string     `json:"storageKey" db:"storage_key"`
	DueDate         *time.Time `json:"dueDate,omitempty" db:"due_date"`
	ExpirationDate  *time.Time `json:"expirationDate,omitempty" db:"expiration_date"`
	TrackingEnabled bool       `json:"trackingEnabled" db:"tracking_enabled"`
	CreatedAt       time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt       time.Time  `json:"updatedAt" db:"updated_at"`

	// Set on read when StorageKey matches no stored version.
	ReconciliationRequired bool `json:"reconciliationRequired,omitempty" db:"-"`
}

// DocumentVersion is an immutable snapshot of a document's content.
// This corresponds to the document_versions table in storage.
type DocumentVersion struct {
	ID            string    `json:"id" db:"id"`
	DocumentID    string    `json:"documentId" db:"document_id"`
	VersionNumber int       `json:"versionNumber" db:"version_number"` // 1-based, never reused
	Size          int64     `json:"size" db:"size"`
	StorageKey    string    `json:"storageKey" db:"storage_key"`
	UploaderID    string    `json:"uploaderId" db:"uploader_id"`
	CreatedAt     time.Time `json:"createdAt" db:"created_at"`
}

// ShareLinkState is the computed lifecycle state of a share link.
type ShareLinkState string

const (
	ShareLinkActive    ShareLinkState = "active"
	ShareLinkExpired   ShareLinkState = "expired"
	ShareLinkExhausted ShareLinkState = "exhausted"
)

// ShareLinkStateAt derives a link's state from its source fields.
// Expiry wins over exhaustion. A link whose expiry equals now is expired,
// so revoking at now takes effect immediately.
func ShareLinkStateAt(now time.Time, expiresAt *time.Time, downloadCount int, maxDownloads *int) ShareLinkState {
	if expiresAt != nil && !now.Before(*expiresAt) {
		return ShareLinkExpired
	}
	if maxDownloads != nil && downloadCount >= *maxDownloads {
		return ShareLinkExhausted
	}
	return ShareLinkActive
}

// ShareLink is a tokenized, optionally PIN- and quota-limited pointer to documents.
// This corresponds to the share_links and share_link_documents tables in storage.
type ShareLink struct {
	Token         string     `json:"token" db:"token"`
	DocumentIDs   []string   `json:"documentIds" db:"-"`
	PIN           string     `json:"-" db:"pin"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty" db:"expires_at"`
	MaxDownloads  *int       `json:"maxDownloads,omitempty" db:"max_downloads"`
	DownloadCount int        `json:"downloadCount" db:"download_count"`
	Scope
	ClientName string    `json:"clientName,omitempty" db:"client_name"`
	CreatedBy  string    `json:"createdBy" db:"created_by"`
	CreatedAt  time.Time `json:"createdAt" db:"created_at"`
}

// StateAt returns the link's state at now.
func (l ShareLink) StateAt(now time.Time) ShareLinkState {
	return ShareLinkStateAt(now, l.ExpiresAt, l.DownloadCount, l.MaxDownloads)
}

// PINRequired reports whether content is gated behind a PIN.
func (l ShareLink) PINRequired() bool { return l.PIN != "" }

// PINMatches reports whether pin unlocks the link. Links without a PIN match anything.
func (l ShareLink) PINMatches(pin string) bool { return !l.PINRequired() || pinEqual(l.PIN, pin) }

// pinEqual compares in constant time. Hashing first hides the length.
func pinEqual(want, got string) bool {
	w := sha256.Sum256([]byte(want))
	g := sha256.Sum256([]byte(got))
	return subtle.ConstantTimeCompare(w[:], g[:]) == 1
}

// ShareLanding is the only share information disclosed before PIN entry.
type ShareLanding struct {
	ClientName  string `json:"clientName,omitempty"`
	PINRequired bool   `json:"pinRequired"`
}

// ShareResolution is the outcome of resolving a share token.
// Documents is empty until the PIN (if any) has been confirmed.
type ShareResolution struct {
	Landing   ShareLanding `json:"landing"`
	Documents []Document   `json:"documents,omitempty"`
	Unlocked  bool         `json:"unlocked"`
}

// Portal is a client-facing workspace bundling document requests for one party.
type Portal struct {
	ID             string    `json:"id" db:"id"`
	OrganizationID string    `json:"organizationId" db:"organization_id"`
	ClientName     string    `json:"clientName" db:"client_name"`
	ClientEmail    string    `json:"clientEmail" db:"client_email"`
	PIN            string    `json:"-" db:"pin"`
	CreatedBy      string    `json:"createdBy" db:"created_by"`
	CreatedAt      time.Time `json:"createdAt" db:"created_at"`
}

// PINRequired reports whether the portal is gated behind a PIN.
func (p Portal) PINRequired() bool { return p.PIN != "" }

// PINMatches reports whether pin opens the portal.
func (p Portal) PINMatches(pin string) bool { return !p.PINRequired() || pinEqual(p.PIN, pin) }

// SubmissionStatus is the review status of a portal submission.
type SubmissionStatus string

const (
	SubmissionSubmitted SubmissionStatus = "submitted"
	SubmissionApproved  SubmissionStatus = "approved"
	SubmissionRejected  SubmissionStatus = "rejected"
)

// PortalRequest is one requested item within a portal.
type PortalRequest struct {
	ID          string     `json:"id" db:"id"`
	PortalID    string     `json:"portalId" db:"portal_id"`
	Title       string     `json:"title" db:"title"`
	Description string     `json:"description,omitempty" db:"description"`
	Required    bool       `json:"required" db:"required"`
	Order       int        `json:"order" db:"sort_order"`
	DueDate     *time.Time `json:"dueDate,omitempty" db:"due_date"`
	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`

	Submission *PortalSubmission `json:"submission,omitempty" db:"-"`
}

// Uploaded reports whether the request has been fulfilled.
func (r PortalRequest) Uploaded() bool { return r.Submission != nil }

// PortalSubmission is the client's response to a portal request.
type PortalSubmission struct {
	ID          string           `json:"id" db:"id"`
	RequestID   string           `json:"requestId" db:"request_id"`
	Status      SubmissionStatus `json:"status" db:"status"`
	DocumentIDs []string         `json:"documentIds" db:"document_ids"`
	Revision    int              `json:"revision" db:"revision"` // Incremented on each explicit replace
	SubmittedAt time.Time        `json:"submittedAt" db:"submitted_at"`
	ReviewedAt  *time.Time       `json:"reviewedAt,omitempty" db:"reviewed_at"`
}

// CompletionState summarizes how much of a portal has been fulfilled.
type CompletionState struct {
	Total             int  `json:"total"`
	Required          int  `json:"required"`
	Fulfilled         int  `json:"fulfilled"`
	RequiredFulfilled int  `json:"requiredFulfilled"`
	IsComplete        bool `json:"isComplete"`
}

// Completion computes the completion state of a request set. Only required
// requests block completion.
func Completion(requests []PortalRequest) CompletionState {
	var st CompletionState
	st.Total = len(requests)
	for _, r := range requests {
		if r.Required {
			st.Required++
		}
		if r.Uploaded() {
			st.Fulfilled++
			if r.Required {
				st.RequiredFulfilled++
			}
		}
	}
	st.IsComplete = st.RequiredFulfilled == st.Required
	return st
}

// DueRequest is an unfulfilled portal request with a due date, paired with
// the user who should be alerted about it.
type DueRequest struct {
	Request PortalRequest
	OwnerID string
}

// PortalEmail is the payload handed to the email collaborator.
type PortalEmail struct {
	ClientEmail string   `json:"clientEmail"`
	ClientName  string   `json:"clientName"`
	OrgName     string   `json:"orgName"`
	Items       []string `json:"items"`
	PortalURL   string   `json:"portalUrl"`
	IsReminder  bool     `json:"isReminder"`
}

// NotificationCategory is the urgent condition a notification reports.
type NotificationCategory string

const (
	CategoryExpiringToday NotificationCategory = "expiring_today"
	CategoryExpired       NotificationCategory = "expired"
	CategoryDueToday      NotificationCategory = "due_today"
	CategoryPastDue       NotificationCategory = "past_due"
)

// Subject types a notification can point at.
const (
	SubjectDocument      = "document"
	SubjectPortalRequest = "portal_request"
)

// Notification is a user-visible alert about a document or portal request.
// At most one unread notification exists per (user, subject, category).
type Notification struct {
	ID          string               `json:"id" db:"id"`
	UserID      string               `json:"userId" db:"user_id"`
	Category    NotificationCategory `json:"category" db:"category"`
	SubjectType string               `json:"subjectType" db:"subject_type"`
	SubjectID   string               `json:"subjectId" db:"subject_id"`
	Title       string               `json:"title" db:"title"`
	Read        bool                 `json:"read" db:"read"`
	CreatedAt   time.Time            `json:"createdAt" db:"created_at"`
	ReadAt      *time.Time           `json:"readAt,omitempty" db:"read_at"`
}

// NotificationQuery represents the parameters for listing notifications.
type NotificationQuery struct {
	UserID     string `json:"userId"`
	Limit      int    `json:"limit"`
	Offset     int    `json:"offset"`
	UnreadOnly bool   `json:"unreadOnly"`
}
