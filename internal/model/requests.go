package model

import "time"

// UploadInitRequest represents the request body for initializing a blob upload.
type UploadInitRequest struct {
	Scope
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
	Filename string `json:"filename,omitempty"`
}

// UploadInitData contains the presigned upload target for a new blob.
type UploadInitData struct {
	StorageKey string              `json:"storageKey"`
	UploadURL  string              `json:"uploadUrl"`
	Headers    map[string][]string `json:"headers,omitempty"`
	ExpiresAt  time.Time           `json:"expiresAt"`
}

// CreateDocumentRequest represents the request body for creating a document
// from an uploaded blob.
type CreateDocumentRequest struct {
	Scope
	Name            string     `json:"name"`
	MimeType        string     `json:"mimeType"`
	StorageKey      string     `json:"storageKey"`
	Size            int64      `json:"size"`
	DueDate         *time.Time `json:"dueDate,omitempty"`
	ExpirationDate  *time.Time `json:"expirationDate,omitempty"`
	TrackingEnabled bool       `json:"trackingEnabled"`
}

// AddVersionRequest represents the request body for appending a version.
type AddVersionRequest struct {
	StorageKey string `json:"storageKey"`
	Size       int64  `json:"size"`
}

// DownloadURL is a presigned GET for one document.
type DownloadURL struct {
	DocumentID string    `json:"documentId"`
	Name       string    `json:"name"`
	URL        string    `json:"url"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// CreateShareLinkRequest represents the request body for sharing documents.
type CreateShareLinkRequest struct {
	DocumentIDs  []string   `json:"documentIds"`
	PIN          string     `json:"pin,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	MaxDownloads *int       `json:"maxDownloads,omitempty"`
	ClientName   string     `json:"clientName,omitempty"`
}

// CreatePortalRequest represents the request body for creating a portal.
type CreatePortalRequest struct {
	OrganizationID string `json:"organizationId"`
	ClientName     string `json:"clientName"`
	ClientEmail    string `json:"clientEmail"`
	PIN            string `json:"pin,omitempty"`
}

// AddPortalRequestRequest represents the request body for adding a request item.
type AddPortalRequestRequest struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Required    bool       `json:"required"`
	Order       int        `json:"order"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
}

// SubmitRequest represents the request body for submitting or replacing a fulfillment.
type SubmitRequest struct {
	DocumentIDs []string `json:"documentIds"`
	Revision    int      `json:"revision,omitempty"` // Revision being replaced; checked when set
}

// ReviewRequest represents the request body for reviewing a submission.
type ReviewRequest struct {
	Status SubmissionStatus `json:"status"`
}

// PortalAccessRequest represents the body a client posts to open a portal.
type PortalAccessRequest struct {
	PIN string `json:"pin,omitempty"`
}

// ClientUploadRequest is the body a portal client posts to start an upload.
type ClientUploadRequest struct {
	PIN      string `json:"pin,omitempty"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
	Filename string `json:"filename,omitempty"`
}

// ClientFile names one blob a portal client has uploaded.
type ClientFile struct {
	Name       string `json:"name"`
	MimeType   string `json:"mimeType"`
	StorageKey string `json:"storageKey"`
	Size       int64  `json:"size"`
}

// ClientSubmitRequest is the body a portal client posts to fulfil or
// replace a request with uploaded files.
type ClientSubmitRequest struct {
	PIN      string       `json:"pin,omitempty"`
	Files    []ClientFile `json:"files"`
	Revision int          `json:"revision,omitempty"`
}

// PortalView is what a client sees after opening a portal.
type PortalView struct {
	PortalID   string          `json:"portalId"`
	ClientName string          `json:"clientName"`
	Requests   []PortalRequest `json:"requests"`
	Completion CompletionState `json:"completion"`
}

// SweepResult reports the outcome of a sweep or urgent check.
type SweepResult struct {
	Processed int `json:"processed"`
	Created   int `json:"created"`
	Failed    int `json:"failed"`
}

// UnreadCount is the response body for the unread counter.
type UnreadCount struct {
	Unread int `json:"unread"`
}

// UpdateLifecycleRequest replaces a document's due/expiration tracking metadata.
type UpdateLifecycleRequest struct {
	DueDate         *time.Time `json:"dueDate,omitempty"`
	ExpirationDate  *time.Time `json:"expirationDate,omitempty"`
	TrackingEnabled bool       `json:"trackingEnabled"`
}

// ShareDownload is the result of one counted download of a share bundle.
type ShareDownload struct {
	Token         string        `json:"token"`
	Files         []DownloadURL `json:"files"`
	DownloadCount int           `json:"downloadCount"`
	Remaining     *int          `json:"remaining,omitempty"` // Downloads left, when the link has a quota
}
