// Package conformance provides a harness that drives a vault server over HTTP
// through the reference scenarios for versioning, share links and expiry.
package conformance

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/RegistryAccord/registryaccord-vault-go/internal/directory"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/document"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/event"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/expiry"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/jwks"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/mailer"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/media"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/model"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/notification"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/portal"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/schema"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/server"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/share"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/storage"
)

// Harness provides a running vault server for conformance testing.
type Harness struct {
	server *httptest.Server
	store  storage.Store
	events *event.Recorder
	auth   *jwks.Client
	cfg    Config
}

// Config holds configuration for the conformance test harness.
type Config struct {
	// DatabaseDSN selects PostgreSQL storage; empty uses the in-memory store
	DatabaseDSN string

	// JWTIssuer is the expected JWT issuer
	JWTIssuer string

	// JWTAudience is the expected JWT audience
	JWTAudience string

	// SweepSecret guards the scheduler trigger
	SweepSecret string

	// Principal is the user the scenarios act as
	Principal model.Principal
}

// NewHarness creates a new conformance test harness.
func NewHarness(cfg Config) (*Harness, error) {
	var store storage.Store
	if cfg.DatabaseDSN != "" {
		var err error
		if store, err = storage.NewPostgres(cfg.DatabaseDSN); err != nil {
			return nil, fmt.Errorf("failed to connect to test database: %w", err)
		}
	} else {
		store = storage.NewMemory()
	}

	validator, err := schema.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize schema validator: %w", err)
	}

	events := event.NewRecorder()
	blobs := media.NewLocal("http://blobs.conformance", 15*time.Minute)
	auth := jwks.NewTestClient(cfg.JWTIssuer, cfg.JWTAudience)

	documents := document.NewService(store, blobs, events)
	mux := server.NewMux(server.Deps{
		Store:         store,
		Documents:     documents,
		Shares:        share.NewService(store, blobs, events),
		Portals:       portal.NewService(store, events, &mailer.Outbox{}, directory.Static{}, portal.WithDocuments(documents)),
		Expiry:        expiry.NewEngine(store, events),
		Notifications: notification.NewService(store, nil),
		Auth:          auth,
		Validator:     validator,
		SweepSecret:   cfg.SweepSecret,
	})

	return &Harness{
		server: httptest.NewServer(mux),
		store:  store,
		events: events,
		auth:   auth,
		cfg:    cfg,
	}, nil
}

// URL returns the base URL of the test server.
func (h *Harness) URL() string {
	return h.server.URL
}

// Close shuts down the test server and cleans up resources.
func (h *Harness) Close() {
	h.server.Close()
	if closer, ok := h.store.(interface{ Close() }); ok {
		closer.Close()
	}
}

// response is a decoded vault response envelope.
type response struct {
	Status int
	Data   json.RawMessage `json:"data"`
	Error  struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (r response) decode(t *testing.T, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(r.Data, dst); err != nil {
		t.Fatalf("failed to decode %s: %v", r.Data, err)
	}
}

// send issues a request and decodes the envelope. An empty bearer sends no
// Authorization header.
func (h *Harness) send(method, path, bearer string, body interface{}) (response, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return response{}, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, h.URL()+path, rd)
	if err != nil {
		return response{}, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := h.server.Client().Do(req)
	if err != nil {
		return response{}, fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	out := response{Status: resp.StatusCode}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return out, err
	}
	if len(raw) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &out); err != nil {
			return out, fmt.Errorf("%s %s returned invalid JSON: %w", method, path, err)
		}
	}
	return out, nil
}

// call is send for the test goroutine.
func (h *Harness) call(t *testing.T, method, path, bearer string, body interface{}) response {
	t.Helper()
	r, err := h.send(method, path, bearer, body)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func (h *Harness) token(t *testing.T) string {
	t.Helper()
	token, err := h.auth.SignToken(h.cfg.Principal, time.Hour)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func expect(t *testing.T, r response, status int) {
	t.Helper()
	if r.Status != status {
		t.Fatalf("status = %d, want %d (%s: %s)", r.Status, status, r.Error.Code, r.Error.Message)
	}
}

// createDocument uploads and registers a personal document.
func (h *Harness) createDocument(t *testing.T, bearer, name string, extra map[string]interface{}) model.Document {
	t.Helper()
	scope := map[string]interface{}{"personalVaultId": h.cfg.Principal.PersonalVaultID}

	initBody := map[string]interface{}{"mimeType": "application/pdf", "size": 1024, "filename": name}
	for k, v := range scope {
		initBody[k] = v
	}
	init := h.call(t, http.MethodPost, "/v1/uploads", bearer, initBody)
	expect(t, init, http.StatusOK)
	var upload model.UploadInitData
	init.decode(t, &upload)

	body := map[string]interface{}{"name": name, "mimeType": "application/pdf", "storageKey": upload.StorageKey, "size": 1024}
	for k, v := range scope {
		body[k] = v
	}
	for k, v := range extra {
		body[k] = v
	}
	created := h.call(t, http.MethodPost, "/v1/documents", bearer, body)
	expect(t, created, http.StatusCreated)
	var doc model.Document
	created.decode(t, &doc)
	return doc
}

// RunConformanceTests runs all conformance tests against the vault server.
func (h *Harness) RunConformanceTests(t *testing.T) {
	t.Run("HealthEndpoints", h.testHealthEndpoints)
	t.Run("AuthRequired", h.testAuthRequired)
	t.Run("VersionRestore", h.testVersionRestore)
	t.Run("SingleDownloadLink", h.testSingleDownloadLink)
	t.Run("DueTodaySweep", h.testDueTodaySweep)
}

// testHealthEndpoints tests the health check endpoints.
func (h *Harness) testHealthEndpoints(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(h.URL() + path)
		if err != nil {
			t.Fatalf("failed to GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected status 200 for %s, got %d", path, resp.StatusCode)
		}
	}
}

// testAuthRequired checks that owner endpoints reject anonymous callers.
func (h *Harness) testAuthRequired(t *testing.T) {
	for _, ep := range []struct{ method, path string }{
		{http.MethodPost, "/v1/documents"},
		{http.MethodPost, "/v1/shares"},
		{http.MethodPost, "/v1/portals"},
		{http.MethodGet, "/v1/notifications"},
		{http.MethodGet, "/v1/expirations"},
	} {
		r := h.call(t, ep.method, ep.path, "", nil)
		if r.Status != http.StatusUnauthorized || r.Error.Code != "VAULT_AUTHN" {
			t.Errorf("%s %s anonymous = %d %s, want 401 VAULT_AUTHN", ep.method, ep.path, r.Status, r.Error.Code)
		}
	}
}

// testVersionRestore: create v1, add v2, restore v1. Three versions remain,
// the current content is v1's and the newest version snapshots v2.
func (h *Harness) testVersionRestore(t *testing.T) {
	bearer := h.token(t)
	doc := h.createDocument(t, bearer, "Passport.pdf", nil)

	v2Key := doc.StorageKey + ".v2"
	added := h.call(t, http.MethodPost, "/v1/documents/"+doc.ID+"/versions", bearer,
		map[string]interface{}{"storageKey": v2Key, "size": 2048})
	expect(t, added, http.StatusCreated)

	versions := h.call(t, http.MethodGet, "/v1/documents/"+doc.ID+"/versions", bearer, nil)
	expect(t, versions, http.StatusOK)
	var list []model.DocumentVersion
	versions.decode(t, &list)
	var v1 model.DocumentVersion
	for _, v := range list {
		if v.VersionNumber == 1 {
			v1 = v
		}
	}

	restored := h.call(t, http.MethodPost, "/v1/documents/"+doc.ID+"/versions/"+v1.ID+"/restore", bearer, nil)
	expect(t, restored, http.StatusOK)
	var current model.Document
	restored.decode(t, &current)
	if current.StorageKey != v1.StorageKey || current.Size != v1.Size {
		t.Errorf("current content = %s/%d, want v1 %s/%d", current.StorageKey, current.Size, v1.StorageKey, v1.Size)
	}

	versions = h.call(t, http.MethodGet, "/v1/documents/"+doc.ID+"/versions", bearer, nil)
	versions.decode(t, &list)
	if len(list) != 3 {
		t.Fatalf("versions = %d, want 3", len(list))
	}
	for _, v := range list {
		if v.VersionNumber == 3 && (v.StorageKey != v2Key || v.Size != 2048) {
			t.Errorf("v3 = %s/%d, want snapshot of v2 %s/2048", v.StorageKey, v.Size, v2Key)
		}
	}
}

// testSingleDownloadLink: a two-document link with maxDownloads=1 admits
// exactly one of two concurrent downloads.
func (h *Harness) testSingleDownloadLink(t *testing.T) {
	bearer := h.token(t)
	d1 := h.createDocument(t, bearer, "D1.pdf", nil)
	d2 := h.createDocument(t, bearer, "D2.pdf", nil)

	created := h.call(t, http.MethodPost, "/v1/shares", bearer, map[string]interface{}{
		"documentIds": []string{d1.ID, d2.ID}, "maxDownloads": 1,
	})
	expect(t, created, http.StatusCreated)
	var link model.ShareLink
	created.decode(t, &link)

	before := len(h.events.Events())

	results := make([]response, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.send(http.MethodPost, "/v1/s/"+link.Token+"/download", "", nil)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	ok, exhausted := 0, 0
	for _, r := range results {
		switch {
		case r.Status == http.StatusOK:
			ok++
			var dl model.ShareDownload
			r.decode(t, &dl)
			if len(dl.Files) != 2 {
				t.Errorf("download files = %d, want 2", len(dl.Files))
			}
		case r.Status == http.StatusGone && r.Error.Code == "VAULT_LINK_EXHAUSTED":
			exhausted++
		default:
			t.Errorf("unexpected download result %d %s", r.Status, r.Error.Code)
		}
	}
	if ok != 1 || exhausted != 1 {
		t.Errorf("downloads ok=%d exhausted=%d, want 1 and 1", ok, exhausted)
	}

	downloaded := 0
	for _, e := range h.events.Events()[before:] {
		if e.Type == event.ShareDownloaded {
			downloaded++
		}
	}
	if downloaded != 1 {
		t.Errorf("%s events = %d, want 1", event.ShareDownloaded, downloaded)
	}
}

// testDueTodaySweep: a document due today yields exactly one due_today
// notification no matter how often the sweep runs that day.
func (h *Harness) testDueTodaySweep(t *testing.T) {
	if h.cfg.SweepSecret == "" {
		t.Skip("sweep trigger disabled")
	}
	bearer := h.token(t)
	doc := h.createDocument(t, bearer, "Permit.pdf", map[string]interface{}{
		"dueDate":         time.Now().UTC().Format(time.RFC3339),
		"trackingEnabled": true,
	})

	for i := 0; i < 2; i++ {
		r := h.call(t, http.MethodPost, "/v1/internal/sweep", h.cfg.SweepSecret, nil)
		expect(t, r, http.StatusOK)
	}

	list := h.call(t, http.MethodGet, "/v1/notifications?limit=100", bearer, nil)
	expect(t, list, http.StatusOK)
	var notes []model.Notification
	list.decode(t, &notes)
	count := 0
	for _, n := range notes {
		if n.SubjectID == doc.ID && n.Category == model.CategoryDueToday {
			count++
		}
	}
	if count != 1 {
		t.Errorf("due_today notifications for %s = %d, want 1", doc.ID, count)
	}
}
