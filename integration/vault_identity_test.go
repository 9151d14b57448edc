// Package integration provides integration tests for the vault against the
// identity provider's key set and the organization directory.
package integration

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/RegistryAccord/registryaccord-vault-go/internal/directory"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/document"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/event"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/expiry"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/jwks"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/mailer"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/media"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/notification"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/portal"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/schema"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/server"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/share"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/storage"
)

const (
	issuer   = "https://id.example.com"
	audience = "vault"
	keyID    = "key-2026-01"
)

// identityProvider serves a JWKS document for one Ed25519 key.
type identityProvider struct {
	server *httptest.Server
	priv   ed25519.PrivateKey
}

func newIdentityProvider(t *testing.T) *identityProvider {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/jwks.json" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(jwks.JWKS{Keys: []jwks.JWK{{
			Kty: "OKP", Kid: keyID, Use: "sig", Alg: "EdDSA", Crv: "Ed25519",
			X: base64.RawURLEncoding.EncodeToString(pub),
		}}})
	}))
	t.Cleanup(srv.Close)
	return &identityProvider{server: srv, priv: priv}
}

// token signs a JWT with overridable claims.
func (p *identityProvider) token(t *testing.T, override jwt.MapClaims) string {
	t.Helper()
	claims := jwt.MapClaims{
		"iss":           issuer,
		"aud":           audience,
		"sub":           "user-1",
		"exp":           time.Now().Add(time.Hour).Unix(),
		"iat":           time.Now().Unix(),
		jwks.ClaimVault: "pv-1",
		jwks.ClaimOrgs:  []string{"org-1"},
	}
	for k, v := range override {
		claims[k] = v
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = keyID
	signed, err := token.SignedString(p.priv)
	if err != nil {
		t.Fatalf("failed to sign JWT: %v", err)
	}
	return signed
}

// newDirectory serves organization display names.
func newDirectory(t *testing.T, names map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/v1/organizations/")
		name, ok := names[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(directory.Organization{ID: id, DisplayName: name})
	}))
	t.Cleanup(srv.Close)
	return srv
}

type vault struct {
	handler http.Handler
	events  *event.Recorder
	outbox  *mailer.Outbox
}

func newVault(t *testing.T, idp *identityProvider, dir *httptest.Server) *vault {
	t.Helper()
	store := storage.NewMemory()
	events := event.NewRecorder()
	outbox := &mailer.Outbox{}
	blobs := media.NewLocal("http://blobs.test", 15*time.Minute)
	validator, err := schema.NewValidator()
	if err != nil {
		t.Fatal(err)
	}
	documents := document.NewService(store, blobs, events)
	handler := server.NewMux(server.Deps{
		Store:         store,
		Documents:     documents,
		Shares:        share.NewService(store, blobs, events),
		Portals:       portal.NewService(store, events, outbox, directory.New(dir.URL), portal.WithDocuments(documents)),
		Expiry:        expiry.NewEngine(store, events),
		Notifications: notification.NewService(store, nil),
		Auth:          jwks.NewClient(idp.server.URL+"/.well-known/jwks.json", issuer, audience),
		Validator:     validator,
	})
	return &vault{handler: handler, events: events, outbox: outbox}
}

func (v *vault) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	v.handler.ServeHTTP(rr, req)
	return rr
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var response struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	return response.Error.Code
}

// TestJWTValidation checks bearer tokens against the provider's key set.
func TestJWTValidation(t *testing.T) {
	idp := newIdentityProvider(t)
	v := newVault(t, idp, newDirectory(t, nil))
	const createBody = `{"personalVaultId":"pv-1","name":"lease.pdf","mimeType":"application/pdf","storageKey":"vault/personal/pv-1/lease.pdf","size":10}`

	t.Run("ValidJWT", func(t *testing.T) {
		rr := v.do(t, http.MethodPost, "/v1/documents", idp.token(t, nil), createBody)
		if rr.Code != http.StatusCreated {
			t.Fatalf("status = %d, want %d: %s", rr.Code, http.StatusCreated, rr.Body.String())
		}
		types := v.events.Types()
		if len(types) == 0 || types[len(types)-1] != event.DocumentCreated {
			t.Errorf("events = %v, want %s last", types, event.DocumentCreated)
		}
	})

	cases := []struct {
		name     string
		override jwt.MapClaims
	}{
		{"InvalidIssuer", jwt.MapClaims{"iss": "https://evil.example.com"}},
		{"InvalidAudience", jwt.MapClaims{"aud": "elsewhere"}},
		{"Expired", jwt.MapClaims{"exp": time.Now().Add(-time.Minute).Unix()}},
		{"MissingSubject", jwt.MapClaims{"sub": ""}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := v.do(t, http.MethodPost, "/v1/documents", idp.token(t, tc.override), createBody)
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
			}
			if code := errorCode(t, rr); code != "VAULT_AUTHN" {
				t.Errorf("code = %s, want VAULT_AUTHN", code)
			}
		})
	}

	t.Run("ScopeFromClaims", func(t *testing.T) {
		// pv-1 is not the caller's vault here
		token := idp.token(t, jwt.MapClaims{jwks.ClaimVault: "pv-2"})
		rr := v.do(t, http.MethodPost, "/v1/documents", token, createBody)
		if rr.Code == http.StatusCreated {
			t.Fatal("document created in a vault the token does not name")
		}
	})
}

// TestPortalInviteUsesDirectoryName checks that invitations carry the
// organization's display name from the directory.
func TestPortalInviteUsesDirectoryName(t *testing.T) {
	idp := newIdentityProvider(t)
	v := newVault(t, idp, newDirectory(t, map[string]string{"org-1": "Ledger & Co"}))
	token := idp.token(t, nil)

	rr := v.do(t, http.MethodPost, "/v1/portals", token,
		`{"organizationId":"org-1","clientName":"Dana","clientEmail":"dana@example.com"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create portal status = %d: %s", rr.Code, rr.Body.String())
	}
	var created struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}

	rr = v.do(t, http.MethodPost, "/v1/portals/"+created.Data.ID+"/requests", token, `{"title":"W-2","required":true}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("add request status = %d: %s", rr.Code, rr.Body.String())
	}

	rr = v.do(t, http.MethodPost, "/v1/portals/"+created.Data.ID+"/invite", token, "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("invite status = %d: %s", rr.Code, rr.Body.String())
	}
	sent := v.outbox.Sent()
	if len(sent) != 1 || sent[0].OrgName != "Ledger & Co" {
		t.Fatalf("sent = %+v, want one invite from Ledger & Co", sent)
	}
	if !strings.HasSuffix(sent[0].PortalURL, "/p/"+created.Data.ID) {
		t.Errorf("PortalURL = %s", sent[0].PortalURL)
	}

	// Portals of organizations the caller does not belong to stay hidden
	outsider := idp.token(t, jwt.MapClaims{jwks.ClaimOrgs: []string{"org-9"}})
	rr = v.do(t, http.MethodPost, "/v1/portals/"+created.Data.ID+"/invite", outsider, "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("outsider invite status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}
