package media

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/RegistryAccord/registryaccord-vault-go/internal/model"
)

// TestNewStorageKey checks the key layout and scope check.
func TestNewStorageKey(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	org := model.Scope{OrganizationID: "org-1"}

	key := NewStorageKey(org, "Passport.PDF", now)
	if !strings.HasPrefix(key, "vault/org/org-1/") || !strings.HasSuffix(key, ".pdf") {
		t.Errorf("NewStorageKey() = %s", key)
	}
	if !InScope(org, key) {
		t.Errorf("InScope(org, %s) = false, want true", key)
	}
	if InScope(model.Scope{PersonalVaultID: "org-1"}, key) {
		t.Errorf("InScope(personal, %s) = true, want false", key)
	}
	if other := NewStorageKey(org, "Passport.PDF", now); other == key {
		t.Error("NewStorageKey() returned the same key twice")
	}
	if k := NewStorageKey(org, "weird.a/b", now); strings.Contains(k[len("vault/org/org-1/"):], "/") {
		t.Errorf("NewStorageKey() kept a path separator: %s", k)
	}
}

// TestInScopeWholeSegments checks that scope ids never match a sibling
// tenant's keys by prefix.
func TestInScopeWholeSegments(t *testing.T) {
	key := "vault/org/org-1/01J2ZQ7Y8K3N4P5R6S7T8V9W0X.pdf"
	cases := []struct {
		name  string
		scope model.Scope
		want  bool
	}{
		{"owner", model.Scope{OrganizationID: "org-1"}, true},
		{"prefix of another org", model.Scope{OrganizationID: "org"}, false},
		{"slash in id", model.Scope{OrganizationID: "org-1/01J2ZQ7Y8K3N4P5R6S7T8V9W0X.pdf"}, false},
		{"invalid scope", model.Scope{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := InScope(tc.scope, key); got != tc.want {
				t.Errorf("InScope(%+v, %s) = %v, want %v", tc.scope, key, got, tc.want)
			}
		})
	}
	if InScope(model.Scope{OrganizationID: "org-1"}, "vault/org/org-1/nested/x.pdf") {
		t.Error("InScope() matched a key in a nested directory")
	}
}

// TestLocalGateway checks that the development gateway echoes the content type.
func TestLocalGateway(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	g := NewLocal("http://localhost:8080/blobs/", 15*time.Minute)
	g.now = func() time.Time { return now }

	up, err := g.PresignUpload(context.Background(), "vault/personal/v/k.pdf", "application/pdf")
	if err != nil {
		t.Fatalf("PresignUpload() error = %v", err)
	}
	if !strings.HasPrefix(up.URL, "http://localhost:8080/blobs/vault/personal/v/k.pdf?expires=") {
		t.Errorf("upload URL = %s", up.URL)
	}
	if strings.Contains(up.URL, "/blobs/blobs/") {
		t.Errorf("upload URL repeats the blob prefix: %s", up.URL)
	}
	if up.Headers.Get("Content-Type") != "application/pdf" {
		t.Errorf("upload headers = %v", up.Headers)
	}
	if !up.ExpiresAt.Equal(now.Add(15 * time.Minute)) {
		t.Errorf("upload expiry = %v", up.ExpiresAt)
	}

	down, _ := g.PresignDownload(context.Background(), "k", time.Minute)
	if !down.ExpiresAt.Equal(now.Add(time.Minute)) {
		t.Errorf("download expiry = %v", down.ExpiresAt)
	}
}
