package directory

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

// TestClientOrganizationName checks the happy path, fallback and not-found handling.
func TestClientOrganizationName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/organizations/org-1":
			_, _ = w.Write([]byte(`{"id":"org-1","displayName":"Acme Accounting"}`))
		case "/v1/organizations/org-2":
			_, _ = w.Write([]byte(`{"id":"org-2"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	ctx := context.Background()

	if name, err := c.OrganizationName(ctx, "org-1"); err != nil || name != "Acme Accounting" {
		t.Errorf("OrganizationName(org-1) = %q, %v", name, err)
	}
	if name, err := c.OrganizationName(ctx, "org-2"); err != nil || name != "org-2" {
		t.Errorf("OrganizationName(org-2) = %q, %v, want id fallback", name, err)
	}
	if _, err := c.OrganizationName(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("OrganizationName(missing) error = %v, want %v", err, ErrNotFound)
	}
}

// TestStatic checks the configured-name and fallback paths.
func TestStatic(t *testing.T) {
	s := Static{"org-1": "Acme"}
	if name, _ := s.OrganizationName(context.Background(), "org-1"); name != "Acme" {
		t.Errorf("got %q want Acme", name)
	}
	if name, _ := s.OrganizationName(context.Background(), "org-9"); name != "org-9" {
		t.Errorf("got %q want org-9", name)
	}
}
