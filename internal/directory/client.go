// Package directory provides a client for the organization directory service.
// The vault uses it to resolve organization display names for portal emails.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// ErrNotFound is returned when an organization is not known to the directory.
var ErrNotFound = errors.New("organization not found")

// Organization is the directory's view of an organization.
type Organization struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// Resolver looks up organization display names.
type Resolver interface {
	OrganizationName(ctx context.Context, orgID string) (string, error)
}

// Client for interacting with the directory service over HTTP.
type Client struct {
	base string
	hc   *http.Client
}

// New creates a new directory client with the specified base URL.
func New(baseURL string) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
	}
	return &Client{
		base: baseURL,
		hc:   &http.Client{Transport: transport, Timeout: 3 * time.Second},
	}
}

// Get retrieves an organization by ID.
func (c *Client) Get(ctx context.Context, orgID string) (Organization, error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return Organization{}, fmt.Errorf("invalid directory URL: %w", err)
	}
	u = u.JoinPath("v1", "organizations", orgID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Organization{}, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return Organization{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var org Organization
		if err := json.NewDecoder(resp.Body).Decode(&org); err != nil {
			return Organization{}, err
		}
		return org, nil
	case http.StatusNotFound:
		return Organization{}, ErrNotFound
	default:
		return Organization{}, fmt.Errorf("directory get failed: %s", resp.Status)
	}
}

// OrganizationName implements Resolver.
func (c *Client) OrganizationName(ctx context.Context, orgID string) (string, error) {
	org, err := c.Get(ctx, orgID)
	if err != nil {
		return "", err
	}
	if org.DisplayName == "" {
		return orgID, nil
	}
	return org.DisplayName, nil
}

// Static resolves names from a fixed map and falls back to the ID.
// Used when no directory is configured.
type Static map[string]string

func (s Static) OrganizationName(ctx context.Context, orgID string) (string, error) {
	if name, ok := s[orgID]; ok {
		return name, nil
	}
	return orgID, nil
}
