// Package jwks validates user bearer tokens against the identity provider's
// JSON Web Key Set and maps their claims to a vault principal.
package jwks

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/RegistryAccord/registryaccord-vault-go/internal/model"
)

// Claim names carrying vault membership.
const (
	ClaimVault = "vault" // Personal vault id
	ClaimOrgs  = "orgs"  // Organization ids
)

// JWKS represents a JSON Web Key Set
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK represents a JSON Web Key
type JWK struct {
	Kty string `json:"kty"` // Key type
	Kid string `json:"kid"` // Key ID
	Use string `json:"use"` // Public key use
	Alg string `json:"alg"` // Algorithm
	Crv string `json:"crv"` // Curve
	X   string `json:"x"`   // X coordinate
}

// Client handles JWKS discovery and caching
type Client struct {
	jwksURL    string
	httpClient *http.Client
	issuer     string
	audience   string
	cache      *jwksCache

	// Set by NewTestClient: tokens are verified against this key only
	testKey ed25519.PrivateKey
	testKid string
}

// jwksCache stores cached JWKS with expiration
type jwksCache struct {
	jwks      *JWKS
	expiresAt time.Time
	mutex     sync.RWMutex
}

// NewClient creates a new JWKS client
func NewClient(jwksURL, issuer, audience string) *Client {
	return &Client{
		jwksURL:  jwksURL,
		issuer:   issuer,
		audience: audience,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		cache: &jwksCache{},
	}
}

// NewTestClient creates a client with a generated key pair. Tokens minted
// with SignToken validate against it without any network access.
func NewTestClient(issuer, audience string) *Client {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	return &Client{
		issuer:   issuer,
		audience: audience,
		cache:    &jwksCache{},
		testKey:  priv,
		testKid:  "test-key",
	}
}

// SignToken mints a token for p. Only available on test clients.
func (c *Client) SignToken(p model.Principal, ttl time.Duration) (string, error) {
	if c.testKey == nil {
		return "", errors.New("signing requires a test client")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":      p.UserID,
		"iss":      c.issuer,
		"aud":      c.audience,
		"iat":      now.Unix(),
		"exp":      now.Add(ttl).Unix(),
		ClaimVault: p.PersonalVaultID,
		ClaimOrgs:  p.OrganizationIDs,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = c.testKid
	return token.SignedString(c.testKey)
}

// fetchJWKS fetches the JWKS from the identity service
func (c *Client) fetchJWKS(ctx context.Context) (*JWKS, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS fetch failed with status %d", resp.StatusCode)
	}

	var jwks JWKS
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}

	return &jwks, nil
}

// getJWKS retrieves JWKS from cache or fetches fresh if needed
func (c *Client) getJWKS(ctx context.Context) (*JWKS, error) {
	c.cache.mutex.RLock()
	if c.cache.jwks != nil && time.Now().Before(c.cache.expiresAt) {
		jwks := c.cache.jwks
		c.cache.mutex.RUnlock()
		return jwks, nil
	}
	c.cache.mutex.RUnlock()

	c.cache.mutex.Lock()
	defer c.cache.mutex.Unlock()

	// Double-check after acquiring write lock
	if c.cache.jwks != nil && time.Now().Before(c.cache.expiresAt) {
		return c.cache.jwks, nil
	}

	jwks, err := c.fetchJWKS(ctx)
	if err != nil {
		return nil, err
	}

	c.cache.jwks = jwks
	c.cache.expiresAt = time.Now().Add(5 * time.Minute)
	return jwks, nil
}

// publicKey returns the Ed25519 key for kid.
func (c *Client) publicKey(ctx context.Context, kid string) (ed25519.PublicKey, error) {
	if c.testKey != nil {
		if kid != c.testKid {
			return nil, fmt.Errorf("key with kid %s not found", kid)
		}
		return c.testKey.Public().(ed25519.PublicKey), nil
	}

	jwks, err := c.getJWKS(ctx)
	if err != nil {
		return nil, err
	}
	for _, key := range jwks.Keys {
		if key.Kid != kid {
			continue
		}
		if key.Kty != "OKP" || key.Crv != "Ed25519" || key.Alg != "EdDSA" {
			return nil, fmt.Errorf("unsupported key type or algorithm")
		}
		x, err := base64.RawURLEncoding.DecodeString(key.X)
		if err != nil {
			return nil, fmt.Errorf("failed to decode public key: %w", err)
		}
		return ed25519.PublicKey(x), nil
	}
	return nil, fmt.Errorf("key with kid %s not found", kid)
}

// ValidateJWT verifies the signature, issuer, audience and expiry of a token.
func (c *Client) ValidateJWT(ctx context.Context, tokenString string) (jwt.MapClaims, error) {
	keyFunc := func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("missing or invalid kid in JWT header")
		}
		return c.publicKey(ctx, kid)
	}

	parsedToken, err := jwt.Parse(tokenString, keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithAudience(c.audience),
		jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("failed to verify JWT: %w", err)
	}

	claims, ok := parsedToken.Claims.(jwt.MapClaims)
	if !ok || !parsedToken.Valid {
		return nil, fmt.Errorf("invalid JWT claims")
	}
	return claims, nil
}

// Authenticate validates a token and returns the principal it names.
func (c *Client) Authenticate(ctx context.Context, tokenString string) (model.Principal, error) {
	claims, err := c.ValidateJWT(ctx, tokenString)
	if err != nil {
		return model.Principal{}, err
	}
	return PrincipalFromClaims(claims)
}

// PrincipalFromClaims maps token claims to a principal. The subject is required.
func PrincipalFromClaims(claims jwt.MapClaims) (model.Principal, error) {
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return model.Principal{}, fmt.Errorf("missing subject claim")
	}
	p := model.Principal{UserID: sub}
	if v, ok := claims[ClaimVault].(string); ok {
		p.PersonalVaultID = v
	}
	if orgs, ok := claims[ClaimOrgs].([]interface{}); ok {
		for _, o := range orgs {
			if id, ok := o.(string); ok && id != "" {
				p.OrganizationIDs = append(p.OrganizationIDs, id)
			}
		}
	}
	return p, nil
}
