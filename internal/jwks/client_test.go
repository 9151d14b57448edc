package jwks

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/RegistryAccord/registryaccord-vault-go/internal/model"
)

func TestTestClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewTestClient("https://id.test", "vault")
	want := model.Principal{UserID: "user-1", PersonalVaultID: "pv-1", OrganizationIDs: []string{"org-1", "org-2"}}

	token, err := c.SignToken(want, time.Hour)
	if err != nil {
		t.Fatalf("SignToken() error = %v", err)
	}
	got, err := c.Authenticate(ctx, token)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if got.UserID != want.UserID || got.PersonalVaultID != want.PersonalVaultID || len(got.OrganizationIDs) != 2 {
		t.Errorf("Authenticate() = %+v, want %+v", got, want)
	}

	expired, _ := c.SignToken(want, -time.Minute)
	if _, err := c.Authenticate(ctx, expired); err == nil {
		t.Error("Authenticate(expired) succeeded")
	}

	other := NewTestClient("https://id.test", "vault")
	if _, err := other.Authenticate(ctx, token); err == nil {
		t.Error("token signed by another key accepted")
	}

	wrongAud := NewTestClient("https://id.test", "elsewhere")
	wrongAud.testKey, wrongAud.testKid = c.testKey, c.testKid
	if _, err := wrongAud.Authenticate(ctx, token); err == nil {
		t.Error("token for another audience accepted")
	}
}

func TestValidateAgainstJWKSEndpoint(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	fetches := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches++
		_ = json.NewEncoder(w).Encode(JWKS{Keys: []JWK{{
			Kty: "OKP", Kid: "k1", Use: "sig", Alg: "EdDSA", Crv: "Ed25519",
			X: base64.RawURLEncoding.EncodeToString(pub),
		}}})
	}))
	defer srv.Close()

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.MapClaims{
		"sub": "user-7", "iss": "https://id.test", "aud": "vault",
		"exp": time.Now().Add(time.Hour).Unix(), ClaimOrgs: []string{"org-3"},
	})
	token.Header["kid"] = "k1"
	signed, err := token.SignedString(priv)
	if err != nil {
		t.Fatal(err)
	}

	c := NewClient(srv.URL, "https://id.test", "vault")
	for i := 0; i < 2; i++ {
		p, err := c.Authenticate(context.Background(), signed)
		if err != nil {
			t.Fatalf("Authenticate() error = %v", err)
		}
		if p.UserID != "user-7" || !p.MemberOf("org-3") || p.PersonalVaultID != "" {
			t.Errorf("Authenticate() = %+v", p)
		}
	}
	if fetches != 1 {
		t.Errorf("JWKS fetched %d times, want 1 (cached)", fetches)
	}
}

func TestPrincipalFromClaims(t *testing.T) {
	if _, err := PrincipalFromClaims(jwt.MapClaims{"vault": "pv-1"}); err == nil {
		t.Error("claims without subject accepted")
	}
	p, err := PrincipalFromClaims(jwt.MapClaims{"sub": "u", "orgs": []interface{}{"a", "", 3, "b"}})
	if err != nil {
		t.Fatalf("PrincipalFromClaims() error = %v", err)
	}
	if len(p.OrganizationIDs) != 2 {
		t.Errorf("OrganizationIDs = %v, want [a b]", p.OrganizationIDs)
	}
}
