package schema

import (
	"testing"

	errordefs "github.com/RegistryAccord/registryaccord-vault-go/internal/errors"
)

func TestValidate(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator() error = %v", err)
	}

	tests := []struct {
		name   string
		schema string
		body   string
		want   errordefs.ErrorCode
	}{
		{"share ok", ShareCreate, `{"documentIds":["d1","d2"],"maxDownloads":1,"pin":"4821"}`, ""},
		{"share no documents", ShareCreate, `{"documentIds":[]}`, errordefs.VAULT_VALIDATION},
		{"share zero quota", ShareCreate, `{"documentIds":["d1"],"maxDownloads":0}`, errordefs.VAULT_VALIDATION},
		{"share short pin", ShareCreate, `{"documentIds":["d1"],"pin":"12"}`, errordefs.VAULT_VALIDATION},
		{"share bad expiry", ShareCreate, `{"documentIds":["d1"],"expiresAt":"tomorrow"}`, errordefs.VAULT_VALIDATION},
		{"document ok", DocumentCreate, `{"personalVaultId":"pv","name":"a.pdf","mimeType":"application/pdf","storageKey":"k","size":3}`, ""},
		{"document missing key", DocumentCreate, `{"name":"a.pdf","mimeType":"application/pdf","size":3}`, errordefs.VAULT_VALIDATION},
		{"lifecycle clears dates", Lifecycle, `{"dueDate":null,"trackingEnabled":false}`, ""},
		{"review bad status", PortalReview, `{"status":"pending"}`, errordefs.VAULT_VALIDATION},
		{"not json", PortalSubmit, `{"documentIds":`, errordefs.VAULT_BAD_REQUEST},
		{"unknown schema", "nope", `{}`, errordefs.VAULT_INTERNAL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.schema, []byte(tt.body))
			if tt.want == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if !errordefs.Is(err, tt.want) {
				t.Errorf("Validate() error = %v, want %s", err, tt.want)
			}
		})
	}
}
