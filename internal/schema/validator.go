// Package schema validates mutating request bodies against JSON schemas
// before they are decoded into request types.
package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	errordefs "github.com/RegistryAccord/registryaccord-vault-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/metrics"
)

// Schema names, one per request body.
const (
	UploadInit      = "upload.init"
	DocumentCreate  = "document.create"
	DocumentVersion = "document.version"
	Lifecycle       = "document.lifecycle"
	ShareCreate     = "share.create"
	PortalCreate    = "portal.create"
	PortalRequest   = "portal.request"
	PortalSubmit    = "portal.submit"
	PortalReview    = "portal.review"
	PortalAccess    = "portal.access"
	ClientUpload    = "portal.client.upload"
	ClientSubmit    = "portal.client.submit"
)

const scopeProps = `"personalVaultId":{"type":"string","maxLength":128},"organizationId":{"type":"string","maxLength":128}`

var schemas = map[string]string{
	UploadInit: `{"type":"object","required":["mimeType","size"],"properties":{` + scopeProps + `,
		"mimeType":{"type":"string","minLength":1,"maxLength":255},
		"size":{"type":"integer","minimum":1},
		"filename":{"type":"string","maxLength":255}}}`,

	DocumentCreate: `{"type":"object","required":["name","mimeType","storageKey","size"],"properties":{` + scopeProps + `,
		"name":{"type":"string","minLength":1,"maxLength":255},
		"mimeType":{"type":"string","minLength":1,"maxLength":255},
		"storageKey":{"type":"string","minLength":1,"maxLength":1024},
		"size":{"type":"integer","minimum":1},
		"dueDate":{"type":"string","format":"date-time"},
		"expirationDate":{"type":"string","format":"date-time"},
		"trackingEnabled":{"type":"boolean"}}}`,

	DocumentVersion: `{"type":"object","required":["storageKey","size"],"properties":{
		"storageKey":{"type":"string","minLength":1,"maxLength":1024},
		"size":{"type":"integer","minimum":1}}}`,

	Lifecycle: `{"type":"object","required":["trackingEnabled"],"properties":{
		"dueDate":{"type":["string","null"],"format":"date-time"},
		"expirationDate":{"type":["string","null"],"format":"date-time"},
		"trackingEnabled":{"type":"boolean"}}}`,

	ShareCreate: `{"type":"object","required":["documentIds"],"properties":{
		"documentIds":{"type":"array","minItems":1,"maxItems":100,"items":{"type":"string","minLength":1}},
		"pin":{"type":"string","pattern":"^[0-9A-Za-z]{4,12}$"},
		"expiresAt":{"type":"string","format":"date-time"},
		"maxDownloads":{"type":"integer","minimum":1},
		"clientName":{"type":"string","maxLength":128}}}`,

	PortalCreate: `{"type":"object","required":["organizationId","clientName","clientEmail"],"properties":{
		"organizationId":{"type":"string","minLength":1},
		"clientName":{"type":"string","minLength":1,"maxLength":128},
		"clientEmail":{"type":"string","minLength":3,"maxLength":320},
		"pin":{"type":"string","pattern":"^[0-9A-Za-z]{4,12}$"}}}`,

	PortalRequest: `{"type":"object","required":["title"],"properties":{
		"title":{"type":"string","minLength":1,"maxLength":255},
		"description":{"type":"string","maxLength":2048},
		"required":{"type":"boolean"},
		"order":{"type":"integer","minimum":0},
		"dueDate":{"type":"string","format":"date-time"}}}`,

	PortalSubmit: `{"type":"object","required":["documentIds"],"properties":{
		"documentIds":{"type":"array","minItems":1,"maxItems":50,"items":{"type":"string","minLength":1}},
		"revision":{"type":"integer","minimum":1}}}`,

	PortalReview: `{"type":"object","required":["status"],"properties":{
		"status":{"type":"string","enum":["approved","rejected"]}}}`,

	PortalAccess: `{"type":"object","properties":{"pin":{"type":"string","maxLength":12}}}`,

	ClientUpload: `{"type":"object","required":["mimeType","size"],"properties":{
		"pin":{"type":"string","maxLength":12},
		"mimeType":{"type":"string","minLength":1,"maxLength":255},
		"size":{"type":"integer","minimum":1},
		"filename":{"type":"string","maxLength":255}}}`,

	ClientSubmit: `{"type":"object","required":["files"],"properties":{
		"pin":{"type":"string","maxLength":12},
		"revision":{"type":"integer","minimum":1},
		"files":{"type":"array","minItems":1,"maxItems":50,"items":{"type":"object",
			"required":["name","mimeType","storageKey","size"],"properties":{
			"name":{"type":"string","minLength":1,"maxLength":255},
			"mimeType":{"type":"string","minLength":1,"maxLength":255},
			"storageKey":{"type":"string","minLength":1,"maxLength":1024},
			"size":{"type":"integer","minimum":1}}}}}}`,
}

// Validator validates request bodies against compiled schemas.
type Validator struct {
	schemas map[string]*gojsonschema.Schema
	metrics *metrics.Metrics
}

// NewValidator compiles every request schema.
func NewValidator() (*Validator, error) {
	v := &Validator{
		schemas: make(map[string]*gojsonschema.Schema, len(schemas)),
		metrics: metrics.NewMetrics(),
	}
	for name, doc := range schemas {
		if err := v.loadSchema(name, doc); err != nil {
			return nil, fmt.Errorf("failed to load schemas: %w", err)
		}
	}
	return v, nil
}

func (v *Validator) loadSchema(name, schemaJSON string) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("invalid schema for %s: %w", name, err)
	}
	v.schemas[name] = schema
	return nil
}

// Validate checks body against the named schema. Violations are returned as
// a VAULT_VALIDATION error listing each failing field.
func (v *Validator) Validate(name string, body []byte) error {
	start := time.Now()
	status := "valid"
	defer func() {
		v.metrics.SchemaValidationTotal.WithLabelValues(name, status).Inc()
		v.metrics.SchemaValidationDuration.WithLabelValues(name, status).Observe(time.Since(start).Seconds())
	}()

	schema, ok := v.schemas[name]
	if !ok {
		status = "error"
		return errordefs.New(errordefs.VAULT_INTERNAL, "unknown schema "+name, "")
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		status = "error"
		return errordefs.New(errordefs.VAULT_BAD_REQUEST, "request body is not valid JSON", "")
	}
	if !result.Valid() {
		status = "invalid"
		fields := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			fields = append(fields, desc.String())
		}
		return errordefs.NewWithDetails(errordefs.VAULT_VALIDATION, "request body failed validation: "+strings.Join(fields, "; "), "", fields)
	}
	return nil
}
