package server

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"

	"github.com/RegistryAccord/registryaccord-vault-go/internal/model"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/schema"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/telemetry"
)

// handleUploadInit handles POST /v1/uploads
func (m *Mux) handleUploadInit(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleUploadInit")
	defer span.End()
	r = r.WithContext(ctx)

	var req model.UploadInitRequest
	if err := m.decode(r, schema.UploadInit, &req); err != nil {
		m.fail(w, r, err)
		return
	}
	span.SetAttributes(
		attribute.String("mime_type", req.MimeType),
		attribute.Int64("size", req.Size),
	)

	data, err := m.deps.Documents.InitUpload(ctx, principal(ctx), req)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, data)
}

// handleCreateDocument handles POST /v1/documents
func (m *Mux) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleCreateDocument")
	defer span.End()
	r = r.WithContext(ctx)

	var req model.CreateDocumentRequest
	if err := m.decode(r, schema.DocumentCreate, &req); err != nil {
		m.fail(w, r, err)
		return
	}

	doc, err := m.deps.Documents.Create(ctx, principal(ctx), req)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	span.SetAttributes(attribute.String("document_id", doc.ID))
	m.writeSuccess(w, http.StatusCreated, doc)
}

// handleGetDocument handles GET /v1/documents/{id}
func (m *Mux) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleGetDocument")
	defer span.End()
	r = r.WithContext(ctx)

	doc, err := m.deps.Documents.Get(ctx, principal(ctx), r.PathValue("id"))
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, doc)
}

// handleDeleteDocument handles DELETE /v1/documents/{id}
func (m *Mux) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleDeleteDocument")
	defer span.End()
	r = r.WithContext(ctx)

	if err := m.deps.Documents.Delete(ctx, principal(ctx), r.PathValue("id")); err != nil {
		m.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListVersions handles GET /v1/documents/{id}/versions
func (m *Mux) handleListVersions(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleListVersions")
	defer span.End()
	r = r.WithContext(ctx)

	versions, err := m.deps.Documents.ListVersions(ctx, principal(ctx), r.PathValue("id"))
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, versions)
}

// handleAddVersion handles POST /v1/documents/{id}/versions
func (m *Mux) handleAddVersion(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleAddVersion")
	defer span.End()
	r = r.WithContext(ctx)

	var req model.AddVersionRequest
	if err := m.decode(r, schema.DocumentVersion, &req); err != nil {
		m.fail(w, r, err)
		return
	}

	v, err := m.deps.Documents.AddVersion(ctx, principal(ctx), r.PathValue("id"), req)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	span.SetAttributes(attribute.Int("version_number", v.VersionNumber))
	m.writeSuccess(w, http.StatusCreated, v)
}

// handleRestoreVersion handles POST /v1/documents/{id}/versions/{versionId}/restore
func (m *Mux) handleRestoreVersion(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleRestoreVersion")
	defer span.End()
	r = r.WithContext(ctx)

	doc, err := m.deps.Documents.RestoreVersion(ctx, principal(ctx), r.PathValue("id"), r.PathValue("versionId"))
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, doc)
}

// handleUpdateLifecycle handles PUT /v1/documents/{id}/lifecycle
func (m *Mux) handleUpdateLifecycle(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleUpdateLifecycle")
	defer span.End()
	r = r.WithContext(ctx)

	var req model.UpdateLifecycleRequest
	if err := m.decode(r, schema.Lifecycle, &req); err != nil {
		m.fail(w, r, err)
		return
	}

	doc, err := m.deps.Documents.UpdateLifecycle(ctx, principal(ctx), r.PathValue("id"), req)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, doc)
}

// handleDocumentDownload handles GET /v1/documents/{id}/download
func (m *Mux) handleDocumentDownload(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleDocumentDownload")
	defer span.End()
	r = r.WithContext(ctx)

	url, err := m.deps.Documents.Download(ctx, principal(ctx), r.PathValue("id"))
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, url)
}
