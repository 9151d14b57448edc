package server

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"

	"github.com/RegistryAccord/registryaccord-vault-go/internal/model"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/schema"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/telemetry"
)

// handleCreatePortal handles POST /v1/portals
func (m *Mux) handleCreatePortal(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleCreatePortal")
	defer span.End()
	r = r.WithContext(ctx)

	var req model.CreatePortalRequest
	if err := m.decode(r, schema.PortalCreate, &req); err != nil {
		m.fail(w, r, err)
		return
	}

	portal, err := m.deps.Portals.CreatePortal(ctx, principal(ctx), req)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	span.SetAttributes(attribute.String("portal_id", portal.ID))
	m.writeSuccess(w, http.StatusCreated, portal)
}

// handleGetPortal handles GET /v1/portals/{id}
func (m *Mux) handleGetPortal(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleGetPortal")
	defer span.End()
	r = r.WithContext(ctx)

	portal, err := m.deps.Portals.GetPortal(ctx, principal(ctx), r.PathValue("id"))
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, portal)
}

// handleAddPortalRequest handles POST /v1/portals/{id}/requests
func (m *Mux) handleAddPortalRequest(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleAddPortalRequest")
	defer span.End()
	r = r.WithContext(ctx)

	var req model.AddPortalRequestRequest
	if err := m.decode(r, schema.PortalRequest, &req); err != nil {
		m.fail(w, r, err)
		return
	}

	pr, err := m.deps.Portals.AddRequest(ctx, principal(ctx), r.PathValue("id"), req)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusCreated, pr)
}

// handleListPortalRequests handles GET /v1/portals/{id}/requests
func (m *Mux) handleListPortalRequests(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleListPortalRequests")
	defer span.End()
	r = r.WithContext(ctx)

	requests, err := m.deps.Portals.ListRequests(ctx, principal(ctx), r.PathValue("id"))
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, requests)
}

// handlePortalCompletion handles GET /v1/portals/{id}/completion
func (m *Mux) handlePortalCompletion(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handlePortalCompletion")
	defer span.End()
	r = r.WithContext(ctx)

	state, err := m.deps.Portals.GetCompletionState(ctx, principal(ctx), r.PathValue("id"))
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, state)
}

// handlePortalInvite handles POST /v1/portals/{id}/invite
func (m *Mux) handlePortalInvite(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handlePortalInvite")
	defer span.End()
	r = r.WithContext(ctx)

	email, err := m.deps.Portals.Invite(ctx, principal(ctx), r.PathValue("id"))
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusAccepted, email)
}

// handlePortalRemind handles POST /v1/portals/{id}/remind
func (m *Mux) handlePortalRemind(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handlePortalRemind")
	defer span.End()
	r = r.WithContext(ctx)

	email, err := m.deps.Portals.Remind(ctx, principal(ctx), r.PathValue("id"))
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusAccepted, email)
}

// handleSubmit handles POST /v1/portal-requests/{requestId}/submission
func (m *Mux) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleSubmit")
	defer span.End()
	r = r.WithContext(ctx)

	var req model.SubmitRequest
	if err := m.decode(r, schema.PortalSubmit, &req); err != nil {
		m.fail(w, r, err)
		return
	}

	sub, err := m.deps.Portals.Submit(ctx, principal(ctx), r.PathValue("requestId"), req)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusCreated, sub)
}

// handleReplaceSubmission handles PUT /v1/portal-requests/{requestId}/submission
func (m *Mux) handleReplaceSubmission(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleReplaceSubmission")
	defer span.End()
	r = r.WithContext(ctx)

	var req model.SubmitRequest
	if err := m.decode(r, schema.PortalSubmit, &req); err != nil {
		m.fail(w, r, err)
		return
	}

	sub, err := m.deps.Portals.ReplaceSubmission(ctx, principal(ctx), r.PathValue("requestId"), req)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	span.SetAttributes(attribute.Int("revision", sub.Revision))
	m.writeSuccess(w, http.StatusOK, sub)
}

// handleReviewSubmission handles POST /v1/submissions/{id}/review
func (m *Mux) handleReviewSubmission(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleReviewSubmission")
	defer span.End()
	r = r.WithContext(ctx)

	var req model.ReviewRequest
	if err := m.decode(r, schema.PortalReview, &req); err != nil {
		m.fail(w, r, err)
		return
	}

	sub, err := m.deps.Portals.ReviewSubmission(ctx, principal(ctx), r.PathValue("id"), req.Status)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, sub)
}

// handlePortalAccess handles POST /v1/p/{portalId}/access. It is the
// client-facing entry point and takes no bearer token.
func (m *Mux) handlePortalAccess(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handlePortalAccess")
	defer span.End()
	r = r.WithContext(ctx)

	var req model.PortalAccessRequest
	if err := m.decode(r, schema.PortalAccess, &req); err != nil {
		m.fail(w, r, err)
		return
	}

	view, err := m.deps.Portals.Access(ctx, r.PathValue("portalId"), req.PIN)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, view)
}

// handleClientUpload handles POST /v1/p/{portalId}/uploads
func (m *Mux) handleClientUpload(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleClientUpload")
	defer span.End()
	r = r.WithContext(ctx)

	var req model.ClientUploadRequest
	if err := m.decode(r, schema.ClientUpload, &req); err != nil {
		m.fail(w, r, err)
		return
	}

	upload, err := m.deps.Portals.ClientUpload(ctx, r.PathValue("portalId"), req)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, upload)
}

// handleClientSubmission handles POST and PUT on
// /v1/p/{portalId}/requests/{requestId}/submission. POST makes the first
// submission and PUT replaces it.
func (m *Mux) handleClientSubmission(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleClientSubmission")
	defer span.End()
	r = r.WithContext(ctx)

	var req model.ClientSubmitRequest
	if err := m.decode(r, schema.ClientSubmit, &req); err != nil {
		m.fail(w, r, err)
		return
	}

	portalID, requestID := r.PathValue("portalId"), r.PathValue("requestId")
	span.SetAttributes(attribute.String("portal_id", portalID), attribute.Int("files", len(req.Files)))
	if r.Method == http.MethodPut {
		sub, err := m.deps.Portals.ClientReplace(ctx, portalID, requestID, req)
		if err != nil {
			m.fail(w, r, err)
			return
		}
		m.writeSuccess(w, http.StatusOK, sub)
		return
	}

	sub, err := m.deps.Portals.ClientSubmit(ctx, portalID, requestID, req)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusCreated, sub)
}
