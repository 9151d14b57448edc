package server

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"

	"github.com/RegistryAccord/registryaccord-vault-go/internal/model"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/schema"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/telemetry"
)

// handleCreateShare handles POST /v1/shares
func (m *Mux) handleCreateShare(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleCreateShare")
	defer span.End()
	r = r.WithContext(ctx)

	var req model.CreateShareLinkRequest
	if err := m.decode(r, schema.ShareCreate, &req); err != nil {
		m.fail(w, r, err)
		return
	}
	span.SetAttributes(
		attribute.Int("documents", len(req.DocumentIDs)),
		attribute.Bool("pin", req.PIN != ""),
		attribute.Bool("quota", req.MaxDownloads != nil),
	)

	link, err := m.deps.Shares.Create(ctx, principal(ctx), req)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusCreated, link)
}

// handleGetShare handles GET /v1/shares/{token}
func (m *Mux) handleGetShare(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleGetShare")
	defer span.End()
	r = r.WithContext(ctx)

	link, err := m.deps.Shares.Get(ctx, principal(ctx), r.PathValue("token"))
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, struct {
		*model.ShareLink
		State model.ShareLinkState `json:"state"`
	}{link, m.deps.Shares.State(link)})
}

// handleRevokeShare handles POST /v1/shares/{token}/revoke
func (m *Mux) handleRevokeShare(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleRevokeShare")
	defer span.End()
	r = r.WithContext(ctx)

	if err := m.deps.Shares.Revoke(ctx, principal(ctx), r.PathValue("token")); err != nil {
		m.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleResolveShare handles GET /v1/s/{token}. Without a pin parameter it
// returns the landing info and masks every failure, unless the link has no
// PIN, in which case it resolves straight away. With a pin it resolves the
// link and reports the exact error.
func (m *Mux) handleResolveShare(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleResolveShare")
	defer span.End()
	r = r.WithContext(ctx)

	token := r.PathValue("token")
	query := r.URL.Query()
	if !query.Has("pin") {
		landing, err := m.deps.Shares.Landing(ctx, token)
		if err != nil {
			m.fail(w, r, err)
			return
		}
		if landing.PINRequired {
			m.writeSuccess(w, http.StatusOK, model.ShareResolution{Landing: *landing})
			return
		}
	}

	res, err := m.deps.Shares.Resolve(ctx, token, query.Get("pin"))
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, res)
}

// handleShareDownload handles POST /v1/s/{token}/download
func (m *Mux) handleShareDownload(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleShareDownload")
	defer span.End()
	r = r.WithContext(ctx)

	dl, err := m.deps.Shares.Download(ctx, r.PathValue("token"), r.URL.Query().Get("pin"))
	if err != nil {
		m.fail(w, r, err)
		return
	}
	span.SetAttributes(attribute.Int("download_count", dl.DownloadCount))
	m.writeSuccess(w, http.StatusOK, dl)
}
