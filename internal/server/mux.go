// Package server implements the HTTP handlers and routing for the vault service.
// It provides RESTful endpoints for documents, share links, portals and
// notifications with JWT authentication, schema validation and tracing.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/RegistryAccord/registryaccord-vault-go/internal/document"
	errordefs "github.com/RegistryAccord/registryaccord-vault-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/expiry"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/model"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/notification"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/portal"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/schema"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/share"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/telemetry"
)

// maxBodySize caps JSON request bodies.
const maxBodySize = 1 << 20

type principalKey struct{}

// Authenticator turns a bearer token into a principal.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (model.Principal, error)
}

// Deps are the collaborators the HTTP layer dispatches to.
type Deps struct {
	Store         storage.Store
	Documents     *document.Service
	Shares        *share.Service
	Portals       *portal.Service
	Expiry        *expiry.Engine
	Notifications *notification.Service
	Auth          Authenticator
	Validator     *schema.Validator

	SweepSecret        string   // Bearer secret of the scheduler trigger; empty disables it
	CORSAllowedOrigins []string // Empty denies cross-origin requests
}

// Mux handles HTTP requests for the vault service.
type Mux struct {
	mux     *http.ServeMux
	deps    Deps
	metrics *metrics.Metrics
	options map[string]bool // Paths with a preflight handler
}

// NewMux creates the HTTP handler with every vault endpoint registered.
func NewMux(deps Deps) http.Handler {
	m := &Mux{
		mux:     http.NewServeMux(),
		deps:    deps,
		metrics: metrics.NewMetrics(),
		options: make(map[string]bool),
	}

	// Health and metrics
	m.mux.HandleFunc("GET /healthz", m.handleHealthz)
	m.mux.HandleFunc("GET /readyz", m.handleReadyz)
	m.mux.Handle("GET /metrics", promhttp.Handler())

	// Public share and portal access
	m.public("GET /v1/s/{token}", m.handleResolveShare)
	m.public("POST /v1/s/{token}/download", m.handleShareDownload)
	m.public("POST /v1/p/{portalId}/access", m.handlePortalAccess)
	m.public("POST /v1/p/{portalId}/uploads", m.handleClientUpload)
	m.public("POST /v1/p/{portalId}/requests/{requestId}/submission", m.handleClientSubmission)
	m.public("PUT /v1/p/{portalId}/requests/{requestId}/submission", m.handleClientSubmission)
	m.public("POST /v1/internal/sweep", m.handleSweep)

	// Documents
	m.authed("POST /v1/uploads", m.handleUploadInit)
	m.authed("POST /v1/documents", m.handleCreateDocument)
	m.authed("GET /v1/documents/{id}", m.handleGetDocument)
	m.authed("DELETE /v1/documents/{id}", m.handleDeleteDocument)
	m.authed("GET /v1/documents/{id}/versions", m.handleListVersions)
	m.authed("POST /v1/documents/{id}/versions", m.handleAddVersion)
	m.authed("POST /v1/documents/{id}/versions/{versionId}/restore", m.handleRestoreVersion)
	m.authed("PUT /v1/documents/{id}/lifecycle", m.handleUpdateLifecycle)
	m.authed("GET /v1/documents/{id}/download", m.handleDocumentDownload)

	// Share links
	m.authed("POST /v1/shares", m.handleCreateShare)
	m.authed("GET /v1/shares/{token}", m.handleGetShare)
	m.authed("POST /v1/shares/{token}/revoke", m.handleRevokeShare)

	// Portals
	m.authed("POST /v1/portals", m.handleCreatePortal)
	m.authed("GET /v1/portals/{id}", m.handleGetPortal)
	m.authed("POST /v1/portals/{id}/requests", m.handleAddPortalRequest)
	m.authed("GET /v1/portals/{id}/requests", m.handleListPortalRequests)
	m.authed("GET /v1/portals/{id}/completion", m.handlePortalCompletion)
	m.authed("POST /v1/portals/{id}/invite", m.handlePortalInvite)
	m.authed("POST /v1/portals/{id}/remind", m.handlePortalRemind)
	m.authed("POST /v1/portal-requests/{requestId}/submission", m.handleSubmit)
	m.authed("PUT /v1/portal-requests/{requestId}/submission", m.handleReplaceSubmission)
	m.authed("POST /v1/submissions/{id}/review", m.handleReviewSubmission)

	// Notifications and expirations
	m.authed("GET /v1/notifications", m.handleListNotifications)
	m.authed("GET /v1/notifications/unread-count", m.handleUnreadCount)
	m.authed("POST /v1/notifications/{id}/read", m.handleMarkRead)
	m.authed("POST /v1/notifications/read-all", m.handleMarkAllRead)
	m.authed("POST /v1/notifications/check", m.handleUrgentCheck)
	m.authed("GET /v1/expirations", m.handleUpcomingExpirations)

	return m.mux
}

func (m *Mux) public(pattern string, h http.HandlerFunc) {
	m.mux.HandleFunc(pattern, m.withMiddleware(h))
	m.preflight(pattern)
}

func (m *Mux) authed(pattern string, h http.HandlerFunc) {
	m.mux.HandleFunc(pattern, m.withMiddleware(m.withAuth(h)))
	m.preflight(pattern)
}

// preflight registers an OPTIONS handler for the pattern's path once.
func (m *Mux) preflight(pattern string) {
	_, path, _ := strings.Cut(pattern, " ")
	if m.options[path] {
		return
	}
	m.options[path] = true
	m.mux.HandleFunc("OPTIONS "+path, m.handlePreflight)
}

// statusRecorder captures the status and error of a response for logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
	err    error
	userID string
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// withMiddleware applies correlation, CORS, logging and metrics.
func (m *Mux) withMiddleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		m.setCORS(w, r)

		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		r = r.WithContext(telemetry.WithCorrelationID(r.Context(), correlationID))
		w.Header().Set("X-Correlation-Id", correlationID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)

		duration := time.Since(start)
		status := strconv.Itoa(rec.status)
		m.metrics.HTTPRequestTotal.WithLabelValues(r.Method, r.Pattern, status).Inc()
		m.metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.Pattern, status).Observe(duration.Seconds())
		m.logRequest(r, rec, duration, correlationID)
	}
}

// withAuth requires a valid bearer token and stores the principal in the context.
func (m *Mux) withAuth(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearer(r)
		if !ok {
			m.fail(w, r, errordefs.New(errordefs.VAULT_AUTHN, "missing or malformed Authorization header", ""))
			return
		}
		p, err := m.deps.Auth.Authenticate(r.Context(), token)
		if err != nil {
			m.fail(w, r, errordefs.Wrap(errordefs.VAULT_AUTHN, "invalid bearer token", err))
			return
		}
		if rec, ok := w.(*statusRecorder); ok {
			rec.userID = p.UserID
		}
		h(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	}
}

func bearer(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	token = strings.TrimSpace(token)
	return token, ok && token != ""
}

// principal returns the authenticated caller. Only valid behind withAuth.
func principal(ctx context.Context) model.Principal {
	p, _ := ctx.Value(principalKey{}).(model.Principal)
	return p
}

func (m *Mux) originAllowed(origin string) bool {
	for _, allowed := range m.deps.CORSAllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (m *Mux) setCORS(w http.ResponseWriter, r *http.Request) {
	if origin := r.Header.Get("Origin"); origin != "" && m.originAllowed(origin) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	}
}

func (m *Mux) handlePreflight(w http.ResponseWriter, r *http.Request) {
	if origin := r.Header.Get("Origin"); origin != "" && m.originAllowed(origin) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Correlation-Id")
		w.Header().Set("Access-Control-Max-Age", "86400")
	}
	w.WriteHeader(http.StatusNoContent)
}

// decode validates the body against a schema and unmarshals it into dst.
func (m *Mux) decode(r *http.Request, schemaName string, dst interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil || len(body) > maxBodySize {
		return errordefs.New(errordefs.VAULT_BAD_REQUEST, "request body too large or unreadable", "")
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if err := m.deps.Validator.Validate(schemaName, body); err != nil {
		return err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return errordefs.New(errordefs.VAULT_BAD_REQUEST, "invalid JSON", "")
	}
	return nil
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
}

// fail writes err as an error envelope and marks the active span.
func (m *Mux) fail(w http.ResponseWriter, r *http.Request, err error) {
	e := *errordefs.From(err)
	e.CorrelationID = telemetry.CorrelationID(r.Context())

	span := trace.SpanFromContext(r.Context())
	span.RecordError(err)
	span.SetStatus(codes.Error, string(e.Code))

	if rec, ok := w.(*statusRecorder); ok {
		rec.err = err
	}
	m.writeErrorDef(w, &e)
}

// writeErrorDef writes an error response using the error definitions package
func (m *Mux) writeErrorDef(w http.ResponseWriter, err *errordefs.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatus)
	body := map[string]interface{}{
		"code":          err.Code,
		"message":       err.Message,
		"correlationId": err.CorrelationID,
	}
	if err.Details != nil {
		body["details"] = err.Details
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": body})
}

// logRequest logs request details
func (m *Mux) logRequest(r *http.Request, rec *statusRecorder, duration time.Duration, correlationID string) {
	status, err := rec.status, rec.err
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("correlation_id", correlationID),
	}
	if rec.userID != "" {
		attrs = append(attrs, slog.String("user_id", rec.userID))
	}

	switch {
	case err != nil && status >= http.StatusInternalServerError:
		attrs = append(attrs, slog.String("error", err.Error()))
		slog.LogAttrs(r.Context(), slog.LevelError, "request completed with error", attrs...)
	case err != nil:
		attrs = append(attrs, slog.String("error", err.Error()))
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request rejected", attrs...)
	default:
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
	}
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports whether the store is reachable.
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := m.deps.Store.Ping(ctx); err != nil {
		slog.WarnContext(ctx, "readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleSweep is the scheduler trigger. It runs the sweep synchronously.
func (m *Mux) handleSweep(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleSweep")
	defer span.End()
	r = r.WithContext(ctx)

	if m.deps.SweepSecret == "" {
		m.fail(w, r, errordefs.New(errordefs.VAULT_UNAVAILABLE, "sweep trigger is not configured", ""))
		return
	}
	token, ok := bearer(r)
	if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(m.deps.SweepSecret)) != 1 {
		m.fail(w, r, errordefs.New(errordefs.VAULT_AUTHN, "invalid sweep secret", ""))
		return
	}

	// The sweep outlives a disconnecting scheduler; the engine bounds it by the lease TTL
	res, err := m.deps.Expiry.RunSweep(context.WithoutCancel(ctx))
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, res)
}
