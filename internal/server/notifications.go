package server

import (
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"

	errordefs "github.com/RegistryAccord/registryaccord-vault-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/model"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/telemetry"
)

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errordefs.NewWithDetails(errordefs.VAULT_VALIDATION, "invalid query parameter", "",
			map[string]string{"parameter": name, "value": raw})
	}
	return n, nil
}

// handleListNotifications handles GET /v1/notifications
func (m *Mux) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleListNotifications")
	defer span.End()
	r = r.WithContext(ctx)

	limit, err := queryInt(r, "limit")
	if err != nil {
		m.fail(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		m.fail(w, r, err)
		return
	}
	unreadOnly, _ := strconv.ParseBool(r.URL.Query().Get("unreadOnly"))

	list, err := m.deps.Notifications.List(ctx, model.NotificationQuery{
		UserID:     principal(ctx).UserID,
		Limit:      limit,
		Offset:     offset,
		UnreadOnly: unreadOnly,
	})
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, list)
}

// handleUnreadCount handles GET /v1/notifications/unread-count
func (m *Mux) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleUnreadCount")
	defer span.End()
	r = r.WithContext(ctx)

	n, err := m.deps.Notifications.UnreadCount(ctx, principal(ctx).UserID)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, model.UnreadCount{Unread: n})
}

// handleMarkRead handles POST /v1/notifications/{id}/read
func (m *Mux) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleMarkRead")
	defer span.End()
	r = r.WithContext(ctx)

	n, err := m.deps.Notifications.MarkAsRead(ctx, r.PathValue("id"), principal(ctx).UserID)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, n)
}

// handleMarkAllRead handles POST /v1/notifications/read-all
func (m *Mux) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleMarkAllRead")
	defer span.End()
	r = r.WithContext(ctx)

	updated, err := m.deps.Notifications.MarkAllAsRead(ctx, principal(ctx).UserID)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, map[string]int{"updated": updated})
}

// handleUrgentCheck handles POST /v1/notifications/check. It runs the
// caller's urgent check synchronously and reports what it created. With
// defer=true, as sent on dashboard load, the check is scheduled instead.
func (m *Mux) handleUrgentCheck(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleUrgentCheck")
	defer span.End()
	r = r.WithContext(ctx)

	if r.URL.Query().Get("defer") == "true" {
		scheduled := m.deps.Expiry.ScheduleUrgentCheck(principal(ctx).UserID)
		span.SetAttributes(attribute.Bool("check_scheduled", scheduled))
		m.writeSuccess(w, http.StatusAccepted, map[string]bool{"scheduled": scheduled})
		return
	}

	res, err := m.deps.Expiry.CheckAndCreateUrgentNotifications(ctx, principal(ctx).UserID)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	span.SetAttributes(attribute.Int("created", res.Created))
	m.writeSuccess(w, http.StatusOK, res)
}

// handleUpcomingExpirations handles GET /v1/expirations
func (m *Mux) handleUpcomingExpirations(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleUpcomingExpirations")
	defer span.End()
	r = r.WithContext(ctx)

	userID := principal(ctx).UserID
	items, err := m.deps.Expiry.GetUpcomingExpirations(ctx, userID)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	span.SetAttributes(attribute.Int("items", len(items)))
	m.writeSuccess(w, http.StatusOK, items)
}
