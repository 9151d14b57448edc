// Package event publishes vault domain events to NATS JetStream.
// Events feed audit trails and downstream consumers; publishing is best effort
// and never fails the operation that produced the event.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/RegistryAccord/registryaccord-vault-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/telemetry"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Event types. The first two segments select the stream.
const (
	DocumentCreated   = "vault.documents.created"
	DocumentVersioned = "vault.documents.versioned"
	DocumentRestored  = "vault.documents.restored"
	DocumentDeleted   = "vault.documents.deleted"

	ShareCreated    = "vault.shares.created"
	ShareDownloaded = "vault.shares.downloaded"
	ShareRevoked    = "vault.shares.revoked"

	PortalSubmitted = "vault.portals.submitted"
	PortalReplaced  = "vault.portals.replaced"
	PortalReviewed  = "vault.portals.reviewed"
	PortalEmailed   = "vault.portals.emailed"

	NotificationCreated = "vault.notifications.created"
)

// Event is one domain event. Key identifies the occurrence; JetStream drops
// repeats of the same type and key inside the stream's duplicate window.
type Event struct {
	Type    string
	Key     string
	Payload interface{}
}

// Publisher interface defines the event publishing operations required by the vault service.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// noop is used when NATS is not configured.
type noop struct{}

// NewNoop returns a Publisher that drops every event.
func NewNoop() Publisher { return noop{} }

func (noop) Publish(ctx context.Context, evt Event) error { return nil }
func (noop) Close() error                                 { return nil }

// natsPub is the NATS JetStream implementation of Publisher.
type natsPub struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	metrics *metrics.Metrics
}

// NewPublisher connects to url and ensures the vault streams exist.
// An empty url or any connection failure yields a no-op publisher.
func NewPublisher(url string) Publisher {
	if url == "" {
		return noop{}
	}

	nc, err := nats.Connect(url, nats.Name("vault-service"))
	if err != nil {
		slog.Warn("NATS connect failed, using noop publisher", "error", err)
		return noop{}
	}

	js, err := nc.JetStream()
	if err != nil {
		slog.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		nc.Close()
		return noop{}
	}

	if err := initStreams(js); err != nil {
		slog.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		nc.Close()
		return noop{}
	}

	return &natsPub{nc: nc, js: js, metrics: metrics.NewMetrics()}
}

// streams maps each stream name to its subject prefix.
var streams = map[string]string{
	"VAULT_DOCUMENTS":     "vault.documents",
	"VAULT_SHARES":        "vault.shares",
	"VAULT_PORTALS":       "vault.portals",
	"VAULT_NOTIFICATIONS": "vault.notifications",
}

// initStreams creates the vault streams if they are missing.
func initStreams(js nats.JetStreamContext) error {
	for name, prefix := range streams {
		_, err := js.AddStream(&nats.StreamConfig{
			Name:       name,
			Subjects:   []string{prefix + ".*"},
			Retention:  nats.LimitsPolicy,
			MaxAge:     7 * 24 * time.Hour,
			Discard:    nats.DiscardOld,
			Storage:    nats.FileStorage,
			Duplicates: 2 * time.Minute,
		})
		if err != nil && !strings.Contains(err.Error(), "already in use") {
			return fmt.Errorf("failed to create %s stream: %w", name, err)
		}
	}
	return nil
}

// EventEnvelope represents the standard event envelope structure.
type EventEnvelope struct {
	ID            string      `json:"id"`
	Type          string      `json:"type"`
	Version       string      `json:"version"`
	OccurredAt    time.Time   `json:"occurredAt"`
	CorrelationID string      `json:"correlationId"`
	Payload       interface{} `json:"payload"`
}

func (p *natsPub) Close() error {
	if p.nc != nil {
		p.nc.Drain()
	}
	return nil
}

// Publish wraps evt in an envelope and publishes it with a message ID derived
// from its type and key.
func (p *natsPub) Publish(ctx context.Context, evt Event) error {
	start := time.Now()
	status := "success"
	defer func() {
		p.metrics.EventPublishTotal.WithLabelValues(evt.Type, status).Inc()
		p.metrics.EventPublishDuration.WithLabelValues(evt.Type, status).Observe(time.Since(start).Seconds())
	}()

	correlationID := telemetry.CorrelationID(ctx)
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	b, err := json.Marshal(EventEnvelope{
		ID:            uuid.New().String(),
		Type:          evt.Type,
		Version:       "1.0.0",
		OccurredAt:    time.Now().UTC(),
		CorrelationID: correlationID,
		Payload:       evt.Payload,
	})
	if err != nil {
		status = "error"
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := p.js.Publish(evt.Type, b, nats.Context(ctx), nats.MsgId(evt.Type+":"+evt.Key)); err != nil {
		status = "error"
		return fmt.Errorf("failed to publish %s: %w", evt.Type, err)
	}
	return nil
}

// Emit publishes evt and logs instead of returning a failure.
func Emit(ctx context.Context, p Publisher, evt Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, evt); err != nil {
		slog.WarnContext(ctx, "event publish failed", "type", evt.Type, "key", evt.Key, "error", err)
	}
}
