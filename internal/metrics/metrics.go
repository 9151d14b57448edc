// Package metrics defines the prometheus collectors exported by the vault service.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Document lifecycle metrics
	DocumentVersionsTotal        *prometheus.CounterVec // operation: create, add, restore
	DocumentInconsistenciesTotal prometheus.Counter

	// Share link metrics
	ShareResolveTotal   *prometheus.CounterVec // outcome: ok, not_found, expired, exhausted, pin_invalid
	ShareDownloadsTotal *prometheus.CounterVec

	// Portal metrics
	PortalSubmissionsTotal *prometheus.CounterVec // operation: submit, replace, review
	PortalEmailsTotal      *prometheus.CounterVec

	// Expiration engine metrics
	NotificationsCreatedTotal *prometheus.CounterVec
	SweepRunsTotal            *prometheus.CounterVec
	SweepItemsTotal           *prometheus.CounterVec
	SweepDuration             prometheus.Histogram

	// Event publishing metrics
	EventPublishTotal    *prometheus.CounterVec
	EventPublishDuration *prometheus.HistogramVec

	// Schema validation metrics
	SchemaValidationTotal    *prometheus.CounterVec
	SchemaValidationDuration *prometheus.HistogramVec
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics returns the process-wide Metrics, creating and registering it on first use.
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		DocumentVersionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_document_versions_total",
			Help: "Total number of document versions written",
		}, []string{"operation"}),

		DocumentInconsistenciesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vault_document_inconsistencies_total",
			Help: "Documents whose content matched no stored version on read",
		}),

		ShareResolveTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_share_resolve_total",
			Help: "Share link resolutions by outcome",
		}, []string{"outcome"}),

		ShareDownloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_share_downloads_total",
			Help: "Share link download attempts by status",
		}, []string{"status"}),

		PortalSubmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_portal_submissions_total",
			Help: "Portal submission writes by operation and status",
		}, []string{"operation", "status"}),

		PortalEmailsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_portal_emails_total",
			Help: "Portal emails handed to the mailer",
		}, []string{"kind", "status"}),

		NotificationsCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_notifications_created_total",
			Help: "Notifications created by category",
		}, []string{"category"}),

		SweepRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_sweep_runs_total",
			Help: "Expiration sweeps by status",
		}, []string{"status"}),

		SweepItemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_sweep_items_total",
			Help: "Items examined by the expiration sweep by result",
		}, []string{"result"}),

		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_sweep_duration_seconds",
			Help:    "Expiration sweep duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),

		EventPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "event_publish_total",
			Help: "Total number of event publish operations",
		}, []string{"event_type", "status"}),

		EventPublishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "event_publish_duration_seconds",
			Help:    "Event publish duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"event_type", "status"}),

		SchemaValidationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "schema_validation_total",
			Help: "Total number of schema validation operations",
		}, []string{"schema", "status"}),

		SchemaValidationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "schema_validation_duration_seconds",
			Help:    "Schema validation duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"schema", "status"}),
	}

	registerMetrics(m)
	globalMetrics = m
	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	registerOrGet(m.HTTPRequestTotal)
	registerOrGet(m.HTTPRequestDuration)
	registerOrGet(m.DocumentVersionsTotal)
	registerOrGet(m.DocumentInconsistenciesTotal)
	registerOrGet(m.ShareResolveTotal)
	registerOrGet(m.ShareDownloadsTotal)
	registerOrGet(m.PortalSubmissionsTotal)
	registerOrGet(m.PortalEmailsTotal)
	registerOrGet(m.NotificationsCreatedTotal)
	registerOrGet(m.SweepRunsTotal)
	registerOrGet(m.SweepItemsTotal)
	registerOrGet(m.SweepDuration)
	registerOrGet(m.EventPublishTotal)
	registerOrGet(m.EventPublishDuration)
	registerOrGet(m.SchemaValidationTotal)
	registerOrGet(m.SchemaValidationDuration)
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}
