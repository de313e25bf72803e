// internal/metrics/metrics.go
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments for the monitoring engine.
// A dedicated registry keeps tests free of duplicate-registration
// panics.
type Metrics struct {
	PollCycles       prometheus.Counter
	PollCycleSeconds prometheus.Histogram
	EndpointErrors   *prometheus.CounterVec
	VendorRequests   *prometheus.CounterVec
	LiveSessions     prometheus.Gauge
	SessionRenewals  prometheus.Counter
	JournalUsage     *prometheus.GaugeVec
	PendingBytes     *prometheus.GaugeVec
	AlertsRaised     *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all instruments on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		PollCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replimon_poll_cycles_total",
			Help: "Total number of completed poll cycles",
		}),
		PollCycleSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "replimon_poll_cycle_duration_seconds",
			Help:    "Poll cycle duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		EndpointErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replimon_endpoint_errors_total",
			Help: "Per-endpoint collection failures",
		}, []string{"endpoint"}),
		VendorRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replimon_vendor_requests_total",
			Help: "Vendor API requests by method and outcome",
		}, []string{"method", "outcome"}),
		LiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "replimon_live_sessions",
			Help: "Currently cached vendor sessions",
		}),
		SessionRenewals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replimon_session_renewals_total",
			Help: "Vendor session renewals",
		}),
		JournalUsage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "replimon_journal_usage_percent",
			Help: "Journal usage rate by consistency group",
		}, []string{"endpoint", "group"}),
		PendingBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "replimon_pending_bytes",
			Help: "Estimated unreplicated bytes by consistency group",
		}, []string{"endpoint", "group"}),
		AlertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replimon_alerts_raised_total",
			Help: "Alerts raised by type and severity",
		}, []string{"type", "severity"}),
		registry: registry,
	}

	registry.MustRegister(
		m.PollCycles,
		m.PollCycleSeconds,
		m.EndpointErrors,
		m.VendorRequests,
		m.LiveSessions,
		m.SessionRenewals,
		m.JournalUsage,
		m.PendingBytes,
		m.AlertsRaised,
	)

	return m
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
