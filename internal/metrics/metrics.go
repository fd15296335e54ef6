// Package metrics holds the Prometheus collectors the daemon exports.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector behind a dedicated registry so tests can
// build as many instances as they need without collisions.
type Metrics struct {
	registry *prometheus.Registry

	// Gateway counters
	EventsReceived  *prometheus.CounterVec
	EventsRejected  *prometheus.CounterVec
	EventsProcessed *prometheus.CounterVec
	HandlerErrors   *prometheus.CounterVec
	EventsQueued    prometheus.Gauge

	// Analysis pipeline
	AnalysisDuration prometheus.Histogram

	// Audit chain
	ChainBlocks prometheus.Gauge

	// Sector feed
	FeedFrames *prometheus.CounterVec

	// Chain snapshot backups
	Backups *prometheus.CounterVec
}

// New builds a registry with all collectors registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		EventsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigil_events_received_total",
				Help: "Events accepted by the gateway, by event type",
			},
			[]string{"event_type"},
		),

		EventsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigil_events_rejected_total",
				Help: "Events rejected at submission, by event type",
			},
			[]string{"event_type"},
		),

		EventsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigil_events_processed_total",
				Help: "Events drained from session queues, by event type",
			},
			[]string{"event_type"},
		),

		HandlerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigil_handler_errors_total",
				Help: "Handler failures recorded during event dispatch, by event type",
			},
			[]string{"event_type"},
		),

		EventsQueued: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "vigil_events_queued",
				Help: "Events currently waiting across all session queues",
			},
		),

		AnalysisDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vigil_analysis_duration_seconds",
				Help:    "Wall time of a full coordinator analysis pass",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
		),

		ChainBlocks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "vigil_chain_blocks",
				Help: "Blocks in the audit chain including genesis",
			},
		),

		FeedFrames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigil_feed_frames_total",
				Help: "Sector feed frames by decode result",
			},
			[]string{"result"},
		),

		Backups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigil_backups_total",
				Help: "Chain snapshot backups by outcome",
			},
			[]string{"status"},
		),
	}

	m.registry.MustRegister(
		m.EventsReceived,
		m.EventsRejected,
		m.EventsProcessed,
		m.HandlerErrors,
		m.EventsQueued,
		m.AnalysisDuration,
		m.ChainBlocks,
		m.FeedFrames,
		m.Backups,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
