// Package metrics exposes the service's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the ingestion service.
type Metrics struct {
	// Envelope metrics
	EnvelopesDecoded *prometheus.CounterVec
	EnvelopesDropped *prometheus.CounterVec
	IngestDuration   *prometheus.HistogramVec

	// Trust metrics
	TrustVerdicts *prometheus.CounterVec

	// Session metrics
	SessionsOpened prometheus.Counter
	SessionsClosed *prometheus.CounterVec
	ActiveSessions prometheus.Gauge

	// Streaming metrics
	StreamSubscribers prometheus.Gauge
	StreamDrops       prometheus.Counter
}

// New creates and registers all metrics on reg. Passing nil registers on the
// default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		EnvelopesDecoded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestion_envelopes_decoded_total",
				Help: "Total envelopes decoded from the broker",
			},
			[]string{"kind"}, // kind: telemetry, event
		),

		EnvelopesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestion_envelopes_dropped_total",
				Help: "Total inbound messages dropped before persistence",
			},
			[]string{"stage"}, // stage: decode, persist
		),

		IngestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingestion_envelope_duration_seconds",
				Help:    "Per-envelope processing time from decode to commit",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),

		TrustVerdicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestion_trust_verdicts_total",
				Help: "Signature verification verdicts per envelope",
			},
			[]string{"verdict"}, // verdict: verified, unsigned, failed
		),

		SessionsOpened: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ingestion_sessions_opened_total",
				Help: "Total sessions opened",
			},
		),

		SessionsClosed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestion_sessions_closed_total",
				Help: "Total sessions closed",
			},
			[]string{"reason"}, // reason: DROP, SILENCE_CLOSE
		),

		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingestion_active_sessions",
				Help: "Sessions currently open in the sessionizer",
			},
		),

		StreamSubscribers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingestion_stream_subscribers",
				Help: "Live stream subscribers currently connected",
			},
		),

		StreamDrops: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ingestion_stream_drops_total",
				Help: "Deliveries dropped because a stream subscriber was too slow",
			},
		),
	}
}

// RecordTrustVerdict maps an annotation to its verdict label.
func (m *Metrics) RecordTrustVerdict(verified bool, unsigned bool) {
	switch {
	case verified:
		m.TrustVerdicts.WithLabelValues("verified").Inc()
	case unsigned:
		m.TrustVerdicts.WithLabelValues("unsigned").Inc()
	default:
		m.TrustVerdicts.WithLabelValues("failed").Inc()
	}
}
