package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeFailure  Outcome = "failure"
	OutcomeTimeout  Outcome = "timeout"
	OutcomeDeclined Outcome = "declined"
)

// RunMetrics instruments a single marauder invocation. A cron job or CI step
// can export them for node_exporter's textfile collector.
type RunMetrics struct {
	registry *prometheus.Registry

	discoveryRequests *prometheus.CounterVec
	discoveryDuration *prometheus.HistogramVec
	discoveryRecords  *prometheus.GaugeVec
	matchedHosts      prometheus.Gauge
	sessionsTotal     *prometheus.CounterVec
	sessionDuration   prometheus.Histogram
	lastRunTimestamp  prometheus.Gauge
}

// NewRunMetrics builds a metrics set on its own registry.
func NewRunMetrics() *RunMetrics {
	m := &RunMetrics{
		registry: prometheus.NewRegistry(),
		discoveryRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "marauder",
				Subsystem: "discovery",
				Name:      "requests_total",
				Help:      "Prism queries by record kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),
		discoveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "marauder",
				Subsystem: "discovery",
				Name:      "request_duration_seconds",
				Help:      "Latency of Prism queries by record kind.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"kind"},
		),
		discoveryRecords: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "marauder",
				Subsystem: "discovery",
				Name:      "records",
				Help:      "Records returned by Prism before free-text filtering, by kind.",
			},
			[]string{"kind"},
		),
		matchedHosts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "marauder",
				Name:      "matched_hosts",
				Help:      "Hosts left after free-text filtering.",
			},
		),
		sessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "marauder",
				Subsystem: "fanout",
				Name:      "sessions_total",
				Help:      "Remote sessions by outcome.",
			},
			[]string{"outcome"},
		),
		sessionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "marauder",
				Subsystem: "fanout",
				Name:      "session_duration_seconds",
				Help:      "Wall time of each remote session.",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			},
		),
		lastRunTimestamp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "marauder",
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time the metrics were written.",
			},
		),
	}

	m.registry.MustRegister(
		m.discoveryRequests,
		m.discoveryDuration,
		m.discoveryRecords,
		m.matchedHosts,
		m.sessionsTotal,
		m.sessionDuration,
		m.lastRunTimestamp,
	)

	return m
}

// RecordDiscovery records one Prism query. A nil receiver is a no-op so
// callers need not check whether metrics are enabled.
func (m *RunMetrics) RecordDiscovery(kind string, outcome Outcome, elapsed time.Duration, records int) {
	if m == nil {
		return
	}
	m.discoveryRequests.WithLabelValues(kind, string(outcome)).Inc()
	m.discoveryDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
	if outcome == OutcomeSuccess {
		m.discoveryRecords.WithLabelValues(kind).Set(float64(records))
	}
}

// RecordMatches records the size of the filtered result.
func (m *RunMetrics) RecordMatches(n int) {
	if m == nil {
		return
	}
	m.matchedHosts.Set(float64(n))
}

// RecordSession records one remote session.
func (m *RunMetrics) RecordSession(outcome Outcome, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.sessionsTotal.WithLabelValues(string(outcome)).Inc()
	if outcome != OutcomeDeclined {
		m.sessionDuration.Observe(elapsed.Seconds())
	}
}

// Gatherer exposes the registry.
func (m *RunMetrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// WriteTextfile writes the metrics in the text exposition format, replacing
// path atomically.
func (m *RunMetrics) WriteTextfile(path string, now time.Time) error {
	if m == nil || path == "" {
		return nil
	}
	m.lastRunTimestamp.Set(float64(now.Unix()))
	if err := prometheus.WriteToTextfile(path, m.Gatherer()); err != nil {
		return fmt.Errorf("write metrics textfile %s: %w", path, err)
	}
	return nil
}
