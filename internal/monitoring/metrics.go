// Package monitoring exposes reconciliation metrics and session health
// summaries.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
)

const namespace = "recon"

// Metrics holds the Prometheus collectors updated by the orchestrator. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	sessions   *prometheus.CounterVec
	candidates *prometheus.CounterVec
	stored     *prometheus.CounterVec
	tiers      *prometheus.CounterVec
	failures   *prometheus.CounterVec
	duplicates prometheus.Counter
	duration   prometheus.Histogram
}

// NewMetrics creates the collectors and registers them on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Reconciliation sessions processed, by outcome.",
		}, []string{"outcome"}),
		candidates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_total",
			Help:      "Match candidates produced, by matching method.",
		}, []string{"method"}),
		stored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matches_stored_total",
			Help:      "Matches persisted, by matching method.",
		}, []string{"method"}),
		tiers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matches_tiered_total",
			Help:      "Matches classified, by tier.",
		}, []string{"tier"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Per-stage failures recorded during processing.",
		}, []string{"stage", "kind"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_candidates_total",
			Help:      "Candidates skipped because their pair was already staged.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Wall time of one reconciliation session.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}
	m.registry.MustRegister(m.sessions, m.candidates, m.stored, m.tiers, m.failures, m.duplicates, m.duration)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// SessionDone records one finished session.
func (m *Metrics) SessionDone(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(outcome).Inc()
	m.duration.Observe(elapsed.Seconds())
}

// Candidate counts one candidate produced by method.
func (m *Metrics) Candidate(method string) {
	if m == nil {
		return
	}
	m.candidates.WithLabelValues(method).Inc()
}

// Stored counts one persisted match.
func (m *Metrics) Stored(method string) {
	if m == nil {
		return
	}
	m.stored.WithLabelValues(method).Inc()
}

// Tiered counts one classified match.
func (m *Metrics) Tiered(tier string) {
	if m == nil {
		return
	}
	m.tiers.WithLabelValues(tier).Inc()
}

// Failure counts one stage failure.
func (m *Metrics) Failure(stage, kind string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(stage, kind).Inc()
}

// Duplicate counts one skipped duplicate candidate.
func (m *Metrics) Duplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

// WriteTextfile writes the current metric values in the node exporter
// textfile format. A nil receiver or empty path is a no-op.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return eris.Wrapf(prometheus.WriteToTextfile(path, m.registry), "monitoring: write %s", path)
}
