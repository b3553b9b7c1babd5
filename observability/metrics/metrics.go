// Package metrics exposes the Prometheus collectors the sequence controller
// records into: lifecycle transition counts, error-kind counts, settle
// latency, and the number of currently active sequences.
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SequenceMetrics bundles the collectors recorded for a single sequence kind
// (pairing or session).
type SequenceMetrics struct {
	transitions *prometheus.CounterVec
	errors      *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	active      *prometheus.GaugeVec
}

var (
	once      sync.Once
	singleton *SequenceMetrics
)

// Sequences returns the process-wide singleton sequence metrics registry.
func Sequences() *SequenceMetrics {
	once.Do(func() {
		singleton = &SequenceMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "wc2",
				Subsystem: "sequence",
				Name:      "transitions_total",
				Help:      "Count of sequence lifecycle transitions segmented by kind and event.",
			}, []string{"kind", "event"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "wc2",
				Subsystem: "sequence",
				Name:      "errors_total",
				Help:      "Count of sequence operation failures segmented by kind and error kind.",
			}, []string{"kind", "reason"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "wc2",
				Subsystem: "sequence",
				Name:      "settle_duration_seconds",
				Help:      "Latency from propose to settle for a sequence.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"kind"}),
			active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "wc2",
				Subsystem: "sequence",
				Name:      "active",
				Help:      "Number of currently settled sequences.",
			}, []string{"kind"}),
		}
		prometheus.MustRegister(
			singleton.transitions,
			singleton.errors,
			singleton.latency,
			singleton.active,
		)
	})
	return singleton
}

// RecordTransition increments the transition counter for kind/event, e.g.
// ("pairing", "proposal") or ("session", "deleted").
func (m *SequenceMetrics) RecordTransition(kind, event string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(labelKind(kind), event).Inc()
}

// RecordError increments the error counter for kind/reason.
func (m *SequenceMetrics) RecordError(kind, reason string) {
	if m == nil {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unknown"
	}
	m.errors.WithLabelValues(labelKind(kind), reason).Inc()
}

// ObserveSettleLatency records how long a propose-to-settle round trip took.
func (m *SequenceMetrics) ObserveSettleLatency(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(labelKind(kind)).Observe(d.Seconds())
}

// SetActive sets the active-sequence gauge for kind to count.
func (m *SequenceMetrics) SetActive(kind string, count int) {
	if m == nil {
		return
	}
	m.active.WithLabelValues(labelKind(kind)).Set(float64(count))
}

func labelKind(kind string) string {
	trimmed := strings.TrimSpace(kind)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
