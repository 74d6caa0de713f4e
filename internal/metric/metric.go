// Package metric holds the Prometheus collectors of the splitter.
package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "weighsplit"

// Metrics contains the per-instance processing metrics.
type Metrics struct {
	ReadingsReceived    *prometheus.CounterVec
	ReadingsDropped     *prometheus.CounterVec
	ReadingsMatched     *prometheus.CounterVec
	SubjectsCreated     *prometheus.CounterVec
	Subjects            *prometheus.GaugeVec
	PersistenceFailures *prometheus.CounterVec
	Notifications       *prometheus.CounterVec
	ProcessingDuration  *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ReadingsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "readings",
				Name:      "received_total",
				Help:      "Total number of source state changes received",
			},
			[]string{"instance"},
		),

		ReadingsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "readings",
				Name:      "dropped_total",
				Help:      "Total number of source state changes that produced no reading",
			},
			[]string{"instance", "reason"},
		),

		ReadingsMatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "readings",
				Name:      "matched_total",
				Help:      "Total number of readings attributed to an existing subject",
			},
			[]string{"instance"},
		),

		SubjectsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "subjects",
				Name:      "created_total",
				Help:      "Total number of subjects created from unmatched readings",
			},
			[]string{"instance"},
		),

		Subjects: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "subjects",
				Name:      "current",
				Help:      "Number of subjects in the roster",
			},
			[]string{"instance"},
		),

		PersistenceFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "persistence",
				Name:      "failures_total",
				Help:      "Total number of failed roster or state writes",
			},
			[]string{"instance", "document"},
		),

		Notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "notifications",
				Name:      "sent_total",
				Help:      "Total number of new person notifications",
			},
			[]string{"instance", "status"},
		),

		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "processing",
				Name:      "duration_seconds",
				Help:      "State change processing duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"instance", "outcome"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.ReadingsReceived,
			m.ReadingsDropped,
			m.ReadingsMatched,
			m.SubjectsCreated,
			m.Subjects,
			m.PersistenceFailures,
			m.Notifications,
			m.ProcessingDuration,
		)
	}
	return m
}

// RecordReceived increments the received counter.
func (m *Metrics) RecordReceived(instance string) {
	m.ReadingsReceived.WithLabelValues(instance).Inc()
}

// RecordDropped increments the dropped counter for reason.
func (m *Metrics) RecordDropped(instance, reason string) {
	m.ReadingsDropped.WithLabelValues(instance, reason).Inc()
}

// RecordMatched increments the matched counter.
func (m *Metrics) RecordMatched(instance string) {
	m.ReadingsMatched.WithLabelValues(instance).Inc()
}

// RecordCreated increments the created counter.
func (m *Metrics) RecordCreated(instance string) {
	m.SubjectsCreated.WithLabelValues(instance).Inc()
}

// SetSubjects updates the roster size gauge.
func (m *Metrics) SetSubjects(instance string, n int) {
	m.Subjects.WithLabelValues(instance).Set(float64(n))
}

// RecordPersistenceFailure increments the failure counter for document kind.
func (m *Metrics) RecordPersistenceFailure(instance, document string) {
	m.PersistenceFailures.WithLabelValues(instance, document).Inc()
}

// RecordNotification counts a notification attempt.
func (m *Metrics) RecordNotification(instance string, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	m.Notifications.WithLabelValues(instance, status).Inc()
}

// RecordProcessingDuration records how long one state change took.
func (m *Metrics) RecordProcessingDuration(instance, outcome string, d time.Duration) {
	m.ProcessingDuration.WithLabelValues(instance, outcome).Observe(d.Seconds())
}

// Forget drops every series of instance, used when an instance is removed.
func (m *Metrics) Forget(instance string) {
	labels := prometheus.Labels{"instance": instance}
	m.ReadingsReceived.DeletePartialMatch(labels)
	m.ReadingsDropped.DeletePartialMatch(labels)
	m.ReadingsMatched.DeletePartialMatch(labels)
	m.SubjectsCreated.DeletePartialMatch(labels)
	m.Subjects.DeletePartialMatch(labels)
	m.PersistenceFailures.DeletePartialMatch(labels)
	m.Notifications.DeletePartialMatch(labels)
	m.ProcessingDuration.DeletePartialMatch(labels)
}
