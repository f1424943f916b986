package jobqueue

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes queue server counters and gauges.
type Metrics struct {
	started  *prometheus.CounterVec
	finished *prometheus.CounterVec
	retried  *prometheus.CounterVec
	inFlight *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them on reg. Pass
// prometheus.DefaultRegisterer for the process-wide registry, or a private
// registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workflow",
			Subsystem: "jobqueue",
			Name:      "jobs_started_total",
			Help:      "Jobs claimed and dispatched to a handler.",
		}, []string{"queue"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workflow",
			Subsystem: "jobqueue",
			Name:      "jobs_finished_total",
			Help:      "Jobs reaching a terminal state, by result.",
		}, []string{"queue", "result"}),
		retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workflow",
			Subsystem: "jobqueue",
			Name:      "jobs_retried_total",
			Help:      "Job executions requeued for retry.",
		}, []string{"queue"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "workflow",
			Subsystem: "jobqueue",
			Name:      "jobs_in_flight",
			Help:      "Jobs currently executing.",
		}, []string{"queue"}),
	}
	if reg != nil {
		reg.MustRegister(m.started, m.finished, m.retried, m.inFlight)
	}
	return m
}

func (m *Metrics) jobStarted(queue string) {
	if m == nil {
		return
	}
	m.started.WithLabelValues(queue).Inc()
	m.inFlight.WithLabelValues(queue).Inc()
}

func (m *Metrics) jobFinished(queue, result string) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(queue, result).Inc()
	m.inFlight.WithLabelValues(queue).Dec()
}

func (m *Metrics) jobRetried(queue string) {
	if m == nil {
		return
	}
	m.retried.WithLabelValues(queue).Inc()
	m.inFlight.WithLabelValues(queue).Dec()
}
