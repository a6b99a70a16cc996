package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the counters the engine and the code generator report.
type Metrics struct {
	Transitions    *prometheus.CounterVec
	Rejected       *prometheus.CounterVec
	GeneratedCodes *prometheus.CounterVec
	ApplyDuration  *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_transitions_total",
				Help: "Committed workflow transitions.",
			},
			[]string{"kind", "action"},
		),
		Rejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_rejected_actions_total",
				Help: "Workflow actions refused before commit.",
			},
			[]string{"kind", "reason"},
		),
		GeneratedCodes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "samplecode_generated_total",
				Help: "Sample codes produced by the generator.",
			},
			[]string{"project"},
		),
		ApplyDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workflow_apply_duration_seconds",
				Help:    "Latency of storage commits for workflow transitions.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Transitions, m.Rejected, m.GeneratedCodes, m.ApplyDuration)
	}
	return m
}

// ObserveTransition counts a committed transition. Safe on a nil receiver.
func (m *Metrics) ObserveTransition(kind, action string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(kind, action).Inc()
}

// ObserveRejected counts an action refused with the given reason.
func (m *Metrics) ObserveRejected(kind, reason string) {
	if m == nil {
		return
	}
	m.Rejected.WithLabelValues(kind, reason).Inc()
}

// ObserveGenerated adds n generated codes for a project.
func (m *Metrics) ObserveGenerated(project string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.GeneratedCodes.WithLabelValues(project).Add(float64(n))
}

// ObserveApply records how long a storage commit took.
func (m *Metrics) ObserveApply(kind string, seconds float64) {
	if m == nil {
		return
	}
	m.ApplyDuration.WithLabelValues(kind).Observe(seconds)
}
