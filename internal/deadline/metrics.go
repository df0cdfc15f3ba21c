package deadline

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for deadline tracking.
type Metrics struct {
	ExtractedTotal *prometheus.CounterVec
	RemindersTotal *prometheus.CounterVec
	LifecycleTotal *prometheus.CounterVec
}

// NewMetrics registers and returns deadline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ExtractedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_deadlines_extracted_total",
			Help: "Extracted deadlines by result (inserted or merged).",
		}, []string{"result"}),
		RemindersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_deadline_reminders_total",
			Help: "Reminders fired by escalation stage.",
		}, []string{"stage"}),
		LifecycleTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_deadline_transitions_total",
			Help: "Deadlines leaving or confirming their open state, by action.",
		}, []string{"action"}),
	}

	reg.MustRegister(m.ExtractedTotal, m.RemindersTotal, m.LifecycleTotal)
	return m
}

// Hooks returns engine callbacks that update these metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnExtracted: func(merged bool) {
			result := "inserted"
			if merged {
				result = "merged"
			}
			m.ExtractedTotal.WithLabelValues(result).Inc()
		},
		OnReminder: func(stage Stage) {
			m.RemindersTotal.WithLabelValues(string(stage)).Inc()
		},
		OnLifecycle: func(action string, n int) {
			if n > 0 {
				m.LifecycleTotal.WithLabelValues(action).Add(float64(n))
			}
		},
	}
}
