package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for scheduled jobs.
type Metrics struct {
	RunsTotal     *prometheus.CounterVec
	RunDuration   *prometheus.HistogramVec
	MisfiresTotal *prometheus.CounterVec
}

// NewMetrics registers and returns scheduler metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_job_runs_total",
			Help: "Scheduled job runs by job and outcome.",
		}, []string{"job", "outcome"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentinel_job_duration_seconds",
			Help:    "Duration of scheduled job runs.",
			Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"job"}),
		MisfiresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_job_misfires_total",
			Help: "Ticks dropped for firing later than the misfire grace.",
		}, []string{"job"}),
	}

	reg.MustRegister(m.RunsTotal, m.RunDuration, m.MisfiresTotal)
	return m
}

// Hooks returns scheduler callbacks that update these metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnRun: func(name string, err error, elapsed time.Duration) {
			outcome := "ok"
			if err != nil {
				outcome = "error"
			}
			m.RunsTotal.WithLabelValues(name, outcome).Inc()
			m.RunDuration.WithLabelValues(name).Observe(elapsed.Seconds())
		},
		OnMisfire: func(name string, _ time.Duration) {
			m.MisfiresTotal.WithLabelValues(name).Inc()
		},
	}
}
