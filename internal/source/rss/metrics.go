package rss

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for feed polling.
type Metrics struct {
	PollsTotal    *prometheus.CounterVec
	IngestedTotal *prometheus.CounterVec
}

// NewMetrics registers and returns feed metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_feed_polls_total",
			Help: "Feed fetches by feed and outcome.",
		}, []string{"feed", "outcome"}),
		IngestedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_feed_items_ingested_total",
			Help: "New feed items handed to the pipeline.",
		}, []string{"feed"}),
	}

	reg.MustRegister(m.PollsTotal, m.IngestedTotal)
	return m
}

// Hooks returns poller callbacks that update these metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnFeed: func(feed string, ok bool, ingested int) {
			outcome := "ok"
			if !ok {
				outcome = "error"
			}
			m.PollsTotal.WithLabelValues(feed, outcome).Inc()
			if ingested > 0 {
				m.IngestedTotal.WithLabelValues(feed).Add(float64(ingested))
			}
		},
	}
}
