package alerting

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for alert delivery.
type Metrics struct {
	BufferedTotal   *prometheus.CounterVec
	DeliveriesTotal *prometheus.CounterVec
	DeliveredItems  *prometheus.CounterVec
	SuppressedTotal *prometheus.CounterVec
}

// NewMetrics registers and returns alerting metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BufferedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_alerts_buffered_total",
			Help: "Alerts added to the digest buffer by tier.",
		}, []string{"tier"}),
		DeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_alert_deliveries_total",
			Help: "Outbound alert messages by kind and outcome.",
		}, []string{"kind", "outcome"}),
		DeliveredItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_alert_delivered_items_total",
			Help: "Alerts carried by successful deliveries, by kind.",
		}, []string{"kind"}),
		SuppressedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_alerts_rate_limited_total",
			Help: "Critical alerts not sent directly, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.BufferedTotal,
		m.DeliveriesTotal,
		m.DeliveredItems,
		m.SuppressedTotal,
	)
	return m
}

// Hooks returns engine callbacks that update these metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnBuffered: func(tier int) {
			m.BufferedTotal.WithLabelValues(strconv.Itoa(tier)).Inc()
		},
		OnDelivery: func(kind string, ok bool, items int) {
			outcome := "ok"
			if !ok {
				outcome = "failed"
			}
			m.DeliveriesTotal.WithLabelValues(kind, outcome).Inc()
			if ok {
				m.DeliveredItems.WithLabelValues(kind).Add(float64(items))
			}
		},
		OnSuppressed: func(reason string) {
			m.SuppressedTotal.WithLabelValues(reason).Inc()
		},
	}
}
