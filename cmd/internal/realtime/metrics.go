package realtime

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the broker collectors. A nil *Metrics records nothing.
type Metrics struct {
	subscriptions prometheus.Gauge
	deliveries    prometheus.Counter
	ended         *prometheus.CounterVec
}

// NewMetrics constructs and registers the realtime collectors on reg (nil: unregistered).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bazaar",
			Subsystem: "realtime",
			Name:      "subscriptions",
			Help:      "Active live subscriptions.",
		}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bazaar",
			Subsystem: "realtime",
			Name:      "deliveries_total",
			Help:      "Messages queued to a subscriber.",
		}),
		ended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bazaar",
			Subsystem: "realtime",
			Name:      "subscriptions_ended_total",
			Help:      "Subscriptions removed, by reason.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.subscriptions, m.deliveries, m.ended)
	}
	return m
}

func (m *Metrics) subscribed() {
	if m == nil {
		return
	}
	m.subscriptions.Inc()
}

func (m *Metrics) delivered() {
	if m == nil {
		return
	}
	m.deliveries.Inc()
}

func (m *Metrics) removed(reason error) {
	if m == nil {
		return
	}
	m.subscriptions.Dec()
	m.ended.WithLabelValues(evictionReason(reason)).Inc()
}
