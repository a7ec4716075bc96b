package messaging

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the messaging collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	sends           *prometheus.CounterVec
	fetches         *prometheus.CounterVec
	publishFailures prometheus.Counter
}

// NewMetrics constructs and registers the messaging collectors on reg (nil: unregistered).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bazaar",
			Subsystem: "messaging",
			Name:      "sends_total",
			Help:      "Send operations by result.",
		}, []string{"result"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bazaar",
			Subsystem: "messaging",
			Name:      "fetches_total",
			Help:      "Conversation fetch operations by result.",
		}, []string{"result"}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bazaar",
			Subsystem: "messaging",
			Name:      "publish_failures_total",
			Help:      "Persisted messages whose change event could not be published.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.sends, m.fetches, m.publishFailures)
	}
	return m
}

func (m *Metrics) observeSend(result string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(result).Inc()
}

func (m *Metrics) observeFetch(result string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(result).Inc()
}

func (m *Metrics) publishFailed() {
	if m == nil {
		return
	}
	m.publishFailures.Inc()
}
