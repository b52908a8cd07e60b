package realtime

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for channel subscriptions. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	Transitions *prometheus.CounterVec
	Active      prometheus.Gauge
	Events      *prometheus.CounterVec
}

// NewMetrics registers and returns subscription metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hazardwatch_subscription_transitions_total",
			Help: "Channel subscription status transitions by topic and status.",
		}, []string{"topic", "status"}),
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hazardwatch_subscriptions_live",
			Help: "Channel subscriptions currently connecting or subscribed.",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hazardwatch_change_events_total",
			Help: "Change events received by topic and outcome.",
		}, []string{"topic", "outcome"}),
	}
	reg.MustRegister(m.Transitions, m.Active, m.Events)
	return m
}

func (m *Metrics) transition(topic string, st Status) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(topic, string(st)).Inc()
}

func (m *Metrics) setActive(n int) {
	if m == nil {
		return
	}
	m.Active.Set(float64(n))
}

func (m *Metrics) event(topic, outcome string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(topic, outcome).Inc()
}
