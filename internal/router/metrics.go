package router

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/hazardwatch/internal/changefeed"
)

// Metrics holds Prometheus metrics for event routing.
type Metrics struct {
	RoutedTotal   *prometheus.CounterVec
	FailuresTotal *prometheus.CounterVec
	RouteDuration *prometheus.HistogramVec
}

// NewMetrics registers and returns router metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RoutedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hazardwatch_events_routed_total",
			Help: "Change events routed by topic, operation and outcome.",
		}, []string{"topic", "operation", "outcome"}),
		FailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hazardwatch_route_effect_failures_total",
			Help: "Downstream effect failures during routing by effect.",
		}, []string{"effect"}),
		RouteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hazardwatch_route_duration_seconds",
			Help:    "Time spent routing one change event.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8), // 100us .. ~1.6s
		}, []string{"topic"}),
	}
	reg.MustRegister(m.RoutedTotal, m.FailuresTotal, m.RouteDuration)
	return m
}

func (m *Metrics) routed(ev *changefeed.ChangeEvent, outcome string) {
	if m == nil {
		return
	}
	m.RoutedTotal.WithLabelValues(ev.Topic, string(ev.Operation), outcome).Inc()
}

func (m *Metrics) failed(effect string) {
	if m == nil {
		return
	}
	m.FailuresTotal.WithLabelValues(effect).Inc()
}

func (m *Metrics) observe(topic string, d time.Duration) {
	if m == nil {
		return
	}
	m.RouteDuration.WithLabelValues(topic).Observe(d.Seconds())
}
