package notification

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the notification feed.
type Metrics struct {
	AddedTotal   *prometheus.CounterVec
	EvictedTotal prometheus.Counter
	Unread       prometheus.Gauge
	Stored       prometheus.Gauge
}

// NewMetrics registers and returns feed metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AddedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hazardwatch_notifications_added_total",
			Help: "Notifications added to the feed by type.",
		}, []string{"type"}),
		EvictedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hazardwatch_notifications_evicted_total",
			Help: "Notifications evicted because the feed was at capacity.",
		}),
		Unread: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hazardwatch_notifications_unread",
			Help: "Unread notifications currently in the feed.",
		}),
		Stored: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hazardwatch_notifications_stored",
			Help: "Notifications currently in the feed.",
		}),
	}
	reg.MustRegister(m.AddedTotal, m.EvictedTotal, m.Unread, m.Stored)
	return m
}

func (m *Metrics) added(t Type, evicted int) {
	if m == nil {
		return
	}
	m.AddedTotal.WithLabelValues(string(t)).Inc()
	m.EvictedTotal.Add(float64(evicted))
}

func (m *Metrics) set(unread, total int) {
	if m == nil {
		return
	}
	m.Unread.Set(float64(unread))
	m.Stored.Set(float64(total))
}
