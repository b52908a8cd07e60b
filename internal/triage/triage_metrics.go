package triage

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the triage subsystem.
type Metrics struct {
	ActionsTotal   *prometheus.CounterVec
	ActionDuration *prometheus.HistogramVec
	InFlight       prometheus.Gauge
	ListsTotal     *prometheus.CounterVec
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hazardwatch_triage_actions_total",
			Help: "Triage actions by action and result.",
		}, []string{"action", "result"}),
		ActionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hazardwatch_triage_action_duration_seconds",
			Help:    "Backend round trip of triage actions in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms .. ~5s
		}, []string{"action"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hazardwatch_triage_actions_in_flight",
			Help: "Triage actions awaiting backend acknowledgement.",
		}),
		ListsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hazardwatch_triage_lists_total",
			Help: "Triage candidate listings by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.ActionsTotal,
		m.ActionDuration,
		m.InFlight,
		m.ListsTotal,
	)

	return m
}

func (m *Metrics) action(a Action, result string) {
	if m == nil {
		return
	}
	m.ActionsTotal.WithLabelValues(string(a), result).Inc()
}

func (m *Metrics) observe(a Action, d time.Duration) {
	if m == nil {
		return
	}
	m.ActionDuration.WithLabelValues(string(a)).Observe(d.Seconds())
}

func (m *Metrics) inflight(delta float64) {
	if m == nil {
		return
	}
	m.InFlight.Add(delta)
}

func (m *Metrics) list(result string) {
	if m == nil {
		return
	}
	m.ListsTotal.WithLabelValues(result).Inc()
}
