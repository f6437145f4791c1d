package router

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	deliveries  *prometheus.CounterVec
	inbound     *prometheus.CounterVec
	activeSends prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &metrics{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_router_deliveries_total",
			Help: "Terminal send outcomes by path and outcome.",
		}, []string{"path", "outcome"}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_router_inbound_total",
			Help: "Inbound envelope dispositions.",
		}, []string{"outcome"}),
		activeSends: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_router_active_sends",
			Help: "Sends currently tracked by the state machine.",
		}),
	}
	reg.MustRegister(m.deliveries, m.inbound, m.activeSends)
	return m
}
