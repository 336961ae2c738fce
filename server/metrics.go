package server

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	calls      *prometheus.CounterVec // by method and outcome
	broadcasts *prometheus.CounterVec // per delivered subscriber, by event
	computes   *prometheus.CounterVec // by event and outcome
	sessions   prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "remoting",
			Subsystem: "server",
			Name:      "calls_total",
			Help:      "Method calls handled, by method and outcome.",
		}, []string{"method", "outcome"}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "remoting",
			Subsystem: "server",
			Name:      "broadcasts_total",
			Help:      "Broadcast messages delivered to subscribers, by event.",
		}, []string{"event"}),
		computes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "remoting",
			Subsystem: "server",
			Name:      "computes_total",
			Help:      "Compute delegations, by event and outcome.",
		}, []string{"event", "outcome"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "remoting",
			Subsystem: "server",
			Name:      "sessions",
			Help:      "Open client connections.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.calls, m.broadcasts, m.computes, m.sessions} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
