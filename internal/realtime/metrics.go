package realtime

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the dispatcher counters exported on /metrics
type Metrics struct {
	Sessions  prometheus.Gauge
	Pushed    *prometheus.CounterVec
	Dropped   *prometheus.CounterVec
	Overflows prometheus.Counter
	Relayed   prometheus.Counter
	// RelayDropped counts pushes not published because the relay queue was full
	RelayDropped prometheus.Counter
}

// NewMetrics registers the dispatcher metrics on reg. A nil reg leaves them
// unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "sessions_connected",
			Help:      "Number of connected push-stream sessions.",
		}),
		Pushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "updates_pushed_total",
			Help:      "Updates enqueued for delivery, by kind.",
		}, []string{"kind"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "updates_dropped_total",
			Help:      "Non-critical updates shed from full session outboxes, by kind.",
		}, []string{"kind"}),
		Overflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "session_overflows_total",
			Help:      "Sessions closed because their outbox was full of critical updates.",
		}),
		Relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "broker_relayed_total",
			Help:      "Pushes received from other instances through the broker.",
		}),
		RelayDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "broker_relay_dropped_total",
			Help:      "Pushes not published to other instances because the relay queue was full.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Sessions, m.Pushed, m.Dropped, m.Overflows, m.Relayed, m.RelayDropped)
	}
	return m
}
