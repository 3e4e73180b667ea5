package worker

import "github.com/prometheus/client_golang/prometheus"

// Metrics is shared by every worker in a process.
type Metrics struct {
	active           *prometheus.GaugeVec
	requests         *prometheus.CounterVec
	replies          *prometheus.CounterVec
	dropped          *prometheus.CounterVec
	filterRejections prometheus.Counter
	exits            *prometheus.CounterVec
}

// NewMetrics returns an unregistered set of worker metrics.
func NewMetrics() *Metrics {
	const (
		namespace = "queryrelay"
		subsystem = "worker"
	)

	return &Metrics{
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active",
			Help:      "Number of workers with a live connection",
		}, []string{"role"}),

		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests_total",
			Help:      "Number of requests read by publishers or written by subscribers",
		}, []string{"role"}),

		replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "replies_total",
			Help:      "Number of replies written by publishers or read by subscribers",
		}, []string{"role"}),

		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dropped_total",
			Help:      "Number of messages published to a worker whose connection has closed",
		}, []string{"role"}),

		filterRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "filter_rejections_total",
			Help:      "Number of requests a subscriber filter did not admit",
		}),

		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "exits_total",
			Help:      "Number of workers that stopped, by error code",
		}, []string{"role", "code"}),
	}
}

// PrometheusCollectors returns the collectors to register.
func (m *Metrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.active,
		m.requests,
		m.replies,
		m.dropped,
		m.filterRejections,
		m.exits,
	}
}
