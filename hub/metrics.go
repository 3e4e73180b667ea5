package hub

import "github.com/prometheus/client_golang/prometheus"

// hubMetrics holds metrics related to routing.
type hubMetrics struct {
	ingress          *prometheus.CounterVec
	replies          *prometheus.CounterVec
	dispatchFailures *prometheus.CounterVec
	undeliverable    prometheus.Counter
	latency          prometheus.Histogram
	queueDepth       *prometheus.GaugeVec
	rosterSize       *prometheus.GaugeVec
}

func newHubMetrics() *hubMetrics {
	const (
		namespace = "queryrelay"
		subsystem = "hub"
	)

	return &hubMetrics{
		ingress: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "ingress_total",
			Help:      "Number of messages placed on a relay queue",
		}, []string{"direction"}),

		replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "replies_total",
			Help:      "Number of replies seen by the registry, by outcome",
		}, []string{"outcome"}),

		dispatchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dispatch_failures_total",
			Help:      "Number of non-fatal errors publishing to an endpoint",
		}, []string{"direction"}),

		undeliverable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "undeliverable_replies_total",
			Help:      "Number of winning replies with no registered publisher to receive them",
		}),

		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reply_latency_seconds",
			Help:      "Histogram of times between request ingress and its winning reply",
			Buckets:   prometheus.ExponentialBuckets(1e-3, 5, 7),
		}),

		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "relay_queue_depth",
			Help:      "Number of messages waiting on a relay queue",
		}, []string{"direction"}),

		rosterSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "workers",
			Help:      "Number of workers ever registered, by role",
		}, []string{"role"}),
	}
}

// PrometheusCollectors returns the collectors to register.
func (m *hubMetrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ingress,
		m.replies,
		m.dispatchFailures,
		m.undeliverable,
		m.latency,
		m.queueDepth,
		m.rosterSize,
	}
}
