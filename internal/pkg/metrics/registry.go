package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	registry = prometheus.NewRegistry()

	// ExecutionsTotal counts finished executions partitioned by outcome.
	ExecutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cronfire",
		Name:      "executions_total",
		Help:      "Finished job executions partitioned by outcome status.",
	}, []string{"status"})

	// ExecutionDuration observes wall time of a single fire in seconds.
	ExecutionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cronfire",
		Name:      "execution_duration_seconds",
		Help:      "Wall time of a single job fire.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	// QueueDepth gauges the number of pending tokens in the backing store.
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cronfire",
		Name:      "queue_depth",
		Help:      "Pending tokens in the queue backing store.",
	})

	// WorkersInflight gauges tokens currently being processed.
	WorkersInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cronfire",
		Name:      "workers_inflight",
		Help:      "Tokens currently held by workers.",
	})

	// RateLimitDenials counts gate denials partitioned by target host.
	RateLimitDenials = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cronfire",
		Name:      "rate_limit_denials_total",
		Help:      "Rate limiter denials partitioned by target host.",
	}, []string{"host"})
)

func init() {
	registry.MustRegister(
		ExecutionsTotal,
		ExecutionDuration,
		QueueDepth,
		WorkersInflight,
		RateLimitDenials,
	)
}

func GetRegistry() *prometheus.Registry {
	return registry
}
