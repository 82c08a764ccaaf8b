package ratelimit

import "github.com/prometheus/client_golang/prometheus"

var (
	grantedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "zapbridge_ratelimit_granted_total",
			Help: "Total request slots granted by the shared rate limiter",
		},
	)
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "zapbridge_ratelimit_queue_depth",
			Help: "Callers currently waiting for a rate-limit slot",
		},
	)
)

// MetricsCollectors exposes the shared limiter collectors.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		grantedTotal,
		queueDepth,
	}
}
