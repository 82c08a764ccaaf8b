package zaptec

import "github.com/prometheus/client_golang/prometheus"

var (
	pollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zapbridge_polls_total",
			Help: "Completed poll cycles by class and result",
		},
		[]string{"class", "result"},
	)
	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zapbridge_commands_total",
			Help: "Commands issued by name and result",
		},
		[]string{"command", "result"},
	)
	lastPollSuccess = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "zapbridge_last_poll_success_timestamp_seconds",
			Help: "Unix time of the last successful poll per device and class",
		},
		[]string{"device", "class"},
	)
	deviceAvailable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "zapbridge_device_available",
			Help: "Device availability as seen by the failure tracker (1=available)",
		},
		[]string{"device"},
	)
)

// MetricsCollectors exposes the bridge collectors for registration.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		pollsTotal,
		commandsTotal,
		lastPollSuccess,
		deviceAvailable,
	}
}
