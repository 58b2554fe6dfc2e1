package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// JobsCreatedTotal counts accepted jobs by type
	JobsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetforge_jobs_created_total",
			Help: "Total number of pipeline jobs accepted",
		},
		[]string{"type"},
	)

	// JobsTerminalTotal counts jobs reaching a terminal status
	JobsTerminalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetforge_jobs_terminal_total",
			Help: "Total number of pipeline jobs finished, by terminal status",
		},
		[]string{"status"},
	)

	// JobsProcessing tracks jobs currently in a non-terminal status
	JobsProcessing = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "assetforge_jobs_processing",
			Help: "Number of pipeline jobs currently initializing or processing",
		},
	)

	// UpstreamRequestsTotal counts calls to the generation provider
	UpstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetforge_upstream_requests_total",
			Help: "Total number of upstream task API calls, by operation and outcome",
		},
		[]string{"op", "outcome"},
	)

	// PublishDuration observes how long result publishing takes
	PublishDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "assetforge_publish_duration_seconds",
			Help:    "Time spent downloading and publishing job artifacts",
			Buckets: prometheus.DefBuckets,
		},
	)

	// StreamSubscribers tracks live job event subscribers (SSE and WebSocket)
	StreamSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "assetforge_stream_subscribers",
			Help: "Number of connected job event subscribers",
		},
	)
)

func init() {
	prometheus.MustRegister(
		JobsCreatedTotal,
		JobsTerminalTotal,
		JobsProcessing,
		UpstreamRequestsTotal,
		PublishDuration,
		StreamSubscribers,
	)
}
