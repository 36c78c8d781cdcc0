package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	APICalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "remora_api_calls_total",
		Help: "The total number of remoted API calls by api id and return code",
	}, []string{"api", "retcode"})

	APICallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "remora_api_call_duration_us",
		Help:    "End-to-end latency of remoted API calls in microseconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 20), // 1us to ~0.5s
	})

	RegisteredClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "remora_registered_clients",
		Help: "Number of clients currently registered in the workspace",
	})

	ParserQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "remora_parser_queue_depth",
		Help: "Depth of the rpc to parser work queue",
	})

	// Checkpoint metrics
	CheckpointTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "remora_checkpoint_ticks_total",
		Help: "Total number of checkpoint ticks processed by workers",
	})

	CheckpointBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "remora_checkpoint_bytes_total",
		Help: "Total bytes captured into checkpoint bags",
	})

	CheckpointHandles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "remora_checkpoint_handles_total",
		Help: "Total handles checkpointed",
	})

	// Migration metrics
	MigrationPhases = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "remora_migration_phases_total",
		Help: "Total number of executed migration phases by phase name",
	}, []string{"phase"})

	MigrationBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "remora_migration_bytes_total",
		Help: "Total bytes shipped to migration targets",
	})

	RestoredHandles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "remora_restored_handles_total",
		Help: "Total handles restored after breakage or reload",
	})
)
