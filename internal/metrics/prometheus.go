// Package metrics holds the Prometheus collectors shared by every binary.
// Each process only exports the series it touches.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SamplesPublished counts samples the sampler put on the topic.
	SamplesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sampler_samples_published_total",
			Help: "Total number of samples published to the event channel",
		},
		[]string{"status"},
	)

	// ProviderRequests counts calls to the external traffic and air-quality APIs.
	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sampler_provider_requests_total",
			Help: "Total number of external provider requests",
		},
		[]string{"provider", "status"},
	)

	// MessagesConsumed counts messages read by a consumer group, by outcome.
	MessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consumer_messages_total",
			Help: "Total number of consumed messages by outcome",
		},
		[]string{"consumer", "result"},
	)

	ProcessLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "speed_layer_process_seconds",
			Help:    "Speed layer per-sample processing latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// RecordsDeactivated counts realtime rows aged out by housekeeping.
	RecordsDeactivated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "speed_layer_records_deactivated_total",
			Help: "Total number of realtime rows flagged inactive",
		},
	)

	ArchivedRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archiver_records_total",
			Help: "Total number of records written to the historical table",
		},
		[]string{"status"},
	)

	// BatchJobDuration tracks how long each scheduled job takes.
	BatchJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "batch_job_duration_seconds",
			Help:    "Batch job duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)

	BatchJobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_job_runs_total",
			Help: "Total number of batch job runs by result",
		},
		[]string{"job", "result"},
	)

	// RequestsTotal counts serving API requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// ViewOrigin counts which path of the merge produced a combined view.
	ViewOrigin = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "serving_view_origin_total",
			Help: "Total number of combined views by origin",
		},
		[]string{"origin"},
	)

	WebsocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "serving_websocket_clients",
			Help: "Number of connected websocket clients",
		},
	)

	// RedisOperations counts Redis calls made for dedupe and view caching.
	RedisOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_operations_total",
			Help: "Total number of Redis operations",
		},
		[]string{"operation", "status"},
	)
)
