package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Delivery-level metrics
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dm_ingest_deliveries_total",
			Help: "Total number of webhook deliveries received",
		},
		[]string{"outcome"}, // accepted, invalid_signature, malformed, ignored
	)

	DeliveryBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dm_ingest_delivery_bytes_total",
			Help: "Total bytes of webhook payloads received",
		},
	)

	// Event-level metrics
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dm_ingest_events_total",
			Help: "Total number of message events processed",
		},
		[]string{"outcome"}, // stored, duplicate, quarantined, failed
	)

	PersistDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dm_ingest_persist_duration_seconds",
			Help:    "Duration of message persistence in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Quarantine metrics
	QuarantineWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dm_ingest_quarantine_writes_total",
			Help: "Total number of events written to quarantine",
		},
		[]string{"reason"},
	)

	QuarantineWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dm_ingest_quarantine_write_errors_total",
			Help: "Total number of failed quarantine writes",
		},
	)

	// Dispatcher metrics
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dm_ingest_queue_depth",
			Help: "Current depth of the async processing queue",
		},
	)

	// Enrichment metrics
	EnrichmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dm_ingest_enrichments_total",
			Help: "Total number of profile enrichment attempts",
		},
		[]string{"outcome"}, // attached, cache_hit, skipped, failed
	)

	// Rate limiting metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dm_ingest_rate_limit_hits_total",
			Help: "Total number of profile-lookup rate limit hits",
		},
		[]string{"key"},
	)
)
