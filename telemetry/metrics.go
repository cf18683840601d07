package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// PublishBuckets for downstream publish calls (network round trip)
	PublishBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

	// CheckpointBuckets for checkpoint store writes
	CheckpointBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5}
)

// Ingestion metrics
var (
	// EventsProcessedTotal counts captured change events by operation
	EventsProcessedTotal CounterVec = noopCounterVec{}

	// EventsFilteredTotal counts events skipped by the namespace filter
	EventsFilteredTotal Counter = NoopStat{}

	// BackpressurePausesTotal counts consumer pauses due to queue pressure
	BackpressurePausesTotal Counter = NoopStat{}

	// SourceReconnectsTotal counts change stream reconnect attempts
	SourceReconnectsTotal Counter = NoopStat{}

	// SourceCooldownsTotal counts extended cooldowns after repeated failures
	SourceCooldownsTotal Counter = NoopStat{}

	// OplogLagSeconds estimates lag behind the source cluster time
	OplogLagSeconds Gauge = NoopStat{}
)

// Queue metrics
var (
	// QueueDepth tracks current queue occupancy
	QueueDepth Gauge = NoopStat{}
)

// Publishing metrics
var (
	// EventsPublishedTotal counts successful downstream publishes
	EventsPublishedTotal Counter = NoopStat{}

	// PublishFailuresTotal counts failed publish attempts (pre-retry-exhaustion)
	PublishFailuresTotal Counter = NoopStat{}

	// DeadLettersTotal counts events routed to the dead-letter topic
	DeadLettersTotal Counter = NoopStat{}

	// DataLossTotal counts events lost because the dead-letter publish failed
	DataLossTotal Counter = NoopStat{}

	// PublishDurationSeconds measures successful publish latency
	PublishDurationSeconds Histogram = NoopStat{}

	// BreakerTripped indicates whether the circuit breaker is open (1) or closed (0)
	BreakerTripped Gauge = NoopStat{}

	// SinkUp reports whether a sink connection is open (1) or closed (0), by sink type
	SinkUp GaugeVec = noopGaugeVec{}
)

// Checkpoint metrics
var (
	// CheckpointSavesTotal counts checkpoint writes by result (success, failed)
	CheckpointSavesTotal CounterVec = noopCounterVec{}

	// CheckpointDurationSeconds measures checkpoint write latency
	CheckpointDurationSeconds Histogram = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Call after InitializeTelemetry.
func InitMetrics() {
	EventsProcessedTotal = NewCounterVec(
		"events_processed_total",
		"Captured change events by operation",
		[]string{"operation"},
	)
	EventsFilteredTotal = NewCounter(
		"events_filtered_total",
		"Events skipped by the namespace filter",
	)
	BackpressurePausesTotal = NewCounter(
		"backpressure_pauses_total",
		"Consumer pauses due to queue pressure",
	)
	SourceReconnectsTotal = NewCounter(
		"source_reconnects_total",
		"Change stream reconnect attempts",
	)
	SourceCooldownsTotal = NewCounter(
		"source_cooldowns_total",
		"Extended cooldowns after repeated source failures",
	)
	OplogLagSeconds = NewGauge(
		"oplog_lag_seconds",
		"Estimated lag behind the source cluster time",
	)

	QueueDepth = NewGauge(
		"queue_depth",
		"Current event queue occupancy",
	)

	EventsPublishedTotal = NewCounter(
		"events_published_total",
		"Successful downstream publishes",
	)
	PublishFailuresTotal = NewCounter(
		"publish_failures_total",
		"Failed publish attempts",
	)
	DeadLettersTotal = NewCounter(
		"dead_letters_total",
		"Events routed to the dead-letter topic",
	)
	DataLossTotal = NewCounter(
		"data_loss_total",
		"Events lost because the dead-letter publish failed",
	)
	PublishDurationSeconds = NewHistogramWithBuckets(
		"publish_duration_seconds",
		"Successful publish latency in seconds",
		PublishBuckets,
	)
	BreakerTripped = NewGauge(
		"breaker_tripped",
		"Circuit breaker state (1=open, 0=closed)",
	)
	SinkUp = NewGaugeVec(
		"sink_up",
		"Sink connection state (1=open, 0=closed)",
		[]string{"sink"},
	)

	CheckpointSavesTotal = NewCounterVec(
		"checkpoint_saves_total",
		"Checkpoint writes by result",
		[]string{"result"},
	)
	CheckpointDurationSeconds = NewHistogramWithBuckets(
		"checkpoint_duration_seconds",
		"Checkpoint write latency in seconds",
		CheckpointBuckets,
	)
}
