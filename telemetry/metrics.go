package telemetry

// Histogram bucket definitions
var (
	// EventBuckets for per-event enrich + publish + checkpoint latency
	EventBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

	// LookupBuckets for upstream REST lookups
	LookupBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
)

// Stream consumer metrics
var (
	// EventsReceivedTotal counts raw events delivered by the transport per topic
	EventsReceivedTotal CounterVec = noopCounterVec{}

	// EventsProcessedTotal counts events by topic and result (published, dropped)
	EventsProcessedTotal CounterVec = noopCounterVec{}

	// EventProcessSeconds measures enrich + publish + checkpoint per event
	EventProcessSeconds HistogramVec = noopHistogramVec{}

	// SubscriptionQueueDepth is the number of received events waiting for the
	// topic's consumer
	SubscriptionQueueDepth GaugeVec = noopGaugeVec{}

	// CheckpointPosition tracks the last persisted replay position per topic
	CheckpointPosition GaugeVec = noopGaugeVec{}

	// CheckpointWriteFailuresTotal counts checkpoint writes that failed after publish
	CheckpointWriteFailuresTotal CounterVec = noopCounterVec{}

	// TransportUp is 1 while the streaming transport is connected
	TransportUp Gauge = NoopStat{}

	// TransportTransitionsTotal counts transport transitions by state (up, down)
	TransportTransitionsTotal CounterVec = noopCounterVec{}

	// StreamRequestsTotal counts streaming protocol requests by channel and result
	StreamRequestsTotal CounterVec = noopCounterVec{}
)

// Enrichment metrics
var (
	// EnrichLookupsTotal counts name resolutions by result
	// (local_hit, store_hit, fetched, absent, error)
	EnrichLookupsTotal CounterVec = noopCounterVec{}

	// LookupDurationSeconds measures upstream name lookups
	LookupDurationSeconds HistogramVec = noopHistogramVec{}
)

// Bus and status metrics
var (
	// BusPublishTotal counts bus publications by kind and result
	BusPublishTotal CounterVec = noopCounterVec{}

	// RecentBufferLength tracks the backfill buffer length
	RecentBufferLength Gauge = NoopStat{}

	// HubMessagesDropped counts messages a slow subscriber could not take; the
	// subscriber is closed right after
	HubMessagesDropped CounterVec = noopCounterVec{}

	// StatusReportsTotal counts status merges by result
	StatusReportsTotal CounterVec = noopCounterVec{}

	// HeartbeatsTotal counts heartbeat publications by result
	HeartbeatsTotal CounterVec = noopCounterVec{}
)

// Relay metrics
var (
	// RelayConnections tracks connected SSE clients
	RelayConnections Gauge = NoopStat{}

	// RelayFramesTotal counts frames written to clients by kind
	RelayFramesTotal CounterVec = noopCounterVec{}

	// MirrorPublishTotal counts mirror deliveries by mirror and result
	MirrorPublishTotal CounterVec = noopCounterVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	EventsReceivedTotal = NewCounterVec(
		"events_received_total",
		"Raw change events received per topic",
		[]string{"topic"},
	)
	EventsProcessedTotal = NewCounterVec(
		"events_processed_total",
		"Change events processed per topic by result",
		[]string{"topic", "result"},
	)
	EventProcessSeconds = NewHistogramVec(
		"event_process_seconds",
		"Time to enrich, publish and checkpoint one event",
		[]string{"topic"},
		EventBuckets,
	)
	SubscriptionQueueDepth = NewGaugeVec(
		"subscription_queue_depth",
		"Received events waiting for the topic consumer",
		[]string{"topic"},
	)
	CheckpointPosition = NewGaugeVec(
		"checkpoint_position",
		"Last persisted replay position per topic",
		[]string{"topic"},
	)
	CheckpointWriteFailuresTotal = NewCounterVec(
		"checkpoint_write_failures_total",
		"Checkpoint writes that failed after a successful publish",
		[]string{"topic"},
	)
	TransportUp = NewGauge(
		"transport_up",
		"Whether the streaming transport is connected (1=yes, 0=no)",
	)
	TransportTransitionsTotal = NewCounterVec(
		"transport_transitions_total",
		"Streaming transport transitions by state",
		[]string{"state"},
	)
	StreamRequestsTotal = NewCounterVec(
		"stream_requests_total",
		"Streaming protocol requests by channel and result",
		[]string{"channel", "result"},
	)

	EnrichLookupsTotal = NewCounterVec(
		"enrich_lookups_total",
		"Name resolutions by result",
		[]string{"result"},
	)
	LookupDurationSeconds = NewHistogramVec(
		"lookup_duration_seconds",
		"Upstream name lookup duration in seconds",
		[]string{"entity"},
		LookupBuckets,
	)

	BusPublishTotal = NewCounterVec(
		"bus_publish_total",
		"Bus publications by kind and result",
		[]string{"kind", "result"},
	)
	RecentBufferLength = NewGauge(
		"recent_buffer_length",
		"Number of events held for backfill",
	)
	HubMessagesDropped = NewCounterVec(
		"hub_messages_dropped_total",
		"Messages a slow subscriber could not take before being closed",
		[]string{"channel"},
	)
	StatusReportsTotal = NewCounterVec(
		"status_reports_total",
		"Status merges by result",
		[]string{"result"},
	)
	HeartbeatsTotal = NewCounterVec(
		"heartbeats_total",
		"Heartbeat publications by result",
		[]string{"result"},
	)

	RelayConnections = NewGauge(
		"relay_connections",
		"Connected relay clients",
	)
	RelayFramesTotal = NewCounterVec(
		"relay_frames_total",
		"Frames written to relay clients by kind",
		[]string{"kind"},
	)
	MirrorPublishTotal = NewCounterVec(
		"mirror_publish_total",
		"Mirror deliveries by mirror and result",
		[]string{"mirror", "result"},
	)
}
