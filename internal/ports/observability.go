package ports

import "github.com/jerryw02/glucobridge/internal/domain"

type Observability interface {
	LogDebug(msg string, fields ...Field)
	LogInfo(msg string, fields ...Field)
	LogError(msg string, err error, fields ...Field)
	LogCritical(msg string, err error, fields ...Field)

	IncCounter(name string, v float64)
	ObserveLatency(name string, seconds float64)

	SetGauge(name string, v float64)

	RecordMalformed(p *RawPayload, err error)
	RecordState(s domain.ConnectionState)
}

type Field struct {
	Key   string
	Value any
}

// Metric names shared by the adapters and the app layer.
const (
	MetricReadingsReceived  = "glucobridge_readings_received_total"
	MetricReadingsPersisted = "glucobridge_readings_persisted_total"
	MetricMalformed         = "glucobridge_malformed_payloads_total"
	MetricEventsDropped     = "glucobridge_events_dropped_total"
	MetricAuditFailures     = "glucobridge_audit_failures_total"
	MetricBindAttempts      = "glucobridge_bind_attempts_total"
	MetricTransportErrors   = "glucobridge_transport_errors_total"
	MetricFramesRejected    = "glucobridge_frames_rejected_total"
	MetricQueueLength       = "glucobridge_event_queue_length"
	MetricConnectionState   = "glucobridge_connection_state"
	MetricBindLatency       = "glucobridge_bind_latency_seconds"
	MetricSinkLatency       = "glucobridge_sink_latency_seconds"
)
