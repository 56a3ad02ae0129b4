package glucobridge

import (
	"github.com/jerryw02/glucobridge/internal/app/supervisor"
	"github.com/jerryw02/glucobridge/internal/domain"
	"github.com/jerryw02/glucobridge/internal/ports"
)

// Reading is one glucose data point delivered by the bridge.
type Reading = domain.Reading

// Trend is the categorical slope reported alongside a reading.
type Trend = domain.Trend

// Event is what consumers receive from Subscribe: a reading or a lifecycle change.
type Event = domain.Event

// EventKind separates readings from lifecycle notifications.
type EventKind = domain.EventKind

const (
	EventReading      = domain.EventReading
	EventConnected    = domain.EventConnected
	EventDisconnected = domain.EventDisconnected
	EventError        = domain.EventError
	EventMalformed    = domain.EventMalformed
)

// ConnectionState is the supervisor state exposed through State and Stats.
type ConnectionState = domain.ConnectionState

// StateKind enumerates connection states.
type StateKind = domain.StateKind

// BridgeConfig is passed to Bridge.Start.
type BridgeConfig = domain.BridgeConfig

// TargetIdentity names the external service.
type TargetIdentity = domain.TargetIdentity

// Stats is a point-in-time view of the bridge counters.
type Stats = supervisor.Stats

// BindingTransport reaches the external process (websocket, OPC UA, or custom).
type BindingTransport = ports.BindingTransport

// TransportListener receives connect and disconnect notifications from a transport.
type TransportListener = ports.TransportListener

// RemoteEndpoint registers and unregisters callbacks once bound.
type RemoteEndpoint = ports.RemoteEndpoint

// ReadingCallback is handed to the remote endpoint.
type ReadingCallback = ports.ReadingCallback

// RawPayload is the unvalidated shape of a pushed reading.
type RawPayload = ports.RawPayload

// AuditSink receives a copy of each reading and transition.
type AuditSink = ports.AuditSink

// AuditTransition is one state change handed to an AuditSink.
type AuditTransition = ports.Transition

// ReadingSink consumes batches of readings drained from the event channel.
type ReadingSink = ports.ReadingSink

// Observability emits metrics and structured logs.
type Observability = ports.Observability

// Field is a structured log field used by Observability implementations.
type Field = ports.Field

var (
	ErrInvalidConfig     = domain.ErrInvalidConfig
	ErrNotConnected      = ports.ErrNotConnected
	ErrAlreadyRegistered = ports.ErrAlreadyRegistered
	ErrQueueClosed       = ports.ErrQueueClosed
)

const (
	StateIdle               = domain.StateIdle
	StateBinding            = domain.StateBinding
	StateBound              = domain.StateBound
	StateCallbackRegistered = domain.StateCallbackRegistered
	StateDisconnected       = domain.StateDisconnected
	StateRetryScheduled     = domain.StateRetryScheduled
)

// Reasons carried by Disconnected and Error events.
const (
	ReasonRegistrationFailed = domain.ReasonRegistrationFailed
	ReasonBindFailed         = domain.ReasonBindFailed
	ReasonBindTimeout        = domain.ReasonBindTimeout
	ReasonRemoteDisconnected = domain.ReasonRemoteDied
	ReasonStopped            = domain.ReasonStopped
)
