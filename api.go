package glucobridge

import (
	"github.com/prometheus/client_golang/prometheus"

	base "github.com/jerryw02/glucobridge/pkg/glucobridge"
)

// Re-exported errors for convenience.
var (
	ErrInvalidConfig     = base.ErrInvalidConfig
	ErrNotConnected      = base.ErrNotConnected
	ErrAlreadyRegistered = base.ErrAlreadyRegistered
	ErrQueueClosed       = base.ErrQueueClosed
	ErrChannelSinkClosed = base.ErrChannelSinkClosed
)

// Type aliases so consumers can import github.com/jerryw02/glucobridge directly.
type (
	Config            = base.Config
	TransportConfig   = base.TransportConfig
	WebSocketConfig   = base.WebSocketConfig
	OPCUAConfig       = base.OPCUAConfig
	ChannelPolicy     = base.ChannelPolicy
	AuditConfig       = base.AuditConfig
	TimescaleConfig   = base.TimescaleConfig
	MetricsConfig     = base.MetricsConfig
	LogConfig         = base.LogConfig
	BridgeConfig      = base.BridgeConfig
	TargetIdentity    = base.TargetIdentity
	Bridge            = base.Bridge
	BridgeOption      = base.BridgeOption
	Loopback          = base.Loopback
	Flow              = base.Flow
	FlowOption        = base.FlowOption
	StreamInOption    = base.StreamInOption
	StreamOutOption   = base.StreamOutOption
	Runtime           = base.Runtime
	RuntimeOption     = base.RuntimeOption
	Reading           = base.Reading
	Trend             = base.Trend
	Event             = base.Event
	EventKind         = base.EventKind
	ConnectionState   = base.ConnectionState
	StateKind         = base.StateKind
	Stats             = base.Stats
	ReadingBatchSink  = base.ReadingBatchSink
	BindingTransport  = base.BindingTransport
	TransportListener = base.TransportListener
	RemoteEndpoint    = base.RemoteEndpoint
	ReadingCallback   = base.ReadingCallback
	RawPayload        = base.RawPayload
	AuditSink         = base.AuditSink
	AuditTransition   = base.AuditTransition
	ReadingSink       = base.ReadingSink
	Observability     = base.Observability
	Field             = base.Field
)

const (
	EventReading      = base.EventReading
	EventConnected    = base.EventConnected
	EventDisconnected = base.EventDisconnected
	EventError        = base.EventError
	EventMalformed    = base.EventMalformed

	StateIdle               = base.StateIdle
	StateBinding            = base.StateBinding
	StateBound              = base.StateBound
	StateCallbackRegistered = base.StateCallbackRegistered
	StateDisconnected       = base.StateDisconnected
	StateRetryScheduled     = base.StateRetryScheduled

	TransportWebSocket = base.TransportWebSocket
	TransportOPCUA     = base.TransportOPCUA
)

// Config helpers.
func LoadConfig(path string) (*Config, error) {
	return base.LoadConfig(path)
}

func ParseConfig(raw []byte) (*Config, error) {
	return base.ParseConfig(raw)
}

func DefaultConfig() *Config {
	return base.DefaultConfig()
}

// Bridge and options.
func NewBridge(transport BindingTransport, opts ...BridgeOption) (*Bridge, error) {
	return base.NewBridge(transport, opts...)
}

func WithEventCapacity(n int) BridgeOption {
	return base.WithEventCapacity(n)
}

func WithBridgeObservability(obs Observability) BridgeOption {
	return base.WithBridgeObservability(obs)
}

func WithAuditSink(a AuditSink) BridgeOption {
	return base.WithAuditSink(a)
}

func WithAuditFile(dir, file string, buffer int) BridgeOption {
	return base.WithAuditFile(dir, file, buffer)
}

func NewLoopback() *Loopback {
	return base.NewLoopback()
}

// Flow builder helpers.
func Conf(path string, opts ...FlowOption) (*Flow, error) {
	return base.Conf(path, opts...)
}

func ConfFromConfig(cfg *Config, opts ...FlowOption) (*Flow, error) {
	return base.ConfFromConfig(cfg, opts...)
}

func WithFlowOptions(opts ...RuntimeOption) FlowOption {
	return base.WithFlowOptions(opts...)
}

func StreamInTransport(t BindingTransport) StreamInOption {
	return base.StreamInTransport(t)
}

func StreamInObservability(obs Observability) StreamInOption {
	return base.StreamInObservability(obs)
}

func StreamInAudit(a AuditSink) StreamInOption {
	return base.StreamInAudit(a)
}

func StreamOutSink(s ReadingSink) StreamOutOption {
	return base.StreamOutSink(s)
}

func StreamOutCallback(name string, fn ReadingBatchSink) StreamOutOption {
	return base.StreamOutCallback(name, fn)
}

func StreamOutEvents(fn func(Event)) StreamOutOption {
	return base.StreamOutEvents(fn)
}

func StreamOutObservability(obs Observability) StreamOutOption {
	return base.StreamOutObservability(obs)
}

// Runtime and options.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	return base.NewRuntime(cfg, opts...)
}

func WithTransport(t BindingTransport) RuntimeOption {
	return base.WithTransport(t)
}

func WithSink(s ReadingSink) RuntimeOption {
	return base.WithSink(s)
}

func WithObservability(obs Observability) RuntimeOption {
	return base.WithObservability(obs)
}

func WithAudit(a AuditSink) RuntimeOption {
	return base.WithAudit(a)
}

func WithRegistry(reg *prometheus.Registry) RuntimeOption {
	return base.WithRegistry(reg)
}

func WithEventHandler(fn func(Event)) RuntimeOption {
	return base.WithEventHandler(fn)
}

// Sink adapters.
func NewCallbackSink(name string, fn ReadingBatchSink) ReadingSink {
	return base.NewCallbackSink(name, fn)
}

func NewChannelSink(name string, buffer int) (ReadingSink, <-chan []Reading, func()) {
	return base.NewChannelSink(name, buffer)
}
