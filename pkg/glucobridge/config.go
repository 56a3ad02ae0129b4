package glucobridge

import (
	"github.com/jerryw02/glucobridge/internal/adapters/opcua"
	"github.com/jerryw02/glucobridge/internal/adapters/websocket"
	"github.com/jerryw02/glucobridge/internal/app/config"
	"github.com/jerryw02/glucobridge/internal/ports"
)

// Config re-exports the root configuration struct so downstream projects can
// construct or modify it programmatically.
type Config = config.Config

type (
	// TransportConfig selects websocket or opcua.
	TransportConfig = config.TransportConfig
	// WebSocketConfig describes the companion endpoint.
	WebSocketConfig = websocket.Config
	// OPCUAConfig holds connection and node details.
	OPCUAConfig = opcua.Config
	// ChannelPolicy sizes the event channel and sink batches.
	ChannelPolicy = ports.ChannelPolicy
	// AuditConfig configures the diagnostic trail.
	AuditConfig = config.AuditConfig
	// TimescaleConfig configures the optional database sink.
	TimescaleConfig = config.TimescaleConfig
	// MetricsConfig configures the metrics HTTP server.
	MetricsConfig = config.MetricsConfig
	// LogConfig sets the log level.
	LogConfig = config.LogConfig
)

const (
	TransportWebSocket = config.TransportWebSocket
	TransportOPCUA     = config.TransportOPCUA
)

// LoadConfig loads YAML from disk using the internal config reader.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// ParseConfig decodes and validates YAML held in memory.
func ParseConfig(raw []byte) (*Config, error) {
	return config.Parse(raw)
}

// DefaultConfig returns the configuration used for an empty file.
func DefaultConfig() *Config {
	return config.Default()
}
