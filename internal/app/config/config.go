package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jerryw02/glucobridge/internal/adapters/audit"
	"github.com/jerryw02/glucobridge/internal/adapters/opcua"
	"github.com/jerryw02/glucobridge/internal/adapters/websocket"
	"github.com/jerryw02/glucobridge/internal/domain"
	"github.com/jerryw02/glucobridge/internal/ports"
)

const (
	TransportWebSocket = "websocket"
	TransportOPCUA     = "opcua"
)

type Config struct {
	Bridge    domain.BridgeConfig `yaml:"bridge"`
	Transport TransportConfig     `yaml:"transport"`
	Channel   ports.ChannelPolicy `yaml:"channel"`
	Audit     AuditConfig         `yaml:"audit"`
	Timescale TimescaleConfig     `yaml:"timescale"`
	Metrics   MetricsConfig       `yaml:"metrics"`
	Log       LogConfig           `yaml:"log"`
}

// TransportConfig selects the binding transport. Only the section named by
// Kind is validated.
type TransportConfig struct {
	Kind      string           `yaml:"kind"`
	WebSocket websocket.Config `yaml:"websocket"`
	OPCUA     opcua.Config     `yaml:"opcua"`
}

type AuditConfig struct {
	Disabled bool   `yaml:"disabled"`
	Dir      string `yaml:"dir"`
	File     string `yaml:"file"`
	Buffer   int    `yaml:"buffer"`
}

// TimescaleConfig is optional; without a connection string readings are
// only delivered to in-process sinks.
type TimescaleConfig struct {
	ConnString   string `yaml:"conn_string"`
	Table        string `yaml:"table"`
	CreateSchema bool   `yaml:"create_schema"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse decodes YAML, fills defaults and validates the result.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns a configuration equivalent to an empty file.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	c.Bridge.ApplyDefaults()

	if c.Transport.Kind == "" {
		c.Transport.Kind = TransportWebSocket
	}
	c.Transport.Kind = strings.ToLower(c.Transport.Kind)
	c.Transport.WebSocket.ApplyDefaults()
	c.Transport.OPCUA.ApplyDefaults()

	if c.Channel.Capacity == 0 {
		c.Channel.Capacity = 1024
	}
	if c.Channel.MaxBatchSize == 0 {
		c.Channel.MaxBatchSize = 256
	}
	if c.Channel.IdleSleep == 0 {
		c.Channel.IdleSleep = 50 * time.Millisecond
	}
	if c.Audit.Dir == "" {
		c.Audit.Dir = "./data"
	}
	if c.Audit.File == "" {
		c.Audit.File = audit.DefaultFileName
	}
	if c.Audit.Buffer == 0 {
		c.Audit.Buffer = 256
	}
	if c.Timescale.Table == "" {
		c.Timescale.Table = "glucose_readings"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) validate() error {
	if err := c.Bridge.Validate(); err != nil {
		return fmt.Errorf("bridge config: %w", err)
	}
	switch c.Transport.Kind {
	case TransportWebSocket:
		if err := c.Transport.WebSocket.Validate(); err != nil {
			return fmt.Errorf("websocket config: %w", err)
		}
	case TransportOPCUA:
		if err := c.Transport.OPCUA.Validate(); err != nil {
			return fmt.Errorf("opcua config: %w", err)
		}
	default:
		return fmt.Errorf("transport.kind %q is not one of %s, %s", c.Transport.Kind, TransportWebSocket, TransportOPCUA)
	}
	if c.Channel.Capacity < 1 {
		return fmt.Errorf("channel.capacity must be >= 1")
	}
	if c.Channel.MaxBatchSize < 1 {
		return fmt.Errorf("channel.max_batch_size must be >= 1")
	}
	if !c.Audit.Disabled && c.Audit.Buffer < 1 {
		return fmt.Errorf("audit.buffer must be >= 1")
	}
	if c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	return nil
}
