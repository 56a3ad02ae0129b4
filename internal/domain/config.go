package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidConfig is returned when a BridgeConfig cannot be used to bind.
var ErrInvalidConfig = errors.New("invalid bridge config")

const (
	DefaultTargetPackage   = "com.eveningoutpost.dexdrip"
	DefaultTargetComponent = "com.eveningoutpost.dexdrip.BgDataService"
	DefaultRetryDelay      = 5 * time.Second
	DefaultBindTimeout     = 30 * time.Second
)

// TargetIdentity names the external service the bridge binds to.
type TargetIdentity struct {
	Package   string `yaml:"package"`
	Component string `yaml:"component"`
}

func (t TargetIdentity) String() string { return t.Package + "/" + t.Component }

func (t TargetIdentity) Validate() error {
	if t.Package == "" {
		return fmt.Errorf("%w: target package is required", ErrInvalidConfig)
	}
	if t.Component == "" {
		return fmt.Errorf("%w: target component is required", ErrInvalidConfig)
	}
	if strings.ContainsAny(t.Package+t.Component, " \t\r\n") {
		return fmt.Errorf("%w: target %q contains whitespace", ErrInvalidConfig, t.String())
	}
	return nil
}

// BridgeConfig is handed to the supervisor on Start and is not modified afterwards.
type BridgeConfig struct {
	Target      TargetIdentity `yaml:"target"`
	RetryDelay  time.Duration  `yaml:"retry_delay"`
	BindTimeout time.Duration  `yaml:"bind_timeout"`
	// MaxConsecutiveFailures only escalates logging; retries never stop.
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`
}

func (c *BridgeConfig) ApplyDefaults() {
	if c.Target.Package == "" && c.Target.Component == "" {
		c.Target = TargetIdentity{Package: DefaultTargetPackage, Component: DefaultTargetComponent}
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.BindTimeout == 0 {
		c.BindTimeout = DefaultBindTimeout
	}
}

func (c BridgeConfig) Validate() error {
	if err := c.Target.Validate(); err != nil {
		return err
	}
	if c.RetryDelay <= 0 {
		return fmt.Errorf("%w: retry_delay must be > 0", ErrInvalidConfig)
	}
	if c.BindTimeout < 0 {
		return fmt.Errorf("%w: bind_timeout must be >= 0", ErrInvalidConfig)
	}
	if c.MaxConsecutiveFailures < 0 {
		return fmt.Errorf("%w: max_consecutive_failures must be >= 0", ErrInvalidConfig)
	}
	return nil
}
