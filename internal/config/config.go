// Package config loads the daemon configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Listen  string `env:"SYNCREC_LISTEN" envDefault:":9000"`
	Control string `env:"SYNCREC_CONTROL" envDefault:":9100"`

	MaxDevices int `env:"SYNCREC_MAX_DEVICES" envDefault:"8"`

	HeartbeatInterval time.Duration `env:"SYNCREC_HEARTBEAT_INTERVAL" envDefault:"1s"`
	HeartbeatTimeout  time.Duration `env:"SYNCREC_HEARTBEAT_TIMEOUT" envDefault:"5s"`
	DegradedGrace     time.Duration `env:"SYNCREC_DEGRADED_GRACE" envDefault:"15s"`
	SweepInterval     time.Duration `env:"SYNCREC_SWEEP_INTERVAL" envDefault:"1s"`

	ProbeCount    int           `env:"SYNCREC_PROBE_COUNT" envDefault:"12"`
	ProbeTimeout  time.Duration `env:"SYNCREC_PROBE_TIMEOUT" envDefault:"2s"`
	ProbeInterval time.Duration `env:"SYNCREC_PROBE_INTERVAL" envDefault:"45s"`

	Countdown      time.Duration `env:"SYNCREC_COUNTDOWN" envDefault:"10s"`
	StopTimeout    time.Duration `env:"SYNCREC_STOP_TIMEOUT" envDefault:"5s"`
	MaxUncertainty time.Duration `env:"SYNCREC_MAX_UNCERTAINTY" envDefault:"50ms"`

	LogLevel string `env:"SYNCREC_LOG_LEVEL" envDefault:"info"`
}

func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	if c.MaxDevices < 1 {
		return fmt.Errorf("max devices must be at least 1, got %d", c.MaxDevices)
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("heartbeat timeout %s must exceed interval %s", c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.DegradedGrace <= 0 {
		return fmt.Errorf("degraded grace must be positive, got %s", c.DegradedGrace)
	}
	return nil
}
