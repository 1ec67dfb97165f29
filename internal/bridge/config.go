// Package bridge relays broker traffic to and from a NATS cluster so
// off-host tooling can observe agents and inject messages without speaking
// the UNIX-socket protocol.
package bridge

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds bridge configuration. Same layering as the broker:
// ENV vars > .env file > defaults.
type Config struct {
	SocketPath string `env:"AGENTMUX_SOCKET" envDefault:"/tmp/agentmux.sock"`

	NATSURL       string        `env:"AGENTMUX_NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	SubjectPrefix string        `env:"AGENTMUX_NATS_PREFIX" envDefault:"agentmux"`
	MaxReconnects int           `env:"AGENTMUX_NATS_MAX_RECONNECTS" envDefault:"60"`
	ReconnectWait time.Duration `env:"AGENTMUX_NATS_RECONNECT_WAIT" envDefault:"2s"`

	// DefaultFrom labels inbound NATS sends that carry no explicit sender.
	DefaultFrom string `env:"AGENTMUX_BRIDGE_FROM" envDefault:"bridge"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads bridge configuration from the .env file and environment.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse bridge config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("bridge config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.SocketPath == "" {
		return fmt.Errorf("AGENTMUX_SOCKET is required")
	}
	if c.NATSURL == "" {
		return fmt.Errorf("AGENTMUX_NATS_URL is required")
	}
	if c.SubjectPrefix == "" {
		return fmt.Errorf("AGENTMUX_NATS_PREFIX is required")
	}
	return nil
}
