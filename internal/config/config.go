// Package config loads broker configuration from the environment, an
// optional .env file, and an optional fleet YAML file.
// Priority: ENV vars > .env file > defaults.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all broker configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Control socket
	SocketPath string `env:"AGENTMUX_SOCKET" envDefault:"/tmp/agentmux.sock"`
	Workspace  string `env:"AGENTMUX_WORKSPACE" envDefault:"."`
	CLIPath    string `env:"AGENTMUX_CLI_PATH"`

	// Protocol limits
	MaxFrameBytes int `env:"AGENTMUX_MAX_FRAME" envDefault:"1048576"`
	MaxAgents     int `env:"AGENTMUX_MAX_AGENTS" envDefault:"64"`

	// Delivery engine
	QueueDepth   int           `env:"AGENTMUX_QUEUE_DEPTH" envDefault:"1000"`
	MaxAttempts  int           `env:"AGENTMUX_MAX_ATTEMPTS" envDefault:"3"`
	VerifyWindow time.Duration `env:"AGENTMUX_VERIFY_WINDOW" envDefault:"5s"`
	AckTimeout   time.Duration `env:"AGENTMUX_ACK_TIMEOUT" envDefault:"30s"`
	DeliveryTTL  time.Duration `env:"AGENTMUX_DELIVERY_TTL" envDefault:"0"` // 0 disables

	// Request handling
	RequestTimeout time.Duration `env:"AGENTMUX_REQUEST_TIMEOUT" envDefault:"10s"`
	ShutdownGrace  time.Duration `env:"AGENTMUX_SHUTDOWN_GRACE" envDefault:"3s"`

	// Workers
	ReadyTimeout    time.Duration `env:"AGENTMUX_READY_TIMEOUT" envDefault:"25s"`
	IdleThreshold   time.Duration `env:"AGENTMUX_IDLE_THRESHOLD" envDefault:"300s"`
	ScrollbackBytes int           `env:"AGENTMUX_SCROLLBACK_BYTES" envDefault:"65536"`
	InjectInterval  time.Duration `env:"AGENTMUX_INJECT_INTERVAL" envDefault:"50ms"`
	HumanCooldown   time.Duration `env:"AGENTMUX_HUMAN_COOLDOWN" envDefault:"3s"`

	// Event bus
	EventBuffer    int `env:"AGENTMUX_EVENT_BUFFER" envDefault:"256"`
	ReplayCapacity int `env:"AGENTMUX_REPLAY_CAPACITY" envDefault:"512"`

	// Observability listener; empty disables it
	HTTPAddr string `env:"AGENTMUX_HTTP_ADDR"`

	// Fleet file spawned at startup; empty disables it
	FleetPath string `env:"AGENTMUX_FLEET"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from the .env file and environment variables.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Debug().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// PIDPath is the PID file written next to the control socket.
func (c *Config) PIDPath() string {
	return c.SocketPath + ".pid"
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.SocketPath == "" {
		return fmt.Errorf("AGENTMUX_SOCKET is required")
	}
	if c.MaxFrameBytes < 1024 {
		return fmt.Errorf("AGENTMUX_MAX_FRAME must be >= 1024, got %d", c.MaxFrameBytes)
	}
	if c.MaxAgents < 1 {
		return fmt.Errorf("AGENTMUX_MAX_AGENTS must be > 0, got %d", c.MaxAgents)
	}
	if c.QueueDepth < 1 {
		return fmt.Errorf("AGENTMUX_QUEUE_DEPTH must be > 0, got %d", c.QueueDepth)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("AGENTMUX_MAX_ATTEMPTS must be > 0, got %d", c.MaxAttempts)
	}
	if c.VerifyWindow <= 0 {
		return fmt.Errorf("AGENTMUX_VERIFY_WINDOW must be positive, got %s", c.VerifyWindow)
	}
	if c.AckTimeout <= 0 {
		return fmt.Errorf("AGENTMUX_ACK_TIMEOUT must be positive, got %s", c.AckTimeout)
	}
	if c.DeliveryTTL < 0 {
		return fmt.Errorf("AGENTMUX_DELIVERY_TTL must be >= 0, got %s", c.DeliveryTTL)
	}
	if c.EventBuffer < 8 {
		return fmt.Errorf("AGENTMUX_EVENT_BUFFER must be >= 8, got %d", c.EventBuffer)
	}
	if c.ReplayCapacity < 0 {
		return fmt.Errorf("AGENTMUX_REPLAY_CAPACITY must be >= 0, got %d", c.ReplayCapacity)
	}
	if c.ScrollbackBytes < 1024 {
		return fmt.Errorf("AGENTMUX_SCROLLBACK_BYTES must be >= 1024, got %d", c.ScrollbackBytes)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// LogConfig logs the effective configuration with structured fields.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("socket", c.SocketPath).
		Str("workspace", c.Workspace).
		Int("max_frame_bytes", c.MaxFrameBytes).
		Int("max_agents", c.MaxAgents).
		Int("queue_depth", c.QueueDepth).
		Int("max_attempts", c.MaxAttempts).
		Dur("verify_window", c.VerifyWindow).
		Dur("ack_timeout", c.AckTimeout).
		Dur("request_timeout", c.RequestTimeout).
		Dur("shutdown_grace", c.ShutdownGrace).
		Dur("ready_timeout", c.ReadyTimeout).
		Dur("idle_threshold", c.IdleThreshold).
		Int("scrollback_bytes", c.ScrollbackBytes).
		Dur("inject_interval", c.InjectInterval).
		Int("event_buffer", c.EventBuffer).
		Int("replay_capacity", c.ReplayCapacity).
		Str("http_addr", c.HTTPAddr).
		Str("fleet", c.FleetPath).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Broker configuration loaded")
}
