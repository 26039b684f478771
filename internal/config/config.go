// ABOUTME: Configuration loading and parsing for the symposium server
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete symposium server configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Sessions SessionsConfig `yaml:"sessions"`
	Agents   AgentsConfig   `yaml:"agents"`
	Tools    ToolsConfig    `yaml:"tools"`
	Events   EventsConfig   `yaml:"events"`
	Input    InputConfig    `yaml:"input"`
	Roles    RolesConfig    `yaml:"roles"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SessionsConfig holds session lifecycle timing configuration
type SessionsConfig struct {
	TTL           time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	TTLRaw           string `yaml:"ttl"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// AgentsConfig holds agent turn-loop configuration
type AgentsConfig struct {
	TurnTimeout time.Duration `yaml:"-"`
	MaxRetries  int           `yaml:"max_retries"`

	TurnTimeoutRaw string `yaml:"turn_timeout"`
}

// ToolsConfig holds remote tool server configuration
type ToolsConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	Token       string        `yaml:"token"`
	CallTimeout time.Duration `yaml:"-"`

	CallTimeoutRaw string `yaml:"call_timeout"`
}

// EventsConfig holds event bus configuration
type EventsConfig struct {
	Buffer    int           `yaml:"buffer"`
	Heartbeat time.Duration `yaml:"-"`

	HeartbeatRaw string `yaml:"heartbeat"`
}

// InputConfig holds human-input gate configuration.
// A zero AnswerTimeout means blocking questions wait until session expiry.
type InputConfig struct {
	AnswerTimeout time.Duration `yaml:"-"`

	AnswerTimeoutRaw string `yaml:"answer_timeout"`
}

// RolesConfig points at the TOML manifest mapping agent roles to tools
type RolesConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults applied when the corresponding keys are absent.
const (
	DefaultSessionTTL    = 24 * time.Hour
	DefaultSweepInterval = time.Minute
	DefaultTurnTimeout   = 5 * time.Minute
	DefaultCallTimeout   = 30 * time.Second
	DefaultEventBuffer   = 256
	DefaultHeartbeat     = 15 * time.Second
	DefaultMaxRetries    = 1
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values and defaults applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.parseDurations(); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Events.Buffer < 0 {
		return fmt.Errorf("events.buffer must not be negative")
	}
	if c.Agents.MaxRetries < 0 {
		return fmt.Errorf("agents.max_retries must not be negative")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func (c *Config) parseDurations() error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{c.Sessions.TTLRaw, &c.Sessions.TTL, "sessions.ttl"},
		{c.Sessions.SweepIntervalRaw, &c.Sessions.SweepInterval, "sessions.sweep_interval"},
		{c.Agents.TurnTimeoutRaw, &c.Agents.TurnTimeout, "agents.turn_timeout"},
		{c.Tools.CallTimeoutRaw, &c.Tools.CallTimeout, "tools.call_timeout"},
		{c.Events.HeartbeatRaw, &c.Events.Heartbeat, "events.heartbeat"},
		{c.Input.AnswerTimeoutRaw, &c.Input.AnswerTimeout, "input.answer_timeout"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// applyDefaults fills in zero-valued timing and sizing fields.
// input.answer_timeout deliberately has no default: zero means unbounded.
func (c *Config) applyDefaults() {
	if c.Sessions.TTL == 0 {
		c.Sessions.TTL = DefaultSessionTTL
	}
	if c.Sessions.SweepInterval == 0 {
		c.Sessions.SweepInterval = DefaultSweepInterval
	}
	if c.Agents.TurnTimeout == 0 {
		c.Agents.TurnTimeout = DefaultTurnTimeout
	}
	if c.Agents.MaxRetries == 0 {
		c.Agents.MaxRetries = DefaultMaxRetries
	}
	if c.Tools.CallTimeout == 0 {
		c.Tools.CallTimeout = DefaultCallTimeout
	}
	if c.Events.Buffer == 0 {
		c.Events.Buffer = DefaultEventBuffer
	}
	if c.Events.Heartbeat == 0 {
		c.Events.Heartbeat = DefaultHeartbeat
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}
