package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Hub             HubConfig        `yaml:"hub"`
	Reconnect       ReconnectConfig  `yaml:"reconnect"`
	Optimistic      OptimisticConfig `yaml:"optimistic"`
	Dispatcher      DispatcherConfig `yaml:"dispatcher"`
	Database        DatabaseConfig   `yaml:"database"`
	Ledger          LedgerConfig     `yaml:"ledger"`
	Log             LogConfig        `yaml:"log"`
	API             APIConfig        `yaml:"api"`
	EventBus        EventBusConfig   `yaml:"eventbus"`
	ShutdownTimeout Duration         `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// HubConfig contains hub connection settings
type HubConfig struct {
	URL              string   `yaml:"url"`   // http(s)://host:port
	Token            string   `yaml:"token"` // long-lived access token
	Insecure         bool     `yaml:"insecure"`
	HandshakeTimeout Duration `yaml:"handshake_timeout"`
}

// ReconnectConfig contains event stream reconnect settings
type ReconnectConfig struct {
	BaseDelay   Duration `yaml:"base_delay"`   // First retry delay (default: 1s)
	MaxDelay    Duration `yaml:"max_delay"`    // Delay cap (default: 2m)
	Multiplier  float64  `yaml:"multiplier"`   // Backoff multiplier (default: 2.0)
	MaxAttempts *int     `yaml:"max_attempts"` // Consecutive failures before giving up, 0 = infinite (default: 10)
}

// GetMaxAttempts returns the attempt budget with default
func (c *ReconnectConfig) GetMaxAttempts() int {
	if c.MaxAttempts == nil {
		return 10
	}
	return *c.MaxAttempts
}

// OptimisticConfig contains optimistic display settings
type OptimisticConfig struct {
	Tolerance float64  `yaml:"tolerance"` // On the 0-100 display scale (default: 2)
	Window    Duration `yaml:"window"`    // Hold time after dispatch (default: 2s)
}

// DispatcherConfig contains service call settings
type DispatcherConfig struct {
	Timeout      Duration `yaml:"timeout"`        // HTTP timeout (default: 10s)
	RateLimitRPS float64  `yaml:"rate_limit_rps"` // Requests per second (default: 10)
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LedgerConfig contains event ledger settings
type LedgerConfig struct {
	Enabled           *bool    `yaml:"enabled"`            // default: true
	RetentionPeriod   Duration `yaml:"retention_period"`   // default: 720h
	RetentionInterval Duration `yaml:"retention_interval"` // default: 1h
}

// IsEnabled returns whether the ledger is enabled
func (c *LedgerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// LogConfig contains logging settings
type LogConfig struct {
	Level   string `yaml:"level"`
	Colors  bool   `yaml:"colors"`
	UseJSON bool   `yaml:"json"`
}

// GetLevel returns the log level with default
func (c *LogConfig) GetLevel() string {
	if c.Level == "" {
		return "info"
	}
	return strings.ToLower(c.Level)
}

// APIConfig contains local HTTP API settings
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// Addr returns host:port
func (c *APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// EventBusConfig contains event bus settings
type EventBusConfig struct {
	Workers   int `yaml:"workers"`    // Number of worker goroutines (default: 4)
	QueueSize int `yaml:"queue_size"` // Event queue size (default: 100)
}

// GetWorkers returns worker count with default
func (c *EventBusConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 4
	}
	return c.Workers
}

// GetQueueSize returns queue size with default
func (c *EventBusConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 100
	}
	return c.QueueSize
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// GetShutdownTimeout returns the shutdown timeout
func (c *Config) GetShutdownTimeout() time.Duration {
	return c.ShutdownTimeout.Duration()
}

// Validate checks settings that have no sensible default.
func (c *Config) Validate() error {
	if c.Hub.URL == "" {
		return fmt.Errorf("hub.url is required")
	}
	if c.Hub.Token == "" {
		return fmt.Errorf("hub.token is required")
	}
	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect.max_delay (%s) is below reconnect.base_delay (%s)",
			c.Reconnect.MaxDelay.Duration(), c.Reconnect.BaseDelay.Duration())
	}
	if c.Reconnect.GetMaxAttempts() < 0 {
		return fmt.Errorf("reconnect.max_attempts must not be negative")
	}
	return nil
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse parses configuration from YAML, expanding environment variables
// and filling defaults.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./panelsync.sqlite"
	}

	// Hub defaults
	if cfg.Hub.HandshakeTimeout == 0 {
		cfg.Hub.HandshakeTimeout = Duration(10 * time.Second)
	}

	// Reconnect defaults
	if cfg.Reconnect.BaseDelay == 0 {
		cfg.Reconnect.BaseDelay = Duration(1 * time.Second)
	}
	if cfg.Reconnect.MaxDelay == 0 {
		cfg.Reconnect.MaxDelay = Duration(2 * time.Minute)
	}
	if cfg.Reconnect.Multiplier == 0 {
		cfg.Reconnect.Multiplier = 2.0
	}

	// Optimistic defaults
	if cfg.Optimistic.Tolerance == 0 {
		cfg.Optimistic.Tolerance = 2
	}
	if cfg.Optimistic.Window == 0 {
		cfg.Optimistic.Window = Duration(2 * time.Second)
	}

	// Dispatcher defaults
	if cfg.Dispatcher.Timeout == 0 {
		cfg.Dispatcher.Timeout = Duration(10 * time.Second)
	}
	if cfg.Dispatcher.RateLimitRPS == 0 {
		cfg.Dispatcher.RateLimitRPS = 10.0
	}

	// Ledger defaults
	if cfg.Ledger.RetentionPeriod == 0 {
		cfg.Ledger.RetentionPeriod = Duration(30 * 24 * time.Hour)
	}
	if cfg.Ledger.RetentionInterval == 0 {
		cfg.Ledger.RetentionInterval = Duration(time.Hour)
	}

	// API defaults
	if cfg.API.Port == 0 {
		cfg.API.Port = 9090
	}
	if cfg.API.Host == "" {
		cfg.API.Host = "0.0.0.0"
	}

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}
