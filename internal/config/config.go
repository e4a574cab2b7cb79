// ABOUTME: Configuration loading and parsing for warren-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete warren-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	NATS     NATSConfig     `yaml:"nats"`
	Database DatabaseConfig `yaml:"database"`
	Commands CommandsConfig `yaml:"commands"`
	Sweeper  SweeperConfig  `yaml:"sweeper"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds HTTP server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// NATSConfig holds messaging bus configuration
type NATSConfig struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"` // connection name shown in NATS monitoring
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// CommandsConfig holds command queue timing configuration
type CommandsConfig struct {
	DefaultTTL time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	DefaultTTLRaw string `yaml:"default_ttl"`
}

// SweeperConfig holds background sweeper timing configuration
type SweeperConfig struct {
	Interval   time.Duration `yaml:"-"`
	RetryAfter time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	IntervalRaw   string `yaml:"interval"`
	RetryAfterRaw string `yaml:"retry_after"`
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

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
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

	if err := parseDurations(&cfg); err != nil {
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

func (c *Config) applyDefaults() {
	if c.NATS.URL == "" {
		c.NATS.URL = "nats://127.0.0.1:4222"
	}
	if c.NATS.Name == "" {
		c.NATS.Name = "warren-gateway"
	}
	if c.Commands.DefaultTTL == 0 {
		c.Commands.DefaultTTL = time.Hour
	}
	if c.Sweeper.Interval == 0 {
		c.Sweeper.Interval = 30 * time.Second
	}
	if c.Sweeper.RetryAfter == 0 {
		c.Sweeper.RetryAfter = time.Minute
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
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

	if c.Commands.DefaultTTL < 0 {
		return fmt.Errorf("commands.default_ttl must be positive")
	}
	if c.Sweeper.Interval < time.Second {
		return fmt.Errorf("sweeper.interval must be at least 1s")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Commands.DefaultTTLRaw != "" {
		cfg.Commands.DefaultTTL, err = time.ParseDuration(cfg.Commands.DefaultTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing default_ttl %q: %w", cfg.Commands.DefaultTTLRaw, err)
		}
	}

	if cfg.Sweeper.IntervalRaw != "" {
		cfg.Sweeper.Interval, err = time.ParseDuration(cfg.Sweeper.IntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing interval %q: %w", cfg.Sweeper.IntervalRaw, err)
		}
	}

	if cfg.Sweeper.RetryAfterRaw != "" {
		cfg.Sweeper.RetryAfter, err = time.ParseDuration(cfg.Sweeper.RetryAfterRaw)
		if err != nil {
			return fmt.Errorf("parsing retry_after %q: %w", cfg.Sweeper.RetryAfterRaw, err)
		}
	}

	return nil
}
