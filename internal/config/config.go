// ABOUTME: Configuration loading and parsing for chorus-control
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete chorus-control configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Media    MediaConfig    `yaml:"media"`
	Streams  StreamsConfig  `yaml:"streams"`
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

// MediaConfig holds media file storage configuration
type MediaConfig struct {
	// Dir is the directory media uploads are written to.
	Dir string `yaml:"dir"`
	// ProbeCommand is the external tool used to read a file's duration.
	// Empty disables probing; uploads then stay at length 0 until set.
	ProbeCommand string `yaml:"probe_command"`
}

// StreamsConfig holds timing and buffering for the live channels
type StreamsConfig struct {
	SweepInterval   time.Duration `yaml:"-"`
	ChannelBuffer   int           `yaml:"channel_buffer"`
	DashboardBuffer int           `yaml:"dashboard_buffer"`

	// Raw string value for YAML unmarshaling
	SweepIntervalRaw string `yaml:"sweep_interval"`
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
	if c.Streams.SweepInterval == 0 {
		c.Streams.SweepInterval = 15 * time.Second
	}
	if c.Streams.ChannelBuffer == 0 {
		c.Streams.ChannelBuffer = 32
	}
	if c.Streams.DashboardBuffer == 0 {
		c.Streams.DashboardBuffer = 64
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
	if c.Media.Dir == "" {
		return fmt.Errorf("media.dir is required")
	}
	if c.Streams.ChannelBuffer < 1 {
		return fmt.Errorf("streams.channel_buffer must be positive")
	}
	if c.Streams.DashboardBuffer < 1 {
		return fmt.Errorf("streams.dashboard_buffer must be positive")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	if cfg.Streams.SweepIntervalRaw != "" {
		var err error
		cfg.Streams.SweepInterval, err = time.ParseDuration(cfg.Streams.SweepIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing sweep_interval %q: %w", cfg.Streams.SweepIntervalRaw, err)
		}
	}
	return nil
}
