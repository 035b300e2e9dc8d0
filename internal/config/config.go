// ABOUTME: Configuration loading and parsing for tabwatch.
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete tabwatch configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Agents   AgentsConfig   `yaml:"agents"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds the capture log location. Empty path disables the
// capture log entirely.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration. An empty secret disables
// API auth (warn-logged at startup).
type AuthConfig struct {
	TokenSecret string `yaml:"token_secret"`
}

// AgentsConfig holds tab liveness and wait-budget timing. The active window,
// sweep interval, and stale threshold are independent knobs: the window
// drives active-only listings, the sweep is only a backstop.
type AgentsConfig struct {
	ActiveWindow   time.Duration `yaml:"-"`
	SweepInterval  time.Duration `yaml:"-"`
	StaleThreshold time.Duration `yaml:"-"`
	DumpWait       time.Duration `yaml:"-"`
	PingWait       time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ActiveWindowRaw   string `yaml:"active_window"`
	SweepIntervalRaw  string `yaml:"sweep_interval"`
	StaleThresholdRaw string `yaml:"stale_threshold"`
	DumpWaitRaw       string `yaml:"dump_wait"`
	PingWaitRaw       string `yaml:"ping_wait"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded, and
// duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables become empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Agents.ActiveWindowRaw, "active_window", &cfg.Agents.ActiveWindow},
		{cfg.Agents.SweepIntervalRaw, "sweep_interval", &cfg.Agents.SweepInterval},
		{cfg.Agents.StaleThresholdRaw, "stale_threshold", &cfg.Agents.StaleThreshold},
		{cfg.Agents.DumpWaitRaw, "dump_wait", &cfg.Agents.DumpWait},
		{cfg.Agents.PingWaitRaw, "ping_wait", &cfg.Agents.PingWait},
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
