// Package config handles YAML configuration for Triage.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	AWS      AWSConfig      `yaml:"aws"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
	Limits   LimitsConfig   `yaml:"limits"`
	Server   ServerConfig   `yaml:"server"`
	OTEL     OTELConfig     `yaml:"otel"`
	Log      LogConfig      `yaml:"log"`
}

// AWSConfig holds AWS provider settings.
type AWSConfig struct {
	DefaultRegion     string  `yaml:"default_region"`
	Profile           string  `yaml:"profile"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	MaxAttempts       int     `yaml:"max_attempts"`
}

// TimeoutsConfig bounds every blocking step.
type TimeoutsConfig struct {
	// Call bounds a single provider request.
	Call time.Duration `yaml:"call"`
	// Step bounds one work item of a fan-out, which may span several calls.
	Step time.Duration `yaml:"step"`
	// QueryMaxWait bounds a Logs Insights poll loop.
	QueryMaxWait time.Duration `yaml:"query_max_wait"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// LimitsConfig holds size and concurrency limits.
type LimitsConfig struct {
	MaxIdentifiers int `yaml:"max_identifiers"`
	Concurrency    int `yaml:"concurrency"`
	TopQueries     int `yaml:"top_queries"`
	HistoryPages   int `yaml:"history_pages"`
	MetricPages    int `yaml:"metric_pages"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Listen               string        `yaml:"listen"`
	ReadTimeout          time.Duration `yaml:"read_timeout"`
	InvestigationTimeout time.Duration `yaml:"investigation_timeout"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	Insecure    bool          `yaml:"insecure"`
	ServiceName string        `yaml:"service_name"`
	Traces      TracesConfig  `yaml:"traces"`
	Metrics     MetricsConfig `yaml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `yaml:"enabled"`
	SampleRate float64 `yaml:"sample_rate"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	// Prometheus exposes metrics for scraping on the server's /metrics.
	Prometheus bool `yaml:"prometheus"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads and parses a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.AWS.DefaultRegion == "" {
		cfg.AWS.DefaultRegion = os.Getenv("AWS_REGION")
	}
	if cfg.AWS.DefaultRegion == "" {
		cfg.AWS.DefaultRegion = "us-east-1"
	}
	if cfg.AWS.RequestsPerSecond == 0 {
		cfg.AWS.RequestsPerSecond = 10
	}
	if cfg.AWS.Burst == 0 {
		cfg.AWS.Burst = 5
	}
	if cfg.AWS.MaxAttempts == 0 {
		cfg.AWS.MaxAttempts = 3
	}

	if cfg.Timeouts.Call == 0 {
		cfg.Timeouts.Call = 10 * time.Second
	}
	if cfg.Timeouts.Step == 0 {
		cfg.Timeouts.Step = 45 * time.Second
	}
	if cfg.Timeouts.QueryMaxWait == 0 {
		cfg.Timeouts.QueryMaxWait = 30 * time.Second
	}
	if cfg.Timeouts.PollInterval == 0 {
		cfg.Timeouts.PollInterval = time.Second
	}

	if cfg.Limits.MaxIdentifiers == 0 {
		cfg.Limits.MaxIdentifiers = 50
	}
	if cfg.Limits.Concurrency == 0 {
		cfg.Limits.Concurrency = 16
	}
	if cfg.Limits.TopQueries == 0 {
		cfg.Limits.TopQueries = 10
	}
	if cfg.Limits.HistoryPages == 0 {
		cfg.Limits.HistoryPages = 2
	}
	if cfg.Limits.MetricPages == 0 {
		cfg.Limits.MetricPages = 10
	}

	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.InvestigationTimeout == 0 {
		cfg.Server.InvestigationTimeout = 2 * time.Minute
	}

	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "triage"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	var errs []error
	if c.AWS.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("aws: requests_per_second must not be negative (got %v)", c.AWS.RequestsPerSecond))
	}
	if c.Timeouts.Call <= 0 || c.Timeouts.Step <= 0 || c.Timeouts.QueryMaxWait <= 0 || c.Timeouts.PollInterval <= 0 {
		errs = append(errs, errors.New("timeouts: all timeouts must be positive"))
	}
	if c.Timeouts.Step < c.Timeouts.Call {
		errs = append(errs, fmt.Errorf("timeouts: step (%s) must not be shorter than call (%s)", c.Timeouts.Step, c.Timeouts.Call))
	}
	if c.Timeouts.PollInterval > c.Timeouts.QueryMaxWait {
		errs = append(errs, fmt.Errorf("timeouts: poll_interval (%s) exceeds query_max_wait (%s)", c.Timeouts.PollInterval, c.Timeouts.QueryMaxWait))
	}
	if c.Limits.MaxIdentifiers < 1 {
		errs = append(errs, fmt.Errorf("limits: max_identifiers must be at least 1 (got %d)", c.Limits.MaxIdentifiers))
	}
	if c.Limits.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("limits: concurrency must be at least 1 (got %d)", c.Limits.Concurrency))
	}
	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		errs = append(errs, fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log: format must be json or console (got %q)", c.Log.Format))
	}
	return errors.Join(errs...)
}
