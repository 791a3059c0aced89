// Package config provides configuration loading and management for semplan.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	ssconfig "github.com/c360studio/semstreams/config"

	"github.com/c360studio/semplan/source/planfile"
	"github.com/c360studio/semplan/workflow"
	"github.com/c360studio/semplan/workflow/gate"
	"github.com/c360studio/semplan/workflow/retry"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendNATS     = "nats"
	BackendPostgres = "postgres"
)

// Config represents the complete semplan configuration
type Config struct {
	NATS    NATSConfig    `yaml:"nats"`
	Storage StorageConfig `yaml:"storage"`
	Engine  EngineConfig  `yaml:"engine"`
	Retry   retry.Config  `yaml:"retry"`
	Plans   PlansConfig   `yaml:"plans"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`

	// Gate overrides HITL timeout policies per event type.
	Gate map[workflow.HITLEventType]gate.TimeoutPolicy `yaml:"gate,omitempty"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server)
	URL string `yaml:"url"`
	// Embedded indicates whether to use embedded NATS
	Embedded bool `yaml:"embedded"`
	// StoreDir is the embedded server's JetStream directory. Empty keeps
	// the server default.
	StoreDir string `yaml:"store_dir"`
}

// StorageConfig selects where plan versions, HITL events and results live.
type StorageConfig struct {
	// Backend is memory, nats or postgres.
	Backend     string `yaml:"backend"`
	PostgresURL string `yaml:"postgres_url"`
}

// EngineConfig tunes the coordinator and router.
type EngineConfig struct {
	// MaxConcurrency is the default per-plan fan-out limit.
	MaxConcurrency int `yaml:"max_concurrency"`
	// DispatchTimeout applies to todos without their own timeout.
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
	// TimeoutCheckInterval is how often HITL timeouts are swept.
	TimeoutCheckInterval time.Duration `yaml:"timeout_check_interval"`
	// Layers routed to remote executors. Empty routes every layer.
	Layers []string `yaml:"layers"`
}

// PlansConfig configures plan file loading.
type PlansConfig struct {
	// Dir is watched for plan files. Empty disables plan files.
	Dir   string               `yaml:"dir"`
	Watch planfile.WatchConfig `yaml:"watch"`
	// Hold leaves plans submitted from files in draft instead of starting
	// them.
	Hold bool `yaml:"hold"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address for /metrics. Empty disables it.
	Addr string `yaml:"addr"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			Embedded: true,
		},
		Storage: StorageConfig{
			Backend: BackendNATS,
		},
		Engine: EngineConfig{
			MaxConcurrency:       4,
			DispatchTimeout:      5 * time.Minute,
			TimeoutCheckInterval: 30 * time.Second,
		},
		Retry: retry.DefaultConfig(),
		Plans: PlansConfig{
			Watch: planfile.DefaultWatchConfig(),
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if !c.NATS.Embedded && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats.embedded is false")
	}
	switch c.Storage.Backend {
	case BackendMemory, BackendNATS:
	case BackendPostgres:
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("storage.postgres_url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("invalid storage.backend %q", c.Storage.Backend)
	}
	if c.Engine.MaxConcurrency < 1 {
		return fmt.Errorf("engine.max_concurrency must be >= 1")
	}
	if c.Engine.DispatchTimeout <= 0 {
		return fmt.Errorf("engine.dispatch_timeout must be positive")
	}
	if c.Engine.TimeoutCheckInterval <= 0 {
		return fmt.Errorf("engine.timeout_check_interval must be positive")
	}
	for _, l := range c.Engine.Layers {
		if _, err := workflow.ParseLayer(l); err != nil {
			return fmt.Errorf("engine.layers: %w", err)
		}
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	for typ, p := range c.Gate {
		if !typ.IsValid() {
			return fmt.Errorf("gate: invalid event type %q", typ)
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("gate.%s: %w", typ, err)
		}
	}
	if err := c.Plans.Watch.Validate(); err != nil {
		return fmt.Errorf("plans.watch: %w", err)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid log.format %q", c.Log.Format)
	}
	return nil
}

// Layers returns the configured remote layers, defaulting to all layers.
func (c *Config) Layers() []workflow.Layer {
	if len(c.Engine.Layers) == 0 {
		return workflow.Layers()
	}
	out := make([]workflow.Layer, 0, len(c.Engine.Layers))
	for _, raw := range c.Engine.Layers {
		if l, err := workflow.ParseLayer(raw); err == nil {
			out = append(out, l)
		}
	}
	return out
}

// LoadFromFile loads configuration from a YAML file. ${VAR:-default}
// references are expanded before parsing.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document over an empty Config. Use Merge to layer
// it onto defaults.
func Parse(data []byte) (*Config, error) {
	expanded := ssconfig.ExpandEnvWithDefaults(string(data))

	config := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = other.NATS.Embedded
	}
	if other.NATS.StoreDir != "" {
		c.NATS.StoreDir = other.NATS.StoreDir
	}

	// Storage
	if other.Storage.Backend != "" {
		c.Storage.Backend = other.Storage.Backend
	}
	if other.Storage.PostgresURL != "" {
		c.Storage.PostgresURL = other.Storage.PostgresURL
	}

	// Engine
	if other.Engine.MaxConcurrency != 0 {
		c.Engine.MaxConcurrency = other.Engine.MaxConcurrency
	}
	if other.Engine.DispatchTimeout != 0 {
		c.Engine.DispatchTimeout = other.Engine.DispatchTimeout
	}
	if other.Engine.TimeoutCheckInterval != 0 {
		c.Engine.TimeoutCheckInterval = other.Engine.TimeoutCheckInterval
	}
	if len(other.Engine.Layers) > 0 {
		c.Engine.Layers = other.Engine.Layers
	}

	// Retry
	if other.Retry.BackoffBase != 0 {
		c.Retry.BackoffBase = other.Retry.BackoffBase
	}
	if other.Retry.BackoffMultiplier != 0 {
		c.Retry.BackoffMultiplier = other.Retry.BackoffMultiplier
	}
	if other.Retry.MaxBackoff != 0 {
		c.Retry.MaxBackoff = other.Retry.MaxBackoff
	}

	// Gate policies merge per event type.
	for typ, p := range other.Gate {
		if c.Gate == nil {
			c.Gate = make(map[workflow.HITLEventType]gate.TimeoutPolicy)
		}
		c.Gate[typ] = p
	}

	// Plans
	if other.Plans.Dir != "" {
		c.Plans.Dir = other.Plans.Dir
	}
	if other.Plans.Hold {
		c.Plans.Hold = true
	}
	if other.Plans.Watch.DebounceDelay != "" {
		c.Plans.Watch.DebounceDelay = other.Plans.Watch.DebounceDelay
	}
	if len(other.Plans.Watch.Patterns) > 0 {
		c.Plans.Watch.Patterns = other.Plans.Watch.Patterns
	}
	if len(other.Plans.Watch.ExcludeDirs) > 0 {
		c.Plans.Watch.ExcludeDirs = other.Plans.Watch.ExcludeDirs
	}

	// Metrics
	if other.Metrics.Addr != "" {
		c.Metrics.Addr = other.Metrics.Addr
	}

	// Log
	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
	if other.Log.Format != "" {
		c.Log.Format = other.Log.Format
	}
}

// NewLogger builds the process logger.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(raw) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("invalid level %q", raw)
}
