// Package config loads storyloop configuration from YAML. Files merge
// over DefaultConfig: a missing file is not an error, a malformed one
// is. Durations are written as Go duration strings ("90s", "2m").
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/harrison/storyloop/internal/checks"
	"github.com/harrison/storyloop/internal/models"
)

// StoreConfig selects and parameterizes the shared state backend.
type StoreConfig struct {
	// Backend is memory, sqlite, or redis.
	Backend string `yaml:"backend"`

	// Path is the SQLite database path (sqlite backend).
	Path string `yaml:"path"`

	// RedisURL is the Redis connection URL (redis backend).
	RedisURL string `yaml:"redis_url"`

	// LeaseTTL is the story lease duration.
	LeaseTTL time.Duration `yaml:"-"`
}

// BusConfig selects the event transport.
type BusConfig struct {
	// Backend is memory, nats, or redis.
	Backend string `yaml:"backend"`

	// NATSURL is the NATS server URL (nats backend).
	NATSURL string `yaml:"nats_url"`

	// RedisURL is the Redis connection URL (redis backend).
	RedisURL string `yaml:"redis_url"`
}

// FallbackConfig parameterizes the model fallback controller.
type FallbackConfig struct {
	// Enabled turns the controller on.
	Enabled bool `yaml:"enabled"`

	// Provider and Model name the fallback inference model.
	Provider string `yaml:"fallback_provider"`
	Model    string `yaml:"fallback_model"`

	// Timeout is how long a prompt may wait for its first token.
	Timeout time.Duration `yaml:"-"`

	// AfterFailures is the consecutive error count that triggers the
	// fallback without a timeout.
	AfterFailures int `yaml:"fallback_after_failures"`

	// ProbeInterval is the recovery probe cadence while degraded.
	ProbeInterval time.Duration `yaml:"-"`
}

// Config holds every storyloop configuration option.
type Config struct {
	// Project is the logical project key; stages for the same project
	// are serialized.
	Project string `yaml:"project"`

	// MaxRetries is the per-story attempt budget.
	MaxRetries int `yaml:"max_retries"`

	// MaxIterations caps total story dispatches per loop (0 = no cap).
	MaxIterations int `yaml:"max_iterations"`

	// RetryLadder lists tools in escalation order.
	RetryLadder []string `yaml:"retry_ladder"`

	// Checks selects full or test-only validation gates.
	Checks models.ChecksMode `yaml:"checks"`

	// StoryOrder selects the Plan stage's story selection. Only
	// "document" is supported.
	StoryOrder string `yaml:"story_order"`

	// LogLevel sets logging verbosity (trace, debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// ProgressPath is the progress log file.
	ProgressPath string `yaml:"progress_path"`

	// RetroDir receives retrospective artifacts.
	RetroDir string `yaml:"retro_dir"`

	// Commands overrides the gate commands.
	Commands checks.Commands `yaml:"commands"`

	// ToolTimeout bounds each tool invocation.
	ToolTimeout time.Duration `yaml:"-"`

	Store    StoreConfig    `yaml:"store"`
	Bus      BusConfig      `yaml:"bus"`
	Fallback FallbackConfig `yaml:"fallback"`
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Project:       "default",
		MaxRetries:    3,
		MaxIterations: 0,
		RetryLadder:   append([]string(nil), models.DefaultRetryLadder...),
		Checks:        models.ChecksFull,
		StoryOrder:    "document",
		LogLevel:      "info",
		ProgressPath:  ".storyloop/progress.log",
		RetroDir:      ".storyloop/retro",
		Commands:      checks.DefaultCommands(),
		ToolTimeout:   30 * time.Minute,
		Store: StoreConfig{
			Backend:  "memory",
			Path:     ".storyloop/state.db",
			LeaseTTL: 2 * time.Minute,
		},
		Bus: BusConfig{
			Backend: "memory",
			NATSURL: "nats://127.0.0.1:4222",
		},
		Fallback: FallbackConfig{
			Enabled:       false,
			Timeout:       90 * time.Second,
			AfterFailures: 3,
			ProbeInterval: 5 * time.Minute,
		},
	}
}

// yamlDurations carries the duration fields as strings so config files
// can say "90s" instead of nanosecond integers.
type yamlDurations struct {
	ToolTimeout string `yaml:"tool_timeout"`
	Store       struct {
		LeaseTTL string `yaml:"lease_ttl"`
	} `yaml:"store"`
	Fallback struct {
		Timeout       string `yaml:"fallback_timeout"`
		ProbeInterval string `yaml:"recovery_probe_interval"`
	} `yaml:"fallback"`
}

// LoadConfig loads configuration from path, merging over defaults.
// A nonexistent file returns the defaults without error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	var durations yamlDurations
	if err := yaml.Unmarshal(data, &durations); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := applyDuration(&cfg.ToolTimeout, durations.ToolTimeout, "tool_timeout"); err != nil {
		return nil, err
	}
	if err := applyDuration(&cfg.Store.LeaseTTL, durations.Store.LeaseTTL, "store.lease_ttl"); err != nil {
		return nil, err
	}
	if err := applyDuration(&cfg.Fallback.Timeout, durations.Fallback.Timeout, "fallback.fallback_timeout"); err != nil {
		return nil, err
	}
	if err := applyDuration(&cfg.Fallback.ProbeInterval, durations.Fallback.ProbeInterval, "fallback.recovery_probe_interval"); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFromDir loads .storyloop/config.yaml from dir, falling back
// to defaults when absent.
func LoadConfigFromDir(dir string) (*Config, error) {
	return LoadConfig(filepath.Join(dir, ".storyloop", "config.yaml"))
}

func applyDuration(target *time.Duration, value, field string) error {
	if value == "" {
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", field, value, err)
	}
	*target = parsed
	return nil
}

// Validate checks field combinations a YAML schema cannot express.
func (c *Config) Validate() error {
	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1, got %d", c.MaxRetries)
	}
	if c.MaxIterations < 0 {
		return fmt.Errorf("max_iterations must not be negative, got %d", c.MaxIterations)
	}
	if len(c.RetryLadder) == 0 {
		return fmt.Errorf("retry_ladder must not be empty")
	}
	switch c.Checks {
	case models.ChecksFull, models.ChecksTestOnly:
	default:
		return fmt.Errorf("checks must be %q or %q, got %q", models.ChecksFull, models.ChecksTestOnly, c.Checks)
	}
	if c.StoryOrder != "document" {
		return fmt.Errorf("unsupported story_order %q", c.StoryOrder)
	}

	switch c.Store.Backend {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite backend")
		}
	case "redis":
		if c.Store.RedisURL == "" {
			return fmt.Errorf("store.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unsupported store backend %q", c.Store.Backend)
	}

	switch c.Bus.Backend {
	case "memory":
	case "nats":
		if c.Bus.NATSURL == "" {
			return fmt.Errorf("bus.nats_url is required for the nats backend")
		}
	case "redis":
		if c.Bus.RedisURL == "" {
			return fmt.Errorf("bus.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unsupported bus backend %q", c.Bus.Backend)
	}

	if c.Fallback.Enabled {
		if c.Fallback.Provider == "" || c.Fallback.Model == "" {
			return fmt.Errorf("fallback.fallback_provider and fallback.fallback_model are required when fallback is enabled")
		}
		if c.Fallback.Timeout <= 0 {
			return fmt.Errorf("fallback.fallback_timeout must be positive")
		}
	}
	return nil
}
