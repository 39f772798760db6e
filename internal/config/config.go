// Package config loads and validates the configuration consumed by the
// routing and execution core. Configuration is loaded once at startup
// (format is YAML here; the core itself never watches the file).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"merlin/internal/logging"
)

// Config holds all configuration recognized by the core, per the
// key reference in the external interfaces: max_concurrent_tasks,
// max_retries_per_task, validation.*, routing.difficulty[1..10],
// provider.<id>.*, timeouts.*.
type Config struct {
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks"`
	MaxRetriesPerTask  int `yaml:"max_retries_per_task"`

	Validation ValidationConfig `yaml:"validation"`
	Routing    RoutingConfig    `yaml:"routing"`
	Providers  map[string]ProviderConfig `yaml:"provider"`
	Timeouts   TimeoutsConfig   `yaml:"timeouts"`
	Execution  ExecutionConfig  `yaml:"execution"`
	Logging    logging.Config   `yaml:"logging"`
}

// DefaultConfig returns the configuration the core ships with when no
// file is present, matching the defaults named throughout the spec.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrentTasks: 4,
		MaxRetriesPerTask:  3,
		Validation:         DefaultValidationConfig(),
		Routing:            DefaultRoutingConfig(),
		Providers:          map[string]ProviderConfig{},
		Timeouts:           DefaultTimeoutsConfig(),
		Execution:          DefaultExecutionConfig(),
		Logging: logging.Config{
			Level:     "info",
			DebugMode: false,
		},
	}
}

// Load reads configuration from a YAML file, falling back to defaults
// for any field the file doesn't set. A missing file is not an error:
// the core runs on defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes configuration to a YAML file, creating parent directories
// as needed.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides layers provider API keys from the environment on top
// of whatever the config file declared. The core doesn't read env vars
// directly except for provider credentials, per the external interfaces.
func (c *Config) applyEnvOverrides() {
	for id, p := range c.Providers {
		envKey := "MERLIN_PROVIDER_" + upperSnake(id) + "_API_KEY"
		if key := os.Getenv(envKey); key != "" {
			p.APIKey = key
			c.Providers[id] = p
		}
	}
}

func upperSnake(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		} else if c == '-' {
			c = '_'
		}
		out[i] = c
	}
	return string(out)
}

// Validate checks the configuration for internally-consistent values.
func (c *Config) Validate() error {
	if c.MaxConcurrentTasks < 1 {
		return fmt.Errorf("max_concurrent_tasks must be >= 1")
	}
	if c.MaxRetriesPerTask < 1 {
		return fmt.Errorf("max_retries_per_task must be >= 1")
	}
	for d := 1; d <= 10; d++ {
		if _, ok := c.Routing.Difficulty[d]; !ok {
			return fmt.Errorf("routing.difficulty missing entry for difficulty %d", d)
		}
	}
	return nil
}
