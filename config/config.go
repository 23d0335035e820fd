// Package config provides configuration loading and management for Phaseline.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete Phaseline configuration
type Config struct {
	NATS        NATSConfig        `yaml:"nats"`
	Engine      EngineConfig      `yaml:"engine"`
	Definitions DefinitionsConfig `yaml:"definitions"`
	API         APIConfig         `yaml:"api"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server)
	URL string `yaml:"url"`
	// Embedded indicates whether to use embedded NATS
	Embedded bool `yaml:"embedded"`
}

// EngineConfig configures run execution behavior
type EngineConfig struct {
	// MaxRetries is the per-task retry budget before permanent failure
	MaxRetries int `yaml:"max_retries"`
	// RetryBase is the initial retry backoff interval
	RetryBase time.Duration `yaml:"retry_base"`
	// RetryMax caps the retry backoff interval
	RetryMax time.Duration `yaml:"retry_max"`
	// SprintTick is how often time-boxed sprints are checked for expiry
	SprintTick time.Duration `yaml:"sprint_tick"`
	// IncidentBudgets overrides severity response-time budgets (SEV1..SEV4)
	IncidentBudgets map[string]time.Duration `yaml:"incident_budgets"`
}

// DefinitionsConfig configures workflow definition loading
type DefinitionsConfig struct {
	// Dir is the directory watched for workflow definition YAML files
	Dir string `yaml:"dir"`
	// Watch enables hot-reloading definitions on file changes
	Watch bool `yaml:"watch"`
}

// APIConfig configures the HTTP API surface
type APIConfig struct {
	// Port is the HTTP listen port for the run API
	Port int `yaml:"port"`
	// MetricsPort is the Prometheus scrape port (0 = disabled)
	MetricsPort int `yaml:"metrics_port"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:      "",
			Embedded: true,
		},
		Engine: EngineConfig{
			MaxRetries: 3,
			RetryBase:  time.Second,
			RetryMax:   time.Minute,
			SprintTick: time.Minute,
		},
		Definitions: DefinitionsConfig{
			Dir:   "workflows",
			Watch: true,
		},
		API: APIConfig{
			Port:        8080,
			MetricsPort: 9090,
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Engine.MaxRetries < 1 {
		return fmt.Errorf("engine.max_retries must be at least 1")
	}
	if c.Engine.RetryBase <= 0 {
		return fmt.Errorf("engine.retry_base must be positive")
	}
	if c.Engine.RetryMax < c.Engine.RetryBase {
		return fmt.Errorf("engine.retry_max must be at least engine.retry_base")
	}
	if c.Engine.SprintTick <= 0 {
		return fmt.Errorf("engine.sprint_tick must be positive")
	}
	for sev := range c.Engine.IncidentBudgets {
		switch sev {
		case "SEV1", "SEV2", "SEV3", "SEV4":
		default:
			return fmt.Errorf("engine.incident_budgets: unknown severity %q", sev)
		}
	}
	if c.Definitions.Dir == "" {
		return fmt.Errorf("definitions.dir is required")
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port must be a valid port")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}

	// Engine
	if other.Engine.MaxRetries != 0 {
		c.Engine.MaxRetries = other.Engine.MaxRetries
	}
	if other.Engine.RetryBase != 0 {
		c.Engine.RetryBase = other.Engine.RetryBase
	}
	if other.Engine.RetryMax != 0 {
		c.Engine.RetryMax = other.Engine.RetryMax
	}
	if other.Engine.SprintTick != 0 {
		c.Engine.SprintTick = other.Engine.SprintTick
	}
	if len(other.Engine.IncidentBudgets) > 0 {
		if c.Engine.IncidentBudgets == nil {
			c.Engine.IncidentBudgets = make(map[string]time.Duration)
		}
		for sev, budget := range other.Engine.IncidentBudgets {
			c.Engine.IncidentBudgets[sev] = budget
		}
	}

	// Definitions
	if other.Definitions.Dir != "" {
		c.Definitions.Dir = other.Definitions.Dir
	}
	if other.Definitions.Watch {
		c.Definitions.Watch = true
	}

	// API
	if other.API.Port != 0 {
		c.API.Port = other.API.Port
	}
	if other.API.MetricsPort != 0 {
		c.API.MetricsPort = other.API.MetricsPort
	}
}
