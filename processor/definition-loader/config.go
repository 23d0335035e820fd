package definitionloader

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"
)

// definitionLoaderSchema defines the configuration schema.
var definitionLoaderSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the definition loader component.
type Config struct {
	// DefinitionsDir is the directory holding workflow definition YAML files.
	DefinitionsDir string `json:"definitions_dir"`

	// Watch enables filesystem watching for definition changes.
	Watch bool `json:"watch"`

	// DebounceDelay is how long to wait for more changes before reloading.
	DebounceDelay string `json:"debounce_delay,omitempty"`

	// Ports defines the component's input/output ports.
	Ports *component.PortConfig `json:"ports,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		DefinitionsDir: "workflows",
		Watch:          true,
		DebounceDelay:  "500ms",
		Ports: &component.PortConfig{
			Outputs: []component.PortDefinition{
				{
					Name:        "definition-events",
					Type:        "core",
					Subject:     "workflow.events.definition.updated",
					Description: "Definition change notifications",
					Required:    false,
				},
			},
		},
	}
}

// GetDebounceDelay returns the debounce delay as a duration.
func (c *Config) GetDebounceDelay() time.Duration {
	if c.DebounceDelay == "" {
		return 500 * time.Millisecond
	}
	d, err := time.ParseDuration(c.DebounceDelay)
	if err != nil {
		return 500 * time.Millisecond
	}
	return d
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DefinitionsDir == "" {
		return fmt.Errorf("definitions_dir is required")
	}
	if c.DebounceDelay != "" {
		if _, err := time.ParseDuration(c.DebounceDelay); err != nil {
			return fmt.Errorf("invalid debounce_delay: %w", err)
		}
	}
	return nil
}
