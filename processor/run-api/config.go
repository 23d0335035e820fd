package runapi

import (
	"fmt"
	"reflect"

	"github.com/c360studio/semstreams/component"
)

// runAPISchema defines the configuration schema.
var runAPISchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the run API component.
type Config struct {
	// StreamName is the JetStream stream carrying workflow commands.
	StreamName string `json:"stream_name"`

	// Ports defines the component's input/output ports.
	Ports *component.PortConfig `json:"ports,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		StreamName: "PHASELINE",
		Ports: &component.PortConfig{
			Outputs: []component.PortDefinition{
				{
					Name:        "workflow-commands",
					Type:        "jetstream",
					Subject:     "workflow.trigger.>",
					StreamName:  "PHASELINE",
					Description: "Run start and control commands from HTTP clients",
					Required:    true,
				},
				{
					Name:        "gate-decisions",
					Type:        "jetstream",
					Subject:     "workflow.gate.decision",
					StreamName:  "PHASELINE",
					Description: "Gate decisions from HTTP clients",
					Required:    true,
				},
				{
					Name:        "incident-reports",
					Type:        "jetstream",
					Subject:     "workflow.incident.report",
					StreamName:  "PHASELINE",
					Description: "Incident reports from HTTP clients",
					Required:    false,
				},
			},
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.StreamName == "" {
		return fmt.Errorf("stream_name is required")
	}
	return nil
}
