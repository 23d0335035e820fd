package runapi

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the run-api component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "run-api",
		Factory:     NewComponent,
		Schema:      runAPISchema,
		Type:        "processor",
		Protocol:    "workflow",
		Domain:      "phaseline",
		Description: "HTTP endpoints for workflow runs, gates, sprints, and incidents",
		Version:     "0.1.0",
	})
}
