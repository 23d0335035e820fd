package definitionloader

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the definition-loader component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "definition-loader",
		Factory:     NewComponent,
		Schema:      definitionLoaderSchema,
		Type:        "processor",
		Protocol:    "workflow",
		Domain:      "phaseline",
		Description: "Loads and watches workflow definition YAML files",
		Version:     "0.1.0",
	})
}
