package runorchestrator

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the run-orchestrator component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "run-orchestrator",
		Factory:     NewComponent,
		Schema:      runOrchestratorSchema,
		Type:        "processor",
		Protocol:    "workflow",
		Domain:      "phaseline",
		Description: "Drives workflow runs: DAG scheduling, gates, sprints, incidents, rollback",
		Version:     "0.1.0",
	})
}
