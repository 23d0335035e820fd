package runorchestrator

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/phaseline/incident"
	"github.com/c360studio/phaseline/workflow"
	"github.com/c360studio/semstreams/component"
)

// runOrchestratorSchema defines the configuration schema.
var runOrchestratorSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the run orchestrator component.
type Config struct {
	// StreamName is the JetStream stream carrying workflow commands.
	StreamName string `json:"stream_name"`

	// ConsumerName is the durable consumer name.
	ConsumerName string `json:"consumer_name"`

	// DefinitionsDir is the directory the definition loader serves
	// definitions from, used when a run start names a definition.
	DefinitionsDir string `json:"definitions_dir,omitempty"`

	// MaxRetries is the per-task retry budget.
	MaxRetries int `json:"max_retries,omitempty"`

	// RetryBaseSeconds is the initial retry backoff in seconds.
	RetryBaseSeconds int `json:"retry_base_seconds,omitempty"`

	// SprintTickSeconds is how often sprint time boxes are checked.
	SprintTickSeconds int `json:"sprint_tick_seconds,omitempty"`

	// IncidentBudgetSeconds overrides severity response-time budgets,
	// keyed by severity label (SEV1..SEV4).
	IncidentBudgetSeconds map[string]int `json:"incident_budget_seconds,omitempty"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		StreamName:        "PHASELINE",
		ConsumerName:      "run-orchestrator",
		MaxRetries:        3,
		RetryBaseSeconds:  1,
		SprintTickSeconds: 60,
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{
				{
					Name:        "workflow-commands",
					Type:        "jetstream",
					Subject:     "workflow.trigger.run_start",
					StreamName:  "PHASELINE",
					Description: "Run start triggers",
					Required:    true,
				},
				{
					Name:        "task-results",
					Type:        "jetstream",
					Subject:     "workflow.result.task.>",
					StreamName:  "PHASELINE",
					Description: "Worker task completion reports",
					Required:    true,
				},
				{
					Name:        "gate-decisions",
					Type:        "jetstream",
					Subject:     "workflow.gate.decision",
					StreamName:  "PHASELINE",
					Description: "External approve/reject decisions",
					Required:    true,
				},
				{
					Name:        "incident-reports",
					Type:        "jetstream",
					Subject:     "workflow.incident.report",
					StreamName:  "PHASELINE",
					Description: "External failure and alert ingestion",
					Required:    false,
				},
				{
					Name:        "run-controls",
					Type:        "jetstream",
					Subject:     "workflow.trigger.run_control",
					StreamName:  "PHASELINE",
					Description: "Pause, resume, cancel, and rollback commands",
					Required:    false,
				},
			},
			Outputs: []component.PortDefinition{
				{
					Name:        "task-assignments",
					Type:        "jetstream",
					Subject:     "workflow.task.assign.>",
					StreamName:  "PHASELINE",
					Description: "Task dispatch to capability workers",
					Required:    true,
				},
				{
					Name:        "run-events",
					Type:        "jetstream",
					Subject:     "workflow.events.>",
					StreamName:  "PHASELINE",
					Description: "Run lifecycle event fanout",
					Required:    true,
				},
			},
		},
	}
}

// GetSprintTick returns the sprint check interval.
func (c *Config) GetSprintTick() time.Duration {
	return time.Duration(c.SprintTickSeconds) * time.Second
}

// GetRetryBase returns the initial retry backoff.
func (c *Config) GetRetryBase() time.Duration {
	return time.Duration(c.RetryBaseSeconds) * time.Second
}

// GetIncidentBudgets converts the configured budget overrides into the
// controller's budget map, starting from the stock defaults.
func (c *Config) GetIncidentBudgets() incident.Budgets {
	budgets := incident.DefaultBudgets()
	for sev, secs := range c.IncidentBudgetSeconds {
		budgets[workflow.Severity(sev)] = time.Duration(secs) * time.Second
	}
	return budgets
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.StreamName == "" {
		return fmt.Errorf("stream_name is required")
	}
	if c.ConsumerName == "" {
		return fmt.Errorf("consumer_name is required")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1")
	}
	for sev := range c.IncidentBudgetSeconds {
		if !workflow.Severity(sev).IsValid() {
			return fmt.Errorf("incident_budget_seconds: unknown severity %q", sev)
		}
	}
	return nil
}
