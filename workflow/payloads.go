package workflow

import (
	"encoding/json"

	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/semstreams/payloadregistry"
)

// RunStartPayload triggers a new workflow run. Published to
// workflow.trigger.run_start with an inline or pre-loaded definition.
type RunStartPayload struct {
	// DefinitionName selects a definition already loaded by the
	// definition-loader. Mutually exclusive with Definition.
	DefinitionName string `json:"definition_name,omitempty"`

	// Definition is an inline YAML definition document.
	Definition string `json:"definition,omitempty"`

	// RequestedBy identifies the initiating actor for audit.
	RequestedBy string `json:"requested_by,omitempty"`
}

// Schema returns the message type for this payload.
func (p *RunStartPayload) Schema() message.Type {
	return RunStartType
}

// Validate validates the payload.
func (p *RunStartPayload) Validate() error {
	if p.DefinitionName == "" && p.Definition == "" {
		return &ValidationError{Field: "definition", Message: "definition_name or definition is required"}
	}
	if p.DefinitionName != "" && p.Definition != "" {
		return &ValidationError{Field: "definition", Message: "definition_name and definition are mutually exclusive"}
	}
	return nil
}

// MarshalJSON marshals the payload to JSON.
func (p *RunStartPayload) MarshalJSON() ([]byte, error) {
	type Alias RunStartPayload
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON unmarshals the payload from JSON.
func (p *RunStartPayload) UnmarshalJSON(data []byte) error {
	type Alias RunStartPayload
	return json.Unmarshal(data, (*Alias)(p))
}

// TaskResultPayload reports a worker's outcome for a dispatched task.
// Published to workflow.result.task.<run_id> by worker adapters.
type TaskResultPayload struct {
	RunID   string `json:"run_id"`
	TaskID  string `json:"task_id"`
	Success bool   `json:"success"`

	// OutputRefs names the artifact versions the worker wrote. Validated
	// against the task's declared outputs before the task transitions done.
	OutputRefs []ArtifactRef `json:"output_refs,omitempty"`

	// Cause is the human-readable failure reason when Success is false.
	Cause string `json:"cause,omitempty"`
}

// Schema returns the message type for this payload.
func (p *TaskResultPayload) Schema() message.Type {
	return TaskResultType
}

// Validate validates the payload.
func (p *TaskResultPayload) Validate() error {
	if p.RunID == "" {
		return &ValidationError{Field: "run_id", Message: "run_id is required"}
	}
	if p.TaskID == "" {
		return &ValidationError{Field: "task_id", Message: "task_id is required"}
	}
	if !p.Success && p.Cause == "" {
		return &ValidationError{Field: "cause", Message: "cause is required on failure"}
	}
	return nil
}

// MarshalJSON marshals the payload to JSON.
func (p *TaskResultPayload) MarshalJSON() ([]byte, error) {
	type Alias TaskResultPayload
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON unmarshals the payload from JSON.
func (p *TaskResultPayload) UnmarshalJSON(data []byte) error {
	type Alias TaskResultPayload
	return json.Unmarshal(data, (*Alias)(p))
}

// GateDecisionPayload records an external approve/reject decision.
// Published to workflow.gate.decision.
type GateDecisionPayload struct {
	RunID     string `json:"run_id"`
	GateID    string `json:"gate_id"`
	Approve   bool   `json:"approve"`
	Actor     string `json:"actor"`
	Rationale string `json:"rationale,omitempty"`

	// ReworkScope lists task-id glob patterns to reopen on rejection.
	// Empty means tasks flagged redo_on_reject in the definition.
	ReworkScope []string `json:"rework_scope,omitempty"`
}

// Schema returns the message type for this payload.
func (p *GateDecisionPayload) Schema() message.Type {
	return GateDecisionType
}

// Validate validates the payload.
func (p *GateDecisionPayload) Validate() error {
	if p.RunID == "" {
		return &ValidationError{Field: "run_id", Message: "run_id is required"}
	}
	if p.GateID == "" {
		return &ValidationError{Field: "gate_id", Message: "gate_id is required"}
	}
	if p.Actor == "" {
		return &ValidationError{Field: "actor", Message: "actor is required"}
	}
	return nil
}

// MarshalJSON marshals the payload to JSON.
func (p *GateDecisionPayload) MarshalJSON() ([]byte, error) {
	type Alias GateDecisionPayload
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON unmarshals the payload from JSON.
func (p *GateDecisionPayload) UnmarshalJSON(data []byte) error {
	type Alias GateDecisionPayload
	return json.Unmarshal(data, (*Alias)(p))
}

// IncidentReportPayload ingests a failure or alert from the scheduler or an
// external monitor. Published to workflow.incident.report.
type IncidentReportPayload struct {
	RunID    string   `json:"run_id"`
	Source   string   `json:"source"`
	Severity Severity `json:"severity"`
	Details  string   `json:"details,omitempty"`
}

// Schema returns the message type for this payload.
func (p *IncidentReportPayload) Schema() message.Type {
	return IncidentReportType
}

// Validate validates the payload.
func (p *IncidentReportPayload) Validate() error {
	if p.RunID == "" {
		return &ValidationError{Field: "run_id", Message: "run_id is required"}
	}
	if p.Source == "" {
		return &ValidationError{Field: "source", Message: "source is required"}
	}
	if !p.Severity.IsValid() {
		return &ValidationError{Field: "severity", Message: "severity must be SEV1..SEV4"}
	}
	return nil
}

// MarshalJSON marshals the payload to JSON.
func (p *IncidentReportPayload) MarshalJSON() ([]byte, error) {
	type Alias IncidentReportPayload
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON unmarshals the payload from JSON.
func (p *IncidentReportPayload) UnmarshalJSON(data []byte) error {
	type Alias IncidentReportPayload
	return json.Unmarshal(data, (*Alias)(p))
}

// RunControlPayload carries operator lifecycle commands for a run. Published
// to workflow.trigger.run_control by the API and CLI.
type RunControlPayload struct {
	RunID  string `json:"run_id"`
	Action string `json:"action"`
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`

	// CheckpointID selects the rollback target. Required for rollback,
	// ignored otherwise.
	CheckpointID string `json:"checkpoint_id,omitempty"`

	// IncidentID links a rollback to the incident that motivated it.
	IncidentID string `json:"incident_id,omitempty"`
}

// Run control actions.
const (
	ControlPause    = "pause"
	ControlResume   = "resume"
	ControlCancel   = "cancel"
	ControlRollback = "rollback"
)

// Schema returns the message type for this payload.
func (p *RunControlPayload) Schema() message.Type {
	return RunControlType
}

// Validate validates the payload.
func (p *RunControlPayload) Validate() error {
	if p.RunID == "" {
		return &ValidationError{Field: "run_id", Message: "run_id is required"}
	}
	switch p.Action {
	case ControlPause, ControlResume, ControlCancel:
	case ControlRollback:
		if p.CheckpointID == "" {
			return &ValidationError{Field: "checkpoint_id", Message: "checkpoint_id is required for rollback"}
		}
	default:
		return &ValidationError{Field: "action", Message: "action must be pause, resume, cancel, or rollback"}
	}
	if p.Actor == "" {
		return &ValidationError{Field: "actor", Message: "actor is required"}
	}
	return nil
}

// MarshalJSON marshals the payload to JSON.
func (p *RunControlPayload) MarshalJSON() ([]byte, error) {
	type Alias RunControlPayload
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON unmarshals the payload from JSON.
func (p *RunControlPayload) UnmarshalJSON(data []byte) error {
	type Alias RunControlPayload
	return json.Unmarshal(data, (*Alias)(p))
}

// Message types for phaseline payloads.
var (
	RunStartType = message.Type{
		Domain:   "workflow",
		Category: "run_start",
		Version:  "v1",
	}
	TaskResultType = message.Type{
		Domain:   "workflow",
		Category: "task_result",
		Version:  "v1",
	}
	GateDecisionType = message.Type{
		Domain:   "workflow",
		Category: "gate_decision",
		Version:  "v1",
	}
	IncidentReportType = message.Type{
		Domain:   "workflow",
		Category: "incident_report",
		Version:  "v1",
	}
	RunControlType = message.Type{
		Domain:   "workflow",
		Category: "run_control",
		Version:  "v1",
	}
)

// Payloads is the registry holding all phaseline payload registrations.
var Payloads = payloadregistry.New()

func init() {
	_ = Payloads.Register(&payloadregistry.Registration{
		Domain:      "workflow",
		Category:    "run_start",
		Version:     "v1",
		Description: "Workflow run start trigger",
		Factory:     func() any { return &RunStartPayload{} },
	})
	_ = Payloads.Register(&payloadregistry.Registration{
		Domain:      "workflow",
		Category:    "task_result",
		Version:     "v1",
		Description: "Worker task result report",
		Factory:     func() any { return &TaskResultPayload{} },
	})
	_ = Payloads.Register(&payloadregistry.Registration{
		Domain:      "workflow",
		Category:    "gate_decision",
		Version:     "v1",
		Description: "Approval gate decision",
		Factory:     func() any { return &GateDecisionPayload{} },
	})
	_ = Payloads.Register(&payloadregistry.Registration{
		Domain:      "workflow",
		Category:    "incident_report",
		Version:     "v1",
		Description: "Incident or alert ingestion",
		Factory:     func() any { return &IncidentReportPayload{} },
	})
	_ = Payloads.Register(&payloadregistry.Registration{
		Domain:      "workflow",
		Category:    "run_control",
		Version:     "v1",
		Description: "Run lifecycle control command",
		Factory:     func() any { return &RunControlPayload{} },
	})
}
