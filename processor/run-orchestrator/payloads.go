package runorchestrator

import (
	"encoding/json"

	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/semstreams/payloadregistry"

	"github.com/c360studio/phaseline/workflow"
)

// TaskAssignment is the dispatch message sent to a worker adapter on
// workflow.task.assign.<worker_id>. The worker executes the task and reports
// back on workflow.result.task.<run_id>.
type TaskAssignment struct {
	RunID      string `json:"run_id"`
	TaskID     string `json:"task_id"`
	WorkerID   string `json:"worker_id"`
	Capability string `json:"capability"`
	Phase      string `json:"phase"`

	// Inputs are the artifact keys the worker reads before starting.
	Inputs []string `json:"inputs,omitempty"`

	// Outputs are the artifact keys the worker must write. The result is
	// rejected if any declared output is missing.
	Outputs []string `json:"outputs,omitempty"`

	// Attempt is 1 on first dispatch and increments on each retry.
	Attempt int `json:"attempt"`

	// ResultSubject is where the worker publishes its TaskResultPayload.
	ResultSubject string `json:"result_subject"`
}

// TaskAssignmentType is the message type for task assignments.
var TaskAssignmentType = message.Type{
	Domain:   "workflow",
	Category: "task_assignment",
	Version:  "v1",
}

// Schema returns the message type for this payload.
func (a *TaskAssignment) Schema() message.Type {
	return TaskAssignmentType
}

// Validate validates the assignment.
func (a *TaskAssignment) Validate() error {
	if a.RunID == "" {
		return &workflow.ValidationError{Field: "run_id", Message: "run_id is required"}
	}
	if a.TaskID == "" {
		return &workflow.ValidationError{Field: "task_id", Message: "task_id is required"}
	}
	if a.WorkerID == "" {
		return &workflow.ValidationError{Field: "worker_id", Message: "worker_id is required"}
	}
	return nil
}

// MarshalJSON marshals the assignment to JSON.
func (a *TaskAssignment) MarshalJSON() ([]byte, error) {
	type Alias TaskAssignment
	return json.Marshal((*Alias)(a))
}

// UnmarshalJSON unmarshals the assignment from JSON.
func (a *TaskAssignment) UnmarshalJSON(data []byte) error {
	type Alias TaskAssignment
	return json.Unmarshal(data, (*Alias)(a))
}

func init() {
	_ = workflow.Payloads.Register(&payloadregistry.Registration{
		Domain:      "workflow",
		Category:    "task_assignment",
		Version:     "v1",
		Description: "Task dispatch to a worker adapter",
		Factory:     func() any { return &TaskAssignment{} },
	})
}
