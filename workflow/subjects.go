// Typed NATS subject definitions for phaseline domain events, one subject per
// event type under "workflow.events.<domain>.<action>". Publish actions emit
// BaseMessage-wrapped payloads on the wire; consumers unwrap with
// ParseNATSMessage[T].
package workflow

import (
	"github.com/c360studio/semstreams/natsclient"
)

// Run lifecycle events

// RunStartedEvent is published when a run is created and begins its first phase.
type RunStartedEvent struct {
	RunID      string   `json:"run_id"`
	Definition string   `json:"definition"`
	Phases     []string `json:"phases"`
}

// RunCompletedEvent is published when the final phase completes.
type RunCompletedEvent struct {
	RunID string `json:"run_id"`
}

// RunCancelledEvent is published when an operator cancels a run.
type RunCancelledEvent struct {
	RunID  string `json:"run_id"`
	Actor  string `json:"actor,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// PhaseAdvancedEvent is published when a run moves to its next phase.
type PhaseAdvancedEvent struct {
	RunID string `json:"run_id"`
	From  string `json:"from"`
	To    string `json:"to"`
}

// Task lifecycle events

// TaskDispatchedEvent is published when the scheduler hands a task to a worker.
type TaskDispatchedEvent struct {
	RunID    string `json:"run_id"`
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
	Attempt  int    `json:"attempt"`
}

// TaskDoneEvent is published when a task's outputs validate and it completes.
type TaskDoneEvent struct {
	RunID   string   `json:"run_id"`
	TaskID  string   `json:"task_id"`
	Outputs []string `json:"outputs,omitempty"`
}

// TaskFailedEvent is published when a task exhausts its retry budget.
type TaskFailedEvent struct {
	RunID      string `json:"run_id"`
	TaskID     string `json:"task_id"`
	Attempts   int    `json:"attempts"`
	Cause      string `json:"cause"`
	IncidentID string `json:"incident_id,omitempty"`
}

// Gate lifecycle events

// GateCreatedEvent is published when a phase's DAG completes and its gate opens.
type GateCreatedEvent struct {
	RunID  string `json:"run_id"`
	GateID string `json:"gate_id"`
	Phase  string `json:"phase"`
}

// GateDecidedEvent is published on every approve or reject decision.
type GateDecidedEvent struct {
	RunID     string `json:"run_id"`
	GateID    string `json:"gate_id"`
	Decision  string `json:"decision"`
	Actor     string `json:"actor"`
	Rationale string `json:"rationale,omitempty"`
}

// GateEscalatedEvent is published when a gate stays pending past its
// configured escalation window. Pages a human; never auto-approves.
type GateEscalatedEvent struct {
	RunID   string `json:"run_id"`
	GateID  string `json:"gate_id"`
	Pending string `json:"pending_for"`
}

// Sprint lifecycle events

// SprintPlannedEvent is published when a new sprint commits its task set.
type SprintPlannedEvent struct {
	RunID     string   `json:"run_id"`
	SprintID  string   `json:"sprint_id"`
	Ordinal   int      `json:"ordinal"`
	Capacity  int      `json:"capacity"`
	Committed int      `json:"committed_points"`
	TaskIDs   []string `json:"task_ids"`
}

// SprintClosedEvent is published when a sprint closes and velocity is final.
type SprintClosedEvent struct {
	RunID     string  `json:"run_id"`
	SprintID  string  `json:"sprint_id"`
	Completed int     `json:"completed_points"`
	Committed int     `json:"committed_points"`
	Velocity  float64 `json:"velocity"`
}

// Incident lifecycle events

// IncidentRaisedEvent is published on failure or alert ingestion.
type IncidentRaisedEvent struct {
	RunID      string `json:"run_id"`
	IncidentID string `json:"incident_id"`
	Severity   string `json:"severity"`
	Source     string `json:"source"`
}

// IncidentEscalatedEvent is published when a response-time budget expires.
type IncidentEscalatedEvent struct {
	RunID      string `json:"run_id"`
	IncidentID string `json:"incident_id"`
	Severity   string `json:"severity"`
	Budget     string `json:"budget"`
}

// RollbackPerformedEvent is published after a run is restored to a checkpoint.
type RollbackPerformedEvent struct {
	RunID        string `json:"run_id"`
	CheckpointID string `json:"checkpoint_id"`
	IncidentID   string `json:"incident_id"`
}

// DefinitionUpdatedEvent is published when the definition loader picks up a
// new, changed, or removed workflow definition.
type DefinitionUpdatedEvent struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Removed bool   `json:"removed,omitempty"`
}

// Typed subject definitions for phaseline domain events. These provide
// compile-time type safety for NATS publish/subscribe operations.
var (
	// Run events
	RunStartedSubject = natsclient.NewSubject[RunStartedEvent](
		"workflow.events.run.started")
	RunCompletedSubject = natsclient.NewSubject[RunCompletedEvent](
		"workflow.events.run.completed")
	RunCancelledSubject = natsclient.NewSubject[RunCancelledEvent](
		"workflow.events.run.cancelled")
	PhaseAdvancedSubject = natsclient.NewSubject[PhaseAdvancedEvent](
		"workflow.events.run.phase_advanced")

	// Task events
	TaskDispatchedSubject = natsclient.NewSubject[TaskDispatchedEvent](
		"workflow.events.task.dispatched")
	TaskDoneSubject = natsclient.NewSubject[TaskDoneEvent](
		"workflow.events.task.done")
	TaskFailedSubject = natsclient.NewSubject[TaskFailedEvent](
		"workflow.events.task.failed")

	// Gate events
	GateCreatedSubject = natsclient.NewSubject[GateCreatedEvent](
		"workflow.events.gate.created")
	GateDecidedSubject = natsclient.NewSubject[GateDecidedEvent](
		"workflow.events.gate.decided")
	GateEscalatedSubject = natsclient.NewSubject[GateEscalatedEvent](
		"workflow.events.gate.escalated")

	// Sprint events
	SprintPlannedSubject = natsclient.NewSubject[SprintPlannedEvent](
		"workflow.events.sprint.planned")
	SprintClosedSubject = natsclient.NewSubject[SprintClosedEvent](
		"workflow.events.sprint.closed")

	// Incident events
	IncidentRaisedSubject = natsclient.NewSubject[IncidentRaisedEvent](
		"workflow.events.incident.raised")
	IncidentEscalatedSubject = natsclient.NewSubject[IncidentEscalatedEvent](
		"workflow.events.incident.escalated")
	RollbackPerformedSubject = natsclient.NewSubject[RollbackPerformedEvent](
		"workflow.events.incident.rollback_performed")

	// Definition events
	DefinitionUpdatedSubject = natsclient.NewSubject[DefinitionUpdatedEvent](
		"workflow.events.definition.updated")
)

// Command subjects consumed by the run orchestrator.
const (
	// SubjectPrefix covers all workflow traffic; the stream subscribes
	// to SubjectPrefix + ">".
	SubjectPrefix = "workflow."
	// SubjectRunStart carries RunStartPayload triggers.
	SubjectRunStart = "workflow.trigger.run_start"
	// SubjectTaskResultPrefix carries TaskResultPayload reports; workers
	// publish to workflow.result.task.<run_id>.
	SubjectTaskResultPrefix = "workflow.result.task."
	// SubjectRunControl carries RunControlPayload lifecycle commands.
	SubjectRunControl = "workflow.trigger.run_control"
	// SubjectGateDecision carries GateDecisionPayload decisions.
	SubjectGateDecision = "workflow.gate.decision"
	// SubjectIncidentReport carries IncidentReportPayload alerts.
	SubjectIncidentReport = "workflow.incident.report"
	// SubjectTaskAssignPrefix is where task assignments are dispatched;
	// one subject per worker id.
	SubjectTaskAssignPrefix = "workflow.task.assign."
)
