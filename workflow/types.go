// Package workflow defines the core domain model for phaseline: runs, phases,
// tasks, gates, sprints, incidents, and the state machines that govern them.
//
// A Run walks an ordered list of phases. Each phase owns a task DAG and an
// optional trailing approval gate. The implementation phase additionally loops
// through sprints until its backlog drains. All status types here are plain
// strings with explicit transition tables so that every mutation in the engine
// goes through CanTransitionTo and invalid transitions fail loudly.
package workflow

import (
	"fmt"
	"time"
)

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	// RunRunning means the scheduler is actively driving the run.
	RunRunning RunStatus = "running"
	// RunPaused means scheduling is suspended (rollback in progress or
	// operator pause). Task state is frozen but preserved.
	RunPaused RunStatus = "paused"
	// RunCompleted means every phase finished and all gates were approved.
	RunCompleted RunStatus = "completed"
	// RunAborted means the run was cancelled; non-terminal tasks were blocked
	// and artifacts left intact for inspection.
	RunAborted RunStatus = "aborted"
)

// String returns the string representation.
func (s RunStatus) String() string { return string(s) }

// IsValid reports whether the status is a known run status.
func (s RunStatus) IsValid() bool {
	switch s {
	case RunRunning, RunPaused, RunCompleted, RunAborted:
		return true
	}
	return false
}

// IsTerminal reports whether the run can no longer change state.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunAborted
}

// CanTransitionTo reports whether a transition to target is legal.
func (s RunStatus) CanTransitionTo(target RunStatus) bool {
	switch s {
	case RunRunning:
		return target == RunPaused || target == RunCompleted || target == RunAborted
	case RunPaused:
		return target == RunRunning || target == RunAborted
	default:
		return false
	}
}

// PhaseName identifies one stage of the delivery pipeline.
type PhaseName string

// The canonical phase sequence. A definition may use a contiguous or
// non-contiguous subset of these, but never reorder them.
const (
	PhaseDiscovery      PhaseName = "discovery"
	PhaseArchitecture   PhaseName = "architecture"
	PhaseImplementation PhaseName = "implementation"
	PhaseIntegration    PhaseName = "integration"
	PhaseDeployPrep     PhaseName = "deploy_prep"
	PhaseDeploy         PhaseName = "deploy"
	PhasePostLaunch     PhaseName = "post_launch"
)

// CanonicalPhaseOrder lists every known phase in execution order.
var CanonicalPhaseOrder = []PhaseName{
	PhaseDiscovery,
	PhaseArchitecture,
	PhaseImplementation,
	PhaseIntegration,
	PhaseDeployPrep,
	PhaseDeploy,
	PhasePostLaunch,
}

// PhaseOrdinal returns the position of a phase in the canonical order,
// or -1 if the name is unknown.
func PhaseOrdinal(name PhaseName) int {
	for i, p := range CanonicalPhaseOrder {
		if p == name {
			return i
		}
	}
	return -1
}

// IsValid reports whether the phase name is one of the canonical phases.
func (p PhaseName) IsValid() bool { return PhaseOrdinal(p) >= 0 }

// String returns the string representation.
func (p PhaseName) String() string { return string(p) }

// PhaseStatus represents the lifecycle state of one phase within a run.
type PhaseStatus string

const (
	// PhasePending means the phase has not yet started.
	PhasePending PhaseStatus = "pending"
	// PhaseRunning means the phase's task DAG is executing.
	PhaseRunning PhaseStatus = "running"
	// PhaseAwaitingGate means every task in the DAG is done and the phase is
	// blocked on its trailing gate decision.
	PhaseAwaitingGate PhaseStatus = "awaiting_gate"
	// PhaseComplete means all tasks are done and the gate (if any) approved.
	PhaseComplete PhaseStatus = "complete"
)

// String returns the string representation.
func (s PhaseStatus) String() string { return string(s) }

// IsValid reports whether the status is a known phase status.
func (s PhaseStatus) IsValid() bool {
	switch s {
	case PhasePending, PhaseRunning, PhaseAwaitingGate, PhaseComplete:
		return true
	}
	return false
}

// CanTransitionTo reports whether a transition to target is legal.
// awaiting_gate -> running covers gate rejection reopening the phase.
func (s PhaseStatus) CanTransitionTo(target PhaseStatus) bool {
	switch s {
	case PhasePending:
		return target == PhaseRunning
	case PhaseRunning:
		return target == PhaseAwaitingGate || target == PhaseComplete
	case PhaseAwaitingGate:
		return target == PhaseComplete || target == PhaseRunning
	default:
		return false
	}
}

// TaskStatus represents the lifecycle state of a single task.
type TaskStatus string

const (
	// TaskPending means the task is waiting for its predecessors.
	TaskPending TaskStatus = "pending"
	// TaskReady means every predecessor is done and the task is dispatchable.
	TaskReady TaskStatus = "ready"
	// TaskRunning means the task has been handed to a worker.
	TaskRunning TaskStatus = "running"
	// TaskBlocked means a predecessor failed permanently; the task is held
	// until the predecessor is retried or an operator forces an override.
	TaskBlocked TaskStatus = "blocked"
	// TaskDone means the worker succeeded and output artifacts validated.
	TaskDone TaskStatus = "done"
	// TaskFailed means the retry budget is exhausted.
	TaskFailed TaskStatus = "failed"
)

// String returns the string representation.
func (s TaskStatus) String() string { return string(s) }

// IsValid reports whether the status is a known task status.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskPending, TaskReady, TaskRunning, TaskBlocked, TaskDone, TaskFailed:
		return true
	}
	return false
}

// IsTerminal reports whether the task has reached a terminal state. Failed is
// terminal for scheduling purposes but may be reset by rework or override.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskDone || s == TaskFailed
}

// CanTransitionTo reports whether a transition to target is legal.
//
// running -> pending is the retry requeue (backoff elapsed, attempt again).
// done/failed/blocked -> pending cover gate rework, sprint rollover, and
// operator overrides. All three reset paths are explicit, audited actions.
func (s TaskStatus) CanTransitionTo(target TaskStatus) bool {
	switch s {
	case TaskPending:
		return target == TaskReady || target == TaskBlocked
	case TaskReady:
		return target == TaskRunning || target == TaskBlocked || target == TaskPending
	case TaskRunning:
		return target == TaskDone || target == TaskFailed || target == TaskPending || target == TaskBlocked
	case TaskBlocked:
		return target == TaskPending
	case TaskDone:
		return target == TaskPending
	case TaskFailed:
		return target == TaskPending
	default:
		return false
	}
}

// GateStatus represents the decision state of an approval gate.
type GateStatus string

const (
	// GatePending means the gate is awaiting an external decision.
	GatePending GateStatus = "pending"
	// GateApproved is terminal; the owning phase advances.
	GateApproved GateStatus = "approved"
	// GateRejected reopens the owning phase; the gate returns to pending
	// once the rework scope has been reopened.
	GateRejected GateStatus = "rejected"
)

// String returns the string representation.
func (s GateStatus) String() string { return string(s) }

// IsValid reports whether the status is a known gate status.
func (s GateStatus) IsValid() bool {
	return s == GatePending || s == GateApproved || s == GateRejected
}

// CanTransitionTo reports whether a transition to target is legal.
func (s GateStatus) CanTransitionTo(target GateStatus) bool {
	switch s {
	case GatePending:
		return target == GateApproved || target == GateRejected
	case GateRejected:
		return target == GatePending
	default:
		return false
	}
}

// SprintStatus represents the lifecycle state of a sprint.
type SprintStatus string

const (
	// SprintActive means the sprint's committed tasks are in play.
	SprintActive SprintStatus = "active"
	// SprintClosed means the sprint ended; velocity is final.
	SprintClosed SprintStatus = "closed"
)

// String returns the string representation.
func (s SprintStatus) String() string { return string(s) }

// IncidentStatus represents the lifecycle state of an incident.
type IncidentStatus string

const (
	// IncidentDetected is the initial state on ingestion.
	IncidentDetected IncidentStatus = "detected"
	// IncidentTriaged means severity has been confirmed or reclassified.
	IncidentTriaged IncidentStatus = "triaged"
	// IncidentMitigating means corrective work is underway.
	IncidentMitigating IncidentStatus = "mitigating"
	// IncidentResolved is terminal; the record is immutable afterwards.
	IncidentResolved IncidentStatus = "resolved"
	// IncidentEscalated means the response-time budget expired before
	// mitigation completed and the paging callback fired.
	IncidentEscalated IncidentStatus = "escalated"
)

// String returns the string representation.
func (s IncidentStatus) String() string { return string(s) }

// IsValid reports whether the status is a known incident status.
func (s IncidentStatus) IsValid() bool {
	switch s {
	case IncidentDetected, IncidentTriaged, IncidentMitigating, IncidentResolved, IncidentEscalated:
		return true
	}
	return false
}

// IsClosed reports whether the incident record is immutable.
func (s IncidentStatus) IsClosed() bool { return s == IncidentResolved }

// CanTransitionTo reports whether a transition to target is legal.
// Escalation is reachable from any open state because the budget timer runs
// independently of triage progress. An escalated incident can still resolve.
func (s IncidentStatus) CanTransitionTo(target IncidentStatus) bool {
	switch s {
	case IncidentDetected:
		return target == IncidentTriaged || target == IncidentEscalated
	case IncidentTriaged:
		return target == IncidentMitigating || target == IncidentEscalated
	case IncidentMitigating:
		return target == IncidentResolved || target == IncidentEscalated
	case IncidentEscalated:
		return target == IncidentResolved
	default:
		return false
	}
}

// Severity classifies incidents. SEV1 is the most urgent.
type Severity string

const (
	// SeverityCritical (SEV1): production down, immediate page.
	SeverityCritical Severity = "SEV1"
	// SeverityHigh (SEV2): major degradation.
	SeverityHigh Severity = "SEV2"
	// SeverityMedium (SEV3): contained failure, bounded impact.
	SeverityMedium Severity = "SEV3"
	// SeverityLow (SEV4): cosmetic or deferred work.
	SeverityLow Severity = "SEV4"
)

// String returns the string representation.
func (s Severity) String() string { return string(s) }

// IsValid reports whether the severity is a known level.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// Rank returns 1 for SEV1 through 4 for SEV4, or 0 for unknown severities.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 1
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 4
	}
	return 0
}

// PagesImmediately reports whether unresolved incidents of this severity
// escalate when the response budget expires.
func (s Severity) PagesImmediately() bool {
	return s == SeverityCritical || s == SeverityHigh
}

// Run is one execution instance of the phase sequence. It is owned
// exclusively by the supervisor; all mutation goes through it.
type Run struct {
	ID         string      `json:"id"`
	Definition string      `json:"definition"`
	Phases     []PhaseName `json:"phases"`
	Current    PhaseName   `json:"current_phase"`
	Status     RunStatus   `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	EndedAt    *time.Time  `json:"ended_at,omitempty"`
}

// CurrentOrdinal returns the index of the current phase within the run's
// phase list, or -1 if the run has not started a phase.
func (r *Run) CurrentOrdinal() int {
	for i, p := range r.Phases {
		if p == r.Current {
			return i
		}
	}
	return -1
}

// NextPhase returns the phase after the current one, or "" when the current
// phase is the last.
func (r *Run) NextPhase() PhaseName {
	i := r.CurrentOrdinal()
	if i < 0 || i+1 >= len(r.Phases) {
		return ""
	}
	return r.Phases[i+1]
}

// PhaseState tracks one phase's progress within a run.
type PhaseState struct {
	Name      PhaseName   `json:"name"`
	Status    PhaseStatus `json:"status"`
	GateID    string      `json:"gate_id,omitempty"`
	StartedAt *time.Time  `json:"started_at,omitempty"`
	EndedAt   *time.Time  `json:"ended_at,omitempty"`
}

// Task is the atomic unit of work.
type Task struct {
	ID           string     `json:"id"`
	RunID        string     `json:"run_id"`
	Phase        PhaseName  `json:"phase"`
	Capability   string     `json:"capability"`
	Inputs       []string   `json:"inputs,omitempty"`
	Outputs      []string   `json:"outputs,omitempty"`
	Estimate     int        `json:"estimate"`
	Priority     int        `json:"priority"`
	DependsOn    []string   `json:"depends_on,omitempty"`
	RedoOnReject bool       `json:"redo_on_reject,omitempty"`
	Status       TaskStatus `json:"status"`
	RetryCount   int        `json:"retry_count"`
	WorkerID     string     `json:"worker_id,omitempty"`
	SprintID     string     `json:"sprint_id,omitempty"`
	FailureCause string     `json:"failure_cause,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

// Gate is a human-approval checkpoint at a phase boundary. It is created only
// after the phase's task DAG is fully done and mutated only by Decide.
type Gate struct {
	ID        string     `json:"id"`
	RunID     string     `json:"run_id"`
	Phase     PhaseName  `json:"phase"`
	Status    GateStatus `json:"status"`
	Actor     string     `json:"actor,omitempty"`
	Rationale string     `json:"rationale,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
	// Rejections counts pending -> rejected -> pending cycles for audit.
	Rejections int `json:"rejections,omitempty"`
}

// Sprint is a time-boxed grouping of implementation-phase tasks.
type Sprint struct {
	ID        string       `json:"id"`
	RunID     string       `json:"run_id"`
	Ordinal   int          `json:"ordinal"`
	Capacity  int          `json:"capacity"`
	TaskIDs   []string     `json:"task_ids"`
	Committed int          `json:"committed_points"`
	Completed int          `json:"completed_points"`
	Velocity  float64      `json:"velocity"`
	Status    SprintStatus `json:"status"`
	StartedAt time.Time    `json:"started_at"`
	ClosedAt  *time.Time   `json:"closed_at,omitempty"`
}

// Incident records a failure or alert. Closed incidents are immutable;
// corrections create a new record linked through CausedBy.
type Incident struct {
	ID             string         `json:"id"`
	RunID          string         `json:"run_id"`
	Severity       Severity       `json:"severity"`
	Source         string         `json:"source"`
	Details        string         `json:"details,omitempty"`
	Status         IncidentStatus `json:"status"`
	RollbackTarget string         `json:"rollback_target,omitempty"`
	CausedBy       string         `json:"caused_by,omitempty"`
	DetectedAt     time.Time      `json:"detected_at"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
	EscalatedAt    *time.Time     `json:"escalated_at,omitempty"`
}

// Worker is a capability-tagged executor registered before a run starts.
// The core persists only task assignment history, never worker-internal state.
type Worker struct {
	ID           string   `json:"id"`
	Capabilities []string `json:"capabilities"`
	MaxTasks     int      `json:"max_tasks"`
	Available    bool     `json:"available"`
}

// HasCapability reports whether the worker carries the given tag.
func (w *Worker) HasCapability(tag string) bool {
	for _, c := range w.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// ArtifactRef names one immutable version of a task output.
type ArtifactRef struct {
	TaskID  string `json:"task_id"`
	Key     string `json:"key"`
	Version int    `json:"version"`
}

// String renders the reference as task/key@version.
func (r ArtifactRef) String() string {
	return fmt.Sprintf("%s/%s@%d", r.TaskID, r.Key, r.Version)
}

// CheckpointKind distinguishes why a checkpoint was recorded.
type CheckpointKind string

const (
	// CheckpointGateApproval is taken immediately after a gate approves.
	CheckpointGateApproval CheckpointKind = "gate_approval"
	// CheckpointSprintClose is taken immediately after a sprint closes.
	CheckpointSprintClose CheckpointKind = "sprint_close"
)

// Checkpoint is one entry in a run's append-only checkpoint log: a full
// snapshot of phase/task/gate/sprint state at a validated point, usable as a
// rollback target.
type Checkpoint struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	Kind      CheckpointKind `json:"kind"`
	Sequence  int            `json:"sequence"`
	TakenAt   time.Time      `json:"taken_at"`
	Run       Run            `json:"run"`
	PhaseList []PhaseState   `json:"phase_states"`
	Tasks     []Task         `json:"tasks"`
	Gates     []Gate         `json:"gates"`
	Sprints   []Sprint       `json:"sprints"`
}

// StatusChange is one entry in a task's audit trail.
type StatusChange struct {
	TaskID string     `json:"task_id"`
	From   TaskStatus `json:"from"`
	To     TaskStatus `json:"to"`
	Actor  string     `json:"actor,omitempty"`
	Reason string     `json:"reason,omitempty"`
	At     time.Time  `json:"at"`
}
