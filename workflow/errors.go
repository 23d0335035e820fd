package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors shared across the engine.
var (
	// ErrNotFound indicates a run, task, gate, sprint, or incident lookup miss.
	ErrNotFound = errors.New("not found")

	// ErrCapacityUnavailable means every capable worker is at its concurrency
	// limit. Transient: the task stays ready and is retried next tick.
	ErrCapacityUnavailable = errors.New("no capable worker currently free")

	// ErrNoCapableWorker means no registered worker carries the required
	// capability tag at all. Unlike ErrCapacityUnavailable this cannot clear
	// on its own and is surfaced to the operator.
	ErrNoCapableWorker = errors.New("no worker registered for capability")

	// ErrRunTerminal indicates an operation on a completed or aborted run.
	ErrRunTerminal = errors.New("run is in a terminal state")

	// ErrPhaseNotComplete indicates a gate was requested before every task in
	// the phase's DAG reached done.
	ErrPhaseNotComplete = errors.New("phase task DAG is not complete")

	// ErrReworkScopeRequired indicates a gate rejection resolved to an empty
	// rework scope: no task carries redo_on_reject and the decision named no
	// patterns. The operator must supply an explicit scope rather than have
	// the engine guess which work to redo.
	ErrReworkScopeRequired = errors.New("explicit rework scope required")
)

// ConfigError is a fatal workflow-definition error. It is raised at load time
// and never retried. Cycle carries the offending dependency path when the
// definition is cyclic.
type ConfigError struct {
	Message string
	Cycle   []string
}

func (e *ConfigError) Error() string {
	if len(e.Cycle) > 0 {
		return fmt.Sprintf("config: %s: %s", e.Message, strings.Join(e.Cycle, " -> "))
	}
	return "config: " + e.Message
}

// NewConfigError creates a ConfigError with a formatted message.
func NewConfigError(format string, args ...any) *ConfigError {
	return &ConfigError{Message: fmt.Sprintf(format, args...)}
}

// ValidationError reports a single invalid field in a payload or definition.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// TaskExecutionError wraps a worker-reported failure or an output validation
// failure. Retried up to the configured budget, then escalated to a failed
// task plus an incident.
type TaskExecutionError struct {
	TaskID  string
	Attempt int
	Cause   string
	Err     error
}

func (e *TaskExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("task %s attempt %d: %s: %v", e.TaskID, e.Attempt, e.Cause, e.Err)
	}
	return fmt.Sprintf("task %s attempt %d: %s", e.TaskID, e.Attempt, e.Cause)
}

func (e *TaskExecutionError) Unwrap() error { return e.Err }

// GateTransitionError is returned when a decision is attempted on a gate that
// is not pending. Rejected synchronously to the caller, never retried.
type GateTransitionError struct {
	GateID string
	Status GateStatus
}

func (e *GateTransitionError) Error() string {
	return fmt.Sprintf("gate %s: invalid transition from %s", e.GateID, e.Status)
}

// RollbackTargetError is returned when the requested checkpoint does not
// exist in the run's checkpoint log. Fatal, surfaced to the operator; the
// engine never falls back to a different target.
type RollbackTargetError struct {
	RunID      string
	Checkpoint string
}

func (e *RollbackTargetError) Error() string {
	return fmt.Sprintf("run %s: rollback target %q not found", e.RunID, e.Checkpoint)
}

// StatusTransitionError reports an illegal state-machine transition.
type StatusTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *StatusTransitionError) Error() string {
	return fmt.Sprintf("%s %s: cannot transition %s -> %s", e.Entity, e.ID, e.From, e.To)
}

// NewTaskTransitionError builds a StatusTransitionError for a task.
func NewTaskTransitionError(id string, from, to TaskStatus) *StatusTransitionError {
	return &StatusTransitionError{Entity: "task", ID: id, From: from.String(), To: to.String()}
}
