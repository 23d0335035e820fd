package runorchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/semstreams/natsclient"

	"github.com/c360studio/phaseline/scheduler"
	"github.com/c360studio/phaseline/workflow"
)

// NATSDispatcher publishes task assignments to per-worker subjects. Worker
// adapters subscribe to workflow.task.assign.<worker_id> and report results
// on workflow.result.task.<run_id>.
type NATSDispatcher struct {
	nc     *natsclient.Client
	logger *slog.Logger
	source string
}

var _ scheduler.Dispatcher = (*NATSDispatcher)(nil)

// NewNATSDispatcher creates a dispatcher publishing through the given client.
func NewNATSDispatcher(nc *natsclient.Client, logger *slog.Logger) *NATSDispatcher {
	return &NATSDispatcher{
		nc:     nc,
		logger: logger,
		source: "run-orchestrator",
	}
}

// Dispatch publishes one task assignment. The scheduler has already marked
// the task running and assigned the worker; a publish failure here routes
// back through the scheduler's retry path.
func (d *NATSDispatcher) Dispatch(ctx context.Context, task *workflow.Task, workerID string) error {
	assignment := &TaskAssignment{
		RunID:         task.RunID,
		TaskID:        task.ID,
		WorkerID:      workerID,
		Capability:    task.Capability,
		Phase:         string(task.Phase),
		Inputs:        task.Inputs,
		Outputs:       task.Outputs,
		Attempt:       task.RetryCount + 1,
		ResultSubject: workflow.SubjectTaskResultPrefix + task.RunID,
	}

	baseMsg := message.NewBaseMessage(assignment.Schema(), assignment, d.source)
	data, err := json.Marshal(baseMsg)
	if err != nil {
		return fmt.Errorf("marshal assignment: %w", err)
	}

	subject := workflow.SubjectTaskAssignPrefix + workerID
	if err := d.nc.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish assignment to %s: %w", subject, err)
	}

	d.logger.Debug("Dispatched task",
		"run_id", task.RunID,
		"task_id", task.ID,
		"worker_id", workerID,
		"attempt", assignment.Attempt)
	return nil
}
