package runorchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/c360studio/semstreams/natsclient"

	"github.com/c360studio/phaseline/supervisor"
	"github.com/c360studio/phaseline/workflow"
)

// NATSEventSink publishes supervisor events to their typed subjects under
// workflow.events.>. Events are fire-and-forget; the supervisor logs publish
// failures and continues.
type NATSEventSink struct {
	nc *natsclient.Client
}

var _ supervisor.EventSink = (*NATSEventSink)(nil)

// NewNATSEventSink creates a sink publishing through the given client.
func NewNATSEventSink(nc *natsclient.Client) *NATSEventSink {
	return &NATSEventSink{nc: nc}
}

// Publish routes the event to its subject by concrete type.
func (s *NATSEventSink) Publish(ctx context.Context, event any) error {
	var subject string
	switch event.(type) {
	case workflow.RunStartedEvent:
		subject = workflow.RunStartedSubject.Pattern
	case workflow.RunCompletedEvent:
		subject = workflow.RunCompletedSubject.Pattern
	case workflow.RunCancelledEvent:
		subject = workflow.RunCancelledSubject.Pattern
	case workflow.PhaseAdvancedEvent:
		subject = workflow.PhaseAdvancedSubject.Pattern
	case workflow.TaskDispatchedEvent:
		subject = workflow.TaskDispatchedSubject.Pattern
	case workflow.TaskDoneEvent:
		subject = workflow.TaskDoneSubject.Pattern
	case workflow.TaskFailedEvent:
		subject = workflow.TaskFailedSubject.Pattern
	case workflow.GateCreatedEvent:
		subject = workflow.GateCreatedSubject.Pattern
	case workflow.GateDecidedEvent:
		subject = workflow.GateDecidedSubject.Pattern
	case workflow.GateEscalatedEvent:
		subject = workflow.GateEscalatedSubject.Pattern
	case workflow.SprintPlannedEvent:
		subject = workflow.SprintPlannedSubject.Pattern
	case workflow.SprintClosedEvent:
		subject = workflow.SprintClosedSubject.Pattern
	case workflow.IncidentRaisedEvent:
		subject = workflow.IncidentRaisedSubject.Pattern
	case workflow.IncidentEscalatedEvent:
		subject = workflow.IncidentEscalatedSubject.Pattern
	case workflow.RollbackPerformedEvent:
		subject = workflow.RollbackPerformedSubject.Pattern
	case workflow.DefinitionUpdatedEvent:
		subject = workflow.DefinitionUpdatedSubject.Pattern
	default:
		return fmt.Errorf("no subject for event type %T", event)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.nc.Publish(ctx, subject, data)
}
