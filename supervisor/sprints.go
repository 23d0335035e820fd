package supervisor

import (
	"context"
	"fmt"

	"github.com/c360studio/phaseline/workflow"
)

// ensureSprintLocked plans the next sprint when the implementation phase
// has uncommitted backlog and no active sprint. Capacity follows the
// rolling velocity average, seeded from the definition for the first
// sprint. Called with rs.mu held.
func (s *Supervisor) ensureSprintLocked(ctx context.Context, rs *runState) error {
	if rs.sprint != nil {
		return nil
	}

	var backlog []*workflow.Task
	for _, t := range rs.resolver.Tasks() {
		if t.Status == workflow.TaskPending && t.SprintID == "" {
			backlog = append(backlog, t)
		}
	}
	if len(backlog) == 0 {
		rs.sched.SetDispatchFilter(nil)
		return nil
	}

	capacity, err := s.planner.NextCapacity(ctx, rs.run.ID, rs.def.Sprints.SeedCapacity)
	if err != nil {
		return err
	}
	if capacity <= 0 {
		// A sprint that completed nothing would otherwise zero the average
		// and stall planning forever.
		capacity = rs.def.Sprints.SeedCapacity
	}
	sp, err := s.planner.PlanSprint(ctx, rs.run.ID, backlog, capacity, rs.resolver.TransitiveSuccessorCount)
	if err != nil {
		return err
	}

	rs.sprint = sp
	rs.sprintDeadline = nil
	if box, err := rs.def.Sprints.TimeBoxDuration(); err == nil && box > 0 {
		deadline := sp.StartedAt.Add(box)
		rs.sprintDeadline = &deadline
	}
	sprintID := sp.ID
	rs.sched.SetDispatchFilter(func(t *workflow.Task) bool {
		return t.SprintID == sprintID
	})

	s.publish(ctx, workflow.SprintPlannedEvent{
		RunID:     rs.run.ID,
		SprintID:  sp.ID,
		Ordinal:   sp.Ordinal,
		Capacity:  sp.Capacity,
		Committed: sp.Committed,
		TaskIDs:   append([]string(nil), sp.TaskIDs...),
	})
	return nil
}

// onTaskSettled runs after every task reaches a terminal status. In the
// implementation phase it closes the active sprint once every committed
// task has settled, then plans the next one from the remaining backlog.
func (s *Supervisor) onTaskSettled(ctx context.Context, rs *runState) {
	rs.mu.Lock()
	if rs.sprint == nil || !s.sprintCommittedSettledLocked(rs) {
		rs.mu.Unlock()
		return
	}
	if err := s.closeSprintLocked(ctx, rs); err != nil {
		s.logger.Error("sprint close failed", "run_id", rs.run.ID, "error", err)
		rs.mu.Unlock()
		return
	}
	if err := s.ensureSprintLocked(ctx, rs); err != nil {
		s.logger.Error("sprint planning failed", "run_id", rs.run.ID, "error", err)
	}
	rs.mu.Unlock()

	if err := s.tick(ctx, rs); err != nil {
		s.logger.Error("post-sprint tick failed", "run_id", rs.run.ID, "error", err)
	}
}

// sprintCommittedSettledLocked reports whether every task committed to the
// active sprint has reached a terminal status.
func (s *Supervisor) sprintCommittedSettledLocked(rs *runState) bool {
	for _, id := range rs.sprint.TaskIDs {
		t := rs.resolver.Task(id)
		if t == nil {
			continue
		}
		switch t.Status {
		case workflow.TaskDone, workflow.TaskFailed, workflow.TaskBlocked:
		default:
			return false
		}
	}
	return true
}

// closeSprintLocked finalizes the active sprint: velocity is computed,
// unfinished tasks roll back to the backlog, and a sprint_close checkpoint
// snapshots the run. Called with rs.mu held.
func (s *Supervisor) closeSprintLocked(ctx context.Context, rs *runState) error {
	sp, rolled, err := s.planner.CloseSprint(ctx, rs.run.ID, rs.sprint.ID)
	if err != nil {
		return err
	}

	// The planner resets rolled-over tasks in the store; mirror that on the
	// resolver's in-memory copies so readiness tracking stays coherent. A
	// task still running at the boundary holds a worker slot that must be
	// given back, and its eventual late result is rejected on the status
	// check rather than reaching a second Release.
	for _, id := range rolled {
		t := rs.resolver.Task(id)
		if t == nil {
			continue
		}
		if t.Status == workflow.TaskRunning && t.WorkerID != "" {
			rs.registry.Release(t.WorkerID)
		}
		t.Status = workflow.TaskPending
		t.SprintID = ""
		t.WorkerID = ""
		t.FailureCause = ""
		rs.resolver.Reopen(id)
	}

	rs.sprint = nil
	rs.sprintDeadline = nil
	rs.sched.SetDispatchFilter(nil)

	if _, err := s.takeCheckpointLocked(ctx, rs, workflow.CheckpointSprintClose); err != nil {
		return err
	}
	s.publish(ctx, workflow.SprintClosedEvent{
		RunID:     rs.run.ID,
		SprintID:  sp.ID,
		Completed: sp.Completed,
		Committed: sp.Committed,
		Velocity:  sp.Velocity,
	})
	return nil
}

// CloseDueSprints closes every active sprint whose time box has expired,
// rolling unfinished work into the next sprint. The run-orchestrator
// processor calls this on a ticker.
func (s *Supervisor) CloseDueSprints(ctx context.Context) error {
	s.mu.Lock()
	states := make([]*runState, 0, len(s.runs))
	for _, rs := range s.runs {
		states = append(states, rs)
	}
	s.mu.Unlock()

	now := s.now()
	for _, rs := range states {
		rs.mu.Lock()
		due := rs.sprint != nil && rs.sprintDeadline != nil && now.After(*rs.sprintDeadline)
		if !due {
			rs.mu.Unlock()
			continue
		}
		if err := s.closeSprintLocked(ctx, rs); err != nil {
			rs.mu.Unlock()
			return err
		}
		if err := s.ensureSprintLocked(ctx, rs); err != nil {
			rs.mu.Unlock()
			return err
		}
		rs.mu.Unlock()

		if err := s.tick(ctx, rs); err != nil {
			return err
		}
	}
	return nil
}

// SprintReport summarizes one sprint for operators and the HTTP API.
type SprintReport struct {
	Sprint workflow.Sprint     `json:"sprint"`
	Tasks  []SprintTaskSummary `json:"tasks"`
}

// SprintTaskSummary is one committed task's line in a sprint report.
type SprintTaskSummary struct {
	TaskID   string              `json:"task_id"`
	Status   workflow.TaskStatus `json:"status"`
	Estimate int                 `json:"estimate"`
	WorkerID string              `json:"worker_id,omitempty"`
}

// GetSprintReport returns the report for the sprint with the given ordinal.
func (s *Supervisor) GetSprintReport(ctx context.Context, runID string, ordinal int) (*SprintReport, error) {
	sprints, err := s.store.ListSprints(ctx, runID)
	if err != nil {
		return nil, err
	}
	var sp *workflow.Sprint
	for _, candidate := range sprints {
		if candidate.Ordinal == ordinal {
			sp = candidate
			break
		}
	}
	if sp == nil {
		return nil, fmt.Errorf("run %s sprint %d: %w", runID, ordinal, workflow.ErrNotFound)
	}

	report := &SprintReport{Sprint: *sp}
	for _, id := range sp.TaskIDs {
		t, err := s.store.GetTask(ctx, runID, id)
		if err != nil {
			return nil, err
		}
		report.Tasks = append(report.Tasks, SprintTaskSummary{
			TaskID:   t.ID,
			Status:   t.Status,
			Estimate: t.Estimate,
			WorkerID: t.WorkerID,
		})
	}
	return report, nil
}
