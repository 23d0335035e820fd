package supervisor

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/c360studio/phaseline/worker"
	"github.com/c360studio/phaseline/workflow"
)

// takeCheckpointLocked snapshots the run's full state into the checkpoint
// log. Checkpoints are taken at gate approvals and sprint closes, the two
// points where the run is quiescent enough to restore cleanly. Called with
// rs.mu held.
func (s *Supervisor) takeCheckpointLocked(ctx context.Context, rs *runState, kind workflow.CheckpointKind) (*workflow.Checkpoint, error) {
	tasks, err := s.store.ListTasks(ctx, rs.run.ID)
	if err != nil {
		return nil, err
	}
	gates, err := s.store.ListGates(ctx, rs.run.ID)
	if err != nil {
		return nil, err
	}
	sprints, err := s.store.ListSprints(ctx, rs.run.ID)
	if err != nil {
		return nil, err
	}

	cp := &workflow.Checkpoint{
		ID:      uuid.New().String(),
		RunID:   rs.run.ID,
		Kind:    kind,
		TakenAt: s.now(),
		Run:     *rs.run,
	}
	for _, ps := range rs.phases {
		cp.PhaseList = append(cp.PhaseList, *ps)
	}
	for _, t := range tasks {
		cp.Tasks = append(cp.Tasks, *t)
	}
	for _, g := range gates {
		cp.Gates = append(cp.Gates, *g)
	}
	for _, sp := range sprints {
		cp.Sprints = append(cp.Sprints, *sp)
	}

	if err := s.cps.Append(ctx, cp); err != nil {
		return nil, err
	}
	s.logger.Info("checkpoint taken",
		"run_id", rs.run.ID,
		"checkpoint_id", cp.ID,
		"kind", kind,
		"sequence", cp.Sequence)
	return cp, nil
}

// Checkpoints lists a run's checkpoints in sequence order.
func (s *Supervisor) Checkpoints(ctx context.Context, runID string) ([]*workflow.Checkpoint, error) {
	return s.cps.List(ctx, runID)
}

// TriggerRollback restores a run to a named checkpoint. The incident
// controller validates the target, invokes the restore, and records a new
// incident linked to both the checkpoint and the incident that caused the
// rollback. The run comes back paused so an operator can review the
// restored state before resuming.
func (s *Supervisor) TriggerRollback(ctx context.Context, runID, checkpointID, causeIncidentID string) (*workflow.Incident, error) {
	if _, err := s.runState(runID); err != nil {
		return nil, err
	}
	inc, err := s.incidents.TriggerRollback(ctx, runID, checkpointID, causeIncidentID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, workflow.RollbackPerformedEvent{
		RunID:        runID,
		CheckpointID: checkpointID,
		IncidentID:   inc.ID,
	})
	return inc, nil
}

// restoreCheckpoint is the incident controller's rollback hook. It freezes
// the current scheduler, overwrites the run's stored state with the
// snapshot, and rebuilds the in-memory execution state around the restored
// current phase.
func (s *Supervisor) restoreCheckpoint(ctx context.Context, cp *workflow.Checkpoint) error {
	rs, err := s.runState(cp.RunID)
	if err != nil {
		return err
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.sched != nil {
		rs.sched.Close()
	}

	run := cp.Run
	if err := s.store.SaveRun(ctx, &run); err != nil {
		return err
	}
	for i := range cp.Tasks {
		t := cp.Tasks[i]
		if t.Status == workflow.TaskRunning || t.Status == workflow.TaskReady {
			// No worker holds this task anymore; it re-dispatches on resume.
			t.Status = workflow.TaskPending
			t.WorkerID = ""
		}
		if err := s.store.SaveTask(ctx, &t); err != nil {
			return err
		}
	}
	for i := range cp.Gates {
		g := cp.Gates[i]
		if err := s.store.SaveGate(ctx, &g); err != nil {
			return err
		}
	}
	for i := range cp.Sprints {
		sp := cp.Sprints[i]
		if err := s.store.SaveSprint(ctx, &sp); err != nil {
			return err
		}
	}

	rs.run = &run
	rs.phases = rs.phases[:0]
	for i := range cp.PhaseList {
		ps := cp.PhaseList[i]
		rs.phases = append(rs.phases, &ps)
	}

	if err := s.rebuildLocked(ctx, rs, cp); err != nil {
		return err
	}

	// Leave the run paused for operator review; ResumeRun continues it.
	rs.run.Status = workflow.RunPaused
	if err := s.store.SaveRun(ctx, rs.run); err != nil {
		return err
	}
	rs.sched.Pause()

	s.logger.Info("run restored from checkpoint",
		"run_id", cp.RunID,
		"checkpoint_id", cp.ID,
		"kind", cp.Kind,
		"phase", rs.run.Current)
	return nil
}

// rebuildLocked reconstructs the registry, resolver, scheduler, and sprint
// state for the restored current phase. Called with rs.mu held.
func (s *Supervisor) rebuildLocked(ctx context.Context, rs *runState, cp *workflow.Checkpoint) error {
	// Worker assignments died with the old scheduler; start from a clean
	// registry so load counts match reality.
	fresh := worker.NewRegistry()
	if err := fresh.RegisterAll(rs.def.Workers); err != nil {
		return fmt.Errorf("rebuild registry: %w", err)
	}
	rs.registry = fresh

	if err := s.buildPhaseSchedulerLocked(ctx, rs, rs.run.Current); err != nil {
		return err
	}

	rs.sprint = nil
	rs.sprintDeadline = nil
	for i := range cp.Sprints {
		if cp.Sprints[i].Status != workflow.SprintActive {
			continue
		}
		sp := cp.Sprints[i]
		rs.sprint = &sp
		if box, berr := rs.def.Sprints.TimeBoxDuration(); berr == nil && box > 0 {
			deadline := sp.StartedAt.Add(box)
			rs.sprintDeadline = &deadline
		}
		sprintID := sp.ID
		rs.sched.SetDispatchFilter(func(t *workflow.Task) bool {
			return t.SprintID == sprintID
		})
		break
	}
	return nil
}
