package supervisor

import (
	"context"
	"fmt"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/c360studio/phaseline/scheduler"
	"github.com/c360studio/phaseline/workflow"
	"github.com/c360studio/phaseline/workflow/dag"
)

// startPhaseLocked builds the resolver and scheduler for a phase and marks
// it running. Task statuses come from the store so gate rework and rollback
// restores resume from where they left off. Called with rs.mu held; the
// caller ticks afterwards.
func (s *Supervisor) startPhaseLocked(ctx context.Context, rs *runState, name workflow.PhaseName) error {
	ps := rs.phaseState(name)
	if ps == nil {
		return fmt.Errorf("phase %s: %w", name, workflow.ErrNotFound)
	}
	now := s.now()
	ps.Status = workflow.PhaseRunning
	ps.StartedAt = &now

	rs.run.Current = name
	if err := s.store.SaveRun(ctx, rs.run); err != nil {
		return err
	}
	if err := s.buildPhaseSchedulerLocked(ctx, rs, name); err != nil {
		return err
	}

	if s.sprintsEnabled(rs) {
		if err := s.ensureSprintLocked(ctx, rs); err != nil {
			return err
		}
	}
	s.logger.Info("phase started", "run_id", rs.run.ID, "phase", name)
	return nil
}

// buildPhaseSchedulerLocked loads the phase's tasks from the store and wires
// a fresh resolver and scheduler around them.
func (s *Supervisor) buildPhaseSchedulerLocked(ctx context.Context, rs *runState, name workflow.PhaseName) error {
	all, err := s.store.ListTasks(ctx, rs.run.ID)
	if err != nil {
		return err
	}
	var tasks []*workflow.Task
	for _, t := range all {
		if t.Phase == name {
			tasks = append(tasks, t)
		}
	}
	res, err := dag.Load(tasks)
	if err != nil {
		return fmt.Errorf("phase %s: %w", name, err)
	}

	if rs.sched != nil {
		rs.sched.Close()
	}
	rs.resolver = res
	rs.sched = scheduler.New(rs.run.ID, res, rs.registry, s.dispatch, s.store, s.artifacts, s.logger,
		scheduler.WithRetryPolicy(s.policy),
		scheduler.WithClock(s.now),
		scheduler.WithHooks(s.schedulerHooks(rs)))
	return nil
}

// schedulerHooks bridges scheduler transitions back into the supervisor.
// The scheduler calls hooks with its own lock released, so taking rs.mu
// here is safe.
func (s *Supervisor) schedulerHooks(rs *runState) scheduler.Hooks {
	runID := rs.run.ID
	return scheduler.Hooks{
		OnDispatched: func(t *workflow.Task, workerID string, attempt int) {
			s.publish(context.Background(), workflow.TaskDispatchedEvent{
				RunID:    runID,
				TaskID:   t.ID,
				WorkerID: workerID,
				Attempt:  attempt,
			})
		},
		OnDone: func(t *workflow.Task) {
			s.publish(context.Background(), workflow.TaskDoneEvent{
				RunID:   runID,
				TaskID:  t.ID,
				Outputs: t.Outputs,
			})
			s.onTaskSettled(context.Background(), rs)
		},
		OnPermanentFailure: func(ctx context.Context, t *workflow.Task, cause string) string {
			rs.mu.Lock()
			sev := rs.sevs[t.ID]
			rs.mu.Unlock()
			inc, err := s.incidents.Report(ctx, runID, "task:"+t.ID, sev, cause)
			incidentID := ""
			if err != nil {
				s.logger.Error("incident report failed", "run_id", runID, "task_id", t.ID, "error", err)
			} else {
				incidentID = inc.ID
				s.publish(ctx, workflow.IncidentRaisedEvent{
					RunID:      runID,
					IncidentID: inc.ID,
					Severity:   inc.Severity.String(),
					Source:     inc.Source,
				})
			}
			s.publish(ctx, workflow.TaskFailedEvent{
				RunID:      runID,
				TaskID:     t.ID,
				Attempts:   t.RetryCount,
				Cause:      cause,
				IncidentID: incidentID,
			})
			s.onTaskSettled(ctx, rs)
			return incidentID
		},
		OnPhaseComplete: func() {
			if err := s.phaseDAGComplete(context.Background(), rs); err != nil {
				s.logger.Error("phase completion failed", "run_id", runID, "error", err)
			}
		},
	}
}

// phaseDAGComplete handles the active phase's DAG reaching all-done: open
// (or reopen) the phase's gate, or advance directly when the phase has no
// gate.
func (s *Supervisor) phaseDAGComplete(ctx context.Context, rs *runState) error {
	rs.mu.Lock()
	ps := rs.phaseState(rs.run.Current)
	if ps == nil || ps.Status != workflow.PhaseRunning {
		rs.mu.Unlock()
		return nil
	}

	pdef := rs.def.Phase(ps.Name)
	if pdef == nil || pdef.Gate == nil {
		now := s.now()
		ps.Status = workflow.PhaseComplete
		ps.EndedAt = &now
		err := s.advanceLocked(ctx, rs, ps)
		rs.mu.Unlock()
		if err != nil {
			return err
		}
		return s.tick(ctx, rs)
	}

	var g *workflow.Gate
	var err error
	if ps.GateID != "" {
		// The gate was rejected and the rework DAG has completed again.
		g, err = s.gates.Reopen(ctx, rs.run.ID, ps.GateID)
	} else {
		g, err = s.gates.Create(ctx, rs.run.ID, ps.Name, pdef.Gate)
	}
	if err != nil {
		rs.mu.Unlock()
		return err
	}
	ps.GateID = g.ID
	ps.Status = workflow.PhaseAwaitingGate
	rs.mu.Unlock()

	s.publish(ctx, workflow.GateCreatedEvent{
		RunID:  rs.run.ID,
		GateID: g.ID,
		Phase:  string(ps.Name),
	})
	return nil
}

// advanceLocked moves the run past a completed phase: into the next phase,
// or to run completion after the last one. Called with rs.mu held.
func (s *Supervisor) advanceLocked(ctx context.Context, rs *runState, done *workflow.PhaseState) error {
	idx := -1
	for i, name := range rs.run.Phases {
		if name == done.Name {
			idx = i
			break
		}
	}
	if idx < 0 || idx == len(rs.run.Phases)-1 {
		now := s.now()
		rs.run.Status = workflow.RunCompleted
		rs.run.EndedAt = &now
		if err := s.store.SaveRun(ctx, rs.run); err != nil {
			return err
		}
		s.logger.Info("run completed", "run_id", rs.run.ID)
		s.publish(ctx, workflow.RunCompletedEvent{RunID: rs.run.ID})
		return nil
	}

	next := rs.run.Phases[idx+1]
	if err := s.startPhaseLocked(ctx, rs, next); err != nil {
		return err
	}
	s.publish(ctx, workflow.PhaseAdvancedEvent{
		RunID: rs.run.ID,
		From:  string(done.Name),
		To:    string(next),
	})
	return nil
}

// DecideGate records an approve or reject decision on a pending gate.
//
// Approval completes the phase, takes a gate_approval checkpoint, and
// advances the run. Rejection reopens the rework scope: the task ids
// matching the decision's glob patterns, or the phase's redo_on_reject
// tasks when no patterns are given. A rejection whose scope resolves to
// nothing returns workflow.ErrReworkScopeRequired and leaves the gate
// pending.
func (s *Supervisor) DecideGate(ctx context.Context, p *workflow.GateDecisionPayload) (*workflow.Gate, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	rs, err := s.runState(p.RunID)
	if err != nil {
		return nil, err
	}

	rs.mu.Lock()
	if rs.run.Status.IsTerminal() {
		rs.mu.Unlock()
		return nil, fmt.Errorf("run %s is %s: %w", p.RunID, rs.run.Status, workflow.ErrRunTerminal)
	}

	var scope []string
	if !p.Approve {
		scope, err = s.resolveReworkScopeLocked(ctx, rs, p.GateID, p.ReworkScope)
		if err != nil {
			rs.mu.Unlock()
			return nil, err
		}
	}

	g, err := s.gates.Decide(ctx, p.RunID, p.GateID, p.Approve, p.Actor, p.Rationale)
	if err != nil {
		rs.mu.Unlock()
		return nil, err
	}

	decision := "rejected"
	if p.Approve {
		decision = "approved"
	}
	s.publish(ctx, workflow.GateDecidedEvent{
		RunID:     p.RunID,
		GateID:    g.ID,
		Decision:  decision,
		Actor:     p.Actor,
		Rationale: p.Rationale,
	})

	ps := rs.phaseStateByGate(g.ID)
	if ps == nil {
		rs.mu.Unlock()
		return g, nil
	}

	if p.Approve {
		now := s.now()
		ps.Status = workflow.PhaseComplete
		ps.EndedAt = &now
		if err := s.advanceLocked(ctx, rs, ps); err != nil {
			rs.mu.Unlock()
			return nil, err
		}
		if _, err := s.takeCheckpointLocked(ctx, rs, workflow.CheckpointGateApproval); err != nil {
			rs.mu.Unlock()
			return nil, err
		}
		rs.mu.Unlock()
		return g, s.tick(ctx, rs)
	}

	ps.Status = workflow.PhaseRunning
	if err := s.reworkLocked(ctx, rs, g, scope, p.Actor); err != nil {
		rs.mu.Unlock()
		return nil, err
	}
	rs.mu.Unlock()
	return g, s.tick(ctx, rs)
}

// ApplyRework widens or redoes the rework scope of an already-rejected
// gate. Operators use this after a rejection whose original scope missed
// work, or after an empty-scope rejection was refused.
func (s *Supervisor) ApplyRework(ctx context.Context, runID, gateID string, patterns []string, actor string) error {
	if len(patterns) == 0 {
		return workflow.ErrReworkScopeRequired
	}
	rs, err := s.runState(runID)
	if err != nil {
		return err
	}

	rs.mu.Lock()
	g, err := s.store.GetGate(ctx, runID, gateID)
	if err != nil {
		rs.mu.Unlock()
		return err
	}
	if g.Status != workflow.GateRejected {
		rs.mu.Unlock()
		return &workflow.GateTransitionError{GateID: gateID, Status: g.Status}
	}
	scope, err := s.resolveReworkScopeLocked(ctx, rs, gateID, patterns)
	if err != nil {
		rs.mu.Unlock()
		return err
	}
	if ps := rs.phaseStateByGate(gateID); ps != nil && ps.Status == workflow.PhaseAwaitingGate {
		ps.Status = workflow.PhaseRunning
	}
	if err := s.reworkLocked(ctx, rs, g, scope, actor); err != nil {
		rs.mu.Unlock()
		return err
	}
	rs.mu.Unlock()
	return s.tick(ctx, rs)
}

// resolveReworkScopeLocked expands rework glob patterns against the done
// tasks of the gate's phase. With no patterns, tasks flagged redo_on_reject
// form the scope. An empty resolution is an error: the engine never guesses
// which work to redo.
func (s *Supervisor) resolveReworkScopeLocked(ctx context.Context, rs *runState, gateID string, patterns []string) ([]string, error) {
	g, err := s.store.GetGate(ctx, rs.run.ID, gateID)
	if err != nil {
		return nil, err
	}
	all, err := s.store.ListTasks(ctx, rs.run.ID)
	if err != nil {
		return nil, err
	}

	var scope []string
	for _, t := range all {
		if t.Phase != g.Phase || t.Status != workflow.TaskDone {
			continue
		}
		if len(patterns) == 0 {
			if t.RedoOnReject {
				scope = append(scope, t.ID)
			}
			continue
		}
		for _, pat := range patterns {
			ok, merr := doublestar.Match(pat, t.ID)
			if merr != nil {
				return nil, fmt.Errorf("rework pattern %q: %w", pat, merr)
			}
			if ok {
				scope = append(scope, t.ID)
				break
			}
		}
	}
	if len(scope) == 0 {
		return nil, fmt.Errorf("gate %s: %w", gateID, workflow.ErrReworkScopeRequired)
	}
	sort.Strings(scope)
	return scope, nil
}

// reworkLocked resets the scoped tasks to pending and reopens them in the
// resolver. Tasks outside the scope keep their done status and their
// artifacts. Called with rs.mu held.
func (s *Supervisor) reworkLocked(ctx context.Context, rs *runState, g *workflow.Gate, scope []string, actor string) error {
	now := s.now()
	for _, id := range scope {
		t := rs.resolver.Task(id)
		if t == nil || t.Status != workflow.TaskDone {
			continue
		}
		from := t.Status
		t.Status = workflow.TaskPending
		t.WorkerID = ""
		t.RetryCount = 0
		t.FailureCause = ""
		t.EndedAt = nil
		if s.sprintsEnabled(rs) {
			t.SprintID = ""
		}
		if err := s.store.SaveTask(ctx, t); err != nil {
			return err
		}
		if err := s.store.AppendStatusChange(ctx, rs.run.ID, workflow.StatusChange{
			TaskID: id,
			From:   from,
			To:     workflow.TaskPending,
			Actor:  actor,
			Reason: "gate " + g.ID + " rejected",
			At:     now,
		}); err != nil {
			return err
		}
		rs.resolver.Reopen(id)
	}
	s.logger.Info("rework applied",
		"run_id", rs.run.ID,
		"gate_id", g.ID,
		"phase", g.Phase,
		"tasks", len(scope))

	if s.sprintsEnabled(rs) {
		return s.ensureSprintLocked(ctx, rs)
	}
	return nil
}

func (rs *runState) phaseState(name workflow.PhaseName) *workflow.PhaseState {
	for _, ps := range rs.phases {
		if ps.Name == name {
			return ps
		}
	}
	return nil
}

func (rs *runState) phaseStateByGate(gateID string) *workflow.PhaseState {
	for _, ps := range rs.phases {
		if ps.GateID == gateID {
			return ps
		}
	}
	return nil
}

// RunStatusReport is the operator-facing snapshot of one run.
type RunStatusReport struct {
	Run           workflow.Run                `json:"run"`
	Phases        []workflow.PhaseState       `json:"phases"`
	TaskCounts    map[workflow.TaskStatus]int `json:"task_counts"`
	Gates         []workflow.Gate             `json:"gates,omitempty"`
	ActiveSprint  *workflow.Sprint            `json:"active_sprint,omitempty"`
	OpenIncidents []workflow.Incident         `json:"open_incidents,omitempty"`
}

// GetRunStatus assembles the current state of a run for operators and the
// HTTP API.
func (s *Supervisor) GetRunStatus(ctx context.Context, runID string) (*RunStatusReport, error) {
	rs, err := s.runState(runID)
	if err != nil {
		return nil, err
	}

	rs.mu.Lock()
	report := &RunStatusReport{
		Run:        *rs.run,
		TaskCounts: make(map[workflow.TaskStatus]int),
	}
	for _, ps := range rs.phases {
		report.Phases = append(report.Phases, *ps)
	}
	if rs.sprint != nil {
		cp := *rs.sprint
		report.ActiveSprint = &cp
	}
	rs.mu.Unlock()

	tasks, err := s.store.ListTasks(ctx, runID)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		report.TaskCounts[t.Status]++
	}
	gates, err := s.store.ListGates(ctx, runID)
	if err != nil {
		return nil, err
	}
	for _, g := range gates {
		report.Gates = append(report.Gates, *g)
	}
	open, err := s.incidents.Open(ctx, runID)
	if err != nil {
		return nil, err
	}
	for _, inc := range open {
		report.OpenIncidents = append(report.OpenIncidents, *inc)
	}
	return report, nil
}
