// Package supervisor composes the run lifecycle. It materializes workflow
// definitions into runs, drives phase-by-phase DAG execution through the
// scheduler, opens approval gates at phase boundaries, plans
// implementation-phase sprints, raises incidents on permanent task failure,
// and restores runs from checkpoints on rollback.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/phaseline/gate"
	"github.com/c360studio/phaseline/incident"
	"github.com/c360studio/phaseline/scheduler"
	"github.com/c360studio/phaseline/sprint"
	"github.com/c360studio/phaseline/storage"
	"github.com/c360studio/phaseline/worker"
	"github.com/c360studio/phaseline/workflow"
	"github.com/c360studio/phaseline/workflow/dag"
)

// EventSink receives domain events for publication. The run-orchestrator
// processor implements this over NATS; tests use an in-memory recorder. A
// nil sink drops events. Sinks must not call back into the supervisor.
type EventSink interface {
	Publish(ctx context.Context, event any) error
}

// Supervisor owns every active run in the process. One supervisor serves
// many runs; runs share the store and the sub-controllers but nothing else.
type Supervisor struct {
	store     storage.RunStore
	cps       storage.CheckpointLog
	artifacts storage.ArtifactStore
	dispatch  scheduler.Dispatcher
	gates     *gate.Controller
	planner   *sprint.Planner
	incidents *incident.Controller
	sink      EventSink
	logger    *slog.Logger
	policy    scheduler.RetryPolicy
	budgets   incident.Budgets
	now       func() time.Time

	mu   sync.Mutex
	runs map[string]*runState
}

// runState is the in-memory execution state of one run. rs.mu serializes
// all mutations; it is never held across calls into the scheduler's Tick or
// OnTaskResult, which re-enter the supervisor through hooks.
type runState struct {
	mu sync.Mutex

	run    *workflow.Run
	def    *workflow.Definition
	phases []*workflow.PhaseState
	sevs   map[string]workflow.Severity

	registry *worker.Registry
	resolver *dag.Resolver
	sched    *scheduler.Scheduler

	sprint         *workflow.Sprint
	sprintDeadline *time.Time
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithEventSink sets the event publication sink.
func WithEventSink(sink EventSink) Option {
	return func(s *Supervisor) { s.sink = sink }
}

// WithRetryPolicy overrides the scheduler retry policy applied to new runs.
func WithRetryPolicy(p scheduler.RetryPolicy) Option {
	return func(s *Supervisor) { s.policy = p }
}

// WithIncidentBudgets overrides the severity response-time budgets.
func WithIncidentBudgets(b incident.Budgets) Option {
	return func(s *Supervisor) { s.budgets = b }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// New creates a supervisor over the given store and task dispatcher.
func New(store *storage.Store, dispatch scheduler.Dispatcher, logger *slog.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		store:     store.Runs,
		cps:       store.Checkpoints,
		artifacts: store.Artifacts,
		dispatch:  dispatch,
		logger:    logger.With("component", "supervisor"),
		policy:    scheduler.DefaultRetryPolicy(),
		budgets:   incident.DefaultBudgets(),
		now:       time.Now,
		runs:      make(map[string]*runState),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.gates = gate.NewController(s.store, logger,
		gate.WithEscalation(s.onGateEscalated),
		gate.WithClock(s.now))
	s.planner = sprint.NewPlanner(s.store, logger, sprint.WithClock(s.now))
	s.incidents = incident.NewController(s.store, s.cps, logger,
		incident.WithBudgets(s.budgets),
		incident.WithPaging(s.onIncidentPaged),
		incident.WithRollback(s.restoreCheckpoint),
		incident.WithClock(s.now))
	return s
}

// StartRun materializes a validated definition into a run and begins
// executing its first phase. Every phase's task DAG is validated up front,
// so a dependency cycle anywhere in the definition rejects the run before
// any task is dispatched.
func (s *Supervisor) StartRun(ctx context.Context, def *workflow.Definition) (*workflow.Run, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	now := s.now()
	run := &workflow.Run{
		ID:         uuid.New().String(),
		Definition: def.Name,
		Phases:     def.PhaseNames(),
		Current:    def.Phases[0].Name,
		Status:     workflow.RunRunning,
		CreatedAt:  now,
		StartedAt:  &now,
	}

	var all []*workflow.Task
	for i := range def.Phases {
		tasks := def.Phases[i].BuildTasks(run.ID, now)
		if _, err := dag.Load(tasks); err != nil {
			return nil, fmt.Errorf("phase %s: %w", def.Phases[i].Name, err)
		}
		all = append(all, tasks...)
	}

	if err := s.store.SaveRun(ctx, run); err != nil {
		return nil, err
	}
	for _, t := range all {
		if err := s.store.SaveTask(ctx, t); err != nil {
			return nil, err
		}
	}

	registry := worker.NewRegistry()
	if err := registry.RegisterAll(def.Workers); err != nil {
		return nil, err
	}

	rs := &runState{
		run:      run,
		def:      def,
		sevs:     severityIndex(def),
		registry: registry,
	}
	for _, name := range run.Phases {
		rs.phases = append(rs.phases, &workflow.PhaseState{Name: name, Status: workflow.PhasePending})
	}

	s.mu.Lock()
	s.runs[run.ID] = rs
	s.mu.Unlock()

	rs.mu.Lock()
	err := s.startPhaseLocked(ctx, rs, run.Phases[0])
	rs.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.logger.Info("run started", "run_id", run.ID, "definition", def.Name, "tasks", len(all))
	s.publish(ctx, workflow.RunStartedEvent{
		RunID:      run.ID,
		Definition: def.Name,
		Phases:     phaseStrings(run.Phases),
	})
	return run, s.tick(ctx, rs)
}

// ReportTaskResult ingests a worker's completion signal for the active
// phase. Results for tasks outside the active phase's DAG return
// workflow.ErrNotFound.
func (s *Supervisor) ReportTaskResult(ctx context.Context, p *workflow.TaskResultPayload) error {
	if err := p.Validate(); err != nil {
		return err
	}
	rs, err := s.runState(p.RunID)
	if err != nil {
		return err
	}
	rs.mu.Lock()
	if rs.run.Status.IsTerminal() {
		rs.mu.Unlock()
		return fmt.Errorf("run %s is %s: %w", p.RunID, rs.run.Status, workflow.ErrRunTerminal)
	}
	sched := rs.sched
	rs.mu.Unlock()

	return sched.OnTaskResult(ctx, p.TaskID, p.Success, p.OutputRefs, p.Cause)
}

// CancelTask cancels a running task. Counts against the retry budget.
func (s *Supervisor) CancelTask(ctx context.Context, runID, taskID, actor string) error {
	rs, err := s.runState(runID)
	if err != nil {
		return err
	}
	rs.mu.Lock()
	sched := rs.sched
	rs.mu.Unlock()
	return sched.CancelTask(ctx, taskID, actor)
}

// OverrideFailure marks a permanently failed task as satisfied so its
// blocked successors can proceed. Operator-only escape hatch; the override
// actor is recorded in the audit trail.
func (s *Supervisor) OverrideFailure(ctx context.Context, runID, taskID, actor string) error {
	rs, err := s.runState(runID)
	if err != nil {
		return err
	}
	rs.mu.Lock()
	sched := rs.sched
	rs.mu.Unlock()
	if err := sched.ForceOverride(ctx, taskID, actor); err != nil {
		return err
	}
	return sched.Tick(ctx)
}

// PauseRun suspends dispatch. Running tasks finish; nothing new starts.
func (s *Supervisor) PauseRun(ctx context.Context, runID string) error {
	rs, err := s.runState(runID)
	if err != nil {
		return err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if !rs.run.Status.CanTransitionTo(workflow.RunPaused) {
		return fmt.Errorf("run %s is %s: %w", runID, rs.run.Status, workflow.ErrRunTerminal)
	}
	rs.run.Status = workflow.RunPaused
	rs.sched.Pause()
	return s.store.SaveRun(ctx, rs.run)
}

// ResumeRun resumes dispatch for a paused run. Also the operator's
// continuation point after a rollback, which leaves the run paused for
// review.
func (s *Supervisor) ResumeRun(ctx context.Context, runID string) error {
	rs, err := s.runState(runID)
	if err != nil {
		return err
	}
	rs.mu.Lock()
	if !rs.run.Status.CanTransitionTo(workflow.RunRunning) {
		rs.mu.Unlock()
		return fmt.Errorf("run %s is %s: %w", runID, rs.run.Status, workflow.ErrRunTerminal)
	}
	rs.run.Status = workflow.RunRunning
	if err := s.store.SaveRun(ctx, rs.run); err != nil {
		rs.mu.Unlock()
		return err
	}
	rs.sched.Resume()
	if s.sprintsEnabled(rs) && rs.sprint == nil {
		if err := s.ensureSprintLocked(ctx, rs); err != nil {
			rs.mu.Unlock()
			return err
		}
	}
	rs.mu.Unlock()
	return s.tick(ctx, rs)
}

// CancelRun aborts a run. All non-terminal tasks are blocked, assigned
// workers are released, and the run transitions to aborted.
func (s *Supervisor) CancelRun(ctx context.Context, runID, actor, reason string) error {
	rs, err := s.runState(runID)
	if err != nil {
		return err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.run.Status.IsTerminal() {
		return fmt.Errorf("run %s is %s: %w", runID, rs.run.Status, workflow.ErrRunTerminal)
	}
	if err := rs.sched.Freeze(ctx, "run cancelled by "+actor); err != nil {
		return err
	}
	now := s.now()
	rs.run.Status = workflow.RunAborted
	rs.run.EndedAt = &now
	if err := s.store.SaveRun(ctx, rs.run); err != nil {
		return err
	}
	s.logger.Info("run cancelled", "run_id", runID, "actor", actor, "reason", reason)
	s.publish(ctx, workflow.RunCancelledEvent{RunID: runID, Actor: actor, Reason: reason})
	return nil
}

// ReportIncident ingests an external failure or alert.
func (s *Supervisor) ReportIncident(ctx context.Context, p *workflow.IncidentReportPayload) (*workflow.Incident, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	inc, err := s.incidents.Report(ctx, p.RunID, p.Source, p.Severity, p.Details)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, workflow.IncidentRaisedEvent{
		RunID:      inc.RunID,
		IncidentID: inc.ID,
		Severity:   inc.Severity.String(),
		Source:     inc.Source,
	})
	return inc, nil
}

// Incidents exposes the incident controller for triage, mitigation, and
// resolution transitions. Lifecycle transitions need no supervisor
// coordination; rollback does, so it goes through TriggerRollback instead.
func (s *Supervisor) Incidents() *incident.Controller { return s.incidents }

// Close releases timers and background resources for every run. Stores are
// left untouched.
func (s *Supervisor) Close() {
	s.gates.Close()
	s.incidents.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rs := range s.runs {
		rs.mu.Lock()
		if rs.sched != nil {
			rs.sched.Close()
		}
		rs.mu.Unlock()
	}
}

func (s *Supervisor) runState(runID string) (*runState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, workflow.ErrNotFound)
	}
	return rs, nil
}

// tick drives the current scheduler outside rs.mu. Scheduler hooks re-enter
// the supervisor and take rs.mu themselves.
func (s *Supervisor) tick(ctx context.Context, rs *runState) error {
	rs.mu.Lock()
	sched := rs.sched
	rs.mu.Unlock()
	if sched == nil {
		return nil
	}
	return sched.Tick(ctx)
}

func (s *Supervisor) publish(ctx context.Context, event any) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Publish(ctx, event); err != nil {
		s.logger.Error("event publish failed", "event", fmt.Sprintf("%T", event), "error", err)
	}
}

func (s *Supervisor) onGateEscalated(g *workflow.Gate, pendingFor time.Duration) {
	s.publish(context.Background(), workflow.GateEscalatedEvent{
		RunID:   g.RunID,
		GateID:  g.ID,
		Pending: pendingFor.String(),
	})
}

func (s *Supervisor) onIncidentPaged(inc *workflow.Incident, budget time.Duration) {
	s.publish(context.Background(), workflow.IncidentEscalatedEvent{
		RunID:      inc.RunID,
		IncidentID: inc.ID,
		Severity:   inc.Severity.String(),
		Budget:     budget.String(),
	})
}

func (s *Supervisor) sprintsEnabled(rs *runState) bool {
	return rs.run.Current == workflow.PhaseImplementation && rs.def.Sprints != nil
}

// severityIndex maps task id to the incident severity its permanent failure
// should raise. Tasks without an explicit severity default to SEV3.
func severityIndex(def *workflow.Definition) map[string]workflow.Severity {
	sevs := make(map[string]workflow.Severity)
	for _, p := range def.Phases {
		for _, t := range p.Tasks {
			sev := t.Severity
			if sev == "" {
				sev = workflow.SeverityMedium
			}
			sevs[t.ID] = sev
		}
	}
	return sevs
}

func phaseStrings(names []workflow.PhaseName) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = string(n)
	}
	return out
}
