// Package scheduler implements the execution core for one workflow run: it
// pulls ready tasks from the resolver, routes them through the worker
// registry, tracks per-task state, validates outputs, and drives bounded
// retry with exponential backoff.
//
// One Scheduler exists per run. Task execution is parallel across DAG
// branches, but all bookkeeping (status writes, readiness recomputation)
// is serialized behind the scheduler's single mutex so the DAG stays
// consistent. Execution itself never holds that lock.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/c360studio/phaseline/storage"
	"github.com/c360studio/phaseline/workflow"
	"github.com/c360studio/phaseline/workflow/dag"
)

// Dispatcher hands a task to its assigned worker. Implementations publish to
// a transport (NATS in the orchestrator processor) or invoke workers in
// process (tests, local mode). The call must not block on task execution;
// results arrive later through OnTaskResult.
type Dispatcher interface {
	Dispatch(ctx context.Context, task *workflow.Task, workerID string) error
}

// Registry is the slice of the worker registry the scheduler needs.
type Registry interface {
	Assign(task *workflow.Task) (string, error)
	Release(workerID string)
}

// RetryPolicy bounds task retries. Delays grow exponentially from Base up to
// Max with the given jitter fraction.
type RetryPolicy struct {
	MaxRetries int
	Base       time.Duration
	Max        time.Duration
	Jitter     float64
}

// DefaultRetryPolicy returns the stock retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		Base:       time.Second,
		Max:        time.Minute,
		Jitter:     0.2,
	}
}

// Hooks let the owner observe scheduler transitions without coupling the
// core loop to a transport. All hooks are optional and called outside the
// scheduler lock.
type Hooks struct {
	// OnDispatched fires after a task is handed to a worker.
	OnDispatched func(task *workflow.Task, workerID string, attempt int)
	// OnDone fires after a task completes with validated outputs.
	OnDone func(task *workflow.Task)
	// OnPermanentFailure fires when a task exhausts its retries. The return
	// value, if non-empty, is recorded as the incident id for the failure.
	OnPermanentFailure func(ctx context.Context, task *workflow.Task, cause string) string
	// OnPhaseComplete fires when every task in the DAG reaches done.
	OnPhaseComplete func()
}

// Scheduler drives one run's task execution.
type Scheduler struct {
	runID     string
	resolver  *dag.Resolver
	registry  Registry
	dispatch  Dispatcher
	store     storage.RunStore
	artifacts storage.ArtifactStore
	logger    *slog.Logger
	policy    RetryPolicy
	hooks     Hooks
	now       func() time.Time

	mu        sync.Mutex
	paused    bool
	filter    func(*workflow.Task) bool // nil means dispatch everything
	ready     []*workflow.Task          // assigned no worker yet, retried each tick
	backoffs  map[string]*backoff.ExponentialBackOff
	timers    map[string]*time.Timer
	notBefore map[string]time.Time // retry-waiting tasks, keyed by task id
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRetryPolicy overrides the retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Scheduler) { s.policy = p }
}

// WithHooks installs transition observers.
func WithHooks(h Hooks) Option {
	return func(s *Scheduler) { s.hooks = h }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a scheduler for one run.
func New(runID string, resolver *dag.Resolver, registry Registry, dispatch Dispatcher, store storage.RunStore, artifacts storage.ArtifactStore, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		runID:     runID,
		resolver:  resolver,
		registry:  registry,
		dispatch:  dispatch,
		store:     store,
		artifacts: artifacts,
		logger:    logger.With("component", "scheduler", "run_id", runID),
		policy:    DefaultRetryPolicy(),
		now:       time.Now,
		backoffs:  make(map[string]*backoff.ExponentialBackOff),
		timers:    make(map[string]*time.Timer),
		notBefore: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tick runs one scheduling iteration: promote newly ready tasks, then try to
// assign and dispatch everything waiting for a worker. Triggered by task
// completion, worker availability changes, and a periodic safety-net
// interval.
func (s *Scheduler) Tick(ctx context.Context) error {
	s.mu.Lock()
	if s.paused {
		s.mu.Unlock()
		return nil
	}

	for _, t := range s.resolver.ReadyTasks() {
		if s.filter != nil && !s.filter(t) {
			continue // out of dispatch scope (e.g. not in the current sprint)
		}
		// A task waiting out a retry backoff stays undispatchable until its
		// deadline, no matter how many ticks arrive in between.
		if nb, ok := s.notBefore[t.ID]; ok {
			if s.now().Before(nb) {
				continue
			}
			delete(s.notBefore, t.ID)
		}
		if err := s.setStatusLocked(ctx, t, workflow.TaskReady, "", "dependencies met"); err != nil {
			s.mu.Unlock()
			return err
		}
		s.ready = append(s.ready, t)
	}

	type dispatchItem struct {
		task     *workflow.Task
		workerID string
		attempt  int
	}
	var toDispatch []dispatchItem
	var still []*workflow.Task
	for _, t := range s.ready {
		if t.Status != workflow.TaskReady {
			continue // cancelled or blocked while waiting
		}
		workerID, err := s.registry.Assign(t)
		switch {
		case err == nil:
			now := s.now()
			t.WorkerID = workerID
			t.StartedAt = &now
			if err := s.setStatusLocked(ctx, t, workflow.TaskRunning, "", "assigned to "+workerID); err != nil {
				s.mu.Unlock()
				return err
			}
			toDispatch = append(toDispatch, dispatchItem{task: t, workerID: workerID, attempt: t.RetryCount + 1})
		case errors.Is(err, workflow.ErrCapacityUnavailable):
			// Backpressure, not an error: requeue for the next tick.
			still = append(still, t)
		case errors.Is(err, workflow.ErrNoCapableWorker):
			// Definition validation guarantees coverage; a worker must have
			// deregistered. Hold the task and surface loudly.
			s.logger.Error("no capable worker", "task_id", t.ID, "capability", t.Capability)
			still = append(still, t)
		default:
			s.mu.Unlock()
			return fmt.Errorf("assign task %s: %w", t.ID, err)
		}
	}
	s.ready = still
	s.mu.Unlock()

	for _, item := range toDispatch {
		if err := s.dispatch.Dispatch(ctx, item.task, item.workerID); err != nil {
			// Dispatch failure counts as a task failure attempt.
			s.logger.Error("dispatch failed", "task_id", item.task.ID, "error", err)
			if rerr := s.OnTaskResult(ctx, item.task.ID, false, nil, "dispatch: "+err.Error()); rerr != nil {
				return rerr
			}
			continue
		}
		s.logger.Info("task dispatched",
			"task_id", item.task.ID,
			"worker_id", item.workerID,
			"attempt", item.attempt)
		if s.hooks.OnDispatched != nil {
			s.hooks.OnDispatched(item.task, item.workerID, item.attempt)
		}
	}
	return nil
}

// OnTaskResult ingests a worker's completion signal. On success the declared
// output artifacts are validated against the store before the task
// transitions done; a missing output is treated as a failure. On failure the
// retry count increments and the task either requeues after backoff or, with
// the budget exhausted, fails permanently: an incident is raised and all
// transitive successors are blocked.
func (s *Scheduler) OnTaskResult(ctx context.Context, taskID string, success bool, outputRefs []workflow.ArtifactRef, cause string) error {
	s.mu.Lock()
	t := s.resolver.Task(taskID)
	if t == nil {
		s.mu.Unlock()
		return fmt.Errorf("task %s: %w", taskID, workflow.ErrNotFound)
	}
	if t.Status != workflow.TaskRunning {
		s.mu.Unlock()
		return workflow.NewTaskTransitionError(taskID, t.Status, workflow.TaskDone)
	}

	if t.WorkerID != "" {
		s.registry.Release(t.WorkerID)
	}

	if success {
		if missing := s.missingOutputs(ctx, t, outputRefs); missing != "" {
			success = false
			cause = "output validation: " + missing
		}
	}

	if success {
		now := s.now()
		t.EndedAt = &now
		t.FailureCause = ""
		if err := s.setStatusLocked(ctx, t, workflow.TaskDone, "", "completed"); err != nil {
			s.mu.Unlock()
			return err
		}
		delete(s.backoffs, taskID)
		s.resolver.OnTaskDone(taskID)
		allDone := s.resolver.AllDone()
		s.mu.Unlock()

		s.logger.Info("task done", "task_id", taskID)
		if s.hooks.OnDone != nil {
			s.hooks.OnDone(t)
		}
		if allDone && s.hooks.OnPhaseComplete != nil {
			s.hooks.OnPhaseComplete()
		}
		return s.Tick(ctx)
	}

	t.RetryCount++
	t.FailureCause = cause
	attempt := t.RetryCount

	if attempt >= s.policy.MaxRetries {
		return s.failPermanentlyLocked(ctx, t, cause)
	}

	// Budget remains: requeue after backoff. Predecessors are still done, so
	// the resolver will surface the task again once it is pending.
	t.WorkerID = ""
	if err := s.setStatusLocked(ctx, t, workflow.TaskPending, "", cause); err != nil {
		s.mu.Unlock()
		return err
	}
	delay := s.nextBackoff(taskID)
	s.notBefore[taskID] = s.now().Add(delay)
	s.timers[taskID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.notBefore, taskID)
		s.mu.Unlock()
		tctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.Tick(tctx); err != nil {
			s.logger.Error("retry tick failed", "task_id", taskID, "error", err)
		}
	})
	s.mu.Unlock()

	s.logger.Warn("task failed, will retry",
		"task_id", taskID,
		"attempt", attempt,
		"max_retries", s.policy.MaxRetries,
		"backoff", delay.String(),
		"cause", cause)
	return nil
}

// failPermanentlyLocked finishes a task whose retry budget is exhausted.
// Called with s.mu held; releases it.
func (s *Scheduler) failPermanentlyLocked(ctx context.Context, t *workflow.Task, cause string) error {
	now := s.now()
	t.EndedAt = &now
	if err := s.setStatusLocked(ctx, t, workflow.TaskFailed, "", cause); err != nil {
		s.mu.Unlock()
		return err
	}
	delete(s.backoffs, t.ID)

	blocked := s.resolver.MarkBlocked(t.ID)
	for _, b := range blocked {
		if err := s.setStatusLocked(ctx, b, workflow.TaskBlocked, "", "predecessor "+t.ID+" failed"); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.mu.Unlock()

	s.logger.Error("task failed permanently",
		"task_id", t.ID,
		"attempts", t.RetryCount,
		"blocked_successors", len(blocked),
		"cause", cause)
	if s.hooks.OnPermanentFailure != nil {
		if incidentID := s.hooks.OnPermanentFailure(ctx, t, cause); incidentID != "" {
			s.logger.Info("incident raised for task failure", "task_id", t.ID, "incident_id", incidentID)
		}
	}
	return nil
}

// missingOutputs verifies every declared output key has a reported ref that
// exists in the artifact store. Returns a description of the first problem,
// or "".
func (s *Scheduler) missingOutputs(ctx context.Context, t *workflow.Task, refs []workflow.ArtifactRef) string {
	byKey := make(map[string]workflow.ArtifactRef, len(refs))
	for _, r := range refs {
		byKey[r.Key] = r
	}
	for _, key := range t.Outputs {
		ref, ok := byKey[key]
		if !ok {
			return fmt.Sprintf("declared output %q not reported", key)
		}
		exists, err := s.artifacts.Exists(ctx, s.runID, ref)
		if err != nil {
			return fmt.Sprintf("check output %q: %v", key, err)
		}
		if !exists {
			return fmt.Sprintf("output %s missing from artifact store", ref)
		}
	}
	return ""
}

// CancelTask cancels a running task. The cancellation is a synthetic failure
// with cause "cancelled": it counts against the retry budget and flows to
// the incident controller like any other failure.
func (s *Scheduler) CancelTask(ctx context.Context, taskID, actor string) error {
	s.mu.Lock()
	t := s.resolver.Task(taskID)
	if t == nil {
		s.mu.Unlock()
		return fmt.Errorf("task %s: %w", taskID, workflow.ErrNotFound)
	}
	if t.Status != workflow.TaskRunning {
		s.mu.Unlock()
		return workflow.NewTaskTransitionError(taskID, t.Status, workflow.TaskFailed)
	}
	s.mu.Unlock()
	return s.OnTaskResult(ctx, taskID, false, nil, "cancelled by "+actor)
}

// ForceOverride is the audited operator action that treats a failed task as
// satisfied, unblocking its successors without marking it done.
func (s *Scheduler) ForceOverride(ctx context.Context, taskID, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.resolver.Task(taskID)
	if t == nil {
		return fmt.Errorf("task %s: %w", taskID, workflow.ErrNotFound)
	}
	if t.Status != workflow.TaskFailed {
		return workflow.NewTaskTransitionError(taskID, t.Status, workflow.TaskPending)
	}

	released := s.resolver.ForceOverride(taskID)
	for _, r := range released {
		if r.Status != workflow.TaskBlocked {
			continue
		}
		if err := s.setStatusLocked(ctx, r, workflow.TaskPending, actor, "override of "+taskID); err != nil {
			return err
		}
	}
	s.logger.Warn("task force-overridden",
		"task_id", taskID,
		"actor", actor,
		"released", len(released))
	return nil
}

// SetDispatchFilter restricts which ready tasks are promoted for dispatch.
// Passing nil removes the restriction. The supervisor uses this to confine
// implementation-phase dispatch to the current sprint's committed tasks.
func (s *Scheduler) SetDispatchFilter(f func(*workflow.Task) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter = f
}

// Pause suspends scheduling. In-flight tasks keep running; their results are
// still accepted. Used during rollback and operator pause.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

// Resume re-enables scheduling.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
}

// Paused reports whether scheduling is suspended.
func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Freeze stops scheduling and transitions every non-terminal task to
// blocked, leaving artifacts intact for inspection or resume. Used on run
// cancellation.
func (s *Scheduler) Freeze(ctx context.Context, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.paused = true
	for _, t := range s.timers {
		t.Stop()
	}
	s.notBefore = make(map[string]time.Time)
	for _, t := range s.resolver.Tasks() {
		if t.Status.IsTerminal() || t.Status == workflow.TaskBlocked {
			continue
		}
		if t.Status == workflow.TaskRunning && t.WorkerID != "" {
			s.registry.Release(t.WorkerID)
		}
		if err := s.setStatusLocked(ctx, t, workflow.TaskBlocked, "", reason); err != nil {
			return err
		}
	}
	s.ready = nil
	return nil
}

// Close stops outstanding retry timers.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// setStatusLocked transitions a task, persists it, and appends to the audit
// trail. Caller holds s.mu.
func (s *Scheduler) setStatusLocked(ctx context.Context, t *workflow.Task, target workflow.TaskStatus, actor, reason string) error {
	if !t.Status.CanTransitionTo(target) {
		return workflow.NewTaskTransitionError(t.ID, t.Status, target)
	}
	from := t.Status
	t.Status = target
	if err := s.store.SaveTask(ctx, t); err != nil {
		return err
	}
	return s.store.AppendStatusChange(ctx, s.runID, workflow.StatusChange{
		TaskID: t.ID,
		From:   from,
		To:     target,
		Actor:  actor,
		Reason: reason,
		At:     s.now(),
	})
}

// nextBackoff returns the next retry delay for a task, creating its
// exponential backoff state on first failure.
func (s *Scheduler) nextBackoff(taskID string) time.Duration {
	b, ok := s.backoffs[taskID]
	if !ok {
		b = backoff.NewExponentialBackOff()
		b.InitialInterval = s.policy.Base
		b.MaxInterval = s.policy.Max
		b.RandomizationFactor = s.policy.Jitter
		b.Multiplier = 2
		b.MaxElapsedTime = 0 // the retry count bounds attempts, not wall time
		b.Reset()
		s.backoffs[taskID] = b
	}
	return b.NextBackOff()
}
