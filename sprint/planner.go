// Package sprint implements the backlog planner for the implementation
// phase: committing tasks into time-boxed sprints under a capacity
// constraint, and computing velocity on close to size the next sprint.
package sprint

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/phaseline/storage"
	"github.com/c360studio/phaseline/workflow"
)

// VelocityWindow is how many trailing closed sprints feed the rolling
// capacity average.
const VelocityWindow = 3

// DepthFunc reports how many tasks transitively depend on a task. Used as
// the planning tiebreak so tasks that unblock the most successors commit
// first. The supervisor wires this to the resolver.
type DepthFunc func(taskID string) int

// Planner groups implementation-phase tasks into sprints.
type Planner struct {
	store  storage.RunStore
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Planner.
type Option func(*Planner)

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(p *Planner) { p.now = now }
}

// NewPlanner creates a sprint planner backed by the given store.
func NewPlanner(store storage.RunStore, logger *slog.Logger, opts ...Option) *Planner {
	p := &Planner{
		store:  store,
		logger: logger.With("component", "sprint-planner"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NextCapacity returns the capacity for the next sprint: the rolling average
// of completed points over the last VelocityWindow closed sprints, or seed
// when no sprint has closed yet.
func (p *Planner) NextCapacity(ctx context.Context, runID string, seed int) (int, error) {
	sprints, err := p.store.ListSprints(ctx, runID)
	if err != nil {
		return 0, err
	}
	var closed []*workflow.Sprint
	for _, s := range sprints {
		if s.Status == workflow.SprintClosed {
			closed = append(closed, s)
		}
	}
	if len(closed) == 0 {
		return seed, nil
	}
	if len(closed) > VelocityWindow {
		closed = closed[len(closed)-VelocityWindow:]
	}
	sum := 0
	for _, s := range closed {
		sum += s.Completed
	}
	return sum / len(closed), nil
}

// PlanSprint commits backlog tasks into a new sprint. Tasks are taken in
// priority order (higher first), ties broken by dependency depth (tasks that
// unblock more successors first), then by id. Selection stops at the first
// task whose estimate would push the committed total past capacity.
func (p *Planner) PlanSprint(ctx context.Context, runID string, backlog []*workflow.Task, capacity int, depth DepthFunc) (*workflow.Sprint, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("plan sprint: capacity must be positive, got %d", capacity)
	}
	if depth == nil {
		depth = func(string) int { return 0 }
	}

	candidates := make([]*workflow.Task, 0, len(backlog))
	for _, t := range backlog {
		if t.Status == workflow.TaskPending && t.SprintID == "" {
			candidates = append(candidates, t)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		da, db := depth(a.ID), depth(b.ID)
		if da != db {
			return da > db
		}
		return a.ID < b.ID
	})

	sprints, err := p.store.ListSprints(ctx, runID)
	if err != nil {
		return nil, err
	}
	s := &workflow.Sprint{
		ID:        uuid.New().String(),
		RunID:     runID,
		Ordinal:   len(sprints) + 1,
		Capacity:  capacity,
		Status:    workflow.SprintActive,
		StartedAt: p.now(),
	}

	for _, t := range candidates {
		if s.Committed+t.Estimate > capacity {
			break
		}
		s.TaskIDs = append(s.TaskIDs, t.ID)
		s.Committed += t.Estimate
		t.SprintID = s.ID
		if err := p.store.SaveTask(ctx, t); err != nil {
			return nil, err
		}
	}

	if err := p.store.SaveSprint(ctx, s); err != nil {
		return nil, err
	}
	p.logger.Info("sprint planned",
		"run_id", runID,
		"sprint_id", s.ID,
		"ordinal", s.Ordinal,
		"capacity", capacity,
		"committed", s.Committed,
		"tasks", len(s.TaskIDs))
	return s, nil
}

// CloseSprint finalizes a sprint at its time box boundary. Tasks not done are
// returned to the backlog with status reset to pending; artifacts they
// already produced stay valid. Velocity counts only done tasks. Closing an
// already-closed sprint is a no-op and never double-counts.
//
// The returned slice lists the task ids sent back to the backlog so the
// caller can reopen them in the resolver.
func (p *Planner) CloseSprint(ctx context.Context, runID, sprintID string) (*workflow.Sprint, []string, error) {
	s, err := p.store.GetSprint(ctx, runID, sprintID)
	if err != nil {
		return nil, nil, err
	}
	if s.Status == workflow.SprintClosed {
		return s, nil, nil
	}

	var returned []string
	completed := 0
	for _, taskID := range s.TaskIDs {
		t, err := p.store.GetTask(ctx, runID, taskID)
		if err != nil {
			return nil, nil, err
		}
		if t.Status == workflow.TaskDone {
			completed += t.Estimate
			continue
		}
		if !t.Status.CanTransitionTo(workflow.TaskPending) {
			// running tasks roll forward via the requeue transition as well;
			// anything else is a state machine bug worth surfacing.
			return nil, nil, workflow.NewTaskTransitionError(t.ID, t.Status, workflow.TaskPending)
		}
		t.Status = workflow.TaskPending
		t.SprintID = ""
		t.WorkerID = ""
		if err := p.store.SaveTask(ctx, t); err != nil {
			return nil, nil, err
		}
		returned = append(returned, t.ID)
	}

	now := p.now()
	s.Completed = completed
	if s.Committed > 0 {
		s.Velocity = float64(completed) / float64(s.Committed)
	}
	s.Status = workflow.SprintClosed
	s.ClosedAt = &now
	if err := p.store.SaveSprint(ctx, s); err != nil {
		return nil, nil, err
	}

	p.logger.Info("sprint closed",
		"run_id", runID,
		"sprint_id", sprintID,
		"completed", completed,
		"committed", s.Committed,
		"velocity", s.Velocity,
		"returned", len(returned))
	return s, returned, nil
}
