// Package gate implements the approval gate controller: blocking checkpoints
// at phase boundaries that hold all phase-exit transitions until an external
// approve/reject decision is recorded. Gates never time out into a decision;
// the optional escalation callback pages a human, nothing more.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/phaseline/storage"
	"github.com/c360studio/phaseline/workflow"
)

// EscalationFunc is invoked when a gate stays pending past its configured
// escalation window.
type EscalationFunc func(gate *workflow.Gate, pendingFor time.Duration)

// Controller owns gate lifecycle for all runs sharing a store. Decisions are
// serialized per controller; gates of different runs share no state beyond
// the store.
type Controller struct {
	store  storage.RunStore
	logger *slog.Logger

	mu       sync.Mutex
	timers   map[string]*time.Timer
	escalate EscalationFunc
	now      func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithEscalation sets the paging callback fired when a gate exceeds its
// escalation window.
func WithEscalation(fn EscalationFunc) Option {
	return func(c *Controller) { c.escalate = fn }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// NewController creates a gate controller backed by the given store.
func NewController(store storage.RunStore, logger *slog.Logger, opts ...Option) *Controller {
	c := &Controller{
		store:  store,
		logger: logger.With("component", "gate-controller"),
		timers: make(map[string]*time.Timer),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Create opens a gate for a phase whose task DAG has fully completed. The
// caller (the supervisor) is responsible for that precondition; Create
// verifies it against the store and refuses otherwise.
func (c *Controller) Create(ctx context.Context, runID string, phase workflow.PhaseName, def *workflow.GateDef) (*workflow.Gate, error) {
	tasks, err := c.store.ListTasks(ctx, runID)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.Phase != phase {
			continue
		}
		if t.Status != workflow.TaskDone {
			return nil, fmt.Errorf("gate %s: task %s is %s: %w",
				def.ID, t.ID, t.Status, workflow.ErrPhaseNotComplete)
		}
	}

	id := def.ID
	if id == "" {
		id = uuid.New().String()
	}
	g := &workflow.Gate{
		ID:        id,
		RunID:     runID,
		Phase:     phase,
		Status:    workflow.GatePending,
		CreatedAt: c.now(),
	}
	if err := c.store.SaveGate(ctx, g); err != nil {
		return nil, err
	}

	if window, err := def.EscalateAfterDuration(); err == nil && window > 0 {
		c.armEscalation(g, window)
	}

	c.logger.Info("gate created", "run_id", runID, "gate_id", g.ID, "phase", phase)
	return g, nil
}

// Decide records an external approve/reject decision. Returns
// *workflow.GateTransitionError when the gate is not pending; decisions are
// rejected synchronously, never queued.
func (c *Controller) Decide(ctx context.Context, runID, gateID string, approve bool, actor, rationale string) (*workflow.Gate, error) {
	g, err := c.store.GetGate(ctx, runID, gateID)
	if err != nil {
		return nil, err
	}

	target := workflow.GateRejected
	if approve {
		target = workflow.GateApproved
	}
	if !g.Status.CanTransitionTo(target) {
		return nil, &workflow.GateTransitionError{GateID: gateID, Status: g.Status}
	}

	now := c.now()
	g.Status = target
	g.Actor = actor
	g.Rationale = rationale
	g.DecidedAt = &now
	if target == workflow.GateRejected {
		g.Rejections++
	}
	if err := c.store.SaveGate(ctx, g); err != nil {
		return nil, err
	}

	c.disarmEscalation(gateID)
	c.logger.Info("gate decided",
		"run_id", runID,
		"gate_id", gateID,
		"decision", target.String(),
		"actor", actor)
	return g, nil
}

// Reopen returns a rejected gate to pending after the supervisor has reset
// the rework scope, so a fresh decision can arrive once rework completes.
func (c *Controller) Reopen(ctx context.Context, runID, gateID string) (*workflow.Gate, error) {
	g, err := c.store.GetGate(ctx, runID, gateID)
	if err != nil {
		return nil, err
	}
	if !g.Status.CanTransitionTo(workflow.GatePending) {
		return nil, &workflow.GateTransitionError{GateID: gateID, Status: g.Status}
	}
	g.Status = workflow.GatePending
	g.DecidedAt = nil
	if err := c.store.SaveGate(ctx, g); err != nil {
		return nil, err
	}
	c.logger.Info("gate reopened", "run_id", runID, "gate_id", gateID)
	return g, nil
}

// StatusOf returns the gate's current decision state.
func (c *Controller) StatusOf(ctx context.Context, runID, gateID string) (workflow.GateStatus, error) {
	g, err := c.store.GetGate(ctx, runID, gateID)
	if err != nil {
		return "", err
	}
	return g.Status, nil
}

// armEscalation schedules the paging callback. The timer checks the stored
// gate state before firing so a late timer on a decided gate is a no-op.
func (c *Controller) armEscalation(g *workflow.Gate, window time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	runID, gateID := g.RunID, g.ID
	created := g.CreatedAt
	c.timers[gateID] = time.AfterFunc(window, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		current, err := c.store.GetGate(ctx, runID, gateID)
		if err != nil || current.Status != workflow.GatePending {
			return
		}
		pendingFor := c.now().Sub(created)
		c.logger.Warn("gate pending past escalation window",
			"run_id", runID,
			"gate_id", gateID,
			"pending_for", pendingFor.String())
		if c.escalate != nil {
			c.escalate(current, pendingFor)
		}
	})
}

func (c *Controller) disarmEscalation(gateID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[gateID]; ok {
		t.Stop()
		delete(c.timers, gateID)
	}
}

// Close stops all outstanding escalation timers.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
}
