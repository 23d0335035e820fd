// Package incident implements failure and alert handling: ingesting incident
// reports, driving the triage/mitigation/escalation state machine under
// severity-specific response-time budgets, and triggering rollback to a
// previously recorded checkpoint.
package incident

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/phaseline/storage"
	"github.com/c360studio/phaseline/workflow"
)

// Budgets holds the response-time budget per severity. Values are policy,
// not code: deployments tune them in configuration.
type Budgets map[workflow.Severity]time.Duration

// DefaultBudgets returns the stock response-time budgets.
func DefaultBudgets() Budgets {
	return Budgets{
		workflow.SeverityCritical: 5 * time.Minute,
		workflow.SeverityHigh:     15 * time.Minute,
		workflow.SeverityMedium:   time.Hour,
		workflow.SeverityLow:      24 * time.Hour,
	}
}

// PagingFunc is invoked when an incident escalates. Paging notifies a human;
// the controller itself never takes corrective action on escalation.
type PagingFunc func(incident *workflow.Incident, budget time.Duration)

// RollbackFunc restores a run to the given checkpoint. The supervisor wires
// this to its own state-restore path so the controller stays decoupled from
// scheduler internals.
type RollbackFunc func(ctx context.Context, cp *workflow.Checkpoint) error

// Controller owns the incident lifecycle for all runs sharing a store.
type Controller struct {
	store       storage.RunStore
	checkpoints storage.CheckpointLog
	logger      *slog.Logger
	budgets     Budgets

	mu       sync.Mutex
	timers   map[string]*time.Timer
	page     PagingFunc
	rollback RollbackFunc
	now      func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithBudgets overrides the severity response-time budgets.
func WithBudgets(b Budgets) Option {
	return func(c *Controller) { c.budgets = b }
}

// WithPaging sets the escalation notification callback.
func WithPaging(fn PagingFunc) Option {
	return func(c *Controller) { c.page = fn }
}

// WithRollback sets the run-restore hook used by TriggerRollback.
func WithRollback(fn RollbackFunc) Option {
	return func(c *Controller) { c.rollback = fn }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// NewController creates an incident controller.
func NewController(store storage.RunStore, checkpoints storage.CheckpointLog, logger *slog.Logger, opts ...Option) *Controller {
	c := &Controller{
		store:       store,
		checkpoints: checkpoints,
		logger:      logger.With("component", "incident-controller"),
		budgets:     DefaultBudgets(),
		timers:      make(map[string]*time.Timer),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Report ingests a failure or alert and creates a detected incident. SEV1
// and SEV2 incidents arm the escalation timer immediately; lower severities
// escalate only by explicit call.
func (c *Controller) Report(ctx context.Context, runID, source string, severity workflow.Severity, details string) (*workflow.Incident, error) {
	if !severity.IsValid() {
		return nil, &workflow.ValidationError{Field: "severity", Message: "severity must be SEV1..SEV4"}
	}
	inc := &workflow.Incident{
		ID:         uuid.New().String(),
		RunID:      runID,
		Severity:   severity,
		Source:     source,
		Details:    details,
		Status:     workflow.IncidentDetected,
		DetectedAt: c.now(),
	}
	if err := c.store.SaveIncident(ctx, inc); err != nil {
		return nil, err
	}
	if severity.PagesImmediately() {
		c.armEscalation(inc)
	}
	c.logger.Warn("incident reported",
		"run_id", runID,
		"incident_id", inc.ID,
		"severity", severity.String(),
		"source", source)
	return inc, nil
}

// Triage confirms or reclassifies severity and moves the incident to
// triaged. Reclassifying to SEV1/SEV2 rearms the escalation timer from the
// original detection time.
func (c *Controller) Triage(ctx context.Context, runID, incidentID string, severity workflow.Severity) (*workflow.Incident, error) {
	inc, err := c.transition(ctx, runID, incidentID, workflow.IncidentTriaged, func(inc *workflow.Incident) {
		inc.Severity = severity
	})
	if err != nil {
		return nil, err
	}
	if severity.PagesImmediately() {
		c.armEscalation(inc)
	} else {
		c.disarmEscalation(incidentID)
	}
	return inc, nil
}

// StartMitigation moves a triaged incident to mitigating.
func (c *Controller) StartMitigation(ctx context.Context, runID, incidentID string) (*workflow.Incident, error) {
	return c.transition(ctx, runID, incidentID, workflow.IncidentMitigating, nil)
}

// Resolve closes an incident. Closed incidents are immutable; corrections
// create a new linked record via Report.
func (c *Controller) Resolve(ctx context.Context, runID, incidentID string) (*workflow.Incident, error) {
	inc, err := c.transition(ctx, runID, incidentID, workflow.IncidentResolved, func(inc *workflow.Incident) {
		now := c.now()
		inc.ResolvedAt = &now
	})
	if err != nil {
		return nil, err
	}
	c.disarmEscalation(incidentID)
	return inc, nil
}

// Escalate moves an incident to escalated and fires the paging callback.
// Escalation notifies; it never takes corrective action.
func (c *Controller) Escalate(ctx context.Context, runID, incidentID string) (*workflow.Incident, error) {
	inc, err := c.transition(ctx, runID, incidentID, workflow.IncidentEscalated, func(inc *workflow.Incident) {
		now := c.now()
		inc.EscalatedAt = &now
	})
	if err != nil {
		return nil, err
	}
	c.disarmEscalation(incidentID)
	budget := c.budgets[inc.Severity]
	c.logger.Error("incident escalated",
		"run_id", runID,
		"incident_id", incidentID,
		"severity", inc.Severity.String(),
		"budget", budget.String())
	if c.page != nil {
		c.page(inc, budget)
	}
	return inc, nil
}

// TriggerRollback restores a run to a previously recorded checkpoint and
// creates a new incident record linking cause and target. The target must
// exist in the checkpoint log; a missing target is fatal and surfaced to the
// operator with no automatic fallback.
func (c *Controller) TriggerRollback(ctx context.Context, runID, targetCheckpoint, causeIncidentID string) (*workflow.Incident, error) {
	cp, err := c.checkpoints.Get(ctx, runID, targetCheckpoint)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &workflow.RollbackTargetError{RunID: runID, Checkpoint: targetCheckpoint}
		}
		return nil, err
	}
	if c.rollback == nil {
		return nil, fmt.Errorf("rollback: no restore hook configured")
	}
	if err := c.rollback(ctx, cp); err != nil {
		return nil, fmt.Errorf("rollback to %s: %w", targetCheckpoint, err)
	}

	inc := &workflow.Incident{
		ID:             uuid.New().String(),
		RunID:          runID,
		Severity:       workflow.SeverityHigh,
		Source:         "rollback",
		Details:        fmt.Sprintf("rolled back to checkpoint %s", targetCheckpoint),
		Status:         workflow.IncidentDetected,
		RollbackTarget: targetCheckpoint,
		CausedBy:       causeIncidentID,
		DetectedAt:     c.now(),
	}
	if err := c.store.SaveIncident(ctx, inc); err != nil {
		return nil, err
	}
	c.logger.Warn("rollback performed",
		"run_id", runID,
		"checkpoint", targetCheckpoint,
		"caused_by", causeIncidentID,
		"incident_id", inc.ID)
	return inc, nil
}

// Get returns one incident.
func (c *Controller) Get(ctx context.Context, runID, incidentID string) (*workflow.Incident, error) {
	return c.store.GetIncident(ctx, runID, incidentID)
}

// Open returns a run's incidents that are not yet resolved.
func (c *Controller) Open(ctx context.Context, runID string) ([]*workflow.Incident, error) {
	all, err := c.store.ListIncidents(ctx, runID)
	if err != nil {
		return nil, err
	}
	var open []*workflow.Incident
	for _, inc := range all {
		if !inc.Status.IsClosed() {
			open = append(open, inc)
		}
	}
	return open, nil
}

func (c *Controller) transition(ctx context.Context, runID, incidentID string, target workflow.IncidentStatus, mutate func(*workflow.Incident)) (*workflow.Incident, error) {
	inc, err := c.store.GetIncident(ctx, runID, incidentID)
	if err != nil {
		return nil, err
	}
	if !inc.Status.CanTransitionTo(target) {
		return nil, &workflow.StatusTransitionError{
			Entity: "incident",
			ID:     incidentID,
			From:   inc.Status.String(),
			To:     target.String(),
		}
	}
	inc.Status = target
	if mutate != nil {
		mutate(inc)
	}
	if err := c.store.SaveIncident(ctx, inc); err != nil {
		return nil, err
	}
	return inc, nil
}

// armEscalation schedules automatic escalation when the severity budget
// expires before resolution. Rearming replaces any prior timer and measures
// from detection time so reclassification does not reset the clock.
func (c *Controller) armEscalation(inc *workflow.Incident) {
	budget, ok := c.budgets[inc.Severity]
	if !ok || budget <= 0 {
		return
	}
	remaining := budget - c.now().Sub(inc.DetectedAt)
	if remaining < 0 {
		remaining = 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[inc.ID]; ok {
		t.Stop()
	}
	runID, incidentID := inc.RunID, inc.ID
	c.timers[incidentID] = time.AfterFunc(remaining, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		current, err := c.store.GetIncident(ctx, runID, incidentID)
		if err != nil {
			return
		}
		if !current.Status.CanTransitionTo(workflow.IncidentEscalated) {
			return
		}
		if _, err := c.Escalate(ctx, runID, incidentID); err != nil {
			c.logger.Error("auto-escalation failed",
				"run_id", runID,
				"incident_id", incidentID,
				"error", err)
		}
	})
}

func (c *Controller) disarmEscalation(incidentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[incidentID]; ok {
		t.Stop()
		delete(c.timers, incidentID)
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
