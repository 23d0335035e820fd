// Package runorchestrator provides the run orchestration processor. It
// consumes workflow commands from JetStream, drives run state through the
// supervisor, and dispatches tasks to capability workers:
// 1. Run start triggers materialize a run from a workflow definition
// 2. Task results advance the per-phase DAG and retry or fail tasks
// 3. Gate decisions approve phases or reopen rework scope
// 4. Incident reports and control commands handle escalation and rollback
package runorchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/phaseline/scheduler"
	"github.com/c360studio/phaseline/storage"
	"github.com/c360studio/phaseline/supervisor"
	"github.com/c360studio/phaseline/workflow"
)

// Component implements the run-orchestrator processor.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	logger     *slog.Logger

	sup   *supervisor.Supervisor
	store *storage.Store

	// JetStream consumer
	consumer jetstream.Consumer
	stream   jetstream.Stream

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	// Metrics
	messagesProcessed atomic.Int64
	messagesFailed    atomic.Int64
	lastActivityMu    sync.RWMutex
	lastActivity      time.Time
}

// NewComponent creates a new run-orchestrator processor.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply defaults
	defaults := DefaultConfig()
	if config.StreamName == "" {
		config.StreamName = defaults.StreamName
	}
	if config.ConsumerName == "" {
		config.ConsumerName = defaults.ConsumerName
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.RetryBaseSeconds == 0 {
		config.RetryBaseSeconds = defaults.RetryBaseSeconds
	}
	if config.SprintTickSeconds == 0 {
		config.SprintTickSeconds = defaults.SprintTickSeconds
	}
	if config.Ports == nil {
		config.Ports = defaults.Ports
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Component{
		name:       "run-orchestrator",
		config:     config,
		natsClient: deps.NATSClient,
		logger:     deps.GetLogger(),
	}, nil
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized run-orchestrator",
		"stream", c.config.StreamName,
		"consumer", c.config.ConsumerName,
		"definitions_dir", c.config.DefinitionsDir)
	return nil
}

// Start builds the supervisor over JetStream KV storage and begins consuming
// workflow commands.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("component already running")
	}
	if c.natsClient == nil {
		c.mu.Unlock()
		return fmt.Errorf("NATS client required")
	}

	c.running = true
	c.startTime = time.Now()

	subCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	js, err := c.natsClient.JetStream()
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("get jetstream: %w", err)
	}

	store, err := storage.NewKVStore(subCtx, js)
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("create kv store: %w", err)
	}
	c.store = store

	c.sup = supervisor.New(store,
		NewNATSDispatcher(c.natsClient, c.logger),
		c.logger,
		supervisor.WithEventSink(NewNATSEventSink(c.natsClient)),
		supervisor.WithRetryPolicy(scheduler.RetryPolicy{
			MaxRetries: c.config.MaxRetries,
			Base:       c.config.GetRetryBase(),
			Max:        time.Minute,
			Jitter:     0.2,
		}),
		supervisor.WithIncidentBudgets(c.config.GetIncidentBudgets()),
	)

	stream, err := js.Stream(subCtx, c.config.StreamName)
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("get stream %s: %w", c.config.StreamName, err)
	}
	c.stream = stream

	consumerConfig := jetstream.ConsumerConfig{
		Durable: c.config.ConsumerName,
		FilterSubjects: []string{
			workflow.SubjectRunStart,
			workflow.SubjectTaskResultPrefix + ">",
			workflow.SubjectGateDecision,
			workflow.SubjectIncidentReport,
			workflow.SubjectRunControl,
		},
		AckPolicy:  jetstream.AckExplicitPolicy,
		AckWait:    time.Minute,
		MaxDeliver: 3,
	}

	consumer, err := stream.CreateOrUpdateConsumer(subCtx, consumerConfig)
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("create consumer: %w", err)
	}
	c.consumer = consumer

	go c.consumeLoop(subCtx)
	go c.sprintLoop(subCtx)

	c.logger.Info("run-orchestrator started",
		"stream", c.config.StreamName,
		"consumer", c.config.ConsumerName,
		"sprint_tick", c.config.GetSprintTick())

	return nil
}

func (c *Component) rollbackStart(cancel context.CancelFunc) {
	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.mu.Unlock()
	cancel()
}

// consumeLoop continuously consumes command messages from the consumer.
func (c *Component) consumeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := c.consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("Fetch timeout or error", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			c.handleMessage(ctx, msg)
		}

		if msgs.Error() != nil && msgs.Error() != context.DeadlineExceeded {
			c.logger.Warn("Message fetch error", "error", msgs.Error())
		}
	}
}

// sprintLoop periodically closes sprints whose time box has expired.
func (c *Component) sprintLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.GetSprintTick())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.sup.CloseDueSprints(ctx); err != nil {
				c.logger.Warn("Sprint close sweep failed", "error", err)
			}
		}
	}
}

// handleMessage routes one command message by subject.
func (c *Component) handleMessage(ctx context.Context, msg jetstream.Msg) {
	c.messagesProcessed.Add(1)
	c.updateLastActivity()

	subject := msg.Subject()
	kind := commandKind(subject)
	start := time.Now()

	var err error
	switch {
	case subject == workflow.SubjectRunStart:
		err = c.handleRunStart(ctx, msg.Data())
	case strings.HasPrefix(subject, workflow.SubjectTaskResultPrefix):
		err = c.handleTaskResult(ctx, msg.Data())
	case subject == workflow.SubjectGateDecision:
		err = c.handleGateDecision(ctx, msg.Data())
	case subject == workflow.SubjectIncidentReport:
		err = c.handleIncidentReport(ctx, msg.Data())
	case subject == workflow.SubjectRunControl:
		err = c.handleRunControl(ctx, msg.Data())
	default:
		err = fmt.Errorf("unexpected subject %s", subject)
	}
	commandDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())

	if err == nil {
		commandsProcessed.WithLabelValues(kind, "ok").Inc()
		if err := msg.Ack(); err != nil {
			c.logger.Warn("Failed to ACK message", "error", err)
		}
		return
	}

	c.messagesFailed.Add(1)
	if isPermanent(err) {
		// Redelivery cannot fix a bad or stale command; drop it.
		commandsProcessed.WithLabelValues(kind, "rejected").Inc()
		c.logger.Warn("Rejected command", "subject", subject, "error", err)
		if err := msg.Ack(); err != nil {
			c.logger.Warn("Failed to ACK message", "error", err)
		}
		return
	}

	commandsProcessed.WithLabelValues(kind, "error").Inc()
	c.logger.Error("Failed to handle command", "subject", subject, "error", err)
	if err := msg.Nak(); err != nil {
		c.logger.Warn("Failed to NAK message", "error", err)
	}
}

func (c *Component) handleRunStart(ctx context.Context, data []byte) error {
	payload, err := workflow.ParseNATSMessage[workflow.RunStartPayload](data)
	if err != nil {
		return fmt.Errorf("parse run start: %w", permanent(err))
	}
	if err := payload.Validate(); err != nil {
		return permanent(err)
	}

	def, err := c.resolveDefinition(payload)
	if err != nil {
		return err
	}

	run, err := c.sup.StartRun(ctx, def)
	if err != nil {
		return err
	}
	runsStarted.Inc()

	c.logger.Info("Run started",
		"run_id", run.ID,
		"definition", def.Name,
		"requested_by", payload.RequestedBy)
	return nil
}

func (c *Component) handleTaskResult(ctx context.Context, data []byte) error {
	payload, err := workflow.ParseNATSMessage[workflow.TaskResultPayload](data)
	if err != nil {
		return fmt.Errorf("parse task result: %w", permanent(err))
	}

	if err := c.sup.ReportTaskResult(ctx, payload); err != nil {
		return err
	}
	taskResultsReported.WithLabelValues(fmt.Sprintf("%t", payload.Success)).Inc()
	return nil
}

func (c *Component) handleGateDecision(ctx context.Context, data []byte) error {
	payload, err := workflow.ParseNATSMessage[workflow.GateDecisionPayload](data)
	if err != nil {
		return fmt.Errorf("parse gate decision: %w", permanent(err))
	}

	gate, err := c.sup.DecideGate(ctx, payload)
	if err != nil {
		return err
	}
	verdict := "rejected"
	if payload.Approve {
		verdict = "approved"
	}
	gateDecisions.WithLabelValues(verdict).Inc()

	c.logger.Info("Gate decided",
		"run_id", payload.RunID,
		"gate_id", gate.ID,
		"verdict", verdict,
		"actor", payload.Actor)
	return nil
}

func (c *Component) handleIncidentReport(ctx context.Context, data []byte) error {
	payload, err := workflow.ParseNATSMessage[workflow.IncidentReportPayload](data)
	if err != nil {
		return fmt.Errorf("parse incident report: %w", permanent(err))
	}

	inc, err := c.sup.ReportIncident(ctx, payload)
	if err != nil {
		return err
	}

	c.logger.Info("Incident recorded",
		"run_id", payload.RunID,
		"incident_id", inc.ID,
		"severity", inc.Severity,
		"source", inc.Source)
	return nil
}

func (c *Component) handleRunControl(ctx context.Context, data []byte) error {
	payload, err := workflow.ParseNATSMessage[workflow.RunControlPayload](data)
	if err != nil {
		return fmt.Errorf("parse run control: %w", permanent(err))
	}
	if err := payload.Validate(); err != nil {
		return permanent(err)
	}

	switch payload.Action {
	case workflow.ControlPause:
		err = c.sup.PauseRun(ctx, payload.RunID)
	case workflow.ControlResume:
		err = c.sup.ResumeRun(ctx, payload.RunID)
	case workflow.ControlCancel:
		err = c.sup.CancelRun(ctx, payload.RunID, payload.Actor, payload.Reason)
	case workflow.ControlRollback:
		_, err = c.sup.TriggerRollback(ctx, payload.RunID, payload.CheckpointID, payload.IncidentID)
	}
	if err != nil {
		return err
	}

	c.logger.Info("Run control applied",
		"run_id", payload.RunID,
		"action", payload.Action,
		"actor", payload.Actor)
	return nil
}

// resolveDefinition parses an inline document or loads a named definition
// from the definitions directory.
func (c *Component) resolveDefinition(p *workflow.RunStartPayload) (*workflow.Definition, error) {
	if p.Definition != "" {
		def, err := workflow.ParseDefinition([]byte(p.Definition))
		if err != nil {
			return nil, permanent(fmt.Errorf("parse inline definition: %w", err))
		}
		return def, nil
	}

	if c.config.DefinitionsDir == "" {
		return nil, permanent(fmt.Errorf("definition_name %q given but no definitions_dir configured", p.DefinitionName))
	}
	// The name comes off the wire; refuse anything that escapes the dir.
	if p.DefinitionName != filepath.Base(p.DefinitionName) {
		return nil, permanent(fmt.Errorf("invalid definition name %q", p.DefinitionName))
	}

	path := filepath.Join(c.config.DefinitionsDir, p.DefinitionName+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, permanent(fmt.Errorf("definition %q not found", p.DefinitionName))
		}
		return nil, fmt.Errorf("read definition %s: %w", path, err)
	}

	def, err := workflow.ParseDefinition(data)
	if err != nil {
		return nil, permanent(fmt.Errorf("parse definition %s: %w", path, err))
	}
	return def, nil
}

// Supervisor exposes the run supervisor for in-process callers.
func (c *Component) Supervisor() *supervisor.Supervisor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sup
}

// Stop shuts down the component.
func (c *Component) Stop(_ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}

	if c.cancel != nil {
		c.cancel()
	}
	if c.sup != nil {
		c.sup.Close()
	}

	c.running = false
	c.logger.Info("run-orchestrator stopped",
		"messages_processed", c.messagesProcessed.Load(),
		"messages_failed", c.messagesFailed.Load())

	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "run-orchestrator",
		Type:        "processor",
		Description: "Drives workflow runs: DAG scheduling, gates, sprints, incidents, rollback",
		Version:     "0.1.0",
	}
}

// InputPorts returns configured input port definitions.
func (c *Component) InputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}

	ports := make([]component.Port, len(c.config.Ports.Inputs))
	for i, portDef := range c.config.Ports.Inputs {
		ports[i] = component.Port{
			Name:        portDef.Name,
			Direction:   component.DirectionInput,
			Required:    portDef.Required,
			Description: portDef.Description,
			Config: component.NATSPort{
				Subject: portDef.Subject,
			},
		}
	}
	return ports
}

// OutputPorts returns configured output port definitions.
func (c *Component) OutputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}

	ports := make([]component.Port, len(c.config.Ports.Outputs))
	for i, portDef := range c.config.Ports.Outputs {
		ports[i] = component.Port{
			Name:        portDef.Name,
			Direction:   component.DirectionOutput,
			Required:    portDef.Required,
			Description: portDef.Description,
			Config: component.NATSPort{
				Subject: portDef.Subject,
			},
		}
	}
	return ports
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return runOrchestratorSchema
}

// Health returns the current health status.
func (c *Component) Health() component.HealthStatus {
	c.mu.RLock()
	running := c.running
	startTime := c.startTime
	c.mu.RUnlock()

	status := "stopped"
	if running {
		status = "running"
	}

	return component.HealthStatus{
		Healthy:    running,
		LastCheck:  time.Now(),
		ErrorCount: int(c.messagesFailed.Load()),
		Uptime:     time.Since(startTime),
		Status:     status,
	}
}

// DataFlow returns current data flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	return component.FlowMetrics{
		MessagesPerSecond: 0,
		BytesPerSecond:    0,
		ErrorRate:         0,
		LastActivity:      c.getLastActivity(),
	}
}

// IsRunning returns whether the component is running.
func (c *Component) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

func (c *Component) updateLastActivity() {
	c.lastActivityMu.Lock()
	c.lastActivity = time.Now()
	c.lastActivityMu.Unlock()
}

func (c *Component) getLastActivity() time.Time {
	c.lastActivityMu.RLock()
	defer c.lastActivityMu.RUnlock()
	return c.lastActivity
}

func commandKind(subject string) string {
	switch {
	case subject == workflow.SubjectRunStart:
		return "run_start"
	case strings.HasPrefix(subject, workflow.SubjectTaskResultPrefix):
		return "task_result"
	case subject == workflow.SubjectGateDecision:
		return "gate_decision"
	case subject == workflow.SubjectIncidentReport:
		return "incident_report"
	case subject == workflow.SubjectRunControl:
		return "run_control"
	default:
		return "unknown"
	}
}

// permanentError marks a command failure that redelivery will never fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error { return &permanentError{err: err} }

func isPermanent(err error) bool {
	var pe *permanentError
	if errors.As(err, &pe) {
		return true
	}
	var ve *workflow.ValidationError
	if errors.As(err, &ve) {
		return true
	}
	var ge *workflow.GateTransitionError
	if errors.As(err, &ge) {
		return true
	}
	var ce *workflow.ConfigError
	if errors.As(err, &ce) {
		return true
	}
	return errors.Is(err, workflow.ErrNotFound) ||
		errors.Is(err, workflow.ErrRunTerminal) ||
		errors.Is(err, workflow.ErrReworkScopeRequired)
}
