// Package definitionloader loads workflow definition YAML files from a
// directory, validates them including per-phase cycle checks, and keeps the
// set current by watching the filesystem. Changes are announced on
// workflow.events.definition.updated.
package definitionloader

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/fsnotify/fsnotify"

	"github.com/c360studio/phaseline/workflow"
)

// Component implements the definition-loader processor.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	logger     *slog.Logger

	registry *Registry
	watcher  *fsnotify.Watcher

	// Debouncing: accumulate changed paths before reloading
	pendingMu sync.Mutex
	pending   map[string]fsnotify.Op

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	// Metrics
	reloads        atomic.Int64
	loadErrors     atomic.Int64
	lastActivityMu sync.RWMutex
	lastActivity   time.Time
}

// NewComponent creates a new definition-loader processor.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	defaults := DefaultConfig()
	if config.DefinitionsDir == "" {
		config.DefinitionsDir = defaults.DefinitionsDir
	}
	if config.DebounceDelay == "" {
		config.DebounceDelay = defaults.DebounceDelay
	}
	if config.Ports == nil {
		config.Ports = defaults.Ports
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := deps.GetLogger()
	return &Component{
		name:       "definition-loader",
		config:     config,
		natsClient: deps.NATSClient,
		logger:     logger,
		registry:   NewRegistry(config.DefinitionsDir, logger),
		pending:    make(map[string]fsnotify.Op),
	}, nil
}

// Registry returns the definition registry for in-process callers.
func (c *Component) Registry() *Registry {
	return c.registry
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized definition-loader",
		"definitions_dir", c.config.DefinitionsDir,
		"watch", c.config.Watch)
	return nil
}

// Start loads all definitions and, if configured, begins watching.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("component already running")
	}
	c.running = true
	c.startTime = time.Now()

	subCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	if err := c.registry.LoadAll(); err != nil {
		c.rollbackStart(cancel)
		return err
	}

	if c.config.Watch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			c.rollbackStart(cancel)
			return fmt.Errorf("create watcher: %w", err)
		}
		if err := watcher.Add(c.config.DefinitionsDir); err != nil {
			_ = watcher.Close()
			c.rollbackStart(cancel)
			return fmt.Errorf("watch %s: %w", c.config.DefinitionsDir, err)
		}
		c.watcher = watcher
		go c.watchLoop(subCtx)
	}

	c.logger.Info("definition-loader started",
		"definitions_dir", c.config.DefinitionsDir,
		"definitions", len(c.registry.Names()),
		"watch", c.config.Watch)
	return nil
}

func (c *Component) rollbackStart(cancel context.CancelFunc) {
	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.mu.Unlock()
	cancel()
}

// watchLoop handles fsnotify events with debouncing.
func (c *Component) watchLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.GetDebounceDelay())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if !isDefinitionFile(filepath.Base(event.Name)) {
				continue
			}
			c.pendingMu.Lock()
			c.pending[event.Name] = event.Op
			c.pendingMu.Unlock()

		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Error("Watcher error", "error", err)

		case <-ticker.C:
			c.flushPending(ctx)
		}
	}
}

// flushPending applies accumulated file changes to the registry.
func (c *Component) flushPending(ctx context.Context) {
	c.pendingMu.Lock()
	if len(c.pending) == 0 {
		c.pendingMu.Unlock()
		return
	}
	batch := c.pending
	c.pending = make(map[string]fsnotify.Op)
	c.pendingMu.Unlock()

	c.updateLastActivity()

	for path, op := range batch {
		if op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename) {
			if name := c.registry.RemoveFile(path); name != "" {
				c.reloads.Add(1)
				c.logger.Info("Definition removed", "name", name, "path", path)
				c.publishUpdate(ctx, workflow.DefinitionUpdatedEvent{
					Name:    name,
					Path:    path,
					Removed: true,
				})
			}
			continue
		}

		def, err := c.registry.LoadFile(path)
		if err != nil {
			c.loadErrors.Add(1)
			c.logger.Warn("Failed to reload definition",
				"path", path,
				"error", err)
			continue
		}
		c.reloads.Add(1)
		c.logger.Info("Definition reloaded", "name", def.Name, "path", path)

		c.publishUpdate(ctx, workflow.DefinitionUpdatedEvent{
			Name: def.Name,
			Path: path,
		})
	}
}

func (c *Component) publishUpdate(ctx context.Context, event workflow.DefinitionUpdatedEvent) {
	if c.natsClient == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := c.natsClient.Publish(ctx, workflow.DefinitionUpdatedSubject.Pattern, data); err != nil {
		c.logger.Warn("Failed to publish definition update", "error", err)
	}
}

// Stop shuts down the component.
func (c *Component) Stop(_ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}
	if c.watcher != nil {
		_ = c.watcher.Close()
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.running = false
	c.logger.Info("definition-loader stopped",
		"reloads", c.reloads.Load(),
		"load_errors", c.loadErrors.Load())
	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "definition-loader",
		Type:        "processor",
		Description: "Loads and watches workflow definition YAML files",
		Version:     "0.1.0",
	}
}

// InputPorts returns configured input port definitions.
func (c *Component) InputPorts() []component.Port {
	return []component.Port{}
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
	return definitionLoaderSchema
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
		ErrorCount: int(c.loadErrors.Load()),
		Uptime:     time.Since(startTime),
		Status:     status,
	}
}

// DataFlow returns current data flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	return component.FlowMetrics{
		LastActivity: c.getLastActivity(),
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
