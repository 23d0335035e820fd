package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/phaseline/config"
	definitionloader "github.com/c360studio/phaseline/processor/definition-loader"
	runapi "github.com/c360studio/phaseline/processor/run-api"
	runorchestrator "github.com/c360studio/phaseline/processor/run-orchestrator"
	"github.com/c360studio/phaseline/workflow"
)

const streamName = "PHASELINE"

// App wires together the NATS transport, the workflow processors, and the
// HTTP surfaces.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// NATS
	embeddedServer *server.Server
	natsClient     *natsclient.Client

	// Processors
	loader       *definitionloader.Component
	orchestrator *runorchestrator.Component
	api          *runapi.Component

	// HTTP
	httpServer    *http.Server
	metricsServer *http.Server
}

// NewApp creates a new application instance.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger}, nil
}

// Start brings up NATS, ensures the workflow stream, and starts the
// processors and HTTP servers.
func (a *App) Start(ctx context.Context) error {
	if err := a.startNATS(ctx); err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}

	if err := a.ensureStream(ctx); err != nil {
		return fmt.Errorf("ensure stream: %w", err)
	}

	if err := a.buildComponents(); err != nil {
		return fmt.Errorf("build components: %w", err)
	}

	// Definition loader first so definitions are served before any run
	// start command is consumed.
	for _, c := range a.lifecycleOrder() {
		if err := c.Initialize(); err != nil {
			return fmt.Errorf("initialize %s: %w", c.Meta().Name, err)
		}
		if err := c.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", c.Meta().Name, err)
		}
	}

	a.startHTTP()
	return nil
}

// lifecycle is the subset of component behavior the app drives directly.
type lifecycle interface {
	Initialize() error
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
	Meta() component.Metadata
}

func (a *App) lifecycleOrder() []lifecycle {
	var order []lifecycle
	if a.loader != nil {
		order = append(order, a.loader)
	}
	if a.orchestrator != nil {
		order = append(order, a.orchestrator)
	}
	if a.api != nil {
		order = append(order, a.api)
	}
	return order
}

func (a *App) startNATS(ctx context.Context) error {
	url := a.cfg.NATS.URL

	if url == "" || a.cfg.NATS.Embedded {
		// Start embedded NATS server
		a.logger.Info("Starting embedded NATS server")
		opts := &server.Options{
			Port:      -1, // Random available port
			JetStream: true,
			NoLog:     true,
			NoSigs:    true,
		}

		ns, err := server.NewServer(opts)
		if err != nil {
			return fmt.Errorf("create embedded NATS server: %w", err)
		}

		go ns.Start()

		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return fmt.Errorf("embedded NATS server failed to start")
		}

		a.embeddedServer = ns
		url = ns.ClientURL()
	}

	a.logger.Info("Connecting to NATS", "url", url)

	client, err := natsclient.NewClient(url,
		natsclient.WithName(appName),
		natsclient.WithMaxReconnects(-1),
		natsclient.WithReconnectWait(time.Second),
		natsclient.WithHealthInterval(30*time.Second),
	)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to NATS at %s: %w", url, err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := client.WaitForConnection(connCtx); err != nil {
		return fmt.Errorf("wait for NATS connection: %w", err)
	}

	a.natsClient = client
	a.logger.Info("Connected to NATS", "url", url)
	return nil
}

// ensureStream creates or updates the JetStream stream carrying all
// workflow subjects (commands, task traffic, and events).
func (a *App) ensureStream(ctx context.Context) error {
	js, err := a.natsClient.JetStream()
	if err != nil {
		return fmt.Errorf("get jetstream: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{workflow.SubjectPrefix + ">"},
		Storage:  jetstream.FileStorage,
		MaxAge:   7 * 24 * time.Hour,
		Replicas: 1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", streamName, err)
	}

	a.logger.Debug("JetStream stream ready", "stream", streamName)
	return nil
}

func (a *App) buildComponents() error {
	// Register factories for discoverability, mirroring how components
	// announce their schemas and ports.
	registry := component.NewRegistry()
	if err := definitionloader.Register(registry); err != nil {
		return fmt.Errorf("register definition-loader: %w", err)
	}
	if err := runorchestrator.Register(registry); err != nil {
		return fmt.Errorf("register run-orchestrator: %w", err)
	}
	if err := runapi.Register(registry); err != nil {
		return fmt.Errorf("register run-api: %w", err)
	}

	deps := component.Dependencies{
		NATSClient: a.natsClient,
		Logger:     a.logger,
	}

	loader, err := a.newLoader(deps)
	if err != nil {
		return err
	}
	a.loader = loader

	orchestrator, err := a.newOrchestrator(deps)
	if err != nil {
		return err
	}
	a.orchestrator = orchestrator

	api, err := a.newAPI(deps)
	if err != nil {
		return err
	}
	a.api = api

	return nil
}

func (a *App) newLoader(deps component.Dependencies) (*definitionloader.Component, error) {
	raw, err := json.Marshal(map[string]any{
		"definitions_dir": a.cfg.Definitions.Dir,
		"watch":           a.cfg.Definitions.Watch,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal definition-loader config: %w", err)
	}

	comp, err := definitionloader.NewComponent(raw, deps)
	if err != nil {
		return nil, fmt.Errorf("create definition-loader: %w", err)
	}
	return comp.(*definitionloader.Component), nil
}

func (a *App) newOrchestrator(deps component.Dependencies) (*runorchestrator.Component, error) {
	budgets := make(map[string]int, len(a.cfg.Engine.IncidentBudgets))
	for sev, budget := range a.cfg.Engine.IncidentBudgets {
		budgets[sev] = int(budget / time.Second)
	}

	raw, err := json.Marshal(map[string]any{
		"stream_name":             streamName,
		"definitions_dir":         a.cfg.Definitions.Dir,
		"max_retries":             a.cfg.Engine.MaxRetries,
		"retry_base_seconds":      int(a.cfg.Engine.RetryBase / time.Second),
		"sprint_tick_seconds":     int(a.cfg.Engine.SprintTick / time.Second),
		"incident_budget_seconds": budgets,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal run-orchestrator config: %w", err)
	}

	comp, err := runorchestrator.NewComponent(raw, deps)
	if err != nil {
		return nil, fmt.Errorf("create run-orchestrator: %w", err)
	}
	return comp.(*runorchestrator.Component), nil
}

func (a *App) newAPI(deps component.Dependencies) (*runapi.Component, error) {
	raw, err := json.Marshal(map[string]any{
		"stream_name": streamName,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal run-api config: %w", err)
	}

	comp, err := runapi.NewComponent(raw, deps)
	if err != nil {
		return nil, fmt.Errorf("create run-api: %w", err)
	}
	return comp.(*runapi.Component), nil
}

func (a *App) startHTTP() {
	mux := http.NewServeMux()
	a.api.RegisterHTTPHandlers("/phaseline/", mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.API.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		a.logger.Info("HTTP API listening", "addr", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("HTTP server error", "error", err)
		}
	}()

	if a.cfg.API.MetricsPort > 0 {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())

		a.metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.API.MetricsPort),
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			a.logger.Info("Metrics listening", "addr", a.metricsServer.Addr)
			if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.logger.Error("Metrics server error", "error", err)
			}
		}()
	}
}

// Shutdown gracefully stops HTTP servers, processors, and NATS.
func (a *App) Shutdown(timeout time.Duration) {
	a.logger.Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.logger.Warn("HTTP server shutdown", "error", err)
		}
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			a.logger.Warn("Metrics server shutdown", "error", err)
		}
	}

	// Stop processors in reverse start order.
	order := a.lifecycleOrder()
	for i := len(order) - 1; i >= 0; i-- {
		c := order[i]
		if err := c.Stop(timeout); err != nil {
			a.logger.Warn("Component stop", "component", c.Meta().Name, "error", err)
		}
	}

	if a.natsClient != nil {
		if err := a.natsClient.Close(ctx); err != nil {
			a.logger.Warn("NATS client close", "error", err)
		}
	}

	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}

	a.logger.Info("Shutdown complete")
}
