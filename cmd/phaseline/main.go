// Package main provides the phaseline binary entry point.
// Phaseline is a workflow orchestration engine for automated software
// delivery: declarative phase definitions, capability-matched dispatch,
// approval gates, sprint planning, and incident-driven rollback.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/phaseline/config"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "phaseline"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "phaseline",
		Short: "Workflow orchestration engine",
		Long: `Phaseline drives software delivery workflows end to end.

It provides:
- Declarative YAML workflow definitions with hot reload
- Dependency-ordered task dispatch to capability workers
- Approval gates with scoped rework, sprints, and incident rollback

All components communicate via NATS JetStream.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	// Version command
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func run(configPath, logLevel string) error {
	logger := newLogger(logLevel)
	slog.SetDefault(logger)

	cfg, err := loadConfig(configPath, logger)
	if err != nil {
		return err
	}

	app, err := NewApp(cfg, logger)
	if err != nil {
		return fmt.Errorf("create app: %w", err)
	}

	// Setup signal handling
	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := app.Start(signalCtx); err != nil {
		app.Shutdown(10 * time.Second)
		return fmt.Errorf("start: %w", err)
	}

	logger.Info("Phaseline ready",
		"version", Version,
		"definitions_dir", cfg.Definitions.Dir,
		"api_port", cfg.API.Port)

	// Block until shutdown signal
	<-signalCtx.Done()
	logger.Info("Received shutdown signal")

	app.Shutdown(30 * time.Second)
	return nil
}

func newLogger(level string) *slog.Logger {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slogLevel,
	}))
}

// loadConfig loads configuration from an explicit path or via the layered
// loader (defaults, then user config, then project config).
func loadConfig(configPath string, logger *slog.Logger) (*config.Config, error) {
	if configPath != "" {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", configPath, err)
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
		}
		logger.Debug("Loaded config", "path", configPath)
		return cfg, nil
	}

	cfg, err := config.NewLoader(logger).Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
