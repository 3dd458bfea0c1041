package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/agentica-server/internal/config"
	"github.com/dohr-michael/agentica-server/internal/httpapi"
	"github.com/dohr-michael/agentica-server/internal/lifecycle"
	"github.com/dohr-michael/agentica-server/internal/notifier"
	"github.com/dohr-michael/agentica-server/internal/registry"
)

// protocolVersion is the server's own build of spec.md §6's protocol:
// clients below this per-SDK floor are rejected with 426, below
// MinRecommended get a deprecation warning header.
const protocolVersion = "1.0.0"

// newRootCommand returns the top-level CLI command. Unlike the single
// "gateway" subcommand of a multi-purpose CLI, this binary has exactly one
// job, so serving is the root command's default action rather than a
// named subcommand.
func newRootCommand(version, commit string) *cli.Command {
	return &cli.Command{
		Name:    "agentica-server",
		Usage:   "Session manager for agent invocations",
		Version: version + " (" + commit + ")",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   config.ConfigPath(),
			},
			&cli.StringFlag{
				Name:  "host",
				Usage: "Host to listen on",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Action: runServe,
	}
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	configPath := cmd.String("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Warn("config not found, using defaults", "path", configPath, "error", err)
		cfg = &config.Config{}
		cfg.Gateway.Host = "127.0.0.1"
		cfg.Gateway.Port = 18420
		cfg.Gateway.MaxConcurrentInvocations = 16
		cfg.Events.BufferSize = 1024
		cfg.Events.LogLevel = "info"
	}

	logLevel := resolveLogLevel(cfg.Events.LogLevel)
	if cmd.Bool("debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	if cmd.IsSet("host") {
		cfg.Gateway.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Gateway.Port = cmd.Int("port")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	metricsReg := prometheus.NewRegistry()
	bus := notifier.NewBus(cfg.Events.BufferSize, notifier.NewMetrics(metricsReg))
	defer bus.Close()

	// Registry needs an AgentFactory, which needs the Orchestrator, which
	// needs the Registry for socket handling — BindRegistry breaks the
	// cycle by filling the Orchestrator's registry reference in after the
	// Registry is actually constructed.
	orch := lifecycle.NewOrchestrator(nil, bus)
	factory := lifecycle.NewAgentFactory(cfg.Models, cfg.Sandbox, orch)
	reg := registry.New(factory, cfg.Gateway.MaxConcurrentInvocations)
	orch.BindRegistry(reg)

	reloader := config.NewReloader(configPath, config.DotenvPath(), cfg)
	reloader.OnReload(func(next *config.Config) {
		factory.UpdateModels(next.Models)
	})
	go watchSIGHUP(ctx, reloader)

	versionPolicy := httpapi.NewVersionPolicy(protocolVersion)
	server := httpapi.NewServer(reg, bus, orch, metricsReg, versionPolicy, cfg.Gateway.Host, cfg.Gateway.Port)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	slog.Info("agentica-server listening", "host", cfg.Gateway.Host, "port", cfg.Gateway.Port)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// watchSIGHUP reloads provider config in place on SIGHUP, so new agents
// can pick up rotated API keys or added providers without a restart.
func watchSIGHUP(ctx context.Context, reloader *config.Reloader) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
			if err := reloader.Reload(); err != nil {
				slog.Error("config reload failed", "error", err)
			}
		}
	}
}

func resolveLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
