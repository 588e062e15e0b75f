// Package main is the entry point for the agentdeck engine. One binary
// runs the REST/WebSocket transport, the session coordinator, and the
// task scheduler against a shared store and event bus.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/accounting"
	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/common/tracing"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	gateway "github.com/agentdeck/agentdeck/internal/gateway/websocket"
	"github.com/agentdeck/agentdeck/internal/hooks"
	"github.com/agentdeck/agentdeck/internal/policy"
	"github.com/agentdeck/agentdeck/internal/scheduler"
	"github.com/agentdeck/agentdeck/internal/server"
	"github.com/agentdeck/agentdeck/internal/session"
	"github.com/agentdeck/agentdeck/internal/store"
	"github.com/agentdeck/agentdeck/internal/workdir"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting agentdeck...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize event bus (in-memory by default, NATS if configured)
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		defer natsBus.Close()
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	// 5. Open the store
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		log.Fatal("Failed to open store", zap.Error(err))
	}
	defer st.Close()
	log.Info("Store ready", zap.String("path", cfg.Database.Path))

	// 6. Working directory manager
	workdirs, err := workdir.NewManager(cfg.Storage.Root, cfg.Storage.ArchiveStore, log)
	if err != nil {
		log.Fatal("Failed to initialize workdir manager", zap.Error(err))
	}

	// 7. Hook registry: tracking and persistence always run; the rest are
	// config-gated.
	hookReg := hooks.NewRegistry()
	hookReg.Register(hooks.NewToolTrackingHook(st))
	hookReg.Register(hooks.NewPersistenceHook(st))
	if cfg.Hooks.EnableAudit {
		for _, kind := range []store.HookKind{
			store.HookPreToolUse, store.HookPostToolUse,
			store.HookUserPromptSubmit, store.HookStop,
		} {
			hookReg.Register(hooks.NewAuditHook(kind, log))
		}
	}
	if cfg.Hooks.EnableMetrics {
		hookReg.Register(hooks.NewMetricsHook(store.HookPostToolUse, st))
	}
	if cfg.Hooks.EnableNotification {
		for _, kind := range []store.HookKind{store.HookPostToolUse, store.HookStop} {
			hookReg.Register(hooks.NewNotificationHook(kind, eventBus))
		}
	}

	// 8. Policy registry, optionally extended from a YAML file
	policyReg := policy.NewRegistry()
	if cfg.Policies.File != "" {
		if err := policyReg.LoadFile(cfg.Policies.File); err != nil {
			log.Fatal("Failed to load policy file",
				zap.String("path", cfg.Policies.File), zap.Error(err))
		}
		log.Info("Loaded policy file", zap.String("path", cfg.Policies.File))
	}

	// 9. Accounting
	accountant := accounting.NewAccountant(st, log)
	snapshotter := accounting.NewSnapshotter(st, cfg.Metrics.SnapshotInterval(), log)
	snapshotter.Start()
	defer snapshotter.Stop()

	// 10. Session coordinator
	coord := session.NewCoordinator(st, workdirs, hookReg, policyReg, accountant, eventBus,
		session.Defaults{
			Command:               strings.Fields(cfg.Agent.Command),
			Model:                 cfg.Agent.DefaultModel,
			MaxRetries:            cfg.Agent.MaxRetries,
			RetryDelay:            cfg.Agent.RetryDelay(),
			Timeout:               cfg.Agent.Timeout(),
			MaxConcurrentSessions: cfg.Quotas.MaxConcurrentSessions,
			BlockedCommands:       cfg.Policies.BlockedCommands,
			RestrictedPaths:       cfg.Policies.RestrictedPaths,
			ArchiveCompression:    store.Compression(cfg.Storage.ArchiveCompression),
		}, nil, log)
	defer coord.Shutdown()

	// 11. Task scheduler
	sched := scheduler.New(st, coord, eventBus, cfg.Scheduler.TickInterval, log)
	if err := sched.Start(ctx); err != nil {
		log.Fatal("Failed to start scheduler", zap.Error(err))
	}
	defer sched.Stop()

	// 12. WebSocket hub
	hub := gateway.NewHub(eventBus, log)
	go hub.Run(ctx)
	wsHandler := gateway.NewHandler(hub, st, log)

	// 13. HTTP server
	srv := server.New(cfg, st, coord, sched, wsHandler, log)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()
	log.Info("agentdeck ready",
		zap.String("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)))

	// 14. Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("Received signal, shutting down...", zap.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			log.Error("HTTP server failed", zap.Error(err))
		}
	}

	// 15. Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	cancel()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("Tracing shutdown incomplete", zap.Error(err))
	}
	log.Info("agentdeck stopped")
}
