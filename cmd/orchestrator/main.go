// Package main is the entry point for the orchestrator process.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/brainbox/orchestrator/internal/agent/docker"
	"github.com/brainbox/orchestrator/internal/common/config"
	"github.com/brainbox/orchestrator/internal/common/logger"
	"github.com/brainbox/orchestrator/internal/events/bus"
	"github.com/brainbox/orchestrator/internal/fabric"
	"github.com/brainbox/orchestrator/internal/hub"
	"github.com/brainbox/orchestrator/internal/monitor"
	"github.com/brainbox/orchestrator/internal/persistence"
	"github.com/brainbox/orchestrator/internal/registry"
	"github.com/brainbox/orchestrator/internal/session"
	"github.com/brainbox/orchestrator/internal/session/containerbackend"
	"github.com/brainbox/orchestrator/internal/session/secrets"
	"github.com/brainbox/orchestrator/internal/session/vmbackend"
	"github.com/brainbox/orchestrator/internal/task"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting orchestrator")

	// 3. Connect the event bus. An empty broker URL disables the external
	// command channel entirely; every session falls back to the in-guest
	// terminal bridge.
	var eventBus bus.EventBus
	if cfg.Broker.URL != "" {
		nb, err := bus.NewNATSEventBus(cfg.Broker, log)
		if err != nil {
			log.Fatal("failed to connect to broker", zap.Error(err))
		}
		defer nb.Close()
		eventBus = nb
		log.Info("connected to broker", zap.String("url", cfg.Broker.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("no broker URL configured, using in-process event bus")
	}

	// 4. Build the session backends
	dockerClient, err := docker.NewClient(cfg.Docker, log)
	if err != nil {
		log.Fatal("failed to create docker client", zap.Error(err))
	}
	containerBackend := containerbackend.New(dockerClient, "", log)
	vmBackend := vmbackend.New(cfg.VM.TemplateDir, cfg.VM.InstancesDir, cfg.VM.SSHUser, cfg.VM.SSHKeyPath, cfg.VM.Bridged, log)

	backends := session.NewRegistry()
	backends.Register(containerBackend)
	backends.Register(vmBackend)

	// 5. Build the secret resolver. Only the env provider is registered;
	// no file provider is added.
	secretManager := secrets.NewManager(log)
	secretManager.AddProvider(secrets.NewEnvProvider("ORCHESTRATOR_SECRET_"))
	secretResolver := secrets.NewResolver(secretManager, []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY"})

	// 6. Load the agent catalog
	agentRegistry := registry.New(log)
	if err := agentRegistry.LoadAgents(cfg.Agents.Directory); err != nil {
		log.Fatal("failed to load agent catalog", zap.Error(err))
	}

	// 7. Build the health monitor and lifecycle engine. The engine owns the
	// session table the monitor watches; SetMonitor wires the cycle between
	// them once both exist.
	healthMonitor := monitor.New(monitor.Config{
		Backends:         backends,
		Logger:           log,
		TickInterval:     cfg.Monitor.TickInterval(),
		HealthTimeout:    cfg.Monitor.HealthTimeout(),
		FailureThreshold: 3,
	})

	engine := session.NewEngine(session.Config{
		Backends:       backends,
		SecretResolver: secretResolver,
		Monitor:        healthMonitor,
		EventBus:       eventBus,
		Logger:         log,
		PortRangeStart: cfg.Lifecycle.PortRangeStart,
	})
	healthMonitor.SetTable(engine.Table())
	healthMonitor.SetRecycler(engine)

	// 8. Build the message fabric: in-process router, external command
	// channel, and terminal bridge fallback.
	fabricRouter := fabric.NewRouter(agentRegistry, cfg.Persistence.AuditLogRetention, log)
	commandChannel := fabric.NewCommandChannel(eventBus, cfg.Broker.TopicPrefix, log)
	terminalBridge := fabric.NewTerminalBridge(log)

	dispatcher := fabric.NewSessionDispatcher(engine.Table(), backends, commandChannel, terminalBridge, 0, log)

	// 9. Build the task router
	taskRouter := task.NewRouter(engine.Table(), dispatcher, agentRegistry, engine, commandChannel, cfg.Lifecycle.TokenTTL(), eventBus, log)

	// 10. Build the persistence layer
	store := persistence.NewStore(cfg.Persistence.SnapshotPath, persistence.Sources{
		Registry: agentRegistry,
		Tasks:    taskRouter,
		Fabric:   fabricRouter,
	}, log)
	flusher := persistence.NewFlusher(store, cfg.Persistence.FlushInterval())

	// 11. Wire the composition root and start it: restore snapshot state,
	// reconcile orphaned tasks against the restored session table, and
	// start the periodic snapshot flusher.
	h := hub.New(hub.Config{
		Registry:    agentRegistry,
		Engine:      engine,
		Tasks:       taskRouter,
		Fabric:      fabricRouter,
		Commands:    commandChannel,
		Terminal:    terminalBridge,
		Monitor:     healthMonitor,
		Persistence: store,
		Flusher:     flusher,
		Logger:      log,
	})
	if err := h.Start(); err != nil {
		log.Fatal("failed to start orchestrator hub", zap.Error(err))
	}
	log.Info("orchestrator started")

	// 12. Block on shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down orchestrator")
	if err := h.Stop(); err != nil {
		log.Error("orchestrator hub stop error", zap.Error(err))
	}
	log.Info("orchestrator stopped")
}
