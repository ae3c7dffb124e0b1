// Package hub is the composition root tying the registry, lifecycle engine,
// task router, message fabric, monitor, and persistence layer together into
// one process.
package hub

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/brainbox/orchestrator/internal/common/logger"
	"github.com/brainbox/orchestrator/internal/fabric"
	"github.com/brainbox/orchestrator/internal/monitor"
	"github.com/brainbox/orchestrator/internal/persistence"
	"github.com/brainbox/orchestrator/internal/registry"
	"github.com/brainbox/orchestrator/internal/session"
	"github.com/brainbox/orchestrator/internal/task"
)

var (
	ErrAlreadyRunning = errors.New("hub is already running")
	ErrNotRunning     = errors.New("hub is not running")
)

// Config holds every component the hub wires together. All fields are
// expected to already be fully constructed; the hub only starts and stops
// them in the right order.
type Config struct {
	Registry    *registry.Registry
	Engine      *session.Engine
	Tasks       *task.Router
	Fabric      *fabric.Router
	Commands    *fabric.CommandChannel
	Terminal    *fabric.TerminalBridge
	Monitor     *monitor.Monitor
	Persistence *persistence.Store
	Flusher     *persistence.Flusher
	Logger      *logger.Logger
}

// Hub owns the start/stop lifecycle of a running orchestrator process.
type Hub struct {
	cfg    Config
	logger *logger.Logger

	mu        sync.Mutex
	running   bool
	startedAt time.Time
}

func New(cfg Config) *Hub {
	return &Hub{
		cfg:    cfg,
		logger: cfg.Logger.WithFields(zap.String("component", "hub")),
	}
}

// Start restores persisted state, reconciles orphaned tasks against the
// restored session table, and starts the periodic snapshot flusher. The
// health monitor itself starts lazily the first time a session is
// registered with it, so there is nothing to start for it here.
func (h *Hub) Start() error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrAlreadyRunning
	}
	h.running = true
	h.startedAt = time.Now()
	h.mu.Unlock()

	h.logger.Info("starting orchestrator hub")

	if h.cfg.Persistence != nil {
		if err := h.cfg.Persistence.Restore(); err != nil {
			h.mu.Lock()
			h.running = false
			h.mu.Unlock()
			return err
		}
	}

	if h.cfg.Tasks != nil {
		h.cfg.Tasks.ReconcileOrphans()
	}

	if h.cfg.Flusher != nil {
		h.cfg.Flusher.Start()
	}

	h.logger.Info("orchestrator hub started")
	return nil
}

// Stop stops the snapshot flusher, which performs one final save before
// returning.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrNotRunning
	}
	h.running = false
	h.mu.Unlock()

	h.logger.Info("stopping orchestrator hub")

	if h.cfg.Flusher != nil {
		h.cfg.Flusher.Stop()
	}

	h.logger.Info("orchestrator hub stopped")
	return nil
}

func (h *Hub) IsRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}
