package session

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/brainbox/orchestrator/internal/common/logger"
	"github.com/brainbox/orchestrator/internal/common/portutil"
	"github.com/brainbox/orchestrator/internal/events/bus"
	"github.com/brainbox/orchestrator/pkg/orcherrors"
)

// MonitorRegistrar is implemented by the health monitor; the engine's
// Monitor operation registers a session with it.
type MonitorRegistrar interface {
	Register(s *Session)
}

// Engine is the lifecycle engine: it exclusively owns the session table and
// drives sessions through the five-phase pipeline.
type Engine struct {
	table      *Table
	backends   *Registry
	resolver   SecretResolver
	verifier   ImageVerifier
	monitor    MonitorRegistrar
	eventBus   bus.EventBus
	logger     *logger.Logger
	portStart  int
}

// Config holds the engine's static dependencies.
type Config struct {
	Backends       *Registry
	SecretResolver SecretResolver
	Verifier       ImageVerifier
	Monitor        MonitorRegistrar
	EventBus       bus.EventBus
	Logger         *logger.Logger
	PortRangeStart int
}

func NewEngine(cfg Config) *Engine {
	return &Engine{
		table:     NewTable(),
		backends:  cfg.Backends,
		resolver:  cfg.SecretResolver,
		verifier:  cfg.Verifier,
		monitor:   cfg.Monitor,
		eventBus:  cfg.EventBus,
		logger:    cfg.Logger,
		portStart: cfg.PortRangeStart,
	}
}

// Table exposes the session table for read-side consumers (router's orphan
// check, monitor's tick loop).
func (e *Engine) Table() *Table { return e.table }

// SetMonitor wires the health monitor after construction, breaking the
// constructor cycle between the engine (which owns the table the monitor
// reads) and the monitor (which recycles sessions through the engine).
func (e *Engine) SetMonitor(m MonitorRegistrar) { e.monitor = m }

// ProvisionParams is the full argument set for Provision.
type ProvisionParams struct {
	Name           string
	Role           string
	Port           int // explicit host port; 0 means allocate
	Hardened       bool
	TTLSeconds     int64
	Mounts         []MountBinding
	TokenID        string
	LLM            LLMSpec
	Backend        BackendKind
	Template       string
	ImageOrTemplate string
	Digests        []string
	VerificationPolicy VerificationPolicy
}

// Provision allocates a session record, resolves a free host port when
// none is given (for either backend kind), and invokes the backend's
// provision.
func (e *Engine) Provision(ctx context.Context, p ProvisionParams) (*Session, error) {
	if p.Name == "" {
		return nil, orcherrors.NewValidationError("session name must not be empty", nil)
	}
	backend, ok := e.backends.Get(p.Backend)
	if !ok {
		return nil, orcherrors.NewBackendUnavailable(fmt.Sprintf("no backend registered for kind %q", p.Backend), nil)
	}

	if e.verifier != nil && p.VerificationPolicy.Mode != CosignOff {
		ok, err := e.verifier.Verify(ctx, p.ImageOrTemplate, p.Digests, p.VerificationPolicy)
		if err != nil || !ok {
			verr := orcherrors.NewCosignVerificationError(
				fmt.Sprintf("verification failed for %s", p.ImageOrTemplate), err)
			if p.VerificationPolicy.Mode == CosignEnforce {
				return nil, verr
			}
			e.logger.Warn("cosign verification failed, continuing (warn mode)",
				zap.String("image", p.ImageOrTemplate), zap.Error(verr))
		}
	}

	port := p.Port
	if port == 0 {
		allocated, err := e.allocatePort()
		if err != nil {
			return nil, err
		}
		port = allocated
	}

	s := &Session{
		Name:       p.Name,
		Backend:    p.Backend,
		HostPort:   port,
		Role:       p.Role,
		LLM:        p.LLM,
		Mounts:     p.Mounts,
		CreatedAt:  time.Now().UTC(),
		TTLSeconds: p.TTLSeconds,
		Hardened:   p.Hardened,
		TokenID:    p.TokenID,
		Template:   p.Template,
		State:      StateProvisioning,
	}

	if err := e.table.Insert(s); err != nil {
		return nil, err
	}

	if err := backend.Provision(ctx, ProvisionRequest{Session: s, ImageOrTemplate: p.ImageOrTemplate}); err != nil {
		e.table.Remove(s.Name)
		return nil, orcherrors.NewBackendUnavailable("provision failed for "+s.Name, err)
	}

	e.publish("session.provisioned", s)
	return s, nil
}

// Configure resolves secrets via the resolver port, overlays LLM-provider
// variables, binds the agent token as the "agent-token" secret, and
// delegates to the backend.
func (e *Engine) Configure(ctx context.Context, name string) error {
	s, ok := e.table.Get(name)
	if !ok {
		return orcherrors.NewSessionNotFound("no session named "+name, nil)
	}

	backend, ok := e.backends.Get(s.Backend)
	if !ok {
		return orcherrors.NewBackendUnavailable("no backend registered for "+string(s.Backend), nil)
	}

	secrets := map[string]string{}
	if e.resolver != nil {
		resolved, err := e.resolver.Resolve(ctx, s)
		if err != nil {
			return orcherrors.NewValidationError("secret resolution failed", err)
		}
		secrets = resolved
	}

	if s.LLM.Provider == LLMProviderLocal {
		secrets["AUTH_TOKEN"] = "ollama"
		secrets["API_KEY"] = ""
		if s.LLM.BaseURL != "" {
			secrets["BASE_URL"] = s.LLM.BaseURL
		}
		if s.LLM.Model != "" {
			secrets["MODEL"] = s.LLM.Model
		}
	}

	if s.TokenID != "" {
		secrets["agent-token"] = s.TokenID
	}

	if err := backend.Configure(ctx, s, secrets); err != nil {
		return orcherrors.NewBackendUnavailable("configure failed for "+s.Name, err)
	}

	return e.table.Mutate(name, func(sess *Session) error {
		sess.State = StateConfiguring
		return nil
	})
}

// Start delegates to the backend's start and transitions to RUNNING.
func (e *Engine) Start(ctx context.Context, name string) error {
	s, ok := e.table.Get(name)
	if !ok {
		return orcherrors.NewSessionNotFound("no session named "+name, nil)
	}
	backend, ok := e.backends.Get(s.Backend)
	if !ok {
		return orcherrors.NewBackendUnavailable("no backend registered for "+string(s.Backend), nil)
	}
	if err := backend.Start(ctx, s); err != nil {
		return orcherrors.NewBackendUnavailable("start failed for "+s.Name, err)
	}
	if err := e.table.Mutate(name, func(sess *Session) error {
		sess.State = StateRunning
		return nil
	}); err != nil {
		return err
	}
	e.publish("session.started", s)
	return nil
}

// Monitor registers the session with the health monitor and transitions to
// MONITORING.
func (e *Engine) Monitor(ctx context.Context, name string) error {
	s, ok := e.table.Get(name)
	if !ok {
		return orcherrors.NewSessionNotFound("no session named "+name, nil)
	}
	if e.monitor != nil {
		e.monitor.Register(s)
	}
	return e.table.Mutate(name, func(sess *Session) error {
		sess.State = StateMonitoring
		return nil
	})
}

// Recycle stops and removes the guest, then removes the session from the
// table. Idempotent: recycling an already-RECYCLED or absent session
// succeeds as a no-op then recycle(s) again).
func (e *Engine) Recycle(ctx context.Context, name string, reason string) error {
	s, ok := e.table.Get(name)
	if !ok {
		return nil
	}
	if s.State == StateRecycled {
		return nil
	}

	_ = e.table.Mutate(name, func(sess *Session) error {
		sess.State = StateRecycling
		return nil
	})

	backend, ok := e.backends.Get(s.Backend)
	if ok {
		if err := backend.Stop(ctx, s, false); err != nil {
			e.logger.Warn("error stopping session during recycle, continuing",
				zap.String("session", name), zap.Error(err))
		}
		if err := backend.Remove(ctx, s); err != nil {
			e.logger.Warn("error removing session during recycle, continuing",
				zap.String("session", name), zap.Error(err))
		}
	}

	e.table.Remove(name)
	s.State = StateRecycled
	e.publish("session.recycled", s)
	e.logger.Info("session recycled", zap.String("session", name), zap.String("reason", reason))
	return nil
}

// Pipeline composes provision -> configure -> start -> monitor in sequence.
// On any failure the partially-created session is recycled so no orphaned
// guest remains.
func (e *Engine) Pipeline(ctx context.Context, p ProvisionParams) (*Session, error) {
	s, err := e.Provision(ctx, p)
	if err != nil {
		return nil, err
	}
	if err := e.Configure(ctx, s.Name); err != nil {
		_ = e.Recycle(ctx, s.Name, "configure failed")
		return nil, err
	}
	if err := e.Start(ctx, s.Name); err != nil {
		_ = e.Recycle(ctx, s.Name, "start failed")
		return nil, err
	}
	if err := e.Monitor(ctx, s.Name); err != nil {
		_ = e.Recycle(ctx, s.Name, "monitor registration failed")
		return nil, err
	}
	return s, nil
}

// allocatePort scans live bindings starting at the configured port,
// skipping any already tracked by a session of either backend or bound on
// the host.
func (e *Engine) allocatePort() (int, error) {
	start := e.portStart
	if start <= 0 {
		start = 7681
	}
	for port := start; port < start+1000; port++ {
		if e.table.PortInUse(port) {
			continue
		}
		if !portutil.IsFree(port) {
			continue
		}
		return port, nil
	}
	return 0, orcherrors.NewValidationError("no free port found in allocation range", nil)
}

func (e *Engine) publish(eventType string, s *Session) {
	if e.eventBus == nil {
		return
	}
	data := map[string]interface{}{
		"name":    s.Name,
		"backend": string(s.Backend),
		"state":   string(s.State),
	}
	evt := bus.NewEvent(eventType, "lifecycle-engine", data)
	if err := e.eventBus.Publish(context.Background(), "hub.sessions", evt); err != nil {
		e.logger.Warn("failed to publish session event", zap.String("event", eventType), zap.Error(err))
	}
}
