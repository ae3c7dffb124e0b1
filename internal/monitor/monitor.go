// Package monitor runs the backend-neutral health loop: one shared ticker
// that fans out per-session health checks under a bounded wait, enforces
// TTL expiry, counts consecutive failures, and drops guests the backend
// reports gone.
package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/brainbox/orchestrator/internal/common/logger"
	"github.com/brainbox/orchestrator/internal/session"
)

// Recycler is the subset of session.Engine the monitor needs to retire a
// session; satisfied by *session.Engine.
type Recycler interface {
	Recycle(ctx context.Context, name, reason string) error
}

// Config holds the monitor's static dependencies.
type Config struct {
	Table            *session.Table
	Backends         *session.Registry
	Recycler         Recycler
	Logger           *logger.Logger
	TickInterval     time.Duration // default 10s
	HealthTimeout    time.Duration // per-tick bounded wait, default 5s
	FailureThreshold int           // consecutive unhealthy ticks before recycle, default 3
}

// Monitor is the shared health loop. It starts lazily on the first
// Register call and stops once its tracked set empties.
type Monitor struct {
	table    *session.Table
	backends *session.Registry
	recycler Recycler
	logger   *logger.Logger

	tickInterval     time.Duration
	healthTimeout    time.Duration
	failureThreshold int

	mu      sync.Mutex
	tracked map[string]struct{}
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func New(cfg Config) *Monitor {
	interval := cfg.TickInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	healthTimeout := cfg.HealthTimeout
	if healthTimeout <= 0 {
		healthTimeout = 5 * time.Second
	}
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 3
	}
	return &Monitor{
		table:            cfg.Table,
		backends:         cfg.Backends,
		recycler:         cfg.Recycler,
		logger:           cfg.Logger.WithFields(zap.String("component", "monitor")),
		tickInterval:     interval,
		healthTimeout:    healthTimeout,
		failureThreshold: threshold,
		tracked:          make(map[string]struct{}),
	}
}

// SetTable wires the session table after construction, breaking the
// constructor cycle between the monitor and the lifecycle engine that owns
// the table (the engine also needs the monitor, via its own SetMonitor).
func (m *Monitor) SetTable(t *session.Table) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table = t
}

// SetRecycler wires the session recycler after construction, for the same
// reason as SetTable: *session.Engine satisfies Recycler but cannot exist
// before the monitor it depends on.
func (m *Monitor) SetRecycler(r Recycler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recycler = r
}

// Register adds a session to the tracked set, starting the loop if this is
// the first registration.
func (m *Monitor) Register(s *session.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracked[s.Name] = struct{}{}
	if !m.running {
		m.running = true
		m.stopCh = make(chan struct{})
		m.wg.Add(1)
		go m.loop()
	}
}

// Unregister removes a session from the tracked set without recycling it,
// used when a session is removed through some other path than expiry or
// failure (e.g. an explicit Recycle call).
func (m *Monitor) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tracked, name)
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.tickInterval)
	defer ticker.Stop()

	m.logger.Info("monitor loop started", zap.Duration("interval", m.tickInterval))

	for {
		select {
		case <-m.stopCh:
			m.logger.Info("monitor loop stopped")
			return
		case <-ticker.C:
			if m.tick() {
				return
			}
		}
	}
}

// tick runs one health-check pass over the tracked set and reports whether
// the loop should stop (tracked set emptied).
func (m *Monitor) tick() bool {
	m.mu.Lock()
	names := make([]string, 0, len(m.tracked))
	for name := range m.tracked {
		names = append(names, name)
	}
	m.mu.Unlock()

	if len(names) == 0 {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.healthTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		name := name
		g.Go(func() error {
			m.checkOne(gctx, name)
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	empty := len(m.tracked) == 0
	if empty {
		m.running = false
	}
	m.mu.Unlock()
	return empty
}

func (m *Monitor) checkOne(ctx context.Context, name string) {
	s, ok := m.table.Get(name)
	if !ok {
		m.drop(name)
		return
	}

	if s.TTLExpired(time.Now().UTC()) {
		m.logger.Info("session TTL expired, recycling", zap.String("session", name))
		m.recycleAndDrop(ctx, name, "ttl expired")
		return
	}

	backend, ok := m.backends.Get(s.Backend)
	if !ok {
		m.logger.Warn("no backend registered for tracked session, dropping",
			zap.String("session", name), zap.String("backend", string(s.Backend)))
		m.drop(name)
		return
	}

	result, err := backend.Health(ctx, s)
	if err != nil {
		m.logger.Warn("health check failed", zap.String("session", name), zap.Error(err))
		m.recordFailure(ctx, name)
		return
	}

	if result.Gone {
		m.logger.Info("session guest is gone, dropping from tracked set", zap.String("session", name))
		m.drop(name)
		return
	}

	if !result.Healthy {
		m.recordFailure(ctx, name)
		return
	}

	_ = m.table.Mutate(name, func(sess *session.Session) error {
		sess.FailureCount = 0
		return nil
	})
}

func (m *Monitor) recordFailure(ctx context.Context, name string) {
	var failures int
	err := m.table.Mutate(name, func(sess *session.Session) error {
		sess.FailureCount++
		failures = sess.FailureCount
		return nil
	})
	if err != nil {
		m.drop(name)
		return
	}
	m.logger.Debug("consecutive health check failures", zap.String("session", name), zap.Int("failures", failures))
	if failures >= m.failureThreshold {
		m.logger.Warn("session exceeded health failure threshold, recycling",
			zap.String("session", name), zap.Int("failures", failures))
		m.recycleAndDrop(ctx, name, "health check failure threshold exceeded")
	}
}

func (m *Monitor) recycleAndDrop(ctx context.Context, name, reason string) {
	if err := m.recycler.Recycle(ctx, name, reason); err != nil {
		m.logger.Warn("recycle failed during monitor tick", zap.String("session", name), zap.Error(err))
	}
	m.drop(name)
}

func (m *Monitor) drop(name string) {
	m.mu.Lock()
	delete(m.tracked, name)
	m.mu.Unlock()
}
