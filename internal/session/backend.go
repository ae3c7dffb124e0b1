package session

import "context"

// ProvisionRequest carries everything a backend needs to create a guest.
type ProvisionRequest struct {
	Session *Session
	// ImageOrTemplate is the resolved image reference (container backend)
	// or template name (VM backend).
	ImageOrTemplate string
}

// HealthResult is returned by a backend's Health operation.
type HealthResult struct {
	Healthy bool
	// Gone indicates the guest no longer exists; the monitor drops the
	// session from its tracked set on this signal.
	Gone bool
	// Backend-specific metrics logged by the monitor on a healthy tick.
	CPUPercent  float64
	MemoryUsed  int64
	MemoryLimit int64
	SSHReachable bool
}

// ExecResult is returned by a backend's Exec operation.
type ExecResult struct {
	ExitCode int
	Output   string
}

// SessionInfo is a host-scanned session descriptor returned by List, used
// to reconcile sessions created by this process or a predecessor.
type SessionInfo struct {
	Name    string
	Handle  string
	Backend BackendKind
}

// Backend implements the five-phase session protocol over one isolation
// technology. New backends register
// under a string kind without the lifecycle engine changing.
type Backend interface {
	Kind() BackendKind

	Provision(ctx context.Context, req ProvisionRequest) error
	Configure(ctx context.Context, s *Session, secrets map[string]string) error
	Start(ctx context.Context, s *Session) error
	Stop(ctx context.Context, s *Session, force bool) error
	Remove(ctx context.Context, s *Session) error
	Health(ctx context.Context, s *Session) (*HealthResult, error)
	Exec(ctx context.Context, s *Session, cmd []string, user string, detach bool) (*ExecResult, error)
	List(ctx context.Context) ([]SessionInfo, error)
}

// Registry dispatches to a Backend by its string kind.
type Registry struct {
	backends map[BackendKind]Backend
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[BackendKind]Backend)}
}

func (r *Registry) Register(b Backend) {
	r.backends[b.Kind()] = b
}

func (r *Registry) Get(kind BackendKind) (Backend, bool) {
	b, ok := r.backends[kind]
	return b, ok
}
