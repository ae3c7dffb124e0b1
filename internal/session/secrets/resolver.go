package secrets

import (
	"context"

	"github.com/brainbox/orchestrator/internal/session"
)

// Resolver adapts Manager to the session.SecretResolver port. It is the
// default, in-tree implementation; operators may substitute a different
// resolver (e.g. backed by a vault) without changing the lifecycle engine.
type Resolver struct {
	manager *Manager
	keys    []string
}

// NewResolver builds a SecretResolver that resolves the given credential
// keys (e.g. provider API keys) from the wrapped Manager's providers.
func NewResolver(manager *Manager, keys []string) *Resolver {
	return &Resolver{manager: manager, keys: keys}
}

func (r *Resolver) Resolve(ctx context.Context, s *session.Session) (map[string]string, error) {
	out := make(map[string]string, len(r.keys))
	for _, key := range r.keys {
		cred, err := r.manager.GetCredential(ctx, key)
		if err != nil {
			continue // best-effort: optional secrets are simply absent
		}
		out[cred.Key] = cred.Value
	}
	return out, nil
}

var _ session.SecretResolver = (*Resolver)(nil)
