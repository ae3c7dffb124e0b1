package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvProvider provides credentials from the orchestrator process's own
// environment, for credential mounts resolved from the invoking environment.
type EnvProvider struct {
	// Prefix restricts which env vars are eligible, e.g. "ORCHESTRATOR_SECRET_":
	// GetCredential looks up Prefix+key, and ListAvailable lists only names
	// starting with Prefix. Empty means no restriction.
	Prefix string
}

func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{Prefix: prefix}
}

func (p *EnvProvider) Name() string { return "env" }

func (p *EnvProvider) GetCredential(ctx context.Context, key string) (*Credential, error) {
	value, ok := os.LookupEnv(p.Prefix + key)
	if !ok {
		return nil, fmt.Errorf("credential not found: %s", key)
	}
	return &Credential{Key: key, Value: value, Source: "env"}, nil
}

func (p *EnvProvider) ListAvailable(ctx context.Context) ([]string, error) {
	var keys []string
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		if p.Prefix != "" && !strings.HasPrefix(parts[0], p.Prefix) {
			continue
		}
		keys = append(keys, parts[0])
	}
	return keys, nil
}
