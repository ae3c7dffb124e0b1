package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brainbox/orchestrator/internal/common/logger"
	"github.com/brainbox/orchestrator/pkg/orcherrors"
)

const tokenSweepInterval = 60 * time.Second
const tokenSweepSizeThreshold = 100

// Registry holds the loaded agent catalog and the live token table. Both
// tables are process-wide and share the registry's lock.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*AgentDefinition
	tokens map[string]*Token

	lastSweep time.Time
	logger    *logger.Logger
}

func New(log *logger.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*AgentDefinition),
		tokens: make(map[string]*Token),
		logger: log.WithFields(zap.String("component", "registry")),
	}
}

// LoadAgents (re)loads every *.json file in dir into the agent catalog. A
// world-writable definition file is logged and its world-write bit is
// stripped before the file is read, rather than rejected outright.
func (r *Registry) LoadAgents(dir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = make(map[string]*AgentDefinition)

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		r.logger.Warn("agents directory not found", zap.String("dir", dir))
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := r.loadOneLocked(path, e.Name()); err != nil {
			r.logger.Warn("failed to load agent definition",
				zap.String("file", e.Name()), zap.Error(err))
		}
	}
	return nil
}

func (r *Registry) loadOneLocked(path, name string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	mode := fi.Mode()
	if mode&0002 != 0 {
		r.logger.Warn("agent definition file is world-writable, stripping write bit",
			zap.String("file", name), zap.String("mode", mode.String()))
		if err := os.Chmod(path, mode&^0002); err != nil {
			r.logger.Warn("failed to strip world-write bit", zap.String("file", name), zap.Error(err))
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var def AgentDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return err
	}
	if def.Name == "" || def.Image == "" {
		r.logger.Warn("agent definition missing required fields",
			zap.String("file", name), zap.Bool("has_name", def.Name != ""), zap.Bool("has_image", def.Image != ""))
		return nil
	}
	if def.Backend == "" {
		def.Backend = "container"
	}

	r.agents[def.Name] = &def
	r.logger.Info("agent definition loaded", zap.String("name", def.Name), zap.String("file", name))
	return nil
}

func (r *Registry) GetAgent(name string) (*AgentDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	return a, ok
}

func (r *Registry) ListAgents() []*AgentDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*AgentDefinition, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	return out
}

// IssueToken mints a bearer token for agentName bound to taskID, copying
// the agent's current capability set.
func (r *Registry) IssueToken(agentName, taskID string, ttl time.Duration) (*Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentName]
	if !ok {
		return nil, orcherrors.NewValidationError("agent not registered: "+agentName, nil)
	}

	now := time.Now()
	tok := &Token{
		TokenID:      uuid.New().String(),
		AgentName:    agentName,
		TaskID:       taskID,
		Capabilities: append([]string(nil), agent.Capabilities...),
		IssuedAt:     now,
		ExpiresAt:    now.Add(ttl),
	}
	r.tokens[tok.TokenID] = tok
	r.logger.Info("token issued",
		zap.String("token_id", tok.TokenID), zap.String("agent_name", agentName), zap.String("task_id", taskID))
	return tok, nil
}

// ValidateToken returns the token if it exists and has not expired,
// evicting it lazily otherwise.
func (r *Registry) ValidateToken(tokenID string) (*Token, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tok, ok := r.tokens[tokenID]
	if !ok {
		return nil, false
	}
	if tok.expired(time.Now()) {
		delete(r.tokens, tokenID)
		return nil, false
	}
	return tok, true
}

// RevokeToken removes a token immediately.
func (r *Registry) RevokeToken(tokenID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, existed := r.tokens[tokenID]
	delete(r.tokens, tokenID)
	if existed {
		r.logger.Info("token revoked", zap.String("token_id", tokenID))
	}
	return existed
}

// ListTokens returns all live tokens, sweeping expired entries at most
// once per sweep interval or once the table grows past the size
// threshold, so a caller polling this rarely still bounds table growth.
func (r *Registry) ListTokens() []*Token {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.Sub(r.lastSweep) > tokenSweepInterval || len(r.tokens) > tokenSweepSizeThreshold {
		for id, tok := range r.tokens {
			if tok.expired(now) {
				delete(r.tokens, id)
			}
		}
		r.lastSweep = now
	}

	out := make([]*Token, 0, len(r.tokens))
	for _, tok := range r.tokens {
		out = append(out, tok)
	}
	return out
}

// Snapshot and Restore serialize the token table for persistence.
// The agent catalog is not persisted: it is reloaded from disk on startup.
type TokenSnapshot struct {
	TokenID      string    `json:"token_id"`
	AgentName    string    `json:"agent_name"`
	TaskID       string    `json:"task_id"`
	Capabilities []string  `json:"capabilities"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (r *Registry) Snapshot() []TokenSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TokenSnapshot, 0, len(r.tokens))
	for _, tok := range r.tokens {
		out = append(out, TokenSnapshot{
			TokenID: tok.TokenID, AgentName: tok.AgentName, TaskID: tok.TaskID,
			Capabilities: tok.Capabilities, IssuedAt: tok.IssuedAt, ExpiresAt: tok.ExpiresAt,
		})
	}
	return out
}

func (r *Registry) Restore(snap []TokenSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for _, s := range snap {
		if now.After(s.ExpiresAt) {
			continue
		}
		r.tokens[s.TokenID] = &Token{
			TokenID: s.TokenID, AgentName: s.AgentName, TaskID: s.TaskID,
			Capabilities: s.Capabilities, IssuedAt: s.IssuedAt, ExpiresAt: s.ExpiresAt,
		}
	}
}
