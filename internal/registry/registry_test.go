package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/brainbox/orchestrator/internal/common/logger"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("failed to build logger: %v", err)
	}
	return New(log)
}

func writeAgentFile(t *testing.T, dir, name string, def AgentDefinition) string {
	t.Helper()
	data, err := json.Marshal(def)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAgents(t *testing.T) {
	dir := t.TempDir()
	writeAgentFile(t, dir, "coder.json", AgentDefinition{Name: "coder", Image: "agent:coder", Capabilities: []string{"exec"}})
	writeAgentFile(t, dir, "reviewer.json", AgentDefinition{Name: "reviewer", Image: "agent:reviewer"})

	r := newTestRegistry(t)
	if err := r.LoadAgents(dir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(r.ListAgents()) != 2 {
		t.Fatalf("expected 2 agents loaded, got %d", len(r.ListAgents()))
	}
	if _, ok := r.GetAgent("coder"); !ok {
		t.Error("expected coder agent to be registered")
	}
}

func TestLoadAgents_SkipsMissingRequiredFields(t *testing.T) {
	dir := t.TempDir()
	writeAgentFile(t, dir, "broken.json", AgentDefinition{Name: "broken"}) // no image

	r := newTestRegistry(t)
	if err := r.LoadAgents(dir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := r.GetAgent("broken"); ok {
		t.Error("expected agent missing required fields to be skipped")
	}
}

func TestLoadAgents_StripsWorldWritableBit(t *testing.T) {
	dir := t.TempDir()
	path := writeAgentFile(t, dir, "coder.json", AgentDefinition{Name: "coder", Image: "agent:coder"})
	if err := os.Chmod(path, 0666); err != nil {
		t.Fatal(err)
	}

	r := newTestRegistry(t)
	if err := r.LoadAgents(dir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm()&0002 != 0 {
		t.Errorf("expected world-write bit to be stripped, got mode %v", fi.Mode())
	}
}

func TestIssueAndValidateToken(t *testing.T) {
	dir := t.TempDir()
	writeAgentFile(t, dir, "coder.json", AgentDefinition{Name: "coder", Image: "agent:coder", Capabilities: []string{"exec"}})

	r := newTestRegistry(t)
	_ = r.LoadAgents(dir)

	tok, err := r.IssueToken("coder", "task-1", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, ok := r.ValidateToken(tok.TokenID)
	if !ok || got.AgentName != "coder" {
		t.Fatalf("expected token to validate for coder, got %+v, ok=%v", got, ok)
	}
}

func TestIssueToken_UnregisteredAgentFails(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.IssueToken("ghost", "task-1", time.Minute); err == nil {
		t.Fatal("expected error issuing token for unregistered agent")
	}
}

func TestValidateToken_ExpiredIsEvicted(t *testing.T) {
	dir := t.TempDir()
	writeAgentFile(t, dir, "coder.json", AgentDefinition{Name: "coder", Image: "agent:coder"})
	r := newTestRegistry(t)
	_ = r.LoadAgents(dir)

	tok, _ := r.IssueToken("coder", "task-1", -time.Second)
	if _, ok := r.ValidateToken(tok.TokenID); ok {
		t.Fatal("expected expired token to fail validation")
	}
	if _, ok := r.ValidateToken(tok.TokenID); ok {
		t.Fatal("expected expired token to remain evicted")
	}
}

func TestRevokeToken(t *testing.T) {
	dir := t.TempDir()
	writeAgentFile(t, dir, "coder.json", AgentDefinition{Name: "coder", Image: "agent:coder"})
	r := newTestRegistry(t)
	_ = r.LoadAgents(dir)

	tok, _ := r.IssueToken("coder", "task-1", time.Minute)
	if !r.RevokeToken(tok.TokenID) {
		t.Fatal("expected revoke to report the token existed")
	}
	if _, ok := r.ValidateToken(tok.TokenID); ok {
		t.Fatal("expected revoked token to fail validation")
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	writeAgentFile(t, dir, "coder.json", AgentDefinition{Name: "coder", Image: "agent:coder"})
	r := newTestRegistry(t)
	_ = r.LoadAgents(dir)
	tok, _ := r.IssueToken("coder", "task-1", time.Minute)

	snap := r.Snapshot()

	r2 := newTestRegistry(t)
	r2.Restore(snap)
	if _, ok := r2.ValidateToken(tok.TokenID); !ok {
		t.Fatal("expected restored token to validate")
	}
}
