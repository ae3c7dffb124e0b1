package fabric

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/brainbox/orchestrator/internal/registry"
)

func newTestRouterWithAgents(t *testing.T, names ...string) (*Router, *registry.Registry) {
	t.Helper()
	log := testLogger(t)
	reg := registry.New(log)

	dir := t.TempDir()
	for _, n := range names {
		writeRegistryAgentFile(t, dir, n)
	}
	if err := reg.LoadAgents(dir); err != nil {
		t.Fatalf("failed to load agents: %v", err)
	}
	return NewRouter(reg, 0, log), reg
}

func writeRegistryAgentFile(t *testing.T, dir, name string) {
	t.Helper()
	def := registry.AgentDefinition{Name: name, Image: "agent:" + name}
	data, err := json.Marshal(def)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name+".json"), data, 0644); err != nil {
		t.Fatal(err)
	}
}

func TestRouter_RouteToAgentDeliversToPendingQueue(t *testing.T) {
	r, reg := newTestRouterWithAgents(t, "coder", "reviewer")

	senderTok, err := reg.IssueToken("coder", "task-1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	recipientTok, err := reg.IssueToken("reviewer", "task-1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	msg, err := r.Route(Envelope{
		SenderTokenID: senderTok.TokenID,
		Recipient:     "reviewer",
		Type:          "review_request",
		Payload:       map[string]interface{}{"diff": "..."},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Sender != "coder" {
		t.Errorf("expected sender 'coder', got %q", msg.Sender)
	}

	pending := r.TakeMessages(recipientTok.TokenID)
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending message, got %d", len(pending))
	}
}

func TestRouter_RouteRejectsInvalidSenderToken(t *testing.T) {
	r, _ := newTestRouterWithAgents(t, "coder")
	_, err := r.Route(Envelope{SenderTokenID: "bogus", Type: "status"})
	if err == nil {
		t.Fatal("expected error for invalid sender token")
	}
	log := r.GetMessageLog(AuditLogFilter{Status: "rejected"})
	if len(log) != 1 {
		t.Fatalf("expected 1 rejected audit entry, got %d", len(log))
	}
}

func TestRouter_RouteRejectsUnregisteredRecipient(t *testing.T) {
	r, reg := newTestRouterWithAgents(t, "coder")
	tok, _ := reg.IssueToken("coder", "task-1", time.Minute)

	_, err := r.Route(Envelope{SenderTokenID: tok.TokenID, Recipient: "ghost", Type: "status"})
	if err == nil {
		t.Fatal("expected error routing to unregistered recipient")
	}
}

func TestRouter_SnapshotRestoreRoundTrip(t *testing.T) {
	r, reg := newTestRouterWithAgents(t, "coder", "reviewer")
	senderTok, _ := reg.IssueToken("coder", "task-1", time.Minute)
	recipientTok, _ := reg.IssueToken("reviewer", "task-1", time.Minute)

	_, err := r.Route(Envelope{SenderTokenID: senderTok.TokenID, Recipient: "reviewer", Type: "status"})
	if err != nil {
		t.Fatal(err)
	}

	snap := r.Snapshot()

	r2 := NewRouter(reg, 0, testLogger(t))
	r2.Restore(snap)

	pending := r2.TakeMessages(recipientTok.TokenID)
	if len(pending) != 1 {
		t.Fatalf("expected restored pending message, got %d", len(pending))
	}
}

func TestRouter_RestoreSkipsInvalidatedTokens(t *testing.T) {
	r, reg := newTestRouterWithAgents(t, "coder", "reviewer")
	senderTok, _ := reg.IssueToken("coder", "task-1", time.Minute)
	recipientTok, _ := reg.IssueToken("reviewer", "task-1", time.Minute)

	_, err := r.Route(Envelope{SenderTokenID: senderTok.TokenID, Recipient: "reviewer", Type: "status"})
	if err != nil {
		t.Fatal(err)
	}
	snap := r.Snapshot()

	reg.RevokeToken(recipientTok.TokenID)

	r2 := NewRouter(reg, 0, testLogger(t))
	r2.Restore(snap)

	pending := r2.TakeMessages(recipientTok.TokenID)
	if len(pending) != 0 {
		t.Fatalf("expected revoked token's pending queue to be dropped on restore, got %d", len(pending))
	}
}
