package fabric

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/brainbox/orchestrator/internal/common/logger"
	"github.com/brainbox/orchestrator/internal/registry"
	"github.com/brainbox/orchestrator/pkg/orcherrors"
)

const defaultAuditRetention = 500

// Router is the in-process message fabric: policy-checked routing, a
// per-recipient-token pending queue, and a capped audit ring buffer.
type Router struct {
	mu       sync.Mutex
	registry *registry.Registry
	pending  map[string][]Message // keyed by recipient token ID
	audit    []AuditEntry
	auditCap int
	logger   *logger.Logger
}

func NewRouter(reg *registry.Registry, auditRetention int, log *logger.Logger) *Router {
	if auditRetention <= 0 {
		auditRetention = defaultAuditRetention
	}
	return &Router{
		registry: reg,
		pending:  make(map[string][]Message),
		auditCap: auditRetention,
		logger:   log.WithFields(zap.String("component", "message-router")),
	}
}

// Route validates the sender's token, runs the message policy check,
// enqueues the message for every live token belonging to the recipient
// agent, and appends an audit entry.
func (r *Router) Route(env Envelope) (*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	recipient := env.Recipient
	if recipient == "" {
		recipient = "hub"
	}

	token, ok := r.registry.ValidateToken(env.SenderTokenID)
	if !ok {
		r.reject(env.SenderTokenID, "", recipient, env.Type, "invalid or expired token")
		return nil, orcherrors.NewTokenInvalid("invalid or expired sender token", nil)
	}

	check := r.registry.EvaluateMessage(env.SenderTokenID, recipient, env.Type)
	if !check.Allowed {
		r.reject(env.SenderTokenID, token.AgentName, recipient, env.Type, check.Reason)
		return nil, orcherrors.NewPolicyDenied(check.Reason, nil)
	}

	msg := Message{
		ID:            newMessageID(),
		Timestamp:     time.Now().UTC(),
		Sender:        token.AgentName,
		SenderTokenID: token.TokenID,
		TaskID:        token.TaskID,
		Recipient:     recipient,
		Type:          env.Type,
		Payload:       env.Payload,
	}

	if recipient != "hub" {
		for _, tok := range r.registry.ListTokens() {
			if tok.AgentName == recipient {
				r.pending[tok.TokenID] = append(r.pending[tok.TokenID], msg)
			}
		}
	}

	r.appendAudit(AuditEntry{
		ID: msg.ID, Timestamp: msg.Timestamp, Sender: msg.Sender,
		Recipient: msg.Recipient, Type: msg.Type, Status: "delivered",
	})
	r.logger.Info("message routed",
		zap.String("sender", msg.Sender), zap.String("recipient", msg.Recipient), zap.String("type", msg.Type))
	return &msg, nil
}

func (r *Router) reject(senderTokenID, sender, recipient, msgType, reason string) {
	r.appendAudit(AuditEntry{
		ID: newMessageID(), Timestamp: time.Now().UTC(), Sender: sender,
		Recipient: recipient, Type: msgType, Status: "rejected", Reason: reason,
	})
	r.logger.Warn("message rejected", zap.String("sender_token_id", senderTokenID), zap.String("reason", reason))
}

func (r *Router) appendAudit(e AuditEntry) {
	r.audit = append(r.audit, e)
	if len(r.audit) > r.auditCap {
		r.audit = r.audit[len(r.audit)-r.auditCap:]
	}
}

// TakeMessages drains and returns the pending queue for a recipient token.
func (r *Router) TakeMessages(tokenID string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := r.pending[tokenID]
	delete(r.pending, tokenID)
	return msgs
}

// AuditLogFilter narrows GetMessageLog's result set; zero values are
// unfiltered.
type AuditLogFilter struct {
	Sender    string
	Recipient string
	Status    string
	Since     time.Time
}

// GetMessageLog returns a filtered copy of the audit log.
func (r *Router) GetMessageLog(f AuditLogFilter) []AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]AuditEntry, 0, len(r.audit))
	for _, e := range r.audit {
		if f.Sender != "" && e.Sender != f.Sender {
			continue
		}
		if f.Recipient != "" && e.Recipient != f.Recipient {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// PendingSnapshot is the persisted shape of one recipient's pending queue.
// The audit log is never persisted.
type PendingSnapshot struct {
	TokenID  string    `json:"token_id"`
	Messages []Message `json:"messages"`
}

func (r *Router) Snapshot() []PendingSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PendingSnapshot, 0, len(r.pending))
	for tokenID, msgs := range r.pending {
		out = append(out, PendingSnapshot{TokenID: tokenID, Messages: msgs})
	}
	return out
}

// Restore re-seeds the pending queues, keeping only entries whose token is
// still valid.
func (r *Router) Restore(snap []PendingSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range snap {
		if _, ok := r.registry.ValidateToken(s.TokenID); ok {
			r.pending[s.TokenID] = s.Messages
		}
	}
}
