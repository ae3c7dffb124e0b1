// Package fabric is the message fabric: the in-process router with its
// per-recipient pending queues and capped audit log, the external
// command channel built on the event bus, and the terminal bridge
// fallback.
package fabric

import (
	"time"

	"github.com/google/uuid"
)

// Envelope is what a sender submits to Route.
type Envelope struct {
	SenderTokenID string
	Recipient     string // agent name, or "hub"
	Type          string
	Payload       map[string]interface{}
}

// Message is the routed, enriched form of an Envelope, delivered to the
// recipient's pending queue and recorded in the audit log.
type Message struct {
	ID            string                 `json:"id"`
	Timestamp     time.Time              `json:"timestamp"`
	Sender        string                 `json:"sender"`
	SenderTokenID string                 `json:"sender_token_id"`
	TaskID        string                 `json:"task_id"`
	Recipient     string                 `json:"recipient"`
	Type          string                 `json:"type"`
	Payload       map[string]interface{} `json:"payload"`
}

// AuditEntry is one row of the capped routing log.
type AuditEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Sender    string    `json:"sender,omitempty"`
	Recipient string    `json:"recipient"`
	Type      string    `json:"type"`
	Status    string    `json:"status"` // "delivered" or "rejected"
	Reason    string    `json:"reason,omitempty"`
}

func newMessageID() string { return uuid.New().String() }
