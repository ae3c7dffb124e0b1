// Package registry loads the agent catalog, issues and validates bearer
// tokens, and evaluates the three request-time policy checks.
package registry

import "time"

// AgentDefinition describes one entry in the agent catalog, loaded from a
// JSON file in the agents directory.
type AgentDefinition struct {
	Name         string   `json:"name"`
	Image        string   `json:"image"`
	Capabilities []string `json:"capabilities"`
	Role         string   `json:"role"`
	// Backend selects the session backend this agent runs on: "container"
	// (default) or "vm". Empty is treated as "container" on load.
	Backend string `json:"backend,omitempty"`
	// Mounts lists extra host:guest[:mode] bindings for this agent, on top
	// of the default credential mount set every session gets.
	Mounts []string `json:"mounts,omitempty"`
}

// Token is an opaque bearer credential bound to one agent and task, with a
// capability set copied from the agent definition at issuance time and a
// fixed expiry.
type Token struct {
	TokenID      string
	AgentName    string
	TaskID       string
	Capabilities []string
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

func (t *Token) expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

func (t *Token) hasCapability(cap string) bool {
	for _, c := range t.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// PolicyResult is the outcome of a policy check, with a short machine-
// readable reason code on denial (e.g. "unknown_agent", "invalid_token").
type PolicyResult struct {
	Allowed bool
	Reason  string
}

func allow() PolicyResult              { return PolicyResult{Allowed: true} }
func deny(reason string) PolicyResult { return PolicyResult{Allowed: false, Reason: reason} }
