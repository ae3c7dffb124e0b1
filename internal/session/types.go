// Package session owns the session table and the five-phase lifecycle
// engine that drives sessions through it.
package session

import "time"

// State is a session's position in the lifecycle state machine.
type State string

const (
	StateProvisioning State = "PROVISIONING"
	StateConfiguring  State = "CONFIGURING"
	StateStarting     State = "STARTING"
	StateRunning      State = "RUNNING"
	StateMonitoring   State = "MONITORING"
	StateRecycling    State = "RECYCLING"
	StateRecycled     State = "RECYCLED"
)

// legalTransitions enumerates the edges in the state graph. Any
// non-terminal state may additionally transition to RECYCLING on
// error/cancel/TTL, which is handled separately in CanTransition.
var legalTransitions = map[State][]State{
	StateProvisioning: {StateConfiguring},
	StateConfiguring:  {StateStarting},
	StateStarting:     {StateRunning},
	StateRunning:      {StateMonitoring},
	StateMonitoring:   {StateRecycling},
	StateRecycling:    {StateRecycled},
}

// CanTransition reports whether from -> to is a legal forward transition.
func CanTransition(from, to State) bool {
	if to == StateRecycling {
		return from != StateRecycled
	}
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a state has no outgoing transitions.
func (s State) Terminal() bool {
	return s == StateRecycled
}

// BackendKind names a concrete isolation technology.
type BackendKind string

const (
	BackendContainer BackendKind = "container"
	BackendVM        BackendKind = "vm"
)

// MountBinding is a single host->guest mount.
type MountBinding struct {
	Host  string
	Guest string
	Mode  string // "ro" or "rw"
}

// LLMSpec carries the session's LLM-provider tag and any provider-supplied
// overrides consulted during configure.
type LLMSpec struct {
	Provider string
	BaseURL  string
	Model    string
}

const LLMProviderLocal = "local"

// Session is the durable record the lifecycle engine owns exclusively.
type Session struct {
	Name         string
	Backend      BackendKind
	Handle       string // container id or VM package path
	HostPort     int
	Role         string
	LLM          LLMSpec
	Mounts       []MountBinding
	CreatedAt    time.Time
	TTLSeconds   int64
	Hardened     bool
	TokenID      string
	Template     string // VM template name, empty for container backend
	State        State
	FailureCount int
}

// TTLExpired reports whether the session has outlived its TTL. A TTL of 0
// means no expiry.
func (s *Session) TTLExpired(now time.Time) bool {
	if s.TTLSeconds <= 0 {
		return false
	}
	return now.Sub(s.CreatedAt) > time.Duration(s.TTLSeconds)*1e9
}
