// Package task implements the task router: the PENDING/RUNNING/terminal
// state machine that assigns work items to sessions and reconciles them
// against the session table on restart.
package task

import "time"

// State is a task's position in its state machine.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

var legalTransitions = map[State][]State{
	StatePending: {StateRunning, StateCancelled},
	StateRunning: {StateCompleted, StateFailed, StateCancelled},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Task is a unit of work routed to exactly one session at a time.
type Task struct {
	ID            string
	AgentName     string // the agent this task was assigned to, set by Submit
	TokenID       string // the task-scoped bearer token issued by Submit, if any
	SessionName   string // the session currently (or most recently) assigned
	Priority      int    // higher runs first
	Payload       string // opaque instruction delivered to the session
	State         State
	CreatedAt     time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
	Result        string
	FailureReason string
}
