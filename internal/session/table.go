package session

import (
	"sync"

	"github.com/brainbox/orchestrator/pkg/orcherrors"
)

// Table is the process-wide session table. A session in MONITORING has
// exactly one monitor registration; RECYCLED sessions are removed from the
// table entirely.
type Table struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewTable() *Table {
	return &Table{sessions: make(map[string]*Session)}
}

// Insert adds a new session. Returns ValidationError if the name is taken.
func (t *Table) Insert(s *Session) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.sessions[s.Name]; exists {
		return orcherrors.NewValidationError("session name already in use: "+s.Name, nil)
	}
	t.sessions[s.Name] = s
	return nil
}

func (t *Table) Get(name string) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[name]
	return s, ok
}

// Mutate looks up a session and applies fn under the table lock, so callers
// can read-modify-write without a separate Get+Insert race.
func (t *Table) Mutate(name string, fn func(s *Session) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[name]
	if !ok {
		return orcherrors.NewSessionNotFound("no session named "+name, nil)
	}
	return fn(s)
}

// Remove drops a session from the table (called only once it is RECYCLED).
func (t *Table) Remove(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, name)
}

// List returns a snapshot copy of every tracked session.
func (t *Table) List() []*Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}

// PortInUse reports whether any tracked session, regardless of backend kind,
// is already bound to the given host port.
func (t *Table) PortInUse(port int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range t.sessions {
		if s.HostPort == port {
			return true
		}
	}
	return false
}
