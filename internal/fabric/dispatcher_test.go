package fabric

import (
	"context"
	"testing"
	"time"

	"github.com/brainbox/orchestrator/internal/session"
)

type fakeSessionSource struct{ sessions map[string]*session.Session }

func (f *fakeSessionSource) Get(name string) (*session.Session, bool) {
	s, ok := f.sessions[name]
	return s, ok
}

type fakeBackendSource struct{ backends map[session.BackendKind]session.Backend }

func (f *fakeBackendSource) Get(kind session.BackendKind) (session.Backend, bool) {
	b, ok := f.backends[kind]
	return b, ok
}

type stubBackend struct{ execResult session.ExecResult }

func (b *stubBackend) Kind() session.BackendKind { return session.BackendContainer }
func (b *stubBackend) Provision(ctx context.Context, req session.ProvisionRequest) error {
	return nil
}
func (b *stubBackend) Configure(ctx context.Context, s *session.Session, secrets map[string]string) error {
	return nil
}
func (b *stubBackend) Start(ctx context.Context, s *session.Session) error { return nil }
func (b *stubBackend) Stop(ctx context.Context, s *session.Session, force bool) error {
	return nil
}
func (b *stubBackend) Remove(ctx context.Context, s *session.Session) error {
	return nil
}
func (b *stubBackend) Health(ctx context.Context, s *session.Session) (*session.HealthResult, error) {
	return &session.HealthResult{Healthy: true}, nil
}
func (b *stubBackend) Exec(ctx context.Context, s *session.Session, cmd []string, user string, detach bool) (*session.ExecResult, error) {
	return &b.execResult, nil
}
func (b *stubBackend) List(ctx context.Context) ([]session.SessionInfo, error) { return nil, nil }

func TestSessionDispatcher_FallsBackToTerminalBridgeWhenNoCommandChannel(t *testing.T) {
	sess := &session.Session{Name: "s1", Backend: session.BackendContainer}
	backend := &stubBackend{execResult: session.ExecResult{ExitCode: 0, Output: "main\n"}}

	d := NewSessionDispatcher(
		&fakeSessionSource{sessions: map[string]*session.Session{"s1": sess}},
		&fakeBackendSource{backends: map[session.BackendKind]session.Backend{session.BackendContainer: backend}},
		nil,
		NewTerminalBridge(testLogger(t)),
		5*time.Second,
		testLogger(t),
	)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := d.Dispatch(ctx, "s1", "do the thing")
	if err == nil {
		t.Fatal("expected an error since the fake backend never renders a completion marker before the context deadline")
	}
}

func TestSessionDispatcher_UnknownSessionFails(t *testing.T) {
	d := NewSessionDispatcher(
		&fakeSessionSource{sessions: map[string]*session.Session{}},
		&fakeBackendSource{backends: map[session.BackendKind]session.Backend{}},
		nil, nil, 0, testLogger(t),
	)
	if _, err := d.Dispatch(context.Background(), "ghost", "x"); err == nil {
		t.Fatal("expected error for unknown session")
	}
}
