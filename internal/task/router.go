package task

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/brainbox/orchestrator/internal/common/logger"
	"github.com/brainbox/orchestrator/internal/events/bus"
	"github.com/brainbox/orchestrator/internal/fabric"
	"github.com/brainbox/orchestrator/internal/registry"
	"github.com/brainbox/orchestrator/internal/session"
	"github.com/brainbox/orchestrator/pkg/orcherrors"
)

// SessionLookup is the read-only slice of the session table the router
// needs for its orphan check. session.Table satisfies this directly.
type SessionLookup interface {
	Get(name string) (*session.Session, bool)
}

// Dispatcher delivers a task's payload to its assigned session and blocks
// for a result. It is the message fabric's send_command in production use
// so the router stays agnostic of the transport.
type Dispatcher interface {
	Dispatch(ctx context.Context, sessionName string, payload string) (result string, err error)
}

// PolicyIssuer is the registry capability Submit needs to admit a task and
// retire its credential: assignment policy, agent lookup, and the token
// lifecycle. *registry.Registry satisfies this directly.
type PolicyIssuer interface {
	EvaluateTaskAssignment(agentName, taskID, taskDescription string) registry.PolicyResult
	GetAgent(name string) (*registry.AgentDefinition, bool)
	IssueToken(agentName, taskID string, ttl time.Duration) (*registry.Token, error)
	RevokeToken(tokenID string) bool
}

// Provisioner is the lifecycle capability Submit needs to stand up and tear
// down the dedicated session backing a task. *session.Engine satisfies this
// directly.
type Provisioner interface {
	Pipeline(ctx context.Context, p session.ProvisionParams) (*session.Session, error)
	Recycle(ctx context.Context, name, reason string) error
}

// CommandPublisher is the fabric capability Cancel needs to notify a
// session's agent of a cooperative cancel. *fabric.CommandChannel satisfies
// this directly.
type CommandPublisher interface {
	PublishCommand(ctx context.Context, sessionName string, cmd fabric.Command) error
}

// Router owns the task table: the PENDING queue, RUNNING assignment
// tracking, and terminal bookkeeping.
type Router struct {
	mu          sync.RWMutex
	tasks       map[string]*Task
	queue       *Queue
	sessions    SessionLookup
	dispatch    Dispatcher
	registry    PolicyIssuer
	provisioner Provisioner
	commands    CommandPublisher
	tokenTTL    time.Duration
	eventBus    bus.EventBus
	logger      *logger.Logger
}

func NewRouter(sessions SessionLookup, dispatch Dispatcher, registry PolicyIssuer, provisioner Provisioner, commands CommandPublisher, tokenTTL time.Duration, eventBus bus.EventBus, log *logger.Logger) *Router {
	if tokenTTL <= 0 {
		tokenTTL = 15 * time.Minute
	}
	return &Router{
		tasks:       make(map[string]*Task),
		queue:       NewQueue(),
		sessions:    sessions,
		dispatch:    dispatch,
		registry:    registry,
		provisioner: provisioner,
		commands:    commands,
		tokenTTL:    tokenTTL,
		eventBus:    eventBus,
		logger:      log.WithFields(zap.String("component", "task-router")),
	}
}

// Submit admits a new task: policy-checks the assignment, issues a
// task-scoped bearer token, and provisions a dedicated session named from
// the task id. It returns as soon as the session reaches RUNNING (or the
// task is failed synchronously, on a policy, agent, token, or provisioning
// error); it does not wait for the task itself to finish. Payload delivery
// and the task's own completion happen in the background via deliver, so
// that a task's own transitions stay serialized without blocking the
// caller on the session's full execution.
func (r *Router) Submit(ctx context.Context, taskID, agentName, payload string, priority int) (*Task, error) {
	t := &Task{
		ID:        taskID,
		AgentName: agentName,
		Priority:  priority,
		Payload:   payload,
		State:     StatePending,
		CreatedAt: time.Now(),
	}
	r.mu.Lock()
	r.tasks[t.ID] = t
	r.mu.Unlock()

	check := r.registry.EvaluateTaskAssignment(agentName, taskID, payload)
	if !check.Allowed {
		r.fail(ctx, t, check.Reason)
		return t, orcherrors.NewPolicyDenied(check.Reason, nil)
	}

	agent, ok := r.registry.GetAgent(agentName)
	if !ok {
		r.fail(ctx, t, "unknown_agent")
		return t, orcherrors.NewValidationError("agent not registered: "+agentName, nil)
	}

	tok, err := r.registry.IssueToken(agentName, taskID, r.tokenTTL)
	if err != nil {
		r.fail(ctx, t, "token issuance failed")
		return t, err
	}
	t.TokenID = tok.TokenID

	sessionName := sessionNameFromTaskID(taskID)
	t.SessionName = sessionName

	backend := session.BackendContainer
	if agent.Backend == "vm" {
		backend = session.BackendVM
	}

	mounts, err := r.resolveMounts(agent.Mounts)
	if err != nil {
		r.fail(ctx, t, "invalid mount spec: "+err.Error())
		return t, err
	}

	if _, err := r.provisioner.Pipeline(ctx, session.ProvisionParams{
		Name:            sessionName,
		Role:            agent.Role,
		TTLSeconds:      int64(r.tokenTTL.Seconds()),
		Mounts:          mounts,
		TokenID:         tok.TokenID,
		Backend:         backend,
		ImageOrTemplate: agent.Image,
		Template:        agent.Image,
	}); err != nil {
		r.fail(ctx, t, "session provisioning failed: "+err.Error())
		return t, err
	}

	r.mu.Lock()
	t.State = StateRunning
	now := time.Now()
	t.StartedAt = &now
	r.mu.Unlock()
	r.publish("task.started", t)

	if r.dispatch != nil {
		go r.deliver(sessionName, t)
	}
	return t, nil
}

// deliver dispatches a RUNNING task's payload to its session and resolves
// the task's terminal state from the result. It runs on its own goroutine
// so Submit can return once the session is RUNNING rather than block for
// the full task execution; the task's own transitions stay serialized
// since nothing else mutates this task's state between Submit returning
// and deliver's single fail/complete call.
func (r *Router) deliver(sessionName string, t *Task) {
	result, err := r.dispatch.Dispatch(context.Background(), sessionName, t.Payload)
	if err != nil {
		r.fail(context.Background(), t, err.Error())
		return
	}
	r.complete(context.Background(), t, result)
}

// Complete transitions a RUNNING task to COMPLETED, recycling its session
// and revoking its token. Used by callers outside the router (the fabric's
// results/errors subscriber, in production) to resolve a task dispatched
// by Submit.
func (r *Router) Complete(taskID, result string) error {
	r.mu.Lock()
	t, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return orcherrors.NewValidationError("no task named "+taskID, nil)
	}
	if !CanTransition(t.State, StateCompleted) {
		r.mu.Unlock()
		return orcherrors.NewValidationError("cannot complete task in state "+string(t.State), nil)
	}
	r.mu.Unlock()
	r.complete(context.Background(), t, result)
	return nil
}

// Fail transitions a task to FAILED, recycling its session and revoking its
// token. Used by callers outside the router (the fabric's errors
// subscriber, in production) to resolve a task dispatched by Submit.
func (r *Router) Fail(taskID, reason string) error {
	r.mu.Lock()
	t, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return orcherrors.NewValidationError("no task named "+taskID, nil)
	}
	if !CanTransition(t.State, StateFailed) {
		r.mu.Unlock()
		return orcherrors.NewValidationError("cannot fail task in state "+string(t.State), nil)
	}
	r.mu.Unlock()
	r.fail(context.Background(), t, reason)
	return nil
}

// teardown recycles a task's bound session and revokes its token, logging
// but not failing on either error, since the task's own terminal state has
// already been decided by the caller.
func (r *Router) teardown(ctx context.Context, t *Task, reason string) {
	if t.SessionName != "" && r.provisioner != nil {
		if err := r.provisioner.Recycle(ctx, t.SessionName, reason); err != nil {
			r.logger.Warn("failed to recycle task session", zap.String("task_id", t.ID),
				zap.String("session", t.SessionName), zap.Error(err))
		}
	}
	if t.TokenID != "" && r.registry != nil {
		r.registry.RevokeToken(t.TokenID)
	}
}

// sessionNameFromTaskID derives a session name from a "task-<id>" task id by
// dropping the "task-" prefix, so the session and task share the same
// identifying suffix under distinct namespaces.
func sessionNameFromTaskID(taskID string) string {
	const prefix = "task-"
	if strings.HasPrefix(taskID, prefix) {
		return strings.TrimPrefix(taskID, prefix)
	}
	return taskID
}

// resolveMounts builds the mount set a provisioned session gets: the
// default host credential mounts (AWS, kube, ssh, gitconfig, gcloud,
// terraform, azure) followed by the agent's own host:guest[:mode] specs.
func (r *Router) resolveMounts(userSpecs []string) ([]session.MountBinding, error) {
	var mounts []session.MountBinding
	if home, err := os.UserHomeDir(); err == nil {
		mounts = append(mounts, session.DefaultCredentialMounts(home)...)
	}
	user, err := session.ParseUserMounts(userSpecs)
	if err != nil {
		return nil, err
	}
	return append(mounts, user...), nil
}

// Enqueue adds a new PENDING task.
func (r *Router) Enqueue(t *Task) error {
	r.mu.Lock()
	if _, exists := r.tasks[t.ID]; exists {
		r.mu.Unlock()
		return orcherrors.NewValidationError("task already exists: "+t.ID, nil)
	}
	t.State = StatePending
	t.CreatedAt = time.Now()
	r.tasks[t.ID] = t
	r.mu.Unlock()
	return r.queue.Push(t)
}

// Get returns a task by ID.
func (r *Router) Get(taskID string) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[taskID]
	return t, ok
}

// List returns a snapshot of every tracked task.
func (r *Router) List() []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	return out
}

// DispatchNext pops the highest-priority PENDING task, binds it to
// sessionName and runs it to completion. The task is popped regardless of
// any earlier session assignment, and concurrent calls for the same session
// are not serialized against each other.
func (r *Router) DispatchNext(ctx context.Context, sessionName string) (*Task, error) {
	t := r.queue.Pop()
	if t == nil {
		return nil, nil
	}

	if _, ok := r.sessions.Get(sessionName); !ok {
		r.fail(ctx, t, "assigned session does not exist")
		return t, orcherrors.NewSessionNotFound("no session named "+sessionName, nil)
	}

	r.mu.Lock()
	t.SessionName = sessionName
	t.State = StateRunning
	now := time.Now()
	t.StartedAt = &now
	r.mu.Unlock()
	r.publish("task.started", t)

	result, err := r.dispatch.Dispatch(ctx, sessionName, t.Payload)
	if err != nil {
		r.fail(ctx, t, err.Error())
		return t, err
	}

	r.complete(ctx, t, result)
	return t, nil
}

// Cancel transitions a task to CANCELLED. A PENDING task is removed from
// the queue; a RUNNING task gets a fire-and-forget cancel_task command
// published to its session so the in-session agent can acknowledge on the
// cancelled subject. The task is transitioned regardless: cancel is
// best-effort, the in-flight dispatch call itself is not interrupted,
// following a cooperative cancellation model.
func (r *Router) Cancel(taskID string) error {
	r.mu.Lock()
	t, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return orcherrors.NewValidationError("no task named "+taskID, nil)
	}
	if t.State.Terminal() {
		r.mu.Unlock()
		return nil
	}
	if !CanTransition(t.State, StateCancelled) {
		r.mu.Unlock()
		return orcherrors.NewValidationError("cannot cancel task in state "+string(t.State), nil)
	}
	wasRunning := t.State == StateRunning
	sessionName := t.SessionName
	if t.State == StatePending {
		r.queue.Remove(taskID)
	}
	t.State = StateCancelled
	finished := time.Now()
	t.FinishedAt = &finished
	r.mu.Unlock()

	if wasRunning && sessionName != "" && r.commands != nil {
		cmd := fabric.Command{Command: "cancel_task", TaskID: taskID}
		if err := r.commands.PublishCommand(context.Background(), sessionName, cmd); err != nil {
			r.logger.Warn("failed to publish cancel_task command", zap.String("task_id", taskID),
				zap.String("session", sessionName), zap.Error(err))
		}
	}

	r.teardown(context.Background(), t, "task cancelled")
	return nil
}

// ReconcileOrphans fails every RUNNING task whose assigned session is no
// longer present in the session table.
func (r *Router) ReconcileOrphans() {
	r.mu.RLock()
	var orphans []*Task
	for _, t := range r.tasks {
		if t.State != StateRunning {
			continue
		}
		if _, ok := r.sessions.Get(t.SessionName); !ok {
			orphans = append(orphans, t)
		}
	}
	r.mu.RUnlock()

	for _, t := range orphans {
		r.fail(context.Background(), t, "session removed while task was running")
	}
}

// fail transitions a task to FAILED and tears down its bound session and
// token, if any.
func (r *Router) fail(ctx context.Context, t *Task, reason string) {
	r.mu.Lock()
	t.State = StateFailed
	t.FailureReason = reason
	finished := time.Now()
	t.FinishedAt = &finished
	r.mu.Unlock()
	r.logger.Warn("task failed", zap.String("task_id", t.ID), zap.String("reason", reason))
	r.teardown(ctx, t, "task failed: "+reason)
	r.publish("task.failed", t)
}

// complete transitions a task to COMPLETED and tears down its bound session
// and token, if any.
func (r *Router) complete(ctx context.Context, t *Task, result string) {
	r.mu.Lock()
	t.State = StateCompleted
	t.Result = result
	finished := time.Now()
	t.FinishedAt = &finished
	r.mu.Unlock()
	r.teardown(ctx, t, "task completed")
	r.publish("task.completed", t)
}

// Snapshot returns every non-terminal task, suitable for persisting across
// a restart.
func (r *Router) Snapshot() []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		if t.State.Terminal() {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out
}

// Restore re-seeds the task table from a snapshot. PENDING tasks are
// re-pushed onto the dispatch queue; RUNNING tasks are restored into the
// table only, so ReconcileOrphans can fail them against the now-restored
// session table.
func (r *Router) Restore(tasks []*Task) {
	for _, t := range tasks {
		r.mu.Lock()
		r.tasks[t.ID] = t
		r.mu.Unlock()
		if t.State == StatePending {
			_ = r.queue.Push(t)
		}
	}
}

func (r *Router) publish(eventType string, t *Task) {
	if r.eventBus == nil {
		return
	}
	evt := bus.NewEvent(eventType, "task-router", map[string]interface{}{
		"task_id": t.ID,
		"session": t.SessionName,
		"state":   string(t.State),
	})
	if err := r.eventBus.Publish(context.Background(), "hub.tasks", evt); err != nil {
		r.logger.Warn("failed to publish task event", zap.String("event", eventType), zap.Error(err))
	}
}
