// Package containerbackend implements the container session backend
// on top of the Docker engine.
package containerbackend

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/brainbox/orchestrator/internal/agent/docker"
	"github.com/brainbox/orchestrator/internal/common/logger"
	"github.com/brainbox/orchestrator/internal/session"
	"github.com/brainbox/orchestrator/pkg/orcherrors"
)

const labelManaged = "orchestrator.managed"
const labelSession = "orchestrator.session"
const labelHardened = "orchestrator.hardened"

const agentctlPort = 8711

// Backend implements session.Backend for Docker-hosted sessions.
type Backend struct {
	client      *docker.Client
	networkMode string
	logger      *logger.Logger
	// handles maps session name to the underlying container ID, since
	// Session.Handle is opaque to the engine but meaningful here.
	handles map[string]string
}

func New(client *docker.Client, networkMode string, log *logger.Logger) *Backend {
	return &Backend{
		client:      client,
		networkMode: networkMode,
		logger:      log.WithFields(zap.String("component", "container-backend")),
		handles:     make(map[string]string),
	}
}

func (b *Backend) Kind() session.BackendKind { return session.BackendContainer }

// Provision creates the container but does not start it.
func (b *Backend) Provision(ctx context.Context, req session.ProvisionRequest) error {
	s := req.Session

	mounts := make([]docker.MountConfig, 0, len(s.Mounts))
	for _, m := range s.Mounts {
		mode := strings.ToLower(m.Mode)
		mounts = append(mounts, docker.MountConfig{
			Source:   m.Host,
			Target:   m.Guest,
			ReadOnly: mode == "ro" || mode == "readonly",
		})
	}

	portBindings := map[string]string{}
	if s.HostPort != 0 {
		portBindings[fmt.Sprintf("%d/tcp", agentctlPort)] = fmt.Sprintf("%d", s.HostPort)
	}

	containerName := fmt.Sprintf("orchestrator-session-%s", sanitizeName(s.Name))

	cfg := docker.ContainerConfig{
		Name:        containerName,
		Image:       req.ImageOrTemplate,
		Mounts:      mounts,
		NetworkMode: b.networkMode,
		Labels: map[string]string{
			labelManaged:  "true",
			labelSession:  s.Name,
			labelHardened: fmt.Sprintf("%t", s.Hardened),
			"orchestrator.role": s.Role,
		},
		AutoRemove: false,
	}

	containerID, err := b.client.CreateContainer(ctx, cfg)
	if err != nil {
		return orcherrors.NewBackendUnavailable("failed to create container for "+s.Name, err)
	}

	b.handles[s.Name] = containerID
	s.Handle = containerID
	return nil
}

// Configure writes resolved secrets into the container. Hardened sessions
// get a single env file, /run/secrets/session.env, written through exec
// rather than plaintext ENV entries, so a process listing on the host
// cannot read them.
func (b *Backend) Configure(ctx context.Context, s *session.Session, secrets map[string]string) error {
	containerID, ok := b.handles[s.Name]
	if !ok {
		return orcherrors.NewSessionNotFound("no container handle for "+s.Name, nil)
	}

	if s.Hardened {
		envFile := renderEnvFile(secrets)
		cmd := []string{"sh", "-c", fmt.Sprintf("cat > /run/secrets/session.env <<'EOF'\n%sEOF", envFile)}
		res, err := b.client.Exec(ctx, containerID, cmd, "root")
		if err != nil {
			return orcherrors.NewBackendUnavailable("failed to write hardened secrets for "+s.Name, err)
		}
		if res.ExitCode != 0 {
			return orcherrors.NewBackendUnavailable(
				fmt.Sprintf("hardened secrets write exited %d for %s: %s", res.ExitCode, s.Name, res.Output), nil)
		}
		return nil
	}

	var sets []string
	for k, v := range secrets {
		sets = append(sets, fmt.Sprintf("export %s=%q", k, v))
	}
	cmd := []string{"sh", "-c", fmt.Sprintf("cat >> /etc/environment <<'EOF'\n%s\nEOF", strings.Join(sets, "\n"))}
	res, err := b.client.Exec(ctx, containerID, cmd, "root")
	if err != nil {
		return orcherrors.NewBackendUnavailable("failed to write secrets for "+s.Name, err)
	}
	if res.ExitCode != 0 {
		return orcherrors.NewBackendUnavailable(
			fmt.Sprintf("secrets write exited %d for %s: %s", res.ExitCode, s.Name, res.Output), nil)
	}
	return nil
}

// Start starts the container and polls until Docker reports it running
// (up to 30 checks, 500ms apart); the in-guest agent itself is not probed.
func (b *Backend) Start(ctx context.Context, s *session.Session) error {
	containerID, ok := b.handles[s.Name]
	if !ok {
		return orcherrors.NewSessionNotFound("no container handle for "+s.Name, nil)
	}
	if err := b.client.StartContainer(ctx, containerID); err != nil {
		return orcherrors.NewBackendUnavailable("failed to start container for "+s.Name, err)
	}

	const maxRetries = 30
	const retryDelay = 500 * time.Millisecond
	for i := 0; i < maxRetries; i++ {
		info, err := b.client.GetContainerInfo(ctx, containerID)
		if err == nil && info.State == "running" {
			return nil
		}
		if ctx.Err() != nil {
			return orcherrors.NewTimeout("context cancelled waiting for "+s.Name+" to start", ctx.Err())
		}
		select {
		case <-ctx.Done():
			return orcherrors.NewTimeout("context cancelled waiting for "+s.Name+" to start", ctx.Err())
		case <-time.After(retryDelay):
		}
	}
	return orcherrors.NewTimeout("container for "+s.Name+" not running after retries", nil)
}

// Stop stops the container, optionally forcing a kill.
func (b *Backend) Stop(ctx context.Context, s *session.Session, force bool) error {
	containerID, ok := b.handles[s.Name]
	if !ok {
		return nil
	}
	if force {
		if err := b.client.KillContainer(ctx, containerID, "SIGKILL"); err != nil {
			return orcherrors.NewBackendUnavailable("failed to kill container for "+s.Name, err)
		}
		return nil
	}
	if err := b.client.StopContainer(ctx, containerID, 10*time.Second); err != nil {
		b.logger.Warn("graceful stop failed, container may already be gone",
			zap.String("session", s.Name), zap.Error(err))
	}
	return nil
}

// Remove removes the container.
func (b *Backend) Remove(ctx context.Context, s *session.Session) error {
	containerID, ok := b.handles[s.Name]
	if !ok {
		return nil
	}
	if err := b.client.RemoveContainer(ctx, containerID, true); err != nil {
		return orcherrors.NewBackendUnavailable("failed to remove container for "+s.Name, err)
	}
	delete(b.handles, s.Name)
	return nil
}

// Health reports container state and resource usage.
func (b *Backend) Health(ctx context.Context, s *session.Session) (*session.HealthResult, error) {
	containerID, ok := b.handles[s.Name]
	if !ok {
		return &session.HealthResult{Gone: true}, nil
	}

	info, err := b.client.GetContainerInfo(ctx, containerID)
	if err != nil {
		return &session.HealthResult{Gone: true}, nil
	}
	if info.State != "running" {
		return &session.HealthResult{Healthy: false}, nil
	}

	stats, err := b.client.Stats(ctx, containerID)
	if err != nil {
		// Container is running but stats are unavailable; still healthy.
		return &session.HealthResult{Healthy: true}, nil
	}

	return &session.HealthResult{
		Healthy:     stats.Running,
		CPUPercent:  stats.CPUPercent,
		MemoryUsed:  stats.MemoryUsed,
		MemoryLimit: stats.MemoryLimit,
	}, nil
}

// Exec runs a command inside the container. detach is accepted for interface symmetry with the VM
// backend; the Docker exec API used here always waits for completion.
func (b *Backend) Exec(ctx context.Context, s *session.Session, cmd []string, user string, detach bool) (*session.ExecResult, error) {
	containerID, ok := b.handles[s.Name]
	if !ok {
		return nil, orcherrors.NewSessionNotFound("no container handle for "+s.Name, nil)
	}
	res, err := b.client.Exec(ctx, containerID, cmd, user)
	if err != nil {
		return nil, orcherrors.NewBackendUnavailable("exec failed for "+s.Name, err)
	}
	return &session.ExecResult{ExitCode: res.ExitCode, Output: res.Output}, nil
}

// List returns all orchestrator-managed containers.
func (b *Backend) List(ctx context.Context) ([]session.SessionInfo, error) {
	containers, err := b.client.ListContainers(ctx, map[string]string{labelManaged: "true"})
	if err != nil {
		return nil, orcherrors.NewBackendUnavailable("failed to list containers", err)
	}
	out := make([]session.SessionInfo, 0, len(containers))
	for _, c := range containers {
		out = append(out, session.SessionInfo{
			Name:    strings.TrimPrefix(c.Name, "/"),
			Handle:  c.ID,
			Backend: session.BackendContainer,
		})
	}
	return out, nil
}

func renderEnvFile(secrets map[string]string) string {
	var b strings.Builder
	for k, v := range secrets {
		fmt.Fprintf(&b, "%s=%s\n", k, v)
	}
	return b.String()
}

func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, name)
}

var _ session.Backend = (*Backend)(nil)
