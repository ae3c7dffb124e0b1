package fabric

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/brainbox/orchestrator/internal/common/constants"
	"github.com/brainbox/orchestrator/internal/common/logger"
	"github.com/brainbox/orchestrator/internal/session"
	"github.com/brainbox/orchestrator/pkg/orcherrors"
)

// SessionSource is the read-only session lookup the dispatcher needs to
// resolve a session name to its backend kind.
type SessionSource interface {
	Get(name string) (*session.Session, bool)
}

// BackendSource resolves a backend kind to its concrete implementation.
type BackendSource interface {
	Get(kind session.BackendKind) (session.Backend, bool)
}

// SessionDispatcher delivers a task payload to a session and blocks for a
// result, satisfying task.Dispatcher. It prefers the external command
// channel and falls back to the in-guest terminal bridge when the channel
// is unavailable or the in-session agent never answers on it, matching the
// broker-first, terminal-bridge-fallback delivery order.
type SessionDispatcher struct {
	sessions       SessionSource
	backends       BackendSource
	commands       *CommandChannel
	terminal       *TerminalBridge
	defaultTimeout time.Duration
	logger         *logger.Logger
}

func NewSessionDispatcher(sessions SessionSource, backends BackendSource, commands *CommandChannel, terminal *TerminalBridge, defaultTimeout time.Duration, log *logger.Logger) *SessionDispatcher {
	if defaultTimeout <= 0 {
		defaultTimeout = constants.DefaultCommandTimeout
	}
	return &SessionDispatcher{
		sessions:       sessions,
		backends:       backends,
		commands:       commands,
		terminal:       terminal,
		defaultTimeout: defaultTimeout,
		logger:         log.WithFields(zap.String("component", "session-dispatcher")),
	}
}

func (d *SessionDispatcher) Dispatch(ctx context.Context, sessionName string, payload string) (string, error) {
	s, ok := d.sessions.Get(sessionName)
	if !ok {
		return "", orcherrors.NewSessionNotFound("no session named "+sessionName, nil)
	}

	if d.commands != nil {
		res, err := d.commands.SendCommand(ctx, sessionName, Command{
			Command:    "execute_task",
			Prompt:     payload,
			TimeoutSec: int(d.defaultTimeout.Seconds()),
		}, d.defaultTimeout)
		if err == nil {
			if !res.Success {
				return res.Output, orcherrors.NewBackendUnavailable(res.Error, nil)
			}
			return res.Output, nil
		}
		d.logger.Warn("command channel dispatch failed, falling back to terminal bridge",
			zap.String("session", sessionName), zap.Error(err))
	}

	if d.terminal == nil {
		return "", orcherrors.NewBackendUnavailable("no terminal bridge configured for "+sessionName, nil)
	}
	backend, ok := d.backends.Get(s.Backend)
	if !ok {
		return "", orcherrors.NewBackendUnavailable("no backend registered for "+string(s.Backend), nil)
	}
	return d.terminal.SendPrompt(ctx, backend, s, payload, "", d.defaultTimeout)
}
