package fabric

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/brainbox/orchestrator/internal/common/logger"
	"github.com/brainbox/orchestrator/internal/events/bus"
	"github.com/brainbox/orchestrator/pkg/orcherrors"
)

// Command is the orchestrator->session payload on the "commands" subject.
type Command struct {
	Command    string `json:"command"` // "execute_task" | "cancel_task"
	TaskID     string `json:"task_id"`
	Prompt     string `json:"prompt,omitempty"`
	WorkingDir string `json:"working_dir,omitempty"`
	TimeoutSec int    `json:"timeout,omitempty"`
}

// Result is the session->orchestrator payload on the "results" subject.
type Result struct {
	TaskID         string   `json:"task_id"`
	Success        bool     `json:"success"`
	Output         string   `json:"output"`
	ExitCode       int      `json:"exit_code"`
	Error          string   `json:"error,omitempty"`
	DurationSecond float64  `json:"duration_seconds"`
	FilesModified  []string `json:"files_modified,omitempty"`
}

// subjectKind enumerates the six topic kinds in the scheme
// "<prefix>.<session_name>.<kind>".
type subjectKind string

const (
	kindCommands  subjectKind = "commands"
	kindQuestions subjectKind = "questions"
	kindProgress  subjectKind = "progress"
	kindResults   subjectKind = "results"
	kindErrors    subjectKind = "errors"
	kindCancelled subjectKind = "cancelled"
)

// CommandChannel is the external pub/sub + RPC transport between the
// orchestrator and in-session agents, built on a topic broker.
type CommandChannel struct {
	bus    bus.EventBus
	prefix string
	logger *logger.Logger
}

func NewCommandChannel(b bus.EventBus, topicPrefix string, log *logger.Logger) *CommandChannel {
	if topicPrefix == "" {
		topicPrefix = "brainbox"
	}
	return &CommandChannel{
		bus:    b,
		prefix: topicPrefix,
		logger: log.WithFields(zap.String("component", "command-channel")),
	}
}

func (c *CommandChannel) subject(sessionName string, kind subjectKind) string {
	return fmt.Sprintf("%s.%s.%s", c.prefix, sessionName, kind)
}

// PublishCommand is the fire-and-forget path: it returns as soon as the
// broker accepts the publish. Callers track completion by subscribing to
// the session's "results"/"errors" subjects separately.
func (c *CommandChannel) PublishCommand(ctx context.Context, sessionName string, cmd Command) error {
	data, err := toEventData(cmd)
	if err != nil {
		return orcherrors.NewValidationError("failed to encode command", err)
	}
	evt := bus.NewEvent(string(kindCommands), "command-channel", data)
	if err := c.bus.Publish(ctx, c.subject(sessionName, kindCommands), evt); err != nil {
		return orcherrors.NewBackendUnavailable("failed to publish command to "+sessionName, err)
	}
	return nil
}

// SendCommand is the request/reply path: it publishes with an inbox and
// blocks for a single reply, raising Timeout on expiry.
func (c *CommandChannel) SendCommand(ctx context.Context, sessionName string, cmd Command, timeout time.Duration) (*Result, error) {
	data, err := toEventData(cmd)
	if err != nil {
		return nil, orcherrors.NewValidationError("failed to encode command", err)
	}
	evt := bus.NewEvent(string(kindCommands), "command-channel", data)

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply, err := c.bus.Request(reqCtx, c.subject(sessionName, kindCommands), evt, timeout)
	if err != nil {
		return nil, orcherrors.NewTimeout("no reply from session "+sessionName, err)
	}

	var result Result
	if err := fromEventData(reply.Data, &result); err != nil {
		return nil, orcherrors.NewValidationError("failed to decode result from "+sessionName, err)
	}
	return &result, nil
}

// SubscribeResults subscribes to every session's "results" subject via the
// wildcard "<prefix>.*.results" scheme.
func (c *CommandChannel) SubscribeResults(handler func(sessionName string, result Result)) (bus.Subscription, error) {
	pattern := fmt.Sprintf("%s.*.%s", c.prefix, kindResults)
	return c.bus.Subscribe(pattern, func(ctx context.Context, evt *bus.Event) error {
		var result Result
		if err := fromEventData(evt.Data, &result); err != nil {
			c.logger.Warn("failed to decode result event", zap.Error(err))
			return nil
		}
		handler(evt.Source, result)
		return nil
	})
}

func toEventData(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func fromEventData(data map[string]interface{}, v interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
