package fabric

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/brainbox/orchestrator/internal/common/constants"
	"github.com/brainbox/orchestrator/internal/common/logger"
	"github.com/brainbox/orchestrator/internal/session"
	"github.com/brainbox/orchestrator/pkg/orcherrors"
	"github.com/tuzig/vt10x"
)

const (
	bridgeMuxSession = "main"
	bridgeCols       = 120
	bridgeRows       = 40
	bridgePollEvery  = constants.TerminalBridgePollInterval
	bridgeStableHits = 2
)

// TerminalExecutor is the subset of session.Backend the bridge drives: raw
// command execution against a guest's in-process multiplexer.
type TerminalExecutor interface {
	Exec(ctx context.Context, s *session.Session, cmd []string, user string, detach bool) (*session.ExecResult, error)
}

// TerminalBridge scripts a long-lived "main" multiplexer session inside a
// guest and parses its pane content with a virtual terminal emulator. It is
// the fallback path used when the regular command channel is unreachable.
type TerminalBridge struct {
	logger *logger.Logger
}

func NewTerminalBridge(log *logger.Logger) *TerminalBridge {
	return &TerminalBridge{logger: log.WithFields(zap.String("component", "terminal-bridge"))}
}

// EnsureMainSession verifies the guest has a long-lived multiplexer session
// named "main", creating it if absent (step 1).
func (b *TerminalBridge) EnsureMainSession(ctx context.Context, exec TerminalExecutor, s *session.Session) error {
	res, err := exec.Exec(ctx, s, []string{"tmux", "has-session", "-t", bridgeMuxSession}, "", false)
	if err != nil {
		return orcherrors.NewBackendUnavailable("failed to query multiplexer session", err)
	}
	if res.ExitCode == 0 {
		return nil
	}
	res, err = exec.Exec(ctx, s, []string{
		"tmux", "new-session", "-d", "-s", bridgeMuxSession,
		"-x", fmt.Sprintf("%d", bridgeCols), "-y", fmt.Sprintf("%d", bridgeRows),
	}, "", false)
	if err != nil {
		return orcherrors.NewBackendUnavailable("failed to create multiplexer session", err)
	}
	if res.ExitCode != 0 {
		return orcherrors.NewBackendUnavailable("multiplexer session creation exited "+fmt.Sprint(res.ExitCode), nil)
	}
	return nil
}

// SendPrompt runs the full bridge protocol: interrupt + optional cd, send
// the prompt, poll the pane until the response settles, and extract the
// assistant's reply (steps 2-5).
func (b *TerminalBridge) SendPrompt(ctx context.Context, exec TerminalExecutor, s *session.Session, prompt, workingDir string, timeout time.Duration) (string, error) {
	if err := b.EnsureMainSession(ctx, exec, s); err != nil {
		return "", err
	}

	if err := b.interrupt(ctx, exec, s, workingDir); err != nil {
		return "", err
	}

	baseline, err := b.capturePane(ctx, exec, s)
	if err != nil {
		return "", err
	}

	if err := b.sendKeys(ctx, exec, s, prompt); err != nil {
		return "", err
	}
	if err := b.sendEnter(ctx, exec, s); err != nil {
		return "", err
	}
	// Second Enter consumes the permission prompt some agent CLIs raise
	// on their first turn after an interrupt.
	if err := b.sendEnter(ctx, exec, s); err != nil {
		return "", err
	}

	final, err := b.pollUntilSettled(ctx, exec, s, timeout)
	if err != nil {
		return "", err
	}

	return extractResponse(baseline, final), nil
}

func (b *TerminalBridge) interrupt(ctx context.Context, exec TerminalExecutor, s *session.Session, workingDir string) error {
	if _, err := exec.Exec(ctx, s, []string{"tmux", "send-keys", "-t", bridgeMuxSession, "C-c"}, "", false); err != nil {
		return orcherrors.NewBackendUnavailable("failed to send interrupt", err)
	}
	if workingDir != "" {
		cmd := []string{"tmux", "send-keys", "-t", bridgeMuxSession, "cd " + workingDir, "Enter"}
		if _, err := exec.Exec(ctx, s, cmd, "", false); err != nil {
			return orcherrors.NewBackendUnavailable("failed to change working directory", err)
		}
	}
	return nil
}

func (b *TerminalBridge) sendKeys(ctx context.Context, exec TerminalExecutor, s *session.Session, text string) error {
	_, err := exec.Exec(ctx, s, []string{"tmux", "send-keys", "-t", bridgeMuxSession, "-l", text}, "", false)
	if err != nil {
		return orcherrors.NewBackendUnavailable("failed to send prompt text", err)
	}
	return nil
}

func (b *TerminalBridge) sendEnter(ctx context.Context, exec TerminalExecutor, s *session.Session) error {
	_, err := exec.Exec(ctx, s, []string{"tmux", "send-keys", "-t", bridgeMuxSession, "Enter"}, "", false)
	if err != nil {
		return orcherrors.NewBackendUnavailable("failed to send Enter", err)
	}
	return nil
}

func (b *TerminalBridge) capturePane(ctx context.Context, exec TerminalExecutor, s *session.Session) (string, error) {
	res, err := exec.Exec(ctx, s, []string{"tmux", "capture-pane", "-t", bridgeMuxSession, "-p"}, "", false)
	if err != nil {
		return "", orcherrors.NewBackendUnavailable("failed to capture pane", err)
	}
	return res.Output, nil
}

// pollUntilSettled polls the pane every 500ms, stopping once the rendered
// content has stayed unchanged for two consecutive polls and either shows a
// completion marker or ends on a prompt line, capped at timeout (step 4).
func (b *TerminalBridge) pollUntilSettled(ctx context.Context, exec TerminalExecutor, s *session.Session, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	var last string
	stableHits := 0

	for {
		if time.Now().After(deadline) {
			return "", orcherrors.NewTimeout("terminal bridge response did not settle in time", nil)
		}

		pane, err := b.capturePane(ctx, exec, s)
		if err != nil {
			return "", err
		}

		rendered := renderPane(pane)
		if rendered == last {
			stableHits++
			if stableHits >= bridgeStableHits && (hasCompletionMarker(rendered) || endsWithPromptLine(rendered)) {
				return pane, nil
			}
		} else {
			stableHits = 0
			last = rendered
		}

		select {
		case <-ctx.Done():
			return "", orcherrors.NewTimeout("context cancelled while waiting for bridge response", ctx.Err())
		case <-time.After(bridgePollEvery):
		}
	}
}

// renderPane feeds raw capture-pane text through a virtual terminal so
// control sequences and redraws are resolved into a flat view, the same
// way a real terminal would show it.
func renderPane(raw string) string {
	term := vt10x.New(vt10x.WithSize(bridgeCols, bridgeRows))
	_, _ = term.Write([]byte(raw))

	var b strings.Builder
	for row := 0; row < bridgeRows; row++ {
		for col := 0; col < bridgeCols; col++ {
			g := term.Cell(col, row)
			if g.Char == 0 {
				b.WriteRune(' ')
			} else {
				b.WriteRune(g.Char)
			}
		}
		b.WriteRune('\n')
	}
	return strings.TrimRight(b.String(), " \n")
}

var completionMarkers = []string{"Task complete", "Done.", "[DONE]"}

func hasCompletionMarker(rendered string) bool {
	for _, m := range completionMarkers {
		if strings.Contains(rendered, m) {
			return true
		}
	}
	return false
}

// endsWithPromptLine reports whether the last non-empty line looks like an
// idle shell/agent prompt (ends in one of the conventional prompt glyphs).
func endsWithPromptLine(rendered string) bool {
	lines := strings.Split(rendered, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimRight(lines[i], " ")
		if line == "" {
			continue
		}
		return strings.HasSuffix(line, "$") || strings.HasSuffix(line, ">") || strings.HasSuffix(line, "❯")
	}
	return false
}

// decorativeGlyphs strips spinner/animation characters that some agent
// CLIs render while working, which would otherwise pollute the extracted
// response text.
var decorativeGlyphs = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏", "▌", "▐"}

// extractResponse isolates the text the guest produced after baseline was
// captured, trimming the trailing prompt line and any decorative glyphs
// left behind by spinner animations (step 5).
func extractResponse(baseline, final string) string {
	renderedFinal := renderPane(final)
	renderedBaseline := renderPane(baseline)

	body := renderedFinal
	if strings.HasPrefix(renderedFinal, renderedBaseline) {
		body = strings.TrimPrefix(renderedFinal, renderedBaseline)
	}

	lines := strings.Split(body, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		for _, g := range decorativeGlyphs {
			trimmed = strings.ReplaceAll(trimmed, g, "")
		}
		trimmed = strings.TrimSpace(trimmed)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}

	// Drop a trailing prompt line if one made it through.
	if n := len(out); n > 0 && endsWithPromptLine(out[n-1]) {
		out = out[:n-1]
	}

	return strings.Join(out, "\n")
}
