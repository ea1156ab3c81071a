// Package agent invokes the external conversational agent CLI.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"larkrelay/internal/domain"
)

const (
	defaultCommand = "clawdbot"
	defaultSession = "main"
	defaultTimeout = 60 * time.Second

	// decorationMarker is the CLI's output decoration. When a line carries
	// it, only the text after the last occurrence is the reply.
	decorationMarker = "│ ◇"

	timeoutReply   = "Sorry, I took too long to think. Please try again."
	cancelledReply = "The request was cancelled before the agent finished."
	emptyReply     = "The agent returned no content."
)

// CLIInvoker spawns the agent CLI per prompt and normalizes whatever happens
// into a text reply. There is no error channel past this boundary: the chat
// message is the only observable effect, so failures must degrade into
// user-visible text instead of propagating.
type CLIInvoker struct {
	command string
	session string
	timeout time.Duration
	logger  *slog.Logger
}

// CLIConfig configures the invoker.
type CLIConfig struct {
	Command        string // agent executable (default "clawdbot")
	Session        string // agent session name passed via --agent
	TimeoutSeconds int
	Logger         *slog.Logger
}

// NewCLIInvoker creates a CLIInvoker with defaults filled in.
func NewCLIInvoker(cfg CLIConfig) *CLIInvoker {
	if cfg.Command == "" {
		cfg.Command = defaultCommand
	}
	if cfg.Session == "" {
		cfg.Session = defaultSession
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CLIInvoker{
		command: cfg.Command,
		session: cfg.Session,
		timeout: timeout,
		logger:  cfg.Logger,
	}
}

func (c *CLIInvoker) Name() string { return c.command }

// Invoke runs `<command> agent --agent <session> --message <prompt>` and
// blocks until the process exits or the timeout elapses. The process is
// killed on timeout.
func (c *CLIInvoker) Invoke(ctx context.Context, prompt string) domain.AgentReply {
	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.command, "agent", "--agent", c.session, "--message", prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Debug("invoking agent", "command", c.command, "session", c.session, "prompt_len", len(prompt))

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	out := strings.TrimSpace(stdout.String())
	errOut := strings.TrimSpace(stderr.String())

	if runCtx.Err() == context.DeadlineExceeded {
		c.logger.Error("agent invocation timed out", "command", c.command, "timeout", c.timeout)
		return domain.AgentReply{Text: timeoutReply, IsError: true}
	}

	// Parent cancellation (shutdown) also kills the process; that is not an
	// agent failure, so keep the log quiet.
	if runCtx.Err() == context.Canceled {
		c.logger.Warn("agent invocation cancelled", "command", c.command)
		return domain.AgentReply{Text: cancelledReply, IsError: true}
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			diag := errOut
			if diag == "" {
				diag = "unknown error"
			}
			c.logger.Error("agent exited with failure",
				"command", c.command,
				"code", exitErr.ExitCode(),
				"stderr", diag,
			)
			return domain.AgentReply{
				Text:    fmt.Sprintf("Agent failed (code %d): %s", exitErr.ExitCode(), diag),
				IsError: true,
			}
		}
		// Spawn failure: executable missing, permission denied, etc.
		c.logger.Error("agent invocation failed", "command", c.command, "err", err)
		return domain.AgentReply{Text: fmt.Sprintf("Error calling agent: %v", err), IsError: true}
	}

	if errOut != "" {
		c.logger.Warn("agent wrote to stderr on success", "stderr", errOut)
	}
	c.logger.Debug("agent invocation completed",
		"duration_ms", elapsed.Milliseconds(),
		"output_len", len(out),
	)

	if out == "" {
		return domain.AgentReply{Text: emptyReply}
	}
	return domain.AgentReply{Text: stripDecoration(out)}
}

// stripDecoration extracts the reply from decorated CLI output. The first
// line containing the marker wins; without a marker the whole trimmed
// output is the reply.
func stripDecoration(output string) string {
	for _, line := range strings.Split(output, "\n") {
		if idx := strings.LastIndex(line, decorationMarker); idx >= 0 {
			return strings.TrimSpace(line[idx+len(decorationMarker):])
		}
	}
	return output
}
