package claude

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
)

// stderrLimit bounds how much agent stderr is retained for error reporting.
const stderrLimit = 8 * 1024

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// Config holds agent runner configuration.
type Config struct {
	// Binary is the claude executable name or path.
	Binary string `yaml:"binary"`

	// Model is the default model identifier for agent turns.
	Model string `yaml:"model"`

	// PermissionMode is passed through to the CLI (e.g. "acceptEdits").
	PermissionMode string `yaml:"permission_mode"`

	// MCPConfig is the path to mcp-servers.json, when external tool servers
	// are configured.
	MCPConfig string `yaml:"mcp_config"`

	// ExtraArgs are appended verbatim to every invocation.
	ExtraArgs []string `yaml:"extra_args"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{Binary: "claude"}
}

// TurnRequest describes one prompt to run against the agent.
type TurnRequest struct {
	Prompt string

	// SessionID resumes an existing agent session when non-empty.
	SessionID string

	// Model overrides the configured default.
	Model string

	// WorkDir is the working directory for the agent process.
	WorkDir string

	// BypassPermissions skips tool permission prompts.
	BypassPermissions bool
}

// Turn is a running agent invocation. Events are delivered until the process
// exits; the channel is closed afterwards. Wait reports the process error.
type Turn struct {
	Events <-chan StreamEvent

	cmd  *exec.Cmd
	done chan error
}

// Wait blocks until the process exits and returns its error, if any.
func (t *Turn) Wait() error {
	return <-t.done
}

// Runner spawns claude CLI processes in stream-json mode.
type Runner struct {
	cfg    Config
	logger *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(cfg Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Binary == "" {
		cfg.Binary = "claude"
	}
	return &Runner{cfg: cfg, logger: logger.With("component", "claude")}
}

// Start launches one agent turn. Cancelling ctx kills the process; the event
// channel closes once stdout drains.
func (r *Runner) Start(ctx context.Context, req TurnRequest) (*Turn, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("claude: prompt is required")
	}

	args := []string{
		"-p", req.Prompt,
		"--output-format", "stream-json",
		"--verbose",
	}
	model := req.Model
	if model == "" {
		model = r.cfg.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	if req.BypassPermissions {
		args = append(args, "--dangerously-skip-permissions")
	} else if r.cfg.PermissionMode != "" {
		args = append(args, "--permission-mode", r.cfg.PermissionMode)
	}
	if r.cfg.MCPConfig != "" {
		args = append(args, "--mcp-config", r.cfg.MCPConfig)
	}
	args = append(args, r.cfg.ExtraArgs...)

	cmd := exec.CommandContext(ctx, r.cfg.Binary, args...)
	if req.WorkDir != "" {
		cmd.Dir = req.WorkDir
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("claude: stdout pipe: %w", err)
	}
	stderr := &tailBuffer{max: stderrLimit}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("claude: starting %s: %w", r.cfg.Binary, err)
	}

	events := make(chan StreamEvent, 64)
	done := make(chan error, 1)

	// finish surfaces the captured stderr tail alongside the exit status so
	// callers can inspect agent failure messages.
	finish := func() error {
		err := cmd.Wait()
		if err == nil {
			return nil
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}

	go func() {
		defer close(events)

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var ev StreamEvent
			if err := json.Unmarshal(line, &ev); err != nil {
				r.logger.Warn("claude: skipping undecodable stream line", "error", err)
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				done <- finish()
				return
			}
		}
		if err := scanner.Err(); err != nil {
			r.logger.Warn("claude: stream read error", "error", err)
		}
		done <- finish()
	}()

	return &Turn{Events: events, cmd: cmd, done: done}, nil
}
