package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/threadclaw/threadclaw/pkg/threadclaw/claude"
	"github.com/threadclaw/threadclaw/pkg/threadclaw/directive"
	"github.com/threadclaw/threadclaw/pkg/threadclaw/links"
	"github.com/threadclaw/threadclaw/pkg/threadclaw/session"
)

// Callbacks are the Slack side-effects the processor can trigger. Any nil
// callback is skipped. Callbacks run on the processor goroutine; they must
// not block indefinitely.
type Callbacks struct {
	// OnSessionID delivers the agent-side session ID as soon as the stream
	// announces it.
	OnSessionID func(ctx context.Context, id string)

	// OnWorking signals that the agent started using tools.
	OnWorking func(ctx context.Context)

	// OnTodos receives the raw TodoWrite input for todo-list rendering.
	OnTodos func(ctx context.Context, input json.RawMessage)

	// OnToolUse posts a human summary of one tool invocation.
	OnToolUse func(ctx context.Context, name, summary string)

	// OnToolResult posts a tool's result. externalCallID is non-empty when
	// the invocation registered out-of-band.
	OnToolResult func(ctx context.Context, toolUseID, name, text string, isError bool, externalCallID string)

	// OnText posts plain assistant text (directives already stripped).
	OnText func(ctx context.Context, text string) error

	// OnLinks applies a session_links directive.
	OnLinks func(ctx context.Context, set links.Set)

	// OnChannelMessage posts a channel_message directive to the channel.
	OnChannelMessage func(ctx context.Context, text string)

	// OnChoice renders a user-choice prompt. leadText is the non-directive
	// remainder of the same assistant message, posted before the prompt.
	OnChoice func(ctx context.Context, prompt *directive.ChoicePrompt, leadText string) error

	// OnUsage delivers the turn's aggregated usage.
	OnUsage func(ctx context.Context, usage session.TurnUsage)
}

// Return is the outcome of processing one turn.
type Return struct {
	Success      bool
	MessageCount int
	Aborted      bool

	// CollectedText concatenates all assistant text seen this turn, captured
	// before directive stripping so trailing JSON payloads stay scannable.
	CollectedText string

	Usage         *session.TurnUsage
	HasUserChoice bool
}

// Processor drives one agent turn's events.
type Processor struct {
	sessionKey string
	tracker    *ToolTracker
	cb         Callbacks
	logger     *slog.Logger
}

// NewProcessor creates a processor for one turn of one session.
func NewProcessor(sessionKey string, tracker *ToolTracker, cb Callbacks, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		sessionKey: sessionKey,
		tracker:    tracker,
		cb:         cb,
		logger:     logger.With("component", "stream", "session", sessionKey),
	}
}

// Run consumes one turn's events until the stream closes or ctx is
// cancelled. wait reports the agent process outcome once the channel closes.
// Cancellation is a clean exit with Aborted=true; process errors propagate.
func (p *Processor) Run(ctx context.Context, events <-chan claude.StreamEvent, wait func() error) (Return, error) {
	var (
		ret       Return
		collected []string
		seenTexts = make(map[string]bool)
	)

	for {
		select {
		case <-ctx.Done():
			ret.Aborted = true
			ret.CollectedText = strings.Join(collected, "\n")
			return ret, nil

		case ev, ok := <-events:
			if !ok {
				ret.CollectedText = strings.Join(collected, "\n")
				if err := wait(); err != nil {
					if ctx.Err() != nil {
						ret.Aborted = true
						return ret, nil
					}
					return ret, fmt.Errorf("stream: agent process: %w", err)
				}
				return ret, nil
			}

			if ev.SessionID != "" && p.cb.OnSessionID != nil {
				p.cb.OnSessionID(ctx, ev.SessionID)
			}

			switch ev.Type {
			case claude.EventAssistant:
				p.handleAssistant(ctx, ev, &ret, &collected, seenTexts)
			case claude.EventUser:
				p.handleUser(ctx, ev)
			case claude.EventResult:
				p.handleResult(ctx, ev, &ret, seenTexts)
			}
		}
	}
}

func (p *Processor) handleAssistant(ctx context.Context, ev claude.StreamEvent, ret *Return, collected *[]string, seenTexts map[string]bool) {
	uses := ev.ToolUses()
	if len(uses) > 0 {
		if p.cb.OnWorking != nil {
			p.cb.OnWorking(ctx)
		}
		for _, use := range uses {
			p.tracker.Register(p.sessionKey, use.ID, use.Name)
			if use.Name == "TodoWrite" {
				if p.cb.OnTodos != nil {
					p.cb.OnTodos(ctx, use.Input)
				}
				continue
			}
			if p.cb.OnToolUse != nil {
				p.cb.OnToolUse(ctx, use.Name, SummarizeToolUse(use.Name, use.Input))
			}
		}
		return
	}

	text := ev.AssistantText()
	if strings.TrimSpace(text) == "" {
		return
	}
	*collected = append(*collected, text)
	seenTexts[text] = true
	p.processText(ctx, text, ret)
}

// processText runs the directive pipeline over one assistant message in the
// fixed order session_links, channel_message, user_choice, then posts the
// remainder.
func (p *Processor) processText(ctx context.Context, text string, ret *Return) {
	if linksDir, rest := directive.ParseSessionLinks(text); linksDir != nil {
		text = rest
		if p.cb.OnLinks != nil {
			p.cb.OnLinks(ctx, linksDir.Links)
		}
	}
	if chanMsg, rest := directive.ParseChannelMessage(text); chanMsg != nil {
		text = rest
		if p.cb.OnChannelMessage != nil {
			p.cb.OnChannelMessage(ctx, chanMsg.Text)
		}
	}

	prompt, rest := directive.ParseUserChoice(text)
	text = rest

	if prompt != nil {
		ret.HasUserChoice = true
		if p.cb.OnChoice != nil {
			if err := p.cb.OnChoice(ctx, prompt, strings.TrimSpace(text)); err != nil {
				p.logger.Warn("choice render failed", "error", err)
			}
		}
		ret.MessageCount++
		return
	}

	if trimmed := strings.TrimSpace(text); trimmed != "" && p.cb.OnText != nil {
		if err := p.cb.OnText(ctx, trimmed); err != nil {
			p.logger.Warn("text post failed", "error", err)
			return
		}
		ret.MessageCount++
	}
}

func (p *Processor) handleUser(ctx context.Context, ev claude.StreamEvent) {
	for _, res := range ev.ToolResults() {
		name := p.tracker.Name(p.sessionKey, res.ToolUseID)
		external := p.tracker.TakeExternal(p.sessionKey, res.ToolUseID)
		if p.cb.OnToolResult != nil {
			p.cb.OnToolResult(ctx, res.ToolUseID, name, res.ResultText(), res.IsError, external)
		}
	}
}

func (p *Processor) handleResult(ctx context.Context, ev claude.StreamEvent, ret *Return, seenTexts map[string]bool) {
	ret.Success = ev.Subtype == claude.ResultSuccess && !ev.IsError

	// Final text that never streamed as an assistant event goes through the
	// same pipeline; a trailing user_choice becomes the terminal prompt.
	if ret.Success && ev.Result != "" && !seenTexts[ev.Result] {
		p.processText(ctx, ev.Result, ret)
	}

	usage := extractUsage(ev)
	ret.Usage = &usage
	if p.cb.OnUsage != nil {
		p.cb.OnUsage(ctx, usage)
	}
}

// extractUsage aggregates the result event's usage, preferring the per-model
// map over the flat fallback.
func extractUsage(ev claude.StreamEvent) session.TurnUsage {
	var u session.TurnUsage

	if len(ev.ModelUsage) > 0 {
		for _, mu := range ev.ModelUsage {
			u.Input += mu.InputTokens
			u.Output += mu.OutputTokens
			u.CacheRead += mu.CacheReadInputTokens
			u.CacheCreate += mu.CacheCreationInputTokens
			u.CostUSD += mu.CostUSD
			if mu.ContextWindow > u.ContextWindow {
				u.ContextWindow = mu.ContextWindow
			}
		}
		if u.CostUSD == 0 {
			u.CostUSD = ev.CostUSD
		}
		return u
	}

	if ev.Usage != nil {
		u.Input = ev.Usage.InputTokens
		u.Output = ev.Usage.OutputTokens
		u.CacheRead = ev.Usage.CacheReadInputTokens
		u.CacheCreate = ev.Usage.CacheCreationInputTokens
	}
	u.CostUSD = ev.CostUSD
	return u
}

// SummarizeToolUse renders a one-line human summary of a tool invocation for
// Slack. Long values are elided.
func SummarizeToolUse(name string, input json.RawMessage) string {
	var args map[string]any
	if err := json.Unmarshal(input, &args); err != nil || len(args) == 0 {
		return name
	}

	// Prefer the most recognizable argument per common tool.
	for _, key := range []string{"file_path", "path", "command", "pattern", "url", "query", "prompt"} {
		if v, ok := args[key].(string); ok && v != "" {
			return fmt.Sprintf("%s: %s", name, elide(v, 120))
		}
	}

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if s, ok := args[k].(string); ok {
			parts = append(parts, fmt.Sprintf("%s=%s", k, elide(s, 40)))
		}
	}
	if len(parts) == 0 {
		return name
	}
	if len(parts) > 3 {
		parts = parts[:3]
	}
	return fmt.Sprintf("%s: %s", name, strings.Join(parts, " "))
}

func elide(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
