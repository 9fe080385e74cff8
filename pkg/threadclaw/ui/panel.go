package ui

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/threadclaw/threadclaw/pkg/threadclaw/slack"
)

// PanelStatus is the badge shown on the action panel.
type PanelStatus string

const (
	PanelWorking  PanelStatus = "working"
	PanelWaiting  PanelStatus = "waiting"
	PanelIdle     PanelStatus = "idle"
	PanelBusy     PanelStatus = "busy"
	PanelDisabled PanelStatus = "disabled"
)

var panelBadge = map[PanelStatus]string{
	PanelWorking:  "🔨 working",
	PanelWaiting:  "⏳ waiting",
	PanelIdle:     "💤 idle",
	PanelBusy:     "🚧 busy",
	PanelDisabled: "🚫 disabled",
}

// PanelState is everything the action panel renders.
type PanelState struct {
	Workflow       string
	Status         PanelStatus
	ContextPercent int
	ActiveTool     string
	PendingChoice  string
}

// panelMessage is the posted panel message for one session.
type panelMessage struct {
	channel   string
	messageTS string
	renderKey string
}

// Panel maintains one action-panel message per session thread, posted once
// and updated in place. Rendering is idempotent by render key.
type Panel struct {
	api    SlackAPI
	logger *slog.Logger

	mu     sync.Mutex
	panels map[string]*panelMessage
}

// NewPanel creates a panel manager.
func NewPanel(api SlackAPI, logger *slog.Logger) *Panel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Panel{
		api:    api,
		logger: logger.With("component", "panel"),
		panels: make(map[string]*panelMessage),
	}
}

// Render posts or updates the session's panel. Identical payloads short-
// circuit without touching Slack.
func (p *Panel) Render(ctx context.Context, sessionKey, channel, threadTS string, state PanelState) error {
	text, blocks := buildPanel(state)
	key := slack.RenderKey(text, blocks)

	p.mu.Lock()
	defer p.mu.Unlock()

	existing := p.panels[sessionKey]
	if existing != nil && existing.renderKey == key {
		return nil
	}

	if existing != nil {
		if err := p.api.UpdateMessage(ctx, existing.channel, existing.messageTS, text, blocks); err != nil {
			return fmt.Errorf("ui: updating panel: %w", err)
		}
		existing.renderKey = key
		return nil
	}

	ts, err := p.api.PostMessage(ctx, slack.Message{
		Channel:  channel,
		ThreadTS: threadTS,
		Text:     text,
		Blocks:   blocks,
	})
	if err != nil {
		return fmt.Errorf("ui: posting panel: %w", err)
	}
	p.panels[sessionKey] = &panelMessage{channel: channel, messageTS: ts, renderKey: key}
	return nil
}

// Drop deletes the session's panel message, if any.
func (p *Panel) Drop(ctx context.Context, sessionKey string) {
	p.mu.Lock()
	existing := p.panels[sessionKey]
	delete(p.panels, sessionKey)
	p.mu.Unlock()

	if existing == nil {
		return
	}
	if err := p.api.DeleteMessage(ctx, existing.channel, existing.messageTS); err != nil {
		p.logger.Warn("panel delete failed", "session", sessionKey, "error", err)
	}
}

func buildPanel(state PanelState) (string, []slack.Block) {
	badge := panelBadge[state.Status]
	if badge == "" {
		badge = string(state.Status)
	}

	chips := []string{badge}
	if state.Workflow != "" {
		chips = append(chips, "workflow: "+state.Workflow)
	}
	chips = append(chips, fmt.Sprintf("context: %d%%", state.ContextPercent))
	if state.ActiveTool != "" {
		chips = append(chips, "tool: "+state.ActiveTool)
	}

	blocks := []slack.Block{
		slack.ContextBlock(strings.Join(chips, "  ·  ")),
	}
	if state.PendingChoice != "" {
		blocks = append(blocks, slack.SectionBlock("⏳ "+state.PendingChoice))
	}

	return strings.Join(chips, " | "), blocks
}
