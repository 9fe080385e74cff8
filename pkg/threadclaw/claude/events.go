// Package claude drives the claude CLI in stream-json mode and exposes
// its NDJSON event stream as typed values. One Turn corresponds to one
// prompt sent to the agent; the turn ends with a single "result" event.
package claude

import (
	"encoding/json"
	"strings"
)

// Stream event types.
const (
	EventAssistant = "assistant"
	EventUser      = "user"
	EventResult    = "result"
	EventSystem    = "system"
)

// Result subtypes.
const (
	ResultSuccess = "success"
)

// ContentBlock mirrors Claude's content block union.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ResultText flattens a tool_result content payload to plain text. The
// payload is either a bare string or an array of text blocks.
func (b ContentBlock) ResultText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(b.Content, &blocks); err == nil {
		var parts []string
		for _, blk := range blocks {
			if blk.Text != "" {
				parts = append(parts, blk.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(b.Content)
}

// ParsedMessage is the message field of assistant/user events.
type ParsedMessage struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ModelUsage is per-model usage reported in the result event.
type ModelUsage struct {
	InputTokens              int64   `json:"inputTokens"`
	OutputTokens             int64   `json:"outputTokens"`
	CacheReadInputTokens     int64   `json:"cacheReadInputTokens"`
	CacheCreationInputTokens int64   `json:"cacheCreationInputTokens"`
	CostUSD                  float64 `json:"costUSD"`
	ContextWindow            int64   `json:"contextWindow"`
}

// FlatUsage is the legacy flat usage object, used as a fallback when the
// per-model map is absent.
type FlatUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
}

// StreamEvent is one parsed NDJSON line from claude --output-format
// stream-json.
type StreamEvent struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   *ParsedMessage  `json:"message,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	CostUSD   float64         `json:"total_cost_usd,omitempty"`
	ModelUsage map[string]ModelUsage `json:"modelUsage,omitempty"`
	Usage     *FlatUsage      `json:"usage,omitempty"`
}

// AssistantText concatenates the text items of an assistant event.
func (e StreamEvent) AssistantText() string {
	if e.Message == nil {
		return ""
	}
	var parts []string
	for _, blk := range e.Message.Content {
		if blk.Type == "text" && blk.Text != "" {
			parts = append(parts, blk.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ToolUses returns the tool_use items of an assistant event.
func (e StreamEvent) ToolUses() []ContentBlock {
	if e.Message == nil {
		return nil
	}
	var uses []ContentBlock
	for _, blk := range e.Message.Content {
		if blk.Type == "tool_use" {
			uses = append(uses, blk)
		}
	}
	return uses
}

// ToolResults returns the tool_result items of a user event.
func (e StreamEvent) ToolResults() []ContentBlock {
	if e.Message == nil {
		return nil
	}
	var results []ContentBlock
	for _, blk := range e.Message.Content {
		if blk.Type == "tool_result" {
			results = append(results, blk)
		}
	}
	return results
}
