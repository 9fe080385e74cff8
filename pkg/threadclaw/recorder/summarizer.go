package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/threadclaw/threadclaw/pkg/threadclaw/directive"
)

const (
	summarizerMaxTokens = 512
	// summarizerInputCap bounds how much turn text is sent for summarization.
	summarizerInputCap = 8000
)

const summarizerPrompt = `You summarize one assistant message from a development conversation.
Respond with a single JSON object: {"title": "...", "summary": "..."}.
The title is at most 8 words. The summary is at most 3 short lines.
Answer in the language of the message.`

// messagesClient is the SDK subset the summarizer needs.
type messagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicSummarizer computes lazy turn titles and summaries with a cheap
// model.
type AnthropicSummarizer struct {
	msg   messagesClient
	model string
}

var _ Summarizer = (*AnthropicSummarizer)(nil)

// NewAnthropicSummarizer builds a summarizer from an API key.
func NewAnthropicSummarizer(apiKey, model string) (*AnthropicSummarizer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("recorder: api key is required")
	}
	if model == "" {
		model = "claude-haiku-4-5"
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicSummarizer{msg: &client.Messages, model: model}, nil
}

// Summarize produces a short title and a summary of at most three lines.
func (a *AnthropicSummarizer) Summarize(ctx context.Context, text string) (string, string, error) {
	if runes := []rune(text); len(runes) > summarizerInputCap {
		text = string(runes[:summarizerInputCap])
	}

	msg, err := a.msg.New(ctx, sdk.MessageNewParams{
		Model:       sdk.Model(a.model),
		MaxTokens:   summarizerMaxTokens,
		Temperature: sdk.Float(0),
		System: []sdk.TextBlockParam{
			{Text: summarizerPrompt},
		},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(text)),
		},
	})
	if err != nil {
		return "", "", fmt.Errorf("recorder: messages.new: %w", err)
	}

	var raw strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			raw.WriteString(block.Text)
		}
	}

	obj := directive.FirstObject(raw.String())
	if obj == "" {
		return "", "", fmt.Errorf("recorder: no JSON in summarizer response")
	}
	var out struct {
		Title   string `json:"title"`
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(obj), &out); err != nil {
		return "", "", fmt.Errorf("recorder: decoding summarizer response: %w", err)
	}
	if out.Title == "" && out.Summary == "" {
		return "", "", fmt.Errorf("recorder: empty summarizer response")
	}
	return out.Title, out.Summary, nil
}
