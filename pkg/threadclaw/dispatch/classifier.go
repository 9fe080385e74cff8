package dispatch

import (
	"context"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultClassifierModel is the cheap model used for classification.
const DefaultClassifierModel = "claude-haiku-4-5"

const classifierMaxTokens = 256

// MessagesClient is the subset of the Anthropic SDK used by the classifier.
// *sdk.MessageService satisfies it; tests pass a mock.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicClassifier classifies messages with a one-shot Messages call at
// temperature 0.
type AnthropicClassifier struct {
	msg    MessagesClient
	model  string
	prompt string
}

// NewAnthropicClassifier builds a classifier from an Anthropic Messages
// client, a model identifier, and the classification system prompt. An empty
// prompt disables classification: callers should pass nil to NewService
// instead.
func NewAnthropicClassifier(msg MessagesClient, model, prompt string) (*AnthropicClassifier, error) {
	if msg == nil {
		return nil, fmt.Errorf("dispatch: anthropic client is required")
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("dispatch: classification prompt is required")
	}
	if model == "" {
		model = DefaultClassifierModel
	}
	return &AnthropicClassifier{msg: msg, model: model, prompt: prompt}, nil
}

// NewAnthropicClassifierFromKey wires a real SDK client from an API key.
func NewAnthropicClassifierFromKey(apiKey, model, prompt string) (*AnthropicClassifier, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("dispatch: api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropicClassifier(&client.Messages, model, prompt)
}

// Classify runs the classification call and returns the raw model text.
func (c *AnthropicClassifier) Classify(ctx context.Context, userMessage string) (string, error) {
	msg, err := c.msg.New(ctx, sdk.MessageNewParams{
		Model:       sdk.Model(c.model),
		MaxTokens:   classifierMaxTokens,
		Temperature: sdk.Float(0),
		System: []sdk.TextBlockParam{
			{Text: c.prompt},
		},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(userMessage)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("dispatch: messages.new: %w", err)
	}

	var parts []string
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n"), nil
}
