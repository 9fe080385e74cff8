package slack

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// MaxBlocksPerMessage is Slack's hard limit on blocks in one message.
const MaxBlocksPerMessage = 50

// Block is a single Block Kit block. Builders below keep payload shapes in
// one place; everything else treats blocks as opaque.
type Block map[string]any

// SectionBlock renders markdown text.
func SectionBlock(text string) Block {
	return Block{
		"type": "section",
		"text": map[string]any{"type": "mrkdwn", "text": text},
	}
}

// HeaderBlock renders a plain-text header.
func HeaderBlock(text string) Block {
	return Block{
		"type": "header",
		"text": map[string]any{"type": "plain_text", "text": text, "emoji": true},
	}
}

// ContextBlock renders small muted text.
func ContextBlock(text string) Block {
	return Block{
		"type": "context",
		"elements": []map[string]any{
			{"type": "mrkdwn", "text": text},
		},
	}
}

// DividerBlock renders a horizontal rule.
func DividerBlock() Block {
	return Block{"type": "divider"}
}

// ActionsBlock groups interactive elements.
func ActionsBlock(blockID string, elements ...map[string]any) Block {
	b := Block{
		"type":     "actions",
		"elements": elements,
	}
	if blockID != "" {
		b["block_id"] = blockID
	}
	return b
}

// ButtonElement builds a button. The value carries JSON used to thread
// identity through interactive callbacks. Style may be "", "primary", or
// "danger".
func ButtonElement(actionID, text, value, style string) map[string]any {
	el := map[string]any{
		"type":      "button",
		"action_id": actionID,
		"text":      map[string]any{"type": "plain_text", "text": text, "emoji": true},
	}
	if value != "" {
		el["value"] = value
	}
	if style != "" {
		el["style"] = style
	}
	return el
}

// TextInputModal builds a minimal modal view with one plain-text input.
// The callback ID and private metadata thread identity back to the caller.
func TextInputModal(callbackID, privateMetadata, title, label string) map[string]any {
	return map[string]any{
		"type":             "modal",
		"callback_id":      callbackID,
		"private_metadata": privateMetadata,
		"title":            map[string]any{"type": "plain_text", "text": title},
		"submit":           map[string]any{"type": "plain_text", "text": "Submit"},
		"close":            map[string]any{"type": "plain_text", "text": "Cancel"},
		"blocks": []map[string]any{
			{
				"type":     "input",
				"block_id": "free_text",
				"label":    map[string]any{"type": "plain_text", "text": label},
				"element": map[string]any{
					"type":      "plain_text_input",
					"action_id": "value",
					"multiline": true,
				},
			},
		},
	}
}

// RenderKey hashes a block payload so callers can skip no-op updates.
func RenderKey(text string, blocks []Block) string {
	h := sha256.New()
	h.Write([]byte(text))
	if data, err := json.Marshal(blocks); err == nil {
		h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
