// Package slack implements the Slack Web API surface ThreadClaw depends on
// using plain HTTP — no external dependencies beyond the standard client.
//
// Features:
//   - chat.postMessage / chat.update / chat.postEphemeral / chat.delete
//   - reactions.add / reactions.remove (idempotent-friendly)
//   - views.open for modals
//   - assistant.threads.setStatus / setTitle
//   - process-wide token-bucket rate limiting with retry-after handling
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultBaseURL is the Slack Web API endpoint prefix.
const DefaultBaseURL = "https://slack.com/api/"

// Rate-limit defaults shared by every caller in the process.
const (
	defaultBurst      = 10
	defaultRefillRate = 3 // calls per second
	defaultMinGap     = 100 * time.Millisecond
)

// Config holds Slack client configuration.
type Config struct {
	// BotToken is the Slack Bot User OAuth Token (xoxb-...).
	BotToken string `yaml:"bot_token"`

	// SigningSecret verifies inbound Events API requests.
	SigningSecret string `yaml:"signing_secret"`

	// BaseURL overrides the API endpoint (tests).
	BaseURL string `yaml:"base_url"`

	// ListenAddr is the bind address for the Events API server.
	ListenAddr string `yaml:"listen_addr"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:    DefaultBaseURL,
		ListenAddr: ":8090",
	}
}

// APIError is a Slack API-level failure ("ok": false).
type APIError struct {
	Method string
	Code   string
	// RetryAfter is set when Code == "ratelimited".
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("slack: %s: %s", e.Method, e.Code)
}

// IsBenignReactionError reports whether a reactions.add/remove failure can be
// treated as success: the desired end state is already in place.
func IsBenignReactionError(err error) bool {
	apiErr, ok := err.(*APIError)
	if !ok {
		return false
	}
	switch apiErr.Code {
	case "already_reacted", "no_reaction":
		return true
	}
	return false
}

// Client is a rate-limited Slack Web API client. All ThreadClaw components
// share one instance so the token bucket is process-wide.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	http    *http.Client
	limiter *rate.Limiter

	// lastCall enforces the minimum gap between consecutive calls.
	lastCall time.Time
	gapMu    sync.Mutex

	botUserID string
}

// NewClient creates a new Slack client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	return &Client{
		cfg:     cfg,
		logger:  logger.With("component", "slack"),
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(defaultRefillRate), defaultBurst),
	}
}

// BotUserID returns the bot's own user ID, populated by AuthTest.
func (c *Client) BotUserID() string { return c.botUserID }

// waitTurn blocks until the token bucket and the minimum-gap policy allow
// another call.
func (c *Client) waitTurn(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	c.gapMu.Lock()
	wait := defaultMinGap - time.Since(c.lastCall)
	c.lastCall = time.Now().Add(wait)
	c.gapMu.Unlock()
	if wait > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}

// apiCall makes a POST request to the Slack Web API. On a ratelimited
// response the call is retried once after the advertised retry-after delay,
// draining the bucket so other callers back off as well.
func (c *Client) apiCall(ctx context.Context, method string, payload map[string]any) (json.RawMessage, error) {
	raw, err := c.doCall(ctx, method, payload)
	if err == nil {
		return raw, nil
	}
	apiErr, ok := err.(*APIError)
	if !ok || apiErr.Code != "ratelimited" {
		return nil, err
	}

	delay := apiErr.RetryAfter
	if delay <= 0 {
		delay = time.Second
	}
	// Drain the bucket: everyone queued behind us waits out the penalty.
	c.limiter.ReserveN(time.Now(), defaultBurst)
	c.logger.Warn("slack: rate limited, retrying", "method", method, "retry_after", delay)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(delay):
	}
	return c.doCall(ctx, method, payload)
}

func (c *Client) doCall(ctx context.Context, method string, payload map[string]any) (json.RawMessage, error) {
	if err := c.waitTurn(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("slack: marshal %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+method, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("slack: creating request for %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+c.cfg.BotToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("slack: %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("slack: reading %s response: %w", method, err)
	}

	var result struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("slack: decoding %s response: %w", method, err)
	}
	if !result.OK {
		apiErr := &APIError{Method: method, Code: result.Error}
		if result.Error == "ratelimited" || resp.StatusCode == http.StatusTooManyRequests {
			apiErr.Code = "ratelimited"
			if s := resp.Header.Get("Retry-After"); s != "" {
				if secs, err := strconv.Atoi(s); err == nil {
					apiErr.RetryAfter = time.Duration(secs) * time.Second
				}
			}
		}
		return nil, apiErr
	}
	return respBody, nil
}

// ---------- Identity ----------

// Identity is the auth.test response.
type Identity struct {
	UserID string `json:"user_id"`
	User   string `json:"user"`
	Team   string `json:"team"`
	TeamID string `json:"team_id"`
}

// AuthTest verifies the bot token and caches the bot user ID.
func (c *Client) AuthTest(ctx context.Context) (*Identity, error) {
	data, err := c.apiCall(ctx, "auth.test", map[string]any{})
	if err != nil {
		return nil, err
	}
	var identity Identity
	if err := json.Unmarshal(data, &identity); err != nil {
		return nil, fmt.Errorf("slack: parsing auth.test: %w", err)
	}
	c.botUserID = identity.UserID
	return &identity, nil
}

// ---------- Messages ----------

// Message describes an outbound message.
type Message struct {
	Channel  string
	Text     string
	ThreadTS string
	Blocks   []Block
}

// PostMessage posts a message and returns its timestamp.
func (c *Client) PostMessage(ctx context.Context, msg Message) (string, error) {
	payload := map[string]any{
		"channel": msg.Channel,
		"text":    msg.Text,
	}
	if msg.ThreadTS != "" {
		payload["thread_ts"] = msg.ThreadTS
	}
	if len(msg.Blocks) > 0 {
		payload["blocks"] = msg.Blocks
	}
	data, err := c.apiCall(ctx, "chat.postMessage", payload)
	if err != nil {
		return "", err
	}
	var result struct {
		TS string `json:"ts"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("slack: parsing chat.postMessage: %w", err)
	}
	return result.TS, nil
}

// UpdateMessage edits a previously posted message in place.
func (c *Client) UpdateMessage(ctx context.Context, channel, ts, text string, blocks []Block) error {
	payload := map[string]any{
		"channel": channel,
		"ts":      ts,
		"text":    text,
	}
	if blocks != nil {
		payload["blocks"] = blocks
	}
	_, err := c.apiCall(ctx, "chat.update", payload)
	return err
}

// PostEphemeral posts a message visible only to one user.
func (c *Client) PostEphemeral(ctx context.Context, channel, user, threadTS, text string, blocks []Block) error {
	payload := map[string]any{
		"channel": channel,
		"user":    user,
		"text":    text,
	}
	if threadTS != "" {
		payload["thread_ts"] = threadTS
	}
	if len(blocks) > 0 {
		payload["blocks"] = blocks
	}
	_, err := c.apiCall(ctx, "chat.postEphemeral", payload)
	return err
}

// DeleteMessage removes a message.
func (c *Client) DeleteMessage(ctx context.Context, channel, ts string) error {
	_, err := c.apiCall(ctx, "chat.delete", map[string]any{
		"channel": channel,
		"ts":      ts,
	})
	return err
}

// GetPermalink resolves a permalink for a message.
func (c *Client) GetPermalink(ctx context.Context, channel, ts string) (string, error) {
	data, err := c.apiCall(ctx, "chat.getPermalink", map[string]any{
		"channel":    channel,
		"message_ts": ts,
	})
	if err != nil {
		return "", err
	}
	var result struct {
		Permalink string `json:"permalink"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("slack: parsing chat.getPermalink: %w", err)
	}
	return result.Permalink, nil
}

// ---------- Reactions ----------

// AddReaction adds an emoji reaction to a message. "already_reacted" counts
// as success.
func (c *Client) AddReaction(ctx context.Context, channel, ts, emoji string) error {
	_, err := c.apiCall(ctx, "reactions.add", map[string]any{
		"channel":   channel,
		"timestamp": ts,
		"name":      emoji,
	})
	if err != nil && IsBenignReactionError(err) {
		return nil
	}
	return err
}

// RemoveReaction removes an emoji reaction. "no_reaction" counts as success.
func (c *Client) RemoveReaction(ctx context.Context, channel, ts, emoji string) error {
	_, err := c.apiCall(ctx, "reactions.remove", map[string]any{
		"channel":   channel,
		"timestamp": ts,
		"name":      emoji,
	})
	if err != nil && IsBenignReactionError(err) {
		return nil
	}
	return err
}

// ---------- Conversations / Users ----------

// ConversationInfo is the subset of conversations.info ThreadClaw reads.
type ConversationInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	IsIM bool   `json:"is_im"`
}

// ConversationsInfo fetches channel metadata.
func (c *Client) ConversationsInfo(ctx context.Context, channel string) (*ConversationInfo, error) {
	data, err := c.apiCall(ctx, "conversations.info", map[string]any{"channel": channel})
	if err != nil {
		return nil, err
	}
	var result struct {
		Channel ConversationInfo `json:"channel"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("slack: parsing conversations.info: %w", err)
	}
	return &result.Channel, nil
}

// ConversationsList returns channel IDs the bot is a member of.
func (c *Client) ConversationsList(ctx context.Context) ([]string, error) {
	data, err := c.apiCall(ctx, "users.conversations", map[string]any{
		"types": "public_channel,private_channel,mpim,im",
		"limit": 200,
	})
	if err != nil {
		return nil, err
	}
	var result struct {
		Channels []struct {
			ID string `json:"id"`
		} `json:"channels"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("slack: parsing users.conversations: %w", err)
	}
	ids := make([]string, len(result.Channels))
	for i, ch := range result.Channels {
		ids[i] = ch.ID
	}
	return ids, nil
}

// UserInfo is the subset of users.info ThreadClaw reads.
type UserInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	RealName string `json:"real_name"`
}

// UsersInfo fetches user metadata.
func (c *Client) UsersInfo(ctx context.Context, user string) (*UserInfo, error) {
	data, err := c.apiCall(ctx, "users.info", map[string]any{"user": user})
	if err != nil {
		return nil, err
	}
	var result struct {
		User UserInfo `json:"user"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("slack: parsing users.info: %w", err)
	}
	return &result.User, nil
}

// ---------- Modals / Assistant surface ----------

// OpenView opens a modal for a trigger ID. The view is raw Block Kit JSON.
func (c *Client) OpenView(ctx context.Context, triggerID string, view map[string]any) error {
	_, err := c.apiCall(ctx, "views.open", map[string]any{
		"trigger_id": triggerID,
		"view":       view,
	})
	return err
}

// SetAssistantStatus sets the assistant thread status string.
func (c *Client) SetAssistantStatus(ctx context.Context, channel, threadTS, status string) error {
	_, err := c.apiCall(ctx, "assistant.threads.setStatus", map[string]any{
		"channel_id": channel,
		"thread_ts":  threadTS,
		"status":     status,
	})
	return err
}

// SetAssistantTitle sets the assistant thread title.
func (c *Client) SetAssistantTitle(ctx context.Context, channel, threadTS, title string) error {
	_, err := c.apiCall(ctx, "assistant.threads.setTitle", map[string]any{
		"channel_id": channel,
		"thread_ts":  threadTS,
		"title":      title,
	})
	return err
}
