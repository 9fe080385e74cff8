package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient points a client at a stub Slack API.
func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(Config{BotToken: "xoxb-test", BaseURL: srv.URL + "/"}, nil)
	return c, srv
}

func TestPostMessage(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		assert.Equal(t, "Bearer xoxb-test", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "ts": "1700.42"})
	})

	ts, err := c.PostMessage(context.Background(), Message{
		Channel: "C1", Text: "hello", ThreadTS: "1700.1",
	})
	require.NoError(t, err)
	assert.Equal(t, "1700.42", ts)
	assert.Equal(t, "/chat.postMessage", gotPath)
	assert.Equal(t, "1700.1", gotBody["thread_ts"])
}

func TestAPIError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "channel_not_found"})
	})

	_, err := c.PostMessage(context.Background(), Message{Channel: "C1", Text: "x"})
	require.Error(t, err)
	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, "channel_not_found", apiErr.Code)
	assert.Equal(t, "chat.postMessage", apiErr.Method)
}

func TestRateLimitRetriesOnce(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out a retry-after delay")
	}
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "ratelimited"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "ts": "1.1"})
	})

	ts, err := c.PostMessage(context.Background(), Message{Channel: "C1", Text: "x"})
	require.NoError(t, err)
	assert.Equal(t, "1.1", ts)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRateLimitGivesUpAfterRetry(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out a retry-after delay")
	}
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "ratelimited"})
	})

	_, err := c.PostMessage(context.Background(), Message{Channel: "C1", Text: "x"})
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestBenignReactionErrors(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		code := "already_reacted"
		if r.URL.Path == "/reactions.remove" {
			code = "no_reaction"
		}
		json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": code})
	})

	assert.NoError(t, c.AddReaction(context.Background(), "C1", "1.1", "zap"))
	assert.NoError(t, c.RemoveReaction(context.Background(), "C1", "1.1", "zap"))
}

func TestIsBenignReactionError(t *testing.T) {
	assert.True(t, IsBenignReactionError(&APIError{Code: "already_reacted"}))
	assert.True(t, IsBenignReactionError(&APIError{Code: "no_reaction"}))
	assert.False(t, IsBenignReactionError(&APIError{Code: "invalid_auth"}))
	assert.False(t, IsBenignReactionError(assert.AnError))
}

func TestAuthTestCachesBotUserID(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"ok": true, "user_id": "UBOT", "user": "threadclaw", "team": "acme",
		})
	})

	identity, err := c.AuthTest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "UBOT", identity.UserID)
	assert.Equal(t, "UBOT", c.BotUserID())
}

func TestRenderKeyStable(t *testing.T) {
	blocks := []Block{SectionBlock("hello")}
	assert.Equal(t, RenderKey("a", blocks), RenderKey("a", blocks))
	assert.NotEqual(t, RenderKey("a", blocks), RenderKey("b", blocks))
	assert.NotEqual(t, RenderKey("a", blocks), RenderKey("a", []Block{SectionBlock("other")}))
}
