package slack

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MessageEvent is an inbound user message from the Events API.
type MessageEvent struct {
	Type     string `json:"type"` // "message" or "app_mention"
	Text     string `json:"text"`
	User     string `json:"user"`
	Channel  string `json:"channel"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts,omitempty"`
	BotID    string `json:"bot_id,omitempty"`
	SubType  string `json:"subtype,omitempty"`
}

// RootTS returns the thread-root timestamp: the parent thread_ts when the
// message is inside a thread, else the message's own ts.
func (e MessageEvent) RootTS() string {
	if e.ThreadTS != "" {
		return e.ThreadTS
	}
	return e.TS
}

// BlockAction is one button click from an interactive payload.
type BlockAction struct {
	ActionID string `json:"action_id"`
	BlockID  string `json:"block_id"`
	Value    string `json:"value"`
}

// InteractionEvent is a decoded interactive payload (block_actions or
// view_submission).
type InteractionEvent struct {
	Type        string // "block_actions" or "view_submission"
	User        string
	Channel     string
	MessageTS   string
	ThreadTS    string
	TriggerID   string
	Actions     []BlockAction
	CallbackID  string // view_submission callback_id
	Metadata    string // view_submission private_metadata
	InputValues map[string]string
}

// Handler receives decoded Slack events. Implementations must not block: the
// server acknowledges within Slack's 3-second window and processes events on
// their own goroutines.
type Handler interface {
	HandleMessage(ctx context.Context, ev MessageEvent)
	HandleInteraction(ctx context.Context, ev InteractionEvent)
}

// EventServer terminates the Events API and interactive-payload webhooks.
type EventServer struct {
	cfg     Config
	handler Handler
	logger  *slog.Logger
	server  *http.Server

	// processed dedupes Slack event retries.
	processed map[string]time.Time
	mu        sync.Mutex

	ctx context.Context
}

// NewEventServer creates an event server bound to cfg.ListenAddr.
func NewEventServer(cfg Config, handler Handler, logger *slog.Logger) *EventServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventServer{
		cfg:       cfg,
		handler:   handler,
		logger:    logger.With("component", "slack-events"),
		processed: make(map[string]time.Time),
	}
}

// Start begins serving in a background goroutine.
func (s *EventServer) Start(ctx context.Context) error {
	s.ctx = ctx
	mux := http.NewServeMux()
	mux.HandleFunc("/slack/events", s.handleEvents)
	mux.HandleFunc("/slack/interactive", s.handleInteractive)
	s.server = &http.Server{Addr: s.cfg.ListenAddr, Handler: mux}

	go func() {
		s.logger.Info("slack: event server listening", "addr", s.cfg.ListenAddr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("slack: event server failed", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *EventServer) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

type eventWrapper struct {
	Token     string          `json:"token"`
	Challenge string          `json:"challenge"`
	Type      string          `json:"type"`
	Event     json.RawMessage `json:"event"`
	EventID   string          `json:"event_id"`
}

func (s *EventServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if s.cfg.SigningSecret != "" && !verifySignature(r, body, s.cfg.SigningSecret) {
		s.logger.Warn("slack: invalid signature", "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var wrapper eventWrapper
	if err := json.Unmarshal(body, &wrapper); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	switch wrapper.Type {
	case "url_verification":
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"challenge": wrapper.Challenge})
		return

	case "event_callback":
		if wrapper.EventID != "" && s.isDuplicate(wrapper.EventID) {
			w.WriteHeader(http.StatusOK)
			return
		}
		var ev MessageEvent
		if err := json.Unmarshal(wrapper.Event, &ev); err != nil {
			http.Error(w, "invalid event", http.StatusBadRequest)
			return
		}
		// Ack before processing: Slack retries past 3 seconds.
		w.WriteHeader(http.StatusOK)

		// file_share is the one subtype that still carries a user message.
		if ev.BotID != "" || (ev.SubType != "" && ev.SubType != "file_share") {
			return
		}
		switch ev.Type {
		case "message", "app_mention":
			go s.handler.HandleMessage(s.ctx, ev)
		}
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *EventServer) handleInteractive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if s.cfg.SigningSecret != "" && !verifySignature(r, body, s.cfg.SigningSecret) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	// Interactive payloads arrive form-encoded with a "payload" field.
	values, err := url.ParseQuery(string(body))
	if err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	raw := values.Get("payload")
	if raw == "" {
		http.Error(w, "missing payload", http.StatusBadRequest)
		return
	}

	ev, err := decodeInteraction([]byte(raw))
	if err != nil {
		s.logger.Warn("slack: undecodable interactive payload", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	w.WriteHeader(http.StatusOK)
	go s.handler.HandleInteraction(s.ctx, ev)
}

func decodeInteraction(raw []byte) (InteractionEvent, error) {
	var payload struct {
		Type string `json:"type"`
		User struct {
			ID string `json:"id"`
		} `json:"user"`
		Channel struct {
			ID string `json:"id"`
		} `json:"channel"`
		Message struct {
			TS       string `json:"ts"`
			ThreadTS string `json:"thread_ts"`
		} `json:"message"`
		TriggerID string        `json:"trigger_id"`
		Actions   []BlockAction `json:"actions"`
		View      struct {
			CallbackID      string `json:"callback_id"`
			PrivateMetadata string `json:"private_metadata"`
			State           struct {
				Values map[string]map[string]struct {
					Value string `json:"value"`
				} `json:"values"`
			} `json:"state"`
		} `json:"view"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return InteractionEvent{}, fmt.Errorf("slack: decoding interaction: %w", err)
	}

	ev := InteractionEvent{
		Type:       payload.Type,
		User:       payload.User.ID,
		Channel:    payload.Channel.ID,
		MessageTS:  payload.Message.TS,
		ThreadTS:   payload.Message.ThreadTS,
		TriggerID:  payload.TriggerID,
		Actions:    payload.Actions,
		CallbackID: payload.View.CallbackID,
		Metadata:   payload.View.PrivateMetadata,
	}
	if len(payload.View.State.Values) > 0 {
		ev.InputValues = make(map[string]string)
		for blockID, actions := range payload.View.State.Values {
			for _, v := range actions {
				ev.InputValues[blockID] = v.Value
			}
		}
	}
	return ev, nil
}

// isDuplicate marks an event ID as seen, reporting whether it already was.
// The map is pruned once it grows past 500 entries.
func (s *EventServer) isDuplicate(eventID string) bool {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.processed) > 500 {
		for id, ts := range s.processed {
			if now.Sub(ts) > 10*time.Minute {
				delete(s.processed, id)
			}
		}
	}
	if _, exists := s.processed[eventID]; exists {
		return true
	}
	s.processed[eventID] = now
	return false
}

// verifySignature checks the HMAC-SHA256 request signature from Slack.
// See https://api.slack.com/authentication/verifying-requests-from-slack
func verifySignature(r *http.Request, body []byte, signingSecret string) bool {
	timestamp := r.Header.Get("X-Slack-Request-Timestamp")
	signature := r.Header.Get("X-Slack-Signature")
	if timestamp == "" || signature == "" {
		return false
	}

	// Reject stale timestamps to prevent replay.
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	diff := time.Now().Unix() - ts
	if diff < 0 {
		diff = -diff
	}
	if diff > 300 {
		return false
	}

	base := fmt.Sprintf("v0:%s:%s", timestamp, string(body))
	mac := hmac.New(sha256.New, []byte(signingSecret))
	mac.Write([]byte(base))
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}

// StripMentions removes <@USERID> mentions from message text.
func StripMentions(text string) string {
	for {
		start := strings.Index(text, "<@")
		if start < 0 {
			break
		}
		end := strings.Index(text[start:], ">")
		if end < 0 {
			break
		}
		text = text[:start] + text[start+end+1:]
	}
	return strings.TrimSpace(text)
}
