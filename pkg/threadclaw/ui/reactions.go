// Package ui owns the Slack-visible mirrors of session state: the status
// reaction, the context-window emoji, the action panel, and interactive
// choice forms. Each mirror follows a single-writer-per-session discipline.
package ui

import (
	"context"
	"log/slog"
	"sync"

	"github.com/threadclaw/threadclaw/pkg/threadclaw/slack"
)

// SlackAPI is the client subset the UI layer needs. *slack.Client satisfies
// it; tests pass a fake.
type SlackAPI interface {
	PostMessage(ctx context.Context, msg slack.Message) (string, error)
	UpdateMessage(ctx context.Context, channel, ts, text string, blocks []slack.Block) error
	DeleteMessage(ctx context.Context, channel, ts string) error
	AddReaction(ctx context.Context, channel, ts, emoji string) error
	RemoveReaction(ctx context.Context, channel, ts, emoji string) error
	OpenView(ctx context.Context, triggerID string, view map[string]any) error
}

// Status is the session's visible processing state.
type Status string

const (
	StatusThinking  Status = "thinking"
	StatusWorking   Status = "working"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// statusEmoji maps each status to its reaction emoji.
var statusEmoji = map[Status]string{
	StatusThinking:  "thought_balloon",
	StatusWorking:   "hammer_and_wrench",
	StatusCompleted: "white_check_mark",
	StatusError:     "x",
	StatusCancelled: "octagonal_sign",
}

// ContextBucket is the context-window remaining bucket.
type ContextBucket string

const (
	Bucket80 ContextBucket = "80p"
	Bucket60 ContextBucket = "60p"
	Bucket40 ContextBucket = "40p"
	Bucket20 ContextBucket = "20p"
	Bucket0  ContextBucket = "0p"
)

// bucketEmoji maps each bucket to its reaction emoji.
var bucketEmoji = map[ContextBucket]string{
	Bucket80: "large_green_circle",
	Bucket60: "large_yellow_circle",
	Bucket40: "large_orange_circle",
	Bucket20: "red_circle",
	Bucket0:  "sos",
}

// BucketFor picks the bucket for a remaining-percent value.
func BucketFor(remainingPercent int) ContextBucket {
	switch {
	case remainingPercent >= 80:
		return Bucket80
	case remainingPercent >= 60:
		return Bucket60
	case remainingPercent >= 40:
		return Bucket40
	case remainingPercent >= 20:
		return Bucket20
	default:
		return Bucket0
	}
}

// reactionState is the committed per-session emoji state, bound to the
// thread-root message it was applied to.
type reactionState struct {
	channel   string
	messageTS string
	status    string
	context   string
}

// Reactions maintains the status and context-window emoji on each session's
// thread-root message.
type Reactions struct {
	api    SlackAPI
	logger *slog.Logger

	mu    sync.Mutex
	state map[string]*reactionState
}

// NewReactions creates a reaction manager.
func NewReactions(api SlackAPI, logger *slog.Logger) *Reactions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reactions{
		api:    api,
		logger: logger.With("component", "reactions"),
		state:  make(map[string]*reactionState),
	}
}

func (r *Reactions) stateFor(sessionKey, channel, messageTS string) *reactionState {
	st := r.state[sessionKey]
	if st == nil {
		st = &reactionState{channel: channel, messageTS: messageTS}
		r.state[sessionKey] = st
	}
	return st
}

// SetStatus transitions the status emoji on the thread-root message. The old
// emoji is removed before the new one is added; a same-emoji transition is a
// no-op. The state change commits only when the add succeeds, so a failed
// add retries naturally on the next transition.
func (r *Reactions) SetStatus(ctx context.Context, sessionKey, channel, messageTS string, status Status) {
	emoji := statusEmoji[status]
	if emoji == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.stateFor(sessionKey, channel, messageTS)
	r.rebind(ctx, st, channel, messageTS)

	if st.status == emoji {
		return
	}
	if st.status != "" {
		r.remove(ctx, st.channel, st.messageTS, st.status)
	}
	if err := r.api.AddReaction(ctx, channel, messageTS, emoji); err != nil && !slack.IsBenignReactionError(err) {
		r.logger.Warn("status reaction add failed", "session", sessionKey, "emoji", emoji, "error", err)
		st.status = ""
		return
	}
	st.status = emoji
}

// SetContext transitions the context-window emoji according to the remaining
// percent. promptTooLong forces the empty bucket regardless of percent.
func (r *Reactions) SetContext(ctx context.Context, sessionKey, channel, messageTS string, remainingPercent int, promptTooLong bool) {
	bucket := BucketFor(remainingPercent)
	if promptTooLong {
		bucket = Bucket0
	}
	emoji := bucketEmoji[bucket]

	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.stateFor(sessionKey, channel, messageTS)
	r.rebind(ctx, st, channel, messageTS)

	if st.context == emoji {
		return
	}
	if st.context != "" {
		r.remove(ctx, st.channel, st.messageTS, st.context)
	}
	if err := r.api.AddReaction(ctx, channel, messageTS, emoji); err != nil && !slack.IsBenignReactionError(err) {
		r.logger.Warn("context reaction add failed", "session", sessionKey, "emoji", emoji, "error", err)
		st.context = ""
		return
	}
	st.context = emoji
}

// rebind handles the rare thread-root-message change: emojis on the old
// message are removed before the binding moves. Caller holds the lock.
func (r *Reactions) rebind(ctx context.Context, st *reactionState, channel, messageTS string) {
	if st.channel == channel && st.messageTS == messageTS {
		return
	}
	if st.status != "" {
		r.remove(ctx, st.channel, st.messageTS, st.status)
		st.status = ""
	}
	if st.context != "" {
		r.remove(ctx, st.channel, st.messageTS, st.context)
		st.context = ""
	}
	st.channel = channel
	st.messageTS = messageTS
}

// Drop removes both emojis and forgets the session's reaction state.
func (r *Reactions) Drop(ctx context.Context, sessionKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.state[sessionKey]
	if st == nil {
		return
	}
	if st.status != "" {
		r.remove(ctx, st.channel, st.messageTS, st.status)
	}
	if st.context != "" {
		r.remove(ctx, st.channel, st.messageTS, st.context)
	}
	delete(r.state, sessionKey)
}

func (r *Reactions) remove(ctx context.Context, channel, ts, emoji string) {
	if err := r.api.RemoveReaction(ctx, channel, ts, emoji); err != nil && !slack.IsBenignReactionError(err) {
		r.logger.Warn("reaction remove failed", "emoji", emoji, "error", err)
	}
}
