package bot

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/threadclaw/threadclaw/pkg/threadclaw/directive"
	"github.com/threadclaw/threadclaw/pkg/threadclaw/session"
)

// Renew drives the save→reset→load handoff that carries a conversation
// across a context-window reset.
//
// State machine on session.renewState:
//
//	null → pending_save    on command acceptance
//	pending_save → pending_load  once a save payload is captured
//	pending_load → null    after the load turn completes
type Renew struct {
	store  *session.Store
	coord  *session.Coordinator
	logger *slog.Logger
}

// NewRenew creates the renew controller.
func NewRenew(store *session.Store, coord *session.Coordinator, logger *slog.Logger) *Renew {
	if logger == nil {
		logger = slog.Default()
	}
	return &Renew{store: store, coord: coord, logger: logger.With("component", "renew")}
}

// Begin accepts a renew command. userMessage is the optional post-renew
// continuation text. Preconditions: the session exists with an established
// agent session, no request is in flight, and no renew is already running.
func (r *Renew) Begin(sess *session.Session, userMessage string) error {
	if sess == nil || sess.AgentSessionID() == "" {
		return fmt.Errorf("renew: no active session to renew")
	}
	if r.coord.IsActive(sess.Key) {
		return fmt.Errorf("renew: a request is in flight; try again when it finishes")
	}
	if sess.RenewState() != session.RenewNone {
		return fmt.Errorf("renew: a renew is already in progress")
	}

	// Stale payload from an earlier aborted attempt must not leak in.
	sess.SetRenewSaveResult(nil)
	sess.SetRenewUserMessage(strings.TrimSpace(userMessage))
	sess.SetRenewState(session.RenewPendingSave)
	r.logger.Info("renew started", "session", sess.Key)
	return nil
}

// SavePrompt is the prompt that asks the agent to persist its context. The
// agent reports back through SAVE_CONTEXT_RESULT.
func (r *Renew) SavePrompt() string {
	return "Save the current conversation context now. Persist everything needed to " +
		"resume this work in a fresh session, then report the save id via the " +
		"SAVE_CONTEXT_RESULT session command."
}

// CaptureSaveResult records the save payload delivered through the model
// command and advances pending_save → pending_load.
func (r *Renew) CaptureSaveResult(sess *session.Session, result *session.SaveResult) {
	if sess.RenewState() != session.RenewPendingSave {
		return
	}
	sess.SetRenewSaveResult(result)
	sess.SetRenewState(session.RenewPendingLoad)
	r.logger.Info("renew save captured", "session", sess.Key, "save", result.ID)
}

// AfterSaveTurn finishes the save phase once the save turn's stream ends.
// When the model never called SAVE_CONTEXT_RESULT, the collected assistant
// text is scanned for a {"save_result": …} fallback. Returns the
// continuation prompt to run against a fresh session, or an error that
// leaves the session untouched (renew flags cleared).
func (r *Renew) AfterSaveTurn(sess *session.Session, collectedText string) (string, error) {
	switch sess.RenewState() {
	case session.RenewPendingLoad:
		// Captured via the model command during the turn.
	case session.RenewPendingSave:
		result, ok := scanSaveResult(collectedText)
		if !ok {
			r.clear(sess)
			return "", fmt.Errorf("renew: the agent did not report a save result; session left unchanged")
		}
		r.CaptureSaveResult(sess, result)
	default:
		return "", fmt.Errorf("renew: not in a renew")
	}

	result := sess.RenewSaveResult()
	if result == nil || !resultUsable(result) {
		r.clear(sess)
		return "", fmt.Errorf("renew: save failed: %s", saveError(result))
	}

	// The reset keeps owner, workdir, and links; the load turn starts a
	// fresh agent session. The save turn's own coordinator slot is still
	// held at this point, so in-flight exclusion is enforced in Begin only.
	userMessage := sess.RenewUserMessage()
	r.store.ResetContext(sess.Key)
	sess.SetRenewState(session.RenewPendingLoad)
	sess.SetRenewSaveResult(result)
	sess.SetRenewUserMessage(userMessage)

	prompt := "load " + result.ID
	if userMessage != "" {
		prompt += " then " + userMessage
	}
	return prompt, nil
}

// AfterLoadTurn closes the protocol after a successful load turn.
func (r *Renew) AfterLoadTurn(sess *session.Session) {
	if sess.RenewState() != session.RenewPendingLoad {
		return
	}
	r.clear(sess)
	r.logger.Info("renew completed", "session", sess.Key)
}

// Abort cancels an in-flight renew after a failed or cancelled turn so the
// session keeps accepting messages.
func (r *Renew) Abort(sess *session.Session) {
	if sess == nil || sess.RenewState() == session.RenewNone {
		return
	}
	r.clear(sess)
	r.logger.Info("renew aborted", "session", sess.Key)
}

// InProgress reports whether a renew is running for the session.
func (r *Renew) InProgress(sess *session.Session) bool {
	return sess != nil && sess.RenewState() != session.RenewNone
}

func (r *Renew) clear(sess *session.Session) {
	sess.SetRenewState(session.RenewNone)
	sess.SetRenewUserMessage("")
	sess.SetRenewSaveResult(nil)
}

func resultUsable(result *session.SaveResult) bool {
	if result.Error != "" {
		return false
	}
	return result.ID != ""
}

func saveError(result *session.SaveResult) string {
	if result == nil {
		return "no save payload"
	}
	if result.Error != "" {
		return result.Error
	}
	return "save payload has no id"
}

// scanSaveResult finds a trailing {"save_result": …} object in the turn's
// collected text.
func scanSaveResult(text string) (*session.SaveResult, bool) {
	for _, obj := range directive.Objects(text) {
		var payload struct {
			SaveResult *session.SaveResult `json:"save_result"`
		}
		if err := json.Unmarshal([]byte(obj), &payload); err != nil || payload.SaveResult == nil {
			continue
		}
		if payload.SaveResult.ID == "" && payload.SaveResult.Error == "" {
			continue
		}
		return payload.SaveResult, true
	}
	return nil, false
}
