package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/threadclaw/threadclaw/pkg/threadclaw/directive"
	"github.com/threadclaw/threadclaw/pkg/threadclaw/links"
	"github.com/threadclaw/threadclaw/pkg/threadclaw/session"
)

// Model-command names on the system-to-model wire.
const (
	CmdGetSession        = "GET_SESSION"
	CmdUpdateSession     = "UPDATE_SESSION"
	CmdAskUserQuestion   = "ASK_USER_QUESTION"
	CmdSaveContextResult = "SAVE_CONTEXT_RESULT"
)

// Model-command error codes.
const (
	ErrCodeInvalidArgs      = "INVALID_ARGS"
	ErrCodeInvalidCommand   = "INVALID_COMMAND"
	ErrCodeInvalidOperation = "INVALID_OPERATION"
	ErrCodeSequenceMismatch = "SEQUENCE_MISMATCH"
	ErrCodeContextError     = "CONTEXT_ERROR"
)

// CommandError is the structured failure payload.
type CommandError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// CommandResponse is the envelope every model command returns.
type CommandResponse struct {
	OK      bool            `json:"ok"`
	Session json.RawMessage `json:"session,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *CommandError   `json:"error,omitempty"`
}

func commandFailure(code, message string) CommandResponse {
	return CommandResponse{OK: false, Error: &CommandError{Code: code, Message: message}}
}

// AskQuestionFunc renders a choice prompt for a session. Wired to the form
// coordinator by the assistant.
type AskQuestionFunc func(ctx context.Context, sess *session.Session, prompt *directive.ChoicePrompt) error

// SaveResultFunc delivers a captured save payload to the renew controller.
type SaveResultFunc func(sess *session.Session, result *session.SaveResult)

// ModelCommands serves the four session commands the agent can call while a
// turn is running.
type ModelCommands struct {
	store       *session.Store
	askQuestion AskQuestionFunc
	saveResult  SaveResultFunc
	logger      *slog.Logger
}

// NewModelCommands creates the command service.
func NewModelCommands(store *session.Store, ask AskQuestionFunc, save SaveResultFunc, logger *slog.Logger) *ModelCommands {
	if logger == nil {
		logger = slog.Default()
	}
	return &ModelCommands{
		store:       store,
		askQuestion: ask,
		saveResult:  save,
		logger:      logger.With("component", "modelcmd"),
	}
}

// Execute runs one model command against a session. Validation failures
// return a structured error without mutating anything.
func (m *ModelCommands) Execute(ctx context.Context, sessionKey, command string, args json.RawMessage) CommandResponse {
	sess := m.store.GetByKey(sessionKey)
	if sess == nil {
		return commandFailure(ErrCodeContextError, fmt.Sprintf("no session for key %q", sessionKey))
	}

	switch command {
	case CmdGetSession:
		return m.getSession(sess)
	case CmdUpdateSession:
		return m.updateSession(sess, args)
	case CmdAskUserQuestion:
		return m.ask(ctx, sess, args)
	case CmdSaveContextResult:
		return m.saveContextResult(sess, args)
	default:
		return commandFailure(ErrCodeInvalidCommand, fmt.Sprintf("unknown command %q", command))
	}
}

func (m *ModelCommands) getSession(sess *session.Session) CommandResponse {
	snap := sess.Snapshot()
	data, err := json.Marshal(snap)
	if err != nil {
		return commandFailure(ErrCodeContextError, "snapshot marshal failed")
	}
	return CommandResponse{OK: true, Session: data}
}

// updateOperation is one UPDATE_SESSION operation.
type updateOperation struct {
	Action       string      `json:"action"`
	ResourceType string      `json:"resourceType"`
	Link         *links.Link `json:"link,omitempty"`
	URL          string      `json:"url,omitempty"`
}

type updateRequest struct {
	ExpectedSequence *int64            `json:"expectedSequence,omitempty"`
	Operations       []updateOperation `json:"operations"`
}

func (m *ModelCommands) updateSession(sess *session.Session, args json.RawMessage) CommandResponse {
	var req updateRequest
	if err := json.Unmarshal(args, &req); err != nil {
		return commandFailure(ErrCodeInvalidArgs, "undecodable UPDATE_SESSION arguments")
	}
	if len(req.Operations) == 0 {
		return commandFailure(ErrCodeInvalidArgs, "operations must not be empty")
	}

	// Validate every operation before applying any: a bad batch leaves the
	// session untouched.
	for i, op := range req.Operations {
		if err := validateOperation(op); err != nil {
			return commandFailure(ErrCodeInvalidOperation, fmt.Sprintf("operation %d: %v", i, err))
		}
	}

	if req.ExpectedSequence != nil && *req.ExpectedSequence != sess.Sequence() {
		return commandFailure(ErrCodeSequenceMismatch,
			fmt.Sprintf("expected sequence %d, have %d", *req.ExpectedSequence, sess.Sequence()))
	}

	for _, op := range req.Operations {
		m.applyOperation(sess, op)
	}

	// One increment per applied request, not per operation.
	sess.BumpSequence()
	return m.getSession(sess)
}

func validateOperation(op updateOperation) error {
	slot := links.Type(op.ResourceType)
	if slot != links.TypeIssue && slot != links.TypePR && slot != links.TypeDoc {
		return fmt.Errorf("unknown resourceType %q", op.ResourceType)
	}
	switch op.Action {
	case "add":
		url := op.URL
		if op.Link != nil {
			url = op.Link.URL
		}
		if !links.IsHTTP(url) {
			return fmt.Errorf("add requires an http(s) url")
		}
	case "remove":
	case "set_active":
		if !links.IsHTTP(op.URL) && op.Link == nil {
			return fmt.Errorf("set_active requires a url")
		}
	default:
		return fmt.Errorf("unknown action %q", op.Action)
	}
	return nil
}

func (m *ModelCommands) applyOperation(sess *session.Session, op updateOperation) {
	slot := links.Type(op.ResourceType)
	switch op.Action {
	case "add":
		url := op.URL
		if op.Link != nil {
			url = op.Link.URL
		}
		l := links.Classify(url, slot)
		if op.Link != nil && op.Link.Label != "" {
			l.Label = op.Link.Label
		}
		sess.SetLink(l)
	case "remove":
		sess.RemoveLink(slot)
	case "set_active":
		url := op.URL
		if url == "" && op.Link != nil {
			url = op.Link.URL
		}
		sess.SetActiveResource(op.ResourceType, url)
	}
}

func (m *ModelCommands) ask(ctx context.Context, sess *session.Session, args json.RawMessage) CommandResponse {
	if m.askQuestion == nil {
		return commandFailure(ErrCodeContextError, "question rendering is unavailable")
	}

	prompt, ok := decodeChoicePayload(args)
	if !ok {
		return commandFailure(ErrCodeInvalidArgs, "payload is not a valid user_choice or user_choices")
	}
	if err := m.askQuestion(ctx, sess, prompt); err != nil {
		return commandFailure(ErrCodeContextError, fmt.Sprintf("rendering question: %v", err))
	}
	return CommandResponse{OK: true}
}

// decodeChoicePayload accepts a normalized user_choice or user_choices
// object, in the same shapes the directive parser admits.
func decodeChoicePayload(args json.RawMessage) (*directive.ChoicePrompt, bool) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(args, &head); err != nil {
		return nil, false
	}

	switch head.Type {
	case directive.TypeUserChoice:
		var single directive.UserChoice
		if err := json.Unmarshal(args, &single); err != nil || single.Question == "" || len(single.Choices) == 0 {
			return nil, false
		}
		return &directive.ChoicePrompt{Single: &single}, true
	case directive.TypeUserChoices:
		var form directive.UserChoices
		if err := json.Unmarshal(args, &form); err != nil || len(form.Questions) == 0 {
			return nil, false
		}
		return &directive.ChoicePrompt{Form: &form}, true
	}
	return nil, false
}

func (m *ModelCommands) saveContextResult(sess *session.Session, args json.RawMessage) CommandResponse {
	if sess.RenewState() != session.RenewPendingSave {
		return commandFailure(ErrCodeInvalidCommand, "SAVE_CONTEXT_RESULT is only valid while a renew save is pending")
	}

	var payload struct {
		Result *session.SaveResult `json:"result"`
	}
	if err := json.Unmarshal(args, &payload); err != nil || payload.Result == nil {
		return commandFailure(ErrCodeInvalidArgs, "payload must carry a result object")
	}
	if payload.Result.ID == "" && payload.Result.Error == "" {
		return commandFailure(ErrCodeInvalidArgs, "result needs an id or an error")
	}

	if m.saveResult != nil {
		m.saveResult(sess, payload.Result)
	}
	return CommandResponse{OK: true}
}
