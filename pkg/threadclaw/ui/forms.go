package ui

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/threadclaw/threadclaw/pkg/threadclaw/directive"
	"github.com/threadclaw/threadclaw/pkg/threadclaw/slack"
)

// MaxQuestionsPerChunk keeps a form's block count under Slack's 50-block
// message limit.
const MaxQuestionsPerChunk = 6

// maxChoiceButtons caps option buttons per question; remaining options are
// reachable through free text.
const maxChoiceButtons = 4

// freeTextLabel is the free-text escape hatch button label.
const freeTextLabel = "✏️ 직접입력"

// Action and callback identifiers on the interactive wire.
const (
	actionChoice       = "tc_choice"
	actionFreeText     = "tc_free_text"
	callbackFreeText   = "tc_free_text_submit"
	freeTextInputBlock = "free_text"
)

// ResumeFunc re-enters the message pipeline with a synthetic user message.
type ResumeFunc func(ctx context.Context, channel, threadTS, user, text string)

type selection struct {
	choiceID string
	label    string
	freeText bool
}

type pendingForm struct {
	id         string
	sessionKey string
	channel    string
	threadTS   string
	messageTS  string
	title      string
	single     bool
	chunkIndex int
	chunkTotal int
	questions  []directive.Question
	selections map[string]selection
	createdAt  time.Time
}

// Forms bridges user-choice directives to Slack interactive cards and back
// to the pipeline as synthetic user messages. At most one form (or chunk
// group) is interactive per session.
type Forms struct {
	api    SlackAPI
	resume ResumeFunc
	logger *slog.Logger

	mu    sync.Mutex
	forms map[string]*pendingForm
}

// NewForms creates the form coordinator.
func NewForms(api SlackAPI, resume ResumeFunc, logger *slog.Logger) *Forms {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forms{
		api:    api,
		resume: resume,
		logger: logger.With("component", "forms"),
		forms:  make(map[string]*pendingForm),
	}
}

// PromptSingle renders a single-question choice card.
func (f *Forms) PromptSingle(ctx context.Context, sessionKey, channel, threadTS string, single *directive.UserChoice, leadText string) error {
	form := &pendingForm{
		id:         uuid.NewString(),
		sessionKey: sessionKey,
		channel:    channel,
		threadTS:   threadTS,
		single:     true,
		questions: []directive.Question{{
			ID:       "q1",
			Question: single.Question,
			Choices:  single.Choices,
			Context:  single.Context,
		}},
		selections: make(map[string]selection),
		createdAt:  time.Now(),
	}

	f.invalidateSession(sessionKey)

	text, blocks := f.buildCard(form, leadText)
	ts, err := f.api.PostMessage(ctx, slack.Message{
		Channel: channel, ThreadTS: threadTS, Text: text, Blocks: blocks,
	})
	if err != nil {
		return f.fallbackPlainText(ctx, form, leadText, err)
	}

	form.messageTS = ts
	f.mu.Lock()
	f.forms[form.id] = form
	f.mu.Unlock()
	return nil
}

// PromptForm renders a multi-question form, chunked so each message stays
// within the block limit. Prior pending forms are invalidated once, before
// the first chunk.
func (f *Forms) PromptForm(ctx context.Context, sessionKey, channel, threadTS string, mc *directive.UserChoices, leadText string) error {
	questions := mc.Questions
	total := (len(questions) + MaxQuestionsPerChunk - 1) / MaxQuestionsPerChunk

	f.invalidateSession(sessionKey)

	for i := 0; i < total; i++ {
		lo := i * MaxQuestionsPerChunk
		hi := lo + MaxQuestionsPerChunk
		if hi > len(questions) {
			hi = len(questions)
		}

		title := mc.Title
		if total > 1 {
			if title == "" {
				title = "질문"
			}
			title = fmt.Sprintf("%s (%d/%d)", title, i+1, total)
		}

		form := &pendingForm{
			id:         uuid.NewString(),
			sessionKey: sessionKey,
			channel:    channel,
			threadTS:   threadTS,
			title:      title,
			chunkIndex: i + 1,
			chunkTotal: total,
			questions:  questions[lo:hi],
			selections: make(map[string]selection),
			createdAt:  time.Now(),
		}

		lead := ""
		if i == 0 {
			lead = leadText
			if mc.Description != "" {
				if lead != "" {
					lead += "\n"
				}
				lead += mc.Description
			}
		}

		text, blocks := f.buildCard(form, lead)
		ts, err := f.api.PostMessage(ctx, slack.Message{
			Channel: channel, ThreadTS: threadTS, Text: text, Blocks: blocks,
		})
		if err != nil {
			return f.fallbackPlainText(ctx, form, lead, err)
		}
		form.messageTS = ts
		f.mu.Lock()
		f.forms[form.id] = form
		f.mu.Unlock()
	}
	return nil
}

// HasPending reports whether the session has an interactive form open.
func (f *Forms) HasPending(sessionKey string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, form := range f.forms {
		if form.sessionKey == sessionKey {
			return true
		}
	}
	return false
}

// InvalidateSession closes all pending forms for a session.
func (f *Forms) InvalidateSession(sessionKey string) {
	f.invalidateSession(sessionKey)
}

func (f *Forms) invalidateSession(sessionKey string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, form := range f.forms {
		if form.sessionKey == sessionKey {
			delete(f.forms, id)
		}
	}
}

// HandleInteraction processes a button click or modal submission belonging
// to a form. It reports whether the event was consumed.
func (f *Forms) HandleInteraction(ctx context.Context, ev slack.InteractionEvent) bool {
	switch ev.Type {
	case "block_actions":
		for _, action := range ev.Actions {
			switch action.ActionID {
			case actionChoice:
				f.handleChoice(ctx, ev, action.Value)
				return true
			case actionFreeText:
				f.handleFreeTextOpen(ctx, ev, action.Value)
				return true
			}
		}
		return false

	case "view_submission":
		if ev.CallbackID != callbackFreeText {
			return false
		}
		f.handleFreeTextSubmit(ctx, ev)
		return true
	}
	return false
}

// handleChoice applies one button selection. The value encodes
// "formID|questionID|choiceID|label".
func (f *Forms) handleChoice(ctx context.Context, ev slack.InteractionEvent, value string) {
	formID, questionID, choiceID, label, ok := decodeChoiceValue(value)
	if !ok {
		f.logger.Warn("undecodable choice value", "value", value)
		return
	}
	f.applySelection(ctx, ev.User, formID, questionID, selection{choiceID: choiceID, label: label})
}

func (f *Forms) handleFreeTextOpen(ctx context.Context, ev slack.InteractionEvent, value string) {
	formID, questionID, _, _, ok := decodeChoiceValue(value)
	if !ok {
		f.logger.Warn("undecodable free-text value", "value", value)
		return
	}

	f.mu.Lock()
	form := f.forms[formID]
	var questionText string
	if form != nil {
		if q := findQuestion(form.questions, questionID); q != nil {
			questionText = q.Question
		}
	}
	f.mu.Unlock()
	if form == nil {
		return
	}

	meta := encodeChoiceValue(formID, questionID, "", "")
	view := slack.TextInputModal(callbackFreeText, meta, "직접입력", questionText)
	if err := f.api.OpenView(ctx, ev.TriggerID, view); err != nil {
		f.logger.Warn("free-text modal open failed", "form", formID, "error", err)
	}
}

func (f *Forms) handleFreeTextSubmit(ctx context.Context, ev slack.InteractionEvent) {
	formID, questionID, _, _, ok := decodeChoiceValue(ev.Metadata)
	if !ok {
		f.logger.Warn("undecodable free-text metadata", "metadata", ev.Metadata)
		return
	}
	text := strings.TrimSpace(ev.InputValues[freeTextInputBlock])
	if text == "" {
		return
	}
	f.applySelection(ctx, ev.User, formID, questionID, selection{label: text, freeText: true})
}

// applySelection mutates the pending form and either re-renders the card or,
// when complete, resumes the pipeline with the composite answer.
func (f *Forms) applySelection(ctx context.Context, user, formID, questionID string, sel selection) {
	f.mu.Lock()
	form := f.forms[formID]
	if form == nil {
		f.mu.Unlock()
		return
	}
	if findQuestion(form.questions, questionID) == nil {
		f.mu.Unlock()
		return
	}
	form.selections[questionID] = sel
	complete := len(form.selections) == len(form.questions)
	if complete {
		delete(f.forms, formID)
	}
	var (
		text   string
		blocks []slack.Block
	)
	if !complete {
		text, blocks = f.buildCard(form, "")
	}
	f.mu.Unlock()

	if !complete {
		if err := f.api.UpdateMessage(ctx, form.channel, form.messageTS, text, blocks); err != nil {
			f.logger.Warn("form re-render failed", "form", formID, "error", err)
		}
		return
	}

	answer := compositeAnswer(form)
	summary := receiptText(form)
	if err := f.api.UpdateMessage(ctx, form.channel, form.messageTS, summary, []slack.Block{slack.SectionBlock(summary)}); err != nil {
		f.logger.Warn("form receipt failed", "form", formID, "error", err)
	}
	if f.resume != nil {
		f.resume(ctx, form.channel, form.threadTS, user, answer)
	}
}

// ---------- rendering ----------

func (f *Forms) buildCard(form *pendingForm, leadText string) (string, []slack.Block) {
	var blocks []slack.Block

	if leadText != "" {
		blocks = append(blocks, slack.SectionBlock(leadText))
	}
	if form.title != "" {
		blocks = append(blocks, slack.HeaderBlock(form.title))
	}
	if !form.single && len(form.questions) > 1 {
		blocks = append(blocks, slack.ContextBlock(progressIndicator(form)))
	}

	for _, q := range form.questions {
		label := q.Question
		if sel, done := form.selections[q.ID]; done {
			blocks = append(blocks, slack.SectionBlock(fmt.Sprintf("✅ *%s*\n→ %s", label, sel.label)))
			continue
		}

		body := "*" + label + "*"
		if q.Context != "" {
			body += "\n_" + q.Context + "_"
		}
		blocks = append(blocks, slack.SectionBlock(body))

		var buttons []map[string]any
		for i, choice := range q.Choices {
			if i >= maxChoiceButtons {
				break
			}
			buttons = append(buttons, slack.ButtonElement(
				actionChoice,
				choice.Label,
				encodeChoiceValue(form.id, q.ID, choice.ID, choice.Label),
				"",
			))
		}
		buttons = append(buttons, slack.ButtonElement(
			actionFreeText,
			freeTextLabel,
			encodeChoiceValue(form.id, q.ID, "", ""),
			"",
		))
		blocks = append(blocks, slack.ActionsBlock(form.id+":"+q.ID, buttons...))
	}

	fallback := form.title
	if fallback == "" && len(form.questions) > 0 {
		fallback = form.questions[0].Question
	}
	return fallback, blocks
}

func progressIndicator(form *pendingForm) string {
	var b strings.Builder
	for _, q := range form.questions {
		if _, done := form.selections[q.ID]; done {
			b.WriteString("●")
		} else {
			b.WriteString("○")
		}
	}
	fmt.Fprintf(&b, "  %d/%d", len(form.selections), len(form.questions))
	return b.String()
}

// fallbackPlainText degrades to a numbered plain-text rendition when the
// block emission fails.
func (f *Forms) fallbackPlainText(ctx context.Context, form *pendingForm, leadText string, cause error) error {
	f.logger.Warn("form card emission failed, falling back to text", "form", form.id, "error", cause)

	var b strings.Builder
	if leadText != "" {
		b.WriteString(leadText + "\n\n")
	}
	b.WriteString("⚠️ 버튼을 표시할 수 없어 텍스트로 안내합니다. 옵션 번호로 답해 주세요.\n")
	if form.title != "" {
		b.WriteString("*" + form.title + "*\n")
	}
	for _, q := range form.questions {
		b.WriteString("\n" + q.Question + "\n")
		for i, choice := range q.Choices {
			fmt.Fprintf(&b, "  %d. %s", i+1, choice.Label)
			if choice.Description != "" {
				b.WriteString(" — " + choice.Description)
			}
			b.WriteString("\n")
		}
	}

	_, err := f.api.PostMessage(ctx, slack.Message{
		Channel: form.channel, ThreadTS: form.threadTS, Text: b.String(),
	})
	if err != nil {
		return fmt.Errorf("ui: form text fallback: %w", err)
	}
	return nil
}

// ---------- answers ----------

// compositeAnswer joins selections in question order. Button picks read
// "Q: id. label"; free-text entries read "Q: (직접입력) text".
func compositeAnswer(form *pendingForm) string {
	var lines []string
	for _, q := range form.questions {
		sel, ok := form.selections[q.ID]
		if !ok {
			continue
		}
		if form.single {
			if sel.freeText {
				return fmt.Sprintf("(직접입력) %s", sel.label)
			}
			return sel.label
		}
		if sel.freeText {
			lines = append(lines, fmt.Sprintf("%s: (직접입력) %s", q.Question, sel.label))
		} else {
			lines = append(lines, fmt.Sprintf("%s: %s. %s", q.Question, sel.choiceID, sel.label))
		}
	}
	return strings.Join(lines, "\n")
}

func receiptText(form *pendingForm) string {
	if form.single {
		q := form.questions[0]
		sel := form.selections[q.ID]
		return fmt.Sprintf("✅ %s\n→ %s", q.Question, sel.label)
	}

	var b strings.Builder
	b.WriteString("✅ 응답 완료")
	if form.title != "" {
		b.WriteString(": " + form.title)
	}
	for _, q := range form.questions {
		if sel, ok := form.selections[q.ID]; ok {
			fmt.Fprintf(&b, "\n• %s → %s", q.Question, sel.label)
		}
	}
	return b.String()
}

// ---------- wire encoding ----------

// encodeChoiceValue packs identity into a button value. Fields must not
// contain '|'; labels are sanitized.
func encodeChoiceValue(formID, questionID, choiceID, label string) string {
	clean := strings.ReplaceAll(label, "|", "/")
	return strings.Join([]string{formID, questionID, choiceID, clean}, "|")
}

func decodeChoiceValue(value string) (formID, questionID, choiceID, label string, ok bool) {
	parts := strings.SplitN(value, "|", 4)
	if len(parts) != 4 || parts[0] == "" || parts[1] == "" {
		return "", "", "", "", false
	}
	return parts[0], parts[1], parts[2], parts[3], true
}

func findQuestion(questions []directive.Question, id string) *directive.Question {
	for i := range questions {
		if questions[i].ID == id {
			return &questions[i]
		}
	}
	return nil
}
