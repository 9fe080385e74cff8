// Package bot wires Slack events, the command router, dispatch, the agent
// runner, and the UI mirrors into the per-thread assistant.
package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/threadclaw/threadclaw/pkg/threadclaw/claude"
	"github.com/threadclaw/threadclaw/pkg/threadclaw/directive"
	"github.com/threadclaw/threadclaw/pkg/threadclaw/dispatch"
	"github.com/threadclaw/threadclaw/pkg/threadclaw/links"
	"github.com/threadclaw/threadclaw/pkg/threadclaw/recorder"
	"github.com/threadclaw/threadclaw/pkg/threadclaw/session"
	"github.com/threadclaw/threadclaw/pkg/threadclaw/slack"
	"github.com/threadclaw/threadclaw/pkg/threadclaw/stream"
	"github.com/threadclaw/threadclaw/pkg/threadclaw/ui"
)

// Idle-card wire identifiers.
const (
	actionIdleKeep  = "tc_idle_keep"
	actionIdleClose = "tc_idle_close"
)

const (
	idleEmoji  = "hourglass_flowing_sand"
	sleepEmoji = "zzz"
	// systemEmoji marks assistant system messages, distinguishing them from
	// model output.
	systemEmoji = "zap"
)

// toolResultPreview bounds how much of a tool result is posted.
const toolResultPreview = 500

// Options assembles an Assistant.
type Options struct {
	Name    string
	WorkDir string

	Slack      *slack.Client
	Store      *session.Store
	Coord      *session.Coordinator
	Dispatcher *dispatch.Service
	Runner     *claude.Runner
	Tracker    *stream.ToolTracker
	Reactions  *ui.Reactions
	Panel      *ui.Panel
	Recorder   *recorder.Recorder
	Prefs      *PrefsStore
	Renew      *Renew
	Router     *Router
	Logger     *slog.Logger
}

// Assistant is the per-workspace orchestrator. It implements slack.Handler
// and session.Notifier.
type Assistant struct {
	opts   Options
	forms  *ui.Forms
	logger *slog.Logger

	// base is the process-lifetime context turns derive from.
	base context.Context
}

var (
	_ slack.Handler    = (*Assistant)(nil)
	_ session.Notifier = (*Assistant)(nil)
)

// New creates the assistant and registers the terminate hook.
func New(base context.Context, opts Options) *Assistant {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	a := &Assistant{
		opts:   opts,
		logger: opts.Logger.With("component", "assistant"),
		base:   base,
	}
	a.forms = ui.NewForms(opts.Slack, a.resumeFromForm, opts.Logger)

	opts.Store.OnTerminate(func(s *session.Session) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		opts.Coord.Cancel(s.Key)
		a.forms.InvalidateSession(s.Key)
		opts.Reactions.Drop(ctx, s.Key)
		opts.Panel.Drop(ctx, s.Key)
		opts.Tracker.CleanupNow(s.Key)
	})
	return a
}

// Forms exposes the form coordinator for wiring (model commands).
func (a *Assistant) Forms() *ui.Forms { return a.forms }

// ---------- slack.Handler ----------

// HandleMessage routes one inbound user message.
func (a *Assistant) HandleMessage(ctx context.Context, ev slack.MessageEvent) {
	if ev.BotID != "" || ev.User == "" || ev.User == a.opts.Slack.BotUserID() {
		return
	}
	if ev.SubType != "" && ev.SubType != "file_share" {
		return
	}

	text := slack.StripMentions(ev.Text)
	if strings.TrimSpace(text) == "" {
		return
	}

	threadTS := ev.RootTS()
	sess := a.opts.Store.Get(ev.Channel, threadTS)

	cc := &CommandContext{
		Ctx:      ctx,
		User:     ev.User,
		Channel:  ev.Channel,
		ThreadTS: threadTS,
		Text:     text,
		Session:  sess,
		Say: func(t string) {
			a.postSystem(ctx, ev.Channel, threadTS, t)
		},
		SayEphemeral: func(t string) {
			if err := a.opts.Slack.PostEphemeral(ctx, ev.Channel, ev.User, threadTS, t, nil); err != nil {
				a.logger.Warn("ephemeral post failed", "error", err)
			}
		},
		SayBlocks: func(t string, blocks []slack.Block) {
			if _, err := a.opts.Slack.PostMessage(ctx, slack.Message{
				Channel: ev.Channel, ThreadTS: threadTS, Text: t, Blocks: blocks,
			}); err != nil {
				a.logger.Warn("blocks post failed", "error", err)
			}
		},
	}

	result := a.opts.Router.Dispatch(cc)
	if result.Handled {
		if result.ContinueWithPrompt != "" {
			// cc.Session may have been reset; re-fetch and continue.
			sess, _ = a.opts.Store.GetOrCreate(ev.Channel, threadTS, ev.User)
			a.runTurn(sess, ev.User, result.ContinueWithPrompt, result.ForceWorkflow, a.opts.Renew.InProgress(sess))
		}
		return
	}

	sess, _ = a.opts.Store.GetOrCreate(ev.Channel, threadTS, ev.User)

	if a.opts.Renew.InProgress(sess) {
		a.postSystem(ctx, ev.Channel, threadTS, "♻️ 컨텍스트 갱신이 진행 중입니다. 잠시 후 다시 시도해 주세요.")
		return
	}
	a.runTurn(sess, ev.User, text, "", false)
}

// HandleInteraction routes button clicks and modal submissions.
func (a *Assistant) HandleInteraction(ctx context.Context, ev slack.InteractionEvent) {
	if a.forms.HandleInteraction(ctx, ev) {
		return
	}

	for _, action := range ev.Actions {
		switch action.ActionID {
		case ActionCloseConfirm:
			msg, _ := a.opts.Router.ConfirmClose(action.Value, ev.User)
			a.replaceMessage(ctx, ev, msg)
			return
		case ActionCloseCancel:
			a.replaceMessage(ctx, ev, "취소했습니다.")
			return
		case actionIdleKeep:
			if sess := a.opts.Store.GetByKey(action.Value); sess != nil {
				sess.Touch()
			}
			a.replaceMessage(ctx, ev, "👍 세션을 유지합니다.")
			return
		case actionIdleClose:
			msg, _ := a.opts.Router.ConfirmClose(action.Value, ev.User)
			a.replaceMessage(ctx, ev, msg)
			return
		}
	}
}

func (a *Assistant) replaceMessage(ctx context.Context, ev slack.InteractionEvent, text string) {
	if ev.Channel == "" || ev.MessageTS == "" {
		return
	}
	if err := a.opts.Slack.UpdateMessage(ctx, ev.Channel, ev.MessageTS, text, []slack.Block{slack.SectionBlock(text)}); err != nil {
		a.logger.Warn("interaction message update failed", "error", err)
	}
}

// resumeFromForm feeds a completed choice back through the pipeline as a
// synthetic user message.
func (a *Assistant) resumeFromForm(ctx context.Context, channel, threadTS, user, text string) {
	sess, _ := a.opts.Store.GetOrCreate(channel, threadTS, user)
	a.runTurn(sess, user, text, "", false)
}

// ---------- turn pipeline ----------

// runTurn executes one agent turn under the single-in-flight discipline.
// internal marks renew-driven continuations, which bypass the renew gate.
func (a *Assistant) runTurn(sess *session.Session, user, text string, force dispatch.Workflow, internal bool) {
	ctx, finish, err := a.opts.Coord.TryBegin(a.base, sess.Key)
	if err != nil {
		bg := context.Background()
		a.postSystem(bg, sess.ChannelID, sess.ThreadTS, "⏳ 이미 요청을 처리하고 있습니다. 완료 후 다시 시도해 주세요.")
		return
	}
	defer finish()

	if !internal && a.opts.Renew.InProgress(sess) {
		a.postSystem(ctx, sess.ChannelID, sess.ThreadTS, "♻️ 컨텍스트 갱신이 진행 중입니다.")
		return
	}

	sess.Touch()
	sess.SetCurrentInitiator(user)
	renewPhase := sess.RenewState()

	a.classifyIfNeeded(ctx, sess, text, force)

	rootTS := sess.ThreadTS
	a.opts.Reactions.SetStatus(ctx, sess.Key, sess.ChannelID, rootTS, ui.StatusThinking)
	a.renderPanel(ctx, sess, ui.PanelWorking, "")

	if id := sess.RecordID(); id != "" && !internal {
		a.opts.Recorder.RecordUserTurn(id, user, text)
	}

	prefs, err := a.opts.Prefs.Get(user)
	if err != nil {
		a.logger.Warn("prefs read failed", "user", user, "error", err)
	}
	model := sess.Model()
	if model == "" {
		model = prefs.Model
	}
	workDir := sess.WorkDir()
	if workDir == "" {
		workDir = a.opts.WorkDir
	}

	turn, err := a.opts.Runner.Start(ctx, claude.TurnRequest{
		Prompt:            a.composePrompt(sess, prefs, text),
		SessionID:         sess.AgentSessionID(),
		Model:             model,
		WorkDir:           workDir,
		BypassPermissions: prefs.Bypass,
	})
	if err != nil {
		a.logger.Error("agent start failed", "session", sess.Key, "error", err)
		a.opts.Reactions.SetStatus(ctx, sess.Key, sess.ChannelID, rootTS, ui.StatusError)
		a.postSystem(ctx, sess.ChannelID, sess.ThreadTS, "⚡ 에이전트를 시작할 수 없습니다: "+err.Error())
		return
	}

	proc := stream.NewProcessor(sess.Key, a.opts.Tracker, a.callbacks(sess), a.opts.Logger)
	ret, err := proc.Run(ctx, turn.Events, turn.Wait)
	a.opts.Tracker.Cleanup(sess.Key)

	// Post-turn side-effects run even when the request context is gone.
	post, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch {
	case ret.Aborted:
		a.opts.Reactions.SetStatus(post, sess.Key, sess.ChannelID, rootTS, ui.StatusCancelled)
	case err != nil:
		a.logger.Error("turn failed", "session", sess.Key, "error", err)
		a.opts.Reactions.SetStatus(post, sess.Key, sess.ChannelID, rootTS, ui.StatusError)
		if strings.Contains(strings.ToLower(err.Error()), "prompt is too long") {
			a.opts.Reactions.SetContext(post, sess.Key, sess.ChannelID, rootTS, 0, true)
		}
		a.postSystem(post, sess.ChannelID, sess.ThreadTS, "⚡ 처리 중 오류가 발생했습니다: "+err.Error())
	case !ret.Success:
		// The agent reported a non-success result even though the process
		// exited cleanly (e.g. error_during_execution).
		a.logger.Error("turn reported failure", "session", sess.Key)
		a.opts.Reactions.SetStatus(post, sess.Key, sess.ChannelID, rootTS, ui.StatusError)
		a.postSystem(post, sess.ChannelID, sess.ThreadTS, "⚡ 에이전트가 작업을 마치지 못했습니다.")
	default:
		a.opts.Reactions.SetStatus(post, sess.Key, sess.ChannelID, rootTS, ui.StatusCompleted)
	}

	badge := ui.PanelIdle
	if ret.HasUserChoice {
		badge = ui.PanelWaiting
	}
	a.renderPanel(post, sess, badge, "")

	if id := sess.RecordID(); id != "" && ret.CollectedText != "" {
		a.opts.Recorder.RecordAssistantTurn(a.base, id, ret.CollectedText)
	}

	if ret.Aborted || err != nil || !ret.Success {
		// A renew cannot survive a failed turn; clear the phase so the
		// session keeps accepting messages.
		if renewPhase != session.RenewNone {
			a.opts.Renew.Abort(sess)
			a.postSystem(post, sess.ChannelID, sess.ThreadTS, "♻️ 컨텍스트 갱신이 중단되었습니다. 세션은 그대로 유지됩니다.")
		}
		return
	}

	// Release this turn's slot before advancing the renew so the follow-up
	// load turn can claim it. finish is idempotent; the defer is a no-op.
	finish()
	a.advanceRenew(post, sess, renewPhase, ret.CollectedText)
}

// advanceRenew moves the renew protocol forward after a successful turn.
func (a *Assistant) advanceRenew(ctx context.Context, sess *session.Session, phaseAtStart session.RenewState, collectedText string) {
	switch phaseAtStart {
	case session.RenewPendingSave:
		prompt, err := a.opts.Renew.AfterSaveTurn(sess, collectedText)
		if err != nil {
			a.postSystem(ctx, sess.ChannelID, sess.ThreadTS, "⚡ "+err.Error())
			return
		}
		a.postSystem(ctx, sess.ChannelID, sess.ThreadTS, "♻️ 저장 완료. 새 세션으로 이어갑니다…")
		go a.runTurn(sess, sess.CurrentInitiator(), prompt, "", true)

	case session.RenewPendingLoad:
		a.opts.Renew.AfterLoadTurn(sess)
		a.postSystem(ctx, sess.ChannelID, sess.ThreadTS, "♻️ 컨텍스트 갱신이 완료되었습니다.")
	}
}

// classifyIfNeeded runs dispatch on the first message of a session.
func (a *Assistant) classifyIfNeeded(ctx context.Context, sess *session.Session, text string, force dispatch.Workflow) {
	if force != "" {
		sess.SetWorkflow(force)
	}
	if sess.Workflow() != "" && sess.RecordID() != "" {
		return
	}

	if sess.Workflow() == "" {
		result := a.opts.Dispatcher.Dispatch(ctx, text)
		if force != "" {
			result.Workflow = force
		}
		sess.SetWorkflow(result.Workflow)
		sess.SetTitle(result.Title)
		a.applyLinks(sess, result.Links)

		if err := a.opts.Slack.SetAssistantTitle(ctx, sess.ChannelID, sess.ThreadTS, result.Title); err != nil {
			a.logger.Debug("assistant title set failed", "error", err)
		}
	}

	if sess.RecordID() == "" {
		id := a.opts.Recorder.CreateConversation(
			sess.ChannelID, sess.ThreadTS, sess.Owner, sess.Title(), string(sess.Workflow()))
		sess.SetRecordID(id)
	}
}

func (a *Assistant) applyLinks(sess *session.Session, set links.Set) {
	if set.Issue != nil {
		sess.SetLink(*set.Issue)
	}
	if set.PR != nil {
		sess.SetLink(*set.PR)
	}
	if set.Doc != nil {
		sess.SetLink(*set.Doc)
	}
}

// composePrompt prefixes the user text with session framing the workflow
// prompts rely on.
func (a *Assistant) composePrompt(sess *session.Session, prefs UserPrefs, text string) string {
	var b strings.Builder
	if w := sess.Workflow(); w != "" && w != dispatch.WorkflowDefault {
		fmt.Fprintf(&b, "[workflow: %s]\n", w)
	}
	if prefs.Persona != "" {
		fmt.Fprintf(&b, "[persona: %s]\n", prefs.Persona)
	}
	if set := sess.Links(); !set.IsEmpty() {
		for _, l := range []*links.Link{set.Issue, set.PR, set.Doc} {
			if l != nil {
				fmt.Fprintf(&b, "[%s: %s]\n", l.Type, l.URL)
			}
		}
	}
	b.WriteString(text)
	return b.String()
}

// callbacks builds the stream-processor fanout for one turn.
func (a *Assistant) callbacks(sess *session.Session) stream.Callbacks {
	channel, threadTS := sess.ChannelID, sess.ThreadTS

	return stream.Callbacks{
		OnSessionID: func(ctx context.Context, id string) {
			sess.SetAgentSessionID(id)
		},
		OnWorking: func(ctx context.Context) {
			a.opts.Reactions.SetStatus(ctx, sess.Key, channel, threadTS, ui.StatusWorking)
		},
		OnTodos: func(ctx context.Context, input json.RawMessage) {
			if text := formatTodos(input); text != "" {
				a.postThread(ctx, channel, threadTS, text)
			}
		},
		OnToolUse: func(ctx context.Context, name, summary string) {
			a.renderPanel(ctx, sess, ui.PanelWorking, name)
			if _, err := a.opts.Slack.PostMessage(ctx, slack.Message{
				Channel: channel, ThreadTS: threadTS, Text: "🔧 " + summary,
				Blocks: []slack.Block{slack.ContextBlock("🔧 " + summary)},
			}); err != nil {
				a.logger.Warn("tool summary post failed", "error", err)
			}
		},
		OnToolResult: func(ctx context.Context, toolUseID, name, text string, isError bool, externalCallID string) {
			if !isError || text == "" {
				return
			}
			// Successful results stay quiet; failures surface truncated.
			preview := text
			if runes := []rune(preview); len(runes) > toolResultPreview {
				preview = string(runes[:toolResultPreview]) + "…"
			}
			label := name
			if label == "" {
				label = toolUseID
			}
			a.postThread(ctx, channel, threadTS, fmt.Sprintf("⚠️ %s 실패:\n```%s```", label, preview))
		},
		OnText: func(ctx context.Context, text string) error {
			_, err := a.opts.Slack.PostMessage(ctx, slack.Message{
				Channel: channel, ThreadTS: threadTS, Text: text,
			})
			return err
		},
		OnLinks: func(ctx context.Context, set links.Set) {
			a.applyLinks(sess, set)
		},
		OnChannelMessage: func(ctx context.Context, text string) {
			if _, err := a.opts.Slack.PostMessage(ctx, slack.Message{
				Channel: channel, Text: text,
			}); err != nil {
				a.logger.Warn("channel message post failed", "error", err)
			}
		},
		OnChoice: func(ctx context.Context, prompt *directive.ChoicePrompt, leadText string) error {
			return a.renderChoice(ctx, sess, prompt, leadText)
		},
		OnUsage: func(ctx context.Context, usage session.TurnUsage) {
			snapshot := sess.ApplyTurnUsage(usage)
			a.opts.Reactions.SetContext(ctx, sess.Key, channel, threadTS, snapshot.RemainingPercent(), false)
		},
	}
}

// RenderChoice exposes choice rendering for the model-command service
// (ASK_USER_QUESTION).
func (a *Assistant) RenderChoice(ctx context.Context, sess *session.Session, prompt *directive.ChoicePrompt) error {
	return a.renderChoice(ctx, sess, prompt, "")
}

func (a *Assistant) renderChoice(ctx context.Context, sess *session.Session, prompt *directive.ChoicePrompt, leadText string) error {
	if prompt.Single != nil {
		return a.forms.PromptSingle(ctx, sess.Key, sess.ChannelID, sess.ThreadTS, prompt.Single, leadText)
	}
	return a.forms.PromptForm(ctx, sess.Key, sess.ChannelID, sess.ThreadTS, prompt.Form, leadText)
}

func (a *Assistant) renderPanel(ctx context.Context, sess *session.Session, status ui.PanelStatus, activeTool string) {
	state := ui.PanelState{
		Workflow:       string(sess.Workflow()),
		Status:         status,
		ContextPercent: sess.Usage().RemainingPercent(),
		ActiveTool:     activeTool,
	}
	if err := a.opts.Panel.Render(ctx, sess.Key, sess.ChannelID, sess.ThreadTS, state); err != nil {
		a.logger.Warn("panel render failed", "session", sess.Key, "error", err)
	}
}

// ---------- system messages ----------

// postSystem posts a system message to the thread and marks it with the ⚡
// reaction so it reads apart from model output.
func (a *Assistant) postSystem(ctx context.Context, channel, threadTS, text string) {
	ts, err := a.opts.Slack.PostMessage(ctx, slack.Message{
		Channel: channel, ThreadTS: threadTS, Text: text,
	})
	if err != nil {
		a.logger.Warn("system message post failed", "error", err)
		return
	}
	if err := a.opts.Slack.AddReaction(ctx, channel, ts, systemEmoji); err != nil && !slack.IsBenignReactionError(err) {
		a.logger.Debug("system reaction failed", "error", err)
	}
}

func (a *Assistant) postThread(ctx context.Context, channel, threadTS, text string) {
	if _, err := a.opts.Slack.PostMessage(ctx, slack.Message{
		Channel: channel, ThreadTS: threadTS, Text: text,
	}); err != nil {
		a.logger.Warn("thread post failed", "error", err)
	}
}

// ---------- session.Notifier ----------

// NotifyIdle posts the 12-hour "still working?" card.
func (a *Assistant) NotifyIdle(ctx context.Context, s *session.Session) error {
	_, err := a.opts.Slack.PostMessage(ctx, slack.Message{
		Channel: s.ChannelID, ThreadTS: s.ThreadTS,
		Text: "아직 작업 중이신가요?",
		Blocks: []slack.Block{
			slack.SectionBlock("🕐 이 세션이 12시간 동안 조용했어요. 계속 진행할까요?"),
			slack.ActionsBlock("idle_card",
				slack.ButtonElement(actionIdleKeep, "계속 진행", s.Key, "primary"),
				slack.ButtonElement(actionIdleClose, "닫기", s.Key, "danger"),
			),
		},
	})
	if err != nil {
		return err
	}
	if err := a.opts.Slack.AddReaction(ctx, s.ChannelID, s.ThreadTS, idleEmoji); err != nil && !slack.IsBenignReactionError(err) {
		a.logger.Debug("idle reaction failed", "error", err)
	}
	return nil
}

// NotifyExpiryWarning posts or updates the final-hour expiry warning.
func (a *Assistant) NotifyExpiryWarning(ctx context.Context, s *session.Session, remaining time.Duration) (string, error) {
	text := fmt.Sprintf("⏰ 이 세션은 약 %d분 후 휴면 상태로 전환됩니다. 메시지를 보내면 유지됩니다.",
		int(remaining.Round(time.Minute).Minutes()))

	if ts := s.WarningMessageTS(); ts != "" {
		if err := a.opts.Slack.UpdateMessage(ctx, s.ChannelID, ts, text, nil); err == nil {
			return ts, nil
		}
		// Fall through and post fresh when the old message is gone.
	}
	return a.opts.Slack.PostMessage(ctx, slack.Message{
		Channel: s.ChannelID, ThreadTS: s.ThreadTS, Text: text,
	})
}

// NotifySleep announces the SLEEPING transition.
func (a *Assistant) NotifySleep(ctx context.Context, s *session.Session) error {
	text := "😴 24시간 동안 활동이 없어 세션이 휴면 상태가 되었습니다. 메시지를 보내면 깨어납니다. 7일 후에는 삭제됩니다."

	if ts := s.WarningMessageTS(); ts != "" {
		if err := a.opts.Slack.UpdateMessage(ctx, s.ChannelID, ts, text, nil); err != nil {
			a.logger.Debug("sleep warning update failed", "error", err)
		}
	} else {
		if _, err := a.opts.Slack.PostMessage(ctx, slack.Message{
			Channel: s.ChannelID, ThreadTS: s.ThreadTS, Text: text,
		}); err != nil {
			return err
		}
	}
	if err := a.opts.Slack.AddReaction(ctx, s.ChannelID, s.ThreadTS, sleepEmoji); err != nil && !slack.IsBenignReactionError(err) {
		a.logger.Debug("sleep reaction failed", "error", err)
	}
	return nil
}

// NotifyShutdown posts the best-effort shutdown notice.
func (a *Assistant) NotifyShutdown(ctx context.Context, s *session.Session) error {
	_, err := a.opts.Slack.PostMessage(ctx, slack.Message{
		Channel: s.ChannelID, ThreadTS: s.ThreadTS,
		Text: fmt.Sprintf("🔌 %s이(가) 재시작됩니다. 잠시 후 다시 이용해 주세요.", a.opts.Name),
	})
	return err
}

// ---------- helpers ----------

// formatTodos renders a TodoWrite payload as a checklist.
func formatTodos(input json.RawMessage) string {
	var payload struct {
		Todos []struct {
			Content string `json:"content"`
			Status  string `json:"status"`
		} `json:"todos"`
	}
	if err := json.Unmarshal(input, &payload); err != nil || len(payload.Todos) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("📋 *작업 목록*")
	for _, todo := range payload.Todos {
		mark := "☐"
		switch todo.Status {
		case "completed":
			mark = "☑"
		case "in_progress":
			mark = "▶"
		}
		fmt.Fprintf(&b, "\n%s %s", mark, todo.Content)
	}
	return b.String()
}
