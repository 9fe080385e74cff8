package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/threadclaw/threadclaw/pkg/threadclaw/dispatch"
	"github.com/threadclaw/threadclaw/pkg/threadclaw/links"
	"github.com/threadclaw/threadclaw/pkg/threadclaw/session"
	"github.com/threadclaw/threadclaw/pkg/threadclaw/slack"
)

// defaultOnboardingPrompt starts onboarding when the user gave no prompt.
const defaultOnboardingPrompt = "온보딩을 시작해 주세요."

// CommandContext carries one inbound command invocation.
type CommandContext struct {
	Ctx      context.Context
	User     string
	Channel  string
	ThreadTS string

	// Text is the full message text; Args are the words after the keyword.
	Text string
	Args []string

	// Session is the thread's session, nil when none exists yet.
	Session *session.Session

	// Say posts to the thread; SayEphemeral posts visible only to the user.
	Say          func(text string)
	SayEphemeral func(text string)

	// SayBlocks posts rich blocks to the thread.
	SayBlocks func(text string, blocks []slack.Block)
}

// CommandResult tells the assistant what to do after a command ran.
type CommandResult struct {
	Handled bool

	// ContinueWithPrompt re-enters the streaming pipeline with this prompt.
	ContinueWithPrompt string

	// ForceWorkflow overrides classification for the continuation.
	ForceWorkflow dispatch.Workflow
}

var handled = CommandResult{Handled: true}

// commandSpec is one registry entry.
type commandSpec struct {
	name        string
	summary     string
	needSession bool
	run         func(*Router, *CommandContext) CommandResult
}

// RouterDeps are the collaborators command handlers reach.
type RouterDeps struct {
	Store  *session.Store
	Coord  *session.Coordinator
	Renew  *Renew
	Prefs  *PrefsStore
	Logger *slog.Logger

	// WorkDir is the fixed working directory shown by cwd.
	WorkDir string

	// MCPConfigPath locates mcp-servers.json; empty means no tool servers.
	MCPConfigPath string

	// Personas lists the selectable persona names.
	Personas []string

	// Models lists the selectable model identifiers.
	Models []string
}

// Router dispatches textual commands ahead of the LLM.
type Router struct {
	deps     RouterDeps
	registry map[string]commandSpec
	logger   *slog.Logger
}

// NewRouter builds the command registry.
func NewRouter(deps RouterDeps) *Router {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	r := &Router{
		deps:     deps,
		registry: make(map[string]commandSpec),
		logger:   deps.Logger.With("component", "commands"),
	}

	for _, spec := range []commandSpec{
		{"cwd", "show the working directory", false, (*Router).cmdCwd},
		{"mcp", "show or reload tool-server configuration", false, (*Router).cmdMCP},
		{"bypass", "toggle permission bypass", false, (*Router).cmdBypass},
		{"persona", "read or set your prompt persona", false, (*Router).cmdPersona},
		{"model", "read or set your model", false, (*Router).cmdModel},
		{"sessions", "list your sessions", false, (*Router).cmdSessions},
		{"all_sessions", "list every session", false, (*Router).cmdAllSessions},
		{"terminate", "terminate a session by key (owner only)", false, (*Router).cmdTerminate},
		{"close", "close this thread's session (owner only)", true, (*Router).cmdClose},
		{"new", "reset this session's context", true, (*Router).cmdNew},
		{"onboarding", "restart with the onboarding workflow", true, (*Router).cmdOnboarding},
		{"context", "show context-window usage and cost", true, (*Router).cmdContext},
		{"renew", "save, reset, and reload this session's context", true, (*Router).cmdRenew},
		{"link", "attach an issue/pr/doc link", true, (*Router).cmdLink},
		{"help", "show this help", false, (*Router).cmdHelp},
	} {
		r.registry[spec.name] = spec
	}
	return r
}

// Dispatch routes one message. Handled=false means the message is not a
// command and should flow to the LLM.
func (r *Router) Dispatch(cc *CommandContext) CommandResult {
	text := strings.TrimSpace(cc.Text)
	if text == "" {
		return CommandResult{}
	}

	slash := strings.HasPrefix(text, "/")
	keyword := strings.ToLower(strings.Fields(strings.TrimPrefix(text, "/"))[0])

	spec, known := r.registry[keyword]
	if !known {
		if slash {
			// Reserved-looking but unparseable: short-circuit, never wake
			// the LLM.
			cc.Say(fmt.Sprintf("⚡ 알 수 없는 명령어입니다: `%s`. `help`를 입력해 보세요.", keyword))
			return handled
		}
		return CommandResult{}
	}

	fields := strings.Fields(strings.TrimPrefix(text, "/"))
	cc.Args = fields[1:]

	if spec.needSession && cc.Session == nil {
		cc.Say("⚡ 이 스레드에는 아직 세션이 없습니다.")
		return handled
	}

	r.logger.Info("command", "keyword", keyword, "user", cc.User)
	return spec.run(r, cc)
}

// IsCommandWord reports whether a message's first word is a registered
// keyword.
func (r *Router) IsCommandWord(text string) bool {
	fields := strings.Fields(strings.TrimPrefix(strings.TrimSpace(text), "/"))
	if len(fields) == 0 {
		return false
	}
	_, ok := r.registry[strings.ToLower(fields[0])]
	return ok
}

// ---------- handlers ----------

func (r *Router) cmdCwd(cc *CommandContext) CommandResult {
	cc.Say(fmt.Sprintf("📁 작업 디렉터리: `%s`\n(변경은 지원하지 않습니다)", r.deps.WorkDir))
	return handled
}

func (r *Router) cmdMCP(cc *CommandContext) CommandResult {
	if r.deps.MCPConfigPath == "" {
		cc.Say("⚡ 설정된 MCP 서버가 없습니다.")
		return handled
	}

	reload := len(cc.Args) > 0 && strings.EqualFold(cc.Args[0], "reload")
	data, err := os.ReadFile(r.deps.MCPConfigPath)
	if err != nil {
		cc.Say(fmt.Sprintf("⚡ MCP 설정을 읽을 수 없습니다: %v", err))
		return handled
	}

	var cfg struct {
		MCPServers map[string]json.RawMessage `json:"mcpServers"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		cc.Say(fmt.Sprintf("⚡ MCP 설정이 올바른 JSON이 아닙니다: %v", err))
		return handled
	}

	names := make([]string, 0, len(cfg.MCPServers))
	for name := range cfg.MCPServers {
		names = append(names, "`"+name+"`")
	}
	verb := "MCP 서버"
	if reload {
		// The runner re-reads the file on every agent spawn; reload just
		// re-validates and reports.
		verb = "MCP 설정을 다시 읽었습니다. 서버"
	}
	cc.Say(fmt.Sprintf("🔌 %s (%d): %s", verb, len(names), strings.Join(names, ", ")))
	return handled
}

func (r *Router) cmdBypass(cc *CommandContext) CommandResult {
	on, err := r.deps.Prefs.ToggleBypass(cc.User)
	if err != nil {
		cc.Say(fmt.Sprintf("⚡ 설정 저장에 실패했습니다: %v", err))
		return handled
	}
	if on {
		cc.Say("🔓 권한 확인 건너뛰기: *켜짐*")
	} else {
		cc.Say("🔒 권한 확인 건너뛰기: *꺼짐*")
	}
	return handled
}

func (r *Router) cmdPersona(cc *CommandContext) CommandResult {
	return r.prefSetting(cc, "persona", r.deps.Personas,
		func(p UserPrefs) string { return p.Persona },
		r.deps.Prefs.SetPersona)
}

func (r *Router) cmdModel(cc *CommandContext) CommandResult {
	return r.prefSetting(cc, "model", r.deps.Models,
		func(p UserPrefs) string { return p.Model },
		r.deps.Prefs.SetModel)
}

func (r *Router) prefSetting(cc *CommandContext, what string, options []string, get func(UserPrefs) string, set func(string, string) error) CommandResult {
	prefs, err := r.deps.Prefs.Get(cc.User)
	if err != nil {
		cc.Say(fmt.Sprintf("⚡ 설정을 읽을 수 없습니다: %v", err))
		return handled
	}

	if len(cc.Args) == 0 || strings.EqualFold(cc.Args[0], "list") {
		current := get(prefs)
		if current == "" {
			current = "(기본값)"
		}
		msg := fmt.Sprintf("현재 %s: *%s*", what, current)
		if len(options) > 0 {
			msg += "\n선택 가능: " + strings.Join(options, ", ")
		}
		cc.Say(msg)
		return handled
	}

	value := cc.Args[0]
	if len(options) > 0 && !contains(options, value) {
		cc.Say(fmt.Sprintf("⚡ 알 수 없는 %s: `%s`. 선택 가능: %s", what, value, strings.Join(options, ", ")))
		return handled
	}
	if err := set(cc.User, value); err != nil {
		cc.Say(fmt.Sprintf("⚡ 설정 저장에 실패했습니다: %v", err))
		return handled
	}
	cc.Say(fmt.Sprintf("✅ %s이(가) *%s*(으)로 설정되었습니다.", what, value))
	return handled
}

func (r *Router) cmdSessions(cc *CommandContext) CommandResult {
	public := len(cc.Args) > 0 && strings.EqualFold(cc.Args[0], "public")
	sessions := r.deps.Store.ForOwner(cc.User)

	text := renderSessionList("내 세션", sessions)
	if public {
		cc.Say(text)
	} else {
		cc.SayEphemeral(text)
	}
	return handled
}

func (r *Router) cmdAllSessions(cc *CommandContext) CommandResult {
	cc.SayEphemeral(renderSessionList("전체 세션", r.deps.Store.All()))
	return handled
}

func (r *Router) cmdTerminate(cc *CommandContext) CommandResult {
	if len(cc.Args) == 0 {
		cc.Say("⚡ 사용법: `terminate <session-key>`")
		return handled
	}
	key := cc.Args[0]
	target := r.deps.Store.GetByKey(key)
	if target == nil {
		cc.Say(fmt.Sprintf("⚡ 세션을 찾을 수 없습니다: `%s`", key))
		return handled
	}
	if target.Owner != cc.User {
		cc.Say("⚡ 세션 소유자만 종료할 수 있습니다.")
		return handled
	}
	r.deps.Coord.Cancel(key)
	r.deps.Store.Terminate(key)
	cc.Say(fmt.Sprintf("🗑️ 세션 `%s`을(를) 종료했습니다.", key))
	return handled
}

// Close-confirmation wire identifiers; the assistant routes matching button
// clicks to ConfirmClose.
const (
	ActionCloseConfirm = "tc_close_confirm"
	ActionCloseCancel  = "tc_close_cancel"
)

func (r *Router) cmdClose(cc *CommandContext) CommandResult {
	if cc.Session.Owner != cc.User {
		cc.Say("⚡ 세션 소유자만 닫을 수 있습니다.")
		return handled
	}
	cc.SayBlocks("세션을 닫을까요?", []slack.Block{
		slack.SectionBlock("이 스레드의 세션을 닫을까요? 대화 기록은 보존됩니다."),
		slack.ActionsBlock("close_confirm",
			slack.ButtonElement(ActionCloseConfirm, "닫기", cc.Session.Key, "danger"),
			slack.ButtonElement(ActionCloseCancel, "취소", cc.Session.Key, ""),
		),
	})
	return handled
}

// ConfirmClose terminates the session after the confirm button.
func (r *Router) ConfirmClose(key, user string) (string, bool) {
	target := r.deps.Store.GetByKey(key)
	if target == nil {
		return "⚡ 세션이 이미 없습니다.", false
	}
	if target.Owner != user {
		return "⚡ 세션 소유자만 닫을 수 있습니다.", false
	}
	r.deps.Coord.Cancel(key)
	r.deps.Store.Terminate(key)
	return "🗑️ 세션을 닫았습니다.", true
}

func (r *Router) cmdNew(cc *CommandContext) CommandResult {
	key := cc.Session.Key
	if r.deps.Coord.IsActive(key) {
		r.deps.Coord.Cancel(key)
	}
	r.deps.Store.ResetContext(key)
	cc.Say("🆕 세션 컨텍스트를 초기화했습니다.")

	prompt := strings.TrimSpace(strings.Join(cc.Args, " "))
	return CommandResult{Handled: true, ContinueWithPrompt: prompt}
}

func (r *Router) cmdOnboarding(cc *CommandContext) CommandResult {
	key := cc.Session.Key
	if r.deps.Coord.IsActive(key) {
		r.deps.Coord.Cancel(key)
	}
	r.deps.Store.ResetContext(key)

	prompt := strings.TrimSpace(strings.Join(cc.Args, " "))
	if prompt == "" {
		prompt = defaultOnboardingPrompt
	}
	return CommandResult{
		Handled:            true,
		ContinueWithPrompt: prompt,
		ForceWorkflow:      dispatch.WorkflowOnboarding,
	}
}

func (r *Router) cmdContext(cc *CommandContext) CommandResult {
	u := cc.Session.Usage()
	if u.LastUpdated.IsZero() {
		cc.Say("컨텍스트 사용량이 아직 없습니다.")
		return handled
	}
	cc.Say(fmt.Sprintf(
		"🧠 *컨텍스트 사용량*\n남은 공간: %d%%\n현재 턴: 입력 %d · 출력 %d 토큰\n누적: 입력 %d · 출력 %d 토큰\n비용: $%.4f",
		u.RemainingPercent(), u.CurrentInput, u.CurrentOutput,
		u.TotalInput, u.TotalOutput, u.TotalCostUSD))
	return handled
}

func (r *Router) cmdRenew(cc *CommandContext) CommandResult {
	userMessage := strings.TrimSpace(strings.Join(cc.Args, " "))
	if err := r.deps.Renew.Begin(cc.Session, userMessage); err != nil {
		cc.Say("⚡ " + err.Error())
		return handled
	}
	cc.Say("♻️ 컨텍스트를 저장한 뒤 새로 시작합니다…")
	return CommandResult{Handled: true, ContinueWithPrompt: r.deps.Renew.SavePrompt()}
}

func (r *Router) cmdLink(cc *CommandContext) CommandResult {
	if len(cc.Args) < 2 {
		cc.Say("⚡ 사용법: `link issue|pr|doc <url>`")
		return handled
	}
	slot, ok := links.SlotFor(strings.ToLower(cc.Args[0]))
	if !ok {
		cc.Say(fmt.Sprintf("⚡ 알 수 없는 링크 종류: `%s` (issue, pr, doc 중 하나)", cc.Args[0]))
		return handled
	}
	url := strings.Trim(cc.Args[1], "<>")
	if i := strings.IndexByte(url, '|'); i >= 0 {
		url = url[:i]
	}
	if !links.IsHTTP(url) {
		cc.Say("⚡ http(s) URL이 필요합니다.")
		return handled
	}
	l := links.Classify(url, slot)
	cc.Session.SetLink(l)
	cc.Say(fmt.Sprintf("🔗 %s 링크를 연결했습니다: %s", slot, l.Label))
	return handled
}

func (r *Router) cmdHelp(cc *CommandContext) CommandResult {
	var b strings.Builder
	b.WriteString("*사용 가능한 명령어*\n")
	for _, spec := range []string{
		"cwd", "mcp", "bypass", "persona", "model", "sessions",
		"all_sessions", "terminate", "close", "new", "onboarding",
		"context", "renew", "link", "help",
	} {
		fmt.Fprintf(&b, "• `%s` — %s\n", spec, r.registry[spec].summary)
	}
	cc.SayEphemeral(b.String())
	return handled
}

// ---------- helpers ----------

func renderSessionList(title string, sessions []*session.Session) string {
	if len(sessions) == 0 {
		return title + ": 없음"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "*%s* (%d)\n", title, len(sessions))
	for _, s := range sessions {
		label := s.Title()
		if label == "" {
			label = string(s.Workflow())
		}
		if label == "" {
			label = "(제목 없음)"
		}
		fmt.Fprintf(&b, "• `%s` — %s · %s · %s\n",
			s.Key, label, s.State(), s.LastActivity().Format("01-02 15:04"))
	}
	return b.String()
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
