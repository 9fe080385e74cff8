package stream

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadclaw/threadclaw/pkg/threadclaw/claude"
	"github.com/threadclaw/threadclaw/pkg/threadclaw/directive"
	"github.com/threadclaw/threadclaw/pkg/threadclaw/links"
	"github.com/threadclaw/threadclaw/pkg/threadclaw/session"
)

// sink records every callback invocation in order.
type sink struct {
	texts      []string
	tools      []string
	results    []string
	channels   []string
	linkSets   []links.Set
	choices    []*directive.ChoicePrompt
	leads      []string
	sessionIDs []string
	usages     []session.TurnUsage
	working    int
	textErr    error
}

func (s *sink) callbacks() Callbacks {
	return Callbacks{
		OnSessionID: func(_ context.Context, id string) { s.sessionIDs = append(s.sessionIDs, id) },
		OnWorking:   func(_ context.Context) { s.working++ },
		OnToolUse: func(_ context.Context, name, summary string) {
			s.tools = append(s.tools, summary)
		},
		OnToolResult: func(_ context.Context, _, name, text string, isError bool, _ string) {
			s.results = append(s.results, name+":"+text)
		},
		OnText: func(_ context.Context, text string) error {
			if s.textErr != nil {
				return s.textErr
			}
			s.texts = append(s.texts, text)
			return nil
		},
		OnLinks: func(_ context.Context, set links.Set) { s.linkSets = append(s.linkSets, set) },
		OnChannelMessage: func(_ context.Context, text string) {
			s.channels = append(s.channels, text)
		},
		OnChoice: func(_ context.Context, prompt *directive.ChoicePrompt, lead string) error {
			s.choices = append(s.choices, prompt)
			s.leads = append(s.leads, lead)
			return nil
		},
		OnUsage: func(_ context.Context, u session.TurnUsage) { s.usages = append(s.usages, u) },
	}
}

func assistantText(text string) claude.StreamEvent {
	return claude.StreamEvent{
		Type: claude.EventAssistant,
		Message: &claude.ParsedMessage{
			Role:    "assistant",
			Content: []claude.ContentBlock{{Type: "text", Text: text}},
		},
	}
}

func resultEvent(subtype, text string) claude.StreamEvent {
	return claude.StreamEvent{Type: claude.EventResult, Subtype: subtype, Result: text}
}

func runEvents(t *testing.T, s *sink, evs ...claude.StreamEvent) Return {
	t.Helper()
	ch := make(chan claude.StreamEvent, len(evs))
	for _, ev := range evs {
		ch <- ev
	}
	close(ch)

	p := NewProcessor("C1:1", NewToolTracker(), s.callbacks(), nil)
	ret, err := p.Run(context.Background(), ch, func() error { return nil })
	require.NoError(t, err)
	return ret
}

func TestRunPlainText(t *testing.T) {
	s := &sink{}
	ret := runEvents(t, s,
		assistantText("첫 번째 메시지"),
		resultEvent(claude.ResultSuccess, ""),
	)

	assert.True(t, ret.Success)
	assert.Equal(t, []string{"첫 번째 메시지"}, s.texts)
	assert.Equal(t, 1, ret.MessageCount)
	assert.Equal(t, "첫 번째 메시지", ret.CollectedText)
}

func TestRunToolUse(t *testing.T) {
	s := &sink{}
	ev := claude.StreamEvent{
		Type: claude.EventAssistant,
		Message: &claude.ParsedMessage{
			Content: []claude.ContentBlock{{
				Type: "tool_use", ID: "tu_1", Name: "Read",
				Input: json.RawMessage(`{"file_path": "/tmp/a.go"}`),
			}},
		},
	}
	ret := runEvents(t, s, ev, resultEvent(claude.ResultSuccess, ""))

	assert.True(t, ret.Success)
	assert.Equal(t, 1, s.working)
	require.Len(t, s.tools, 1)
	assert.Equal(t, "Read: /tmp/a.go", s.tools[0])
}

func TestRunToolResultResolvesName(t *testing.T) {
	s := &sink{}
	use := claude.StreamEvent{
		Type: claude.EventAssistant,
		Message: &claude.ParsedMessage{
			Content: []claude.ContentBlock{{
				Type: "tool_use", ID: "tu_1", Name: "Bash",
				Input: json.RawMessage(`{"command": "ls"}`),
			}},
		},
	}
	result := claude.StreamEvent{
		Type: claude.EventUser,
		Message: &claude.ParsedMessage{
			Content: []claude.ContentBlock{{
				Type: "tool_result", ToolUseID: "tu_1",
				Content: json.RawMessage(`"ok"`),
			}},
		},
	}
	runEvents(t, s, use, result, resultEvent(claude.ResultSuccess, ""))
	assert.Equal(t, []string{"Bash:ok"}, s.results)
}

func TestRunDirectivePipelineOrder(t *testing.T) {
	s := &sink{}
	text := "남은 텍스트\n" +
		"{\"type\": \"session_links\", \"pr\": \"https://github.com/a/b/pull/1\"}\n" +
		"{\"type\": \"channel_message\", \"text\": \"채널 공지\"}"
	runEvents(t, s, assistantText(text), resultEvent(claude.ResultSuccess, ""))

	require.Len(t, s.linkSets, 1)
	assert.NotNil(t, s.linkSets[0].PR)
	assert.Equal(t, []string{"채널 공지"}, s.channels)
	assert.Equal(t, []string{"남은 텍스트"}, s.texts)
}

func TestRunChoiceIsTerminal(t *testing.T) {
	s := &sink{}
	text := "설명입니다.\n```json\n{\"type\": \"user_choice\", \"question\": \"진행할까요?\", \"choices\": [{\"id\": \"y\", \"label\": \"네\"}]}\n```"
	ret := runEvents(t, s, assistantText(text), resultEvent(claude.ResultSuccess, ""))

	assert.True(t, ret.HasUserChoice)
	require.Len(t, s.choices, 1)
	assert.Equal(t, "설명입니다.", s.leads[0])
	// The lead is delivered with the choice, not posted separately.
	assert.Empty(t, s.texts)
}

func TestRunCollectedTextPreStrip(t *testing.T) {
	s := &sink{}
	text := "정리했습니다\n{\"type\": \"channel_message\", \"text\": \"공지\"}"
	ret := runEvents(t, s, assistantText(text), resultEvent(claude.ResultSuccess, ""))

	// Collected text keeps the directive payload for later scanning.
	assert.Contains(t, ret.CollectedText, "channel_message")
	assert.Equal(t, []string{"정리했습니다"}, s.texts)
}

func TestRunFinalResultNotDuplicated(t *testing.T) {
	s := &sink{}
	ret := runEvents(t, s,
		assistantText("같은 텍스트"),
		resultEvent(claude.ResultSuccess, "같은 텍스트"),
	)
	assert.Equal(t, []string{"같은 텍스트"}, s.texts)
	assert.Equal(t, 1, ret.MessageCount)
}

func TestRunFinalResultNewText(t *testing.T) {
	s := &sink{}
	runEvents(t, s,
		assistantText("중간 메시지"),
		resultEvent(claude.ResultSuccess, "마무리 메시지"),
	)
	assert.Equal(t, []string{"중간 메시지", "마무리 메시지"}, s.texts)
}

func TestRunUsagePrefersModelMap(t *testing.T) {
	s := &sink{}
	ev := resultEvent(claude.ResultSuccess, "")
	ev.CostUSD = 0.9
	ev.Usage = &claude.FlatUsage{InputTokens: 1, OutputTokens: 1}
	ev.ModelUsage = map[string]claude.ModelUsage{
		"opus":  {InputTokens: 100, OutputTokens: 40, CostUSD: 0.5, ContextWindow: 200000},
		"haiku": {InputTokens: 10, OutputTokens: 5, CostUSD: 0.01, ContextWindow: 100000},
	}
	ret := runEvents(t, s, ev)

	require.NotNil(t, ret.Usage)
	assert.Equal(t, int64(110), ret.Usage.Input)
	assert.Equal(t, int64(45), ret.Usage.Output)
	assert.Equal(t, int64(200000), ret.Usage.ContextWindow)
	assert.InDelta(t, 0.51, ret.Usage.CostUSD, 1e-9)
	require.Len(t, s.usages, 1)
}

func TestRunUsageFlatFallback(t *testing.T) {
	s := &sink{}
	ev := resultEvent(claude.ResultSuccess, "")
	ev.CostUSD = 0.2
	ev.Usage = &claude.FlatUsage{InputTokens: 7, OutputTokens: 3}
	ret := runEvents(t, s, ev)

	require.NotNil(t, ret.Usage)
	assert.Equal(t, int64(7), ret.Usage.Input)
	assert.Equal(t, 0.2, ret.Usage.CostUSD)
	assert.Equal(t, int64(0), ret.Usage.ContextWindow)
}

func TestRunAbort(t *testing.T) {
	s := &sink{}
	ch := make(chan claude.StreamEvent)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewProcessor("C1:1", NewToolTracker(), s.callbacks(), nil)
	ret, err := p.Run(ctx, ch, func() error { return errors.New("killed") })
	require.NoError(t, err)
	assert.True(t, ret.Aborted)
	assert.False(t, ret.Success)
}

func TestRunProcessError(t *testing.T) {
	s := &sink{}
	ch := make(chan claude.StreamEvent)
	close(ch)

	p := NewProcessor("C1:1", NewToolTracker(), s.callbacks(), nil)
	_, err := p.Run(context.Background(), ch, func() error { return errors.New("exit 1") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit 1")
}

func TestRunFailureResult(t *testing.T) {
	s := &sink{}
	ev := claude.StreamEvent{Type: claude.EventResult, Subtype: "error_during_execution", IsError: true}
	ret := runEvents(t, s, ev)
	assert.False(t, ret.Success)
}

func TestSummarizeToolUse(t *testing.T) {
	assert.Equal(t, "Read: /tmp/a.go",
		SummarizeToolUse("Read", json.RawMessage(`{"file_path": "/tmp/a.go"}`)))
	assert.Equal(t, "Bash: ls -la",
		SummarizeToolUse("Bash", json.RawMessage(`{"command": "ls -la"}`)))
	assert.Equal(t, "Mystery",
		SummarizeToolUse("Mystery", json.RawMessage(`{}`)))
	assert.Equal(t, "Broken",
		SummarizeToolUse("Broken", json.RawMessage(`not json`)))

	long := make([]byte, 0, 300)
	long = append(long, `{"command": "`...)
	for i := 0; i < 200; i++ {
		long = append(long, 'x')
	}
	long = append(long, `"}`...)
	got := SummarizeToolUse("Bash", json.RawMessage(long))
	assert.LessOrEqual(t, len([]rune(got)), len("Bash: ")+121)
}

func TestSummarizeToolUseFallbackIsDeterministic(t *testing.T) {
	// No preferred key: the fallback renders string args in sorted key order
	// and keeps the first three, every run.
	input := json.RawMessage(`{"zeta": "z", "alpha": "a", "mid": "m", "beta": "b"}`)
	want := "Custom: alpha=a beta=b mid=m"
	for i := 0; i < 20; i++ {
		assert.Equal(t, want, SummarizeToolUse("Custom", input))
	}
}

func TestToolTracker(t *testing.T) {
	tr := NewToolTracker()
	tr.Register("s1", "tu_1", "Read")
	tr.RegisterExternal("s1", "tu_1", "ext-9")

	assert.Equal(t, "Read", tr.Name("s1", "tu_1"))
	assert.Equal(t, "", tr.Name("s2", "tu_1"))

	assert.Equal(t, "ext-9", tr.TakeExternal("s1", "tu_1"))
	assert.Equal(t, "", tr.TakeExternal("s1", "tu_1"))

	tr.CleanupNow("s1")
	assert.Equal(t, "", tr.Name("s1", "tu_1"))
}
