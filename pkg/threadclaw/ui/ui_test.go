package ui

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadclaw/threadclaw/pkg/threadclaw/directive"
	"github.com/threadclaw/threadclaw/pkg/threadclaw/slack"
)

// fakeAPI records Slack calls and can be told to fail.
type fakeAPI struct {
	mu         sync.Mutex
	posts      []slack.Message
	updates    []string // "channel/ts: text"
	deletes    []string
	added      []string // "ts:emoji"
	removed    []string
	views      int
	postErr    error
	addErr     error
	nextTS     int
}

func (f *fakeAPI) PostMessage(_ context.Context, msg slack.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return "", f.postErr
	}
	f.posts = append(f.posts, msg)
	f.nextTS++
	return fmt.Sprintf("100.%d", f.nextTS), nil
}

func (f *fakeAPI) UpdateMessage(_ context.Context, channel, ts, text string, _ []slack.Block) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, channel+"/"+ts+": "+text)
	return nil
}

func (f *fakeAPI) DeleteMessage(_ context.Context, channel, ts string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, channel+"/"+ts)
	return nil
}

func (f *fakeAPI) AddReaction(_ context.Context, _, ts, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	f.added = append(f.added, ts+":"+emoji)
	return nil
}

func (f *fakeAPI) RemoveReaction(_ context.Context, _, ts, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, ts+":"+emoji)
	return nil
}

func (f *fakeAPI) OpenView(_ context.Context, _ string, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.views++
	return nil
}

// ---------- reactions ----------

func TestBucketFor(t *testing.T) {
	assert.Equal(t, Bucket80, BucketFor(100))
	assert.Equal(t, Bucket80, BucketFor(80))
	assert.Equal(t, Bucket60, BucketFor(79))
	assert.Equal(t, Bucket40, BucketFor(58))
	assert.Equal(t, Bucket20, BucketFor(20))
	assert.Equal(t, Bucket0, BucketFor(18))
	assert.Equal(t, Bucket0, BucketFor(0))
}

func TestReactionsStatusTransition(t *testing.T) {
	api := &fakeAPI{}
	r := NewReactions(api, nil)
	ctx := context.Background()

	r.SetStatus(ctx, "k", "C1", "1.1", StatusThinking)
	r.SetStatus(ctx, "k", "C1", "1.1", StatusWorking)

	assert.Equal(t, []string{"1.1:thought_balloon", "1.1:hammer_and_wrench"}, api.added)
	assert.Equal(t, []string{"1.1:thought_balloon"}, api.removed)
}

func TestReactionsSameEmojiSkipped(t *testing.T) {
	api := &fakeAPI{}
	r := NewReactions(api, nil)
	ctx := context.Background()

	r.SetStatus(ctx, "k", "C1", "1.1", StatusWorking)
	r.SetStatus(ctx, "k", "C1", "1.1", StatusWorking)
	assert.Len(t, api.added, 1)
	assert.Empty(t, api.removed)
}

func TestReactionsAddFailureNotCommitted(t *testing.T) {
	api := &fakeAPI{addErr: errors.New("rate limited")}
	r := NewReactions(api, nil)
	ctx := context.Background()

	r.SetStatus(ctx, "k", "C1", "1.1", StatusWorking)
	// The next transition retries from scratch rather than removing a ghost.
	api.addErr = nil
	r.SetStatus(ctx, "k", "C1", "1.1", StatusWorking)

	assert.Equal(t, []string{"1.1:hammer_and_wrench"}, api.added)
	assert.Empty(t, api.removed)
}

func TestReactionsContextBuckets(t *testing.T) {
	api := &fakeAPI{}
	r := NewReactions(api, nil)
	ctx := context.Background()

	r.SetContext(ctx, "k", "C1", "1.1", 82, false)
	r.SetContext(ctx, "k", "C1", "1.1", 58, false)
	r.SetContext(ctx, "k", "C1", "1.1", 18, false)

	assert.Equal(t, []string{
		"1.1:large_green_circle",
		"1.1:large_orange_circle",
		"1.1:sos",
	}, api.added)
}

func TestReactionsPromptTooLongForcesEmpty(t *testing.T) {
	api := &fakeAPI{}
	r := NewReactions(api, nil)
	r.SetContext(context.Background(), "k", "C1", "1.1", 95, true)
	assert.Equal(t, []string{"1.1:sos"}, api.added)
}

func TestReactionsRebindOnRootChange(t *testing.T) {
	api := &fakeAPI{}
	r := NewReactions(api, nil)
	ctx := context.Background()

	r.SetStatus(ctx, "k", "C1", "1.1", StatusWorking)
	r.SetStatus(ctx, "k", "C1", "2.2", StatusCompleted)

	assert.Equal(t, []string{"1.1:hammer_and_wrench"}, api.removed)
	assert.Equal(t, []string{"1.1:hammer_and_wrench", "2.2:white_check_mark"}, api.added)
}

func TestReactionsDrop(t *testing.T) {
	api := &fakeAPI{}
	r := NewReactions(api, nil)
	ctx := context.Background()

	r.SetStatus(ctx, "k", "C1", "1.1", StatusCompleted)
	r.SetContext(ctx, "k", "C1", "1.1", 90, false)
	r.Drop(ctx, "k")

	assert.Len(t, api.removed, 2)
	// Dropping again is a no-op.
	r.Drop(ctx, "k")
	assert.Len(t, api.removed, 2)
}

// ---------- panel ----------

func TestPanelPostThenUpdate(t *testing.T) {
	api := &fakeAPI{}
	p := NewPanel(api, nil)
	ctx := context.Background()

	require.NoError(t, p.Render(ctx, "k", "C1", "1.1", PanelState{Status: PanelWorking, ContextPercent: 90}))
	require.NoError(t, p.Render(ctx, "k", "C1", "1.1", PanelState{Status: PanelIdle, ContextPercent: 90}))

	assert.Len(t, api.posts, 1)
	assert.Len(t, api.updates, 1)
}

func TestPanelIdempotentRender(t *testing.T) {
	api := &fakeAPI{}
	p := NewPanel(api, nil)
	ctx := context.Background()
	state := PanelState{Status: PanelWorking, ContextPercent: 75, Workflow: "pr-review"}

	require.NoError(t, p.Render(ctx, "k", "C1", "1.1", state))
	require.NoError(t, p.Render(ctx, "k", "C1", "1.1", state))

	assert.Len(t, api.posts, 1)
	assert.Empty(t, api.updates)
}

func TestPanelDrop(t *testing.T) {
	api := &fakeAPI{}
	p := NewPanel(api, nil)
	ctx := context.Background()

	require.NoError(t, p.Render(ctx, "k", "C1", "1.1", PanelState{Status: PanelIdle}))
	p.Drop(ctx, "k")
	assert.Len(t, api.deletes, 1)

	p.Drop(ctx, "k")
	assert.Len(t, api.deletes, 1)
}

// ---------- forms ----------

type resumeRecorder struct {
	mu    sync.Mutex
	texts []string
	users []string
}

func (r *resumeRecorder) fn(_ context.Context, _, _, user, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
	r.users = append(r.users, user)
}

func singlePrompt() *directive.UserChoice {
	return &directive.UserChoice{
		Question: "배포할까요?",
		Choices: []directive.Choice{
			{ID: "y", Label: "네"},
			{ID: "n", Label: "아니오"},
		},
	}
}

func clickValue(t *testing.T, api *fakeAPI, postIdx int, choiceID string) string {
	t.Helper()
	require.Greater(t, len(api.posts), postIdx)
	for _, block := range api.posts[postIdx].Blocks {
		elements, ok := block["elements"].([]map[string]any)
		if !ok {
			continue
		}
		for _, el := range elements {
			if el["action_id"] != actionChoice {
				continue
			}
			value, _ := el["value"].(string)
			_, _, cid, _, ok := decodeChoiceValue(value)
			if ok && cid == choiceID {
				return value
			}
		}
	}
	t.Fatalf("no button for choice %q in post %d", choiceID, postIdx)
	return ""
}

func TestFormsSingleChoiceResumes(t *testing.T) {
	api := &fakeAPI{}
	res := &resumeRecorder{}
	f := NewForms(api, res.fn, nil)
	ctx := context.Background()

	require.NoError(t, f.PromptSingle(ctx, "k", "C1", "1.1", singlePrompt(), "설명"))
	assert.True(t, f.HasPending("k"))

	value := clickValue(t, api, 0, "y")
	consumed := f.HandleInteraction(ctx, slack.InteractionEvent{
		Type:    "block_actions",
		User:    "U1",
		Actions: []slack.BlockAction{{ActionID: actionChoice, Value: value}},
	})
	assert.True(t, consumed)

	assert.False(t, f.HasPending("k"))
	require.Equal(t, []string{"네"}, res.texts)
	assert.Equal(t, []string{"U1"}, res.users)
	// The card was rewritten into a receipt.
	require.Len(t, api.updates, 1)
	assert.Contains(t, api.updates[0], "네")
}

func TestFormsChunking(t *testing.T) {
	api := &fakeAPI{}
	res := &resumeRecorder{}
	f := NewForms(api, res.fn, nil)
	ctx := context.Background()

	form := &directive.UserChoices{Title: "설정"}
	for i := 1; i <= 7; i++ {
		form.Questions = append(form.Questions, directive.Question{
			ID:       fmt.Sprintf("q%d", i),
			Question: fmt.Sprintf("질문 %d", i),
			Choices:  []directive.Choice{{ID: "a", Label: "답"}},
		})
	}

	require.NoError(t, f.PromptForm(ctx, "k", "C1", "1.1", form, "안내"))
	// Seven questions split into a 6-question chunk and a 1-question chunk.
	require.Len(t, api.posts, 2)
	assert.Contains(t, api.posts[0].Text, "(1/2)")
	assert.Contains(t, api.posts[1].Text, "(2/2)")
}

func TestFormsCompositeAnswer(t *testing.T) {
	api := &fakeAPI{}
	res := &resumeRecorder{}
	f := NewForms(api, res.fn, nil)
	ctx := context.Background()

	form := &directive.UserChoices{
		Title: "설정",
		Questions: []directive.Question{
			{ID: "q1", Question: "환경?", Choices: []directive.Choice{{ID: "p", Label: "prod"}}},
			{ID: "q2", Question: "리전?", Choices: []directive.Choice{{ID: "k", Label: "kr"}}},
		},
	}
	require.NoError(t, f.PromptForm(ctx, "k", "C1", "1.1", form, ""))

	click := func(choiceID string) {
		f.HandleInteraction(ctx, slack.InteractionEvent{
			Type:    "block_actions",
			User:    "U1",
			Actions: []slack.BlockAction{{ActionID: actionChoice, Value: clickValue(t, api, 0, choiceID)}},
		})
	}
	click("p")
	assert.True(t, f.HasPending("k"))
	click("k")

	require.Len(t, res.texts, 1)
	assert.Equal(t, "환경?: p. prod\n리전?: k. kr", res.texts[0])
}

func TestFormsFreeTextAnswer(t *testing.T) {
	api := &fakeAPI{}
	res := &resumeRecorder{}
	f := NewForms(api, res.fn, nil)
	ctx := context.Background()

	require.NoError(t, f.PromptSingle(ctx, "k", "C1", "1.1", singlePrompt(), ""))

	// Find the free-text button's value for its metadata.
	var meta string
	for _, block := range api.posts[0].Blocks {
		elements, ok := block["elements"].([]map[string]any)
		if !ok {
			continue
		}
		for _, el := range elements {
			if el["action_id"] == actionFreeText {
				meta, _ = el["value"].(string)
			}
		}
	}
	require.NotEmpty(t, meta)

	consumed := f.HandleInteraction(ctx, slack.InteractionEvent{
		Type:        "view_submission",
		User:        "U1",
		CallbackID:  callbackFreeText,
		Metadata:    meta,
		InputValues: map[string]string{freeTextInputBlock: "다음 주에 배포"},
	})
	assert.True(t, consumed)
	require.Equal(t, []string{"(직접입력) 다음 주에 배포"}, res.texts)
}

func TestFormsInvalidation(t *testing.T) {
	api := &fakeAPI{}
	f := NewForms(api, nil, nil)
	ctx := context.Background()

	require.NoError(t, f.PromptSingle(ctx, "k", "C1", "1.1", singlePrompt(), ""))
	staleValue := clickValue(t, api, 0, "y")

	// A second prompt invalidates the first; the stale click is swallowed.
	require.NoError(t, f.PromptSingle(ctx, "k", "C1", "1.1", singlePrompt(), ""))
	f.HandleInteraction(ctx, slack.InteractionEvent{
		Type:    "block_actions",
		User:    "U1",
		Actions: []slack.BlockAction{{ActionID: actionChoice, Value: staleValue}},
	})
	assert.Empty(t, api.updates)
	assert.True(t, f.HasPending("k"))
}

func TestFormsFallbackPlainText(t *testing.T) {
	api := &fakeAPI{postErr: errors.New("invalid_blocks")}
	f := NewForms(api, nil, nil)
	ctx := context.Background()

	// The fallback post fails too, so the error surfaces.
	err := f.PromptSingle(ctx, "k", "C1", "1.1", singlePrompt(), "")
	require.Error(t, err)

	// When only the block post fails, the plain-text rendition goes out.
	api2 := &fakeAPI{}
	f2 := NewForms(api2, nil, nil)
	form := &pendingForm{
		id:         "f1",
		sessionKey: "k",
		channel:    "C1",
		threadTS:   "1.1",
		questions: []directive.Question{{
			ID: "q1", Question: "배포할까요?",
			Choices: []directive.Choice{{ID: "y", Label: "네", Description: "바로 진행"}},
		}},
		selections: map[string]selection{},
	}
	require.NoError(t, f2.fallbackPlainText(ctx, form, "", errors.New("invalid_blocks")))
	require.Len(t, api2.posts, 1)
	assert.Contains(t, api2.posts[0].Text, "1. 네")
}

func TestDecodeChoiceValue(t *testing.T) {
	formID, qID, cID, label, ok := decodeChoiceValue("f|q|c|레이블")
	require.True(t, ok)
	assert.Equal(t, []string{"f", "q", "c", "레이블"}, []string{formID, qID, cID, label})

	_, _, _, _, ok = decodeChoiceValue("broken")
	assert.False(t, ok)
	_, _, _, _, ok = decodeChoiceValue("|q|c|l")
	assert.False(t, ok)

	// Labels with pipes survive a round trip.
	v := encodeChoiceValue("f", "q", "c", "a|b")
	_, _, _, label, ok = decodeChoiceValue(v)
	require.True(t, ok)
	assert.Equal(t, "a/b", label)
}
