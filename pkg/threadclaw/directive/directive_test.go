package directive

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSessionLinks(t *testing.T) {
	t.Run("fenced block", func(t *testing.T) {
		text := "링크를 등록했습니다.\n```json\n{\"type\": \"session_links\", \"jira\": \"https://acme.atlassian.net/browse/PTN-1\"}\n```"
		dir, rest := ParseSessionLinks(text)
		require.NotNil(t, dir)
		require.NotNil(t, dir.Links.Issue)
		assert.Equal(t, "PTN-1", dir.Links.Issue.Label)
		assert.Equal(t, "링크를 등록했습니다.", rest)
	})

	t.Run("raw object with issue alias", func(t *testing.T) {
		text := "done\n{\"type\": \"session_links\", \"issue\": \"https://acme.atlassian.net/browse/PTN-2\", \"pr\": \"https://github.com/a/b/pull/3\"}"
		dir, rest := ParseSessionLinks(text)
		require.NotNil(t, dir)
		assert.NotNil(t, dir.Links.Issue)
		assert.NotNil(t, dir.Links.PR)
		assert.Equal(t, "done", rest)
	})

	t.Run("non-http values ignored", func(t *testing.T) {
		text := "{\"type\": \"session_links\", \"jira\": \"PTN-3\"}"
		dir, rest := ParseSessionLinks(text)
		assert.Nil(t, dir)
		assert.Equal(t, text, rest)
	})

	t.Run("absent", func(t *testing.T) {
		dir, rest := ParseSessionLinks("그냥 텍스트")
		assert.Nil(t, dir)
		assert.Equal(t, "그냥 텍스트", rest)
	})
}

func TestParseChannelMessage(t *testing.T) {
	for _, key := range []string{"text", "message", "content"} {
		t.Run("key "+key, func(t *testing.T) {
			text := "{\"type\": \"channel_message\", \"" + key + "\": \"배포가 완료되었습니다\"}"
			dir, rest := ParseChannelMessage(text)
			require.NotNil(t, dir)
			assert.Equal(t, "배포가 완료되었습니다", dir.Text)
			assert.Equal(t, "", rest)
		})
	}

	t.Run("empty body stays in text", func(t *testing.T) {
		text := "{\"type\": \"channel_message\", \"text\": \"  \"}"
		dir, rest := ParseChannelMessage(text)
		assert.Nil(t, dir)
		assert.Equal(t, text, rest)
	})
}

func TestParseUserChoice(t *testing.T) {
	t.Run("single", func(t *testing.T) {
		text := "선택해 주세요.\n```json\n{\"type\": \"user_choice\", \"question\": \"배포할까요?\", \"choices\": [{\"id\": \"y\", \"label\": \"네\"}, {\"id\": \"n\", \"label\": \"아니오\"}]}\n```"
		prompt, rest := ParseUserChoice(text)
		require.NotNil(t, prompt)
		require.NotNil(t, prompt.Single)
		assert.Nil(t, prompt.Form)
		assert.Equal(t, "배포할까요?", prompt.Single.Question)
		assert.Len(t, prompt.Single.Choices, 2)
		assert.Equal(t, "선택해 주세요.", rest)
	})

	t.Run("form", func(t *testing.T) {
		text := `{"type": "user_choices", "title": "설정", "questions": [{"id": "q1", "question": "환경?", "choices": [{"id": "p", "label": "prod"}]}]}`
		prompt, _ := ParseUserChoice(text)
		require.NotNil(t, prompt)
		require.NotNil(t, prompt.Form)
		assert.Equal(t, "설정", prompt.Form.Title)
		assert.Len(t, prompt.Form.Questions, 1)
	})

	t.Run("legacy single normalizes to single", func(t *testing.T) {
		text := `{"question": "outer", "choices": [{"question": "배포?", "choices": [{"id": "y", "label": "네"}]}], "context": "ctx"}`
		prompt, _ := ParseUserChoice(text)
		require.NotNil(t, prompt)
		require.NotNil(t, prompt.Single)
		assert.Equal(t, "배포?", prompt.Single.Question)
		assert.Equal(t, "ctx", prompt.Single.Context)
	})

	t.Run("legacy multi normalizes to form", func(t *testing.T) {
		text := `{"question": "설정을 골라주세요", "choices": [` +
			`{"question": "환경?", "choices": [{"id": "p", "label": "prod"}]},` +
			`{"question": "리전?", "choices": [{"id": "k", "label": "kr"}]}]}`
		prompt, _ := ParseUserChoice(text)
		require.NotNil(t, prompt)
		require.NotNil(t, prompt.Form)
		assert.Equal(t, "설정을 골라주세요", prompt.Form.Title)
		require.Len(t, prompt.Form.Questions, 2)
		assert.Equal(t, "q1", prompt.Form.Questions[0].ID)
		assert.Equal(t, "q2", prompt.Form.Questions[1].ID)
	})

	t.Run("untyped object without legacy shape stays put", func(t *testing.T) {
		text := `{"question": "q", "choices": [{"id": "a", "label": "plain"}]}`
		prompt, rest := ParseUserChoice(text)
		assert.Nil(t, prompt)
		assert.Equal(t, text, rest)
	})

	t.Run("missing question rejected", func(t *testing.T) {
		text := `{"type": "user_choice", "choices": [{"id": "y", "label": "네"}]}`
		prompt, _ := ParseUserChoice(text)
		assert.Nil(t, prompt)
	})
}

func TestFencedPrecedence(t *testing.T) {
	// A raw object earlier in the text loses to a fenced block.
	text := "{\"type\": \"channel_message\", \"text\": \"raw\"}\n```json\n{\"type\": \"channel_message\", \"text\": \"fenced\"}\n```"
	dir, _ := ParseChannelMessage(text)
	require.NotNil(t, dir)
	assert.Equal(t, "fenced", dir.Text)
}

func TestFirstObject(t *testing.T) {
	assert.Equal(t, "", FirstObject("no json here"))

	raw := FirstObject("prefix\n{\"a\": 1}\nsuffix")
	assert.Equal(t, `{"a": 1}`, raw)

	// Braces inside strings do not confuse the scanner.
	raw = FirstObject("x\n{\"a\": \"}{\"}")
	assert.Equal(t, `{"a": "}{"}`, raw)
}

func TestObjects(t *testing.T) {
	text := "{\"a\": 1}\nmiddle\n{\"b\": 2}"
	objs := Objects(text)
	require.Len(t, objs, 2)
	assert.Equal(t, `{"a": 1}`, objs[0])
	assert.Equal(t, `{"b": 2}`, objs[1])
}

func TestStrayBraceDoesNotHideLaterObject(t *testing.T) {
	objs := Objects("{ 중괄호만 있는 줄\n{\"a\": 1}")
	require.Len(t, objs, 1)
	assert.Equal(t, "{\"a\": 1}", objs[0])

	text := "설정 예: { ... 생략\n{\"type\": \"channel_message\", \"text\": \"공지\"}"
	dir, rest := ParseChannelMessage(text)
	require.NotNil(t, dir)
	assert.Equal(t, "공지", dir.Text)
	assert.Contains(t, rest, "생략")
}

func TestStripIdempotent(t *testing.T) {
	text := "before\n\n\n{\"type\": \"channel_message\", \"text\": \"hi\"}\n\n\nafter"
	_, rest := ParseChannelMessage(text)
	assert.Equal(t, "before\n\nafter", rest)

	// Re-running the parser on the remainder is a no-op.
	dir, again := ParseChannelMessage(rest)
	assert.Nil(t, dir)
	assert.Equal(t, rest, again)
}

func TestEmbeddedBraceNotTopLevel(t *testing.T) {
	// Mid-word braces are not candidates.
	text := "code like f(){\"type\": \"user_choice\"} stays"
	prompt, rest := ParseUserChoice(text)
	assert.Nil(t, prompt)
	assert.Equal(t, text, rest)
}
