package bot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadclaw/threadclaw/pkg/threadclaw/session"
)

func newRenewFixture(t *testing.T) (*Renew, *session.Session, *session.Coordinator) {
	t.Helper()
	store := session.NewStore(nil)
	coord := session.NewCoordinator()
	sess, _ := store.GetOrCreate("C1", "1700.1", "U1")
	sess.SetAgentSessionID("agent-1")
	return NewRenew(store, coord, nil), sess, coord
}

func TestRenewBeginPreconditions(t *testing.T) {
	r, sess, coord := newRenewFixture(t)

	t.Run("no agent session", func(t *testing.T) {
		fresh := session.New("C2", "1", "U1")
		assert.Error(t, r.Begin(fresh, ""))
	})

	t.Run("request in flight", func(t *testing.T) {
		_, finish, err := coord.TryBegin(context.Background(), sess.Key)
		require.NoError(t, err)
		assert.Error(t, r.Begin(sess, ""))
		finish()
	})

	t.Run("accepts and stores message", func(t *testing.T) {
		require.NoError(t, r.Begin(sess, "  이어서 작업해줘  "))
		assert.Equal(t, session.RenewPendingSave, sess.RenewState())
		assert.Equal(t, "이어서 작업해줘", sess.RenewUserMessage())
	})

	t.Run("double begin rejected", func(t *testing.T) {
		assert.Error(t, r.Begin(sess, ""))
	})
}

func TestRenewHappyPathViaCommand(t *testing.T) {
	r, sess, _ := newRenewFixture(t)
	require.NoError(t, r.Begin(sess, "계속해줘"))

	// The agent reports through SAVE_CONTEXT_RESULT mid-turn.
	r.CaptureSaveResult(sess, &session.SaveResult{Success: true, ID: "ctx-42"})
	assert.Equal(t, session.RenewPendingLoad, sess.RenewState())

	prompt, err := r.AfterSaveTurn(sess, "아무 텍스트")
	require.NoError(t, err)
	assert.Equal(t, "load ctx-42 then 계속해줘", prompt)

	// The reset cleared the agent session but kept the renew phase.
	assert.Equal(t, "", sess.AgentSessionID())
	assert.Equal(t, session.RenewPendingLoad, sess.RenewState())

	sess.SetAgentSessionID("agent-2")
	r.AfterLoadTurn(sess)
	assert.Equal(t, session.RenewNone, sess.RenewState())
	assert.False(t, r.InProgress(sess))
}

func TestRenewAdvancesWhileSaveTurnHoldsSlot(t *testing.T) {
	r, sess, coord := newRenewFixture(t)
	require.NoError(t, r.Begin(sess, "이어서"))

	// The turn pipeline only releases the coordinator slot after the renew
	// advances, so the save turn's own slot is still held here.
	_, finish, err := coord.TryBegin(context.Background(), sess.Key)
	require.NoError(t, err)
	defer finish()

	r.CaptureSaveResult(sess, &session.SaveResult{Success: true, ID: "ctx-11"})
	prompt, err := r.AfterSaveTurn(sess, "")
	require.NoError(t, err)
	assert.Equal(t, "load ctx-11 then 이어서", prompt)
	assert.Equal(t, session.RenewPendingLoad, sess.RenewState())
	assert.Equal(t, "", sess.AgentSessionID())
}

func TestRenewFallbackScan(t *testing.T) {
	r, sess, _ := newRenewFixture(t)
	require.NoError(t, r.Begin(sess, ""))

	collected := "컨텍스트를 저장했습니다.\n" +
		"```json\n{\"save_result\": {\"success\": true, \"id\": \"ctx-7\", \"title\": \"저장본\"}}\n```"
	prompt, err := r.AfterSaveTurn(sess, collected)
	require.NoError(t, err)
	assert.Equal(t, "load ctx-7", prompt)
}

func TestRenewFallbackScansAllObjects(t *testing.T) {
	r, sess, _ := newRenewFixture(t)
	require.NoError(t, r.Begin(sess, ""))

	// An unrelated leading object does not mask the trailing save payload.
	collected := "{\"type\": \"channel_message\", \"text\": \"안내\"}\n" +
		"저장 완료\n" +
		"{\"save_result\": {\"id\": \"ctx-9\"}}"
	prompt, err := r.AfterSaveTurn(sess, collected)
	require.NoError(t, err)
	assert.Equal(t, "load ctx-9", prompt)
}

func TestRenewNoSaveResultClearsFlags(t *testing.T) {
	r, sess, _ := newRenewFixture(t)
	require.NoError(t, r.Begin(sess, "x"))

	_, err := r.AfterSaveTurn(sess, "그냥 일반 답변이었습니다")
	require.Error(t, err)
	assert.Equal(t, session.RenewNone, sess.RenewState())
	assert.Equal(t, "", sess.RenewUserMessage())
	// The session itself is untouched.
	assert.Equal(t, "agent-1", sess.AgentSessionID())
}

func TestRenewSaveErrorClearsFlags(t *testing.T) {
	r, sess, _ := newRenewFixture(t)
	require.NoError(t, r.Begin(sess, ""))
	r.CaptureSaveResult(sess, &session.SaveResult{Success: false, Error: "disk full"})

	_, err := r.AfterSaveTurn(sess, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, session.RenewNone, sess.RenewState())
	assert.Equal(t, "agent-1", sess.AgentSessionID())
}

func TestCaptureOutsidePendingSaveIgnored(t *testing.T) {
	r, sess, _ := newRenewFixture(t)
	r.CaptureSaveResult(sess, &session.SaveResult{ID: "ctx-1"})
	assert.Equal(t, session.RenewNone, sess.RenewState())
	assert.Nil(t, sess.RenewSaveResult())
}

func TestAfterSaveTurnOutsideRenew(t *testing.T) {
	r, sess, _ := newRenewFixture(t)
	_, err := r.AfterSaveTurn(sess, "")
	assert.Error(t, err)
}
