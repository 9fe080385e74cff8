package bot

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadclaw/threadclaw/pkg/threadclaw/session"
)

func postCommand(t *testing.T, s *CommandServer, body string) CommandResponse {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/session-command", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.handle(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp CommandResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestCommandServerRoundTrip(t *testing.T) {
	store := session.NewStore(nil)
	sess, _ := store.GetOrCreate("C1", "1700.1", "U1")
	s := NewCommandServer("127.0.0.1:0", NewModelCommands(store, nil, nil, nil), nil)

	resp := postCommand(t, s, `{
		"sessionKey": "`+sess.Key+`",
		"command": "UPDATE_SESSION",
		"args": {"operations": [{"action": "add", "resourceType": "pr", "url": "https://github.com/a/b/pull/1"}]}
	}`)
	require.True(t, resp.OK)
	assert.NotNil(t, sess.Links().PR)

	resp = postCommand(t, s, `{"sessionKey": "`+sess.Key+`", "command": "GET_SESSION"}`)
	require.True(t, resp.OK)
	var snap session.ResourceSnapshot
	require.NoError(t, json.Unmarshal(resp.Session, &snap))
	assert.Equal(t, int64(1), snap.Sequence)
	require.Len(t, snap.PRs, 1)
}

func TestCommandServerValidation(t *testing.T) {
	store := session.NewStore(nil)
	s := NewCommandServer("127.0.0.1:0", NewModelCommands(store, nil, nil, nil), nil)

	resp := postCommand(t, s, `not json`)
	require.False(t, resp.OK)
	assert.Equal(t, ErrCodeInvalidArgs, resp.Error.Code)

	resp = postCommand(t, s, `{"command": "GET_SESSION"}`)
	require.False(t, resp.OK)
	assert.Equal(t, ErrCodeInvalidArgs, resp.Error.Code)
}

func TestCommandServerMethodNotAllowed(t *testing.T) {
	store := session.NewStore(nil)
	s := NewCommandServer("127.0.0.1:0", NewModelCommands(store, nil, nil, nil), nil)

	req := httptest.NewRequest(http.MethodGet, "/session-command", nil)
	rec := httptest.NewRecorder()
	s.handle(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
