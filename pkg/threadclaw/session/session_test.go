package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadclaw/threadclaw/pkg/threadclaw/links"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "C1:1700.1", Key("C1", "1700.1"))
	assert.Equal(t, "C1", Key("C1", ""))
}

func TestUsageApplyTurn(t *testing.T) {
	var u Usage
	u.ApplyTurn(TurnUsage{Input: 100, Output: 50, CostUSD: 0.1, ContextWindow: 1000})
	u.ApplyTurn(TurnUsage{Input: 200, Output: 80, CostUSD: 0.2})

	// Current values are the last turn; totals accumulate.
	assert.Equal(t, int64(200), u.CurrentInput)
	assert.Equal(t, int64(80), u.CurrentOutput)
	assert.Equal(t, int64(300), u.TotalInput)
	assert.Equal(t, int64(130), u.TotalOutput)
	assert.InDelta(t, 0.3, u.TotalCostUSD, 1e-9)
	// A zero window keeps the previous one.
	assert.Equal(t, int64(1000), u.ContextWindow)
}

func TestUsageRemainingPercent(t *testing.T) {
	tests := []struct {
		name string
		u    Usage
		want int
	}{
		{"unknown window", Usage{CurrentInput: 500}, 100},
		{"fresh", Usage{ContextWindow: 1000}, 100},
		{"half", Usage{ContextWindow: 1000, CurrentInput: 400, CurrentOutput: 100}, 50},
		{"overflow clamps to zero", Usage{ContextWindow: 1000, CurrentInput: 1500}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.u.RemainingPercent())
		})
	}
}

func TestSessionStateTransitions(t *testing.T) {
	s := New("C1", "1700.1", "U1")
	assert.Equal(t, StateInitializing, s.State())

	// The first agent session ID promotes to MAIN.
	s.SetAgentSessionID("agent-1")
	assert.Equal(t, StateMain, s.State())

	s.SetState(StateSleeping)
	assert.False(t, s.SleepStartedAt().IsZero())

	// Activity wakes a sleeping session.
	s.Touch()
	assert.Equal(t, StateMain, s.State())
	assert.True(t, s.SleepStartedAt().IsZero())
}

func TestTouchClearsIdleBookkeeping(t *testing.T) {
	s := New("C1", "1", "U1")
	s.SetIdleNotifiedAt(time.Now())
	s.SetWarningMessageTS("1700.2")

	s.Touch()
	assert.True(t, s.IdleNotifiedAt().IsZero())
	assert.Equal(t, "", s.WarningMessageTS())
}

func TestSessionLinks(t *testing.T) {
	s := New("C1", "1", "U1")
	s.SetLink(links.Link{Type: links.TypeIssue, URL: "https://x/1", Label: "PTN-1"})
	s.SetLink(links.Link{Type: links.TypeIssue, URL: "https://x/2", Label: "PTN-2"})

	set := s.Links()
	require.NotNil(t, set.Issue)
	assert.Equal(t, "PTN-2", set.Issue.Label)

	assert.True(t, s.RemoveLink(links.TypeIssue))
	assert.False(t, s.RemoveLink(links.TypeIssue))
	assert.Nil(t, s.Links().Issue)
}

func TestSnapshotAndSequence(t *testing.T) {
	s := New("C1", "1", "U1")
	s.SetLink(links.Link{Type: links.TypePR, URL: "https://x/pr", Label: "PR #1"})
	s.SetActiveResource("pr", "https://x/pr")

	snap := s.Snapshot()
	require.Len(t, snap.PRs, 1)
	assert.Equal(t, "https://x/pr", snap.Active["pr"])
	assert.Equal(t, int64(0), snap.Sequence)

	assert.Equal(t, int64(1), s.BumpSequence())
	assert.Equal(t, int64(1), s.Snapshot().Sequence)

	// The snapshot is a copy: mutating it does not leak back.
	snap.Active["pr"] = "tampered"
	assert.Equal(t, "https://x/pr", s.Snapshot().Active["pr"])
}

func TestResetContextPreservesIdentity(t *testing.T) {
	s := New("C1", "1", "U1")
	s.SetAgentSessionID("agent-1")
	s.SetWorkDir("/srv/work")
	s.SetLink(links.Link{Type: links.TypeDoc, URL: "https://x/doc"})
	s.ApplyTurnUsage(TurnUsage{Input: 10, ContextWindow: 100})
	s.SetRenewState(RenewPendingSave)

	s.resetContext()

	assert.Equal(t, "", s.AgentSessionID())
	assert.Equal(t, StateInitializing, s.State())
	assert.Equal(t, RenewNone, s.RenewState())
	assert.Equal(t, int64(0), s.Usage().CurrentInput)
	assert.Equal(t, int64(0), s.Usage().ContextWindow)

	// Ownership, workdir, and links survive.
	assert.Equal(t, "U1", s.Owner)
	assert.Equal(t, "/srv/work", s.WorkDir())
	assert.NotNil(t, s.Links().Doc)
}
