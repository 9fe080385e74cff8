// Package session owns the per-thread conversation state: the session map
// keyed by (channel, threadTs), the single-in-flight request coordinator,
// and the idle/sleep/expiry sweeper.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/threadclaw/threadclaw/pkg/threadclaw/dispatch"
	"github.com/threadclaw/threadclaw/pkg/threadclaw/links"
)

// State is the session lifecycle state. Exactly one holds at all times.
type State string

const (
	StateInitializing State = "INITIALIZING"
	StateMain         State = "MAIN"
	StateSleeping     State = "SLEEPING"
)

// RenewState is the renew protocol phase.
type RenewState string

const (
	RenewNone        RenewState = ""
	RenewPendingSave RenewState = "pending_save"
	RenewPendingLoad RenewState = "pending_load"
)

// Key builds the stable session key: "channel:threadTs", or the channel
// alone when the message is not in a thread.
func Key(channelID, threadTS string) string {
	if threadTS == "" {
		return channelID
	}
	return fmt.Sprintf("%s:%s", channelID, threadTS)
}

// Usage is the token/cost snapshot captured after each completed turn. The
// context window in use is exactly currentInput + currentOutput because the
// agent re-sends history on every call.
type Usage struct {
	CurrentInput       int64     `json:"currentInput"`
	CurrentOutput      int64     `json:"currentOutput"`
	CurrentCacheRead   int64     `json:"currentCacheRead"`
	CurrentCacheCreate int64     `json:"currentCacheCreate"`
	ContextWindow      int64     `json:"contextWindow"`
	TotalInput         int64     `json:"totalInput"`
	TotalOutput        int64     `json:"totalOutput"`
	TotalCostUSD       float64   `json:"totalCostUSD"`
	LastUpdated        time.Time `json:"lastUpdated"`
}

// TurnUsage is the usage of one completed turn, as aggregated by the stream
// processor.
type TurnUsage struct {
	Input       int64
	Output      int64
	CacheRead   int64
	CacheCreate int64
	CostUSD     float64
	// ContextWindow is the model's window size; zero keeps the previous
	// value.
	ContextWindow int64
}

// ApplyTurn folds one turn's usage into the snapshot: current values are
// replaced, totals accumulate.
func (u *Usage) ApplyTurn(t TurnUsage) {
	u.CurrentInput = t.Input
	u.CurrentOutput = t.Output
	u.CurrentCacheRead = t.CacheRead
	u.CurrentCacheCreate = t.CacheCreate
	if t.ContextWindow > 0 {
		u.ContextWindow = t.ContextWindow
	}
	u.TotalInput += t.Input
	u.TotalOutput += t.Output
	u.TotalCostUSD += t.CostUSD
	u.LastUpdated = time.Now()
}

// RemainingPercent reports how much of the context window is left, clamped
// to [0, 100]. Unknown window size reads as fully available.
func (u Usage) RemainingPercent() int {
	if u.ContextWindow <= 0 {
		return 100
	}
	used := u.CurrentInput + u.CurrentOutput
	remaining := u.ContextWindow - used
	if remaining < 0 {
		remaining = 0
	}
	pct := int(remaining * 100 / u.ContextWindow)
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return pct
}

// SaveResult is the payload captured from SAVE_CONTEXT_RESULT during renew.
type SaveResult struct {
	Success bool             `json:"success"`
	ID      string           `json:"id"`
	Path    string           `json:"path,omitempty"`
	Dir     string           `json:"dir,omitempty"`
	Title   string           `json:"title,omitempty"`
	Summary string           `json:"summary,omitempty"`
	Files   []SaveResultFile `json:"files,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// SaveResultFile is one saved context file.
type SaveResultFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Session is one thread-bound conversation. Field access goes through the
// accessor methods; the store hands out shared pointers.
type Session struct {
	// Immutable after creation.
	Key       string
	ChannelID string
	ThreadTS  string
	Owner     string
	CreatedAt time.Time

	mu sync.RWMutex

	currentInitiator string
	workflow         dispatch.Workflow
	title            string
	state            State
	model            string
	workDir          string
	agentSessionID   string
	lastActivity     time.Time
	sleepStartedAt   time.Time
	usage            Usage
	renewState       RenewState
	renewUserMessage string
	renewSaveResult  *SaveResult
	links            links.Set
	recordID         string

	// Scheduler bookkeeping.
	idleNotifiedAt   time.Time
	warningMessageTS string

	// resourceSeq is the optimistic sequence for UPDATE_SESSION.
	resourceSeq int64

	// activeResources marks which link slot is "active" per resource type.
	activeResources map[string]string
}

// New creates a session in INITIALIZING state owned by the creating user.
func New(channelID, threadTS, owner string) *Session {
	now := time.Now()
	return &Session{
		Key:              Key(channelID, threadTS),
		ChannelID:        channelID,
		ThreadTS:         threadTS,
		Owner:            owner,
		CreatedAt:        now,
		currentInitiator: owner,
		state:            StateInitializing,
		lastActivity:     now,
		activeResources:  make(map[string]string),
	}
}

// ---------- Accessors ----------

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	if state == StateSleeping {
		s.sleepStartedAt = time.Now()
	}
}

func (s *Session) Workflow() dispatch.Workflow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workflow
}

func (s *Session) SetWorkflow(w dispatch.Workflow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflow = w
}

func (s *Session) Title() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.title
}

func (s *Session) SetTitle(title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.title = title
}

func (s *Session) Model() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model
}

func (s *Session) SetModel(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model = model
}

func (s *Session) WorkDir() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workDir
}

func (s *Session) SetWorkDir(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workDir = dir
}

func (s *Session) CurrentInitiator() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentInitiator
}

func (s *Session) SetCurrentInitiator(user string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentInitiator = user
}

// AgentSessionID is the LLM-side session identifier. A session is eligible
// for the lifecycle sweep only once this is non-empty.
func (s *Session) AgentSessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agentSessionID
}

func (s *Session) SetAgentSessionID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentSessionID = id
	if id != "" && s.state == StateInitializing {
		s.state = StateMain
	}
}

func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// Touch marks activity now, clearing any idle bookkeeping and waking a
// sleeping session.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
	s.idleNotifiedAt = time.Time{}
	s.warningMessageTS = ""
	if s.state == StateSleeping {
		s.state = StateMain
		s.sleepStartedAt = time.Time{}
	}
}

func (s *Session) SleepStartedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sleepStartedAt
}

func (s *Session) Usage() Usage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usage
}

func (s *Session) ApplyTurnUsage(t TurnUsage) Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage.ApplyTurn(t)
	return s.usage
}

func (s *Session) RenewState() RenewState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.renewState
}

func (s *Session) SetRenewState(state RenewState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renewState = state
}

func (s *Session) RenewUserMessage() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.renewUserMessage
}

func (s *Session) SetRenewUserMessage(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renewUserMessage = msg
}

func (s *Session) RenewSaveResult() *SaveResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.renewSaveResult
}

func (s *Session) SetRenewSaveResult(result *SaveResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renewSaveResult = result
}

func (s *Session) Links() links.Set {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.links
}

// SetLink upserts the slot matching the link's type; the previous link of
// that type is replaced.
func (s *Session) SetLink(l links.Link) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch l.Type {
	case links.TypeIssue:
		s.links.Issue = &l
	case links.TypePR:
		s.links.PR = &l
	case links.TypeDoc:
		s.links.Doc = &l
	}
}

// RemoveLink clears one slot. It reports whether a link was present.
func (s *Session) RemoveLink(slot links.Type) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch slot {
	case links.TypeIssue:
		had := s.links.Issue != nil
		s.links.Issue = nil
		return had
	case links.TypePR:
		had := s.links.PR != nil
		s.links.PR = nil
		return had
	case links.TypeDoc:
		had := s.links.Doc != nil
		s.links.Doc = nil
		return had
	}
	return false
}

func (s *Session) RecordID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recordID
}

func (s *Session) SetRecordID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordID = id
}

// ---------- Scheduler bookkeeping ----------

func (s *Session) IdleNotifiedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idleNotifiedAt
}

func (s *Session) SetIdleNotifiedAt(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idleNotifiedAt = t
}

func (s *Session) WarningMessageTS() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.warningMessageTS
}

func (s *Session) SetWarningMessageTS(ts string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warningMessageTS = ts
}

// ---------- Resource snapshot (model-command surface) ----------

// ResourceSnapshot is the view handed to the model via GET_SESSION.
type ResourceSnapshot struct {
	Issues   []links.Link      `json:"issues"`
	PRs      []links.Link      `json:"prs"`
	Docs     []links.Link      `json:"docs"`
	Active   map[string]string `json:"active"`
	Sequence int64             `json:"sequence"`
}

// Snapshot captures the current resource view and sequence.
func (s *Session) Snapshot() ResourceSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := ResourceSnapshot{
		Active:   make(map[string]string, len(s.activeResources)),
		Sequence: s.resourceSeq,
	}
	if s.links.Issue != nil {
		snap.Issues = append(snap.Issues, *s.links.Issue)
	}
	if s.links.PR != nil {
		snap.PRs = append(snap.PRs, *s.links.PR)
	}
	if s.links.Doc != nil {
		snap.Docs = append(snap.Docs, *s.links.Doc)
	}
	for k, v := range s.activeResources {
		snap.Active[k] = v
	}
	return snap
}

// Sequence returns the current optimistic sequence.
func (s *Session) Sequence() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resourceSeq
}

// BumpSequence increments the optimistic sequence by one and returns the new
// value. Called once per applied UPDATE_SESSION request, not per operation.
func (s *Session) BumpSequence() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resourceSeq++
	return s.resourceSeq
}

// SetActiveResource records which URL is active for a resource type.
func (s *Session) SetActiveResource(resourceType, url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeResources[resourceType] = url
}

// resetContext clears the LLM-side identity while preserving ownership,
// working directory, and attached links. Callers hold no session lock.
func (s *Session) resetContext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentSessionID = ""
	s.workflow = ""
	s.usage = Usage{}
	s.renewState = RenewNone
	s.renewUserMessage = ""
	s.renewSaveResult = nil
	s.state = StateInitializing
	s.sleepStartedAt = time.Time{}
	s.idleNotifiedAt = time.Time{}
	s.warningMessageTS = ""
	s.lastActivity = time.Now()
}
