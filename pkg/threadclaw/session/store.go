package session

import (
	"log/slog"
	"sort"
	"sync"
)

// Store is the in-memory session map. Sessions live for the process lifetime
// until terminated or expired by the sweeper; there is no persistence of the
// map itself (conversation records are persisted separately).
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger

	// onTerminate runs after a session is removed from the map, outside the
	// store lock. The bot hooks request cancellation and reaction cleanup
	// here.
	onTerminate func(*Session)
}

// NewStore creates an empty store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		sessions: make(map[string]*Session),
		logger:   logger.With("component", "session"),
	}
}

// OnTerminate registers the hook run when a session is terminated or expired.
func (st *Store) OnTerminate(fn func(*Session)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.onTerminate = fn
}

// Get returns the session for (channel, threadTS), or nil.
func (st *Store) Get(channelID, threadTS string) *Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.sessions[Key(channelID, threadTS)]
}

// GetByKey returns the session for a pre-built key, or nil.
func (st *Store) GetByKey(key string) *Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.sessions[key]
}

// GetOrCreate returns the existing session or creates one owned by owner.
// created reports whether a new session was made.
func (st *Store) GetOrCreate(channelID, threadTS, owner string) (s *Session, created bool) {
	key := Key(channelID, threadTS)

	st.mu.RLock()
	s = st.sessions[key]
	st.mu.RUnlock()
	if s != nil {
		return s, false
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if s = st.sessions[key]; s != nil {
		return s, false
	}
	s = New(channelID, threadTS, owner)
	st.sessions[key] = s
	st.logger.Info("session created", "key", key, "owner", owner)
	return s, true
}

// ResetContext clears the agent-side context of a session while keeping the
// session entry, its ownership, working directory, and links.
func (st *Store) ResetContext(key string) *Session {
	st.mu.RLock()
	s := st.sessions[key]
	st.mu.RUnlock()
	if s == nil {
		return nil
	}
	s.resetContext()
	st.logger.Info("session context reset", "key", key)
	return s
}

// Terminate removes a session from the map and fires the terminate hook. It
// reports whether a session existed.
func (st *Store) Terminate(key string) bool {
	st.mu.Lock()
	s := st.sessions[key]
	if s != nil {
		delete(st.sessions, key)
	}
	hook := st.onTerminate
	st.mu.Unlock()

	if s == nil {
		return false
	}
	st.logger.Info("session terminated", "key", key)
	if hook != nil {
		hook(s)
	}
	return true
}

// All returns a snapshot of every session, most recently active first.
func (st *Store) All() []*Session {
	st.mu.RLock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	st.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity().After(out[j].LastActivity())
	})
	return out
}

// ForOwner returns sessions owned by userID, most recently active first.
func (st *Store) ForOwner(userID string) []*Session {
	all := st.All()
	out := all[:0]
	for _, s := range all {
		if s.Owner == userID {
			out = append(out, s)
		}
	}
	return out
}

// Count returns the number of live sessions.
func (st *Store) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
