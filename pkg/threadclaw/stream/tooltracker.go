// Package stream turns one agent turn's event stream into Slack side-effects
// through injected callbacks, and aggregates the turn's usage.
package stream

import (
	"sync"
	"time"
)

// cleanupDelay keeps tool mappings alive briefly after a turn so late
// tool-result events still resolve their names.
const cleanupDelay = 30 * time.Second

// ToolTracker maps tool-use IDs to tool names and, for tools that register
// with an out-of-band tracker, to external call IDs. One tracker serves all
// sessions; entries are namespaced by session key.
type ToolTracker struct {
	mu       sync.Mutex
	names    map[string]map[string]string // sessionKey -> toolUseID -> name
	external map[string]map[string]string // sessionKey -> toolUseID -> externalCallID
}

// NewToolTracker creates an empty tracker.
func NewToolTracker() *ToolTracker {
	return &ToolTracker{
		names:    make(map[string]map[string]string),
		external: make(map[string]map[string]string),
	}
}

// Register records a tool-use ID to name mapping.
func (t *ToolTracker) Register(sessionKey, toolUseID, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.names[sessionKey] == nil {
		t.names[sessionKey] = make(map[string]string)
	}
	t.names[sessionKey][toolUseID] = name
}

// Name resolves a tool-use ID to its tool name, or "".
func (t *ToolTracker) Name(sessionKey, toolUseID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.names[sessionKey][toolUseID]
}

// RegisterExternal records an external call ID for a tool-use ID.
func (t *ToolTracker) RegisterExternal(sessionKey, toolUseID, externalCallID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.external[sessionKey] == nil {
		t.external[sessionKey] = make(map[string]string)
	}
	t.external[sessionKey][toolUseID] = externalCallID
}

// TakeExternal returns and clears the external call ID for a tool-use ID.
func (t *ToolTracker) TakeExternal(sessionKey, toolUseID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.external[sessionKey][toolUseID]
	if id != "" {
		delete(t.external[sessionKey], toolUseID)
	}
	return id
}

// Cleanup drops all mappings for a session after the grace delay.
func (t *ToolTracker) Cleanup(sessionKey string) {
	time.AfterFunc(cleanupDelay, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.names, sessionKey)
		delete(t.external, sessionKey)
	})
}

// CleanupNow drops all mappings for a session immediately.
func (t *ToolTracker) CleanupNow(sessionKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.names, sessionKey)
	delete(t.external, sessionKey)
}
