package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrRequestActive is returned by TryBegin while a request is already
// running for the session.
var ErrRequestActive = errors.New("session: a request is already in flight")

// cancelWait bounds how long Cancel blocks for the in-flight request to
// acknowledge cancellation before giving up.
const cancelWait = 10 * time.Second

type activeRequest struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Coordinator enforces at most one in-flight agent request per session key.
// Begin/finish pairs bracket the whole turn, stream processing included.
type Coordinator struct {
	mu     sync.Mutex
	active map[string]*activeRequest
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{active: make(map[string]*activeRequest)}
}

// TryBegin claims the in-flight slot for key. On success it returns a
// request context derived from parent and a finish func the caller must
// invoke exactly once when the turn completes (on every path). While the
// slot is held, further TryBegin calls return ErrRequestActive.
func (c *Coordinator) TryBegin(parent context.Context, key string) (context.Context, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.active[key]; ok {
		return nil, nil, ErrRequestActive
	}

	ctx, cancel := context.WithCancel(parent)
	req := &activeRequest{cancel: cancel, done: make(chan struct{})}
	c.active[key] = req

	finish := func() {
		req.once.Do(func() {
			c.mu.Lock()
			if c.active[key] == req {
				delete(c.active, key)
			}
			c.mu.Unlock()
			cancel()
			close(req.done)
		})
	}
	return ctx, finish, nil
}

// Cancel aborts the in-flight request for key, if any, and waits (bounded)
// for it to finish. It reports whether a request was active.
func (c *Coordinator) Cancel(key string) bool {
	c.mu.Lock()
	req := c.active[key]
	c.mu.Unlock()

	if req == nil {
		return false
	}
	req.cancel()
	select {
	case <-req.done:
	case <-time.After(cancelWait):
	}
	return true
}

// IsActive reports whether a request is in flight for key.
func (c *Coordinator) IsActive(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[key]
	return ok
}
