// Package sessions tracks the device sessions running in this process so
// shutdown can notify them, cancel them, and wait for their teardown.
package sessions

import (
	"context"
	"sync"
)

// Handle is how the tracker reaches a running session. Notify delivers a
// server instruction to the device best-effort; Cancel forces teardown.
type Handle struct {
	UserID string
	Cancel func()
	Notify func(msg string) error
}

type entry struct {
	handle Handle
	once   sync.Once
}

type Tracker struct {
	mu      sync.Mutex
	running map[string]*entry
	wg      sync.WaitGroup
}

func NewTracker() *Tracker {
	return &Tracker{running: make(map[string]*entry)}
}

// Register records a running session and returns its unregister func, which
// is idempotent. Registering an id that is already present supersedes the
// old registration.
func (t *Tracker) Register(sessionID string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	e := &entry{handle: h}

	t.mu.Lock()
	old := t.running[sessionID]
	t.running[sessionID] = e
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.drop(sessionID, old)
	}
	return func() { t.drop(sessionID, e) }
}

func (t *Tracker) drop(sessionID string, e *entry) {
	e.once.Do(func() {
		t.mu.Lock()
		if t.running[sessionID] == e {
			delete(t.running, sessionID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.running)
}

// CancelUser tears down any session belonging to userID. A device that
// reconnects gets a fresh session and the stale one must not linger.
func (t *Tracker) CancelUser(userID string) (canceled int) {
	if t == nil {
		return 0
	}

	var cancels []func()
	t.mu.Lock()
	for _, e := range t.running {
		if e.handle.UserID == userID && e.handle.Cancel != nil {
			cancels = append(cancels, e.handle.Cancel)
		}
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// NotifyAll sends msg to every running session, best-effort.
func (t *Tracker) NotifyAll(msg string) (sent int) {
	if t == nil {
		return 0
	}

	var notifies []func(string) error
	t.mu.Lock()
	for _, e := range t.running {
		if e.handle.Notify != nil {
			notifies = append(notifies, e.handle.Notify)
		}
	}
	t.mu.Unlock()

	for _, notify := range notifies {
		_ = notify(msg)
		sent++
	}
	return sent
}

// CancelAll forces teardown of every running session.
func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}

	var cancels []func()
	t.mu.Lock()
	for _, e := range t.running {
		if e.handle.Cancel != nil {
			cancels = append(cancels, e.handle.Cancel)
		}
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered session has unregistered or ctx ends.
// Returns false on timeout.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
