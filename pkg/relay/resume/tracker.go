// Package resume records sessions that died for a retryable reason so a
// reconnecting device can pick up where it left off instead of starting cold.
package resume

import (
	"sync"
	"time"
)

type ErrorKind string

const (
	KindDeviceError      ErrorKind = "device_error"
	KindUpstreamError    ErrorKind = "upstream_error"
	KindQuotaExceeded    ErrorKind = "quota_exceeded"
	KindConnectionFailed ErrorKind = "connection_failed"
)

// Record describes one resumable session. At most one record is kept per user;
// a newer save overwrites the old one.
type Record struct {
	SessionID string
	Kind      ErrorKind
	Message   string
	Context   string
	CreatedAt time.Time
}

type entry struct {
	rec   Record
	timer *time.Timer
}

// Tracker is a process-wide table of resumable sessions keyed by user id.
// Records expire after the configured window.
type Tracker struct {
	mu      sync.Mutex
	window  time.Duration
	records map[string]*entry
	now     func() time.Time
}

const DefaultWindow = 5 * time.Minute

func NewTracker(window time.Duration) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{
		window:  window,
		records: make(map[string]*entry),
		now:     time.Now,
	}
}

// Save stores a record for the user, replacing any existing one, and schedules
// its expiry.
func (t *Tracker) Save(userID string, rec Record) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = t.now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.records[userID]; ok && old.timer != nil {
		old.timer.Stop()
	}
	e := &entry{rec: rec}
	e.timer = time.AfterFunc(t.window, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if cur, ok := t.records[userID]; ok && cur == e {
			delete(t.records, userID)
		}
	})
	t.records[userID] = e
}

// Get returns the user's record if one exists and is still inside the window.
// An aged-out record is deleted on the spot.
func (t *Tracker) Get(userID string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.records[userID]
	if !ok {
		return Record{}, false
	}
	if t.now().Sub(e.rec.CreatedAt) > t.window {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(t.records, userID)
		return Record{}, false
	}
	return e.rec, true
}

// Clear removes the user's record. Called after a successful reconnect or a
// clean disconnect. Clearing an absent record is a no-op.
func (t *Tracker) Clear(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.records[userID]; ok {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(t.records, userID)
	}
}

func (t *Tracker) Has(userID string) bool {
	_, ok := t.Get(userID)
	return ok
}
