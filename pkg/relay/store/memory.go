package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process store used when no database is configured and in
// tests.
type Memory struct {
	mu        sync.Mutex
	devices   map[string]DeviceInfo
	convos    map[string][]ConversationEntry
	images    map[string][]byte
	durations map[string]time.Duration
}

func NewMemory() *Memory {
	return &Memory{
		devices:   make(map[string]DeviceInfo),
		convos:    make(map[string][]ConversationEntry),
		images:    make(map[string][]byte),
		durations: make(map[string]time.Duration),
	}
}

// SeedDevice installs a device row, for tests and defaults.
func (m *Memory) SeedDevice(info DeviceInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[info.UserID] = info
}

func (m *Memory) GetDeviceInfo(_ context.Context, userID string) (DeviceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.devices[userID]
	if !ok {
		return DeviceInfo{}, ErrNotFound
	}
	return info, nil
}

func (m *Memory) UpdateDeviceVolume(_ context.Context, userID string, volume int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.devices[userID]
	if !ok {
		return ErrNotFound
	}
	info.Volume = volume
	m.devices[userID] = info
	return nil
}

func (m *Memory) GetConversationHistory(_ context.Context, userID string, limit int) ([]ConversationEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.convos[userID]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return append([]ConversationEntry(nil), entries...), nil
}

func (m *Memory) AppendConversation(_ context.Context, entry ConversationEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	m.convos[entry.UserID] = append(m.convos[entry.UserID], entry)
	return nil
}

func (m *Memory) SaveImage(_ context.Context, _, _ string, jpeg []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.images[id] = append([]byte(nil), jpeg...)
	return id, nil
}

func (m *Memory) SaveSessionDuration(_ context.Context, sessionID, _ string, startedAt, endedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.durations[sessionID] = endedAt.Sub(startedAt)
	return nil
}

// SessionDuration reads back a recorded duration, for tests.
func (m *Memory) SessionDuration(sessionID string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.durations[sessionID]
	return d, ok
}
