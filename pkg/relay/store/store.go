// Package store is the persistence collaborator: device settings, the
// conversation transcript used to rebuild system prompts on reconnect,
// captured images, and session accounting.
package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("store: not found")

// DeviceInfo is the per-user device configuration consulted at handshake and
// on every upstream (re)connect.
type DeviceInfo struct {
	UserID      string
	Volume      int // percent, 0..100
	PitchFactor float64
	Persona     string
	IsOTA       bool
	IsReset     bool
}

// ConversationEntry is one transcript line.
type ConversationEntry struct {
	UserID    string
	SessionID string
	Role      string // "user" or "assistant"
	Content   string
	CreatedAt time.Time
}

type Store interface {
	GetDeviceInfo(ctx context.Context, userID string) (DeviceInfo, error)
	UpdateDeviceVolume(ctx context.Context, userID string, volume int) error
	GetConversationHistory(ctx context.Context, userID string, limit int) ([]ConversationEntry, error)
	AppendConversation(ctx context.Context, entry ConversationEntry) error
	SaveImage(ctx context.Context, userID, sessionID string, jpeg []byte) (imageID string, err error)
	SaveSessionDuration(ctx context.Context, sessionID, userID string, startedAt, endedAt time.Time) error
}
