package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryDeviceInfo(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.GetDeviceInfo(ctx, "u1")
	require.ErrorIs(t, err, ErrNotFound)

	m.SeedDevice(DeviceInfo{UserID: "u1", Volume: 70, PitchFactor: 1.0})
	info, err := m.GetDeviceInfo(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 70, info.Volume)

	require.NoError(t, m.UpdateDeviceVolume(ctx, "u1", 40))
	info, err = m.GetDeviceInfo(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 40, info.Volume)

	require.ErrorIs(t, m.UpdateDeviceVolume(ctx, "ghost", 10), ErrNotFound)
}

func TestMemoryConversationHistoryLimit(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for _, text := range []string{"one", "two", "three"} {
		require.NoError(t, m.AppendConversation(ctx, ConversationEntry{
			UserID: "u1", SessionID: "s1", Role: "user", Content: text,
		}))
	}

	got, err := m.GetConversationHistory(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "two", got[0].Content)
	require.Equal(t, "three", got[1].Content)
}

func TestMemorySessionDuration(t *testing.T) {
	m := NewMemory()
	start := time.Now()
	require.NoError(t, m.SaveSessionDuration(context.Background(), "s1", "u1", start, start.Add(90*time.Second)))

	d, ok := m.SessionDuration("s1")
	require.True(t, ok)
	require.Equal(t, 90*time.Second, d)
}
