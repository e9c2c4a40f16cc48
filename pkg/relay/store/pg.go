package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PG is the PostgreSQL store.
type PG struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPG(pool *pgxpool.Pool, logger *slog.Logger) *PG {
	if logger == nil {
		logger = slog.Default()
	}
	return &PG{pool: pool, logger: logger}
}

func (s *PG) GetDeviceInfo(ctx context.Context, userID string) (DeviceInfo, error) {
	const q = `
		SELECT user_id, volume, pitch_factor, persona, is_ota, is_reset
		FROM devices WHERE user_id = $1`
	var info DeviceInfo
	err := s.pool.QueryRow(ctx, q, userID).Scan(
		&info.UserID, &info.Volume, &info.PitchFactor,
		&info.Persona, &info.IsOTA, &info.IsReset,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return DeviceInfo{}, ErrNotFound
	}
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("get device info: %w", err)
	}
	return info, nil
}

func (s *PG) UpdateDeviceVolume(ctx context.Context, userID string, volume int) error {
	const q = `UPDATE devices SET volume = $2, updated_at = now() WHERE user_id = $1`
	tag, err := s.pool.Exec(ctx, q, userID, volume)
	if err != nil {
		return fmt.Errorf("update device volume: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PG) GetConversationHistory(ctx context.Context, userID string, limit int) ([]ConversationEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	// Newest rows first so the limit keeps recent context, then reversed
	// back into chronological order for the prompt builder.
	const q = `
		SELECT user_id, session_id, role, content, created_at
		FROM conversations WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2`
	rows, err := s.pool.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("get conversation history: %w", err)
	}
	defer rows.Close()

	var entries []ConversationEntry
	for rows.Next() {
		var e ConversationEntry
		if err := rows.Scan(&e.UserID, &e.SessionID, &e.Role, &e.Content, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation rows: %w", err)
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func (s *PG) AppendConversation(ctx context.Context, entry ConversationEntry) error {
	const q = `
		INSERT INTO conversations (user_id, session_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	at := entry.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	if _, err := s.pool.Exec(ctx, q, entry.UserID, entry.SessionID, entry.Role, entry.Content, at); err != nil {
		return fmt.Errorf("append conversation: %w", err)
	}
	return nil
}

func (s *PG) SaveImage(ctx context.Context, userID, sessionID string, jpeg []byte) (string, error) {
	id := uuid.NewString()
	const q = `
		INSERT INTO images (id, user_id, session_id, content, created_at)
		VALUES ($1, $2, $3, $4, now())`
	if _, err := s.pool.Exec(ctx, q, id, userID, sessionID, jpeg); err != nil {
		return "", fmt.Errorf("save image: %w", err)
	}
	s.logger.Debug("image saved", "id", id, "bytes", len(jpeg))
	return id, nil
}

func (s *PG) SaveSessionDuration(ctx context.Context, sessionID, userID string, startedAt, endedAt time.Time) error {
	const q = `
		INSERT INTO session_durations (session_id, user_id, started_at, ended_at, seconds)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id) DO UPDATE
		SET ended_at = EXCLUDED.ended_at, seconds = EXCLUDED.seconds`
	secs := int(endedAt.Sub(startedAt).Seconds())
	if _, err := s.pool.Exec(ctx, q, sessionID, userID, startedAt, endedAt, secs); err != nil {
		return fmt.Errorf("save session duration: %w", err)
	}
	return nil
}
