package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"homeservices-realtime/internal/model"
)

// ChatRepository archives relayed chat messages.
type ChatRepository struct {
	pool *pgxpool.Pool
}

func NewChatRepository(pool *pgxpool.Pool) *ChatRepository {
	return &ChatRepository{pool: pool}
}

// Archive stores one relayed message. Re-archiving the same id is ignored.
func (r *ChatRepository) Archive(ctx context.Context, msg model.ChatMessage) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO chat_messages (id, room_id, sender_id, sender_role, priority, message, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, msg.ID, msg.RoomID, msg.SenderID, string(msg.SenderRole), msg.Priority, msg.Message, msg.SentAt)
	if err != nil {
		return fmt.Errorf("archive message %s: %w", msg.ID, err)
	}
	return nil
}

// History returns the newest messages of a room, oldest first.
func (r *ChatRepository) History(ctx context.Context, roomID string, limit int) ([]model.ChatMessage, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, room_id, sender_id, sender_role, priority, message, sent_at
		FROM chat_messages
		WHERE room_id = $1
		ORDER BY sent_at DESC
		LIMIT $2
	`, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history %s: %w", roomID, err)
	}
	defer rows.Close()

	var msgs []model.ChatMessage
	for rows.Next() {
		var m model.ChatMessage
		var role string
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &role, &m.Priority, &m.Message, &m.SentAt); err != nil {
			return nil, err
		}
		m.SenderRole = model.Role(role)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest N were selected; flip to chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// DeleteOlderThan removes messages older than the given number of days and
// returns the number of deleted rows.
func (r *ChatRepository) DeleteOlderThan(ctx context.Context, days int) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM chat_messages WHERE sent_at < NOW() - make_interval(days => $1)
	`, days)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
