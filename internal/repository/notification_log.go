package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"homeservices-realtime/internal/model"
)

type NotificationLogRepository struct {
	pool *pgxpool.Pool
}

func NewNotificationLogRepository(pool *pgxpool.Pool) *NotificationLogRepository {
	return &NotificationLogRepository{pool: pool}
}

func (r *NotificationLogRepository) RecordNotificationLog(ctx context.Context, e model.NotificationLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO notification_logs (subject_id, type, channel, urgency, recipient, success, error, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.SubjectID, e.Type, string(e.Channel), string(e.Urgency), e.Recipient, e.Success, e.Error, e.SentAt)
	if err != nil {
		return fmt.Errorf("record notification log: %w", err)
	}
	return nil
}

// ListForSubject returns the newest audit entries for a subject.
func (r *NotificationLogRepository) ListForSubject(ctx context.Context, subjectID string, limit int) ([]model.NotificationLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT subject_id, type, channel, urgency, recipient, success, error, sent_at
		FROM notification_logs
		WHERE subject_id = $1
		ORDER BY sent_at DESC
		LIMIT $2
	`, subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notification logs: %w", err)
	}
	defer rows.Close()

	var out []model.NotificationLog
	for rows.Next() {
		var e model.NotificationLog
		var channel, urgency string
		if err := rows.Scan(&e.SubjectID, &e.Type, &channel, &urgency, &e.Recipient, &e.Success, &e.Error, &e.SentAt); err != nil {
			return nil, err
		}
		e.Channel = model.Channel(channel)
		e.Urgency = model.Urgency(urgency)
		out = append(out, e)
	}
	return out, rows.Err()
}
