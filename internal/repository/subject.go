package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"homeservices-realtime/internal/model"
)

var ErrNotFound = errors.New("not found")

type SubjectRepository struct {
	pool *pgxpool.Pool
}

func NewSubjectRepository(pool *pgxpool.Pool) *SubjectRepository {
	return &SubjectRepository{pool: pool}
}

func (r *SubjectRepository) FindSubjectByID(ctx context.Context, id string) (*model.Subject, error) {
	var s model.Subject
	var phone *string
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, email, phone, sms_enabled, tier
		FROM subjects WHERE id = $1
	`, id).Scan(&s.ID, &s.Name, &s.Email, &phone, &s.SMSEnabled, &s.Tier)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("subject %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find subject %s: %w", id, err)
	}
	if phone != nil {
		s.Phone = *phone
	}
	return &s, nil
}

// UpsertSubject creates or refreshes a subject's contact details.
func (r *SubjectRepository) UpsertSubject(ctx context.Context, s model.Subject) error {
	var phone *string
	if s.Phone != "" {
		phone = &s.Phone
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO subjects (id, name, email, phone, sms_enabled, tier)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			phone = EXCLUDED.phone,
			sms_enabled = EXCLUDED.sms_enabled,
			tier = EXCLUDED.tier,
			updated_at = NOW()
	`, s.ID, s.Name, s.Email, phone, s.SMSEnabled, s.Tier)
	if err != nil {
		return fmt.Errorf("upsert subject %s: %w", s.ID, err)
	}
	return nil
}
