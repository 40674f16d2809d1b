package statsdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/factfeed/factfeed/pkg/models"
)

// ErrSubjectNotFound is returned when a subject id resolves to nothing.
var ErrSubjectNotFound = errors.New("subject not found")

// CreateSubject inserts a subject, generating its id when unset.
func (s *Store) CreateSubject(ctx context.Context, subject *models.Subject) error {
	if subject.ID == uuid.Nil {
		subject.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO subjects (id, name) VALUES ($1, $2)`,
		subject.ID, subject.Name,
	)
	if err != nil {
		return fmt.Errorf("failed to insert subject: %w", err)
	}
	return nil
}

// GetSubject loads a subject by id.
func (s *Store) GetSubject(ctx context.Context, id uuid.UUID) (*models.Subject, error) {
	var subject models.Subject
	err := s.pool.QueryRow(ctx,
		`SELECT id, name FROM subjects WHERE id = $1`, id,
	).Scan(&subject.ID, &subject.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubjectNotFound
		}
		return nil, fmt.Errorf("failed to load subject: %w", err)
	}
	return &subject, nil
}
