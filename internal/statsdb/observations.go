package statsdb

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/factfeed/factfeed/pkg/models"
)

// ImportBatch writes one batch of observations in a single transaction.
// The batch fully commits or fully fails; partial persists are impossible.
//
// The transaction first deletes any rows already present for this
// (import, batch) pair, so a redelivered batch message converges to the
// same end state instead of duplicating rows.
func (s *Store) ImportBatch(ctx context.Context, importID uuid.UUID, batchNumber int, observations []*models.Observation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin batch transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		DELETE FROM observations
		WHERE data_import_id = $1 AND batch_number = $2`,
		importID, batchNumber,
	); err != nil {
		return fmt.Errorf("failed to clear previous batch attempt: %w", err)
	}

	obsRows := make([][]any, 0, len(observations))
	var itemRows [][]any
	for _, obs := range observations {
		if obs.ID == uuid.Nil {
			obs.ID = uuid.New()
		}
		obsRows = append(obsRows, []any{
			obs.ID, obs.SubjectID, obs.LocationID, obs.IndicatorID,
			obs.TimeIdentifier, obs.TimePeriod, obs.Value,
			importID, batchNumber,
		})
		for _, itemID := range obs.FilterItemIDs {
			itemRows = append(itemRows, []any{obs.ID, itemID})
		}
	}

	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"observations"},
		[]string{
			"id", "subject_id", "location_id", "indicator_id",
			"time_identifier", "time_period", "value",
			"data_import_id", "batch_number",
		},
		pgx.CopyFromRows(obsRows),
	); err != nil {
		return fmt.Errorf("failed to copy observations: %w", err)
	}

	if len(itemRows) > 0 {
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"observation_filter_items"},
			[]string{"observation_id", "filter_item_id"},
			pgx.CopyFromRows(itemRows),
		); err != nil {
			return fmt.Errorf("failed to copy observation filter items: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	s.logger.Debug().
		Str("import_id", importID.String()).
		Int("batch", batchNumber).
		Int("observations", len(observations)).
		Msg("Batch committed")

	return nil
}

// CountObservationsForSubject counts the fact rows of one subject, used
// to verify the row-count invariant after completion.
func (s *Store) CountObservationsForSubject(ctx context.Context, subjectID uuid.UUID) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM observations WHERE subject_id = $1`, subjectID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count observations: %w", err)
	}
	return count, nil
}
