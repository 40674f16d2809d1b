package statsdb

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/factfeed/factfeed/pkg/models"
)

// GetOrCreateIndicatorGroup resolves a subject-scoped indicator group by
// label, inserting it if absent.
func (s *Store) GetOrCreateIndicatorGroup(ctx context.Context, g *models.IndicatorGroup) (*models.IndicatorGroup, error) {
	id := uuid.New()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO indicator_groups (id, subject_id, label)
		VALUES ($1, $2, $3)
		ON CONFLICT (subject_id, label) DO NOTHING`,
		id, g.SubjectID, g.Label,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert indicator group: %w", err)
	}

	var out models.IndicatorGroup
	err = s.pool.QueryRow(ctx, `
		SELECT id, subject_id, label
		FROM indicator_groups WHERE subject_id = $1 AND label = $2`,
		g.SubjectID, g.Label,
	).Scan(&out.ID, &out.SubjectID, &out.Label)
	if err != nil {
		return nil, fmt.Errorf("failed to load indicator group %q: %w", g.Label, err)
	}
	return &out, nil
}

// GetOrCreateIndicator resolves an indicator within a group by label.
func (s *Store) GetOrCreateIndicator(ctx context.Context, ind *models.Indicator) (*models.Indicator, error) {
	id := uuid.New()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO indicators (id, indicator_group_id, label, unit, decimal_places, column_name)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (indicator_group_id, label) DO NOTHING`,
		id, ind.IndicatorGroupID, ind.Label, ind.Unit, ind.DecimalPlaces, ind.ColumnName,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert indicator: %w", err)
	}

	var out models.Indicator
	err = s.pool.QueryRow(ctx, `
		SELECT id, indicator_group_id, label, unit, decimal_places, column_name
		FROM indicators WHERE indicator_group_id = $1 AND label = $2`,
		ind.IndicatorGroupID, ind.Label,
	).Scan(&out.ID, &out.IndicatorGroupID, &out.Label, &out.Unit, &out.DecimalPlaces, &out.ColumnName)
	if err != nil {
		return nil, fmt.Errorf("failed to load indicator %q: %w", ind.Label, err)
	}
	return &out, nil
}

// IndicatorGroupTree is one indicator group with its indicators, as
// loaded for cache warming.
type IndicatorGroupTree struct {
	Group      models.IndicatorGroup
	Indicators []models.Indicator
}

// ListIndicatorsForSubject loads the indicator hierarchy of one subject.
func (s *Store) ListIndicatorsForSubject(ctx context.Context, subjectID uuid.UUID) ([]IndicatorGroupTree, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, subject_id, label
		FROM indicator_groups WHERE subject_id = $1 ORDER BY label`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list indicator groups: %w", err)
	}
	groups, err := collectRows(rows, func(row pgx.Row) (models.IndicatorGroup, error) {
		var g models.IndicatorGroup
		err := row.Scan(&g.ID, &g.SubjectID, &g.Label)
		return g, err
	})
	if err != nil {
		return nil, err
	}

	trees := make([]IndicatorGroupTree, 0, len(groups))
	for _, g := range groups {
		indRows, err := s.pool.Query(ctx, `
			SELECT id, indicator_group_id, label, unit, decimal_places, column_name
			FROM indicators WHERE indicator_group_id = $1 ORDER BY label`, g.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list indicators: %w", err)
		}
		indicators, err := collectRows(indRows, func(row pgx.Row) (models.Indicator, error) {
			var ind models.Indicator
			err := row.Scan(&ind.ID, &ind.IndicatorGroupID, &ind.Label, &ind.Unit, &ind.DecimalPlaces, &ind.ColumnName)
			return ind, err
		})
		if err != nil {
			return nil, err
		}
		trees = append(trees, IndicatorGroupTree{Group: g, Indicators: indicators})
	}
	return trees, nil
}
