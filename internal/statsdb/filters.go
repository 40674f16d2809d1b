package statsdb

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/factfeed/factfeed/pkg/models"
)

// GetOrCreateFilter resolves a subject-scoped filter by label, inserting
// it if absent. Dedup is by (subject, label); the unique constraint plus
// re-select closes cross-process races.
func (s *Store) GetOrCreateFilter(ctx context.Context, f *models.Filter) (*models.Filter, error) {
	id := uuid.New()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO filters (id, subject_id, label, hint, column_name)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (subject_id, label) DO NOTHING`,
		id, f.SubjectID, f.Label, f.Hint, f.ColumnName,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert filter: %w", err)
	}

	var out models.Filter
	err = s.pool.QueryRow(ctx, `
		SELECT id, subject_id, label, hint, column_name
		FROM filters WHERE subject_id = $1 AND label = $2`,
		f.SubjectID, f.Label,
	).Scan(&out.ID, &out.SubjectID, &out.Label, &out.Hint, &out.ColumnName)
	if err != nil {
		return nil, fmt.Errorf("failed to load filter %q: %w", f.Label, err)
	}
	return &out, nil
}

// GetOrCreateFilterGroup resolves a group within a filter by label.
func (s *Store) GetOrCreateFilterGroup(ctx context.Context, g *models.FilterGroup) (*models.FilterGroup, error) {
	id := uuid.New()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO filter_groups (id, filter_id, label)
		VALUES ($1, $2, $3)
		ON CONFLICT (filter_id, label) DO NOTHING`,
		id, g.FilterID, g.Label,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert filter group: %w", err)
	}

	var out models.FilterGroup
	err = s.pool.QueryRow(ctx, `
		SELECT id, filter_id, label
		FROM filter_groups WHERE filter_id = $1 AND label = $2`,
		g.FilterID, g.Label,
	).Scan(&out.ID, &out.FilterID, &out.Label)
	if err != nil {
		return nil, fmt.Errorf("failed to load filter group %q: %w", g.Label, err)
	}
	return &out, nil
}

// GetOrCreateFilterItem resolves an item within a filter group by label.
func (s *Store) GetOrCreateFilterItem(ctx context.Context, it *models.FilterItem) (*models.FilterItem, error) {
	id := uuid.New()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO filter_items (id, filter_group_id, label)
		VALUES ($1, $2, $3)
		ON CONFLICT (filter_group_id, label) DO NOTHING`,
		id, it.FilterGroupID, it.Label,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert filter item: %w", err)
	}

	var out models.FilterItem
	err = s.pool.QueryRow(ctx, `
		SELECT id, filter_group_id, label
		FROM filter_items WHERE filter_group_id = $1 AND label = $2`,
		it.FilterGroupID, it.Label,
	).Scan(&out.ID, &out.FilterGroupID, &out.Label)
	if err != nil {
		return nil, fmt.Errorf("failed to load filter item %q: %w", it.Label, err)
	}
	return &out, nil
}

// FilterTree is one filter with its groups and items, as loaded for cache
// warming.
type FilterTree struct {
	Filter models.Filter
	Groups []FilterGroupTree
}

type FilterGroupTree struct {
	Group models.FilterGroup
	Items []models.FilterItem
}

// ListFiltersForSubject loads the full filter hierarchy of one subject.
func (s *Store) ListFiltersForSubject(ctx context.Context, subjectID uuid.UUID) ([]FilterTree, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, subject_id, label, hint, column_name
		FROM filters WHERE subject_id = $1 ORDER BY label`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list filters: %w", err)
	}
	filters, err := collectRows(rows, func(row pgx.Row) (models.Filter, error) {
		var f models.Filter
		err := row.Scan(&f.ID, &f.SubjectID, &f.Label, &f.Hint, &f.ColumnName)
		return f, err
	})
	if err != nil {
		return nil, err
	}

	trees := make([]FilterTree, 0, len(filters))
	for _, f := range filters {
		groupRows, err := s.pool.Query(ctx, `
			SELECT id, filter_id, label
			FROM filter_groups WHERE filter_id = $1 ORDER BY label`, f.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list filter groups: %w", err)
		}
		groups, err := collectRows(groupRows, func(row pgx.Row) (models.FilterGroup, error) {
			var g models.FilterGroup
			err := row.Scan(&g.ID, &g.FilterID, &g.Label)
			return g, err
		})
		if err != nil {
			return nil, err
		}

		tree := FilterTree{Filter: f}
		for _, g := range groups {
			itemRows, err := s.pool.Query(ctx, `
				SELECT id, filter_group_id, label
				FROM filter_items WHERE filter_group_id = $1 ORDER BY label`, g.ID)
			if err != nil {
				return nil, fmt.Errorf("failed to list filter items: %w", err)
			}
			items, err := collectRows(itemRows, func(row pgx.Row) (models.FilterItem, error) {
				var it models.FilterItem
				err := row.Scan(&it.ID, &it.FilterGroupID, &it.Label)
				return it, err
			})
			if err != nil {
				return nil, err
			}
			tree.Groups = append(tree.Groups, FilterGroupTree{Group: g, Items: items})
		}
		trees = append(trees, tree)
	}
	return trees, nil
}

// collectRows drains a row set through scan, closing it afterwards.
func collectRows[T any](rows pgx.Rows, scan func(pgx.Row) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
