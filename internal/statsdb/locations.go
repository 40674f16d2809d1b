package statsdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/factfeed/factfeed/pkg/models"
)

// GetLocation looks up a location by its attribute tuple. Returns
// (nil, nil) when no row matches.
func (s *Store) GetLocation(ctx context.Context, loc *models.Location) (*models.Location, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, geographic_level,
			country_code, country_name, region_code, region_name,
			local_authority_code, local_authority_name, ward_code, ward_name
		FROM locations
		WHERE geographic_level = $1 AND country_code = $2 AND region_code = $3
			AND local_authority_code = $4 AND ward_code = $5`,
		string(loc.GeographicLevel), loc.Country.Code, loc.Region.Code,
		loc.LocalAuthority.Code, loc.Ward.Code,
	)

	found, err := scanLocation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up location: %w", err)
	}
	return found, nil
}

// GetOrCreateLocation resolves the location row for an attribute tuple,
// inserting it if absent. ON CONFLICT DO NOTHING plus a re-select closes
// the race between separate worker processes: whichever insert wins, both
// resolve to the same row.
func (s *Store) GetOrCreateLocation(ctx context.Context, loc *models.Location) (*models.Location, error) {
	if existing, err := s.GetLocation(ctx, loc); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	id := uuid.New()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO locations (
			id, geographic_level,
			country_code, country_name, region_code, region_name,
			local_authority_code, local_authority_name, ward_code, ward_name
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (geographic_level, country_code, region_code, local_authority_code, ward_code)
		DO NOTHING`,
		id, string(loc.GeographicLevel),
		loc.Country.Code, loc.Country.Name, loc.Region.Code, loc.Region.Name,
		loc.LocalAuthority.Code, loc.LocalAuthority.Name, loc.Ward.Code, loc.Ward.Name,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert location: %w", err)
	}

	created, err := s.GetLocation(ctx, loc)
	if err != nil {
		return nil, err
	}
	if created == nil {
		return nil, fmt.Errorf("location vanished after insert: %s", loc.Key())
	}
	return created, nil
}

// ListLocations loads every location row, used to pre-warm the location
// cache at process start.
func (s *Store) ListLocations(ctx context.Context) ([]*models.Location, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, geographic_level,
			country_code, country_name, region_code, region_name,
			local_authority_code, local_authority_name, ward_code, ward_name
		FROM locations`)
	if err != nil {
		return nil, fmt.Errorf("failed to list locations: %w", err)
	}
	defer rows.Close()

	var locations []*models.Location
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan location: %w", err)
		}
		locations = append(locations, loc)
	}
	return locations, rows.Err()
}

func scanLocation(row pgx.Row) (*models.Location, error) {
	var (
		loc   models.Location
		level string
	)
	err := row.Scan(
		&loc.ID, &level,
		&loc.Country.Code, &loc.Country.Name,
		&loc.Region.Code, &loc.Region.Name,
		&loc.LocalAuthority.Code, &loc.LocalAuthority.Name,
		&loc.Ward.Code, &loc.Ward.Name,
	)
	if err != nil {
		return nil, err
	}
	loc.GeographicLevel = models.GeographicLevel(level)
	return &loc, nil
}
