// Package statsdb is the statistics store: Subjects, Locations, Filters,
// Indicators and Observations in Postgres. It is the single owner of
// statistical rows and the cross-process synchronization point for
// reference-entity uniqueness.
package statsdb

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Store wraps the Postgres connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Open connects to Postgres and ensures the schema exists.
func Open(ctx context.Context, dsn string, maxConns int, logger zerolog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse statistics store DSN: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to statistics store: %w", err)
	}

	s := &Store{
		pool:   pool,
		logger: logger.With().Str("component", "statsdb").Logger(),
	}

	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s.logger.Info().Int("max_conns", maxConns).Msg("Statistics store connected")
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS subjects (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS locations (
			id UUID PRIMARY KEY,
			geographic_level TEXT NOT NULL,
			country_code TEXT NOT NULL DEFAULT '',
			country_name TEXT NOT NULL DEFAULT '',
			region_code TEXT NOT NULL DEFAULT '',
			region_name TEXT NOT NULL DEFAULT '',
			local_authority_code TEXT NOT NULL DEFAULT '',
			local_authority_name TEXT NOT NULL DEFAULT '',
			ward_code TEXT NOT NULL DEFAULT '',
			ward_name TEXT NOT NULL DEFAULT '',
			UNIQUE (geographic_level, country_code, region_code, local_authority_code, ward_code)
		)`,
		`CREATE TABLE IF NOT EXISTS filters (
			id UUID PRIMARY KEY,
			subject_id UUID NOT NULL REFERENCES subjects(id),
			label TEXT NOT NULL,
			hint TEXT NOT NULL DEFAULT '',
			column_name TEXT NOT NULL DEFAULT '',
			UNIQUE (subject_id, label)
		)`,
		`CREATE TABLE IF NOT EXISTS filter_groups (
			id UUID PRIMARY KEY,
			filter_id UUID NOT NULL REFERENCES filters(id),
			label TEXT NOT NULL,
			UNIQUE (filter_id, label)
		)`,
		`CREATE TABLE IF NOT EXISTS filter_items (
			id UUID PRIMARY KEY,
			filter_group_id UUID NOT NULL REFERENCES filter_groups(id),
			label TEXT NOT NULL,
			UNIQUE (filter_group_id, label)
		)`,
		`CREATE TABLE IF NOT EXISTS indicator_groups (
			id UUID PRIMARY KEY,
			subject_id UUID NOT NULL REFERENCES subjects(id),
			label TEXT NOT NULL,
			UNIQUE (subject_id, label)
		)`,
		`CREATE TABLE IF NOT EXISTS indicators (
			id UUID PRIMARY KEY,
			indicator_group_id UUID NOT NULL REFERENCES indicator_groups(id),
			label TEXT NOT NULL,
			unit TEXT NOT NULL DEFAULT '',
			decimal_places INTEGER NOT NULL DEFAULT 0,
			column_name TEXT NOT NULL DEFAULT '',
			UNIQUE (indicator_group_id, label)
		)`,
		`CREATE TABLE IF NOT EXISTS observations (
			id UUID PRIMARY KEY,
			subject_id UUID NOT NULL REFERENCES subjects(id),
			location_id UUID NOT NULL REFERENCES locations(id),
			indicator_id UUID NOT NULL REFERENCES indicators(id),
			time_identifier TEXT NOT NULL,
			time_period INTEGER NOT NULL,
			value DOUBLE PRECISION NOT NULL,
			data_import_id UUID NOT NULL,
			batch_number INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_observations_subject
			ON observations (subject_id)`,
		`CREATE INDEX IF NOT EXISTS idx_observations_import_batch
			ON observations (data_import_id, batch_number)`,
		`CREATE TABLE IF NOT EXISTS observation_filter_items (
			observation_id UUID NOT NULL REFERENCES observations(id) ON DELETE CASCADE,
			filter_item_id UUID NOT NULL REFERENCES filter_items(id),
			PRIMARY KEY (observation_id, filter_item_id)
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize statistics schema: %w", err)
		}
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
