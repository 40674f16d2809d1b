// Package contentdb persists DataImport records in SQLite. It owns only
// import-progress metadata; statistical rows live in statsdb. Consistency
// between the two stores comes from stage ordering, not a shared
// transaction.
package contentdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/factfeed/factfeed/pkg/models"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrImportNotFound is returned when no DataImport exists for an id.
	ErrImportNotFound = errors.New("data import not found")

	// ErrStaleStatus is returned when a status update would regress the
	// state machine. Callers treat it as "someone else already advanced
	// this import" and no-op.
	ErrStaleStatus = errors.New("stale status transition")
)

// Store keeps DataImport rows in SQLite.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (creating if needed) the content metadata database.
func Open(dbPath string, logger zerolog.Logger) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open content database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{
		db:     db,
		logger: logger.With().Str("component", "contentdb").Logger(),
	}

	if err := s.initDB(); err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Info().Str("db_path", dbPath).Msg("Content database opened")
	return s, nil
}

func (s *Store) initDB() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS data_imports (
			id TEXT PRIMARY KEY,
			subject_id TEXT NOT NULL,
			data_file_id TEXT NOT NULL,
			data_file_name TEXT NOT NULL,
			meta_file_name TEXT NOT NULL,
			archive_file_name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			total_rows INTEGER NOT NULL DEFAULT 0,
			expected_imported_rows INTEGER NOT NULL DEFAULT 0,
			rows_per_batch INTEGER NOT NULL,
			num_batches INTEGER NOT NULL DEFAULT 0,
			batches_imported INTEGER NOT NULL DEFAULT 0,
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			errors TEXT NOT NULL DEFAULT '[]',
			created_at TIMESTAMP NOT NULL,
			status_moved_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create data_imports table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_data_imports_status
		ON data_imports(status, status_moved_at)
	`)
	if err != nil {
		return fmt.Errorf("failed to create status index: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS imported_batches (
			import_id TEXT NOT NULL,
			batch_number INTEGER NOT NULL,
			PRIMARY KEY (import_id, batch_number)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create imported_batches table: %w", err)
	}

	return nil
}

// Create inserts a new DataImport in QUEUED state.
func (s *Store) Create(ctx context.Context, di *models.DataImport) error {
	if di.ID == uuid.Nil {
		di.ID = uuid.New()
	}
	if di.Status == "" {
		di.Status = models.StatusQueued
	}
	now := time.Now().UTC()
	di.Created = now
	di.StatusMoved = now

	errsJSON, err := json.Marshal(di.Errors)
	if err != nil {
		return fmt.Errorf("failed to encode errors: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO data_imports (
			id, subject_id, data_file_id, data_file_name, meta_file_name,
			archive_file_name, status, total_rows, expected_imported_rows,
			rows_per_batch, num_batches, batches_imported, cancel_requested,
			errors, created_at, status_moved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		di.ID.String(), di.SubjectID.String(), di.DataFileID.String(),
		di.DataFileName, di.MetaFileName, di.ArchiveFileName, string(di.Status),
		di.TotalRows, di.ExpectedImportedRows, di.RowsPerBatch,
		di.NumBatches, di.BatchesImported, boolToInt(di.CancelRequested),
		string(errsJSON), di.Created, di.StatusMoved,
	)
	if err != nil {
		return fmt.Errorf("failed to insert data import: %w", err)
	}

	s.logger.Info().
		Str("import_id", di.ID.String()).
		Str("subject_id", di.SubjectID.String()).
		Str("data_file", di.DataFileName).
		Msg("Data import created")

	return nil
}

// Get loads a DataImport by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.DataImport, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, subject_id, data_file_id, data_file_name, meta_file_name,
			archive_file_name, status, total_rows, expected_imported_rows,
			rows_per_batch, num_batches, batches_imported, cancel_requested,
			errors, created_at, status_moved_at
		FROM data_imports WHERE id = ?`, id.String())

	return scanImport(row)
}

// UpdateStatus advances the import's status. The update is guarded twice:
// the transition must be legal per the state machine, and the row must
// still hold the status we read, so concurrent writers cannot interleave
// a regression.
func (s *Store) UpdateStatus(ctx context.Context, id uuid.UUID, next models.ImportStatus) error {
	di, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	if di.Status == next {
		return nil
	}
	if !di.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrStaleStatus, di.Status, next)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE data_imports SET status = ?, status_moved_at = ?
		WHERE id = ? AND status = ?`,
		string(next), time.Now().UTC(), id.String(), string(di.Status),
	)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: import %s moved concurrently", ErrStaleStatus, id)
	}

	s.logger.Info().
		Str("import_id", id.String()).
		Str("from", string(di.Status)).
		Str("to", string(next)).
		Msg("Import status advanced")

	return nil
}

// SetBatching records the row counts and batch layout computed in stage 3.
func (s *Store) SetBatching(ctx context.Context, id uuid.UUID, totalRows, expectedRows int64, numBatches int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE data_imports
		SET total_rows = ?, expected_imported_rows = ?, num_batches = ?
		WHERE id = ?`,
		totalRows, expectedRows, numBatches, id.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to set batching info: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrImportNotFound
	}
	return nil
}

// MarkBatchImported records one batch as committed and returns the
// number of distinct imported batches. Marking the same batch again is
// a no-op, so a redelivered batch message never inflates the count.
func (s *Store) MarkBatchImported(ctx context.Context, id uuid.UUID, batchNumber int) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM data_imports WHERE id = ?`, id.String(),
	).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("failed to look up import: %w", err)
	}
	if exists == 0 {
		return 0, ErrImportNotFound
	}

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO imported_batches (import_id, batch_number) VALUES (?, ?)`,
		id.String(), batchNumber,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to record imported batch: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		_, err = tx.ExecContext(ctx, `
			UPDATE data_imports SET batches_imported = batches_imported + 1
			WHERE id = ?`, id.String(),
		)
		if err != nil {
			return 0, fmt.Errorf("failed to update batch count: %w", err)
		}
	}

	var count int
	err = tx.QueryRowContext(ctx,
		`SELECT batches_imported FROM data_imports WHERE id = ?`, id.String(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to read batch count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit batch mark: %w", err)
	}
	return count, nil
}

// AppendErrors attaches validation or failure detail to the import.
func (s *Store) AppendErrors(ctx context.Context, id uuid.UUID, errs []string) error {
	if len(errs) == 0 {
		return nil
	}

	di, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	combined := append(di.Errors, errs...)
	errsJSON, err := json.Marshal(combined)
	if err != nil {
		return fmt.Errorf("failed to encode errors: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE data_imports SET errors = ? WHERE id = ?`,
		string(errsJSON), id.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to append errors: %w", err)
	}
	return nil
}

// Fail marks the import FAILED with the given detail. Safe to call from
// any non-terminal state.
func (s *Store) Fail(ctx context.Context, id uuid.UUID, detail string) error {
	if detail != "" {
		if err := s.AppendErrors(ctx, id, []string{detail}); err != nil {
			return err
		}
	}
	if err := s.UpdateStatus(ctx, id, models.StatusFailed); err != nil {
		if errors.Is(err, ErrStaleStatus) {
			return nil // already terminal
		}
		return err
	}
	return nil
}

// RequestCancel flags the import for cancellation. Stage handlers check
// the flag before expensive work; already-committed batches stay.
func (s *Store) RequestCancel(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE data_imports SET cancel_requested = 1 WHERE id = ?`, id.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to request cancel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrImportNotFound
	}
	return nil
}

// ListStalled returns non-terminal imports whose status has not moved
// within the window. The scheduler requeues them after worker crashes.
func (s *Store) ListStalled(ctx context.Context, olderThan time.Duration) ([]*models.DataImport, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject_id, data_file_id, data_file_name, meta_file_name,
			archive_file_name, status, total_rows, expected_imported_rows,
			rows_per_batch, num_batches, batches_imported, cancel_requested,
			errors, created_at, status_moved_at
		FROM data_imports
		WHERE status NOT IN (?, ?, ?) AND status_moved_at < ?
		ORDER BY status_moved_at ASC`,
		string(models.StatusComplete), string(models.StatusFailed),
		string(models.StatusCancelled), cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stalled imports: %w", err)
	}
	defer rows.Close()

	var imports []*models.DataImport
	for rows.Next() {
		di, err := scanImport(rows)
		if err != nil {
			return nil, err
		}
		imports = append(imports, di)
	}
	return imports, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanImport(row rowScanner) (*models.DataImport, error) {
	var (
		di                      models.DataImport
		idStr, subjStr, fileStr string
		status, errsJSON        string
		cancelInt               int
	)

	err := row.Scan(
		&idStr, &subjStr, &fileStr, &di.DataFileName, &di.MetaFileName,
		&di.ArchiveFileName, &status, &di.TotalRows, &di.ExpectedImportedRows,
		&di.RowsPerBatch, &di.NumBatches, &di.BatchesImported, &cancelInt,
		&errsJSON, &di.Created, &di.StatusMoved,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrImportNotFound
		}
		return nil, fmt.Errorf("failed to scan data import: %w", err)
	}

	di.ID, err = uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("invalid import id %q: %w", idStr, err)
	}
	di.SubjectID, err = uuid.Parse(subjStr)
	if err != nil {
		return nil, fmt.Errorf("invalid subject id %q: %w", subjStr, err)
	}
	di.DataFileID, err = uuid.Parse(fileStr)
	if err != nil {
		return nil, fmt.Errorf("invalid data file id %q: %w", fileStr, err)
	}
	di.Status = models.ImportStatus(status)
	di.CancelRequested = cancelInt != 0

	if err := json.Unmarshal([]byte(errsJSON), &di.Errors); err != nil {
		return nil, fmt.Errorf("invalid errors payload: %w", err)
	}

	return &di, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
