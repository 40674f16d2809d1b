package importer

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/factfeed/factfeed/internal/storage"
	"github.com/factfeed/factfeed/pkg/models"
)

// SplitResult is what stage 3 learned about the data file.
type SplitResult struct {
	TotalRows    int
	Observations int
	NumBatches   int
}

// BatchSplitter runs stage 3: one streaming pass over the data file,
// counting rows and cutting them into batch files of at most
// rowsPerBatch rows each. Every batch file repeats the header so the
// observation importer can parse it standalone.
//
// Splitting resumes after a restart: batch files already in the blob
// store are counted but not rewritten. When everything fits in a single
// batch no files are written at all and the dispatcher points batch 1
// at the data file itself.
type BatchSplitter struct {
	blob         storage.Backend
	rowsPerBatch int
	logger       zerolog.Logger
}

// NewBatchSplitter creates a splitter cutting rowsPerBatch rows per file.
func NewBatchSplitter(blob storage.Backend, rowsPerBatch int, logger zerolog.Logger) *BatchSplitter {
	return &BatchSplitter{
		blob:         blob,
		rowsPerBatch: rowsPerBatch,
		logger:       logger.With().Str("component", "batch_splitter").Logger(),
	}
}

// Split cuts the import's data file into batch files and reports the
// row and batch counts. The same streaming pass counts populated
// indicator cells, which is the number of observations stage 4 will
// produce: empty cells yield no observation.
func (s *BatchSplitter) Split(ctx context.Context, di *models.DataImport, columns []MetaColumn) (SplitResult, error) {
	rowsPerBatch := s.rowsPerBatch
	if di.RowsPerBatch > 0 {
		rowsPerBatch = di.RowsPerBatch
	}

	existing, err := s.existingBatches(ctx, di)
	if err != nil {
		return SplitResult{}, err
	}

	rc, err := openBlobReader(ctx, s.blob, di.DataFilePath())
	if err != nil {
		return SplitResult{}, fmt.Errorf("failed to open data file: %w", err)
	}
	defer rc.Close()

	reader := csv.NewReader(rc)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return SplitResult{}, csvReadError(fmt.Sprintf("failed to read data file %q header", di.DataFileName), err)
	}

	indicatorIdx := indicatorIndexes(header, columns)

	// Full batches are held back one step before writing, so a file that
	// fits in a single batch is detected at EOF and never split: the
	// dispatcher points batch 1 at the data file itself.
	var (
		totalRows    int
		observations int
		batchNumber  int
		pending      [][]string
		batch        [][]string
	)
	writePending := func() error {
		if pending == nil {
			return nil
		}
		batchNumber++
		if !existing[batchNumber] {
			if err := s.writeBatch(ctx, di, batchNumber, header, pending); err != nil {
				return err
			}
		}
		pending = nil
		return nil
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return SplitResult{}, csvReadError(fmt.Sprintf("failed to read data file %q row %d", di.DataFileName, totalRows+2), err)
		}
		if len(batch) == rowsPerBatch {
			if err := writePending(); err != nil {
				return SplitResult{}, err
			}
			pending = batch
			batch = nil
		}
		totalRows++
		for _, i := range indicatorIdx {
			if i < len(record) && strings.TrimSpace(record[i]) != "" {
				observations++
			}
		}
		batch = append(batch, record)
	}

	if totalRows == 0 {
		return SplitResult{}, dataErrorf("data file %q contains no rows", di.DataFileName)
	}

	if pending == nil && batchNumber == 0 {
		s.logger.Info().
			Str("import_id", di.ID.String()).
			Int("total_rows", totalRows).
			Msg("Data file fits one batch, not split")
		return SplitResult{TotalRows: totalRows, Observations: observations, NumBatches: 1}, nil
	}

	if err := writePending(); err != nil {
		return SplitResult{}, err
	}
	if len(batch) > 0 {
		pending = batch
		if err := writePending(); err != nil {
			return SplitResult{}, err
		}
	}
	numBatches := batchNumber

	s.logger.Info().
		Str("import_id", di.ID.String()).
		Int("total_rows", totalRows).
		Int("num_batches", numBatches).
		Int("skipped_existing", len(existing)).
		Msg("Data file split")

	return SplitResult{TotalRows: totalRows, Observations: observations, NumBatches: numBatches}, nil
}

// indicatorIndexes maps the meta-declared indicator columns to their
// positions in the data header.
func indicatorIndexes(header []string, columns []MetaColumn) []int {
	pos := make(map[string]int, len(header))
	for i, h := range header {
		pos[strings.TrimSpace(h)] = i
	}
	var idx []int
	for _, col := range IndicatorColumns(columns) {
		if i, ok := pos[col.ColumnName]; ok {
			idx = append(idx, i)
		}
	}
	return idx
}

// existingBatches lists batch numbers already written in a previous,
// interrupted run. Writes are atomic on every backend, so presence
// means the file is complete.
func (s *BatchSplitter) existingBatches(ctx context.Context, di *models.DataImport) (map[int]bool, error) {
	paths, err := s.blob.List(ctx, di.BatchFilePrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list batch files: %w", err)
	}
	existing := make(map[int]bool, len(paths))
	for _, p := range paths {
		if n, ok := batchNumberFromPath(p); ok {
			existing[n] = true
		}
	}
	return existing, nil
}

// batchNumberFromPath recovers the 1-based batch number from a batch
// file path.
func batchNumberFromPath(path string) (int, bool) {
	idx := strings.LastIndex(path, "_")
	if idx < 0 {
		return 0, false
	}
	var n int
	if _, err := fmt.Sscanf(path[idx+1:], "%d", &n); err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

func (s *BatchSplitter) writeBatch(ctx context.Context, di *models.DataImport, batchNumber int, header []string, rows [][]string) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return fmt.Errorf("failed to encode batch %d: %w", batchNumber, err)
	}
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("failed to encode batch %d: %w", batchNumber, err)
	}

	path := di.BatchFilePath(batchNumber)
	if err := s.blob.Write(ctx, path, buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write batch file %s: %w", path, err)
	}
	return nil
}
