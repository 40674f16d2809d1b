package importer

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"

	"github.com/factfeed/factfeed/internal/storage"
	"github.com/factfeed/factfeed/pkg/models"
)

// ValidationError is one structural problem found during stage 1. The
// full ordered list is attached to the DataImport; the job does not
// advance past validation while the list is non-empty.
type ValidationError struct {
	Code    string
	Message string
}

func (e ValidationError) String() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Validation error codes.
const (
	ErrCodeArchive    = "ARCHIVE_INVALID"
	ErrCodeFileType   = "FILE_TYPE_INVALID"
	ErrCodeMetaHeader = "META_FILE_INVALID"
	ErrCodeDataHeader = "DATA_FILE_HEADER_INVALID"
	ErrCodeDataEmpty  = "DATA_FILE_EMPTY"
)

// Validator verifies an uploaded data/meta file pair (or archive) before
// any statistics-store writes happen. Its only side effect is extracting
// archive entries back into the blob store.
type Validator struct {
	blob   storage.Backend
	logger zerolog.Logger
}

// NewValidator creates a validator over the given blob store.
func NewValidator(blob storage.Backend, logger zerolog.Logger) *Validator {
	return &Validator{
		blob:   blob,
		logger: logger.With().Str("component", "validator").Logger(),
	}
}

// Validate runs all stage-1 checks for the import. A non-empty result
// means the upload is structurally bad and the import must fail; a
// non-nil error means the checks themselves could not run (I/O trouble)
// and the message should be retried.
func (v *Validator) Validate(ctx context.Context, di *models.DataImport) ([]ValidationError, error) {
	if di.ArchiveFileName != "" {
		if errs, err := v.extractArchive(ctx, di); err != nil || len(errs) > 0 {
			return errs, err
		}
	}

	metaCols, errs, err := v.checkMetaFile(ctx, di)
	if err != nil || len(errs) > 0 {
		return errs, err
	}

	errs, err = v.checkDataFile(ctx, di, metaCols)
	if err != nil || len(errs) > 0 {
		return errs, err
	}

	v.logger.Info().
		Str("import_id", di.ID.String()).
		Str("data_file", di.DataFileName).
		Msg("Upload validated")

	return nil, nil
}

// extractArchive verifies the archive holds exactly the expected data and
// meta entries, and writes both back to the blob store where the later
// stages expect them. Re-running after a restart just overwrites.
func (v *Validator) extractArchive(ctx context.Context, di *models.DataImport) ([]ValidationError, error) {
	data, err := v.blob.Read(ctx, di.ArchiveFilePath())
	if err != nil {
		return nil, fmt.Errorf("failed to read archive: %w", err)
	}

	if mt := mimetype.Detect(data); !mt.Is("application/zip") {
		return []ValidationError{{
			Code:    ErrCodeFileType,
			Message: fmt.Sprintf("archive %q has type %s, want application/zip", di.ArchiveFileName, mt.String()),
		}}, nil
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return []ValidationError{{
			Code:    ErrCodeArchive,
			Message: fmt.Sprintf("archive %q is not readable: %v", di.ArchiveFileName, err),
		}}, nil
	}

	if len(zr.File) != 2 {
		return []ValidationError{{
			Code:    ErrCodeArchive,
			Message: fmt.Sprintf("archive has %d entries, want exactly data and meta files", len(zr.File)),
		}}, nil
	}

	want := map[string]string{
		di.DataFileName: di.DataFilePath(),
		di.MetaFileName: di.MetaFilePath(),
	}
	for _, f := range zr.File {
		dest, ok := want[f.Name]
		if !ok {
			return []ValidationError{{
				Code:    ErrCodeArchive,
				Message: fmt.Sprintf("unexpected archive entry %q", f.Name),
			}}, nil
		}
		delete(want, f.Name)

		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open archive entry %q: %w", f.Name, err)
		}
		writeErr := v.blob.WriteReader(ctx, dest, rc, int64(f.UncompressedSize64))
		rc.Close()
		if writeErr != nil {
			return nil, fmt.Errorf("failed to extract archive entry %q: %w", f.Name, writeErr)
		}
	}
	for name := range want {
		return []ValidationError{{
			Code:    ErrCodeArchive,
			Message: fmt.Sprintf("archive is missing entry %q", name),
		}}, nil
	}

	return nil, nil
}

// checkMetaFile sniffs the meta file type and parses it fully against the
// fixed schema.
func (v *Validator) checkMetaFile(ctx context.Context, di *models.DataImport) ([]MetaColumn, []ValidationError, error) {
	rc, err := openBlobReader(ctx, v.blob, di.MetaFilePath())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open meta file: %w", err)
	}
	defer rc.Close()

	br := bufio.NewReaderSize(rc, sniffSize)
	verr, err := sniffDelimited(br, di.MetaFileName)
	if err != nil {
		return nil, nil, err
	}
	if verr != nil {
		return nil, []ValidationError{*verr}, nil
	}

	cols, err := ParseMetaFile(br)
	if err != nil {
		if IsDataError(err) {
			return nil, []ValidationError{{Code: ErrCodeMetaHeader, Message: err.Error()}}, nil
		}
		return nil, nil, fmt.Errorf("failed to read meta file: %w", err)
	}
	return cols, nil, nil
}

// checkDataFile sniffs the data file type and verifies its header exactly
// covers the reserved columns, the meta-declared identifiers, and nothing
// else but known location attributes.
func (v *Validator) checkDataFile(ctx context.Context, di *models.DataImport, metaCols []MetaColumn) ([]ValidationError, error) {
	rc, err := openBlobReader(ctx, v.blob, di.DataFilePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open data file: %w", err)
	}
	defer rc.Close()

	br := bufio.NewReaderSize(rc, sniffSize)
	verr, err := sniffDelimited(br, di.DataFileName)
	if err != nil {
		return nil, err
	}
	if verr != nil {
		return []ValidationError{*verr}, nil
	}

	reader := csv.NewReader(br)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if rerr := csvReadError("data file header", err); IsDataError(rerr) {
			return []ValidationError{{
				Code:    ErrCodeDataHeader,
				Message: fmt.Sprintf("data file has no readable header: %v", err),
			}}, nil
		}
		return nil, fmt.Errorf("failed to read data file header: %w", err)
	}

	var errs []ValidationError

	have := make(map[string]bool, len(header))
	for _, h := range header {
		have[strings.TrimSpace(h)] = true
	}

	for _, required := range requiredDataHeaders {
		if !have[required] {
			errs = append(errs, ValidationError{
				Code:    ErrCodeDataHeader,
				Message: fmt.Sprintf("data file is missing required column %q", required),
			})
		}
	}

	for _, col := range metaCols {
		if !have[col.ColumnName] {
			errs = append(errs, ValidationError{
				Code:    ErrCodeDataHeader,
				Message: fmt.Sprintf("data file is missing meta-declared column %q", col.ColumnName),
			})
		}
		if col.ColumnType == ColumnFilter && col.FilterGroupingColumn != "" && !have[col.FilterGroupingColumn] {
			errs = append(errs, ValidationError{
				Code:    ErrCodeDataHeader,
				Message: fmt.Sprintf("data file is missing grouping column %q for filter %q", col.FilterGroupingColumn, col.Label),
			})
		}
	}

	known := knownDataColumns(metaCols)
	for _, h := range header {
		h = strings.TrimSpace(h)
		if !known[h] {
			errs = append(errs, ValidationError{
				Code:    ErrCodeDataHeader,
				Message: fmt.Sprintf("data file column %q is not declared in the meta file", h),
			})
		}
	}

	if len(errs) > 0 {
		return errs, nil
	}

	if _, err := reader.Read(); err == io.EOF {
		return []ValidationError{{
			Code:    ErrCodeDataEmpty,
			Message: "data file contains a header but no rows",
		}}, nil
	} else if err != nil {
		if rerr := csvReadError("data file first row", err); IsDataError(rerr) {
			return []ValidationError{{
				Code:    ErrCodeDataHeader,
				Message: fmt.Sprintf("data file first row is unreadable: %v", err),
			}}, nil
		}
		return nil, fmt.Errorf("failed to read data file: %w", err)
	}

	return nil, nil
}

// knownDataColumns is the set of headers a data file may carry: reserved
// columns, location attributes, and everything the meta file declares.
func knownDataColumns(metaCols []MetaColumn) map[string]bool {
	known := make(map[string]bool)
	for _, h := range requiredDataHeaders {
		known[h] = true
	}
	for _, h := range locationColumns {
		known[h] = true
	}
	for _, col := range metaCols {
		known[col.ColumnName] = true
		if col.FilterGroupingColumn != "" {
			known[col.FilterGroupingColumn] = true
		}
	}
	return known
}

const sniffSize = 3072

// sniffDelimited peeks the head of a stream and checks it looks like
// delimited text. Peek does not consume, so CSV parsing can continue
// from the start of the same reader. Stream failures surface as plain
// errors for retry; only a real content-type mismatch is a validation
// error.
func sniffDelimited(br *bufio.Reader, name string) (*ValidationError, error) {
	head, err := br.Peek(sniffSize)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, fmt.Errorf("failed to read file %q: %w", name, err)
	}

	mt := mimetype.Detect(head)
	if mt.Is("text/csv") || mt.Is("text/plain") || mt.Is("text/tab-separated-values") {
		return nil, nil
	}
	return &ValidationError{
		Code:    ErrCodeFileType,
		Message: fmt.Sprintf("file %q has type %s, want delimited text", name, mt.String()),
	}, nil
}
