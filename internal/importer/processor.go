package importer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/factfeed/factfeed/internal/contentdb"
	"github.com/factfeed/factfeed/internal/queue"
	"github.com/factfeed/factfeed/internal/storage"
	"github.com/factfeed/factfeed/pkg/models"
)

// importStore is the import-tracking surface the processor drives.
type importStore interface {
	Create(ctx context.Context, di *models.DataImport) error
	Get(ctx context.Context, id uuid.UUID) (*models.DataImport, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, next models.ImportStatus) error
	SetBatching(ctx context.Context, id uuid.UUID, totalRows, expectedRows int64, numBatches int) error
	MarkBatchImported(ctx context.Context, id uuid.UUID, batchNumber int) (int, error)
	AppendErrors(ctx context.Context, id uuid.UUID, errs []string) error
	Fail(ctx context.Context, id uuid.UUID, detail string) error
	RequestCancel(ctx context.Context, id uuid.UUID) error
}

// Processor is the import state machine. Every queue message lands here;
// each handler checks the import is still in the stage the message
// belongs to, does its stage's work, advances the status and publishes
// the next stage's message. Messages for stages the import has already
// left are acknowledged without effect, which is what makes redelivery
// and the stalled-import requeue safe.
type Processor struct {
	content   importStore
	blob      storage.Backend
	queue     queue.Queue
	validator *Validator
	meta      *MetaImporter
	splitter  *BatchSplitter
	obs       *ObservationImporter
	logger    zerolog.Logger
}

// NewProcessor wires the stage components into one state machine.
func NewProcessor(content importStore, blob storage.Backend, q queue.Queue, validator *Validator, meta *MetaImporter, splitter *BatchSplitter, obs *ObservationImporter, logger zerolog.Logger) *Processor {
	return &Processor{
		content:   content,
		blob:      blob,
		queue:     q,
		validator: validator,
		meta:      meta,
		splitter:  splitter,
		obs:       obs,
		logger:    logger.With().Str("component", "processor").Logger(),
	}
}

// StartImport records a new import and queues it for validation.
func (p *Processor) StartImport(ctx context.Context, di *models.DataImport) error {
	if di.ID == uuid.Nil {
		di.ID = uuid.New()
	}
	if di.DataFileID == uuid.Nil {
		di.DataFileID = uuid.New()
	}
	di.Status = models.StatusQueued

	if err := p.content.Create(ctx, di); err != nil {
		return err
	}
	if err := p.queue.Publish(ctx, queue.Message{Kind: queue.KindValidate, ImportID: di.ID}); err != nil {
		return fmt.Errorf("failed to queue import %s: %w", di.ID, err)
	}

	p.logger.Info().
		Str("import_id", di.ID.String()).
		Str("data_file", di.DataFileName).
		Msg("Import queued")
	return nil
}

// CancelImport asks for the import to stop. The flag is set immediately;
// the cancel message lets a worker finish the transition for imports
// that are not currently being worked on.
func (p *Processor) CancelImport(ctx context.Context, id uuid.UUID) error {
	if err := p.content.RequestCancel(ctx, id); err != nil {
		return err
	}
	return p.queue.Publish(ctx, queue.Message{Kind: queue.KindCancel, ImportID: id})
}

// Handle processes one queue message. A nil return means the message is
// done (including permanent failures already recorded against the
// import); a non-nil return means transient trouble and the caller
// should retry the delivery.
func (p *Processor) Handle(ctx context.Context, msg queue.Message) error {
	di, err := p.content.Get(ctx, msg.ImportID)
	if errors.Is(err, contentdb.ErrImportNotFound) {
		p.logger.Warn().Str("import_id", msg.ImportID.String()).Msg("Message for unknown import dropped")
		return nil
	}
	if err != nil {
		return err
	}

	if msg.Kind != queue.KindCancel && p.cancelled(ctx, di) {
		return nil
	}

	switch msg.Kind {
	case queue.KindValidate:
		return p.handleValidate(ctx, di)
	case queue.KindImportMeta:
		return p.handleImportMeta(ctx, di)
	case queue.KindSplitFile:
		return p.handleSplitFile(ctx, di)
	case queue.KindImportBatch:
		return p.handleImportBatch(ctx, di, msg)
	case queue.KindCancel:
		return p.handleCancel(ctx, di)
	default:
		p.logger.Warn().Str("kind", string(msg.Kind)).Msg("Unknown message kind dropped")
		return nil
	}
}

// Requeue re-publishes the message for whatever stage the import is
// stuck in. The scheduler calls this for imports whose status has not
// moved, typically after a worker crash took the in-flight message down
// with it.
func (p *Processor) Requeue(ctx context.Context, di *models.DataImport) error {
	switch di.Status {
	case models.StatusQueued, models.StatusStage1:
		return p.queue.Publish(ctx, queue.Message{Kind: queue.KindValidate, ImportID: di.ID})
	case models.StatusStage2:
		return p.queue.Publish(ctx, queue.Message{Kind: queue.KindImportMeta, ImportID: di.ID})
	case models.StatusStage3:
		return p.queue.Publish(ctx, queue.Message{Kind: queue.KindSplitFile, ImportID: di.ID})
	case models.StatusStage4:
		return p.dispatchBatches(ctx, di)
	default:
		return nil
	}
}

func (p *Processor) handleValidate(ctx context.Context, di *models.DataImport) error {
	switch di.Status {
	case models.StatusQueued:
		if err := p.content.UpdateStatus(ctx, di.ID, models.StatusStage1); err != nil {
			return p.stale(di, err)
		}
	case models.StatusStage1:
		// A previous attempt started and died; run validation again.
	default:
		return p.skipStale(di, queue.KindValidate)
	}

	verrs, err := p.validator.Validate(ctx, di)
	if err != nil {
		return err
	}
	if len(verrs) > 0 {
		msgs := make([]string, len(verrs))
		for i, ve := range verrs {
			msgs[i] = ve.String()
		}
		if err := p.content.AppendErrors(ctx, di.ID, msgs); err != nil {
			return err
		}
		p.logger.Warn().
			Str("import_id", di.ID.String()).
			Strs("errors", msgs).
			Msg("Upload failed validation")
		return p.content.Fail(ctx, di.ID, "")
	}

	if err := p.content.UpdateStatus(ctx, di.ID, models.StatusStage2); err != nil {
		return p.stale(di, err)
	}
	return p.queue.Publish(ctx, queue.Message{Kind: queue.KindImportMeta, ImportID: di.ID})
}

func (p *Processor) handleImportMeta(ctx context.Context, di *models.DataImport) error {
	if di.Status != models.StatusStage2 {
		return p.skipStale(di, queue.KindImportMeta)
	}

	if err := p.meta.Import(ctx, di); err != nil {
		return p.failOnDataError(ctx, di, err)
	}

	if err := p.content.UpdateStatus(ctx, di.ID, models.StatusStage3); err != nil {
		return p.stale(di, err)
	}
	return p.queue.Publish(ctx, queue.Message{Kind: queue.KindSplitFile, ImportID: di.ID})
}

func (p *Processor) handleSplitFile(ctx context.Context, di *models.DataImport) error {
	if di.Status != models.StatusStage3 {
		return p.skipStale(di, queue.KindSplitFile)
	}

	columns, err := readMetaColumns(ctx, p.blob, di)
	if err != nil {
		return p.failOnDataError(ctx, di, err)
	}

	result, err := p.splitter.Split(ctx, di, columns)
	if err != nil {
		return p.failOnDataError(ctx, di, err)
	}

	if err := p.content.SetBatching(ctx, di.ID, int64(result.TotalRows), int64(result.Observations), result.NumBatches); err != nil {
		return err
	}
	if err := p.content.UpdateStatus(ctx, di.ID, models.StatusStage4); err != nil {
		return p.stale(di, err)
	}

	di.TotalRows = int64(result.TotalRows)
	di.NumBatches = result.NumBatches
	return p.dispatchBatches(ctx, di)
}

// dispatchBatches publishes one message per still-unimported batch. A
// batch file disappears only after its transaction commits, so the
// remaining files are exactly the remaining work. If nothing is left
// the import is complete; this is the convergence path for crashes
// between a batch commit and its counter update.
func (p *Processor) dispatchBatches(ctx context.Context, di *models.DataImport) error {
	if di.NumBatches == 1 {
		if di.BatchesImported >= 1 {
			return p.complete(ctx, di)
		}
		return p.queue.Publish(ctx, queue.Message{
			Kind:          queue.KindImportBatch,
			ImportID:      di.ID,
			BatchNumber:   1,
			BatchFilePath: di.DataFilePath(),
		})
	}

	paths, err := p.blob.List(ctx, di.BatchFilePrefix())
	if err != nil {
		return fmt.Errorf("failed to list batch files: %w", err)
	}
	if len(paths) == 0 {
		return p.complete(ctx, di)
	}

	for _, path := range paths {
		n, ok := batchNumberFromPath(path)
		if !ok {
			p.logger.Warn().Str("path", path).Msg("Unrecognized batch file skipped")
			continue
		}
		if err := p.queue.Publish(ctx, queue.Message{
			Kind:          queue.KindImportBatch,
			ImportID:      di.ID,
			BatchNumber:   n,
			BatchFilePath: path,
		}); err != nil {
			return fmt.Errorf("failed to dispatch batch %d: %w", n, err)
		}
	}

	p.logger.Info().
		Str("import_id", di.ID.String()).
		Int("dispatched", len(paths)).
		Int("num_batches", di.NumBatches).
		Msg("Batches dispatched")
	return nil
}

func (p *Processor) handleImportBatch(ctx context.Context, di *models.DataImport, msg queue.Message) error {
	if di.Status != models.StatusStage4 {
		return p.skipStale(di, queue.KindImportBatch)
	}

	isSplitFile := strings.HasPrefix(msg.BatchFilePath, di.BatchFilePrefix())

	// A batch file is only deleted after its transaction commits, so a
	// redelivered message pointing at a vanished file means the batch
	// already made it in on an earlier delivery. Record it and move on.
	if isSplitFile {
		exists, err := p.blob.Exists(ctx, msg.BatchFilePath)
		if err != nil {
			return fmt.Errorf("failed to check batch file %s: %w", msg.BatchFilePath, err)
		}
		if !exists {
			p.logger.Info().
				Str("import_id", di.ID.String()).
				Int("batch", msg.BatchNumber).
				Msg("Batch file already gone, treating batch as imported")
			return p.settleBatch(ctx, di, msg.BatchNumber)
		}
	}

	if _, err := p.obs.ImportBatch(ctx, di, msg.BatchNumber, msg.BatchFilePath); err != nil {
		return p.failOnDataError(ctx, di, err)
	}

	// Uploaded files are kept; only split artifacts are cleaned up.
	if isSplitFile {
		if err := p.blob.Delete(ctx, msg.BatchFilePath); err != nil {
			p.logger.Warn().Err(err).Str("path", msg.BatchFilePath).Msg("Failed to delete batch file")
		}
	}

	return p.settleBatch(ctx, di, msg.BatchNumber)
}

// settleBatch records the batch as imported and completes the import
// when every distinct batch is in. The mark is idempotent per batch
// number, so duplicate deliveries never finish the import early.
func (p *Processor) settleBatch(ctx context.Context, di *models.DataImport, batchNumber int) error {
	imported, err := p.content.MarkBatchImported(ctx, di.ID, batchNumber)
	if err != nil {
		return err
	}
	if imported >= di.NumBatches {
		return p.complete(ctx, di)
	}
	return nil
}

func (p *Processor) handleCancel(ctx context.Context, di *models.DataImport) error {
	if di.Status.IsTerminal() {
		return nil
	}
	if err := p.content.RequestCancel(ctx, di.ID); err != nil {
		return err
	}
	// Imports sitting in the queue can stop right away; running stages
	// notice the flag at their next message.
	if di.Status == models.StatusQueued {
		di.CancelRequested = true
		p.cancelled(ctx, di)
	}
	return nil
}

// cancelled moves a cancel-requested import to CANCELLED and reports
// whether the current message should stop.
func (p *Processor) cancelled(ctx context.Context, di *models.DataImport) bool {
	if di.Status.IsTerminal() {
		return true
	}
	if !di.CancelRequested {
		return false
	}
	if err := p.content.UpdateStatus(ctx, di.ID, models.StatusCancelled); err != nil && !errors.Is(err, contentdb.ErrStaleStatus) {
		p.logger.Error().Err(err).Str("import_id", di.ID.String()).Msg("Failed to mark import cancelled")
	} else {
		p.logger.Info().Str("import_id", di.ID.String()).Msg("Import cancelled")
	}
	return true
}

func (p *Processor) complete(ctx context.Context, di *models.DataImport) error {
	if err := p.content.UpdateStatus(ctx, di.ID, models.StatusComplete); err != nil {
		if errors.Is(err, contentdb.ErrStaleStatus) {
			return nil // another worker got there first
		}
		return err
	}
	p.logger.Info().
		Str("import_id", di.ID.String()).
		Int64("total_rows", di.TotalRows).
		Int("num_batches", di.NumBatches).
		Msg("Import complete")
	return nil
}

// failOnDataError converts content-caused failures into a permanent
// FAILED state and passes transient errors through for retry.
func (p *Processor) failOnDataError(ctx context.Context, di *models.DataImport, err error) error {
	if !IsDataError(err) {
		return err
	}
	p.logger.Warn().
		Str("import_id", di.ID.String()).
		Str("detail", err.Error()).
		Msg("Import failed on bad data")
	return p.content.Fail(ctx, di.ID, err.Error())
}

// stale swallows lost status races; someone else advanced the import.
func (p *Processor) stale(di *models.DataImport, err error) error {
	if errors.Is(err, contentdb.ErrStaleStatus) {
		p.logger.Debug().Str("import_id", di.ID.String()).Msg("Lost status race, dropping message")
		return nil
	}
	return err
}

func (p *Processor) skipStale(di *models.DataImport, kind queue.Kind) error {
	p.logger.Debug().
		Str("import_id", di.ID.String()).
		Str("kind", string(kind)).
		Str("status", string(di.Status)).
		Msg("Stale message dropped")
	return nil
}
