package importer

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/factfeed/factfeed/internal/storage"
	"github.com/factfeed/factfeed/pkg/models"
)

// observationStore is the statistics-store surface stage 4 needs: the
// reference get-or-creates plus the transactional batch write.
type observationStore interface {
	referenceStore
	ImportBatch(ctx context.Context, importID uuid.UUID, batchNumber int, observations []*models.Observation) error
}

// ObservationImporter runs stage 4: it turns one batch file into
// Observation rows and writes them in a single transaction. Reference
// entities the rows mention are resolved through caches, inserting on
// first sight. Batches of the same subject run concurrently, so the
// per-subject caches are shared and the location cache is global.
type ObservationImporter struct {
	blob      storage.Backend
	store     observationStore
	locations *LocationCache
	logger    zerolog.Logger

	mu       sync.Mutex
	subjects map[uuid.UUID]*subjectCaches
}

type subjectCaches struct {
	filters    *FilterCache
	indicators *IndicatorCache
}

// NewObservationImporter creates an observation importer sharing the
// given location cache.
func NewObservationImporter(blob storage.Backend, store observationStore, locations *LocationCache, logger zerolog.Logger) *ObservationImporter {
	return &ObservationImporter{
		blob:      blob,
		store:     store,
		locations: locations,
		logger:    logger.With().Str("component", "observation_importer").Logger(),
		subjects:  make(map[uuid.UUID]*subjectCaches),
	}
}

// ImportBatch reads the batch file at batchPath and writes its
// observations. Returns the number of observations written. Redelivery
// of the same batch converges: the store replaces any previous attempt.
func (o *ObservationImporter) ImportBatch(ctx context.Context, di *models.DataImport, batchNumber int, batchPath string) (int, error) {
	columns, err := readMetaColumns(ctx, o.blob, di)
	if err != nil {
		return 0, err
	}

	caches := o.cachesFor(di.SubjectID)

	filterIDs, err := o.resolveFilters(ctx, caches.filters, di, columns)
	if err != nil {
		return 0, err
	}
	indicatorIDs, err := o.resolveIndicators(ctx, caches.indicators, columns)
	if err != nil {
		return 0, err
	}

	rc, err := openBlobReader(ctx, o.blob, batchPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open batch file %s: %w", batchPath, err)
	}
	defer rc.Close()

	reader := csv.NewReader(rc)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return 0, csvReadError(fmt.Sprintf("failed to read batch file %s header", batchPath), err)
	}
	colIndex := make(map[string]int, len(header))
	for i, h := range header {
		colIndex[strings.TrimSpace(h)] = i
	}

	var observations []*models.Observation
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return 0, csvReadError(fmt.Sprintf("failed to read batch file %s line %d", batchPath, line), err)
		}

		row := make(map[string]string, len(record))
		for name, i := range colIndex {
			if i < len(record) {
				row[name] = strings.TrimSpace(record[i])
			}
		}

		obs, err := o.rowObservations(ctx, caches, di, batchNumber, row, columns, filterIDs, indicatorIDs)
		if err != nil {
			if IsDataError(err) {
				return 0, dataErrorf("batch file %s line %d: %v", batchPath, line, err)
			}
			return 0, err
		}
		observations = append(observations, obs...)
	}

	if err := o.store.ImportBatch(ctx, di.ID, batchNumber, observations); err != nil {
		return 0, fmt.Errorf("failed to write batch %d: %w", batchNumber, err)
	}

	o.logger.Info().
		Str("import_id", di.ID.String()).
		Int("batch", batchNumber).
		Int("observations", len(observations)).
		Msg("Batch imported")

	return len(observations), nil
}

// rowObservations builds one observation per indicator column of a data
// row. Indicator cells left empty are skipped, not zero-filled.
func (o *ObservationImporter) rowObservations(ctx context.Context, caches *subjectCaches, di *models.DataImport, batchNumber int, row map[string]string, columns []MetaColumn, filterIDs, indicatorIDs map[string]uuid.UUID) ([]*models.Observation, error) {
	loc, err := locationFromRow(row)
	if err != nil {
		return nil, dataErrorf("%v", err)
	}
	locationID, err := o.locations.GetOrCreate(ctx, loc)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve location: %w", err)
	}

	timeIdentifier := row[ColTimeIdentifier]
	if timeIdentifier == "" {
		return nil, dataErrorf("row has no %s", ColTimeIdentifier)
	}
	timePeriod, err := strconv.Atoi(row[ColTimePeriod])
	if err != nil {
		return nil, dataErrorf("invalid %s %q", ColTimePeriod, row[ColTimePeriod])
	}

	var filterItemIDs []uuid.UUID
	for _, col := range FilterColumns(columns) {
		value := row[col.ColumnName]
		if value == "" {
			return nil, dataErrorf("row has no value for filter column %q", col.ColumnName)
		}
		groupLabel := defaultGroupLabel
		if col.FilterGroupingColumn != "" {
			if g := row[col.FilterGroupingColumn]; g != "" {
				groupLabel = g
			}
		}
		groupID, err := caches.filters.GetOrCreateFilterGroup(ctx, filterIDs[col.ColumnName], groupLabel)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve filter group %q: %w", groupLabel, err)
		}
		itemID, err := caches.filters.GetOrCreateFilterItem(ctx, groupID, value)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve filter item %q: %w", value, err)
		}
		filterItemIDs = append(filterItemIDs, itemID)
	}

	var observations []*models.Observation
	for _, col := range IndicatorColumns(columns) {
		raw := row[col.ColumnName]
		if raw == "" {
			continue
		}
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, dataErrorf("invalid value %q for indicator column %q", raw, col.ColumnName)
		}
		observations = append(observations, &models.Observation{
			ID:             uuid.New(),
			SubjectID:      di.SubjectID,
			LocationID:     locationID,
			IndicatorID:    indicatorIDs[col.ColumnName],
			TimeIdentifier: timeIdentifier,
			TimePeriod:     timePeriod,
			Value:          value,
			FilterItemIDs:  filterItemIDs,
			DataImportID:   di.ID,
			BatchNumber:    batchNumber,
		})
	}
	return observations, nil
}

// resolveFilters maps filter column names to filter IDs. The rows exist
// already after stage 2; get-or-create keeps redeliveries safe.
func (o *ObservationImporter) resolveFilters(ctx context.Context, cache *FilterCache, di *models.DataImport, columns []MetaColumn) (map[string]uuid.UUID, error) {
	ids := make(map[string]uuid.UUID)
	for _, col := range FilterColumns(columns) {
		id, err := cache.GetOrCreateFilter(ctx, &models.Filter{
			Label:      col.Label,
			Hint:       col.FilterHint,
			ColumnName: col.ColumnName,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to resolve filter %q: %w", col.Label, err)
		}
		ids[col.ColumnName] = id
	}
	return ids, nil
}

// resolveIndicators maps indicator column names to indicator IDs.
func (o *ObservationImporter) resolveIndicators(ctx context.Context, cache *IndicatorCache, columns []MetaColumn) (map[string]uuid.UUID, error) {
	ids := make(map[string]uuid.UUID)
	for _, col := range IndicatorColumns(columns) {
		groupLabel := col.IndicatorGrouping
		if groupLabel == "" {
			groupLabel = defaultGroupLabel
		}
		groupID, err := cache.GetOrCreateGroup(ctx, groupLabel)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve indicator group %q: %w", groupLabel, err)
		}
		id, err := cache.GetOrCreate(ctx, groupID, &models.Indicator{
			Label:         col.Label,
			Unit:          col.IndicatorUnit,
			DecimalPlaces: col.IndicatorDecimals,
			ColumnName:    col.ColumnName,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to resolve indicator %q: %w", col.Label, err)
		}
		ids[col.ColumnName] = id
	}
	return ids, nil
}

// cachesFor returns the shared caches of one subject, creating them on
// first use.
func (o *ObservationImporter) cachesFor(subjectID uuid.UUID) *subjectCaches {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.subjects[subjectID]
	if !ok {
		c = &subjectCaches{
			filters:    NewFilterCache(o.store, subjectID),
			indicators: NewIndicatorCache(o.store, subjectID),
		}
		o.subjects[subjectID] = c
	}
	return c
}
