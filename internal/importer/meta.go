package importer

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/factfeed/factfeed/internal/storage"
	"github.com/factfeed/factfeed/pkg/models"
)

// defaultGroupLabel groups columns that declare no grouping of their own.
const defaultGroupLabel = "Default"

// MetaImporter runs stage 2: it parses the meta file and creates the
// subject's Filters, IndicatorGroups and Indicators. FilterGroups and
// FilterItems come from data rows, so they are created lazily during
// observation import. Every write is a get-or-create, so re-running
// after a crash or redelivery converges on the same rows.
type MetaImporter struct {
	blob   storage.Backend
	store  referenceStore
	logger zerolog.Logger
}

// NewMetaImporter creates a meta importer over the given stores.
func NewMetaImporter(blob storage.Backend, store referenceStore, logger zerolog.Logger) *MetaImporter {
	return &MetaImporter{
		blob:   blob,
		store:  store,
		logger: logger.With().Str("component", "meta_importer").Logger(),
	}
}

// Import creates the reference entities the meta file declares.
func (m *MetaImporter) Import(ctx context.Context, di *models.DataImport) error {
	columns, err := readMetaColumns(ctx, m.blob, di)
	if err != nil {
		return err
	}

	filters := FilterColumns(columns)
	for _, col := range filters {
		_, err := m.store.GetOrCreateFilter(ctx, &models.Filter{
			SubjectID:  di.SubjectID,
			Label:      col.Label,
			Hint:       col.FilterHint,
			ColumnName: col.ColumnName,
		})
		if err != nil {
			return fmt.Errorf("failed to create filter %q: %w", col.Label, err)
		}
	}

	indicators := IndicatorColumns(columns)
	groupIDs := make(map[string]bool)
	for _, col := range indicators {
		groupLabel := col.IndicatorGrouping
		if groupLabel == "" {
			groupLabel = defaultGroupLabel
		}
		group, err := m.store.GetOrCreateIndicatorGroup(ctx, &models.IndicatorGroup{
			SubjectID: di.SubjectID,
			Label:     groupLabel,
		})
		if err != nil {
			return fmt.Errorf("failed to create indicator group %q: %w", groupLabel, err)
		}
		groupIDs[groupLabel] = true

		_, err = m.store.GetOrCreateIndicator(ctx, &models.Indicator{
			IndicatorGroupID: group.ID,
			Label:            col.Label,
			Unit:             col.IndicatorUnit,
			DecimalPlaces:    col.IndicatorDecimals,
			ColumnName:       col.ColumnName,
		})
		if err != nil {
			return fmt.Errorf("failed to create indicator %q: %w", col.Label, err)
		}
	}

	m.logger.Info().
		Str("import_id", di.ID.String()).
		Int("filters", len(filters)).
		Int("indicators", len(indicators)).
		Int("indicator_groups", len(groupIDs)).
		Msg("Meta file imported")

	return nil
}

// readMetaColumns streams and parses an import's meta file. Malformed
// content surfaces as a data error, stream trouble as a transient one;
// the wrap preserves that split.
func readMetaColumns(ctx context.Context, blob storage.Backend, di *models.DataImport) ([]MetaColumn, error) {
	rc, err := openBlobReader(ctx, blob, di.MetaFilePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open meta file: %w", err)
	}
	defer rc.Close()

	columns, err := ParseMetaFile(rc)
	if err != nil {
		return nil, fmt.Errorf("meta file %q: %w", di.MetaFileName, err)
	}
	return columns, nil
}
