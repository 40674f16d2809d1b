package importer

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetaImportCreatesReferenceEntities(t *testing.T) {
	blob := newTestBlob(t)
	store := newFakeStatsStore()
	di := newTestImport(uuid.New())
	writeBlob(t, blob, di.MetaFilePath(), sampleMeta)

	m := NewMetaImporter(blob, store, zerolog.Nop())
	require.NoError(t, m.Import(context.Background(), di))

	// Two filters, one indicator group, two indicators.
	assert.Len(t, store.filters, 2)
	assert.Len(t, store.indGroups, 1)
	assert.Len(t, store.indicators, 2)
	// Filter groups and items wait for data rows.
	assert.Empty(t, store.groups)
	assert.Empty(t, store.items)

	for _, f := range store.filters {
		assert.Equal(t, di.SubjectID, f.SubjectID)
	}
	for _, g := range store.indGroups {
		assert.Equal(t, "Absence", g.Label)
	}
	for _, ind := range store.indicators {
		assert.Equal(t, "sessions", ind.Unit)
	}
}

func TestMetaImportIsIdempotent(t *testing.T) {
	blob := newTestBlob(t)
	store := newFakeStatsStore()
	di := newTestImport(uuid.New())
	writeBlob(t, blob, di.MetaFilePath(), sampleMeta)

	m := NewMetaImporter(blob, store, zerolog.Nop())
	require.NoError(t, m.Import(context.Background(), di))
	require.NoError(t, m.Import(context.Background(), di))

	assert.Len(t, store.filters, 2)
	assert.Len(t, store.indGroups, 1)
	assert.Len(t, store.indicators, 2)
}

func TestMetaImportDefaultsIndicatorGroup(t *testing.T) {
	blob := newTestBlob(t)
	store := newFakeStatsStore()
	di := newTestImport(uuid.New())
	writeBlob(t, blob, di.MetaFilePath(),
		metaHeader+"\nheadcount,Indicator,Headcount,,,,pupils,0\n")

	m := NewMetaImporter(blob, store, zerolog.Nop())
	require.NoError(t, m.Import(context.Background(), di))

	require.Len(t, store.indGroups, 1)
	for _, g := range store.indGroups {
		assert.Equal(t, defaultGroupLabel, g.Label)
	}
}

func TestMetaImportBadFileIsDataError(t *testing.T) {
	blob := newTestBlob(t)
	store := newFakeStatsStore()
	di := newTestImport(uuid.New())
	writeBlob(t, blob, di.MetaFilePath(), "not,a,meta\nfile,,\n")

	m := NewMetaImporter(blob, store, zerolog.Nop())
	err := m.Import(context.Background(), di)
	require.Error(t, err)
	assert.True(t, IsDataError(err))
}

func TestMetaImportMissingFileIsTransient(t *testing.T) {
	blob := newTestBlob(t)
	store := newFakeStatsStore()
	di := newTestImport(uuid.New())

	m := NewMetaImporter(blob, store, zerolog.Nop())
	err := m.Import(context.Background(), di)
	require.Error(t, err)
	assert.False(t, IsDataError(err))
}
