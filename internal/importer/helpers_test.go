package importer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/factfeed/factfeed/internal/contentdb"
	"github.com/factfeed/factfeed/internal/statsdb"
	"github.com/factfeed/factfeed/internal/storage"
	"github.com/factfeed/factfeed/pkg/models"
)

// Sample upload: two filter columns (one with a grouping column), two
// indicator columns.
const (
	sampleMeta = metaHeader + "\n" +
		"school_type,Filter,School type,school_type_group,Type of school,,,\n" +
		"term,Filter,Term,,,,,\n" +
		"sess_authorised,Indicator,Authorised absence sessions,,,Absence,sessions,0\n" +
		"sess_unauthorised,Indicator,Unauthorised absence sessions,,,Absence,sessions,0\n"

	sampleDataHeader = "time_identifier,time_period,geographic_level,country_code,country_name,region_code,region_name,school_type,school_type_group,term,sess_authorised,sess_unauthorised"

	sampleData = sampleDataHeader + "\n" +
		"Academic year,2024,country,E92000001,England,,,Primary,State,Autumn,120,30\n" +
		"Academic year,2024,country,E92000001,England,,,Secondary,State,Autumn,200,55\n" +
		"Academic year,2024,region,E92000001,England,E12000001,North East,Primary,State,Spring,80,12\n"
)

func newTestBlob(t *testing.T) storage.Backend {
	t.Helper()
	b, err := storage.NewLocalBackend(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create blob backend: %v", err)
	}
	return b
}

func writeBlob(t *testing.T, blob storage.Backend, path, content string) {
	t.Helper()
	if err := blob.Write(context.Background(), path, []byte(content)); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func sampleMetaColumns(t *testing.T) []MetaColumn {
	t.Helper()
	cols, err := ParseMetaFile(strings.NewReader(sampleMeta))
	if err != nil {
		t.Fatalf("failed to parse sample meta: %v", err)
	}
	return cols
}

func newTestImport(subjectID uuid.UUID) *models.DataImport {
	return &models.DataImport{
		ID:           uuid.New(),
		SubjectID:    subjectID,
		DataFileID:   uuid.New(),
		DataFileName: "absence.csv",
		MetaFileName: "absence.meta.csv",
		Status:       models.StatusQueued,
	}
}

// fakeStatsStore is an in-memory statistics store. Get-or-creates
// deduplicate the way the Postgres store does, and every store hit is
// counted so cache tests can assert on round trips.
type fakeStatsStore struct {
	mu sync.Mutex

	locations  map[string]*models.Location
	filters    map[string]*models.Filter
	groups     map[string]*models.FilterGroup
	items      map[string]*models.FilterItem
	indGroups  map[string]*models.IndicatorGroup
	indicators map[string]*models.Indicator

	calls map[string]int

	batches map[int][]*models.Observation
	failOn  string // method name to fail, for error paths
}

func newFakeStatsStore() *fakeStatsStore {
	return &fakeStatsStore{
		locations:  make(map[string]*models.Location),
		filters:    make(map[string]*models.Filter),
		groups:     make(map[string]*models.FilterGroup),
		items:      make(map[string]*models.FilterItem),
		indGroups:  make(map[string]*models.IndicatorGroup),
		indicators: make(map[string]*models.Indicator),
		calls:      make(map[string]int),
		batches:    make(map[int][]*models.Observation),
	}
}

func (f *fakeStatsStore) fail(method string) error {
	if f.failOn == method {
		return fmt.Errorf("%s: injected failure", method)
	}
	return nil
}

func (f *fakeStatsStore) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeStatsStore) GetOrCreateLocation(ctx context.Context, loc *models.Location) (*models.Location, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["GetOrCreateLocation"]++
	if err := f.fail("GetOrCreateLocation"); err != nil {
		return nil, err
	}
	key := loc.Key()
	if existing, ok := f.locations[key]; ok {
		return existing, nil
	}
	created := *loc
	created.ID = uuid.New()
	f.locations[key] = &created
	return &created, nil
}

func (f *fakeStatsStore) ListLocations(ctx context.Context) ([]*models.Location, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["ListLocations"]++
	out := make([]*models.Location, 0, len(f.locations))
	for _, loc := range f.locations {
		out = append(out, loc)
	}
	return out, nil
}

func (f *fakeStatsStore) GetOrCreateFilter(ctx context.Context, in *models.Filter) (*models.Filter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["GetOrCreateFilter"]++
	if err := f.fail("GetOrCreateFilter"); err != nil {
		return nil, err
	}
	key := in.SubjectID.String() + "|" + in.Label
	if existing, ok := f.filters[key]; ok {
		return existing, nil
	}
	created := *in
	created.ID = uuid.New()
	f.filters[key] = &created
	return &created, nil
}

func (f *fakeStatsStore) GetOrCreateFilterGroup(ctx context.Context, in *models.FilterGroup) (*models.FilterGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["GetOrCreateFilterGroup"]++
	key := in.FilterID.String() + "|" + in.Label
	if existing, ok := f.groups[key]; ok {
		return existing, nil
	}
	created := *in
	created.ID = uuid.New()
	f.groups[key] = &created
	return &created, nil
}

func (f *fakeStatsStore) GetOrCreateFilterItem(ctx context.Context, in *models.FilterItem) (*models.FilterItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["GetOrCreateFilterItem"]++
	key := in.FilterGroupID.String() + "|" + in.Label
	if existing, ok := f.items[key]; ok {
		return existing, nil
	}
	created := *in
	created.ID = uuid.New()
	f.items[key] = &created
	return &created, nil
}

func (f *fakeStatsStore) ListFiltersForSubject(ctx context.Context, subjectID uuid.UUID) ([]statsdb.FilterTree, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["ListFiltersForSubject"]++
	var trees []statsdb.FilterTree
	for _, filter := range f.filters {
		if filter.SubjectID != subjectID {
			continue
		}
		tree := statsdb.FilterTree{Filter: *filter}
		for _, g := range f.groups {
			if g.FilterID != filter.ID {
				continue
			}
			gt := statsdb.FilterGroupTree{Group: *g}
			for _, it := range f.items {
				if it.FilterGroupID == g.ID {
					gt.Items = append(gt.Items, *it)
				}
			}
			tree.Groups = append(tree.Groups, gt)
		}
		trees = append(trees, tree)
	}
	return trees, nil
}

func (f *fakeStatsStore) GetOrCreateIndicatorGroup(ctx context.Context, in *models.IndicatorGroup) (*models.IndicatorGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["GetOrCreateIndicatorGroup"]++
	key := in.SubjectID.String() + "|" + in.Label
	if existing, ok := f.indGroups[key]; ok {
		return existing, nil
	}
	created := *in
	created.ID = uuid.New()
	f.indGroups[key] = &created
	return &created, nil
}

func (f *fakeStatsStore) GetOrCreateIndicator(ctx context.Context, in *models.Indicator) (*models.Indicator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["GetOrCreateIndicator"]++
	key := in.IndicatorGroupID.String() + "|" + in.Label
	if existing, ok := f.indicators[key]; ok {
		return existing, nil
	}
	created := *in
	created.ID = uuid.New()
	f.indicators[key] = &created
	return &created, nil
}

func (f *fakeStatsStore) ListIndicatorsForSubject(ctx context.Context, subjectID uuid.UUID) ([]statsdb.IndicatorGroupTree, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["ListIndicatorsForSubject"]++
	var trees []statsdb.IndicatorGroupTree
	for _, g := range f.indGroups {
		if g.SubjectID != subjectID {
			continue
		}
		tree := statsdb.IndicatorGroupTree{Group: *g}
		for _, ind := range f.indicators {
			if ind.IndicatorGroupID == g.ID {
				tree.Indicators = append(tree.Indicators, *ind)
			}
		}
		trees = append(trees, tree)
	}
	return trees, nil
}

func (f *fakeStatsStore) ImportBatch(ctx context.Context, importID uuid.UUID, batchNumber int, observations []*models.Observation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["ImportBatch"]++
	if err := f.fail("ImportBatch"); err != nil {
		return err
	}
	// Replace-on-retry, like the Postgres store.
	f.batches[batchNumber] = observations
	return nil
}

func (f *fakeStatsStore) observationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, obs := range f.batches {
		n += len(obs)
	}
	return n
}

// fakeContentStore is an in-memory importStore enforcing the same
// status-transition rules as the SQLite store.
type fakeContentStore struct {
	mu       sync.Mutex
	imports  map[uuid.UUID]*models.DataImport
	imported map[uuid.UUID]map[int]bool
}

func newFakeContentStore() *fakeContentStore {
	return &fakeContentStore{
		imports:  make(map[uuid.UUID]*models.DataImport),
		imported: make(map[uuid.UUID]map[int]bool),
	}
}

func (f *fakeContentStore) Create(ctx context.Context, di *models.DataImport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if di.ID == uuid.Nil {
		di.ID = uuid.New()
	}
	if di.Status == "" {
		di.Status = models.StatusQueued
	}
	stored := *di
	f.imports[di.ID] = &stored
	return nil
}

func (f *fakeContentStore) Get(ctx context.Context, id uuid.UUID) (*models.DataImport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	di, ok := f.imports[id]
	if !ok {
		return nil, contentdb.ErrImportNotFound
	}
	cp := *di
	cp.Errors = append([]string(nil), di.Errors...)
	return &cp, nil
}

func (f *fakeContentStore) UpdateStatus(ctx context.Context, id uuid.UUID, next models.ImportStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	di, ok := f.imports[id]
	if !ok {
		return contentdb.ErrImportNotFound
	}
	if di.Status == next {
		return nil
	}
	if !di.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", contentdb.ErrStaleStatus, di.Status, next)
	}
	di.Status = next
	return nil
}

func (f *fakeContentStore) SetBatching(ctx context.Context, id uuid.UUID, totalRows, expectedRows int64, numBatches int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	di, ok := f.imports[id]
	if !ok {
		return contentdb.ErrImportNotFound
	}
	di.TotalRows = totalRows
	di.ExpectedImportedRows = expectedRows
	di.NumBatches = numBatches
	return nil
}

func (f *fakeContentStore) MarkBatchImported(ctx context.Context, id uuid.UUID, batchNumber int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	di, ok := f.imports[id]
	if !ok {
		return 0, contentdb.ErrImportNotFound
	}
	set := f.imported[id]
	if set == nil {
		set = make(map[int]bool)
		f.imported[id] = set
	}
	set[batchNumber] = true
	di.BatchesImported = len(set)
	return di.BatchesImported, nil
}

func (f *fakeContentStore) AppendErrors(ctx context.Context, id uuid.UUID, errs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	di, ok := f.imports[id]
	if !ok {
		return contentdb.ErrImportNotFound
	}
	di.Errors = append(di.Errors, errs...)
	return nil
}

func (f *fakeContentStore) Fail(ctx context.Context, id uuid.UUID, detail string) error {
	f.mu.Lock()
	di, ok := f.imports[id]
	if !ok {
		f.mu.Unlock()
		return contentdb.ErrImportNotFound
	}
	if detail != "" {
		di.Errors = append(di.Errors, detail)
	}
	f.mu.Unlock()
	err := f.UpdateStatus(ctx, id, models.StatusFailed)
	if err != nil && !errors.Is(err, contentdb.ErrStaleStatus) {
		return err
	}
	return nil
}

func (f *fakeContentStore) RequestCancel(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	di, ok := f.imports[id]
	if !ok {
		return contentdb.ErrImportNotFound
	}
	di.CancelRequested = true
	return nil
}

func (f *fakeContentStore) status(t *testing.T, id uuid.UUID) models.ImportStatus {
	t.Helper()
	di, err := f.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to read import: %v", err)
	}
	return di.Status
}
