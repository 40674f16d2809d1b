package importer

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/factfeed/factfeed/internal/statsdb"
	"github.com/factfeed/factfeed/pkg/models"
)

// referenceStore is the slice of the statistics store the caches need.
type referenceStore interface {
	GetOrCreateLocation(ctx context.Context, loc *models.Location) (*models.Location, error)
	ListLocations(ctx context.Context) ([]*models.Location, error)
	GetOrCreateFilter(ctx context.Context, f *models.Filter) (*models.Filter, error)
	GetOrCreateFilterGroup(ctx context.Context, g *models.FilterGroup) (*models.FilterGroup, error)
	GetOrCreateFilterItem(ctx context.Context, it *models.FilterItem) (*models.FilterItem, error)
	ListFiltersForSubject(ctx context.Context, subjectID uuid.UUID) ([]statsdb.FilterTree, error)
	GetOrCreateIndicatorGroup(ctx context.Context, g *models.IndicatorGroup) (*models.IndicatorGroup, error)
	GetOrCreateIndicator(ctx context.Context, ind *models.Indicator) (*models.Indicator, error)
	ListIndicatorsForSubject(ctx context.Context, subjectID uuid.UUID) ([]statsdb.IndicatorGroupTree, error)
}

// LocationCache memoizes location rows by their dedup key. Locations are
// shared across all subjects, so one cache serves the whole process.
// Concurrent misses for the same key collapse into a single store call.
type LocationCache struct {
	store referenceStore

	mu  sync.RWMutex
	ids map[string]uuid.UUID

	group singleflight.Group
}

// NewLocationCache creates an empty cache over the given store.
func NewLocationCache(store referenceStore) *LocationCache {
	return &LocationCache{
		store: store,
		ids:   make(map[string]uuid.UUID),
	}
}

// Warm preloads every known location. Optional; misses fall through to
// the store either way.
func (c *LocationCache) Warm(ctx context.Context) error {
	locations, err := c.store.ListLocations(ctx)
	if err != nil {
		return fmt.Errorf("failed to warm location cache: %w", err)
	}
	c.mu.Lock()
	for _, loc := range locations {
		c.ids[loc.Key()] = loc.ID
	}
	c.mu.Unlock()
	return nil
}

// GetOrCreate returns the ID of the location, inserting it on first
// sight.
func (c *LocationCache) GetOrCreate(ctx context.Context, loc *models.Location) (uuid.UUID, error) {
	key := loc.Key()

	c.mu.RLock()
	id, ok := c.ids[key]
	c.mu.RUnlock()
	if ok {
		return id, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		created, err := c.store.GetOrCreateLocation(ctx, loc)
		if err != nil {
			return uuid.Nil, err
		}
		c.mu.Lock()
		c.ids[key] = created.ID
		c.mu.Unlock()
		return created.ID, nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	return v.(uuid.UUID), nil
}

// Len reports the number of cached locations.
func (c *LocationCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ids)
}

// FilterCache memoizes one subject's filter hierarchy. Filters and
// groups are keyed by label within their parent; items by label within
// their group. All levels insert on miss.
type FilterCache struct {
	store     referenceStore
	subjectID uuid.UUID

	mu      sync.RWMutex
	filters map[string]uuid.UUID // filter label -> id
	groups  map[string]uuid.UUID // filter id | group label -> id
	items   map[string]uuid.UUID // group id | item label -> id

	group singleflight.Group
}

// NewFilterCache creates an empty cache scoped to one subject.
func NewFilterCache(store referenceStore, subjectID uuid.UUID) *FilterCache {
	return &FilterCache{
		store:     store,
		subjectID: subjectID,
		filters:   make(map[string]uuid.UUID),
		groups:    make(map[string]uuid.UUID),
		items:     make(map[string]uuid.UUID),
	}
}

// Warm preloads the subject's existing filter hierarchy.
func (c *FilterCache) Warm(ctx context.Context) error {
	trees, err := c.store.ListFiltersForSubject(ctx, c.subjectID)
	if err != nil {
		return fmt.Errorf("failed to warm filter cache: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tree := range trees {
		c.filters[tree.Filter.Label] = tree.Filter.ID
		for _, gt := range tree.Groups {
			c.groups[scopedKey(tree.Filter.ID, gt.Group.Label)] = gt.Group.ID
			for _, it := range gt.Items {
				c.items[scopedKey(gt.Group.ID, it.Label)] = it.ID
			}
		}
	}
	return nil
}

// GetOrCreateFilter returns the ID of the subject's filter with the
// given label, inserting it on first sight.
func (c *FilterCache) GetOrCreateFilter(ctx context.Context, f *models.Filter) (uuid.UUID, error) {
	return c.lookup(ctx, c.filters, "f|"+f.Label, f.Label, func(ctx context.Context) (uuid.UUID, error) {
		filter := *f
		filter.SubjectID = c.subjectID
		created, err := c.store.GetOrCreateFilter(ctx, &filter)
		if err != nil {
			return uuid.Nil, err
		}
		return created.ID, nil
	})
}

// GetOrCreateFilterGroup returns the ID of the group with the given
// label under the filter, inserting it on first sight.
func (c *FilterCache) GetOrCreateFilterGroup(ctx context.Context, filterID uuid.UUID, label string) (uuid.UUID, error) {
	key := scopedKey(filterID, label)
	return c.lookup(ctx, c.groups, "g|"+key, key, func(ctx context.Context) (uuid.UUID, error) {
		created, err := c.store.GetOrCreateFilterGroup(ctx, &models.FilterGroup{
			FilterID: filterID,
			Label:    label,
		})
		if err != nil {
			return uuid.Nil, err
		}
		return created.ID, nil
	})
}

// GetOrCreateFilterItem returns the ID of the item with the given label
// under the group, inserting it on first sight.
func (c *FilterCache) GetOrCreateFilterItem(ctx context.Context, groupID uuid.UUID, label string) (uuid.UUID, error) {
	key := scopedKey(groupID, label)
	return c.lookup(ctx, c.items, "i|"+key, key, func(ctx context.Context) (uuid.UUID, error) {
		created, err := c.store.GetOrCreateFilterItem(ctx, &models.FilterItem{
			FilterGroupID: groupID,
			Label:         label,
		})
		if err != nil {
			return uuid.Nil, err
		}
		return created.ID, nil
	})
}

// lookup is the shared read-through path. flightKey is namespaced so the
// three levels never collide inside the shared singleflight group.
func (c *FilterCache) lookup(ctx context.Context, m map[string]uuid.UUID, flightKey, mapKey string, create func(context.Context) (uuid.UUID, error)) (uuid.UUID, error) {
	c.mu.RLock()
	id, ok := m[mapKey]
	c.mu.RUnlock()
	if ok {
		return id, nil
	}

	v, err, _ := c.group.Do(flightKey, func() (interface{}, error) {
		id, err := create(ctx)
		if err != nil {
			return uuid.Nil, err
		}
		c.mu.Lock()
		m[mapKey] = id
		c.mu.Unlock()
		return id, nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	return v.(uuid.UUID), nil
}

// IndicatorCache memoizes one subject's indicator groups and indicators.
type IndicatorCache struct {
	store     referenceStore
	subjectID uuid.UUID

	mu         sync.RWMutex
	groups     map[string]uuid.UUID // group label -> id
	indicators map[string]uuid.UUID // group id | indicator label -> id

	group singleflight.Group
}

// NewIndicatorCache creates an empty cache scoped to one subject.
func NewIndicatorCache(store referenceStore, subjectID uuid.UUID) *IndicatorCache {
	return &IndicatorCache{
		store:      store,
		subjectID:  subjectID,
		groups:     make(map[string]uuid.UUID),
		indicators: make(map[string]uuid.UUID),
	}
}

// Warm preloads the subject's existing indicator hierarchy.
func (c *IndicatorCache) Warm(ctx context.Context) error {
	trees, err := c.store.ListIndicatorsForSubject(ctx, c.subjectID)
	if err != nil {
		return fmt.Errorf("failed to warm indicator cache: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tree := range trees {
		c.groups[tree.Group.Label] = tree.Group.ID
		for _, ind := range tree.Indicators {
			c.indicators[scopedKey(tree.Group.ID, ind.Label)] = ind.ID
		}
	}
	return nil
}

// GetOrCreateGroup returns the ID of the subject's indicator group with
// the given label, inserting it on first sight.
func (c *IndicatorCache) GetOrCreateGroup(ctx context.Context, label string) (uuid.UUID, error) {
	c.mu.RLock()
	id, ok := c.groups[label]
	c.mu.RUnlock()
	if ok {
		return id, nil
	}

	v, err, _ := c.group.Do("g|"+label, func() (interface{}, error) {
		created, err := c.store.GetOrCreateIndicatorGroup(ctx, &models.IndicatorGroup{
			SubjectID: c.subjectID,
			Label:     label,
		})
		if err != nil {
			return uuid.Nil, err
		}
		c.mu.Lock()
		c.groups[label] = created.ID
		c.mu.Unlock()
		return created.ID, nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	return v.(uuid.UUID), nil
}

// GetOrCreate returns the ID of the indicator with the given label under
// the group, inserting it on first sight.
func (c *IndicatorCache) GetOrCreate(ctx context.Context, groupID uuid.UUID, ind *models.Indicator) (uuid.UUID, error) {
	key := scopedKey(groupID, ind.Label)

	c.mu.RLock()
	id, ok := c.indicators[key]
	c.mu.RUnlock()
	if ok {
		return id, nil
	}

	v, err, _ := c.group.Do("i|"+key, func() (interface{}, error) {
		indicator := *ind
		indicator.IndicatorGroupID = groupID
		created, err := c.store.GetOrCreateIndicator(ctx, &indicator)
		if err != nil {
			return uuid.Nil, err
		}
		c.mu.Lock()
		c.indicators[key] = created.ID
		c.mu.Unlock()
		return created.ID, nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	return v.(uuid.UUID), nil
}

func scopedKey(parent uuid.UUID, label string) string {
	return parent.String() + "|" + label
}
