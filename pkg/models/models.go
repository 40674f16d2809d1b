package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ImportStatus is the state-machine status of a DataImport.
type ImportStatus string

const (
	StatusQueued    ImportStatus = "QUEUED"
	StatusStage1    ImportStatus = "STAGE_1" // validation
	StatusStage2    ImportStatus = "STAGE_2" // meta import
	StatusStage3    ImportStatus = "STAGE_3" // batch split / dispatch
	StatusStage4    ImportStatus = "STAGE_4" // observation import
	StatusComplete  ImportStatus = "COMPLETE"
	StatusFailed    ImportStatus = "FAILED"
	StatusCancelled ImportStatus = "CANCELLED"
)

// statusRank orders non-terminal statuses so that progress is monotonic.
// Terminal statuses are reachable from anything non-terminal.
var statusRank = map[ImportStatus]int{
	StatusQueued:   0,
	StatusStage1:   1,
	StatusStage2:   2,
	StatusStage3:   3,
	StatusStage4:   4,
	StatusComplete: 5,
}

// IsTerminal reports whether no further transitions are allowed from s.
func (s ImportStatus) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is a legal,
// non-regressing transition. Failed/Cancelled are reachable from any
// non-terminal state; ranked states must strictly advance.
func (s ImportStatus) CanTransitionTo(next ImportStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StatusFailed || next == StatusCancelled {
		return true
	}
	from, ok1 := statusRank[s]
	to, ok2 := statusRank[next]
	if !ok1 || !ok2 {
		return false
	}
	return to > from
}

// DataImport tracks one file-import job end to end. Mutated only by the
// stage handlers; counts are set during batching (stage 3).
type DataImport struct {
	ID           uuid.UUID
	SubjectID    uuid.UUID
	DataFileID   uuid.UUID
	DataFileName string
	MetaFileName string
	// ArchiveFileName is set when the upload arrived as a zip bundling
	// the data and meta files; stage 1 extracts it.
	ArchiveFileName string
	Status          ImportStatus

	TotalRows            int64
	ExpectedImportedRows int64
	RowsPerBatch         int
	NumBatches           int
	BatchesImported      int

	CancelRequested bool
	Errors          []string

	Created     time.Time
	StatusMoved time.Time
}

// BatchFilePrefix is the blob-store prefix under which the splitter writes
// this import's batch files.
func (di *DataImport) BatchFilePrefix() string {
	return fmt.Sprintf("imports/%s/batches/", di.ID)
}

// BatchFilePath names the batch file for a given 1-based batch number.
func (di *DataImport) BatchFilePath(batchNumber int) string {
	return fmt.Sprintf("%s%s_%06d", di.BatchFilePrefix(), di.DataFileID, batchNumber)
}

// DataFilePath is the blob-store path of the uploaded data file.
func (di *DataImport) DataFilePath() string {
	return fmt.Sprintf("imports/%s/%s", di.ID, di.DataFileName)
}

// MetaFilePath is the blob-store path of the uploaded meta file.
func (di *DataImport) MetaFilePath() string {
	return fmt.Sprintf("imports/%s/%s", di.ID, di.MetaFileName)
}

// ArchiveFilePath is the blob-store path of the uploaded archive, when
// one was uploaded.
func (di *DataImport) ArchiveFilePath() string {
	return fmt.Sprintf("imports/%s/%s", di.ID, di.ArchiveFileName)
}

// Subject is the statistical dataset a DataImport populates.
type Subject struct {
	ID   uuid.UUID
	Name string
}

// GeographicLevel tags the finest populated attribute of a Location.
type GeographicLevel string

const (
	LevelCountry        GeographicLevel = "country"
	LevelRegion         GeographicLevel = "region"
	LevelLocalAuthority GeographicLevel = "local_authority"
	LevelWard           GeographicLevel = "ward"
)

// ValidGeographicLevel reports whether s is a recognized level.
func ValidGeographicLevel(s string) bool {
	switch GeographicLevel(s) {
	case LevelCountry, LevelRegion, LevelLocalAuthority, LevelWard:
		return true
	}
	return false
}

// LocationAttribute is one code+name pair of a Location.
type LocationAttribute struct {
	Code string
	Name string
}

// Location is a geographic attribute combination, shared globally across
// Subjects. Identical attribute tuples always resolve to one row.
type Location struct {
	ID              uuid.UUID
	GeographicLevel GeographicLevel
	Country         LocationAttribute
	Region          LocationAttribute
	LocalAuthority  LocationAttribute
	Ward            LocationAttribute
}

// Key returns the dedup key for the location: the tuple of populated
// attribute codes plus the level. Two Locations with equal keys are the
// same row.
func (l *Location) Key() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s",
		l.GeographicLevel, l.Country.Code, l.Region.Code, l.LocalAuthority.Code, l.Ward.Code)
}

// Filter is the top of the three-level filter hierarchy, scoped to one
// Subject and deduplicated by label within that scope.
type Filter struct {
	ID        uuid.UUID
	SubjectID uuid.UUID
	Label     string
	Hint      string
	// ColumnName is the data-file column this filter's values come from.
	ColumnName string
}

type FilterGroup struct {
	ID       uuid.UUID
	FilterID uuid.UUID
	Label    string
}

type FilterItem struct {
	ID            uuid.UUID
	FilterGroupID uuid.UUID
	Label         string
}

// IndicatorGroup/Indicator form the two-level indicator hierarchy, scoped
// to one Subject.
type IndicatorGroup struct {
	ID        uuid.UUID
	SubjectID uuid.UUID
	Label     string
}

type Indicator struct {
	ID               uuid.UUID
	IndicatorGroupID uuid.UUID
	Label            string
	Unit             string
	DecimalPlaces    int
	// ColumnName is the data-file column this indicator's values come from.
	ColumnName string
}

// Observation is one immutable fact row.
type Observation struct {
	ID             uuid.UUID
	SubjectID      uuid.UUID
	LocationID     uuid.UUID
	IndicatorID    uuid.UUID
	TimeIdentifier string
	TimePeriod     int
	Value          float64
	FilterItemIDs  []uuid.UUID

	// Provenance, used to make batch retries converge instead of duplicating.
	DataImportID uuid.UUID
	BatchNumber  int
}
