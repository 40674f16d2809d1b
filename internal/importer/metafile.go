// Package importer implements the staged import pipeline: validation,
// meta import, batch splitting and observation import, driven by the
// state machine in processor.go.
package importer

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/factfeed/factfeed/pkg/models"
)

// ColumnType says what a meta-declared data column carries.
type ColumnType string

const (
	ColumnFilter    ColumnType = "Filter"
	ColumnIndicator ColumnType = "Indicator"
	ColumnLocation  ColumnType = "Location"
)

// MetaColumn is one meta-file row: the declaration of one data column.
type MetaColumn struct {
	ColumnName           string
	ColumnType           ColumnType
	Label                string
	FilterGroupingColumn string
	FilterHint           string
	IndicatorGrouping    string
	IndicatorUnit        string
	IndicatorDecimals    int
}

// metaFileHeaders is the fixed meta-file schema, in order.
var metaFileHeaders = []string{
	"col_name",
	"col_type",
	"label",
	"filter_grouping_column",
	"filter_hint",
	"indicator_grouping",
	"indicator_unit",
	"indicator_decimal_places",
}

// Reserved data-file columns: every data file carries the time and
// geography columns in addition to the meta-declared ones.
const (
	ColTimeIdentifier  = "time_identifier"
	ColTimePeriod      = "time_period"
	ColGeographicLevel = "geographic_level"
)

var requiredDataHeaders = []string{ColTimeIdentifier, ColTimePeriod, ColGeographicLevel}

// locationColumns maps data-file location attribute columns to their
// position in the Location model. Presence is optional per column pair;
// the populated set determines the attribute tuple.
var locationColumns = []string{
	"country_code", "country_name",
	"region_code", "region_name",
	"local_authority_code", "local_authority_name",
	"ward_code", "ward_name",
}

func isLocationColumn(name string) bool {
	for _, c := range locationColumns {
		if c == name {
			return true
		}
	}
	return false
}

// ParseMetaFile parses meta-file rows into column declarations. The
// header must match the fixed schema exactly.
func ParseMetaFile(r io.Reader) ([]MetaColumn, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, csvReadError("failed to read meta file header", err)
	}
	if err := checkMetaHeader(header); err != nil {
		return nil, err
	}

	var columns []MetaColumn
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, csvReadError(fmt.Sprintf("failed to read meta file line %d", line), err)
		}

		col, err := parseMetaRecord(record)
		if err != nil {
			return nil, dataErrorf("meta file line %d: %v", line, err)
		}
		columns = append(columns, col)
	}

	if len(columns) == 0 {
		return nil, dataErrorf("meta file declares no columns")
	}
	return columns, nil
}

func checkMetaHeader(header []string) error {
	if len(header) != len(metaFileHeaders) {
		return dataErrorf("meta file header has %d columns, want %d", len(header), len(metaFileHeaders))
	}
	for i, want := range metaFileHeaders {
		if strings.TrimSpace(header[i]) != want {
			return dataErrorf("meta file header column %d is %q, want %q", i+1, header[i], want)
		}
	}
	return nil
}

func parseMetaRecord(record []string) (MetaColumn, error) {
	if len(record) != len(metaFileHeaders) {
		return MetaColumn{}, fmt.Errorf("record has %d fields, want %d", len(record), len(metaFileHeaders))
	}

	col := MetaColumn{
		ColumnName:           strings.TrimSpace(record[0]),
		ColumnType:           ColumnType(strings.TrimSpace(record[1])),
		Label:                strings.TrimSpace(record[2]),
		FilterGroupingColumn: strings.TrimSpace(record[3]),
		FilterHint:           strings.TrimSpace(record[4]),
		IndicatorGrouping:    strings.TrimSpace(record[5]),
		IndicatorUnit:        strings.TrimSpace(record[6]),
	}

	if col.ColumnName == "" {
		return MetaColumn{}, fmt.Errorf("empty col_name")
	}
	if col.Label == "" {
		return MetaColumn{}, fmt.Errorf("column %q has no label", col.ColumnName)
	}

	switch col.ColumnType {
	case ColumnFilter, ColumnIndicator:
	case ColumnLocation:
		// Location attributes resolve lazily per data row; the
		// declaration just has to name a recognized attribute column.
		if !isLocationColumn(col.ColumnName) {
			return MetaColumn{}, fmt.Errorf("column %q is not a recognized location attribute", col.ColumnName)
		}
	default:
		return MetaColumn{}, fmt.Errorf("column %q has unknown col_type %q", col.ColumnName, record[1])
	}

	if dp := strings.TrimSpace(record[7]); dp != "" {
		n, err := strconv.Atoi(dp)
		if err != nil || n < 0 {
			return MetaColumn{}, fmt.Errorf("column %q has invalid indicator_decimal_places %q", col.ColumnName, dp)
		}
		col.IndicatorDecimals = n
	}

	return col, nil
}

// FilterColumns returns the meta columns declared as filters.
func FilterColumns(columns []MetaColumn) []MetaColumn {
	var out []MetaColumn
	for _, c := range columns {
		if c.ColumnType == ColumnFilter {
			out = append(out, c)
		}
	}
	return out
}

// IndicatorColumns returns the meta columns declared as indicators.
func IndicatorColumns(columns []MetaColumn) []MetaColumn {
	var out []MetaColumn
	for _, c := range columns {
		if c.ColumnType == ColumnIndicator {
			out = append(out, c)
		}
	}
	return out
}

// locationFromRow assembles the Location attribute tuple from a data row.
func locationFromRow(row map[string]string) (*models.Location, error) {
	level := strings.TrimSpace(row[ColGeographicLevel])
	if !models.ValidGeographicLevel(level) {
		return nil, fmt.Errorf("unknown geographic_level %q", level)
	}

	loc := &models.Location{
		GeographicLevel: models.GeographicLevel(level),
		Country:         models.LocationAttribute{Code: row["country_code"], Name: row["country_name"]},
		Region:          models.LocationAttribute{Code: row["region_code"], Name: row["region_name"]},
		LocalAuthority:  models.LocationAttribute{Code: row["local_authority_code"], Name: row["local_authority_name"]},
		Ward:            models.LocationAttribute{Code: row["ward_code"], Name: row["ward_name"]},
	}
	if loc.Country.Code == "" {
		return nil, fmt.Errorf("row has no country_code")
	}
	return loc, nil
}
