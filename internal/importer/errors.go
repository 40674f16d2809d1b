package importer

import (
	"encoding/csv"
	"errors"
	"fmt"
)

// DataError marks a failure caused by the uploaded content itself. Data
// errors fail the import permanently; everything else is treated as
// transient and retried.
type DataError struct {
	msg string
}

func (e *DataError) Error() string { return e.msg }

func dataErrorf(format string, args ...interface{}) error {
	return &DataError{msg: fmt.Sprintf(format, args...)}
}

// IsDataError reports whether err is (or wraps) a DataError.
func IsDataError(err error) bool {
	var de *DataError
	return errors.As(err, &de)
}

// csvReadError classifies a csv.Reader.Read failure. Parse errors mean
// the file itself is malformed; anything else came from the underlying
// stream and deserves a retry.
func csvReadError(context string, err error) error {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return dataErrorf("%s: %v", context, err)
	}
	return fmt.Errorf("%s: %w", context, err)
}
