package sreh

import (
	"errors"
	"fmt"
)

// DataError marks a failure confined to one input row: parse errors,
// encoding conversion failures, type input failures, constraint violations.
// Only DataErrors are absorbed by the Handler; everything else escalates.
type DataError struct {
	Msg    string
	Column string
}

func (e *DataError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("%s, column %s", e.Msg, e.Column)
	}
	return e.Msg
}

func NewDataError(format string, args ...interface{}) *DataError {
	return &DataError{Msg: fmt.Sprintf(format, args...)}
}

func NewColumnDataError(column string, format string, args ...interface{}) *DataError {
	return &DataError{Msg: fmt.Sprintf(format, args...), Column: column}
}

func IsDataError(err error) bool {
	var de *DataError
	return errors.As(err, &de)
}

func AsDataError(err error) *DataError {
	var de *DataError
	if errors.As(err, &de) {
		return de
	}
	return nil
}

// LimitError is the terminal error raised when the reject limit is hit.
type LimitError struct {
	Rejected  int64
	Processed int64
	Limit     int
	Percent   bool
}

func (e *LimitError) Error() string {
	if e.Percent {
		return fmt.Sprintf("segment reject limit reached, aborting operation: last error was on one of %d rejected out of %d rows (limit %d percent)",
			e.Rejected, e.Processed, e.Limit)
	}
	return fmt.Sprintf("segment reject limit reached, aborting operation: %d rows rejected (limit %d rows)",
		e.Rejected, e.Limit)
}
