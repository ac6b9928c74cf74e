package sinkerr

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Sentinel errors surfaced by the schema controller and batch writer.
var (
	// ErrMissingTable means the metric's table does not exist yet.
	ErrMissingTable = errors.New("metric table does not exist")

	// ErrMissingColumn means the metric's table exists but is missing a
	// dimension or measurement column this batch needs.
	ErrMissingColumn = errors.New("metric table is missing a column")

	// ErrMissingType means a composite/domain type (statistic_set,
	// histogram) has not been bootstrapped in this database yet.
	ErrMissingType = errors.New("aggregate type is not bootstrapped")

	// ErrSchemaBusy means another goroutine is already repairing this
	// metric's schema; the caller should retry the batch shortly.
	ErrSchemaBusy = errors.New("schema repair already in progress")
)

// ErrorWithOperation wraps an error with operation context.
func ErrorWithOperation(err error, operation string) error {
	if err == nil {
		return fmt.Errorf("%s: <nil>", operation)
	}
	return fmt.Errorf("%s: %w", operation, err)
}

// WriteError wraps a batch-write failure with the metric it was writing.
func WriteError(err error, metric string) error {
	return fmt.Errorf("write to %s failed: %w", metric, err)
}

// SchemaError wraps a DDL failure with the operation and table involved.
func SchemaError(err error, operation string, table string) error {
	return fmt.Errorf("schema %s failed for table %s: %w", operation, table, err)
}

// sqlState codes this package cares about. See the PostgreSQL errcodes
// appendix; these are the ones schema drift raises during COPY/INSERT.
const (
	sqlStateUndefinedTable  = "42P01"
	sqlStateUndefinedColumn = "42703"
	sqlStateUndefinedObject = "42704"
)

// Classify maps a raw driver error from a batch write into one of the
// sentinel errors above, or returns it unchanged if it isn't a schema-drift
// condition the controller knows how to repair.
func Classify(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code.Name() {
	case "undefined_table":
		return fmt.Errorf("%w: %s", ErrMissingTable, pqErr.Message)
	case "undefined_column":
		return fmt.Errorf("%w: %s", ErrMissingColumn, pqErr.Message)
	case "undefined_object":
		return fmt.Errorf("%w: %s", ErrMissingType, pqErr.Message)
	default:
		return err
	}
}
