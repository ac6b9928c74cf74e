package types

import (
	"fmt"
	"sort"

	"github.com/nicolastakashi/prom-analytics-proxy/internal/metricspb"
)

// SQLType names a column's Postgres type, independent of whatever Go or
// wire representation produced the value.
type SQLType string

const (
	SQLInt8         SQLType = "int8"
	SQLFloat8       SQLType = "float8"
	SQLText         SQLType = "text"
	SQLBool         SQLType = "bool"
	SQLStatisticSet SQLType = "statistic_set"
	SQLHistogram    SQLType = "histogram"
	SQLTDigest      SQLType = "tdigest"
)

// DimensionSQLType maps a wire Dimension to the column type it belongs in.
func DimensionSQLType(d metricspb.Dimension) (SQLType, bool) {
	switch d.Kind {
	case "string":
		return SQLText, true
	case "number":
		return SQLInt8, true
	case "boolean":
		return SQLBool, true
	default:
		return "", false
	}
}

// MeasurementSQLType maps a wire Measurement to the column type it belongs
// in.
func MeasurementSQLType(m metricspb.Measurement) (SQLType, bool) {
	switch m.Kind {
	case metricspb.MeasurementI64, metricspb.MeasurementI32:
		return SQLInt8, true
	case metricspb.MeasurementF64, metricspb.MeasurementF32:
		return SQLFloat8, true
	case metricspb.MeasurementStatisticSet:
		return SQLStatisticSet, true
	case metricspb.MeasurementHistogram:
		return SQLHistogram, true
	case metricspb.MeasurementTDigest:
		return SQLTDigest, true
	default:
		return "", false
	}
}

// ColumnSet is a name -> SQLType map collected across a batch of datums,
// kept here instead of as a plain map so callers get a single place to ask
// for the deterministic, sorted column order the writer and DDL both rely
// on.
type ColumnSet map[string]SQLType

// DimensionColumns collects every dimension column referenced across
// datums along with its SQL type. A name appearing with conflicting types
// across datums keeps the first type seen; the batch writer rejects a datum
// whose value does not match that type with a write error instead of
// silently coercing it.
func DimensionColumns(data []metricspb.Datum) ColumnSet {
	cols := make(ColumnSet)
	for _, d := range data {
		for _, dim := range d.Dimensions {
			if _, ok := cols[dim.Name]; ok {
				continue
			}
			if t, ok := DimensionSQLType(dim); ok {
				cols[dim.Name] = t
			}
		}
	}
	return cols
}

// MeasurementColumns collects every measurement column referenced across
// datums along with its SQL type, same precedence rule as DimensionColumns.
func MeasurementColumns(data []metricspb.Datum) ColumnSet {
	cols := make(ColumnSet)
	for _, d := range data {
		for _, m := range d.Measurements {
			if _, ok := cols[m.Name]; ok {
				continue
			}
			if t, ok := MeasurementSQLType(m); ok {
				cols[m.Name] = t
			}
		}
	}
	return cols
}

// SortedNames returns the column names of cols in ascending order, the
// deterministic ordering used for both CREATE TABLE and COPY column lists.
func (cols ColumnSet) SortedNames() []string {
	names := make([]string, 0, len(cols))
	for name := range cols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DDLType renders t as the type name used in a CREATE TABLE/ALTER TABLE
// statement.
func (t SQLType) DDLType() string {
	switch t {
	case SQLInt8:
		return "int8"
	case SQLFloat8:
		return "float8"
	case SQLText:
		return "text"
	case SQLBool:
		return "bool"
	case SQLStatisticSet:
		return "statistic_set"
	case SQLHistogram:
		return "histogram"
	case SQLTDigest:
		return "tdigest"
	default:
		return fmt.Sprintf("unknown(%s)", string(t))
	}
}
