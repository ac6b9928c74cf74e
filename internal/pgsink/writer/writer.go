// Package writer turns a batch of datums already grouped by metric into a
// single bulk COPY against that metric's table.
package writer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
	"github.com/nicolastakashi/prom-analytics-proxy/internal/metricspb"
	"github.com/nicolastakashi/prom-analytics-proxy/internal/pgsink/sinkerr"
	"github.com/nicolastakashi/prom-analytics-proxy/internal/pgsink/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rowsWrittenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pgsink_rows_written_total",
		Help: "Total number of rows written to a metric table, by outcome.",
	}, []string{"metric", "outcome"})
)

// Writer bulk-inserts datums for a single metric via COPY.
type Writer struct {
	db *sql.DB
}

// New returns a Writer bound to db.
func New(db *sql.DB) *Writer {
	return &Writer{db: db}
}

// Write bulk-inserts data, all belonging to table, using the column sets
// already computed for this batch. A driver error is passed through
// sinkerr.Classify, so a schema-drift error (table or column missing)
// comes back wrapping the matching sinkerr sentinel for the caller to hand
// to the schema controller and retry. A datum whose dimension or
// measurement kind does not match its column's type fails the whole write.
func (w *Writer) Write(ctx context.Context, table string, dims, measures types.ColumnSet, data []metricspb.Datum) (err error) {
	dimNames := dims.SortedNames()
	measureNames := measures.SortedNames()

	columns := make([]string, 0, 1+len(dimNames)+len(measureNames))
	columns = append(columns, "time")
	columns = append(columns, dimNames...)
	columns = append(columns, measureNames...)

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning write transaction for %s: %w", table, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(table, columns...))
	if err != nil {
		return sinkerr.Classify(err)
	}

	for _, d := range data {
		row := make([]any, 0, len(columns))
		row = append(row, d.Time())

		dimValues := indexDimensions(d.Dimensions)
		for _, name := range dimNames {
			if dt, ok := types.DimensionSQLType(dimValues[name]); ok && dt != dims[name] {
				_ = stmt.Close()
				return fmt.Errorf("dimension %s for %s is %s, column is %s", name, table, dt, dims[name])
			}
			row = append(row, encodeDimension(dimValues[name], dims[name]))
		}

		measureValues := indexMeasurements(d.Measurements)
		for _, name := range measureNames {
			if mt, ok := types.MeasurementSQLType(measureValues[name]); ok && mt != measures[name] {
				_ = stmt.Close()
				return fmt.Errorf("measurement %s for %s is %s, column is %s", name, table, mt, measures[name])
			}
			v, encErr := encodeMeasurement(measureValues[name], measures[name])
			if encErr != nil {
				_ = stmt.Close()
				return fmt.Errorf("encoding measurement %s for %s: %w", name, table, encErr)
			}
			row = append(row, v)
		}

		if _, err = stmt.ExecContext(ctx, row...); err != nil {
			_ = stmt.Close()
			rowsWrittenTotal.WithLabelValues(table, "failure").Inc()
			return sinkerr.Classify(err)
		}
	}

	if _, err = stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()
		rowsWrittenTotal.WithLabelValues(table, "failure").Inc()
		return sinkerr.Classify(err)
	}

	if err = stmt.Close(); err != nil {
		rowsWrittenTotal.WithLabelValues(table, "failure").Inc()
		return sinkerr.Classify(err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing write to %s: %w", table, err)
	}

	rowsWrittenTotal.WithLabelValues(table, "success").Add(float64(len(data)))
	return nil
}

func indexDimensions(dims []metricspb.Dimension) map[string]metricspb.Dimension {
	m := make(map[string]metricspb.Dimension, len(dims))
	for _, d := range dims {
		m[d.Name] = d
	}
	return m
}

func indexMeasurements(measures []metricspb.Measurement) map[string]metricspb.Measurement {
	m := make(map[string]metricspb.Measurement, len(measures))
	for _, mm := range measures {
		m[mm.Name] = mm
	}
	return m
}

// encodeDimension turns a wire Dimension into the scalar driver value its
// column type expects. A zero-value Dimension (this datum doesn't declare
// the column another datum in the batch does) encodes as nil (SQL NULL).
func encodeDimension(d metricspb.Dimension, t types.SQLType) any {
	if d.Name == "" {
		return nil
	}
	switch t {
	case types.SQLText:
		return d.String
	case types.SQLInt8:
		return d.Number
	case types.SQLBool:
		return d.Boolean
	default:
		return nil
	}
}

// encodeMeasurement turns a wire Measurement into the driver value its
// column type expects. A zero-value Measurement (the column exists for
// some other datum in the batch, not this one) encodes as nil (SQL NULL).
func encodeMeasurement(m metricspb.Measurement, t types.SQLType) (any, error) {
	if m.Name == "" {
		return nil, nil
	}
	switch t {
	case types.SQLInt8:
		if m.Kind == metricspb.MeasurementI32 {
			return int64(m.I32), nil
		}
		return m.I64, nil
	case types.SQLFloat8:
		if m.Kind == metricspb.MeasurementF32 {
			return float64(m.F32), nil
		}
		return m.F64, nil
	case types.SQLStatisticSet:
		if m.StatisticSet == nil {
			return nil, nil
		}
		return statisticSetLiteral(*m.StatisticSet), nil
	case types.SQLHistogram:
		if m.Histogram == nil {
			return nil, nil
		}
		return histogramLiteral(*m.Histogram)
	case types.SQLTDigest:
		if m.TDigest == nil {
			return nil, nil
		}
		return tdigestLiteral(*m.TDigest), nil
	default:
		return nil, fmt.Errorf("unsupported column type %s", t)
	}
}

// statisticSetLiteral renders the Postgres composite-type text literal for
// a statistic_set: "(minimum,maximum,samplesum,samplecount)".
func statisticSetLiteral(s metricspb.StatisticSet) string {
	return fmt.Sprintf("(%v,%v,%v,%v)", s.Min, s.Max, s.Sum, s.Count)
}

// histogramLiteral renders the jsonb-backed histogram domain as a flat
// bucket-upper-bound -> count object, matching the shape the aggregate
// functions expect.
func histogramLiteral(h metricspb.Histogram) (string, error) {
	flat := make(map[string]uint64, len(h.Buckets))
	for bucket, count := range h.Buckets {
		flat[fmt.Sprintf("%d", bucket)] = count
	}
	b, err := json.Marshal(flat)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// tdigestLiteral renders the TDigest in the same textual form the
// reference sink logs and stores it in: a parenthesized record of
// version/max_buckets/count/sum/min/max plus a bracketed centroid list.
func tdigestLiteral(d metricspb.TDigest) string {
	centroids := make([]string, 0, len(d.Centroids))
	for _, c := range d.Centroids {
		centroids = append(centroids, fmt.Sprintf("(mean:%v,weight:%v)", c.Mean, c.Weight))
	}
	return fmt.Sprintf(
		"(version:1,max_buckets:%d,count:%d,sum:%v,min:%v,max:%v,centroids:[%s])",
		d.MaxBuckets, d.Count, d.Sum, d.Min, d.Max, joinComma(centroids),
	)
}

func joinComma(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}
