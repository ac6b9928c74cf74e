// Package otelsink fans the bus out to an OpenTelemetry Collector (or any
// OTLP-compatible receiver) over the metrics Export RPC. Dimensions become
// attributes; i64/i32/f64/f32 measurements become gauges; statistic_sets
// become summaries (OTLP's closest analogue); histograms become OTLP
// histograms. TDigest measurements have no OTLP representation and are
// dropped, with a warning logged for each one dropped.
package otelsink

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/nicolastakashi/prom-analytics-proxy/internal/metricspb"
	otlpcommon "go.opentelemetry.io/proto/otlp/common/v1"
	otlpmetrics "go.opentelemetry.io/proto/otlp/metrics/v1"
)

const instrumentationScopeName = "goodmetrics"

// convertDatum renders one datum into zero or more OTLP metrics, one per
// measurement (goodmetrics splays all measurements of a datum across a
// shared metric namespace, same as the reference sink: "<metric>_<measurement>").
func convertDatum(d metricspb.Datum) []*otlpmetrics.Metric {
	attrs := convertDimensions(d.Dimensions)

	out := make([]*otlpmetrics.Metric, 0, len(d.Measurements))
	for _, m := range d.Measurements {
		metric, ok := convertMeasurement(d.Metric, m, d.UnixNanos, attrs)
		if !ok {
			continue
		}
		out = append(out, metric)
	}
	return out
}

func convertDimensions(dims []metricspb.Dimension) []*otlpcommon.KeyValue {
	attrs := make([]*otlpcommon.KeyValue, 0, len(dims))
	for _, d := range dims {
		var v *otlpcommon.AnyValue
		switch d.Kind {
		case "string":
			v = &otlpcommon.AnyValue{Value: &otlpcommon.AnyValue_StringValue{StringValue: d.String}}
		case "number":
			v = &otlpcommon.AnyValue{Value: &otlpcommon.AnyValue_IntValue{IntValue: d.Number}}
		case "boolean":
			v = &otlpcommon.AnyValue{Value: &otlpcommon.AnyValue_BoolValue{BoolValue: d.Boolean}}
		default:
			continue
		}
		attrs = append(attrs, &otlpcommon.KeyValue{Key: d.Name, Value: v})
	}
	return attrs
}

func convertMeasurement(metric string, m metricspb.Measurement, unixNanos uint64, attrs []*otlpcommon.KeyValue) (*otlpmetrics.Metric, bool) {
	name := fmt.Sprintf("%s_%s", metric, m.Name)

	base := &otlpmetrics.Metric{
		Name:        name,
		Description: "goodmetrics compatibility conversion",
		Unit:        "1",
	}

	switch m.Kind {
	case metricspb.MeasurementI64:
		base.Data = &otlpmetrics.Metric_Gauge{Gauge: &otlpmetrics.Gauge{
			DataPoints: []*otlpmetrics.NumberDataPoint{intDataPoint(m.I64, unixNanos, attrs)},
		}}
	case metricspb.MeasurementI32:
		base.Data = &otlpmetrics.Metric_Gauge{Gauge: &otlpmetrics.Gauge{
			DataPoints: []*otlpmetrics.NumberDataPoint{intDataPoint(int64(m.I32), unixNanos, attrs)},
		}}
	case metricspb.MeasurementF64:
		base.Data = &otlpmetrics.Metric_Gauge{Gauge: &otlpmetrics.Gauge{
			DataPoints: []*otlpmetrics.NumberDataPoint{floatDataPoint(m.F64, unixNanos, attrs)},
		}}
	case metricspb.MeasurementF32:
		base.Data = &otlpmetrics.Metric_Gauge{Gauge: &otlpmetrics.Gauge{
			DataPoints: []*otlpmetrics.NumberDataPoint{floatDataPoint(float64(m.F32), unixNanos, attrs)},
		}}
	case metricspb.MeasurementStatisticSet:
		if m.StatisticSet == nil {
			return nil, false
		}
		base.Data = &otlpmetrics.Metric_Summary{Summary: &otlpmetrics.Summary{
			DataPoints: []*otlpmetrics.SummaryDataPoint{summaryDataPoint(*m.StatisticSet, unixNanos, attrs)},
		}}
	case metricspb.MeasurementHistogram:
		if m.Histogram == nil {
			return nil, false
		}
		base.Data = &otlpmetrics.Metric_Histogram{Histogram: &otlpmetrics.Histogram{
			AggregationTemporality: otlpmetrics.AggregationTemporality_AGGREGATION_TEMPORALITY_DELTA,
			DataPoints:             []*otlpmetrics.HistogramDataPoint{histogramDataPoint(*m.Histogram, unixNanos, attrs)},
		}}
	case metricspb.MeasurementTDigest:
		slog.Warn("otelsink.convert.tdigest_dropped", "metric", metric, "measurement", m.Name)
		return nil, false
	default:
		return nil, false
	}

	return base, true
}

func intDataPoint(i int64, nanoTime uint64, attrs []*otlpcommon.KeyValue) *otlpmetrics.NumberDataPoint {
	return &otlpmetrics.NumberDataPoint{
		Attributes:   attrs,
		TimeUnixNano: nanoTime,
		Value:        &otlpmetrics.NumberDataPoint_AsInt{AsInt: i},
	}
}

func floatDataPoint(f float64, nanoTime uint64, attrs []*otlpcommon.KeyValue) *otlpmetrics.NumberDataPoint {
	return &otlpmetrics.NumberDataPoint{
		Attributes:   attrs,
		TimeUnixNano: nanoTime,
		Value:        &otlpmetrics.NumberDataPoint_AsDouble{AsDouble: f},
	}
}

// summaryDataPoint maps a statistic_set onto OTLP's summary shape, the
// closest available representation: min and max as the 0th and 1st
// quantiles, same compromise the reference sink makes.
func summaryDataPoint(ss metricspb.StatisticSet, nanoTime uint64, attrs []*otlpcommon.KeyValue) *otlpmetrics.SummaryDataPoint {
	return &otlpmetrics.SummaryDataPoint{
		Attributes:   attrs,
		TimeUnixNano: nanoTime,
		Count:        uint64(ss.Count),
		Sum:          ss.Sum,
		QuantileValues: []*otlpmetrics.SummaryDataPoint_ValueAtQuantile{
			{Quantile: 0, Value: ss.Min},
			{Quantile: 1, Value: ss.Max},
		},
	}
}

// histogramDataPoint flattens the bucket map into OTLP's parallel
// bucket-counts/explicit-bounds arrays, sorted by bucket boundary. Sum is
// approximate (bucket upper bound times count, so it overestimates), same
// caveat the reference sink documents: goodmetrics histograms don't carry
// an exact sum.
func histogramDataPoint(h metricspb.Histogram, nanoTime uint64, attrs []*otlpcommon.KeyValue) *otlpmetrics.HistogramDataPoint {
	buckets := make([]int64, 0, len(h.Buckets))
	for b := range h.Buckets {
		buckets = append(buckets, b)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i] < buckets[j] })

	var count uint64
	var sum float64
	counts := make([]uint64, 0, len(buckets))
	bounds := make([]float64, 0, len(buckets))
	for _, b := range buckets {
		c := h.Buckets[b]
		counts = append(counts, c)
		bounds = append(bounds, float64(b))
		count += c
		sum += float64(b) * float64(c)
	}

	return &otlpmetrics.HistogramDataPoint{
		Attributes:     attrs,
		TimeUnixNano:   nanoTime,
		Count:          count,
		Sum:            &sum,
		BucketCounts:   counts,
		ExplicitBounds: bounds,
	}
}
