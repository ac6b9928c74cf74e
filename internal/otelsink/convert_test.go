package otelsink

import (
	"testing"

	"github.com/nicolastakashi/prom-analytics-proxy/internal/metricspb"
	otlpmetrics "go.opentelemetry.io/proto/otlp/metrics/v1"
)

func TestConvertDatumGauge(t *testing.T) {
	d := metricspb.Datum{
		Metric:    "requests",
		UnixNanos: 42,
		Dimensions: []metricspb.Dimension{
			{Name: "region", Kind: "string", String: "us-east-1"},
		},
		Measurements: []metricspb.Measurement{
			{Name: "count", Kind: metricspb.MeasurementI64, I64: 7},
		},
	}

	metrics := convertDatum(d)
	if len(metrics) != 1 {
		t.Fatalf("expected 1 metric, got %d", len(metrics))
	}
	if metrics[0].Name != "requests_count" {
		t.Fatalf("expected name requests_count, got %q", metrics[0].Name)
	}
	gauge, ok := metrics[0].Data.(*otlpmetrics.Metric_Gauge)
	if !ok {
		t.Fatalf("expected gauge data, got %T", metrics[0].Data)
	}
	if len(gauge.Gauge.DataPoints) != 1 || gauge.Gauge.DataPoints[0].Attributes[0].Key != "region" {
		t.Fatalf("expected one gauge point with region attribute, got %#v", gauge.Gauge.DataPoints)
	}
}

func TestConvertDatumDropsTDigest(t *testing.T) {
	d := metricspb.Datum{
		Metric: "latency",
		Measurements: []metricspb.Measurement{
			{Name: "p99", Kind: metricspb.MeasurementTDigest, TDigest: &metricspb.TDigest{}},
		},
	}
	metrics := convertDatum(d)
	if len(metrics) != 0 {
		t.Fatalf("expected tdigest measurement to be dropped, got %d metrics", len(metrics))
	}
}

func TestConvertDatumHistogramSumsWeightedBuckets(t *testing.T) {
	d := metricspb.Datum{
		Metric: "latency",
		Measurements: []metricspb.Measurement{
			{Name: "ms", Kind: metricspb.MeasurementHistogram, Histogram: &metricspb.Histogram{
				Buckets: map[int64]uint64{1: 2, 4: 1},
			}},
		},
	}
	metrics := convertDatum(d)
	if len(metrics) != 1 {
		t.Fatalf("expected 1 metric, got %d", len(metrics))
	}
	hist, ok := metrics[0].Data.(*otlpmetrics.Metric_Histogram)
	if !ok {
		t.Fatalf("expected histogram data, got %T", metrics[0].Data)
	}
	point := hist.Histogram.DataPoints[0]
	if point.Count != 3 {
		t.Fatalf("expected count 3, got %d", point.Count)
	}
	if point.Sum == nil || *point.Sum != 6 {
		t.Fatalf("expected sum 6, got %v", point.Sum)
	}
}
