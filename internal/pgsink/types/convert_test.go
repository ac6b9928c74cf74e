package types

import (
	"testing"

	"github.com/nicolastakashi/prom-analytics-proxy/internal/metricspb"
)

func TestDimensionColumnsDeterministicOrder(t *testing.T) {
	data := []metricspb.Datum{
		{Dimensions: []metricspb.Dimension{
			{Name: "zone", Kind: "string"},
			{Name: "az", Kind: "string"},
		}},
	}
	cols := DimensionColumns(data)
	names := cols.SortedNames()
	if len(names) != 2 || names[0] != "az" || names[1] != "zone" {
		t.Fatalf("expected sorted [az zone], got %v", names)
	}
}

func TestMeasurementColumnsMapsKinds(t *testing.T) {
	data := []metricspb.Datum{
		{Measurements: []metricspb.Measurement{
			{Name: "latency", Kind: metricspb.MeasurementStatisticSet},
			{Name: "count", Kind: metricspb.MeasurementI64},
		}},
	}
	cols := MeasurementColumns(data)
	if cols["latency"] != SQLStatisticSet {
		t.Fatalf("expected statistic_set, got %v", cols["latency"])
	}
	if cols["count"] != SQLInt8 {
		t.Fatalf("expected int8, got %v", cols["count"])
	}
}
