package schema

import (
	"testing"

	"github.com/nicolastakashi/prom-analytics-proxy/internal/pgsink/types"
)

func TestNeededTypesDeduplicatesAndSkipsPlainTypes(t *testing.T) {
	measures := types.ColumnSet{
		"latency": types.SQLStatisticSet,
		"p99":     types.SQLStatisticSet,
		"errors":  types.SQLHistogram,
		"count":   types.SQLInt8,
	}
	got := neededTypes(nil, measures)

	seen := make(map[types.Name]int)
	for _, n := range got {
		seen[n]++
	}
	if seen[types.StatisticSet] != 1 {
		t.Fatalf("expected statistic_set exactly once, got %d", seen[types.StatisticSet])
	}
	if seen[types.Histogram] != 1 {
		t.Fatalf("expected histogram exactly once, got %d", seen[types.Histogram])
	}
	if _, ok := seen[types.TDigest]; ok {
		t.Fatalf("did not expect tdigest to be needed")
	}
}

func TestTypeNameOfPlainColumnsIsEmpty(t *testing.T) {
	if n := typeNameOf(types.SQLInt8); n != "" {
		t.Fatalf("expected empty type name for int8, got %q", n)
	}
	if n := typeNameOf(types.SQLText); n != "" {
		t.Fatalf("expected empty type name for text, got %q", n)
	}
}
