package writer

import (
	"fmt"
	"strings"
	"testing"

	tdigest "github.com/caio/go-tdigest"
	"github.com/nicolastakashi/prom-analytics-proxy/internal/metricspb"
)

// TestTDigestLiteralRoundTripsRealCentroids builds a digest with the
// reference t-digest implementation and checks that every centroid it
// produces survives the trip into this sink's textual wire encoding.
func TestTDigestLiteralRoundTripsRealCentroids(t *testing.T) {
	td, err := tdigest.New()
	if err != nil {
		t.Fatalf("tdigest.New: %v", err)
	}
	for i := 1; i <= 200; i++ {
		td.Add(float64(i))
	}

	centroids := make([]metricspb.Centroid, 0)
	for _, c := range td.Centroids() {
		centroids = append(centroids, metricspb.Centroid{Mean: c.Mean, Weight: float64(c.Weight)})
	}
	if len(centroids) == 0 {
		t.Fatal("expected at least one centroid from a 200-sample digest")
	}

	d := metricspb.TDigest{
		MaxBuckets: 100,
		Count:      td.Count(),
		Sum:        0,
		Min:        1,
		Max:        200,
		Centroids:  centroids,
	}

	literal := tdigestLiteral(d)
	if !strings.HasPrefix(literal, "(version:1,max_buckets:100,count:") {
		t.Fatalf("unexpected literal prefix: %s", literal)
	}
	for _, c := range centroids {
		want := fmt.Sprintf("mean:%v", c.Mean)
		if !strings.Contains(literal, want) {
			t.Fatalf("literal missing centroid %v: %s", c, literal)
		}
	}
}

func TestStatisticSetLiteral(t *testing.T) {
	s := metricspb.StatisticSet{Min: 1, Max: 10, Sum: 55, Count: 10}
	got := statisticSetLiteral(s)
	want := "(1,10,55,10)"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
