// Package metricspb defines the wire model exchanged between a goodmetrics
// client and this receiver, and the minimal service registration glue
// needed to put it on a gRPC server without generated protobuf stubs.
package metricspb

import "time"

// Dimension is a tagged string/number/boolean attribute attached to a Datum.
// Exactly one of the String/Number/Boolean fields is meaningful; which one
// is indicated by Kind.
type Dimension struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"` // "string", "number", "boolean"
	String  string `json:"string,omitempty"`
	Number  int64  `json:"number,omitempty"`
	Boolean bool   `json:"boolean,omitempty"`
}

// Measurement kinds a Datum can carry.
const (
	MeasurementI64          = "i64"
	MeasurementI32          = "i32"
	MeasurementF64          = "f64"
	MeasurementF32          = "f32"
	MeasurementStatisticSet = "statistic_set"
	MeasurementHistogram    = "histogram"
	MeasurementTDigest      = "tdigest"
)

// Measurement is a tagged numeric or aggregate value attached to a Datum
// under a name.
type Measurement struct {
	Name string `json:"name"`
	Kind string `json:"kind"`

	I64 int64   `json:"i64,omitempty"`
	I32 int32   `json:"i32,omitempty"`
	F64 float64 `json:"f64,omitempty"`
	F32 float32 `json:"f32,omitempty"`

	StatisticSet *StatisticSet `json:"statistic_set,omitempty"`
	Histogram    *Histogram    `json:"histogram,omitempty"`
	TDigest      *TDigest      `json:"tdigest,omitempty"`
}

// StatisticSet is a pre-aggregated min/max/sum/count summary.
type StatisticSet struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Sum   float64 `json:"sum"`
	Count int64   `json:"count"`
}

// Histogram is a sparse histogram: bucket upper bound -> observation
// count. The key is the bucket's bound value itself, the same keys the
// sink side stores in the Postgres histogram jsonb.
type Histogram struct {
	Buckets map[int64]uint64 `json:"buckets"`
}

// Centroid is one weighted mean in a TDigest.
type Centroid struct {
	Mean   float64 `json:"mean"`
	Weight float64 `json:"weight"`
}

// TDigest is a mergeable approximate quantile sketch.
type TDigest struct {
	MaxBuckets int        `json:"max_buckets"`
	Count      uint64     `json:"count"`
	Sum        float64    `json:"sum"`
	Min        float64    `json:"min"`
	Max        float64    `json:"max"`
	Centroids  []Centroid `json:"centroids"`
}

// Datum is one event: a metric name, a timestamp, a set of dimensions, and
// a set of measurements. UnixNanos is the event time as reported by the
// client; it is used as the row timestamp downstream.
type Datum struct {
	Metric       string        `json:"metric"`
	UnixNanos    uint64        `json:"unix_nanos"`
	Dimensions   []Dimension   `json:"dimensions"`
	Measurements []Measurement `json:"measurements"`
}

// Time returns the Datum's event time.
func (d *Datum) Time() time.Time {
	return time.Unix(0, int64(d.UnixNanos)).UTC()
}

// MetricsRequest is the request body of SendMetrics. SharedDimensions apply
// to every Datum in Data unless a Datum redeclares the same dimension name,
// in which case the Datum's own value wins.
type MetricsRequest struct {
	SharedDimensions []Dimension `json:"shared_dimensions"`
	Data             []Datum     `json:"data"`
}

// MetricsReply is the response body of SendMetrics.
type MetricsReply struct {
	Code string `json:"code"` // "ok", "retry", "invalid", "internal"
}

const (
	ReplyOK       = "ok"
	ReplyRetry    = "retry"
	ReplyInvalid  = "invalid"
	ReplyInternal = "internal"
)

// Merge returns a copy of d with shared dimensions applied: a shared
// dimension is added only if d does not already declare a dimension with
// the same name. The Datum's own dimensions always take precedence.
func Merge(d Datum, shared []Dimension) Datum {
	if len(shared) == 0 {
		return d
	}
	have := make(map[string]struct{}, len(d.Dimensions))
	for _, dim := range d.Dimensions {
		have[dim.Name] = struct{}{}
	}
	merged := make([]Dimension, len(d.Dimensions), len(d.Dimensions)+len(shared))
	copy(merged, d.Dimensions)
	for _, dim := range shared {
		if _, ok := have[dim.Name]; ok {
			continue
		}
		merged = append(merged, dim)
	}
	d.Dimensions = merged
	return d
}
