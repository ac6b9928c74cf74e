// Package receiver implements the SendMetrics gRPC entrypoint: it
// authenticates a request, merges shared dimensions into each datum, and
// publishes the resulting batch onto the bus. It never touches Postgres or
// OTLP directly; sinks subscribe to the bus independently.
package receiver

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nicolastakashi/prom-analytics-proxy/internal/bus"
	"github.com/nicolastakashi/prom-analytics-proxy/internal/metricspb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "receiver_requests_total",
		Help: "Total number of SendMetrics requests received.",
	}, []string{"code"})

	datumsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "receiver_datums_total",
		Help: "Total number of data points accepted across all requests.",
	})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "receiver_request_duration_seconds",
		Help:    "Duration of SendMetrics requests.",
		Buckets: prometheus.DefBuckets,
	})

	requestInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "receiver_requests_inflight",
		Help: "Current in-flight SendMetrics requests.",
	})
)

// Authenticator validates the credential presented with a request. It
// returns a non-nil error only when the credential is missing or unknown.
type Authenticator interface {
	Authenticate(ctx context.Context) error
}

// AuditLogger records one diagnostics row per SendMetrics call that passes
// authentication; calls rejected by the Authenticator are not recorded. It is
// optional: a nil AuditLogger disables the ingest_events audit trail
// without affecting ingestion itself.
type AuditLogger interface {
	Record(ctx context.Context, datumCount int, accepted bool, reason string) error
}

// Receiver implements metricspb.MetricsServiceServer.
type Receiver struct {
	bus   *bus.Bus
	auth  Authenticator
	audit AuditLogger

	maxDatumsPerRequest int
}

// New returns a Receiver that publishes accepted batches onto b. auth may
// be nil to disable authentication (local/dev use). audit may be nil to
// disable the ingest_events diagnostics trail. maxDatumsPerRequest <= 0
// disables the per-request size cap.
func New(b *bus.Bus, auth Authenticator, audit AuditLogger, maxDatumsPerRequest int) *Receiver {
	return &Receiver{bus: b, auth: auth, audit: audit, maxDatumsPerRequest: maxDatumsPerRequest}
}

type requestIDKey struct{}

// RequestIDFromContext returns the correlation id SendMetrics attached to
// ctx, or "" if ctx did not come from a SendMetrics call.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (r *Receiver) recordAudit(ctx context.Context, datumCount int, accepted bool, reason string) {
	if r.audit == nil {
		return
	}
	if err := r.audit.Record(ctx, datumCount, accepted, reason); err != nil {
		slog.WarnContext(ctx, "receiver.audit.failed", "err", err)
	}
}

// SendMetrics validates, merges, and publishes req, then acknowledges it.
// It fails with Unauthenticated on a missing or unknown credential, with
// InvalidArgument on bad input, and with ResourceExhausted when the bus
// reports that a subscriber had no room for the batch (Send never blocks).
func (r *Receiver) SendMetrics(ctx context.Context, req *metricspb.MetricsRequest) (*metricspb.MetricsReply, error) {
	start := time.Now()
	requestID := uuid.NewString()
	ctx = context.WithValue(ctx, requestIDKey{}, requestID)
	requestInflight.Inc()
	defer requestInflight.Dec()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	if r.auth != nil {
		if err := r.auth.Authenticate(ctx); err != nil {
			requestsTotal.WithLabelValues(codes.Unauthenticated.String()).Inc()
			return nil, status.Error(codes.Unauthenticated, "invalid or missing credential")
		}
	}

	if req == nil || len(req.Data) == 0 {
		requestsTotal.WithLabelValues(codes.InvalidArgument.String()).Inc()
		r.recordAudit(ctx, 0, false, "empty request")
		return nil, status.Error(codes.InvalidArgument, "request has no data")
	}

	if r.maxDatumsPerRequest > 0 && len(req.Data) > r.maxDatumsPerRequest {
		requestsTotal.WithLabelValues(codes.InvalidArgument.String()).Inc()
		r.recordAudit(ctx, len(req.Data), false, "request too large")
		return nil, status.Errorf(codes.InvalidArgument, "request carries %d data points, limit is %d", len(req.Data), r.maxDatumsPerRequest)
	}

	batch := bus.Batch{Data: make([]metricspb.Datum, 0, len(req.Data))}
	for _, d := range req.Data {
		if d.Metric == "" {
			requestsTotal.WithLabelValues(codes.InvalidArgument.String()).Inc()
			r.recordAudit(ctx, len(req.Data), false, "datum missing metric name")
			return nil, status.Error(codes.InvalidArgument, "datum missing metric name")
		}
		batch.Data = append(batch.Data, metricspb.Merge(d, req.SharedDimensions))
	}

	if ok := r.bus.Send(batch); !ok {
		requestsTotal.WithLabelValues(codes.ResourceExhausted.String()).Inc()
		r.recordAudit(ctx, len(batch.Data), false, "bus queue full")
		return nil, status.Error(codes.ResourceExhausted, "bus queue full, retry later")
	}

	datumsTotal.Add(float64(len(batch.Data)))
	requestsTotal.WithLabelValues(codes.OK.String()).Inc()
	r.recordAudit(ctx, len(batch.Data), true, "")

	slog.DebugContext(ctx, "receiver.send_metrics.accepted", "request_id", requestID, "datums", len(batch.Data), "subscribers", r.bus.SubscriberCount())

	return &metricspb.MetricsReply{Code: metricspb.ReplyOK}, nil
}
