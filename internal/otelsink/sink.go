package otelsink

import (
	"context"
	"log/slog"
	"time"

	"github.com/nicolastakashi/prom-analytics-proxy/internal/bus"
	"github.com/nicolastakashi/prom-analytics-proxy/internal/metricspb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	otlpcollector "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	otlpcommon "go.opentelemetry.io/proto/otlp/common/v1"
	otlpmetrics "go.opentelemetry.io/proto/otlp/metrics/v1"
)

var (
	batchesExportedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otelsink_batches_exported_total",
		Help: "Total number of export calls made to the OTLP endpoint, by outcome.",
	}, []string{"outcome"})

	metricsExportedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "otelsink_metrics_exported_total",
		Help: "Total number of OTLP metric points exported.",
	})
)

// Sink subscribes to the bus, coalesces datums for InitialDelay and then
// keeps draining in CoalesceIncrement-sized slices until the queue runs
// dry for one increment, then exports everything it collected as a
// single OTLP ExportMetricsServiceRequest.
type Sink struct {
	bus               *bus.Bus
	exporter          *Exporter
	initialDelay      time.Duration
	coalesceIncrement time.Duration
}

// New returns a Sink that exports through exporter.
func New(b *bus.Bus, exporter *Exporter, initialDelay, coalesceIncrement time.Duration) *Sink {
	if initialDelay <= 0 {
		initialDelay = 5 * time.Second
	}
	if coalesceIncrement <= 0 {
		coalesceIncrement = time.Second
	}
	return &Sink{bus: b, exporter: exporter, initialDelay: initialDelay, coalesceIncrement: coalesceIncrement}
}

// Run subscribes to the bus and drains it until ctx is canceled.
func (s *Sink) Run(ctx context.Context) error {
	batches, unsubscribe := s.bus.Subscribe("otelsink")
	defer unsubscribe()

	for {
		var first bus.Batch
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b, ok := <-batches:
			if !ok {
				return nil
			}
			first = b
		}

		data := append([]metricspb.Datum(nil), first.Data...)
		data = s.drain(ctx, batches, data)
		if len(data) == 0 {
			continue
		}
		s.export(ctx, data)
	}
}

// drain waits InitialDelay, then keeps consuming whatever arrives within
// successive CoalesceIncrement windows until one window passes empty.
func (s *Sink) drain(ctx context.Context, batches <-chan bus.Batch, data []metricspb.Datum) []metricspb.Datum {
	select {
	case <-time.After(s.initialDelay):
	case <-ctx.Done():
		return data
	}

	for {
		timer := time.NewTimer(s.coalesceIncrement)
		select {
		case <-ctx.Done():
			timer.Stop()
			return data
		case b, ok := <-batches:
			timer.Stop()
			if !ok {
				return data
			}
			data = append(data, b.Data...)
		case <-timer.C:
			return data
		}
	}
}

func (s *Sink) export(ctx context.Context, data []metricspb.Datum) {
	metrics := make([]*otlpmetrics.Metric, 0, len(data))
	for _, d := range data {
		metrics = append(metrics, convertDatum(d)...)
	}

	req := &otlpcollector.ExportMetricsServiceRequest{
		ResourceMetrics: []*otlpmetrics.ResourceMetrics{{
			ScopeMetrics: []*otlpmetrics.ScopeMetrics{{
				Scope: &otlpcommon.InstrumentationScope{
					Name:    instrumentationScopeName,
					Version: "1",
				},
				Metrics: metrics,
			}},
		}},
	}

	if err := s.exporter.Export(ctx, req); err != nil {
		slog.ErrorContext(ctx, "otelsink.export.failed", "datums", len(data), "err", err)
		batchesExportedTotal.WithLabelValues("failure").Inc()
		return
	}

	batchesExportedTotal.WithLabelValues("success").Inc()
	metricsExportedTotal.Add(float64(len(metrics)))
}
