// Package pgsink drains the bus into PostgreSQL/TimescaleDB: batches are
// coalesced for a short window, grouped by metric, and written with a
// bulk COPY. A write that fails with a schema-drift error is handed to the
// schema controller for repair and retried once.
package pgsink

import (
	"context"
	"database/sql"
	"log/slog"
	"sort"
	"time"

	"github.com/nicolastakashi/prom-analytics-proxy/internal/bus"
	"github.com/nicolastakashi/prom-analytics-proxy/internal/metricspb"
	"github.com/nicolastakashi/prom-analytics-proxy/internal/pgsink/schema"
	"github.com/nicolastakashi/prom-analytics-proxy/internal/pgsink/sinkerr"
	"github.com/nicolastakashi/prom-analytics-proxy/internal/pgsink/types"
	"github.com/nicolastakashi/prom-analytics-proxy/internal/pgsink/writer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pgsink_batches_total",
		Help: "Total number of per-metric batches written, by outcome.",
	}, []string{"metric", "outcome"})

	coalescedDatums = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pgsink_coalesced_datums",
		Help:    "Number of datums accumulated into a single coalesce window.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})
)

// Sink subscribes to a bus and writes everything it sees to PostgreSQL.
type Sink struct {
	bus            *bus.Bus
	writer         *writer.Writer
	controller     *schema.Controller
	coalesceWindow time.Duration
	batchTimeout   time.Duration
}

// New returns a Sink that writes through db, repairing schema drift with
// registry-bootstrapped aggregate types under controller's supervision.
func New(b *bus.Bus, db *sql.DB, coalesceWindow, batchTimeout, defaultRetention time.Duration, compress bool) *Sink {
	registry := types.NewRegistry(db)
	return &Sink{
		bus:            b,
		writer:         writer.New(db),
		controller:     schema.New(db, registry, defaultRetention, compress),
		coalesceWindow: coalesceWindow,
		batchTimeout:   batchTimeout,
	}
}

// Run subscribes to the bus and drains it until ctx is canceled.
func (s *Sink) Run(ctx context.Context) error {
	batches, unsubscribe := s.bus.Subscribe("pgsink")
	defer unsubscribe()

	window := s.coalesceWindow
	if window <= 0 {
		window = 5 * time.Second
	}

	buffer := make(map[string][]metricspb.Datum)
	ticker := time.NewTicker(window)
	defer ticker.Stop()

	flush := func() {
		if len(buffer) == 0 {
			return
		}
		metrics := make([]string, 0, len(buffer))
		for metric := range buffer {
			metrics = append(metrics, metric)
		}
		sort.Strings(metrics)
		for _, metric := range metrics {
			s.writeMetric(ctx, metric, buffer[metric])
		}
		buffer = make(map[string][]metricspb.Datum)
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return ctx.Err()
		case <-ticker.C:
			flush()
		case b, ok := <-batches:
			if !ok {
				flush()
				return nil
			}
			for _, d := range b.Data {
				buffer[d.Metric] = append(buffer[d.Metric], d)
			}
		}
	}
}

// writeMetric writes every datum for a single metric, repairing schema
// drift and retrying once if the first attempt fails with a sentinel
// error the controller knows how to fix.
func (s *Sink) writeMetric(ctx context.Context, metric string, data []metricspb.Datum) {
	coalescedDatums.Observe(float64(len(data)))

	writeCtx := ctx
	var cancel context.CancelFunc
	if s.batchTimeout > 0 {
		writeCtx, cancel = context.WithTimeout(ctx, s.batchTimeout)
		defer cancel()
	}

	table := Clean(metric)
	dims := types.DimensionColumns(data)
	measures := types.MeasurementColumns(data)

	err := s.writer.Write(writeCtx, table, dims, measures, data)
	if err == nil {
		batchesTotal.WithLabelValues(metric, "success").Inc()
		return
	}

	if repairErr := s.controller.Repair(writeCtx, err, table, dims, measures); repairErr != nil {
		slog.ErrorContext(ctx, "pgsink.write.failed", "metric", metric, "table", table, "err", repairErr)
		batchesTotal.WithLabelValues(metric, "failure").Inc()
		return
	}

	if err := s.writer.Write(writeCtx, table, dims, measures, data); err != nil {
		slog.ErrorContext(ctx, "pgsink.write.retry_failed", "metric", metric, "table", table, "err", sinkerr.Classify(err))
		batchesTotal.WithLabelValues(metric, "failure").Inc()
		return
	}
	batchesTotal.WithLabelValues(metric, "success").Inc()
}
