package pgpool

import (
	"context"
	"database/sql"
	"log/slog"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RetentionWorker periodically purges ingest_events rows older than
// MaxAge. The audit trail is diagnostics, not the metric data itself (that
// retention is handled per-table by the TimescaleDB policies the schema
// controller attaches), so this runs on its own jittered interval
// independent of the PostgreSQL sink.
type RetentionWorker struct {
	db         *sql.DB
	interval   time.Duration
	runTimeout time.Duration
	maxAge     time.Duration

	runDuration *prometheus.HistogramVec
}

// NewRetentionWorker returns a RetentionWorker bound to db. interval and
// maxAge must both be positive or Run never purges anything; a
// non-positive runTimeout falls back to 30 seconds per run.
func NewRetentionWorker(db *sql.DB, interval, runTimeout, maxAge time.Duration) *RetentionWorker {
	return &RetentionWorker{
		db:         db,
		interval:   interval,
		runTimeout: runTimeout,
		maxAge:     maxAge,
		runDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pgpool_audit_retention_run_duration_seconds",
			Help:    "Duration of ingest_events retention runs, by outcome.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
	}
}

// Run purges expired rows immediately, then on a jittered copy of interval
// until ctx is canceled.
func (w *RetentionWorker) Run(ctx context.Context) error {
	if w.interval <= 0 || w.maxAge <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	jitterBase := w.interval / 5
	if jitterBase <= 0 {
		jitterBase = time.Nanosecond
	}
	ticker := time.NewTicker(w.interval + time.Duration(rand.Int63n(int64(jitterBase))))
	defer ticker.Stop()

	w.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *RetentionWorker) runOnce(ctx context.Context) {
	start := time.Now()
	timeout := w.runTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cutoff := time.Now().UTC().Add(-w.maxAge)
	res, err := w.db.ExecContext(runCtx, `DELETE FROM ingest_events WHERE ts < $1`, cutoff)
	if err != nil {
		slog.ErrorContext(ctx, "pgpool.audit_retention.failed", "err", err, "cutoff", cutoff)
		w.runDuration.WithLabelValues("failure").Observe(time.Since(start).Seconds())
		return
	}

	deleted, _ := res.RowsAffected()
	slog.InfoContext(ctx, "pgpool.audit_retention.complete", "deleted", deleted, "cutoff", cutoff)
	w.runDuration.WithLabelValues("success").Observe(time.Since(start).Seconds())
}
