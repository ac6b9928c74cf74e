package pgpool

import (
	"context"
	"database/sql"
	"time"
)

// AuditLog records one row per accepted or rejected SendMetrics call into
// the ingest_events table, independent of whether the batch ultimately
// lands in a metric table (that happens asynchronously, downstream of the
// bus).
type AuditLog struct {
	db *sql.DB
}

// NewAuditLog returns an AuditLog bound to db. The ingest_events table
// must already exist (see Migrate).
func NewAuditLog(db *sql.DB) *AuditLog {
	return &AuditLog{db: db}
}

// Record inserts one ingest_events row. Failures are the caller's to
// decide how to handle; this is diagnostics, not a correctness path.
func (a *AuditLog) Record(ctx context.Context, datumCount int, accepted bool, reason string) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO ingest_events (ts, datum_count, accepted, reason) VALUES ($1, $2, $3, $4)`,
		time.Now().UTC(), datumCount, accepted, reason,
	)
	return err
}
