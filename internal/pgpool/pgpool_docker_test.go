//go:build docker

package pgpool

import (
	"context"
	"database/sql"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nicolastakashi/prom-analytics-proxy/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func newTestPool(t *testing.T) (*testPool, func()) {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx, "postgres:16",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(1).WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("Skipping Postgres container tests (Docker not available): %v", err)
	}

	host, _ := pgContainer.Host(ctx)
	port, _ := pgContainer.MappedPort(ctx, "5432/tcp")

	cfg := config.PostgreSQLConfig{
		Addr:            host,
		Port:            port.Int(),
		User:            "testuser",
		Password:        "testpass",
		Database:        "testdb",
		SSLMode:         "disable",
		MaxOpenConns:    5,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Minute,
		ConnMaxIdleTime: time.Minute,
		DialTimeout:     5 * time.Second,
	}

	db, err := Open(ctx, cfg)
	require.NoError(t, err)

	return &testPool{db: db}, func() {
		_ = db.Close()
		_ = pgContainer.Terminate(ctx)
	}
}

type testPool struct {
	db *sql.DB
}

func TestMigrateCreatesIngestEventsTable(t *testing.T) {
	pool, cleanup := newTestPool(t)
	defer cleanup()

	require.NoError(t, Migrate(context.Background(), pool.db))

	var count int
	row := pool.db.QueryRow(`SELECT count(*) FROM information_schema.tables WHERE table_name = 'ingest_events'`)
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 1, count)
}

func TestAuditLogRecordsRow(t *testing.T) {
	pool, cleanup := newTestPool(t)
	defer cleanup()
	require.NoError(t, Migrate(context.Background(), pool.db))

	audit := NewAuditLog(pool.db)
	require.NoError(t, audit.Record(context.Background(), 12, true, ""))
	require.NoError(t, audit.Record(context.Background(), 0, false, "empty request"))

	var count int
	row := pool.db.QueryRow(`SELECT count(*) FROM ingest_events`)
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 2, count)
}

func TestRetentionWorkerPurgesOldRows(t *testing.T) {
	pool, cleanup := newTestPool(t)
	defer cleanup()
	require.NoError(t, Migrate(context.Background(), pool.db))

	old := time.Now().UTC().Add(-48 * time.Hour)
	recent := time.Now().UTC()
	_, err := pool.db.Exec(`INSERT INTO ingest_events (ts, datum_count, accepted, reason) VALUES ($1, 1, true, ''), ($2, 1, true, '')`, old, recent)
	require.NoError(t, err)

	worker := NewRetentionWorker(pool.db, time.Hour, 10*time.Second, 24*time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = worker.Run(ctx) // runs once immediately, then blocks until ctx expires

	var count int
	row := pool.db.QueryRow(`SELECT count(*) FROM ingest_events`)
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 1, count)
}

func TestWithAdvisoryLockSerializesConcurrentCallers(t *testing.T) {
	pool, cleanup := newTestPool(t)
	defer cleanup()

	var inside int32
	var maxObserved int32
	const lockKey = int64(42)

	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			done <- WithAdvisoryLock(context.Background(), pool.db, lockKey, func(ctx context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				if n > atomic.LoadInt32(&maxObserved) {
					atomic.StoreInt32(&maxObserved, n)
				}
				time.Sleep(200 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
		}()
	}

	for i := 0; i < 2; i++ {
		require.NoError(t, <-done)
	}
	assert.Equal(t, int32(1), maxObserved, "advisory lock should serialize both callers")
}
