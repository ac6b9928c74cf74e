//go:build docker

package writer

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/nicolastakashi/prom-analytics-proxy/internal/metricspb"
	"github.com/nicolastakashi/prom-analytics-proxy/internal/pgsink/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func newTestDB(t *testing.T) (*sql.DB, func()) {
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

	dsn := fmt.Sprintf("host=%s port=%d user=testuser password=testpass dbname=testdb sslmode=disable", host, port.Int())
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	require.NoError(t, db.Ping())

	return db, func() {
		_ = db.Close()
		_ = pgContainer.Terminate(ctx)
	}
}

// TestWriteEncodesDimensionsWithNullsForMissingValues checks that Write
// extracts the scalar value of each dimension column and leaves a column
// NULL for any datum in the batch that doesn't declare that dimension.
func TestWriteEncodesDimensionsWithNullsForMissingValues(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()

	_, err := db.Exec(`CREATE TABLE requests (time timestamptz, host text, port int8, secure bool, latency float8)`)
	require.NoError(t, err)

	dims := types.ColumnSet{"host": types.SQLText, "port": types.SQLInt8, "secure": types.SQLBool}
	measures := types.ColumnSet{"latency": types.SQLFloat8}

	data := []metricspb.Datum{
		{
			Metric:    "requests",
			UnixNanos: uint64(time.Now().UnixNano()),
			Dimensions: []metricspb.Dimension{
				{Name: "host", Kind: "string", String: "web-1"},
				{Name: "port", Kind: "number", Number: 8080},
				{Name: "secure", Kind: "boolean", Boolean: true},
			},
			Measurements: []metricspb.Measurement{{Name: "latency", Kind: metricspb.MeasurementF64, F64: 12.5}},
		},
		{
			// Only declares "host": port and secure must come back NULL.
			Metric:    "requests",
			UnixNanos: uint64(time.Now().UnixNano()),
			Dimensions: []metricspb.Dimension{
				{Name: "host", Kind: "string", String: "web-2"},
			},
			Measurements: []metricspb.Measurement{{Name: "latency", Kind: metricspb.MeasurementF64, F64: 7}},
		},
	}

	w := New(db)
	require.NoError(t, w.Write(context.Background(), "requests", dims, measures, data))

	rows, err := db.Query(`SELECT host, port, secure, latency FROM requests ORDER BY host`)
	require.NoError(t, err)
	defer rows.Close()

	type row struct {
		host    string
		port    sql.NullInt64
		secure  sql.NullBool
		latency float64
	}
	var got []row
	for rows.Next() {
		var r row
		require.NoError(t, rows.Scan(&r.host, &r.port, &r.secure, &r.latency))
		got = append(got, r)
	}
	require.NoError(t, rows.Err())
	require.Len(t, got, 2)

	assert.Equal(t, "web-1", got[0].host)
	assert.True(t, got[0].port.Valid)
	assert.Equal(t, int64(8080), got[0].port.Int64)
	assert.True(t, got[0].secure.Valid)
	assert.True(t, got[0].secure.Bool)
	assert.Equal(t, 12.5, got[0].latency)

	assert.Equal(t, "web-2", got[1].host)
	assert.False(t, got[1].port.Valid, "port should be NULL for the datum that didn't declare it")
	assert.False(t, got[1].secure.Valid, "secure should be NULL for the datum that didn't declare it")
	assert.Equal(t, float64(7), got[1].latency)
}
