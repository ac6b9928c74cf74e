//go:build docker

package schema

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/nicolastakashi/prom-analytics-proxy/internal/pgsink/sinkerr"
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

func TestControllerCreatesTableOnMissingTableError(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()

	registry := types.NewRegistry(db)
	c := New(db, registry, 24*time.Hour, false)

	dims := types.ColumnSet{"host": types.SQLText}
	measures := types.ColumnSet{"latency": types.SQLStatisticSet}

	err := c.Repair(context.Background(), sinkerr.ErrMissingTable, "requests", dims, measures)
	require.NoError(t, err)

	var count int
	row := db.QueryRow(`SELECT count(*) FROM information_schema.columns WHERE table_name = 'requests' AND column_name IN ('host', 'latency')`)
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 2, count)
}

func TestControllerAddsMissingColumn(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()

	_, err := db.Exec(`CREATE TABLE widget_events (time timestamptz)`)
	require.NoError(t, err)

	registry := types.NewRegistry(db)
	c := New(db, registry, 24*time.Hour, false)

	dims := types.ColumnSet{"region": types.SQLText}
	measures := types.ColumnSet{}

	err = c.Repair(context.Background(), sinkerr.ErrMissingColumn, "widget_events", dims, measures)
	require.NoError(t, err)

	var dataType string
	row := db.QueryRow(`SELECT data_type FROM information_schema.columns WHERE table_name = 'widget_events' AND column_name = 'region'`)
	require.NoError(t, row.Scan(&dataType))
	assert.Equal(t, "text", dataType)
}
