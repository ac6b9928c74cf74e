// Package schema reacts to the batch writer's "table missing" and "column
// missing" errors by issuing the DDL needed to make the next attempt
// succeed: CREATE TABLE (plus hypertable/retention/compression setup) or
// ALTER TABLE ADD COLUMN. Each metric's schema is repaired by at most one
// goroutine at a time.
package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/nicolastakashi/prom-analytics-proxy/internal/pgsink/sinkerr"
	"github.com/nicolastakashi/prom-analytics-proxy/internal/pgsink/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	repairsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pgsink_schema_repairs_total",
		Help: "Total number of schema repair operations, by kind and outcome.",
	}, []string{"kind", "outcome"})

	repairDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pgsink_schema_repair_duration_seconds",
		Help:    "Duration of a schema repair operation.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})
)

// State names the repair a Controller is currently mid-flight on for a
// given metric; exposed for observability and tests, not used for control
// flow beyond the per-metric mutex.
type State string

const (
	StateIdle            State = "idle"
	StateCopyInProgress  State = "copy_in_progress"
	StateCreatingTable   State = "creating_table"
	StateAddingColumn    State = "adding_column"
)

// identRe extracts a double-quoted identifier out of a Postgres error
// message such as `column "foo" of relation "bar" does not exist` or
// `relation "bar" does not exist`.
var identRe = regexp.MustCompile(`"([^"]+)"`)

// Controller issues repair DDL against db.
type Controller struct {
	db               *sql.DB
	registry         *types.Registry
	defaultRetention time.Duration
	compress         bool

	mu     sync.Mutex
	states map[string]State
	locks  map[string]*sync.Mutex
}

// New returns a Controller bound to db, using registry to ensure aggregate
// types exist before a table is created that references them.
func New(db *sql.DB, registry *types.Registry, defaultRetention time.Duration, compress bool) *Controller {
	return &Controller{
		db:               db,
		registry:         registry,
		defaultRetention: defaultRetention,
		compress:         compress,
		states:           make(map[string]State),
		locks:            make(map[string]*sync.Mutex),
	}
}

func (c *Controller) lockFor(metric string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[metric]
	if !ok {
		l = &sync.Mutex{}
		c.locks[metric] = l
	}
	return l
}

func (c *Controller) setState(metric string, s State) {
	c.mu.Lock()
	c.states[metric] = s
	c.mu.Unlock()
}

// StateOf reports the last known repair state for metric (StateIdle if
// none is in flight or known).
func (c *Controller) StateOf(metric string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.states[metric]; ok {
		return s
	}
	return StateIdle
}

// Repair inspects writeErr and issues whatever DDL is needed to make the
// next write against table succeed, given the full column sets the batch
// that failed actually needs. It serializes repairs per-metric: a second
// caller for the same table blocks until the first repair finishes, then
// runs the repair its own writeErr calls for.
func (c *Controller) Repair(ctx context.Context, writeErr error, table string, dims, measures types.ColumnSet) error {
	l := c.lockFor(table)
	l.Lock()
	defer l.Unlock()

	switch {
	case errors.Is(writeErr, sinkerr.ErrMissingTable):
		return c.repair(ctx, table, "create_table", StateCreatingTable, func() error {
			return c.createTable(ctx, table, dims, measures)
		})
	case errors.Is(writeErr, sinkerr.ErrMissingColumn):
		return c.repair(ctx, table, "add_column", StateAddingColumn, func() error {
			return c.addMissingColumns(ctx, writeErr, table, dims, measures)
		})
	default:
		return writeErr
	}
}

func (c *Controller) repair(ctx context.Context, table, kind string, state State, fn func() error) error {
	start := time.Now()
	c.setState(table, state)
	defer c.setState(table, StateIdle)

	err := fn()
	repairDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if err != nil {
		repairsTotal.WithLabelValues(kind, "failure").Inc()
		return fmt.Errorf("schema repair (%s) for %s: %w", kind, table, err)
	}
	repairsTotal.WithLabelValues(kind, "success").Inc()
	slog.InfoContext(ctx, "pgsink.schema.repaired", "table", table, "kind", kind)
	return nil
}

func (c *Controller) createTable(ctx context.Context, table string, dims, measures types.ColumnSet) error {
	for _, t := range neededTypes(dims, measures) {
		if err := c.registry.Ensure(ctx, t); err != nil {
			return fmt.Errorf("ensuring type for new table %s: %w", table, err)
		}
	}

	retention := c.defaultRetention
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}

	const chunkInterval = "4h"
	var compressionStmt string
	if c.compress {
		compressionStmt = fmt.Sprintf(`
ALTER TABLE %[1]s SET (timescaledb.compress, timescaledb.compress_orderby = 'time DESC', timescaledb.compress_chunk_time_interval = '24 hours');
SELECT add_compression_policy('%[1]s', INTERVAL '24 hours');
`, table)
	}

	stmt := fmt.Sprintf(`
CREATE TABLE %[1]s (time timestamptz);
SELECT * FROM create_hypertable('%[1]s', 'time', chunk_time_interval => INTERVAL '%[2]s');
SELECT add_retention_policy('%[1]s', INTERVAL '%[3]d seconds');
%[4]s
`, table, chunkInterval, int64(retention.Seconds()), compressionStmt)

	if _, err := c.db.ExecContext(ctx, stmt); err != nil {
		return err
	}

	return c.addColumns(ctx, table, dims, measures)
}

func (c *Controller) addMissingColumns(ctx context.Context, writeErr error, table string, dims, measures types.ColumnSet) error {
	// The failing write already carries the full desired column set for
	// this batch; rather than parse which single column tripped the
	// error out of the driver message (fragile across Postgres versions),
	// add every column the batch needs and let the catalog check make
	// already-present columns a no-op.
	if m := identRe.FindStringSubmatch(writeErr.Error()); len(m) == 2 {
		slog.InfoContext(ctx, "pgsink.schema.column_missing", "table", table, "column", m[1])
	}
	return c.addColumns(ctx, table, dims, measures)
}

func (c *Controller) addColumns(ctx context.Context, table string, dims, measures types.ColumnSet) error {
	existing, err := c.existingColumns(ctx, table)
	if err != nil {
		return fmt.Errorf("listing existing columns for %s: %w", table, err)
	}

	add := func(name string, t types.SQLType) error {
		if _, ok := existing[name]; ok {
			return nil
		}
		if tn := typeNameOf(t); tn != "" {
			if err := c.registry.Ensure(ctx, tn); err != nil {
				return err
			}
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s", table, name, t.DDLType())
		_, err := c.db.ExecContext(ctx, stmt)
		return err
	}

	for _, name := range dims.SortedNames() {
		if err := add(name, dims[name]); err != nil {
			return err
		}
	}
	for _, name := range measures.SortedNames() {
		if err := add(name, measures[name]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) existingColumns(ctx context.Context, table string) (map[string]struct{}, error) {
	rows, err := c.db.QueryContext(ctx, `
SELECT column_name FROM information_schema.columns WHERE table_name = $1
`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols[name] = struct{}{}
	}
	return cols, rows.Err()
}

func neededTypes(dims, measures types.ColumnSet) []types.Name {
	have := make(map[types.Name]struct{})
	var out []types.Name
	for _, t := range measures {
		n := typeNameOf(t)
		if n == "" {
			continue
		}
		if _, ok := have[n]; ok {
			continue
		}
		have[n] = struct{}{}
		out = append(out, n)
	}
	_ = dims // dimensions never need an aggregate type
	return out
}

func typeNameOf(t types.SQLType) types.Name {
	switch t {
	case types.SQLStatisticSet:
		return types.StatisticSet
	case types.SQLHistogram:
		return types.Histogram
	case types.SQLTDigest:
		return types.TDigest
	default:
		return ""
	}
}
