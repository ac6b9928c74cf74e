// Package types bootstraps and probes the composite and domain SQL types
// this sink stores aggregate measurements in: statistic_set, histogram and
// tdigest. Each is created the first time Ensure is asked for it and finds
// it missing. The package takes no advisory lock itself: cmd/goodmetricsd
// ensures all three at startup under a Postgres advisory lock so concurrent
// replicas don't race the DDL, while the schema controller's later Ensure
// calls run without one.
package types

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/lib/pq"
)

// Name enumerates the aggregate SQL types this sink manages.
type Name string

const (
	StatisticSet Name = "statistic_set"
	Histogram    Name = "histogram"
	TDigest      Name = "tdigest"
)

// Registry tracks which aggregate types have already been confirmed
// present in the connected database, so repeat bootstraps are avoided.
type Registry struct {
	db    *sql.DB
	mu    sync.Mutex
	ready map[Name]bool
}

// NewRegistry returns a Registry bound to db.
func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db, ready: make(map[Name]bool)}
}

// Ensure confirms that name exists in the database, creating it if needed.
// It is safe to call concurrently; callers are expected to already hold
// whatever advisory lock guards schema bootstrap for this process.
func (r *Registry) Ensure(ctx context.Context, name Name) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ready[name] {
		return nil
	}

	if err := r.probe(ctx, name); err == nil {
		r.ready[name] = true
		return nil
	} else if !isUndefinedObject(err) {
		return fmt.Errorf("probing type %s: %w", name, err)
	}

	ddl, ok := bootstrapDDL[name]
	if !ok {
		return fmt.Errorf("unknown aggregate type %q", name)
	}
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("creating type %s: %w", name, err)
	}
	r.ready[name] = true
	return nil
}

// probe checks whether name already resolves as a castable type. A cast
// of a null literal is enough to make Postgres resolve the type without
// touching any table.
func (r *Registry) probe(ctx context.Context, name Name) error {
	_, err := r.db.ExecContext(ctx, fmt.Sprintf("SELECT NULL::%s", string(name)))
	return err
}

func isUndefinedObject(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code.Name() == "undefined_object"
}

// bootstrapDDL holds the literal DDL executed the first time a type is
// needed. Each entry is idempotent via CREATE OR REPLACE where Postgres
// allows it; the type and aggregate definitions themselves are only
// attempted once probe() reports them missing.
var bootstrapDDL = map[Name]string{
	StatisticSet: `
CREATE TYPE statistic_set AS (
  minimum     double precision,
  maximum     double precision,
  samplesum   double precision,
  samplecount int8
);

CREATE OR REPLACE FUNCTION statistic_set_accum(internal_state statistic_set, next_row statistic_set) RETURNS statistic_set
AS $$
BEGIN
    IF next_row.minimum < internal_state.minimum THEN internal_state.minimum := next_row.minimum; END IF;
    IF next_row.maximum > internal_state.maximum THEN internal_state.maximum := next_row.maximum; END IF;
    internal_state.samplesum := internal_state.samplesum + next_row.samplesum;
    internal_state.samplecount := internal_state.samplecount + next_row.samplecount;
    RETURN internal_state;
END;
$$ LANGUAGE plpgsql IMMUTABLE STRICT;

CREATE OR REPLACE FUNCTION statistic_set_accum(internal_state statistic_set, next_row double precision) RETURNS statistic_set
AS $$
BEGIN
    IF next_row < internal_state.minimum THEN internal_state.minimum := next_row; END IF;
    IF next_row > internal_state.maximum THEN internal_state.maximum := next_row; END IF;
    internal_state.samplesum := internal_state.samplesum + next_row;
    internal_state.samplecount := internal_state.samplecount + 1;
    RETURN internal_state;
END;
$$ LANGUAGE plpgsql IMMUTABLE STRICT;

CREATE OR REPLACE FUNCTION statistic_set_avg(value statistic_set) RETURNS double precision
AS $$ BEGIN IF value.samplecount = 0 THEN RETURN 0; END IF; RETURN value.samplesum / value.samplecount; END; $$ LANGUAGE plpgsql IMMUTABLE STRICT;
CREATE OR REPLACE FUNCTION statistic_set_min(value statistic_set) RETURNS double precision
AS $$ BEGIN RETURN value.minimum; END; $$ LANGUAGE plpgsql IMMUTABLE STRICT;
CREATE OR REPLACE FUNCTION statistic_set_max(value statistic_set) RETURNS double precision
AS $$ BEGIN RETURN value.maximum; END; $$ LANGUAGE plpgsql IMMUTABLE STRICT;
CREATE OR REPLACE FUNCTION statistic_set_sum(value statistic_set) RETURNS double precision
AS $$ BEGIN RETURN value.samplesum; END; $$ LANGUAGE plpgsql IMMUTABLE STRICT;
CREATE OR REPLACE FUNCTION statistic_set_count(value statistic_set) RETURNS double precision
AS $$ BEGIN RETURN value.samplecount; END; $$ LANGUAGE plpgsql IMMUTABLE STRICT;

CREATE AGGREGATE avg (statistic_set) (
    sfunc = statistic_set_accum, stype = statistic_set, finalfunc = statistic_set_avg,
    initcond = '(1E+308,-1E+308,0,0)', combinefunc = statistic_set_accum, PARALLEL = SAFE
);
CREATE AGGREGATE min (statistic_set) (
    sfunc = statistic_set_accum, stype = statistic_set, finalfunc = statistic_set_min,
    initcond = '(1E+308,-1E+308,0,0)', combinefunc = statistic_set_accum, PARALLEL = SAFE
);
CREATE AGGREGATE max (statistic_set) (
    sfunc = statistic_set_accum, stype = statistic_set, finalfunc = statistic_set_max,
    initcond = '(1E+308,-1E+308,0,0)', combinefunc = statistic_set_accum, PARALLEL = SAFE
);
CREATE AGGREGATE sum (statistic_set) (
    sfunc = statistic_set_accum, stype = statistic_set, finalfunc = statistic_set_sum,
    initcond = '(1E+308,-1E+308,0,0)', combinefunc = statistic_set_accum, PARALLEL = SAFE
);
CREATE AGGREGATE count (statistic_set) (
    sfunc = statistic_set_accum, stype = statistic_set, finalfunc = statistic_set_count,
    initcond = '(1E+308,-1E+308,0,0)', combinefunc = statistic_set_accum, PARALLEL = SAFE
);
`,
	Histogram: `
CREATE DOMAIN histogram AS jsonb;

CREATE OR REPLACE FUNCTION histogram_accumulate(internal_state histogram, next_row double precision) RETURNS histogram
AS $fn$
DECLARE
    bucket text;
    floor_log numeric;
BEGIN
    IF next_row = 0
        THEN bucket := '0';
        ELSE
            floor_log := POW(10, FLOOR(LOG(10, next_row::numeric)));
            bucket := (CEIL(next_row * 2 / floor_log) / 2 * floor_log)::text;
    END IF;
    IF internal_state ? bucket
        THEN internal_state := jsonb_set(internal_state, ARRAY[bucket], to_jsonb((internal_state->bucket)::bigint + 1));
        ELSE internal_state := jsonb_insert(internal_state, ARRAY[bucket], to_jsonb(1));
    END IF;
    RETURN internal_state;
END;
$fn$ LANGUAGE plpgsql STRICT IMMUTABLE PARALLEL SAFE;

CREATE OR REPLACE FUNCTION histogram_combine(internal_state histogram, next_row histogram) RETURNS histogram
AS $fn$
DECLARE
    _key text;
    _value bigint;
BEGIN
    FOR _key, _value IN SELECT * FROM jsonb_each_text(next_row) LOOP
        IF internal_state ? _key
            THEN internal_state := jsonb_set(internal_state, ARRAY[_key], to_jsonb((internal_state->_key)::bigint + _value));
            ELSE internal_state := jsonb_insert(internal_state, ARRAY[_key], to_jsonb(_value));
        END IF;
    END LOOP;
    RETURN internal_state;
END;
$fn$ LANGUAGE plpgsql STRICT IMMUTABLE PARALLEL SAFE;

CREATE OR REPLACE FUNCTION histogram_combine_inv(internal_state histogram, next_row histogram) RETURNS histogram
AS $fn$
DECLARE
    _key text;
    _value bigint;
BEGIN
    FOR _key, _value IN SELECT * FROM jsonb_each_text(next_row) LOOP
        IF internal_state->_key = to_jsonb(_value)
            THEN internal_state := internal_state - _key;
            ELSE internal_state := jsonb_set(internal_state, ARRAY[_key], to_jsonb((internal_state->_key)::bigint - _value));
        END IF;
    END LOOP;
    RETURN internal_state;
END;
$fn$ LANGUAGE plpgsql STRICT IMMUTABLE PARALLEL SAFE;

CREATE OR REPLACE AGGREGATE accumulate_seh(double precision) (
    sfunc = histogram_accumulate, stype = histogram, initcond = '{}',
    combinefunc = histogram_combine, PARALLEL = SAFE
);
CREATE OR REPLACE AGGREGATE accumulate_seh(histogram) (
    sfunc = histogram_combine, stype = histogram, mstype = histogram,
    msfunc = histogram_combine, minvfunc = histogram_combine_inv,
    initcond = '{}', combinefunc = histogram_combine, PARALLEL = SAFE
);

CREATE OR REPLACE FUNCTION buckets(seh histogram) RETURNS TABLE(bucket double precision, count bigint) AS $fn$
    SELECT key::double precision, value::bigint FROM jsonb_each_text(seh)
$fn$ LANGUAGE sql IMMUTABLE STRICT PARALLEL SAFE;
`,
	TDigest: `
CREATE TYPE tdigest_centroid AS (
  mean   double precision,
  weight double precision
);

CREATE DOMAIN tdigest AS text;
`,
}
