// Package pgpool opens and migrates the PostgreSQL connection pool shared
// by the schema-on-write sink and the ingest audit log.
package pgpool

import (
	"context"
	"fmt"

	"database/sql"

	_ "github.com/lib/pq"
	"github.com/nicolastakashi/prom-analytics-proxy/internal/config"
	"github.com/uptrace/opentelemetry-go-extra/otelsql"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// Open dials the configured PostgreSQL server, instrumented with otelsql,
// applies pool sizing, and pings it before returning.
func Open(ctx context.Context, cfg config.PostgreSQLConfig) (*sql.DB, error) {
	db, err := otelsql.Open("postgres", dsn(cfg), otelsql.WithAttributes(semconv.DBSystemPostgreSQL))
	if err != nil {
		return nil, fmt.Errorf("opening postgresql connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}

	return db, nil
}

func dsn(cfg config.PostgreSQLConfig) string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Addr, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)
}
