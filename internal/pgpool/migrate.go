package pgpool

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	goose "github.com/pressly/goose/v3"
)

//go:embed migrations/postgresql/*.sql
var migrationsFS embed.FS

// Migrate applies all pending goose migrations for the ingest-diagnostics
// audit table against db.
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations/postgresql"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
