package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
)

// Schema is the Postgres DDL shared by the SQL drivers. It is idempotent.
//
//go:embed schema.sql
var Schema string

// Execer is satisfied by *sql.DB and *sqlx.DB.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Migrate applies Schema.
func Migrate(ctx context.Context, db Execer) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// ActiveStages are the stages ListActive returns.
var ActiveStages = []string{"draft", "approved", "live", "ending"}
