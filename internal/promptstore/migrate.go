package promptstore

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"
	"strings"

	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrate applies the embedded migrations for dialect and returns the number
// of migrations that ran.
func Migrate(ctx context.Context, db *sql.DB, dialect goose.Dialect) (int, error) {
	dir := "migrations/postgres"
	if dialect == goose.DialectSQLite3 {
		dir = "migrations/sqlite"
	}
	sub, err := fs.Sub(migrationsFS, dir)
	if err != nil {
		return 0, errors.Wrap(err, "open embedded migrations")
	}
	provider, err := goose.NewProvider(dialect, db, sub)
	if err != nil {
		return 0, errors.Wrap(err, "create migration provider")
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "apply migrations")
	}
	return len(results), nil
}

// MigrateURL applies migrations to the SQL database named by dsn.
func MigrateURL(ctx context.Context, dsn string) (int, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case isPostgresURL(dsn):
		return MigratePostgres(ctx, dsn)
	case isSQLiteURL(dsn):
		store, err := NewSQLiteStore(ctx, sqlitePath(dsn), false)
		if err != nil {
			return 0, err
		}
		defer store.Close()
		return Migrate(ctx, store.DB(), goose.DialectSQLite3)
	case dsn == "":
		return 0, errors.New("DATABASE_URL is not set")
	default:
		return 0, errors.Errorf("unsupported DATABASE_URL scheme in %q", redactDSN(dsn))
	}
}
