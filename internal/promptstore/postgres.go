package promptstore

import (
	"context"
	"database/sql"
	stderrors "errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
)

// PostgresStore reads prompts from the call-creation service's database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string, migrate bool) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	if migrate {
		if _, err := MigratePostgres(ctx, databaseURL); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return &PostgresStore{pool: pool}, nil
}

// MigratePostgres runs migrations over a short-lived database/sql handle.
func MigratePostgres(ctx context.Context, databaseURL string) (int, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return 0, errors.Wrap(err, "open postgres for migrations")
	}
	defer db.Close()
	return Migrate(ctx, db, goose.DialectPostgres)
}

func (s *PostgresStore) LookupPrompt(ctx context.Context, callID string) (string, error) {
	var prompt string
	err := s.pool.QueryRow(ctx,
		`SELECT prompt FROM call_prompts WHERE call_id=$1`,
		callID,
	).Scan(&prompt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", errors.Wrap(err, "query prompt")
	}
	return prompt, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
