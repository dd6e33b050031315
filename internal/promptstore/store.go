package promptstore

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/ent0n29/callrelay/internal/reliability"
)

// ErrNotFound is returned when no prompt is stored for a call.
var ErrNotFound = stderrors.New("prompt not found")

// Store is the read side of the relational prompt store owned by the
// call-creation service.
type Store interface {
	LookupPrompt(ctx context.Context, callID string) (string, error)
	Ping(ctx context.Context) error
	Close() error
}

// Options selects a backend. DatabaseURL wins over RedisURL; with neither the
// store is in-memory and always empty.
type Options struct {
	DatabaseURL string
	RedisURL    string
	// Migrate applies embedded schema migrations on open (SQL backends).
	Migrate bool
	// PingAttempts bounds startup connectivity retries.
	PingAttempts int
}

// Open builds the backend named by the configured URLs.
func Open(ctx context.Context, opts Options, logger zerolog.Logger) (Store, error) {
	dsn := strings.TrimSpace(opts.DatabaseURL)
	var (
		store Store
		err   error
		kind  string
	)
	switch {
	case isPostgresURL(dsn):
		kind = "postgres"
		store, err = NewPostgresStore(ctx, dsn, opts.Migrate)
	case isSQLiteURL(dsn):
		kind = "sqlite"
		store, err = NewSQLiteStore(ctx, sqlitePath(dsn), opts.Migrate)
	case dsn != "":
		return nil, errors.Errorf("unsupported DATABASE_URL scheme in %q", redactDSN(dsn))
	case strings.TrimSpace(opts.RedisURL) != "":
		kind = "redis"
		store, err = NewRedisStore(opts.RedisURL)
	default:
		kind = "memory"
		store = NewInMemoryStore()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open %s prompt store", kind)
	}

	if err := pingWithBackoff(ctx, store, opts.PingAttempts, logger); err != nil {
		_ = store.Close()
		return nil, errors.Wrapf(err, "ping %s prompt store", kind)
	}
	logger.Info().Str("backend", kind).Msg("prompt store ready")
	return store, nil
}

func pingWithBackoff(ctx context.Context, store Store, attempts int, logger zerolog.Logger) error {
	if attempts <= 0 {
		attempts = 3
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = store.Ping(ctx); err == nil {
			return nil
		}
		wait := reliability.ExponentialBackoff(attempt, 200*time.Millisecond, 2*time.Second)
		logger.Warn().Err(err).Int("attempt", attempt+1).Dur("retry_in", wait).Msg("prompt store ping failed")
		if attempt == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}

func isPostgresURL(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

func isSQLiteURL(dsn string) bool {
	return strings.HasPrefix(dsn, "sqlite://") || strings.HasPrefix(dsn, "sqlite:") || strings.HasPrefix(dsn, "file:")
}

func sqlitePath(dsn string) string {
	switch {
	case strings.HasPrefix(dsn, "sqlite://"):
		return strings.TrimPrefix(dsn, "sqlite://")
	case strings.HasPrefix(dsn, "sqlite:"):
		return strings.TrimPrefix(dsn, "sqlite:")
	default:
		return dsn
	}
}

func redactDSN(dsn string) string {
	if i := strings.Index(dsn, "@"); i > 0 {
		if j := strings.Index(dsn, "://"); j >= 0 && j < i {
			return dsn[:j+3] + "***" + dsn[i:]
		}
	}
	return dsn
}
