// Package postgres provides PostgreSQL connection, migration and error helpers.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres" // registers the postgres:// migrate driver
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// Config contains PostgreSQL connection configuration.
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectAttempts int
}

// Connect establishes a connection pool to PostgreSQL with retry logic.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime

	attempts := max(cfg.ConnectAttempts, 1)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		pool, err := open(ctx, poolConfig)
		if err == nil {
			slog.Info("connected to database", "attempts", attempt)
			return pool, nil
		}
		lastErr = err

		if attempt == attempts {
			break
		}

		backoff := calcBackoff(attempt)
		slog.Warn("database not reachable, retrying",
			"attempt", attempt,
			"max_attempts", attempts,
			"backoff", backoff,
			"error", err,
		)
		if !sleep(ctx, backoff) {
			return nil, fmt.Errorf("connection cancelled: %w", ctx.Err())
		}
	}

	return nil, fmt.Errorf("connect to database after %d attempts: %w", attempts, lastErr)
}

func open(ctx context.Context, cfg *pgxpool.Config) (*pgxpool.Pool, error) {
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// Migrate applies all pending migrations found at the root of migrations.
func Migrate(databaseURL string, migrations fs.FS) error {
	src, err := iofs.New(migrations, ".")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			slog.Warn("failed to close migrator", "source_error", srcErr, "db_error", dbErr)
		}
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err == nil {
		slog.Info("database schema up to date", "version", version, "dirty", dirty)
	}
	return nil
}

// IsUniqueViolation reports whether err is a unique constraint violation.
// constraint narrows the match when non-empty.
func IsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// calcBackoff returns exponential backoff duration capped at 16 seconds.
func calcBackoff(attempt int) time.Duration {
	backoff := time.Duration(1<<(attempt-1)) * time.Second
	if backoff > 16*time.Second {
		backoff = 16 * time.Second
	}
	return backoff
}

// sleep waits for duration or context cancellation. Returns false if cancelled.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
