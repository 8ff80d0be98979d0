// Package postgres implements the license ledger and activation store on
// PostgreSQL through database/sql and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"mailreg/internal/config"
	apperrors "mailreg/internal/errors"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const uniqueViolation = "23505"

// DB wraps the connection pool with the per-query timeout.
type DB struct {
	*sql.DB
	queryTimeout time.Duration
	logger       *slog.Logger
}

// New wraps an open pool.
func New(db *sql.DB, queryTimeout time.Duration, logger *slog.Logger) *DB {
	if queryTimeout <= 0 {
		queryTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DB{
		DB:           db,
		queryTimeout: queryTimeout,
		logger:       logger.With(slog.String("component", "postgres")),
	}
}

// Connect opens the pool described by cfg and pings it.
func Connect(ctx context.Context, cfg config.LedgerConfig, logger *slog.Logger) (*DB, error) {
	sqlDB, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	db := New(sqlDB, cfg.QueryTimeout, logger)
	if err := db.Ping(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.logger.InfoContext(ctx, "postgres connected",
		slog.Int("max_open_conns", cfg.MaxOpenConns),
		slog.Duration("query_timeout", db.queryTimeout))
	return db, nil
}

// Ping checks connectivity within the query timeout.
func (db *DB) Ping(ctx context.Context) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()
	return storeError("ping", db.PingContext(ctx))
}

// RunMigrations applies the embedded SQL migrations in lexical order. Every
// migration is idempotent.
func (db *DB) RunMigrations(ctx context.Context) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		raw, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := db.ExecContext(ctx, string(raw)); err != nil {
			return fmt.Errorf("exec migration %s: %w", name, err)
		}
		db.logger.InfoContext(ctx, "migration applied", slog.String("migration", name))
	}
	return nil
}

// MigrationNames lists the embedded migrations in application order.
func MigrationNames() []string {
	entries, _ := migrationFS.ReadDir("migrations")
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func (db *DB) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, db.queryTimeout)
}

// storeError classifies driver errors. Unique violations become
// ErrDuplicateKey; every other failure means the store could not serve the
// request.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w: %s", op, apperrors.ErrDuplicateKey, pqErr.Constraint)
	}
	return fmt.Errorf("%s: %w: %v", op, apperrors.ErrStoreUnavailable, err)
}
