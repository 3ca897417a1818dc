// Package db opens the SQL databases backing the configuration store and the
// query history, and applies their schema.
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/stacklok/datasource-federation-server/internal/config"
)

//go:embed schema/*.sql
var schemaFS embed.FS

const (
	sqliteBusyTimeoutMs = 10_000
	pingMaxTries        = 5
	txMaxTries          = 4
)

// DB is a database handle that knows its dialect
type DB struct {
	*sql.DB
	Dialect Dialect

	pool *pgxpool.Pool
}

// Rebind rewrites ? placeholders for the handle's dialect
func (d *DB) Rebind(query string) string {
	return d.Dialect.Rebind(query)
}

// Close closes the database and any underlying pool
func (d *DB) Close() error {
	err := d.DB.Close()
	if d.pool != nil {
		d.pool.Close()
	}
	return err
}

// OpenSQLite opens an SQLite database at path with WAL, busy timeout and
// foreign keys enabled, and applies the schema. ":memory:" opens a private
// in-memory database on a single connection.
func OpenSQLite(ctx context.Context, path string) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if path == ":memory:" {
		// every connection to :memory: is a separate database
		sqlDB.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", sqliteBusyTimeoutMs),
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := sqlDB.ExecContext(ctx, p); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", p, err)
		}
	}

	db := &DB{DB: sqlDB, Dialect: DialectSQLite}
	if err := db.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	slog.Info("SQLite database opened", "path", path)
	return db, nil
}

// OpenPostgres connects to PostgreSQL through a pgx pool exposed as database/sql,
// waits for the server to answer and applies the schema.
func OpenPostgres(ctx context.Context, cfg *config.DatabaseConfig) (*DB, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database configuration is required")
	}

	connStr, err := cfg.GetConnectionString()
	if err != nil {
		return nil, err
	}

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database connection string: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if lifetime := cfg.GetConnMaxLifetime(); lifetime > 0 {
		poolConfig.MaxConnLifetime = lifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection pool: %w", err)
	}

	db := &DB{DB: stdlib.OpenDBFromPool(pool), Dialect: DialectPostgres, pool: pool}

	if err := pingWithRetry(ctx, db.DB); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	slog.Info("Database connection pool created successfully",
		"host", cfg.Host,
		"database", cfg.Database,
	)
	return db, nil
}

// Open opens the database selected by the storage configuration
func Open(ctx context.Context, cfg *config.Config) (*DB, error) {
	switch cfg.GetStorageType() {
	case config.StorageTypeSQLite:
		return OpenSQLite(ctx, cfg.GetSQLitePath())
	case config.StorageTypeDatabase:
		return OpenPostgres(ctx, cfg.Storage.Database)
	default:
		return nil, fmt.Errorf("storage type %q has no database", cfg.GetStorageType())
	}
}

func pingWithRetry(ctx context.Context, sqlDB *sql.DB) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := sqlDB.PingContext(ctx); err != nil {
			slog.Warn("Database not ready, retrying", "error", err)
			return struct{}{}, err
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(pingMaxTries),
	)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return nil
}

func (d *DB) migrate(ctx context.Context) error {
	schema, err := schemaFS.ReadFile("schema/" + string(d.Dialect) + ".sql")
	if err != nil {
		return fmt.Errorf("no schema for dialect %s: %w", d.Dialect, err)
	}
	for _, stmt := range strings.Split(string(schema), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := d.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// RunTx runs fn in a transaction, retrying when SQLite reports the database as busy.
// Errors returned by fn are never retried unless they are busy errors themselves.
func (d *DB) RunTx(ctx context.Context, fn func(*sql.Tx) error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := d.runTxOnce(ctx, fn)
		if err != nil && !IsBusy(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(&backoff.ConstantBackOff{Interval: 100 * time.Millisecond}),
		backoff.WithMaxTries(txMaxTries),
	)
	return err
}

func (d *DB) runTxOnce(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// IsBusy reports whether err is an SQLite lock contention error
func IsBusy(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}
