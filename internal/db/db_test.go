package db

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/datasource-federation-server/internal/config"
)

func TestDialect_Rebind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		dialect Dialect
		query   string
		want    string
	}{
		{DialectSQLite, "SELECT * FROM configs WHERE name = ? AND kind = ?", "SELECT * FROM configs WHERE name = ? AND kind = ?"},
		{DialectPostgres, "SELECT * FROM configs WHERE name = ? AND kind = ?", "SELECT * FROM configs WHERE name = $1 AND kind = $2"},
		{DialectPostgres, "SELECT 1", "SELECT 1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.dialect.Rebind(tt.query))
	}
}

func TestOpenSQLite_AppliesSchema(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "federation.db")
	d, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer func() { _ = d.Close() }()

	for _, table := range []string{"configs", "composition_members", "config_changes", "query_history", "query_history_sources"} {
		var name string
		err := d.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		require.NoError(t, err, table)
	}

	var fk int
	require.NoError(t, d.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)

	// applying the schema twice is harmless
	require.NoError(t, d.migrate(ctx))
}

func TestOpen_SelectsDialect(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Storage: &config.StorageConfig{
		Type:   config.StorageTypeSQLite,
		SQLite: &config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "f.db")},
	}}
	d, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, DialectSQLite, d.Dialect)
	require.NoError(t, d.Close())

	_, err = Open(context.Background(), &config.Config{})
	assert.Error(t, err)
}

func TestRunTx(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d, err := OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	defer func() { _ = d.Close() }()

	insert := func(tx *sql.Tx, name string) error {
		_, err := tx.ExecContext(ctx, d.Rebind(
			"INSERT INTO configs (name, kind, version, data, created_at, updated_at) VALUES (?, 'source', 1, '{}', 0, 0)"), name)
		return err
	}

	require.NoError(t, d.RunTx(ctx, func(tx *sql.Tx) error { return insert(tx, "payments") }))

	errBoom := errors.New("boom")
	calls := 0
	err = d.RunTx(ctx, func(tx *sql.Tx) error {
		calls++
		if err := insert(tx, "network"); err != nil {
			return err
		}
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 1, calls, "non-busy errors are not retried")

	var count int
	require.NoError(t, d.QueryRowContext(ctx, "SELECT COUNT(*) FROM configs").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestIsBusy(t *testing.T) {
	t.Parallel()

	assert.False(t, IsBusy(nil))
	assert.False(t, IsBusy(context.Canceled))
	assert.True(t, IsBusy(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.False(t, IsBusy(errors.New("UNIQUE constraint failed")))
}
