package queue

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"
)

func openRawDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "raw.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func countRows(t *testing.T, db *sql.DB, query string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(query).Scan(&n))
	return n
}

func TestApplyMigrationsRunsOnce(t *testing.T) {
	ctx := context.Background()
	db := openRawDB(t)
	files := fstest.MapFS{
		"001_create.sql": &fstest.MapFile{Data: []byte("-- +migrate Up\nCREATE TABLE items(id INTEGER PRIMARY KEY);\n-- +migrate Down\nDROP TABLE items;")},
	}

	require.NoError(t, applyMigrations(ctx, db, files, ""))
	require.NoError(t, applyMigrations(ctx, db, files, ""))
	require.Equal(t, 1, countRows(t, db, "SELECT COUNT(*) FROM schema_migrations"))
	require.Equal(t, 0, countRows(t, db, "SELECT COUNT(*) FROM items"))
}

func TestApplyMigrationsLeavesFailedMigrationUnrecorded(t *testing.T) {
	ctx := context.Background()
	db := openRawDB(t)
	bad := fstest.MapFS{
		"001_bad.sql": &fstest.MapFile{Data: []byte("-- +migrate Up\nCREAT TABLE broken(id INT);")},
	}

	require.Error(t, applyMigrations(ctx, db, bad, ""))
	require.Equal(t, 0, countRows(t, db, "SELECT COUNT(*) FROM schema_migrations"))
}

func TestUpSection(t *testing.T) {
	require.Equal(t, "\nSELECT 1;\n", upSection("-- +migrate Up\nSELECT 1;\n-- +migrate Down\nSELECT 2;"))
	require.Equal(t, "SELECT 3;", upSection("SELECT 3;"))
}
