package db_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portdaddy/portdaddy/internal/daemon/db"
)

func TestOpenAndMigrate_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.db")

	sqlDB, err := db.Open(path)
	require.NoError(t, err)
	defer sqlDB.Close()

	require.NoError(t, db.Migrate(sqlDB))
	require.NoError(t, db.Migrate(sqlDB), "re-running migrations is a no-op")

	var mode string
	require.NoError(t, sqlDB.QueryRow(`PRAGMA journal_mode`).Scan(&mode))
	assert.Equal(t, "wal", mode)

	var fk int
	require.NoError(t, sqlDB.QueryRow(`PRAGMA foreign_keys`).Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestOpen_InMemory(t *testing.T) {
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	defer sqlDB.Close()
	require.NoError(t, db.Migrate(sqlDB))

	var n int
	require.NoError(t, sqlDB.QueryRow(`SELECT count(*) FROM services`).Scan(&n))
	assert.Zero(t, n)
}

func TestReclaim_RemovesOrphans(t *testing.T) {
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	defer sqlDB.Close()
	require.NoError(t, db.Migrate(sqlDB))

	// Plant orphans the way an older daemon without enforced foreign
	// keys would have left them.
	_, err = sqlDB.Exec(`PRAGMA foreign_keys=OFF`)
	require.NoError(t, err)
	_, err = sqlDB.Exec(`INSERT INTO session_files (session_id, file_path, claimed_at) VALUES ('ghost', 'a.go', 0)`)
	require.NoError(t, err)
	_, err = sqlDB.Exec(`INSERT INTO session_notes (session_id, content, created_at) VALUES ('ghost', 'x', 0)`)
	require.NoError(t, err)
	_, err = sqlDB.Exec(`PRAGMA foreign_keys=ON`)
	require.NoError(t, err)

	require.NoError(t, db.Reclaim(context.Background(), sqlDB))

	var files, notes int
	require.NoError(t, sqlDB.QueryRow(`SELECT count(*) FROM session_files`).Scan(&files))
	require.NoError(t, sqlDB.QueryRow(`SELECT count(*) FROM session_notes`).Scan(&notes))
	assert.Zero(t, files)
	assert.Zero(t, notes)
}
