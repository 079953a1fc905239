package db

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatestMigrationVersion(t *testing.T) {
	latest, err := LatestMigrationVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), latest)
}

func TestNewDB_MigratesToLatest(t *testing.T) {
	database := setupTestDB(t)

	version, dirty, err := database.MigrateVersion()
	require.NoError(t, err)
	assert.False(t, dirty)

	latest, err := LatestMigrationVersion()
	require.NoError(t, err)
	assert.Equal(t, latest, version)

	// reopening an up-to-date database is a no-op
	require.NoError(t, database.MigrateUp())
}

func TestMigrateDownAndUp(t *testing.T) {
	database := setupTestDB(t)

	require.NoError(t, database.MigrateDown())
	version, _, err := database.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(0), version)

	var n int
	require.NoError(t, database.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'bursts'`).Scan(&n))
	assert.Equal(t, 0, n)

	require.NoError(t, database.MigrateUp())
	require.NoError(t, database.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'bursts'`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestRunMigrateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cli.db")

	var out bytes.Buffer
	require.NoError(t, RunMigrateCommand([]string{"status"}, path, &out))
	assert.Contains(t, out.String(), "Current version: 0")
	assert.Contains(t, out.String(), "1 migration(s) pending")

	out.Reset()
	require.NoError(t, RunMigrateCommand([]string{"up"}, path, &out))
	assert.Contains(t, out.String(), "Current version: 1 (dirty: false)")

	out.Reset()
	require.NoError(t, RunMigrateCommand([]string{"status"}, path, &out))
	assert.Contains(t, out.String(), "Schema is up to date")

	out.Reset()
	require.NoError(t, RunMigrateCommand([]string{"force", "1"}, path, &out))
	assert.Contains(t, out.String(), "Forced version to 1")

	out.Reset()
	require.NoError(t, RunMigrateCommand([]string{"down"}, path, &out))
	assert.Contains(t, out.String(), "Current version: 0")
}

func TestRunMigrateCommand_Errors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cli.db")
	var out bytes.Buffer

	assert.Error(t, RunMigrateCommand(nil, path, &out))
	assert.Contains(t, out.String(), "Usage: uartsniff migrate")

	assert.Error(t, RunMigrateCommand([]string{"sideways"}, path, &out))
	assert.Error(t, RunMigrateCommand([]string{"force"}, path, &out))
	assert.Error(t, RunMigrateCommand([]string{"force", "x"}, path, &out))
	assert.NoError(t, RunMigrateCommand([]string{"help"}, path, &out))
}
