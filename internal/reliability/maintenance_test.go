package reliability

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianfo/vigil/internal/chain"
	"github.com/meridianfo/vigil/internal/database"
)

func setupMaintenanceArchive(t *testing.T, dir string) (*database.DB, *chain.SQLiteArchive) {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    filepath.Join(dir, "chain_archive.db"),
		Profile: database.ProfileLedger,
		Name:    "chain_archive",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	archive, err := chain.NewSQLiteArchive(db, zerolog.Nop())
	require.NoError(t, err)
	return db, archive
}

func appendAuditBlocks(t *testing.T, c *chain.Chain, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := c.Add(map[string]any{
			"event_type": "market_event_detected",
			"event_id":   "mkt_maint_001",
			"session_id": "sess_maint",
			"actor":      "gateway",
			"action":     "event_received",
		})
		require.NoError(t, err)
	}
}

func TestMaintenanceJob_Run(t *testing.T) {
	dir := t.TempDir()
	db, archive := setupMaintenanceArchive(t, dir)

	c := chain.New(chain.Options{Archive: archive}, zerolog.Nop())
	appendAuditBlocks(t, c, 2)

	job := NewMaintenanceJob(c, db, archive, dir, zerolog.Nop())
	assert.Equal(t, "maintenance", job.Name())
	require.NoError(t, job.Run())
}

func TestMaintenanceJob_RunWithoutArchive(t *testing.T) {
	c := chain.New(chain.Options{}, zerolog.Nop())
	appendAuditBlocks(t, c, 1)

	job := NewMaintenanceJob(c, nil, nil, t.TempDir(), zerolog.Nop())
	require.NoError(t, job.Run())
}

func TestMaintenanceJob_ResyncsLaggingArchive(t *testing.T) {
	dir := t.TempDir()
	db, archive := setupMaintenanceArchive(t, dir)

	// The archive is not wired into the chain, so it falls behind
	c := chain.New(chain.Options{}, zerolog.Nop())
	appendAuditBlocks(t, c, 3)

	count, err := archive.Count()
	require.NoError(t, err)
	require.Zero(t, count)

	job := NewMaintenanceJob(c, db, archive, dir, zerolog.Nop())
	require.NoError(t, job.Run())

	count, err = archive.Count()
	require.NoError(t, err)
	assert.Equal(t, c.Len(), count)
}
