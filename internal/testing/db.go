// Package testing provides shared fixtures and database helpers for vigil
// tests. Import it aliased (testingpkg) to avoid clashing with the standard
// library testing package.
package testing

import (
	"path/filepath"
	"testing"

	"github.com/meridianfo/vigil/internal/database"
)

// NewTestDB opens a throwaway SQLite database in a per-test temp directory
// and closes it when the test finishes. The profile follows the database
// name: the chain archive gets the ledger profile, everything else cache.
func NewTestDB(t *testing.T, name string) *database.DB {
	t.Helper()

	profile := database.ProfileCache
	if name == "chain_archive" {
		profile = database.ProfileLedger
	}

	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), name+".db"),
		Profile: profile,
		Name:    name,
	})
	if err != nil {
		t.Fatalf("Failed to create test database %s: %v", name, err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}
