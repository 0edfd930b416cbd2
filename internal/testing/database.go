package testing

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/teranos/tempo/db"
)

// CreateTestDB creates a migrated SQLite database in a temp directory.
// A file is used instead of :memory: so every pooled connection (and every
// simulated cluster node) sees the same data. Cleanup is registered via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()
	return OpenTestDB(t, filepath.Join(t.TempDir(), "tempo_test.db"))
}

// OpenTestDB opens (and migrates) the database at path. Calling it twice with
// the same path yields two independent handles on one store.
func OpenTestDB(t *testing.T, path string) *sql.DB {
	t.Helper()

	conn, err := db.OpenWithMigrations(path, db.DriverCGO, nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}
