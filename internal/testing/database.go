// Package testing holds test-only setup helpers that any package's test
// suite can import instead of reinventing the same setup.
package testing

import (
	"database/sql"
	"testing"

	"github.com/webgrid-go/webgrid/internal/archiver"
)

// CreateTestDB opens an in-memory archiver SQLite database with every
// migration applied. Automatically registers cleanup via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	database, err := archiver.OpenDB(":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		database.Close()
	})

	return database
}
