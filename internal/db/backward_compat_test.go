package db

import (
	"os"
	"path/filepath"
	"testing"
)

// TestBackwardCompat_DBDirPermissions verifies the database directory is
// created private to the user.
func TestBackwardCompat_DBDirPermissions(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "taskbot.db")

	database, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open db: %v", err)
	}
	defer func() { _ = database.Close() }()

	info, err := os.Stat(filepath.Dir(dbPath))
	if err != nil {
		t.Fatalf("stat db dir: %v", err)
	}
	if mode := info.Mode().Perm(); mode != 0700 {
		t.Errorf("DB directory permissions = %o, want %o", mode, 0700)
	}
}

// TestBackwardCompat_ExistingDirStillWorks verifies a pre-existing, more
// permissive directory is accepted as is.
func TestBackwardCompat_ExistingDirStillWorks(t *testing.T) {
	dbDirPath := filepath.Join(t.TempDir(), "olddb")
	if err := os.MkdirAll(dbDirPath, 0755); err != nil {
		t.Fatal(err)
	}

	database, err := Open(filepath.Join(dbDirPath, "taskbot.db"))
	if err != nil {
		t.Fatalf("Open old database: %v", err)
	}
	defer func() { _ = database.Close() }()

	for _, table := range []string{"users", "tasks", "timers"} {
		if !tableExists(t, database.SQL(), table) {
			t.Fatalf("expected table %q to exist", table)
		}
	}
}

// TestBackwardCompat_MigrationIdempotency verifies repeated opens do not
// re-apply migrations.
func TestBackwardCompat_MigrationIdempotency(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "taskbot.db")

	db1, err := Open(dbPath)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	version1, err := CurrentVersion(db1.SQL())
	if err != nil {
		t.Fatalf("get version 1: %v", err)
	}
	if err := db1.Close(); err != nil {
		t.Fatalf("close db1: %v", err)
	}

	db2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer func() { _ = db2.Close() }()

	version2, err := CurrentVersion(db2.SQL())
	if err != nil {
		t.Fatalf("get version 2: %v", err)
	}
	if version1 != version2 {
		t.Errorf("schema version changed after idempotent open: %d -> %d", version1, version2)
	}
	if version2 != len(migrations) {
		t.Errorf("final schema version = %d, want %d", version2, len(migrations))
	}
}
