package store

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func openRawDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "raw.db"))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrateDB(t *testing.T) {
	db := openRawDB(t)

	status, err := GetMigrationStatus(db)
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if status.CurrentVersion != 0 || len(status.Pending) != len(migrations) {
		t.Fatalf("unexpected fresh status: %+v", status)
	}

	if err := MigrateDB(db); err != nil {
		t.Fatalf("MigrateDB failed: %v", err)
	}
	// Running again is a no-op.
	if err := MigrateDB(db); err != nil {
		t.Fatalf("second MigrateDB failed: %v", err)
	}

	status, err = GetMigrationStatus(db)
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if status.CurrentVersion != status.LatestVersion {
		t.Errorf("expected version %d, got %d", status.LatestVersion, status.CurrentVersion)
	}
	if len(status.Pending) != 0 {
		t.Errorf("expected no pending migrations, got %d", len(status.Pending))
	}
	if len(status.Applied) != len(migrations) {
		t.Errorf("expected %d applied, got %d", len(migrations), len(status.Applied))
	}

	if err := ValidateSchema(db); err != nil {
		t.Errorf("ValidateSchema failed: %v", err)
	}
}

func TestRollbackMigration(t *testing.T) {
	db := openRawDB(t)
	if err := MigrateDB(db); err != nil {
		t.Fatalf("MigrateDB failed: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO names (type, value, variation, name, updated_ns, row_hash)
		VALUES ('ethereum address', ?, '0x1', 'alice', 1, x'00')`, addr1); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	if err := RollbackMigration(db); err != nil {
		t.Fatalf("RollbackMigration failed: %v", err)
	}
	if err := ValidateSchema(db); err == nil {
		t.Error("expected ValidateSchema to report the missing row_hash column")
	}

	// Rows survive the v2 rollback.
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM names").Scan(&n); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 row after rollback, got %d", n)
	}

	// Migrating forward again restores the column.
	if err := MigrateDB(db); err != nil {
		t.Fatalf("re-migrate failed: %v", err)
	}
	if err := ValidateSchema(db); err != nil {
		t.Errorf("ValidateSchema failed: %v", err)
	}
}

func TestRollbackNothing(t *testing.T) {
	db := openRawDB(t)
	if _, err := db.Exec(`CREATE TABLE schema_migrations (version INTEGER PRIMARY KEY, applied_at INTEGER NOT NULL, description TEXT)`); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := RollbackMigration(db); err == nil {
		t.Error("expected error rolling back an empty database")
	}
}

func TestOpenBackfillsHashes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "names.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := MigrateDB(db); err != nil {
		t.Fatalf("MigrateDB failed: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO names (type, value, variation, name, updated_ns)
		VALUES ('ethereum address', ?, '0x1', 'alice', 1)`, addr1); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	db.Close()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	corrupted, err := s.VerifyAll()
	if err != nil {
		t.Fatalf("VerifyAll failed: %v", err)
	}
	if len(corrupted) != 0 {
		t.Errorf("backfilled row flagged as corrupted: %v", corrupted)
	}
}
