package migrator

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	// Every pooled connection to :memory: is a distinct database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

func writeMigration(t *testing.T, dir, name, content string) {
	t.Helper()

	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("writing migration %s: %v", name, err)
	}
}

func TestParseMigrationFile(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "001_create_things.sql", `-- +migrate Up
CREATE TABLE things (id TEXT PRIMARY KEY);
`)

	migration, err := ParseMigrationFile(filepath.Join(dir, "001_create_things.sql"))
	if err != nil {
		t.Fatalf("ParseMigrationFile failed: %v", err)
	}

	if migration.Version != 1 {
		t.Errorf("Version = %d, want 1", migration.Version)
	}
	if migration.Name != "create_things" {
		t.Errorf("Name = %q, want create_things", migration.Name)
	}
	if migration.NoTransaction {
		t.Error("NoTransaction should default to false")
	}
	if migration.UpSQL != "CREATE TABLE things (id TEXT PRIMARY KEY);" {
		t.Errorf("UpSQL = %q", migration.UpSQL)
	}
}

func TestParseMigrationFile_NoTransaction(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "001_concurrent_index.sql", `-- +migrate Up notransaction
CREATE INDEX things_idx ON things (id);
`)

	migration, err := ParseMigrationFile(filepath.Join(dir, "001_concurrent_index.sql"))
	if err != nil {
		t.Fatalf("ParseMigrationFile failed: %v", err)
	}
	if !migration.NoTransaction {
		t.Error("NoTransaction should be set")
	}
}

func TestParseMigrationFile_MissingMarker(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "001_bad.sql", `CREATE TABLE things (id TEXT);`)

	if _, err := ParseMigrationFile(filepath.Join(dir, "001_bad.sql")); err == nil {
		t.Fatal("expected error for missing Up marker")
	}
}

func TestParseMigrationFile_BadFilename(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "1_bad.sql", "-- +migrate Up\nSELECT 1;")

	if _, err := ParseMigrationFile(filepath.Join(dir, "1_bad.sql")); err == nil {
		t.Fatal("expected error for malformed filename")
	}
}

func TestLoadMigrations_SortedAndValidated(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "002_second.sql", "-- +migrate Up\nSELECT 2;")
	writeMigration(t, dir, "001_first.sql", "-- +migrate Up\nSELECT 1;")
	writeMigration(t, dir, "README.md", "not a migration")

	migrations, err := LoadMigrations(dir)
	if err != nil {
		t.Fatalf("LoadMigrations failed: %v", err)
	}

	if len(migrations) != 2 {
		t.Fatalf("got %d migrations, want 2", len(migrations))
	}
	if migrations[0].Version != 1 || migrations[1].Version != 2 {
		t.Errorf("migrations out of order: %v, %v", migrations[0].Version, migrations[1].Version)
	}
}

func TestLoadMigrations_GapDetected(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "001_first.sql", "-- +migrate Up\nSELECT 1;")
	writeMigration(t, dir, "003_third.sql", "-- +migrate Up\nSELECT 3;")

	if _, err := LoadMigrations(dir); err == nil {
		t.Fatal("expected error for version gap")
	}
}

func TestRunMigrations(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "001_create_things.sql", `-- +migrate Up
CREATE TABLE things (id TEXT PRIMARY KEY);
`)
	writeMigration(t, dir, "002_add_name.sql", `-- +migrate Up
ALTER TABLE things ADD COLUMN name TEXT;
`)

	db := newTestDB(t)

	if err := RunMigrations(db, "sqlite3", dir); err != nil {
		t.Fatalf("RunMigrations failed: %v", err)
	}

	version, err := GetCurrentVersion(db)
	if err != nil {
		t.Fatalf("GetCurrentVersion failed: %v", err)
	}
	if version != 2 {
		t.Errorf("version = %d, want 2", version)
	}

	// Schema is actually usable
	if _, err := db.Exec(`INSERT INTO things (id, name) VALUES ('a', 'first')`); err != nil {
		t.Errorf("migrated schema not usable: %v", err)
	}
}

func TestRunMigrations_Idempotent(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "001_create_things.sql", `-- +migrate Up
CREATE TABLE things (id TEXT PRIMARY KEY);
`)

	db := newTestDB(t)

	if err := RunMigrations(db, "sqlite3", dir); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if err := RunMigrations(db, "sqlite3", dir); err != nil {
		t.Fatalf("second run must be a no-op: %v", err)
	}

	applied, err := GetAppliedMigrations(db)
	if err != nil {
		t.Fatalf("GetAppliedMigrations failed: %v", err)
	}
	if len(applied) != 1 {
		t.Errorf("got %d applied migrations, want 1", len(applied))
	}
}

func TestGetCurrentVersion_NoTable(t *testing.T) {
	db := newTestDB(t)

	version, err := GetCurrentVersion(db)
	if err != nil {
		t.Fatalf("GetCurrentVersion failed: %v", err)
	}
	if version != 0 {
		t.Errorf("version = %d, want 0", version)
	}
}
