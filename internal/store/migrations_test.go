package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var migrationsDir = filepath.Join("..", "..", "db", "migrations")

func TestLoadMigrationsFromRepo(t *testing.T) {
	migrations, err := LoadMigrations(migrationsDir)
	if err != nil {
		t.Fatalf("LoadMigrations: %v", err)
	}
	if len(migrations) == 0 {
		t.Fatal("no migrations discovered")
	}
	for _, m := range migrations {
		if strings.TrimSpace(m.Up) == "" || strings.TrimSpace(m.Down) == "" {
			t.Fatalf("migration %s has an empty half", m.Name)
		}
	}
}

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func TestLoadMigrationsOrdersAndPairs(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"0002_second.up.sql":   "CREATE TABLE b();",
		"0002_second.down.sql": "DROP TABLE b;",
		"0001_first.up.sql":    "CREATE TABLE a();",
		"0001_first.down.sql":  "DROP TABLE a;",
		"README.md":            "ignored",
	})
	migrations, err := LoadMigrations(dir)
	if err != nil {
		t.Fatalf("LoadMigrations: %v", err)
	}
	if len(migrations) != 2 || migrations[0].Name != "0001_first.up.sql" || migrations[1].Down != "DROP TABLE b;" {
		t.Fatalf("unexpected migrations: %+v", migrations)
	}
}

func TestLoadMigrationsRejectsMissingHalf(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"0001_first.up.sql": "CREATE TABLE a();",
	})
	if _, err := LoadMigrations(dir); err == nil || !strings.Contains(err.Error(), "both up and down") {
		t.Fatalf("expected a pairing error, got %v", err)
	}
	if _, err := LoadMigrations(filepath.Join(dir, "missing")); err == nil {
		t.Fatal("expected an error for a missing directory")
	}
}

func TestMemoryStoreRejectsDuplicateIDs(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	course := Course{ID: "crs_1", OwnerID: "usr_1", Title: "A", Architecture: ArchitectureSections}
	if err := st.InsertCourse(ctx, course); err != nil {
		t.Fatalf("InsertCourse: %v", err)
	}
	if err := st.InsertCourse(ctx, course); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

// openTestDB returns a freshly migrated database, or skips when
// TEST_DATABASE_URL is unset.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if _, err := ApplyMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return db
}

func TestMigrationsRoundTripPostgres(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	again, err := ApplyMigrations(ctx, db, migrationsDir)
	if err != nil || len(again) != 0 {
		t.Fatalf("second apply should be a no-op, applied=%v err=%v", again, err)
	}

	migrations, err := LoadMigrations(migrationsDir)
	if err != nil {
		t.Fatalf("LoadMigrations: %v", err)
	}
	reverted, err := RollbackMigrations(ctx, db, migrationsDir, len(migrations))
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if len(reverted) != len(migrations) {
		t.Fatalf("expected %d reverted, got %v", len(migrations), reverted)
	}

	applied, err := ApplyMigrations(ctx, db, migrationsDir)
	if err != nil {
		t.Fatalf("apply up migrations (pass 2): %v", err)
	}
	if len(applied) != len(migrations) {
		t.Fatalf("expected %d applied, got %v", len(migrations), applied)
	}
}
