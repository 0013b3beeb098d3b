package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
)

// migrationLockKey serializes migration runs across processes sharing a
// database.
const migrationLockKey = 0x636f7572

var migrationFile = regexp.MustCompile(`^(\d+)_[A-Za-z0-9_]+\.(up|down)\.sql$`)

// Migration is one numbered schema change with its reversal.
type Migration struct {
	// Name is the up file name, which is also the key recorded in
	// schema_migrations.
	Name string
	Up   string
	Down string
}

// LoadMigrations reads the paired *.up.sql and *.down.sql files in dir,
// ordered by version. A version missing either half is an error.
func LoadMigrations(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	type pair struct{ up, down string }
	byVersion := map[string]*pair{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationFile.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		p := byVersion[match[1]]
		if p == nil {
			p = &pair{}
			byVersion[match[1]] = p
		}
		slot := &p.up
		if match[2] == "down" {
			slot = &p.down
		}
		if *slot != "" {
			return nil, fmt.Errorf("migration %s has more than one %s file", match[1], match[2])
		}
		*slot = entry.Name()
	}

	versions := make([]string, 0, len(byVersion))
	for v := range byVersion {
		versions = append(versions, v)
	}
	sort.Strings(versions)

	migrations := make([]Migration, 0, len(versions))
	for _, v := range versions {
		p := byVersion[v]
		if p.up == "" || p.down == "" {
			return nil, fmt.Errorf("migration %s needs both up and down files", v)
		}
		up, err := os.ReadFile(filepath.Join(dir, p.up))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", p.up, err)
		}
		down, err := os.ReadFile(filepath.Join(dir, p.down))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", p.down, err)
		}
		migrations = append(migrations, Migration{Name: p.up, Up: string(up), Down: string(down)})
	}
	return migrations, nil
}

// ApplyMigrations runs every pending migration in dir, each in its own
// transaction, and returns the names applied.
func ApplyMigrations(ctx context.Context, db *sql.DB, dir string) ([]string, error) {
	migrations, err := LoadMigrations(dir)
	if err != nil {
		return nil, err
	}
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return nil, err
	}

	var applied []string
	for _, m := range migrations {
		ran, err := runMigration(ctx, db, m.Name, func(tx *sql.Tx, done bool) (bool, error) {
			if done {
				return false, nil
			}
			if _, err := tx.ExecContext(ctx, m.Up); err != nil {
				return false, fmt.Errorf("execute migration %s: %w", m.Name, err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, m.Name); err != nil {
				return false, fmt.Errorf("record migration %s: %w", m.Name, err)
			}
			return true, nil
		})
		if err != nil {
			return applied, err
		}
		if ran {
			applied = append(applied, m.Name)
		}
	}
	return applied, nil
}

// RollbackMigrations reverts the newest steps applied migrations and returns
// their names, newest first.
func RollbackMigrations(ctx context.Context, db *sql.DB, dir string, steps int) ([]string, error) {
	migrations, err := LoadMigrations(dir)
	if err != nil {
		return nil, err
	}
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return nil, err
	}

	var reverted []string
	for i := len(migrations) - 1; i >= 0 && len(reverted) < steps; i-- {
		m := migrations[i]
		ran, err := runMigration(ctx, db, m.Name, func(tx *sql.Tx, done bool) (bool, error) {
			if !done {
				return false, nil
			}
			if _, err := tx.ExecContext(ctx, m.Down); err != nil {
				return false, fmt.Errorf("revert migration %s: %w", m.Name, err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version=$1`, m.Name); err != nil {
				return false, fmt.Errorf("unrecord migration %s: %w", m.Name, err)
			}
			return true, nil
		})
		if err != nil {
			return reverted, err
		}
		if ran {
			reverted = append(reverted, m.Name)
		}
	}
	return reverted, nil
}

// runMigration holds the migration lock for one transaction and hands fn
// whether name is currently recorded as applied.
func runMigration(ctx context.Context, db *sql.DB, name string, fn func(tx *sql.Tx, applied bool) (bool, error)) (bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin migration tx %s: %w", name, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
		return false, fmt.Errorf("lock migrations: %w", err)
	}
	var applied bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, name).Scan(&applied); err != nil {
		return false, fmt.Errorf("check migration %s: %w", name, err)
	}
	ran, err := fn(tx, applied)
	if err != nil || !ran {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit migration %s: %w", name, err)
	}
	return true, nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}
