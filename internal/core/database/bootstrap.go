package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

//go:embed scripts/migrations/*.sql
var migrationFS embed.FS

// Held for the duration of each migration transaction so concurrent
// starts apply every version exactly once.
const migrationLockKey = 0x5370726f7574 // "Sprout"

type migration struct {
	version int
	name    string
	sql     string
}

// EnsureBootstrapped brings the schema up to the newest embedded migration.
// Applied versions are recorded in sprout_meta; each pending migration runs in
// its own transaction together with its version row.
func EnsureBootstrapped(ctx context.Context, db *sql.DB, log *zap.Logger) error {
	ctxBoot, cancel := context.WithTimeout(ctx, 3*time.Minute)
	defer cancel()

	migrations, err := loadMigrations(migrationFS, "scripts/migrations")
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctxBoot, `
		CREATE TABLE IF NOT EXISTS sprout_meta (
		    version    INT PRIMARY KEY,
		    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("create meta table: %w", err)
	}

	applied, err := appliedVersions(ctxBoot, db)
	if err != nil {
		return err
	}

	ran := 0
	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		ok, err := applyMigration(ctxBoot, db, m)
		if err != nil {
			return err
		}
		if ok {
			ran++
			log.Info("migration applied", zap.Int("version", m.version), zap.String("name", m.name))
		}
	}
	if ran == 0 {
		log.Debug("schema up to date", zap.Int("version", migrations[len(migrations)-1].version))
	}
	return nil
}

// loadMigrations reads NNNN_name.sql files from dir, ordered by version.
func loadMigrations(fsys fs.FS, dir string) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	var out []migration
	seen := map[int]string{}
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".sql" {
			continue
		}
		prefix, name, ok := strings.Cut(strings.TrimSuffix(e.Name(), ".sql"), "_")
		version, convErr := strconv.Atoi(prefix)
		if !ok || convErr != nil || version <= 0 {
			return nil, fmt.Errorf("migration %q: want NNNN_name.sql", e.Name())
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("migration version %d used by %q and %q", version, prev, e.Name())
		}
		seen[version] = e.Name()

		body, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		out = append(out, migration{version: version, name: name, sql: string(body)})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no migrations in %s", dir)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM sprout_meta`)
	if err != nil {
		return nil, fmt.Errorf("read schema versions: %w", err)
	}
	defer rows.Close()

	applied := map[int]bool{}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("read schema versions: %w", err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// applyMigration runs m unless another process recorded it first. It reports
// whether this call applied it.
func applyMigration(ctx context.Context, db *sql.DB, m migration) (bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin migration %d: %w", m.version, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(migrationLockKey)); err != nil {
		return false, fmt.Errorf("lock migration %d: %w", m.version, err)
	}
	var done bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM sprout_meta WHERE version = $1)`, m.version).Scan(&done); err != nil {
		return false, fmt.Errorf("check migration %d: %w", m.version, err)
	}
	if done {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		return false, fmt.Errorf("exec migration %d (%s): %w", m.version, m.name, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO sprout_meta (version) VALUES ($1)`, m.version); err != nil {
		return false, fmt.Errorf("record migration %d: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit migration %d: %w", m.version, err)
	}
	return true, nil
}
