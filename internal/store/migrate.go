package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

// migrationLockKey serializes concurrent schema changes from several API
// replicas starting at once.
const migrationLockKey = 7_364_120

var migrationName = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.(up|down)\.sql$`)

// Migration is one numbered schema step with its up and down scripts.
type Migration struct {
	Version  int
	Name     string
	UpPath   string
	DownPath string
}

// ID is the key recorded in schema_migrations.
func (m Migration) ID() string {
	return filepath.Base(m.UpPath)
}

// LoadMigrations reads a migrations directory into version order. Every
// version needs exactly one up and one down file, and versions may not
// share a number under different names.
func LoadMigrations(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	byVersion := make(map[int]*Migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationName.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		version, err := strconv.Atoi(match[1])
		if err != nil {
			return nil, fmt.Errorf("migration %s: %w", entry.Name(), err)
		}
		m, ok := byVersion[version]
		if !ok {
			m = &Migration{Version: version, Name: match[2]}
			byVersion[version] = m
		}
		if m.Name != match[2] {
			return nil, fmt.Errorf("migration version %d is used by %q and %q", version, m.Name, match[2])
		}
		path := filepath.Join(dir, entry.Name())
		switch match[3] {
		case "up":
			if m.UpPath != "" {
				return nil, fmt.Errorf("duplicate up migration for version %d", version)
			}
			m.UpPath = path
		case "down":
			if m.DownPath != "" {
				return nil, fmt.Errorf("duplicate down migration for version %d", version)
			}
			m.DownPath = path
		}
	}
	if len(byVersion) == 0 {
		return nil, fmt.Errorf("no migrations in %s", dir)
	}

	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.UpPath == "" || m.DownPath == "" {
			return nil, fmt.Errorf("migration version %d (%s) needs both up and down files", m.Version, m.Name)
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// ApplyMigrations runs every up script not yet recorded, each in its own
// transaction.
func ApplyMigrations(ctx context.Context, db *sql.DB, dir string) error {
	migrations, err := LoadMigrations(dir)
	if err != nil {
		return err
	}
	return withMigrationLock(ctx, db, func(conn *sql.Conn) error {
		for _, m := range migrations {
			applied, err := isMigrated(ctx, conn, m.ID())
			if err != nil {
				return err
			}
			if applied {
				continue
			}
			if err := runScript(ctx, conn, m.UpPath, `INSERT INTO schema_migrations(version) VALUES($1)`, m.ID()); err != nil {
				return err
			}
			slog.InfoContext(ctx, "migration applied", "version", m.Version, "name", m.Name)
		}
		return nil
	})
}

// RollbackMigrations undoes the newest steps applied migrations, newest
// first. A non-positive steps rolls back everything.
func RollbackMigrations(ctx context.Context, db *sql.DB, dir string, steps int) error {
	migrations, err := LoadMigrations(dir)
	if err != nil {
		return err
	}
	return withMigrationLock(ctx, db, func(conn *sql.Conn) error {
		undone := 0
		for i := len(migrations) - 1; i >= 0; i-- {
			if steps > 0 && undone == steps {
				break
			}
			m := migrations[i]
			applied, err := isMigrated(ctx, conn, m.ID())
			if err != nil {
				return err
			}
			if !applied {
				continue
			}
			if err := runScript(ctx, conn, m.DownPath, `DELETE FROM schema_migrations WHERE version=$1`, m.ID()); err != nil {
				return err
			}
			undone++
			slog.InfoContext(ctx, "migration rolled back", "version", m.Version, "name", m.Name)
		}
		return nil
	})
}

func withMigrationLock(ctx context.Context, db *sql.DB, fn func(*sql.Conn) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockKey)
	}()

	if err := ensureMigrationsTable(ctx, conn); err != nil {
		return err
	}
	return fn(conn)
}

// runScript executes one migration file and its bookkeeping statement
// atomically.
func runScript(ctx context.Context, conn *sql.Conn, path, record, id string) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", filepath.Base(path), err)
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx %s: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, string(contents)); err != nil {
		return fmt.Errorf("execute migration %s: %w", filepath.Base(path), err)
	}
	if _, err := tx.ExecContext(ctx, record, id); err != nil {
		return fmt.Errorf("record migration %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", id, err)
	}
	return nil
}

func ensureMigrationsTable(ctx context.Context, conn *sql.Conn) error {
	_, err := conn.ExecContext(ctx, `
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

func isMigrated(ctx context.Context, conn *sql.Conn, id string) (bool, error) {
	var exists bool
	err := conn.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", id, err)
	}
	return exists, nil
}
