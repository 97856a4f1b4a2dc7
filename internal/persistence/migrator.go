package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// migrationLockKey serialises concurrent migrators on the same database.
const migrationLockKey int64 = 0x43445053434845 // "CDPSCHE"

// Migration is one schema version read from {version}_{name}.up.sql and
// its optional .down.sql partner.
type Migration struct {
	Version uint64
	Name    string
	Up      string
	Down    string
}

// LoadMigrations reads and validates every migration at the root of files,
// ordered by version.
func LoadMigrations(files fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(files, ".")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byVersion := make(map[uint64]*Migration)
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".sql" {
			continue
		}
		version, name, direction, err := parseMigrationName(e.Name())
		if err != nil {
			return nil, err
		}
		body, err := fs.ReadFile(files, e.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), err)
		}

		m := byVersion[version]
		if m == nil {
			m = &Migration{Version: version, Name: name}
			byVersion[version] = m
		} else if m.Name != name {
			return nil, fmt.Errorf("migration %d has two names: %s and %s", version, m.Name, name)
		}
		if direction == "up" {
			m.Up = string(body)
		} else {
			m.Down = string(body)
		}
	}

	plan := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.Up == "" {
			return nil, fmt.Errorf("migration %d_%s has no up file", m.Version, m.Name)
		}
		plan = append(plan, *m)
	}
	sort.Slice(plan, func(i, j int) bool { return plan[i].Version < plan[j].Version })
	return plan, nil
}

// parseMigrationName splits "000001_event_log.up.sql" into its parts.
func parseMigrationName(file string) (version uint64, name, direction string, err error) {
	base := strings.TrimSuffix(file, ".sql")
	switch {
	case strings.HasSuffix(base, ".up"):
		direction = "up"
	case strings.HasSuffix(base, ".down"):
		direction = "down"
	default:
		return 0, "", "", fmt.Errorf("migration %s: want .up.sql or .down.sql", file)
	}
	base = strings.TrimSuffix(base, "."+direction)

	prefix, name, ok := strings.Cut(base, "_")
	if !ok || name == "" {
		return 0, "", "", fmt.Errorf("migration %s: want {version}_{name}", file)
	}
	version, err = strconv.ParseUint(prefix, 10, 64)
	if err != nil || version == 0 {
		return 0, "", "", fmt.Errorf("migration %s: bad version %q", file, prefix)
	}
	return version, name, direction, nil
}

// Migrator applies a fixed migration plan to Postgres. Each step runs in its
// own transaction under an advisory lock, so two processes starting at once
// apply every version exactly once.
type Migrator struct {
	db     *sql.DB
	plan   []Migration
	logger zerolog.Logger
}

// NewMigrator loads the plan from files, usually the embedded migrations
// package or os.DirFS for an operator override.
func NewMigrator(db *sql.DB, files fs.FS, logger zerolog.Logger) (*Migrator, error) {
	plan, err := LoadMigrations(files)
	if err != nil {
		return nil, err
	}
	return &Migrator{db: db, plan: plan, logger: logger}, nil
}

// Up applies every pending migration in version order.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, mig := range m.plan {
		applied := false
		err := m.inLockedTx(ctx, func(tx *sql.Tx) error {
			var exists bool
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM public.schema_migrations WHERE version = $1)`, mig.Version,
			).Scan(&exists); err != nil {
				return err
			}
			if exists {
				return nil
			}
			if _, err := tx.ExecContext(ctx, mig.Up); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO public.schema_migrations (version, name) VALUES ($1, $2)`, mig.Version, mig.Name)
			applied = err == nil
			return err
		})
		if err != nil {
			return fmt.Errorf("apply migration %d_%s: %w", mig.Version, mig.Name, err)
		}
		if applied {
			m.logger.Info().Uint64("version", mig.Version).Str("name", mig.Name).Msg("applied migration")
		}
	}
	return nil
}

// Down rolls back the newest applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	var rolledBack *Migration
	err := m.inLockedTx(ctx, func(tx *sql.Tx) error {
		var version uint64
		err := tx.QueryRowContext(ctx,
			`SELECT version FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
		).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("latest migration: %w", err)
		}

		mig := m.find(version)
		if mig == nil {
			return fmt.Errorf("version %d is applied but not in this build", version)
		}
		if mig.Down == "" {
			return fmt.Errorf("migration %d_%s has no down file", mig.Version, mig.Name)
		}
		if _, err := tx.ExecContext(ctx, mig.Down); err != nil {
			return fmt.Errorf("roll back %d_%s: %w", mig.Version, mig.Name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM public.schema_migrations WHERE version = $1`, version,
		); err != nil {
			return err
		}
		rolledBack = mig
		return nil
	})
	if err != nil {
		return err
	}

	if rolledBack == nil {
		m.logger.Info().Msg("no migrations to roll back")
		return nil
	}
	m.logger.Info().Uint64("version", rolledBack.Version).Str("name", rolledBack.Name).Msg("rolled back migration")
	return nil
}

func (m *Migrator) find(version uint64) *Migration {
	i := sort.Search(len(m.plan), func(i int) bool { return m.plan[i].Version >= version })
	if i < len(m.plan) && m.plan[i].Version == version {
		return &m.plan[i]
	}
	return nil
}

func (m *Migrator) inLockedTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("migration lock: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Migrator) ensureMigrationTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    BIGINT PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}
