package db

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Migration is a single .sql file from a migration source.
type Migration struct {
	Version string
	Name    string
	Path    string
}

// MigrationResult holds the result of a migration run.
type MigrationResult struct {
	Applied []string
	Skipped []string
	// Planned lists versions that would be applied when DryRun is set.
	Planned []string
}

// MigrationStatusEntry represents a single migration in a status report.
type MigrationStatusEntry struct {
	Version   string
	Name      string
	AppliedAt *time.Time // nil for pending
}

// MigrationStatus represents the complete status of migrations.
type MigrationStatus struct {
	Applied []MigrationStatusEntry // applied and has file
	Pending []MigrationStatusEntry // has file but not applied
	Drift   []MigrationStatusEntry // applied but no file
}

// MigrateOptions controls a migration run.
type MigrateOptions struct {
	// Target stops after this version (inclusive). Empty applies everything.
	Target string
	// DryRun reports pending versions without executing them.
	DryRun bool
}

// Migrator applies .sql files from an fs.FS (usually the embedded migrations
// directory) in lexical order, tracking them in schema_migrations.
type Migrator struct {
	pool   *pgxpool.Pool
	source fs.FS
	dir    string
}

// NewMigrator creates a Migrator reading *.sql files in dir of source.
func NewMigrator(pool *pgxpool.Pool, source fs.FS, dir string) *Migrator {
	if dir == "" {
		dir = "."
	}
	return &Migrator{pool: pool, source: source, dir: dir}
}

// Run applies pending migrations according to opts. Each file runs in its own
// transaction and the run stops at the first failure.
func (m *Migrator) Run(ctx context.Context, opts MigrateOptions) (*MigrationResult, error) {
	if m.pool == nil {
		return nil, fmt.Errorf("pool is nil")
	}

	migrations, err := FindMigrations(m.source, m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to find migrations: %w", err)
	}
	migrations, err = truncateAtTarget(migrations, opts.Target)
	if err != nil {
		return nil, err
	}

	if err := ensureMigrationsTable(ctx, m.pool); err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}
	applied, err := appliedMigrations(ctx, m.pool)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}

	result := &MigrationResult{}
	for _, mig := range migrations {
		if _, ok := applied[mig.Version]; ok {
			result.Skipped = append(result.Skipped, mig.Version)
			continue
		}
		if opts.DryRun {
			result.Planned = append(result.Planned, mig.Version)
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return result, fmt.Errorf("migration %s failed: %w", mig.Version, err)
		}
		result.Applied = append(result.Applied, mig.Version)
	}
	return result, nil
}

// Status categorises migrations into applied, pending and drift.
func (m *Migrator) Status(ctx context.Context) (*MigrationStatus, error) {
	if m.pool == nil {
		return nil, fmt.Errorf("pool is nil")
	}
	if err := ensureMigrationsTable(ctx, m.pool); err != nil {
		return nil, fmt.Errorf("failed to ensure migrations table: %w", err)
	}
	migrations, err := FindMigrations(m.source, m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to find migrations: %w", err)
	}
	applied, err := appliedMigrations(ctx, m.pool)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}
	return BuildStatus(migrations, applied), nil
}

func (m *Migrator) apply(ctx context.Context, mig Migration) error {
	content, err := fs.ReadFile(m.source, mig.Path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	sql := string(content)
	if strings.TrimSpace(sql) == "" {
		return fmt.Errorf("migration file is empty")
	}

	return WithTx(ctx, m.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, sql); err != nil {
			return fmt.Errorf("failed to execute SQL: %w", err)
		}
		if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", mig.Version); err != nil {
			return fmt.Errorf("failed to record migration: %w", err)
		}
		return nil
	})
}

// FindMigrations lists the .sql files in dir sorted by version.
func FindMigrations(source fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(source, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".sql") {
			continue
		}
		migrations = append(migrations, Migration{
			Version: normalizeVersion(name),
			Name:    name,
			Path:    path.Join(dir, name),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// BuildStatus compares files with the applied set. Drift entries are sorted by version.
func BuildStatus(migrations []Migration, applied map[string]time.Time) *MigrationStatus {
	status := &MigrationStatus{
		Applied: []MigrationStatusEntry{},
		Pending: []MigrationStatusEntry{},
		Drift:   []MigrationStatusEntry{},
	}

	files := make(map[string]bool, len(migrations))
	for _, mig := range migrations {
		files[mig.Version] = true
		if at, ok := applied[mig.Version]; ok {
			at := at
			status.Applied = append(status.Applied, MigrationStatusEntry{Version: mig.Version, Name: mig.Name, AppliedAt: &at})
		} else {
			status.Pending = append(status.Pending, MigrationStatusEntry{Version: mig.Version, Name: mig.Name})
		}
	}
	for version, at := range applied {
		if files[version] {
			continue
		}
		at := at
		status.Drift = append(status.Drift, MigrationStatusEntry{Version: version, Name: version + ".sql", AppliedAt: &at})
	}
	sort.Slice(status.Drift, func(i, j int) bool { return status.Drift[i].Version < status.Drift[j].Version })
	return status
}

func truncateAtTarget(migrations []Migration, target string) ([]Migration, error) {
	if target == "" {
		return migrations, nil
	}
	target = normalizeVersion(target)
	for i, mig := range migrations {
		if mig.Version == target {
			return migrations[:i+1], nil
		}
	}
	return nil, fmt.Errorf("target version %s not found in migrations", target)
}

func ensureMigrationsTable(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ DEFAULT NOW()
		)
	`)
	return err
}

// normalizeVersion removes a .sql suffix (any case) from a version string.
func normalizeVersion(v string) string {
	if len(v) > 4 && strings.ToLower(v[len(v)-4:]) == ".sql" {
		return v[:len(v)-4]
	}
	return v
}

func appliedMigrations(ctx context.Context, pool *pgxpool.Pool) (map[string]time.Time, error) {
	applied := make(map[string]time.Time)

	rows, err := pool.Query(ctx, "SELECT version, applied_at FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var version string
		var appliedAt time.Time
		if err := rows.Scan(&version, &appliedAt); err != nil {
			return nil, err
		}
		applied[normalizeVersion(version)] = appliedAt
	}
	return applied, rows.Err()
}
