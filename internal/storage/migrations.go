package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
)

// ErrNoMigration indicates no schema migration has been applied yet.
var ErrNoMigration = errors.New("no migration")

// SchemaMigrator applies versioned SQL schema files to a database. Files
// are named NNN_name.up.sql / NNN_name.down.sql and read from an fs.FS,
// usually an embedded directory of the backend package. The applied version
// is tracked in a schema_migrations table.
type SchemaMigrator struct {
	db    *sql.DB
	files fs.FS

	// bind rewrites "?" placeholders for the driver's dialect.
	bind func(query string) string
}

// schemaStep represents a single up/down migration pair.
type schemaStep struct {
	version  uint
	name     string
	upFile   string
	downFile string
}

// NewSchemaMigrator creates a migrator for db reading migration files from
// files. bind may be nil for drivers that accept "?" placeholders.
func NewSchemaMigrator(ctx context.Context, db *sql.DB, files fs.FS, bind func(string) string) (*SchemaMigrator, error) {
	if db == nil {
		return nil, fmt.Errorf("schema: database connection is required")
	}
	if files == nil {
		return nil, fmt.Errorf("schema: migration files are required")
	}
	if bind == nil {
		bind = func(q string) string { return q }
	}

	m := &SchemaMigrator{db: db, files: files, bind: bind}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return nil, fmt.Errorf("schema: failed to create schema table: %w", err)
	}

	return m, nil
}

// Up applies all pending migrations in ascending version order.
// Returns nil if already up-to-date.
func (m *SchemaMigrator) Up(ctx context.Context) error {
	steps, err := m.loadSteps()
	if err != nil {
		return err
	}

	current, err := m.Version(ctx)
	if err != nil && !errors.Is(err, ErrNoMigration) {
		return err
	}

	for _, step := range steps {
		if step.version <= current {
			continue
		}

		body, err := fs.ReadFile(m.files, step.upFile)
		if err != nil {
			return fmt.Errorf("schema: failed to read %s: %w", step.upFile, err)
		}

		tx, err := m.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("schema: begin version %d: %w", step.version, err)
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("schema: failed to apply version %d (%s): %w", step.version, step.name, err)
		}
		if _, err := tx.ExecContext(ctx, m.bind("INSERT INTO schema_migrations (version) VALUES (?)"), step.version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("schema: failed to record version %d: %w", step.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("schema: commit version %d: %w", step.version, err)
		}
	}

	return nil
}

// Down rolls back all applied migrations in descending version order.
func (m *SchemaMigrator) Down(ctx context.Context) error {
	steps, err := m.loadSteps()
	if err != nil {
		return err
	}

	current, err := m.Version(ctx)
	if errors.Is(err, ErrNoMigration) {
		return nil // Nothing to roll back
	}
	if err != nil {
		return err
	}

	sort.Slice(steps, func(i, j int) bool {
		return steps[i].version > steps[j].version
	})

	for _, step := range steps {
		if step.version > current || step.downFile == "" {
			continue
		}

		body, err := fs.ReadFile(m.files, step.downFile)
		if err != nil {
			return fmt.Errorf("schema: failed to read %s: %w", step.downFile, err)
		}
		if _, err := m.db.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("schema: failed to roll back version %d (%s): %w", step.version, step.name, err)
		}
		if _, err := m.db.ExecContext(ctx, m.bind("DELETE FROM schema_migrations WHERE version = ?"), step.version); err != nil {
			return fmt.Errorf("schema: failed to remove version %d: %w", step.version, err)
		}
	}

	return nil
}

// Version returns the highest applied migration version.
// Returns (0, ErrNoMigration) when no migration has been applied.
func (m *SchemaMigrator) Version(ctx context.Context) (uint, error) {
	var version uint
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("schema: failed to query version: %w", err)
	}
	if version == 0 {
		return 0, ErrNoMigration
	}
	return version, nil
}

// loadSteps parses migration files at the root of the FS and returns them
// sorted by version ascending.
func (m *SchemaMigrator) loadSteps() ([]schemaStep, error) {
	entries, err := fs.ReadDir(m.files, ".")
	if err != nil {
		return nil, fmt.Errorf("schema: failed to read migration files: %w", err)
	}

	byVersion := make(map[uint]*schemaStep)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		// Parse: NNN_name.up.sql or NNN_name.down.sql
		idx := strings.Index(name, "_")
		if idx < 0 {
			continue
		}
		v, err := strconv.ParseUint(name[:idx], 10, 64)
		if err != nil {
			continue // Skip non-numeric prefix files
		}
		rest := name[idx+1:]

		step, ok := byVersion[uint(v)]
		if !ok {
			step = &schemaStep{version: uint(v)}
			byVersion[uint(v)] = step
		}

		switch {
		case strings.HasSuffix(rest, ".up.sql"):
			step.name = strings.TrimSuffix(rest, ".up.sql")
			step.upFile = name
		case strings.HasSuffix(rest, ".down.sql"):
			step.downFile = name
		}
	}

	steps := make([]schemaStep, 0, len(byVersion))
	for _, step := range byVersion {
		if step.upFile == "" {
			continue // Skip entries without an up file
		}
		steps = append(steps, *step)
	}
	sort.Slice(steps, func(i, j int) bool {
		return steps[i].version < steps[j].version
	})

	return steps, nil
}
