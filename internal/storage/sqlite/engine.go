// Package sqlite stores conversation documents in a SQLite database using
// the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/chathistory/internal/storage"
	"github.com/scrypster/chathistory/internal/storage/sqldoc"
)

// Name is the registry name of this backend.
const Name = "sqlite"

const defaultBusyTimeout = 5000

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Engine implements storage.Engine on SQLite.
type Engine struct {
	*sqldoc.Store
	logger *slog.Logger
}

var _ storage.Engine = (*Engine)(nil)

// New returns an engine that opens its database on Initialize. A nil
// logger uses slog.Default().
func New(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger}
}

func (e *Engine) Name() string { return Name }

// Initialize opens the database at cfg.DSN, or <cfg.Root>/chathistory.db
// when no DSN is given, and applies pending schema migrations.
//
// If the open fails because of stale WAL files left by a crashed process,
// the files are removed once no other process holds them and the open is
// retried.
func (e *Engine) Initialize(ctx context.Context, cfg storage.EngineConfig) error {
	if e.Store != nil {
		return nil
	}

	dsn := cfg.DSN
	if dsn == "" {
		if cfg.Root == "" {
			return fmt.Errorf("sqlite: %w: dsn or storage root is required", storage.ErrInvalidInput)
		}
		dsn = filepath.Join(cfg.Root, "chathistory.db")
	}

	store, err := e.open(ctx, dsn)
	if err != nil && isRecoverableWALError(err) {
		if dbPath := dbPathFromDSN(dsn); dbPath != "" && isWALStale(dbPath) {
			removeStaleWAL(dbPath, e.logger)
			var retryErr error
			if store, retryErr = e.open(ctx, dsn); retryErr != nil {
				return fmt.Errorf("sqlite: %w: failed after WAL recovery: %v (original: %v)",
					storage.ErrBackendUnavailable, retryErr, err)
			}
			e.logger.Info("sqlite: recovered from stale WAL files", "path", dbPath)
			err = nil
		}
	}
	if err != nil {
		return fmt.Errorf("sqlite: %w: %v", storage.ErrBackendUnavailable, err)
	}

	e.Store = store
	return nil
}

// open opens a SQLite database, configures WAL mode, and migrates the schema.
func (e *Engine) open(ctx context.Context, dsn string) (*sqldoc.Store, error) {
	if path := dbPathFromDSN(dsn); path != "" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("create directory %s: %w", dir, err)
			}
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single open connection
	// serialises writes and avoids SQLITE_BUSY under concurrent load.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", defaultBusyTimeout),
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", strings.TrimPrefix(p, "PRAGMA "), err)
		}
	}

	migrations, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	store := sqldoc.New(db, sqldoc.Dialect{
		Name:       Name,
		Bind:       sqldoc.QuestionMarks,
		Migrations: migrations,
	}, e.logger)
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the database.
func (e *Engine) Close() error {
	if e.Store == nil {
		return nil
	}
	err := e.DB().Close()
	e.Store = nil
	return err
}
