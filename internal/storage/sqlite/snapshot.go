package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/scrypster/chathistory/internal/storage"
)

var _ storage.Snapshotter = (*Engine)(nil)

// Snapshot copies the database to dst with VACUUM INTO, which produces a
// consistent copy even in WAL mode, and checks the copy's integrity.
func (e *Engine) Snapshot(ctx context.Context, dst string) error {
	if e.Store == nil {
		return fmt.Errorf("sqlite: %w: not initialized", storage.ErrBackendUnavailable)
	}
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("sqlite: %w: snapshot target %s exists", storage.ErrInvalidInput, dst)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return fmt.Errorf("sqlite: create snapshot directory: %w", err)
	}

	quoted := "'" + strings.ReplaceAll(dst, "'", "''") + "'"
	if _, err := e.DB().ExecContext(ctx, "VACUUM INTO "+quoted); err != nil {
		return fmt.Errorf("sqlite: snapshot to %s: %w", dst, err)
	}
	if err := verifySnapshot(ctx, dst); err != nil {
		_ = os.Remove(dst)
		return err
	}
	e.logger.Info("sqlite: snapshot written", "path", dst)
	return nil
}

// verifySnapshot opens the copy read-only and runs SQLite's integrity_check
// pragma.
func verifySnapshot(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return fmt.Errorf("sqlite: open snapshot: %w", err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("sqlite: snapshot integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("sqlite: snapshot integrity check failed: %s", result)
	}
	return nil
}
