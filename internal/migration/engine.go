package migration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"github.com/scrypster/chathistory/internal/format"
	"github.com/scrypster/chathistory/internal/fsutil"
	"github.com/scrypster/chathistory/internal/metrics"
	"github.com/scrypster/chathistory/pkg/types"
)

// ErrTimeout reports a file that exceeded Config.FileTimeout.
var ErrTimeout = errors.New("migration: file timeout exceeded")

// Stage is a step of the single-file state machine.
type Stage string

const (
	StageDetect     Stage = "detect"
	StageBackup     Stage = "backup"
	StageConvert    Stage = "convert"
	StageValidate   Stage = "validate"
	StageWrite      Stage = "write"
	StageVerify     Stage = "verify"
	StageDone       Stage = "done"
	StageNotNeeded  Stage = "not_needed"
	StageRolledBack Stage = "rolled_back"
	StageFailed     Stage = "failed"
)

// Config controls the migration engine.
type Config struct {
	// BackupDir holds backups as <BackupDir>/<project>/<file>.<unix-nanos>.bak.
	// Empty means next to the migrated file.
	BackupDir string
	// KeepBackups retains backups of successful migrations. Backups of
	// failed migrations are always kept.
	KeepBackups bool
	// FileTimeout bounds one file's migration; zero disables it.
	FileTimeout time.Duration
	// ProgressThreshold is the batch size above which OnProgress fires.
	ProgressThreshold int
	// ProgressInterval is the minimum spacing of progress callbacks.
	ProgressInterval time.Duration
	OnProgress       func(Progress)
	// Operator is recorded in batch sessions.
	Operator string
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		KeepBackups:       true,
		FileTimeout:       30 * time.Second,
		ProgressThreshold: 10,
		ProgressInterval:  time.Second,
	}
}

// Result describes one MigrateFile call.
type Result struct {
	Path       string                `json:"path"`
	Detection  Detection             `json:"detection"`
	Decision   Decision              `json:"decision"`
	Stage      Stage                 `json:"stage"`
	FailedAt   Stage                 `json:"failed_at,omitempty"`
	Migrated   bool                  `json:"migrated"`
	RolledBack bool                  `json:"rolled_back"`
	BackupPath string                `json:"backup_path,omitempty"`
	Messages   int                   `json:"messages"`
	Stats      types.ConversionStats `json:"conversion_stats"`
	Warnings   []string              `json:"warnings,omitempty"`
	Duration   time.Duration         `json:"duration"`
	Err        error                 `json:"-"`
}

// Engine migrates conversation documents on disk. It is safe for concurrent
// use on distinct files.
type Engine struct {
	cfg       Config
	fs        fsutil.FS
	converter *format.Converter
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithFS replaces the OS filesystem.
func WithFS(fsys fsutil.FS) Option { return func(e *Engine) { e.fs = fsys } }

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option { return func(e *Engine) { e.logger = logger } }

// WithConverter replaces the document converter.
func WithConverter(c *format.Converter) Option { return func(e *Engine) { e.converter = c } }

// WithMetrics records outcomes in m.
func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithClock replaces the wall clock used for timeouts and backup names.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// New creates a migration engine.
func New(cfg Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:       cfg,
		fs:        fsutil.OS{},
		converter: format.NewConverter(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// fileRun carries the state of one MigrateFile call.
type fileRun struct {
	e        *Engine
	res      *Result
	start    time.Time
	deadline time.Time
}

// check runs between stages. Only the file timeout applies here; a started
// file always reaches Done or rollback, and batches stop between files.
func (r *fileRun) check(next Stage) error {
	if !r.deadline.IsZero() && r.e.now().After(r.deadline) {
		return fmt.Errorf("%w: %s before %s", ErrTimeout, r.res.Path, next)
	}
	r.res.Stage = next
	return nil
}

// MigrateFile migrates the document at path in place. Documents that need no
// migration are reported with StageNotNeeded and a nil error. On failure the
// returned Result says how far the run got and whether it was rolled back;
// the file on disk is then byte-identical to what it was before. A started
// file is never abandoned halfway; only the batch calls check ctx.
func (e *Engine) MigrateFile(_ context.Context, path string, project types.ProjectInfo) (*Result, error) {
	run := &fileRun{
		e:     e,
		res:   &Result{Path: path, Stage: StageDetect},
		start: e.now(),
	}
	if e.cfg.FileTimeout > 0 {
		run.deadline = run.start.Add(e.cfg.FileTimeout)
	}

	err := run.execute(project)
	res := run.res
	res.Duration = e.now().Sub(run.start)

	switch {
	case err != nil:
		res.Err = err
		e.metrics.MigrationDone("failed", res.Messages, res.Duration.Seconds())
		e.logger.Error("migration: file failed",
			"path", path, "stage", res.FailedAt, "rolled_back", res.RolledBack, "backup", res.BackupPath, "error", err)
	case res.Migrated:
		e.metrics.MigrationDone("migrated", res.Messages, res.Duration.Seconds())
		e.logger.Info("migration: file migrated",
			"path", path, "from", res.Detection.Variant, "messages", res.Messages, "warnings", len(res.Warnings))
	default:
		e.metrics.MigrationDone("skipped", 0, res.Duration.Seconds())
		e.logger.Debug("migration: file skipped", "path", path, "reason", res.Decision.Reason)
	}
	return res, err
}

func (r *fileRun) execute(project types.ProjectInfo) error {
	e, res := r.e, r.res

	raw, err := e.fs.ReadFile(res.Path)
	if err != nil {
		return r.fail(fmt.Errorf("migration: read %s: %w", res.Path, err), nil)
	}

	res.Detection = DetectFormat(raw)
	res.Decision = ShouldMigrate(res.Detection)
	if !res.Decision.Migrate {
		res.Stage = StageNotNeeded
		return nil
	}

	if err := r.check(StageBackup); err != nil {
		return r.fail(err, nil)
	}
	backup := e.backupPath(res.Path, project, r.start)
	if err := fsutil.WriteAtomic(e.fs, backup, raw, 0o644); err != nil {
		return r.fail(fmt.Errorf("migration: back up %s: %w", res.Path, err), nil)
	}
	res.BackupPath = backup

	// From here on every failure restores raw.
	if err := r.check(StageConvert); err != nil {
		return r.fail(err, raw)
	}
	conv, report, err := e.convert(res.Decision.Plan, raw, format.Options{
		Filename: filepath.Base(res.Path),
		Project:  project,
	})
	if err != nil {
		return r.fail(err, raw)
	}
	res.Stats = report.Stats
	res.Warnings = report.Warnings
	res.Messages = len(conv.Messages)

	if err := r.check(StageValidate); err != nil {
		return r.fail(err, raw)
	}
	if err := validate(res.Decision.Plan, raw, conv); err != nil {
		return r.fail(err, raw)
	}

	if err := r.check(StageWrite); err != nil {
		return r.fail(err, raw)
	}
	encoded, err := format.Encode(conv)
	if err != nil {
		return r.fail(err, raw)
	}
	if err := fsutil.WriteAtomic(e.fs, res.Path, encoded, 0o644); err != nil {
		return r.fail(fmt.Errorf("migration: write %s: %w", res.Path, err), raw)
	}

	if err := r.check(StageVerify); err != nil {
		return r.fail(err, raw)
	}
	if err := e.verify(res.Path, encoded, len(conv.Messages)); err != nil {
		return r.fail(err, raw)
	}

	res.Stage = StageDone
	res.Migrated = true
	if !e.cfg.KeepBackups {
		if err := e.fs.Remove(backup); err != nil {
			e.logger.Warn("migration: remove backup", "backup", backup, "error", err)
		} else {
			res.BackupPath = ""
		}
	}
	return nil
}

// fail records err against the current stage. A non-nil original means the
// backup exists and the file is restored to those bytes.
func (r *fileRun) fail(err error, original []byte) error {
	res := r.res
	res.FailedAt = res.Stage
	res.Stage = StageFailed
	if original == nil {
		return err
	}

	res.RolledBack = true
	res.Stage = StageRolledBack
	if rbErr := r.e.restore(res.Path, original); rbErr != nil {
		r.e.logger.Error("migration: rollback failed; restore from backup manually",
			"path", res.Path, "backup", res.BackupPath, "error", rbErr)
		res.RolledBack = false
		res.Stage = StageFailed
		return errors.Join(err, rbErr)
	}
	return err
}

// restore puts original back at path unless it is already there.
func (e *Engine) restore(path string, original []byte) error {
	current, err := e.fs.ReadFile(path)
	if err == nil && bytes.Equal(current, original) {
		return nil
	}
	if err := fsutil.WriteAtomic(e.fs, path, original, 0o644); err != nil {
		return fmt.Errorf("migration: restore %s: %w", path, err)
	}
	return nil
}

func (e *Engine) backupPath(path string, project types.ProjectInfo, at time.Time) string {
	name := filepath.Base(path) + "." + strconv.FormatInt(at.UnixNano(), 10) + ".bak"
	if e.cfg.BackupDir == "" {
		return filepath.Join(filepath.Dir(path), name)
	}
	dir := project.ProjectKey
	if dir == "" {
		dir = filepath.Base(filepath.Dir(filepath.Dir(path)))
	}
	return filepath.Join(e.cfg.BackupDir, dir, name)
}

func (e *Engine) convert(plan Plan, raw []byte, opts format.Options) (*types.Conversation, *format.Report, error) {
	switch plan {
	case PlanConvertLegacy:
		var doc format.LegacyDocument
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, nil, fmt.Errorf("migration: decode legacy %s: %w", opts.Filename, err)
		}
		conv, report := e.converter.FromLegacy(&doc, opts)
		return conv, report, nil
	case PlanMergeHybrid:
		var doc format.HybridDocument
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, nil, fmt.Errorf("migration: decode hybrid %s: %w", opts.Filename, err)
		}
		conv, report := e.converter.FromHybrid(&doc, opts)
		return conv, report, nil
	default:
		return nil, nil, fmt.Errorf("migration: no conversion for plan %q", plan)
	}
}

// verify re-reads the written file and checks that it is the unified
// document that was encoded.
func (e *Engine) verify(path string, written []byte, messages int) error {
	onDisk, err := e.fs.ReadFile(path)
	if err != nil {
		return fmt.Errorf("migration: verify read %s: %w", path, err)
	}
	if !bytes.Equal(onDisk, written) {
		return fmt.Errorf("%w: %s differs from what was written", ErrValidation, path)
	}
	if d := DetectFormat(onDisk); d.Variant != format.VariantUnified {
		return fmt.Errorf("%w: %s detected as %s after write", ErrValidation, path, d.Variant)
	}
	conv, err := format.DecodeUnified(onDisk)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrValidation, path, err)
	}
	if len(conv.Messages) != messages {
		return fmt.Errorf("%w: %s has %d messages after write, want %d", ErrValidation, path, len(conv.Messages), messages)
	}
	return nil
}
