package migration

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/scrypster/chathistory/internal/fsutil"
	"github.com/scrypster/chathistory/internal/storage"
	"github.com/scrypster/chathistory/pkg/types"
)

const projectsDir = "projects"

// Session accumulates the outcome of a batch pass.
type Session struct {
	ID         string    `json:"id"`
	Operator   string    `json:"operator,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Total            int `json:"total"`
	Processed        int `json:"processed"`
	Migrated         int `json:"migrated"`
	Skipped          int `json:"skipped"`
	Failed           int `json:"failed"`
	MessagesMigrated int `json:"messages_migrated"`

	Errors   []FileError `json:"errors,omitempty"`
	Warnings []string    `json:"warnings,omitempty"`
	Results  []*Result   `json:"-"`
}

// FileError pairs a failed file with its error.
type FileError struct {
	Path string `json:"path"`
	Err  error  `json:"-"`
}

func (fe FileError) Error() string { return fe.Path + ": " + fe.Err.Error() }

// Progress is reported to Config.OnProgress during large batches.
type Progress struct {
	SessionID string
	Done      int
	Total     int
	Migrated  int
	Failed    int
	Path      string
}

type job struct {
	path    string
	project types.ProjectInfo
}

func (e *Engine) newSession(total int) *Session {
	return &Session{ID: uuid.NewString(), Operator: e.cfg.Operator, StartedAt: e.now(), Total: total}
}

// MigrateDirectory migrates every conversation document directly inside dir.
// Files are independent: one failure is recorded and the pass continues.
// Cancellation is honoured between files.
func (e *Engine) MigrateDirectory(ctx context.Context, dir string, project types.ProjectInfo) (*Session, error) {
	files, err := e.documents(dir)
	if err != nil {
		return nil, err
	}
	jobs := make([]job, 0, len(files))
	for _, f := range files {
		jobs = append(jobs, job{path: f, project: project})
	}
	return e.run(ctx, jobs)
}

// BatchMigrateProjects migrates the history and archive areas of every
// project under root/projects. A missing projects directory is an empty
// pass; an unreadable one aborts it.
func (e *Engine) BatchMigrateProjects(ctx context.Context, root string) (*Session, error) {
	base := filepath.Join(root, projectsDir)
	entries, err := e.fs.ReadDir(base)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return e.run(ctx, nil)
		}
		return nil, fmt.Errorf("migration: list projects in %s: %w", base, err)
	}

	var jobs []job
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		project := types.ProjectInfo{ProjectKey: entry.Name()}
		for _, area := range []storage.Area{storage.AreaHistory, storage.AreaArchive} {
			files, err := e.documents(filepath.Join(base, entry.Name(), string(area)))
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					continue
				}
				return nil, err
			}
			for _, f := range files {
				jobs = append(jobs, job{path: f, project: project})
			}
		}
	}
	return e.run(ctx, jobs)
}

// documents lists candidate files in dir: *.json except the metadata
// pointer, temp files and backups.
func (e *Engine) documents(dir string) ([]string, error) {
	entries, err := e.fs.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("migration: read directory %s: %w", dir, err)
	}
	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == storage.MetadataFilename || fsutil.IsTemp(name) {
			continue
		}
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	sort.Strings(files)
	return files, nil
}

func (e *Engine) run(ctx context.Context, jobs []job) (*Session, error) {
	s := e.newSession(len(jobs))
	report := e.progressReporter(len(jobs))

	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			s.FinishedAt = e.now()
			e.logger.Warn("migration: batch cancelled", "session", s.ID, "processed", s.Processed, "total", s.Total)
			return s, fmt.Errorf("migration: batch %s cancelled: %w", s.ID, err)
		}

		res, err := e.MigrateFile(ctx, j.path, j.project)
		s.record(res, err)
		report(s, j.path)
	}

	s.FinishedAt = e.now()
	e.logger.Info("migration: batch finished",
		"session", s.ID, "operator", s.Operator, "total", s.Total, "migrated", s.Migrated, "skipped", s.Skipped, "failed", s.Failed)
	return s, nil
}

func (s *Session) record(res *Result, err error) {
	s.Processed++
	if res != nil {
		s.Results = append(s.Results, res)
		for _, w := range res.Warnings {
			s.Warnings = append(s.Warnings, res.Path+": "+w)
		}
	}
	switch {
	case err != nil:
		s.Failed++
		path := ""
		if res != nil {
			path = res.Path
		}
		s.Errors = append(s.Errors, FileError{Path: path, Err: err})
	case res.Migrated:
		s.Migrated++
		s.MessagesMigrated += res.Messages
	default:
		s.Skipped++
	}
}

// progressReporter returns a callback that forwards progress to
// Config.OnProgress for batches above the threshold, at most once per
// ProgressInterval. The final file is always reported.
func (e *Engine) progressReporter(total int) func(*Session, string) {
	if e.cfg.OnProgress == nil || total <= e.cfg.ProgressThreshold {
		return func(*Session, string) {}
	}
	limit := rate.Inf
	if e.cfg.ProgressInterval > 0 {
		limit = rate.Every(e.cfg.ProgressInterval)
	}
	limiter := rate.NewLimiter(limit, 1)

	return func(s *Session, path string) {
		if s.Processed < total && !limiter.Allow() {
			return
		}
		e.cfg.OnProgress(Progress{
			SessionID: s.ID,
			Done:      s.Processed,
			Total:     total,
			Migrated:  s.Migrated,
			Failed:    s.Failed,
			Path:      path,
		})
	}
}
