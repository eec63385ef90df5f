// Package jsonfile is the default storage backend: one JSON document per
// conversation plus a metadata.json pointer per namespace.
//
//	<root>/projects/<project>/history/0.json, 1.json, ..., metadata.json
//	<root>/projects/<project>/archive/<same naming>
//
// Every write goes through fsutil.WriteAtomic. Stale legacy or hybrid
// documents are converted in memory on Load and never rewritten here;
// rewriting them is the migration engine's job.
package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/scrypster/chathistory/internal/format"
	"github.com/scrypster/chathistory/internal/fsutil"
	"github.com/scrypster/chathistory/internal/storage"
	"github.com/scrypster/chathistory/pkg/types"
)

// Name is the registry name of this backend.
const Name = "jsonfile"

const (
	projectsDir = "projects"
	healthFile  = ".health"
)

// Engine implements storage.Engine on a directory tree.
type Engine struct {
	root      string
	fs        fsutil.FS
	converter *format.Converter
	logger    *slog.Logger

	// mu serialises metadata pointer writes and filename allocation.
	mu sync.Mutex
}

var (
	_ storage.Engine     = (*Engine)(nil)
	_ storage.FileBacked = (*Engine)(nil)
)

// Option configures an Engine.
type Option func(*Engine)

// WithFS replaces the operating-system filesystem.
func WithFS(fsys fsutil.FS) Option {
	return func(e *Engine) { e.fs = fsys }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithConverter sets the converter used for stale documents.
func WithConverter(c *format.Converter) Option {
	return func(e *Engine) { e.converter = c }
}

// New returns an uninitialised engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		fs:        fsutil.OS{},
		converter: format.NewConverter(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Name() string { return Name }

// Initialize creates the storage root.
func (e *Engine) Initialize(_ context.Context, cfg storage.EngineConfig) error {
	if strings.TrimSpace(cfg.Root) == "" {
		return fmt.Errorf("jsonfile: %w: storage root is required", storage.ErrInvalidInput)
	}
	e.root = filepath.Clean(cfg.Root)
	if err := e.fs.MkdirAll(filepath.Join(e.root, projectsDir), 0o755); err != nil {
		return fmt.Errorf("jsonfile: %w: create storage root: %v", storage.ErrBackendUnavailable, err)
	}
	return nil
}

// Root returns the storage root directory.
func (e *Engine) Root() string { return e.root }

func (e *Engine) dir(ns storage.Namespace) string {
	return filepath.Join(e.root, projectsDir, ns.Project, string(ns.Area))
}

// Path returns the document path of key.
func (e *Engine) Path(key storage.Key) string {
	return filepath.Join(e.dir(key.Namespace), key.Filename)
}

// Save writes conv atomically under key.
func (e *Engine) Save(ctx context.Context, conv *types.Conversation, key storage.Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if conv == nil {
		return fmt.Errorf("jsonfile: %w: conversation is nil", storage.ErrInvalidInput)
	}
	if err := key.Validate(); err != nil {
		return fmt.Errorf("jsonfile: save: %w", err)
	}

	storage.PrepareForSave(conv, key)
	data, err := format.Encode(conv)
	if err != nil {
		return fmt.Errorf("jsonfile: save %s: %w", key, err)
	}

	if err := fsutil.WriteAtomic(e.fs, e.Path(key), data, 0o644); err != nil {
		return fmt.Errorf("jsonfile: %w: save %s: %v", storage.ErrIO, key, err)
	}
	return nil
}

// Load reads and decodes the document under key.
func (e *Engine) Load(ctx context.Context, key storage.Key) (*types.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("jsonfile: load: %w", err)
	}

	conv, _, err := e.read(key)
	return conv, err
}

// read loads key and returns the decoded conversation with its byte size.
func (e *Engine) read(key storage.Key) (*types.Conversation, int64, error) {
	raw, err := e.fs.ReadFile(e.Path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, fmt.Errorf("jsonfile: %s: %w", key, storage.ErrNotFound)
		}
		return nil, 0, fmt.Errorf("jsonfile: %w: read %s: %v", storage.ErrIO, key, err)
	}

	conv, variant, err := e.converter.Decode(raw, format.Options{Filename: key.Filename, Seed: key.String()})
	if err != nil {
		return nil, 0, fmt.Errorf("jsonfile: %s: %w: %v", key, storage.ErrDecode, err)
	}
	if variant != format.VariantUnified {
		e.logger.Debug("jsonfile: converted stale document in memory",
			"key", key.String(), "variant", string(variant))
	}
	conv.Archived = conv.Archived || key.Area == storage.AreaArchive
	return conv, int64(len(raw)), nil
}

// documents returns the conversation filenames in ns. A missing directory
// is an empty namespace.
func (e *Engine) documents(ns storage.Namespace) ([]string, error) {
	entries, err := e.fs.ReadDir(e.dir(ns))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("jsonfile: %w: read %s: %v", storage.ErrIO, ns, err)
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		if name == storage.MetadataFilename || fsutil.IsTemp(name) {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

type scanned struct {
	conv    *types.Conversation
	summary storage.ConversationSummary
}

// scan decodes every document in ns. Undecodable documents are skipped with
// a warning so one bad file never hides the rest.
func (e *Engine) scan(ctx context.Context, ns storage.Namespace) ([]scanned, error) {
	names, err := e.documents(ns)
	if err != nil {
		return nil, err
	}

	out := make([]scanned, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key := ns.Key(name)
		conv, size, err := e.read(key)
		if err != nil {
			e.logger.Warn("jsonfile: skipping unreadable document", "key", key.String(), "error", err)
			continue
		}
		out = append(out, scanned{conv: conv, summary: storage.Summarize(conv, key, size)})
	}
	return out, nil
}

// List returns summaries of the documents in ns.
func (e *Engine) List(ctx context.Context, ns storage.Namespace, opts storage.ListOptions) ([]storage.ConversationSummary, error) {
	if err := ns.Validate(); err != nil {
		return nil, fmt.Errorf("jsonfile: list: %w", err)
	}

	docs, err := e.scan(ctx, ns)
	if err != nil {
		return nil, err
	}
	summaries := make([]storage.ConversationSummary, 0, len(docs))
	for _, d := range docs {
		summaries = append(summaries, d.summary)
	}
	return storage.ApplyListOptions(summaries, opts), nil
}

// Delete removes the document under key.
func (e *Engine) Delete(ctx context.Context, key storage.Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := key.Validate(); err != nil {
		return fmt.Errorf("jsonfile: delete: %w", err)
	}

	if err := e.fs.Remove(e.Path(key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("jsonfile: %s: %w", key, storage.ErrNotFound)
		}
		return fmt.Errorf("jsonfile: %w: delete %s: %v", storage.ErrIO, key, err)
	}
	return nil
}

// Archive writes the conversation under dst and only then removes src.
// If the process dies between the two steps the conversation exists in
// both places and repeating the archive is safe.
func (e *Engine) Archive(ctx context.Context, src, dst storage.Key) error {
	if err := dst.Validate(); err != nil {
		return fmt.Errorf("jsonfile: archive: %w", err)
	}

	conv, err := e.Load(ctx, src)
	if err != nil {
		return err
	}
	if err := e.Save(ctx, conv, dst); err != nil {
		return err
	}
	return e.Delete(ctx, src)
}

// Search matches titles and message text case-insensitively.
func (e *Engine) Search(ctx context.Context, ns storage.Namespace, q storage.SearchQuery) ([]storage.SearchResult, error) {
	if err := ns.Validate(); err != nil {
		return nil, fmt.Errorf("jsonfile: search: %w", err)
	}
	q.Normalize()
	if q.Text == "" {
		return nil, fmt.Errorf("jsonfile: search: %w: empty query", storage.ErrInvalidInput)
	}

	docs, err := e.scan(ctx, ns)
	if err != nil {
		return nil, err
	}

	var results []storage.SearchResult
	for _, d := range docs {
		if res, ok := storage.MatchConversation(d.conv, q); ok {
			res.Summary = d.summary
			results = append(results, res)
		}
	}
	return storage.RankResults(results, q.Limit), nil
}

// Stats totals one project or all of them.
func (e *Engine) Stats(ctx context.Context, project string) (*storage.Stats, error) {
	projects := []string{project}
	if project == "" {
		var err error
		if projects, err = e.Projects(ctx); err != nil {
			return nil, err
		}
	}

	stats := &storage.Stats{Backend: Name, Projects: len(projects)}
	for _, p := range projects {
		for _, ns := range []storage.Namespace{storage.History(p), storage.Archived(p)} {
			if err := ns.Validate(); err != nil {
				return nil, fmt.Errorf("jsonfile: stats: %w", err)
			}
			docs, err := e.scan(ctx, ns)
			if err != nil {
				return nil, err
			}
			for _, d := range docs {
				stats.Add(d.summary)
			}
		}
	}
	return stats, nil
}

// HealthCheck verifies the root is writable.
func (e *Engine) HealthCheck(_ context.Context) error {
	if e.root == "" {
		return fmt.Errorf("jsonfile: %w: not initialized", storage.ErrBackendUnavailable)
	}
	probe := filepath.Join(e.root, healthFile)
	if err := fsutil.WriteAtomic(e.fs, probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("jsonfile: %w: root not writable: %v", storage.ErrBackendUnavailable, err)
	}
	_ = e.fs.Remove(probe)
	return nil
}

// Projects lists project directories under the root.
func (e *Engine) Projects(_ context.Context) ([]string, error) {
	entries, err := e.fs.ReadDir(filepath.Join(e.root, projectsDir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("jsonfile: %w: list projects: %v", storage.ErrIO, err)
	}

	var projects []string
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			projects = append(projects, entry.Name())
		}
	}
	return projects, nil
}

// NextFilename returns one past the highest numbered document in ns.
func (e *Engine) NextFilename(_ context.Context, ns storage.Namespace) (string, error) {
	if err := ns.Validate(); err != nil {
		return "", fmt.Errorf("jsonfile: next filename: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	names, err := e.documents(ns)
	if err != nil {
		return "", err
	}
	return storage.NextNumberedFilename(names), nil
}

type metadataDoc struct {
	LatestFilename string `json:"latest_filename"`
}

// Latest reads the metadata.json pointer of ns.
func (e *Engine) Latest(_ context.Context, ns storage.Namespace) (string, error) {
	if err := ns.Validate(); err != nil {
		return "", fmt.Errorf("jsonfile: latest: %w", err)
	}

	raw, err := e.fs.ReadFile(filepath.Join(e.dir(ns), storage.MetadataFilename))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("jsonfile: %s latest pointer: %w", ns, storage.ErrNotFound)
		}
		return "", fmt.Errorf("jsonfile: %w: read %s metadata: %v", storage.ErrIO, ns, err)
	}

	var md metadataDoc
	if err := json.Unmarshal(raw, &md); err != nil {
		return "", fmt.Errorf("jsonfile: %s metadata: %w: %v", ns, storage.ErrDecode, err)
	}
	if md.LatestFilename == "" {
		return "", fmt.Errorf("jsonfile: %s latest pointer: %w", ns, storage.ErrNotFound)
	}
	return md.LatestFilename, nil
}

// SetLatest rewrites the metadata.json pointer of ns.
func (e *Engine) SetLatest(_ context.Context, ns storage.Namespace, filename string) error {
	if err := ns.Key(filename).Validate(); err != nil {
		return fmt.Errorf("jsonfile: set latest: %w", err)
	}

	data, err := json.MarshalIndent(metadataDoc{LatestFilename: filename}, "", "  ")
	if err != nil {
		return fmt.Errorf("jsonfile: encode metadata: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := fsutil.WriteAtomic(e.fs, filepath.Join(e.dir(ns), storage.MetadataFilename), data, 0o644); err != nil {
		return fmt.Errorf("jsonfile: %w: write %s metadata: %v", storage.ErrIO, ns, err)
	}
	return nil
}

func (e *Engine) Close() error { return nil }
