// Package bolt stores conversation documents in a single bbolt file.
//
// Layout: bucket "projects" holds one bucket per project, each holding one
// bucket per area keyed by filename. Bucket "meta" maps "<project>/<area>"
// to the latest filename. Search is not supported.
package bolt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/scrypster/chathistory/internal/format"
	"github.com/scrypster/chathistory/internal/storage"
	"github.com/scrypster/chathistory/pkg/types"
)

// Name is the registry name of this backend.
const Name = "bolt"

var (
	projectsBucket = []byte("projects")
	metaBucket     = []byte("meta")
)

// Engine implements storage.Engine on bbolt.
type Engine struct {
	db        *bbolt.DB
	converter *format.Converter
	logger    *slog.Logger
}

var _ storage.Engine = (*Engine)(nil)

// New returns an engine that opens its file on Initialize. A nil logger
// uses slog.Default().
func New(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{converter: format.NewConverter(), logger: logger}
}

func (e *Engine) Name() string { return Name }

// Initialize opens cfg.DSN, or <cfg.Root>/chathistory.bolt when no DSN is
// given.
func (e *Engine) Initialize(_ context.Context, cfg storage.EngineConfig) error {
	if e.db != nil {
		return nil
	}

	path := cfg.DSN
	if path == "" {
		if cfg.Root == "" {
			return fmt.Errorf("bolt: %w: path or storage root is required", storage.ErrInvalidInput)
		}
		path = filepath.Join(cfg.Root, "chathistory.bolt")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("bolt: %w: create directory: %v", storage.ErrBackendUnavailable, err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return fmt.Errorf("bolt: %w: open %s: %v", storage.ErrBackendUnavailable, path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(projectsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("bolt: %w: create buckets: %v", storage.ErrBackendUnavailable, err)
	}

	e.db = db
	return nil
}

// namespaceBucket returns the bucket of ns, or nil when it does not exist.
func namespaceBucket(tx *bbolt.Tx, ns storage.Namespace) *bbolt.Bucket {
	p := tx.Bucket(projectsBucket).Bucket([]byte(ns.Project))
	if p == nil {
		return nil
	}
	return p.Bucket([]byte(ns.Area))
}

func createNamespaceBucket(tx *bbolt.Tx, ns storage.Namespace) (*bbolt.Bucket, error) {
	p, err := tx.Bucket(projectsBucket).CreateBucketIfNotExists([]byte(ns.Project))
	if err != nil {
		return nil, err
	}
	return p.CreateBucketIfNotExists([]byte(ns.Area))
}

func (e *Engine) put(tx *bbolt.Tx, conv *types.Conversation, key storage.Key) error {
	storage.PrepareForSave(conv, key)
	data, err := format.Encode(conv)
	if err != nil {
		return err
	}
	b, err := createNamespaceBucket(tx, key.Namespace)
	if err != nil {
		return err
	}
	return b.Put([]byte(key.Filename), data)
}

// Save writes conv under key.
func (e *Engine) Save(_ context.Context, conv *types.Conversation, key storage.Key) error {
	if conv == nil {
		return fmt.Errorf("bolt: %w: conversation is nil", storage.ErrInvalidInput)
	}
	if err := key.Validate(); err != nil {
		return fmt.Errorf("bolt: save: %w", err)
	}
	if err := e.db.Update(func(tx *bbolt.Tx) error { return e.put(tx, conv, key) }); err != nil {
		return fmt.Errorf("bolt: %w: save %s: %v", storage.ErrIO, key, err)
	}
	return nil
}

func (e *Engine) get(tx *bbolt.Tx, key storage.Key) (*types.Conversation, error) {
	b := namespaceBucket(tx, key.Namespace)
	var raw []byte
	if b != nil {
		raw = b.Get([]byte(key.Filename))
	}
	if raw == nil {
		return nil, fmt.Errorf("bolt: %s: %w", key, storage.ErrNotFound)
	}
	// Values are only valid for the life of the transaction; Decode copies.
	conv, _, err := e.converter.Decode(raw, format.Options{Filename: key.Filename, Seed: key.String()})
	if err != nil {
		return nil, fmt.Errorf("bolt: %s: %w: %v", key, storage.ErrDecode, err)
	}
	conv.Archived = conv.Archived || key.Area == storage.AreaArchive
	return conv, nil
}

// Load reads the document under key.
func (e *Engine) Load(_ context.Context, key storage.Key) (*types.Conversation, error) {
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("bolt: load: %w", err)
	}
	var conv *types.Conversation
	err := e.db.View(func(tx *bbolt.Tx) error {
		var err error
		conv, err = e.get(tx, key)
		return err
	})
	return conv, err
}

func (e *Engine) summaries(tx *bbolt.Tx, ns storage.Namespace) []storage.ConversationSummary {
	b := namespaceBucket(tx, ns)
	if b == nil {
		return nil
	}
	var out []storage.ConversationSummary
	_ = b.ForEach(func(k, v []byte) error {
		key := ns.Key(string(k))
		conv, _, err := e.converter.Decode(v, format.Options{Filename: key.Filename, Seed: key.String()})
		if err != nil {
			// Skip malformed entries instead of failing the whole list.
			e.logger.Warn("bolt: skipping undecodable document", "key", key.String(), "error", err)
			return nil
		}
		conv.Archived = conv.Archived || ns.Area == storage.AreaArchive
		out = append(out, storage.Summarize(conv, key, int64(len(v))))
		return nil
	})
	return out
}

// List returns summaries of ns.
func (e *Engine) List(_ context.Context, ns storage.Namespace, opts storage.ListOptions) ([]storage.ConversationSummary, error) {
	if err := ns.Validate(); err != nil {
		return nil, fmt.Errorf("bolt: list: %w", err)
	}
	var sums []storage.ConversationSummary
	err := e.db.View(func(tx *bbolt.Tx) error {
		sums = e.summaries(tx, ns)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bolt: list %s: %w", ns, err)
	}
	return storage.ApplyListOptions(sums, opts), nil
}

// Delete removes the document under key.
func (e *Engine) Delete(_ context.Context, key storage.Key) error {
	if err := key.Validate(); err != nil {
		return fmt.Errorf("bolt: delete: %w", err)
	}
	err := e.db.Update(func(tx *bbolt.Tx) error {
		b := namespaceBucket(tx, key.Namespace)
		if b == nil || b.Get([]byte(key.Filename)) == nil {
			return storage.ErrNotFound
		}
		return b.Delete([]byte(key.Filename))
	})
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("bolt: %s: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("bolt: %w: delete %s: %v", storage.ErrIO, key, err)
	}
	return nil
}

// Archive moves src to dst in one transaction.
func (e *Engine) Archive(_ context.Context, src, dst storage.Key) error {
	if err := src.Validate(); err != nil {
		return fmt.Errorf("bolt: archive: %w", err)
	}
	if err := dst.Validate(); err != nil {
		return fmt.Errorf("bolt: archive: %w", err)
	}
	err := e.db.Update(func(tx *bbolt.Tx) error {
		conv, err := e.get(tx, src)
		if err != nil {
			return err
		}
		if err := e.put(tx, conv, dst); err != nil {
			return err
		}
		if src == dst {
			return nil
		}
		return namespaceBucket(tx, src.Namespace).Delete([]byte(src.Filename))
	})
	if err != nil && !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrDecode) {
		return fmt.Errorf("bolt: %w: archive %s: %v", storage.ErrIO, src, err)
	}
	return err
}

// Search is not supported by this backend.
func (e *Engine) Search(context.Context, storage.Namespace, storage.SearchQuery) ([]storage.SearchResult, error) {
	return nil, fmt.Errorf("bolt: search: %w", storage.ErrUnsupported)
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
	err := e.db.View(func(tx *bbolt.Tx) error {
		for _, p := range projects {
			for _, ns := range []storage.Namespace{storage.History(p), storage.Archived(p)} {
				for _, sum := range e.summaries(tx, ns) {
					stats.Add(sum)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bolt: stats: %w", err)
	}
	return stats, nil
}

// HealthCheck verifies the database accepts a write transaction.
func (e *Engine) HealthCheck(_ context.Context) error {
	if e.db == nil {
		return fmt.Errorf("bolt: %w: not initialized", storage.ErrBackendUnavailable)
	}
	if err := e.db.Update(func(tx *bbolt.Tx) error { return nil }); err != nil {
		return fmt.Errorf("bolt: %w: %v", storage.ErrBackendUnavailable, err)
	}
	return nil
}

// Projects lists project buckets.
func (e *Engine) Projects(_ context.Context) ([]string, error) {
	var out []string
	err := e.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(projectsBucket).ForEach(func(k, v []byte) error {
			if v == nil { // nested bucket
				out = append(out, string(k))
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("bolt: projects: %w", err)
	}
	return out, nil
}

// NextFilename returns one past the highest numbered document in ns.
func (e *Engine) NextFilename(_ context.Context, ns storage.Namespace) (string, error) {
	if err := ns.Validate(); err != nil {
		return "", fmt.Errorf("bolt: next filename: %w", err)
	}
	var names []string
	err := e.db.View(func(tx *bbolt.Tx) error {
		b := namespaceBucket(tx, ns)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	if err != nil {
		return "", fmt.Errorf("bolt: next filename: %w", err)
	}
	return storage.NextNumberedFilename(names), nil
}

func metaKey(ns storage.Namespace) []byte {
	return []byte(ns.String())
}

// Latest reads the latest pointer of ns.
func (e *Engine) Latest(_ context.Context, ns storage.Namespace) (string, error) {
	if err := ns.Validate(); err != nil {
		return "", fmt.Errorf("bolt: latest: %w", err)
	}
	var name string
	_ = e.db.View(func(tx *bbolt.Tx) error {
		name = string(tx.Bucket(metaBucket).Get(metaKey(ns)))
		return nil
	})
	if name == "" {
		return "", fmt.Errorf("bolt: %s latest pointer: %w", ns, storage.ErrNotFound)
	}
	return name, nil
}

// SetLatest records the latest pointer of ns.
func (e *Engine) SetLatest(_ context.Context, ns storage.Namespace, filename string) error {
	if err := ns.Key(filename).Validate(); err != nil {
		return fmt.Errorf("bolt: set latest: %w", err)
	}
	err := e.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metaBucket).Put(metaKey(ns), []byte(filename))
	})
	if err != nil {
		return fmt.Errorf("bolt: %w: set latest %s: %v", storage.ErrIO, ns, err)
	}
	return nil
}

// Close closes the database file.
func (e *Engine) Close() error {
	if e.db == nil {
		return nil
	}
	err := e.db.Close()
	e.db = nil
	return err
}

var _ storage.Snapshotter = (*Engine)(nil)

// Snapshot writes a consistent copy of the database file to dst from a
// read transaction, so writers are not blocked.
func (e *Engine) Snapshot(_ context.Context, dst string) error {
	if e.db == nil {
		return fmt.Errorf("bolt: %w: not initialized", storage.ErrBackendUnavailable)
	}
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("bolt: %w: snapshot target %s exists", storage.ErrInvalidInput, dst)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return fmt.Errorf("bolt: create snapshot directory: %w", err)
	}
	if err := e.db.View(func(tx *bbolt.Tx) error { return tx.CopyFile(dst, 0o600) }); err != nil {
		return fmt.Errorf("bolt: snapshot to %s: %w", dst, err)
	}
	e.logger.Info("bolt: snapshot written", "path", dst)
	return nil
}
