// Package storage defines the persistence contract for conversation
// histories.
//
// Every backend stores one document per conversation, addressed by a Key
// (project, area, filename), plus a per-namespace pointer to the most
// recently active filename. Backends live in subpackages; selection by
// name happens in internal/backends.
package storage

import (
	"context"

	"github.com/scrypster/chathistory/pkg/types"
)

// Engine is the contract every storage backend implements.
type Engine interface {
	// Name returns the registry name of the backend (e.g. "jsonfile").
	Name() string

	// Initialize prepares the backend. It must be called once before any
	// other method and is safe to call again.
	Initialize(ctx context.Context, cfg EngineConfig) error

	// Save writes conv under key, replacing any existing document.
	// Statistics are recomputed before the write.
	Save(ctx context.Context, conv *types.Conversation, key Key) error

	// Load reads the document under key.
	// Returns ErrNotFound if nothing is stored there and ErrDecode if the
	// stored bytes cannot be read as a conversation.
	Load(ctx context.Context, key Key) (*types.Conversation, error)

	// List returns summaries of every conversation in ns.
	List(ctx context.Context, ns Namespace, opts ListOptions) ([]ConversationSummary, error)

	// Delete removes the document under key.
	// Returns ErrNotFound if nothing is stored there.
	Delete(ctx context.Context, key Key) error

	// Archive moves src to dst: the copy at dst is written first and src is
	// removed only after that write succeeded. The moved conversation is
	// flagged archived.
	Archive(ctx context.Context, src, dst Key) error

	// Search finds conversations in ns matching q.
	// Backends without search return ErrUnsupported.
	Search(ctx context.Context, ns Namespace, q SearchQuery) ([]SearchResult, error)

	// Stats reports totals for one project, or for all projects when
	// project is empty.
	Stats(ctx context.Context, project string) (*Stats, error)

	// HealthCheck verifies the backend is reachable and writable.
	HealthCheck(ctx context.Context) error

	// Projects lists every project key with stored data.
	Projects(ctx context.Context) ([]string, error)

	// NextFilename returns the next free numbered filename in ns:
	// one more than the highest numeric basename present.
	NextFilename(ctx context.Context, ns Namespace) (string, error)

	// Latest returns the most recently active filename in ns.
	// Returns ErrNotFound when no pointer has been recorded.
	Latest(ctx context.Context, ns Namespace) (string, error)

	// SetLatest records filename as the most recently active in ns.
	SetLatest(ctx context.Context, ns Namespace, filename string) error

	// Close releases any resources held by the backend.
	Close() error
}

// FileBacked is implemented by engines that keep each conversation in its
// own file. It lets callers run file-level migrations before a Load.
type FileBacked interface {
	// Path returns the filesystem path of the document under key, or ""
	// when the key has no backing file.
	Path(key Key) string
}

// Snapshotter is implemented by engines backed by a single database file.
// Snapshot writes a consistent point-in-time copy of the database to dst,
// which must not exist yet.
type Snapshotter interface {
	Snapshot(ctx context.Context, dst string) error
}
