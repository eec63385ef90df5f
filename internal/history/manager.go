// Package history is the façade the rest of the application uses to read
// and write conversation histories. It resolves a project's storage
// namespace, keeps recently used conversations in a TTL+LRU cache,
// coalesces bursts of saves per conversation into one write, and delegates
// persistence to a storage.Engine.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/chathistory/internal/fsutil"
	"github.com/scrypster/chathistory/internal/metrics"
	"github.com/scrypster/chathistory/internal/migration"
	"github.com/scrypster/chathistory/internal/storage"
	"github.com/scrypster/chathistory/pkg/types"
)

// ErrClosed is returned by Save after Close.
var ErrClosed = errors.New("history: manager is closed")

// Save modes, as reported to metrics.
const (
	modeSync      = "sync"
	modeDebounced = "debounced"
)

// Config controls caching and write behaviour.
type Config struct {
	CacheTTL        time.Duration
	CacheMaxEntries int

	// AsyncSave enables write-behind: Save returns once the cache is
	// updated and the backend write happens after Debounce.
	AsyncSave bool
	Debounce  time.Duration

	// AutoMigrate runs the migration pipeline on a file-backed document
	// before it is loaded.
	AutoMigrate bool
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		CacheTTL:        5 * time.Minute,
		CacheMaxEntries: 50,
		AsyncSave:       true,
		Debounce:        500 * time.Millisecond,
		AutoMigrate:     true,
	}
}

// Notifier is told about every successful write so other processes can
// drop their cached copies.
type Notifier interface {
	Notify(eventType, project, filename string) error
}

// CacheStats is a snapshot of cache counters.
type CacheStats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Size      int    `json:"size"`
	Pending   int    `json:"pending_writes"`
}

type pendingWrite struct {
	key   storage.Key
	conv  *types.Conversation
	timer *time.Timer
}

// Manager owns the cache and the write-behind queue for one storage engine.
// All methods are safe for concurrent use.
type Manager struct {
	cfg      Config
	engine   storage.Engine
	migrator *migration.Engine
	notifier Notifier
	fs       fsutil.FS
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	newID    func() string

	mu      sync.Mutex
	cache   *cache
	pending map[storage.Key]*pendingWrite
	closed  bool

	// writeMu serialises backend writes so a stale debounced write can never
	// land after a newer one for the same key.
	writeMu sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithMigrator enables auto-migration through e.
func WithMigrator(e *migration.Engine) Option { return func(m *Manager) { m.migrator = e } }

// WithNotifier publishes write events through n.
func WithNotifier(n Notifier) Option { return func(m *Manager) { m.notifier = n } }

// WithFS replaces the filesystem used to check backing files.
func WithFS(fsys fsutil.FS) Option { return func(m *Manager) { m.fs = fsys } }

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option { return func(m *Manager) { m.logger = logger } }

// WithMetrics records cache and write activity in mt.
func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

// WithClock replaces the clock used for cache expiry and timestamps.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithIDGenerator replaces the conversation id generator.
func WithIDGenerator(newID func() string) Option { return func(m *Manager) { m.newID = newID } }

// New creates a manager over an initialised engine.
func New(engine storage.Engine, cfg Config, opts ...Option) (*Manager, error) {
	if engine == nil {
		return nil, fmt.Errorf("history: %w: nil storage engine", storage.ErrInvalidInput)
	}
	m := &Manager{
		cfg:     cfg,
		engine:  engine,
		fs:      fsutil.OS{},
		now:     time.Now,
		newID:   uuid.NewString,
		pending: make(map[storage.Key]*pendingWrite),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}

	c, err := newCache(cfg.CacheMaxEntries, cfg.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("history: create cache: %w", err)
	}
	m.cache = c
	return m, nil
}

// Engine returns the storage engine the manager writes to.
func (m *Manager) Engine() storage.Engine { return m.engine }

func (m *Manager) fresh(pc ProjectContext, filename string) *types.Conversation {
	return types.NewConversation(m.newID(), filename, pc.info(), m.now().UTC())
}

// Load returns the conversation stored under filename for pc. An empty
// filename means the most recently active conversation, falling back to the
// highest numbered one.
//
// A conversation that does not exist yet, or a backend that cannot be
// reached, yields a fresh empty conversation and no error. A stored document
// that cannot be decoded yields a fresh conversation together with an error
// wrapping storage.ErrDecode.
func (m *Manager) Load(ctx context.Context, pc ProjectContext, filename string) (*types.Conversation, error) {
	ns := storage.History(ResolveLocation(pc))

	if filename == "" {
		name, err := m.currentFilename(ctx, ns)
		if err != nil {
			if errors.Is(err, storage.ErrInvalidInput) {
				return nil, err
			}
			m.logger.Warn("history: storage unavailable, starting fresh conversation", "namespace", ns.String(), "error", err)
			m.metrics.LoadFallback("unavailable")
			return m.fresh(pc, "0.json"), nil
		}
		filename = name
	}
	key := ns.Key(filename)
	if err := key.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	var (
		conv *types.Conversation
		hit  bool
	)
	if p, ok := m.pending[key]; ok {
		// Unwritten content is newer than the disk copy even if its cache
		// entry was evicted.
		conv, hit = p.conv.Clone(), true
		m.cache.hits++
	} else {
		conv, hit = m.cache.get(key, m.now())
	}
	m.mu.Unlock()
	if hit {
		m.metrics.CacheHit()
		return conv, nil
	}
	m.metrics.CacheMiss()

	m.autoMigrate(ctx, key, pc)

	conv, err := m.engine.Load(ctx, key)
	switch {
	case err == nil:
		m.fill(key, conv)
		return conv, nil
	case errors.Is(err, storage.ErrNotFound):
		m.metrics.LoadFallback("not_found")
		return m.fresh(pc, filename), nil
	case errors.Is(err, storage.ErrDecode):
		m.metrics.LoadFallback("decode")
		m.logger.Error("history: stored conversation unreadable, starting fresh", "key", key.String(), "error", err)
		return m.fresh(pc, filename), fmt.Errorf("history: load %s: %w", key, err)
	case errors.Is(err, storage.ErrInvalidInput):
		return nil, err
	default:
		m.metrics.LoadFallback("unavailable")
		m.logger.Warn("history: storage unavailable, starting fresh conversation", "key", key.String(), "error", err)
		return m.fresh(pc, filename), nil
	}
}

// currentFilename resolves the latest pointer, then the highest numbered
// file, then the first free name.
func (m *Manager) currentFilename(ctx context.Context, ns storage.Namespace) (string, error) {
	name, err := m.engine.Latest(ctx, ns)
	if err == nil {
		return name, nil
	}
	// An unreadable pointer is as good as none.
	if !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrDecode) {
		return "", err
	}

	next, err := m.engine.NextFilename(ctx, ns)
	if err != nil {
		return "", err
	}
	if n, ok := storage.FilenameNumber(next); ok && n > 0 {
		return strconv.Itoa(n-1) + ".json", nil
	}
	return next, nil
}

func (m *Manager) autoMigrate(ctx context.Context, key storage.Key, pc ProjectContext) {
	if !m.cfg.AutoMigrate || m.migrator == nil {
		return
	}
	fb, ok := m.engine.(storage.FileBacked)
	if !ok {
		return
	}
	path := fb.Path(key)
	if path == "" {
		return
	}
	if exists, err := fsutil.Exists(m.fs, path); err != nil || !exists {
		return
	}
	// A failed migration leaves the file as it was; Load still reads it.
	if _, err := m.migrator.MigrateFile(ctx, path, pc.info()); err != nil {
		m.logger.Warn("history: auto-migration failed, loading original document", "key", key.String(), "error", err)
	}
}

func (m *Manager) fill(key storage.Key, conv *types.Conversation) {
	m.mu.Lock()
	expired, overflow := m.cache.put(key, conv, m.now())
	size := m.cache.len()
	m.mu.Unlock()

	m.metrics.CacheEvicted("ttl", expired)
	m.metrics.CacheEvicted("capacity", overflow)
	m.metrics.CacheSize(size)
}

// Save persists conv for pc. Statistics are recomputed and the cache is
// updated before Save returns. With AsyncSave the backend write is deferred
// by the debounce window, and a later Save for the same conversation
// replaces it; otherwise the write happens now and its error is returned.
func (m *Manager) Save(ctx context.Context, pc ProjectContext, conv *types.Conversation) error {
	if conv == nil {
		return fmt.Errorf("history: %w: nil conversation", storage.ErrInvalidInput)
	}
	ns := storage.History(ResolveLocation(pc))

	if conv.Filename == "" {
		name, err := m.nextFilename(ctx, ns)
		if err != nil {
			return err
		}
		conv.Filename = name
	}
	key := ns.Key(conv.Filename)
	if err := key.Validate(); err != nil {
		return err
	}

	if conv.ID == "" {
		conv.ID = m.newID()
	}
	if conv.ProjectInfo.RootPath == "" {
		conv.ProjectInfo = pc.info()
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = m.now().UTC()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = conv.UpdatedAt
	}
	conv.RecomputeStatistics()
	snapshot := conv.Clone()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	expired, overflow := m.cache.put(key, snapshot, m.now())
	size := m.cache.len()
	async := m.cfg.AsyncSave && m.cfg.Debounce > 0
	if async {
		m.schedule(key, snapshot)
	} else {
		m.cancelPending(key)
	}
	pending := len(m.pending)
	m.mu.Unlock()

	m.metrics.CacheEvicted("ttl", expired)
	m.metrics.CacheEvicted("capacity", overflow)
	m.metrics.CacheSize(size)
	m.metrics.Pending(pending)
	if async {
		return nil
	}

	return m.write(ctx, key, snapshot, modeSync)
}

// schedule replaces any pending write for key. Callers hold m.mu.
func (m *Manager) schedule(key storage.Key, conv *types.Conversation) {
	m.cancelPending(key)
	p := &pendingWrite{key: key, conv: conv}
	p.timer = time.AfterFunc(m.cfg.Debounce, func() { m.fire(p) })
	m.pending[key] = p
}

// cancelPending stops and forgets the pending write for key. Callers hold
// m.mu.
func (m *Manager) cancelPending(key storage.Key) {
	if p, ok := m.pending[key]; ok {
		p.timer.Stop()
		delete(m.pending, key)
	}
}

// fire runs a debounced write unless it was replaced or flushed meanwhile.
func (m *Manager) fire(p *pendingWrite) {
	m.mu.Lock()
	if m.pending[p.key] != p {
		m.mu.Unlock()
		return
	}
	delete(m.pending, p.key)
	pending := len(m.pending)
	m.mu.Unlock()
	m.metrics.Pending(pending)

	if err := m.write(context.Background(), p.key, p.conv, modeDebounced); err != nil {
		m.logger.Error("history: debounced save failed", "key", p.key.String(), "error", err)
	}
}

func (m *Manager) write(ctx context.Context, key storage.Key, conv *types.Conversation, mode string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	start := time.Now()
	err := m.engine.Save(ctx, conv, key)
	m.metrics.SaveDone(mode, err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("history: save %s: %w", key, err)
	}

	if err := m.engine.SetLatest(ctx, key.Namespace, key.Filename); err != nil {
		m.logger.Warn("history: update latest pointer", "key", key.String(), "error", err)
	}
	m.publish("saved", key)
	return nil
}

func (m *Manager) publish(eventType string, key storage.Key) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(eventType, key.Project, key.Filename); err != nil {
		m.logger.Debug("history: publish change event", "key", key.String(), "error", err)
	}
}

// nextFilename is the engine's next free name, bumped past any write still
// waiting in the debounce queue.
func (m *Manager) nextFilename(ctx context.Context, ns storage.Namespace) (string, error) {
	next, err := m.engine.NextFilename(ctx, ns)
	if err != nil {
		return "", fmt.Errorf("history: next filename in %s: %w", ns, err)
	}
	n, ok := storage.FilenameNumber(next)
	if !ok {
		return next, nil
	}

	var names []string
	if n > 0 {
		names = append(names, strconv.Itoa(n-1)+".json")
	}
	m.mu.Lock()
	for key := range m.pending {
		if key.Namespace == ns {
			names = append(names, key.Filename)
		}
	}
	m.mu.Unlock()
	return storage.NextNumberedFilename(names), nil
}

// NewConversation returns an empty conversation bound to the next free
// filename of pc. Nothing is written until Save.
func (m *Manager) NewConversation(ctx context.Context, pc ProjectContext) (*types.Conversation, error) {
	ns := storage.History(ResolveLocation(pc))
	name, err := m.nextFilename(ctx, ns)
	if err != nil {
		return nil, err
	}
	return m.fresh(pc, name), nil
}

// List returns summaries of pc's stored conversations.
func (m *Manager) List(ctx context.Context, pc ProjectContext, opts storage.ListOptions) ([]storage.ConversationSummary, error) {
	return m.engine.List(ctx, storage.History(ResolveLocation(pc)), opts)
}

// Delete removes a conversation, its cache entry and any pending write.
func (m *Manager) Delete(ctx context.Context, pc ProjectContext, filename string) error {
	key := storage.History(ResolveLocation(pc)).Key(filename)
	if err := key.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	m.cancelPending(key)
	m.cache.remove(key)
	size, pending := m.cache.len(), len(m.pending)
	m.mu.Unlock()
	m.metrics.CacheSize(size)
	m.metrics.Pending(pending)

	m.writeMu.Lock()
	err := m.engine.Delete(ctx, key)
	m.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("history: delete %s: %w", key, err)
	}
	m.publish("deleted", key)
	return nil
}

// Search finds conversations of pc matching q.
func (m *Manager) Search(ctx context.Context, pc ProjectContext, q storage.SearchQuery) ([]storage.SearchResult, error) {
	return m.engine.Search(ctx, storage.History(ResolveLocation(pc)), q)
}

// Stats reports storage totals for pc's project, or for every project when
// pc.RootPath is empty.
func (m *Manager) Stats(ctx context.Context, pc ProjectContext) (*storage.Stats, error) {
	project := ""
	if pc.RootPath != "" {
		project = ResolveLocation(pc)
	}
	return m.engine.Stats(ctx, project)
}

// Invalidate drops cached copies for project, or only filename when given.
// Conversations with a pending write keep their entry: the pending content
// is newer than anything on disk.
func (m *Manager) Invalidate(project, filename string) {
	m.mu.Lock()
	hasPending := func(key storage.Key) bool {
		_, ok := m.pending[key]
		return ok
	}
	var n int
	if filename == "" {
		n = m.cache.removeProject(project, hasPending)
	} else if key := storage.History(project).Key(filename); !hasPending(key) && m.cache.remove(key) {
		n = 1
	}
	m.cache.evictions += uint64(n)
	size := m.cache.len()
	m.mu.Unlock()

	m.metrics.CacheEvicted("invalidate", n)
	m.metrics.CacheSize(size)
}

// Flush writes every pending debounced save now and returns the joined
// errors.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	batch := make([]*pendingWrite, 0, len(m.pending))
	for key, p := range m.pending {
		p.timer.Stop()
		delete(m.pending, key)
		batch = append(batch, p)
	}
	m.mu.Unlock()
	m.metrics.Pending(0)

	var errs []error
	for _, p := range batch {
		if err := m.write(ctx, p.key, p.conv, modeDebounced); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close flushes pending writes and rejects further saves. The engine is
// left open for its owner to close.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return m.Flush(ctx)
}

// CacheStats returns a snapshot of the cache counters.
func (m *Manager) CacheStats() CacheStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return CacheStats{
		Hits:      m.cache.hits,
		Misses:    m.cache.misses,
		Evictions: m.cache.evictions,
		Size:      m.cache.len(),
		Pending:   len(m.pending),
	}
}

// Reset drops the cache, pending writes and counters, and reopens a closed
// manager.
func (m *Manager) Reset() {
	m.mu.Lock()
	for key := range m.pending {
		m.cancelPending(key)
	}
	m.cache.reset()
	m.closed = false
	m.mu.Unlock()
	m.metrics.CacheSize(0)
	m.metrics.Pending(0)
}
