package history

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/chathistory/internal/format"
	"github.com/scrypster/chathistory/internal/migration"
	"github.com/scrypster/chathistory/internal/storage"
	"github.com/scrypster/chathistory/internal/storage/jsonfile"
	"github.com/scrypster/chathistory/pkg/types"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// countingEngine counts backend writes.
type countingEngine struct {
	storage.Engine
	saves atomic.Int32
}

func (e *countingEngine) Save(ctx context.Context, conv *types.Conversation, key storage.Key) error {
	e.saves.Add(1)
	return e.Engine.Save(ctx, conv, key)
}

func (e *countingEngine) Path(key storage.Key) string {
	if fb, ok := e.Engine.(storage.FileBacked); ok {
		return fb.Path(key)
	}
	return ""
}

// downEngine fails every call as an unreachable backend would.
type downEngine struct {
	storage.Engine
}

func (downEngine) Latest(context.Context, storage.Namespace) (string, error) {
	return "", storage.ErrBackendUnavailable
}

func (downEngine) Load(context.Context, storage.Key) (*types.Conversation, error) {
	return nil, storage.ErrBackendUnavailable
}

type fixture struct {
	mgr    *Manager
	engine *countingEngine
	files  *jsonfile.Engine
	clock  *fakeClock
	pc     ProjectContext
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	files := jsonfile.New()
	require.NoError(t, files.Initialize(context.Background(), storage.EngineConfig{Root: t.TempDir()}))
	engine := &countingEngine{Engine: files}
	clock := newFakeClock()

	ids := 0
	var idMu sync.Mutex
	base := []Option{
		WithClock(clock.Now),
		WithIDGenerator(func() string {
			idMu.Lock()
			defer idMu.Unlock()
			ids++
			return fmt.Sprintf("conv-%d", ids)
		}),
	}
	mgr, err := New(engine, cfg, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(mgr.Reset)

	return &fixture{mgr: mgr, engine: engine, files: files, clock: clock, pc: ProjectContext{RootPath: "/work/demo"}}
}

func syncConfig() Config {
	return Config{CacheTTL: time.Minute, CacheMaxEntries: 10}
}

func textMessage(id string, role types.Role, text string) types.Message {
	return types.Message{ID: id, Role: role, Content: types.TextContent(text), State: types.StateGenerated}
}

func TestResolveLocation(t *testing.T) {
	a := ResolveLocation(ProjectContext{RootPath: "/home/dev/my-app"})
	assert.Equal(t, a, ResolveLocation(ProjectContext{RootPath: "/home/dev/my-app/"}))
	assert.Equal(t, a, ResolveLocation(ProjectContext{RootPath: "/home/dev/./my-app"}))
	assert.Regexp(t, regexp.MustCompile(`^home_dev_my_app-[0-9a-f]{8}$`), a)

	b := ResolveLocation(ProjectContext{RootPath: "/home/dev/my_app"})
	assert.NotEqual(t, a, b, "roots that sanitise alike must not collide")

	root := ResolveLocation(ProjectContext{RootPath: "/"})
	assert.Regexp(t, `^root-[0-9a-f]{8}$`, root)

	long := ResolveLocation(ProjectContext{RootPath: "/very/deep/" + fmt.Sprintf("%0200d", 7)})
	require.NoError(t, storage.History(long).Validate())
	assert.LessOrEqual(t, len(long), maxLocationStem+9)
}

func TestLoad_NothingStoredIsFresh(t *testing.T) {
	f := newFixture(t, syncConfig())

	conv, err := f.mgr.Load(context.Background(), f.pc, "")
	require.NoError(t, err)
	assert.Equal(t, "0.json", conv.Filename)
	assert.Empty(t, conv.Messages)
	assert.Equal(t, ResolveLocation(f.pc), conv.ProjectInfo.ProjectKey)
	assert.Zero(t, f.mgr.CacheStats().Size, "fresh conversations are not cached")
}

func TestSaveThenLoadHitsCache(t *testing.T) {
	f := newFixture(t, syncConfig())
	ctx := context.Background()

	conv, err := f.mgr.NewConversation(ctx, f.pc)
	require.NoError(t, err)
	conv.AppendMessage(textMessage("m1", types.RoleUser, "hello"))
	require.NoError(t, f.mgr.Save(ctx, f.pc, conv))
	assert.EqualValues(t, 1, f.engine.saves.Load())

	got, err := f.mgr.Load(ctx, f.pc, "")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, 1, got.Statistics.MessageCount)

	stats := f.mgr.CacheStats()
	assert.EqualValues(t, 1, stats.Hits)
	assert.EqualValues(t, 0, stats.Misses)

	// Mutating the returned copy must not leak into the cache.
	got.AppendMessage(textMessage("m2", types.RoleAssistant, "hi"))
	again, err := f.mgr.Load(ctx, f.pc, conv.Filename)
	require.NoError(t, err)
	assert.Len(t, again.Messages, 1)
}

func TestCache_TTLExpiry(t *testing.T) {
	f := newFixture(t, syncConfig())
	ctx := context.Background()

	conv, err := f.mgr.NewConversation(ctx, f.pc)
	require.NoError(t, err)
	require.NoError(t, f.mgr.Save(ctx, f.pc, conv))

	f.clock.Advance(time.Minute)
	_, err = f.mgr.Load(ctx, f.pc, conv.Filename)
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.mgr.CacheStats().Hits, "exactly at the TTL is still fresh")

	f.clock.Advance(time.Minute + time.Nanosecond)
	got, err := f.mgr.Load(ctx, f.pc, conv.Filename)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)

	stats := f.mgr.CacheStats()
	assert.EqualValues(t, 1, stats.Misses)
	assert.EqualValues(t, 1, stats.Evictions)
	assert.Equal(t, 1, stats.Size, "reloaded after expiry")
}

func TestCache_CapacityEvictsLeastRecentlyAccessed(t *testing.T) {
	cfg := syncConfig()
	cfg.CacheMaxEntries = 2
	f := newFixture(t, cfg)
	ctx := context.Background()

	var convs []*types.Conversation
	for i := 0; i < 2; i++ {
		conv, err := f.mgr.NewConversation(ctx, f.pc)
		require.NoError(t, err)
		require.NoError(t, f.mgr.Save(ctx, f.pc, conv))
		convs = append(convs, conv)
		f.clock.Advance(time.Second)
	}

	// Touch the first so the second becomes least recently accessed.
	_, err := f.mgr.Load(ctx, f.pc, convs[0].Filename)
	require.NoError(t, err)

	third, err := f.mgr.NewConversation(ctx, f.pc)
	require.NoError(t, err)
	require.NoError(t, f.mgr.Save(ctx, f.pc, third))

	stats := f.mgr.CacheStats()
	assert.Equal(t, 2, stats.Size)
	assert.EqualValues(t, 1, stats.Evictions)

	_, err = f.mgr.Load(ctx, f.pc, convs[0].Filename)
	require.NoError(t, err)
	_, err = f.mgr.Load(ctx, f.pc, convs[1].Filename)
	require.NoError(t, err)

	stats = f.mgr.CacheStats()
	assert.EqualValues(t, 2, stats.Hits)
	assert.EqualValues(t, 1, stats.Misses, "the evicted conversation is read from storage")
}

func TestCache_StatsInvariant(t *testing.T) {
	f := newFixture(t, syncConfig())
	ctx := context.Background()

	conv, err := f.mgr.NewConversation(ctx, f.pc)
	require.NoError(t, err)
	require.NoError(t, f.mgr.Save(ctx, f.pc, conv))

	loads := 0
	for i := 0; i < 7; i++ {
		if i%3 == 0 {
			f.mgr.Invalidate(ResolveLocation(f.pc), "")
		}
		_, err := f.mgr.Load(ctx, f.pc, conv.Filename)
		require.NoError(t, err)
		loads++
	}

	stats := f.mgr.CacheStats()
	assert.EqualValues(t, loads, stats.Hits+stats.Misses)
	assert.LessOrEqual(t, stats.Size, 10)
}

func TestSave_DebounceCoalesces(t *testing.T) {
	cfg := syncConfig()
	cfg.AsyncSave = true
	cfg.Debounce = time.Hour
	f := newFixture(t, cfg)
	ctx := context.Background()

	conv, err := f.mgr.NewConversation(ctx, f.pc)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		conv.AppendMessage(textMessage(fmt.Sprintf("m%d", i), types.RoleUser, "msg"))
		require.NoError(t, f.mgr.Save(ctx, f.pc, conv))
	}
	assert.Zero(t, f.engine.saves.Load(), "nothing written before the debounce window")
	assert.Equal(t, 1, f.mgr.CacheStats().Pending)

	got, err := f.mgr.Load(ctx, f.pc, conv.Filename)
	require.NoError(t, err)
	assert.Len(t, got.Messages, 5, "load sees the pending content")

	require.NoError(t, f.mgr.Flush(ctx))
	assert.EqualValues(t, 1, f.engine.saves.Load())
	assert.Zero(t, f.mgr.CacheStats().Pending)

	stored, err := f.files.Load(ctx, storage.History(ResolveLocation(f.pc)).Key(conv.Filename))
	require.NoError(t, err)
	assert.Len(t, stored.Messages, 5)
	assert.Equal(t, 5, stored.Statistics.MessageCount)
}

func TestSave_DebounceTimerWrites(t *testing.T) {
	cfg := syncConfig()
	cfg.AsyncSave = true
	cfg.Debounce = 10 * time.Millisecond
	f := newFixture(t, cfg)
	ctx := context.Background()

	conv, err := f.mgr.NewConversation(ctx, f.pc)
	require.NoError(t, err)
	require.NoError(t, f.mgr.Save(ctx, f.pc, conv))
	require.NoError(t, f.mgr.Save(ctx, f.pc, conv))

	require.Eventually(t, func() bool { return f.engine.saves.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.EqualValues(t, 1, f.engine.saves.Load())

	latest, err := f.files.Latest(ctx, storage.History(ResolveLocation(f.pc)))
	require.NoError(t, err)
	assert.Equal(t, conv.Filename, latest)
}

func TestNewConversation_SkipsPendingFilenames(t *testing.T) {
	cfg := syncConfig()
	cfg.AsyncSave = true
	cfg.Debounce = time.Hour
	f := newFixture(t, cfg)
	ctx := context.Background()

	first, err := f.mgr.NewConversation(ctx, f.pc)
	require.NoError(t, err)
	require.NoError(t, f.mgr.Save(ctx, f.pc, first))

	second, err := f.mgr.NewConversation(ctx, f.pc)
	require.NoError(t, err)
	assert.Equal(t, "0.json", first.Filename)
	assert.Equal(t, "1.json", second.Filename)
}

func TestLoad_LatestPointer(t *testing.T) {
	f := newFixture(t, syncConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		conv, err := f.mgr.NewConversation(ctx, f.pc)
		require.NoError(t, err)
		require.NoError(t, f.mgr.Save(ctx, f.pc, conv))
	}
	older, err := f.mgr.Load(ctx, f.pc, "1.json")
	require.NoError(t, err)
	require.NoError(t, f.mgr.Save(ctx, f.pc, older))

	f.mgr.Reset()
	got, err := f.mgr.Load(ctx, f.pc, "")
	require.NoError(t, err)
	assert.Equal(t, "1.json", got.Filename)
}

func TestLoad_DecodeErrorReturnsFreshAndError(t *testing.T) {
	f := newFixture(t, syncConfig())
	key := storage.History(ResolveLocation(f.pc)).Key("0.json")
	path := f.files.Path(key)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(`{"messages": "nope"`), 0o644))

	conv, err := f.mgr.Load(context.Background(), f.pc, "0.json")
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrDecode)
	require.NotNil(t, conv)
	assert.Empty(t, conv.Messages)
	assert.Equal(t, "0.json", conv.Filename)
}

func TestLoad_BackendUnavailableIsFresh(t *testing.T) {
	mgr, err := New(downEngine{}, syncConfig())
	require.NoError(t, err)

	conv, err := mgr.Load(context.Background(), ProjectContext{RootPath: "/x"}, "")
	require.NoError(t, err)
	assert.Empty(t, conv.Messages)

	conv, err = mgr.Load(context.Background(), ProjectContext{RootPath: "/x"}, "3.json")
	require.NoError(t, err)
	assert.Equal(t, "3.json", conv.Filename)
}

func TestDelete_CancelsPendingWrite(t *testing.T) {
	f := newFixture(t, syncConfig())
	ctx := context.Background()

	conv, err := f.mgr.NewConversation(ctx, f.pc)
	require.NoError(t, err)
	require.NoError(t, f.mgr.Save(ctx, f.pc, conv))

	f.mgr.cfg.AsyncSave = true
	f.mgr.cfg.Debounce = time.Hour
	conv.AppendMessage(textMessage("late", types.RoleUser, "late"))
	require.NoError(t, f.mgr.Save(ctx, f.pc, conv))
	require.Equal(t, 1, f.mgr.CacheStats().Pending)

	require.NoError(t, f.mgr.Delete(ctx, f.pc, conv.Filename))
	require.NoError(t, f.mgr.Flush(ctx))
	assert.EqualValues(t, 1, f.engine.saves.Load())

	_, err = f.files.Load(ctx, storage.History(ResolveLocation(f.pc)).Key(conv.Filename))
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Zero(t, f.mgr.CacheStats().Size)
}

func TestInvalidate_KeepsPendingEntries(t *testing.T) {
	cfg := syncConfig()
	cfg.AsyncSave = true
	cfg.Debounce = time.Hour
	f := newFixture(t, cfg)
	ctx := context.Background()

	conv, err := f.mgr.NewConversation(ctx, f.pc)
	require.NoError(t, err)
	require.NoError(t, f.mgr.Save(ctx, f.pc, conv))

	f.mgr.Invalidate(ResolveLocation(f.pc), conv.Filename)
	assert.Equal(t, 1, f.mgr.CacheStats().Size)

	require.NoError(t, f.mgr.Flush(ctx))
	f.mgr.Invalidate(ResolveLocation(f.pc), conv.Filename)
	assert.Zero(t, f.mgr.CacheStats().Size)
}

func TestClose_FlushesAndRejectsSaves(t *testing.T) {
	cfg := syncConfig()
	cfg.AsyncSave = true
	cfg.Debounce = time.Hour
	f := newFixture(t, cfg)
	ctx := context.Background()

	conv, err := f.mgr.NewConversation(ctx, f.pc)
	require.NoError(t, err)
	require.NoError(t, f.mgr.Save(ctx, f.pc, conv))

	require.NoError(t, f.mgr.Close(ctx))
	assert.EqualValues(t, 1, f.engine.saves.Load())
	assert.ErrorIs(t, f.mgr.Save(ctx, f.pc, conv), ErrClosed)
}

func TestLoad_AutoMigratesLegacyFile(t *testing.T) {
	migrator := migration.New(migration.Config{KeepBackups: false})
	cfg := syncConfig()
	cfg.AutoMigrate = true
	f := newFixture(t, cfg, WithMigrator(migrator))

	key := storage.History(ResolveLocation(f.pc)).Key("0.json")
	path := f.files.Path(key)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	legacy := `{"title":"old","entries":[{"timestamp":1700000000,"request":"q","response":"a"}]}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

	conv, err := f.mgr.Load(context.Background(), f.pc, "")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "old", conv.Title)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, format.VariantUnified, migration.DetectFormat(raw).Variant)

	stored, err := f.files.Load(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, stored.MigrationMetadata)
	assert.Equal(t, format.OriginalFormatLegacy, stored.MigrationMetadata.OriginalFormat)
}
