package bolt

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/chathistory/internal/storage"
	"github.com/scrypster/chathistory/internal/storage/storagetest"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e := New(nil)
	require.NoError(t, e.Initialize(context.Background(), storage.EngineConfig{Root: t.TempDir()}))
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Engine { return newTestEngine(t) })
}

func TestSearchUnsupported(t *testing.T) {
	_, err := newTestEngine(t).Search(context.Background(), storage.History("p"), storage.SearchQuery{Text: "x"})
	assert.ErrorIs(t, err, storage.ErrUnsupported)
}

func TestProjectNamedLikeBucket(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	key := storage.History("meta").Key("0.json")

	require.NoError(t, e.Save(ctx, storagetest.Conversation("a", "a", 1, 0), key))
	require.NoError(t, e.SetLatest(ctx, storage.History("meta"), "0.json"))

	projects, err := e.Projects(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"meta"}, projects)

	latest, err := e.Latest(ctx, storage.History("meta"))
	require.NoError(t, err)
	assert.Equal(t, "0.json", latest)
}

func TestSnapshot(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	key := storage.History("proj").Key("0.json")
	require.NoError(t, e.Save(ctx, storagetest.Conversation("a", "snapshotted", 2, 0), key))

	dst := filepath.Join(t.TempDir(), "copy.bolt")
	require.NoError(t, e.Snapshot(ctx, dst))
	assert.ErrorIs(t, e.Snapshot(ctx, dst), storage.ErrInvalidInput)

	copied := New(nil)
	require.NoError(t, copied.Initialize(ctx, storage.EngineConfig{DSN: dst}))
	defer copied.Close()
	conv, err := copied.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "snapshotted", conv.Title)
}
