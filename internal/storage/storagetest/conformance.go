// Package storagetest holds the behaviour every storage.Engine must share.
// Backend test files call Run with a constructor for a fresh engine.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/chathistory/internal/storage"
	"github.com/scrypster/chathistory/pkg/types"
)

// Factory returns an initialised, empty engine. Cleanup is registered on t.
type Factory func(t *testing.T) storage.Engine

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Conversation builds a conversation with n user/assistant messages,
// updated at base + offset.
func Conversation(id, title string, n int, offset time.Duration) *types.Conversation {
	conv := types.NewConversation(id, "", types.ProjectInfo{RootPath: "/work/" + id}, base)
	conv.Title = title
	for i := 0; i < n; i++ {
		role := types.RoleUser
		if i%2 == 1 {
			role = types.RoleAssistant
		}
		conv.Messages = append(conv.Messages, types.Message{
			ID:        fmt.Sprintf("%s-m%d", id, i),
			Role:      role,
			Content:   types.TextContent(fmt.Sprintf("%s message %d", title, i)),
			CreatedAt: base.Add(offset),
			Visible:   true,
		})
	}
	conv.UpdatedAt = base.Add(offset)
	return conv
}

// Run executes the shared engine behaviour against newEngine.
func Run(t *testing.T, newEngine Factory) {
	t.Run("SaveLoadRoundTrip", func(t *testing.T) { testSaveLoad(t, newEngine(t)) })
	t.Run("Missing", func(t *testing.T) { testMissing(t, newEngine(t)) })
	t.Run("InvalidKey", func(t *testing.T) { testInvalidKey(t, newEngine(t)) })
	t.Run("NextFilename", func(t *testing.T) { testNextFilename(t, newEngine(t)) })
	t.Run("LatestPointer", func(t *testing.T) { testLatest(t, newEngine(t)) })
	t.Run("List", func(t *testing.T) { testList(t, newEngine(t)) })
	t.Run("Archive", func(t *testing.T) { testArchive(t, newEngine(t)) })
	t.Run("Search", func(t *testing.T) { testSearch(t, newEngine(t)) })
	t.Run("StatsAndProjects", func(t *testing.T) { testStats(t, newEngine(t)) })
	t.Run("HealthCheck", func(t *testing.T) {
		require.NoError(t, newEngine(t).HealthCheck(context.Background()))
	})
}

func testSaveLoad(t *testing.T, e storage.Engine) {
	ctx := context.Background()
	key := storage.History("proj").Key("0.json")

	conv := Conversation("c1", "first", 3, 0)
	conv.Messages = append(conv.Messages, types.Message{
		ID:      "c1-tool",
		Role:    types.RoleAssistant,
		Content: types.ToolUseContent("call-1", "read_file", map[string]interface{}{"path": "a.go"}),
	})
	conv.Tags = []string{"go"}
	conv.Statistics = types.Statistics{MessageCount: 99}

	require.NoError(t, e.Save(ctx, conv, key))
	assert.Equal(t, 4, conv.Statistics.MessageCount, "save recomputes statistics")

	got, err := e.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "c1", got.ID)
	assert.Equal(t, "first", got.Title)
	assert.Equal(t, "0.json", got.Filename)
	assert.Equal(t, types.CurrentSchemaVersion, got.SchemaVersion)
	assert.Equal(t, []string{"go"}, got.Tags)
	require.Len(t, got.Messages, 4)
	for i := range conv.Messages {
		assert.Equal(t, conv.Messages[i].ID, got.Messages[i].ID)
		assert.Equal(t, conv.Messages[i].Content.String(), got.Messages[i].Content.String())
	}
	assert.True(t, got.Messages[3].IsToolUse())
	assert.Equal(t, types.Statistics{MessageCount: 4, ToolInvocations: 1}, got.Statistics)
	assert.True(t, got.UpdatedAt.Equal(conv.UpdatedAt))

	// Overwrite.
	conv.Title = "renamed"
	require.NoError(t, e.Save(ctx, conv, key))
	got, err = e.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Title)

	require.NoError(t, e.Delete(ctx, key))
	_, err = e.Load(ctx, key)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testMissing(t *testing.T, e storage.Engine) {
	ctx := context.Background()
	key := storage.History("proj").Key("7.json")

	_, err := e.Load(ctx, key)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, e.Delete(ctx, key), storage.ErrNotFound)
	assert.ErrorIs(t, e.Archive(ctx, key, storage.Archived("proj").Key("0.json")), storage.ErrNotFound)

	list, err := e.List(ctx, storage.History("nobody"), storage.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func testInvalidKey(t *testing.T, e storage.Engine) {
	ctx := context.Background()
	bad := storage.History("../escape").Key("0.json")

	assert.ErrorIs(t, e.Save(ctx, Conversation("x", "x", 0, 0), bad), storage.ErrInvalidInput)
	_, err := e.Load(ctx, bad)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
	assert.ErrorIs(t, e.SetLatest(ctx, storage.History("proj"), storage.MetadataFilename), storage.ErrInvalidInput)
}

func testNextFilename(t *testing.T, e storage.Engine) {
	ctx := context.Background()
	ns := storage.History("proj")

	name, err := e.NextFilename(ctx, ns)
	require.NoError(t, err)
	assert.Equal(t, "0.json", name)

	require.NoError(t, e.Save(ctx, Conversation("a", "a", 1, 0), ns.Key("0.json")))
	require.NoError(t, e.Save(ctx, Conversation("b", "b", 1, 0), ns.Key("1.json")))
	require.NoError(t, e.Save(ctx, Conversation("c", "c", 1, 0), ns.Key("2.json")))
	require.NoError(t, e.Delete(ctx, ns.Key("1.json")))
	require.NoError(t, e.SetLatest(ctx, ns, "2.json"))

	name, err = e.NextFilename(ctx, ns)
	require.NoError(t, err)
	assert.Equal(t, "3.json", name)
}

func testLatest(t *testing.T, e storage.Engine) {
	ctx := context.Background()
	ns := storage.History("proj")

	_, err := e.Latest(ctx, ns)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, e.SetLatest(ctx, ns, "4.json"))
	require.NoError(t, e.SetLatest(ctx, ns, "5.json"))
	got, err := e.Latest(ctx, ns)
	require.NoError(t, err)
	assert.Equal(t, "5.json", got)

	_, err = e.Latest(ctx, storage.Archived("proj"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testList(t *testing.T, e storage.Engine) {
	ctx := context.Background()
	ns := storage.History("proj")

	require.NoError(t, e.Save(ctx, Conversation("a", "Alpha", 2, time.Hour), ns.Key("0.json")))
	require.NoError(t, e.Save(ctx, Conversation("b", "Beta", 4, 3*time.Hour), ns.Key("1.json")))
	require.NoError(t, e.Save(ctx, Conversation("c", "Gamma", 1, 2*time.Hour), ns.Key("2.json")))
	require.NoError(t, e.Save(ctx, Conversation("z", "Other", 1, 0), storage.History("elsewhere").Key("0.json")))

	list, err := e.List(ctx, ns, storage.ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"b", "c", "a"}, []string{list[0].ID, list[1].ID, list[2].ID})
	assert.Equal(t, 4, list[0].MessageCount)
	assert.Positive(t, list[0].SizeBytes)
	assert.Equal(t, ns.Key("1.json"), list[0].Key)

	list, err = e.List(ctx, ns, storage.ListOptions{SortBy: storage.SortTitle, SortOrder: "asc", Limit: 2})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Alpha", list[0].Title)
	assert.Equal(t, "Beta", list[1].Title)

	list, err = e.List(ctx, ns, storage.ListOptions{Filter: storage.ListFilter{TitleContains: "amm"}})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "c", list[0].ID)
}

func testArchive(t *testing.T, e storage.Engine) {
	ctx := context.Background()
	src := storage.History("proj").Key("0.json")
	dst := storage.Archived("proj").Key("0.json")

	require.NoError(t, e.Save(ctx, Conversation("a", "Alpha", 2, 0), src))
	require.NoError(t, e.Archive(ctx, src, dst))

	_, err := e.Load(ctx, src)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	got, err := e.Load(ctx, dst)
	require.NoError(t, err)
	assert.Equal(t, "a", got.ID)
	assert.True(t, got.Archived)
	assert.Len(t, got.Messages, 2)

	archived, err := e.List(ctx, storage.Archived("proj"), storage.ListOptions{})
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.True(t, archived[0].Archived)

	live, err := e.List(ctx, storage.History("proj"), storage.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, live)
}

func testSearch(t *testing.T, e storage.Engine) {
	ctx := context.Background()
	ns := storage.History("proj")

	require.NoError(t, e.Save(ctx, Conversation("a", "Parser work", 2, 0), ns.Key("0.json")))
	require.NoError(t, e.Save(ctx, Conversation("b", "Unrelated", 2, time.Hour), ns.Key("1.json")))

	results, err := e.Search(ctx, ns, storage.SearchQuery{Text: "PARSER"})
	if errors.Is(err, storage.ErrUnsupported) {
		t.Skipf("%s does not support search", e.Name())
	}
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].Summary.ID)
	assert.True(t, results[0].TitleMatch)
	assert.Equal(t, 2, results[0].Matches)

	results, err = e.Search(ctx, ns, storage.SearchQuery{Text: "message 1"})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func testStats(t *testing.T, e storage.Engine) {
	ctx := context.Background()

	require.NoError(t, e.Save(ctx, Conversation("a", "a", 2, 0), storage.History("p1").Key("0.json")))
	require.NoError(t, e.Save(ctx, Conversation("b", "b", 3, time.Hour), storage.History("p1").Key("1.json")))
	require.NoError(t, e.Save(ctx, Conversation("c", "c", 1, 0), storage.Archived("p1").Key("0.json")))
	require.NoError(t, e.Save(ctx, Conversation("d", "d", 4, 0), storage.History("p2").Key("0.json")))

	projects, err := e.Projects(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"p1", "p2"}, projects)

	stats, err := e.Stats(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, e.Name(), stats.Backend)
	assert.Equal(t, 1, stats.Projects)
	assert.Equal(t, 2, stats.Conversations)
	assert.Equal(t, 1, stats.Archived)
	assert.Equal(t, 6, stats.Messages)
	assert.Positive(t, stats.SizeBytes)

	all, err := e.Stats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, all.Projects)
	assert.Equal(t, 3, all.Conversations)
	assert.Equal(t, 10, all.Messages)
}
