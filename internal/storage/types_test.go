package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/chathistory/pkg/types"
)

func TestNextNumberedFilename(t *testing.T) {
	tests := []struct {
		name  string
		files []string
		want  string
	}{
		{"empty", nil, "0.json"},
		{"gap is not reused", []string{"0.json", "2.json"}, "3.json"},
		{"metadata skipped", []string{"metadata.json", "0.json"}, "1.json"},
		{"non numeric ignored", []string{"notes.json", "x.txt", "7.json.bak"}, "0.json"},
		{"unordered", []string{"10.json", "9.json", "3.json"}, "11.json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NextNumberedFilename(tt.files))
		})
	}
}

func TestKeyValidate(t *testing.T) {
	ok := History("my_project-1a2b3c4d").Key("0.json")
	require.NoError(t, ok.Validate())

	bad := []Key{
		History("../etc").Key("0.json"),
		History("p").Key("../0.json"),
		History("p").Key(MetadataFilename),
		{Namespace: Namespace{Project: "p", Area: "other"}, Filename: "0.json"},
		History("").Key("0.json"),
	}
	for _, k := range bad {
		assert.ErrorIs(t, k.Validate(), ErrInvalidInput, k.String())
	}
}

func TestListOptionsNormalize(t *testing.T) {
	opts := ListOptions{SortBy: "id; DROP TABLE", SortOrder: "sideways", Limit: -3}
	opts.Normalize()
	assert.Equal(t, SortUpdatedAt, opts.SortBy)
	assert.Equal(t, "desc", opts.SortOrder)
	assert.Equal(t, 0, opts.Limit)
}

func TestApplyListOptions(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ns := History("p")
	summaries := []ConversationSummary{
		{Key: ns.Key("0.json"), Title: "Alpha", UpdatedAt: base, MessageCount: 3, Tags: []string{"go"}},
		{Key: ns.Key("1.json"), Title: "beta", UpdatedAt: base.Add(2 * time.Hour), MessageCount: 1},
		{Key: ns.Key("2.json"), Title: "gamma", UpdatedAt: base.Add(time.Hour), MessageCount: 5, Archived: true},
		{Key: ns.Key("10.json"), Title: "delta", UpdatedAt: base.Add(time.Hour), MessageCount: 2},
	}

	got := ApplyListOptions(summaries, ListOptions{})
	require.Len(t, got, 3, "archived-flagged entries are hidden by default")
	assert.Equal(t, "1.json", got[0].Key.Filename)
	assert.Equal(t, "10.json", got[1].Key.Filename)
	assert.Equal(t, "0.json", got[2].Key.Filename)

	got = ApplyListOptions(summaries, ListOptions{SortBy: SortFilename, SortOrder: "asc", Filter: ListFilter{IncludeArchived: true}})
	require.Len(t, got, 4)
	assert.Equal(t, []string{"0.json", "1.json", "2.json", "10.json"},
		[]string{got[0].Key.Filename, got[1].Key.Filename, got[2].Key.Filename, got[3].Key.Filename})

	got = ApplyListOptions(summaries, ListOptions{Filter: ListFilter{Tag: "go"}})
	require.Len(t, got, 1)
	assert.Equal(t, "Alpha", got[0].Title)

	got = ApplyListOptions(summaries, ListOptions{Filter: ListFilter{TitleContains: "ALP"}})
	require.Len(t, got, 1)

	got = ApplyListOptions(summaries, ListOptions{SortBy: SortMessageCount, Limit: 1})
	require.Len(t, got, 1)
	assert.Equal(t, "Alpha", got[0].Title)

	got = ApplyListOptions(summaries, ListOptions{Filter: ListFilter{UpdatedAfter: base}})
	assert.Len(t, got, 2)
}

func TestMatchConversation(t *testing.T) {
	conv := types.NewConversation("c", "0.json", types.ProjectInfo{}, time.Now())
	conv.Title = "Refactor the parser"
	conv.AppendMessage(types.Message{ID: "1", Role: types.RoleUser, Content: types.TextContent("please look at the PARSER tests")})
	conv.AppendMessage(types.Message{ID: "2", Role: types.RoleAssistant, Content: types.TextContent("done")})

	q := SearchQuery{Text: "  parser "}
	q.Normalize()
	res, ok := MatchConversation(conv, q)
	require.True(t, ok)
	assert.True(t, res.TitleMatch)
	assert.Equal(t, 1, res.Matches)
	assert.Contains(t, res.Snippet, "PARSER")

	_, ok = MatchConversation(conv, SearchQuery{Text: "missing"})
	assert.False(t, ok)
}

func TestPrepareForSave(t *testing.T) {
	conv := &types.Conversation{ID: "c", Messages: nil}
	PrepareForSave(conv, Archived("p").Key("4.json"))
	assert.Equal(t, types.CurrentSchemaVersion, conv.SchemaVersion)
	assert.Equal(t, "4.json", conv.Filename)
	assert.True(t, conv.Archived)
	assert.NotNil(t, conv.Messages)
}

func TestStatsAdd(t *testing.T) {
	var s Stats
	t1 := time.Unix(100, 0)
	t2 := time.Unix(200, 0)
	s.Add(ConversationSummary{Key: History("p").Key("0.json"), MessageCount: 2, SizeBytes: 10, UpdatedAt: t2})
	s.Add(ConversationSummary{Key: Archived("p").Key("0.json"), MessageCount: 1, SizeBytes: 5, UpdatedAt: t1})
	assert.Equal(t, 1, s.Conversations)
	assert.Equal(t, 1, s.Archived)
	assert.Equal(t, 3, s.Messages)
	assert.Equal(t, int64(15), s.SizeBytes)
	assert.Equal(t, t1, s.Oldest)
	assert.Equal(t, t2, s.Newest)
}
