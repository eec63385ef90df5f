package format

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/chathistory/pkg/types"
)

func testConverter() *Converter {
	n := 0
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &Converter{
		NewID: func() string {
			n++
			return fmt.Sprintf("id-%d", n)
		},
		Now: func() time.Time { return fixed },
	}
}

func TestDecode_LegacyScenario(t *testing.T) {
	raw := []byte(`{"entries":[{"timestamp":100,"request":"hi","response":"hello"}]}`)

	conv, variant, err := testConverter().Decode(raw, Options{Filename: "0.json"})
	require.NoError(t, err)
	assert.Equal(t, VariantLegacy, variant)

	require.Len(t, conv.Messages, 2)
	assert.Equal(t, types.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, "hi", conv.Messages[0].Content.String())
	assert.Equal(t, types.RoleAssistant, conv.Messages[1].Role)
	assert.Equal(t, "hello", conv.Messages[1].Content.String())

	assert.NotEmpty(t, conv.Messages[0].TurnID)
	assert.Equal(t, conv.Messages[0].TurnID, conv.Messages[1].TurnID)

	assert.Equal(t, types.CurrentSchemaVersion, conv.SchemaVersion)
	require.NotNil(t, conv.MigrationMetadata)
	assert.Equal(t, "ChatHistoryEntry", conv.MigrationMetadata.OriginalFormat)
	assert.Equal(t, time.Unix(100, 0).UTC(), conv.Messages[0].CreatedAt)
	assert.Equal(t, "0.json", conv.Filename)
	assert.Equal(t, "hi", conv.Title)
	assert.True(t, conv.StatisticsConsistent())
}

func TestConvertEntries_MatchesSourceOrder(t *testing.T) {
	entries := []LegacyEntry{
		{Request: "first question", Response: "first answer"},
		{Request: "only a question"},
		{Response: "only an answer"},
		{},
	}

	msgs, stats, warnings := testConverter().ConvertEntries(entries, time.Unix(0, 0))

	want := []struct {
		role types.Role
		text string
	}{
		{types.RoleUser, "first question"},
		{types.RoleAssistant, "first answer"},
		{types.RoleUser, "only a question"},
		{types.RoleAssistant, "only an answer"},
	}
	require.Len(t, msgs, len(want))
	for i, w := range want {
		assert.Equal(t, w.role, msgs[i].Role, "message %d", i)
		assert.Equal(t, w.text, msgs[i].Content.String(), "message %d", i)
	}

	assert.Equal(t, 4, stats.EntriesProcessed)
	assert.Equal(t, 1, stats.EntriesSkipped)
	assert.Equal(t, 4, stats.MessagesCreated)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "entry 3")

	assert.NotEqual(t, msgs[0].TurnID, msgs[2].TurnID)
	assert.True(t, msgs[0].IsUserSubmission)
	assert.False(t, msgs[1].IsUserSubmission)
}

func TestConvertEntries_Metadata(t *testing.T) {
	hidden := false
	entries := []LegacyEntry{{
		Provider:          "anthropic",
		Model:             "some-model",
		Request:           "explain",
		Response:          "sure",
		SelectedCode:      &SelectedCode{Path: "main.go", Content: "package main", FileType: "go"},
		SelectedFilepaths: []string{"a.go", "b.go"},
		Visible:           &hidden,
	}}

	msgs, _, _ := testConverter().ConvertEntries(entries, time.Unix(0, 0))
	require.Len(t, msgs, 2)

	user := msgs[0]
	code, ok := user.Metadata["selected_code"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "main.go", code["path"])
	assert.Equal(t, "package main", code["content"])
	assert.Equal(t, []string{"a.go", "b.go"}, user.Metadata["selected_filepaths"])
	assert.False(t, user.Visible)

	assistant := msgs[1]
	assert.Equal(t, "anthropic", assistant.Metadata["provider"])
	assert.Equal(t, "some-model", assistant.Metadata["model"])
}

func TestFromHybrid_AppendsAfterExisting(t *testing.T) {
	raw := []byte(`{
		"uuid": "conv-1",
		"title": "mixed",
		"messages": [
			{"id": "m1", "role": "user", "content": "existing question", "visible": true},
			{"id": "m2", "role": "assistant", "content": "existing answer", "visible": true}
		],
		"entries": [{"timestamp": "2024-05-01 10:00:00", "request": "old q", "response": "old a"}]
	}`)

	conv, variant, err := testConverter().Decode(raw, Options{Filename: "4.json"})
	require.NoError(t, err)
	assert.Equal(t, VariantHybrid, variant)

	require.Len(t, conv.Messages, 4)
	assert.Equal(t, "m1", conv.Messages[0].ID)
	assert.Equal(t, "m2", conv.Messages[1].ID)
	assert.Equal(t, "old q", conv.Messages[2].Content.String())
	assert.Equal(t, "old a", conv.Messages[3].Content.String())

	assert.Equal(t, "conv-1", conv.ID)
	assert.Equal(t, "mixed", conv.Title)
	assert.Equal(t, types.CurrentSchemaVersion, conv.SchemaVersion)
	require.NotNil(t, conv.MigrationMetadata)
	assert.Equal(t, OriginalFormatHybrid, conv.MigrationMetadata.OriginalFormat)
	assert.Equal(t, 2, conv.MigrationMetadata.ConversionStats.MessagesRetained)
	assert.Equal(t, 2, conv.MigrationMetadata.ConversionStats.MessagesCreated)
}

func TestFromHybrid_AssignsMissingMessageIDs(t *testing.T) {
	raw := []byte(`{
		"uuid": "conv-1",
		"messages": [{"role": "user", "content": "no id here", "visible": true}],
		"entries": [{"request": "old q"}]
	}`)

	conv, _, err := testConverter().Decode(raw, Options{})
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.NotEmpty(t, conv.Messages[0].ID)
	assert.Equal(t, "no id here", conv.Messages[0].Content.String())
	assert.NoError(t, conv.Validate())
}

func TestDecode_SeedMakesIDsStable(t *testing.T) {
	raw := []byte(`{"entries":[{"timestamp":100,"request":"hi","response":"hello"}]}`)
	c := NewConverter()

	first, _, err := c.Decode(raw, Options{Seed: "proj/history/0.json"})
	require.NoError(t, err)
	second, _, err := c.Decode(raw, Options{Seed: "proj/history/0.json"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Messages[0].ID, second.Messages[0].ID)
	assert.Equal(t, first.Messages[0].TurnID, second.Messages[0].TurnID)

	moved, _, err := c.Decode(raw, Options{Seed: "proj/history/1.json"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, moved.ID)

	unseeded, _, err := c.Decode(raw, Options{})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, unseeded.ID)
}

func TestLinkToolChains(t *testing.T) {
	msgs := []types.Message{
		{ID: "u", Role: types.RoleAssistant, TurnID: "t1", Content: types.ToolUseContent("call-1", "read_file", nil)},
		{ID: "r", Role: types.RoleUser, Content: types.ToolResultContent("call-1", "ok", false)},
		{ID: "o", Role: types.RoleUser, Content: types.ToolResultContent("call-9", "lost", false)},
	}

	linked, orphans := LinkToolChains(msgs)
	assert.Equal(t, 1, linked)
	require.Len(t, orphans, 1)
	assert.Equal(t, "o", orphans[0].MessageID)
	assert.Equal(t, "t1", msgs[1].TurnID)
	assert.Len(t, msgs, 3)
}

func TestDecode_UnifiedKeepsDocument(t *testing.T) {
	conv := types.NewConversation("c1", "1.json", types.ProjectInfo{RootPath: "/p"}, time.Unix(10, 0).UTC())
	conv.AppendMessage(types.Message{ID: "m1", Role: types.RoleUser, Content: types.TextContent("hey"), Visible: true})
	conv.Statistics.MessageCount = 42 // stale on disk

	raw, err := json.Marshal(conv)
	require.NoError(t, err)

	got, variant, err := testConverter().Decode(raw, Options{})
	require.NoError(t, err)
	assert.Equal(t, VariantUnified, variant)
	assert.Equal(t, "c1", got.ID)
	assert.Nil(t, got.MigrationMetadata)
	assert.Equal(t, 1, got.Statistics.MessageCount)
}

func TestDecode_Errors(t *testing.T) {
	_, _, err := testConverter().Decode([]byte(`not json`), Options{})
	assert.ErrorIs(t, err, ErrMalformed)

	_, _, err = testConverter().Decode([]byte(`{"foo": 1}`), Options{})
	assert.ErrorIs(t, err, ErrUnrecognized)

	_, _, err = testConverter().Decode([]byte(`{"schema_version": 2, "messages": [{"id": "x", "content": 5}]}`), Options{})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestTimestamp_Layouts(t *testing.T) {
	cases := map[string]time.Time{
		`100`:                        time.Unix(100, 0).UTC(),
		`1700000000000`:              time.Unix(1700000000, 0).UTC(),
		`"2024-05-01 10:00:00"`:      time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		`"2024-05-01T10:00:00Z"`:     time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		`"2024-05-01 10:00:00+0000"`: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		`"nonsense"`:                 {},
		`null`:                       {},
	}
	for in, want := range cases {
		var ts Timestamp
		require.NoError(t, json.Unmarshal([]byte(in), &ts), in)
		assert.True(t, want.Equal(ts.Time), "%s: got %v", in, ts.Time)
	}
}

func TestProbeDocument(t *testing.T) {
	p, err := ProbeDocument([]byte(`{"entries": [], "schema_version": "2", "migration_metadata": {}}`))
	require.NoError(t, err)
	assert.True(t, p.HasEntries)
	assert.Equal(t, 0, p.EntryCount)
	assert.False(t, p.HasMessages)
	assert.True(t, p.HasVersion)
	assert.Equal(t, 2.0, p.Version)
	assert.True(t, p.HasMigrationMetadata)

	p, err = ProbeDocument([]byte(`{"entries": null, "messages": "nope"}`))
	require.NoError(t, err)
	assert.False(t, p.HasEntries)
	assert.False(t, p.HasMessages)

	_, err = ProbeDocument([]byte(`[1,2]`))
	assert.ErrorIs(t, err, ErrMalformed)
}
