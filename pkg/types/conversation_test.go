package types_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/chathistory/pkg/types"
)

func sampleMessages() []types.Message {
	return []types.Message{
		{ID: "1", Role: types.RoleUser, Content: types.TextContent("read main.go"), Visible: true},
		{ID: "2", Role: types.RoleAssistant, Content: types.ToolUseContent("call-1", "view", map[string]interface{}{"path": "main.go"})},
		{ID: "3", Role: types.RoleUser, Content: types.ToolResultContent("call-1", "package main", false), IsSynthetic: true},
		{ID: "4", Role: types.RoleAssistant, Content: types.TextContent("edited"),
			ToolInfo: &types.ToolInfo{Name: "str_replace", InvocationID: "call-2"},
			FileInfo: &types.FileInfo{Path: "main.go", EditKind: types.EditModify}},
	}
}

func TestComputeStatistics(t *testing.T) {
	stats := types.ComputeStatistics(sampleMessages())

	assert.Equal(t, 4, stats.MessageCount)
	assert.Equal(t, 2, stats.ToolInvocations)
	assert.Equal(t, 1, stats.FileModifications)
}

func TestRecomputeStatisticsIgnoresStoredCounters(t *testing.T) {
	conv := types.NewConversation("c1", "0.json", types.ProjectInfo{RootPath: "/tmp/p"}, time.Now())
	conv.Messages = sampleMessages()
	conv.Statistics = types.Statistics{MessageCount: 99, ToolInvocations: 42}
	require.False(t, conv.StatisticsConsistent())

	conv.RecomputeStatistics()

	assert.True(t, conv.StatisticsConsistent())
	assert.Equal(t, len(conv.Messages), conv.Statistics.MessageCount)
}

func TestAppendMessageKeepsOrder(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	conv := types.NewConversation("c1", "0.json", types.ProjectInfo{}, base)

	for i, id := range []string{"a", "b", "c"} {
		conv.AppendMessage(types.Message{
			ID:        id,
			Role:      types.RoleUser,
			Content:   types.TextContent(id),
			CreatedAt: base.Add(time.Duration(i+1) * time.Minute),
		})
	}

	require.Len(t, conv.Messages, 3)
	assert.Equal(t, "a", conv.Messages[0].ID)
	assert.Equal(t, "c", conv.Messages[2].ID)
	assert.Equal(t, base.Add(3*time.Minute), conv.UpdatedAt)
	assert.Equal(t, 3, conv.Statistics.MessageCount)
}

func TestContentJSON(t *testing.T) {
	t.Run("plain text is a JSON string", func(t *testing.T) {
		data, err := json.Marshal(types.TextContent("hello"))
		require.NoError(t, err)
		assert.Equal(t, `"hello"`, string(data))
	})

	t.Run("structured content is an object", func(t *testing.T) {
		data, err := json.Marshal(types.ToolResultContent("call-9", "ok", false))
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"tool_result","tool_use_id":"call-9","content":"ok"}`, string(data))
	})

	t.Run("decodes both shapes", func(t *testing.T) {
		var msgs []types.Message
		raw := `[{"id":"1","role":"user","content":"hi","visible":true},
		         {"id":"2","role":"assistant","content":{"type":"tool_use","id":"x","name":"bash"}}]`
		require.NoError(t, json.Unmarshal([]byte(raw), &msgs))

		assert.Equal(t, "hi", msgs[0].Content.Text)
		assert.False(t, msgs[0].Content.IsStructured())
		assert.True(t, msgs[1].IsToolUse())
		assert.Equal(t, "x", msgs[1].InvocationID())
	})

	t.Run("rejects numbers", func(t *testing.T) {
		var c types.Content
		assert.Error(t, json.Unmarshal([]byte(`42`), &c))
	})
}

func TestCloneDoesNotShareMessages(t *testing.T) {
	conv := types.NewConversation("c1", "0.json", types.ProjectInfo{}, time.Now())
	conv.Messages = sampleMessages()

	clone := conv.Clone()
	clone.Messages[0].ID = "changed"
	clone.Metadata["k"] = "v"

	assert.Equal(t, "1", conv.Messages[0].ID)
	assert.NotContains(t, conv.Metadata, "k")
}
