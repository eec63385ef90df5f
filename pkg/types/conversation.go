package types

import "time"

// Conversation is the unit of persistence: one ordered log of messages for a
// project, plus derived statistics and bookkeeping.
type Conversation struct {
	SchemaVersion int       `json:"schema_version"`
	ID            string    `json:"uuid"`
	Title         string    `json:"title"`
	Messages      []Message `json:"messages"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	ProjectInfo ProjectInfo            `json:"project_info"`

	// Statistics is a cache over Messages; see RecomputeStatistics.
	Statistics Statistics `json:"statistics"`

	Tags     []string `json:"tags,omitempty"`
	Archived bool     `json:"archived,omitempty"`
	Filename string   `json:"filename"`

	MigrationMetadata *MigrationMetadata `json:"migration_metadata,omitempty"`
}

// ProjectInfo records which project a conversation belongs to.
type ProjectInfo struct {
	RootPath     string `json:"root_path"`
	RelativePath string `json:"relative_path,omitempty"`
	ProjectKey   string `json:"project_key,omitempty"`
}

// Statistics are derived counters over a conversation's messages.
type Statistics struct {
	MessageCount      int `json:"message_count"`
	ToolInvocations   int `json:"tool_invocations"`
	FileModifications int `json:"file_modifications"`
}

// MigrationMetadata is attached to documents produced by a format migration.
type MigrationMetadata struct {
	MigratedFrom       string          `json:"migrated_from"`
	MigrationTimestamp time.Time       `json:"migration_timestamp"`
	OriginalFormat     string          `json:"original_format"`
	ConversionStats    ConversionStats `json:"conversion_stats"`
}

// ConversionStats summarise one legacy-to-unified conversion.
type ConversionStats struct {
	EntriesProcessed int `json:"entries_processed"`
	EntriesSkipped   int `json:"entries_skipped"`
	MessagesCreated  int `json:"messages_created"`
	MessagesRetained int `json:"messages_retained"`
	ToolChainsLinked int `json:"tool_chains_linked"`
	OrphanedResults  int `json:"orphaned_results"`
}

// NewConversation returns an empty conversation in the current schema.
func NewConversation(id, filename string, project ProjectInfo, now time.Time) *Conversation {
	return &Conversation{
		SchemaVersion: CurrentSchemaVersion,
		ID:            id,
		Title:         "untitled",
		Messages:      []Message{},
		CreatedAt:     now,
		UpdatedAt:     now,
		Metadata:      map[string]interface{}{},
		ProjectInfo:   project,
		Filename:      filename,
	}
}

// ComputeStatistics folds messages into Statistics. The result depends only
// on the messages, never on previously stored counters.
func ComputeStatistics(messages []Message) Statistics {
	stats := Statistics{MessageCount: len(messages)}
	for i := range messages {
		if messages[i].IsToolUse() {
			stats.ToolInvocations++
		}
		if messages[i].FileInfo != nil && messages[i].FileInfo.Path != "" {
			stats.FileModifications++
		}
	}
	return stats
}

// RecomputeStatistics refreshes Statistics from Messages.
func (c *Conversation) RecomputeStatistics() {
	c.Statistics = ComputeStatistics(c.Messages)
}

// StatisticsConsistent reports whether the stored statistics match the fold.
func (c *Conversation) StatisticsConsistent() bool {
	return c.Statistics == ComputeStatistics(c.Messages)
}

// AppendMessage adds msg at the end of the conversation and bumps UpdatedAt.
func (c *Conversation) AppendMessage(msg Message) {
	c.Messages = append(c.Messages, msg)
	if msg.CreatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = msg.CreatedAt
	}
	c.RecomputeStatistics()
}

// Clone returns a copy that shares no slices or maps with c at the top level.
// Message payload maps are shared; messages are treated as immutable once
// appended.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Messages = make([]Message, len(c.Messages))
	copy(out.Messages, c.Messages)
	if c.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	if c.Tags != nil {
		out.Tags = append([]string(nil), c.Tags...)
	}
	if c.MigrationMetadata != nil {
		mm := *c.MigrationMetadata
		out.MigrationMetadata = &mm
	}
	return &out
}
