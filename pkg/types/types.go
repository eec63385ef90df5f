// Package types defines the core data structures for stored conversation
// histories: conversations, their messages, structured tool content and the
// statistics derived from them.
package types

// Role identifies the author of a message.
type Role string

// MessageState represents the lifecycle state of a message.
type MessageState string

// ContentType discriminates the structured content items a message can carry.
type ContentType string

// EditKind describes how a file was modified by a file-edit message.
type EditKind string

// CurrentSchemaVersion is the schema_version written to every unified document.
const CurrentSchemaVersion = 2

// Message roles
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message lifecycle states
const (
	// StatePending indicates the message was created but nothing was produced yet
	StatePending MessageState = "pending"

	// StateStreaming indicates content is still being received
	StateStreaming MessageState = "streaming"

	// StateGenerated indicates the message is complete
	StateGenerated MessageState = "generated"

	// StateError indicates generation failed
	StateError MessageState = "error"
)

// Structured content types
const (
	ContentText       ContentType = "text"
	ContentToolUse    ContentType = "tool_use"
	ContentToolResult ContentType = "tool_result"
)

// File edit kinds
const (
	EditCreate  EditKind = "create"
	EditModify  EditKind = "modify"
	EditDelete  EditKind = "delete"
	EditRename  EditKind = "rename"
	EditReplace EditKind = "replace"
)

// ValidRoles lists every accepted message role.
var ValidRoles = []Role{RoleUser, RoleAssistant}

// IsValidRole reports whether r is a known message role.
func IsValidRole(r Role) bool {
	for _, valid := range ValidRoles {
		if r == valid {
			return true
		}
	}
	return false
}
