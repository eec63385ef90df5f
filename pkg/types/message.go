package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Message is one entry of a conversation. Messages are ordered by insertion
// and never reordered once appended.
type Message struct {
	ID        string       `json:"id"`
	Role      Role         `json:"role"`
	Content   Content      `json:"content"`
	CreatedAt time.Time    `json:"created_at"`
	TurnID    string       `json:"turn_id,omitempty"` // Groups a user message with its reply
	State     MessageState `json:"state,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`

	ToolInfo *ToolInfo `json:"tool_info,omitempty"`
	FileInfo *FileInfo `json:"file_info,omitempty"`

	IsSynthetic      bool `json:"is_synthetic,omitempty"`       // Generated for context, not shown raw
	IsUserSubmission bool `json:"is_user_submission,omitempty"` // Typed by the user
	Visible          bool `json:"visible"`
}

// ToolInfo identifies the tool invocation a message belongs to.
type ToolInfo struct {
	Name         string `json:"name"`
	InvocationID string `json:"invocation_id"`
}

// FileInfo describes a file edit performed by a message.
type FileInfo struct {
	Path     string   `json:"path"`
	EditKind EditKind `json:"edit_kind"`
}

// ContentItem is a structured content payload. Only the fields relevant to
// Type are populated.
type ContentItem struct {
	Type ContentType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Content is either plain text or a single structured item. On the wire it
// is a JSON string or a JSON object respectively.
type Content struct {
	Text string
	Item *ContentItem
}

// TextContent returns plain-text content.
func TextContent(s string) Content {
	return Content{Text: s}
}

// ToolUseContent returns a tool_use content item.
func ToolUseContent(id, name string, input map[string]interface{}) Content {
	return Content{Item: &ContentItem{Type: ContentToolUse, ID: id, Name: name, Input: input}}
}

// ToolResultContent returns a tool_result content item referencing toolUseID.
func ToolResultContent(toolUseID, output string, isError bool) Content {
	return Content{Item: &ContentItem{Type: ContentToolResult, ToolUseID: toolUseID, Content: output, IsError: isError}}
}

// IsStructured reports whether the content carries a structured item.
func (c Content) IsStructured() bool {
	return c.Item != nil
}

// String returns the human-readable text of the content.
func (c Content) String() string {
	if c.Item == nil {
		return c.Text
	}
	switch c.Item.Type {
	case ContentToolResult:
		return c.Item.Content
	case ContentToolUse:
		return c.Item.Name
	default:
		return c.Item.Text
	}
}

// MarshalJSON encodes plain text as a JSON string and structured content as
// an object.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.Item != nil {
		return json.Marshal(c.Item)
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON accepts a JSON string, a JSON object or null.
func (c *Content) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*c = Content{}
		return nil
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*c = Content{Text: s}
		return nil
	case '{':
		var item ContentItem
		if err := json.Unmarshal(trimmed, &item); err != nil {
			return err
		}
		if item.Type == "" {
			item.Type = ContentText
		}
		*c = Content{Item: &item}
		return nil
	default:
		return fmt.Errorf("types: message content must be a string or an object, got %q", trimmed[:1])
	}
}

// IsToolUse reports whether the message invokes a tool.
func (m *Message) IsToolUse() bool {
	if m.Content.Item != nil {
		return m.Content.Item.Type == ContentToolUse
	}
	return m.ToolInfo != nil && m.ToolInfo.InvocationID != ""
}

// IsToolResult reports whether the message carries a tool result.
func (m *Message) IsToolResult() bool {
	return m.Content.Item != nil && m.Content.Item.Type == ContentToolResult
}

// InvocationID returns the tool invocation id a tool-use message opens.
func (m *Message) InvocationID() string {
	if m.Content.Item != nil && m.Content.Item.Type == ContentToolUse && m.Content.Item.ID != "" {
		return m.Content.Item.ID
	}
	if m.ToolInfo != nil {
		return m.ToolInfo.InvocationID
	}
	return ""
}

// ReferencedInvocationID returns the invocation id a tool-result message refers to.
func (m *Message) ReferencedInvocationID() string {
	if m.IsToolResult() {
		return m.Content.Item.ToolUseID
	}
	return ""
}

// SetState moves the message to state, rejecting invalid transitions.
func (m *Message) SetState(state MessageState) error {
	if !IsValidStateTransition(m.State, state) {
		return fmt.Errorf("types: invalid message state transition %q -> %q", m.State, state)
	}
	m.State = state
	return nil
}
