package types

import (
	"errors"
	"fmt"
)

// ToolChainWarning reports a tool-result message whose invocation id does not
// resolve to an earlier tool-use message in the same conversation.
type ToolChainWarning struct {
	MessageID    string
	Index        int
	InvocationID string
}

func (w ToolChainWarning) String() string {
	return fmt.Sprintf("orphaned tool result %s at index %d references unknown invocation %q",
		w.MessageID, w.Index, w.InvocationID)
}

// ValidateToolChains walks messages in order and returns one warning per
// orphaned tool result. It never modifies or drops messages.
func ValidateToolChains(messages []Message) []ToolChainWarning {
	seen := make(map[string]struct{})
	var warnings []ToolChainWarning

	for i := range messages {
		msg := &messages[i]
		if msg.IsToolUse() {
			if id := msg.InvocationID(); id != "" {
				seen[id] = struct{}{}
			}
			continue
		}
		if !msg.IsToolResult() {
			continue
		}
		ref := msg.ReferencedInvocationID()
		if _, ok := seen[ref]; !ok {
			warnings = append(warnings, ToolChainWarning{
				MessageID:    msg.ID,
				Index:        i,
				InvocationID: ref,
			})
		}
	}

	return warnings
}

// Validate checks structural invariants of a conversation. Orphaned tool
// results are not errors; use ValidateToolChains for those.
func (c *Conversation) Validate() error {
	if c == nil {
		return errors.New("types: conversation is nil")
	}
	if c.ID == "" {
		return errors.New("types: conversation uuid is required")
	}

	seen := make(map[string]struct{}, len(c.Messages))
	for i := range c.Messages {
		msg := &c.Messages[i]
		if msg.ID == "" {
			return fmt.Errorf("types: message at index %d has no id", i)
		}
		if _, dup := seen[msg.ID]; dup {
			return fmt.Errorf("types: duplicate message id %q", msg.ID)
		}
		seen[msg.ID] = struct{}{}

		if !IsValidRole(msg.Role) {
			return fmt.Errorf("types: message %s has invalid role %q", msg.ID, msg.Role)
		}
		if !IsValidMessageState(msg.State) {
			return fmt.Errorf("types: message %s has invalid state %q", msg.ID, msg.State)
		}
	}

	return nil
}
