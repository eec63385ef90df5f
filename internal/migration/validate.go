package migration

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/scrypster/chathistory/internal/format"
	"github.com/scrypster/chathistory/pkg/types"
)

// ErrValidation reports a converted document that does not account for its
// source.
var ErrValidation = errors.New("migration: validation failed")

type expectedMessage struct {
	role types.Role
	text string
}

// expectedFromEntries derives, without the converter, the messages a list of
// legacy entries must produce.
func expectedFromEntries(entries []format.LegacyEntry) []expectedMessage {
	var out []expectedMessage
	for _, e := range entries {
		if e.Request != "" {
			out = append(out, expectedMessage{role: types.RoleUser, text: e.Request})
		}
		if e.Response != "" {
			out = append(out, expectedMessage{role: types.RoleAssistant, text: e.Response})
		}
	}
	return out
}

func countToolResults(messages []types.Message) int {
	n := 0
	for i := range messages {
		if messages[i].IsToolResult() {
			n++
		}
	}
	return n
}

func validationErr(msg string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(msg, args...))
}

// validate re-reads the source bytes and checks conv against them.
func validate(plan Plan, raw []byte, conv *types.Conversation) error {
	var (
		existing []types.Message
		entries  []format.LegacyEntry
	)

	switch plan {
	case PlanConvertLegacy:
		var doc format.LegacyDocument
		if err := json.Unmarshal(raw, &doc); err != nil {
			return validationErr("re-read legacy source: %v", err)
		}
		entries = doc.Entries
	case PlanMergeHybrid:
		var doc format.HybridDocument
		if err := json.Unmarshal(raw, &doc); err != nil {
			return validationErr("re-read hybrid source: %v", err)
		}
		existing = doc.Messages
		entries = doc.Entries
	default:
		return validationErr("nothing to validate for plan %q", plan)
	}

	if err := conv.Validate(); err != nil {
		return validationErr("%v", err)
	}
	if conv.SchemaVersion != types.CurrentSchemaVersion {
		return validationErr("schema_version %d, want %d", conv.SchemaVersion, types.CurrentSchemaVersion)
	}

	expected := expectedFromEntries(entries)
	if want := len(existing) + len(expected); len(conv.Messages) != want {
		return validationErr("%d messages, want %d", len(conv.Messages), want)
	}

	for i := range existing {
		got, want := &conv.Messages[i], &existing[i]
		if want.ID == "" {
			// Source messages without an id are given one by the converter.
			if got.ID == "" || got.Role != want.Role || got.Content.String() != want.Content.String() {
				return validationErr("existing message %d reordered or replaced", i)
			}
			continue
		}
		if got.ID != want.ID {
			return validationErr("existing message %d reordered or replaced (%q, want %q)", i, got.ID, want.ID)
		}
	}

	for j, want := range expected {
		got := &conv.Messages[len(existing)+j]
		if got.Role != want.role {
			return validationErr("converted message %d has role %q, want %q", j, got.Role, want.role)
		}
		if got.Content.String() != want.text {
			return validationErr("converted message %d content differs from source", j)
		}
	}

	if before, after := countToolResults(existing), countToolResults(conv.Messages); after < before {
		return validationErr("%d tool results dropped", before-after)
	}

	if !conv.StatisticsConsistent() {
		return validationErr("statistics %+v do not match messages", conv.Statistics)
	}
	return nil
}
