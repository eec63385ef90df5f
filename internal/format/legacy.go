// Package format models the on-disk document variants a conversation can be
// stored in (legacy entry pairs, hybrid, unified) and converts between them.
package format

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/scrypster/chathistory/pkg/types"
)

// Variant is the inferred format of a stored document.
type Variant string

const (
	VariantLegacy  Variant = "legacy"
	VariantHybrid  Variant = "hybrid"
	VariantUnified Variant = "unified"
	VariantUnknown Variant = "unknown"
)

// Original format names recorded in migration metadata.
const (
	OriginalFormatLegacy = "ChatHistoryEntry"
	OriginalFormatHybrid = "HybridChatHistory"
)

// LegacyDocument is the pre-unified on-disk format: a flat list of
// request/response entries with no schema tag.
type LegacyDocument struct {
	Title     string        `json:"title,omitempty"`
	Timestamp Timestamp     `json:"timestamp"`
	Filename  string        `json:"filename,omitempty"`
	Entries   []LegacyEntry `json:"entries"`
}

// LegacyEntry is one request/response exchange of a legacy document.
type LegacyEntry struct {
	Timestamp         Timestamp     `json:"timestamp"`
	Provider          string        `json:"provider,omitempty"`
	Model             string        `json:"model,omitempty"`
	Request           string        `json:"request"`
	Response          string        `json:"response"`
	SelectedCode      *SelectedCode `json:"selected_code,omitempty"`
	SelectedFilepaths []string      `json:"selected_filepaths,omitempty"`
	Visible           *bool         `json:"visible,omitempty"`
}

// SelectedCode is the code selection attached to a legacy request.
type SelectedCode struct {
	Path     string `json:"path,omitempty"`
	Content  string `json:"content"`
	FileType string `json:"file_type,omitempty"`
}

// HybridDocument is a partially migrated document carrying both unified
// messages and legacy entries.
type HybridDocument struct {
	types.Conversation
	Entries []LegacyEntry `json:"entries"`
}

// IsVisible reports the entry's visibility, defaulting to true.
func (e *LegacyEntry) IsVisible() bool {
	return e.Visible == nil || *e.Visible
}

// timestampLayouts are tried in order for string timestamps.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05-0700",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// Timestamp accepts a JSON number (unix seconds, or milliseconds when the
// value is too large to be seconds) or a string in one of several layouts.
// Unparseable values decode to the zero time rather than failing the whole
// document.
type Timestamp struct {
	time.Time
}

// NewTimestamp wraps t.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

// UnmarshalJSON implements json.Unmarshaler.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		ts.Time = time.Time{}
		return nil
	}

	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		ts.Time = parseTimeString(s)
		return nil
	}

	f, err := strconv.ParseFloat(string(trimmed), 64)
	if err != nil {
		ts.Time = time.Time{}
		return nil
	}
	ts.Time = unixToTime(f)
	return nil
}

// MarshalJSON writes the timestamp as unix seconds.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(ts.Unix(), 10)), nil
}

func parseTimeString(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t
		}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return unixToTime(f)
	}
	return time.Time{}
}

func unixToTime(f float64) time.Time {
	if f > 1e12 {
		f /= 1000
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}
