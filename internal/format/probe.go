package format

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformed indicates the bytes are not a JSON object.
var ErrMalformed = errors.New("format: malformed document")

// ErrUnrecognized indicates a JSON object with no recognisable structure.
var ErrUnrecognized = errors.New("format: unrecognized document structure")

// Probe is the structural evidence gathered from a stored document. It never
// interprets the evidence; that is the detector's job.
type Probe struct {
	HasEntries   bool
	EntryCount   int
	HasMessages  bool
	MessageCount int

	HasVersion bool
	Version    float64

	HasMigrationMetadata bool
}

// ProbeDocument inspects raw without decoding it into a concrete variant.
func ProbeDocument(raw []byte) (Probe, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Probe{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if fields == nil {
		return Probe{}, fmt.Errorf("%w: document is null", ErrMalformed)
	}

	var p Probe
	if n, ok := arrayLen(fields["entries"]); ok {
		p.HasEntries = true
		p.EntryCount = n
	}
	if n, ok := arrayLen(fields["messages"]); ok {
		p.HasMessages = true
		p.MessageCount = n
	}
	if v, ok := versionValue(fields["schema_version"]); ok {
		p.HasVersion = true
		p.Version = v
	}
	if mm, ok := fields["migration_metadata"]; ok && isObject(mm) {
		p.HasMigrationMetadata = true
	}

	return p, nil
}

// Evidence renders the probe as short human-readable facts.
func (p Probe) Evidence() []string {
	var out []string
	if p.HasEntries {
		out = append(out, fmt.Sprintf("entries list present (%d)", p.EntryCount))
	} else {
		out = append(out, "entries list absent")
	}
	if p.HasMessages {
		out = append(out, fmt.Sprintf("messages list present (%d)", p.MessageCount))
	} else {
		out = append(out, "messages list absent")
	}
	if p.HasVersion {
		out = append(out, "schema_version="+strconv.FormatFloat(p.Version, 'f', -1, 64))
	} else {
		out = append(out, "schema_version absent")
	}
	if p.HasMigrationMetadata {
		out = append(out, "migration metadata present")
	}
	return out
}

func arrayLen(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil || arr == nil {
		return 0, false
	}
	return len(arr), true
}

func versionValue(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimPrefix(strings.TrimSpace(s), "v"), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func isObject(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return strings.HasPrefix(s, "{")
}
