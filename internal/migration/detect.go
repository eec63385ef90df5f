// Package migration detects the format of stored conversation documents and
// rewrites legacy and hybrid documents into the unified schema.
//
// A single file moves through Detect, Backup, Convert, Validate, Write and
// Verify. Any failure after the backup exists restores the original bytes,
// so a file is either fully migrated or left exactly as it was.
package migration

import (
	"github.com/scrypster/chathistory/internal/format"
	"github.com/scrypster/chathistory/pkg/types"
)

// Detection is the detector's verdict on one document.
type Detection struct {
	Variant    format.Variant `json:"variant"`
	Confidence float64        `json:"confidence"`
	Evidence   []string       `json:"evidence"`
	// Rule names the decision-table row that matched.
	Rule string `json:"rule"`
}

type rule struct {
	name       string
	variant    format.Variant
	confidence float64
	match      func(p format.Probe) bool
}

func current(p format.Probe) bool {
	return p.HasVersion && p.Version >= types.CurrentSchemaVersion
}

// rules is evaluated top to bottom; the first match wins.
var rules = []rule{
	{
		name: "migrated-unified", variant: format.VariantUnified, confidence: 0.95,
		match: func(p format.Probe) bool { return p.HasMigrationMetadata && current(p) },
	},
	{
		name: "pure-legacy", variant: format.VariantLegacy, confidence: 0.90,
		match: func(p format.Probe) bool { return p.HasEntries && !p.HasMessages && !p.HasVersion },
	},
	{
		name: "hybrid", variant: format.VariantHybrid, confidence: 0.85,
		match: func(p format.Probe) bool { return p.HasEntries && p.HasMessages },
	},
	{
		name: "versioned-unified", variant: format.VariantUnified, confidence: 0.80,
		match: func(p format.Probe) bool { return p.HasMessages && current(p) },
	},
	{
		name: "unversioned-unified", variant: format.VariantUnified, confidence: 0.70,
		match: func(p format.Probe) bool { return p.HasMessages && !p.HasEntries && !p.HasVersion },
	},
	{
		name: "versioned-legacy", variant: format.VariantLegacy, confidence: 0.75,
		match: func(p format.Probe) bool { return p.HasEntries && !p.HasMessages },
	},
}

// Detect scores a structural probe against the decision table.
func Detect(p format.Probe) Detection {
	evidence := p.Evidence()
	for _, r := range rules {
		if r.match(p) {
			return Detection{Variant: r.variant, Confidence: r.confidence, Evidence: evidence, Rule: r.name}
		}
	}
	return Detection{Variant: format.VariantUnknown, Evidence: evidence, Rule: "none"}
}

// DetectFormat probes raw and scores it. Bytes that are not a JSON object
// are Unknown with zero confidence.
func DetectFormat(raw []byte) Detection {
	p, err := format.ProbeDocument(raw)
	if err != nil {
		return Detection{
			Variant:  format.VariantUnknown,
			Evidence: []string{err.Error()},
			Rule:     "malformed",
		}
	}
	return Detect(p)
}
