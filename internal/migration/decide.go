package migration

import (
	"fmt"

	"github.com/scrypster/chathistory/internal/format"
)

// Confidence thresholds for acting on a detection.
const (
	LegacyThreshold  = 0.70
	HybridThreshold  = 0.80
	UnifiedThreshold = 0.80
)

// Plan is the conversion a decision calls for.
type Plan string

const (
	PlanNone          Plan = "none"
	PlanConvertLegacy Plan = "convert-legacy"
	PlanMergeHybrid   Plan = "merge-hybrid"
)

// Decision says whether a detected document should be rewritten.
type Decision struct {
	Migrate bool   `json:"migrate"`
	Reason  string `json:"reason"`
	Plan    Plan   `json:"plan"`
}

// ShouldMigrate turns a detection into a decision. Anything the detector is
// not confident about is left alone.
func ShouldMigrate(d Detection) Decision {
	switch d.Variant {
	case format.VariantLegacy:
		if d.Confidence >= LegacyThreshold {
			return Decision{Migrate: true, Plan: PlanConvertLegacy,
				Reason: fmt.Sprintf("legacy document (confidence %.2f)", d.Confidence)}
		}
	case format.VariantHybrid:
		if d.Confidence >= HybridThreshold {
			return Decision{Migrate: true, Plan: PlanMergeHybrid,
				Reason: fmt.Sprintf("hybrid document (confidence %.2f)", d.Confidence)}
		}
	case format.VariantUnified:
		if d.Confidence >= UnifiedThreshold {
			return Decision{Plan: PlanNone, Reason: "already unified"}
		}
	}
	return Decision{Plan: PlanNone,
		Reason: fmt.Sprintf("%s document below confidence threshold (%.2f); not migrating", d.Variant, d.Confidence)}
}
