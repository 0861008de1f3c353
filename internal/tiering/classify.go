// Package tiering assigns reconciled matches to exception-handling tiers and
// applies the action each tier calls for.
package tiering

import (
	"fmt"
	"strings"

	"github.com/sells-group/recon-engine/internal/model"
)

// Confidence boundaries between tiers.
const (
	AutoCloseMinConfidence   = 98.0
	AutoSuggestMinConfidence = 90.0
	EscalateBelowConfidence  = 70.0
)

// Input holds everything classification depends on.
type Input struct {
	Confidence          float64         `json:"confidence"`
	Material            bool            `json:"material"`
	RiskClass           model.RiskClass `json:"risk_class"`
	DiscrepancySeverity model.Severity  `json:"discrepancy_severity,omitempty"`
}

// Classify returns the tier for in. It is a pure function and the checks run
// in a fixed order:
//  1. auto-close: confidence >= 98, immaterial, risk not critical or high
//  2. auto-suggest: 90 <= confidence < 98, risk not critical
//  3. escalate: confidence < 70, critical risk, or a critical discrepancy
//  4. route: everything else
//
// The auto-suggest risk guard is deliberately weaker than auto-close's, so a
// high-risk match at 95% lands in auto-suggest.
func Classify(in Input) model.Tier {
	switch {
	case in.Confidence >= AutoCloseMinConfidence && !in.Material &&
		in.RiskClass != model.RiskCritical && in.RiskClass != model.RiskHigh:
		return model.TierAutoClose
	case in.Confidence >= AutoSuggestMinConfidence && in.Confidence < AutoCloseMinConfidence &&
		in.RiskClass != model.RiskCritical:
		return model.TierAutoSuggest
	case in.Confidence < EscalateBelowConfidence || in.RiskClass == model.RiskCritical ||
		in.DiscrepancySeverity == model.SeverityCritical:
		return model.TierEscalate
	default:
		return model.TierRoute
	}
}

// EscalationReason lists the conditions that put in into tier 3.
func EscalationReason(in Input) string {
	var reasons []string
	if in.Confidence < EscalateBelowConfidence {
		reasons = append(reasons, fmt.Sprintf("confidence %.2f below %.0f", in.Confidence, EscalateBelowConfidence))
	}
	if in.RiskClass == model.RiskCritical {
		reasons = append(reasons, "critical risk account")
	}
	if in.DiscrepancySeverity == model.SeverityCritical {
		reasons = append(reasons, "linked discrepancy severity critical")
	}
	if len(reasons) == 0 {
		return "manual escalation"
	}
	return strings.Join(reasons, "; ")
}
