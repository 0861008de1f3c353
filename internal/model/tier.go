package model

import (
	"fmt"

	"github.com/rotisserie/eris"
)

// Tier is the exception-handling automation level assigned to a match.
type Tier int

const (
	TierAutoClose Tier = iota
	TierAutoSuggest
	TierRoute
	TierEscalate
)

// Tiers lists every tier. Code switching over Tier should cover each value.
var Tiers = []Tier{TierAutoClose, TierAutoSuggest, TierRoute, TierEscalate}

func (t Tier) String() string {
	switch t {
	case TierAutoClose:
		return "tier_0_auto_close"
	case TierAutoSuggest:
		return "tier_1_auto_suggest"
	case TierRoute:
		return "tier_2_route"
	case TierEscalate:
		return "tier_3_escalate"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t >= TierAutoClose && t <= TierEscalate
}

// Ptr returns a pointer to a copy of t.
func (t Tier) Ptr() *Tier {
	return &t
}

// ParseTier parses the String form of a tier.
func ParseTier(s string) (Tier, error) {
	for _, t := range Tiers {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, eris.Errorf("unknown tier %q", s)
}

// RiskClass is a coarse sensitivity label attached to an account.
type RiskClass string

const (
	RiskCritical RiskClass = "critical"
	RiskHigh     RiskClass = "high"
	RiskMedium   RiskClass = "medium"
	RiskLow      RiskClass = "low"
)

// Valid reports whether r is a known risk class.
func (r RiskClass) Valid() bool {
	switch r {
	case RiskCritical, RiskHigh, RiskMedium, RiskLow:
		return true
	}
	return false
}

// ToleranceType scales the base tolerance of a risk class.
type ToleranceType string

const (
	ToleranceStrict   ToleranceType = "strict"
	ToleranceStandard ToleranceType = "standard"
	ToleranceLoose    ToleranceType = "loose"
)
