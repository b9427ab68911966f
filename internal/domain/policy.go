package domain

import (
	"fmt"
	"math"
)

// Policy holds the tunable scoring tables. It is injected into the rule
// engine and the score processor so that tuning needs no code change.
type Policy struct {
	// SeverityMultipliers scale base_score x weight per severity.
	SeverityMultipliers map[Severity]float64 `json:"severityMultipliers" yaml:"severity_multipliers"`

	// RiskBands are the lower bounds of low, medium, high and very_high.
	RiskBands RiskBands `json:"riskBands" yaml:"risk_bands"`

	// DecisionThresholds are the lower bounds of challenge, review and block.
	DecisionThresholds DecisionThresholds `json:"decisionThresholds" yaml:"decision_thresholds"`

	// MLBlendWeight is the share of the ML score in the total when one is present.
	MLBlendWeight float64 `json:"mlBlendWeight" yaml:"ml_blend_weight"`

	// MaxScore caps the rule score.
	MaxScore float64 `json:"maxScore" yaml:"max_score"`

	// CaseDecisions are the decisions that open a case.
	CaseDecisions []Decision `json:"caseDecisions" yaml:"case_decisions"`
}

// RiskBands are the lower bounds of each band above very_low.
type RiskBands struct {
	Low      float64 `json:"low" yaml:"low"`
	Medium   float64 `json:"medium" yaml:"medium"`
	High     float64 `json:"high" yaml:"high"`
	VeryHigh float64 `json:"veryHigh" yaml:"very_high"`
}

// DecisionThresholds are the lower bounds of each decision above allow.
type DecisionThresholds struct {
	Challenge float64 `json:"challenge" yaml:"challenge"`
	Review    float64 `json:"review" yaml:"review"`
	Block     float64 `json:"block" yaml:"block"`
}

// DefaultPolicy returns the standard tables.
func DefaultPolicy() Policy {
	return Policy{
		SeverityMultipliers: map[Severity]float64{
			SeverityCritical: 2.0,
			SeverityHigh:     1.5,
			SeverityMedium:   1.0,
			SeverityLow:      0.5,
		},
		RiskBands:          RiskBands{Low: 20, Medium: 40, High: 60, VeryHigh: 80},
		DecisionThresholds: DecisionThresholds{Challenge: 40, Review: 60, Block: 80},
		MLBlendWeight:      0.5,
		MaxScore:           100,
		CaseDecisions:      []Decision{DecisionBlock, DecisionReview},
	}
}

// Multiplier returns the severity multiplier, or 1.0 for an unknown severity.
func (p Policy) Multiplier(s Severity) float64 {
	if m, ok := p.SeverityMultipliers[s]; ok {
		return m
	}
	return 1.0
}

// RiskLevelFor maps a total score onto its band. It is the only way a
// risk level is derived.
func (p Policy) RiskLevelFor(score float64) RiskLevel {
	switch {
	case score >= p.RiskBands.VeryHigh:
		return RiskVeryHigh
	case score >= p.RiskBands.High:
		return RiskHigh
	case score >= p.RiskBands.Medium:
		return RiskMedium
	case score >= p.RiskBands.Low:
		return RiskLow
	default:
		return RiskVeryLow
	}
}

// DecisionFor maps a total score onto the recommended decision.
func (p Policy) DecisionFor(score float64) Decision {
	switch {
	case score >= p.DecisionThresholds.Block:
		return DecisionBlock
	case score >= p.DecisionThresholds.Review:
		return DecisionReview
	case score >= p.DecisionThresholds.Challenge:
		return DecisionChallenge
	default:
		return DecisionAllow
	}
}

// OpensCase reports whether a decision should open a case.
func (p Policy) OpensCase(d Decision) bool {
	for _, cd := range p.CaseDecisions {
		if cd == d {
			return true
		}
	}
	return false
}

// Validate checks that the tables are ordered and in range.
func (p Policy) Validate() error {
	b := p.RiskBands
	if !(0 <= b.Low && b.Low <= b.Medium && b.Medium <= b.High && b.High <= b.VeryHigh) {
		return fmt.Errorf("%w: risk bands must be ascending", ErrInvalidInput)
	}
	d := p.DecisionThresholds
	if !(0 <= d.Challenge && d.Challenge <= d.Review && d.Review <= d.Block) {
		return fmt.Errorf("%w: decision thresholds must be ascending", ErrInvalidInput)
	}
	if p.MLBlendWeight < 0 || p.MLBlendWeight > 1 || math.IsNaN(p.MLBlendWeight) {
		return fmt.Errorf("%w: ml blend weight must be within 0-1", ErrInvalidInput)
	}
	if p.MaxScore <= 0 {
		return fmt.Errorf("%w: max score must be positive", ErrInvalidInput)
	}
	for s, m := range p.SeverityMultipliers {
		if m < 0 {
			return fmt.Errorf("%w: multiplier for %s must not be negative", ErrInvalidInput, s)
		}
	}
	return nil
}
