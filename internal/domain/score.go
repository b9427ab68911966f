package domain

import (
	"encoding/json"
	"time"
)

// ScoreType describes how an evaluation was produced.
type ScoreType string

const (
	ScoreRealTime     ScoreType = "real_time"
	ScoreBatch        ScoreType = "batch"
	ScoreMLPrediction ScoreType = "ml_prediction"
)

// RiskLevel is the band a total score falls into.
type RiskLevel string

const (
	RiskVeryLow  RiskLevel = "very_low"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskVeryHigh RiskLevel = "very_high"
)

// Decision is the policy outcome of an evaluation.
type Decision string

const (
	DecisionAllow     Decision = "allow"
	DecisionChallenge Decision = "challenge"
	DecisionReview    Decision = "review"
	DecisionBlock     Decision = "block"
)

// Valid reports whether d is one of the four decisions.
func (d Decision) Valid() bool {
	switch d {
	case DecisionAllow, DecisionChallenge, DecisionReview, DecisionBlock:
		return true
	}
	return false
}

// Outcome is the confirmed ground truth for a score.
type Outcome string

const (
	OutcomeNone       Outcome = ""
	OutcomeFraud      Outcome = "fraud"
	OutcomeLegitimate Outcome = "legitimate"
	OutcomeUnknown    Outcome = "unknown"
)

// Valid reports whether o can be confirmed.
func (o Outcome) Valid() bool {
	return o == OutcomeFraud || o == OutcomeLegitimate || o == OutcomeUnknown
}

// TriggeredRule is a rule that held against a context, with its contribution.
type TriggeredRule struct {
	Code         string   `json:"code"`
	Name         string   `json:"name"`
	Category     Category `json:"category"`
	Severity     Severity `json:"severity"`
	Contribution float64  `json:"contribution"`
	Actions      []Action `json:"actions,omitempty"`
	IsBlocking   bool     `json:"isBlocking"`
	MLEnabled    bool     `json:"mlEnabled,omitempty"`
	MLThreshold  float64  `json:"mlThreshold,omitempty"`
}

// MLSignal is an externally computed model score with its explanation.
type MLSignal struct {
	Score       float64            `json:"score"`
	Confidence  float64            `json:"confidence,omitempty"`
	ModelID     string             `json:"modelId,omitempty"`
	Explanation map[string]float64 `json:"explanation,omitempty"`
}

// Score is the record of one evaluation. Only the override and outcome fields
// change after creation.
type Score struct {
	ID             string          `json:"id"`
	Entity         EntityRef       `json:"entity"`
	ScoreType      ScoreType       `json:"scoreType"`
	EntitySnapshot map[string]any  `json:"entitySnapshot"`
	TriggeredRules []TriggeredRule `json:"triggeredRules"`

	BehavioralFactors json.RawMessage `json:"behavioralFactors,omitempty"`
	DeviceFactors     json.RawMessage `json:"deviceFactors,omitempty"`
	NetworkFactors    json.RawMessage `json:"networkFactors,omitempty"`

	RuleScore     float64            `json:"ruleScore"`
	TotalScore    float64            `json:"totalScore"`
	RiskLevel     RiskLevel          `json:"riskLevel"`
	MLScore       *float64           `json:"mlScore,omitempty"`
	MLExplanation map[string]float64 `json:"mlExplanation,omitempty"`

	Decision       Decision  `json:"decision"`
	IsOverride     bool      `json:"isOverride"`
	OverrideBy     string    `json:"overrideBy,omitempty"`
	OverrideReason string    `json:"overrideReason,omitempty"`
	DecisionAt     time.Time `json:"decisionAt"`

	Outcome      Outcome    `json:"outcome,omitempty"`
	OutcomeBy    string     `json:"outcomeBy,omitempty"`
	OutcomeNotes string     `json:"outcomeNotes,omitempty"`
	OutcomeAt    *time.Time `json:"outcomeAt,omitempty"`

	CaseID    string    `json:"caseId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// RuleCodes returns the codes of the triggered rules in order.
func (s *Score) RuleCodes() []string {
	codes := make([]string, len(s.TriggeredRules))
	for i, tr := range s.TriggeredRules {
		codes[i] = tr.Code
	}
	return codes
}

// Context is the flat key/value snapshot supplied to one evaluation.
type Context map[string]any
