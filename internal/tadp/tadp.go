// Package tadp implements the Transaction Aggregated Decision Processor.
// TADP turns the triggered rules of one evaluation, plus an optional ML
// signal, into a total score, a risk level and a recommended decision.
package tadp

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Processor aggregates triggered rules and produces the scored decision.
// It holds no state besides the policy and is safe for concurrent use.
type Processor struct {
	policy domain.Policy
	now    func() time.Time
}

// NewProcessor creates a processor over the given scoring policy.
func NewProcessor(policy domain.Policy) *Processor {
	return &Processor{
		policy: policy,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Policy returns the tables the processor scores with.
func (p *Processor) Policy() domain.Policy {
	return p.policy
}

// DecisionInput contains all data needed for a decision.
type DecisionInput struct {
	Entity         domain.EntityRef
	ScoreType      domain.ScoreType
	Context        domain.Context
	TriggeredRules []domain.TriggeredRule
	ML             *domain.MLSignal

	BehavioralFactors []byte
	DeviceFactors     []byte
	NetworkFactors    []byte
}

// Process aggregates the input into a new, unsaved score.
func (p *Processor) Process(input *DecisionInput) *domain.Score {
	now := p.now()

	scoreType := input.ScoreType
	if scoreType == "" {
		scoreType = domain.ScoreRealTime
	}

	triggered := input.TriggeredRules
	if triggered == nil {
		triggered = []domain.TriggeredRule{}
	}

	score := &domain.Score{
		ID:                uuid.New().String(),
		Entity:            input.Entity,
		ScoreType:         scoreType,
		EntitySnapshot:    snapshot(input.Context),
		TriggeredRules:    triggered,
		BehavioralFactors: input.BehavioralFactors,
		DeviceFactors:     input.DeviceFactors,
		NetworkFactors:    input.NetworkFactors,
		DecisionAt:        now,
		CreatedAt:         now,
	}

	score.RuleScore = p.RuleScore(triggered)
	total := score.RuleScore

	if ml := input.ML; ml != nil {
		mlScore := round2(clamp(ml.Score, 0, 100))
		score.MLScore = &mlScore
		score.MLExplanation = ml.Explanation
		if p.blendML(ml, triggered) {
			w := p.policy.MLBlendWeight
			total = (1-w)*score.RuleScore + w*mlScore
		}
	}

	score.TotalScore = round2(clamp(total, 0, 100))
	score.RiskLevel = p.policy.RiskLevelFor(score.TotalScore)
	score.Decision = p.policy.DecisionFor(score.TotalScore)

	return score
}

// RuleScore sums the contributions and caps the result at the policy maximum.
func (p *Processor) RuleScore(triggered []domain.TriggeredRule) float64 {
	var sum float64
	for _, tr := range triggered {
		sum += tr.Contribution
	}
	return round2(clamp(sum, 0, p.policy.MaxScore))
}

// blendML reports whether the ML score counts towards the total. Rules that
// opt into ML set the confidence bar; with none of them firing the signal is
// taken as is.
func (p *Processor) blendML(ml *domain.MLSignal, triggered []domain.TriggeredRule) bool {
	gated := false
	for _, tr := range triggered {
		if !tr.MLEnabled {
			continue
		}
		gated = true
		if ml.Confidence >= tr.MLThreshold {
			return true
		}
	}
	return !gated
}

// Override replaces the decision of a score. A score can be overridden once.
func (p *Processor) Override(score *domain.Score, decision domain.Decision, actor, reason string) error {
	if score.IsOverride {
		return fmt.Errorf("%w: score %s already overridden by %s", domain.ErrInvalidState, score.ID, score.OverrideBy)
	}
	if !decision.Valid() {
		return fmt.Errorf("%w: unknown decision %q", domain.ErrInvalidInput, decision)
	}
	if actor == "" {
		return fmt.Errorf("%w: override actor is required", domain.ErrInvalidInput)
	}
	if reason == "" {
		return fmt.Errorf("%w: override reason is required", domain.ErrInvalidInput)
	}

	score.Decision = decision
	score.IsOverride = true
	score.OverrideBy = actor
	score.OverrideReason = reason
	score.DecisionAt = p.now()
	return nil
}

// ShouldOpenCase reports whether the score's decision opens a case.
func (p *Processor) ShouldOpenCase(score *domain.Score) bool {
	return p.policy.OpensCase(score.Decision)
}

// CasePriority maps a total score onto the priority of the case it opens.
func CasePriority(totalScore float64) domain.Priority {
	switch {
	case totalScore >= 90:
		return domain.PriorityCritical
	case totalScore >= 70:
		return domain.PriorityHigh
	case totalScore >= 50:
		return domain.PriorityMedium
	default:
		return domain.PriorityLow
	}
}

// GetReasons returns one human-readable line per triggered rule.
func GetReasons(score *domain.Score) []string {
	reasons := make([]string, 0, len(score.TriggeredRules))
	for _, tr := range score.TriggeredRules {
		reasons = append(reasons, fmt.Sprintf("%s %s (+%.2f)", tr.Code, tr.Name, tr.Contribution))
	}
	return reasons
}

func snapshot(ctx domain.Context) map[string]any {
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		out[k] = v
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
