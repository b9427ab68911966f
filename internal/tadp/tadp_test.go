package tadp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func entity() domain.EntityRef {
	return domain.EntityRef{Kind: domain.EntityTransaction, ID: "tx-001"}
}

func hit(code string, contribution float64) domain.TriggeredRule {
	return domain.TriggeredRule{Code: code, Name: code, Contribution: contribution}
}

func TestProcessor(t *testing.T) {
	proc := NewProcessor(domain.DefaultPolicy())

	t.Run("EmptyRuleSet", func(t *testing.T) {
		score := proc.Process(&DecisionInput{Entity: entity(), Context: domain.Context{"amount": 10}})

		assert.NotEmpty(t, score.ID)
		assert.Equal(t, domain.ScoreRealTime, score.ScoreType)
		assert.Equal(t, 0.0, score.TotalScore)
		assert.Equal(t, domain.RiskVeryLow, score.RiskLevel)
		assert.Equal(t, domain.DecisionAllow, score.Decision)
		assert.NotNil(t, score.TriggeredRules)
		assert.Equal(t, 10, score.EntitySnapshot["amount"])
	})

	t.Run("SanctionedCountryCapsAt100", func(t *testing.T) {
		score := proc.Process(&DecisionInput{
			Entity:         entity(),
			Context:        domain.Context{"country": "KP"},
			TriggeredRules: []domain.TriggeredRule{hit("GEO-001", 160)},
		})

		assert.Equal(t, 100.0, score.RuleScore)
		assert.Equal(t, 100.0, score.TotalScore)
		assert.Equal(t, domain.RiskVeryHigh, score.RiskLevel)
		assert.Equal(t, domain.DecisionBlock, score.Decision)
		assert.True(t, proc.ShouldOpenCase(score))
	})

	t.Run("BandBoundaries", func(t *testing.T) {
		tests := []struct {
			total    float64
			risk     domain.RiskLevel
			decision domain.Decision
		}{
			{19.99, domain.RiskVeryLow, domain.DecisionAllow},
			{20, domain.RiskLow, domain.DecisionAllow},
			{39.99, domain.RiskLow, domain.DecisionAllow},
			{40, domain.RiskMedium, domain.DecisionChallenge},
			{59.99, domain.RiskMedium, domain.DecisionChallenge},
			{60, domain.RiskHigh, domain.DecisionReview},
			{79.99, domain.RiskHigh, domain.DecisionReview},
			{80, domain.RiskVeryHigh, domain.DecisionBlock},
		}
		for _, tt := range tests {
			score := proc.Process(&DecisionInput{
				Entity:         entity(),
				TriggeredRules: []domain.TriggeredRule{hit("AMT-001", tt.total)},
			})
			assert.Equal(t, tt.risk, score.RiskLevel, "risk at %.2f", tt.total)
			assert.Equal(t, tt.decision, score.Decision, "decision at %.2f", tt.total)
		}
	})

	t.Run("RoundsToTwoDecimals", func(t *testing.T) {
		score := proc.Process(&DecisionInput{
			Entity:         entity(),
			TriggeredRules: []domain.TriggeredRule{hit("A", 10.111), hit("B", 10.112)},
		})
		assert.Equal(t, 20.22, score.TotalScore)
	})

	t.Run("BlendsMLScore", func(t *testing.T) {
		score := proc.Process(&DecisionInput{
			Entity:         entity(),
			TriggeredRules: []domain.TriggeredRule{hit("AMT-001", 40)},
			ML:             &domain.MLSignal{Score: 90, Confidence: 0.9, Explanation: map[string]float64{"amount": 0.7}},
		})

		require.NotNil(t, score.MLScore)
		assert.Equal(t, 90.0, *score.MLScore)
		assert.Equal(t, 40.0, score.RuleScore)
		assert.Equal(t, 65.0, score.TotalScore)
		assert.Equal(t, domain.DecisionReview, score.Decision)
		assert.Equal(t, 0.7, score.MLExplanation["amount"])
	})

	t.Run("MLBelowRuleConfidenceIsIgnored", func(t *testing.T) {
		gated := hit("DEV-001", 40)
		gated.MLEnabled = true
		gated.MLThreshold = 0.8

		score := proc.Process(&DecisionInput{
			Entity:         entity(),
			TriggeredRules: []domain.TriggeredRule{gated},
			ML:             &domain.MLSignal{Score: 100, Confidence: 0.5},
		})
		assert.Equal(t, 40.0, score.TotalScore)
		require.NotNil(t, score.MLScore, "the ML score is still recorded")

		score = proc.Process(&DecisionInput{
			Entity:         entity(),
			TriggeredRules: []domain.TriggeredRule{gated},
			ML:             &domain.MLSignal{Score: 100, Confidence: 0.85},
		})
		assert.Equal(t, 70.0, score.TotalScore)
	})

	t.Run("BlockingRuleDoesNotChangeDecision", func(t *testing.T) {
		blocking := hit("GEO-002", 10)
		blocking.IsBlocking = true
		score := proc.Process(&DecisionInput{Entity: entity(), TriggeredRules: []domain.TriggeredRule{blocking}})
		assert.Equal(t, domain.DecisionAllow, score.Decision)
		assert.True(t, score.TriggeredRules[0].IsBlocking)
	})
}

func TestOverride(t *testing.T) {
	proc := NewProcessor(domain.DefaultPolicy())
	score := proc.Process(&DecisionInput{
		Entity:         entity(),
		TriggeredRules: []domain.TriggeredRule{hit("GEO-001", 160)},
	})

	err := proc.Override(score, domain.Decision("maybe"), "analyst-1", "checked")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	err = proc.Override(score, domain.DecisionAllow, "analyst-1", "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	err = proc.Override(score, domain.DecisionAllow, "", "checked")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.False(t, score.IsOverride)

	require.NoError(t, proc.Override(score, domain.DecisionAllow, "analyst-1", "known customer"))
	assert.True(t, score.IsOverride)
	assert.Equal(t, domain.DecisionAllow, score.Decision)
	assert.Equal(t, "analyst-1", score.OverrideBy)
	assert.Equal(t, 100.0, score.TotalScore, "override never touches the score")

	err = proc.Override(score, domain.DecisionBlock, "analyst-2", "second opinion")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Equal(t, domain.DecisionAllow, score.Decision)
}

func TestCasePriority(t *testing.T) {
	assert.Equal(t, domain.PriorityCritical, CasePriority(95))
	assert.Equal(t, domain.PriorityCritical, CasePriority(90))
	assert.Equal(t, domain.PriorityHigh, CasePriority(70))
	assert.Equal(t, domain.PriorityMedium, CasePriority(50))
	assert.Equal(t, domain.PriorityLow, CasePriority(49.99))
}

func TestGetReasons(t *testing.T) {
	score := &domain.Score{TriggeredRules: []domain.TriggeredRule{hit("GEO-001", 160)}}
	assert.Equal(t, []string{"GEO-001 GEO-001 (+160.00)"}, GetReasons(score))
}
