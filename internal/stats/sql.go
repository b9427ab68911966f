package stats

import (
	"context"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SQLRecorder stores counters on the rules table through the repository's
// single-statement increments.
type SQLRecorder struct {
	repo domain.Repository
}

// NewSQLRecorder creates a recorder backed by the repository.
func NewSQLRecorder(repo domain.Repository) *SQLRecorder {
	return &SQLRecorder{repo: repo}
}

// RecordTrigger implements Recorder.
func (s *SQLRecorder) RecordTrigger(ctx context.Context, code string, at time.Time) error {
	return s.repo.IncrementRuleTriggers(ctx, code, at)
}

// RecordOutcome implements Recorder.
func (s *SQLRecorder) RecordOutcome(ctx context.Context, code string, outcome domain.Outcome) (*domain.RuleStats, error) {
	return s.repo.IncrementRuleOutcome(ctx, code, outcome)
}

// Stats implements Recorder.
func (s *SQLRecorder) Stats(ctx context.Context, code string) (*domain.RuleStats, error) {
	return s.repo.GetRuleStats(ctx, code)
}
