// Package feedback turns confirmed outcomes into per-rule precision.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/stats"
)

// RuleLister lists the rules whose precision is reported.
type RuleLister interface {
	ListRules(ctx context.Context, filter domain.RuleFilter) ([]*domain.Rule, error)
}

// Loop applies outcomes to the rule counters.
type Loop struct {
	recorder    stats.Recorder
	rules       RuleLister
	concurrency int
}

// NewLoop creates a feedback loop. concurrency bounds the per-outcome fan-out.
func NewLoop(recorder stats.Recorder, rules RuleLister, concurrency int) *Loop {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Loop{recorder: recorder, rules: rules, concurrency: concurrency}
}

// Apply records outcome against every rule code. Each rule update is atomic;
// the batch is not. Failures are joined so the caller can retry the batch.
func (l *Loop) Apply(ctx context.Context, codes []string, outcome domain.Outcome) (map[string]*domain.RuleStats, error) {
	if !outcome.Valid() {
		return nil, fmt.Errorf("%w: outcome %q", domain.ErrInvalidInput, outcome)
	}
	if outcome == domain.OutcomeUnknown || len(codes) == 0 {
		return map[string]*domain.RuleStats{}, nil
	}

	results := make([]*domain.RuleStats, len(codes))
	errs := make([]error, len(codes))

	var g errgroup.Group
	g.SetLimit(l.concurrency)
	for i, code := range codes {
		i, code := i, code
		g.Go(func() error {
			s, err := l.recorder.RecordOutcome(ctx, code, outcome)
			if err != nil {
				errs[i] = fmt.Errorf("rule %s: %w", code, err)
				return nil
			}
			results[i] = s
			return nil
		})
	}
	_ = g.Wait()

	updated := make(map[string]*domain.RuleStats, len(codes))
	for i, code := range codes {
		if results[i] != nil {
			updated[code] = results[i]
		}
	}

	if err := errors.Join(errs...); err != nil {
		slog.Error("feedback partially applied",
			"outcome", outcome,
			"applied", len(updated),
			"requested", len(codes),
			"error", err,
		)
		return updated, err
	}

	slog.Debug("feedback applied", "outcome", outcome, "rules", len(codes))
	return updated, nil
}

// Flagged is an active rule whose precision is below the review threshold.
type Flagged struct {
	Code          string               `json:"code"`
	Name          string               `json:"name"`
	Stats         domain.RuleStats     `json:"stats"`
	Effectiveness domain.Effectiveness `json:"effectiveness"`
}

// LowPrecision lists active rules with at least minTriggers triggers and a
// precision below threshold, worst first. It is advisory and never changes
// a rule.
func (l *Loop) LowPrecision(ctx context.Context, minTriggers int64, threshold float64) ([]Flagged, error) {
	active := true
	list, err := l.rules.ListRules(ctx, domain.RuleFilter{Active: &active})
	if err != nil {
		return nil, err
	}

	var flagged []Flagged
	for _, rule := range list {
		s, err := l.recorder.Stats(ctx, rule.Code)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.Code, err)
		}
		if s.TriggersCount < minTriggers || s.PrecisionRate == nil || *s.PrecisionRate >= threshold {
			continue
		}
		flagged = append(flagged, Flagged{
			Code:          rule.Code,
			Name:          rule.Name,
			Stats:         *s,
			Effectiveness: s.Effectiveness(),
		})
	}

	sort.SliceStable(flagged, func(i, j int) bool {
		return *flagged[i].Stats.PrecisionRate < *flagged[j].Stats.PrecisionRate
	})
	return flagged, nil
}
