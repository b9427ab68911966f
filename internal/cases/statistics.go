package cases

import (
	"context"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Statistics summarises the cases matching filter. Limit and offset are ignored.
func (m *Manager) Statistics(ctx context.Context, filter domain.CaseFilter) (*domain.CaseStatistics, error) {
	filter.Limit, filter.Offset = 0, 0
	list, err := m.store.ListCases(ctx, filter)
	if err != nil {
		return nil, err
	}
	return summarize(list), nil
}

func summarize(list []*domain.Case) *domain.CaseStatistics {
	s := &domain.CaseStatistics{
		Total:        len(list),
		ByStatus:     make(map[domain.CaseStatus]int),
		ByPriority:   make(map[domain.Priority]int),
		ByResolution: make(map[domain.Resolution]int),
		ByFraudType:  make(map[domain.FraudType]int),
	}

	var resolvedHours float64
	var resolved int
	for _, c := range list {
		s.ByStatus[c.Status]++
		s.ByPriority[c.Priority]++
		s.ByFraudType[c.FraudType]++
		if c.Resolution != "" {
			s.ByResolution[c.Resolution]++
		}
		if c.Escalated {
			s.Escalated++
		}
		s.TotalExposure += c.TotalAmount
		s.TotalRecovered += c.AmountRecovered

		if c.InvestigationCompletedAt != nil {
			resolvedHours += c.InvestigationCompletedAt.Sub(c.CreatedAt).Hours()
			resolved++
		}
	}

	if s.TotalExposure > 0 {
		s.RecoveryRate = round2(s.TotalRecovered / s.TotalExposure * 100)
	}
	if resolved > 0 {
		s.AverageResolutionHours = round2(resolvedHours / float64(resolved))
	}
	return s
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
