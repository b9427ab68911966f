package rules

import "github.com/opensource-finance/kestrel/internal/domain"

// DefaultRules returns the starter rule templates seeded into an empty store.
// Each call returns fresh copies.
func DefaultRules() []*domain.Rule {
	rules := []*domain.Rule{
		{
			Code:           "VEL-001",
			Name:           "Rapid transactions",
			Description:    "Many transactions from the same entity within one hour",
			Category:       domain.CategoryVelocity,
			Severity:       domain.SeverityHigh,
			TimeWindow:     "1h",
			MinOccurrences: 5,
			Conditions: []domain.Condition{
				{Field: "amount", Operator: domain.OpGreaterThan, Value: 0},
			},
			BaseScore: 25,
			Actions:   []domain.Action{domain.ActionFlag, domain.ActionReview},
			Tags:      []string{"velocity"},
		},
		{
			Code:           "VEL-003",
			Name:           "Daily transfer burst",
			Description:    "Ten or more transfers within 24 hours",
			Category:       domain.CategoryVelocity,
			Severity:       domain.SeverityHigh,
			TimeWindow:     "24h",
			MinOccurrences: 10,
			Conditions: []domain.Condition{
				{Field: "amount", Operator: domain.OpGreaterThan, Value: 0},
			},
			BaseScore: 30,
			Actions:   []domain.Action{domain.ActionFlag, domain.ActionReview},
			Tags:      []string{"velocity"},
		},
		{
			Code:        "AMT-001",
			Name:        "Large transaction",
			Description: "Single transaction at or above the reporting threshold",
			Category:    domain.CategoryAmount,
			Severity:    domain.SeverityMedium,
			Conditions: []domain.Condition{
				{Field: "amount", Operator: domain.OpGreaterOrEqual, Value: 10000},
			},
			Thresholds: map[string]float64{"amount": 10000},
			BaseScore:  30,
			Actions:    []domain.Action{domain.ActionReview},
			Tags:       []string{"amount"},
		},
		{
			Code:        "AMT-002",
			Name:        "Just below reporting threshold",
			Description: "Amount sitting just under the reporting threshold, a structuring signal",
			Category:    domain.CategoryAmount,
			Severity:    domain.SeverityHigh,
			Conditions: []domain.Condition{
				{Field: "amount", Operator: domain.OpBetween, Value: []any{9000, 9999.99}},
			},
			BaseScore: 25,
			Actions:   []domain.Action{domain.ActionFlag},
			Tags:      []string{"amount", "structuring"},
		},
		{
			Code:        "GEO-001",
			Name:        "Sanctioned jurisdiction",
			Description: "Counterparty or origin in a sanctioned country",
			Category:    domain.CategoryGeography,
			Severity:    domain.SeverityCritical,
			IsBlocking:  true,
			Conditions: []domain.Condition{
				{Field: "country", Operator: domain.OpIn, Value: []any{"KP", "IR", "SY", "CU"}},
			},
			BaseScore: 40,
			Weight:    2.0,
			Actions:   []domain.Action{domain.ActionBlock, domain.ActionNotify},
			Tags:      []string{"sanctions"},
		},
		{
			Code:        "GEO-002",
			Name:        "Impossible travel",
			Description: "Distance from the previous login location is too large for the elapsed time",
			Category:    domain.CategoryGeography,
			Severity:    domain.SeverityHigh,
			Conditions: []domain.Condition{
				{Field: "geo.distance_km", Operator: domain.OpGreaterThan, Value: 1000},
				{Field: "geo.hours_since_last", Operator: domain.OpLessThan, Value: 2},
			},
			BaseScore: 30,
			Actions:   []domain.Action{domain.ActionChallenge},
		},
		{
			Code:        "DEV-001",
			Name:        "Emulated device",
			Description: "Request originates from an emulator or rooted device",
			Category:    domain.CategoryDevice,
			Severity:    domain.SeverityHigh,
			Conditions: []domain.Condition{
				{Field: "device.emulator", Operator: domain.OpEquals, Value: true},
			},
			BaseScore: 30,
			Actions:   []domain.Action{domain.ActionChallenge, domain.ActionFlag},
		},
		{
			Code:        "DEV-002",
			Name:        "New device",
			Description: "First time this device is seen for the entity",
			Category:    domain.CategoryDevice,
			Severity:    domain.SeverityLow,
			Conditions: []domain.Condition{
				{Field: "device.is_new", Operator: domain.OpEquals, Value: true},
			},
			BaseScore: 15,
			Actions:   []domain.Action{domain.ActionFlag},
		},
		{
			Code:        "PAT-001",
			Name:        "Disposable email",
			Description: "Email address at a throwaway mailbox provider",
			Category:    domain.CategoryPattern,
			Severity:    domain.SeverityMedium,
			Conditions: []domain.Condition{
				{Field: "email", Operator: domain.OpRegex, Value: `(?i)@(mailinator|guerrillamail|10minutemail|yopmail)\.com$`},
			},
			BaseScore: 20,
			Actions:   []domain.Action{domain.ActionFlag},
		},
		{
			Code:        "BEH-001",
			Name:        "Night-time activity",
			Description: "Activity between midnight and 5am local time",
			Category:    domain.CategoryBehavior,
			Severity:    domain.SeverityLow,
			Conditions: []domain.Condition{
				{Field: "local_hour", Operator: domain.OpBetween, Value: []any{0, 5}},
			},
			BaseScore: 10,
			Actions:   []domain.Action{domain.ActionFlag},
		},
	}

	for _, r := range rules {
		r.IsActive = true
		r.ApplyDefaults()
	}
	return rules
}
