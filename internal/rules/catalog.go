package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Store is the durable rule storage the catalog writes through.
type Store interface {
	SaveRule(ctx context.Context, rule *domain.Rule) error
	GetRule(ctx context.Context, code string) (*domain.Rule, error)
	ListRules(ctx context.Context, filter domain.RuleFilter) ([]*domain.Rule, error)
	SetRuleActive(ctx context.Context, code string, active bool) error
}

// StatsReader returns the live counters of a rule.
type StatsReader interface {
	Stats(ctx context.Context, code string) (*domain.RuleStats, error)
}

// Catalog manages rule definitions: it validates them with the engine,
// persists them, and keeps the engine snapshot in step with the store.
type Catalog struct {
	store  Store
	engine *Engine
	stats  StatsReader
	now    func() time.Time
}

// NewCatalog creates a catalog. stats may be nil, in which case the
// counters stored with the rule are reported.
func NewCatalog(store Store, engine *Engine, stats StatsReader) *Catalog {
	return &Catalog{store: store, engine: engine, stats: stats, now: time.Now}
}

// Create validates and stores a new rule, then loads it into the engine.
func (c *Catalog) Create(ctx context.Context, rule *domain.Rule) error {
	rule.ApplyDefaults()
	rule.Stats = domain.RuleStats{}
	rule.TuningHistory = nil
	if err := c.engine.ValidateRule(rule); err != nil {
		return err
	}

	if _, err := c.store.GetRule(ctx, rule.Code); err == nil {
		return fmt.Errorf("%w: rule %s already exists", domain.ErrConflict, rule.Code)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	if err := c.store.SaveRule(ctx, rule); err != nil {
		return fmt.Errorf("save rule %s: %w", rule.Code, err)
	}
	if err := c.engine.LoadRule(rule); err != nil {
		return err
	}

	slog.Info("rule created", "rule_code", rule.Code, "active", rule.IsActive)
	return nil
}

// Update replaces the logic and scoring of a rule, bumps its version and
// appends a tuning note carrying the precision before the change.
func (c *Catalog) Update(ctx context.Context, code string, changes *domain.Rule, actor, note string) (*domain.Rule, error) {
	existing, err := c.Get(ctx, code)
	if err != nil {
		return nil, err
	}

	updated := changes.Clone()
	updated.Code = existing.Code
	updated.Version = existing.Version + 1
	updated.CreatedAt = existing.CreatedAt
	updated.Stats = existing.Stats
	updated.ApplyDefaults()

	if note == "" {
		note = "rule updated"
	}
	updated.TuningHistory = append(append([]domain.TuningNote(nil), existing.TuningHistory...), domain.TuningNote{
		At:              c.now().UTC(),
		By:              actor,
		Note:            note,
		Version:         updated.Version,
		PrecisionBefore: existing.Stats.PrecisionRate,
	})

	if err := c.engine.ValidateRule(updated); err != nil {
		return nil, err
	}
	if err := c.store.SaveRule(ctx, updated); err != nil {
		return nil, fmt.Errorf("save rule %s: %w", code, err)
	}
	if err := c.engine.LoadRule(updated); err != nil {
		return nil, err
	}

	slog.Info("rule updated", "rule_code", code, "version", updated.Version, "actor", actor)
	return updated, nil
}

// Get returns a rule with its live statistics.
func (c *Catalog) Get(ctx context.Context, code string) (*domain.Rule, error) {
	rule, err := c.store.GetRule(ctx, code)
	if err != nil {
		return nil, err
	}
	return rule, c.overlayStats(ctx, rule)
}

// List returns rules matching the filter with their live statistics.
func (c *Catalog) List(ctx context.Context, filter domain.RuleFilter) ([]*domain.Rule, error) {
	rules, err := c.store.ListRules(ctx, filter)
	if err != nil {
		return nil, err
	}
	for _, rule := range rules {
		if err := c.overlayStats(ctx, rule); err != nil {
			return nil, err
		}
	}
	return rules, nil
}

// SetActive activates or deactivates a rule. Deactivation is the only way a
// rule leaves service; rules are never deleted.
func (c *Catalog) SetActive(ctx context.Context, code string, active bool) (*domain.Rule, error) {
	if err := c.store.SetRuleActive(ctx, code, active); err != nil {
		return nil, err
	}
	rule, err := c.Get(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := c.engine.LoadRule(rule); err != nil {
		return nil, err
	}

	slog.Info("rule status changed", "rule_code", code, "active", active)
	return rule, nil
}

// Toggle flips the active flag of a rule.
func (c *Catalog) Toggle(ctx context.Context, code string) (*domain.Rule, error) {
	rule, err := c.store.GetRule(ctx, code)
	if err != nil {
		return nil, err
	}
	return c.SetActive(ctx, code, !rule.IsActive)
}

// Test dry-runs a stored rule, active or not, against a context.
func (c *Catalog) Test(ctx context.Context, code string, evalCtx domain.Context) (*domain.TriggeredRule, error) {
	rule, err := c.store.GetRule(ctx, code)
	if err != nil {
		return nil, err
	}
	return c.engine.Test(rule, evalCtx)
}

// Reload replaces the engine snapshot with the active rules in the store.
func (c *Catalog) Reload(ctx context.Context) (int, error) {
	active := true
	rules, err := c.store.ListRules(ctx, domain.RuleFilter{Active: &active})
	if err != nil {
		return 0, fmt.Errorf("list rules: %w", err)
	}
	if err := c.engine.ReloadRules(rules); err != nil {
		return 0, err
	}
	return len(rules), nil
}

// ImportResult reports what an import did.
type ImportResult struct {
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

// Import creates every rule whose code is not yet stored. Existing codes are
// skipped and invalid rules are reported without stopping the import.
func (c *Catalog) Import(ctx context.Context, rules []*domain.Rule) (*ImportResult, error) {
	result := &ImportResult{}
	for _, rule := range rules {
		err := c.Create(ctx, rule)
		switch {
		case err == nil:
			result.Imported++
		case errors.Is(err, domain.ErrConflict):
			result.Skipped++
		case errors.Is(err, domain.ErrInvalidInput):
			result.Errors = append(result.Errors, err.Error())
		default:
			return result, err
		}
	}
	return result, nil
}

// Seed imports the given rules only when the store holds no rules at all.
func (c *Catalog) Seed(ctx context.Context, rules []*domain.Rule) (*ImportResult, error) {
	existing, err := c.store.ListRules(ctx, domain.RuleFilter{})
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return &ImportResult{Skipped: len(rules)}, nil
	}
	return c.Import(ctx, rules)
}

// TriggerCount is one line of the most-triggered table.
type TriggerCount struct {
	Code            string     `json:"code"`
	Name            string     `json:"name"`
	TriggersCount   int64      `json:"triggersCount"`
	LastTriggeredAt *time.Time `json:"lastTriggeredAt,omitempty"`
}

// Summary aggregates the rule book.
type Summary struct {
	TotalRules        int                     `json:"totalRules"`
	ActiveRules       int                     `json:"activeRules"`
	BlockingRules     int                     `json:"blockingRules"`
	ByCategory        map[domain.Category]int `json:"byCategory"`
	BySeverity        map[domain.Severity]int `json:"bySeverity"`
	RecentlyTriggered int                     `json:"recentlyTriggered"`
	NeverTriggered    int                     `json:"neverTriggered"`
	MostTriggered     []TriggerCount          `json:"mostTriggered"`
}

const (
	recentWindow     = 7 * 24 * time.Hour
	mostTriggeredTop = 10
)

// Statistics summarises all stored rules.
func (c *Catalog) Statistics(ctx context.Context) (*Summary, error) {
	rules, err := c.List(ctx, domain.RuleFilter{})
	if err != nil {
		return nil, err
	}
	return summarize(rules, c.now()), nil
}

func summarize(rules []*domain.Rule, now time.Time) *Summary {
	s := &Summary{
		TotalRules: len(rules),
		ByCategory: make(map[domain.Category]int),
		BySeverity: make(map[domain.Severity]int),
	}

	for _, r := range rules {
		if r.IsActive {
			s.ActiveRules++
		}
		if r.IsBlocking {
			s.BlockingRules++
		}
		s.ByCategory[r.Category]++
		s.BySeverity[r.Severity]++

		switch last := r.Stats.LastTriggeredAt; {
		case last == nil:
			s.NeverTriggered++
		case now.Sub(*last) <= recentWindow:
			s.RecentlyTriggered++
		}
	}

	sorted := append([]*domain.Rule(nil), rules...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Stats.TriggersCount > sorted[j].Stats.TriggersCount
	})
	for _, r := range sorted {
		if len(s.MostTriggered) == mostTriggeredTop || r.Stats.TriggersCount == 0 {
			break
		}
		s.MostTriggered = append(s.MostTriggered, TriggerCount{
			Code:            r.Code,
			Name:            r.Name,
			TriggersCount:   r.Stats.TriggersCount,
			LastTriggeredAt: r.Stats.LastTriggeredAt,
		})
	}

	return s
}

func (c *Catalog) overlayStats(ctx context.Context, rule *domain.Rule) error {
	if c.stats == nil {
		return nil
	}
	stats, err := c.stats.Stats(ctx, rule.Code)
	if err != nil {
		return fmt.Errorf("stats for %s: %w", rule.Code, err)
	}
	rule.Stats = *stats
	return nil
}
