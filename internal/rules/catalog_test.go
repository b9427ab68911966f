package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// memStore is an in-memory Store for catalog tests.
type memStore struct {
	mu    sync.Mutex
	rules map[string]*domain.Rule
}

func newMemStore() *memStore {
	return &memStore{rules: make(map[string]*domain.Rule)}
}

func (s *memStore) SaveRule(_ context.Context, rule *domain.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[rule.Code] = rule.Clone()
	return nil
}

func (s *memStore) GetRule(_ context.Context, code string) (*domain.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[code]
	if !ok {
		return nil, fmt.Errorf("%w: rule %s", domain.ErrNotFound, code)
	}
	return r.Clone(), nil
}

func (s *memStore) ListRules(_ context.Context, filter domain.RuleFilter) ([]*domain.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Rule
	for _, r := range s.rules {
		if filter.Active != nil && r.IsActive != *filter.Active {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *memStore) SetRuleActive(_ context.Context, code string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[code]
	if !ok {
		return fmt.Errorf("%w: rule %s", domain.ErrNotFound, code)
	}
	r.IsActive = active
	return nil
}

type fixedStats map[string]domain.RuleStats

func (f fixedStats) Stats(_ context.Context, code string) (*domain.RuleStats, error) {
	s := f[code]
	return &s, nil
}

func newTestCatalog(t *testing.T, stats StatsReader) (*Catalog, *memStore, *Engine) {
	t.Helper()
	store := newMemStore()
	engine := newTestEngine(t, nil, 4)
	return NewCatalog(store, engine, stats), store, engine
}

func TestCatalogCreate(t *testing.T) {
	catalog, store, engine := newTestCatalog(t, nil)
	ctx := context.Background()

	if err := catalog.Create(ctx, sanctionsRule()); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if engine.RulesCount() != 1 {
		t.Errorf("expected rule to be loaded, got %d", engine.RulesCount())
	}
	if _, err := store.GetRule(ctx, "GEO-001"); err != nil {
		t.Errorf("expected rule to be stored: %v", err)
	}

	err := catalog.Create(ctx, sanctionsRule())
	if !errors.Is(err, domain.ErrConflict) {
		t.Errorf("expected ErrConflict for duplicate code, got %v", err)
	}

	bad := sanctionsRule()
	bad.Code = "GEO-002"
	bad.Expression = "ctx.country =="
	if err := catalog.Create(ctx, bad); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := store.GetRule(ctx, "GEO-002"); !errors.Is(err, domain.ErrNotFound) {
		t.Error("invalid rule must not be stored")
	}
}

func TestCatalogUpdateAppendsTuningNote(t *testing.T) {
	precision := 42.5
	catalog, _, engine := newTestCatalog(t, fixedStats{
		"GEO-001": {TriggersCount: 40, TruePositives: 17, FalsePositives: 23, PrecisionRate: &precision},
	})
	ctx := context.Background()
	catalog.Create(ctx, sanctionsRule())

	changes := sanctionsRule()
	changes.BaseScore = 35
	updated, err := catalog.Update(ctx, "GEO-001", changes, "analyst-1", "lower base score")
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if updated.Version != 2 {
		t.Errorf("expected version 2, got %d", updated.Version)
	}
	if len(updated.TuningHistory) != 1 {
		t.Fatalf("expected 1 tuning note, got %d", len(updated.TuningHistory))
	}
	note := updated.TuningHistory[0]
	if note.By != "analyst-1" || note.Version != 2 || note.PrecisionBefore == nil || *note.PrecisionBefore != 42.5 {
		t.Errorf("unexpected tuning note: %+v", note)
	}

	hit, _ := engine.Test(engine.Rules()[0], domain.Context{"country": "KP"})
	if hit == nil || hit.Contribution != 140 {
		t.Errorf("engine should run the updated rule, got %+v", hit)
	}

	if _, err := catalog.Update(ctx, "GEO-404", changes, "analyst-1", ""); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCatalogToggle(t *testing.T) {
	catalog, _, engine := newTestCatalog(t, nil)
	ctx := context.Background()
	catalog.Create(ctx, sanctionsRule())

	rule, err := catalog.Toggle(ctx, "GEO-001")
	if err != nil {
		t.Fatalf("Toggle failed: %v", err)
	}
	if rule.IsActive || engine.RulesCount() != 0 {
		t.Error("toggle should deactivate and unload the rule")
	}

	rule, _ = catalog.Toggle(ctx, "GEO-001")
	if !rule.IsActive || engine.RulesCount() != 1 {
		t.Error("second toggle should reactivate and load the rule")
	}
}

func TestCatalogTestInactiveRule(t *testing.T) {
	catalog, _, _ := newTestCatalog(t, nil)
	ctx := context.Background()

	rule := sanctionsRule()
	rule.IsActive = false
	catalog.Create(ctx, rule)

	hit, err := catalog.Test(ctx, "GEO-001", domain.Context{"country": "IR"})
	if err != nil {
		t.Fatalf("Test failed: %v", err)
	}
	if hit == nil {
		t.Error("inactive rules can still be dry-run")
	}
}

func TestCatalogReload(t *testing.T) {
	catalog, store, engine := newTestCatalog(t, nil)
	ctx := context.Background()

	// Written behind the catalog's back, as another replica would.
	store.SaveRule(ctx, sanctionsRule())
	store.SaveRule(ctx, velocityRule())

	n, err := catalog.Reload(ctx)
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if n != 2 || engine.RulesCount() != 2 {
		t.Errorf("expected 2 rules loaded, got %d/%d", n, engine.RulesCount())
	}
}

func TestCatalogImportAndSeed(t *testing.T) {
	catalog, _, _ := newTestCatalog(t, nil)
	ctx := context.Background()

	result, err := catalog.Seed(ctx, DefaultRules())
	if err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	if result.Imported != len(DefaultRules()) || len(result.Errors) != 0 {
		t.Fatalf("expected every default rule to import, got %+v", result)
	}

	result, _ = catalog.Seed(ctx, DefaultRules())
	if result.Imported != 0 {
		t.Error("seeding a non-empty store must do nothing")
	}

	bad := sanctionsRule()
	bad.Code = "nope"
	result, err = catalog.Import(ctx, []*domain.Rule{sanctionsRule(), bad})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if result.Imported != 0 || result.Skipped != 1 || len(result.Errors) != 1 {
		t.Errorf("unexpected import result: %+v", result)
	}
}

func TestCatalogStatistics(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-24 * time.Hour)
	old := now.Add(-30 * 24 * time.Hour)

	catalog, _, _ := newTestCatalog(t, fixedStats{
		"GEO-001": {TriggersCount: 12, LastTriggeredAt: &recent},
		"VEL-003": {TriggersCount: 40, LastTriggeredAt: &old},
	})
	catalog.now = func() time.Time { return now }
	ctx := context.Background()

	catalog.Create(ctx, sanctionsRule())
	catalog.Create(ctx, velocityRule())
	quiet := velocityRule()
	quiet.Code = "VEL-004"
	quiet.IsActive = false
	catalog.Create(ctx, quiet)

	s, err := catalog.Statistics(ctx)
	if err != nil {
		t.Fatalf("Statistics failed: %v", err)
	}
	if s.TotalRules != 3 || s.ActiveRules != 2 || s.BlockingRules != 1 {
		t.Errorf("unexpected totals: %+v", s)
	}
	if s.ByCategory[domain.CategoryVelocity] != 2 || s.BySeverity[domain.SeverityCritical] != 1 {
		t.Errorf("unexpected breakdown: %v %v", s.ByCategory, s.BySeverity)
	}
	if s.RecentlyTriggered != 1 || s.NeverTriggered != 1 {
		t.Errorf("expected 1 recent and 1 never triggered, got %d/%d", s.RecentlyTriggered, s.NeverTriggered)
	}
	if len(s.MostTriggered) != 2 || s.MostTriggered[0].Code != "VEL-003" {
		t.Errorf("unexpected most triggered: %+v", s.MostTriggered)
	}
}

func TestParsePack(t *testing.T) {
	pack := `
rules:
  - code: GEO-001
    name: Sanctioned jurisdiction
    category: geography
    severity: critical
    blocking: true
    conditions:
      - field: country
        operator: in
        value: [KP, IR, SY]
    base_score: 40
    weight: 2.0
    actions: [block]
  - code: VEL-003
    name: Daily transfer burst
    category: velocity
    severity: high
    active: false
    time_window: 24h
    min_occurrences: 10
    conditions:
      - {field: amount, operator: greater_than, value: 0}
    base_score: 30
`
	rules, err := ParsePack([]byte(pack))
	if err != nil {
		t.Fatalf("ParsePack failed: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(rules))
	}

	geo, vel := rules[0], rules[1]
	if !geo.IsActive || !geo.IsBlocking || geo.Weight != 2.0 || geo.Version != 1 {
		t.Errorf("unexpected GEO-001: %+v", geo)
	}
	if vel.IsActive || vel.TimeWindow != "24h" || vel.MinOccurrences != 10 || vel.Weight != 1.0 {
		t.Errorf("unexpected VEL-003: %+v", vel)
	}

	engine := newTestEngine(t, nil, 2)
	for _, r := range rules {
		if err := engine.ValidateRule(r); err != nil {
			t.Errorf("pack rule %s should validate: %v", r.Code, err)
		}
	}
	hit, _ := engine.Test(geo, domain.Context{"country": "SY"})
	if hit == nil || hit.Contribution != 160 {
		t.Errorf("expected contribution 160 from the pack rule, got %+v", hit)
	}

	out, err := MarshalPack(rules)
	if err != nil {
		t.Fatalf("MarshalPack failed: %v", err)
	}
	if !strings.Contains(string(out), "code: VEL-003") {
		t.Errorf("exported pack is missing VEL-003:\n%s", out)
	}

	if _, err := ParsePack([]byte("rules:\n  - code: A\n  - code: A\n")); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected duplicate codes to be rejected, got %v", err)
	}
}

func TestDefaultRulesValidate(t *testing.T) {
	engine := newTestEngine(t, nil, 2)
	for _, r := range DefaultRules() {
		if err := engine.ValidateRule(r); err != nil {
			t.Errorf("default rule %s is invalid: %v", r.Code, err)
		}
	}
}
