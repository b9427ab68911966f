package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/cases"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/feedback"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/stats"
	"github.com/opensource-finance/kestrel/internal/tadp"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

type testEnv struct {
	server *Server
	bus    *bus.ChannelBus
}

// createTestServer wires the full stack on a temporary SQLite database with
// a sanctions rule and a velocity rule.
func createTestServer(t *testing.T) *testEnv {
	t.Helper()

	tmp, err := os.CreateTemp("", "kestrel-api-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db: %v", err)
	}
	path := tmp.Name()
	tmp.Close()
	t.Cleanup(func() { os.Remove(path) })

	repo, err := repository.Open(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: path})
	if err != nil {
		t.Fatalf("failed to open repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	lru := cache.NewMemoryCache(1000)
	t.Cleanup(func() { lru.Close() })

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	recorder := stats.NewMemoryRecorder()
	policy := domain.DefaultPolicy()

	engine, err := rules.NewEngine(policy, recorder, 4)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })

	catalog := rules.NewCatalog(repo, engine, recorder)
	for _, rule := range []*domain.Rule{
		{
			Code:       "GEO-001",
			Name:       "Sanctioned country",
			Category:   domain.CategoryGeography,
			Severity:   domain.SeverityCritical,
			IsActive:   true,
			IsBlocking: true,
			Conditions: []domain.Condition{{Field: "country", Operator: domain.OpIn, Value: []any{"KP", "IR"}}},
			BaseScore:  40,
			Weight:     2,
		},
		{
			Code:           "VEL-003",
			Name:           "Burst of transfers",
			Category:       domain.CategoryVelocity,
			Severity:       domain.SeverityHigh,
			IsActive:       true,
			TimeWindow:     "24h",
			MinOccurrences: 10,
			Conditions:     []domain.Condition{{Field: "amount", Operator: domain.OpGreaterThan, Value: 0}},
			BaseScore:      30,
			Weight:         1,
		},
	} {
		if err := catalog.Create(context.Background(), rule); err != nil {
			t.Fatalf("failed to create rule %s: %v", rule.Code, err)
		}
	}

	counter, err := velocity.NewService(lru, []string{"24h"})
	if err != nil {
		t.Fatalf("failed to create velocity service: %v", err)
	}

	manager := cases.NewManager(repo, eventBus, m)
	svc, err := decision.NewService(decision.Options{
		Engine:    engine,
		Processor: tadp.NewProcessor(policy),
		Scores:    repo,
		Cases:     manager,
		Enricher:  counter,
		Feedback:  feedback.NewLoop(recorder, repo, 2),
		Cache:     lru,
		Bus:       eventBus,
		Metrics:   m,
	})
	if err != nil {
		t.Fatalf("failed to create decision service: %v", err)
	}
	manager.SetOutcomeConfirmer(svc)

	cfg := domain.ServerConfig{Host: "localhost", Port: 8080, ReadTimeout: 30, WriteTimeout: 30}
	server := NewServer(cfg, Deps{
		Decision:       svc,
		Catalog:        catalog,
		Cases:          manager,
		Repo:           repo,
		Cache:          lru,
		Bus:            eventBus,
		Metrics:        m,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}, "test-v1")

	return &testEnv{server: server, bus: eventBus}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ActorIDHeader, "analyst-1")

	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

func decodeJSON[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
	return v
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rr.Code, rr.Body.String())
	}
}

func evaluateBody(country string) map[string]any {
	return map[string]any{
		"entity":  map[string]string{"kind": "transaction", "id": "tx-" + country},
		"context": map[string]any{"country": country, "amount": 250.0, "currency": "EUR", "user_id": "user-7"},
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := createTestServer(t)

	rr := env.do(t, http.MethodGet, "/health", nil)
	expectStatus(t, rr, http.StatusOK)
	health := decodeJSON[map[string]any](t, rr)
	if health["status"] != "healthy" {
		t.Errorf("expected healthy, got %v", health["status"])
	}
	if health["version"] != "test-v1" {
		t.Errorf("expected version test-v1, got %v", health["version"])
	}
	if _, ok := health["cache"].(map[string]any); !ok {
		t.Errorf("expected cache statistics in health, got %v", health["cache"])
	}

	rr = env.do(t, http.MethodGet, "/ready", nil)
	expectStatus(t, rr, http.StatusOK)

	rr = env.do(t, http.MethodOptions, "/evaluate", nil)
	if rr.Code != http.StatusNoContent {
		t.Errorf("expected preflight 204, got %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("expected CORS headers")
	}
}

func TestRequestHeaders(t *testing.T) {
	env := createTestServer(t)

	t.Run("RequestIDEchoed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/rules", nil)
		req.Header.Set(RequestIDHeader, "req-42")
		rr := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rr, req)

		expectStatus(t, rr, http.StatusOK)
		if got := rr.Header().Get(RequestIDHeader); got != "req-42" {
			t.Errorf("expected request id req-42, got %q", got)
		}
		if rr.Header().Get(TraceIDHeader) == "" {
			t.Error("expected a trace id header")
		}
	})

	t.Run("UnusableActorRejected", func(t *testing.T) {
		for _, actor := range []string{strings.Repeat("a", 200), "analyst\x00"} {
			req := httptest.NewRequest(http.MethodGet, "/rules", nil)
			req.Header.Set(ActorIDHeader, actor)
			rr := httptest.NewRecorder()
			env.server.Router().ServeHTTP(rr, req)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("actor %q: expected 400, got %d", actor, rr.Code)
			}
		}
	})

	t.Run("MissingActorIsAnonymous", func(t *testing.T) {
		if actor, ok := normalizeActor("  "); !ok || actor != AnonymousActor {
			t.Errorf("expected anonymous, got %q (%v)", actor, ok)
		}
		if actor, ok := normalizeActor(" analyst-2 "); !ok || actor != "analyst-2" {
			t.Errorf("expected trimmed actor, got %q (%v)", actor, ok)
		}
	})
}

func TestEvaluateEndpoint(t *testing.T) {
	env := createTestServer(t)

	t.Run("CleanContext", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/evaluate", evaluateBody("FR"))
		expectStatus(t, rr, http.StatusOK)

		if rr.Header().Get(RequestIDHeader) == "" {
			t.Error("expected request id header")
		}

		resp := decodeJSON[EvaluateResponse](t, rr)
		if resp.Score == nil || resp.Decision != domain.DecisionAllow {
			t.Fatalf("expected allow, got %+v", resp.Score)
		}
		if resp.TotalScore != 0 {
			t.Errorf("expected score 0, got %v", resp.TotalScore)
		}
		if resp.Metadata.Version != "test-v1" {
			t.Errorf("expected version in metadata, got %q", resp.Metadata.Version)
		}
	})

	t.Run("SanctionedCountryBlocks", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/evaluate", evaluateBody("KP"))
		expectStatus(t, rr, http.StatusOK)

		resp := decodeJSON[EvaluateResponse](t, rr)
		if resp.Decision != domain.DecisionBlock || resp.RiskLevel != domain.RiskVeryHigh {
			t.Errorf("expected block/very_high, got %s/%s", resp.Decision, resp.RiskLevel)
		}
		if resp.TotalScore != 100 {
			t.Errorf("expected capped score 100, got %v", resp.TotalScore)
		}
		if resp.CaseID == "" {
			t.Error("expected a case to be opened")
		}
		if len(resp.Reasons) != 1 || !strings.HasPrefix(resp.Reasons[0], "GEO-001") {
			t.Errorf("expected GEO-001 reason, got %v", resp.Reasons)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/evaluate", "{not json")
		expectStatus(t, rr, http.StatusBadRequest)
	})

	t.Run("ValidationFailure", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/evaluate", map[string]any{
			"context": map[string]any{"amount": 1},
			"ml":      map[string]any{"score": 50, "confidence": 3},
		})
		expectStatus(t, rr, http.StatusBadRequest)

		resp := decodeJSON[map[string]any](t, rr)
		fields, ok := resp["fields"].(map[string]any)
		if !ok || len(fields) == 0 {
			t.Errorf("expected field errors, got %v", resp)
		}
	})

	t.Run("InvalidContext", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/evaluate", map[string]any{
			"entity":  map[string]string{"kind": "user", "id": "u-1"},
			"context": map[string]any{"browser": "firefox"},
		})
		expectStatus(t, rr, http.StatusUnprocessableEntity)

		rr = env.do(t, http.MethodPost, "/evaluate", map[string]any{
			"entity":  map[string]string{"kind": "planet", "id": "mars"},
			"context": map[string]any{"amount": 5},
		})
		expectStatus(t, rr, http.StatusUnprocessableEntity)
	})

	t.Run("AsyncMode", func(t *testing.T) {
		var received atomic.Bool
		sub, err := env.bus.Subscribe(context.Background(), domain.TopicEvaluationRequested, func(ctx context.Context, msg *domain.Message) error {
			var req domain.EvaluationRequest
			if err := json.Unmarshal(msg.Payload, &req); err == nil && req.Entity.ID == "tx-DE" {
				received.Store(true)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		defer sub.Unsubscribe()

		rr := env.do(t, http.MethodPost, "/evaluate?mode=async", evaluateBody("DE"))
		expectStatus(t, rr, http.StatusAccepted)

		deadline := time.Now().Add(time.Second)
		for !received.Load() && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		if !received.Load() {
			t.Error("expected evaluation request on the bus")
		}
	})
}

func TestScoreEndpoints(t *testing.T) {
	env := createTestServer(t)

	rr := env.do(t, http.MethodPost, "/evaluate", evaluateBody("IR"))
	expectStatus(t, rr, http.StatusOK)
	score := decodeJSON[EvaluateResponse](t, rr)

	t.Run("Get", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/scores/"+score.ID, nil)
		expectStatus(t, rr, http.StatusOK)

		rr = env.do(t, http.MethodGet, "/scores/does-not-exist", nil)
		expectStatus(t, rr, http.StatusNotFound)
	})

	t.Run("ListByEntity", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/entities/transaction/tx-IR/scores?limit=5", nil)
		expectStatus(t, rr, http.StatusOK)
		resp := decodeJSON[map[string]any](t, rr)
		if resp["count"] != float64(1) {
			t.Errorf("expected 1 score, got %v", resp["count"])
		}

		rr = env.do(t, http.MethodGet, "/entities/transaction/tx-IR/scores?limit=lots", nil)
		expectStatus(t, rr, http.StatusBadRequest)
	})

	t.Run("Override", func(t *testing.T) {
		body := map[string]string{"decision": "review", "reason": "customer called ahead"}
		rr := env.do(t, http.MethodPost, "/scores/"+score.ID+"/override", body)
		expectStatus(t, rr, http.StatusOK)

		overridden := decodeJSON[domain.Score](t, rr)
		if !overridden.IsOverride || overridden.OverrideBy != "analyst-1" {
			t.Errorf("expected override by analyst-1, got %+v", overridden)
		}

		rr = env.do(t, http.MethodPost, "/scores/"+score.ID+"/override", body)
		expectStatus(t, rr, http.StatusConflict)

		rr = env.do(t, http.MethodPost, "/scores/"+score.ID+"/override", map[string]string{"decision": "maybe", "reason": "x"})
		expectStatus(t, rr, http.StatusBadRequest)
	})

	t.Run("Outcome", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/scores/"+score.ID+"/outcome", map[string]string{"outcome": "fraud"})
		expectStatus(t, rr, http.StatusNoContent)

		// idempotent
		rr = env.do(t, http.MethodPost, "/scores/"+score.ID+"/outcome", map[string]string{"outcome": "fraud"})
		expectStatus(t, rr, http.StatusNoContent)

		rr = env.do(t, http.MethodPost, "/scores/"+score.ID+"/outcome", map[string]string{"outcome": "legitimate"})
		expectStatus(t, rr, http.StatusConflict)

		rr = env.do(t, http.MethodGet, "/rules/GEO-001", nil)
		expectStatus(t, rr, http.StatusOK)
		rule := decodeJSON[RuleResponse](t, rr)
		if rule.Stats.TruePositives != 1 {
			t.Errorf("expected 1 true positive, got %d", rule.Stats.TruePositives)
		}
		if rule.Effectiveness != domain.EffectivenessHigh {
			t.Errorf("expected highly_effective, got %s", rule.Effectiveness)
		}
	})
}

func TestRuleEndpoints(t *testing.T) {
	env := createTestServer(t)

	newRule := map[string]any{
		"code":       "AMT-900",
		"name":       "Very large amount",
		"category":   "amount",
		"severity":   "high",
		"conditions": []map[string]any{{"field": "amount", "operator": "greater_than", "value": 10000}},
		"baseScore":  25,
	}

	t.Run("Create", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/rules", newRule)
		expectStatus(t, rr, http.StatusCreated)
		rule := decodeJSON[RuleResponse](t, rr)
		if !rule.IsActive || rule.Version != 1 || rule.Weight != 1 {
			t.Errorf("expected active v1 rule with default weight, got %+v", rule.Rule)
		}

		rr = env.do(t, http.MethodPost, "/rules", newRule)
		expectStatus(t, rr, http.StatusConflict)

		bad := map[string]any{
			"code": "AMT-901", "name": "Bad", "category": "amount", "severity": "high",
			"conditions": []map[string]any{{"field": "amount", "operator": "approximately", "value": 1}},
		}
		rr = env.do(t, http.MethodPost, "/rules", bad)
		expectStatus(t, rr, http.StatusBadRequest)
	})

	t.Run("ListAndFilter", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/rules", nil)
		expectStatus(t, rr, http.StatusOK)
		if n := decodeJSON[map[string]any](t, rr)["count"]; n != float64(3) {
			t.Errorf("expected 3 rules, got %v", n)
		}

		rr = env.do(t, http.MethodGet, "/rules?category=geography", nil)
		expectStatus(t, rr, http.StatusOK)
		if n := decodeJSON[map[string]any](t, rr)["count"]; n != float64(1) {
			t.Errorf("expected 1 geography rule, got %v", n)
		}

		rr = env.do(t, http.MethodGet, "/rules?active=sometimes", nil)
		expectStatus(t, rr, http.StatusBadRequest)
	})

	t.Run("Update", func(t *testing.T) {
		changed := map[string]any{}
		for k, v := range newRule {
			changed[k] = v
		}
		changed["baseScore"] = 35
		changed["isActive"] = true
		changed["note"] = "raise after chargeback wave"

		rr := env.do(t, http.MethodPut, "/rules/AMT-900", changed)
		expectStatus(t, rr, http.StatusOK)
		rule := decodeJSON[RuleResponse](t, rr)
		if rule.Version != 2 || rule.BaseScore != 35 {
			t.Errorf("expected v2 with base score 35, got v%d/%d", rule.Version, rule.BaseScore)
		}
		if len(rule.TuningHistory) != 1 || rule.TuningHistory[0].By != "analyst-1" {
			t.Errorf("expected tuning note by analyst-1, got %+v", rule.TuningHistory)
		}

		rr = env.do(t, http.MethodPut, "/rules/AMT-404", changed)
		expectStatus(t, rr, http.StatusNotFound)
	})

	t.Run("Test", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/rules/AMT-900/test", map[string]any{"context": map[string]any{"amount": 50000}})
		expectStatus(t, rr, http.StatusOK)
		if decodeJSON[map[string]any](t, rr)["triggered"] != true {
			t.Error("expected rule to trigger")
		}

		rr = env.do(t, http.MethodPost, "/rules/AMT-900/test", map[string]any{"context": map[string]any{"amount": 5}})
		expectStatus(t, rr, http.StatusOK)
		if decodeJSON[map[string]any](t, rr)["triggered"] != false {
			t.Error("expected rule not to trigger")
		}
	})

	t.Run("ToggleAndDeactivate", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/rules/AMT-900/toggle", nil)
		expectStatus(t, rr, http.StatusOK)
		if decodeJSON[RuleResponse](t, rr).IsActive {
			t.Error("expected toggle to deactivate")
		}

		rr = env.do(t, http.MethodPost, "/rules/AMT-900/toggle", nil)
		expectStatus(t, rr, http.StatusOK)

		rr = env.do(t, http.MethodDelete, "/rules/AMT-900", nil)
		expectStatus(t, rr, http.StatusOK)
		if decodeJSON[RuleResponse](t, rr).IsActive {
			t.Error("expected delete to deactivate")
		}

		// still stored
		rr = env.do(t, http.MethodGet, "/rules/AMT-900", nil)
		expectStatus(t, rr, http.StatusOK)
	})

	t.Run("Reload", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/rules/reload", nil)
		expectStatus(t, rr, http.StatusOK)
		if n := decodeJSON[map[string]any](t, rr)["count"]; n != float64(2) {
			t.Errorf("expected 2 active rules, got %v", n)
		}
	})

	t.Run("Statistics", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/rules/statistics", nil)
		expectStatus(t, rr, http.StatusOK)
		summary := decodeJSON[rules.Summary](t, rr)
		if summary.TotalRules != 3 || summary.ActiveRules != 2 || summary.BlockingRules != 1 {
			t.Errorf("unexpected summary %+v", summary)
		}
	})

	t.Run("Defaults", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/rules/defaults", nil)
		expectStatus(t, rr, http.StatusOK)
		result := decodeJSON[rules.ImportResult](t, rr)
		if result.Skipped != 2 || result.Imported != len(rules.DefaultRules())-2 {
			t.Errorf("expected existing GEO-001 and VEL-003 to be skipped, got %+v", result)
		}
	})

	t.Run("ExportImport", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/rules/export", nil)
		expectStatus(t, rr, http.StatusOK)
		if ct := rr.Header().Get("Content-Type"); ct != "application/yaml" {
			t.Errorf("expected yaml content type, got %q", ct)
		}
		if !strings.Contains(rr.Body.String(), "code: AMT-900") {
			t.Error("expected exported pack to contain AMT-900")
		}

		pack := `
rules:
  - code: PAT-900
    name: Burner email domain
    category: pattern
    severity: medium
    conditions:
      - {field: email_domain, operator: in, value: [mailinator.com]}
    base_score: 15
  - code: GEO-001
    name: Duplicate
    category: geography
    severity: low
  - code: DEV-900
    name: Broken
    category: device
    severity: extreme
`
		rr = env.do(t, http.MethodPost, "/rules/import", pack)
		expectStatus(t, rr, http.StatusOK)
		result := decodeJSON[rules.ImportResult](t, rr)
		if result.Imported != 1 || result.Skipped != 1 || len(result.Errors) != 1 {
			t.Errorf("unexpected import result %+v", result)
		}

		rr = env.do(t, http.MethodPost, "/rules/import", "rules: [")
		expectStatus(t, rr, http.StatusBadRequest)
	})
}

func TestCaseEndpoints(t *testing.T) {
	env := createTestServer(t)

	rr := env.do(t, http.MethodPost, "/cases", map[string]any{
		"subject":     map[string]string{"kind": "account", "id": "acc-42"},
		"fraudType":   "card_fraud",
		"totalAmount": 1200,
		"currency":    "EUR",
		"description": "three disputed card payments",
	})
	expectStatus(t, rr, http.StatusCreated)
	opened := decodeJSON[domain.Case](t, rr)
	if opened.Status != domain.CaseOpen || !strings.HasPrefix(opened.CaseNumber, "FC-") {
		t.Fatalf("unexpected case %+v", opened)
	}

	path := "/cases/" + opened.ID

	t.Run("Validation", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/cases", map[string]any{
			"subject": map[string]string{"kind": "account", "id": "acc-1"},
		})
		expectStatus(t, rr, http.StatusBadRequest)

		rr = env.do(t, http.MethodPost, "/cases", map[string]any{
			"subject":     map[string]string{"kind": "account", "id": "acc-1"},
			"fraudType":   "shoplifting",
			"description": "x",
		})
		expectStatus(t, rr, http.StatusBadRequest)
	})

	t.Run("GetByIDAndNumber", func(t *testing.T) {
		expectStatus(t, env.do(t, http.MethodGet, path, nil), http.StatusOK)
		expectStatus(t, env.do(t, http.MethodGet, "/cases/"+opened.CaseNumber, nil), http.StatusOK)
		expectStatus(t, env.do(t, http.MethodGet, "/cases/FC-1999-00001", nil), http.StatusNotFound)
	})

	t.Run("Lifecycle", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, path+"/assign", map[string]string{"assignee": "analyst-2"})
		expectStatus(t, rr, http.StatusOK)
		if c := decodeJSON[domain.Case](t, rr); c.AssignedTo != "analyst-2" || c.Status != domain.CaseInvestigating {
			t.Errorf("expected investigating case assigned to analyst-2, got %q/%s", c.AssignedTo, c.Status)
		}

		// mutations accept the case number as well as the id
		byNumber := "/cases/" + opened.CaseNumber
		rr = env.do(t, http.MethodPost, byNumber+"/investigate", nil)
		expectStatus(t, rr, http.StatusOK)
		if c := decodeJSON[domain.Case](t, rr); c.ID != opened.ID || c.InvestigationStartedAt == nil {
			t.Errorf("expected investigation started on %s, got %+v", opened.ID, c)
		}
		expectStatus(t, env.do(t, http.MethodPost, path+"/investigate", nil), http.StatusConflict)
		expectStatus(t, env.do(t, http.MethodPost, byNumber+"/notes", map[string]string{"text": "called the bank"}), http.StatusOK)
		expectStatus(t, env.do(t, http.MethodPost, "/cases/FC-1999-00001/notes", map[string]string{"text": "x"}), http.StatusNotFound)
		expectStatus(t, env.do(t, http.MethodPost, path+"/evidence", map[string]string{"kind": "statement", "description": "march statement"}), http.StatusOK)
		expectStatus(t, env.do(t, http.MethodPost, path+"/actions", map[string]string{"action": "card_blocked"}), http.StatusOK)
		expectStatus(t, env.do(t, http.MethodPost, path+"/escalate", map[string]string{"reason": "repeat victim"}), http.StatusOK)
		expectStatus(t, env.do(t, http.MethodPost, path+"/notify-customer", nil), http.StatusOK)
		expectStatus(t, env.do(t, http.MethodPost, path+"/notify-law-enforcement", map[string]string{"reference": "PR-7781"}), http.StatusOK)
		expectStatus(t, env.do(t, http.MethodPost, path+"/regulator-reports", map[string]string{"regulator": "FCA", "details": "SAR filed"}), http.StatusOK)

		rr = env.do(t, http.MethodPost, path+"/resolve", map[string]any{
			"resolution":      "confirmed_fraud",
			"summary":         "card skimmed at ATM",
			"amountRecovered": 300,
		})
		expectStatus(t, rr, http.StatusOK)
		resolved := decodeJSON[domain.Case](t, rr)
		if resolved.Status != domain.CaseResolved || resolved.Priority != domain.PriorityHigh {
			t.Errorf("expected resolved high-priority case, got %s/%s", resolved.Status, resolved.Priority)
		}

		expectStatus(t, env.do(t, http.MethodPost, path+"/close", nil), http.StatusOK)
		expectStatus(t, env.do(t, http.MethodPost, path+"/notes", map[string]string{"text": "too late"}), http.StatusConflict)
		expectStatus(t, env.do(t, http.MethodPost, path+"/resolve", map[string]any{"resolution": "unsure", "summary": "s"}), http.StatusBadRequest)
	})

	t.Run("ListAndStatistics", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/cases?status=closed", nil)
		expectStatus(t, rr, http.StatusOK)
		if n := decodeJSON[map[string]any](t, rr)["count"]; n != float64(1) {
			t.Errorf("expected 1 closed case, got %v", n)
		}

		rr = env.do(t, http.MethodGet, "/cases?from=yesterday", nil)
		expectStatus(t, rr, http.StatusBadRequest)

		rr = env.do(t, http.MethodGet, "/cases/statistics", nil)
		expectStatus(t, rr, http.StatusOK)
		stats := decodeJSON[domain.CaseStatistics](t, rr)
		if stats.Total != 1 || stats.Escalated != 1 {
			t.Errorf("unexpected statistics %+v", stats)
		}
	})
}

func TestMetricsEndpoint(t *testing.T) {
	env := createTestServer(t)

	expectStatus(t, env.do(t, http.MethodPost, "/evaluate", evaluateBody("FR")), http.StatusOK)

	rr := env.do(t, http.MethodGet, "/metrics", nil)
	expectStatus(t, rr, http.StatusOK)
	body := rr.Body.String()
	for _, name := range []string{"kestrel_evaluations_total", "kestrel_http_requests_total"} {
		if !strings.Contains(body, name) {
			t.Errorf("expected %s in metrics output", name)
		}
	}
	if !strings.Contains(body, `route="/evaluate"`) {
		t.Error("expected requests to be labelled by route pattern")
	}
}
