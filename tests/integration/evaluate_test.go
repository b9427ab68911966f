//go:build integration
// +build integration

// Package integration provides end-to-end tests against a running Kestrel server.
//
// These tests verify the complete decision pipeline:
//
//	Context → Velocity enrichment → Rules → Score → Decision → Case → Feedback
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// The server must be started with the built-in rule templates seeded
// (the default, engine.seed_defaults: true) and the default scoring policy:
//
// | Rule    | Triggers When                 | Contribution          |
// |---------|-------------------------------|-----------------------|
// | AMT-001 | amount >= 10000               | 30 x 1.0 (medium) = 30 |
// | AMT-002 | 9000 <= amount <= 9999.99     | 25 x 1.5 (high)   = 37.5 |
// | DEV-001 | device.emulator == true       | 30 x 1.5 (high)   = 45 |
// | GEO-001 | country in KP, IR, SY, CU     | 40 x 2 x 2.0 = 160, blocking |
// | VEL-001 | 5+ evaluations of one entity in 1h | 25 x 1.5 = 37.5  |
//
// Decisions: allow < 40 <= challenge < 60 <= review < 80 <= block.
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"
)

// TestConfig holds test environment configuration
type TestConfig struct {
	BaseURL string
	ActorID string
}

func getTestConfig() TestConfig {
	baseURL := os.Getenv("KESTREL_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return TestConfig{
		BaseURL: baseURL,
		ActorID: "integration-test",
	}
}

// EvaluateRequest is the body of POST /evaluate
type EvaluateRequest struct {
	Entity  Entity         `json:"entity"`
	Context map[string]any `json:"context"`
}

// Entity addresses the scored subject
type Entity struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// EvaluateResponse is what POST /evaluate returns
type EvaluateResponse struct {
	ID             string           `json:"id"`
	TotalScore     float64          `json:"totalScore"`
	RiskLevel      string           `json:"riskLevel"`
	Decision       string           `json:"decision"`
	TriggeredRules []TriggeredRule  `json:"triggeredRules"`
	CaseID         string           `json:"caseId"`
	Reasons        []string         `json:"reasons"`
	Metadata       ResponseMetadata `json:"metadata"`
}

type TriggeredRule struct {
	Code         string  `json:"code"`
	Contribution float64 `json:"contribution"`
}

type ResponseMetadata struct {
	TraceID string `json:"traceId"`
	TotalMs int64  `json:"totalMs"`
	Version string `json:"version"`
}

type RuleResponse struct {
	Code  string `json:"code"`
	Stats struct {
		TriggersCount  int64 `json:"triggersCount"`
		TruePositives  int64 `json:"truePositives"`
		FalsePositives int64 `json:"falsePositives"`
	} `json:"stats"`
	Effectiveness string `json:"effectiveness"`
}

type CaseResponse struct {
	ID         string `json:"id"`
	CaseNumber string `json:"caseNumber"`
	Status     string `json:"status"`
	Priority   string `json:"priority"`
	Resolution string `json:"resolution"`
}

// ============================================================================
// Test Helper Functions
// ============================================================================

func uniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func call(t *testing.T, config TestConfig, method, path string, payload any, wantStatus int) []byte {
	t.Helper()

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("Failed to marshal request: %v", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequest(method, config.BaseURL+path, body)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Actor-ID", config.ActorID)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	if resp.StatusCode != wantStatus {
		t.Fatalf("%s %s: expected status %d, got %d: %s", method, path, wantStatus, resp.StatusCode, string(respBody))
	}
	return respBody
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("Failed to unmarshal response: %v (body: %s)", err, string(data))
	}
	return v
}

func evaluate(t *testing.T, config TestConfig, kind, id string, ctx map[string]any) EvaluateResponse {
	t.Helper()
	data := call(t, config, http.MethodPost, "/evaluate", EvaluateRequest{
		Entity:  Entity{Kind: kind, ID: id},
		Context: ctx,
	}, http.StatusOK)
	return decode[EvaluateResponse](t, data)
}

func hasRule(result EvaluateResponse, code string) bool {
	for _, tr := range result.TriggeredRules {
		if tr.Code == code {
			return true
		}
	}
	return false
}

func getRule(t *testing.T, config TestConfig, code string) RuleResponse {
	t.Helper()
	return decode[RuleResponse](t, call(t, config, http.MethodGet, "/rules/"+code, nil, http.StatusOK))
}

// ============================================================================
// Scoring scenarios
// ============================================================================

func TestHealth(t *testing.T) {
	config := getTestConfig()
	health := decode[map[string]any](t, call(t, config, http.MethodGet, "/health", nil, http.StatusOK))
	if health["status"] != "healthy" {
		t.Errorf("Expected healthy, got %v (checks: %v)", health["status"], health["checks"])
	}
	call(t, config, http.MethodGet, "/ready", nil, http.StatusOK)
}

func TestNormalTransaction_Allowed(t *testing.T) {
	config := getTestConfig()

	result := evaluate(t, config, "transaction", uniqueID("tx-normal"), map[string]any{
		"amount":   500.0,
		"currency": "USD",
		"country":  "FR",
	})

	if result.Decision != "allow" {
		t.Errorf("Expected allow, got %s (score %.2f, reasons %v)", result.Decision, result.TotalScore, result.Reasons)
	}
	if len(result.TriggeredRules) != 0 {
		t.Errorf("Expected no triggered rules, got %v", result.TriggeredRules)
	}
	if result.CaseID != "" {
		t.Errorf("Expected no case for an allowed score, got %s", result.CaseID)
	}
	t.Logf("✓ Normal transaction: decision=%s score=%.2f", result.Decision, result.TotalScore)
}

func TestLargeAmount_SingleSignalStaysBelowChallenge(t *testing.T) {
	config := getTestConfig()

	result := evaluate(t, config, "transaction", uniqueID("tx-large"), map[string]any{
		"amount":  50000.0,
		"country": "DE",
	})

	if !hasRule(result, "AMT-001") {
		t.Fatalf("Expected AMT-001 to trigger, got %v", result.TriggeredRules)
	}
	if result.TotalScore != 30 {
		t.Errorf("Expected score 30, got %.2f", result.TotalScore)
	}
	if result.Decision != "allow" || result.RiskLevel != "low" {
		t.Errorf("Expected allow/low, got %s/%s", result.Decision, result.RiskLevel)
	}
}

func TestStructuringOnEmulator_Blocked(t *testing.T) {
	config := getTestConfig()

	result := evaluate(t, config, "transaction", uniqueID("tx-struct"), map[string]any{
		"amount": 9500.0,
		"device": map[string]any{"emulator": true},
	})

	if !hasRule(result, "AMT-002") || !hasRule(result, "DEV-001") {
		t.Fatalf("Expected AMT-002 and DEV-001, got %v", result.TriggeredRules)
	}
	if result.TotalScore != 82.5 {
		t.Errorf("Expected score 82.5, got %.2f", result.TotalScore)
	}
	if result.Decision != "block" {
		t.Errorf("Expected block, got %s", result.Decision)
	}
	if result.CaseID == "" {
		t.Error("Expected a case to be opened")
	}
}

func TestSanctionedCountry_BlockingRuleCapsScore(t *testing.T) {
	config := getTestConfig()

	result := evaluate(t, config, "transaction", uniqueID("tx-sanction"), map[string]any{
		"amount":  120.0,
		"country": "KP",
	})

	if result.TotalScore != 100 {
		t.Errorf("Expected capped score 100, got %.2f", result.TotalScore)
	}
	if result.Decision != "block" || result.RiskLevel != "very_high" {
		t.Errorf("Expected block/very_high, got %s/%s", result.Decision, result.RiskLevel)
	}

	found := false
	for _, r := range result.Reasons {
		if strings.HasPrefix(r, "GEO-001") {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected GEO-001 in reasons, got %v", result.Reasons)
	}

	c := decode[CaseResponse](t, call(t, config, http.MethodGet, "/cases/"+result.CaseID, nil, http.StatusOK))
	if c.Priority != "critical" {
		t.Errorf("Expected critical priority for a blocked score, got %s", c.Priority)
	}
	call(t, config, http.MethodGet, "/cases/"+c.CaseNumber, nil, http.StatusOK)
}

func TestVelocity_FifthEvaluationTriggers(t *testing.T) {
	config := getTestConfig()
	user := uniqueID("user-velocity")

	var last EvaluateResponse
	for i := 0; i < 5; i++ {
		last = evaluate(t, config, "user", user, map[string]any{"amount": 20.0})
		if i < 4 && hasRule(last, "VEL-001") {
			t.Fatalf("VEL-001 triggered early on evaluation %d", i+1)
		}
	}
	if !hasRule(last, "VEL-001") {
		t.Errorf("Expected VEL-001 on the fifth evaluation, got %v", last.TriggeredRules)
	}

	history := decode[map[string]any](t, call(t, config, http.MethodGet, "/entities/user/"+user+"/scores", nil, http.StatusOK))
	if history["count"] != float64(5) {
		t.Errorf("Expected 5 scores in history, got %v", history["count"])
	}
}

func TestInvalidContext_Rejected(t *testing.T) {
	config := getTestConfig()
	call(t, config, http.MethodPost, "/evaluate", EvaluateRequest{
		Entity:  Entity{Kind: "user", ID: uniqueID("user-empty")},
		Context: map[string]any{"unrelated": "value"},
	}, http.StatusUnprocessableEntity)
}

// ============================================================================
// Learning loop
// ============================================================================

func TestOutcomeFeedback_UpdatesRulePrecision(t *testing.T) {
	config := getTestConfig()
	before := getRule(t, config, "AMT-001")

	fraud := evaluate(t, config, "transaction", uniqueID("tx-fb-fraud"), map[string]any{"amount": 25000.0})
	legit := evaluate(t, config, "transaction", uniqueID("tx-fb-legit"), map[string]any{"amount": 26000.0})

	call(t, config, http.MethodPost, "/scores/"+fraud.ID+"/outcome", map[string]string{"outcome": "fraud"}, http.StatusNoContent)
	call(t, config, http.MethodPost, "/scores/"+legit.ID+"/outcome", map[string]string{"outcome": "legitimate"}, http.StatusNoContent)
	call(t, config, http.MethodPost, "/scores/"+legit.ID+"/outcome", map[string]string{"outcome": "fraud"}, http.StatusConflict)

	// Async feedback applies on the worker, so poll briefly
	deadline := time.Now().Add(5 * time.Second)
	var after RuleResponse
	for {
		after = getRule(t, config, "AMT-001")
		if after.Stats.TruePositives > before.Stats.TruePositives && after.Stats.FalsePositives > before.Stats.FalsePositives {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Rule stats did not move: before %+v after %+v", before.Stats, after.Stats)
		}
		time.Sleep(100 * time.Millisecond)
	}

	if after.Stats.TruePositives != before.Stats.TruePositives+1 {
		t.Errorf("Expected exactly one more true positive, got %d -> %d", before.Stats.TruePositives, after.Stats.TruePositives)
	}
	if after.Stats.TriggersCount < before.Stats.TriggersCount+2 {
		t.Errorf("Expected triggers to grow by 2, got %d -> %d", before.Stats.TriggersCount, after.Stats.TriggersCount)
	}
}

func TestOverride(t *testing.T) {
	config := getTestConfig()
	result := evaluate(t, config, "transaction", uniqueID("tx-override"), map[string]any{"amount": 100.0, "country": "IR"})

	score := decode[map[string]any](t, call(t, config, http.MethodPost, "/scores/"+result.ID+"/override",
		map[string]string{"decision": "review", "reason": "known diplomatic account"}, http.StatusOK))
	if score["decision"] != "review" || score["isOverride"] != true {
		t.Errorf("Expected overridden review decision, got %v", score)
	}

	call(t, config, http.MethodPost, "/scores/"+result.ID+"/override",
		map[string]string{"decision": "allow", "reason": "again"}, http.StatusConflict)
}

// ============================================================================
// Case lifecycle
// ============================================================================

func TestCaseLifecycle_ResolutionFeedsRules(t *testing.T) {
	config := getTestConfig()
	before := getRule(t, config, "DEV-001")

	result := evaluate(t, config, "transaction", uniqueID("tx-case"), map[string]any{
		"amount": 15000.0,
		"device": map[string]any{"emulator": true},
	})
	if result.Decision != "review" || result.CaseID == "" {
		t.Fatalf("Expected review with a case, got %s (case %q)", result.Decision, result.CaseID)
	}

	path := "/cases/" + result.CaseID
	call(t, config, http.MethodPost, path+"/assign", map[string]string{"assignee": "analyst-7"}, http.StatusOK)
	call(t, config, http.MethodPost, path+"/investigate", nil, http.StatusOK)
	call(t, config, http.MethodPost, path+"/notes", map[string]string{"text": "customer confirms the transfer"}, http.StatusOK)

	resolved := decode[CaseResponse](t, call(t, config, http.MethodPost, path+"/resolve", map[string]any{
		"resolution": "false_positive",
		"summary":    "legitimate business payment",
	}, http.StatusOK))
	if resolved.Status != "resolved" || resolved.Resolution != "false_positive" {
		t.Errorf("Expected resolved false_positive, got %+v", resolved)
	}

	closed := decode[CaseResponse](t, call(t, config, http.MethodPost, path+"/close", nil, http.StatusOK))
	if closed.Status != "closed" {
		t.Errorf("Expected closed, got %s", closed.Status)
	}
	call(t, config, http.MethodPost, path+"/notes", map[string]string{"text": "late"}, http.StatusConflict)

	deadline := time.Now().Add(5 * time.Second)
	for {
		after := getRule(t, config, "DEV-001")
		if after.Stats.FalsePositives == before.Stats.FalsePositives+1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Expected DEV-001 false positives to grow by one, got %d -> %d",
				before.Stats.FalsePositives, after.Stats.FalsePositives)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func TestAsyncEvaluation_Accepted(t *testing.T) {
	config := getTestConfig()
	user := uniqueID("user-async")

	data := call(t, config, http.MethodPost, "/evaluate?mode=async", EvaluateRequest{
		Entity:  Entity{Kind: "user", ID: user},
		Context: map[string]any{"amount": 42.0},
	}, http.StatusAccepted)
	if ack := decode[map[string]string](t, data); ack["status"] != "accepted" {
		t.Fatalf("Expected accepted, got %v", ack)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		history := decode[map[string]any](t, call(t, config, http.MethodGet, "/entities/user/"+user+"/scores", nil, http.StatusOK))
		if history["count"] == float64(1) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Queued evaluation was never scored")
		}
		time.Sleep(100 * time.Millisecond)
	}
}
