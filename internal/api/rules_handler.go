package api

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// RuleRequest is the body of POST /rules and PUT /rules/{code}. Note is
// recorded in the tuning history on update.
type RuleRequest struct {
	domain.Rule
	Note string `json:"note,omitempty"`
}

// RuleResponse is a rule with its effectiveness label.
type RuleResponse struct {
	*domain.Rule
	Effectiveness domain.Effectiveness `json:"effectiveness"`
}

func ruleResponse(rule *domain.Rule) RuleResponse {
	return RuleResponse{Rule: rule, Effectiveness: rule.Stats.Effectiveness()}
}

// ListRules handles GET /rules?category=&severity=&active=&blocking=&search=.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.RuleFilter{
		Category: domain.Category(q.Get("category")),
		Severity: domain.Severity(q.Get("severity")),
		Search:   q.Get("search"),
	}
	var err error
	if filter.Active, err = queryBool(r, "active"); err != nil {
		writeError(w, err)
		return
	}
	if filter.Blocking, err = queryBool(r, "blocking"); err != nil {
		writeError(w, err)
		return
	}

	list, err := h.catalog.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]RuleResponse, len(list))
	for i, rule := range list {
		out[i] = ruleResponse(rule)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": out,
		"count": len(out),
	})
}

// GetRule handles GET /rules/{code}.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.catalog.Get(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ruleResponse(rule))
}

// CreateRule handles POST /rules. The rule is live as soon as it is stored
// unless the body says "isActive": false.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	req := RuleRequest{Rule: domain.Rule{IsActive: true}}
	if !decodeBody(w, r, &req) {
		return
	}

	rule := req.Rule.Clone()
	if err := h.catalog.Create(r.Context(), rule); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ruleResponse(rule))
}

// UpdateRule handles PUT /rules/{code}.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if !decodeBody(w, r, &req) {
		return
	}

	rule, err := h.catalog.Update(r.Context(), chi.URLParam(r, "code"), &req.Rule, GetActorID(r.Context()), req.Note)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ruleResponse(rule))
}

// DeactivateRule handles DELETE /rules/{code}. Rules are never removed.
func (h *Handler) DeactivateRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.catalog.SetActive(r.Context(), chi.URLParam(r, "code"), false)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ruleResponse(rule))
}

// ToggleRule handles POST /rules/{code}/toggle.
func (h *Handler) ToggleRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.catalog.Toggle(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ruleResponse(rule))
}

// TestRuleRequest is the body of POST /rules/{code}/test.
type TestRuleRequest struct {
	Context map[string]any `json:"context" validate:"required"`
}

// TestRule handles POST /rules/{code}/test. Statistics are not touched.
func (h *Handler) TestRule(w http.ResponseWriter, r *http.Request) {
	var req TestRuleRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := h.catalog.Test(r.Context(), chi.URLParam(r, "code"), req.Context)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"triggered": result != nil,
		"result":    result,
	})
}

// ReloadRules handles POST /rules/reload.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	n, err := h.catalog.Reload(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	h.metrics.SetActiveRules(n)

	slog.Info("rules reloaded from database", "count", n)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   n,
	})
}

// RuleStatistics handles GET /rules/statistics.
func (h *Handler) RuleStatistics(w http.ResponseWriter, r *http.Request) {
	summary, err := h.catalog.Statistics(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// SeedDefaultRules handles POST /rules/defaults. Codes already stored are skipped.
func (h *Handler) SeedDefaultRules(w http.ResponseWriter, r *http.Request) {
	result, err := h.catalog.Import(r.Context(), rules.DefaultRules())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ExportRules handles GET /rules/export as a YAML rule pack.
func (h *Handler) ExportRules(w http.ResponseWriter, r *http.Request) {
	list, err := h.catalog.List(r.Context(), domain.RuleFilter{})
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := rules.MarshalPack(list)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/yaml")
	w.Header().Set("Content-Disposition", `attachment; filename="kestrel-rules.yaml"`)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// ImportRules handles POST /rules/import with a YAML rule pack body.
func (h *Handler) ImportRules(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "failed to read request body",
		})
		return
	}

	pack, err := rules.ParsePack(data)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := h.catalog.Import(r.Context(), pack)
	if err != nil {
		writeError(w, err)
		return
	}

	slog.Info("rule pack imported",
		"imported", result.Imported,
		"skipped", result.Skipped,
		"errors", len(result.Errors),
	)
	writeJSON(w, http.StatusOK, result)
}
