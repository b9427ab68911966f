package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/cases"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/tadp"
)

const maxBodyBytes = 1 << 20

var validate = validator.New(validator.WithRequiredStructEnabled())

// Handler holds dependencies for API handlers.
type Handler struct {
	decision *decision.Service
	catalog  *rules.Catalog
	cases    *cases.Manager
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	metrics  *metrics.Metrics
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, version string) *Handler {
	return &Handler{
		decision: deps.Decision,
		catalog:  deps.Catalog,
		cases:    deps.Cases,
		repo:     deps.Repo,
		cache:    deps.Cache,
		bus:      deps.Bus,
		metrics:  deps.Metrics,
		version:  version,
	}
}

// EntityInput addresses an entity in a request body.
type EntityInput struct {
	Kind string `json:"kind" validate:"required"`
	ID   string `json:"id" validate:"required"`
}

func (e EntityInput) ref() domain.EntityRef {
	return domain.EntityRef{Kind: domain.EntityKind(e.Kind), ID: e.ID}
}

// MLInput is an externally computed model score.
type MLInput struct {
	Score       float64            `json:"score" validate:"gte=0,lte=100"`
	Confidence  float64            `json:"confidence" validate:"gte=0,lte=1"`
	ModelID     string             `json:"modelId,omitempty"`
	Explanation map[string]float64 `json:"explanation,omitempty"`
}

// EvaluateRequest is the request body for POST /evaluate.
type EvaluateRequest struct {
	Entity            EntityInput     `json:"entity" validate:"required"`
	Context           map[string]any  `json:"context" validate:"required"`
	ScoreType         string          `json:"scoreType,omitempty" validate:"omitempty,oneof=real_time batch ml_prediction"`
	ML                *MLInput        `json:"ml,omitempty"`
	BehavioralFactors json.RawMessage `json:"behavioralFactors,omitempty"`
	DeviceFactors     json.RawMessage `json:"deviceFactors,omitempty"`
	NetworkFactors    json.RawMessage `json:"networkFactors,omitempty"`
}

func (r *EvaluateRequest) signal() *domain.MLSignal {
	if r.ML == nil {
		return nil
	}
	return &domain.MLSignal{
		Score:       r.ML.Score,
		Confidence:  r.ML.Confidence,
		ModelID:     r.ML.ModelID,
		Explanation: r.ML.Explanation,
	}
}

// EvaluateResponse is the response for POST /evaluate.
type EvaluateResponse struct {
	*domain.Score
	Reasons  []string         `json:"reasons,omitempty"`
	Metadata EvaluateMetadata `json:"metadata"`
}

// EvaluateMetadata carries request bookkeeping next to a score.
type EvaluateMetadata struct {
	TraceID string `json:"traceId"`
	TotalMs int64  `json:"totalMs"`
	Version string `json:"version"`
}

// Evaluate handles POST /evaluate. With ?mode=async the request is queued
// on the event bus and 202 is returned.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var req EvaluateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if r.URL.Query().Get("mode") == "async" {
		h.enqueueEvaluation(w, r, &req)
		return
	}

	score, err := h.decision.Evaluate(ctx, decision.EvaluateRequest{
		Entity:            req.Entity.ref(),
		Context:           req.Context,
		ScoreType:         domain.ScoreType(req.ScoreType),
		ML:                req.signal(),
		BehavioralFactors: req.BehavioralFactors,
		DeviceFactors:     req.DeviceFactors,
		NetworkFactors:    req.NetworkFactors,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, EvaluateResponse{
		Score:   score,
		Reasons: tadp.GetReasons(score),
		Metadata: EvaluateMetadata{
			TraceID: GetTraceID(ctx),
			TotalMs: time.Since(start).Milliseconds(),
			Version: h.version,
		},
	})
}

func (h *Handler) enqueueEvaluation(w http.ResponseWriter, r *http.Request, req *EvaluateRequest) {
	if h.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "event bus not available",
		})
		return
	}

	event := domain.EvaluationRequest{
		Entity:    req.Entity.ref(),
		Context:   req.Context,
		ScoreType: domain.ScoreType(req.ScoreType),
		ML:        req.signal(),
	}
	if err := bus.PublishEvent(r.Context(), h.bus, domain.TopicEvaluationRequested, event); err != nil {
		slog.Error("failed to enqueue evaluation", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "failed to enqueue evaluation",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":    "accepted",
		"requestId": uuid.New().String(),
		"traceId":   GetTraceID(r.Context()),
	})
}

// GetScore handles GET /scores/{id}.
func (h *Handler) GetScore(w http.ResponseWriter, r *http.Request) {
	score, err := h.decision.GetScore(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, score)
}

// ListEntityScores handles GET /entities/{kind}/{id}/scores.
func (h *Handler) ListEntityScores(w http.ResponseWriter, r *http.Request) {
	entity := domain.EntityRef{
		Kind: domain.EntityKind(chi.URLParam(r, "kind")),
		ID:   chi.URLParam(r, "id"),
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}

	scores, err := h.decision.ListScoresByEntity(r.Context(), entity, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entity": entity,
		"scores": scores,
		"count":  len(scores),
	})
}

// OverrideRequest is the request body for POST /scores/{id}/override.
type OverrideRequest struct {
	Decision string `json:"decision" validate:"required,oneof=allow challenge review block"`
	Reason   string `json:"reason" validate:"required"`
}

// OverrideScore handles POST /scores/{id}/override.
func (h *Handler) OverrideScore(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if !decodeBody(w, r, &req) {
		return
	}

	score, err := h.decision.Override(r.Context(), chi.URLParam(r, "id"),
		domain.Decision(req.Decision), GetActorID(r.Context()), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, score)
}

// OutcomeRequest is the request body for POST /scores/{id}/outcome.
type OutcomeRequest struct {
	Outcome string `json:"outcome" validate:"required,oneof=fraud legitimate unknown"`
	Notes   string `json:"notes,omitempty"`
}

// ConfirmOutcome handles POST /scores/{id}/outcome.
func (h *Handler) ConfirmOutcome(w http.ResponseWriter, r *http.Request) {
	var req OutcomeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	err := h.decision.ConfirmOutcome(r.Context(), chi.URLParam(r, "id"),
		domain.Outcome(req.Outcome), GetActorID(r.Context()), req.Notes)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "healthy"
	checks := map[string]string{}

	probe := func(name string, ping func() error) {
		if err := ping(); err != nil {
			status = "degraded"
			checks[name] = err.Error()
			return
		}
		checks[name] = "ok"
	}
	if h.repo != nil {
		probe("repository", func() error { return h.repo.Ping(ctx) })
	}
	if h.cache != nil {
		probe("cache", func() error { return h.cache.Ping(ctx) })
	}
	if h.bus != nil {
		probe("eventBus", func() error { return h.bus.Ping(ctx) })
	}

	body := map[string]any{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	}
	if sc, ok := h.cache.(interface{ Stats() cache.Stats }); ok {
		body["cache"] = sc.Stats()
	}
	writeJSON(w, http.StatusOK, body)
}

// Ready reports whether the server can take traffic: the store must answer.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
				"error": err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// decodeBody reads and validates a JSON body, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return false
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":  "validation failed",
				"fields": fieldErrors(verrs),
			})
			return false
		}
		writeError(w, err)
		return false
	}
	return true
}

func fieldErrors(errs validator.ValidationErrors) map[string]string {
	out := make(map[string]string, len(errs))
	for _, e := range errs {
		field := e.Namespace()
		switch e.Tag() {
		case "required":
			out[field] = "is required"
		case "oneof":
			out[field] = "must be one of: " + e.Param()
		case "gte":
			out[field] = "must be greater than or equal to " + e.Param()
		case "lte":
			out[field] = "must be less than or equal to " + e.Param()
		default:
			out[field] = "is invalid"
		}
	}
	return out
}

// writeError maps domain errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidContext):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrInvalidTransition):
		status = http.StatusConflict
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", domain.ErrInvalidInput, key)
	}
	return n, nil
}

func queryBool(r *http.Request, key string) (*bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be true or false", domain.ErrInvalidInput, key)
	}
	return &b, nil
}

func queryTime(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be an RFC 3339 timestamp", domain.ErrInvalidInput, key)
	}
	return &t, nil
}
