// Package decision is the host-facing façade of the engine: it evaluates a
// context into a persisted score, applies manual overrides and confirms
// outcomes into the feedback loop.
package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/tadp"
)

var tracer = otel.Tracer("kestrel-decision")

const (
	scoreCacheTTL     = 5 * time.Minute
	defaultScoreLimit = 50
	maxScoreLimit     = 500
)

// ScoreStore is the score persistence. domain.Repository satisfies it.
type ScoreStore interface {
	SaveScore(ctx context.Context, score *domain.Score) error
	GetScore(ctx context.Context, id string) (*domain.Score, error)
	ListScoresByEntity(ctx context.Context, entity domain.EntityRef, limit int) ([]*domain.Score, error)
	OverrideScore(ctx context.Context, score *domain.Score) error
	SetScoreOutcome(ctx context.Context, score *domain.Score) error
}

// CaseOpener opens a case for a score. *cases.Manager satisfies it.
type CaseOpener interface {
	OpenFromScore(ctx context.Context, score *domain.Score) (*domain.Case, error)
}

// Enricher adds externally counted signals, such as occurrence counts, to
// a context before evaluation. *velocity.Service satisfies it.
type Enricher interface {
	Enrich(ctx context.Context, entity domain.EntityRef, evalCtx domain.Context) error
}

// FeedbackApplier updates rule counters from an outcome. *feedback.Loop satisfies it.
type FeedbackApplier interface {
	Apply(ctx context.Context, codes []string, outcome domain.Outcome) (map[string]*domain.RuleStats, error)
}

// Options wires the service. Engine, Processor and Scores are required.
type Options struct {
	Engine    *rules.Engine
	Processor *tadp.Processor
	Scores    ScoreStore
	Cases     CaseOpener
	Enricher  Enricher
	Feedback  FeedbackApplier
	Cache     domain.Cache
	Bus       domain.EventBus
	Metrics   *metrics.Metrics

	// AsyncFeedback leaves outcome propagation to the worker consuming
	// outcome.confirmed instead of applying it inline.
	AsyncFeedback bool
}

// Service runs evaluations end to end.
type Service struct {
	engine        *rules.Engine
	processor     *tadp.Processor
	scores        ScoreStore
	cases         CaseOpener
	enricher      Enricher
	feedback      FeedbackApplier
	cache         domain.Cache
	bus           domain.EventBus
	metrics       *metrics.Metrics
	asyncFeedback bool
	now           func() time.Time
}

// NewService creates the decision service.
func NewService(opts Options) (*Service, error) {
	if opts.Engine == nil || opts.Processor == nil || opts.Scores == nil {
		return nil, fmt.Errorf("decision service requires an engine, a processor and a score store")
	}
	return &Service{
		engine:        opts.Engine,
		processor:     opts.Processor,
		scores:        opts.Scores,
		cases:         opts.Cases,
		enricher:      opts.Enricher,
		feedback:      opts.Feedback,
		cache:         opts.Cache,
		bus:           opts.Bus,
		metrics:       opts.Metrics,
		asyncFeedback: opts.AsyncFeedback,
		now:           func() time.Time { return time.Now().UTC() },
	}, nil
}

// EvaluateRequest is one evaluation.
type EvaluateRequest struct {
	Entity    domain.EntityRef
	Context   domain.Context
	ScoreType domain.ScoreType
	ML        *domain.MLSignal

	BehavioralFactors json.RawMessage
	DeviceFactors     json.RawMessage
	NetworkFactors    json.RawMessage
}

// Evaluate scores a context, persists the score and opens a case when the
// policy asks for one.
func (s *Service) Evaluate(ctx context.Context, req EvaluateRequest) (*domain.Score, error) {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "decision.Evaluate",
		trace.WithAttributes(
			attribute.String("entity.kind", string(req.Entity.Kind)),
			attribute.String("entity.id", req.Entity.ID),
		),
	)
	defer span.End()

	score, err := s.evaluate(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.String("score.id", score.ID),
		attribute.Float64("score.total", score.TotalScore),
		attribute.String("score.decision", string(score.Decision)),
		attribute.Int("rules.triggered", len(score.TriggeredRules)),
	)
	s.metrics.ObserveEvaluation(string(score.Decision), string(score.RiskLevel), time.Since(start))
	s.metrics.IncrementRuleTriggers(score.RuleCodes())
	return score, nil
}

func (s *Service) evaluate(ctx context.Context, req EvaluateRequest) (*domain.Score, error) {
	if err := req.Entity.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidContext, err)
	}
	if req.Context == nil {
		return nil, fmt.Errorf("%w: context is required", domain.ErrInvalidContext)
	}
	if err := s.checkFields(req.Context); err != nil {
		return nil, err
	}
	if req.ML != nil && (req.ML.Confidence < 0 || req.ML.Confidence > 1) {
		return nil, fmt.Errorf("%w: ml confidence must be within 0-1", domain.ErrInvalidInput)
	}

	evalCtx := make(domain.Context, len(req.Context)+2)
	for k, v := range req.Context {
		evalCtx[k] = v
	}
	if s.enricher != nil {
		if err := s.enricher.Enrich(ctx, req.Entity, evalCtx); err != nil {
			slog.Warn("context enrichment failed, velocity rules will not fire",
				"entity", req.Entity.String(),
				"error", err,
			)
		}
	}

	triggered, err := s.engine.Evaluate(ctx, evalCtx)
	if err != nil {
		return nil, fmt.Errorf("rule evaluation: %w", err)
	}

	score := s.processor.Process(&tadp.DecisionInput{
		Entity:            req.Entity,
		ScoreType:         req.ScoreType,
		Context:           evalCtx,
		TriggeredRules:    triggered,
		ML:                req.ML,
		BehavioralFactors: req.BehavioralFactors,
		DeviceFactors:     req.DeviceFactors,
		NetworkFactors:    req.NetworkFactors,
	})

	if err := s.scores.SaveScore(ctx, score); err != nil {
		return nil, fmt.Errorf("save score: %w", err)
	}

	if s.cases != nil && s.processor.ShouldOpenCase(score) {
		c, err := s.cases.OpenFromScore(ctx, score)
		if err != nil {
			slog.Error("failed to open case for score",
				"score_id", score.ID,
				"decision", score.Decision,
				"error", err,
			)
		} else {
			score.CaseID = c.ID
		}
	}

	s.cacheScore(ctx, score)
	s.publish(ctx, domain.TopicScoreEvaluated, score)

	slog.Info("entity evaluated",
		"score_id", score.ID,
		"entity", req.Entity.String(),
		"total_score", score.TotalScore,
		"risk_level", score.RiskLevel,
		"decision", score.Decision,
		"rules_triggered", len(score.TriggeredRules),
		"case_id", score.CaseID,
	)
	return score, nil
}

// checkFields rejects a context in which none of the fields the active
// rules reference resolve.
func (s *Service) checkFields(evalCtx domain.Context) error {
	fields := s.engine.ReferencedFields()
	if len(fields) == 0 {
		return nil
	}
	for _, f := range fields {
		if v, ok := rules.Lookup(evalCtx, f); ok && v != nil {
			return nil
		}
	}
	return fmt.Errorf("%w: none of the %d fields referenced by active rules are present", domain.ErrInvalidContext, len(fields))
}

// Override replaces the decision of a score once.
func (s *Service) Override(ctx context.Context, scoreID string, decision domain.Decision, actor, reason string) (*domain.Score, error) {
	score, err := s.scores.GetScore(ctx, scoreID)
	if err != nil {
		return nil, err
	}
	if err := s.processor.Override(score, decision, actor, reason); err != nil {
		return nil, err
	}
	if err := s.scores.OverrideScore(ctx, score); err != nil {
		return nil, err
	}

	s.forget(ctx, score.ID)
	s.metrics.IncrementOverride(string(decision))
	s.publish(ctx, domain.TopicScoreOverridden, score)

	slog.Info("decision overridden",
		"score_id", score.ID,
		"decision", decision,
		"override_by", actor,
	)
	return score, nil
}

// ConfirmOutcome records the ground truth of a score and feeds it back into
// the rule counters. Confirming the same outcome twice is a no-op; a
// different outcome is a conflict.
func (s *Service) ConfirmOutcome(ctx context.Context, scoreID string, outcome domain.Outcome, actor, notes string) error {
	if !outcome.Valid() {
		return fmt.Errorf("%w: outcome %q", domain.ErrInvalidInput, outcome)
	}

	score, err := s.scores.GetScore(ctx, scoreID)
	if err != nil {
		return err
	}
	if score.Outcome == outcome {
		return nil
	}
	if score.Outcome != domain.OutcomeNone {
		return fmt.Errorf("%w: score %s already confirmed as %s", domain.ErrConflict, scoreID, score.Outcome)
	}

	now := s.now()
	score.Outcome = outcome
	score.OutcomeBy = actor
	score.OutcomeNotes = notes
	score.OutcomeAt = &now
	if err := s.scores.SetScoreOutcome(ctx, score); err != nil {
		return s.settleRace(ctx, scoreID, outcome, err)
	}

	s.forget(ctx, scoreID)
	s.metrics.IncrementOutcome(string(outcome))

	event := domain.OutcomeEvent{
		ScoreID:   score.ID,
		Outcome:   outcome,
		RuleCodes: score.RuleCodes(),
		By:        actor,
	}
	if s.bus != nil {
		if err := bus.PublishEvent(ctx, s.bus, domain.TopicOutcomeConfirmed, event); err != nil {
			slog.Error("failed to publish outcome", "score_id", score.ID, "error", err)
			if s.asyncFeedback {
				return fmt.Errorf("publish outcome for feedback: %w", err)
			}
		}
	}

	slog.Info("outcome confirmed", "score_id", score.ID, "outcome", outcome, "outcome_by", actor)

	if s.asyncFeedback || s.feedback == nil {
		return nil
	}
	if _, err := s.feedback.Apply(ctx, event.RuleCodes, outcome); err != nil {
		return fmt.Errorf("apply feedback for score %s: %w", score.ID, err)
	}
	return nil
}

// settleRace resolves a lost compare-and-set: a concurrent writer that
// stored the same outcome makes this call a no-op.
func (s *Service) settleRace(ctx context.Context, scoreID string, outcome domain.Outcome, cause error) error {
	current, err := s.scores.GetScore(ctx, scoreID)
	if err != nil {
		return cause
	}
	if current.Outcome == outcome {
		return nil
	}
	return cause
}

// GetScore returns a score, reading through the cache.
func (s *Service) GetScore(ctx context.Context, id string) (*domain.Score, error) {
	if s.cache != nil {
		if data, err := s.cache.Get(ctx, scoreKey(id)); err == nil && data != nil {
			var score domain.Score
			if err := json.Unmarshal(data, &score); err == nil {
				return &score, nil
			}
		}
	}

	score, err := s.scores.GetScore(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheScore(ctx, score)
	return score, nil
}

// ListScoresByEntity returns the newest scores of an entity.
func (s *Service) ListScoresByEntity(ctx context.Context, entity domain.EntityRef, limit int) ([]*domain.Score, error) {
	if err := entity.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultScoreLimit
	}
	if limit > maxScoreLimit {
		limit = maxScoreLimit
	}
	return s.scores.ListScoresByEntity(ctx, entity, limit)
}

func (s *Service) cacheScore(ctx context.Context, score *domain.Score) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(score)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, scoreKey(score.ID), data, scoreCacheTTL); err != nil {
		slog.Debug("failed to cache score", "score_id", score.ID, "error", err)
	}
}

func (s *Service) forget(ctx context.Context, id string) {
	if s.cache != nil {
		_ = s.cache.Delete(ctx, scoreKey(id))
	}
}

func (s *Service) publish(ctx context.Context, topic string, score *domain.Score) {
	if s.bus == nil {
		return
	}
	if err := bus.PublishEvent(ctx, s.bus, topic, score); err != nil {
		slog.Error("failed to publish score", "score_id", score.ID, "topic", topic, "error", err)
	}
}

func scoreKey(id string) string {
	return "score:" + id
}
