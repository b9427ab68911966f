// Package worker consumes queued evaluations and, in async feedback mode,
// confirmed outcomes from the event bus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Evaluator scores an evaluation request. *decision.Service satisfies it.
type Evaluator interface {
	Evaluate(ctx context.Context, req decision.EvaluateRequest) (*domain.Score, error)
}

// FeedbackApplier applies a confirmed outcome to the rule counters and
// returns the rules it updated. *feedback.Loop satisfies it.
type FeedbackApplier interface {
	Apply(ctx context.Context, codes []string, outcome domain.Outcome) (map[string]*domain.RuleStats, error)
}

// Config selects the topics the worker consumes.
type Config struct {
	// Evaluations consumes kestrel.evaluation.requested.
	Evaluations bool

	// Feedback consumes kestrel.outcome.confirmed. Enable it only when
	// outcomes are not applied inline, or precision is counted twice.
	Feedback bool

	// FeedbackAttempts bounds retries of the rules whose update failed.
	FeedbackAttempts int

	// RetryBackoff is the first retry delay; it doubles per attempt.
	RetryBackoff time.Duration
}

// Stats counts what the worker has processed since it started.
type Stats struct {
	Topics             []string `json:"topics"`
	Evaluated          int64    `json:"evaluated"`
	EvaluationFailures int64    `json:"evaluationFailures"`
	OutcomesApplied    int64    `json:"outcomesApplied"`
	OutcomeFailures    int64    `json:"outcomeFailures"`
}

// Worker turns bus messages into decision service and feedback calls.
type Worker struct {
	bus       domain.EventBus
	evaluator Evaluator
	feedback  FeedbackApplier
	cfg       Config

	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup

	mu      sync.Mutex
	subs    []domain.Subscription
	stopped bool

	evaluated, evalFailures     atomic.Int64
	outcomesApplied, fbFailures atomic.Int64
}

// NewWorker creates a worker. evaluator or feedback may be nil when the
// matching topic is not consumed.
func NewWorker(bus domain.EventBus, evaluator Evaluator, feedback FeedbackApplier) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       bus,
		evaluator: evaluator,
		feedback:  feedback,
		cfg:       Config{FeedbackAttempts: 3, RetryBackoff: 200 * time.Millisecond},
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to the topics cfg enables.
func (w *Worker) Start(cfg Config) error {
	if cfg.FeedbackAttempts <= 0 {
		cfg.FeedbackAttempts = w.cfg.FeedbackAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = w.cfg.RetryBackoff
	}
	w.cfg = cfg

	if cfg.Evaluations {
		if w.evaluator == nil {
			return fmt.Errorf("%w: evaluation consumer needs an evaluator", domain.ErrInvalidInput)
		}
		if err := w.subscribe(domain.TopicEvaluationRequested, w.processEvaluation); err != nil {
			return err
		}
	}
	if cfg.Feedback {
		if w.feedback == nil {
			return fmt.Errorf("%w: outcome consumer needs a feedback loop", domain.ErrInvalidInput)
		}
		if err := w.subscribe(domain.TopicOutcomeConfirmed, w.processOutcome); err != nil {
			return err
		}
	}

	slog.Info("worker started", "evaluations", cfg.Evaluations, "feedback", cfg.Feedback)
	return nil
}

func (w *Worker) subscribe(topic string, handle domain.MessageHandler) error {
	sub, err := w.bus.Subscribe(w.ctx, topic, func(ctx context.Context, msg *domain.Message) error {
		w.mu.Lock()
		if w.stopped {
			w.mu.Unlock()
			return nil
		}
		w.inflight.Add(1)
		w.mu.Unlock()
		defer w.inflight.Done()
		return handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	w.mu.Lock()
	w.subs = append(w.subs, sub)
	w.mu.Unlock()
	return nil
}

// processEvaluation scores one queued request. The decision service
// publishes the resulting score on kestrel.score.evaluated.
func (w *Worker) processEvaluation(ctx context.Context, msg *domain.Message) error {
	var req domain.EvaluationRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		w.evalFailures.Add(1)
		return fmt.Errorf("decode evaluation request %s: %w", msg.ID, err)
	}

	start := time.Now()
	score, err := w.evaluator.Evaluate(ctx, decision.EvaluateRequest{
		Entity:    req.Entity,
		Context:   req.Context,
		ScoreType: req.ScoreType,
		ML:        req.ML,
	})
	if err != nil {
		w.evalFailures.Add(1)
		return fmt.Errorf("evaluate %s: %w", req.Entity.String(), err)
	}

	w.evaluated.Add(1)
	slog.Debug("queued evaluation scored",
		"message_id", msg.ID,
		"score_id", score.ID,
		"decision", score.Decision,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// processOutcome applies a confirmed outcome. Rules whose update failed are
// retried with backoff; rules already updated are not touched again.
func (w *Worker) processOutcome(ctx context.Context, msg *domain.Message) error {
	var event domain.OutcomeEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		w.fbFailures.Add(1)
		return fmt.Errorf("decode outcome event %s: %w", msg.ID, err)
	}

	pending := event.RuleCodes
	delay := w.cfg.RetryBackoff
	var err error
	for attempt := 1; ; attempt++ {
		var updated map[string]*domain.RuleStats
		updated, err = w.feedback.Apply(ctx, pending, event.Outcome)
		if err == nil {
			break
		}
		pending = remaining(pending, updated)
		if permanent(err) || attempt >= w.cfg.FeedbackAttempts || len(pending) == 0 {
			break
		}

		slog.Warn("retrying outcome feedback",
			"score_id", event.ScoreID,
			"attempt", attempt,
			"pending_rules", len(pending),
			"error", err,
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			w.fbFailures.Add(1)
			return ctx.Err()
		}
		delay *= 2
	}

	if err != nil {
		w.fbFailures.Add(1)
		return fmt.Errorf("feedback for score %s: %w", event.ScoreID, err)
	}
	w.outcomesApplied.Add(1)
	slog.Debug("outcome applied",
		"score_id", event.ScoreID,
		"outcome", event.Outcome,
		"rules", len(event.RuleCodes),
	)
	return nil
}

func remaining(codes []string, updated map[string]*domain.RuleStats) []string {
	var out []string
	for _, code := range codes {
		if _, ok := updated[code]; !ok {
			out = append(out, code)
		}
	}
	return out
}

// permanent reports errors a retry cannot fix.
func permanent(err error) bool {
	return errors.Is(err, domain.ErrInvalidInput) || errors.Is(err, domain.ErrNotFound)
}

// Stop unsubscribes and waits for handlers already running.
func (w *Worker) Stop() error {
	w.mu.Lock()
	subs := w.subs
	w.subs = nil
	w.stopped = true
	w.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe %s: %w", sub.Topic(), err))
		}
	}
	w.cancel()
	w.inflight.Wait()

	slog.Info("worker stopped",
		"evaluated", w.evaluated.Load(),
		"outcomes_applied", w.outcomesApplied.Load(),
	)
	return errors.Join(errs...)
}

// Stats returns the worker's counters and current topics.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	topics := make([]string, len(w.subs))
	for i, sub := range w.subs {
		topics[i] = sub.Topic()
	}
	w.mu.Unlock()

	return Stats{
		Topics:             topics,
		Evaluated:          w.evaluated.Load(),
		EvaluationFailures: w.evalFailures.Load(),
		OutcomesApplied:    w.outcomesApplied.Load(),
		OutcomeFailures:    w.fbFailures.Load(),
	}
}
