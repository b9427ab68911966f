// Package stats keeps the per-rule trigger and outcome counters.
//
// Every backend applies each update as a single atomic increment; callers
// never read-modify-write a counter. Precision is derived from the
// true/false positive pair with domain.Precision.
package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Recorder is the atomic-counter abstraction shared by the rule engine
// (triggers) and the feedback loop (outcomes).
type Recorder interface {
	// RecordTrigger adds one trigger and stamps the last-triggered time.
	RecordTrigger(ctx context.Context, code string, at time.Time) error

	// RecordOutcome adds one true positive (fraud) or false positive
	// (legitimate) and returns the counters after the update. Unknown
	// outcomes change nothing.
	RecordOutcome(ctx context.Context, code string, outcome domain.Outcome) (*domain.RuleStats, error)

	// Stats returns the current counters of a rule.
	Stats(ctx context.Context, code string) (*domain.RuleStats, error)
}

// New creates the backend named in cfg. repo backs "sql"; client backs "redis".
func New(cfg domain.StatsConfig, repo domain.Repository, client redis.UniversalClient) (Recorder, error) {
	switch cfg.Backend {
	case "", "sql":
		if repo == nil {
			return nil, fmt.Errorf("sql stats backend requires a repository")
		}
		return NewSQLRecorder(repo), nil
	case "memory":
		return NewMemoryRecorder(), nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("redis stats backend requires a redis cache")
		}
		return NewRedisRecorder(client, cfg.RedisPrefix), nil
	default:
		return nil, fmt.Errorf("unsupported stats backend: %s", cfg.Backend)
	}
}

func outcomeDeltas(outcome domain.Outcome) (tp, fp int64, err error) {
	switch outcome {
	case domain.OutcomeFraud:
		return 1, 0, nil
	case domain.OutcomeLegitimate:
		return 0, 1, nil
	case domain.OutcomeUnknown:
		return 0, 0, nil
	}
	return 0, 0, fmt.Errorf("%w: outcome %q", domain.ErrInvalidInput, outcome)
}
