package stats

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	fieldTriggers = "triggers"
	fieldTP       = "tp"
	fieldFP       = "fp"
	fieldLast     = "last_triggered_at"
)

// RedisRecorder keeps one hash per rule and updates it with HINCRBY inside
// MULTI/EXEC, so the counters returned by RecordOutcome come from a single
// consistent read.
type RedisRecorder struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisRecorder creates a recorder over an existing client.
func NewRedisRecorder(client redis.UniversalClient, prefix string) *RedisRecorder {
	if prefix == "" {
		prefix = "kestrel:rulestats"
	}
	return &RedisRecorder{client: client, prefix: prefix}
}

func (r *RedisRecorder) key(code string) string {
	return r.prefix + ":" + code
}

// RecordTrigger implements Recorder.
func (r *RedisRecorder) RecordTrigger(ctx context.Context, code string, at time.Time) error {
	key := r.key(code)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, fieldTriggers, 1)
		pipe.HSet(ctx, key, fieldLast, at.UnixMilli())
		return nil
	})
	return err
}

// RecordOutcome implements Recorder.
func (r *RedisRecorder) RecordOutcome(ctx context.Context, code string, outcome domain.Outcome) (*domain.RuleStats, error) {
	dtp, dfp, err := outcomeDeltas(outcome)
	if err != nil {
		return nil, err
	}
	if dtp == 0 && dfp == 0 {
		return r.Stats(ctx, code)
	}

	key := r.key(code)
	var tp, fp *redis.IntCmd
	var rest *redis.SliceCmd
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		// Incrementing both fields, one by zero, reads the pair atomically.
		tp = pipe.HIncrBy(ctx, key, fieldTP, dtp)
		fp = pipe.HIncrBy(ctx, key, fieldFP, dfp)
		rest = pipe.HMGet(ctx, key, fieldTriggers, fieldLast)
		return nil
	})
	if err != nil {
		return nil, err
	}

	vals := rest.Val()
	return buildStats(vals[0], tp.Val(), fp.Val(), vals[1]), nil
}

// Stats implements Recorder.
func (r *RedisRecorder) Stats(ctx context.Context, code string) (*domain.RuleStats, error) {
	vals, err := r.client.HMGet(ctx, r.key(code), fieldTriggers, fieldTP, fieldFP, fieldLast).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(vals) != 4 {
		return &domain.RuleStats{}, nil
	}
	return buildStats(vals[0], cast.ToInt64(vals[1]), cast.ToInt64(vals[2]), vals[3]), nil
}

func buildStats(triggers any, tp, fp int64, last any) *domain.RuleStats {
	s := &domain.RuleStats{
		TriggersCount:  cast.ToInt64(triggers),
		TruePositives:  tp,
		FalsePositives: fp,
		PrecisionRate:  domain.Precision(tp, fp),
	}
	if ms := cast.ToInt64(last); ms > 0 {
		t := time.UnixMilli(ms).UTC()
		s.LastTriggeredAt = &t
	}
	return s
}
