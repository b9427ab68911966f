package stats

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

type counters struct {
	triggers atomic.Int64
	tp       atomic.Int64
	fp       atomic.Int64
	last     atomic.Int64 // unix nanos, 0 when never triggered
}

// MemoryRecorder keeps counters in process. Used by tests and single-node
// deployments that do not need counters to survive a restart.
type MemoryRecorder struct {
	mu    sync.RWMutex
	rules map[string]*counters
}

// NewMemoryRecorder creates an empty in-process recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{rules: make(map[string]*counters)}
}

func (m *MemoryRecorder) get(code string) *counters {
	m.mu.RLock()
	c, ok := m.rules[code]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.rules[code]; !ok {
		c = &counters{}
		m.rules[code] = c
	}
	return c
}

// RecordTrigger implements Recorder.
func (m *MemoryRecorder) RecordTrigger(_ context.Context, code string, at time.Time) error {
	c := m.get(code)
	c.triggers.Add(1)

	ts := at.UnixNano()
	for {
		prev := c.last.Load()
		if ts <= prev || c.last.CompareAndSwap(prev, ts) {
			return nil
		}
	}
}

// RecordOutcome implements Recorder.
func (m *MemoryRecorder) RecordOutcome(_ context.Context, code string, outcome domain.Outcome) (*domain.RuleStats, error) {
	dtp, dfp, err := outcomeDeltas(outcome)
	if err != nil {
		return nil, err
	}
	c := m.get(code)
	if dtp != 0 {
		c.tp.Add(dtp)
	}
	if dfp != 0 {
		c.fp.Add(dfp)
	}
	return c.snapshot(), nil
}

// Stats implements Recorder.
func (m *MemoryRecorder) Stats(_ context.Context, code string) (*domain.RuleStats, error) {
	return m.get(code).snapshot(), nil
}

func (c *counters) snapshot() *domain.RuleStats {
	s := &domain.RuleStats{
		TriggersCount:  c.triggers.Load(),
		TruePositives:  c.tp.Load(),
		FalsePositives: c.fp.Load(),
	}
	if ts := c.last.Load(); ts != 0 {
		t := time.Unix(0, ts).UTC()
		s.LastTriggeredAt = &t
	}
	s.PrecisionRate = domain.Precision(s.TruePositives, s.FalsePositives)
	return s
}
