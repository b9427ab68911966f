// Package velocity provides occurrence counts for velocity rules.
//
// The rule engine never counts anything itself: a velocity rule reads
// velocity_<window> from the evaluation context. This service fills those
// keys from cache counters before the context reaches the engine.
package velocity

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

type window struct {
	label    string
	duration time.Duration
}

// Service counts occurrences per entity in fixed windows.
type Service struct {
	cache   domain.Cache
	windows []window
}

// NewService creates a velocity service counting in the given windows, e.g. "1h", "24h", "7d".
func NewService(cache domain.Cache, windows []string) (*Service, error) {
	if cache == nil {
		return nil, fmt.Errorf("velocity service requires a cache")
	}
	s := &Service{cache: cache}
	for _, label := range windows {
		d, err := ParseWindow(label)
		if err != nil {
			return nil, err
		}
		s.windows = append(s.windows, window{label: label, duration: d})
	}
	return s, nil
}

// ParseWindow parses a rule time window. Besides time.ParseDuration units
// it accepts d (days) and w (weeks).
func ParseWindow(label string) (time.Duration, error) {
	if n := len(label); n > 1 {
		unit := label[n-1]
		if unit == 'd' || unit == 'w' {
			v, err := strconv.Atoi(label[:n-1])
			if err != nil || v <= 0 {
				return 0, fmt.Errorf("%w: time window %q", domain.ErrInvalidInput, label)
			}
			day := 24 * time.Hour
			if unit == 'w' {
				day *= 7
			}
			return time.Duration(v) * day, nil
		}
	}
	d, err := time.ParseDuration(label)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%w: time window %q", domain.ErrInvalidInput, label)
	}
	return d, nil
}

// Windows returns the configured window labels.
func (s *Service) Windows() []string {
	labels := make([]string, len(s.windows))
	for i, w := range s.windows {
		labels[i] = w.label
	}
	return labels
}

// Key returns the counter key of an entity and window.
func Key(entity domain.EntityRef, window string) string {
	return fmt.Sprintf("occurrences:%s:%s:%s", entity.Kind, entity.ID, window)
}

// Enrich records one occurrence for the entity in every window and writes
// the resulting counts into evalCtx. Counts the host already supplied are
// kept and not incremented.
func (s *Service) Enrich(ctx context.Context, entity domain.EntityRef, evalCtx domain.Context) error {
	for _, w := range s.windows {
		key := domain.OccurrenceKey(w.label)
		if _, ok := evalCtx[key]; ok {
			continue
		}
		n, err := s.cache.IncrementCounter(ctx, Key(entity, w.label), w.duration)
		if err != nil {
			return fmt.Errorf("count occurrences in %s: %w", w.label, err)
		}
		evalCtx[key] = n
	}
	return nil
}

// Count returns the live count of an entity in one window without recording.
func (s *Service) Count(ctx context.Context, entity domain.EntityRef, window string) (int64, error) {
	return s.cache.GetCounter(ctx, Key(entity, window))
}
