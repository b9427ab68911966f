// Package scheduler runs periodic maintenance jobs: refreshing the rule
// snapshot from the store and reporting rules whose precision needs tuning.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/feedback"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

const jobTimeout = 2 * time.Minute

// RuleReloader refreshes the engine from the rule store. *rules.Catalog satisfies it.
type RuleReloader interface {
	Reload(ctx context.Context) (int, error)
}

// PrecisionReporter lists rules whose precision is below threshold.
// *feedback.Loop satisfies it.
type PrecisionReporter interface {
	LowPrecision(ctx context.Context, minTriggers int64, threshold float64) ([]feedback.Flagged, error)
}

// Scheduler owns the cron runner and its jobs.
type Scheduler struct {
	cron     *cron.Cron
	reloader RuleReloader
	reporter PrecisionReporter
	metrics  *metrics.Metrics
	feedback domain.FeedbackConfig

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// New creates a scheduler and registers every job whose expression is not
// empty. Expressions accept an optional seconds field and descriptors such
// as "@every 1m".
func New(cfg domain.SchedulerConfig, fb domain.FeedbackConfig, reloader RuleReloader, reporter PrecisionReporter, m *metrics.Metrics) (*Scheduler, error) {
	s := &Scheduler{
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		))),
		reloader: reloader,
		reporter: reporter,
		metrics:  m,
		feedback: fb,
		entries:  make(map[string]cron.EntryID),
	}

	if cfg.RuleReload != "" && reloader != nil {
		if err := s.schedule("rule_reload", cfg.RuleReload, func(ctx context.Context) error {
			return s.ReloadRules(ctx)
		}); err != nil {
			return nil, err
		}
	}
	if cfg.PrecisionReport != "" && reporter != nil {
		if err := s.schedule("precision_report", cfg.PrecisionReport, func(ctx context.Context) error {
			_, err := s.ReportPrecision(ctx)
			return err
		}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) schedule(name, spec string, run func(ctx context.Context) error) error {
	id, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()

		start := time.Now()
		if err := run(ctx); err != nil {
			slog.Error("scheduled job failed", "job", name, "error", err)
			return
		}
		slog.Debug("scheduled job completed", "job", name, "duration_ms", time.Since(start).Milliseconds())
	})
	if err != nil {
		return fmt.Errorf("%w: schedule %q for %s: %v", domain.ErrInvalidInput, spec, name, err)
	}

	s.mu.Lock()
	s.entries[name] = id
	s.mu.Unlock()
	return nil
}

// Start runs the scheduler in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("scheduler started", "jobs", s.Jobs())
}

// Stop stops the scheduler. The returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Jobs returns the registered job names.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	return names
}

// Next returns the next run time of a job, or the zero time when it is not scheduled.
func (s *Scheduler) Next(job string) time.Time {
	s.mu.Lock()
	id, ok := s.entries[job]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

// ReloadRules refreshes the engine snapshot from the store.
func (s *Scheduler) ReloadRules(ctx context.Context) error {
	n, err := s.reloader.Reload(ctx)
	if err != nil {
		return fmt.Errorf("reload rules: %w", err)
	}
	s.metrics.SetActiveRules(n)
	slog.Debug("rules reloaded", "active_rules", n)
	return nil
}

// ReportPrecision logs every active rule below the configured precision
// threshold. Rules are never changed.
func (s *Scheduler) ReportPrecision(ctx context.Context) ([]feedback.Flagged, error) {
	flagged, err := s.reporter.LowPrecision(ctx, s.feedback.MinTriggers, s.feedback.LowPrecisionThreshold)
	if err != nil {
		return nil, fmt.Errorf("precision report: %w", err)
	}
	for _, f := range flagged {
		slog.Warn("rule precision below threshold",
			"rule_code", f.Code,
			"rule_name", f.Name,
			"precision", *f.Stats.PrecisionRate,
			"triggers", f.Stats.TriggersCount,
			"effectiveness", f.Effectiveness,
		)
	}
	slog.Info("precision report completed", "flagged_rules", len(flagged))
	return flagged, nil
}
