package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const ruleColumns = `code, name, description, version, category, severity,
	is_active, is_blocking, conditions, thresholds, time_window, min_occurrences,
	expression, base_score, weight, actions, notification_channels, ml, tags,
	tuning_history, triggers_count, true_positives, false_positives,
	last_triggered_at, created_at, updated_at`

// SaveRule inserts or updates a rule's definition. Statistics columns are
// never written here; they move only through the increment methods.
func (r *SQLRepository) SaveRule(ctx context.Context, rule *domain.Rule) error {
	if rule == nil || rule.Code == "" {
		return fmt.Errorf("%w: rule code is required", ErrInvalidInput)
	}

	conditions, err := json.Marshal(rule.Conditions)
	if err != nil {
		return fmt.Errorf("encode conditions: %w", err)
	}
	thresholds, err := marshalJSON(rule.Thresholds)
	if err != nil {
		return err
	}
	actions, err := marshalJSON(rule.Actions)
	if err != nil {
		return err
	}
	channels, err := marshalJSON(rule.NotificationChannels)
	if err != nil {
		return err
	}
	ml, err := marshalJSON(rule.ML)
	if err != nil {
		return err
	}
	tags, err := marshalJSON(rule.Tags)
	if err != nil {
		return err
	}
	history, err := marshalJSON(rule.TuningHistory)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	query := `
		INSERT INTO rules (
			code, name, description, version, category, severity,
			is_active, is_blocking, conditions, thresholds, time_window, min_occurrences,
			expression, base_score, weight, actions, notification_channels, ml, tags,
			tuning_history, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			version = excluded.version,
			category = excluded.category,
			severity = excluded.severity,
			is_active = excluded.is_active,
			is_blocking = excluded.is_blocking,
			conditions = excluded.conditions,
			thresholds = excluded.thresholds,
			time_window = excluded.time_window,
			min_occurrences = excluded.min_occurrences,
			expression = excluded.expression,
			base_score = excluded.base_score,
			weight = excluded.weight,
			actions = excluded.actions,
			notification_channels = excluded.notification_channels,
			ml = excluded.ml,
			tags = excluded.tags,
			tuning_history = excluded.tuning_history,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rule.Code, rule.Name, rule.Description, rule.Version,
		string(rule.Category), string(rule.Severity),
		boolInt(rule.IsActive), boolInt(rule.IsBlocking),
		string(conditions), thresholds, rule.TimeWindow, rule.MinOccurrences,
		rule.Expression, rule.BaseScore, rule.Weight,
		actions, channels, ml, tags, history,
		rule.CreatedAt, rule.UpdatedAt,
	)
	return err
}

// GetRule retrieves a rule with its current statistics.
func (r *SQLRepository) GetRule(ctx context.Context, code string) (*domain.Rule, error) {
	row := r.db.QueryRowContext(ctx,
		r.rebind("SELECT "+ruleColumns+" FROM rules WHERE code = ?"), code)

	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: rule %s", ErrNotFound, code)
	}
	return rule, err
}

// ListRules returns rules matching the filter, ordered by code.
func (r *SQLRepository) ListRules(ctx context.Context, filter domain.RuleFilter) ([]*domain.Rule, error) {
	var where []string
	var args []any

	if filter.Category != "" {
		where = append(where, "category = ?")
		args = append(args, string(filter.Category))
	}
	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, string(filter.Severity))
	}
	if filter.Active != nil {
		where = append(where, "is_active = ?")
		args = append(args, boolInt(*filter.Active))
	}
	if filter.Blocking != nil {
		where = append(where, "is_blocking = ?")
		args = append(args, boolInt(*filter.Blocking))
	}
	if filter.Search != "" {
		where = append(where, "(LOWER(code) LIKE ? OR LOWER(name) LIKE ? OR LOWER(description) LIKE ?)")
		term := "%" + strings.ToLower(filter.Search) + "%"
		args = append(args, term, term, term)
	}

	query := "SELECT " + ruleColumns + " FROM rules"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY code"

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// SetRuleActive activates or deactivates a rule. Rules are never deleted.
func (r *SQLRepository) SetRuleActive(ctx context.Context, code string, active bool) error {
	result, err := r.db.ExecContext(ctx,
		r.rebind("UPDATE rules SET is_active = ?, updated_at = ? WHERE code = ?"),
		boolInt(active), time.Now().UTC(), code)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: rule %s", ErrNotFound, code)
	}
	return nil
}

// IncrementRuleTriggers adds one trigger in a single UPDATE.
func (r *SQLRepository) IncrementRuleTriggers(ctx context.Context, code string, at time.Time) error {
	result, err := r.db.ExecContext(ctx, r.rebind(`
		UPDATE rules
		SET triggers_count = triggers_count + 1, last_triggered_at = ?
		WHERE code = ?
	`), at.UTC(), code)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: rule %s", ErrNotFound, code)
	}
	return nil
}

// IncrementRuleOutcome adds one true or false positive and recomputes the
// stored precision in the same statement. The right-hand side of an UPDATE
// sees the pre-update row, so the counters never race with the rate.
func (r *SQLRepository) IncrementRuleOutcome(ctx context.Context, code string, outcome domain.Outcome) (*domain.RuleStats, error) {
	var query string
	switch outcome {
	case domain.OutcomeFraud:
		query = `
			UPDATE rules SET
				true_positives = true_positives + 1,
				precision_rate = ROUND(CAST((true_positives + 1) * 100.0 / (true_positives + 1 + false_positives) AS NUMERIC), 2)
			WHERE code = ?
			RETURNING triggers_count, true_positives, false_positives, last_triggered_at`
	case domain.OutcomeLegitimate:
		query = `
			UPDATE rules SET
				false_positives = false_positives + 1,
				precision_rate = ROUND(CAST(true_positives * 100.0 / (true_positives + false_positives + 1) AS NUMERIC), 2)
			WHERE code = ?
			RETURNING triggers_count, true_positives, false_positives, last_triggered_at`
	case domain.OutcomeUnknown:
		return r.GetRuleStats(ctx, code)
	default:
		return nil, fmt.Errorf("%w: outcome %q", ErrInvalidInput, outcome)
	}

	stats, err := scanRuleStats(r.db.QueryRowContext(ctx, r.rebind(query), code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: rule %s", ErrNotFound, code)
	}
	return stats, err
}

// GetRuleStats reads the counters of one rule.
func (r *SQLRepository) GetRuleStats(ctx context.Context, code string) (*domain.RuleStats, error) {
	row := r.db.QueryRowContext(ctx, r.rebind(`
		SELECT triggers_count, true_positives, false_positives, last_triggered_at
		FROM rules WHERE code = ?`), code)

	stats, err := scanRuleStats(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: rule %s", ErrNotFound, code)
	}
	return stats, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRuleStats(row rowScanner) (*domain.RuleStats, error) {
	var stats domain.RuleStats
	var last sql.NullTime
	if err := row.Scan(&stats.TriggersCount, &stats.TruePositives, &stats.FalsePositives, &last); err != nil {
		return nil, err
	}
	if last.Valid {
		t := last.Time
		stats.LastTriggeredAt = &t
	}
	stats.PrecisionRate = domain.Precision(stats.TruePositives, stats.FalsePositives)
	return &stats, nil
}

func scanRule(row rowScanner) (*domain.Rule, error) {
	var rule domain.Rule
	var category, severity string
	var description, timeWindow, expression sql.NullString
	var conditions string
	var thresholds, actions, channels, ml, tags, history sql.NullString
	var last sql.NullTime

	err := row.Scan(
		&rule.Code, &rule.Name, &description, &rule.Version, &category, &severity,
		&rule.IsActive, &rule.IsBlocking, &conditions, &thresholds, &timeWindow, &rule.MinOccurrences,
		&expression, &rule.BaseScore, &rule.Weight, &actions, &channels, &ml, &tags,
		&history, &rule.Stats.TriggersCount, &rule.Stats.TruePositives, &rule.Stats.FalsePositives,
		&last, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.Description = description.String
	rule.TimeWindow = timeWindow.String
	rule.Expression = expression.String
	rule.Category = domain.Category(category)
	rule.Severity = domain.Severity(severity)

	if err := json.Unmarshal([]byte(conditions), &rule.Conditions); err != nil {
		return nil, fmt.Errorf("decode conditions of %s: %w", rule.Code, err)
	}
	for _, col := range []struct {
		src sql.NullString
		dst any
	}{
		{thresholds, &rule.Thresholds},
		{actions, &rule.Actions},
		{channels, &rule.NotificationChannels},
		{ml, &rule.ML},
		{tags, &rule.Tags},
		{history, &rule.TuningHistory},
	} {
		if err := unmarshalJSON(col.src, col.dst); err != nil {
			return nil, fmt.Errorf("decode rule %s: %w", rule.Code, err)
		}
	}

	if last.Valid {
		t := last.Time
		rule.Stats.LastTriggeredAt = &t
	}
	rule.Stats.PrecisionRate = domain.Precision(rule.Stats.TruePositives, rule.Stats.FalsePositives)

	return &rule, nil
}
