package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const scoreColumns = `id, entity_kind, entity_id, score_type, entity_snapshot, triggered_rules,
	behavioral_factors, device_factors, network_factors, rule_score, total_score,
	risk_level, ml_score, ml_explanation, decision, is_override, override_by,
	override_reason, decision_at, outcome, outcome_by, outcome_notes, outcome_at,
	case_id, created_at`

// SaveScore writes a score in a single insert.
func (r *SQLRepository) SaveScore(ctx context.Context, score *domain.Score) error {
	if score == nil || score.ID == "" {
		return fmt.Errorf("%w: score id is required", ErrInvalidInput)
	}

	snapshot, err := json.Marshal(score.EntitySnapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	triggered, err := json.Marshal(score.TriggeredRules)
	if err != nil {
		return fmt.Errorf("encode triggered rules: %w", err)
	}
	explanation, err := marshalJSON(score.MLExplanation)
	if err != nil {
		return err
	}

	var mlScore sql.NullFloat64
	if score.MLScore != nil {
		mlScore = sql.NullFloat64{Float64: *score.MLScore, Valid: true}
	}

	query := `
		INSERT INTO scores (
			id, entity_kind, entity_id, score_type, entity_snapshot, triggered_rules,
			behavioral_factors, device_factors, network_factors, rule_score, total_score,
			risk_level, ml_score, ml_explanation, decision, is_override, override_by,
			override_reason, decision_at, outcome, case_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		score.ID, string(score.Entity.Kind), score.Entity.ID, string(score.ScoreType),
		string(snapshot), string(triggered),
		rawColumn(score.BehavioralFactors), rawColumn(score.DeviceFactors), rawColumn(score.NetworkFactors),
		score.RuleScore, score.TotalScore, string(score.RiskLevel),
		mlScore, explanation, string(score.Decision),
		boolInt(score.IsOverride), nullString(score.OverrideBy), nullString(score.OverrideReason),
		score.DecisionAt.UTC(), string(score.Outcome), nullString(score.CaseID), score.CreatedAt.UTC(),
	)
	return err
}

// GetScore retrieves a score by id.
func (r *SQLRepository) GetScore(ctx context.Context, id string) (*domain.Score, error) {
	row := r.db.QueryRowContext(ctx, r.rebind("SELECT "+scoreColumns+" FROM scores WHERE id = ?"), id)
	score, err := scanScore(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: score %s", ErrNotFound, id)
	}
	return score, err
}

// ListScoresByEntity returns the most recent scores of an entity.
func (r *SQLRepository) ListScoresByEntity(ctx context.Context, entity domain.EntityRef, limit int) ([]*domain.Score, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	query := "SELECT " + scoreColumns + ` FROM scores
		WHERE entity_kind = ? AND entity_id = ?
		ORDER BY created_at DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), string(entity.Kind), entity.ID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scores []*domain.Score
	for rows.Next() {
		score, err := scanScore(rows)
		if err != nil {
			return nil, err
		}
		scores = append(scores, score)
	}
	return scores, rows.Err()
}

// OverrideScore persists an override only if none was applied before.
func (r *SQLRepository) OverrideScore(ctx context.Context, score *domain.Score) error {
	result, err := r.db.ExecContext(ctx, r.rebind(`
		UPDATE scores
		SET decision = ?, is_override = 1, override_by = ?, override_reason = ?, decision_at = ?
		WHERE id = ? AND is_override = 0
	`), string(score.Decision), score.OverrideBy, score.OverrideReason, score.DecisionAt.UTC(), score.ID)
	if err != nil {
		return err
	}
	return r.checkConditional(ctx, result, score.ID, domain.ErrInvalidState, "score already overridden")
}

// SetScoreOutcome persists an outcome only if none was recorded before.
func (r *SQLRepository) SetScoreOutcome(ctx context.Context, score *domain.Score) error {
	if score.OutcomeAt == nil {
		return fmt.Errorf("%w: outcome time is required", ErrInvalidInput)
	}
	result, err := r.db.ExecContext(ctx, r.rebind(`
		UPDATE scores
		SET outcome = ?, outcome_by = ?, outcome_notes = ?, outcome_at = ?
		WHERE id = ? AND outcome = ''
	`), string(score.Outcome), score.OutcomeBy, score.OutcomeNotes, score.OutcomeAt.UTC(), score.ID)
	if err != nil {
		return err
	}
	return r.checkConditional(ctx, result, score.ID, domain.ErrConflict, "outcome already recorded")
}

// LinkScoreCase sets the case back-reference of a score once.
func (r *SQLRepository) LinkScoreCase(ctx context.Context, scoreID, caseID string) error {
	result, err := r.db.ExecContext(ctx, r.rebind(`
		UPDATE scores SET case_id = ?
		WHERE id = ? AND (case_id IS NULL OR case_id = '' OR case_id = ?)
	`), caseID, scoreID, caseID)
	if err != nil {
		return err
	}
	return r.checkConditional(ctx, result, scoreID, domain.ErrConflict, "score already linked to another case")
}

// checkConditional turns a zero-row conditional update into NotFound or the given error.
func (r *SQLRepository) checkConditional(ctx context.Context, result sql.Result, id string, failed error, msg string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	ok, err := r.exists(ctx, "scores", "id", id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: score %s", ErrNotFound, id)
	}
	return fmt.Errorf("%w: %s", failed, msg)
}

func scanScore(row rowScanner) (*domain.Score, error) {
	var s domain.Score
	var kind, scoreType, riskLevel, decision, outcome string
	var snapshot, triggered string
	var behavioral, device, network, explanation sql.NullString
	var overrideBy, overrideReason, outcomeBy, outcomeNotes, caseID sql.NullString
	var mlScore sql.NullFloat64
	var outcomeAt sql.NullTime

	err := row.Scan(
		&s.ID, &kind, &s.Entity.ID, &scoreType, &snapshot, &triggered,
		&behavioral, &device, &network, &s.RuleScore, &s.TotalScore,
		&riskLevel, &mlScore, &explanation, &decision, &s.IsOverride, &overrideBy,
		&overrideReason, &s.DecisionAt, &outcome, &outcomeBy, &outcomeNotes, &outcomeAt,
		&caseID, &s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.Entity.Kind = domain.EntityKind(kind)
	s.ScoreType = domain.ScoreType(scoreType)
	s.RiskLevel = domain.RiskLevel(riskLevel)
	s.Decision = domain.Decision(decision)
	s.Outcome = domain.Outcome(outcome)
	s.OverrideBy = overrideBy.String
	s.OverrideReason = overrideReason.String
	s.OutcomeBy = outcomeBy.String
	s.OutcomeNotes = outcomeNotes.String
	s.CaseID = caseID.String

	if mlScore.Valid {
		v := mlScore.Float64
		s.MLScore = &v
	}
	if outcomeAt.Valid {
		t := outcomeAt.Time
		s.OutcomeAt = &t
	}
	if behavioral.Valid {
		s.BehavioralFactors = json.RawMessage(behavioral.String)
	}
	if device.Valid {
		s.DeviceFactors = json.RawMessage(device.String)
	}
	if network.Valid {
		s.NetworkFactors = json.RawMessage(network.String)
	}

	if err := json.Unmarshal([]byte(snapshot), &s.EntitySnapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot of %s: %w", s.ID, err)
	}
	if err := json.Unmarshal([]byte(triggered), &s.TriggeredRules); err != nil {
		return nil, fmt.Errorf("decode triggered rules of %s: %w", s.ID, err)
	}
	if err := unmarshalJSON(explanation, &s.MLExplanation); err != nil {
		return nil, fmt.Errorf("decode ml explanation of %s: %w", s.ID, err)
	}

	return &s, nil
}

func rawColumn(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
