package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SaveCase inserts a new case. The version starts at 1.
func (r *SQLRepository) SaveCase(ctx context.Context, c *domain.Case) error {
	if c == nil || c.ID == "" || c.CaseNumber == "" {
		return fmt.Errorf("%w: case id and number are required", ErrInvalidInput)
	}
	if c.Version == 0 {
		c.Version = 1
	}

	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode case: %w", err)
	}

	_, err = r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO cases (
			id, case_number, status, priority, fraud_type, detection_method,
			subject_kind, subject_id, score_id, total_amount, assigned_to, escalated,
			resolution, document, version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		c.ID, c.CaseNumber, string(c.Status), string(c.Priority), string(c.FraudType),
		string(c.DetectionMethod), string(c.Subject.Kind), c.Subject.ID,
		nullString(c.ScoreID), c.TotalAmount, nullString(c.AssignedTo), boolInt(c.Escalated),
		nullString(string(c.Resolution)), string(doc), c.Version,
		c.CreatedAt.UTC(), c.UpdatedAt.UTC(),
	)
	return err
}

// UpdateCase writes the case if nobody else wrote it since it was read,
// then bumps its version. A stale version fails with ErrConflict.
func (r *SQLRepository) UpdateCase(ctx context.Context, c *domain.Case) error {
	expected := c.Version
	c.Version = expected + 1

	doc, err := json.Marshal(c)
	if err != nil {
		c.Version = expected
		return fmt.Errorf("encode case: %w", err)
	}

	result, err := r.db.ExecContext(ctx, r.rebind(`
		UPDATE cases SET
			status = ?, priority = ?, fraud_type = ?, assigned_to = ?, escalated = ?,
			resolution = ?, total_amount = ?, document = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`),
		string(c.Status), string(c.Priority), string(c.FraudType), nullString(c.AssignedTo),
		boolInt(c.Escalated), nullString(string(c.Resolution)), c.TotalAmount,
		string(doc), c.Version, c.UpdatedAt.UTC(),
		c.ID, expected,
	)
	if err != nil {
		c.Version = expected
		return err
	}

	n, err := result.RowsAffected()
	if err != nil {
		c.Version = expected
		return err
	}
	if n == 0 {
		c.Version = expected
		ok, err := r.exists(ctx, "cases", "id", c.ID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: case %s", ErrNotFound, c.ID)
		}
		return fmt.Errorf("%w: case %s was modified concurrently", domain.ErrConflict, c.CaseNumber)
	}
	return nil
}

// GetCase retrieves a case by id.
func (r *SQLRepository) GetCase(ctx context.Context, id string) (*domain.Case, error) {
	return r.getCaseBy(ctx, "id", id)
}

// GetCaseByNumber retrieves a case by its human-readable number.
func (r *SQLRepository) GetCaseByNumber(ctx context.Context, number string) (*domain.Case, error) {
	return r.getCaseBy(ctx, "case_number", number)
}

func (r *SQLRepository) getCaseBy(ctx context.Context, column, key string) (*domain.Case, error) {
	var doc string
	var version int64
	err := r.db.QueryRowContext(ctx,
		r.rebind("SELECT document, version FROM cases WHERE "+column+" = ?"), key).Scan(&doc, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: case %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	return decodeCase(doc, version)
}

// ListCases returns cases matching the filter, newest first.
func (r *SQLRepository) ListCases(ctx context.Context, filter domain.CaseFilter) ([]*domain.Case, error) {
	var where []string
	var args []any

	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Priority != "" {
		where = append(where, "priority = ?")
		args = append(args, string(filter.Priority))
	}
	if filter.FraudType != "" {
		where = append(where, "fraud_type = ?")
		args = append(args, string(filter.FraudType))
	}
	if filter.AssignedTo != "" {
		where = append(where, "assigned_to = ?")
		args = append(args, filter.AssignedTo)
	}
	if filter.Subject != nil {
		where = append(where, "subject_kind = ? AND subject_id = ?")
		args = append(args, string(filter.Subject.Kind), filter.Subject.ID)
	}
	if filter.Escalated != nil {
		where = append(where, "escalated = ?")
		args = append(args, boolInt(*filter.Escalated))
	}
	if filter.Search != "" {
		where = append(where, "(LOWER(case_number) LIKE ? OR LOWER(subject_id) LIKE ?)")
		term := "%" + strings.ToLower(filter.Search) + "%"
		args = append(args, term, term)
	}
	if filter.From != nil {
		where = append(where, "created_at >= ?")
		args = append(args, filter.From.UTC())
	}
	if filter.To != nil {
		where = append(where, "created_at < ?")
		args = append(args, filter.To.UTC())
	}

	query := "SELECT document, version FROM cases"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, case_number DESC"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cases []*domain.Case
	for rows.Next() {
		var doc string
		var version int64
		if err := rows.Scan(&doc, &version); err != nil {
			return nil, err
		}
		c, err := decodeCase(doc, version)
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

// NextCaseSequence atomically allocates the next number for a period.
func (r *SQLRepository) NextCaseSequence(ctx context.Context, period string) (int64, error) {
	var value int64
	err := r.db.QueryRowContext(ctx, r.rebind(`
		INSERT INTO case_sequences (period, value) VALUES (?, 1)
		ON CONFLICT(period) DO UPDATE SET value = case_sequences.value + 1
		RETURNING value
	`), period).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("allocate case sequence: %w", err)
	}
	return value, nil
}

func decodeCase(doc string, version int64) (*domain.Case, error) {
	var c domain.Case
	if err := json.Unmarshal([]byte(doc), &c); err != nil {
		return nil, fmt.Errorf("decode case: %w", err)
	}
	c.Version = version
	return &c, nil
}
