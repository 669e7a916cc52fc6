package antifraud

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore persists evaluations in PostgreSQL. Check detail rides in a
// JSONB column since nothing queries individual checks.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed evaluation store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, eval *Evaluation) error {
	checks, err := json.Marshal(eval.Checks)
	if err != nil {
		return fmt.Errorf("failed to marshal checks: %w", err)
	}
	reasons, err := json.Marshal(eval.Reasons)
	if err != nil {
		return fmt.Errorf("failed to marshal reasons: %w", err)
	}
	warnings, err := json.Marshal(eval.Warnings)
	if err != nil {
		return fmt.Errorf("failed to marshal warnings: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO fraud_evaluations (id, account_id, allowed, risk_level, reasons, warnings, checks, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, eval.ID, eval.AccountID, eval.Allowed, eval.RiskLevel, reasons, warnings, checks, eval.EvaluatedAt)
	if err != nil {
		return fmt.Errorf("failed to record evaluation: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]*Evaluation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, allowed, risk_level, reasons, warnings, checks, evaluated_at
		FROM fraud_evaluations
		WHERE account_id = $1
		ORDER BY evaluated_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evals []*Evaluation
	for rows.Next() {
		eval := &Evaluation{}
		var reasons, warnings, checks []byte
		if err := rows.Scan(&eval.ID, &eval.AccountID, &eval.Allowed, &eval.RiskLevel,
			&reasons, &warnings, &checks, &eval.EvaluatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(reasons, &eval.Reasons); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(warnings, &eval.Warnings); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(checks, &eval.Checks); err != nil {
			return nil, err
		}
		evals = append(evals, eval)
	}
	return evals, rows.Err()
}
