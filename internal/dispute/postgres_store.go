package dispute

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore implements Store with PostgreSQL. Evidence lists ride in
// JSONB columns; nothing queries individual submissions.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const caseColumns = `id, trade_id, token, amount, initiator_role, category, reason, priority, status,
	assigned_moderator_id, buyer_evidence, seller_evidence, escalation_deadline, escalations,
	resolution_outcome, compensation_amount, resolved_by, created_at, updated_at, resolved_at`

func (p *PostgresStore) Create(ctx context.Context, c *Case) error {
	buyerEv, sellerEv, err := marshalEvidence(c)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO disputes (`+caseColumns+`)
		VALUES ($1, $2, $3, $4::NUMERIC(20,6), $5, $6, $7, $8, $9,
			NULLIF($10, ''), $11, $12, $13, $14,
			NULLIF($15, ''), NULLIF($16, '')::NUMERIC(20,6), NULLIF($17, ''), $18, $19, $20)
	`, c.ID, c.TradeID, c.Token, c.Amount, c.InitiatorRole, c.Category, c.Reason, c.Priority, c.Status,
		c.AssignedModeratorID, buyerEv, sellerEv, c.EscalationDeadline, c.Escalations,
		string(c.ResolutionOutcome), c.CompensationAmount, c.ResolvedBy, c.CreatedAt, c.UpdatedAt, c.ResolvedAt)
	if err != nil {
		return fmt.Errorf("failed to create dispute: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Case, error) {
	return p.scanOne(p.db.QueryRowContext(ctx, `
		SELECT `+caseColumns+` FROM disputes WHERE id = $1
	`, id))
}

func (p *PostgresStore) GetByTrade(ctx context.Context, tradeID string) (*Case, error) {
	return p.scanOne(p.db.QueryRowContext(ctx, `
		SELECT `+caseColumns+` FROM disputes WHERE trade_id = $1
		ORDER BY created_at DESC LIMIT 1
	`, tradeID))
}

func (p *PostgresStore) Update(ctx context.Context, c *Case) error {
	buyerEv, sellerEv, err := marshalEvidence(c)
	if err != nil {
		return err
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			priority              = $2,
			status                = $3,
			assigned_moderator_id = NULLIF($4, ''),
			buyer_evidence        = $5,
			seller_evidence       = $6,
			escalation_deadline   = $7,
			escalations           = $8,
			resolution_outcome    = NULLIF($9, ''),
			compensation_amount   = NULLIF($10, '')::NUMERIC(20,6),
			resolved_by           = NULLIF($11, ''),
			updated_at            = $12,
			resolved_at           = $13
		WHERE id = $1
	`, c.ID, c.Priority, c.Status, c.AssignedModeratorID, buyerEv, sellerEv,
		c.EscalationDeadline, c.Escalations, string(c.ResolutionOutcome),
		c.CompensationAmount, c.ResolvedBy, c.UpdatedAt, c.ResolvedAt)
	if err != nil {
		return fmt.Errorf("failed to update dispute: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrCaseNotFound
	}
	return nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Case, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+caseColumns+` FROM disputes
		WHERE status = $1 ORDER BY created_at DESC LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return p.scanAll(rows)
}

func (p *PostgresStore) ListEscalatable(ctx context.Context, now time.Time) ([]*Case, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+caseColumns+` FROM disputes
		WHERE status IN ('open', 'investigating') AND escalation_deadline <= $1
		ORDER BY created_at
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return p.scanAll(rows)
}

func (p *PostgresStore) scanAll(rows *sql.Rows) ([]*Case, error) {
	var cases []*Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

func (p *PostgresStore) scanOne(row *sql.Row) (*Case, error) {
	c, err := scanCase(row)
	if err == sql.ErrNoRows {
		return nil, ErrCaseNotFound
	}
	return c, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCase(row rowScanner) (*Case, error) {
	c := &Case{}
	var moderator, outcome, compensation, resolvedBy sql.NullString
	var resolvedAt sql.NullTime
	var buyerEv, sellerEv []byte

	err := row.Scan(&c.ID, &c.TradeID, &c.Token, &c.Amount, &c.InitiatorRole, &c.Category,
		&c.Reason, &c.Priority, &c.Status, &moderator, &buyerEv, &sellerEv,
		&c.EscalationDeadline, &c.Escalations, &outcome, &compensation, &resolvedBy,
		&c.CreatedAt, &c.UpdatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}

	c.AssignedModeratorID = moderator.String
	c.ResolutionOutcome = Outcome(outcome.String)
	c.CompensationAmount = compensation.String
	c.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		c.ResolvedAt = &t
	}
	if err := json.Unmarshal(buyerEv, &c.BuyerEvidence); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(sellerEv, &c.SellerEvidence); err != nil {
		return nil, err
	}
	return c, nil
}

func marshalEvidence(c *Case) ([]byte, []byte, error) {
	buyerEv, err := json.Marshal(c.BuyerEvidence)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal buyer evidence: %w", err)
	}
	sellerEv, err := json.Marshal(c.SellerEvidence)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal seller evidence: %w", err)
	}
	return buyerEv, sellerEv, nil
}
