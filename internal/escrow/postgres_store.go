package escrow

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore implements Store with PostgreSQL. Transitions live in their
// own table so the journal survives record rewrites.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, rec *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (id, trade_id, token, owner_id, beneficiary_id, amount, state, settlement_ref, resolution, seq, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(20,6), $7, NULLIF($8, ''), NULLIF($9, ''), $10, $11, $12)
	`, rec.ID, rec.TradeID, rec.Token, rec.OwnerID, rec.BeneficiaryID, rec.Amount,
		rec.State, rec.SettlementRef, rec.Resolution, rec.Seq, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create escrow: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	rec, err := p.scanOne(p.db.QueryRowContext(ctx, `
		SELECT id, trade_id, token, owner_id, beneficiary_id, amount, state, settlement_ref, resolution, seq, created_at, updated_at, resolved_at
		FROM escrows WHERE id = $1
	`, id))
	if err != nil {
		return nil, err
	}
	rec.Transitions, err = p.listTransitions(ctx, rec.ID)
	return rec, err
}

func (p *PostgresStore) GetByTrade(ctx context.Context, tradeID, tokenSym string) (*Record, error) {
	rec, err := p.scanOne(p.db.QueryRowContext(ctx, `
		SELECT id, trade_id, token, owner_id, beneficiary_id, amount, state, settlement_ref, resolution, seq, created_at, updated_at, resolved_at
		FROM escrows WHERE trade_id = $1 AND token = $2
		ORDER BY created_at DESC LIMIT 1
	`, tradeID, tokenSym))
	if err != nil {
		return nil, err
	}
	rec.Transitions, err = p.listTransitions(ctx, rec.ID)
	return rec, err
}

func (p *PostgresStore) Update(ctx context.Context, rec *Record) error {
	var resolvedAt interface{}
	if rec.ResolvedAt != nil {
		resolvedAt = *rec.ResolvedAt
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			state          = $2,
			settlement_ref = NULLIF($3, ''),
			resolution     = NULLIF($4, ''),
			seq            = $5,
			updated_at     = $6,
			resolved_at    = $7
		WHERE id = $1
	`, rec.ID, rec.State, rec.SettlementRef, rec.Resolution, rec.Seq, rec.UpdatedAt, resolvedAt)
	if err != nil {
		return fmt.Errorf("failed to update escrow: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (p *PostgresStore) AddTransition(ctx context.Context, recordID string, tr Transition) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_transitions (escrow_id, from_state, to_state, actor, seq, at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, recordID, tr.From, tr.To, tr.Actor, tr.Seq, tr.At)
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, trade_id, token, owner_id, beneficiary_id, amount, state, settlement_ref, resolution, seq, created_at, updated_at, resolved_at
		FROM escrows
		WHERE owner_id = $1 OR beneficiary_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := p.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (p *PostgresStore) listTransitions(ctx context.Context, recordID string) ([]Transition, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT from_state, to_state, actor, seq, at
		FROM escrow_transitions WHERE escrow_id = $1 ORDER BY seq
	`, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transitions []Transition
	for rows.Next() {
		var tr Transition
		if err := rows.Scan(&tr.From, &tr.To, &tr.Actor, &tr.Seq, &tr.At); err != nil {
			return nil, err
		}
		transitions = append(transitions, tr)
	}
	return transitions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (p *PostgresStore) scanOne(row *sql.Row) (*Record, error) {
	rec, err := p.scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	return rec, err
}

func (p *PostgresStore) scanRecord(row rowScanner) (*Record, error) {
	rec := &Record{}
	var settlementRef, resolution sql.NullString
	var resolvedAt sql.NullTime

	err := row.Scan(&rec.ID, &rec.TradeID, &rec.Token, &rec.OwnerID, &rec.BeneficiaryID,
		&rec.Amount, &rec.State, &settlementRef, &resolution, &rec.Seq,
		&rec.CreatedAt, &rec.UpdatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	rec.SettlementRef = settlementRef.String
	rec.Resolution = resolution.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		rec.ResolvedAt = &t
	}
	return rec, nil
}
