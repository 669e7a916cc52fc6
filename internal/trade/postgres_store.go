package trade

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cesnetwork/escrowd/internal/idgen"
	"github.com/cesnetwork/escrowd/internal/pagination"
)

// PostgresStore implements Store with PostgreSQL. Statistics run as SQL
// aggregates so velocity checks stay cheap at volume.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed trade store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, t *Trade) error {
	if t.ID == "" {
		t.ID = idgen.WithPrefix("trd_")
	}
	if t.Status == "" {
		t.Status = StatusOpen
	}
	if !validStatus(t.Status) {
		return ErrInvalidStatus
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.UpdatedAt = time.Now()

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trades (id, token, amount, price, maker_id, taker_id, status, escrow_status, dispute_ref, created_at, updated_at)
		VALUES ($1, $2, $3::NUMERIC(20,6), $4::NUMERIC(20,6), $5, $6, $7, $8, NULLIF($9, ''), $10, $11)
	`, t.ID, t.Token, t.Amount, t.Price, t.MakerID, t.TakerID, t.Status, t.EscrowStatus, t.DisputeRef, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create trade: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, tradeID string) (*Trade, error) {
	t := &Trade{}
	var disputeRef sql.NullString
	var completedAt sql.NullTime

	err := p.db.QueryRowContext(ctx, `
		SELECT id, token, amount, price, maker_id, taker_id, status, COALESCE(escrow_status, ''), dispute_ref, created_at, updated_at, completed_at
		FROM trades WHERE id = $1
	`, tradeID).Scan(&t.ID, &t.Token, &t.Amount, &t.Price, &t.MakerID, &t.TakerID,
		&t.Status, &t.EscrowStatus, &disputeRef, &t.CreatedAt, &t.UpdatedAt, &completedAt)

	if err == sql.ErrNoRows {
		return nil, ErrTradeNotFound
	}
	if err != nil {
		return nil, err
	}
	t.DisputeRef = disputeRef.String
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return t, nil
}

func (p *PostgresStore) ListByAccount(ctx context.Context, accountID string, limit int, before *pagination.Cursor) ([]*Trade, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, token, amount, price, maker_id, taker_id, status, COALESCE(escrow_status, ''), dispute_ref, created_at, updated_at, completed_at
		FROM trades
		WHERE (maker_id = $1 OR taker_id = $1)`
	args := []interface{}{accountID}
	if before != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, before.CreatedAt, before.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		t := &Trade{}
		var disputeRef sql.NullString
		var completedAt sql.NullTime
		if err := rows.Scan(&t.ID, &t.Token, &t.Amount, &t.Price, &t.MakerID, &t.TakerID,
			&t.Status, &t.EscrowStatus, &disputeRef, &t.CreatedAt, &t.UpdatedAt, &completedAt); err != nil {
			return nil, err
		}
		t.DisputeRef = disputeRef.String
		if completedAt.Valid {
			t.CompletedAt = &completedAt.Time
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, tradeID, status string) error {
	if !validStatus(status) {
		return ErrInvalidStatus
	}

	var result sql.Result
	var err error
	if status == StatusCompleted {
		result, err = p.db.ExecContext(ctx, `
			UPDATE trades SET status = $2, completed_at = NOW(), updated_at = NOW() WHERE id = $1
		`, tradeID, status)
	} else {
		result, err = p.db.ExecContext(ctx, `
			UPDATE trades SET status = $2, updated_at = NOW() WHERE id = $1
		`, tradeID, status)
	}
	if err != nil {
		return fmt.Errorf("failed to update trade status: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrTradeNotFound
	}
	return nil
}

func (p *PostgresStore) SetEscrowStatus(ctx context.Context, tradeID, escrowStatus string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE trades SET escrow_status = $2, updated_at = NOW() WHERE id = $1
	`, tradeID, escrowStatus)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrTradeNotFound
	}
	return nil
}

func (p *PostgresStore) SetDisputeRef(ctx context.Context, tradeID, disputeRef string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE trades SET dispute_ref = $2, updated_at = NOW() WHERE id = $1
	`, tradeID, disputeRef)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrTradeNotFound
	}
	return nil
}

func (p *PostgresStore) CountOrdersSince(ctx context.Context, accountID string, since time.Time) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM trades
		WHERE (maker_id = $1 OR taker_id = $1) AND created_at >= $2
	`, accountID, since).Scan(&count)
	return count, err
}

func (p *PostgresStore) GetPriceStats(ctx context.Context, tokenSym string, since time.Time) (*PriceStats, error) {
	stats := &PriceStats{Token: tokenSym}
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(AVG(price), 0)::NUMERIC(20,6),
		       COALESCE(MIN(price), 0)::NUMERIC(20,6),
		       COALESCE(MAX(price), 0)::NUMERIC(20,6),
		       COUNT(*)
		FROM trades
		WHERE token = $1 AND created_at >= $2 AND status != 'cancelled'
	`, tokenSym, since).Scan(&stats.Average, &stats.Min, &stats.Max, &stats.Count)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (p *PostgresStore) CompletionStats(ctx context.Context, accountID string) (int, int, error) {
	var completed, total int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = 'completed'),
		       COUNT(*) FILTER (WHERE status IN ('completed', 'cancelled'))
		FROM trades
		WHERE maker_id = $1 OR taker_id = $1
	`, accountID).Scan(&completed, &total)
	return completed, total, err
}
