package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cesnetwork/escrowd/internal/idgen"
	"github.com/cesnetwork/escrowd/internal/token"
)

// PostgresStore implements Store with PostgreSQL.
//
// Balance math runs as NUMERIC arithmetic inside serializable transactions.
// The CHECK constraint on available >= 0 rejects overdrafts at the database
// level; escrowed is deliberately unconstrained so inconsistent states stay
// visible to reconciliation instead of failing silently.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	acct := &Account{AccountID: accountID}
	var policyReason sql.NullString

	err := p.db.QueryRowContext(ctx, `
		SELECT token, available, escrowed, policy, policy_reason, created_at, updated_at
		FROM accounts WHERE account_id = $1
	`, accountID).Scan(&acct.Token, &acct.Available, &acct.Escrowed, &acct.Policy, &policyReason, &acct.CreatedAt, &acct.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	acct.PolicyReason = policyReason.String
	return acct, nil
}

func (p *PostgresStore) CreateAccount(ctx context.Context, accountID, tokenSym string) (*Account, error) {
	now := time.Now()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (account_id, token, available, escrowed, policy, created_at, updated_at)
		VALUES ($1, $2, 0, 0, $3, NOW(), NOW())
	`, accountID, tokenSym, PolicyNormal)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return nil, ErrAccountExists
		}
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return &Account{
		AccountID: accountID,
		Token:     tokenSym,
		Available: "0.000000",
		Escrowed:  "0.000000",
		Policy:    PolicyNormal,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (p *PostgresStore) ListAccountIDs(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT account_id FROM accounts ORDER BY account_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *PostgresStore) Credit(ctx context.Context, accountID, amount, reference, description string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE accounts SET
			available  = available + $2::NUMERIC(20,6),
			updated_at = NOW()
		WHERE account_id = $1
	`, accountID, amount)
	if err != nil {
		return fmt.Errorf("failed to credit account: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrAccountNotFound
	}

	if err := insertEntry(ctx, tx, accountID, "credit", amount, reference, description); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) EscrowLock(ctx context.Context, accountID, amount, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// The CHECK constraint on available >= 0 rejects overdrafts here.
	result, err := tx.ExecContext(ctx, `
		UPDATE accounts SET
			available  = available - $2::NUMERIC(20,6),
			escrowed   = escrowed  + $2::NUMERIC(20,6),
			updated_at = NOW()
		WHERE account_id = $1
	`, accountID, amount)
	if err != nil {
		if strings.Contains(err.Error(), "chk_available_nonneg") {
			return ErrInsufficientBalance
		}
		return fmt.Errorf("failed to lock escrow: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrAccountNotFound
	}

	if err := insertEntry(ctx, tx, accountID, "escrow_lock", amount, reference, "escrow_locked"); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) EscrowRelease(ctx context.Context, payerID, payeeID, amount, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var escrowed string
	err = tx.QueryRowContext(ctx, `
		SELECT escrowed FROM accounts WHERE account_id = $1 FOR UPDATE
	`, payerID).Scan(&escrowed)
	if err == sql.ErrNoRows {
		return ErrAccountNotFound
	}
	if err != nil {
		return err
	}
	if !hasAtLeast(escrowed, amount) {
		return ErrInsufficientBalance
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE accounts SET
			escrowed   = escrowed - $2::NUMERIC(20,6),
			updated_at = NOW()
		WHERE account_id = $1
	`, payerID, amount)
	if err != nil {
		return fmt.Errorf("failed to debit payer escrow: %w", err)
	}

	if err := creditOrCreate(ctx, tx, payeeID, amount); err != nil {
		return err
	}

	if err := insertEntry(ctx, tx, payerID, "escrow_release", amount, reference, "escrow_released_to_counterparty"); err != nil {
		return err
	}
	if err := insertEntry(ctx, tx, payeeID, "escrow_receive", amount, reference, "escrow_payment_received"); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) EscrowRefund(ctx context.Context, accountID, amount, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var escrowed string
	err = tx.QueryRowContext(ctx, `
		SELECT escrowed FROM accounts WHERE account_id = $1 FOR UPDATE
	`, accountID).Scan(&escrowed)
	if err == sql.ErrNoRows {
		return ErrAccountNotFound
	}
	if err != nil {
		return err
	}
	if !hasAtLeast(escrowed, amount) {
		return ErrInsufficientBalance
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE accounts SET
			escrowed   = escrowed  - $2::NUMERIC(20,6),
			available  = available + $2::NUMERIC(20,6),
			updated_at = NOW()
		WHERE account_id = $1
	`, accountID, amount)
	if err != nil {
		return fmt.Errorf("failed to refund escrow: %w", err)
	}

	if err := insertEntry(ctx, tx, accountID, "escrow_refund", amount, reference, "escrow_refunded"); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) EscrowSplit(ctx context.Context, payerID, payeeID, releaseAmount, refundAmount, reference string) error {
	rel, okRel := token.Parse(releaseAmount)
	ref, okRef := token.Parse(refundAmount)
	if !okRel || !okRef {
		return ErrInvalidAmount
	}
	total := token.Format(rel.Add(rel, ref))

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var escrowed string
	err = tx.QueryRowContext(ctx, `
		SELECT escrowed FROM accounts WHERE account_id = $1 FOR UPDATE
	`, payerID).Scan(&escrowed)
	if err == sql.ErrNoRows {
		return ErrAccountNotFound
	}
	if err != nil {
		return err
	}
	if !hasAtLeast(escrowed, total) {
		return ErrInsufficientBalance
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE accounts SET
			escrowed   = escrowed  - $2::NUMERIC(20,6),
			available  = available + $3::NUMERIC(20,6),
			updated_at = NOW()
		WHERE account_id = $1
	`, payerID, total, refundAmount)
	if err != nil {
		return fmt.Errorf("failed to split payer escrow: %w", err)
	}

	if err := creditOrCreate(ctx, tx, payeeID, releaseAmount); err != nil {
		return err
	}

	if err := insertEntry(ctx, tx, payerID, "escrow_split", releaseAmount, reference, "escrow_split_released"); err != nil {
		return err
	}
	if err := insertEntry(ctx, tx, payerID, "escrow_refund", refundAmount, reference, "escrow_split_refunded"); err != nil {
		return err
	}
	if err := insertEntry(ctx, tx, payeeID, "escrow_receive", releaseAmount, reference, "escrow_split_received"); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) OverwriteAvailable(ctx context.Context, accountID, amount, reference, description string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE accounts SET
			available  = $2::NUMERIC(20,6),
			updated_at = NOW()
		WHERE account_id = $1
	`, accountID, amount)
	if err != nil {
		return fmt.Errorf("failed to overwrite balance: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrAccountNotFound
	}

	if err := insertEntry(ctx, tx, accountID, "adjustment", amount, reference, description); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) ResetNegativeEscrow(ctx context.Context, accountID, reference string) (string, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var escrowed string
	err = tx.QueryRowContext(ctx, `
		SELECT escrowed FROM accounts WHERE account_id = $1 FOR UPDATE
	`, accountID).Scan(&escrowed)
	if err == sql.ErrNoRows {
		return "", ErrAccountNotFound
	}
	if err != nil {
		return "", err
	}

	esc, ok := token.ParseSigned(escrowed)
	if !ok || esc.Sign() >= 0 {
		return "0.000000", tx.Commit()
	}
	deficit := token.Format(esc.Neg(esc))

	_, err = tx.ExecContext(ctx, `
		UPDATE accounts SET escrowed = 0, updated_at = NOW() WHERE account_id = $1
	`, accountID)
	if err != nil {
		return "", fmt.Errorf("failed to reset escrow: %w", err)
	}

	if err := insertEntry(ctx, tx, accountID, "adjustment", deficit, reference, "negative_escrow_reset"); err != nil {
		return "", err
	}
	return deficit, tx.Commit()
}

func (p *PostgresStore) SetPolicy(ctx context.Context, accountID, policy, reason string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE accounts SET policy = $2, policy_reason = $3, updated_at = NOW()
		WHERE account_id = $1
	`, accountID, policy, reason)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (p *PostgresStore) GetHistory(ctx context.Context, accountID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account_id, type, amount, reference, description, created_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var reference, description sql.NullString
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Type, &e.Amount, &reference, &description, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Reference = reference.String
		e.Description = description.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// hasAtLeast compares two 6-decimal amounts.
func hasAtLeast(have, want string) bool {
	h, okH := token.Parse(have)
	w, okW := token.Parse(want)
	if !okH || !okW {
		return false
	}
	return h.Cmp(w) >= 0
}

func creditOrCreate(ctx context.Context, tx *sql.Tx, accountID, amount string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO accounts (account_id, token, available, escrowed, policy, created_at, updated_at)
		VALUES ($1, 'CES', $2::NUMERIC(20,6), 0, 'normal', NOW(), NOW())
		ON CONFLICT (account_id) DO UPDATE SET
			available  = accounts.available + $2::NUMERIC(20,6),
			updated_at = NOW()
	`, accountID, amount)
	if err != nil {
		return fmt.Errorf("failed to credit account: %w", err)
	}
	return nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, accountID, entryType, amount, reference, description string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account_id, type, amount, reference, description, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,6), $5, $6, NOW())
	`, idgen.WithPrefix("entry_"), accountID, entryType, amount, reference, description)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}
	return nil
}
