package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/josh-kwaku/wallet-settlement/internal/domain"
)

const billingColumns = `id, ref, transaction_type, transaction_id, fee_code, amount, currency,
	payer, payer_wallet_id, direction, status, created_at, posted_at`

type BillingRepository struct {
	db *sql.DB
}

func NewBillingRepository(db *sql.DB) *BillingRepository {
	return &BillingRepository{db: db}
}

// Insert records a fee line unless its ref already exists. It reports whether a row was written.
func (r *BillingRepository) Insert(ctx context.Context, q Querier, e *domain.BillingEntry) (bool, error) {
	res, err := q.ExecContext(ctx,
		`INSERT INTO billing_ledger (`+billingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (ref) DO NOTHING`,
		e.ID, e.Ref, e.TransactionType, e.TransactionID, e.FeeCode, e.Amount, e.Currency,
		e.Payer, e.PayerWalletID, e.Direction, e.Status, e.CreatedAt, e.PostedAt,
	)
	if err != nil {
		return false, fmt.Errorf("Insert: %w", err)
	}
	rows, err := rowsAffected(res)
	if err != nil {
		return false, fmt.Errorf("Insert: %w", err)
	}
	return rows == 1, nil
}

// LockPending locks the pending fee lines of a transaction, including lines written under
// the legacy ref prefix.
func (r *BillingRepository) LockPending(ctx context.Context, tx *sql.Tx, txType domain.TransactionType, txID, legacyPrefix string) ([]domain.BillingEntry, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+billingColumns+` FROM billing_ledger
		WHERE status = 'pending'
			AND ((transaction_type = $1 AND transaction_id = $2) OR ($3 <> '' AND ref LIKE $3 || '%'))
		ORDER BY created_at, ref
		FOR UPDATE`,
		txType, txID, legacyPrefix,
	)
	if err != nil {
		return nil, fmt.Errorf("LockPending: %w", err)
	}
	defer rows.Close()

	entries, err := collectBillingEntries(rows)
	if err != nil {
		return nil, fmt.Errorf("LockPending: %w", err)
	}
	return entries, nil
}

func (r *BillingRepository) MarkPosted(ctx context.Context, q Querier, id uuid.UUID, payerWalletID *uuid.UUID) error {
	_, err := q.ExecContext(ctx,
		`UPDATE billing_ledger
		SET status = 'posted', posted_at = now(), payer_wallet_id = COALESCE($1, payer_wallet_id)
		WHERE id = $2 AND status = 'pending'`,
		payerWalletID, id,
	)
	if err != nil {
		return fmt.Errorf("MarkPosted: %w", err)
	}
	return nil
}

func (r *BillingRepository) ListByTransaction(ctx context.Context, txType domain.TransactionType, txID string) ([]domain.BillingEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+billingColumns+` FROM billing_ledger
		WHERE transaction_type = $1 AND transaction_id = $2 ORDER BY created_at, ref`,
		txType, txID,
	)
	if err != nil {
		return nil, fmt.Errorf("ListByTransaction: %w", err)
	}
	defer rows.Close()

	entries, err := collectBillingEntries(rows)
	if err != nil {
		return nil, fmt.Errorf("ListByTransaction: %w", err)
	}
	return entries, nil
}

func collectBillingEntries(rows *sql.Rows) ([]domain.BillingEntry, error) {
	var entries []domain.BillingEntry
	for rows.Next() {
		var e domain.BillingEntry
		err := rows.Scan(
			&e.ID, &e.Ref, &e.TransactionType, &e.TransactionID, &e.FeeCode, &e.Amount, &e.Currency,
			&e.Payer, &e.PayerWalletID, &e.Direction, &e.Status, &e.CreatedAt, &e.PostedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return entries, nil
}
