package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/josh-kwaku/wallet-settlement/internal/domain"
)

const walletTxColumns = `id, user_id, wallet_id, intent_id, type, amount, currency, status,
	ledger_ref, refund_of, created_at`

type WalletTransactionRepository struct {
	db *sql.DB
}

func NewWalletTransactionRepository(db *sql.DB) *WalletTransactionRepository {
	return &WalletTransactionRepository{db: db}
}

// Create records t unless a row with the same ledger ref already exists. It reports whether
// a row was written.
func (r *WalletTransactionRepository) Create(ctx context.Context, q Querier, t *domain.WalletTransaction) (bool, error) {
	res, err := q.ExecContext(ctx,
		`INSERT INTO wallet_transactions (`+walletTxColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT DO NOTHING`,
		t.ID, t.UserID, t.WalletID, t.IntentID, t.Type, t.Amount, t.Currency, t.Status,
		t.LedgerRef, t.RefundOf, t.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("Create: %w", err)
	}
	rows, err := rowsAffected(res)
	if err != nil {
		return false, fmt.Errorf("Create: %w", err)
	}
	return rows == 1, nil
}

// ListUnrefundedDebits returns successful wallet debits of an intent that have no refund yet.
func (r *WalletTransactionRepository) ListUnrefundedDebits(ctx context.Context, intentID uuid.UUID) ([]domain.WalletTransaction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+walletTxColumns+` FROM wallet_transactions d
		WHERE d.intent_id = $1 AND d.type = 'DEBIT' AND d.status = 'SUCCESS'
			AND NOT EXISTS (
				SELECT 1 FROM wallet_transactions rf WHERE rf.refund_of = d.id AND rf.status = 'SUCCESS'
			)
		ORDER BY d.created_at`, intentID,
	)
	if err != nil {
		return nil, fmt.Errorf("ListUnrefundedDebits: %w", err)
	}
	defer rows.Close()

	txs, err := collectWalletTransactions(rows)
	if err != nil {
		return nil, fmt.Errorf("ListUnrefundedDebits: %w", err)
	}
	return txs, nil
}

func (r *WalletTransactionRepository) ListByIntent(ctx context.Context, intentID uuid.UUID) ([]domain.WalletTransaction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+walletTxColumns+` FROM wallet_transactions WHERE intent_id = $1 ORDER BY created_at, type`, intentID,
	)
	if err != nil {
		return nil, fmt.Errorf("ListByIntent: %w", err)
	}
	defer rows.Close()

	txs, err := collectWalletTransactions(rows)
	if err != nil {
		return nil, fmt.Errorf("ListByIntent: %w", err)
	}
	return txs, nil
}

func collectWalletTransactions(rows *sql.Rows) ([]domain.WalletTransaction, error) {
	var txs []domain.WalletTransaction
	for rows.Next() {
		var t domain.WalletTransaction
		err := rows.Scan(
			&t.ID, &t.UserID, &t.WalletID, &t.IntentID, &t.Type, &t.Amount, &t.Currency, &t.Status,
			&t.LedgerRef, &t.RefundOf, &t.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return txs, nil
}
