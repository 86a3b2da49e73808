package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/josh-kwaku/wallet-settlement/internal/domain"
	"github.com/lib/pq"
)

const ledgerColumns = `id, wallet_id, counterparty_wallet_id, entry_type, amount, currency,
	status, ref, external_ref, narration, metadata, balance_after, created_at, posted_at`

type LedgerRepository struct {
	db *sql.DB
}

func NewLedgerRepository(db *sql.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// Insert writes entry unless its ref already exists. It reports whether a row was written.
func (r *LedgerRepository) Insert(ctx context.Context, tx *sql.Tx, entry *domain.LedgerEntry) (bool, error) {
	meta, err := json.Marshal(entry.Metadata)
	if err != nil {
		return false, fmt.Errorf("Insert: metadata: %w", err)
	}

	var id uuid.UUID
	err = tx.QueryRowContext(ctx,
		`INSERT INTO ledger_entries (
			id, wallet_id, counterparty_wallet_id, entry_type, amount, currency,
			status, ref, external_ref, narration, metadata, balance_after, created_at, posted_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (ref) DO NOTHING
		RETURNING id`,
		entry.ID, entry.WalletID, entry.CounterpartyWalletID, entry.EntryType, entry.Amount, entry.Currency,
		entry.Status, entry.Ref, entry.ExternalRef, entry.Narration, meta, entry.BalanceAfter,
		entry.CreatedAt, entry.PostedAt,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("Insert: %w", err)
	}
	return true, nil
}

// GetByRefs returns the already-posted entries among refs, keyed by ref.
func (r *LedgerRepository) GetByRefs(ctx context.Context, q Querier, refs []string) (map[string]domain.LedgerEntry, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries WHERE ref = ANY($1)`, pq.Array(refs),
	)
	if err != nil {
		return nil, fmt.Errorf("GetByRefs: %w", err)
	}
	defer rows.Close()

	found := make(map[string]domain.LedgerEntry, len(refs))
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("GetByRefs: scan: %w", err)
		}
		found[e.Ref] = *e
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("GetByRefs: rows: %w", err)
	}
	return found, nil
}

func (r *LedgerRepository) ListByWallet(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]domain.LedgerEntry, int, error) {
	var total int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_entries WHERE wallet_id = $1`, walletID,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("ListByWallet: count: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries
		WHERE wallet_id = $1 ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`,
		walletID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("ListByWallet: %w", err)
	}
	defer rows.Close()

	entries, err := collectLedgerEntries(rows)
	if err != nil {
		return nil, 0, fmt.Errorf("ListByWallet: %w", err)
	}
	return entries, total, nil
}

func collectLedgerEntries(rows *sql.Rows) ([]domain.LedgerEntry, error) {
	var entries []domain.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return entries, nil
}

func scanLedgerEntry(s scanner) (*domain.LedgerEntry, error) {
	var (
		e    domain.LedgerEntry
		meta []byte
	)
	err := s.Scan(
		&e.ID, &e.WalletID, &e.CounterpartyWalletID, &e.EntryType, &e.Amount, &e.Currency,
		&e.Status, &e.Ref, &e.ExternalRef, &e.Narration, &meta, &e.BalanceAfter,
		&e.CreatedAt, &e.PostedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return nil, fmt.Errorf("metadata: %w", err)
		}
	}
	return &e, nil
}
