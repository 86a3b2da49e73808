package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/josh-kwaku/wallet-settlement/internal/domain"
)

const escrowColumns = `id, order_id, hold_amount, currency, status, escrow_wallet_id,
	customer_wallet_id, release_condition, created_at, updated_at, released_at, cancelled_at`

type EscrowRepository struct {
	db *sql.DB
}

func NewEscrowRepository(db *sql.DB) *EscrowRepository {
	return &EscrowRepository{db: db}
}

func (r *EscrowRepository) GetByOrderID(ctx context.Context, orderID uuid.UUID) (*domain.EscrowHold, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrow_holds WHERE order_id = $1`, orderID,
	)
	h, err := scanEscrowHold(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByOrderID: %w", domain.ErrEscrowMissing)
		}
		return nil, fmt.Errorf("GetByOrderID: %w", err)
	}
	return h, nil
}

func (r *EscrowRepository) GetByOrderForUpdate(ctx context.Context, tx *sql.Tx, orderID uuid.UUID) (*domain.EscrowHold, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrow_holds WHERE order_id = $1 FOR UPDATE`, orderID,
	)
	h, err := scanEscrowHold(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByOrderForUpdate: %w", domain.ErrEscrowMissing)
		}
		return nil, fmt.Errorf("GetByOrderForUpdate: %w", err)
	}
	return h, nil
}

// Upsert creates the hold for an order or, when it already exists and is still funded,
// sets its amount. The order's hold row is unique by order_id.
func (r *EscrowRepository) Upsert(ctx context.Context, tx *sql.Tx, hold *domain.EscrowHold) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO escrow_holds (
			id, order_id, hold_amount, currency, status, escrow_wallet_id,
			customer_wallet_id, release_condition, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (order_id) DO UPDATE
			SET hold_amount = EXCLUDED.hold_amount, updated_at = EXCLUDED.updated_at
			WHERE escrow_holds.status = 'funded'`,
		hold.ID, hold.OrderID, hold.HoldAmount, hold.Currency, hold.Status,
		hold.EscrowWalletID, hold.CustomerWalletID, hold.ReleaseCondition, hold.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("Upsert: %w", err)
	}
	return nil
}

func (r *EscrowRepository) AddAmount(ctx context.Context, tx *sql.Tx, id uuid.UUID, delta int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE escrow_holds SET hold_amount = hold_amount + $1, updated_at = now()
		WHERE id = $2 AND status = 'funded'`, delta, id,
	)
	if err != nil {
		return fmt.Errorf("AddAmount: %w", err)
	}
	return nil
}

// Transition moves a funded hold to a terminal status. It reports false when the hold
// was no longer funded.
func (r *EscrowRepository) Transition(ctx context.Context, tx *sql.Tx, id uuid.UUID, to domain.EscrowStatus, at time.Time) (bool, error) {
	var releasedAt, cancelledAt *time.Time
	switch to {
	case domain.EscrowStatusReleased:
		releasedAt = &at
	case domain.EscrowStatusCancelled:
		cancelledAt = &at
	default:
		return false, fmt.Errorf("Transition: %w", domain.ErrInvalidStatus)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE escrow_holds
		SET status = $1, released_at = $2, cancelled_at = $3, updated_at = $4
		WHERE id = $5 AND status = 'funded'`,
		to, releasedAt, cancelledAt, at, id,
	)
	if err != nil {
		return false, fmt.Errorf("Transition: %w", err)
	}
	rows, err := rowsAffected(res)
	if err != nil {
		return false, fmt.Errorf("Transition: %w", err)
	}
	return rows == 1, nil
}

func scanEscrowHold(s scanner) (*domain.EscrowHold, error) {
	var h domain.EscrowHold
	err := s.Scan(
		&h.ID, &h.OrderID, &h.HoldAmount, &h.Currency, &h.Status, &h.EscrowWalletID,
		&h.CustomerWalletID, &h.ReleaseCondition, &h.CreatedAt, &h.UpdatedAt,
		&h.ReleasedAt, &h.CancelledAt,
	)
	if err != nil {
		return nil, err
	}
	return &h, nil
}
