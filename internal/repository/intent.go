package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/josh-kwaku/wallet-settlement/internal/domain"
)

const intentColumns = `id, customer_id, merchant_id, order_id, amount_due, currency, status,
	funding_plan, autopilot, created_at, updated_at, settled_at, failed_at`

type IntentRepository struct {
	db *sql.DB
}

func NewIntentRepository(db *sql.DB) *IntentRepository {
	return &IntentRepository{db: db}
}

func (r *IntentRepository) Create(ctx context.Context, tx *sql.Tx, pi *domain.PaymentIntent) error {
	plan, err := json.Marshal(pi.FundingPlan)
	if err != nil {
		return fmt.Errorf("Create: funding plan: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO payment_intents (`+intentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		pi.ID, pi.CustomerID, pi.MerchantID, pi.OrderID, pi.AmountDue, pi.Currency, pi.Status,
		plan, pi.Autopilot, pi.CreatedAt, pi.UpdatedAt, pi.SettledAt, pi.FailedAt,
	)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

func (r *IntentRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.PaymentIntent, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+intentColumns+` FROM payment_intents WHERE id = $1`, id,
	)
	pi, err := scanIntent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByID: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByID: %w", err)
	}
	return pi, nil
}

func (r *IntentRepository) GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.PaymentIntent, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+intentColumns+` FROM payment_intents WHERE id = $1 FOR UPDATE`, id,
	)
	pi, err := scanIntent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetForUpdate: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetForUpdate: %w", err)
	}
	return pi, nil
}

// MarkTerminal moves a pending intent to SETTLED or FAILED. It reports false when the
// intent had already left PENDING.
func (r *IntentRepository) MarkTerminal(ctx context.Context, q Querier, id uuid.UUID, status domain.IntentStatus, at time.Time) (bool, error) {
	var settledAt, failedAt *time.Time
	switch status {
	case domain.IntentStatusSettled:
		settledAt = &at
	case domain.IntentStatusFailed:
		failedAt = &at
	default:
		return false, fmt.Errorf("MarkTerminal: %w", domain.ErrInvalidStatus)
	}

	res, err := q.ExecContext(ctx,
		`UPDATE payment_intents
		SET status = $1, settled_at = COALESCE($2, settled_at), failed_at = COALESCE($3, failed_at), updated_at = $4
		WHERE id = $5 AND status = 'PENDING'`,
		status, settledAt, failedAt, at, id,
	)
	if err != nil {
		return false, fmt.Errorf("MarkTerminal: %w", err)
	}
	rows, err := rowsAffected(res)
	if err != nil {
		return false, fmt.Errorf("MarkTerminal: %w", err)
	}
	return rows == 1, nil
}

// ListPending returns pending intents older than the cutoff, oldest first.
func (r *IntentRepository) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]domain.PaymentIntent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+intentColumns+` FROM payment_intents
		WHERE status = 'PENDING' AND created_at < $1 ORDER BY created_at LIMIT $2`,
		olderThan, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ListPending: %w", err)
	}
	defer rows.Close()

	var intents []domain.PaymentIntent
	for rows.Next() {
		pi, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("ListPending: scan: %w", err)
		}
		intents = append(intents, *pi)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListPending: rows: %w", err)
	}
	return intents, nil
}

func scanIntent(s scanner) (*domain.PaymentIntent, error) {
	var (
		pi   domain.PaymentIntent
		plan []byte
	)
	err := s.Scan(
		&pi.ID, &pi.CustomerID, &pi.MerchantID, &pi.OrderID, &pi.AmountDue, &pi.Currency, &pi.Status,
		&plan, &pi.Autopilot, &pi.CreatedAt, &pi.UpdatedAt, &pi.SettledAt, &pi.FailedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(plan, &pi.FundingPlan); err != nil {
		return nil, fmt.Errorf("funding plan: %w", err)
	}
	return &pi, nil
}
