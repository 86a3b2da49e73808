package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/josh-kwaku/wallet-settlement/internal/domain"
)

const externalPaymentColumns = `id, purpose, intent_id, leg_index, split_member_id, user_id, leg_type,
	action, amount, currency, account, status, order_reference, provider_ref, credit_wallet_id,
	last_error, raw_response, created_at, updated_at`

type ExternalPaymentRepository struct {
	db *sql.DB
}

func NewExternalPaymentRepository(db *sql.DB) *ExternalPaymentRepository {
	return &ExternalPaymentRepository{db: db}
}

// Create inserts p unless a payment with the same order reference exists, in which case
// the existing row is returned. Callers dispatch with the returned row.
func (r *ExternalPaymentRepository) Create(ctx context.Context, q Querier, p *domain.ExternalPayment) (*domain.ExternalPayment, error) {
	raw := nullableJSON(p.RawResponse)
	_, err := q.ExecContext(ctx,
		`INSERT INTO external_payments (`+externalPaymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (order_reference) DO NOTHING`,
		p.ID, p.Purpose, p.IntentID, p.LegIndex, p.SplitMemberID, p.UserID, p.LegType,
		p.Action, p.Amount, p.Currency, p.Account, p.Status, p.OrderReference, p.ProviderRef, p.CreditWalletID,
		p.LastError, raw, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("Create: %w", err)
	}

	row := q.QueryRowContext(ctx,
		`SELECT `+externalPaymentColumns+` FROM external_payments WHERE order_reference = $1`, p.OrderReference,
	)
	stored, err := scanExternalPayment(row)
	if err != nil {
		return nil, fmt.Errorf("Create: reload: %w", err)
	}
	return stored, nil
}

func (r *ExternalPaymentRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.ExternalPayment, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+externalPaymentColumns+` FROM external_payments WHERE id = $1`, id,
	)
	p, err := scanExternalPayment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByID: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByID: %w", err)
	}
	return p, nil
}

// FindByReference resolves a provider callback reference against the provider's own
// reference first, then our order reference.
func (r *ExternalPaymentRepository) FindByReference(ctx context.Context, ref string) (*domain.ExternalPayment, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+externalPaymentColumns+` FROM external_payments
		WHERE provider_ref = $1 OR order_reference = $1
		ORDER BY (provider_ref = $1) DESC NULLS LAST
		LIMIT 1`, ref,
	)
	p, err := scanExternalPayment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("FindByReference: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("FindByReference: %w", err)
	}
	return p, nil
}

func (r *ExternalPaymentRepository) ListByIntent(ctx context.Context, q Querier, intentID uuid.UUID) ([]domain.ExternalPayment, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+externalPaymentColumns+` FROM external_payments
		WHERE intent_id = $1 AND purpose = 'intent_leg' ORDER BY leg_index`, intentID,
	)
	if err != nil {
		return nil, fmt.Errorf("ListByIntent: %w", err)
	}
	defer rows.Close()

	var payments []domain.ExternalPayment
	for rows.Next() {
		p, err := scanExternalPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("ListByIntent: scan: %w", err)
		}
		payments = append(payments, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListByIntent: rows: %w", err)
	}
	return payments, nil
}

// RecordDispatch stores what the provider answered for a payment still pending. A known
// provider ref is never overwritten with an empty one.
func (r *ExternalPaymentRepository) RecordDispatch(ctx context.Context, id uuid.UUID, providerRef *string, raw json.RawMessage, lastError *string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE external_payments
		SET provider_ref = COALESCE($1, provider_ref), raw_response = COALESCE($2, raw_response),
			last_error = $3, updated_at = now()
		WHERE id = $4`,
		providerRef, nullableJSON(raw), lastError, id,
	)
	if err != nil {
		return fmt.Errorf("RecordDispatch: %w", err)
	}
	return nil
}

// SetStatus moves a pending payment to status. Terminal payments are never regressed; the
// return value reports whether the row changed.
func (r *ExternalPaymentRepository) SetStatus(ctx context.Context, q Querier, id uuid.UUID, status domain.PaymentStatus, providerRef, lastError *string) (bool, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE external_payments
		SET status = $1, provider_ref = COALESCE($2, provider_ref), last_error = COALESCE($3, last_error),
			updated_at = now()
		WHERE id = $4 AND status = 'PENDING'`,
		status, providerRef, lastError, id,
	)
	if err != nil {
		return false, fmt.Errorf("SetStatus: %w", err)
	}
	rows, err := rowsAffected(res)
	if err != nil {
		return false, fmt.Errorf("SetStatus: %w", err)
	}
	return rows == 1, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func scanExternalPayment(s scanner) (*domain.ExternalPayment, error) {
	var (
		p   domain.ExternalPayment
		raw []byte
	)
	err := s.Scan(
		&p.ID, &p.Purpose, &p.IntentID, &p.LegIndex, &p.SplitMemberID, &p.UserID, &p.LegType,
		&p.Action, &p.Amount, &p.Currency, &p.Account, &p.Status, &p.OrderReference, &p.ProviderRef, &p.CreditWalletID,
		&p.LastError, &raw, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		p.RawResponse = json.RawMessage(raw)
	}
	return &p, nil
}
