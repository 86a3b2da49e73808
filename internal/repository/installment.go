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

const installmentColumns = `id, order_id, mode, schedule, total_amount, paid_amount, currency,
	status, created_at, updated_at, completed_at`

type InstallmentRepository struct {
	db *sql.DB
}

func NewInstallmentRepository(db *sql.DB) *InstallmentRepository {
	return &InstallmentRepository{db: db}
}

func (r *InstallmentRepository) Create(ctx context.Context, tx *sql.Tx, plan *domain.InstallmentPlan) error {
	schedule, err := json.Marshal(plan.Schedule)
	if err != nil {
		return fmt.Errorf("Create: schedule: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO installment_plans (`+installmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		plan.ID, plan.OrderID, plan.Mode, schedule, plan.TotalAmount, plan.PaidAmount, plan.Currency,
		plan.Status, plan.CreatedAt, plan.UpdatedAt, plan.CompletedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("Create: %w", domain.ErrConflict)
		}
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

func (r *InstallmentRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.InstallmentPlan, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+installmentColumns+` FROM installment_plans WHERE id = $1`, id,
	)
	p, err := scanInstallmentPlan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByID: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByID: %w", err)
	}
	return p, nil
}

func (r *InstallmentRepository) GetByOrderID(ctx context.Context, orderID uuid.UUID) (*domain.InstallmentPlan, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+installmentColumns+` FROM installment_plans WHERE order_id = $1`, orderID,
	)
	p, err := scanInstallmentPlan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByOrderID: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByOrderID: %w", err)
	}
	return p, nil
}

func (r *InstallmentRepository) GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.InstallmentPlan, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+installmentColumns+` FROM installment_plans WHERE id = $1 FOR UPDATE`, id,
	)
	p, err := scanInstallmentPlan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetForUpdate: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetForUpdate: %w", err)
	}
	return p, nil
}

// Update persists the mutable progress fields of a plan locked by the caller.
func (r *InstallmentRepository) Update(ctx context.Context, tx *sql.Tx, plan *domain.InstallmentPlan) error {
	schedule, err := json.Marshal(plan.Schedule)
	if err != nil {
		return fmt.Errorf("Update: schedule: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE installment_plans
		SET schedule = $1, paid_amount = $2, status = $3, completed_at = $4, updated_at = $5
		WHERE id = $6`,
		schedule, plan.PaidAmount, plan.Status, plan.CompletedAt, plan.UpdatedAt, plan.ID,
	)
	if err != nil {
		return fmt.Errorf("Update: %w", err)
	}
	return nil
}

func scanInstallmentPlan(s scanner) (*domain.InstallmentPlan, error) {
	var (
		p        domain.InstallmentPlan
		schedule []byte
	)
	err := s.Scan(
		&p.ID, &p.OrderID, &p.Mode, &schedule, &p.TotalAmount, &p.PaidAmount, &p.Currency,
		&p.Status, &p.CreatedAt, &p.UpdatedAt, &p.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(schedule, &p.Schedule); err != nil {
		return nil, fmt.Errorf("schedule: %w", err)
	}
	return &p, nil
}
