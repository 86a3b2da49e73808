package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/josh-kwaku/wallet-settlement/internal/domain"
	"github.com/shopspring/decimal"
)

const feeColumns = `code, name, applies_to, kind, flat, rate, tiers, min_amount, max_amount,
	payer, currency, active`

type FeeRepository struct {
	db *sql.DB
}

func NewFeeRepository(db *sql.DB) *FeeRepository {
	return &FeeRepository{db: db}
}

func (r *FeeRepository) ListActive(ctx context.Context, category domain.FeeCategory) ([]domain.FeeRule, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+feeColumns+` FROM fee_catalog WHERE applies_to = $1 AND active ORDER BY code`, category,
	)
	if err != nil {
		return nil, fmt.Errorf("ListActive: %w", err)
	}
	defer rows.Close()

	var rules []domain.FeeRule
	for rows.Next() {
		rule, err := scanFeeRule(rows)
		if err != nil {
			return nil, fmt.Errorf("ListActive: scan: %w", err)
		}
		rules = append(rules, *rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListActive: rows: %w", err)
	}
	return rules, nil
}

func (r *FeeRepository) Upsert(ctx context.Context, rule *domain.FeeRule) error {
	tiers, err := json.Marshal(rule.Tiers)
	if err != nil {
		return fmt.Errorf("Upsert: tiers: %w", err)
	}
	if rule.Tiers == nil {
		tiers = []byte(`[]`)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO fee_catalog (`+feeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (code) DO UPDATE SET
			name = EXCLUDED.name, applies_to = EXCLUDED.applies_to, kind = EXCLUDED.kind,
			flat = EXCLUDED.flat, rate = EXCLUDED.rate, tiers = EXCLUDED.tiers,
			min_amount = EXCLUDED.min_amount, max_amount = EXCLUDED.max_amount,
			payer = EXCLUDED.payer, currency = EXCLUDED.currency, active = EXCLUDED.active,
			updated_at = now()`,
		rule.Code, rule.Name, rule.AppliesTo, rule.Kind, rule.Flat, rule.Rate, tiers,
		rule.Min, rule.Max, rule.Payer, rule.Currency, rule.Active,
	)
	if err != nil {
		return fmt.Errorf("Upsert: %w", err)
	}
	return nil
}

func (r *FeeRepository) ListOverrides(ctx context.Context, merchantID uuid.UUID) (map[string]domain.FeeOverride, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT merchant_id, fee_code, flat, rate FROM merchant_fee_profiles
		WHERE merchant_id = $1 AND active`, merchantID,
	)
	if err != nil {
		return nil, fmt.Errorf("ListOverrides: %w", err)
	}
	defer rows.Close()

	overrides := make(map[string]domain.FeeOverride)
	for rows.Next() {
		var (
			o    domain.FeeOverride
			rate decimal.NullDecimal
		)
		if err := rows.Scan(&o.MerchantID, &o.FeeCode, &o.Flat, &rate); err != nil {
			return nil, fmt.Errorf("ListOverrides: scan: %w", err)
		}
		if rate.Valid {
			o.Rate = &rate.Decimal
		}
		overrides[o.FeeCode] = o
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListOverrides: rows: %w", err)
	}
	return overrides, nil
}

func scanFeeRule(s scanner) (*domain.FeeRule, error) {
	var (
		rule  domain.FeeRule
		tiers []byte
	)
	err := s.Scan(
		&rule.Code, &rule.Name, &rule.AppliesTo, &rule.Kind, &rule.Flat, &rule.Rate, &tiers,
		&rule.Min, &rule.Max, &rule.Payer, &rule.Currency, &rule.Active,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(tiers, &rule.Tiers); err != nil {
		return nil, fmt.Errorf("tiers: %w", err)
	}
	return &rule, nil
}
