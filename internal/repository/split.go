package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/josh-kwaku/wallet-settlement/internal/domain"
)

const (
	splitGroupColumns = `id, owner_id, total_amount, currency, split_type, description, created_at, updated_at`

	splitMemberColumns = `id, group_id, position, payee_user_id, payee_account, method, amount,
	status, order_reference, provider_ref, last_error, created_at, updated_at`
)

type SplitRepository struct {
	db *sql.DB
}

func NewSplitRepository(db *sql.DB) *SplitRepository {
	return &SplitRepository{db: db}
}

func (r *SplitRepository) CreateGroup(ctx context.Context, tx *sql.Tx, g *domain.SplitGroup) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO split_groups (`+splitGroupColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		g.ID, g.OwnerID, g.TotalAmount, g.Currency, g.SplitType, g.Description, g.CreatedAt, g.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("CreateGroup: %w", err)
	}

	for _, m := range g.Members {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO split_members (`+splitMemberColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			m.ID, m.GroupID, m.Position, m.PayeeUserID, m.PayeeAccount, m.Method, m.Amount,
			m.Status, m.OrderReference, m.ProviderRef, m.LastError, m.CreatedAt, m.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("CreateGroup: member %d: %w", m.Position, err)
		}
	}
	return nil
}

func (r *SplitRepository) GetGroup(ctx context.Context, id uuid.UUID) (*domain.SplitGroup, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+splitGroupColumns+` FROM split_groups WHERE id = $1`, id,
	)
	var g domain.SplitGroup
	err := row.Scan(&g.ID, &g.OwnerID, &g.TotalAmount, &g.Currency, &g.SplitType,
		&g.Description, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetGroup: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetGroup: %w", err)
	}

	members, err := r.listMembers(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("GetGroup: %w", err)
	}
	g.Members = members
	return &g, nil
}

func (r *SplitRepository) GetMember(ctx context.Context, id uuid.UUID) (*domain.SplitMember, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+splitMemberColumns+` FROM split_members WHERE id = $1`, id,
	)
	m, err := scanSplitMember(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetMember: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetMember: %w", err)
	}
	return m, nil
}

func (r *SplitRepository) listMembers(ctx context.Context, groupID uuid.UUID) ([]domain.SplitMember, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+splitMemberColumns+` FROM split_members WHERE group_id = $1 ORDER BY position`, groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("listMembers: %w", err)
	}
	defer rows.Close()

	var members []domain.SplitMember
	for rows.Next() {
		m, err := scanSplitMember(rows)
		if err != nil {
			return nil, fmt.Errorf("listMembers: scan: %w", err)
		}
		members = append(members, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listMembers: rows: %w", err)
	}
	return members, nil
}

// UpdateMemberStatus moves a pending member forward. Terminal members are never rewritten;
// the return value reports whether the row changed.
func (r *SplitRepository) UpdateMemberStatus(ctx context.Context, q Querier, id uuid.UUID, status domain.LegStatus, providerRef, lastError *string) (bool, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE split_members
		SET status = $1, provider_ref = COALESCE($2, provider_ref), last_error = $3, updated_at = now()
		WHERE id = $4 AND status = 'pending'`,
		status, providerRef, lastError, id,
	)
	if err != nil {
		return false, fmt.Errorf("UpdateMemberStatus: %w", err)
	}
	rows, err := rowsAffected(res)
	if err != nil {
		return false, fmt.Errorf("UpdateMemberStatus: %w", err)
	}
	return rows == 1, nil
}

func scanSplitMember(s scanner) (*domain.SplitMember, error) {
	var m domain.SplitMember
	err := s.Scan(
		&m.ID, &m.GroupID, &m.Position, &m.PayeeUserID, &m.PayeeAccount, &m.Method, &m.Amount,
		&m.Status, &m.OrderReference, &m.ProviderRef, &m.LastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}
