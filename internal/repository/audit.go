package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/josh-kwaku/wallet-settlement/internal/domain"
)

type AuditRepository struct {
	db *sql.DB
}

func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Insert is keyed by the entry id so a redelivered audit job writes once.
func (r *AuditRepository) Insert(ctx context.Context, e *domain.AuditEntry) error {
	details := []byte(e.Details)
	if len(details) == 0 {
		details = []byte(`{}`)
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, action, subject, actor, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, e.Action, e.Subject, e.Actor, details, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("Insert: %w", err)
	}
	return nil
}

func (r *AuditRepository) ListBySubject(ctx context.Context, subject string, limit int) ([]domain.AuditEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, action, subject, actor, details, created_at FROM audit_log
		WHERE subject = $1 ORDER BY created_at DESC LIMIT $2`, subject, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ListBySubject: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var (
			e       domain.AuditEntry
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.Subject, &e.Actor, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("ListBySubject: scan: %w", err)
		}
		e.Details = details
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListBySubject: rows: %w", err)
	}
	return entries, nil
}
