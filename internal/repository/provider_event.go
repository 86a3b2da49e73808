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

const providerEventColumns = `id, event_id, event_type, provider_ref, raw_status, status,
	processing_status, verified, payload, external_payment_id, attempts, last_error,
	received_at, processed_at`

type ProviderEventRepository struct {
	db *sql.DB
}

func NewProviderEventRepository(db *sql.DB) *ProviderEventRepository {
	return &ProviderEventRepository{db: db}
}

// Create stores a newly received event. A second event with the same event id yields
// domain.ErrConflict.
func (r *ProviderEventRepository) Create(ctx context.Context, e *domain.ProviderEvent) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO provider_events (`+providerEventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		e.ID, e.EventID, e.EventType, e.ProviderRef, e.RawStatus, e.Status,
		e.ProcessingStatus, e.Verified, []byte(e.Payload), e.ExternalPaymentID, e.Attempts, e.LastError,
		e.ReceivedAt, e.ProcessedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("Create: %w", domain.ErrConflict)
		}
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

func (r *ProviderEventRepository) GetByEventID(ctx context.Context, eventID string) (*domain.ProviderEvent, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+providerEventColumns+` FROM provider_events WHERE event_id = $1`, eventID,
	)
	e, err := scanProviderEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByEventID: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByEventID: %w", err)
	}
	return e, nil
}

// ClaimStale locks events still in 'received' that arrived before the cutoff. The caller
// holds the lock for the life of tx so concurrent re-drivers skip them.
func (r *ProviderEventRepository) ClaimStale(ctx context.Context, tx *sql.Tx, receivedBefore time.Time, limit int) ([]domain.ProviderEvent, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+providerEventColumns+` FROM provider_events
		WHERE processing_status = 'received' AND received_at < $1
		ORDER BY received_at LIMIT $2 FOR UPDATE SKIP LOCKED`,
		receivedBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ClaimStale: %w", err)
	}
	defer rows.Close()

	events, err := collectProviderEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("ClaimStale: %w", err)
	}
	return events, nil
}

func (r *ProviderEventRepository) ListRecent(ctx context.Context, limit int) ([]domain.ProviderEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+providerEventColumns+` FROM provider_events ORDER BY received_at DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ListRecent: %w", err)
	}
	defer rows.Close()

	events, err := collectProviderEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("ListRecent: %w", err)
	}
	return events, nil
}

// Finish records the outcome of processing an event.
func (r *ProviderEventRepository) Finish(ctx context.Context, q Querier, id uuid.UUID, status domain.ProviderEventStatus, externalPaymentID *uuid.UUID, lastError *string) error {
	res, err := q.ExecContext(ctx,
		`UPDATE provider_events
		SET processing_status = $1, external_payment_id = COALESCE($2, external_payment_id),
			last_error = $3, attempts = attempts + 1, processed_at = now()
		WHERE id = $4`,
		status, externalPaymentID, lastError, id,
	)
	if err != nil {
		return fmt.Errorf("Finish: %w", err)
	}
	rows, err := rowsAffected(res)
	if err != nil {
		return fmt.Errorf("Finish: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("Finish: %w", domain.ErrNotFound)
	}
	return nil
}

func collectProviderEvents(rows *sql.Rows) ([]domain.ProviderEvent, error) {
	var events []domain.ProviderEvent
	for rows.Next() {
		e, err := scanProviderEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		events = append(events, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return events, nil
}

func scanProviderEvent(s scanner) (*domain.ProviderEvent, error) {
	var (
		e       domain.ProviderEvent
		payload []byte
	)
	err := s.Scan(
		&e.ID, &e.EventID, &e.EventType, &e.ProviderRef, &e.RawStatus, &e.Status,
		&e.ProcessingStatus, &e.Verified, &payload, &e.ExternalPaymentID, &e.Attempts, &e.LastError,
		&e.ReceivedAt, &e.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Payload = payload
	return &e, nil
}
