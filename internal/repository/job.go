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

const jobColumns = `id, queue, name, job_key, payload, status, priority, attempts, max_attempts,
	backoff_ms, run_at, last_error, locked_at, created_at, finished_at`

type JobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Enqueue stores job. A job whose key is already waiting, delayed or active is left alone
// and returned with created=false; a finished job with the same key is re-armed.
func (r *JobRepository) Enqueue(ctx context.Context, job *domain.Job) (*domain.Job, bool, error) {
	row := r.db.QueryRowContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (queue, job_key) WHERE job_key IS NOT NULL DO UPDATE SET
			payload = EXCLUDED.payload, status = EXCLUDED.status, priority = EXCLUDED.priority,
			attempts = 0, max_attempts = EXCLUDED.max_attempts, backoff_ms = EXCLUDED.backoff_ms,
			run_at = EXCLUDED.run_at, last_error = NULL, locked_at = NULL, finished_at = NULL
			WHERE jobs.status IN ('completed', 'failed')
		RETURNING `+jobColumns,
		job.ID, job.Queue, job.Name, job.Key, []byte(job.Payload), job.Status, job.Priority,
		job.Attempts, job.MaxAttempts, job.Backoff.Milliseconds(), job.RunAt, job.LastError,
		job.LockedAt, job.CreatedAt, job.FinishedAt,
	)
	stored, err := scanJob(row)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("Enqueue: %w", err)
	}

	row = r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE queue = $1 AND job_key = $2`, job.Queue, job.Key,
	)
	existing, err := scanJob(row)
	if err != nil {
		return nil, false, fmt.Errorf("Enqueue: existing: %w", err)
	}
	return existing, false, nil
}

// Claim marks up to limit runnable jobs of queue active and returns them. Rows locked by
// another worker are skipped.
func (r *JobRepository) Claim(ctx context.Context, queue string, limit int) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx,
		`UPDATE jobs SET status = 'active', locked_at = now(), attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM jobs
			WHERE queue = $1 AND status IN ('waiting', 'delayed') AND run_at <= now()
			ORDER BY priority DESC, run_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		queue, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("Claim: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("Claim: scan: %w", err)
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Claim: rows: %w", err)
	}
	return jobs, nil
}

func (r *JobRepository) Complete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'completed', locked_at = NULL, last_error = NULL, finished_at = now()
		WHERE id = $1`, id,
	)
	if err != nil {
		return fmt.Errorf("Complete: %w", err)
	}
	return nil
}

func (r *JobRepository) Retry(ctx context.Context, id uuid.UUID, runAt time.Time, lastError string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'delayed', locked_at = NULL, last_error = $1, run_at = $2
		WHERE id = $3`, lastError, runAt, id,
	)
	if err != nil {
		return fmt.Errorf("Retry: %w", err)
	}
	return nil
}

func (r *JobRepository) Fail(ctx context.Context, id uuid.UUID, lastError string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'failed', locked_at = NULL, last_error = $1, finished_at = now()
		WHERE id = $2`, lastError, id,
	)
	if err != nil {
		return fmt.Errorf("Fail: %w", err)
	}
	return nil
}

// RecoverStale returns active jobs locked before the cutoff to the waiting state. These are
// jobs whose worker died mid-run.
func (r *JobRepository) RecoverStale(ctx context.Context, queue string, lockedBefore time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'waiting', locked_at = NULL
		WHERE queue = $1 AND status = 'active' AND locked_at < $2`, queue, lockedBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("RecoverStale: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return 0, fmt.Errorf("RecoverStale: %w", err)
	}
	return n, nil
}

// Prune deletes finished jobs in status that finished before the cutoff, and any beyond the
// newest keep rows when keep > 0.
func (r *JobRepository) Prune(ctx context.Context, queue string, status domain.JobStatus, finishedBefore time.Time, keep int) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM jobs
		WHERE queue = $1 AND status = $2 AND (
			finished_at < $3
			OR ($4 > 0 AND id IN (
				SELECT id FROM jobs WHERE queue = $1 AND status = $2
				ORDER BY finished_at DESC OFFSET $4
			))
		)`,
		queue, status, finishedBefore, keep,
	)
	if err != nil {
		return 0, fmt.Errorf("Prune: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return 0, fmt.Errorf("Prune: %w", err)
	}
	return n, nil
}

func (r *JobRepository) Counts(ctx context.Context, queue string) (domain.JobCounts, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM jobs WHERE queue = $1 GROUP BY status`, queue,
	)
	if err != nil {
		return domain.JobCounts{}, fmt.Errorf("Counts: %w", err)
	}
	defer rows.Close()

	var c domain.JobCounts
	for rows.Next() {
		var (
			status domain.JobStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return domain.JobCounts{}, fmt.Errorf("Counts: scan: %w", err)
		}
		switch status {
		case domain.JobStatusWaiting:
			c.Waiting = n
		case domain.JobStatusDelayed:
			c.Delayed = n
		case domain.JobStatusActive:
			c.Active = n
		case domain.JobStatusCompleted:
			c.Completed = n
		case domain.JobStatusFailed:
			c.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return domain.JobCounts{}, fmt.Errorf("Counts: rows: %w", err)
	}
	return c, nil
}

func scanJob(s scanner) (*domain.Job, error) {
	var (
		j         domain.Job
		payload   []byte
		backoffMs int64
	)
	err := s.Scan(
		&j.ID, &j.Queue, &j.Name, &j.Key, &payload, &j.Status, &j.Priority, &j.Attempts, &j.MaxAttempts,
		&backoffMs, &j.RunAt, &j.LastError, &j.LockedAt, &j.CreatedAt, &j.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Payload = payload
	j.Backoff = time.Duration(backoffMs) * time.Millisecond
	return &j, nil
}
