package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/josh-kwaku/wallet-settlement/internal/config"
	"github.com/josh-kwaku/wallet-settlement/internal/domain"
)

const (
	QueuePayments      = "payments"
	QueueWebhooks      = "webhooks"
	QueueNotifications = "notifications"
	QueueCompensation  = "compensation"
)

const (
	JobIntentProcess    = "intent.process"
	JobIntentCompensate = "intent.compensate"
	JobProviderRefund   = "provider.refund"
	JobWebhookAudit     = "webhook.audit"
	JobNotify           = "notification.send"
)

// Queue holds the runtime policy of one logical queue.
type Queue struct {
	Name               string
	Concurrency        int
	Rate               float64
	Attempts           int
	Backoff            time.Duration
	KeepCompleted      time.Duration
	KeepCompletedCount int
	KeepFailed         time.Duration
}

func DefaultQueues(cfg *config.Config) []Queue {
	return []Queue{
		{
			Name:               QueuePayments,
			Concurrency:        cfg.JobsPaymentsConcurrency,
			Rate:               cfg.JobsPaymentsRate,
			Attempts:           3,
			Backoff:            2 * time.Second,
			KeepCompleted:      24 * time.Hour,
			KeepCompletedCount: 1000,
			KeepFailed:         7 * 24 * time.Hour,
		},
		{
			Name:               QueueWebhooks,
			Concurrency:        cfg.JobsWebhooksConcurrency,
			Rate:               cfg.JobsWebhooksRate,
			Attempts:           5,
			Backoff:            3 * time.Second,
			KeepCompleted:      24 * time.Hour,
			KeepCompletedCount: 500,
			KeepFailed:         7 * 24 * time.Hour,
		},
		{
			Name:          QueueNotifications,
			Concurrency:   cfg.JobsNotificationsConcurrency,
			Rate:          cfg.JobsNotificationsRate,
			Attempts:      3,
			Backoff:       2 * time.Second,
			KeepCompleted: 24 * time.Hour,
			KeepFailed:    7 * 24 * time.Hour,
		},
		{
			Name:          QueueCompensation,
			Concurrency:   cfg.JobsCompensationConcurrency,
			Rate:          cfg.JobsCompensationRate,
			Attempts:      8,
			Backoff:       5 * time.Second,
			KeepCompleted: 7 * 24 * time.Hour,
			KeepFailed:    30 * 24 * time.Hour,
		},
	}
}

// Options override a queue's defaults for one job. JobID makes the enqueue idempotent while
// a job with that id is still pending or running.
type Options struct {
	Attempts int
	Backoff  time.Duration
	Priority int
	Delay    time.Duration
	JobID    string
}

type jobStore interface {
	Enqueue(ctx context.Context, job *domain.Job) (*domain.Job, bool, error)
	Claim(ctx context.Context, queue string, limit int) ([]domain.Job, error)
	Complete(ctx context.Context, id uuid.UUID) error
	Retry(ctx context.Context, id uuid.UUID, runAt time.Time, lastError string) error
	Fail(ctx context.Context, id uuid.UUID, lastError string) error
	RecoverStale(ctx context.Context, queue string, lockedBefore time.Time) (int64, error)
	Prune(ctx context.Context, queue string, status domain.JobStatus, finishedBefore time.Time, keep int) (int64, error)
	Counts(ctx context.Context, queue string) (domain.JobCounts, error)
}

// Client enqueues jobs and reports queue counts. It is safe for concurrent use.
type Client struct {
	store  jobStore
	queues map[string]Queue
}

func NewClient(store jobStore, queues []Queue) *Client {
	byName := make(map[string]Queue, len(queues))
	for _, q := range queues {
		byName[q.Name] = q
	}
	return &Client{store: store, queues: byName}
}

// Enqueue stores a job for queue. created is false when opts.JobID matched a job that is
// still pending, in which case that job is returned.
func (c *Client) Enqueue(ctx context.Context, queue, name string, payload any, opts Options) (*domain.Job, bool, error) {
	q, ok := c.queues[queue]
	if !ok {
		return nil, false, fmt.Errorf("Enqueue: unknown queue %q: %w", queue, domain.ErrInvalidRequest)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, false, fmt.Errorf("Enqueue: marshal payload: %w", err)
	}

	now := time.Now().UTC()
	job := &domain.Job{
		ID:          uuid.New(),
		Queue:       queue,
		Name:        name,
		Payload:     raw,
		Status:      domain.JobStatusWaiting,
		Priority:    opts.Priority,
		MaxAttempts: q.Attempts,
		Backoff:     q.Backoff,
		RunAt:       now,
		CreatedAt:   now,
	}
	if opts.JobID != "" {
		job.Key = &opts.JobID
	}
	if opts.Attempts > 0 {
		job.MaxAttempts = opts.Attempts
	}
	if opts.Backoff > 0 {
		job.Backoff = opts.Backoff
	}
	if opts.Delay > 0 {
		job.Status = domain.JobStatusDelayed
		job.RunAt = now.Add(opts.Delay)
	}

	stored, created, err := c.store.Enqueue(ctx, job)
	if err != nil {
		return nil, false, fmt.Errorf("Enqueue: %w", err)
	}
	return stored, created, nil
}

// Counts returns job counts per queue.
func (c *Client) Counts(ctx context.Context) (map[string]domain.JobCounts, error) {
	out := make(map[string]domain.JobCounts, len(c.queues))
	for name := range c.queues {
		counts, err := c.store.Counts(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("Counts: %w", err)
		}
		out[name] = counts
	}
	return out, nil
}
