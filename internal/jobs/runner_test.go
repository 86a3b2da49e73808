package jobs_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josh-kwaku/wallet-settlement/internal/domain"
	"github.com/josh-kwaku/wallet-settlement/internal/jobs"
	"github.com/josh-kwaku/wallet-settlement/internal/logging"
	"github.com/josh-kwaku/wallet-settlement/internal/repository"
	"github.com/josh-kwaku/wallet-settlement/internal/testutil"
)

var testQueues = []jobs.Queue{
	{Name: jobs.QueuePayments, Concurrency: 2, Rate: 100, Attempts: 3, Backoff: time.Millisecond, KeepCompleted: time.Hour, KeepFailed: time.Hour},
	{Name: jobs.QueueCompensation, Concurrency: 1, Rate: 10, Attempts: 2, Backoff: time.Millisecond, KeepCompleted: time.Hour, KeepFailed: time.Hour},
}

type payload struct {
	IntentID string `json:"intent_id"`
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, jobs.RetryDelay(2*time.Second, tt.attempts))
	}
}

func TestClient_EnqueueIsIdempotentByJobID(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewJobRepository(db)
	client := jobs.NewClient(repo, testQueues)
	runner := jobs.NewRunner(repo, testQueues, time.Millisecond, logging.Discard())
	runner.Handle(jobs.QueuePayments, jobs.JobIntentProcess, func(context.Context, *domain.Job) error { return nil })
	ctx := context.Background()

	first, created, err := client.Enqueue(ctx, jobs.QueuePayments, jobs.JobIntentProcess, payload{IntentID: "a"}, jobs.Options{JobID: "payment-a"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 3, first.MaxAttempts)

	second, created, err := client.Enqueue(ctx, jobs.QueuePayments, jobs.JobIntentProcess, payload{IntentID: "a"}, jobs.Options{JobID: "payment-a"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	n, err := runner.RunOnce(ctx, jobs.QueuePayments, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, created, err = client.Enqueue(ctx, jobs.QueuePayments, jobs.JobIntentProcess, payload{IntentID: "a"}, jobs.Options{JobID: "payment-a"})
	require.NoError(t, err)
	assert.True(t, created, "a finished job id can be enqueued again")

	_, _, err = client.Enqueue(ctx, "nope", jobs.JobIntentProcess, nil, jobs.Options{})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestRunner_RetriesThenCompletes(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewJobRepository(db)
	client := jobs.NewClient(repo, testQueues)
	runner := jobs.NewRunner(repo, testQueues, time.Millisecond, logging.Discard())
	ctx := context.Background()

	var calls atomic.Int32
	runner.Handle(jobs.QueuePayments, jobs.JobIntentProcess, func(_ context.Context, job *domain.Job) error {
		var p payload
		require.NoError(t, json.Unmarshal(job.Payload, &p))
		assert.Equal(t, "x", p.IntentID)
		if calls.Add(1) == 1 {
			return errors.New("provider busy")
		}
		return nil
	})

	_, _, err := client.Enqueue(ctx, jobs.QueuePayments, jobs.JobIntentProcess, payload{IntentID: "x"}, jobs.Options{})
	require.NoError(t, err)

	_, err = runner.RunOnce(ctx, jobs.QueuePayments, 10)
	require.NoError(t, err)
	counts, err := client.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[jobs.QueuePayments].Delayed)

	time.Sleep(20 * time.Millisecond)
	_, err = runner.RunOnce(ctx, jobs.QueuePayments, 10)
	require.NoError(t, err)

	counts, err = client.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCounts{Completed: 1}, counts[jobs.QueuePayments])
	assert.Equal(t, int32(2), calls.Load())
}

func TestRunner_FailsPermanentAndExhaustedJobs(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewJobRepository(db)
	client := jobs.NewClient(repo, testQueues)
	runner := jobs.NewRunner(repo, testQueues, time.Millisecond, logging.Discard())
	ctx := context.Background()

	runner.Handle(jobs.QueuePayments, jobs.JobProviderRefund, func(context.Context, *domain.Job) error {
		return jobs.Permanent(errors.New("payment not refundable"))
	})
	runner.Handle(jobs.QueueCompensation, jobs.JobIntentCompensate, func(context.Context, *domain.Job) error {
		return errors.New("still failing")
	})

	_, _, err := client.Enqueue(ctx, jobs.QueuePayments, jobs.JobProviderRefund, nil, jobs.Options{})
	require.NoError(t, err)
	_, _, err = client.Enqueue(ctx, jobs.QueueCompensation, jobs.JobIntentCompensate, nil, jobs.Options{})
	require.NoError(t, err)

	_, err = runner.RunOnce(ctx, jobs.QueuePayments, 10)
	require.NoError(t, err)
	for range 2 {
		time.Sleep(20 * time.Millisecond)
		_, err = runner.RunOnce(ctx, jobs.QueueCompensation, 10)
		require.NoError(t, err)
	}

	counts, err := client.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCounts{Failed: 1}, counts[jobs.QueuePayments])
	assert.Equal(t, domain.JobCounts{Failed: 1}, counts[jobs.QueueCompensation])
}

func TestRunner_UnknownJobFails(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewJobRepository(db)
	client := jobs.NewClient(repo, testQueues)
	runner := jobs.NewRunner(repo, testQueues, time.Millisecond, logging.Discard())
	ctx := context.Background()

	_, _, err := client.Enqueue(ctx, jobs.QueuePayments, "mystery", nil, jobs.Options{})
	require.NoError(t, err)
	_, err = runner.RunOnce(ctx, jobs.QueuePayments, 10)
	require.NoError(t, err)

	counts, err := client.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[jobs.QueuePayments].Failed)
}

func TestRunner_RunDrainsQueues(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewJobRepository(db)
	client := jobs.NewClient(repo, testQueues)
	runner := jobs.NewRunner(repo, testQueues, 5*time.Millisecond, logging.Discard())

	done := make(chan struct{}, 5)
	runner.Handle(jobs.QueuePayments, jobs.JobIntentProcess, func(context.Context, *domain.Job) error {
		done <- struct{}{}
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for range 5 {
		_, _, err := client.Enqueue(ctx, jobs.QueuePayments, jobs.JobIntentProcess, nil, jobs.Options{})
		require.NoError(t, err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- runner.Run(ctx) }()

	for range 5 {
		select {
		case <-done:
		case <-ctx.Done():
			t.Fatal("jobs were not processed in time")
		}
	}
	cancel()
	require.NoError(t, <-errCh)
}
