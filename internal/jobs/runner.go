package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/josh-kwaku/wallet-settlement/internal/domain"
	"github.com/josh-kwaku/wallet-settlement/internal/logging"
	"github.com/josh-kwaku/wallet-settlement/internal/metrics"
)

// Handler processes one job. Handlers must be idempotent: a job is delivered at least once.
// Returning an error retries the job until its attempts run out; wrap the error with
// Permanent to fail it right away.
type Handler func(ctx context.Context, job *domain.Job) error

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

const (
	housekeepingInterval = time.Minute
	staleAfter           = 5 * time.Minute
)

// Runner polls every queue and runs claimed jobs on a bounded worker pool, throttled by a
// per-queue token bucket.
type Runner struct {
	store        jobStore
	queues       []Queue
	handlers     map[string]Handler
	pollInterval time.Duration
	logger       *slog.Logger
}

func NewRunner(store jobStore, queues []Queue, pollInterval time.Duration, logger *slog.Logger) *Runner {
	return &Runner{
		store:        store,
		queues:       queues,
		handlers:     make(map[string]Handler),
		pollInterval: pollInterval,
		logger:       logger,
	}
}

// Handle registers h for jobs called name on queue. It must be called before Run.
func (r *Runner) Handle(queue, name string, h Handler) {
	r.handlers[queue+"/"+name] = h
}

// Run blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, q := range r.queues {
		w := r.newWorker(q)
		g.Go(func() error {
			w.poll(ctx)
			return nil
		})
	}
	g.Go(func() error {
		r.housekeep(ctx)
		return nil
	})
	r.logger.Info("job runner started", "queues", len(r.queues), "poll_interval", r.pollInterval)
	err := g.Wait()
	r.logger.Info("job runner stopped")
	return err
}

type worker struct {
	runner  *Runner
	queue   Queue
	limiter *rate.Limiter
	slots   chan struct{}
	wg      sync.WaitGroup
	logger  *slog.Logger
}

func (r *Runner) newWorker(q Queue) *worker {
	concurrency := max(q.Concurrency, 1)
	limit := rate.Inf
	burst := concurrency
	if q.Rate > 0 {
		limit = rate.Limit(q.Rate)
		burst = max(int(q.Rate), 1)
	}
	return &worker{
		runner:  r,
		queue:   q,
		limiter: rate.NewLimiter(limit, burst),
		slots:   make(chan struct{}, concurrency),
		logger:  r.logger.With("queue", q.Name),
	}
}

func (w *worker) poll(ctx context.Context) {
	ticker := time.NewTicker(w.runner.pollInterval)
	defer ticker.Stop()
	defer w.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain claims as many jobs as there are free slots and starts them.
func (w *worker) drain(ctx context.Context) {
	free := cap(w.slots) - len(w.slots)
	if free == 0 {
		return
	}
	jobs, err := w.runner.store.Claim(ctx, w.queue.Name, free)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("failed to claim jobs", "error", err)
		}
		return
	}
	for i := range jobs {
		job := jobs[i]
		if err := w.limiter.Wait(ctx); err != nil {
			return
		}
		w.slots <- struct{}{}
		w.wg.Add(1)
		go func() {
			defer func() {
				<-w.slots
				w.wg.Done()
			}()
			w.runner.process(ctx, &job)
		}()
	}
}

// RunOnce claims and runs the currently runnable jobs of queue in the calling goroutine. It
// returns how many jobs were processed.
func (r *Runner) RunOnce(ctx context.Context, queue string, limit int) (int, error) {
	jobs, err := r.store.Claim(ctx, queue, limit)
	if err != nil {
		return 0, fmt.Errorf("RunOnce: %w", err)
	}
	for i := range jobs {
		r.process(ctx, &jobs[i])
	}
	return len(jobs), nil
}

func (r *Runner) process(ctx context.Context, job *domain.Job) {
	log := r.logger.With("job_id", job.ID, "queue", job.Queue, "job", job.Name, "attempt", job.Attempts)
	ctx = logging.WithLogger(ctx, log)

	err := r.invoke(ctx, job)
	if err == nil {
		if err := r.store.Complete(ctx, job.ID); err != nil {
			log.Error("failed to complete job", "error", err)
		}
		metrics.JobResults.WithLabelValues(job.Queue, job.Name, "completed").Inc()
		log.Debug("job completed")
		return
	}

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) || job.Attempts >= job.MaxAttempts {
		if ferr := r.store.Fail(ctx, job.ID, err.Error()); ferr != nil {
			log.Error("failed to mark job failed", "error", ferr)
		}
		metrics.JobResults.WithLabelValues(job.Queue, job.Name, "failed").Inc()
		log.Error("job failed", "error", err)
		return
	}

	delay := RetryDelay(job.Backoff, job.Attempts)
	if rerr := r.store.Retry(ctx, job.ID, time.Now().UTC().Add(delay), err.Error()); rerr != nil {
		log.Error("failed to schedule job retry", "error", rerr)
	}
	metrics.JobResults.WithLabelValues(job.Queue, job.Name, "retried").Inc()
	log.Warn("job will be retried", "error", err, "retry_in_ms", delay.Milliseconds())
}

func (r *Runner) invoke(ctx context.Context, job *domain.Job) (err error) {
	h, ok := r.handlers[job.Queue+"/"+job.Name]
	if !ok {
		return Permanent(fmt.Errorf("no handler for %s/%s", job.Queue, job.Name))
	}
	defer func() {
		if p := recover(); p != nil {
			logging.FromContext(ctx).Error("job handler panicked", "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h(ctx, job)
}

// RetryDelay is the wait before the next attempt: base doubled for every attempt made.
func RetryDelay(base time.Duration, attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = time.Hour
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func (r *Runner) housekeep(ctx context.Context) {
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()

	for {
		r.sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// sweep recovers jobs abandoned by dead workers, applies retention and refreshes the
// queue depth gauge.
func (r *Runner) sweep(ctx context.Context) {
	now := time.Now().UTC()
	for _, q := range r.queues {
		log := r.logger.With("queue", q.Name)
		if n, err := r.store.RecoverStale(ctx, q.Name, now.Add(-staleAfter)); err != nil {
			log.Error("failed to recover stale jobs", "error", err)
		} else if n > 0 {
			log.Warn("recovered stale jobs", "count", n)
		}
		if _, err := r.store.Prune(ctx, q.Name, domain.JobStatusCompleted, now.Add(-q.KeepCompleted), q.KeepCompletedCount); err != nil {
			log.Error("failed to prune completed jobs", "error", err)
		}
		if _, err := r.store.Prune(ctx, q.Name, domain.JobStatusFailed, now.Add(-q.KeepFailed), 0); err != nil {
			log.Error("failed to prune failed jobs", "error", err)
		}
		counts, err := r.store.Counts(ctx, q.Name)
		if err != nil {
			log.Error("failed to count jobs", "error", err)
			continue
		}
		metrics.QueueDepth.WithLabelValues(q.Name).Set(float64(counts.Waiting + counts.Delayed))
	}
}
