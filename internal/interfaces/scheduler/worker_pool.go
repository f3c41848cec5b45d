package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"banksync/internal/domain/openbanking"
)

var (
	jobTracer          = otel.Tracer("banksync/scheduler")
	jobMeter           = otel.Meter("banksync/scheduler")
	jobDuration, _     = jobMeter.Float64Histogram("scheduler.job.duration", metric.WithDescription("Job execution duration in seconds"), metric.WithUnit("s"))
	jobTotal, _        = jobMeter.Int64Counter("scheduler.job.total", metric.WithDescription("Total jobs executed by status"))
	jobQueueDropped, _ = jobMeter.Int64Counter("scheduler.job.queue_dropped", metric.WithDescription("Jobs dropped due to full queue"))
)

var (
	ErrQueueFull   = errors.New("job queue full")
	ErrJobPending  = errors.New("job already queued or running")
	ErrPoolStopped = errors.New("worker pool stopped")
)

// WorkerPool runs jobs on a fixed number of goroutines.
type WorkerPool struct {
	workerCount int
	jobDelay    time.Duration
	jobTimeout  time.Duration
	jobs        chan Job
	logger      *slog.Logger

	mu      sync.Mutex
	pending map[string]bool
	closed  bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewWorkerPool creates a new worker pool.
// jobDelay: pause after each job, per worker
// queueSize: buffer size for the job channel
// jobTimeout: upper bound for one job; zero means none
func NewWorkerPool(workerCount int, jobDelay time.Duration, queueSize int, jobTimeout time.Duration, logger *slog.Logger) *WorkerPool {
	if workerCount < 1 {
		workerCount = 1
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		workerCount: workerCount,
		jobDelay:    jobDelay,
		jobTimeout:  jobTimeout,
		jobs:        make(chan Job, queueSize),
		logger:      logger,
		pending:     make(map[string]bool),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start() {
	wp.logger.Info("starting worker pool", "workers", wp.workerCount)

	for i := 1; i <= wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	for {
		select {
		case <-wp.ctx.Done():
			return

		case job, ok := <-wp.jobs:
			if !ok {
				return
			}

			wp.processJob(id, job)
			wp.release(job.Key())

			if wp.jobDelay > 0 {
				select {
				case <-time.After(wp.jobDelay):
				case <-wp.ctx.Done():
					return
				}
			}
		}
	}
}

func (wp *WorkerPool) processJob(workerID int, job Job) {
	logger := wp.logger.With("worker", workerID, "job", job.Description())
	logger.Info("processing job")

	ctx := wp.ctx
	if wp.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wp.jobTimeout)
		defer cancel()
	}

	ctx, span := jobTracer.Start(ctx, "scheduler.job",
		trace.WithAttributes(
			attribute.Int("worker.id", workerID),
			attribute.String("job.description", job.Description()),
			attribute.String("job.key", job.Key()),
		),
	)
	defer span.End()

	start := time.Now()

	if err := job.Execute(ctx); err != nil {
		kind := openbanking.Classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
		jobTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "error"), attribute.String("kind", kind)))
		jobDuration.Record(ctx, time.Since(start).Seconds())
		logger.Error("job failed", "kind", kind, "error", err)
		return
	}

	jobTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "success")))
	jobDuration.Record(ctx, time.Since(start).Seconds())
	logger.Info("job completed", "duration", time.Since(start).Round(time.Millisecond))
}

// Submit queues job without blocking. It fails with ErrJobPending when a job
// with the same key is queued or running, and ErrQueueFull when the queue
// has no room.
func (wp *WorkerPool) Submit(job Job) error {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.closed || wp.ctx.Err() != nil {
		return ErrPoolStopped
	}
	if wp.pending[job.Key()] {
		return fmt.Errorf("%s: %w", job.Description(), ErrJobPending)
	}

	select {
	case wp.jobs <- job:
		wp.pending[job.Key()] = true
		return nil
	default:
		jobQueueDropped.Add(context.Background(), 1)
		return fmt.Errorf("%s: %w", job.Description(), ErrQueueFull)
	}
}

// SubmitBatch submits jobs, logging the ones that were not accepted.
func (wp *WorkerPool) SubmitBatch(jobs []Job) int {
	submitted := 0
	for _, job := range jobs {
		if err := wp.Submit(job); err != nil {
			wp.logger.Warn("job not submitted", "job", job.Description(), "error", err)
			continue
		}
		submitted++
	}
	wp.logger.Info("submitted jobs", "submitted", submitted, "total", len(jobs))
	return submitted
}

func (wp *WorkerPool) release(key string) {
	wp.mu.Lock()
	delete(wp.pending, key)
	wp.mu.Unlock()
}

// ShutdownWithTimeout stops accepting jobs and waits for queued and running
// jobs to finish. After timeout the running jobs' contexts are cancelled and
// it waits for them to return.
func (wp *WorkerPool) ShutdownWithTimeout(timeout time.Duration) {
	wp.mu.Lock()
	if !wp.closed {
		wp.closed = true
		close(wp.jobs)
	}
	wp.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Info("worker pool stopped")
	case <-time.After(timeout):
		wp.logger.Warn("worker pool shutdown timed out, cancelling running jobs", "timeout", timeout)
		wp.cancel()
		<-done
	}
	wp.cancel()
}
