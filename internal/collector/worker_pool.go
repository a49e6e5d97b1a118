package collector

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/PerterPon/open-back/internal/models"
)

// JobHandler executes one job. It owns the job's lifecycle transitions.
type JobHandler func(ctx context.Context, job *models.CollectionJob) error

// WorkerPoolStats provides worker pool counters.
type WorkerPoolStats struct {
	Workers        int
	ActiveWorkers  int
	CompletedJobs  int64
	FailedJobs     int64
	PanickedJobs   int64
	AvgJobDuration time.Duration
}

// WorkerPool runs jobs on a fixed number of long-lived workers fed from an
// unbuffered queue. At most workerCount jobs are in flight at any time.
type WorkerPool struct {
	workerCount int
	logger      *slog.Logger

	activeWorkers atomic.Int32
	completedJobs atomic.Int64
	failedJobs    atomic.Int64
	panickedJobs  atomic.Int64
	totalJobTime  atomic.Int64 // nanoseconds
}

// NewWorkerPool creates a pool with workerCount workers (at least one).
func NewWorkerPool(workerCount int, logger *slog.Logger) *WorkerPool {
	if logger == nil {
		logger = slog.Default()
	}
	if workerCount < 1 {
		workerCount = 1
	}
	return &WorkerPool{
		workerCount: workerCount,
		logger:      logger.With("component", "worker_pool"),
	}
}

// Run feeds jobs to the workers and blocks until every dequeued job has
// finished. Once ctx is done no further job is dequeued. Jobs already
// running are not interrupted: they run on a context that keeps ctx's
// values but not its cancellation. done is called once per dequeued job,
// from the worker that ran it. Run returns the number of jobs dequeued and,
// when dispatch stopped early, an error wrapping ctx.Err(). Job failures are
// recorded on the jobs, never returned.
func (wp *WorkerPool) Run(ctx context.Context, jobs []*models.CollectionJob, handle JobHandler, done func(*models.CollectionJob)) (int, error) {
	queue := make(chan *models.CollectionJob)
	var dequeued atomic.Int64
	jobCtx := context.WithoutCancel(ctx)

	var g errgroup.Group

	stopped := func() error {
		skipped := len(jobs) - int(dequeued.Load())
		wp.logger.Warn("stopping job dispatch", "reason", ctx.Err(), "skipped", skipped)
		return fmt.Errorf("dispatch stopped with %d jobs left: %w", skipped, ctx.Err())
	}

	g.Go(func() error {
		defer close(queue)
		for _, job := range jobs {
			if ctx.Err() != nil {
				return stopped()
			}
			select {
			case queue <- job:
				dequeued.Add(1)
			case <-ctx.Done():
				return stopped()
			}
		}
		return nil
	})

	wp.logger.Info("starting workers", "worker_count", wp.workerCount, "jobs", len(jobs))

	for id := 1; id <= wp.workerCount; id++ {
		g.Go(func() error {
			wp.logger.Debug("worker started", "worker_id", id)
			for job := range queue {
				wp.process(jobCtx, id, job, handle)
				if done != nil {
					done(job)
				}
			}
			wp.logger.Debug("worker stopped", "worker_id", id)
			return nil
		})
	}

	err := g.Wait()
	return int(dequeued.Load()), err
}

// process runs one job and records its outcome. A panic in the handler
// fails the job instead of crashing the pool.
func (wp *WorkerPool) process(ctx context.Context, workerID int, job *models.CollectionJob, handle JobHandler) {
	wp.activeWorkers.Add(1)
	defer wp.activeWorkers.Add(-1)

	start := time.Now()
	err := wp.safeHandle(ctx, job, handle)
	wp.totalJobTime.Add(time.Since(start).Nanoseconds())

	if err != nil && !job.IsTerminal() {
		if job.Status == models.StatusPending {
			_ = job.Start()
		}
		_ = job.Fail(err)
	}

	if job.Status == models.StatusFailed {
		wp.failedJobs.Add(1)
		wp.logger.Debug("job failed", "worker_id", workerID, "job_id", job.ID, "error", job.Err)
		return
	}
	wp.completedJobs.Add(1)
}

func (wp *WorkerPool) safeHandle(ctx context.Context, job *models.CollectionJob, handle JobHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			wp.panickedJobs.Add(1)
			wp.logger.Error("job panicked",
				"job_id", job.ID,
				"symbol", job.Symbol,
				"interval", job.Interval,
				"panic", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return handle(ctx, job)
}

// Stats returns current pool counters.
func (wp *WorkerPool) Stats() WorkerPoolStats {
	completed := wp.completedJobs.Load()
	failed := wp.failedJobs.Load()

	var avg time.Duration
	if n := completed + failed; n > 0 {
		avg = time.Duration(wp.totalJobTime.Load() / n)
	}

	return WorkerPoolStats{
		Workers:        wp.workerCount,
		ActiveWorkers:  int(wp.activeWorkers.Load()),
		CompletedJobs:  completed,
		FailedJobs:     failed,
		PanickedJobs:   wp.panickedJobs.Load(),
		AvgJobDuration: avg,
	}
}
