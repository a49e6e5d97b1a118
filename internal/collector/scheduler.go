// Package collector runs batch kline collection: it expands a batch request
// into one job per (symbol, interval) pair, runs the jobs on a bounded
// worker pool, and aggregates their results.
//
// Within a job, pages are fetched, validated and inserted in increasing
// time order. No ordering holds between jobs. The rate gate handed to the
// fetcher is the only state all workers share.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PerterPon/open-back/internal/logger"
	"github.com/PerterPon/open-back/internal/models"
)

// Scheduler runs batch requests.
type Scheduler struct {
	handle JobHandler
	logger *slog.Logger

	mu        sync.Mutex
	lastStats WorkerPoolStats
}

// NewScheduler creates a Scheduler that executes each job with runner.
func NewScheduler(runner *Runner, logger *slog.Logger) *Scheduler {
	return NewSchedulerWithHandler(runner.Run, logger)
}

// NewSchedulerWithHandler creates a Scheduler around any job handler.
func NewSchedulerWithHandler(handle JobHandler, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		handle: handle,
		logger: logger.With("component", "scheduler"),
	}
}

// Run executes every job of req and returns the summary of the jobs that
// ran. A failed job never stops its siblings. If ctx is cancelled,
// remaining jobs are not started, running jobs finish, and the error wraps
// ctx.Err() next to the partial summary.
func (s *Scheduler) Run(ctx context.Context, req models.BatchRequest) (models.ExecutionSummary, error) {
	if err := req.Validate(); err != nil {
		return models.ExecutionSummary{}, err
	}

	jobs, err := req.Expand()
	if err != nil {
		return models.ExecutionSummary{}, err
	}

	runID := uuid.NewString()
	ctx = logger.WithTraceID(ctx, runID)
	log := logger.FromContext(ctx, s.logger)

	workers := req.Workers()
	log.Info("starting batch",
		"jobs", len(jobs),
		"workers", workers,
		"sequential", req.Sequential,
		"from", req.From,
		"to", req.To)

	pool := NewWorkerPool(workers, s.logger)
	results := &resultCollector{}

	start := time.Now()
	dequeued, dispatchErr := pool.Run(ctx, jobs, s.handle, func(job *models.CollectionJob) {
		results.add(job.Result())
	})

	summary := Summarize(results.all())
	summary.RunID = runID
	summary.WallClock = time.Since(start)
	s.mu.Lock()
	s.lastStats = pool.Stats()
	s.mu.Unlock()

	log.Info("batch finished",
		"jobs", summary.TotalJobs,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"inserted", summary.TotalInserted,
		"wall_clock", summary.WallClock)

	if dispatchErr != nil {
		return summary, fmt.Errorf("batch interrupted after %d of %d jobs: %w", dequeued, len(jobs), dispatchErr)
	}
	return summary, nil
}

// PoolStats returns the worker pool counters of the last completed run.
// Concurrent runs on one Scheduler each record their own pool; the last to
// finish wins.
func (s *Scheduler) PoolStats() WorkerPoolStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStats
}
