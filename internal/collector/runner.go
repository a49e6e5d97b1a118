package collector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/PerterPon/open-back/internal/errors"
	"github.com/PerterPon/open-back/internal/logger"
	"github.com/PerterPon/open-back/internal/models"
	"github.com/PerterPon/open-back/internal/storage"
	"github.com/PerterPon/open-back/internal/validator"
)

// WindowPlanner decides which windows a job must fetch.
type WindowPlanner interface {
	Plan(ctx context.Context, symbol string, interval models.Interval, from, to time.Time) ([]models.Window, error)
}

// Runner executes one collection job: plan, then for each page fetch,
// validate and insert.
type Runner struct {
	planner   WindowPlanner
	fetcher   *Fetcher
	validator *validator.Validator
	store     storage.CandleWriter
	now       func() time.Time
	logger    *slog.Logger
}

// NewRunner wires a Runner. A nil now uses the wall clock.
func NewRunner(planner WindowPlanner, fetcher *Fetcher, v *validator.Validator, store storage.CandleWriter, now func() time.Time, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Runner{
		planner:   planner,
		fetcher:   fetcher,
		validator: v,
		store:     store,
		now:       now,
		logger:    log.With("component", "job_runner"),
	}
}

// Run executes job and moves it to a terminal state. The returned error is
// the job's failure cause, or nil on success.
func (r *Runner) Run(ctx context.Context, job *models.CollectionJob) error {
	if err := job.Start(); err != nil {
		return err
	}

	ctx = logger.WithJob(ctx, job.ID, job.Symbol, job.Interval.String())
	log := logger.FromContext(ctx, r.logger)

	err := r.collect(ctx, log, job)
	if err != nil {
		_ = job.Fail(err)
		log.Error("job failed",
			"inserted", job.InsertedCount,
			"discarded", job.Discarded,
			"elapsed", job.Elapsed(),
			"error_kind", apperrors.KindOf(err),
			"error", err)
		return err
	}

	_ = job.Succeed()
	log.Info("job completed",
		"windows", len(job.MissingWindows),
		"inserted", job.InsertedCount,
		"discarded", job.Discarded,
		"elapsed", job.Elapsed())
	return nil
}

func (r *Runner) collect(ctx context.Context, log *slog.Logger, job *models.CollectionJob) error {
	windows, err := r.planner.Plan(ctx, job.Symbol, job.Interval, job.RequestedFrom, job.RequestedTo)
	if err != nil {
		return apperrors.Persistence("plan", err)
	}
	job.MissingWindows = windows

	if len(windows) == 0 {
		log.Debug("nothing to collect")
		return nil
	}

	handle := func(ctx context.Context, page []models.RawCandle) error {
		candles, discarded := r.validator.ValidatePage(page, job.Symbol, job.Interval, r.now())
		job.Discarded += discarded

		inserted := 0
		if len(candles) > 0 {
			n, err := r.store.BulkInsert(ctx, candles)
			if err != nil {
				return apperrors.Persistence("bulk insert", err)
			}
			inserted = n
		}
		job.InsertedCount += inserted
		r.fetcher.metrics.recordStored(inserted, discarded)

		log.Debug("page stored",
			"received", len(page),
			"inserted", inserted,
			"discarded", discarded)
		return nil
	}

	for _, w := range windows {
		pages, err := r.fetcher.Fetch(ctx, job.Symbol, job.Interval, w, handle)
		if err != nil {
			return fmt.Errorf("window %s: %w", w.String(), err)
		}
		log.Debug("window collected", "window", w.String(), "pages", pages)
	}
	return nil
}
