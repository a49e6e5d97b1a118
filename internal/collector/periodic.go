package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/PerterPon/open-back/internal/models"
)

// RequestFunc builds the batch request for a run starting at now, so each
// run can slide its window forward.
type RequestFunc func(now time.Time) models.BatchRequest

// RunObserver is notified after each periodic run.
type RunObserver func(ctx context.Context, summary models.ExecutionSummary, err error)

// Periodic runs a batch immediately and then on every tick until ctx is
// done. Runs never overlap; ticks missed during a long run collapse into
// one.
type Periodic struct {
	scheduler *Scheduler
	every     time.Duration
	request   RequestFunc
	observe   RunObserver
	now       func() time.Time
	logger    *slog.Logger
}

// NewPeriodic creates a Periodic runner. observe may be nil.
func NewPeriodic(scheduler *Scheduler, every time.Duration, request RequestFunc, observe RunObserver, logger *slog.Logger) (*Periodic, error) {
	if every <= 0 {
		return nil, fmt.Errorf("period must be positive, got %s", every)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Periodic{
		scheduler: scheduler,
		every:     every,
		request:   request,
		observe:   observe,
		now:       time.Now,
		logger:    logger.With("component", "periodic"),
	}, nil
}

// Run blocks until ctx is done and returns the number of completed runs.
func (p *Periodic) Run(ctx context.Context) int {
	ticker := time.NewTicker(p.every)
	defer ticker.Stop()

	runs := 0
	for {
		p.runOnce(ctx)
		runs++

		select {
		case <-ctx.Done():
			p.logger.Info("periodic collection stopped", "runs", runs)
			return runs
		case <-ticker.C:
		}
	}
}

func (p *Periodic) runOnce(ctx context.Context) {
	req := p.request(p.now())
	summary, err := p.scheduler.Run(ctx, req)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		p.logger.Info("periodic run interrupted", "error", err)
	default:
		p.logger.Error("periodic run failed", "error", err)
	}

	if p.observe != nil {
		p.observe(ctx, summary, err)
	}
}
