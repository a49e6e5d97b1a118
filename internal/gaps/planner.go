// Package gaps decides which time windows a collection job must fetch and
// audits stored series for holes.
//
// Planning is forward-only: the planner looks at the newest stored candle
// and requests everything after it. Holes before that candle are reported
// by the Auditor but never refetched automatically.
package gaps

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/PerterPon/open-back/internal/models"
)

// LatestReader is the slice of the candle store the planner needs.
type LatestReader interface {
	LatestCandleTime(ctx context.Context, symbol string, interval models.Interval) (time.Time, bool, error)
}

// Planner computes missing windows from the latest stored candle.
type Planner struct {
	store  LatestReader
	now    func() time.Time
	logger *slog.Logger
}

// PlannerOption configures a Planner.
type PlannerOption func(*Planner)

// WithClock replaces the wall clock used to cap windows at the last closed
// candle.
func WithClock(now func() time.Time) PlannerOption {
	return func(p *Planner) {
		p.now = now
	}
}

// NewPlanner creates a Planner reading from store.
func NewPlanner(store LatestReader, logger *slog.Logger, opts ...PlannerOption) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Planner{
		store:  store,
		now:    time.Now,
		logger: logger.With("component", "gap_planner"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan returns the windows to fetch for the pair within [from, to). The
// result holds at most one window and is empty when nothing is missing.
//
// The upper bound is capped at the open of the still-forming candle, so a
// window never asks for data that cannot be closed yet. The store is
// queried on every call.
func (p *Planner) Plan(ctx context.Context, symbol string, interval models.Interval, from, to time.Time) ([]models.Window, error) {
	if interval.Step() <= 0 {
		return nil, fmt.Errorf("invalid interval %q", interval)
	}

	from = from.UTC()
	to = to.UTC()
	if formingOpen := interval.Floor(p.now()); formingOpen.Before(to) {
		to = formingOpen
	}

	latest, ok, err := p.store.LatestCandleTime(ctx, symbol, interval)
	if err != nil {
		return nil, fmt.Errorf("failed to read latest candle for %s/%s: %w", symbol, interval, err)
	}

	start := from
	if ok {
		if !latest.Before(to) {
			p.logger.Debug("series up to date",
				"symbol", symbol,
				"interval", interval,
				"latest", latest)
			return nil, nil
		}
		if next := interval.Next(latest); next.After(start) {
			start = next
		}
	}

	window := models.Window{From: start, To: to}
	if window.Empty() {
		return nil, nil
	}

	p.logger.Debug("planned window",
		"symbol", symbol,
		"interval", interval,
		"window", window.String(),
		"has_history", ok)

	return []models.Window{window}, nil
}
