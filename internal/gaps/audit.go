package gaps

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/PerterPon/open-back/internal/models"
)

// RangeReader is the slice of the candle store the auditor needs.
type RangeReader interface {
	Range(ctx context.Context, symbol string, interval models.Interval, from, to time.Time) ([]models.Candle, error)
}

// Auditor reports holes in stored candle coverage. It only reads; nothing
// it finds is scheduled for collection.
type Auditor struct {
	store  RangeReader
	logger *slog.Logger
}

// NewAuditor creates an Auditor reading from store.
func NewAuditor(store RangeReader, logger *slog.Logger) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		store:  store,
		logger: logger.With("component", "gap_auditor"),
	}
}

// Scan walks every expected open time in [from, to), aligned to the
// interval, and returns the runs of missing candles in time order.
func (a *Auditor) Scan(ctx context.Context, symbol string, interval models.Interval, from, to time.Time) ([]models.Gap, error) {
	if interval.Step() <= 0 {
		return nil, fmt.Errorf("invalid interval %q", interval)
	}

	// first boundary at or after from
	start := interval.Floor(from)
	if start.Before(from.UTC()) {
		start = interval.Next(start)
	}
	end := to.UTC()
	if !start.Before(end) {
		return nil, nil
	}

	candles, err := a.store.Range(ctx, symbol, interval, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to read stored candles: %w", err)
	}

	existing := make(map[int64]bool, len(candles))
	for _, c := range candles {
		existing[c.OpenTime.UnixMilli()] = true
	}

	var found []models.Gap
	current := start
	for current.Before(end) {
		if existing[current.UnixMilli()] {
			current = interval.Next(current)
			continue
		}

		gapStart := current
		gapEnd := interval.Next(current)
		for gapEnd.Before(end) && !existing[gapEnd.UnixMilli()] {
			gapEnd = interval.Next(gapEnd)
		}

		found = append(found, models.Gap{
			Symbol:   symbol,
			Interval: interval,
			Start:    gapStart,
			End:      gapEnd,
		})
		current = gapEnd
	}

	a.logger.Info("gap audit completed",
		"symbol", symbol,
		"interval", interval,
		"expected", interval.Count(start, end),
		"stored", len(candles),
		"gaps_found", len(found))

	return found, nil
}
