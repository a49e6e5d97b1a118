// Package exchange defines the market data source consumed by the collector
// and its exchange adapters.
//
// Adapters fetch a single page per call and classify failures with the
// internal/errors kinds (rate limited, transient, permanent). They never
// retry or rate limit on their own: the fetcher owns both concerns so that
// one budget covers every worker.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/PerterPon/open-back/internal/models"
)

// MaxPageSize is the most candles a single kline request may return.
const MaxPageSize = 1000

// CandleRequest asks for one page of candles whose open time lies in
// [Start, End). Limit must be between 1 and the source's MaxLimit.
type CandleRequest struct {
	Symbol   string
	Interval models.Interval
	Start    time.Time
	End      time.Time
	Limit    int
}

// Validate checks the request before it is sent upstream.
func (r CandleRequest) Validate(maxLimit int) error {
	if r.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if r.Interval.Step() <= 0 {
		return fmt.Errorf("invalid interval %q", r.Interval)
	}
	if !r.Start.Before(r.End) {
		return fmt.Errorf("start %s must be before end %s", r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
	}
	if r.Limit < 1 || r.Limit > maxLimit {
		return fmt.Errorf("limit %d out of range [1, %d]", r.Limit, maxLimit)
	}
	return nil
}

// SpanEnd returns the end of the widest window a single page can cover:
// Start plus Limit steps, or End when that comes first.
func (r CandleRequest) SpanEnd() time.Time {
	spanEnd := r.Interval.Add(r.Start, r.Limit)
	if spanEnd.Before(r.End) {
		return spanEnd
	}
	return r.End
}

// MarketDataSource returns OHLCV candles for a symbol, interval and window.
// Results are ordered by open time, oldest first. An empty slice with a nil
// error means the upstream has no data in the window.
type MarketDataSource interface {
	GetCandles(ctx context.Context, req CandleRequest) ([]models.RawCandle, error)

	// MaxLimit is the largest page the source serves.
	MaxLimit() int

	// Name identifies the source in logs.
	Name() string
}

// SpanBoundedSource is implemented by sources that only accept windows of
// at most MaxLimit candles and omit buckets without trades. A short page
// from such a source does not mean the data has ended; the caller moves on
// to the next span instead.
type SpanBoundedSource interface {
	MarketDataSource
	SpanBounded() bool
}

// IsSpanBounded reports whether s pages by span rather than by count.
func IsSpanBounded(s MarketDataSource) bool {
	b, ok := s.(SpanBoundedSource)
	return ok && b.SpanBounded()
}

// Config selects and configures a source.
type Config struct {
	Type    string // "binance" or "coinbase"
	BaseURL string
	APIKey  string
	Secret  string
	Timeout time.Duration
}

// New builds the source named by cfg.Type.
func New(cfg Config, logger *slog.Logger) (MarketDataSource, error) {
	switch cfg.Type {
	case "binance", "":
		return NewBinanceSource(cfg, logger), nil
	case "coinbase":
		return NewCoinbaseSource(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unsupported exchange type: %s", cfg.Type)
	}
}
