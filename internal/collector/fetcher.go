package collector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/PerterPon/open-back/internal/errors"
	"github.com/PerterPon/open-back/internal/exchange"
	"github.com/PerterPon/open-back/internal/models"
	"github.com/PerterPon/open-back/internal/ratelimit"
)

// PageHandler receives each fetched page, oldest page first. Returning an
// error stops the fetch.
type PageHandler func(ctx context.Context, page []models.RawCandle) error

// FetcherConfig tunes paging and retries.
type FetcherConfig struct {
	// PageSize caps each request; it is further capped by the source's
	// MaxLimit. Zero means exchange.MaxPageSize.
	PageSize int
	// Policy is the retry policy; the zero value means
	// apperrors.DefaultPolicy.
	Policy apperrors.Policy
	// Sleeper waits between retries; nil sleeps in real time.
	Sleeper apperrors.Sleeper
}

// Fetcher pages through a window against a market data source. Every
// request passes the shared rate gate first, and retryable failures are
// retried per the policy.
type Fetcher struct {
	source  exchange.MarketDataSource
	gate    ratelimit.Gate
	config  FetcherConfig
	metrics *metricsCollector
	logger  *slog.Logger
}

// NewFetcher creates a Fetcher. A nil gate means no rate limit.
func NewFetcher(source exchange.MarketDataSource, gate ratelimit.Gate, cfg FetcherConfig, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	if gate == nil {
		gate = ratelimit.Unlimited()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = exchange.MaxPageSize
	}
	if cfg.Policy == (apperrors.Policy{}) {
		cfg.Policy = apperrors.DefaultPolicy()
	}
	return &Fetcher{
		source:  source,
		gate:    gate,
		config:  cfg,
		metrics: newMetricsCollector(),
		logger:  logger.With("component", "fetcher", "source", source.Name()),
	}
}

// pageLimit is the per-request candle cap.
func (f *Fetcher) pageLimit() int {
	return min(f.config.PageSize, f.source.MaxLimit(), exchange.MaxPageSize)
}

// Fetch requests window page by page and hands each non-empty page to
// handle. It stops after a short or empty page, when a page does not move
// the cursor forward, or once the cursor reaches the end of the window.
// Span-bounded sources are asked for at most one page-sized span at a time
// and the cursor moves to the end of that span, since their short pages only
// mean empty buckets. The number of pages handled is returned even on error.
func (f *Fetcher) Fetch(ctx context.Context, symbol string, interval models.Interval, window models.Window, handle PageHandler) (int, error) {
	if interval.Step() <= 0 {
		return 0, apperrors.Permanent("fetch", fmt.Errorf("invalid interval %q", interval))
	}

	limit := f.pageLimit()
	bySpan := exchange.IsSpanBounded(f.source)
	cursor := window.From
	pages := 0

	for cursor.Before(window.To) {
		req := exchange.CandleRequest{
			Symbol:   symbol,
			Interval: interval,
			Start:    cursor,
			End:      window.To,
			Limit:    limit,
		}
		if bySpan {
			req.End = req.SpanEnd()
		}

		raw, err := f.fetchPage(ctx, req)
		if err != nil {
			return pages, err
		}

		page := clip(raw, cursor, req.End)
		if len(page) > 0 {
			f.metrics.recordPage(len(page))
			if err := handle(ctx, page); err != nil {
				return pages, err
			}
			pages++
		}

		if bySpan {
			cursor = req.End
			continue
		}
		if len(page) == 0 {
			break
		}

		next := interval.Next(page[len(page)-1].OpenTime)
		if !next.After(cursor) {
			f.logger.Warn("page did not advance cursor",
				"symbol", symbol,
				"interval", interval,
				"cursor", cursor)
			break
		}
		cursor = next

		if len(raw) < limit {
			break
		}
	}

	return pages, nil
}

// fetchPage performs one rate-limited request with retries.
func (f *Fetcher) fetchPage(ctx context.Context, req exchange.CandleRequest) ([]models.RawCandle, error) {
	var page []models.RawCandle

	notify := func(attempt int, err error, delay time.Duration) {
		f.metrics.recordRetry()
		f.logger.Warn("retrying candle request",
			"symbol", req.Symbol,
			"interval", req.Interval,
			"start", req.Start,
			"attempt", attempt,
			"delay", delay,
			"error", err)
	}

	err := apperrors.Retry(ctx, f.config.Policy, f.config.Sleeper, notify, func(attempt int) error {
		if err := f.gate.Acquire(ctx); err != nil {
			return apperrors.Permanent("rate limit wait", err)
		}

		start := time.Now()
		candles, err := f.source.GetCandles(ctx, req)
		f.metrics.recordRequest(time.Since(start), err)
		if err != nil {
			return err
		}
		page = candles
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// clip drops candles outside [from, to), keeping order.
func clip(page []models.RawCandle, from, to time.Time) []models.RawCandle {
	out := page[:0:0]
	for _, c := range page {
		if c.OpenTime.Before(from) || !c.OpenTime.Before(to) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Metrics returns a snapshot of the fetcher's counters.
func (f *Fetcher) Metrics() CollectionMetrics {
	return f.metrics.snapshot()
}
