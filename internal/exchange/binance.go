package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"

	apperrors "github.com/PerterPon/open-back/internal/errors"
	"github.com/PerterPon/open-back/internal/models"
)

const (
	binanceDefaultTimeout = 30 * time.Second
	binanceKlinesOp       = "binance klines"
)

// Binance API error codes that signal throttling or a server-side hiccup.
// Every other API code is a request problem and will not improve on retry.
var (
	binanceRateLimitCodes = map[int64]bool{
		-1003: true, // TOO_MANY_REQUESTS
		-1015: true, // TOO_MANY_ORDERS
	}
	binanceTransientCodes = map[int64]bool{
		-1000: true, // UNKNOWN
		-1001: true, // DISCONNECTED
		-1006: true, // UNEXPECTED_RESP
		-1007: true, // TIMEOUT
		-1008: true, // SERVER_BUSY
	}
)

// BinanceSource serves spot klines through the go-binance SDK.
type BinanceSource struct {
	client *binance.Client
	logger *slog.Logger
}

// NewBinanceSource creates a spot kline source. Kline data is public, so the
// key pair may be empty. cfg.BaseURL overrides the API host.
func NewBinanceSource(cfg Config, logger *slog.Logger) *BinanceSource {
	if logger == nil {
		logger = slog.Default()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = binanceDefaultTimeout
	}

	client := binance.NewClient(cfg.APIKey, cfg.Secret)
	if cfg.BaseURL != "" {
		client.BaseURL = cfg.BaseURL
	}
	client.HTTPClient = &http.Client{
		Timeout:   timeout,
		Transport: newClassifyingTransport(nil),
	}

	return &BinanceSource{
		client: client,
		logger: logger.With("source", "binance"),
	}
}

// Name implements MarketDataSource.
func (b *BinanceSource) Name() string {
	return "binance"
}

// MaxLimit implements MarketDataSource.
func (b *BinanceSource) MaxLimit() int {
	return MaxPageSize
}

// GetCandles implements MarketDataSource. Binance treats endTime as
// inclusive, so the exclusive window end is pulled back by one millisecond.
func (b *BinanceSource) GetCandles(ctx context.Context, req CandleRequest) ([]models.RawCandle, error) {
	if err := req.Validate(b.MaxLimit()); err != nil {
		return nil, apperrors.Permanent(binanceKlinesOp, err)
	}

	b.logger.Debug("fetching klines",
		"symbol", req.Symbol,
		"interval", req.Interval,
		"start", req.Start,
		"end", req.End,
		"limit", req.Limit)

	klines, err := b.client.NewKlinesService().
		Symbol(req.Symbol).
		Interval(req.Interval.String()).
		StartTime(req.Start.UnixMilli()).
		EndTime(req.End.UnixMilli() - 1).
		Limit(req.Limit).
		Do(ctx)
	if err != nil {
		return nil, apperrors.WithPair(classifyBinanceError(ctx, err), req.Symbol, req.Interval.String())
	}

	out := make([]models.RawCandle, 0, len(klines))
	for _, k := range klines {
		if k == nil {
			continue
		}
		out = append(out, convertBinanceKline(k))
	}
	return out, nil
}

func convertBinanceKline(k *binance.Kline) models.RawCandle {
	raw := models.RawCandle{
		OpenTime:    time.UnixMilli(k.OpenTime).UTC(),
		Open:        k.Open,
		High:        k.High,
		Low:         k.Low,
		Volume:      k.Volume,
		CloseTime:   time.UnixMilli(k.CloseTime).UTC(),
		QuoteVolume: k.QuoteAssetVolume,
		Trades:      k.TradeNum,
	}
	if k.Close != "" {
		raw.Close = models.StringPtr(k.Close)
	}
	return raw
}

// classifyBinanceError maps SDK and transport failures onto error kinds.
// Only the caller's own cancellation is permanent; an HTTP client timeout is
// transient.
func classifyBinanceError(ctx context.Context, err error) error {
	var ce *apperrors.ClassifiedError
	if errors.As(err, &ce) {
		return err
	}

	if ctx.Err() != nil {
		return apperrors.Permanent(binanceKlinesOp, err)
	}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		wrapped := fmt.Errorf("binance code %d: %s", apiErr.Code, apiErr.Message)
		switch {
		case binanceRateLimitCodes[apiErr.Code]:
			return apperrors.RateLimited(binanceKlinesOp, 0, wrapped)
		case binanceTransientCodes[apiErr.Code], apiErr.Code == 0:
			// Code 0 means the body was not an API error payload.
			return apperrors.Transient(binanceKlinesOp, wrapped)
		default:
			return apperrors.Permanent(binanceKlinesOp, wrapped)
		}
	}

	if apperrors.IsNetworkError(err) {
		return apperrors.Transient(binanceKlinesOp, err)
	}

	// Anything else (typically a decode failure) will not change on retry.
	return apperrors.Permanent(binanceKlinesOp, err)
}
