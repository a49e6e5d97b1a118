package exchange

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	apperrors "github.com/PerterPon/open-back/internal/errors"
	"github.com/PerterPon/open-back/internal/models"
)

const (
	// Coinbase Advanced Trade public market data API
	coinbaseBaseURL         = "https://api.coinbase.com"
	coinbaseCandlesEndpoint = "/api/v3/brokerage/market/products/%s/candles"

	coinbaseMaxCandles     = 300
	coinbaseRequestTimeout = 30 * time.Second
	coinbaseCandlesOp      = "coinbase candles"
)

// coinbaseGranularities lists the resolutions Coinbase serves.
var coinbaseGranularities = map[models.Interval]string{
	"1m":  "ONE_MINUTE",
	"5m":  "FIVE_MINUTE",
	"15m": "FIFTEEN_MINUTE",
	"30m": "THIRTY_MINUTE",
	"1h":  "ONE_HOUR",
	"2h":  "TWO_HOUR",
	"6h":  "SIX_HOUR",
	"1d":  "ONE_DAY",
}

// CoinbaseSource serves candles from the Coinbase Advanced Trade API.
// Products use Coinbase naming, e.g. "BTC-USD".
type CoinbaseSource struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

// NewCoinbaseSource creates a Coinbase candle source.
func NewCoinbaseSource(cfg Config, logger *slog.Logger) *CoinbaseSource {
	if logger == nil {
		logger = slog.Default()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = coinbaseRequestTimeout
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = coinbaseBaseURL
	}

	return &CoinbaseSource{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: newClassifyingTransport(&http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			}),
		},
		baseURL: baseURL,
		logger:  logger.With("source", "coinbase"),
	}
}

// Name implements MarketDataSource.
func (c *CoinbaseSource) Name() string {
	return "coinbase"
}

// MaxLimit implements MarketDataSource.
func (c *CoinbaseSource) MaxLimit() int {
	return coinbaseMaxCandles
}

// SpanBounded implements SpanBoundedSource. Coinbase rejects ranges wider
// than 350 buckets and leaves empty buckets out of the response.
func (c *CoinbaseSource) SpanBounded() bool {
	return true
}

// GetCandles implements MarketDataSource. The request end is capped at
// Start+Limit*step. Coinbase returns newest first; the result is re-sorted
// oldest first and trimmed to the capped window.
func (c *CoinbaseSource) GetCandles(ctx context.Context, req CandleRequest) ([]models.RawCandle, error) {
	if err := req.Validate(c.MaxLimit()); err != nil {
		return nil, apperrors.Permanent(coinbaseCandlesOp, err)
	}

	granularity, ok := coinbaseGranularities[req.Interval]
	if !ok {
		return nil, apperrors.Permanent(coinbaseCandlesOp, fmt.Errorf("unsupported interval: %s", req.Interval))
	}
	req.End = req.SpanEnd()

	params := url.Values{}
	params.Add("start", strconv.FormatInt(req.Start.Unix(), 10))
	params.Add("end", strconv.FormatInt(req.End.Add(-time.Second).Unix(), 10))
	params.Add("granularity", granularity)
	params.Add("limit", strconv.Itoa(req.Limit))

	fullURL := fmt.Sprintf(c.baseURL+coinbaseCandlesEndpoint, url.PathEscape(req.Symbol)) + "?" + params.Encode()

	c.logger.Debug("fetching candles",
		"symbol", req.Symbol,
		"interval", req.Interval,
		"start", req.Start,
		"end", req.End)

	body, err := c.get(ctx, fullURL)
	if err != nil {
		return nil, apperrors.WithPair(err, req.Symbol, req.Interval.String())
	}

	candles, err := parseCoinbaseCandles(body, req)
	if err != nil {
		return nil, apperrors.WithPair(apperrors.Permanent(coinbaseCandlesOp, err), req.Symbol, req.Interval.String())
	}
	return candles, nil
}

func (c *CoinbaseSource) get(ctx context.Context, fullURL string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, apperrors.Permanent(coinbaseCandlesOp, fmt.Errorf("failed to create request: %w", err))
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "open-back/1.0")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		var ce *apperrors.ClassifiedError
		switch {
		case errors.As(err, &ce):
			return nil, err
		case ctx.Err() != nil:
			return nil, apperrors.Permanent(coinbaseCandlesOp, err)
		default:
			return nil, apperrors.Transient(coinbaseCandlesOp, fmt.Errorf("request failed: %w", err))
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Transient(coinbaseCandlesOp, fmt.Errorf("failed to read response body: %w", err))
	}

	if resp.StatusCode >= http.StatusBadRequest {
		msg := gjson.GetBytes(body, "message").String()
		if msg == "" {
			msg = string(body)
		}
		return nil, apperrors.FromHTTPStatus(coinbaseCandlesOp, resp.StatusCode, 0, errors.New(msg))
	}

	return body, nil
}

// parseCoinbaseCandles reads {"candles":[{"start":"<unix>","open":"..",...}]}.
func parseCoinbaseCandles(body []byte, req CandleRequest) ([]models.RawCandle, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("invalid JSON in candles response")
	}

	result := gjson.GetBytes(body, "candles")
	if !result.Exists() {
		return nil, fmt.Errorf("candles field missing from response")
	}

	out := make([]models.RawCandle, 0, len(result.Array()))
	for _, item := range result.Array() {
		start := item.Get("start")
		if !start.Exists() {
			continue
		}
		openTime := time.Unix(start.Int(), 0).UTC()
		if openTime.Before(req.Start) || !openTime.Before(req.End) {
			continue
		}

		raw := models.RawCandle{
			OpenTime:  openTime,
			Open:      item.Get("open").String(),
			High:      item.Get("high").String(),
			Low:       item.Get("low").String(),
			Volume:    item.Get("volume").String(),
			CloseTime: req.Interval.Next(openTime),
		}
		if cl := item.Get("close"); cl.Exists() && cl.Type != gjson.Null {
			raw.Close = models.StringPtr(cl.String())
		}
		out = append(out, raw)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	if len(out) > req.Limit {
		out = out[:req.Limit]
	}
	return out, nil
}
