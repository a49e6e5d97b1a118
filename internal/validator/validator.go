// Package validator turns raw upstream klines into storable candles and
// drops the ones that must not be stored: rows without a close price and
// candles that have not closed yet.
//
// A discard is a normal outcome, not an error. Discards are counted and
// reported in the job result.
package validator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/PerterPon/open-back/internal/models"
)

// DiscardReason says why a raw candle was dropped.
type DiscardReason string

const (
	ReasonMissingClose DiscardReason = "missing_close"
	ReasonNotClosed    DiscardReason = "not_closed"
	ReasonBadNumber    DiscardReason = "bad_number"
)

// Validator checks and converts raw candles.
type Validator struct {
	source string
	logger *slog.Logger
}

// New creates a Validator. source names the upstream in each candle's
// comment.
func New(source string, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	if source == "" {
		source = "exchange"
	}
	return &Validator{
		source: source,
		logger: logger.With("component", "validator"),
	}
}

// extra is the metadata kept next to each stored candle.
type extra struct {
	CloseTime   string `json:"close_time"`
	Trades      int64  `json:"trades"`
	QuoteVolume string `json:"quote_volume"`
}

// Validate converts raw into a Candle. ok is false when the candle must be
// discarded. The upstream open time is kept as is.
func (v *Validator) Validate(raw models.RawCandle, symbol string, interval models.Interval, now time.Time) (models.Candle, bool) {
	c, reason := v.check(raw, symbol, interval, now)
	if reason != "" {
		v.logger.Debug("discarding candle",
			"symbol", symbol,
			"interval", interval,
			"open_time", raw.OpenTime,
			"reason", reason)
		return models.Candle{}, false
	}
	return c, true
}

// ValidatePage filters a page, keeping order, and returns how many raw
// candles were dropped.
func (v *Validator) ValidatePage(page []models.RawCandle, symbol string, interval models.Interval, now time.Time) ([]models.Candle, int) {
	out := make([]models.Candle, 0, len(page))
	discarded := 0
	for _, raw := range page {
		c, ok := v.Validate(raw, symbol, interval, now)
		if !ok {
			discarded++
			continue
		}
		out = append(out, c)
	}
	return out, discarded
}

func (v *Validator) check(raw models.RawCandle, symbol string, interval models.Interval, now time.Time) (models.Candle, DiscardReason) {
	if raw.Close == nil || *raw.Close == "" {
		return models.Candle{}, ReasonMissingClose
	}

	closePrice, err := decimal.NewFromString(*raw.Close)
	if err != nil {
		return models.Candle{}, ReasonBadNumber
	}
	// a zero close is how some upstreams mark an empty bucket
	if closePrice.IsZero() {
		return models.Candle{}, ReasonMissingClose
	}

	if interval.Next(raw.OpenTime).After(now) {
		return models.Candle{}, ReasonNotClosed
	}

	var values [4]decimal.Decimal
	for i, field := range []string{raw.Open, raw.High, raw.Low, raw.Volume} {
		d, err := decimal.NewFromString(field)
		if err != nil {
			return models.Candle{}, ReasonBadNumber
		}
		values[i] = d
	}

	c := models.Candle{
		Symbol:   symbol,
		Interval: interval,
		OpenTime: raw.OpenTime.UTC(),
		Open:     values[0].InexactFloat64(),
		High:     values[1].InexactFloat64(),
		Low:      values[2].InexactFloat64(),
		Close:    closePrice.InexactFloat64(),
		Volume:   values[3].InexactFloat64(),
		Extra:    v.extra(raw, interval),
		Comment:  fmt.Sprintf("%s %s kline", v.source, interval),
	}
	return c, ""
}

func (v *Validator) extra(raw models.RawCandle, interval models.Interval) string {
	closeTime := raw.CloseTime
	if closeTime.IsZero() {
		closeTime = interval.Next(raw.OpenTime)
	}
	quote := raw.QuoteVolume
	if quote == "" {
		quote = "0"
	}

	data, err := json.Marshal(extra{
		CloseTime:   closeTime.UTC().Format(time.RFC3339Nano),
		Trades:      raw.Trades,
		QuoteVolume: quote,
	})
	if err != nil {
		return ""
	}
	return string(data)
}
