// Package models provides the data structures shared by the kline collector:
// candles, intervals, collection jobs and their results.
package models

import (
	"fmt"
	"time"
)

// Candle represents one closed OHLCV bucket for a symbol at an interval.
// (Symbol, Interval, OpenTime) identifies a candle uniquely.
type Candle struct {
	Symbol   string    `json:"symbol"`
	Interval Interval  `json:"interval"`
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`

	// Extra holds upstream metadata as a JSON object (close time, trade
	// count, quote volume). Comment is free text. Both are optional.
	Extra   string `json:"extra,omitempty"`
	Comment string `json:"comment,omitempty"`
}

// Key returns the uniqueness key of the candle.
func (c Candle) Key() CandleKey {
	return CandleKey{Symbol: c.Symbol, Interval: c.Interval, OpenTime: c.OpenTime.UTC()}
}

// String returns a short human readable identifier.
func (c Candle) String() string {
	return fmt.Sprintf("%s/%s@%s", c.Symbol, c.Interval, c.OpenTime.UTC().Format(time.RFC3339))
}

// CandleKey is the storage uniqueness key.
type CandleKey struct {
	Symbol   string
	Interval Interval
	OpenTime time.Time
}

// RawCandle is a kline as reported by a market data source, before
// validation. Numeric fields keep the upstream decimal strings; a nil Close
// means the upstream row carried no close price.
type RawCandle struct {
	OpenTime    time.Time
	Open        string
	High        string
	Low         string
	Close       *string
	Volume      string
	CloseTime   time.Time
	QuoteVolume string
	Trades      int64
}

// StringPtr is a helper for building RawCandle values.
func StringPtr(s string) *string {
	return &s
}

// Window is a half-open time range [From, To).
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Empty reports whether the window contains no instant.
func (w Window) Empty() bool {
	return !w.From.Before(w.To)
}

// Duration returns the length of the window, or 0 when empty.
func (w Window) Duration() time.Duration {
	if w.Empty() {
		return 0
	}
	return w.To.Sub(w.From)
}

// String formats the window for logs.
func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.From.UTC().Format(time.RFC3339), w.To.UTC().Format(time.RFC3339))
}
