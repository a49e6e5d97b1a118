package models

import (
	"fmt"
	"time"
)

// Gap is a hole in stored candle coverage found by an audit. Gaps are only
// reported; nothing in the collector fills them automatically.
type Gap struct {
	Symbol   string    `json:"symbol"`
	Interval Interval  `json:"interval"`
	Start    time.Time `json:"start"` // open time of the first missing candle
	End      time.Time `json:"end"`   // open time of the next present candle
}

// MissingCandles returns how many candles fit inside the gap.
func (g Gap) MissingCandles() int {
	return g.Interval.Count(g.Start, g.End)
}

// String formats the gap for reports.
func (g Gap) String() string {
	return fmt.Sprintf("%s %s missing %d candles from %s to %s",
		g.Symbol, g.Interval, g.MissingCandles(),
		g.Start.UTC().Format(time.RFC3339), g.End.UTC().Format(time.RFC3339))
}
