package models

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Interval is a candle resolution token such as "1m", "4h" or "1M".
// Values produced by ParseInterval are always normalised and valid.
type Interval string

var intervalPattern = regexp.MustCompile(`^(\d+)([smhdwM])$`)

// intervalAliases maps long-form spellings onto exchange tokens.
var intervalAliases = map[string]string{
	"1min":   "1m",
	"5min":   "5m",
	"15min":  "15m",
	"30min":  "30m",
	"1hour":  "1h",
	"4hour":  "4h",
	"1day":   "1d",
	"1week":  "1w",
	"1month": "1M",
}

// supportedIntervals is the set of resolutions the upstream kline API accepts.
var supportedIntervals = map[string]bool{
	"1s": true, "1m": true, "3m": true, "5m": true, "15m": true, "30m": true,
	"1h": true, "2h": true, "4h": true, "6h": true, "8h": true, "12h": true,
	"1d": true, "3d": true, "1w": true, "1M": true,
}

// ParseInterval normalises an interval token, resolving aliases, and rejects
// anything the upstream API does not serve.
func ParseInterval(token string) (Interval, error) {
	token = strings.TrimSpace(token)
	if alias, ok := intervalAliases[token]; ok {
		token = alias
	}
	if !intervalPattern.MatchString(token) {
		return "", fmt.Errorf("invalid interval format %q", token)
	}
	if !supportedIntervals[token] {
		return "", fmt.Errorf("unsupported interval %q", token)
	}
	return Interval(token), nil
}

// MustParseInterval is ParseInterval for constants and tests.
func MustParseInterval(token string) Interval {
	iv, err := ParseInterval(token)
	if err != nil {
		panic(err)
	}
	return iv
}

// String returns the token.
func (i Interval) String() string {
	return string(i)
}

// parts splits a token into its count and unit. Unparseable values return
// a zero count.
func (i Interval) parts() (int, string) {
	m := intervalPattern.FindStringSubmatch(string(i))
	if m == nil {
		return 0, ""
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, ""
	}
	return n, m[2]
}

// Step returns the duration of one candle, or 0 for unparseable values.
// Months vary in length; Step reports 30 days for them and is only used to
// size requests. Next, Floor and Count follow the calendar.
func (i Interval) Step() time.Duration {
	n, unit := i.parts()

	var d time.Duration
	switch unit {
	case "s":
		d = time.Second
	case "m":
		d = time.Minute
	case "h":
		d = time.Hour
	case "d":
		d = 24 * time.Hour
	case "w":
		d = 7 * 24 * time.Hour
	case "M":
		d = 30 * 24 * time.Hour
	}
	return time.Duration(n) * d
}

func (i Interval) monthly() bool {
	_, unit := i.parts()
	return unit == "M"
}

// Add moves t by k candles; k may be negative.
func (i Interval) Add(t time.Time, k int) time.Time {
	if i.monthly() {
		n, _ := i.parts()
		return t.UTC().AddDate(0, n*k, 0)
	}
	return t.Add(time.Duration(k) * i.Step())
}

// Next returns the open time of the candle after the one opening at t.
func (i Interval) Next(t time.Time) time.Time {
	return i.Add(t, 1)
}

// Floor aligns t down to the interval boundary in UTC. Truncation is relative
// to Go's zero time, which falls on a Monday, so weekly candles open Monday.
// Monthly candles open on the first of the month.
func (i Interval) Floor(t time.Time) time.Time {
	t = t.UTC()
	if i.monthly() {
		n, _ := i.parts()
		months := t.Year()*12 + int(t.Month()) - 1
		months -= months % n
		return time.Date(months/12, time.Month(months%12+1), 1, 0, 0, 0, 0, time.UTC)
	}
	step := i.Step()
	if step <= 0 {
		return t
	}
	return t.Truncate(step)
}

// LastClosedOpen returns the open time of the most recent candle that has
// fully closed at now.
func (i Interval) LastClosedOpen(now time.Time) time.Time {
	return i.Add(i.Floor(now), -1)
}

// Count returns how many whole candles fit in [from, to).
func (i Interval) Count(from, to time.Time) int {
	if i.Step() <= 0 || !from.Before(to) {
		return 0
	}
	if !i.monthly() {
		return int(to.Sub(from) / i.Step())
	}
	n := 0
	for t := i.Next(from); !t.After(to); t = i.Next(t) {
		n++
	}
	return n
}

// ParseIntervals parses a list of tokens, dropping duplicates while keeping
// the first-seen order.
func ParseIntervals(tokens []string) ([]Interval, error) {
	seen := make(map[Interval]bool, len(tokens))
	out := make([]Interval, 0, len(tokens))
	for _, tok := range tokens {
		iv, err := ParseInterval(tok)
		if err != nil {
			return nil, err
		}
		if seen[iv] {
			continue
		}
		seen[iv] = true
		out = append(out, iv)
	}
	return out, nil
}
