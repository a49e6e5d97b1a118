package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func TestParseInterval(t *testing.T) {
	tests := []struct {
		name     string
		token    string
		expected Interval
		step     time.Duration
		wantErr  bool
	}{
		{name: "minute", token: "1m", expected: "1m", step: time.Minute},
		{name: "five_minutes", token: "5m", expected: "5m", step: 5 * time.Minute},
		{name: "hour_alias", token: "1hour", expected: "1h", step: time.Hour},
		{name: "four_hour_alias", token: "4hour", expected: "4h", step: 4 * time.Hour},
		{name: "day", token: "1d", expected: "1d", step: 24 * time.Hour},
		{name: "week_alias", token: "1week", expected: "1w", step: 7 * 24 * time.Hour},
		{name: "month_nominal_step", token: "1month", expected: "1M", step: 30 * 24 * time.Hour},
		{name: "second", token: "1s", expected: "1s", step: time.Second},
		{name: "surrounding_space", token: " 15m ", expected: "15m", step: 15 * time.Minute},
		{name: "bad_unit", token: "1y", wantErr: true},
		{name: "well_formed_but_unsupported", token: "7m", wantErr: true},
		{name: "empty", token: "", wantErr: true},
		{name: "no_number", token: "h", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			iv, err := ParseInterval(tt.token)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, iv)
			assert.Equal(t, tt.step, iv.Step())
		})
	}
}

func TestInterval_FloorAndLastClosed(t *testing.T) {
	now := time.Date(2024, 3, 10, 13, 47, 12, 0, time.UTC)

	hour := MustParseInterval("1h")
	assert.Equal(t, time.Date(2024, 3, 10, 13, 0, 0, 0, time.UTC), hour.Floor(now))
	assert.Equal(t, time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC), hour.LastClosedOpen(now))

	fifteen := MustParseInterval("15m")
	assert.Equal(t, time.Date(2024, 3, 10, 13, 45, 0, 0, time.UTC), fifteen.Floor(now))

	day := MustParseInterval("1d")
	assert.Equal(t, time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC), day.LastClosedOpen(now))

	week := MustParseInterval("1w")
	assert.Equal(t, time.Monday, week.Floor(now).Weekday())
}

func TestInterval_MonthlyFollowsCalendar(t *testing.T) {
	month := MustParseInterval("1M")
	feb := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	mar := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, mar, month.Next(feb))
	assert.Equal(t, feb, month.Add(mar, -1))
	assert.Equal(t, mar, month.Floor(time.Date(2024, 3, 10, 13, 47, 0, 0, time.UTC)))
	assert.Equal(t, feb, month.LastClosedOpen(time.Date(2024, 3, 1, 0, 0, 1, 0, time.UTC)))
	assert.Equal(t, 12, month.Count(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))

	quarter := Interval("3M")
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), quarter.Floor(mar))

	g := Gap{Symbol: "BTCUSDT", Interval: month, Start: feb, End: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	assert.Equal(t, 3, g.MissingCandles())
}

func TestParseIntervals_Dedupes(t *testing.T) {
	ivs, err := ParseIntervals([]string{"1h", "1hour", "1d", "1h"})
	require.NoError(t, err)
	assert.Equal(t, []Interval{"1h", "1d"}, ivs)

	_, err = ParseIntervals([]string{"1h", "bogus"})
	assert.Error(t, err)
}

func TestWindow(t *testing.T) {
	w := Window{From: testTime, To: testTime.Add(time.Hour)}
	assert.False(t, w.Empty())
	assert.Equal(t, time.Hour, w.Duration())

	assert.True(t, Window{From: testTime, To: testTime}.Empty())
	assert.Equal(t, time.Duration(0), Window{From: testTime.Add(time.Hour), To: testTime}.Duration())
}

func TestCandle_Key(t *testing.T) {
	c := Candle{Symbol: "BTCUSDT", Interval: "1h", OpenTime: testTime.In(time.FixedZone("X", 3600))}
	assert.Equal(t, CandleKey{Symbol: "BTCUSDT", Interval: "1h", OpenTime: testTime}, c.Key())
	assert.Equal(t, "BTCUSDT/1h@2024-01-01T12:00:00Z", c.String())
}

func TestCollectionJob_Lifecycle(t *testing.T) {
	job := NewCollectionJob("BTCUSDT", "1h", testTime, testTime.Add(24*time.Hour))
	require.NotEmpty(t, job.ID)
	assert.Equal(t, StatusPending, job.Status)

	assert.Error(t, job.Succeed(), "pending job cannot succeed")
	require.NoError(t, job.Start())
	assert.Error(t, job.Start(), "running job cannot start twice")

	job.InsertedCount = 12
	require.NoError(t, job.Succeed())
	assert.True(t, job.IsTerminal())

	res := job.Result()
	assert.False(t, res.Failed())
	assert.Equal(t, 12, res.InsertedCount)
	assert.Equal(t, "", res.ErrorMessage())
}

func TestCollectionJob_Fail(t *testing.T) {
	job := NewCollectionJob("ETHUSDT", "1d", testTime, testTime.Add(48*time.Hour))
	require.NoError(t, job.Start())

	cause := errors.New("upstream rejected symbol")
	require.NoError(t, job.Fail(cause))
	assert.Equal(t, StatusFailed, job.Status)

	res := job.Result()
	assert.True(t, res.Failed())
	assert.ErrorIs(t, res.Err, cause)
	assert.Error(t, job.Fail(cause), "failed job cannot fail again")
}

func TestBatchRequest_Validate(t *testing.T) {
	valid := BatchRequest{
		Symbols:   []string{"BTCUSDT"},
		Intervals: []string{"1h"},
		From:      testTime,
		To:        testTime.Add(24 * time.Hour),
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(r *BatchRequest)
	}{
		{name: "no_symbols", mutate: func(r *BatchRequest) { r.Symbols = nil }},
		{name: "blank_symbol", mutate: func(r *BatchRequest) { r.Symbols = []string{""} }},
		{name: "whitespace_symbol", mutate: func(r *BatchRequest) { r.Symbols = []string{"BTCUSDT", "   "} }},
		{name: "no_intervals", mutate: func(r *BatchRequest) { r.Intervals = []string{} }},
		{name: "unknown_interval", mutate: func(r *BatchRequest) { r.Intervals = []string{"2y"} }},
		{name: "inverted_range", mutate: func(r *BatchRequest) { r.To = r.From.Add(-time.Hour) }},
		{name: "negative_workers", mutate: func(r *BatchRequest) { r.MaxWorkers = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			assert.Error(t, req.Validate())
		})
	}
}

func TestBatchRequest_ExpandAndWorkers(t *testing.T) {
	req := BatchRequest{
		Symbols:   []string{"btcusdt", "ETHUSDT", "BTCUSDT"},
		Intervals: []string{"1h", "1d", "1hour"},
		From:      testTime,
		To:        testTime.Add(24 * time.Hour),
	}

	jobs, err := req.Expand()
	require.NoError(t, err)
	require.Len(t, jobs, 4)

	pairs := make(map[string]bool)
	for _, j := range jobs {
		pairs[j.Symbol+"/"+j.Interval.String()] = true
		assert.Equal(t, StatusPending, j.Status)
	}
	assert.True(t, pairs["BTCUSDT/1h"])
	assert.True(t, pairs["BTCUSDT/1d"])
	assert.True(t, pairs["ETHUSDT/1h"])
	assert.True(t, pairs["ETHUSDT/1d"])

	assert.Equal(t, DefaultMaxWorkers, req.Workers())
	req.MaxWorkers = 8
	assert.Equal(t, 8, req.Workers())
	req.Sequential = true
	assert.Equal(t, 1, req.Workers())
}

func TestBatchRequest_ExpandRejectsBlankSymbols(t *testing.T) {
	req := BatchRequest{
		Symbols:   []string{"  ", "\t"},
		Intervals: []string{"1h"},
		From:      testTime,
		To:        testTime.Add(time.Hour),
	}
	require.Error(t, req.Validate())

	jobs, err := req.Expand()
	assert.Error(t, err)
	assert.Empty(t, jobs)
}

func TestExecutionSummary_SuccessRate(t *testing.T) {
	assert.Equal(t, 0.0, ExecutionSummary{}.SuccessRate())

	s := ExecutionSummary{TotalJobs: 4, Succeeded: 3, Failed: 1}
	assert.InDelta(t, 75.0, s.SuccessRate(), 1e-9)
	assert.True(t, s.HasFailures())
}

func TestGap_MissingCandles(t *testing.T) {
	g := Gap{Symbol: "BTCUSDT", Interval: "1h", Start: testTime, End: testTime.Add(3 * time.Hour)}
	assert.Equal(t, 3, g.MissingCandles())
	assert.Contains(t, g.String(), "missing 3 candles")
}
